package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/nimasrn/borrow-gateway/internal/services"
	xhttp "github.com/nimasrn/borrow-gateway/pkg/http"
)

const (
	headerUserID   = "X-User-Id"
	headerUserRole = "X-User-Role"

	roleAdmin = "admin"
)

type BorrowingService interface {
	CreateBatch(ctx context.Context, req model.BorrowBatchRequest) ([]*model.Borrowing, error)
	ConfirmPickup(ctx context.Context, id int64, proofImages []string) (*model.Borrowing, error)
	Renew(ctx context.Context, id int64, requesterID int64) (*model.Borrowing, error)
	ReportDamageOrLoss(ctx context.Context, id int64, requesterID int64, damageType model.DamageType, quantity int, reason, proofImage string) (*model.Borrowing, error)
	Return(ctx context.Context, id int64) (*model.Borrowing, error)
	SettleCashCompensation(ctx context.Context, id int64, proofImage, note string) (*model.Borrowing, error)
	Get(ctx context.Context, id int64) (*model.Borrowing, error)
	List(ctx context.Context, filter model.BorrowingFilter) ([]*model.Borrowing, error)
}

type BorrowingHandler struct {
	svc BorrowingService
}

func RegisterBorrowingRoutes(e *router.Group, h *BorrowingHandler) {
	e.POST("/borrowings", h.CreateBatch)
	e.GET("/borrowings", h.ListBorrowings)
	e.GET("/borrowings/{id}", h.GetBorrowing)
	e.POST("/borrowings/{id}/pickup", h.ConfirmPickup)
	e.POST("/borrowings/{id}/renew", h.Renew)
	e.POST("/borrowings/{id}/return", h.Return)
	e.POST("/borrowings/{id}/report", h.Report)
	e.POST("/borrowings/{id}/settle", h.SettleCash)
}

func NewBorrowingHandler(borrowingService BorrowingService) *BorrowingHandler {
	return &BorrowingHandler{
		svc: borrowingService,
	}
}

type createBatchRequest struct {
	Lines []struct {
		BookID   int64 `json:"book_id"`
		Quantity int   `json:"quantity"`
	} `json:"lines"`
}

type pickupRequest struct {
	ProofImages []string `json:"proof_images"`
}

type reportRequest struct {
	Type       string `json:"type"`
	Quantity   int    `json:"quantity"`
	Reason     string `json:"reason"`
	ProofImage string `json:"proof_image"`
}

type settleCashRequest struct {
	ProofImage string `json:"proof_image"`
	Note       string `json:"note"`
}

type listBorrowingsResponse struct {
	Items []*model.Borrowing `json:"items"`
}

type batchErrorResponse struct {
	Error string          `json:"error"`
	Lines []lineErrorItem `json:"lines"`
}

type lineErrorItem struct {
	BookID int64  `json:"book_id"`
	Reason string `json:"reason"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *BorrowingHandler) CreateBatch(ctx *xhttp.RequestCtx) {
	userID, _, ok := identity(ctx)
	if !ok {
		writeError(ctx, 401, "missing identity headers")
		return
	}

	var req createBatchRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	lines := make([]model.BorrowLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = model.BorrowLine{BookID: l.BookID, Quantity: l.Quantity}
	}

	created, err := h.svc.CreateBatch(ctx, model.BorrowBatchRequest{
		UserID: userID,
		Lines:  lines,
	})
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 201, listBorrowingsResponse{Items: created})
}

func (h *BorrowingHandler) ListBorrowings(ctx *xhttp.RequestCtx) {
	userID, role, ok := identity(ctx)
	if !ok {
		writeError(ctx, 401, "missing identity headers")
		return
	}

	var f model.BorrowingFilter

	if role == roleAdmin {
		if v := query(ctx, "user_id"); v != "" {
			if id, e := strconv.ParseInt(v, 10, 64); e == nil {
				f.UserID = &id
			}
		}
	} else {
		f.UserID = &userID
	}
	if v := query(ctx, "book_id"); v != "" {
		if id, e := strconv.ParseInt(v, 10, 64); e == nil {
			f.BookID = &id
		}
	}
	if v := query(ctx, "code"); v != "" {
		f.BorrowingCode = &v
	}
	if v := query(ctx, "status"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
			if parts[i] != "" {
				f.Statuses = append(f.Statuses, model.BorrowingStatus(parts[i]))
			}
		}
	}
	if v := query(ctx, "from"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.From = &t
		}
	}
	if v := query(ctx, "to"); v != "" {
		if t, e := parseTime(v); e == nil {
			f.To = &t
		}
	}
	if v := query(ctx, "limit"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Limit = n
		}
	}
	if v := query(ctx, "offset"); v != "" {
		if n, e := strconv.Atoi(v); e == nil {
			f.Offset = n
		}
	}
	if strings.EqualFold(query(ctx, "order"), "desc") {
		f.Desc = true
	}

	items, err := h.svc.List(ctx, f)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, listBorrowingsResponse{Items: items})
}

func (h *BorrowingHandler) GetBorrowing(ctx *xhttp.RequestCtx) {
	userID, role, ok := identity(ctx)
	if !ok {
		writeError(ctx, 401, "missing identity headers")
		return
	}

	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid id")
		return
	}

	b, err := h.svc.Get(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	if role != roleAdmin && b.UserID != userID {
		writeError(ctx, 404, services.ErrNotFound.Error())
		return
	}
	writeJSON(ctx, 200, b)
}

func (h *BorrowingHandler) ConfirmPickup(ctx *xhttp.RequestCtx) {
	if !requireAdmin(ctx) {
		return
	}

	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid id")
		return
	}

	var req pickupRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	b, err := h.svc.ConfirmPickup(ctx, id, req.ProofImages)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, b)
}

func (h *BorrowingHandler) Renew(ctx *xhttp.RequestCtx) {
	userID, _, ok := identity(ctx)
	if !ok {
		writeError(ctx, 401, "missing identity headers")
		return
	}

	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid id")
		return
	}

	b, err := h.svc.Renew(ctx, id, userID)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, b)
}

func (h *BorrowingHandler) Return(ctx *xhttp.RequestCtx) {
	if !requireAdmin(ctx) {
		return
	}

	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid id")
		return
	}

	b, err := h.svc.Return(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, b)
}

func (h *BorrowingHandler) Report(ctx *xhttp.RequestCtx) {
	userID, _, ok := identity(ctx)
	if !ok {
		writeError(ctx, 401, "missing identity headers")
		return
	}

	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid id")
		return
	}

	var req reportRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	b, err := h.svc.ReportDamageOrLoss(ctx, id, userID, model.DamageType(req.Type), req.Quantity, req.Reason, req.ProofImage)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, b)
}

func (h *BorrowingHandler) SettleCash(ctx *xhttp.RequestCtx) {
	if !requireAdmin(ctx) {
		return
	}

	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid id")
		return
	}

	var req settleCashRequest
	if err := readJSON(ctx, &req); err != nil {
		writeError(ctx, 400, "invalid JSON: "+err.Error())
		return
	}

	b, err := h.svc.SettleCashCompensation(ctx, id, req.ProofImage, req.Note)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, b)
}

/* --------------------------------- Helpers ----------------------------------- */

func identity(ctx *xhttp.RequestCtx) (int64, string, bool) {
	id, err := strconv.ParseInt(string(ctx.Request.Header.Peek(headerUserID)), 10, 64)
	if err != nil || id == 0 {
		return 0, "", false
	}
	role := string(ctx.Request.Header.Peek(headerUserRole))
	return id, role, true
}

func requireAdmin(ctx *xhttp.RequestCtx) bool {
	_, role, ok := identity(ctx)
	if !ok {
		writeError(ctx, 401, "missing identity headers")
		return false
	}
	if role != roleAdmin {
		writeError(ctx, 403, "admin role required")
		return false
	}
	return true
}

// writeServiceError maps service errors onto the HTTP error taxonomy:
// validation 400, conflict 409, not found 404.
func writeServiceError(ctx *xhttp.RequestCtx, err error) {
	var batchErr *model.BatchError
	if errors.As(err, &batchErr) {
		lines := make([]lineErrorItem, len(batchErr.Lines))
		for i, l := range batchErr.Lines {
			lines[i] = lineErrorItem{BookID: l.BookID, Reason: l.Err.Error()}
		}
		writeJSON(ctx, 400, batchErrorResponse{Error: "borrow batch rejected", Lines: lines})
		return
	}

	switch {
	case errors.Is(err, services.ErrNotFound):
		writeError(ctx, 404, err.Error())
	case errors.Is(err, services.ErrActiveBorrowingExists),
		errors.Is(err, services.ErrUnpaidCompensation),
		errors.Is(err, services.ErrAlreadyPickedUp),
		errors.Is(err, services.ErrRenewLimitReached),
		errors.Is(err, services.ErrRenewNotAllowed),
		errors.Is(err, services.ErrAlreadyReturned),
		errors.Is(err, services.ErrNotReportable),
		errors.Is(err, services.ErrBookUnavailable):
		writeError(ctx, 409, err.Error())
	case errors.Is(err, services.ErrNotRecordOwner):
		writeError(ctx, 403, err.Error())
	case errors.Is(err, services.ErrBatchQuantityExceeded),
		errors.Is(err, services.ErrDuplicateBookBorrowing),
		errors.Is(err, services.ErrPickupProofRequired),
		errors.Is(err, services.ErrPartialQuantityUnsupported),
		errors.Is(err, services.ErrNoCompensationDue):
		writeError(ctx, 400, err.Error())
	default:
		writeError(ctx, 500, err.Error())
	}
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	body := ctx.PostBody()
	return json.Unmarshal(body, dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	writeJSON(ctx, status, map[string]string{"error": msg})
}

func pathInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	v, _ := ctx.UserValue(name).(string)
	return strconv.ParseInt(v, 10, 64)
}

func query(ctx *xhttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func parseTime(s string) (time.Time, error) {
	// Accept RFC3339 or YYYY-MM-DD
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

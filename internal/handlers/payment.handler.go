package handlers

import (
	"context"
	"errors"
	"net/url"

	"github.com/fasthttp/router"
	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/nimasrn/borrow-gateway/internal/services"
	xhttp "github.com/nimasrn/borrow-gateway/pkg/http"
)

type ReconcileService interface {
	BuildPaymentRedirect(ctx context.Context, borrowingID int64, clientIP string) (string, error)
	HandleReturnRedirect(ctx context.Context, params url.Values) (bool, error)
	HandleNotification(ctx context.Context, params url.Values) services.IPNAck
	Verify(ctx context.Context, txnRef string) (*services.VerifyResult, error)
	ListTransactions(ctx context.Context, borrowingID int64) ([]*model.PaymentTransaction, error)
}

type PaymentHandler struct {
	svc        ReconcileService
	successURL string
	failureURL string
}

func RegisterPaymentRoutes(e *router.Group, h *PaymentHandler) {
	e.POST("/payments/{id}/redirect", h.BuildRedirect)
	e.GET("/payments/return", h.Return)
	e.GET("/payments/ipn", h.IPN)
	e.GET("/payments/verify", h.Verify)
	e.GET("/payments/{id}/transactions", h.ListTransactions)
}

func NewPaymentHandler(reconcileService ReconcileService, successURL, failureURL string) *PaymentHandler {
	return &PaymentHandler{
		svc:        reconcileService,
		successURL: successURL,
		failureURL: failureURL,
	}
}

type redirectResponse struct {
	RedirectURL string `json:"redirect_url"`
}

/* --------------------------------- Routes ----------------------------------- */

func (h *PaymentHandler) BuildRedirect(ctx *xhttp.RequestCtx) {
	if _, _, ok := identity(ctx); !ok {
		writeError(ctx, 401, "missing identity headers")
		return
	}

	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid id")
		return
	}

	redirectURL, err := h.svc.BuildPaymentRedirect(ctx, id, ctx.RemoteIP().String())
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, redirectResponse{RedirectURL: redirectURL})
}

// Return handles the browser coming back from the payment page. The user
// always lands on a page; only the signature decides which one.
func (h *PaymentHandler) Return(ctx *xhttp.RequestCtx) {
	success, err := h.svc.HandleReturnRedirect(ctx, queryValues(ctx))
	if err != nil && !errors.Is(err, services.ErrInvalidSignature) {
		writeServiceError(ctx, err)
		return
	}

	target := h.failureURL
	if success {
		target = h.successURL
	}
	ctx.Redirect(target, 302)
}

// IPN is the server-to-server callback. The ack body is consumed by the
// gateway, not a browser.
func (h *PaymentHandler) IPN(ctx *xhttp.RequestCtx) {
	ack := h.svc.HandleNotification(ctx, queryValues(ctx))
	writeJSON(ctx, 200, ack)
}

func (h *PaymentHandler) Verify(ctx *xhttp.RequestCtx) {
	txnRef := query(ctx, "txn_ref")
	if txnRef == "" {
		writeError(ctx, 400, "txn_ref is required")
		return
	}

	result, err := h.svc.Verify(ctx, txnRef)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}

	status := 200
	if result.Status == services.VerifyNotConfirmed {
		// Inconclusive; the client should poll again.
		status = 202
	}
	writeJSON(ctx, status, result)
}

func (h *PaymentHandler) ListTransactions(ctx *xhttp.RequestCtx) {
	if !requireAdmin(ctx) {
		return
	}

	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, 400, "invalid id")
		return
	}

	items, err := h.svc.ListTransactions(ctx, id)
	if err != nil {
		writeServiceError(ctx, err)
		return
	}
	writeJSON(ctx, 200, items)
}

func queryValues(ctx *xhttp.RequestCtx) url.Values {
	values := url.Values{}
	ctx.QueryArgs().VisitAll(func(key, value []byte) {
		values.Add(string(key), string(value))
	})
	return values
}

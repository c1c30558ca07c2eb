package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	gateway "github.com/nimasrn/borrow-gateway/internal/gateways"
	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/nimasrn/borrow-gateway/internal/queue"
	"github.com/nimasrn/borrow-gateway/internal/repository"
	"github.com/nimasrn/borrow-gateway/pkg/logger"
	"github.com/nimasrn/borrow-gateway/pkg/prom"
)

var (
	ErrInvalidSignature   = errors.New("invalid gateway signature")
	ErrNoCompensationDue  = errors.New("no compensation is due on this borrowing")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

const providerVNPay = "vnpay"

// IPN acknowledgement codes expected by the gateway.
const (
	AckConfirmed        = "00"
	AckOrderNotFound    = "01"
	AckAlreadyConfirmed = "02"
	AckAmountMismatch   = "04"
	AckInvalidSignature = "97"
	AckInternalError    = "99"
)

type IPNAck struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// VerifyStatus is the outcome of a reconciliation poll.
type VerifyStatus string

const (
	VerifyConfirmed    VerifyStatus = "confirmed"
	VerifyFailed       VerifyStatus = "failed"
	VerifyNotConfirmed VerifyStatus = "notYetConfirmed"
)

type VerifyResult struct {
	TxnRef    string       `json:"txn_ref"`
	Status    VerifyStatus `json:"status"`
	Retryable bool         `json:"retryable"`
}

type PaymentGateway interface {
	BuildPaymentURL(req *gateway.PaymentRequest) (string, error)
	ValidateSignature(params url.Values) error
	QueryTransaction(ctx context.Context, req *gateway.QueryRequest) (*gateway.QueryResponse, error)
}

type ReconcileBorrowingRepository interface {
	GetByID(ctx context.Context, id int64) (*model.Borrowing, error)
	GetByTxnRef(ctx context.Context, txnRef string) (*model.Borrowing, error)
	SetTxnRef(ctx context.Context, id int64, txnRef string) error
	CompletePayment(ctx context.Context, txnRef string, method model.PaymentMethod, paidAt time.Time) (bool, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, txn *model.PaymentTransaction) error
	GetByTxnRef(ctx context.Context, txnRef string) (*model.PaymentTransaction, error)
	UpsertOutcome(ctx context.Context, txn *model.PaymentTransaction) error
	ListByBorrowing(ctx context.Context, borrowingID int64) ([]*model.PaymentTransaction, error)
}

// PaymentAppliedEvent fans out to the notification workers once a
// compensation payment settles.
type PaymentAppliedEvent struct {
	TxnRef      string    `json:"txn_ref"`
	BorrowingID int64     `json:"borrowing_id"`
	UserID      int64     `json:"user_id"`
	Amount      int64     `json:"amount"`
	AppliedAt   time.Time `json:"applied_at"`
}

type ReconcileService struct {
	borrowingRepo ReconcileBorrowingRepository
	paymentRepo   PaymentRepository
	gateway       PaymentGateway
	queue         *queue.Queue
	now           func() time.Time
}

func NewReconcileService(borrowingRepo ReconcileBorrowingRepository, paymentRepo PaymentRepository, gw PaymentGateway, q *queue.Queue) *ReconcileService {
	return &ReconcileService{
		borrowingRepo: borrowingRepo,
		paymentRepo:   paymentRepo,
		gateway:       gw,
		queue:         q,
		now:           time.Now,
	}
}

// BuildPaymentRedirect prepares the hosted-payment-page URL for one
// compensation debt and records the pending transaction.
func (s *ReconcileService) BuildPaymentRedirect(ctx context.Context, borrowingID int64, clientIP string) (string, error) {
	record, err := s.borrowingRepo.GetByID(ctx, borrowingID)
	if err != nil {
		if errors.Is(err, repository.ErrBorrowingNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}

	if !record.HasUnpaidCompensation() {
		return "", ErrNoCompensationDue
	}

	txnRef := record.TxnRef
	if txnRef == "" {
		txnRef = strconv.FormatInt(record.ID, 10)
		if err := s.borrowingRepo.SetTxnRef(ctx, record.ID, txnRef); err != nil {
			return "", fmt.Errorf("bind txn ref: %w", err)
		}
	}

	redirectURL, err := s.gateway.BuildPaymentURL(&gateway.PaymentRequest{
		TxnRef:    txnRef,
		Amount:    record.CompensationAmount,
		OrderInfo: fmt.Sprintf("Compensation for borrowing %s", record.BorrowingCode),
		IPAddr:    clientIP,
	})
	if err != nil {
		return "", err
	}

	if _, err := s.paymentRepo.GetByTxnRef(ctx, txnRef); err != nil {
		if !errors.Is(err, repository.ErrTransactionNotFound) {
			return "", err
		}
		err = s.paymentRepo.Create(ctx, &model.PaymentTransaction{
			TxnRef:      txnRef,
			BorrowingID: record.ID,
			Amount:      record.CompensationAmount,
			Status:      model.TransactionStatusPending,
			Provider:    providerVNPay,
			RawRequest:  redirectURL,
		})
		if err != nil {
			return "", fmt.Errorf("record pending transaction: %w", err)
		}
	}

	logger.Info("payment redirect built", "borrowing_id", record.ID, "txn_ref", txnRef, "amount", record.CompensationAmount)

	return redirectURL, nil
}

// HandleReturnRedirect processes the browser return path. It is advisory and
// user-controlled, so nothing is applied without a valid signature. The
// returned flag tells the handler which page to redirect to.
func (s *ReconcileService) HandleReturnRedirect(ctx context.Context, params url.Values) (bool, error) {
	if err := s.gateway.ValidateSignature(params); err != nil {
		logger.Warn("return redirect rejected", "txn_ref", params.Get("vnp_TxnRef"), "error", err)
		return false, ErrInvalidSignature
	}

	txnRef := params.Get("vnp_TxnRef")
	success := gateway.IsSuccess(params)

	_, err := s.applyPaymentOutcome(ctx, txnRef, success, params.Encode(), "redirect")
	if err != nil {
		return false, err
	}

	return success, nil
}

// HandleNotification processes the server-to-server IPN callback. The raw
// payload is persisted for audit whenever the order is known, and the ack
// code tells the gateway whether to keep retrying.
func (s *ReconcileService) HandleNotification(ctx context.Context, params url.Values) IPNAck {
	txnRef := params.Get("vnp_TxnRef")

	if err := s.gateway.ValidateSignature(params); err != nil {
		logger.Warn("ipn rejected", "txn_ref", txnRef, "error", err)
		return IPNAck{RspCode: AckInvalidSignature, Message: "Invalid signature"}
	}

	record, err := s.borrowingRepo.GetByTxnRef(ctx, txnRef)
	if err != nil {
		if errors.Is(err, repository.ErrBorrowingNotFound) {
			return IPNAck{RspCode: AckOrderNotFound, Message: "Order not found"}
		}
		logger.Error("ipn lookup failed", "txn_ref", txnRef, "error", err)
		return IPNAck{RspCode: AckInternalError, Message: "Internal error"}
	}

	amount, err := strconv.ParseInt(params.Get("vnp_Amount"), 10, 64)
	if err != nil {
		// Missing or garbled amount is a malformed request, not a mismatch.
		return IPNAck{RspCode: AckInternalError, Message: "Invalid request"}
	}
	if amount/100 != record.CompensationAmount {
		return IPNAck{RspCode: AckAmountMismatch, Message: "Invalid amount"}
	}

	if record.PaymentStatus == model.PaymentStatusCompleted {
		s.audit(ctx, record, txnRef, model.TransactionStatusPaid, params.Encode())
		return IPNAck{RspCode: AckAlreadyConfirmed, Message: "Order already confirmed"}
	}

	success := gateway.IsSuccess(params)
	if _, err := s.applyPaymentOutcome(ctx, txnRef, success, params.Encode(), "ipn"); err != nil {
		logger.Error("ipn apply failed", "txn_ref", txnRef, "error", err)
		return IPNAck{RspCode: AckInternalError, Message: "Internal error"}
	}

	return IPNAck{RspCode: AckConfirmed, Message: "Confirm success"}
}

// Verify is the pull-based fallback for transactions neither push path has
// settled yet. A gateway timeout is inconclusive, never a decline.
func (s *ReconcileService) Verify(ctx context.Context, txnRef string) (*VerifyResult, error) {
	txn, err := s.paymentRepo.GetByTxnRef(ctx, txnRef)
	if err != nil && !errors.Is(err, repository.ErrTransactionNotFound) {
		return nil, err
	}
	if txn != nil && txn.Status == model.TransactionStatusPaid {
		return &VerifyResult{TxnRef: txnRef, Status: VerifyConfirmed}, nil
	}

	record, err := s.borrowingRepo.GetByTxnRef(ctx, txnRef)
	if err != nil {
		if errors.Is(err, repository.ErrBorrowingNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	// Once the record says completed it is the source of truth; the
	// transaction row is reconciled to match.
	if record.PaymentStatus == model.PaymentStatusCompleted {
		s.audit(ctx, record, txnRef, model.TransactionStatusPaid, "")
		return &VerifyResult{TxnRef: txnRef, Status: VerifyConfirmed}, nil
	}

	start := s.now()
	reply, err := s.gateway.QueryTransaction(ctx, &gateway.QueryRequest{
		TxnRef:          txnRef,
		TransactionDate: record.CreatedAt,
		OrderInfo:       fmt.Sprintf("Verify borrowing %s", record.BorrowingCode),
	})
	prom.AddQuerydrDuration(s.now().Sub(start).Seconds())

	if err != nil {
		if errors.Is(err, gateway.ErrGatewayUnavailable) {
			logger.Warn("verify inconclusive", "txn_ref", txnRef, "error", err)
			return &VerifyResult{TxnRef: txnRef, Status: VerifyNotConfirmed, Retryable: true}, nil
		}
		return nil, err
	}

	if !reply.Success() {
		s.audit(ctx, record, txnRef, model.TransactionStatusFailed, reply.Raw)
		return &VerifyResult{TxnRef: txnRef, Status: VerifyFailed}, nil
	}

	if _, err := s.applyPaymentOutcome(ctx, txnRef, true, reply.Raw, "verify"); err != nil {
		return nil, err
	}

	return &VerifyResult{TxnRef: txnRef, Status: VerifyConfirmed}, nil
}

// applyPaymentOutcome is the single sink every entry point funnels through.
// The conditional update on payment_status makes concurrent invocations for
// the same txnRef collapse into exactly one application.
func (s *ReconcileService) applyPaymentOutcome(ctx context.Context, txnRef string, success bool, raw string, source string) (bool, error) {
	record, err := s.borrowingRepo.GetByTxnRef(ctx, txnRef)
	if err != nil {
		if errors.Is(err, repository.ErrBorrowingNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}

	// A settled record never regresses; a late verdict of either kind only
	// reconciles the audit row.
	if record.PaymentStatus == model.PaymentStatusCompleted {
		s.audit(ctx, record, txnRef, model.TransactionStatusPaid, raw)
		return false, nil
	}

	if !success {
		s.audit(ctx, record, txnRef, model.TransactionStatusFailed, raw)
		return false, nil
	}

	applied, err := s.borrowingRepo.CompletePayment(ctx, txnRef, model.PaymentMethodBank, s.now())
	if err != nil {
		return false, fmt.Errorf("complete payment: %w", err)
	}

	s.audit(ctx, record, txnRef, model.TransactionStatusPaid, raw)

	if !applied {
		return false, nil
	}

	logger.Info("payment applied", "txn_ref", txnRef, "borrowing_id", record.ID, "source", source)
	prom.IncPaymentApplied(source)

	if s.queue != nil {
		event := PaymentAppliedEvent{
			TxnRef:      txnRef,
			BorrowingID: record.ID,
			UserID:      record.UserID,
			Amount:      record.CompensationAmount,
			AppliedAt:   s.now(),
		}
		if _, err := s.queue.PublishJSON(ctx, event, map[string]string{"type": "payment.applied"}); err != nil {
			// Notification fan-out is best effort; the payment is applied.
			logger.Error("failed to publish payment.applied", "txn_ref", txnRef, "error", err)
		}
	}

	return true, nil
}

// audit upserts the transaction row with the gateway's verdict and payload.
// Audit failures are logged, never propagated over a settled payment.
func (s *ReconcileService) audit(ctx context.Context, record *model.Borrowing, txnRef string, status model.TransactionStatus, raw string) {
	err := s.paymentRepo.UpsertOutcome(ctx, &model.PaymentTransaction{
		TxnRef:      txnRef,
		BorrowingID: record.ID,
		Amount:      record.CompensationAmount,
		Status:      status,
		Provider:    providerVNPay,
		RawResponse: raw,
	})
	if err != nil {
		logger.Error("failed to record transaction outcome", "txn_ref", txnRef, "status", string(status), "error", err)
	}
}

// ListTransactions exposes the audit trail for one borrowing.
func (s *ReconcileService) ListTransactions(ctx context.Context, borrowingID int64) ([]*model.PaymentTransaction, error) {
	return s.paymentRepo.ListByBorrowing(ctx, borrowingID)
}

package handlers

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"

	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/nimasrn/borrow-gateway/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockReconcileService struct {
	mock.Mock
}

func (m *MockReconcileService) BuildPaymentRedirect(ctx context.Context, borrowingID int64, clientIP string) (string, error) {
	args := m.Called(ctx, borrowingID, clientIP)
	return args.String(0), args.Error(1)
}

func (m *MockReconcileService) HandleReturnRedirect(ctx context.Context, params url.Values) (bool, error) {
	args := m.Called(ctx, params)
	return args.Bool(0), args.Error(1)
}

func (m *MockReconcileService) HandleNotification(ctx context.Context, params url.Values) services.IPNAck {
	args := m.Called(ctx, params)
	return args.Get(0).(services.IPNAck)
}

func (m *MockReconcileService) Verify(ctx context.Context, txnRef string) (*services.VerifyResult, error) {
	args := m.Called(ctx, txnRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.VerifyResult), args.Error(1)
}

func (m *MockReconcileService) ListTransactions(ctx context.Context, borrowingID int64) ([]*model.PaymentTransaction, error) {
	args := m.Called(ctx, borrowingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.PaymentTransaction), args.Error(1)
}

func newPaymentHandler(svc ReconcileService) *PaymentHandler {
	return NewPaymentHandler(svc, "https://app.example/payment/success", "https://app.example/payment/failure")
}

func TestPaymentHandler_BuildRedirect(t *testing.T) {
	t.Run("returns redirect url", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		svc.On("BuildPaymentRedirect", mock.Anything, int64(42), mock.Anything).
			Return("https://sandbox.vnpayment.vn/paymentv2/vpcpay.html?vnp_TxnRef=42", nil)

		ctx := asUser(setupTestContext("POST", "/api/v1/payments/42/redirect", nil), 7)
		ctx.SetUserValue("id", "42")
		handler.BuildRedirect(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var response redirectResponse
		err := json.Unmarshal(ctx.Response.Body(), &response)
		require.NoError(t, err)
		assert.Contains(t, response.RedirectURL, "vnp_TxnRef=42")

		svc.AssertExpectations(t)
	})

	t.Run("missing identity", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		ctx := setupTestContext("POST", "/api/v1/payments/42/redirect", nil)
		ctx.SetUserValue("id", "42")
		handler.BuildRedirect(ctx)

		assert.Equal(t, 401, ctx.Response.StatusCode())
		svc.AssertNotCalled(t, "BuildPaymentRedirect")
	})

	t.Run("nothing owed", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		svc.On("BuildPaymentRedirect", mock.Anything, int64(42), mock.Anything).
			Return("", services.ErrNoCompensationDue)

		ctx := asUser(setupTestContext("POST", "/api/v1/payments/42/redirect", nil), 7)
		ctx.SetUserValue("id", "42")
		handler.BuildRedirect(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
	})
}

func TestPaymentHandler_Return(t *testing.T) {
	t.Run("successful payment redirects to success page", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		svc.On("HandleReturnRedirect", mock.Anything, mock.Anything).Return(true, nil)

		ctx := setupTestContext("GET", "/api/v1/payments/return?vnp_TxnRef=42&vnp_ResponseCode=00", nil)
		handler.Return(ctx)

		assert.Equal(t, 302, ctx.Response.StatusCode())
		assert.Equal(t, "https://app.example/payment/success", string(ctx.Response.Header.Peek("Location")))
	})

	t.Run("declined payment redirects to failure page", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		svc.On("HandleReturnRedirect", mock.Anything, mock.Anything).Return(false, nil)

		ctx := setupTestContext("GET", "/api/v1/payments/return?vnp_TxnRef=42&vnp_ResponseCode=24", nil)
		handler.Return(ctx)

		assert.Equal(t, 302, ctx.Response.StatusCode())
		assert.Equal(t, "https://app.example/payment/failure", string(ctx.Response.Header.Peek("Location")))
	})

	t.Run("tampered callback still lands on failure page", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		svc.On("HandleReturnRedirect", mock.Anything, mock.Anything).
			Return(false, services.ErrInvalidSignature)

		ctx := setupTestContext("GET", "/api/v1/payments/return?vnp_TxnRef=42", nil)
		handler.Return(ctx)

		assert.Equal(t, 302, ctx.Response.StatusCode())
		assert.Equal(t, "https://app.example/payment/failure", string(ctx.Response.Header.Peek("Location")))
	})
}

func TestPaymentHandler_IPN(t *testing.T) {
	t.Run("passes query params through and acks", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		svc.On("HandleNotification", mock.Anything, mock.MatchedBy(func(params url.Values) bool {
			return params.Get("vnp_TxnRef") == "42" && params.Get("vnp_ResponseCode") == "00"
		})).Return(services.IPNAck{RspCode: "00", Message: "Confirm success"})

		ctx := setupTestContext("GET", "/api/v1/payments/ipn?vnp_TxnRef=42&vnp_ResponseCode=00", nil)
		handler.IPN(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var ack services.IPNAck
		err := json.Unmarshal(ctx.Response.Body(), &ack)
		require.NoError(t, err)
		assert.Equal(t, "00", ack.RspCode)

		svc.AssertExpectations(t)
	})

	t.Run("invalid signature still answers 200 with ack code", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		svc.On("HandleNotification", mock.Anything, mock.Anything).
			Return(services.IPNAck{RspCode: "97", Message: "Invalid signature"})

		ctx := setupTestContext("GET", "/api/v1/payments/ipn?vnp_TxnRef=42", nil)
		handler.IPN(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var ack services.IPNAck
		err := json.Unmarshal(ctx.Response.Body(), &ack)
		require.NoError(t, err)
		assert.Equal(t, "97", ack.RspCode)
	})
}

func TestPaymentHandler_Verify(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		svc.On("Verify", mock.Anything, "42").
			Return(&services.VerifyResult{TxnRef: "42", Status: services.VerifyConfirmed}, nil)

		ctx := setupTestContext("GET", "/api/v1/payments/verify?txn_ref=42", nil)
		handler.Verify(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var result services.VerifyResult
		err := json.Unmarshal(ctx.Response.Body(), &result)
		require.NoError(t, err)
		assert.Equal(t, services.VerifyConfirmed, result.Status)
	})

	t.Run("inconclusive maps to 202", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		svc.On("Verify", mock.Anything, "42").
			Return(&services.VerifyResult{TxnRef: "42", Status: services.VerifyNotConfirmed, Retryable: true}, nil)

		ctx := setupTestContext("GET", "/api/v1/payments/verify?txn_ref=42", nil)
		handler.Verify(ctx)

		assert.Equal(t, 202, ctx.Response.StatusCode())

		var result services.VerifyResult
		err := json.Unmarshal(ctx.Response.Body(), &result)
		require.NoError(t, err)
		assert.True(t, result.Retryable)
	})

	t.Run("missing txn_ref", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		ctx := setupTestContext("GET", "/api/v1/payments/verify", nil)
		handler.Verify(ctx)

		assert.Equal(t, 400, ctx.Response.StatusCode())
		svc.AssertNotCalled(t, "Verify")
	})

	t.Run("unknown txn_ref", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		svc.On("Verify", mock.Anything, "missing").Return(nil, services.ErrNotFound)

		ctx := setupTestContext("GET", "/api/v1/payments/verify?txn_ref=missing", nil)
		handler.Verify(ctx)

		assert.Equal(t, 404, ctx.Response.StatusCode())
	})
}

func TestPaymentHandler_ListTransactions(t *testing.T) {
	t.Run("admin lists transactions", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		svc.On("ListTransactions", mock.Anything, int64(42)).
			Return([]*model.PaymentTransaction{
				{ID: 1, TxnRef: "42", Status: model.TransactionStatusPaid},
			}, nil)

		ctx := asAdmin(setupTestContext("GET", "/api/v1/payments/42/transactions", nil))
		ctx.SetUserValue("id", "42")
		handler.ListTransactions(ctx)

		assert.Equal(t, 200, ctx.Response.StatusCode())

		var items []*model.PaymentTransaction
		err := json.Unmarshal(ctx.Response.Body(), &items)
		require.NoError(t, err)
		assert.Len(t, items, 1)

		svc.AssertExpectations(t)
	})

	t.Run("student is forbidden", func(t *testing.T) {
		svc := new(MockReconcileService)
		handler := newPaymentHandler(svc)

		ctx := asUser(setupTestContext("GET", "/api/v1/payments/42/transactions", nil), 7)
		ctx.SetUserValue("id", "42")
		handler.ListTransactions(ctx)

		assert.Equal(t, 403, ctx.Response.StatusCode())
		svc.AssertNotCalled(t, "ListTransactions")
	})
}

package model

import "time"

// TransactionStatus is the lifecycle state of one gateway payment attempt.
type TransactionStatus string

const (
	TransactionStatusPending TransactionStatus = "pending"
	TransactionStatusPaid    TransactionStatus = "paid"
	TransactionStatusFailed  TransactionStatus = "failed"
)

// PaymentTransaction records one gateway-initiated payment attempt. Many
// transactions may reference one borrowing over time (retries), but applying a
// paid transaction to an already-completed borrowing is a no-op.
type PaymentTransaction struct {
	ID          int64             `json:"id"`
	TxnRef      string            `json:"txn_ref"`
	BorrowingID int64             `json:"borrowing_id"`
	Amount      int64             `json:"amount"`
	Status      TransactionStatus `json:"status"`
	Provider    string            `json:"provider"`
	RawRequest  string            `json:"raw_request,omitempty"`
	RawResponse string            `json:"raw_response,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func (PaymentTransaction) TableName() string { return "payment_transactions" }

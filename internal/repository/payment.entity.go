package repository

import (
	"time"

	"github.com/nimasrn/borrow-gateway/internal/model"
)

type PaymentTransactionEntity struct {
	ID          int64     `db:"id"           gorm:"primaryKey;autoIncrement;column:id"`
	TxnRef      string    `db:"txn_ref"      gorm:"column:txn_ref;not null;uniqueIndex"`
	BorrowingID int64     `db:"borrowing_id" gorm:"column:borrowing_id;not null;index"`
	Amount      int64     `db:"amount"       gorm:"column:amount;not null"`
	Status      string    `db:"status"       gorm:"column:status;not null"`
	Provider    string    `db:"provider"     gorm:"column:provider;not null"`
	RawRequest  string    `db:"raw_request"  gorm:"column:raw_request"`
	RawResponse string    `db:"raw_response" gorm:"column:raw_response"`
	CreatedAt   time.Time `db:"created_at"   gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `db:"updated_at"   gorm:"column:updated_at;autoUpdateTime"`
}

func (PaymentTransactionEntity) TableName() string {
	return "payment_transactions"
}

func toPaymentTransactionEntity(m *model.PaymentTransaction) *PaymentTransactionEntity {
	if m == nil {
		return nil
	}
	return &PaymentTransactionEntity{
		ID:          m.ID,
		TxnRef:      m.TxnRef,
		BorrowingID: m.BorrowingID,
		Amount:      m.Amount,
		Status:      string(m.Status),
		Provider:    m.Provider,
		RawRequest:  m.RawRequest,
		RawResponse: m.RawResponse,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toPaymentTransactionModel(e *PaymentTransactionEntity) *model.PaymentTransaction {
	if e == nil {
		return nil
	}
	return &model.PaymentTransaction{
		ID:          e.ID,
		TxnRef:      e.TxnRef,
		BorrowingID: e.BorrowingID,
		Amount:      e.Amount,
		Status:      model.TransactionStatus(e.Status),
		Provider:    e.Provider,
		RawRequest:  e.RawRequest,
		RawResponse: e.RawResponse,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
	}
}

func toPaymentTransactionModels(entities []*PaymentTransactionEntity) []*model.PaymentTransaction {
	if entities == nil {
		return nil
	}
	models := make([]*model.PaymentTransaction, len(entities))
	for i, e := range entities {
		models[i] = toPaymentTransactionModel(e)
	}
	return models
}

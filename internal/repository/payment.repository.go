package repository

import (
	"context"
	"errors"

	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/nimasrn/borrow-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrTransactionNotFound = errors.New("payment transaction not found")

type PaymentRepository struct {
	*pg.DB
}

func NewPaymentRepository(db *pg.DB) *PaymentRepository {
	return &PaymentRepository{
		db,
	}
}

func (r *PaymentRepository) Create(ctx context.Context, txn *model.PaymentTransaction) error {
	entity := toPaymentTransactionEntity(txn)

	err := r.Write(ctx).WithContext(ctx).Create(entity).Error
	if err != nil {
		return err
	}

	txn.ID = entity.ID
	txn.CreatedAt = entity.CreatedAt
	txn.UpdatedAt = entity.UpdatedAt
	return nil
}

func (r *PaymentRepository) GetByTxnRef(ctx context.Context, txnRef string) (*model.PaymentTransaction, error) {
	var entity PaymentTransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("txn_ref = ?", txnRef).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	return toPaymentTransactionModel(&entity), nil
}

// UpsertOutcome records the gateway's verdict for a transaction. Replayed
// notifications overwrite with the same verdict, so the write is an upsert
// keyed on txn_ref rather than a second insert.
func (r *PaymentRepository) UpsertOutcome(ctx context.Context, txn *model.PaymentTransaction) error {
	entity := toPaymentTransactionEntity(txn)

	return r.Write(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "txn_ref"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "raw_response", "updated_at",
			}),
		}).
		Create(entity).
		Error
}

func (r *PaymentRepository) ListByBorrowing(ctx context.Context, borrowingID int64) ([]*model.PaymentTransaction, error) {
	var entities []*PaymentTransactionEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("borrowing_id = ?", borrowingID).
		Order("created_at ASC").
		Find(&entities).
		Error
	if err != nil {
		return nil, err
	}

	return toPaymentTransactionModels(entities), nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/nimasrn/borrow-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBorrowingNotFound  = errors.New("borrowing not found")
	ErrAlreadyPickedUp    = errors.New("borrowing already picked up")
	ErrNotPickedUp        = errors.New("borrowing not picked up yet")
	ErrRenewLimitReached  = errors.New("renew limit reached")
	ErrNotRenewable       = errors.New("borrowing is not in a renewable state")
	ErrAlreadyClosed      = errors.New("borrowing already closed")
	ErrConcurrentUpdate   = errors.New("concurrent update detected")
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	ErrCodeExhausted      = errors.New("could not claim a unique borrowing code")
)

type BorrowingRepository struct {
	*pg.DB
}

func NewBorrowingRepository(db *pg.DB) *BorrowingRepository {
	return &BorrowingRepository{
		db,
	}
}

// CreateBatch inserts every record of one borrow batch. The caller runs it
// inside WithinTransaction together with the inventory deductions so a failed
// line rolls back the whole batch.
func (r *BorrowingRepository) CreateBatch(ctx context.Context, borrowings []*model.Borrowing) error {
	entities := make([]*BorrowingEntity, len(borrowings))
	for i, b := range borrowings {
		entities[i] = toBorrowingEntity(b)
	}

	err := r.Write(ctx).WithContext(ctx).Create(&entities).Error
	if err != nil {
		return err
	}

	for i, e := range entities {
		borrowings[i].ID = e.ID
		borrowings[i].CreatedAt = e.CreatedAt
	}
	return nil
}

// ClaimCode returns the user's borrowing code for the given day, reusing the
// code already claimed that day if one exists, else reserving the next free
// BRW-yyyymmdd-NNN. Concurrent claimers collide on the unique code index and
// retry with the next sequence number.
func (r *BorrowingRepository) ClaimCode(ctx context.Context, userID int64, day time.Time) (string, error) {
	const maxRetries = 3

	day = day.UTC().Truncate(24 * time.Hour)

	var existing BorrowCodeEntity
	err := r.Write(ctx).WithContext(ctx).
		Where("user_id = ? AND day = ?", userID, day).
		First(&existing).
		Error
	if err == nil {
		return existing.Code, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		var count int64
		err := r.Write(ctx).WithContext(ctx).
			Model(&BorrowCodeEntity{}).
			Where("day = ?", day).
			Count(&count).
			Error
		if err != nil {
			return "", err
		}

		code := fmt.Sprintf("BRW-%s-%03d", day.Format("20060102"), count+1)

		// ON CONFLICT DO NOTHING keeps a lost race from raising a
		// duplicate-key error, which on postgres would abort the enclosing
		// batch transaction and poison every retry statement after it.
		res := r.Write(ctx).WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&BorrowCodeEntity{
				Code:   code,
				UserID: userID,
				Day:    day,
			})
		if res.Error != nil {
			return "", res.Error
		}
		if res.RowsAffected > 0 {
			return code, nil
		}
	}

	return "", ErrCodeExhausted
}

func (r *BorrowingRepository) GetByID(ctx context.Context, id int64) (*model.Borrowing, error) {
	var entity BorrowingEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBorrowingNotFound
		}
		return nil, err
	}

	return toBorrowingModel(&entity), nil
}

func (r *BorrowingRepository) GetByTxnRef(ctx context.Context, txnRef string) (*model.Borrowing, error) {
	var entity BorrowingEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("txn_ref = ?", txnRef).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBorrowingNotFound
		}
		return nil, err
	}

	return toBorrowingModel(&entity), nil
}

// List filters on effective status by translating each requested status into
// a predicate over the stored fields, so "overdue" never has to be persisted.
func (r *BorrowingRepository) List(ctx context.Context, filter model.BorrowingFilter, now time.Time) ([]*model.Borrowing, error) {
	query := r.Read(ctx).WithContext(ctx).Model(&BorrowingEntity{})

	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.BookID != nil {
		query = query.Where("book_id = ?", *filter.BookID)
	}
	if filter.BorrowingCode != nil {
		query = query.Where("borrowing_code = ?", *filter.BorrowingCode)
	}
	if filter.From != nil {
		query = query.Where("borrow_date >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("borrow_date <= ?", *filter.To)
	}

	if len(filter.Statuses) > 0 {
		conds := make([]string, 0, len(filter.Statuses))
		args := make([]interface{}, 0, len(filter.Statuses)*2)
		for _, s := range filter.Statuses {
			switch s {
			case model.StatusPendingPickup:
				conds = append(conds, "(is_picked_up = ?)")
				args = append(args, false)
			case model.StatusOverdue:
				conds = append(conds, "(is_picked_up = ? AND status IN (?, ?) AND due_date < ?)")
				args = append(args, true, string(model.StatusBorrowed), string(model.StatusRenewed), now)
			case model.StatusBorrowed, model.StatusRenewed:
				conds = append(conds, "(is_picked_up = ? AND status = ? AND due_date >= ?)")
				args = append(args, true, string(s), now)
			case model.StatusCompensated:
				conds = append(conds, "(is_picked_up = ? AND payment_status = ?)")
				args = append(args, true, string(model.PaymentStatusCompleted))
			default:
				conds = append(conds, "(is_picked_up = ? AND status = ? AND payment_status <> ?)")
				args = append(args, true, string(s), string(model.PaymentStatusCompleted))
			}
		}
		query = query.Where(strings.Join(conds, " OR "), args...)
	}

	order := "created_at ASC, id ASC"
	if filter.Desc {
		order = "created_at DESC, id DESC"
	}
	query = query.Order(order)

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var entities []*BorrowingEntity
	if err := query.Find(&entities).Error; err != nil {
		return nil, err
	}

	return toBorrowingModels(entities), nil
}

// HasActiveBorrowing reports whether the user already holds a record that
// still counts against the one-open-batch rule.
func (r *BorrowingRepository) HasActiveBorrowing(ctx context.Context, userID int64) (bool, error) {
	var count int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&BorrowingEntity{}).
		Where("user_id = ?", userID).
		Where("status IN (?, ?, ?)",
			string(model.StatusPendingPickup),
			string(model.StatusBorrowed),
			string(model.StatusRenewed)).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HasUnpaidCompensation reports whether the user has an open damage/loss debt.
func (r *BorrowingRepository) HasUnpaidCompensation(ctx context.Context, userID int64) (bool, error) {
	var count int64
	err := r.Read(ctx).WithContext(ctx).
		Model(&BorrowingEntity{}).
		Where("user_id = ?", userID).
		Where("status IN (?, ?)", string(model.StatusDamaged), string(model.StatusLost)).
		Where("payment_status <> ?", string(model.PaymentStatusCompleted)).
		Count(&count).
		Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ConfirmPickup flips is_picked_up exactly once. A second confirmation is
// rejected rather than silently absorbed so the librarian sees the conflict.
func (r *BorrowingRepository) ConfirmPickup(ctx context.Context, id int64, proofImages []string, now time.Time) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&BorrowingEntity{}).
		Where("id = ? AND is_picked_up = ?", id, false).
		Updates(map[string]interface{}{
			"is_picked_up":        true,
			"status":              string(model.StatusBorrowed),
			"pickup_proof_images": strings.Join(proofImages, ";"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyPickedUp
	}
	return nil
}

// Renew extends the due date by one loan period. The renew_count guard in the
// WHERE clause makes concurrent renewals of the same record serialize: only
// one writer can move renew_count from n to n+1.
func (r *BorrowingRepository) Renew(ctx context.Context, id int64) (*model.Borrowing, error) {
	const maxRetries = 3
	const baseDelay = 2 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		b, err := r.renewAttempt(ctx, id)

		if err == nil {
			return b, nil
		}

		if errors.Is(err, ErrBorrowingNotFound) ||
			errors.Is(err, ErrRenewLimitReached) ||
			errors.Is(err, ErrNotRenewable) ||
			errors.Is(err, ErrNotPickedUp) {
			return nil, err
		}

		if attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}
	}

	return nil, fmt.Errorf("%w: failed after %d attempts", ErrMaxRetriesExceeded, maxRetries+1)
}

func (r *BorrowingRepository) renewAttempt(ctx context.Context, id int64) (*model.Borrowing, error) {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !current.IsPickedUp {
		return nil, ErrNotPickedUp
	}
	switch current.Status {
	case model.StatusBorrowed, model.StatusRenewed:
	default:
		return nil, ErrNotRenewable
	}
	if current.RenewCount >= model.MaxRenewCount {
		return nil, ErrRenewLimitReached
	}

	newDueDate := current.DueDate.Add(model.LoanPeriod)

	result := r.Write(ctx).WithContext(ctx).
		Model(&BorrowingEntity{}).
		Where("id = ? AND renew_count = ? AND status IN (?, ?)",
			id, current.RenewCount,
			string(model.StatusBorrowed), string(model.StatusRenewed)).
		Updates(map[string]interface{}{
			"status":      string(model.StatusRenewed),
			"renew_count": gorm.Expr("renew_count + 1"),
			"due_date":    newDueDate,
		})

	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrConcurrentUpdate
	}

	current.Status = model.StatusRenewed
	current.RenewCount++
	current.DueDate = newDueDate
	return current, nil
}

// MarkReturned closes an open record. Records that are already returned,
// reported, or compensated are left alone.
func (r *BorrowingRepository) MarkReturned(ctx context.Context, id int64, now time.Time) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&BorrowingEntity{}).
		Where("id = ? AND is_picked_up = ? AND status IN (?, ?)",
			id, true,
			string(model.StatusBorrowed), string(model.StatusRenewed)).
		Updates(map[string]interface{}{
			"status":      string(model.StatusReturned),
			"return_date": now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !current.IsPickedUp {
			return ErrNotPickedUp
		}
		return ErrAlreadyClosed
	}
	return nil
}

// MarkReported records a damage or loss report and opens the compensation
// debt. Only open, picked-up records can be reported against.
func (r *BorrowingRepository) MarkReported(ctx context.Context, id int64, damageType model.DamageType, reason, image string, amount int64, now time.Time) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&BorrowingEntity{}).
		Where("id = ? AND is_picked_up = ? AND status IN (?, ?)",
			id, true,
			string(model.StatusBorrowed), string(model.StatusRenewed)).
		Updates(map[string]interface{}{
			"status":              string(model.BorrowingStatus(damageType)),
			"damage_type":         string(damageType),
			"report_reason":       reason,
			"report_image":        image,
			"report_date":         now,
			"compensation_amount": amount,
			"payment_status":      string(model.PaymentStatusPending),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !current.IsPickedUp {
			return ErrNotPickedUp
		}
		return ErrAlreadyClosed
	}
	return nil
}

// SetTxnRef binds a gateway transaction reference to the record before the
// user is redirected to the payment page.
func (r *BorrowingRepository) SetTxnRef(ctx context.Context, id int64, txnRef string) error {
	result := r.Write(ctx).WithContext(ctx).
		Model(&BorrowingEntity{}).
		Where("id = ?", id).
		Update("txn_ref", txnRef)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBorrowingNotFound
	}
	return nil
}

// CompletePayment applies a successful compensation payment exactly once.
// Every reconciliation entry point funnels into this single conditional
// update; the payment_status guard makes replays a no-op. It returns whether
// this call was the one that applied the payment.
func (r *BorrowingRepository) CompletePayment(ctx context.Context, txnRef string, method model.PaymentMethod, paidAt time.Time) (bool, error) {
	result := r.Write(ctx).WithContext(ctx).
		Model(&BorrowingEntity{}).
		Where("txn_ref = ? AND payment_status <> ?", txnRef, string(model.PaymentStatusCompleted)).
		Updates(map[string]interface{}{
			"payment_status": string(model.PaymentStatusCompleted),
			"payment_method": string(method),
			"payment_date":   paidAt,
			"status":         string(model.StatusCompensated),
		})

	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByTxnRef(ctx, txnRef); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// CompleteCashPayment settles a compensation debt recorded by a librarian at
// the desk, with an optional proof image and note.
func (r *BorrowingRepository) CompleteCashPayment(ctx context.Context, id int64, proofImage, note string, paidAt time.Time) (bool, error) {
	result := r.Write(ctx).WithContext(ctx).
		Model(&BorrowingEntity{}).
		Where("id = ? AND status IN (?, ?) AND payment_status <> ?",
			id,
			string(model.StatusDamaged), string(model.StatusLost),
			string(model.PaymentStatusCompleted)).
		Updates(map[string]interface{}{
			"payment_status":      string(model.PaymentStatusCompleted),
			"payment_method":      string(model.PaymentMethodCash),
			"payment_date":        paidAt,
			"payment_proof_image": proofImage,
			"payment_note":        note,
			"status":              string(model.StatusCompensated),
		})

	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// FindOverdue returns open records whose due date has passed. The sweeper
// uses it to fan out notifications; the stored status is never touched.
func (r *BorrowingRepository) FindOverdue(ctx context.Context, now time.Time, limit int) ([]*model.Borrowing, error) {
	query := r.Read(ctx).WithContext(ctx).
		Where("is_picked_up = ?", true).
		Where("status IN (?, ?)", string(model.StatusBorrowed), string(model.StatusRenewed)).
		Where("due_date < ?", now).
		Order("due_date ASC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	var entities []*BorrowingEntity
	if err := query.Find(&entities).Error; err != nil {
		return nil, err
	}

	return toBorrowingModels(entities), nil
}

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedBorrowing(t *testing.T, db *testDB, mutate func(*BorrowingEntity)) *BorrowingEntity {
	now := time.Now()
	entity := &BorrowingEntity{
		BorrowingCode: "BRW-20260831-001",
		UserID:        1,
		BookID:        1,
		UserName:      "An Nguyen",
		StudentID:     "SV001",
		UserEmail:     "sv001@example.edu",
		BookTitle:     "Test Book",
		BookAuthor:    "Author",
		BookCode:      "BK-001",
		Quantity:      1,
		BorrowDate:    now,
		DueDate:       now.Add(model.LoanPeriod),
		IsPickedUp:    false,
		Status:        string(model.StatusPendingPickup),
		PaymentStatus: string(model.PaymentStatusPending),
		CreatedAt:     now,
	}
	if mutate != nil {
		mutate(entity)
	}
	require.NoError(t, db.rawDB.Create(entity).Error)
	return entity
}

func TestBorrowingRepository_ClaimCode(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()

	day := time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC)

	code1, err := repo.ClaimCode(ctx, 1, day)
	require.NoError(t, err)
	assert.Equal(t, "BRW-20260831-001", code1)

	code2, err := repo.ClaimCode(ctx, 2, day)
	require.NoError(t, err)
	assert.Equal(t, "BRW-20260831-002", code2)

	// Same user, same calendar day reuses the claimed code.
	again, err := repo.ClaimCode(ctx, 1, day.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, code1, again)

	// A new day restarts the sequence.
	nextDay, err := repo.ClaimCode(ctx, 1, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "BRW-20260901-001", nextDay)
}

func TestBorrowingRepository_ClaimCode_CollisionInsideTransaction(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()

	day := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	// Occupy the candidate code with a row that does not count toward this
	// day's sequence, the way a racing claimer's committed insert would.
	squatter := &BorrowCodeEntity{
		Code:   "BRW-20260831-001",
		UserID: 99,
		Day:    day.Add(-48 * time.Hour),
	}
	require.NoError(t, db.rawDB.Create(squatter).Error)

	// Collisions inside the batch transaction must stay quiet retries ending
	// in ErrCodeExhausted, never a duplicate-key error that would poison the
	// remaining statements of the transaction.
	err := repo.WithinTransaction(ctx, func(ctx context.Context) error {
		_, claimErr := repo.ClaimCode(ctx, 1, day)
		return claimErr
	})
	assert.ErrorIs(t, err, ErrCodeExhausted)

	// Once the slot frees up the same transactional path claims it.
	require.NoError(t, db.rawDB.Delete(&BorrowCodeEntity{}, "code = ?", squatter.Code).Error)

	var code string
	err = repo.WithinTransaction(ctx, func(ctx context.Context) error {
		var claimErr error
		code, claimErr = repo.ClaimCode(ctx, 1, day)
		return claimErr
	})
	require.NoError(t, err)
	assert.Equal(t, "BRW-20260831-001", code)
}

func TestBorrowingRepository_ConfirmPickup(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()

	entity := seedBorrowing(t, db, nil)

	err := repo.ConfirmPickup(ctx, entity.ID, []string{"a.jpg", "b.jpg"}, time.Now())
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, entity.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPickedUp)
	assert.Equal(t, model.StatusBorrowed, got.Status)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, got.PickupProofImages)
	// Dates are fixed at creation; pickup does not move them.
	assert.Equal(t, entity.DueDate.Unix(), got.DueDate.Unix())

	err = repo.ConfirmPickup(ctx, entity.ID, []string{"a.jpg", "b.jpg"}, time.Now())
	assert.ErrorIs(t, err, ErrAlreadyPickedUp)

	err = repo.ConfirmPickup(ctx, 9999, []string{"a.jpg", "b.jpg"}, time.Now())
	assert.ErrorIs(t, err, ErrBorrowingNotFound)
}

func TestBorrowingRepository_Renew(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()

	entity := seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.IsPickedUp = true
		e.Status = string(model.StatusBorrowed)
	})
	originalDue := entity.DueDate

	for i := 1; i <= model.MaxRenewCount; i++ {
		renewed, err := repo.Renew(ctx, entity.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRenewed, renewed.Status)
		assert.Equal(t, i, renewed.RenewCount)
		assert.Equal(t, originalDue.Add(time.Duration(i)*model.LoanPeriod).Unix(), renewed.DueDate.Unix())
	}

	_, err := repo.Renew(ctx, entity.ID)
	assert.ErrorIs(t, err, ErrRenewLimitReached)
}

func TestBorrowingRepository_Renew_Guards(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()

	notPicked := seedBorrowing(t, db, nil)
	_, err := repo.Renew(ctx, notPicked.ID)
	assert.ErrorIs(t, err, ErrNotPickedUp)

	returned := seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.IsPickedUp = true
		e.Status = string(model.StatusReturned)
	})
	_, err = repo.Renew(ctx, returned.ID)
	assert.ErrorIs(t, err, ErrNotRenewable)

	_, err = repo.Renew(ctx, 9999)
	assert.ErrorIs(t, err, ErrBorrowingNotFound)
}

func TestBorrowingRepository_MarkReturned(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()

	entity := seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.IsPickedUp = true
		e.Status = string(model.StatusBorrowed)
	})

	err := repo.MarkReturned(ctx, entity.ID, time.Now())
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReturned, got.Status)
	require.NotNil(t, got.ReturnDate)

	err = repo.MarkReturned(ctx, entity.ID, time.Now())
	assert.ErrorIs(t, err, ErrAlreadyClosed)

	pending := seedBorrowing(t, db, nil)
	err = repo.MarkReturned(ctx, pending.ID, time.Now())
	assert.ErrorIs(t, err, ErrNotPickedUp)
}

func TestBorrowingRepository_MarkReported(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()

	entity := seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.IsPickedUp = true
		e.Status = string(model.StatusRenewed)
	})

	err := repo.MarkReported(ctx, entity.ID, model.DamageTypeLost, "left on the bus", "bus.jpg", 150000, time.Now())
	require.NoError(t, err)

	got, err := repo.GetByID(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusLost, got.Status)
	require.NotNil(t, got.DamageType)
	assert.Equal(t, model.DamageTypeLost, *got.DamageType)
	assert.Equal(t, int64(150000), got.CompensationAmount)
	assert.Equal(t, model.PaymentStatusPending, got.PaymentStatus)

	// A closed record cannot be reported again.
	err = repo.MarkReported(ctx, entity.ID, model.DamageTypeDamaged, "", "", 1, time.Now())
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestBorrowingRepository_CompletePayment_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()

	entity := seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.IsPickedUp = true
		e.Status = string(model.StatusDamaged)
		e.CompensationAmount = 100000
		e.TxnRef = "42"
	})

	applied, err := repo.CompletePayment(ctx, "42", model.PaymentMethodBank, time.Now())
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := repo.GetByID(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompensated, got.Status)
	assert.Equal(t, model.PaymentStatusCompleted, got.PaymentStatus)
	require.NotNil(t, got.PaymentMethod)
	assert.Equal(t, model.PaymentMethodBank, *got.PaymentMethod)

	// Replays collapse into a no-op, not an error.
	applied, err = repo.CompletePayment(ctx, "42", model.PaymentMethodBank, time.Now())
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = repo.CompletePayment(ctx, "no-such-ref", model.PaymentMethodBank, time.Now())
	assert.ErrorIs(t, err, ErrBorrowingNotFound)
}

func TestBorrowingRepository_CompleteCashPayment(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()

	entity := seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.IsPickedUp = true
		e.Status = string(model.StatusDamaged)
		e.CompensationAmount = 100000
	})

	applied, err := repo.CompleteCashPayment(ctx, entity.ID, "receipt.jpg", "paid at desk", time.Now())
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := repo.GetByID(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompensated, got.Status)
	require.NotNil(t, got.PaymentMethod)
	assert.Equal(t, model.PaymentMethodCash, *got.PaymentMethod)
	assert.Equal(t, "receipt.jpg", got.PaymentProofImage)

	applied, err = repo.CompleteCashPayment(ctx, entity.ID, "receipt.jpg", "", time.Now())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestBorrowingRepository_List_EffectiveStatusFilter(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()
	now := time.Now()

	pending := seedBorrowing(t, db, nil)
	overdue := seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.UserID = 2
		e.IsPickedUp = true
		e.Status = string(model.StatusBorrowed)
		e.DueDate = now.Add(-48 * time.Hour)
	})
	compensated := seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.UserID = 3
		e.IsPickedUp = true
		e.Status = string(model.StatusCompensated)
		e.PaymentStatus = string(model.PaymentStatusCompleted)
	})

	rows, err := repo.List(ctx, model.BorrowingFilter{Statuses: []model.BorrowingStatus{model.StatusPendingPickup}}, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, pending.ID, rows[0].ID)

	rows, err = repo.List(ctx, model.BorrowingFilter{Statuses: []model.BorrowingStatus{model.StatusOverdue}}, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, overdue.ID, rows[0].ID)

	rows, err = repo.List(ctx, model.BorrowingFilter{Statuses: []model.BorrowingStatus{model.StatusCompensated}}, now)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, compensated.ID, rows[0].ID)

	// An open record inside its due window is not overdue.
	rows, err = repo.List(ctx, model.BorrowingFilter{Statuses: []model.BorrowingStatus{model.StatusBorrowed}}, now)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBorrowingRepository_List_UserFilterAndPaging(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		seedBorrowing(t, db, func(e *BorrowingEntity) {
			e.UserID = 7
			e.CreatedAt = now.Add(time.Duration(i) * time.Minute)
		})
	}
	seedBorrowing(t, db, func(e *BorrowingEntity) { e.UserID = 8 })

	userID := int64(7)
	rows, err := repo.List(ctx, model.BorrowingFilter{UserID: &userID, Limit: 2}, now)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = repo.List(ctx, model.BorrowingFilter{UserID: &userID, Limit: 2, Offset: 2}, now)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestBorrowingRepository_HasActiveBorrowing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()

	active, err := repo.HasActiveBorrowing(ctx, 1)
	require.NoError(t, err)
	assert.False(t, active)

	seedBorrowing(t, db, nil)

	active, err = repo.HasActiveBorrowing(ctx, 1)
	require.NoError(t, err)
	assert.True(t, active)

	// A closed record does not block.
	seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.UserID = 2
		e.IsPickedUp = true
		e.Status = string(model.StatusReturned)
	})
	active, err = repo.HasActiveBorrowing(ctx, 2)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestBorrowingRepository_HasUnpaidCompensation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()

	seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.IsPickedUp = true
		e.Status = string(model.StatusLost)
		e.CompensationAmount = 50000
	})

	unpaid, err := repo.HasUnpaidCompensation(ctx, 1)
	require.NoError(t, err)
	assert.True(t, unpaid)

	seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.UserID = 2
		e.IsPickedUp = true
		e.Status = string(model.StatusDamaged)
		e.PaymentStatus = string(model.PaymentStatusCompleted)
	})

	unpaid, err = repo.HasUnpaidCompensation(ctx, 2)
	require.NoError(t, err)
	assert.False(t, unpaid)
}

func TestBorrowingRepository_FindOverdue(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBorrowingRepository(db.DB)
	ctx := context.Background()
	now := time.Now()

	overdue := seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.IsPickedUp = true
		e.Status = string(model.StatusBorrowed)
		e.DueDate = now.Add(-time.Hour)
	})
	// Still inside the window.
	seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.UserID = 2
		e.IsPickedUp = true
		e.Status = string(model.StatusBorrowed)
	})
	// Past due but already returned.
	seedBorrowing(t, db, func(e *BorrowingEntity) {
		e.UserID = 3
		e.IsPickedUp = true
		e.Status = string(model.StatusReturned)
		e.DueDate = now.Add(-time.Hour)
	})

	rows, err := repo.FindOverdue(ctx, now, 100)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, overdue.ID, rows[0].ID)
}

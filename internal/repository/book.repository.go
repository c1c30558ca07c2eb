package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/nimasrn/borrow-gateway/pkg/pg"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBookNotFound      = errors.New("book not found")
	ErrInsufficientStock = errors.New("insufficient available copies")
)

type BookRepository struct {
	*pg.DB
}

func NewBookRepository(db *pg.DB) *BookRepository {
	return &BookRepository{
		db,
	}
}

func (r *BookRepository) Get(ctx context.Context, id int64) (*model.Book, error) {
	var entity BookEntity
	err := r.Read(ctx).WithContext(ctx).
		Where("id = ?", id).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookNotFound
		}
		return nil, err
	}

	return toBookModel(&entity), nil
}

// DeductAvailable performs an atomic stock deduction with automatic retry.
// Used when a borrow batch is created.
func (r *BookRepository) DeductAvailable(ctx context.Context, bookID int64, quantity int) error {
	const maxRetries = 3
	const baseDelay = 2 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := r.deductAvailableAttempt(ctx, bookID, quantity)

		if err == nil {
			return nil
		}

		if errors.Is(err, ErrBookNotFound) || errors.Is(err, ErrInsufficientStock) {
			return err
		}

		if attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}
	}

	return fmt.Errorf("%w: failed after %d attempts", ErrMaxRetriesExceeded, maxRetries+1)
}

func (r *BookRepository) deductAvailableAttempt(ctx context.Context, bookID int64, quantity int) error {
	var entity BookEntity

	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", bookID).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBookNotFound
		}
		return err
	}

	if entity.Available < quantity {
		return ErrInsufficientStock
	}

	result := r.Write(ctx).WithContext(ctx).
		Model(&BookEntity{}).
		Where("id = ? AND available >= ?", bookID, quantity).
		Update("available", gorm.Expr("available - ?", quantity))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}

	return nil
}

// RestoreAvailable adds returned copies back to stock, capped at the total
// quantity so double returns can never inflate the inventory.
func (r *BookRepository) RestoreAvailable(ctx context.Context, bookID int64, quantity int) error {
	const maxRetries = 3
	const baseDelay = 2 * time.Millisecond

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := r.restoreAvailableAttempt(ctx, bookID, quantity)

		if err == nil {
			return nil
		}

		if errors.Is(err, ErrBookNotFound) {
			return err
		}

		if attempt < maxRetries {
			delay := baseDelay * time.Duration(1<<attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}
	}

	return fmt.Errorf("%w: failed after %d attempts", ErrMaxRetriesExceeded, maxRetries+1)
}

func (r *BookRepository) restoreAvailableAttempt(ctx context.Context, bookID int64, quantity int) error {
	var entity BookEntity

	err := r.Write(ctx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", bookID).
		First(&entity).
		Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBookNotFound
		}
		return err
	}

	restored := entity.Available + quantity
	if restored > entity.Quantity {
		restored = entity.Quantity
	}

	result := r.Write(ctx).WithContext(ctx).
		Model(&BookEntity{}).
		Where("id = ? AND available = ?", bookID, entity.Available).
		Update("available", restored)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrConcurrentUpdate
	}

	return nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimasrn/borrow-gateway/internal/model"
	"github.com/nimasrn/borrow-gateway/internal/repository"
	"github.com/nimasrn/borrow-gateway/pkg/prom"
)

var (
	ErrActiveBorrowingExists      = errors.New("user already has an active borrowing")
	ErrUnpaidCompensation         = errors.New("user has an unpaid compensation")
	ErrBatchQuantityExceeded      = fmt.Errorf("batch quantity exceeds maximum of %d", model.MaxBatchQuantity)
	ErrDuplicateBookBorrowing     = errors.New("duplicate book in borrow batch")
	ErrBookUnavailable            = errors.New("not enough available copies")
	ErrAlreadyPickedUp            = errors.New("borrowing already picked up")
	ErrPickupProofRequired        = errors.New("exactly two pickup proof images are required")
	ErrRenewLimitReached          = fmt.Errorf("renew limit of %d reached", model.MaxRenewCount)
	ErrRenewNotAllowed            = errors.New("borrowing cannot be renewed in its current state")
	ErrAlreadyReturned            = errors.New("borrowing already closed")
	ErrNotReportable              = errors.New("borrowing cannot be reported in its current state")
	ErrPartialQuantityUnsupported = errors.New("partial quantity reporting is not supported")
	ErrNotRecordOwner             = errors.New("only the borrowing owner may perform this action")
	ErrNotFound                   = errors.New("record not found")
)

type BorrowingRepository interface {
	CreateBatch(ctx context.Context, borrowings []*model.Borrowing) error
	ClaimCode(ctx context.Context, userID int64, day time.Time) (string, error)
	GetByID(ctx context.Context, id int64) (*model.Borrowing, error)
	List(ctx context.Context, filter model.BorrowingFilter, now time.Time) ([]*model.Borrowing, error)
	HasActiveBorrowing(ctx context.Context, userID int64) (bool, error)
	HasUnpaidCompensation(ctx context.Context, userID int64) (bool, error)
	ConfirmPickup(ctx context.Context, id int64, proofImages []string, now time.Time) error
	Renew(ctx context.Context, id int64) (*model.Borrowing, error)
	MarkReturned(ctx context.Context, id int64, now time.Time) error
	MarkReported(ctx context.Context, id int64, damageType model.DamageType, reason, image string, amount int64, now time.Time) error
	CompleteCashPayment(ctx context.Context, id int64, proofImage, note string, paidAt time.Time) (bool, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type BookRepository interface {
	Get(ctx context.Context, id int64) (*model.Book, error)
	DeductAvailable(ctx context.Context, bookID int64, quantity int) error
	RestoreAvailable(ctx context.Context, bookID int64, quantity int) error
}

type UserRepository interface {
	Get(ctx context.Context, id int64) (*model.User, error)
}

type BorrowingService struct {
	borrowingRepo BorrowingRepository
	bookRepo      BookRepository
	userRepo      UserRepository
	now           func() time.Time
}

func NewBorrowingService(borrowingRepo BorrowingRepository, bookRepo BookRepository, userRepo UserRepository) *BorrowingService {
	return &BorrowingService{
		borrowingRepo: borrowingRepo,
		bookRepo:      bookRepo,
		userRepo:      userRepo,
		now:           time.Now,
	}
}

// CreateBatch validates and inserts one borrow batch. Preconditions are
// checked in a fixed order, and every failing line is reported, not just the
// first. Inventory deduction and record insertion run as one transaction.
func (s *BorrowingService) CreateBatch(ctx context.Context, req model.BorrowBatchRequest) ([]*model.Borrowing, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	active, err := s.borrowingRepo.HasActiveBorrowing(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("check active borrowing: %w", err)
	}
	if active {
		return nil, ErrActiveBorrowingExists
	}

	unpaid, err := s.borrowingRepo.HasUnpaidCompensation(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("check unpaid compensation: %w", err)
	}
	if unpaid {
		return nil, ErrUnpaidCompensation
	}

	user, err := s.userRepo.Get(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	books := make(map[int64]*model.Book, len(req.Lines))
	var lineErrs []model.LineError
	seen := make(map[int64]bool, len(req.Lines))

	for _, line := range req.Lines {
		if seen[line.BookID] {
			lineErrs = append(lineErrs, model.LineError{BookID: line.BookID, Err: ErrDuplicateBookBorrowing})
			continue
		}
		seen[line.BookID] = true

		book, err := s.bookRepo.Get(ctx, line.BookID)
		if err != nil {
			if errors.Is(err, repository.ErrBookNotFound) {
				lineErrs = append(lineErrs, model.LineError{BookID: line.BookID, Err: ErrNotFound})
				continue
			}
			return nil, fmt.Errorf("load book %d: %w", line.BookID, err)
		}
		if book.Available < line.Quantity {
			lineErrs = append(lineErrs, model.LineError{BookID: line.BookID, Err: ErrBookUnavailable})
			continue
		}
		books[line.BookID] = book
	}

	if len(lineErrs) > 0 {
		return nil, &model.BatchError{Lines: lineErrs}
	}

	if req.TotalQuantity() > model.MaxBatchQuantity {
		return nil, ErrBatchQuantityExceeded
	}

	borrowDate := req.BorrowDate
	if borrowDate.IsZero() {
		borrowDate = s.now()
	}
	dueDate := borrowDate.Add(model.LoanPeriod)

	var created []*model.Borrowing
	err = s.borrowingRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		code, err := s.borrowingRepo.ClaimCode(ctx, req.UserID, borrowDate)
		if err != nil {
			return fmt.Errorf("claim borrowing code: %w", err)
		}

		borrowings := make([]*model.Borrowing, 0, len(req.Lines))
		for _, line := range req.Lines {
			if err := s.bookRepo.DeductAvailable(ctx, line.BookID, line.Quantity); err != nil {
				if errors.Is(err, repository.ErrInsufficientStock) {
					return &model.BatchError{Lines: []model.LineError{{BookID: line.BookID, Err: ErrBookUnavailable}}}
				}
				return fmt.Errorf("deduct stock for book %d: %w", line.BookID, err)
			}

			book := books[line.BookID]
			borrowings = append(borrowings, &model.Borrowing{
				BorrowingCode: code,
				UserID:        user.ID,
				BookID:        book.ID,
				UserName:      user.Name,
				StudentID:     user.StudentID,
				UserEmail:     user.Email,
				BookTitle:     book.Title,
				BookAuthor:    book.Author,
				BookCode:      book.Code,
				Quantity:      line.Quantity,
				BorrowDate:    borrowDate,
				DueDate:       dueDate,
				Status:        model.StatusPendingPickup,
				PaymentStatus: model.PaymentStatusPending,
			})
		}

		if err := s.borrowingRepo.CreateBatch(ctx, borrowings); err != nil {
			return fmt.Errorf("create borrowings: %w", err)
		}

		created = borrowings
		return nil
	})
	if err != nil {
		return nil, err
	}

	prom.IncBatchesCreated()

	return created, nil
}

// ConfirmPickup hands the books over the desk. Exactly two proof images are
// required before the record leaves pendingPickup.
func (s *BorrowingService) ConfirmPickup(ctx context.Context, id int64, proofImages []string) (*model.Borrowing, error) {
	if len(proofImages) != 2 {
		return nil, ErrPickupProofRequired
	}

	err := s.borrowingRepo.ConfirmPickup(ctx, id, proofImages, s.now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBorrowingNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrAlreadyPickedUp):
			return nil, ErrAlreadyPickedUp
		}
		return nil, err
	}

	return s.get(ctx, id)
}

// Renew extends the due date by one loan period, at most three times. The
// within-one-day-of-due renewal window is a UI gate, deliberately not
// enforced here.
func (s *BorrowingService) Renew(ctx context.Context, id int64, requesterID int64) (*model.Borrowing, error) {
	current, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.UserID != requesterID {
		return nil, ErrNotRecordOwner
	}

	renewed, err := s.borrowingRepo.Renew(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBorrowingNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrRenewLimitReached):
			return nil, ErrRenewLimitReached
		case errors.Is(err, repository.ErrNotRenewable), errors.Is(err, repository.ErrNotPickedUp):
			return nil, ErrRenewNotAllowed
		}
		return nil, err
	}

	return renewed, nil
}

// ReportDamageOrLoss opens a compensation debt on an open record. Only the
// owner may report, and only for the full quantity.
func (s *BorrowingService) ReportDamageOrLoss(ctx context.Context, id int64, requesterID int64, damageType model.DamageType, quantity int, reason, proofImage string) (*model.Borrowing, error) {
	switch damageType {
	case model.DamageTypeDamaged, model.DamageTypeLost:
	default:
		return nil, fmt.Errorf("unknown damage type %q", damageType)
	}

	current, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.UserID != requesterID {
		return nil, ErrNotRecordOwner
	}
	if quantity != 0 && quantity != current.Quantity {
		return nil, ErrPartialQuantityUnsupported
	}

	switch model.EffectiveStatus(current, s.now()) {
	case model.StatusBorrowed, model.StatusRenewed, model.StatusOverdue:
	default:
		return nil, ErrNotReportable
	}

	amount := s.compensationAmount(ctx, current)

	err = s.borrowingRepo.MarkReported(ctx, id, damageType, reason, proofImage, amount, s.now())
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBorrowingNotFound):
			return nil, ErrNotFound
		case errors.Is(err, repository.ErrNotPickedUp), errors.Is(err, repository.ErrAlreadyClosed):
			return nil, ErrNotReportable
		}
		return nil, err
	}

	return s.get(ctx, id)
}

func (s *BorrowingService) compensationAmount(ctx context.Context, b *model.Borrowing) int64 {
	amount := int64(model.DefaultCompensationAmount)
	book, err := s.bookRepo.Get(ctx, b.BookID)
	if err == nil && book.CompensationPrice > 0 {
		amount = book.CompensationPrice
	}
	return amount * int64(b.Quantity)
}

// Return closes an open record and puts the copies back into stock.
func (s *BorrowingService) Return(ctx context.Context, id int64) (*model.Borrowing, error) {
	current, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	err = s.borrowingRepo.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.borrowingRepo.MarkReturned(ctx, id, s.now()); err != nil {
			switch {
			case errors.Is(err, repository.ErrBorrowingNotFound):
				return ErrNotFound
			case errors.Is(err, repository.ErrNotPickedUp), errors.Is(err, repository.ErrAlreadyClosed):
				return ErrAlreadyReturned
			}
			return err
		}

		if err := s.bookRepo.RestoreAvailable(ctx, current.BookID, current.Quantity); err != nil {
			return fmt.Errorf("restore stock for book %d: %w", current.BookID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return s.get(ctx, id)
}

// SettleCashCompensation records a desk payment for a damage/loss debt.
func (s *BorrowingService) SettleCashCompensation(ctx context.Context, id int64, proofImage, note string) (*model.Borrowing, error) {
	// A second settle attempt is a no-op; the read below reflects the
	// completed state either way.
	_, err := s.borrowingRepo.CompleteCashPayment(ctx, id, proofImage, note, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrBorrowingNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return s.get(ctx, id)
}

// Get loads one record with its effective status projected.
func (s *BorrowingService) Get(ctx context.Context, id int64) (*model.Borrowing, error) {
	return s.get(ctx, id)
}

func (s *BorrowingService) get(ctx context.Context, id int64) (*model.Borrowing, error) {
	b, err := s.borrowingRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrBorrowingNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	b.Status = model.EffectiveStatus(b, s.now())
	return b, nil
}

// List returns records with effective statuses projected onto every row.
func (s *BorrowingService) List(ctx context.Context, filter model.BorrowingFilter) ([]*model.Borrowing, error) {
	now := s.now()
	borrowings, err := s.borrowingRepo.List(ctx, filter, now)
	if err != nil {
		return nil, err
	}

	for _, b := range borrowings {
		b.Status = model.EffectiveStatus(b, now)
	}
	return borrowings, nil
}

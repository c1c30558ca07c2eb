package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BorrowingStatus is the stored lifecycle state of a borrowing record.
// "overdue" and "compensated" also exist as read-time overlays computed by
// EffectiveStatus; they are listed here because compensated is additionally
// persisted once a compensation payment is applied.
type BorrowingStatus string

const (
	StatusPendingPickup BorrowingStatus = "pendingPickup"
	StatusBorrowed      BorrowingStatus = "borrowed"
	StatusRenewed       BorrowingStatus = "renewed"
	StatusReturned      BorrowingStatus = "returned"
	StatusOverdue       BorrowingStatus = "overdue"
	StatusDamaged       BorrowingStatus = "damaged"
	StatusLost          BorrowingStatus = "lost"
	StatusCompensated   BorrowingStatus = "compensated"
)

// DamageType classifies a damage/loss report.
type DamageType string

const (
	DamageTypeDamaged DamageType = "damaged"
	DamageTypeLost    DamageType = "lost"
)

// PaymentStatus tracks compensation payment progress on a borrowing record.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusCompleted PaymentStatus = "completed"
)

// PaymentMethod is how a compensation was settled.
type PaymentMethod string

const (
	PaymentMethodCash PaymentMethod = "cash"
	PaymentMethodBank PaymentMethod = "bank"
)

const (
	// MaxBatchQuantity caps the sum of quantities across one submitted batch.
	MaxBatchQuantity = 5
	// MaxRenewCount caps how many times one record can be renewed.
	MaxRenewCount = 3
	// LoanPeriod is the initial loan window and the extension per renewal.
	LoanPeriod = 7 * 24 * time.Hour
	// DefaultCompensationAmount applies when a book has no configured price.
	DefaultCompensationAmount = 50000
)

type Borrowing struct {
	ID            int64  `json:"id"`
	BorrowingCode string `json:"borrowing_code"`
	UserID        int64  `json:"user_id"`
	BookID        int64  `json:"book_id"`

	// Snapshots taken at creation time; never updated afterwards even if the
	// source catalog or user record changes.
	UserName   string `json:"user_name"`
	StudentID  string `json:"student_id"`
	UserEmail  string `json:"user_email"`
	BookTitle  string `json:"book_title"`
	BookAuthor string `json:"book_author"`
	BookCode   string `json:"book_code"`

	Quantity   int        `json:"quantity"`
	BorrowDate time.Time  `json:"borrow_date"`
	DueDate    time.Time  `json:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty"`

	IsPickedUp bool            `json:"is_picked_up"`
	Status     BorrowingStatus `json:"status"`
	RenewCount int             `json:"renew_count"`

	DamageType   *DamageType `json:"damage_type,omitempty"`
	ReportReason string      `json:"report_reason,omitempty"`
	ReportImage  string      `json:"report_image,omitempty"`
	ReportDate   *time.Time  `json:"report_date,omitempty"`

	CompensationAmount int64          `json:"compensation_amount"`
	PaymentMethod      *PaymentMethod `json:"payment_method,omitempty"`
	PaymentStatus      PaymentStatus  `json:"payment_status"`
	PaymentDate        *time.Time     `json:"payment_date,omitempty"`
	TxnRef             string         `json:"txn_ref,omitempty"`
	PaymentProofImage  string         `json:"payment_proof_image,omitempty"`
	PaymentNote        string         `json:"payment_note,omitempty"`

	PickupProofImages []string  `json:"pickup_proof_images,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func (Borrowing) TableName() string { return "borrowings" }

// IsTerminal reports whether the stored status admits no further transition.
func (b *Borrowing) IsTerminal() bool {
	switch b.Status {
	case StatusReturned, StatusCompensated:
		return true
	case StatusPendingPickup, StatusBorrowed, StatusRenewed, StatusOverdue, StatusDamaged, StatusLost:
		return false
	}
	return false
}

// IsActive reports whether the record still counts against the one-active-
// borrowing-per-user rule.
func (b *Borrowing) IsActive() bool {
	switch b.Status {
	case StatusPendingPickup, StatusBorrowed, StatusRenewed, StatusOverdue:
		return true
	case StatusReturned, StatusDamaged, StatusLost, StatusCompensated:
		return false
	}
	return false
}

// HasUnpaidCompensation reports whether the record blocks new borrow batches
// because a damage/loss debt is still open.
func (b *Borrowing) HasUnpaidCompensation() bool {
	switch b.Status {
	case StatusDamaged, StatusLost:
		return b.PaymentStatus != PaymentStatusCompleted
	}
	return false
}

// EffectiveStatus is the single read-time projection of a record's status.
// "overdue" is never written eagerly; it only exists through this function,
// and every read path must go through it.
func EffectiveStatus(b *Borrowing, now time.Time) BorrowingStatus {
	if !b.IsPickedUp {
		return StatusPendingPickup
	}
	switch b.Status {
	case StatusBorrowed, StatusRenewed:
		if b.DueDate.Before(now) {
			return StatusOverdue
		}
	}
	if b.PaymentStatus == PaymentStatusCompleted {
		return StatusCompensated
	}
	return b.Status
}

// BorrowLine is one requested line of a borrow batch.
type BorrowLine struct {
	BookID   int64 `json:"book_id"`
	Quantity int   `json:"quantity"`
}

// BorrowBatchRequest is the input for creating a borrow batch. All lines share
// one borrowing code and one borrow/due date.
type BorrowBatchRequest struct {
	UserID     int64
	Lines      []BorrowLine
	BorrowDate time.Time
}

func (r BorrowBatchRequest) Validate() error {
	if r.UserID == 0 {
		return errors.New("user_id is required")
	}
	if len(r.Lines) == 0 {
		return errors.New("at least one borrow line is required")
	}
	for i, l := range r.Lines {
		if l.BookID == 0 {
			return fmt.Errorf("line %d: book_id is required", i)
		}
		if l.Quantity < 1 {
			return fmt.Errorf("line %d: quantity must be at least 1", i)
		}
	}
	return nil
}

// TotalQuantity sums the quantities across all lines of the batch.
func (r BorrowBatchRequest) TotalQuantity() int {
	total := 0
	for _, l := range r.Lines {
		total += l.Quantity
	}
	return total
}

// LineError attaches a batch line to the reason it was rejected.
type LineError struct {
	BookID int64
	Err    error
}

// BatchError reports every failing line of a borrow batch, not just the first.
type BatchError struct {
	Lines []LineError
}

func (e *BatchError) Error() string {
	parts := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		parts = append(parts, fmt.Sprintf("book %d: %s", l.BookID, l.Err))
	}
	return "borrow batch rejected: " + strings.Join(parts, "; ")
}

// Unwrap exposes the individual line errors to errors.Is.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Lines))
	for i, l := range e.Lines {
		errs[i] = l.Err
	}
	return errs
}

// BorrowingFilter controls List queries.
type BorrowingFilter struct {
	UserID        *int64
	BookID        *int64
	BorrowingCode *string
	Statuses      []BorrowingStatus // matched against the effective status
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
	Desc          bool
}

package repository

import (
	"strings"
	"time"

	"github.com/nimasrn/borrow-gateway/internal/model"
)

type BorrowingEntity struct {
	ID            int64  `db:"id"             gorm:"primaryKey;autoIncrement;column:id"`
	BorrowingCode string `db:"borrowing_code" gorm:"column:borrowing_code;not null;index"`
	UserID        int64  `db:"user_id"        gorm:"column:user_id;not null;index"`
	BookID        int64  `db:"book_id"        gorm:"column:book_id;not null;index"`

	UserName   string `db:"user_name"   gorm:"column:user_name;not null"`
	StudentID  string `db:"student_id"  gorm:"column:student_id;not null"`
	UserEmail  string `db:"user_email"  gorm:"column:user_email;not null"`
	BookTitle  string `db:"book_title"  gorm:"column:book_title;not null"`
	BookAuthor string `db:"book_author" gorm:"column:book_author;not null"`
	BookCode   string `db:"book_code"   gorm:"column:book_code;not null"`

	Quantity   int        `db:"quantity"    gorm:"column:quantity;not null"`
	BorrowDate time.Time  `db:"borrow_date" gorm:"column:borrow_date;not null"`
	DueDate    time.Time  `db:"due_date"    gorm:"column:due_date;not null;index"`
	ReturnDate *time.Time `db:"return_date" gorm:"column:return_date"`

	IsPickedUp bool   `db:"is_picked_up" gorm:"column:is_picked_up;not null;default:false"`
	Status     string `db:"status"       gorm:"column:status;not null;index"`
	RenewCount int    `db:"renew_count"  gorm:"column:renew_count;not null;default:0"`

	DamageType   *string    `db:"damage_type"   gorm:"column:damage_type"`
	ReportReason string     `db:"report_reason" gorm:"column:report_reason"`
	ReportImage  string     `db:"report_image"  gorm:"column:report_image"`
	ReportDate   *time.Time `db:"report_date"   gorm:"column:report_date"`

	CompensationAmount int64      `db:"compensation_amount" gorm:"column:compensation_amount;not null;default:0"`
	PaymentMethod      *string    `db:"payment_method"      gorm:"column:payment_method"`
	PaymentStatus      string     `db:"payment_status"      gorm:"column:payment_status;not null;default:'pending'"`
	PaymentDate        *time.Time `db:"payment_date"        gorm:"column:payment_date"`
	TxnRef             string     `db:"txn_ref"             gorm:"column:txn_ref;index"`
	PaymentProofImage  string     `db:"payment_proof_image" gorm:"column:payment_proof_image"`
	PaymentNote        string     `db:"payment_note"        gorm:"column:payment_note"`

	// Joined with ";" for portability across postgres and the sqlite test DB.
	PickupProofImages string    `db:"pickup_proof_images" gorm:"column:pickup_proof_images"`
	CreatedAt         time.Time `db:"created_at"          gorm:"column:created_at;autoCreateTime"`
}

func (BorrowingEntity) TableName() string {
	return "borrowings"
}

// BorrowCodeEntity claims one day-sequential borrowing code. The unique index
// on code is what turns concurrent claims into a retryable conflict.
type BorrowCodeEntity struct {
	ID     int64     `db:"id"      gorm:"primaryKey;autoIncrement;column:id"`
	Code   string    `db:"code"    gorm:"column:code;not null;uniqueIndex"`
	UserID int64     `db:"user_id" gorm:"column:user_id;not null;index"`
	Day    time.Time `db:"day"     gorm:"column:day;not null;index"`
}

func (BorrowCodeEntity) TableName() string {
	return "borrow_codes"
}

func toBorrowingEntity(m *model.Borrowing) *BorrowingEntity {
	if m == nil {
		return nil
	}
	return &BorrowingEntity{
		ID:                 m.ID,
		BorrowingCode:      m.BorrowingCode,
		UserID:             m.UserID,
		BookID:             m.BookID,
		UserName:           m.UserName,
		StudentID:          m.StudentID,
		UserEmail:          m.UserEmail,
		BookTitle:          m.BookTitle,
		BookAuthor:         m.BookAuthor,
		BookCode:           m.BookCode,
		Quantity:           m.Quantity,
		BorrowDate:         m.BorrowDate,
		DueDate:            m.DueDate,
		ReturnDate:         m.ReturnDate,
		IsPickedUp:         m.IsPickedUp,
		Status:             string(m.Status),
		RenewCount:         m.RenewCount,
		DamageType:         (*string)(m.DamageType),
		ReportReason:       m.ReportReason,
		ReportImage:        m.ReportImage,
		ReportDate:         m.ReportDate,
		CompensationAmount: m.CompensationAmount,
		PaymentMethod:      (*string)(m.PaymentMethod),
		PaymentStatus:      string(m.PaymentStatus),
		PaymentDate:        m.PaymentDate,
		TxnRef:             m.TxnRef,
		PaymentProofImage:  m.PaymentProofImage,
		PaymentNote:        m.PaymentNote,
		PickupProofImages:  strings.Join(m.PickupProofImages, ";"),
		CreatedAt:          m.CreatedAt,
	}
}

func toBorrowingModel(e *BorrowingEntity) *model.Borrowing {
	if e == nil {
		return nil
	}
	var images []string
	if e.PickupProofImages != "" {
		images = strings.Split(e.PickupProofImages, ";")
	}
	return &model.Borrowing{
		ID:                 e.ID,
		BorrowingCode:      e.BorrowingCode,
		UserID:             e.UserID,
		BookID:             e.BookID,
		UserName:           e.UserName,
		StudentID:          e.StudentID,
		UserEmail:          e.UserEmail,
		BookTitle:          e.BookTitle,
		BookAuthor:         e.BookAuthor,
		BookCode:           e.BookCode,
		Quantity:           e.Quantity,
		BorrowDate:         e.BorrowDate,
		DueDate:            e.DueDate,
		ReturnDate:         e.ReturnDate,
		IsPickedUp:         e.IsPickedUp,
		Status:             model.BorrowingStatus(e.Status),
		RenewCount:         e.RenewCount,
		DamageType:         (*model.DamageType)(e.DamageType),
		ReportReason:       e.ReportReason,
		ReportImage:        e.ReportImage,
		ReportDate:         e.ReportDate,
		CompensationAmount: e.CompensationAmount,
		PaymentMethod:      (*model.PaymentMethod)(e.PaymentMethod),
		PaymentStatus:      model.PaymentStatus(e.PaymentStatus),
		PaymentDate:        e.PaymentDate,
		TxnRef:             e.TxnRef,
		PaymentProofImage:  e.PaymentProofImage,
		PaymentNote:        e.PaymentNote,
		PickupProofImages:  images,
		CreatedAt:          e.CreatedAt,
	}
}

func toBorrowingModels(entities []*BorrowingEntity) []*model.Borrowing {
	if entities == nil {
		return nil
	}
	models := make([]*model.Borrowing, len(entities))
	for i, e := range entities {
		models[i] = toBorrowingModel(e)
	}
	return models
}

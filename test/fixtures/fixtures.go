package fixtures

import (
	"time"

	"github.com/nimasrn/borrow-gateway/internal/model"
)

var (
	TestUser1 = model.User{
		ID:        1,
		Name:      "An Nguyen",
		StudentID: "SV001",
		Email:     "sv001@example.edu",
		Role:      "student",
	}

	TestUser2 = model.User{
		ID:        2,
		Name:      "Binh Tran",
		StudentID: "SV002",
		Email:     "sv002@example.edu",
		Role:      "student",
	}

	TestAdmin = model.User{
		ID:        9,
		Name:      "Librarian",
		StudentID: "LIB001",
		Email:     "librarian@example.edu",
		Role:      "admin",
	}
)

var (
	TestBook1 = model.Book{
		ID:                1,
		Code:              "BK-001",
		Title:             "The Go Programming Language",
		Author:            "Donovan & Kernighan",
		Quantity:          5,
		Available:         5,
		CompensationPrice: 120000,
	}

	TestBook2 = model.Book{
		ID:                2,
		Code:              "BK-002",
		Title:             "Designing Data-Intensive Applications",
		Author:            "Martin Kleppmann",
		Quantity:          3,
		Available:         3,
		CompensationPrice: 150000,
	}

	TestBookOutOfStock = model.Book{
		ID:                3,
		Code:              "BK-003",
		Title:             "Out of Stock Book",
		Author:            "Nobody",
		Quantity:          2,
		Available:         0,
		CompensationPrice: 0,
	}
)

func NewBatchRequest(userID int64, lines ...model.BorrowLine) model.BorrowBatchRequest {
	return model.BorrowBatchRequest{
		UserID:     userID,
		Lines:      lines,
		BorrowDate: time.Now(),
	}
}

func SingleLineBatch(userID, bookID int64, quantity int) model.BorrowBatchRequest {
	return NewBatchRequest(userID, model.BorrowLine{BookID: bookID, Quantity: quantity})
}

func NewTestBorrowing(userID, bookID int64, status model.BorrowingStatus, pickedUp bool) *model.Borrowing {
	now := time.Now()
	return &model.Borrowing{
		BorrowingCode: "BRW-" + now.Format("20060102") + "-001",
		UserID:        userID,
		BookID:        bookID,
		UserName:      "An Nguyen",
		StudentID:     "SV001",
		UserEmail:     "sv001@example.edu",
		BookTitle:     "The Go Programming Language",
		BookAuthor:    "Donovan & Kernighan",
		BookCode:      "BK-001",
		Quantity:      1,
		BorrowDate:    now,
		DueDate:       now.Add(model.LoanPeriod),
		IsPickedUp:    pickedUp,
		Status:        status,
		PaymentStatus: model.PaymentStatusPending,
		CreatedAt:     now,
	}
}

func PickupProofImages() []string {
	return []string{"proofs/front.jpg", "proofs/back.jpg"}
}

func FilterByUser(userID int64) model.BorrowingFilter {
	return model.BorrowingFilter{
		UserID: &userID,
		Limit:  50,
		Offset: 0,
		Desc:   false,
	}
}

func FilterByStatus(statuses ...model.BorrowingStatus) model.BorrowingFilter {
	return model.BorrowingFilter{
		Statuses: statuses,
		Limit:    50,
		Offset:   0,
		Desc:     false,
	}
}

package repository

import (
	"github.com/nimasrn/borrow-gateway/internal/model"
)

type BookEntity struct {
	ID                int64  `db:"id"                 gorm:"primaryKey;autoIncrement;column:id"`
	Code              string `db:"code"               gorm:"column:code;not null;uniqueIndex"`
	Title             string `db:"title"              gorm:"column:title;not null"`
	Author            string `db:"author"             gorm:"column:author;not null"`
	Quantity          int    `db:"quantity"           gorm:"column:quantity;not null"`
	Available         int    `db:"available"          gorm:"column:available;not null"`
	CompensationPrice int64  `db:"compensation_price" gorm:"column:compensation_price;not null;default:0"`
}

func (BookEntity) TableName() string {
	return "books"
}

func toBookEntity(m *model.Book) *BookEntity {
	if m == nil {
		return nil
	}
	return &BookEntity{
		ID:                m.ID,
		Code:              m.Code,
		Title:             m.Title,
		Author:            m.Author,
		Quantity:          m.Quantity,
		Available:         m.Available,
		CompensationPrice: m.CompensationPrice,
	}
}

func toBookModel(e *BookEntity) *model.Book {
	if e == nil {
		return nil
	}
	return &model.Book{
		ID:                e.ID,
		Code:              e.Code,
		Title:             e.Title,
		Author:            e.Author,
		Quantity:          e.Quantity,
		Available:         e.Available,
		CompensationPrice: e.CompensationPrice,
	}
}

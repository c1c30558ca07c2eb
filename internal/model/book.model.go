package model

// Book is the inventory-ledger view of a catalog book: the counters the
// lifecycle engine needs plus the fields snapshotted onto borrowing records.
// Catalog management itself lives outside this service.
type Book struct {
	ID                int64  `json:"id"`
	Code              string `json:"code"`
	Title             string `json:"title"`
	Author            string `json:"author"`
	Quantity          int    `json:"quantity"`
	Available         int    `json:"available"`
	CompensationPrice int64  `json:"compensation_price"`
}

func (Book) TableName() string { return "books" }

// Package receipt defines the relational domain model a processed
// receipt maps onto: a store, one transaction, and its line items.
package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currencies is the closed set of accepted ISO currency codes. Every
// inserted transaction must use one of these.
var Currencies = map[string]bool{
	"CHF": true,
	"EUR": true,
	"USD": true,
	"GBP": true,
}

// Store is the merchant a receipt was issued by. The natural key is
// (StoreName, City, PostalCode); address and phone are updatable.
type Store struct {
	StoreName   string
	Address     string
	PostalCode  string
	City        string
	CountryCode string
	Phone       string
}

// Transaction is one receipt. StoreID and MessageID are resolved by the
// persistence layer at insert time.
type Transaction struct {
	MessageID *int64

	// CategoryID references an existing transaction category; when the
	// extraction only names a category, CategoryName is set instead and
	// the persistence layer resolves or creates it (lower-cased).
	CategoryID   *int64
	CategoryName string

	ReceiptNumber string
	Date          time.Time
	// Time is the wall-clock time on the receipt, nil when absent or
	// unparsable.
	Time          *time.Time
	Currency      string
	Total         decimal.Decimal
	PaymentMethod string
	// Source tags the ingestion channel; always "signal" for this pipeline.
	Source string
}

// Item is one line on a receipt. LineNumber is the 1-based position.
type Item struct {
	ProductName      string
	ProductReference string
	Brand            string
	Quantity         decimal.Decimal
	UnitPrice        decimal.Decimal
	TotalPrice       decimal.Decimal
	VATRate          string
	CategoryMain     string
	CategorySub      string
	LineNumber       int
}

// Category is an item category pair from the seeded hierarchy.
type Category struct {
	Main        string
	Sub         string
	Description string
	Active      bool
}

// TransactionCategory is a flat spend category.
type TransactionCategory struct {
	ID   int64
	Name string
}

// Data is the full aggregate a transformed receipt yields.
type Data struct {
	Store       Store
	Transaction Transaction
	Items       []Item
}

package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Invoice is the engine's read-only view of a receivable.
type Invoice struct {
	ID                int             `json:"id"`
	ClientId          int             `json:"client_id"`
	InvoiceNumber     string          `json:"invoice_number"`
	IssueDate         time.Time       `json:"issue_date"`
	DueDate           time.Time       `json:"due_date"`
	AmountOutstanding decimal.Decimal `json:"amount_outstanding"`
	Status            InvoiceStatus   `json:"status"`
}

// IsPayable is true while there is still money to collect.
func (i Invoice) IsPayable() bool {
	return i.Status == InvoiceStatusOpen && i.AmountOutstanding.IsPositive()
}

// Client is the engine's read-only view of a customer.
type Client struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

var ErrInvoiceNotFound = errors.New("invoice not found")
var ErrClientNotFound = errors.New("client not found")

const (
	booksStatusDraft       = "Draft"
	booksStatusConfirmed   = "Confirmed"
	booksStatusVoid        = "Void"
	booksStatusPartialPaid = "Partial Paid"
	booksStatusPaid        = "Paid"
	booksStatusWriteOff    = "Write Off"
)

// booksInvoiceRow maps the columns of the books backend sales_invoices table that
// collections needs.
type booksInvoiceRow struct {
	ID               int
	CustomerId       int
	InvoiceNumber    string
	InvoiceDate      time.Time
	InvoiceDueDate   *time.Time
	RemainingBalance decimal.Decimal
	CurrentStatus    string
}

func (booksInvoiceRow) TableName() string { return "sales_invoices" }

func (r booksInvoiceRow) toInvoice() Invoice {
	inv := Invoice{
		ID:                r.ID,
		ClientId:          r.CustomerId,
		InvoiceNumber:     r.InvoiceNumber,
		IssueDate:         r.InvoiceDate,
		AmountOutstanding: r.RemainingBalance,
		Status:            MapBooksInvoiceStatus(r.CurrentStatus),
	}
	if r.InvoiceDueDate != nil {
		inv.DueDate = *r.InvoiceDueDate
	} else {
		inv.DueDate = r.InvoiceDate
	}
	return inv
}

// MapBooksInvoiceStatus folds the books invoice statuses into open/closed/void.
func MapBooksInvoiceStatus(s string) InvoiceStatus {
	switch s {
	case booksStatusConfirmed, booksStatusPartialPaid:
		return InvoiceStatusOpen
	case booksStatusPaid, booksStatusWriteOff:
		return InvoiceStatusClosed
	default:
		return InvoiceStatusVoid
	}
}

// BooksInvoiceStore reads invoices of one business from the books backend schema.
type BooksInvoiceStore struct {
	DB         *gorm.DB
	BusinessId string
}

func NewBooksInvoiceStore(db *gorm.DB, businessId string) *BooksInvoiceStore {
	return &BooksInvoiceStore{DB: db, BusinessId: businessId}
}

// ListOpenOverdueInvoices returns open invoices with a positive balance due before asOf.
func (s *BooksInvoiceStore) ListOpenOverdueInvoices(ctx context.Context, asOf time.Time) ([]Invoice, error) {
	var rows []booksInvoiceRow
	err := s.DB.WithContext(ctx).
		Select("id, customer_id, invoice_number, invoice_date, invoice_due_date, remaining_balance, current_status").
		Where("business_id = ?", s.BusinessId).
		Where("current_status IN ?", []string{booksStatusConfirmed, booksStatusPartialPaid}).
		Where("remaining_balance > 0").
		Where("invoice_due_date < ?", asOf).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Invoice, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toInvoice())
	}
	return out, nil
}

// GetInvoice re-reads one invoice with its latest balance.
func (s *BooksInvoiceStore) GetInvoice(ctx context.Context, id int) (*Invoice, error) {
	var row booksInvoiceRow
	err := s.DB.WithContext(ctx).
		Select("id, customer_id, invoice_number, invoice_date, invoice_due_date, remaining_balance, current_status").
		Where("business_id = ? AND id = ?", s.BusinessId, id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	inv := row.toInvoice()
	return &inv, nil
}

type booksCustomerRow struct {
	ID    int
	Name  string
	Email string
}

func (booksCustomerRow) TableName() string { return "customers" }

// BooksClientDirectory reads customers of one business from the books backend schema.
type BooksClientDirectory struct {
	DB         *gorm.DB
	BusinessId string
}

func NewBooksClientDirectory(db *gorm.DB, businessId string) *BooksClientDirectory {
	return &BooksClientDirectory{DB: db, BusinessId: businessId}
}

func (d *BooksClientDirectory) GetClient(ctx context.Context, id int) (*Client, error) {
	var row booksCustomerRow
	err := d.DB.WithContext(ctx).
		Select("id, name, email").
		Where("business_id = ? AND id = ?", d.BusinessId, id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return &Client{ID: row.ID, Name: row.Name, Email: row.Email}, nil
}

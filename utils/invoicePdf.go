package utils

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// ErrAttachmentMissing is returned when the invoice PDF has not been generated yet.
var ErrAttachmentMissing = errors.New("invoice pdf not found")

const defaultInvoicePDFPattern = "{business_id}/invoices/{invoice_id}.pdf"

// InvoicePDFStore locates invoice PDFs produced by the books backend in GCS.
// It never generates PDFs itself.
type InvoicePDFStore struct {
	Client     *storage.Client
	Bucket     string
	BusinessId string
	Pattern    string
	SignTTL    time.Duration
	// Sign returns signed GET URLs instead of plain access URLs.
	Sign bool
}

func NewInvoicePDFStore(client *storage.Client, businessId string) *InvoicePDFStore {
	pattern := strings.TrimSpace(os.Getenv("COLLECTIONS_INVOICE_PDF_PATTERN"))
	if pattern == "" {
		pattern = defaultInvoicePDFPattern
	}
	sign := strings.EqualFold(strings.TrimSpace(os.Getenv("COLLECTIONS_SIGN_ATTACHMENTS")), "true")
	return &InvoicePDFStore{
		Client:     client,
		Bucket:     strings.TrimSpace(os.Getenv("GCS_BUCKET")),
		BusinessId: businessId,
		Pattern:    pattern,
		SignTTL:    7 * 24 * time.Hour,
		Sign:       sign,
	}
}

// ObjectKey expands the configured pattern for one invoice.
func (s *InvoicePDFStore) ObjectKey(invoiceId int, invoiceNumber string) string {
	r := strings.NewReplacer(
		"{business_id}", s.BusinessId,
		"{invoice_id}", strconv.Itoa(invoiceId),
		"{invoice_number}", invoiceNumber,
	)
	return r.Replace(s.Pattern)
}

// InvoicePDF returns a URL the mail service can fetch the invoice PDF from.
func (s *InvoicePDFStore) InvoicePDF(ctx context.Context, invoiceId int, invoiceNumber string) (string, error) {
	if s == nil || s.Client == nil {
		return "", errors.New("invoice pdf store is not configured")
	}
	if s.Bucket == "" {
		return "", errors.New("GCS_BUCKET is required")
	}
	key := s.ObjectKey(invoiceId, invoiceNumber)

	if _, err := s.Client.Bucket(s.Bucket).Object(key).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", fmt.Errorf("%w: %s", ErrAttachmentMissing, key)
		}
		return "", err
	}

	if s.Sign {
		return SignDownload(ctx, s.Bucket, key, s.SignTTL)
	}
	return BuildObjectAccessURL(key), nil
}

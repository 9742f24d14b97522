package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/models"
	"bitbucket.org/mmdatafocus/collections_backend/transport"
)

// PolicySource is the configuration store.
type PolicySource interface {
	LoadPolicy(ctx context.Context) (*models.CollectionPolicy, error)
}

// TemplateSource is the template registry.
type TemplateSource interface {
	ActiveTemplates(ctx context.Context) (map[models.Stage]models.EscalationTemplate, error)
}

// InvoiceStore is owned by the books backend. GetInvoice must return the latest balance.
type InvoiceStore interface {
	ListOpenOverdueInvoices(ctx context.Context, asOf time.Time) ([]models.Invoice, error)
	GetInvoice(ctx context.Context, id int) (*models.Invoice, error)
}

type ClientDirectory interface {
	GetClient(ctx context.Context, id int) (*models.Client, error)
}

// Ledger is the audit ledger. Insert must be an atomic conditional write on
// (invoice_id, stage) among live records and return ErrDuplicateKey on conflict.
type Ledger interface {
	ListForInvoice(ctx context.Context, invoiceId int) ([]models.EscalationRecord, error)
	Insert(ctx context.Context, rec *models.EscalationRecord) error
	ListReconcilable(ctx context.Context, maxAttempts int) ([]models.EscalationRecord, error)
	ListDispatchable(ctx context.Context, now time.Time, maxAttempts int) ([]models.EscalationRecord, error)
	Claim(ctx context.Context, id int, worker string, now, staleBefore time.Time, maxAttempts int) (*models.EscalationRecord, error)
	ReleaseClaim(ctx context.Context, id int, worker string) error
	Cancel(ctx context.Context, id int, reason string, at time.Time) (*models.EscalationRecord, error)
	MarkSent(ctx context.Context, id int, snap models.RenderSnapshot, attachments []string, sentAt time.Time) (*models.EscalationRecord, error)
	MarkFailed(ctx context.Context, id int, snap models.RenderSnapshot, reason string, attempts int, next *time.Time) (*models.EscalationRecord, error)
	MarkRenderFailed(ctx context.Context, id int, reason string) (*models.EscalationRecord, error)
}

// Transport is the outbound mail collaborator.
type Transport interface {
	Deliver(ctx context.Context, msg transport.Message) error
}

// AttachmentStore resolves the stored PDF of an invoice to a link the mail service can fetch.
type AttachmentStore interface {
	InvoicePDF(ctx context.Context, invoiceId int, invoiceNumber string) (string, error)
}

type AlertLedger interface {
	RecordCriticalAlert(ctx context.Context, alert *models.CollectionCriticalAlert) (bool, error)
	ListUnpublishedAlerts(ctx context.Context, limit int) ([]models.CollectionCriticalAlert, error)
	MarkAlertPublished(ctx context.Context, id int, at time.Time) error
	MarkAlertFailed(ctx context.Context, id int, cause error) error
}

type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert transport.Alert) error
}

// CycleLocker keeps two instances from running a cycle at the same time. The lock is
// best effort: ok=false with a nil error means another holder was seen.
type CycleLocker interface {
	Acquire(ctx context.Context) (release func(), ok bool, err error)
}

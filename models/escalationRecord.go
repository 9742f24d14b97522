package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// liveSlotValue fills LiveSlot while a record is not cancelled. Cancelling sets it to NULL,
// which frees the (invoice_id, stage) key because MySQL unique indexes ignore NULLs.
const liveSlotValue = 1

// EscalationRecord is one attempt to reach a stage for an invoice.
type EscalationRecord struct {
	ID        int              `gorm:"primary_key" json:"id"`
	InvoiceId int              `gorm:"not null;index;uniqueIndex:uniq_escalation_live,priority:1" json:"invoice_id"`
	Stage     Stage            `gorm:"size:32;not null;uniqueIndex:uniq_escalation_live,priority:2" json:"stage"`
	LiveSlot  *int             `gorm:"uniqueIndex:uniq_escalation_live,priority:3" json:"-"`
	Status    EscalationStatus `gorm:"size:16;not null;index" json:"status"`

	// Snapshot taken when the record is created.
	ClientId          int             `gorm:"index" json:"client_id"`
	ClientName        string          `gorm:"size:100" json:"client_name"`
	ClientEmail       string          `gorm:"size:255" json:"client_email"`
	InvoiceNumber     string          `gorm:"size:255" json:"invoice_number"`
	InvoiceDate       time.Time       `json:"invoice_date"`
	DueDate           time.Time       `json:"due_date"`
	AmountOutstanding decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount_outstanding"`
	DaysOverdue       int             `json:"days_overdue"`

	// Snapshot taken when the message is rendered for delivery.
	RenderedSubject *string `gorm:"size:255" json:"rendered_subject"`
	RenderedBody    *string `gorm:"type:longtext" json:"rendered_body"`
	RenderedText    *string `gorm:"type:longtext" json:"rendered_text"`
	TemplateId      *int    `json:"template_id"`
	TemplateVersion *int    `json:"template_version"`

	FailureReason *string    `gorm:"type:text" json:"failure_reason"`
	SendAttempts  int        `gorm:"not null" json:"send_attempts"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at"`
	Attachments   StringList `gorm:"type:json" json:"attachments"`

	CycleId    string     `gorm:"size:64;index" json:"cycle_id"`
	ReleasedBy *string    `gorm:"size:100" json:"released_by"`
	ClaimedBy  *string    `gorm:"size:64" json:"-"`
	ClaimedAt  *time.Time `json:"-"`

	QueuedAt    *time.Time `json:"queued_at"`
	SentAt      *time.Time `json:"sent_at"`
	CancelledAt *time.Time `json:"cancelled_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`

	Events []EscalationEvent `gorm:"foreignKey:RecordId" json:"events,omitempty"`
}

// StringList is stored as a JSON array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringList", value)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*l = out
	return nil
}

// RenderSnapshot is what was actually sent, frozen on the record.
type RenderSnapshot struct {
	Subject         string
	HtmlBody        string
	TextBody        string
	TemplateId      int
	TemplateVersion int
}

// RecordFilter narrows ListEscalationRecords.
type RecordFilter struct {
	InvoiceId *int
	Status    EscalationStatus
	Stage     Stage
	Limit     int
	Offset    int
}

// EscalationLedger is the gorm-backed audit ledger. Every status change writes an
// EscalationEvent in the same transaction.
type EscalationLedger struct {
	DB *gorm.DB
}

func NewEscalationLedger(db *gorm.DB) *EscalationLedger {
	return &EscalationLedger{DB: db}
}

func (l *EscalationLedger) ListForInvoice(ctx context.Context, invoiceId int) ([]EscalationRecord, error) {
	var rows []EscalationRecord
	err := l.DB.WithContext(ctx).
		Where("invoice_id = ?", invoiceId).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// Insert creates a live record. A live record already holding (invoice_id, stage)
// yields ErrDuplicateKey and nothing is written.
func (l *EscalationLedger) Insert(ctx context.Context, rec *EscalationRecord) error {
	if !rec.Stage.IsValid() {
		return fmt.Errorf("insert escalation record: unknown stage %q", rec.Stage)
	}
	if rec.Status != EscalationStatusPlanned && rec.Status != EscalationStatusQueued {
		return fmt.Errorf("insert escalation record: %w: initial status %q", ErrInvalidTransition, rec.Status)
	}
	slot := liveSlotValue
	rec.ID = 0
	rec.LiveSlot = &slot
	if rec.CycleId == "" {
		rec.CycleId = utils.CycleIdFromContext(ctx)
	}
	if rec.Status == EscalationStatusQueued && rec.QueuedAt == nil {
		now := time.Now().UTC()
		rec.QueuedAt = &now
	}

	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(rec).Error; err != nil {
			return err
		}
		return tx.Create(newEscalationEvent(ctx, rec, "", rec.Status, "")).Error
	})
	if err != nil {
		if isDuplicateKeyErr(err) {
			rec.ID = 0
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

// ListReconcilable returns records that may still be sent and therefore must be
// cancelled once their invoice closes.
func (l *EscalationLedger) ListReconcilable(ctx context.Context, maxAttempts int) ([]EscalationRecord, error) {
	var rows []EscalationRecord
	err := l.DB.WithContext(ctx).
		Where("status IN ? OR (status = ? AND send_attempts < ?)",
			[]EscalationStatus{EscalationStatusPlanned, EscalationStatusQueued},
			EscalationStatusFailed, maxAttempts).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// ListDispatchable returns queued records and failed records that are due for retry.
func (l *EscalationLedger) ListDispatchable(ctx context.Context, now time.Time, maxAttempts int) ([]EscalationRecord, error) {
	var rows []EscalationRecord
	err := l.DB.WithContext(ctx).
		Where("status = ? OR (status = ? AND send_attempts < ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)",
			EscalationStatusQueued, EscalationStatusFailed, maxAttempts, now).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

// Claim gives worker the exclusive right to send the record and returns the row as it
// stands after the claim. A nil record means another worker holds a fresh claim or the
// record is not due: failed records are claimable only once next_attempt_at has passed
// and while attempts remain.
func (l *EscalationLedger) Claim(ctx context.Context, id int, worker string, now, staleBefore time.Time, maxAttempts int) (*EscalationRecord, error) {
	if maxAttempts <= 0 {
		maxAttempts = math.MaxInt32
	}
	res := l.DB.WithContext(ctx).
		Model(&EscalationRecord{}).
		Where("id = ?", id).
		Where("status = ? OR (status = ? AND send_attempts < ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)",
			EscalationStatusQueued, EscalationStatusFailed, maxAttempts, now).
		Where("claimed_at IS NULL OR claimed_at <= ?", staleBefore).
		Updates(map[string]interface{}{
			"claimed_by": worker,
			"claimed_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected != 1 {
		return nil, nil
	}
	var rec EscalationRecord
	if err := l.DB.WithContext(ctx).Where("id = ? AND claimed_by = ?", id, worker).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

func (l *EscalationLedger) ReleaseClaim(ctx context.Context, id int, worker string) error {
	return l.DB.WithContext(ctx).
		Model(&EscalationRecord{}).
		Where("id = ? AND claimed_by = ?", id, worker).
		Updates(map[string]interface{}{
			"claimed_by": nil,
			"claimed_at": nil,
		}).Error
}

// Cancel moves a record that has not been sent to cancelled and frees its key.
func (l *EscalationLedger) Cancel(ctx context.Context, id int, reason string, at time.Time) (*EscalationRecord, error) {
	return l.transition(ctx, id,
		[]EscalationStatus{EscalationStatusPlanned, EscalationStatusQueued, EscalationStatusFailed},
		EscalationStatusCancelled, reason,
		map[string]interface{}{
			"live_slot":       nil,
			"cancelled_at":    at,
			"failure_reason":  reason,
			"next_attempt_at": nil,
			"claimed_by":      nil,
			"claimed_at":      nil,
		})
}

// MarkSent freezes the rendered message on the record. A record that is already
// sent is never rewritten.
func (l *EscalationLedger) MarkSent(ctx context.Context, id int, snap RenderSnapshot, attachments []string, sentAt time.Time) (*EscalationRecord, error) {
	return l.transition(ctx, id,
		[]EscalationStatus{EscalationStatusQueued, EscalationStatusFailed},
		EscalationStatusSent, "",
		withSnapshot(snap, map[string]interface{}{
			"sent_at":         sentAt,
			"attachments":     StringList(attachments),
			"send_attempts":   gorm.Expr("send_attempts + 1"),
			"failure_reason":  nil,
			"next_attempt_at": nil,
			"claimed_by":      nil,
			"claimed_at":      nil,
		}))
}

// MarkFailed records a transport failure. next is nil once attempts are exhausted.
func (l *EscalationLedger) MarkFailed(ctx context.Context, id int, snap RenderSnapshot, reason string, attempts int, next *time.Time) (*EscalationRecord, error) {
	return l.transition(ctx, id,
		[]EscalationStatus{EscalationStatusQueued, EscalationStatusFailed},
		EscalationStatusFailed, reason,
		withSnapshot(snap, map[string]interface{}{
			"send_attempts":   attempts,
			"failure_reason":  reason,
			"next_attempt_at": next,
			"claimed_by":      nil,
			"claimed_at":      nil,
		}))
}

// MarkRenderFailed explains why a record could not be rendered. Its status is kept so
// an operator can fix the template and the record is picked up again.
func (l *EscalationLedger) MarkRenderFailed(ctx context.Context, id int, reason string) (*EscalationRecord, error) {
	return l.transition(ctx, id,
		[]EscalationStatus{EscalationStatusQueued, EscalationStatusFailed},
		"", reason,
		map[string]interface{}{
			"failure_reason": reason,
			"claimed_by":     nil,
			"claimed_at":     nil,
		})
}

// Release promotes a planned record to queued on operator request.
func (l *EscalationLedger) Release(ctx context.Context, id int) (*EscalationRecord, error) {
	actor := utils.ActorFromContext(ctx)
	return l.transition(ctx, id,
		[]EscalationStatus{EscalationStatusPlanned},
		EscalationStatusQueued, "released by "+actor,
		map[string]interface{}{
			"queued_at":   time.Now().UTC(),
			"released_by": actor,
		})
}

// Retry gives a failed record a fresh set of attempts.
func (l *EscalationLedger) Retry(ctx context.Context, id int) (*EscalationRecord, error) {
	return l.transition(ctx, id,
		[]EscalationStatus{EscalationStatusFailed},
		EscalationStatusQueued, "retry requested by "+utils.ActorFromContext(ctx),
		map[string]interface{}{
			"queued_at":       time.Now().UTC(),
			"send_attempts":   0,
			"failure_reason":  nil,
			"next_attempt_at": nil,
			"claimed_by":      nil,
			"claimed_at":      nil,
		})
}

func (l *EscalationLedger) GetEscalationRecord(ctx context.Context, id int) (*EscalationRecord, error) {
	var rec EscalationRecord
	err := l.DB.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ?", id).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (l *EscalationLedger) ListEscalationRecords(ctx context.Context, f RecordFilter) ([]EscalationRecord, error) {
	q := l.DB.WithContext(ctx).Model(&EscalationRecord{})
	if f.InvoiceId != nil {
		q = q.Where("invoice_id = ?", *f.InvoiceId)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Stage != "" {
		q = q.Where("stage = ?", f.Stage)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []EscalationRecord
	err := q.Order("id DESC").Limit(limit).Offset(f.Offset).Find(&rows).Error
	return rows, err
}

// transition locks the record, checks its status is one of from, applies updates and
// appends an event. An empty to keeps the current status.
func (l *EscalationLedger) transition(ctx context.Context, id int, from []EscalationStatus, to EscalationStatus, reason string, updates map[string]interface{}) (*EscalationRecord, error) {
	var out EscalationRecord
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec EscalationRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return err
		}
		if !statusIn(rec.Status, from) {
			return fmt.Errorf("%w: record %d is %s", ErrInvalidTransition, id, rec.Status)
		}
		target := to
		if target == "" {
			target = rec.Status
		}
		updates["status"] = target
		if err := tx.Model(&EscalationRecord{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		if err := tx.Create(newEscalationEvent(ctx, &rec, rec.Status, target, reason)).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).First(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func withSnapshot(snap RenderSnapshot, updates map[string]interface{}) map[string]interface{} {
	if snap.Subject == "" && snap.HtmlBody == "" && snap.TextBody == "" {
		return updates
	}
	updates["rendered_subject"] = snap.Subject
	updates["rendered_body"] = snap.HtmlBody
	updates["rendered_text"] = snap.TextBody
	if snap.TemplateId > 0 {
		updates["template_id"] = snap.TemplateId
		updates["template_version"] = snap.TemplateVersion
	}
	return updates
}

func statusIn(s EscalationStatus, set []EscalationStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

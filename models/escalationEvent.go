package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/utils"
)

// EscalationEvent is an append-only line of the audit trail.
type EscalationEvent struct {
	ID         int              `gorm:"primary_key" json:"id"`
	RecordId   int              `gorm:"not null;index" json:"record_id"`
	InvoiceId  int              `gorm:"not null;index" json:"invoice_id"`
	Stage      Stage            `gorm:"size:32;not null" json:"stage"`
	FromStatus EscalationStatus `gorm:"size:16" json:"from_status"`
	ToStatus   EscalationStatus `gorm:"size:16;not null" json:"to_status"`
	Reason     *string          `gorm:"type:text" json:"reason"`
	Actor      string           `gorm:"size:100;not null" json:"actor"`
	CycleId    string           `gorm:"size:64" json:"cycle_id"`
	CreatedAt  time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

func newEscalationEvent(ctx context.Context, rec *EscalationRecord, from, to EscalationStatus, reason string) *EscalationEvent {
	ev := &EscalationEvent{
		RecordId:   rec.ID,
		InvoiceId:  rec.InvoiceId,
		Stage:      rec.Stage,
		FromStatus: from,
		ToStatus:   to,
		Actor:      utils.ActorFromContext(ctx),
		CycleId:    utils.CycleIdFromContext(ctx),
	}
	if reason != "" {
		ev.Reason = &reason
	}
	return ev
}

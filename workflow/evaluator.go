package workflow

import (
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/models"
)

// StageDecision is the evaluator's answer: this stage should fire now for this invoice.
type StageDecision struct {
	InvoiceId   int
	Stage       models.Stage
	AutoSend    bool
	OverdueDays int
}

// InitialStatus is queued for auto-send stages and planned otherwise.
func (d StageDecision) InitialStatus() models.EscalationStatus {
	if d.AutoSend {
		return models.EscalationStatusQueued
	}
	return models.EscalationStatusPlanned
}

// Evaluate decides the next stage for one invoice. It returns nil when nothing should fire.
//
// Only the single highest eligible stage is considered. A run that finds an invoice past
// several thresholds fires the highest one and never back-fills the lower ones. A live
// record at that stage or at any higher stage means nothing fires.
func Evaluate(invoice models.Invoice, history []models.EscalationRecord, policy *models.CollectionPolicy, today time.Time) *StageDecision {
	if policy == nil || !policy.SystemEnabled {
		return nil
	}
	if !invoice.IsPayable() {
		return nil
	}
	if invoice.AmountOutstanding.LessThan(policy.MinimumAmount) {
		return nil
	}

	overdue := OverdueDays(invoice.DueDate, today, policy.Location())
	if overdue <= 0 {
		return nil
	}

	var eligible *models.StageRule
	for _, rule := range policy.Rules() {
		if rule.DelayDays <= overdue {
			r := rule
			eligible = &r
		}
	}
	if eligible == nil {
		return nil
	}

	rank := eligible.Stage.Rank()
	for _, rec := range history {
		if rec.InvoiceId != invoice.ID || !rec.Status.IsLive() {
			continue
		}
		if rec.Stage.Rank() >= rank {
			return nil
		}
	}

	return &StageDecision{
		InvoiceId:   invoice.ID,
		Stage:       eligible.Stage,
		AutoSend:    eligible.AutoSend,
		OverdueDays: overdue,
	}
}

// OverdueDays counts calendar days from the due date to today. The due date is taken
// as a calendar date; today is read in loc.
func OverdueDays(due, today time.Time, loc *time.Location) int {
	if loc == nil {
		loc = time.UTC
	}
	dy, dm, dd := due.Date()
	ty, tm, td := today.In(loc).Date()
	dueDay := time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC)
	todayDay := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(todayDay.Sub(dueDay).Hours() / 24)
}

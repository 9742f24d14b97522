package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"bitbucket.org/mmdatafocus/collections_backend/transport"
	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// SendOutcome is what happened to one record in the dispatch sweep.
type SendOutcome string

const (
	OutcomeSent         SendOutcome = "sent"
	OutcomeFailed       SendOutcome = "failed"
	OutcomeCancelled    SendOutcome = "cancelled"
	OutcomeRenderFailed SendOutcome = "render_failed"
	OutcomeSkipped      SendOutcome = "skipped"
	OutcomeError        SendOutcome = "error"
)

// Pipeline renders and sends one claimed record at a time.
type Pipeline struct {
	Ledger      Ledger
	Invoices    InvoiceStore
	Clients     ClientDirectory
	Transport   Transport
	Attachments AttachmentStore
	Limiter     *rate.Limiter
	Logger      *logrus.Logger

	Retry            RetryPolicy
	IOTimeout        time.Duration
	TransportTimeout time.Duration
	ClaimTTL         time.Duration
	WorkerId         string
}

func NewPipeline(ledger Ledger, invoices InvoiceStore, clients ClientDirectory, tr Transport, attachments AttachmentStore, settings config.EngineSettings, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		Ledger:      ledger,
		Invoices:    invoices,
		Clients:     clients,
		Transport:   tr,
		Attachments: attachments,
		Limiter:     rate.NewLimiter(rate.Limit(settings.SendRatePerSec), settings.SendRatePerSec),
		Logger:      logger,
		Retry: RetryPolicy{
			MaxAttempts: settings.MaxSendAttempts,
			BaseBackoff: settings.RetryBaseBackoff,
			MaxBackoff:  settings.RetryMaxBackoff,
		},
		IOTimeout:        settings.IOTimeout,
		TransportTimeout: settings.TransportTimeout,
		ClaimTTL:         settings.ClaimTTL,
		WorkerId:         uuid.NewString(),
	}
}

func (p *Pipeline) io(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, p.IOTimeout)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Process claims rec and drives it to sent, failed or cancelled. tpl is the active
// template of the record's stage from the cycle snapshot, nil when there is none.
// A returned error means the record was left untouched for the next cycle.
func (p *Pipeline) Process(ctx context.Context, rec models.EscalationRecord, tpl *models.EscalationTemplate, policy *models.CollectionPolicy, now time.Time) (SendOutcome, error) {
	claimCtx, cancel := p.io(ctx)
	claimed, err := p.Ledger.Claim(claimCtx, rec.ID, p.WorkerId, now, now.Add(-p.ClaimTTL), p.Retry.MaxAttempts)
	cancel()
	if err != nil {
		return OutcomeError, fmt.Errorf("claim record %d: %w", rec.ID, err)
	}
	if claimed == nil {
		return OutcomeSkipped, nil
	}
	// The listed row may predate another sweep's attempt; only the claimed row counts.
	rec = *claimed

	outcome, err := p.processClaimed(ctx, rec, tpl, policy, now)
	if err != nil {
		relCtx, cancel := p.io(context.WithoutCancel(ctx))
		if relErr := p.Ledger.ReleaseClaim(relCtx, rec.ID, p.WorkerId); relErr != nil {
			config.LogError(p.entry(rec).Logger, "pipeline.go", "Process", "ReleaseClaim", rec.ID, relErr)
		}
		cancel()
	}
	return outcome, err
}

func (p *Pipeline) processClaimed(ctx context.Context, rec models.EscalationRecord, tpl *models.EscalationTemplate, policy *models.CollectionPolicy, now time.Time) (SendOutcome, error) {
	if p.Limiter != nil {
		if err := p.Limiter.Wait(ctx); err != nil {
			return OutcomeError, err
		}
	}

	// The balance is read again right before the send; a payment since queueing wins.
	invCtx, cancel := p.io(ctx)
	invoice, err := p.Invoices.GetInvoice(invCtx, rec.InvoiceId)
	cancel()
	if err != nil {
		if errors.Is(err, models.ErrInvoiceNotFound) {
			return p.cancel(ctx, rec, "invoice no longer exists", now)
		}
		return OutcomeError, fmt.Errorf("get invoice %d: %w", rec.InvoiceId, err)
	}
	if !invoice.IsPayable() {
		return p.cancel(ctx, rec, ErrStaleInvoice.Error(), now)
	}

	if tpl == nil {
		return p.renderFailed(ctx, rec, &TemplateRenderError{Stage: rec.Stage, Reason: "no active template"})
	}

	client := p.client(ctx, rec, invoice)
	if !utils.IsValidEmail(client.Email) {
		return p.renderFailed(ctx, rec, &TemplateRenderError{Stage: rec.Stage, Reason: "client has no valid email"})
	}

	mc := MergeContext{
		ClientName:        client.Name,
		ClientEmail:       client.Email,
		InvoiceNumber:     invoice.InvoiceNumber,
		InvoiceDate:       invoice.IssueDate,
		DueDate:           invoice.DueDate,
		AmountOutstanding: invoice.AmountOutstanding,
		DaysOverdue:       OverdueDays(invoice.DueDate, now, policy.Location()),
		Stage:             rec.Stage,
		SenderEmail:       policy.SenderEmail,
		ContactPhone:      policy.ContactPhone,
	}
	rendered, err := Render(*tpl, mc)
	if err != nil {
		return p.renderFailed(ctx, rec, err)
	}

	var attachments []string
	if tpl.IncludeInvoicePdf {
		if p.Attachments == nil {
			return p.renderFailed(ctx, rec, &TemplateRenderError{Stage: rec.Stage, Reason: "invoice pdf requested but no attachment store"})
		}
		attCtx, cancel := p.io(ctx)
		link, err := p.Attachments.InvoicePDF(attCtx, invoice.ID, invoice.InvoiceNumber)
		cancel()
		if err != nil {
			if errors.Is(err, utils.ErrAttachmentMissing) {
				return p.renderFailed(ctx, rec, &TemplateRenderError{Stage: rec.Stage, Reason: err.Error()})
			}
			return OutcomeError, fmt.Errorf("invoice pdf %d: %w", invoice.ID, err)
		}
		attachments = append(attachments, link)
	}

	attempt := rec.SendAttempts + 1
	msg := transport.Message{
		RecordId:    rec.ID,
		Attempt:     attempt,
		InvoiceId:   invoice.ID,
		Stage:       string(rec.Stage),
		Priority:    string(tpl.Priority),
		From:        policy.SenderEmail,
		To:          client.Email,
		Subject:     rendered.Subject,
		HtmlBody:    rendered.HtmlBody,
		TextBody:    rendered.TextBody,
		Attachments: attachments,
		CycleId:     utils.CycleIdFromContext(ctx),
		QueuedAt:    now,
	}
	if policy.CcEmail != nil && *policy.CcEmail != "" {
		msg.Cc = []string{*policy.CcEmail}
	}
	if tpl.IncludeSenderCopy && policy.SenderEmail != "" {
		msg.Bcc = []string{policy.SenderEmail}
	}

	sendCtx, cancel := withTimeout(ctx, p.TransportTimeout)
	deliverErr := p.Transport.Deliver(sendCtx, msg)
	cancel()

	// The outcome is recorded even if the cycle context is done; the message is out.
	writeCtx, cancel := p.io(context.WithoutCancel(ctx))
	defer cancel()

	if deliverErr != nil {
		terr := &TransportError{Attempt: attempt, Err: deliverErr}
		next := p.Retry.NextAttempt(attempt, now)
		if _, err := p.Ledger.MarkFailed(writeCtx, rec.ID, rendered.Snapshot(), terr.Error(), attempt, next); err != nil {
			return OutcomeError, fmt.Errorf("mark record %d failed: %w", rec.ID, err)
		}
		entry := p.entry(rec).WithField("attempt", attempt)
		if next == nil {
			entry.Error("escalation send failed, retries exhausted: " + deliverErr.Error())
		} else {
			entry.WithField("next_attempt_at", next.Format(time.RFC3339)).Warn("escalation send failed: " + deliverErr.Error())
		}
		return OutcomeFailed, nil
	}

	if _, err := p.Ledger.MarkSent(writeCtx, rec.ID, rendered.Snapshot(), attachments, now); err != nil {
		// Delivered but not recorded: the claim expires and the record may be sent again.
		return OutcomeError, fmt.Errorf("mark record %d sent: %w", rec.ID, err)
	}
	p.entry(rec).WithField("attempt", attempt).Info("escalation sent")
	return OutcomeSent, nil
}

// client prefers the live directory entry and falls back to the creation snapshot.
func (p *Pipeline) client(ctx context.Context, rec models.EscalationRecord, invoice *models.Invoice) models.Client {
	snap := models.Client{ID: rec.ClientId, Name: rec.ClientName, Email: rec.ClientEmail}
	if p.Clients == nil {
		return snap
	}
	id := invoice.ClientId
	if id == 0 {
		id = rec.ClientId
	}
	cctx, cancel := p.io(ctx)
	defer cancel()
	c, err := p.Clients.GetClient(cctx, id)
	if err != nil || c == nil {
		if err != nil && !errors.Is(err, models.ErrClientNotFound) {
			config.LogError(p.entry(rec).Logger, "pipeline.go", "client", "GetClient", id, err)
		}
		return snap
	}
	return *c
}

func (p *Pipeline) cancel(ctx context.Context, rec models.EscalationRecord, reason string, now time.Time) (SendOutcome, error) {
	cctx, cancel := p.io(ctx)
	defer cancel()
	if _, err := p.Ledger.Cancel(cctx, rec.ID, reason, now); err != nil {
		return OutcomeError, fmt.Errorf("cancel record %d: %w", rec.ID, err)
	}
	p.entry(rec).Info("escalation cancelled before send: " + reason)
	return OutcomeCancelled, nil
}

func (p *Pipeline) renderFailed(ctx context.Context, rec models.EscalationRecord, cause error) (SendOutcome, error) {
	cctx, cancel := p.io(ctx)
	defer cancel()
	if _, err := p.Ledger.MarkRenderFailed(cctx, rec.ID, cause.Error()); err != nil {
		return OutcomeError, fmt.Errorf("mark record %d render failure: %w", rec.ID, err)
	}
	p.entry(rec).Error("escalation not sent: " + cause.Error())
	return OutcomeRenderFailed, nil
}

func (p *Pipeline) entry(rec models.EscalationRecord) *logrus.Entry {
	logger := p.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithFields(logrus.Fields{
		"field":      "Pipeline",
		"record_id":  rec.ID,
		"invoice_id": rec.InvoiceId,
		"stage":      rec.Stage,
	})
}

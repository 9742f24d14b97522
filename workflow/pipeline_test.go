package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/shopspring/decimal"
)

func queuedRecord(t *testing.T, h *harness, inv models.Invoice, stage models.Stage) models.EscalationRecord {
	t.Helper()
	c := h.clients[inv.ClientId]
	rec := &models.EscalationRecord{
		InvoiceId:         inv.ID,
		Stage:             stage,
		Status:            models.EscalationStatusQueued,
		ClientId:          inv.ClientId,
		ClientName:        c.Name,
		ClientEmail:       c.Email,
		InvoiceNumber:     inv.InvoiceNumber,
		DueDate:           inv.DueDate,
		AmountOutstanding: inv.AmountOutstanding,
	}
	if err := h.ledger.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return *rec
}

func process(t *testing.T, h *harness, rec models.EscalationRecord) SendOutcome {
	t.Helper()
	tpl := h.templates[rec.Stage]
	outcome, err := h.pipeline.Process(context.Background(), rec, &tpl, h.policy, testNow)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return outcome
}

func TestPipeline_RechecksBalanceBeforeSend(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	rec := queuedRecord(t, h, inv, models.StageRappelAmiable)

	h.invoices.pay(inv.ID)
	if got := process(t, h, rec); got != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
	if h.transport.calls != 0 {
		t.Fatalf("paid invoice must not be contacted")
	}
	got := h.ledger.get(rec.ID)
	if got.FailureReason == nil || *got.FailureReason != ErrStaleInvoice.Error() {
		t.Fatalf("expected stale invoice reason, got %v", got.FailureReason)
	}
}

func TestPipeline_MissingInvoiceCancels(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	rec := queuedRecord(t, h, inv, models.StageRappelAmiable)
	delete(h.invoices.invoices, inv.ID)

	if got := process(t, h, rec); got != OutcomeCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
}

func TestPipeline_UsesLiveBalanceAndAddressing(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	rec := queuedRecord(t, h, inv, models.StageMiseEnDemeure)

	// A partial payment since the record was created.
	partial := inv
	partial.AmountOutstanding = decimal.NewFromInt(250)
	h.invoices.set(partial)

	cc := "boss@example.com"
	h.policy.CcEmail = &cc
	tpl := testTemplate(models.StageMiseEnDemeure)
	tpl.IncludeSenderCopy = true
	tpl.Priority = models.TemplatePriorityHigh
	h.templates[models.StageMiseEnDemeure] = tpl

	if got := process(t, h, rec); got != OutcomeSent {
		t.Fatalf("expected sent, got %s", got)
	}
	msg := h.transport.sent[0]
	if !strings.Contains(msg.TextBody, "250.00") {
		t.Fatalf("expected the live balance in the body, got %q", msg.TextBody)
	}
	if len(msg.Cc) != 1 || msg.Cc[0] != cc {
		t.Fatalf("expected cc %s, got %v", cc, msg.Cc)
	}
	if len(msg.Bcc) != 1 || msg.Bcc[0] != "ar@example.com" {
		t.Fatalf("expected sender copy, got %v", msg.Bcc)
	}
	if msg.Priority != "high" || msg.Attempt != 1 || msg.RecordId != rec.ID {
		t.Fatalf("unexpected message metadata %+v", msg)
	}
	if msg.IdempotencyKey() != fmt.Sprintf("escalation:%d:1", rec.ID) {
		t.Fatalf("unexpected idempotency key %s", msg.IdempotencyKey())
	}
}

func TestPipeline_AttachesInvoicePdf(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	h.pipeline.Attachments = fakeAttachments{links: map[int]string{1: "https://storage.example/INV-0001.pdf"}}
	tpl := testTemplate(models.StageRappelAmiable)
	tpl.IncludeInvoicePdf = true
	h.templates[models.StageRappelAmiable] = tpl
	rec := queuedRecord(t, h, inv, models.StageRappelAmiable)

	if got := process(t, h, rec); got != OutcomeSent {
		t.Fatalf("expected sent, got %s", got)
	}
	if got := h.ledger.get(rec.ID).Attachments; len(got) != 1 || got[0] != "https://storage.example/INV-0001.pdf" {
		t.Fatalf("attachments not recorded: %v", got)
	}
	if len(h.transport.sent[0].Attachments) != 1 {
		t.Fatalf("attachment not delivered")
	}
}

func TestPipeline_MissingPdfIsRenderFailure(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	h.pipeline.Attachments = fakeAttachments{links: map[int]string{}}
	tpl := testTemplate(models.StageRappelAmiable)
	tpl.IncludeInvoicePdf = true
	h.templates[models.StageRappelAmiable] = tpl
	rec := queuedRecord(t, h, inv, models.StageRappelAmiable)

	if got := process(t, h, rec); got != OutcomeRenderFailed {
		t.Fatalf("expected render failure, got %s", got)
	}
	if h.ledger.get(rec.ID).Status != models.EscalationStatusQueued {
		t.Fatalf("record should stay queued")
	}
}

func TestPipeline_NoTemplateIsRenderFailure(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	rec := queuedRecord(t, h, inv, models.StageRappelAmiable)

	outcome, err := h.pipeline.Process(context.Background(), rec, nil, h.policy, testNow)
	if err != nil || outcome != OutcomeRenderFailed {
		t.Fatalf("expected render failure, got %s %v", outcome, err)
	}
}

func TestPipeline_FallsBackToCreationSnapshotForClient(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	rec := queuedRecord(t, h, inv, models.StageRappelAmiable)
	delete(h.clients, inv.ClientId)

	if got := process(t, h, rec); got != OutcomeSent {
		t.Fatalf("expected sent, got %s", got)
	}
	if h.transport.sent[0].To != rec.ClientEmail {
		t.Fatalf("expected snapshot email %s, got %s", rec.ClientEmail, h.transport.sent[0].To)
	}
}

func TestPipeline_InvalidEmailIsRenderFailure(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	h.clients[inv.ClientId] = models.Client{ID: inv.ClientId, Name: "No Mail"}
	rec := queuedRecord(t, h, inv, models.StageRappelAmiable)

	if got := process(t, h, rec); got != OutcomeRenderFailed {
		t.Fatalf("expected render failure, got %s", got)
	}
}

func TestPipeline_FreshClaimIsSkipped(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	rec := queuedRecord(t, h, inv, models.StageRappelAmiable)

	claimed, _ := h.ledger.Claim(context.Background(), rec.ID, "other-worker", testNow.Add(-time.Minute), testNow.Add(-time.Hour), 3)
	if claimed == nil {
		t.Fatalf("setup claim failed")
	}
	if got := process(t, h, rec); got != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s", got)
	}

	// An abandoned claim is taken over.
	h.pipeline.ClaimTTL = 30 * time.Second
	if got := process(t, h, rec); got != OutcomeSent {
		t.Fatalf("expected stale claim takeover, got %s", got)
	}
}

func TestPipeline_TransportFailureRecordsAttempt(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	h.transport.fail = errors.New("smtp 451")
	rec := queuedRecord(t, h, inv, models.StageRappelAmiable)

	if got := process(t, h, rec); got != OutcomeFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	got := h.ledger.get(rec.ID)
	if got.FailureReason == nil || *got.FailureReason != "deliver attempt 1: smtp 451" {
		t.Fatalf("unexpected failure reason %v", got.FailureReason)
	}
	if got.RenderedSubject == nil {
		t.Fatalf("the attempted message should be kept on the record")
	}
	if got.ClaimedBy != nil {
		t.Fatalf("claim should be cleared")
	}
}

func TestPipeline_ReleasesClaimOnError(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	rec := queuedRecord(t, h, inv, models.StageRappelAmiable)
	h.invoices.failGet[inv.ID] = errBoom

	tpl := h.templates[rec.Stage]
	outcome, err := h.pipeline.Process(context.Background(), rec, &tpl, h.policy, testNow)
	if !errors.Is(err, errBoom) || outcome != OutcomeError {
		t.Fatalf("expected error outcome, got %s %v", outcome, err)
	}
	if h.ledger.get(rec.ID).ClaimedBy != nil {
		t.Fatalf("claim should be released after an error")
	}
}

func TestPipeline_StaleListedRowIsNotResentBeforeBackoff(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	h.transport.fail = errors.New("smtp 451")
	listed := queuedRecord(t, h, inv, models.StageRappelAmiable)

	// Two overlapping sweeps both listed the record while it was queued.
	if got := process(t, h, listed); got != OutcomeFailed {
		t.Fatalf("first sweep: expected failed, got %s", got)
	}
	if got := process(t, h, listed); got != OutcomeSkipped {
		t.Fatalf("second sweep: expected skipped before the backoff, got %s", got)
	}
	if h.transport.calls != 1 {
		t.Fatalf("expected one delivery, got %d", h.transport.calls)
	}

	// Once due, the attempt number comes from the stored row, not the listed copy.
	tpl := h.templates[listed.Stage]
	if _, err := h.pipeline.Process(context.Background(), listed, &tpl, h.policy, testNow.Add(time.Hour)); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := h.ledger.get(listed.ID)
	if got.SendAttempts != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", got.SendAttempts)
	}
	if got.FailureReason == nil || *got.FailureReason != "deliver attempt 2: smtp 451" {
		t.Fatalf("unexpected failure reason %v", got.FailureReason)
	}
}

func TestPipeline_ExhaustedRecordIsNeverClaimed(t *testing.T) {
	inv := overdueInvoice(1, 16, 500)
	h := newHarness(inv)
	h.transport.fail = errors.New("smtp 451")
	listed := queuedRecord(t, h, inv, models.StageRappelAmiable)

	tpl := h.templates[listed.Stage]
	at := testNow
	for i := 0; i < 5; i++ {
		if _, err := h.pipeline.Process(context.Background(), listed, &tpl, h.policy, at); err != nil {
			t.Fatalf("Process: %v", err)
		}
		at = at.Add(48 * time.Hour)
	}
	if h.transport.calls != 3 {
		t.Fatalf("expected deliveries to stop at 3 attempts, got %d", h.transport.calls)
	}
	if got := h.ledger.get(listed.ID); got.SendAttempts != 3 || got.NextAttemptAt != nil {
		t.Fatalf("expected exhausted record, got attempts=%d next=%v", got.SendAttempts, got.NextAttemptAt)
	}
}

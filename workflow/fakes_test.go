package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/models"
	"bitbucket.org/mmdatafocus/collections_backend/transport"
	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"github.com/shopspring/decimal"
)

// These fakes are DB-free stand-ins that keep the ledger's contract: the live
// (invoice_id, stage) key, conditional claims and status-checked transitions.

type memLedger struct {
	mu      sync.Mutex
	nextId  int
	records map[int]*models.EscalationRecord
	events  []models.EscalationEvent

	insertCalls int
	failList    error
}

func newMemLedger() *memLedger {
	return &memLedger{records: map[int]*models.EscalationRecord{}}
}

func (l *memLedger) sorted(match func(r *models.EscalationRecord) bool) []models.EscalationRecord {
	var out []models.EscalationRecord
	for _, r := range l.records {
		if match(r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *memLedger) all() []models.EscalationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sorted(func(*models.EscalationRecord) bool { return true })
}

func (l *memLedger) get(id int) models.EscalationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.records[id]
}

func (l *memLedger) ListForInvoice(ctx context.Context, invoiceId int) ([]models.EscalationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sorted(func(r *models.EscalationRecord) bool { return r.InvoiceId == invoiceId }), nil
}

func (l *memLedger) Insert(ctx context.Context, rec *models.EscalationRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.insertCalls++
	for _, r := range l.records {
		if r.InvoiceId == rec.InvoiceId && r.Stage == rec.Stage && r.Status != models.EscalationStatusCancelled {
			return ErrDuplicateKey
		}
	}
	l.nextId++
	slot := 1
	rec.ID = l.nextId
	rec.LiveSlot = &slot
	rec.CreatedAt = time.Now().UTC()
	cp := *rec
	l.records[rec.ID] = &cp
	l.events = append(l.events, models.EscalationEvent{RecordId: rec.ID, InvoiceId: rec.InvoiceId, Stage: rec.Stage, ToStatus: rec.Status, Actor: utils.ActorFromContext(ctx)})
	return nil
}

func (l *memLedger) ListReconcilable(ctx context.Context, maxAttempts int) ([]models.EscalationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failList != nil {
		return nil, l.failList
	}
	return l.sorted(func(r *models.EscalationRecord) bool {
		return r.Status == models.EscalationStatusPlanned || r.Status == models.EscalationStatusQueued ||
			(r.Status == models.EscalationStatusFailed && r.SendAttempts < maxAttempts)
	}), nil
}

func (l *memLedger) ListDispatchable(ctx context.Context, now time.Time, maxAttempts int) ([]models.EscalationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sorted(func(r *models.EscalationRecord) bool {
		if r.Status == models.EscalationStatusQueued {
			return true
		}
		return r.Status == models.EscalationStatusFailed && r.SendAttempts < maxAttempts &&
			r.NextAttemptAt != nil && !r.NextAttemptAt.After(now)
	}), nil
}

func (l *memLedger) Claim(ctx context.Context, id int, worker string, now, staleBefore time.Time, maxAttempts int) (*models.EscalationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return nil, nil
	}
	due := r.Status == models.EscalationStatusQueued ||
		(r.Status == models.EscalationStatusFailed && (maxAttempts <= 0 || r.SendAttempts < maxAttempts) &&
			r.NextAttemptAt != nil && !r.NextAttemptAt.After(now))
	if !due {
		return nil, nil
	}
	if r.ClaimedAt != nil && r.ClaimedAt.After(staleBefore) {
		return nil, nil
	}
	w := worker
	at := now
	r.ClaimedBy = &w
	r.ClaimedAt = &at
	cp := *r
	return &cp, nil
}

func (l *memLedger) ReleaseClaim(ctx context.Context, id int, worker string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.records[id]; ok && r.ClaimedBy != nil && *r.ClaimedBy == worker {
		r.ClaimedBy, r.ClaimedAt = nil, nil
	}
	return nil
}

func (l *memLedger) transition(ctx context.Context, id int, from []models.EscalationStatus, to models.EscalationStatus, reason string, apply func(r *models.EscalationRecord)) (*models.EscalationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	allowed := false
	for _, s := range from {
		if r.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: record %d is %s", ErrInvalidTransition, id, r.Status)
	}
	prev := r.Status
	apply(r)
	if to != "" {
		r.Status = to
	}
	ev := models.EscalationEvent{RecordId: id, InvoiceId: r.InvoiceId, Stage: r.Stage, FromStatus: prev, ToStatus: r.Status, Actor: utils.ActorFromContext(ctx)}
	if reason != "" {
		ev.Reason = &reason
	}
	l.events = append(l.events, ev)
	cp := *r
	return &cp, nil
}

func strPtr(s string) *string { return &s }

func applySnapshot(r *models.EscalationRecord, snap models.RenderSnapshot) {
	r.RenderedSubject = strPtr(snap.Subject)
	r.RenderedBody = strPtr(snap.HtmlBody)
	r.RenderedText = strPtr(snap.TextBody)
	if snap.TemplateId > 0 {
		id, v := snap.TemplateId, snap.TemplateVersion
		r.TemplateId, r.TemplateVersion = &id, &v
	}
}

func (l *memLedger) Cancel(ctx context.Context, id int, reason string, at time.Time) (*models.EscalationRecord, error) {
	return l.transition(ctx, id,
		[]models.EscalationStatus{models.EscalationStatusPlanned, models.EscalationStatusQueued, models.EscalationStatusFailed},
		models.EscalationStatusCancelled, reason,
		func(r *models.EscalationRecord) {
			r.LiveSlot = nil
			r.CancelledAt = &at
			r.FailureReason = strPtr(reason)
			r.NextAttemptAt = nil
			r.ClaimedBy, r.ClaimedAt = nil, nil
		})
}

func (l *memLedger) MarkSent(ctx context.Context, id int, snap models.RenderSnapshot, attachments []string, sentAt time.Time) (*models.EscalationRecord, error) {
	return l.transition(ctx, id,
		[]models.EscalationStatus{models.EscalationStatusQueued, models.EscalationStatusFailed},
		models.EscalationStatusSent, "",
		func(r *models.EscalationRecord) {
			applySnapshot(r, snap)
			r.SentAt = &sentAt
			r.Attachments = models.StringList(attachments)
			r.SendAttempts++
			r.FailureReason = nil
			r.NextAttemptAt = nil
			r.ClaimedBy, r.ClaimedAt = nil, nil
		})
}

func (l *memLedger) MarkFailed(ctx context.Context, id int, snap models.RenderSnapshot, reason string, attempts int, next *time.Time) (*models.EscalationRecord, error) {
	return l.transition(ctx, id,
		[]models.EscalationStatus{models.EscalationStatusQueued, models.EscalationStatusFailed},
		models.EscalationStatusFailed, reason,
		func(r *models.EscalationRecord) {
			applySnapshot(r, snap)
			r.SendAttempts = attempts
			r.FailureReason = strPtr(reason)
			r.NextAttemptAt = next
			r.ClaimedBy, r.ClaimedAt = nil, nil
		})
}

func (l *memLedger) MarkRenderFailed(ctx context.Context, id int, reason string) (*models.EscalationRecord, error) {
	return l.transition(ctx, id,
		[]models.EscalationStatus{models.EscalationStatusQueued, models.EscalationStatusFailed},
		"", reason,
		func(r *models.EscalationRecord) {
			r.FailureReason = strPtr(reason)
			r.ClaimedBy, r.ClaimedAt = nil, nil
		})
}

type fakeInvoices struct {
	mu       sync.Mutex
	invoices map[int]models.Invoice
	failGet  map[int]error
	getCalls int
}

func newFakeInvoices(invs ...models.Invoice) *fakeInvoices {
	f := &fakeInvoices{invoices: map[int]models.Invoice{}, failGet: map[int]error{}}
	for _, inv := range invs {
		f.invoices[inv.ID] = inv
	}
	return f
}

func (f *fakeInvoices) set(inv models.Invoice) {
	f.mu.Lock()
	f.invoices[inv.ID] = inv
	f.mu.Unlock()
}

func (f *fakeInvoices) pay(id int) {
	f.mu.Lock()
	inv := f.invoices[id]
	inv.AmountOutstanding = decimal.Zero
	inv.Status = models.InvoiceStatusClosed
	f.invoices[id] = inv
	f.mu.Unlock()
}

func (f *fakeInvoices) ListOpenOverdueInvoices(ctx context.Context, asOf time.Time) ([]models.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Invoice
	for _, inv := range f.invoices {
		if inv.IsPayable() && inv.DueDate.Before(asOf) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeInvoices) GetInvoice(ctx context.Context, id int) (*models.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if err := f.failGet[id]; err != nil {
		return nil, err
	}
	inv, ok := f.invoices[id]
	if !ok {
		return nil, models.ErrInvoiceNotFound
	}
	return &inv, nil
}

type fakeClients map[int]models.Client

func (f fakeClients) GetClient(ctx context.Context, id int) (*models.Client, error) {
	c, ok := f[id]
	if !ok {
		return nil, models.ErrClientNotFound
	}
	return &c, nil
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []transport.Message
	fail  error
	calls int
	// onDeliver runs inside Deliver, before the result is decided.
	onDeliver func(msg transport.Message)
}

func (t *fakeTransport) Deliver(ctx context.Context, msg transport.Message) error {
	if t.onDeliver != nil {
		t.onDeliver(msg)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if t.fail != nil {
		return t.fail
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type fakeAttachments struct {
	links map[int]string
}

func (f fakeAttachments) InvoicePDF(ctx context.Context, invoiceId int, invoiceNumber string) (string, error) {
	link, ok := f.links[invoiceId]
	if !ok {
		return "", fmt.Errorf("invoice %s: %w", invoiceNumber, utils.ErrAttachmentMissing)
	}
	return link, nil
}

type fakePolicies struct {
	policy *models.CollectionPolicy
	err    error
}

func (f fakePolicies) LoadPolicy(ctx context.Context) (*models.CollectionPolicy, error) {
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.policy
	return &cp, nil
}

type fakeTemplates map[models.Stage]models.EscalationTemplate

func (f fakeTemplates) ActiveTemplates(ctx context.Context) (map[models.Stage]models.EscalationTemplate, error) {
	out := make(map[models.Stage]models.EscalationTemplate, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out, nil
}

type fakeAlerts struct {
	mu        sync.Mutex
	nextId    int
	alerts    map[int]*models.CollectionCriticalAlert
	byInvoice map[int]int
}

func newFakeAlerts() *fakeAlerts {
	return &fakeAlerts{alerts: map[int]*models.CollectionCriticalAlert{}, byInvoice: map[int]int{}}
}

func (f *fakeAlerts) RecordCriticalAlert(ctx context.Context, alert *models.CollectionCriticalAlert) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byInvoice[alert.InvoiceId]; ok {
		return false, nil
	}
	f.nextId++
	alert.ID = f.nextId
	cp := *alert
	f.alerts[cp.ID] = &cp
	f.byInvoice[cp.InvoiceId] = cp.ID
	return true, nil
}

func (f *fakeAlerts) ListUnpublishedAlerts(ctx context.Context, limit int) ([]models.CollectionCriticalAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CollectionCriticalAlert
	for _, a := range f.alerts {
		if !a.Published {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAlerts) MarkAlertPublished(ctx context.Context, id int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts[id].Published = true
	f.alerts[id].PublishedAt = &at
	return nil
}

func (f *fakeAlerts) MarkAlertFailed(ctx context.Context, id int, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := cause.Error()
	f.alerts[id].LastError = &msg
	return nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []transport.Alert
	fail      error
}

func (p *fakePublisher) PublishAlert(ctx context.Context, alert transport.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.published = append(p.published, alert)
	return nil
}

type fakeLocker struct {
	ok  bool
	err error
}

func (l fakeLocker) Acquire(ctx context.Context) (func(), bool, error) {
	return func() {}, l.ok, l.err
}

var errBoom = errors.New("boom")

// Monday 2026-03-16 10:00 UTC, inside a weekday 09:00 window.
var testNow = time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC)

func testPolicy() *models.CollectionPolicy {
	p := models.DefaultCollectionPolicy()
	p.SystemEnabled = true
	p.SenderEmail = "ar@example.com"
	p.ContactPhone = "+33 1 42 68 53 00"
	return &p
}

func testTemplate(stage models.Stage) models.EscalationTemplate {
	return models.EscalationTemplate{
		ID:       stage.Rank() + 10,
		Stage:    stage,
		Version:  1,
		Active:   true,
		Subject:  "Invoice {{invoice_number}}: {{stage}}",
		HtmlBody: "<p>Dear {{client_name}}, {{amount_outstanding}} is {{days_overdue}} days overdue.</p>",
		TextBody: "Dear {{client_name}}, {{amount_outstanding}} is {{days_overdue}} days overdue.",
		Priority: models.TemplatePriorityNormal,
	}
}

func allTemplates() fakeTemplates {
	out := fakeTemplates{}
	for _, s := range models.AllStages {
		out[s] = testTemplate(s)
	}
	return out
}

func overdueInvoice(id int, days int, amount int64) models.Invoice {
	return models.Invoice{
		ID:                id,
		ClientId:          100 + id,
		InvoiceNumber:     fmt.Sprintf("INV-%04d", id),
		IssueDate:         testNow.AddDate(0, 0, -days-30),
		DueDate:           time.Date(testNow.Year(), testNow.Month(), testNow.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -days),
		AmountOutstanding: decimal.NewFromInt(amount),
		Status:            models.InvoiceStatusOpen,
	}
}

func clientsFor(invs ...models.Invoice) fakeClients {
	out := fakeClients{}
	for _, inv := range invs {
		out[inv.ClientId] = models.Client{ID: inv.ClientId, Name: fmt.Sprintf("Client %d", inv.ClientId), Email: fmt.Sprintf("client%d@example.com", inv.ClientId)}
	}
	return out
}

type harness struct {
	ledger    *memLedger
	invoices  *fakeInvoices
	clients   fakeClients
	transport *fakeTransport
	policy    *models.CollectionPolicy
	templates fakeTemplates
	pipeline  *Pipeline
	scheduler *Scheduler
}

func newHarness(invs ...models.Invoice) *harness {
	h := &harness{
		ledger:    newMemLedger(),
		invoices:  newFakeInvoices(invs...),
		clients:   clientsFor(invs...),
		transport: &fakeTransport{},
		policy:    testPolicy(),
		templates: allTemplates(),
	}
	h.pipeline = &Pipeline{
		Ledger:    h.ledger,
		Invoices:  h.invoices,
		Clients:   h.clients,
		Transport: h.transport,
		Retry:     DefaultRetryPolicy(),
		ClaimTTL:  10 * time.Minute,
		WorkerId:  "worker-1",
	}
	h.scheduler = &Scheduler{
		Templates: h.templates,
		Invoices:  h.invoices,
		Clients:   h.clients,
		Ledger:    h.ledger,
		Pipeline:  h.pipeline,
		Workers:   4,
	}
	h.scheduler.Policies = policyRef{h}
	return h
}

// policyRef reads the harness policy at call time so tests can change it between cycles.
type policyRef struct{ h *harness }

func (p policyRef) LoadPolicy(ctx context.Context) (*models.CollectionPolicy, error) {
	cp := *p.h.policy
	return &cp, nil
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"bitbucket.org/mmdatafocus/collections_backend/transport"
	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// CycleReport counts what one RunDailyCycle did.
type CycleReport struct {
	CycleId       string    `json:"cycle_id"`
	Now           time.Time `json:"now"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	LockSkipped   bool      `json:"lock_skipped"`
	SystemEnabled bool      `json:"system_enabled"`
	WindowOpen    bool      `json:"window_open"`

	InvoicesScanned int `json:"invoices_scanned"`
	Planned         int `json:"planned"`
	Queued          int `json:"queued"`
	Duplicates      int `json:"duplicates"`
	DiscoveryErrors int `json:"discovery_errors"`

	Reconciled      int `json:"reconciled"`
	Cancelled       int `json:"cancelled"`
	ReconcileErrors int `json:"reconcile_errors"`

	Dispatchable   int `json:"dispatchable"`
	Sent           int `json:"sent"`
	Failed         int `json:"failed"`
	RenderFailed   int `json:"render_failed"`
	ClaimSkipped   int `json:"claim_skipped"`
	DispatchErrors int `json:"dispatch_errors"`

	AlertsRaised    int `json:"alerts_raised"`
	AlertsPublished int `json:"alerts_published"`
	AlertErrors     int `json:"alert_errors"`

	mu sync.Mutex
}

func (r *CycleReport) add(f func(r *CycleReport)) {
	r.mu.Lock()
	f(r)
	r.mu.Unlock()
}

func (r *CycleReport) fields() logrus.Fields {
	return logrus.Fields{
		"field":            "Scheduler",
		"cycle_id":         r.CycleId,
		"lock_skipped":     r.LockSkipped,
		"system_enabled":   r.SystemEnabled,
		"window_open":      r.WindowOpen,
		"invoices_scanned": r.InvoicesScanned,
		"planned":          r.Planned,
		"queued":           r.Queued,
		"duplicates":       r.Duplicates,
		"discovery_errors": r.DiscoveryErrors,
		"reconciled":       r.Reconciled,
		"cancelled":        r.Cancelled,
		"reconcile_errors": r.ReconcileErrors,
		"dispatchable":     r.Dispatchable,
		"sent":             r.Sent,
		"failed":           r.Failed,
		"render_failed":    r.RenderFailed,
		"claim_skipped":    r.ClaimSkipped,
		"dispatch_errors":  r.DispatchErrors,
		"alerts_raised":    r.AlertsRaised,
		"alerts_published": r.AlertsPublished,
		"alert_errors":     r.AlertErrors,
	}
}

// Scheduler is the unattended driver of the collections engine.
type Scheduler struct {
	Policies  PolicySource
	Templates TemplateSource
	Invoices  InvoiceStore
	Clients   ClientDirectory
	Ledger    Ledger
	Pipeline  *Pipeline

	// Optional collaborators.
	Alerts         AlertLedger
	AlertPublisher AlertPublisher
	Locker         CycleLocker

	Workers   int
	IOTimeout time.Duration
	Logger    *logrus.Logger
	Tracer    trace.Tracer
}

func NewScheduler(policies PolicySource, templates TemplateSource, invoices InvoiceStore, clients ClientDirectory, ledger Ledger, pipeline *Pipeline, settings config.EngineSettings, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		Policies:  policies,
		Templates: templates,
		Invoices:  invoices,
		Clients:   clients,
		Ledger:    ledger,
		Pipeline:  pipeline,
		Workers:   settings.Workers,
		IOTimeout: settings.IOTimeout,
		Logger:    logger,
		Tracer:    otel.Tracer("collections-engine"),
	}
}

func (s *Scheduler) logger() *logrus.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

func (s *Scheduler) tracer() trace.Tracer {
	if s.Tracer != nil {
		return s.Tracer
	}
	return otel.Tracer("collections-engine")
}

func (s *Scheduler) maxAttempts() int {
	if s.Pipeline != nil && s.Pipeline.Retry.MaxAttempts > 0 {
		return s.Pipeline.Retry.MaxAttempts
	}
	return DefaultRetryPolicy().MaxAttempts
}

func (s *Scheduler) io(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.IOTimeout)
}

// RunDailyCycle runs discovery, reconciliation, the dispatch sweep and the alert flush.
// It is safe to call more than once for the same day and safe to skip days.
// The returned error is set only when a store the whole cycle depends on failed.
func (s *Scheduler) RunDailyCycle(ctx context.Context, now time.Time) (*CycleReport, error) {
	report := &CycleReport{
		CycleId:   uuid.NewString(),
		Now:       now,
		StartedAt: time.Now().UTC(),
	}
	ctx = utils.SetCycleIdInContext(ctx, report.CycleId)
	ctx, span := s.tracer().Start(ctx, "collections.RunDailyCycle", trace.WithAttributes(
		attribute.String("cycle_id", report.CycleId),
	))
	defer span.End()

	err := s.runCycle(ctx, now, report)
	report.FinishedAt = time.Now().UTC()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		config.LogError(s.logger(), "scheduler.go", "RunDailyCycle", "cycle aborted", report.CycleId, err)
		return report, err
	}
	s.logger().WithFields(report.fields()).Info("collections cycle finished")
	return report, nil
}

func (s *Scheduler) runCycle(ctx context.Context, now time.Time, report *CycleReport) error {
	if s.Locker != nil {
		release, ok, err := s.Locker.Acquire(ctx)
		if err != nil {
			s.logger().WithFields(logrus.Fields{
				"field":    "Scheduler",
				"cycle_id": report.CycleId,
			}).Warn("cycle lock unavailable; proceeding without lock: " + err.Error())
		}
		if !ok {
			report.LockSkipped = true
			s.logger().WithFields(logrus.Fields{
				"field":    "Scheduler",
				"cycle_id": report.CycleId,
			}).Info("another collections cycle holds the lock; skipping")
			return nil
		}
		defer release()
	}

	// One snapshot per cycle so every worker sees the same policy and templates.
	pctx, cancel := s.io(ctx)
	policy, err := s.Policies.LoadPolicy(pctx)
	cancel()
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	tctx, cancel := s.io(ctx)
	templates, err := s.Templates.ActiveTemplates(tctx)
	cancel()
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	report.SystemEnabled = policy.SystemEnabled
	if !policy.HasIncreasingDelays() {
		s.logger().WithFields(logrus.Fields{
			"field":    "Scheduler",
			"cycle_id": report.CycleId,
			"rules":    policy.Rules(),
		}).Warn("stage delays are not strictly increasing; evaluating ladder as configured")
	}

	if policy.SystemEnabled {
		s.discover(ctx, policy, now, report)
	}

	if err := s.reconcile(ctx, now, report); err != nil {
		return err
	}

	report.WindowOpen = policy.InSendWindow(now)
	if policy.SystemEnabled && report.WindowOpen {
		if err := s.dispatch(ctx, policy, templates, now, report); err != nil {
			return err
		}
	}

	s.flushAlerts(ctx, now, report)
	return nil
}

// discover is phase A: evaluate each open overdue invoice and insert new records.
func (s *Scheduler) discover(ctx context.Context, policy *models.CollectionPolicy, now time.Time, report *CycleReport) {
	ctx, span := s.tracer().Start(ctx, "collections.discover")
	defer span.End()

	lctx, cancel := s.io(ctx)
	invoices, err := s.Invoices.ListOpenOverdueInvoices(lctx, now)
	cancel()
	if err != nil {
		span.RecordError(err)
		report.add(func(r *CycleReport) { r.DiscoveryErrors++ })
		config.LogError(s.logger(), "scheduler.go", "discover", "ListOpenOverdueInvoices", nil, err)
		return
	}
	report.InvoicesScanned = len(invoices)

	runPool(ctx, s.Workers, len(invoices), func(i int) {
		inv := invoices[i]
		if err := s.discoverInvoice(ctx, inv, policy, now, report); err != nil {
			report.add(func(r *CycleReport) { r.DiscoveryErrors++ })
			config.LogError(s.logger(), "scheduler.go", "discoverInvoice", "invoice", inv.ID, err)
		}
	})
}

func (s *Scheduler) discoverInvoice(ctx context.Context, inv models.Invoice, policy *models.CollectionPolicy, now time.Time, report *CycleReport) error {
	if !inv.IsPayable() {
		return nil
	}
	var (
		client    models.Client
		clientErr error
		looked    bool
	)
	resolveClient := func() (models.Client, error) {
		if !looked {
			client, clientErr = s.lookupClient(ctx, inv.ClientId)
			looked = true
		}
		return client, clientErr
	}

	if s.isCritical(inv, policy) {
		c, _ := resolveClient()
		s.raiseCriticalAlert(ctx, inv, c, policy, now, report)
	}

	hctx, cancel := s.io(ctx)
	history, err := s.Ledger.ListForInvoice(hctx, inv.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("list history: %w", err)
	}

	decision := Evaluate(inv, history, policy, now)
	if decision == nil {
		return nil
	}

	client, err = resolveClient()
	if err != nil {
		return err
	}

	rec := &models.EscalationRecord{
		InvoiceId:         inv.ID,
		Stage:             decision.Stage,
		Status:            decision.InitialStatus(),
		ClientId:          inv.ClientId,
		ClientName:        client.Name,
		ClientEmail:       client.Email,
		InvoiceNumber:     inv.InvoiceNumber,
		InvoiceDate:       inv.IssueDate,
		DueDate:           inv.DueDate,
		AmountOutstanding: inv.AmountOutstanding,
		DaysOverdue:       decision.OverdueDays,
		CycleId:           utils.CycleIdFromContext(ctx),
	}
	ictx, cancel := s.io(ctx)
	err = s.Ledger.Insert(ictx, rec)
	cancel()
	if errors.Is(err, ErrDuplicateKey) {
		report.add(func(r *CycleReport) { r.Duplicates++ })
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert %s: %w", decision.Stage, err)
	}

	report.add(func(r *CycleReport) {
		if rec.Status == models.EscalationStatusQueued {
			r.Queued++
		} else {
			r.Planned++
		}
	})
	s.logger().WithFields(logrus.Fields{
		"field":        "Scheduler",
		"cycle_id":     rec.CycleId,
		"invoice_id":   inv.ID,
		"record_id":    rec.ID,
		"stage":        rec.Stage,
		"status":       rec.Status,
		"days_overdue": decision.OverdueDays,
	}).Info("escalation record created")
	return nil
}

// lookupClient returns the client snapshot. An unknown client yields an empty snapshot;
// the record is still created and the render step explains what is missing.
func (s *Scheduler) lookupClient(ctx context.Context, id int) (models.Client, error) {
	if s.Clients == nil {
		return models.Client{ID: id}, nil
	}
	cctx, cancel := s.io(ctx)
	defer cancel()
	c, err := s.Clients.GetClient(cctx, id)
	if errors.Is(err, models.ErrClientNotFound) {
		return models.Client{ID: id}, nil
	}
	if err != nil {
		return models.Client{}, fmt.Errorf("get client %d: %w", id, err)
	}
	return *c, nil
}

func (s *Scheduler) isCritical(inv models.Invoice, policy *models.CollectionPolicy) bool {
	if s.Alerts == nil || !policy.CriticalAmountThreshold.IsPositive() {
		return false
	}
	return !inv.AmountOutstanding.LessThan(policy.CriticalAmountThreshold)
}

func (s *Scheduler) raiseCriticalAlert(ctx context.Context, inv models.Invoice, client models.Client, policy *models.CollectionPolicy, now time.Time, report *CycleReport) {
	alert := &models.CollectionCriticalAlert{
		InvoiceId:         inv.ID,
		InvoiceNumber:     inv.InvoiceNumber,
		ClientId:          inv.ClientId,
		ClientName:        client.Name,
		AmountOutstanding: inv.AmountOutstanding,
		Threshold:         policy.CriticalAmountThreshold,
		DaysOverdue:       OverdueDays(inv.DueDate, now, policy.Location()),
	}
	actx, cancel := s.io(ctx)
	created, err := s.Alerts.RecordCriticalAlert(actx, alert)
	cancel()
	if err != nil {
		report.add(func(r *CycleReport) { r.AlertErrors++ })
		config.LogError(s.logger(), "scheduler.go", "raiseCriticalAlert", "RecordCriticalAlert", inv.ID, err)
		return
	}
	if created {
		report.add(func(r *CycleReport) { r.AlertsRaised++ })
	}
}

// reconcile cancels every record that may still be sent whose invoice is no longer payable.
// It runs on every invocation, inside or outside the send window.
func (s *Scheduler) reconcile(ctx context.Context, now time.Time, report *CycleReport) error {
	ctx, span := s.tracer().Start(ctx, "collections.reconcile")
	defer span.End()

	lctx, cancel := s.io(ctx)
	records, err := s.Ledger.ListReconcilable(lctx, s.maxAttempts())
	cancel()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list reconcilable records: %w", err)
	}

	byInvoice := map[int][]models.EscalationRecord{}
	var invoiceIds []int
	for _, rec := range records {
		if _, ok := byInvoice[rec.InvoiceId]; !ok {
			invoiceIds = append(invoiceIds, rec.InvoiceId)
		}
		byInvoice[rec.InvoiceId] = append(byInvoice[rec.InvoiceId], rec)
	}
	report.Reconciled = len(records)

	runPool(ctx, s.Workers, len(invoiceIds), func(i int) {
		invoiceId := invoiceIds[i]
		gctx, cancel := s.io(ctx)
		inv, err := s.Invoices.GetInvoice(gctx, invoiceId)
		cancel()

		reason := ""
		switch {
		case errors.Is(err, models.ErrInvoiceNotFound):
			reason = "invoice no longer exists"
		case err != nil:
			report.add(func(r *CycleReport) { r.ReconcileErrors++ })
			config.LogError(s.logger(), "scheduler.go", "reconcile", "GetInvoice", invoiceId, err)
			return
		case !inv.IsPayable():
			reason = ErrStaleInvoice.Error()
		default:
			return
		}

		for _, rec := range byInvoice[invoiceId] {
			cctx, cancel := s.io(ctx)
			_, err := s.Ledger.Cancel(cctx, rec.ID, reason, now)
			cancel()
			if errors.Is(err, ErrInvalidTransition) {
				// Sent or cancelled since it was listed.
				continue
			}
			if err != nil {
				report.add(func(r *CycleReport) { r.ReconcileErrors++ })
				config.LogError(s.logger(), "scheduler.go", "reconcile", "Cancel", rec.ID, err)
				continue
			}
			report.add(func(r *CycleReport) { r.Cancelled++ })
			s.logger().WithFields(logrus.Fields{
				"field":      "Scheduler",
				"cycle_id":   utils.CycleIdFromContext(ctx),
				"invoice_id": rec.InvoiceId,
				"record_id":  rec.ID,
				"stage":      rec.Stage,
			}).Info("escalation cancelled: " + reason)
		}
	})
	return nil
}

// dispatch is phase B: send queued records and failed records that are due again.
func (s *Scheduler) dispatch(ctx context.Context, policy *models.CollectionPolicy, templates map[models.Stage]models.EscalationTemplate, now time.Time, report *CycleReport) error {
	ctx, span := s.tracer().Start(ctx, "collections.dispatch")
	defer span.End()

	if s.Pipeline == nil {
		return errors.New("dispatch: pipeline not configured")
	}
	lctx, cancel := s.io(ctx)
	records, err := s.Ledger.ListDispatchable(lctx, now, s.maxAttempts())
	cancel()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("list dispatchable records: %w", err)
	}
	report.Dispatchable = len(records)

	runPool(ctx, s.Workers, len(records), func(i int) {
		rec := records[i]
		var tpl *models.EscalationTemplate
		if t, ok := templates[rec.Stage]; ok {
			tpl = &t
		}

		sctx, sspan := s.tracer().Start(ctx, "collections.send", trace.WithAttributes(
			attribute.Int("record_id", rec.ID),
			attribute.Int("invoice_id", rec.InvoiceId),
			attribute.String("stage", string(rec.Stage)),
		))
		outcome, err := s.Pipeline.Process(sctx, rec, tpl, policy, now)
		sspan.SetAttributes(attribute.String("outcome", string(outcome)))
		if err != nil {
			sspan.RecordError(err)
		}
		sspan.End()

		report.add(func(r *CycleReport) {
			switch outcome {
			case OutcomeSent:
				r.Sent++
			case OutcomeFailed:
				r.Failed++
			case OutcomeCancelled:
				r.Cancelled++
			case OutcomeRenderFailed:
				r.RenderFailed++
			case OutcomeSkipped:
				r.ClaimSkipped++
			default:
				r.DispatchErrors++
			}
		})
		if err != nil {
			config.LogError(s.logger(), "scheduler.go", "dispatch", "Process", rec.ID, err)
		}
	})
	return nil
}

// flushAlerts publishes critical alerts that were recorded but not yet published.
func (s *Scheduler) flushAlerts(ctx context.Context, now time.Time, report *CycleReport) {
	if s.Alerts == nil || s.AlertPublisher == nil {
		return
	}
	lctx, cancel := s.io(ctx)
	alerts, err := s.Alerts.ListUnpublishedAlerts(lctx, 100)
	cancel()
	if err != nil {
		report.add(func(r *CycleReport) { r.AlertErrors++ })
		config.LogError(s.logger(), "scheduler.go", "flushAlerts", "ListUnpublishedAlerts", nil, err)
		return
	}
	for _, a := range alerts {
		pctx, cancel := s.io(ctx)
		err := s.AlertPublisher.PublishAlert(pctx, transport.Alert{
			AlertId:           a.ID,
			InvoiceId:         a.InvoiceId,
			InvoiceNumber:     a.InvoiceNumber,
			ClientId:          a.ClientId,
			ClientName:        a.ClientName,
			AmountOutstanding: a.AmountOutstanding.StringFixed(2),
			Threshold:         a.Threshold.StringFixed(2),
			DaysOverdue:       a.DaysOverdue,
			RaisedAt:          a.CreatedAt,
		})
		cancel()
		mctx, cancel := s.io(ctx)
		if err != nil {
			report.add(func(r *CycleReport) { r.AlertErrors++ })
			config.LogError(s.logger(), "scheduler.go", "flushAlerts", "PublishAlert", a.InvoiceId, err)
			if mErr := s.Alerts.MarkAlertFailed(mctx, a.ID, err); mErr != nil {
				config.LogError(s.logger(), "scheduler.go", "flushAlerts", "MarkAlertFailed", a.ID, mErr)
			}
		} else if mErr := s.Alerts.MarkAlertPublished(mctx, a.ID, now); mErr != nil {
			report.add(func(r *CycleReport) { r.AlertErrors++ })
			config.LogError(s.logger(), "scheduler.go", "flushAlerts", "MarkAlertPublished", a.ID, mErr)
		} else {
			report.add(func(r *CycleReport) { r.AlertsPublished++ })
		}
		cancel()
	}
}

// runPool calls fn for 0..n-1 on at most workers goroutines. Work not yet started is
// dropped once ctx is done.
func runPool(ctx context.Context, workers, n int, fn func(i int)) {
	if n == 0 {
		return
	}
	if workers <= 0 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

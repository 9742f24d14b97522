package workflow

import (
	"context"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"bitbucket.org/mmdatafocus/collections_backend/transport"
	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Engine holds the wired stores and the scheduler for one process.
type Engine struct {
	Settings  config.EngineSettings
	Policies  *models.PolicyStore
	Templates *models.TemplateStore
	Ledger    *models.EscalationLedger
	Alerts    *models.AlertStore
	Scheduler *Scheduler
}

// BuildEngine wires the gorm stores, the configured transport, the optional GCS
// attachment store and the redis cycle lock.
func BuildEngine(ctx context.Context, db *gorm.DB, settings config.EngineSettings, logger *logrus.Logger) (*Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("build engine: db is nil")
	}
	if settings.BusinessId == "" {
		return nil, fmt.Errorf("build engine: COLLECTIONS_BUSINESS_ID is required")
	}

	policies := models.NewPolicyStore(db, settings.PolicyCacheTTL)
	templates := models.NewTemplateStore(db)
	ledger := models.NewEscalationLedger(db)
	alerts := models.NewAlertStore(db)
	invoices := models.NewBooksInvoiceStore(db, settings.BusinessId)
	clients := models.NewBooksClientDirectory(db, settings.BusinessId)

	var (
		tr        Transport
		publisher AlertPublisher
	)
	switch settings.Transport {
	case config.TransportPubSub:
		tr = transport.NewPubSubTransport(settings.MailTopic, settings.TransportTimeout, logger)
		publisher = transport.NewPubSubAlertPublisher(settings.AlertTopic, settings.TransportTimeout)
	case config.TransportLog:
		tr = transport.NewLogTransport(logger)
		publisher = &transport.LogAlertPublisher{Logger: logger}
	default:
		return nil, fmt.Errorf("build engine: unknown transport %q", settings.Transport)
	}

	var attachments AttachmentStore
	if strings.TrimSpace(os.Getenv("GCS_BUCKET")) != "" && utils.GetStorageProvider() == utils.StorageProviderGCS {
		client, err := utils.GetGCSClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("build engine: gcs client: %w", err)
		}
		attachments = utils.NewInvoicePDFStore(client, settings.BusinessId)
	} else {
		logger.WithFields(logrus.Fields{
			"field": "BuildEngine",
		}).Warn("GCS_BUCKET not set; templates that include the invoice pdf will not render")
	}

	pipeline := NewPipeline(ledger, invoices, clients, tr, attachments, settings, logger)
	scheduler := NewScheduler(policies, templates, invoices, clients, ledger, pipeline, settings, logger)
	scheduler.Alerts = alerts
	scheduler.AlertPublisher = publisher
	scheduler.Locker = NewRedisCycleLocker(config.GetRedisLock(), settings.CycleLockTTL, logger)

	return &Engine{
		Settings:  settings,
		Policies:  policies,
		Templates: templates,
		Ledger:    ledger,
		Alerts:    alerts,
		Scheduler: scheduler,
	}, nil
}

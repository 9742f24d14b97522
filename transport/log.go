package transport

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// LogTransport writes messages to the log instead of sending them. Used where no
// Pub/Sub project is configured (local runs, staging without mail).
type LogTransport struct {
	Logger *logrus.Logger
}

func NewLogTransport(logger *logrus.Logger) *LogTransport {
	return &LogTransport{Logger: logger}
}

func (t *LogTransport) Deliver(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("message has no recipient")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.Logger != nil {
		t.Logger.WithFields(logrus.Fields{
			"field":       "LogTransport",
			"record_id":   msg.RecordId,
			"invoice_id":  msg.InvoiceId,
			"stage":       msg.Stage,
			"to":          msg.To,
			"cc":          msg.Cc,
			"bcc":         msg.Bcc,
			"subject":     msg.Subject,
			"attachments": msg.Attachments,
		}).Info("collections message (log transport)")
	}
	return nil
}

// LogAlertPublisher logs alerts when no alert topic is available.
type LogAlertPublisher struct {
	Logger *logrus.Logger
}

func (p *LogAlertPublisher) PublishAlert(ctx context.Context, alert Alert) error {
	if p.Logger != nil {
		p.Logger.WithFields(logrus.Fields{
			"field":              "LogAlertPublisher",
			"invoice_id":         alert.InvoiceId,
			"invoice_number":     alert.InvoiceNumber,
			"amount_outstanding": alert.AmountOutstanding,
			"threshold":          alert.Threshold,
		}).Warn("critical collections amount")
	}
	return nil
}

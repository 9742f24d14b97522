package transport

import (
	"context"
	"errors"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"github.com/sirupsen/logrus"
)

// PublishFunc matches config.PublishJSON.
type PublishFunc func(ctx context.Context, topicName string, obj interface{}, attrs map[string]string) (string, error)

// PubSubTransport hands messages to the mail service through a Pub/Sub topic.
// Deliver returns only after the publish is acknowledged.
type PubSubTransport struct {
	Topic   string
	Timeout time.Duration
	Logger  *logrus.Logger
	Publish PublishFunc
}

func NewPubSubTransport(topic string, timeout time.Duration, logger *logrus.Logger) *PubSubTransport {
	return &PubSubTransport{
		Topic:   topic,
		Timeout: timeout,
		Logger:  logger,
		Publish: config.PublishJSON,
	}
}

func (t *PubSubTransport) Deliver(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("message has no recipient")
	}
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	attrs := map[string]string{
		"kind":            "collections_escalation",
		"record_id":       strconv.Itoa(msg.RecordId),
		"invoice_id":      strconv.Itoa(msg.InvoiceId),
		"stage":           msg.Stage,
		"priority":        msg.Priority,
		"idempotency_key": msg.IdempotencyKey(),
	}
	id, err := t.Publish(ctx, t.Topic, msg, attrs)
	if err != nil {
		return err
	}
	if t.Logger != nil {
		t.Logger.WithFields(logrus.Fields{
			"field":         "PubSubTransport",
			"record_id":     msg.RecordId,
			"invoice_id":    msg.InvoiceId,
			"stage":         msg.Stage,
			"attempt":       msg.Attempt,
			"pubsub_msg_id": id,
		}).Info("collections message published")
	}
	return nil
}

// Alert is the payload of a critical-amount alert.
type Alert struct {
	AlertId           int       `json:"alert_id"`
	InvoiceId         int       `json:"invoice_id"`
	InvoiceNumber     string    `json:"invoice_number"`
	ClientId          int       `json:"client_id"`
	ClientName        string    `json:"client_name"`
	AmountOutstanding string    `json:"amount_outstanding"`
	Threshold         string    `json:"threshold"`
	DaysOverdue       int       `json:"days_overdue"`
	RaisedAt          time.Time `json:"raised_at"`
}

// PubSubAlertPublisher sends critical alerts to the internal alert topic.
type PubSubAlertPublisher struct {
	Topic   string
	Timeout time.Duration
	Publish PublishFunc
}

func NewPubSubAlertPublisher(topic string, timeout time.Duration) *PubSubAlertPublisher {
	return &PubSubAlertPublisher{Topic: topic, Timeout: timeout, Publish: config.PublishJSON}
}

func (p *PubSubAlertPublisher) PublishAlert(ctx context.Context, alert Alert) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	_, err := p.Publish(ctx, p.Topic, alert, map[string]string{
		"kind":       "collections_critical_alert",
		"invoice_id": strconv.Itoa(alert.InvoiceId),
	})
	return err
}

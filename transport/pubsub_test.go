package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishCall struct {
	topic string
	obj   interface{}
	attrs map[string]string
	ctx   context.Context
}

func recordingPublish(calls *[]publishCall, err error) PublishFunc {
	return func(ctx context.Context, topicName string, obj interface{}, attrs map[string]string) (string, error) {
		*calls = append(*calls, publishCall{topic: topicName, obj: obj, attrs: attrs, ctx: ctx})
		if err != nil {
			return "", err
		}
		return "msg-1", nil
	}
}

func sampleMessage() Message {
	return Message{
		RecordId:  12,
		Attempt:   2,
		InvoiceId: 42,
		Stage:     "relance_ferme",
		Priority:  "high",
		From:      "ar@example.com",
		To:        "billing@acme.test",
		Subject:   "Invoice INV-0042",
		TextBody:  "Please pay.",
	}
}

func TestPubSubTransportDeliver(t *testing.T) {
	logger, hook := test.NewNullLogger()
	var calls []publishCall
	tr := &PubSubTransport{Topic: "collections-mail", Timeout: time.Second, Logger: logger, Publish: recordingPublish(&calls, nil)}

	require.NoError(t, tr.Deliver(context.Background(), sampleMessage()))
	require.Len(t, calls, 1)

	c := calls[0]
	assert.Equal(t, "collections-mail", c.topic)
	assert.Equal(t, "escalation:12:2", c.attrs["idempotency_key"])
	assert.Equal(t, "12", c.attrs["record_id"])
	assert.Equal(t, "42", c.attrs["invoice_id"])
	assert.Equal(t, "relance_ferme", c.attrs["stage"])
	assert.Equal(t, "high", c.attrs["priority"])
	_, hasDeadline := c.ctx.Deadline()
	assert.True(t, hasDeadline)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, "msg-1", hook.LastEntry().Data["pubsub_msg_id"])
}

func TestPubSubTransportDeliver_Errors(t *testing.T) {
	var calls []publishCall
	tr := &PubSubTransport{Topic: "collections-mail", Publish: recordingPublish(&calls, errors.New("unavailable"))}

	msg := sampleMessage()
	msg.To = ""
	require.Error(t, tr.Deliver(context.Background(), msg))
	assert.Empty(t, calls)

	err := tr.Deliver(context.Background(), sampleMessage())
	require.EqualError(t, err, "unavailable")
	assert.Len(t, calls, 1)
}

func TestPubSubAlertPublisher(t *testing.T) {
	var calls []publishCall
	p := &PubSubAlertPublisher{Topic: "collections-alerts", Publish: recordingPublish(&calls, nil)}

	require.NoError(t, p.PublishAlert(context.Background(), Alert{InvoiceId: 42, AmountOutstanding: "12000.00"}))
	require.Len(t, calls, 1)
	assert.Equal(t, "collections_critical_alert", calls[0].attrs["kind"])
	assert.Equal(t, "42", calls[0].attrs["invoice_id"])
	alert, ok := calls[0].obj.(Alert)
	require.True(t, ok)
	assert.Equal(t, "12000.00", alert.AmountOutstanding)
}

func TestLogTransport(t *testing.T) {
	logger, hook := test.NewNullLogger()
	tr := NewLogTransport(logger)

	require.NoError(t, tr.Deliver(context.Background(), sampleMessage()))
	assert.Equal(t, "billing@acme.test", hook.LastEntry().Data["to"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tr.Deliver(ctx, sampleMessage()), context.Canceled)
}

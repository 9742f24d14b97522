package transport

import (
	"fmt"
	"time"
)

// Message is one outbound collections email, fully rendered.
type Message struct {
	RecordId  int    `json:"record_id"`
	Attempt   int    `json:"attempt"`
	InvoiceId int    `json:"invoice_id"`
	Stage     string `json:"stage"`
	Priority  string `json:"priority"`

	From        string   `json:"from"`
	To          string   `json:"to"`
	Cc          []string `json:"cc,omitempty"`
	Bcc         []string `json:"bcc,omitempty"`
	Subject     string   `json:"subject"`
	HtmlBody    string   `json:"html_body"`
	TextBody    string   `json:"text_body"`
	Attachments []string `json:"attachments,omitempty"`

	CycleId  string    `json:"cycle_id,omitempty"`
	QueuedAt time.Time `json:"queued_at"`
}

// IdempotencyKey lets the mail service drop a redelivered attempt.
func (m Message) IdempotencyKey() string {
	return fmt.Sprintf("escalation:%d:%d", m.RecordId, m.Attempt)
}

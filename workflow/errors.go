package workflow

import (
	"errors"
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/collections_backend/models"
)

// Ledger errors live in models; they are re-exported so callers of the engine only
// need this package.
var (
	ErrDuplicateKey      = models.ErrDuplicateKey
	ErrRecordNotFound    = models.ErrRecordNotFound
	ErrInvalidTransition = models.ErrInvalidTransition
)

// ErrStaleInvoice means the invoice was paid or closed after the record was planned.
// The record is cancelled; it is not reported as a failure.
var ErrStaleInvoice = errors.New("invoice no longer payable")

// PolicyError makes the cycle skip an invoice (or everything, for a disabled system).
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return "collections policy: " + e.Reason
}

// TemplateRenderError is fatal for one record. Nothing is sent.
type TemplateRenderError struct {
	Stage   models.Stage
	Missing []string
	Reason  string
}

func (e *TemplateRenderError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("render %s: missing values for %s", e.Stage, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("render %s: %s", e.Stage, e.Reason)
}

// TransportError wraps a delivery failure. The record becomes failed and may be retried.
type TransportError struct {
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("deliver attempt %d: %v", e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTemplateRenderError(err error) bool {
	var re *TemplateRenderError
	return errors.As(err, &re)
}

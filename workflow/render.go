package workflow

import (
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/shopspring/decimal"
)

const mergeDateLayout = "2006-01-02"

// MergeContext is the fixed set of values a template can reference.
type MergeContext struct {
	ClientName        string
	ClientEmail       string
	InvoiceNumber     string
	InvoiceDate       time.Time
	DueDate           time.Time
	AmountOutstanding decimal.Decimal
	DaysOverdue       int
	Stage             models.Stage
	SenderEmail       string
	ContactPhone      string
}

// Values formats every field. A field without a value maps to "".
func (m MergeContext) Values() map[string]string {
	return map[string]string{
		models.MergeFieldClientName:        strings.TrimSpace(m.ClientName),
		models.MergeFieldClientEmail:       strings.TrimSpace(m.ClientEmail),
		models.MergeFieldInvoiceNumber:     strings.TrimSpace(m.InvoiceNumber),
		models.MergeFieldInvoiceDate:       formatMergeDate(m.InvoiceDate),
		models.MergeFieldDueDate:           formatMergeDate(m.DueDate),
		models.MergeFieldAmountOutstanding: m.AmountOutstanding.StringFixed(2),
		models.MergeFieldDaysOverdue:       strconv.Itoa(m.DaysOverdue),
		models.MergeFieldStage:             m.Stage.Label(),
		models.MergeFieldSenderEmail:       strings.TrimSpace(m.SenderEmail),
		models.MergeFieldContactPhone:      strings.TrimSpace(m.ContactPhone),
	}
}

func formatMergeDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(mergeDateLayout)
}

// RenderedMessage is a template with every placeholder resolved.
type RenderedMessage struct {
	Subject         string
	HtmlBody        string
	TextBody        string
	TemplateId      int
	TemplateVersion int
}

func (r RenderedMessage) Snapshot() models.RenderSnapshot {
	return models.RenderSnapshot{
		Subject:         r.Subject,
		HtmlBody:        r.HtmlBody,
		TextBody:        r.TextBody,
		TemplateId:      r.TemplateId,
		TemplateVersion: r.TemplateVersion,
	}
}

// Render resolves every {{name}} in the template. A name outside the merge context or
// a field without a value fails the whole render; nothing is partially filled.
// Values are HTML-escaped in the html body only.
func Render(tpl models.EscalationTemplate, mc MergeContext) (RenderedMessage, error) {
	for _, text := range []string{tpl.Subject, tpl.HtmlBody, tpl.TextBody} {
		if models.HasStrayDelimiters(text) {
			return RenderedMessage{}, &TemplateRenderError{Stage: tpl.Stage, Reason: "unterminated placeholder"}
		}
	}

	values := mc.Values()
	missing := map[string]bool{}

	resolve := func(text string, escape bool) string {
		return models.PlaceholderPattern().ReplaceAllStringFunc(text, func(match string) string {
			name := models.PlaceholderName(match)
			v, ok := values[name]
			if !ok || v == "" {
				missing[name] = true
				return match
			}
			if escape {
				return html.EscapeString(v)
			}
			return v
		})
	}

	out := RenderedMessage{
		Subject:         strings.TrimSpace(resolve(tpl.Subject, false)),
		HtmlBody:        resolve(tpl.HtmlBody, true),
		TextBody:        resolve(tpl.TextBody, false),
		TemplateId:      tpl.ID,
		TemplateVersion: tpl.Version,
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return RenderedMessage{}, &TemplateRenderError{Stage: tpl.Stage, Missing: names}
	}
	if out.Subject == "" {
		return RenderedMessage{}, &TemplateRenderError{Stage: tpl.Stage, Reason: "empty subject"}
	}
	if strings.TrimSpace(out.HtmlBody) == "" && strings.TrimSpace(out.TextBody) == "" {
		return RenderedMessage{}, &TemplateRenderError{Stage: tpl.Stage, Reason: "empty body"}
	}
	return out, nil
}

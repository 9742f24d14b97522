package models

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EscalationTemplate is one version of the message template of a stage.
// Exactly one version per stage is active; older versions are kept for audit.
type EscalationTemplate struct {
	ID                int              `gorm:"primary_key" json:"id"`
	Stage             Stage            `gorm:"size:32;not null;index:idx_et_stage_version,unique,priority:1" json:"stage"`
	Version           int              `gorm:"not null;index:idx_et_stage_version,unique,priority:2" json:"version"`
	Active            bool             `gorm:"not null;index" json:"active"`
	Subject           string           `gorm:"size:255;not null" json:"subject"`
	HtmlBody          string           `gorm:"type:longtext" json:"html_body"`
	TextBody          string           `gorm:"type:longtext" json:"text_body"`
	IncludeInvoicePdf bool             `gorm:"not null" json:"include_invoice_pdf"`
	IncludeSenderCopy bool             `gorm:"not null" json:"include_sender_copy"`
	Priority          TemplatePriority `gorm:"size:10;not null" json:"priority"`
	CreatedBy         string           `gorm:"size:100" json:"created_by"`
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

type NewEscalationTemplate struct {
	Stage             Stage            `json:"stage" binding:"required"`
	Subject           string           `json:"subject" binding:"required,max=255"`
	HtmlBody          string           `json:"html_body"`
	TextBody          string           `json:"text_body"`
	IncludeInvoicePdf bool             `json:"include_invoice_pdf"`
	IncludeSenderCopy bool             `json:"include_sender_copy"`
	Priority          TemplatePriority `json:"priority"`
}

// Merge field names usable as {{name}} in subjects and bodies.
const (
	MergeFieldClientName        = "client_name"
	MergeFieldClientEmail       = "client_email"
	MergeFieldInvoiceNumber     = "invoice_number"
	MergeFieldInvoiceDate       = "invoice_date"
	MergeFieldDueDate           = "due_date"
	MergeFieldAmountOutstanding = "amount_outstanding"
	MergeFieldDaysOverdue       = "days_overdue"
	MergeFieldStage             = "stage"
	MergeFieldSenderEmail       = "sender_email"
	MergeFieldContactPhone      = "contact_phone"
)

// MergeFields is the closed set of placeholder names.
var MergeFields = []string{
	MergeFieldClientName,
	MergeFieldClientEmail,
	MergeFieldInvoiceNumber,
	MergeFieldInvoiceDate,
	MergeFieldDueDate,
	MergeFieldAmountOutstanding,
	MergeFieldDaysOverdue,
	MergeFieldStage,
	MergeFieldSenderEmail,
	MergeFieldContactPhone,
}

// placeholderPattern matches every {{...}} token, well-formed or not, so a typo is
// reported as an unknown name instead of passing through as literal text.
var placeholderPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// PlaceholderPattern exposes the {{name}} matcher to the renderer.
func PlaceholderPattern() *regexp.Regexp {
	return placeholderPattern
}

// PlaceholderName is the trimmed name inside a matched token.
func PlaceholderName(match string) string {
	sub := placeholderPattern.FindStringSubmatch(match)
	if len(sub) < 2 {
		return ""
	}
	return strings.TrimSpace(sub[1])
}

// HasStrayDelimiters reports a "{{" or "}}" that is not part of a complete token.
func HasStrayDelimiters(text string) bool {
	rest := placeholderPattern.ReplaceAllString(text, "")
	return strings.Contains(rest, "{{") || strings.Contains(rest, "}}")
}

func IsMergeField(name string) bool {
	for _, f := range MergeFields {
		if f == name {
			return true
		}
	}
	return false
}

// ExtractPlaceholders returns the distinct placeholder names used in texts, sorted.
func ExtractPlaceholders(texts ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range texts {
		for _, m := range placeholderPattern.FindAllStringSubmatch(t, -1) {
			name := strings.TrimSpace(m[1])
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Validate rejects templates that could never render.
func (t EscalationTemplate) Validate() error {
	var problems []string
	if !t.Stage.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown stage %q", t.Stage))
	}
	if strings.TrimSpace(t.Subject) == "" {
		problems = append(problems, "subject is required")
	}
	if strings.TrimSpace(t.HtmlBody) == "" && strings.TrimSpace(t.TextBody) == "" {
		problems = append(problems, "html_body or text_body is required")
	}
	if !t.Priority.IsValid() {
		problems = append(problems, fmt.Sprintf("unknown priority %q", t.Priority))
	}
	for _, part := range []struct{ name, text string }{
		{"subject", t.Subject}, {"html_body", t.HtmlBody}, {"text_body", t.TextBody},
	} {
		if HasStrayDelimiters(part.text) {
			problems = append(problems, part.name+" has an unterminated placeholder")
		}
	}
	var unknown []string
	for _, name := range ExtractPlaceholders(t.Subject, t.HtmlBody, t.TextBody) {
		if !IsMergeField(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		problems = append(problems, "unknown placeholders: "+strings.Join(unknown, ", "))
	}
	if len(problems) > 0 {
		return &TemplateValidationError{Problems: problems}
	}
	return nil
}

// TemplateValidationError lists every problem found in a template.
type TemplateValidationError struct {
	Problems []string
}

func (e *TemplateValidationError) Error() string {
	return "invalid template: " + strings.Join(e.Problems, "; ")
}

func (input NewEscalationTemplate) ToTemplate() EscalationTemplate {
	priority := input.Priority
	if priority == "" {
		priority = TemplatePriorityNormal
	}
	return EscalationTemplate{
		Stage:             input.Stage,
		Subject:           strings.TrimSpace(input.Subject),
		HtmlBody:          input.HtmlBody,
		TextBody:          input.TextBody,
		IncludeInvoicePdf: input.IncludeInvoicePdf,
		IncludeSenderCopy: input.IncludeSenderCopy,
		Priority:          priority,
	}
}

// TemplateStore is the template registry.
type TemplateStore struct {
	DB *gorm.DB
}

func NewTemplateStore(db *gorm.DB) *TemplateStore {
	return &TemplateStore{DB: db}
}

// ActiveTemplates returns the active version of every stage that has one.
func (s *TemplateStore) ActiveTemplates(ctx context.Context) (map[Stage]EscalationTemplate, error) {
	var rows []EscalationTemplate
	if err := s.DB.WithContext(ctx).Where("active = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[Stage]EscalationTemplate, len(rows))
	for _, row := range rows {
		if prev, ok := out[row.Stage]; ok && prev.Version > row.Version {
			continue
		}
		out[row.Stage] = row
	}
	return out, nil
}

// ListVersions returns every version of a stage, newest first.
func (s *TemplateStore) ListVersions(ctx context.Context, stage Stage) ([]EscalationTemplate, error) {
	var rows []EscalationTemplate
	q := s.DB.WithContext(ctx).Order("stage ASC").Order("version DESC")
	if stage != "" {
		q = q.Where("stage = ?", stage)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *TemplateStore) GetTemplate(ctx context.Context, id int) (*EscalationTemplate, error) {
	var row EscalationTemplate
	if err := s.DB.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &row, nil
}

// PublishVersion stores t as the next version of its stage and makes it the active one.
func (s *TemplateStore) PublishVersion(ctx context.Context, t EscalationTemplate) (*EscalationTemplate, error) {
	if t.Priority == "" {
		t.Priority = TemplatePriorityNormal
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.ID = 0
	t.Active = true
	t.CreatedBy = utils.ActorFromContext(ctx)

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current []EscalationTemplate
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("stage = ?", t.Stage).
			Order("version DESC").
			Limit(1).
			Find(&current).Error; err != nil {
			return err
		}
		t.Version = 1
		if len(current) > 0 {
			t.Version = current[0].Version + 1
		}
		if err := tx.Model(&EscalationTemplate{}).
			Where("stage = ? AND active = ?", t.Stage, true).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Create(&t).Error
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

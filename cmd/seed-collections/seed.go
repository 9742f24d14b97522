package main

import (
	"fmt"
	"strings"

	"bitbucket.org/mmdatafocus/collections_backend/models"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Seed is the layout of the seed file.
type Seed struct {
	Policy    *SeedPolicy    `yaml:"policy"`
	Templates []SeedTemplate `yaml:"templates"`
}

type SeedPolicy struct {
	SystemEnabled           bool   `yaml:"system_enabled"`
	RappelAmiableDelayDays  int    `yaml:"rappel_amiable_delay_days"`
	RappelAmiableAutoSend   bool   `yaml:"rappel_amiable_auto_send"`
	RelanceFermeDelayDays   int    `yaml:"relance_ferme_delay_days"`
	RelanceFermeAutoSend    bool   `yaml:"relance_ferme_auto_send"`
	MiseEnDemeureDelayDays  int    `yaml:"mise_en_demeure_delay_days"`
	MiseEnDemeureAutoSend   bool   `yaml:"mise_en_demeure_auto_send"`
	ContentieuxDelayDays    int    `yaml:"contentieux_delay_days"`
	ContentieuxAutoSend     bool   `yaml:"contentieux_auto_send"`
	MinimumAmount           string `yaml:"minimum_amount"`
	CriticalAmountThreshold string `yaml:"critical_amount_threshold"`
	SendDaysOfWeek          []int  `yaml:"send_days_of_week"`
	SendTimeOfDay           string `yaml:"send_time_of_day"`
	Timezone                string `yaml:"timezone"`
	SenderEmail             string `yaml:"sender_email"`
	CcEmail                 string `yaml:"cc_email"`
	ContactPhone            string `yaml:"contact_phone"`

	minimum  decimal.Decimal
	critical decimal.Decimal
}

type SeedTemplate struct {
	Stage             models.Stage            `yaml:"stage"`
	Subject           string                  `yaml:"subject"`
	HtmlBody          string                  `yaml:"html_body"`
	TextBody          string                  `yaml:"text_body"`
	IncludeInvoicePdf bool                    `yaml:"include_invoice_pdf"`
	IncludeSenderCopy bool                    `yaml:"include_sender_copy"`
	Priority          models.TemplatePriority `yaml:"priority"`
}

// ParseSeed decodes and checks a seed file. Nothing is written on error.
func ParseSeed(raw []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, err
	}

	if p := seed.Policy; p != nil {
		var err error
		if p.minimum, err = parseAmount(p.MinimumAmount); err != nil {
			return nil, fmt.Errorf("policy.minimum_amount: %w", err)
		}
		if p.critical, err = parseAmount(p.CriticalAmountThreshold); err != nil {
			return nil, fmt.Errorf("policy.critical_amount_threshold: %w", err)
		}
		policy := p.ToPolicy()
		if err := policy.Validate(); err != nil {
			return nil, err
		}
	}

	seen := map[models.Stage]bool{}
	for i, t := range seed.Templates {
		if seen[t.Stage] {
			return nil, fmt.Errorf("templates[%d]: stage %q listed twice", i, t.Stage)
		}
		seen[t.Stage] = true
		if err := t.ToTemplate().Validate(); err != nil {
			return nil, fmt.Errorf("templates[%d]: %w", i, err)
		}
	}
	return &seed, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(raw))
}

func (p SeedPolicy) ToPolicy() models.CollectionPolicy {
	input := models.NewCollectionPolicy{
		SystemEnabled:           p.SystemEnabled,
		RappelAmiableDelayDays:  p.RappelAmiableDelayDays,
		RappelAmiableAutoSend:   p.RappelAmiableAutoSend,
		RelanceFermeDelayDays:   p.RelanceFermeDelayDays,
		RelanceFermeAutoSend:    p.RelanceFermeAutoSend,
		MiseEnDemeureDelayDays:  p.MiseEnDemeureDelayDays,
		MiseEnDemeureAutoSend:   p.MiseEnDemeureAutoSend,
		ContentieuxDelayDays:    p.ContentieuxDelayDays,
		ContentieuxAutoSend:     p.ContentieuxAutoSend,
		MinimumAmount:           p.minimum,
		CriticalAmountThreshold: p.critical,
		SendDaysOfWeek:          p.SendDaysOfWeek,
		SendTimeOfDay:           p.SendTimeOfDay,
		Timezone:                p.Timezone,
		SenderEmail:             p.SenderEmail,
		ContactPhone:            p.ContactPhone,
	}
	if p.CcEmail != "" {
		cc := p.CcEmail
		input.CcEmail = &cc
	}
	return input.ToPolicy()
}

func (t SeedTemplate) ToTemplate() models.EscalationTemplate {
	return models.NewEscalationTemplate{
		Stage:             t.Stage,
		Subject:           t.Subject,
		HtmlBody:          t.HtmlBody,
		TextBody:          t.TextBody,
		IncludeInvoicePdf: t.IncludeInvoicePdf,
		IncludeSenderCopy: t.IncludeSenderCopy,
		Priority:          t.Priority,
	}.ToTemplate()
}

package models

import (
	"fmt"
	"strings"
)

// Stage is one rung of the escalation ladder. The ladder order is fixed.
type Stage string

const (
	StageRappelAmiable Stage = "rappel_amiable"
	StageRelanceFerme  Stage = "relance_ferme"
	StageMiseEnDemeure Stage = "mise_en_demeure"
	StageContentieux   Stage = "contentieux"
)

// AllStages is the ladder in increasing order of formality.
var AllStages = []Stage{StageRappelAmiable, StageRelanceFerme, StageMiseEnDemeure, StageContentieux}

// Rank returns the ladder position (0-based), or -1 for an unknown stage.
func (s Stage) Rank() int {
	for i, st := range AllStages {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) IsValid() bool {
	return s.Rank() >= 0
}

func (s Stage) Label() string {
	switch s {
	case StageRappelAmiable:
		return "Amiable reminder"
	case StageRelanceFerme:
		return "Firm reminder"
	case StageMiseEnDemeure:
		return "Formal notice"
	case StageContentieux:
		return "Collections handoff"
	default:
		return string(s)
	}
}

func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown stage %q", raw)
	}
	return s, nil
}

type EscalationStatus string

const (
	EscalationStatusPlanned   EscalationStatus = "planned"
	EscalationStatusQueued    EscalationStatus = "queued"
	EscalationStatusSent      EscalationStatus = "sent"
	EscalationStatusFailed    EscalationStatus = "failed"
	EscalationStatusCancelled EscalationStatus = "cancelled"
)

func (s EscalationStatus) IsValid() bool {
	switch s {
	case EscalationStatusPlanned, EscalationStatusQueued, EscalationStatusSent, EscalationStatusFailed, EscalationStatusCancelled:
		return true
	default:
		return false
	}
}

// IsLive is true for every status that occupies the (invoice, stage) key.
func (s EscalationStatus) IsLive() bool {
	return s.IsValid() && s != EscalationStatusCancelled
}

func ParseEscalationStatus(raw string) (EscalationStatus, error) {
	s := EscalationStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

type TemplatePriority string

const (
	TemplatePriorityLow    TemplatePriority = "low"
	TemplatePriorityNormal TemplatePriority = "normal"
	TemplatePriorityHigh   TemplatePriority = "high"
)

func (p TemplatePriority) IsValid() bool {
	switch p {
	case TemplatePriorityLow, TemplatePriorityNormal, TemplatePriorityHigh:
		return true
	default:
		return false
	}
}

// InvoiceStatus is the engine's view of an invoice lifecycle.
type InvoiceStatus string

const (
	InvoiceStatusOpen   InvoiceStatus = "open"
	InvoiceStatusClosed InvoiceStatus = "closed"
	InvoiceStatusVoid   InvoiceStatus = "void"
)

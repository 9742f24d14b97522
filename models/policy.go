package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CollectionPolicyID is the primary key of the single policy row.
const CollectionPolicyID = 1

const policyCacheKey = "collections:policy"

// CollectionPolicy is the global escalation policy. There is exactly one row.
type CollectionPolicy struct {
	ID            int  `gorm:"primary_key" json:"id"`
	SystemEnabled bool `gorm:"not null" json:"system_enabled"`

	RappelAmiableDelayDays int  `gorm:"not null" json:"rappel_amiable_delay_days"`
	RappelAmiableAutoSend  bool `gorm:"not null" json:"rappel_amiable_auto_send"`
	RelanceFermeDelayDays  int  `gorm:"not null" json:"relance_ferme_delay_days"`
	RelanceFermeAutoSend   bool `gorm:"not null" json:"relance_ferme_auto_send"`
	MiseEnDemeureDelayDays int  `gorm:"not null" json:"mise_en_demeure_delay_days"`
	MiseEnDemeureAutoSend  bool `gorm:"not null" json:"mise_en_demeure_auto_send"`
	ContentieuxDelayDays   int  `gorm:"not null" json:"contentieux_delay_days"`
	ContentieuxAutoSend    bool `gorm:"not null" json:"contentieux_auto_send"`

	MinimumAmount           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"minimum_amount"`
	CriticalAmountThreshold decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"critical_amount_threshold"`

	// SendDaysOfWeek is a comma list of weekdays, 0 = Sunday.
	SendDaysOfWeek string `gorm:"size:20;not null" json:"send_days_of_week"`
	// SendTimeOfDay is "HH:MM" in Timezone.
	SendTimeOfDay string `gorm:"size:5;not null" json:"send_time_of_day"`
	Timezone      string `gorm:"size:64;not null;default:'UTC'" json:"timezone"`

	SenderEmail  string  `gorm:"size:255;not null" json:"sender_email"`
	CcEmail      *string `gorm:"size:255" json:"cc_email"`
	ContactPhone string  `gorm:"size:30" json:"contact_phone"`

	UpdatedBy string    `gorm:"size:100" json:"updated_by"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewCollectionPolicy is the admin write payload.
type NewCollectionPolicy struct {
	SystemEnabled           bool            `json:"system_enabled"`
	RappelAmiableDelayDays  int             `json:"rappel_amiable_delay_days" binding:"required,gt=0"`
	RappelAmiableAutoSend   bool            `json:"rappel_amiable_auto_send"`
	RelanceFermeDelayDays   int             `json:"relance_ferme_delay_days" binding:"required,gt=0"`
	RelanceFermeAutoSend    bool            `json:"relance_ferme_auto_send"`
	MiseEnDemeureDelayDays  int             `json:"mise_en_demeure_delay_days" binding:"required,gt=0"`
	MiseEnDemeureAutoSend   bool            `json:"mise_en_demeure_auto_send"`
	ContentieuxDelayDays    int             `json:"contentieux_delay_days" binding:"required,gt=0"`
	ContentieuxAutoSend     bool            `json:"contentieux_auto_send"`
	MinimumAmount           decimal.Decimal `json:"minimum_amount"`
	CriticalAmountThreshold decimal.Decimal `json:"critical_amount_threshold"`
	SendDaysOfWeek          []int           `json:"send_days_of_week" binding:"required,min=1,dive,min=0,max=6"`
	SendTimeOfDay           string          `json:"send_time_of_day" binding:"required"`
	Timezone                string          `json:"timezone"`
	SenderEmail             string          `json:"sender_email" binding:"required,email"`
	CcEmail                 *string         `json:"cc_email" binding:"omitempty,email"`
	ContactPhone            string          `json:"contact_phone"`
}

// StageRule is the per-stage part of the policy.
type StageRule struct {
	Stage     Stage `json:"stage"`
	DelayDays int   `json:"delay_days"`
	AutoSend  bool  `json:"auto_send"`
}

// PolicyValidationError lists every problem found in a policy.
type PolicyValidationError struct {
	Problems []string
}

func (e *PolicyValidationError) Error() string {
	return "invalid collection policy: " + strings.Join(e.Problems, "; ")
}

// DefaultCollectionPolicy is the recommended operator configuration.
// It ships disabled; an administrator turns it on.
func DefaultCollectionPolicy() CollectionPolicy {
	return CollectionPolicy{
		ID:                     CollectionPolicyID,
		SystemEnabled:          false,
		RappelAmiableDelayDays: 15,
		RappelAmiableAutoSend:  true,
		RelanceFermeDelayDays:  30,
		RelanceFermeAutoSend:   true,
		MiseEnDemeureDelayDays: 45,
		MiseEnDemeureAutoSend:  false,
		ContentieuxDelayDays:   60,
		ContentieuxAutoSend:    false,
		MinimumAmount:          decimal.NewFromInt(50),
		SendDaysOfWeek:         "1,2,3,4,5",
		SendTimeOfDay:          "09:00",
		Timezone:               "UTC",
	}
}

func (input NewCollectionPolicy) ToPolicy() CollectionPolicy {
	days := make([]string, 0, len(input.SendDaysOfWeek))
	sorted := append([]int(nil), input.SendDaysOfWeek...)
	sort.Ints(sorted)
	seen := map[int]bool{}
	for _, d := range sorted {
		if seen[d] {
			continue
		}
		seen[d] = true
		days = append(days, strconv.Itoa(d))
	}
	tz := strings.TrimSpace(input.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	var cc *string
	if input.CcEmail != nil && strings.TrimSpace(*input.CcEmail) != "" {
		v := strings.TrimSpace(*input.CcEmail)
		cc = &v
	}
	return CollectionPolicy{
		ID:                      CollectionPolicyID,
		SystemEnabled:           input.SystemEnabled,
		RappelAmiableDelayDays:  input.RappelAmiableDelayDays,
		RappelAmiableAutoSend:   input.RappelAmiableAutoSend,
		RelanceFermeDelayDays:   input.RelanceFermeDelayDays,
		RelanceFermeAutoSend:    input.RelanceFermeAutoSend,
		MiseEnDemeureDelayDays:  input.MiseEnDemeureDelayDays,
		MiseEnDemeureAutoSend:   input.MiseEnDemeureAutoSend,
		ContentieuxDelayDays:    input.ContentieuxDelayDays,
		ContentieuxAutoSend:     input.ContentieuxAutoSend,
		MinimumAmount:           input.MinimumAmount,
		CriticalAmountThreshold: input.CriticalAmountThreshold,
		SendDaysOfWeek:          strings.Join(days, ","),
		SendTimeOfDay:           strings.TrimSpace(input.SendTimeOfDay),
		Timezone:                tz,
		SenderEmail:             strings.TrimSpace(input.SenderEmail),
		CcEmail:                 cc,
		ContactPhone:            strings.TrimSpace(input.ContactPhone),
	}
}

// Rule returns the delay and auto-send flag of one stage.
func (p CollectionPolicy) Rule(stage Stage) StageRule {
	switch stage {
	case StageRappelAmiable:
		return StageRule{Stage: stage, DelayDays: p.RappelAmiableDelayDays, AutoSend: p.RappelAmiableAutoSend}
	case StageRelanceFerme:
		return StageRule{Stage: stage, DelayDays: p.RelanceFermeDelayDays, AutoSend: p.RelanceFermeAutoSend}
	case StageMiseEnDemeure:
		return StageRule{Stage: stage, DelayDays: p.MiseEnDemeureDelayDays, AutoSend: p.MiseEnDemeureAutoSend}
	case StageContentieux:
		return StageRule{Stage: stage, DelayDays: p.ContentieuxDelayDays, AutoSend: p.ContentieuxAutoSend}
	default:
		return StageRule{Stage: stage}
	}
}

// Rules returns the ladder rules in ladder order.
func (p CollectionPolicy) Rules() []StageRule {
	rules := make([]StageRule, 0, len(AllStages))
	for _, st := range AllStages {
		rules = append(rules, p.Rule(st))
	}
	return rules
}

// Weekdays parses SendDaysOfWeek.
func (p CollectionPolicy) Weekdays() ([]time.Weekday, error) {
	var out []time.Weekday
	for _, part := range strings.Split(p.SendDaysOfWeek, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", part)
		}
		out = append(out, time.Weekday(n))
	}
	return out, nil
}

// SendClock parses SendTimeOfDay into hour and minute.
func (p CollectionPolicy) SendClock() (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(p.SendTimeOfDay))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid send_time_of_day %q", p.SendTimeOfDay)
	}
	return t.Hour(), t.Minute(), nil
}

// Location loads Timezone, falling back to UTC.
func (p CollectionPolicy) Location() *time.Location {
	tz := strings.TrimSpace(p.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InSendWindow reports whether now falls on an allowed weekday at or after the send time.
// A malformed window never opens.
func (p CollectionPolicy) InSendWindow(now time.Time) bool {
	local := now.In(p.Location())
	days, err := p.Weekdays()
	if err != nil {
		return false
	}
	allowed := false
	for _, d := range days {
		if d == local.Weekday() {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	h, m, err := p.SendClock()
	if err != nil {
		return false
	}
	return local.Hour()*60+local.Minute() >= h*60+m
}

// HasIncreasingDelays is the ladder invariant delay[i] < delay[i+1].
func (p CollectionPolicy) HasIncreasingDelays() bool {
	rules := p.Rules()
	for i := 1; i < len(rules); i++ {
		if rules[i].DelayDays <= rules[i-1].DelayDays {
			return false
		}
	}
	return true
}

// Validate checks the policy at write time.
func (p CollectionPolicy) Validate() error {
	var problems []string

	for _, r := range p.Rules() {
		if r.DelayDays <= 0 {
			problems = append(problems, fmt.Sprintf("%s delay must be positive", r.Stage))
		}
	}
	if !p.HasIncreasingDelays() {
		problems = append(problems, "stage delays must be strictly increasing in ladder order")
	}
	if p.MinimumAmount.IsNegative() {
		problems = append(problems, "minimum_amount must not be negative")
	}
	if p.CriticalAmountThreshold.IsNegative() {
		problems = append(problems, "critical_amount_threshold must not be negative")
	}
	if days, err := p.Weekdays(); err != nil {
		problems = append(problems, err.Error())
	} else if len(days) == 0 {
		problems = append(problems, "send_days_of_week must not be empty")
	}
	if _, _, err := p.SendClock(); err != nil {
		problems = append(problems, err.Error())
	}
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			problems = append(problems, fmt.Sprintf("unknown timezone %q", tz))
		}
	}
	if !utils.IsValidEmail(p.SenderEmail) {
		problems = append(problems, "sender_email is not a valid email")
	}
	if p.CcEmail != nil && *p.CcEmail != "" && !utils.IsValidEmail(*p.CcEmail) {
		problems = append(problems, "cc_email is not a valid email")
	}
	if p.ContactPhone != "" {
		if err := utils.ValidatePhoneNumber(p.ContactPhone, utils.CountryCode); err != nil {
			problems = append(problems, "contact_phone: "+err.Error())
		}
	}

	if len(problems) > 0 {
		return &PolicyValidationError{Problems: problems}
	}
	return nil
}

// PolicyStore reads and writes the policy row, with a short Redis cache in front.
type PolicyStore struct {
	DB       *gorm.DB
	CacheTTL time.Duration
}

func NewPolicyStore(db *gorm.DB, cacheTTL time.Duration) *PolicyStore {
	return &PolicyStore{DB: db, CacheTTL: cacheTTL}
}

// LoadPolicy returns the stored policy. A missing row yields the default (disabled) policy.
func (s *PolicyStore) LoadPolicy(ctx context.Context) (*CollectionPolicy, error) {
	var cached CollectionPolicy
	if ok, err := config.GetRedisObject(policyCacheKey, &cached); err == nil && ok {
		return &cached, nil
	}

	var policy CollectionPolicy
	err := s.DB.WithContext(ctx).Where("id = ?", CollectionPolicyID).First(&policy).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			def := DefaultCollectionPolicy()
			return &def, nil
		}
		return nil, err
	}
	if s.CacheTTL > 0 {
		_ = config.SetRedisObject(policyCacheKey, policy, s.CacheTTL)
	}
	return &policy, nil
}

// SavePolicy validates and upserts the policy, then drops the cache.
func (s *PolicyStore) SavePolicy(ctx context.Context, policy CollectionPolicy) (*CollectionPolicy, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	policy.ID = CollectionPolicyID
	policy.UpdatedBy = utils.ActorFromContext(ctx)

	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&policy).Error
	if err != nil {
		return nil, err
	}
	if err := config.RemoveRedisKey(policyCacheKey); err != nil {
		config.LogError(config.GetLogger(), "policy.go", "SavePolicy", "RemoveRedisKey", nil, err)
	}
	return &policy, nil
}

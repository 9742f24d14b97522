package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CollectionCriticalAlert flags an invoice whose balance crossed the critical threshold.
// It is raised once per invoice and goes to the internal alert topic, never to the client.
type CollectionCriticalAlert struct {
	ID                int             `gorm:"primary_key" json:"id"`
	InvoiceId         int             `gorm:"not null;uniqueIndex" json:"invoice_id"`
	InvoiceNumber     string          `gorm:"size:255" json:"invoice_number"`
	ClientId          int             `json:"client_id"`
	ClientName        string          `gorm:"size:100" json:"client_name"`
	AmountOutstanding decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount_outstanding"`
	Threshold         decimal.Decimal `gorm:"type:decimal(20,4)" json:"threshold"`
	DaysOverdue       int             `json:"days_overdue"`
	Published         bool            `gorm:"not null;index" json:"published"`
	PublishedAt       *time.Time      `json:"published_at"`
	LastError         *string         `gorm:"type:text" json:"last_error"`
	CycleId           string          `gorm:"size:64" json:"cycle_id"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type AlertStore struct {
	DB *gorm.DB
}

func NewAlertStore(db *gorm.DB) *AlertStore {
	return &AlertStore{DB: db}
}

// RecordCriticalAlert stores the alert unless the invoice already has one.
func (s *AlertStore) RecordCriticalAlert(ctx context.Context, alert *CollectionCriticalAlert) (bool, error) {
	alert.ID = 0
	alert.Published = false
	if alert.CycleId == "" {
		alert.CycleId = utils.CycleIdFromContext(ctx)
	}
	if err := s.DB.WithContext(ctx).Create(alert).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *AlertStore) ListUnpublishedAlerts(ctx context.Context, limit int) ([]CollectionCriticalAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []CollectionCriticalAlert
	err := s.DB.WithContext(ctx).
		Where("published = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *AlertStore) MarkAlertPublished(ctx context.Context, id int, at time.Time) error {
	return s.DB.WithContext(ctx).Model(&CollectionCriticalAlert{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"published":    true,
			"published_at": at,
			"last_error":   nil,
		}).Error
}

func (s *AlertStore) MarkAlertFailed(ctx context.Context, id int, cause error) error {
	msg := cause.Error()
	return s.DB.WithContext(ctx).Model(&CollectionCriticalAlert{}).
		Where("id = ?", id).
		Update("last_error", &msg).Error
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/collections_backend/config"
	"bitbucket.org/mmdatafocus/collections_backend/models"
	"bitbucket.org/mmdatafocus/collections_backend/utils"
	"bitbucket.org/mmdatafocus/collections_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type PolicyService interface {
	LoadPolicy(ctx context.Context) (*models.CollectionPolicy, error)
	SavePolicy(ctx context.Context, policy models.CollectionPolicy) (*models.CollectionPolicy, error)
}

type TemplateService interface {
	ActiveTemplates(ctx context.Context) (map[models.Stage]models.EscalationTemplate, error)
	ListVersions(ctx context.Context, stage models.Stage) ([]models.EscalationTemplate, error)
	GetTemplate(ctx context.Context, id int) (*models.EscalationTemplate, error)
	PublishVersion(ctx context.Context, t models.EscalationTemplate) (*models.EscalationTemplate, error)
}

type RecordService interface {
	GetEscalationRecord(ctx context.Context, id int) (*models.EscalationRecord, error)
	ListEscalationRecords(ctx context.Context, f models.RecordFilter) ([]models.EscalationRecord, error)
	Release(ctx context.Context, id int) (*models.EscalationRecord, error)
	Retry(ctx context.Context, id int) (*models.EscalationRecord, error)
	Cancel(ctx context.Context, id int, reason string, at time.Time) (*models.EscalationRecord, error)
}

type CycleRunner interface {
	RunDailyCycle(ctx context.Context, now time.Time) (*workflow.CycleReport, error)
}

// Collections serves the admin API of the collections engine.
type Collections struct {
	Policies  PolicyService
	Templates TemplateService
	Records   RecordService
	Cycle     CycleRunner
	Logger    *logrus.Logger
	Now       func() time.Time
}

// Bind points the handlers at a built engine. The server binds after the
// database is up and only then opens its readiness gate.
func (h *Collections) Bind(engine *workflow.Engine) {
	h.Policies = engine.Policies
	h.Templates = engine.Templates
	h.Records = engine.Ledger
	h.Cycle = engine.Scheduler
}

// Register mounts the admin routes under /api/collections. mw runs before every handler.
func (h *Collections) Register(r gin.IRouter, mw ...gin.HandlerFunc) {
	g := r.Group("/api/collections", mw...)
	g.GET("/policy", h.GetPolicy())
	g.PUT("/policy", h.PutPolicy())
	g.GET("/templates", h.ListTemplates())
	g.POST("/templates", h.PublishTemplate())
	g.GET("/templates/:id", h.GetTemplate())
	g.GET("/records", h.ListRecords())
	g.GET("/records/:id", h.GetRecord())
	g.POST("/records/:id/release", h.ReleaseRecord())
	g.POST("/records/:id/retry", h.RetryRecord())
	g.POST("/records/:id/cancel", h.CancelRecord())
	g.POST("/run", h.RunCycle())
}

func (h *Collections) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *Collections) logger() *logrus.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return logrus.StandardLogger()
}

func (h *Collections) GetPolicy() gin.HandlerFunc {
	return func(c *gin.Context) {
		policy, err := h.Policies.LoadPolicy(c.Request.Context())
		if err != nil {
			h.internalError(c, "GetPolicy", nil, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"policy": policy, "rules": policy.Rules()})
	}
}

func (h *Collections) PutPolicy() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewCollectionPolicy
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		saved, err := h.Policies.SavePolicy(c.Request.Context(), input.ToPolicy())
		if err != nil {
			var verr *models.PolicyValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "problems": verr.Problems})
				return
			}
			h.internalError(c, "PutPolicy", input, err)
			return
		}
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		h.logger().WithFields(logrus.Fields{
			"field":          "PutPolicy",
			"user_id":        userId,
			"updated_by":     saved.UpdatedBy,
			"system_enabled": saved.SystemEnabled,
		}).Info("collection policy updated")
		c.JSON(http.StatusOK, gin.H{"policy": saved, "rules": saved.Rules()})
	}
}

// ListTemplates returns the active version per stage, or every version of ?stage=.
func (h *Collections) ListTemplates() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.Query("stage"); raw != "" {
			stage, err := models.ParseStage(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			versions, err := h.Templates.ListVersions(c.Request.Context(), stage)
			if err != nil {
				h.internalError(c, "ListTemplates", raw, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"templates": versions})
			return
		}

		active, err := h.Templates.ActiveTemplates(c.Request.Context())
		if err != nil {
			h.internalError(c, "ListTemplates", nil, err)
			return
		}
		out := make([]models.EscalationTemplate, 0, len(active))
		for _, stage := range models.AllStages {
			if t, ok := active[stage]; ok {
				out = append(out, t)
			}
		}
		c.JSON(http.StatusOK, gin.H{"templates": out, "merge_fields": models.MergeFields})
	}
}

func (h *Collections) GetTemplate() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid template id"})
			return
		}
		t, err := h.Templates.GetTemplate(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "template not found"})
				return
			}
			h.internalError(c, "GetTemplate", id, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"template": t})
	}
}

func (h *Collections) PublishTemplate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewEscalationTemplate
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		saved, err := h.Templates.PublishVersion(c.Request.Context(), input.ToTemplate())
		if err != nil {
			var verr *models.TemplateValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "problems": verr.Problems})
				return
			}
			h.internalError(c, "PublishTemplate", input.Stage, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"template": saved})
	}
}

func (h *Collections) ListRecords() gin.HandlerFunc {
	return func(c *gin.Context) {
		var f models.RecordFilter
		if raw := c.Query("invoice_id"); raw != "" {
			id, err := strconv.Atoi(raw)
			if err != nil || id <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice_id"})
				return
			}
			f.InvoiceId = &id
		}
		if raw := c.Query("status"); raw != "" {
			status, err := models.ParseEscalationStatus(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			f.Status = status
		}
		if raw := c.Query("stage"); raw != "" {
			stage, err := models.ParseStage(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			f.Stage = stage
		}
		f.Limit, _ = strconv.Atoi(c.Query("limit"))
		f.Offset, _ = strconv.Atoi(c.Query("offset"))
		if f.Offset < 0 {
			f.Offset = 0
		}

		rows, err := h.Records.ListEscalationRecords(c.Request.Context(), f)
		if err != nil {
			h.internalError(c, "ListRecords", c.Request.URL.RawQuery, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": rows})
	}
}

func (h *Collections) GetRecord() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := recordId(c)
		if !ok {
			return
		}
		rec, err := h.Records.GetEscalationRecord(c.Request.Context(), id)
		if err != nil {
			h.ledgerError(c, "GetRecord", id, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"record": rec})
	}
}

func (h *Collections) ReleaseRecord() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := recordId(c)
		if !ok {
			return
		}
		rec, err := h.Records.Release(c.Request.Context(), id)
		if err != nil {
			h.ledgerError(c, "ReleaseRecord", id, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"record": rec})
	}
}

func (h *Collections) RetryRecord() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := recordId(c)
		if !ok {
			return
		}
		rec, err := h.Records.Retry(c.Request.Context(), id)
		if err != nil {
			h.ledgerError(c, "RetryRecord", id, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"record": rec})
	}
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

func (h *Collections) CancelRecord() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := recordId(c)
		if !ok {
			return
		}
		var req cancelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		reason := "cancelled by " + utils.ActorFromContext(c.Request.Context()) + ": " + strings.TrimSpace(req.Reason)
		rec, err := h.Records.Cancel(c.Request.Context(), id, reason, h.now())
		if err != nil {
			h.ledgerError(c, "CancelRecord", id, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"record": rec})
	}
}

func (h *Collections) RunCycle() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.Cycle.RunDailyCycle(c.Request.Context(), h.now())
		if err != nil {
			h.internalError(c, "RunCycle", report, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"report": report})
	}
}

// PubSubPushMessage is the envelope of a Pub/Sub push delivery.
type PubSubPushMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// CycleTrigger handles the Pub/Sub push that Cloud Scheduler fires once a day.
// Malformed payloads are acked so the subscription does not redeliver them forever.
func (h *Collections) CycleTrigger() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := h.logger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "collections.go", "CycleTrigger", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}
		var msg PubSubPushMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "collections.go", "CycleTrigger", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		var trigger config.CycleTriggerMessage
		if len(msg.Message.Data) > 0 {
			if err := json.Unmarshal(msg.Message.Data, &trigger); err != nil {
				config.LogError(logger, "collections.go", "CycleTrigger", "Unmarshal pubsub message", string(msg.Message.Data), err)
				c.Status(http.StatusNoContent)
				return
			}
		}

		correlationId := trigger.CorrelationId
		if correlationId == "" {
			correlationId = msg.Message.ID
		}
		ctx := c.Request.Context()
		if correlationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		}
		now := h.now()
		if trigger.ScheduledFor != nil {
			now = trigger.ScheduledFor.UTC()
		}

		report, err := h.Cycle.RunDailyCycle(ctx, now)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "CycleTrigger",
				"message_id":     msg.Message.ID,
				"correlation_id": correlationId,
			}).Error("collections cycle failed: " + err.Error())
			// Non-2xx tells Pub/Sub to redeliver.
			c.Status(http.StatusInternalServerError)
			return
		}
		logger.WithFields(logrus.Fields{
			"field":          "CycleTrigger",
			"message_id":     msg.Message.ID,
			"correlation_id": correlationId,
			"cycle_id":       report.CycleId,
			"lock_skipped":   report.LockSkipped,
		}).Info("collections cycle triggered")
		c.Status(http.StatusNoContent)
	}
}

func recordId(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid record id"})
		return 0, false
	}
	return id, true
}

func (h *Collections) ledgerError(c *gin.Context, funcName string, id int, err error) {
	switch {
	case errors.Is(err, models.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	case errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.internalError(c, funcName, id, err)
	}
}

func (h *Collections) internalError(c *gin.Context, funcName string, data any, err error) {
	config.LogError(h.logger(), "collections.go", funcName, c.FullPath(), data, err)
	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

package handler

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"repair-service/internal/dataset"
	"repair-service/internal/knowledge"
	"repair-service/internal/models"
	"repair-service/internal/service"
	"repair-service/internal/signature"
	"repair-service/internal/validation"
	"repair-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Services bundles the components the API dispatches to
type Services struct {
	Store     *knowledge.Store
	Explainer *service.Explainer
	Repairs   *service.RepairService
	Processor *worker.Processor
	Registry  *dataset.Registry
	Validator validation.Validator
}

// Handler handles HTTP requests
type Handler struct {
	svc    Services
	logger *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(svc Services, logger *zap.Logger) *Handler {
	return &Handler{
		svc:    svc,
		logger: logger,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		// Jobs
		api.POST("/jobs", h.SubmitJob)
		api.GET("/jobs/:session", h.GetJobStatus)

		// Explanations and repairs
		api.POST("/explanations", h.GetExplanation)
		api.POST("/repairs", h.ApplyRepair)

		// Feedback ledger
		api.POST("/feedback", h.RecordFeedback)
		api.GET("/feedback", h.ListFeedback)

		// Session datasets
		api.PUT("/sessions/:id/dataset", h.UploadDataset)
		api.GET("/sessions/:id/dataset", h.ExportDataset)

		// Administration
		api.DELETE("/cache", h.ClearCache)
		api.GET("/cache/stats", h.GetStats)

		// Export
		api.GET("/export/explanations", h.ExportExplanations)
		api.GET("/export/feedback.csv", h.ExportFeedbackCSV)
	}

	// Health check and metrics
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// SubmitJob queues a session's violations for background explanation
func (h *Handler) SubmitJob(c *gin.Context) {
	var req models.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !h.svc.Processor.Submit(req.SessionID, req.Violations) {
		c.JSON(http.StatusConflict, gin.H{
			"session_id": req.SessionID,
			"accepted":   false,
			"error":      "session already has a job or the queue is full",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"session_id": req.SessionID,
		"accepted":   true,
		"status":     models.JobQueued,
		"message":    "Job queued. Check /api/v1/jobs/" + req.SessionID + " for status",
	})
}

// GetJobStatus returns a session's job status
func (h *Handler) GetJobStatus(c *gin.Context) {
	snapshot, ok := h.svc.Processor.Status(c.Param("session"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// GetExplanation returns the cached explanation or an immediate fallback
func (h *Handler) GetExplanation(c *gin.Context) {
	var req models.ExplanationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, h.svc.Explainer.Lookup(req.Violation, req.Language))
}

// ApplyRepair verifies a repair and commits it to the session dataset
func (h *Handler) ApplyRepair(c *gin.Context) {
	var req models.ApplyRepairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.svc.Repairs.Apply(c.Request.Context(), req)
	switch {
	case errors.Is(err, dataset.ErrUnresolvedPlaceholder):
		c.JSON(http.StatusBadRequest, models.ApplyRepairResponse{Reason: err.Error()})
		return
	case errors.Is(err, dataset.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, models.ApplyRepairResponse{Reason: err.Error()})
		return
	case err != nil:
		h.logger.Error("Failed to apply repair", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ApplyRepairResponse{Reason: "repair failed"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RecordFeedback appends a decision to the violation's ledger
func (h *Handler) RecordFeedback(c *gin.Context) {
	var req models.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.svc.Repairs.RecordFeedback(req.Violation, req.RepairStatement, req.Action)
	if errors.Is(err, service.ErrInvalidAction) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		// kept in memory, so the decision still shapes this process
		h.logger.Warn("Feedback not persisted", zap.Error(err))
	}

	c.JSON(http.StatusCreated, entry)
}

// ListFeedback lists a signature's ledger. The signature is given either
// as signature_key or as the violation fields it is derived from.
func (h *Handler) ListFeedback(c *gin.Context) {
	key := c.Query("signature_key")
	if key == "" {
		constraintID := c.Query("constraint_id")
		if constraintID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "signature_key or constraint_id is required"})
			return
		}
		key = signature.Sign(models.Violation{
			ConstraintID: constraintID,
			PropertyPath: c.Query("property_path"),
			Category:     models.ParseCategory(c.DefaultQuery("violation_type", string(models.InferCategory(constraintID)))),
		}).Key()
	}

	entries := h.svc.Store.FeedbackByKey(key)
	c.JSON(http.StatusOK, gin.H{
		"signature_key": key,
		"feedback":      entries,
		"total":         len(entries),
	})
}

// UploadDataset replaces the session's dataset, validates it and submits
// the violations found as the session's job. The response carries the
// best explanation available right now for each violation.
func (h *Handler) UploadDataset(c *gin.Context) {
	sessionID := c.Param("id")

	triples, err := dataset.ParseNTriples(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	graph := dataset.NewGraph(triples...)

	violations, err := h.svc.Validator.Validate(c.Request.Context(), graph)
	if err != nil {
		h.logger.Error("Failed to validate dataset",
			zap.String("session_id", sessionID),
			zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "validation failed: " + err.Error()})
		return
	}

	h.svc.Registry.Put(sessionID, graph)
	submitted := h.svc.Processor.Submit(sessionID, violations)

	language := c.Query("language")
	results := make([]gin.H, 0, len(violations))
	for _, v := range violations {
		results = append(results, gin.H{
			"violation":   v,
			"explanation": h.svc.Explainer.Lookup(v, language),
		})
	}

	h.logger.Info("Dataset uploaded",
		zap.String("session_id", sessionID),
		zap.Int("triples", graph.Len()),
		zap.Int("violations", len(violations)),
		zap.Bool("job_submitted", submitted))

	c.JSON(http.StatusOK, gin.H{
		"session_id":    sessionID,
		"triples":       graph.Len(),
		"conforms":      len(violations) == 0,
		"violations":    results,
		"job_submitted": submitted,
	})
}

// ExportDataset returns the session's current dataset as N-Triples
func (h *Handler) ExportDataset(c *gin.Context) {
	ds, err := h.svc.Registry.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "application/n-triples")
	c.Status(http.StatusOK)
	if err := dataset.WriteNTriples(c.Writer, ds); err != nil {
		h.logger.Error("Failed to write dataset", zap.Error(err))
	}
}

// ClearCache destroys the knowledge store and forgets finished jobs
func (h *Handler) ClearCache(c *gin.Context) {
	before := h.svc.Store.Stats()
	if err := h.svc.Store.Clear(); err != nil {
		h.logger.Error("Failed to clear knowledge store", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear failed"})
		return
	}
	sessions := h.svc.Processor.Reset()

	c.JSON(http.StatusOK, gin.H{
		"records_removed":  before.Records,
		"feedback_removed": before.Feedback,
		"sessions_reset":   sessions,
	})
}

// GetStats returns knowledge store statistics
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Store.Stats())
}

// ExportExplanations exports every cached record as JSON
func (h *Handler) ExportExplanations(c *gin.Context) {
	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", "attachment; filename=explanations.json")

	encoder := json.NewEncoder(c.Writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(h.svc.Store.Entries()); err != nil {
		h.logger.Error("Failed to export explanations", zap.Error(err))
	}
}

// ExportFeedbackCSV exports the feedback ledger to CSV
func (h *Handler) ExportFeedbackCSV(c *gin.Context) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=feedback.csv")

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	// Write header
	writer.Write([]string{"id", "signature_key", "action", "repair_statement", "created_at"})

	for _, fb := range h.svc.Store.AllFeedback() {
		writer.Write([]string{
			fb.ID,
			fb.SignatureKey,
			string(fb.Action),
			fb.RepairStatement,
			fb.CreatedAt.Format(time.RFC3339),
		})
	}
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(c *gin.Context) {
	stats := h.svc.Store.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"service":  "repair-service",
		"version":  "1.0.0",
		"records":  stats.Records,
		"sessions": h.svc.Registry.Len(),
	})
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"repair-service/internal/dataset"
	"repair-service/internal/knowledge"
	"repair-service/internal/metrics"
	"repair-service/internal/models"
	"repair-service/internal/repair"
	"repair-service/internal/signature"

	"go.uber.org/zap"
)

// ErrInvalidAction is returned for feedback actions outside the known set
var ErrInvalidAction = errors.New("invalid feedback action")

// RepairService applies repairs to session datasets and records the
// outcome as feedback
type RepairService struct {
	registry *dataset.Registry
	engine   *repair.Engine
	store    *knowledge.Store
	logger   *zap.Logger
}

// NewRepairService creates a new repair service
func NewRepairService(registry *dataset.Registry, engine *repair.Engine, store *knowledge.Store, logger *zap.Logger) *RepairService {
	return &RepairService{
		registry: registry,
		engine:   engine,
		store:    store,
		logger:   logger.With(zap.String("component", "repairs")),
	}
}

// Apply verifies and commits a repair. Verification failures are reported
// in the response, not as errors; errors mean the request itself was
// unusable (unknown session, unresolved placeholder).
func (s *RepairService) Apply(ctx context.Context, req models.ApplyRepairRequest) (models.ApplyRepairResponse, error) {
	if strings.Contains(req.RepairStatement, dataset.PlaceholderToken) {
		return models.ApplyRepairResponse{}, dataset.ErrUnresolvedPlaceholder
	}

	ds, err := s.registry.Get(req.SessionID)
	if err != nil {
		return models.ApplyRepairResponse{}, err
	}

	focus := req.FocusNode
	if focus == "" && req.Violation != nil {
		focus = req.Violation.FocusNode
	}

	res := s.engine.VerifyAndApply(ctx, ds, focus, req.RepairStatement)

	if req.Violation != nil {
		action := models.FeedbackVerificationFailed
		if res.Applied {
			action = models.FeedbackAccepted
			if req.Action == models.FeedbackEdited {
				action = models.FeedbackEdited
			}
		}
		if _, err := s.RecordFeedback(*req.Violation, req.RepairStatement, action); err != nil {
			s.logger.Warn("Repair outcome not persisted", zap.Error(err))
		}
	}

	s.logger.Info("Repair attempted",
		zap.String("session_id", req.SessionID),
		zap.String("focus", focus),
		zap.Bool("applied", res.Applied),
		zap.Int("affected", res.Affected))

	return models.ApplyRepairResponse{
		Success:       res.Applied,
		AffectedCount: res.Affected,
		Reason:        res.Reason,
	}, nil
}

// RecordFeedback appends a decision for the violation's signature
func (s *RepairService) RecordFeedback(v models.Violation, statement string, action models.FeedbackAction) (models.FeedbackEntry, error) {
	if !action.Valid() {
		return models.FeedbackEntry{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	entry, err := s.store.AddFeedback(signature.Sign(v), statement, action)
	metrics.FeedbackRecorded.WithLabelValues(string(action)).Inc()
	return entry, err
}

// Feedback returns the ledger for the violation's signature
func (s *RepairService) Feedback(v models.Violation) []models.FeedbackEntry {
	return s.store.GetFeedback(signature.Sign(v))
}

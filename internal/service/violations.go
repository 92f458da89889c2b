package service

import (
	"context"
	"fmt"

	"repair-service/internal/dataset"
	"repair-service/internal/models"
	"repair-service/internal/validation"
)

// SessionViolations validates the dataset registered for a session. The
// worker uses it for jobs submitted without violations.
type SessionViolations struct {
	registry  *dataset.Registry
	validator validation.Validator
}

// NewSessionViolations creates a violation source over the registry
func NewSessionViolations(registry *dataset.Registry, validator validation.Validator) *SessionViolations {
	return &SessionViolations{registry: registry, validator: validator}
}

// Violations implements worker.ViolationSource
func (s *SessionViolations) Violations(ctx context.Context, sessionID string) ([]models.Violation, error) {
	ds, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	violations, err := s.validator.Validate(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("failed to validate session dataset: %w", err)
	}
	return violations, nil
}

// Package repair verifies repair statements on a scratch copy of a dataset
// before committing them to the live one.
package repair

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"repair-service/internal/dataset"
	"repair-service/internal/metrics"
	"repair-service/internal/models"
	"repair-service/internal/signature"
	"repair-service/internal/validation"

	"go.uber.org/zap"
)

// Scope selects which violations count when judging a repair
type Scope string

const (
	// ScopeDataset compares every violation in the dataset
	ScopeDataset Scope = "dataset"
	// ScopeFocus only compares violations on the repaired entity
	ScopeFocus Scope = "focus"
)

// Config for the verification engine
type Config struct {
	Scope   Scope
	Timeout time.Duration // Upper bound for each validation run
}

// Result is the outcome of a verification attempt
type Result struct {
	Applied  bool
	Affected int
	Reason   string
}

// Engine applies repairs to a clone, re-validates, and commits only when
// the repair is confirmed safe. Verification and commit are serialized per
// dataset so the live dataset cannot change between the two phases, while
// repairs on different datasets proceed in parallel.
type Engine struct {
	validator validation.Validator
	scope     Scope
	timeout   time.Duration
	mu        sync.Mutex
	locks     map[dataset.Dataset]*datasetLock
	logger    *zap.Logger
}

type datasetLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates a new verification engine
func NewEngine(validator validation.Validator, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Scope == "" {
		cfg.Scope = ScopeDataset
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Engine{
		validator: validator,
		scope:     cfg.Scope,
		timeout:   cfg.Timeout,
		locks:     make(map[dataset.Dataset]*datasetLock),
		logger:    logger.With(zap.String("component", "repair_engine")),
	}
}

// VerifyAndApply applies statement to a clone of live, re-validates it and,
// if the repair resolves the violations on focus without introducing new
// ones, applies the same statement to live. Any failure leaves live
// untouched.
func (e *Engine) VerifyAndApply(ctx context.Context, live dataset.Dataset, focus, statement string) (res Result) {
	unlock := e.lock(live)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Verification panicked", zap.Any("panic", r), zap.String("focus", focus))
			res = Result{Reason: fmt.Sprintf("verification aborted: %v", r)}
		}
		metrics.Verifications.WithLabelValues(outcome(res)).Inc()
	}()

	if _, err := dataset.ParseUpdate(statement); err != nil {
		return Result{Reason: err.Error()}
	}

	scratch, err := live.Clone()
	if err != nil {
		e.logger.Error("Failed to clone dataset", zap.Error(err))
		return Result{Reason: fmt.Sprintf("failed to clone dataset: %v", err)}
	}

	if _, err := scratch.Apply(statement); err != nil {
		return Result{Reason: err.Error()}
	}

	after, err := e.validate(ctx, scratch)
	if err != nil {
		e.logger.Error("Validation of scratch copy failed", zap.Error(err))
		return Result{Reason: fmt.Sprintf("validation failed: %v", err)}
	}
	after = e.scoped(after, focus)

	if len(after) > 0 {
		before, err := e.validate(ctx, live)
		if err != nil {
			e.logger.Error("Baseline validation failed", zap.Error(err))
			return Result{Reason: fmt.Sprintf("validation failed: %v", err)}
		}
		before = e.scoped(before, focus)

		if reason, ok := judge(before, after, focus); !ok {
			e.logger.Info("Repair rejected by verification",
				zap.String("focus", focus),
				zap.String("reason", reason))
			return Result{Reason: reason}
		}
	}

	affected, err := live.Apply(statement)
	if err != nil {
		e.logger.Error("Failed to commit verified repair", zap.Error(err))
		return Result{Reason: fmt.Sprintf("failed to commit: %v", err)}
	}

	e.logger.Info("Repair committed",
		zap.String("focus", focus),
		zap.Int("affected", affected),
		zap.Int("remaining_violations", len(after)))

	return Result{Applied: true, Affected: affected}
}

// lock serializes callers on the same live dataset. Entries are dropped once
// no caller holds or waits for them. Datasets are keyed by identity, so
// implementations must be comparable (pointer types are).
func (e *Engine) lock(live dataset.Dataset) func() {
	e.mu.Lock()
	l, ok := e.locks[live]
	if !ok {
		l = &datasetLock{}
		e.locks[live] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, live)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) validate(ctx context.Context, ds dataset.Dataset) ([]models.Violation, error) {
	vctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.validator.Validate(vctx, ds)
}

func (e *Engine) scoped(violations []models.Violation, focus string) []models.Violation {
	if e.scope != ScopeFocus || focus == "" {
		return violations
	}
	var out []models.Violation
	for _, v := range violations {
		if sameNode(v.FocusNode, focus) {
			out = append(out, v)
		}
	}
	return out
}

// judge accepts a repair that introduces no new violations and reduces
// the violations on the focus entity (or overall when no focus is given).
func judge(before, after []models.Violation, focus string) (string, bool) {
	seen := make(map[string]int, len(before))
	for _, v := range before {
		seen[identity(v)]++
	}
	for _, v := range after {
		id := identity(v)
		if seen[id] == 0 {
			return fmt.Sprintf("repair introduces a new violation: %s on %s", v.ConstraintID, v.FocusNode), false
		}
		seen[id]--
	}

	if focus == "" {
		if len(after) < len(before) {
			return "", true
		}
		return "repair does not resolve any violation", false
	}

	if countOn(after, focus) < countOn(before, focus) {
		return "", true
	}
	return "repair does not resolve the targeted violation", false
}

func identity(v models.Violation) string {
	return strings.Join([]string{
		strings.Trim(v.FocusNode, "<>"),
		signature.NormalizeConstraintID(v.ConstraintID),
		strings.Trim(v.PropertyPath, "<>"),
		v.ValueOrEmpty(),
	}, "\x00")
}

func countOn(violations []models.Violation, focus string) int {
	n := 0
	for _, v := range violations {
		if sameNode(v.FocusNode, focus) {
			n++
		}
	}
	return n
}

func sameNode(a, b string) bool {
	return strings.Trim(strings.TrimSpace(a), "<>") == strings.Trim(strings.TrimSpace(b), "<>")
}

func outcome(res Result) string {
	switch {
	case res.Applied:
		return "applied"
	case strings.Contains(res.Reason, dataset.ErrMalformedStatement.Error()),
		strings.Contains(res.Reason, dataset.ErrUnresolvedPlaceholder.Error()):
		return "invalid"
	default:
		return "rejected"
	}
}

package service

import (
	"context"
	"time"

	"repair-service/internal/fallback"
	"repair-service/internal/knowledge"
	"repair-service/internal/metrics"
	"repair-service/internal/models"
	"repair-service/internal/signature"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Generator produces an explanation record for one violation
type Generator interface {
	Generate(ctx context.Context, v models.Violation, gctx models.GenerationContext) (models.ExplanationRecord, error)
}

// ExplainerConfig configures explanation resolution
type ExplainerConfig struct {
	Language string        // Default language when a request has none
	Timeout  time.Duration // Upper bound for one generation call
}

// Explainer resolves violations to explanations through the cache, the
// generator and finally the rule-based fallback.
type Explainer struct {
	store     *knowledge.Store
	generator Generator
	language  string
	timeout   time.Duration
	group     singleflight.Group
	logger    *zap.Logger
}

// NewExplainer creates a new explainer. A nil generator means every miss
// resolves to the fallback.
func NewExplainer(store *knowledge.Store, generator Generator, cfg ExplainerConfig, logger *zap.Logger) *Explainer {
	if cfg.Language == "" {
		cfg.Language = knowledge.DefaultLanguage
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Explainer{
		store:     store,
		generator: generator,
		language:  cfg.Language,
		timeout:   cfg.Timeout,
		logger:    logger.With(zap.String("component", "explainer")),
	}
}

func (e *Explainer) lang(language string) string {
	if language == "" {
		return e.language
	}
	return language
}

// Lookup returns the cached record or a fallback. It never calls the
// generator, so it always answers promptly.
func (e *Explainer) Lookup(v models.Violation, language string) models.Resolution {
	language = e.lang(language)
	sig := signature.Sign(v)

	if rec, ok := e.store.Get(sig, language); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return models.Resolution{Source: models.SourceCacheHit, SignatureKey: sig.Key(), Language: language, Record: &rec}
	}

	metrics.CacheLookups.WithLabelValues("fallback").Inc()
	rec := fallback.Explain(v)
	return models.Resolution{Source: models.SourceFallback, SignatureKey: sig.Key(), Language: language, Record: &rec}
}

// Resolve returns the cached record, or generates and stores one on a miss.
// If generation fails the fallback is returned; fallbacks are never cached.
func (e *Explainer) Resolve(ctx context.Context, v models.Violation, language string) models.Resolution {
	language = e.lang(language)
	sig := signature.Sign(v)
	key := sig.Key()

	if rec, ok := e.store.Get(sig, language); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return models.Resolution{Source: models.SourceCacheHit, SignatureKey: key, Language: language, Record: &rec}
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	if e.generator == nil {
		return e.fallback(v, key, language)
	}

	// concurrent misses for one signature share a single generation call
	res, err, _ := e.group.Do(key+":"+language, func() (interface{}, error) {
		if rec, ok := e.store.Get(sig, language); ok {
			return resolved{rec, models.SourceCacheHit}, nil
		}

		gctx := models.GenerationContext{
			Language:     language,
			SignatureKey: key,
			Feedback:     e.store.GetFeedback(sig),
		}

		genCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		rec, err := e.generator.Generate(genCtx, v, gctx)
		if err != nil {
			return nil, err
		}

		inserted, err := e.store.Put(sig, language, rec)
		if err != nil {
			// the record is still usable for this caller
			e.logger.Error("Failed to store generated explanation",
				zap.String("signature_key", key),
				zap.Error(err))
			return resolved{rec, models.SourceGeneratedFresh}, nil
		}
		if !inserted {
			if stored, ok := e.store.Get(sig, language); ok {
				return resolved{stored, models.SourceCacheHit}, nil
			}
		}
		return resolved{rec, models.SourceGeneratedFresh}, nil
	})
	if err != nil {
		e.logger.Warn("Generation failed, using fallback",
			zap.String("signature_key", key),
			zap.String("constraint_id", v.ConstraintID),
			zap.Error(err))
		return e.fallback(v, key, language)
	}

	r := res.(resolved)
	return models.Resolution{Source: r.source, SignatureKey: key, Language: language, Record: &r.record}
}

// resolved tags a singleflight result with where the record came from
type resolved struct {
	record models.ExplanationRecord
	source models.Source
}

func (e *Explainer) fallback(v models.Violation, key, language string) models.Resolution {
	metrics.CacheLookups.WithLabelValues("fallback").Inc()
	rec := fallback.Explain(v)
	return models.Resolution{Source: models.SourceFallback, SignatureKey: key, Language: language, Record: &rec}
}

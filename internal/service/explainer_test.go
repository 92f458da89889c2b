package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"repair-service/internal/knowledge"
	"repair-service/internal/models"
	"repair-service/internal/repository"
	"repair-service/internal/signature"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubGenerator struct {
	calls   atomic.Int32
	err     error
	delay   time.Duration
	lastCtx models.GenerationContext
	mu      sync.Mutex
}

func (g *stubGenerator) Generate(_ context.Context, v models.Violation, gctx models.GenerationContext) (models.ExplanationRecord, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.lastCtx = gctx
	g.mu.Unlock()
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	if g.err != nil {
		return models.ExplanationRecord{}, g.err
	}
	return models.ExplanationRecord{
		Explanation:     "The person " + v.FocusNode + " has no name.",
		Suggestions:     []string{"Add a name."},
		RepairStatement: `INSERT DATA { <http://ex.org/bob> <http://ex.org/name> $user_provided_value . }`,
		Provider:        "stub",
		Confidence:      0.8,
	}, nil
}

func openStore(t *testing.T) *knowledge.Store {
	t.Helper()
	backend, err := repository.NewSQLiteBackend(filepath.Join(t.TempDir(), "knowledge.db"), zap.NewNop())
	require.NoError(t, err)
	store, err := knowledge.Open(backend, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func missingName() models.Violation {
	return models.Violation{
		FocusNode:    "http://ex.org/bob",
		ConstraintID: "sh:MinCountConstraintComponent",
		PropertyPath: "http://ex.org/name",
		Category:     models.CategoryCardinality,
		Message:      "Less than 1 values on ex:bob->ex:name",
		Context:      map[string]any{"sh:minCount": 1},
	}
}

func TestExplainer_LookupNeverGenerates(t *testing.T) {
	gen := &stubGenerator{}
	e := NewExplainer(openStore(t), gen, ExplainerConfig{}, zap.NewNop())

	res := e.Lookup(missingName(), "")

	assert.Equal(t, models.SourceFallback, res.Source)
	assert.Equal(t, "en", res.Language)
	require.NotNil(t, res.Record)
	assert.Equal(t, models.ProviderFallback, res.Record.Provider)
	assert.Zero(t, gen.calls.Load())
}

func TestExplainer_ResolveGeneratesThenHitsCache(t *testing.T) {
	store := openStore(t)
	gen := &stubGenerator{}
	e := NewExplainer(store, gen, ExplainerConfig{}, zap.NewNop())
	v := missingName()

	first := e.Resolve(context.Background(), v, "en")
	assert.Equal(t, models.SourceGeneratedFresh, first.Source)
	assert.Equal(t, signature.Sign(v).Key(), first.SignatureKey)
	assert.True(t, store.Has(signature.Sign(v), "en"))

	// a different focus node shares the signature
	other := v
	other.FocusNode = "http://ex.org/alice"
	second := e.Resolve(context.Background(), other, "en")
	assert.Equal(t, models.SourceCacheHit, second.Source)
	assert.Equal(t, first.Record.Explanation, second.Record.Explanation)

	lookup := e.Lookup(v, "en")
	assert.Equal(t, models.SourceCacheHit, lookup.Source)

	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestExplainer_LanguagesAreSeparate(t *testing.T) {
	gen := &stubGenerator{}
	e := NewExplainer(openStore(t), gen, ExplainerConfig{}, zap.NewNop())

	e.Resolve(context.Background(), missingName(), "en")
	res := e.Resolve(context.Background(), missingName(), "de")

	assert.Equal(t, models.SourceGeneratedFresh, res.Source)
	assert.Equal(t, "de", res.Language)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestExplainer_FallbackIsNotCached(t *testing.T) {
	store := openStore(t)
	gen := &stubGenerator{err: errors.New("all providers failed")}
	e := NewExplainer(store, gen, ExplainerConfig{}, zap.NewNop())
	v := missingName()

	res := e.Resolve(context.Background(), v, "en")

	assert.Equal(t, models.SourceFallback, res.Source)
	require.NotNil(t, res.Record)
	assert.NotEmpty(t, res.Record.Explanation)
	assert.InDelta(t, models.FallbackConfidence, res.Record.Confidence, 1e-9)
	assert.False(t, store.Has(signature.Sign(v), "en"))

	// the next call tries the generator again
	e.Resolve(context.Background(), v, "en")
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestExplainer_NilGeneratorFallsBack(t *testing.T) {
	e := NewExplainer(openStore(t), nil, ExplainerConfig{}, zap.NewNop())

	res := e.Resolve(context.Background(), missingName(), "en")
	assert.Equal(t, models.SourceFallback, res.Source)
}

func TestExplainer_ConcurrentMissesShareOneGeneration(t *testing.T) {
	gen := &stubGenerator{delay: 50 * time.Millisecond}
	e := NewExplainer(openStore(t), gen, ExplainerConfig{}, zap.NewNop())

	var wg sync.WaitGroup
	sources := make([]models.Source, 8)
	for i := range sources {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sources[i] = e.Resolve(context.Background(), missingName(), "en").Source
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), gen.calls.Load())
	for _, s := range sources {
		assert.NotEqual(t, models.SourceFallback, s)
	}
}

func TestExplainer_PassesFeedbackToGenerator(t *testing.T) {
	store := openStore(t)
	gen := &stubGenerator{}
	e := NewExplainer(store, gen, ExplainerConfig{}, zap.NewNop())
	v := missingName()

	_, err := store.AddFeedback(signature.Sign(v), `INSERT DATA { <http://ex.org/bob> <http://ex.org/name> "Bob" . }`, models.FeedbackAccepted)
	require.NoError(t, err)

	e.Resolve(context.Background(), v, "fr")

	gen.mu.Lock()
	defer gen.mu.Unlock()
	assert.Equal(t, "fr", gen.lastCtx.Language)
	assert.Equal(t, signature.Sign(v).Key(), gen.lastCtx.SignatureKey)
	require.Len(t, gen.lastCtx.Feedback, 1)
	assert.Equal(t, models.FeedbackAccepted, gen.lastCtx.Feedback[0].Action)
}

// racingGenerator stores a competing record before answering, so its own
// result loses the first-writer-wins race
type racingGenerator struct {
	store *knowledge.Store
}

func (g *racingGenerator) Generate(_ context.Context, v models.Violation, gctx models.GenerationContext) (models.ExplanationRecord, error) {
	_, err := g.store.Put(signature.Sign(v), gctx.Language, models.ExplanationRecord{Explanation: "stored first", Provider: "other"})
	if err != nil {
		return models.ExplanationRecord{}, err
	}
	return models.ExplanationRecord{Explanation: "generated late", Provider: "stub"}, nil
}

func TestExplainer_LostRaceReportsCacheHit(t *testing.T) {
	store := openStore(t)
	e := NewExplainer(store, &racingGenerator{store: store}, ExplainerConfig{}, zap.NewNop())

	res := e.Resolve(context.Background(), missingName(), "en")

	assert.Equal(t, models.SourceCacheHit, res.Source)
	require.NotNil(t, res.Record)
	assert.Equal(t, "stored first", res.Record.Explanation)
}

package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"repair-service/internal/dataset"
	"repair-service/internal/knowledge"
	"repair-service/internal/models"
	"repair-service/internal/repository"
	"repair-service/internal/service"
	"repair-service/internal/signature"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingGenerator fails for constraint ids listed in fail
type countingGenerator struct {
	calls atomic.Int32
	fail  map[string]bool
}

func (g *countingGenerator) Generate(_ context.Context, v models.Violation, _ models.GenerationContext) (models.ExplanationRecord, error) {
	g.calls.Add(1)
	if g.fail[v.ConstraintID] {
		return models.ExplanationRecord{}, errors.New("provider down")
	}
	return models.ExplanationRecord{
		Explanation: "The record is missing a required value.",
		Suggestions: []string{"Add the value."},
		Provider:    "test",
		Confidence:  0.8,
	}, nil
}

func newStore(t *testing.T) *knowledge.Store {
	t.Helper()
	backend, err := repository.NewSQLiteBackend(filepath.Join(t.TempDir(), "k.db"), zap.NewNop())
	require.NoError(t, err)
	store, err := knowledge.Open(backend, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testConfig() Config {
	return Config{
		DequeueWait: 10 * time.Millisecond,
		StopTimeout: time.Second,
		Language:    "en",
	}
}

func minCount(focus string) models.Violation {
	return models.Violation{
		FocusNode:    focus,
		ConstraintID: "MinCount",
		PropertyPath: "name",
		Category:     models.CategoryCardinality,
		Message:      "Less than 1 values",
	}
}

func waitTerminal(t *testing.T, p *Processor, sessionID string) models.JobSnapshot {
	t.Helper()
	var snap models.JobSnapshot
	require.Eventually(t, func() bool {
		s, ok := p.Status(sessionID)
		snap = s
		return ok && s.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestProcessor_CompletesAndCachesExplanation(t *testing.T) {
	store := newStore(t)
	gen := &countingGenerator{}
	explainer := service.NewExplainer(store, gen, service.ExplainerConfig{}, zap.NewNop())

	p := NewProcessor(explainer, testConfig(), zap.NewNop())
	p.Start()
	defer p.Stop()

	v := minCount("http://ex.org/bob")
	require.True(t, p.Submit("s1", []models.Violation{v}))

	snap := waitTerminal(t, p, "s1")
	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Equal(t, 1, snap.ViolationsCount)
	assert.Equal(t, 1, snap.Generated)

	rec, ok := store.Get(signature.Sign(v), "en")
	require.True(t, ok)
	assert.NotEmpty(t, rec.Explanation)
}

func TestProcessor_SameSignatureGeneratesOnce(t *testing.T) {
	store := newStore(t)
	gen := &countingGenerator{}
	explainer := service.NewExplainer(store, gen, service.ExplainerConfig{}, zap.NewNop())

	p := NewProcessor(explainer, testConfig(), zap.NewNop())
	p.Start()
	defer p.Stop()

	require.True(t, p.Submit("s1", []models.Violation{
		minCount("http://ex.org/bob"),
		minCount("http://ex.org/alice"),
	}))

	snap := waitTerminal(t, p, "s1")
	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, 1, snap.Generated)
	assert.Equal(t, 1, snap.CacheHits)
}

func TestProcessor_GenerationFailureDoesNotAbortJob(t *testing.T) {
	store := newStore(t)
	gen := &countingGenerator{fail: map[string]bool{"Pattern": true}}
	explainer := service.NewExplainer(store, gen, service.ExplainerConfig{}, zap.NewNop())

	p := NewProcessor(explainer, testConfig(), zap.NewNop())
	p.Start()
	defer p.Stop()

	bad := models.Violation{ConstraintID: "Pattern", PropertyPath: "email"}
	good := minCount("http://ex.org/bob")
	require.True(t, p.Submit("s1", []models.Violation{bad, good}))

	snap := waitTerminal(t, p, "s1")
	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 1, snap.Generated)

	assert.False(t, store.Has(signature.Sign(bad), "en"))
	assert.True(t, store.Has(signature.Sign(good), "en"))
}

func TestProcessor_RejectsDuplicateSessions(t *testing.T) {
	p := NewProcessor(&blockingResolver{}, testConfig(), zap.NewNop())

	// not started, so the job stays queued
	require.True(t, p.Submit("s1", []models.Violation{minCount("a")}))
	assert.False(t, p.Submit("s1", []models.Violation{minCount("b")}))

	snap, ok := p.Status("s1")
	require.True(t, ok)
	assert.Equal(t, models.JobQueued, snap.Status)
	assert.Equal(t, 1, snap.ViolationsCount)

	_, ok = p.Status("unknown")
	assert.False(t, ok)
}

func TestProcessor_TerminalSessionStaysReservedUntilReset(t *testing.T) {
	store := newStore(t)
	explainer := service.NewExplainer(store, &countingGenerator{}, service.ExplainerConfig{}, zap.NewNop())

	clock := time.Now()
	var clockMu sync.Mutex
	cfg := testConfig()
	cfg.Retention = time.Minute
	p := NewProcessor(explainer, cfg, zap.NewNop())
	p.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	p.Start()
	defer p.Stop()

	require.True(t, p.Submit("s1", []models.Violation{minCount("a")}))
	waitTerminal(t, p, "s1")
	assert.False(t, p.Submit("s1", nil))

	// move past the retention window and let an idle tick evict the job
	clockMu.Lock()
	clock = clock.Add(2 * time.Minute)
	clockMu.Unlock()
	require.Eventually(t, func() bool {
		_, ok := p.Status("s1")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)

	assert.False(t, p.Submit("s1", nil))

	p.Reset()
	assert.True(t, p.Submit("s1", nil))
}

type panickingResolver struct {
	calls atomic.Int32
}

func (r *panickingResolver) Resolve(_ context.Context, v models.Violation, _ string) models.Resolution {
	r.calls.Add(1)
	if v.ConstraintID == "boom" {
		panic("unexpected nil")
	}
	return models.Resolution{Source: models.SourceCacheHit}
}

func TestProcessor_PanicFailsJobAndWorkerContinues(t *testing.T) {
	r := &panickingResolver{}
	p := NewProcessor(r, testConfig(), zap.NewNop())
	p.Start()
	defer p.Stop()

	require.True(t, p.Submit("bad", []models.Violation{{ConstraintID: "boom"}}))
	require.True(t, p.Submit("good", []models.Violation{{ConstraintID: "ok"}}))

	bad := waitTerminal(t, p, "bad")
	assert.Equal(t, models.JobFailed, bad.Status)
	assert.Contains(t, bad.Error, "panic")

	good := waitTerminal(t, p, "good")
	assert.Equal(t, models.JobCompleted, good.Status)
	assert.Equal(t, 1, good.CacheHits)
}

// blockingResolver never returns until released, ignoring cancellation
type blockingResolver struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingResolver) Resolve(context.Context, models.Violation, string) models.Resolution {
	close(r.started)
	<-r.release
	return models.Resolution{Source: models.SourceCacheHit}
}

func TestProcessor_StopIsBounded(t *testing.T) {
	r := &blockingResolver{started: make(chan struct{}), release: make(chan struct{})}
	defer close(r.release)

	cfg := testConfig()
	cfg.StopTimeout = 50 * time.Millisecond
	p := NewProcessor(r, cfg, zap.NewNop())
	p.Start()

	require.True(t, p.Submit("s1", []models.Violation{minCount("a")}))
	<-r.started

	start := time.Now()
	assert.False(t, p.Stop())
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, p.Submit("s2", nil))
}

func TestProcessor_StopWhenIdle(t *testing.T) {
	p := NewProcessor(&panickingResolver{}, testConfig(), zap.NewNop())
	p.Start()
	assert.True(t, p.Stop())
}

func TestProcessor_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	p := NewProcessor(&panickingResolver{}, cfg, zap.NewNop())

	require.True(t, p.Submit("s1", nil))
	assert.False(t, p.Submit("s2", nil))

	// a rejected submission leaves no trace
	_, ok := p.Status("s2")
	assert.False(t, ok)
}

// subjectValidator reports one violation per subject in the dataset
type subjectValidator struct {
	err error
}

func (v subjectValidator) Validate(_ context.Context, ds dataset.Dataset) ([]models.Violation, error) {
	if v.err != nil {
		return nil, v.err
	}
	var out []models.Violation
	for _, t := range ds.Triples() {
		out = append(out, minCount(t.Subject))
	}
	return out, nil
}

func TestProcessor_EmptyJobValidatesSessionDataset(t *testing.T) {
	store := newStore(t)
	gen := &countingGenerator{}
	explainer := service.NewExplainer(store, gen, service.ExplainerConfig{}, zap.NewNop())

	registry := dataset.NewRegistry()
	registry.Put("s1", dataset.NewGraph(
		dataset.Triple{Subject: "<http://ex.org/bob>", Predicate: "<http://ex.org/age>", Object: `"42"`},
		dataset.Triple{Subject: "<http://ex.org/alice>", Predicate: "<http://ex.org/age>", Object: `"40"`},
	))

	p := NewProcessor(explainer, testConfig(), zap.NewNop())
	p.SetViolationSource(service.NewSessionViolations(registry, subjectValidator{}))
	p.Start()
	defer p.Stop()

	require.True(t, p.Submit("s1", nil))

	snap := waitTerminal(t, p, "s1")
	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Equal(t, 2, snap.ViolationsCount)
	// both violations share one signature
	assert.Equal(t, 1, snap.Generated)
	assert.Equal(t, 1, snap.CacheHits)
	assert.True(t, store.Has(signature.Sign(minCount("<http://ex.org/bob>")), "en"))
}

func TestProcessor_EmptyJobFailsWhenSourceFails(t *testing.T) {
	explainer := service.NewExplainer(newStore(t), &countingGenerator{}, service.ExplainerConfig{}, zap.NewNop())

	cases := map[string]*service.SessionViolations{
		"unknown session":   service.NewSessionViolations(dataset.NewRegistry(), subjectValidator{}),
		"validator failure": service.NewSessionViolations(registryWith("s1"), subjectValidator{err: errors.New("engine unavailable")}),
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			p := NewProcessor(explainer, testConfig(), zap.NewNop())
			p.SetViolationSource(src)
			p.Start()
			defer p.Stop()

			require.True(t, p.Submit("s1", nil))

			snap := waitTerminal(t, p, "s1")
			assert.Equal(t, models.JobFailed, snap.Status)
			assert.Contains(t, snap.Error, "failed to load violations")
		})
	}
}

func TestProcessor_EmptyJobWithoutSourceCompletes(t *testing.T) {
	gen := &countingGenerator{}
	explainer := service.NewExplainer(newStore(t), gen, service.ExplainerConfig{}, zap.NewNop())

	p := NewProcessor(explainer, testConfig(), zap.NewNop())
	p.Start()
	defer p.Stop()

	require.True(t, p.Submit("s1", nil))

	snap := waitTerminal(t, p, "s1")
	assert.Equal(t, models.JobCompleted, snap.Status)
	assert.Zero(t, snap.ViolationsCount)
	assert.Zero(t, gen.calls.Load())
}

func registryWith(sessionID string) *dataset.Registry {
	r := dataset.NewRegistry()
	r.Put(sessionID, dataset.NewGraph())
	return r
}

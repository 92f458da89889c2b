package repair

import (
	"context"
	"errors"
	"testing"
	"time"

	"repair-service/internal/dataset"
	"repair-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	rdfType = "<http://www.w3.org/1999/02/22-rdf-syntax-ns#type>"
	person  = "<http://ex.org/Person>"
	name    = "<http://ex.org/name>"
)

// nameRule reports every Person without a name
type nameRule struct {
	calls int
}

func (r *nameRule) Validate(_ context.Context, ds dataset.Dataset) ([]models.Violation, error) {
	r.calls++
	people := map[string]bool{}
	named := map[string]bool{}
	for _, t := range ds.Triples() {
		if t.Predicate == rdfType && t.Object == person {
			people[t.Subject] = true
		}
		if t.Predicate == name {
			named[t.Subject] = true
		}
	}
	var out []models.Violation
	for s := range people {
		if !named[s] {
			out = append(out, models.Violation{
				FocusNode:    s,
				ConstraintID: "sh:MinCountConstraintComponent",
				PropertyPath: "http://ex.org/name",
				Category:     models.CategoryCardinality,
			})
		}
	}
	return out, nil
}

type failingValidator struct{}

func (failingValidator) Validate(context.Context, dataset.Dataset) ([]models.Violation, error) {
	return nil, errors.New("engine unavailable")
}

type panickingValidator struct{}

func (panickingValidator) Validate(context.Context, dataset.Dataset) ([]models.Violation, error) {
	panic("nil map")
}

// gatedValidator holds every validation of a dataset containing gate until
// release is closed
type gatedValidator struct {
	gate    string
	entered chan struct{}
	release chan struct{}
}

func newGatedValidator(gate string) *gatedValidator {
	return &gatedValidator{gate: gate, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gatedValidator) Validate(ctx context.Context, ds dataset.Dataset) ([]models.Violation, error) {
	for _, t := range ds.Triples() {
		if t.Subject == g.gate {
			g.entered <- struct{}{}
			select {
			case <-g.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			break
		}
	}
	return nil, nil
}

func people(t *testing.T, subjects ...string) *dataset.Graph {
	t.Helper()
	var triples []dataset.Triple
	for _, s := range subjects {
		triples = append(triples, dataset.Triple{Subject: s, Predicate: rdfType, Object: person})
	}
	return dataset.NewGraph(triples...)
}

func TestVerifyAndApply_CommitsResolvingRepair(t *testing.T) {
	live := people(t, "<http://ex.org/bob>")
	e := NewEngine(&nameRule{}, Config{}, zap.NewNop())

	res := e.VerifyAndApply(context.Background(), live, "http://ex.org/bob",
		`INSERT DATA { <http://ex.org/bob> <http://ex.org/name> "Bob" . }`)

	require.True(t, res.Applied, res.Reason)
	assert.Equal(t, 1, res.Affected)
	assert.True(t, live.Has(dataset.Triple{Subject: "<http://ex.org/bob>", Predicate: name, Object: `"Bob"`}))
}

func TestVerifyAndApply_RejectsNonResolvingRepair(t *testing.T) {
	live := people(t, "<http://ex.org/bob>")
	before := live.Triples()
	e := NewEngine(&nameRule{}, Config{}, zap.NewNop())

	res := e.VerifyAndApply(context.Background(), live, "http://ex.org/bob",
		`INSERT DATA { <http://ex.org/bob> <http://ex.org/age> 42 . }`)

	assert.False(t, res.Applied)
	assert.Contains(t, res.Reason, "does not resolve")
	assert.Equal(t, before, live.Triples())
}

func TestVerifyAndApply_RejectsRepairIntroducingViolation(t *testing.T) {
	live := people(t, "<http://ex.org/bob>")
	before := live.Triples()
	e := NewEngine(&nameRule{}, Config{}, zap.NewNop())

	stmt := `INSERT DATA {
		<http://ex.org/bob> <http://ex.org/name> "Bob" .
		<http://ex.org/carol> <http://www.w3.org/1999/02/22-rdf-syntax-ns#type> <http://ex.org/Person> .
	}`
	res := e.VerifyAndApply(context.Background(), live, "http://ex.org/bob", stmt)

	assert.False(t, res.Applied)
	assert.Contains(t, res.Reason, "new violation")
	assert.Equal(t, before, live.Triples())
}

func TestVerifyAndApply_FocusScopeIgnoresOtherEntities(t *testing.T) {
	live := people(t, "<http://ex.org/bob>")
	e := NewEngine(&nameRule{}, Config{Scope: ScopeFocus}, zap.NewNop())

	stmt := `INSERT DATA {
		<http://ex.org/bob> <http://ex.org/name> "Bob" .
		<http://ex.org/carol> <http://www.w3.org/1999/02/22-rdf-syntax-ns#type> <http://ex.org/Person> .
	}`
	res := e.VerifyAndApply(context.Background(), live, "http://ex.org/bob", stmt)

	assert.True(t, res.Applied, res.Reason)
	assert.Equal(t, 2, res.Affected)
}

func TestVerifyAndApply_PartialFixWithoutFocus(t *testing.T) {
	live := people(t, "<http://ex.org/bob>", "<http://ex.org/alice>")
	rule := &nameRule{}
	e := NewEngine(rule, Config{}, zap.NewNop())

	res := e.VerifyAndApply(context.Background(), live, "",
		`INSERT DATA { <http://ex.org/bob> <http://ex.org/name> "Bob" . }`)

	assert.True(t, res.Applied, res.Reason)
	// scratch still had a violation, so the baseline was validated too
	assert.Equal(t, 2, rule.calls)
}

func TestVerifyAndApply_FailsClosed(t *testing.T) {
	stmt := `INSERT DATA { <http://ex.org/bob> <http://ex.org/name> "Bob" . }`

	cases := map[string]struct {
		engine *Engine
		stmt   string
	}{
		"malformed":   {NewEngine(&nameRule{}, Config{}, zap.NewNop()), `INSERT DATA { <http://ex.org/bob> }`},
		"placeholder": {NewEngine(&nameRule{}, Config{}, zap.NewNop()), `INSERT DATA { <http://ex.org/bob> <http://ex.org/name> $user_provided_value . }`},
		"validator":   {NewEngine(failingValidator{}, Config{}, zap.NewNop()), stmt},
		"panic":       {NewEngine(panickingValidator{}, Config{}, zap.NewNop()), stmt},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			live := people(t, "<http://ex.org/bob>")
			before := live.Triples()

			res := tc.engine.VerifyAndApply(context.Background(), live, "http://ex.org/bob", tc.stmt)

			assert.False(t, res.Applied)
			assert.NotEmpty(t, res.Reason)
			assert.Equal(t, before, live.Triples())
		})
	}
}

func TestVerifyAndApply_DatasetsDoNotBlockEachOther(t *testing.T) {
	v := newGatedValidator("<http://ex.org/slow>")
	e := NewEngine(v, Config{}, zap.NewNop())
	slow := people(t, "<http://ex.org/slow>")
	fast := people(t, "<http://ex.org/bob>")

	slowDone := make(chan Result, 1)
	go func() {
		slowDone <- e.VerifyAndApply(context.Background(), slow, "http://ex.org/slow",
			`INSERT DATA { <http://ex.org/slow> <http://ex.org/name> "Slow" . }`)
	}()
	<-v.entered

	fastDone := make(chan Result, 1)
	go func() {
		fastDone <- e.VerifyAndApply(context.Background(), fast, "http://ex.org/bob",
			`INSERT DATA { <http://ex.org/bob> <http://ex.org/name> "Bob" . }`)
	}()

	select {
	case res := <-fastDone:
		assert.True(t, res.Applied, res.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("repair on an unrelated dataset waited for another dataset's verification")
	}

	close(v.release)
	res := <-slowDone
	assert.True(t, res.Applied, res.Reason)
}

func TestVerifyAndApply_SameDatasetIsSerialized(t *testing.T) {
	v := newGatedValidator("<http://ex.org/slow>")
	e := NewEngine(v, Config{}, zap.NewNop())
	live := people(t, "<http://ex.org/slow>")
	stmt := `INSERT DATA { <http://ex.org/slow> <http://ex.org/name> "Slow" . }`

	results := make(chan Result, 2)
	go func() { results <- e.VerifyAndApply(context.Background(), live, "http://ex.org/slow", stmt) }()
	<-v.entered

	go func() { results <- e.VerifyAndApply(context.Background(), live, "http://ex.org/slow", stmt) }()

	select {
	case <-v.entered:
		t.Fatal("second verification started while the first held the dataset")
	case <-results:
		t.Fatal("verification finished before release")
	case <-time.After(50 * time.Millisecond):
	}

	close(v.release)
	first, second := <-results, <-results
	assert.True(t, first.Applied, first.Reason)
	assert.True(t, second.Applied, second.Reason)
	assert.Equal(t, 1, first.Affected+second.Affected)

	e.mu.Lock()
	defer e.mu.Unlock()
	assert.Empty(t, e.locks)
}

package service

import (
	"context"
	"testing"

	"repair-service/internal/dataset"
	"repair-service/internal/models"
	"repair-service/internal/repair"
	"repair-service/internal/signature"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	rdfType = "<http://www.w3.org/1999/02/22-rdf-syntax-ns#type>"
	exName  = "<http://ex.org/name>"
)

// unnamedPeople reports every ex:Person without ex:name
type unnamedPeople struct{}

func (unnamedPeople) Validate(_ context.Context, ds dataset.Dataset) ([]models.Violation, error) {
	typed := map[string]bool{}
	named := map[string]bool{}
	for _, t := range ds.Triples() {
		if t.Predicate == rdfType && t.Object == "<http://ex.org/Person>" {
			typed[t.Subject] = true
		}
		if t.Predicate == exName {
			named[t.Subject] = true
		}
	}
	var out []models.Violation
	for s := range typed {
		if !named[s] {
			out = append(out, models.Violation{
				FocusNode:    s,
				ConstraintID: "sh:MinCountConstraintComponent",
				PropertyPath: "http://ex.org/name",
			})
		}
	}
	return out, nil
}

func newRepairService(t *testing.T) (*RepairService, *dataset.Registry, *dataset.Graph) {
	t.Helper()
	registry := dataset.NewRegistry()
	g := dataset.NewGraph(dataset.Triple{Subject: "<http://ex.org/bob>", Predicate: rdfType, Object: "<http://ex.org/Person>"})
	registry.Put("s1", g)

	engine := repair.NewEngine(unnamedPeople{}, repair.Config{}, zap.NewNop())
	return NewRepairService(registry, engine, openStore(t), zap.NewNop()), registry, g
}

func TestRepairService_AppliesAndRecordsAcceptance(t *testing.T) {
	svc, _, g := newRepairService(t)
	v := missingName()

	resp, err := svc.Apply(context.Background(), models.ApplyRepairRequest{
		SessionID:       "s1",
		RepairStatement: `INSERT DATA { <http://ex.org/bob> <http://ex.org/name> "Bob" . }`,
		Violation:       &v,
	})
	require.NoError(t, err)
	assert.True(t, resp.Success, resp.Reason)
	assert.Equal(t, 1, resp.AffectedCount)
	assert.True(t, g.Has(dataset.Triple{Subject: "<http://ex.org/bob>", Predicate: exName, Object: `"Bob"`}))

	fb := svc.Feedback(v)
	require.Len(t, fb, 1)
	assert.Equal(t, models.FeedbackAccepted, fb[0].Action)
	assert.Equal(t, signature.Sign(v).Key(), fb[0].SignatureKey)
}

func TestRepairService_EditedActionIsKept(t *testing.T) {
	svc, _, _ := newRepairService(t)
	v := missingName()

	resp, err := svc.Apply(context.Background(), models.ApplyRepairRequest{
		SessionID:       "s1",
		RepairStatement: `INSERT DATA { <http://ex.org/bob> <http://ex.org/name> "Robert" . }`,
		Violation:       &v,
		Action:          models.FeedbackEdited,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)

	fb := svc.Feedback(v)
	require.Len(t, fb, 1)
	assert.Equal(t, models.FeedbackEdited, fb[0].Action)
}

func TestRepairService_FailedVerificationIsRecorded(t *testing.T) {
	svc, _, g := newRepairService(t)
	before := g.Triples()
	v := missingName()

	resp, err := svc.Apply(context.Background(), models.ApplyRepairRequest{
		SessionID:       "s1",
		RepairStatement: `INSERT DATA { <http://ex.org/bob> <http://ex.org/age> 42 . }`,
		Violation:       &v,
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Reason)
	assert.Equal(t, before, g.Triples())

	fb := svc.Feedback(v)
	require.Len(t, fb, 1)
	assert.Equal(t, models.FeedbackVerificationFailed, fb[0].Action)
}

func TestRepairService_RejectsUnusableRequests(t *testing.T) {
	svc, _, g := newRepairService(t)
	before := g.Triples()

	_, err := svc.Apply(context.Background(), models.ApplyRepairRequest{
		SessionID:       "s1",
		RepairStatement: `INSERT DATA { <http://ex.org/bob> <http://ex.org/name> $user_provided_value . }`,
	})
	assert.ErrorIs(t, err, dataset.ErrUnresolvedPlaceholder)

	_, err = svc.Apply(context.Background(), models.ApplyRepairRequest{
		SessionID:       "missing",
		RepairStatement: `INSERT DATA { <http://ex.org/bob> <http://ex.org/name> "Bob" . }`,
	})
	assert.ErrorIs(t, err, dataset.ErrSessionNotFound)

	assert.Equal(t, before, g.Triples())
}

func TestRepairService_RecordFeedback(t *testing.T) {
	svc, _, _ := newRepairService(t)
	v := missingName()

	_, err := svc.RecordFeedback(v, "DELETE DATA { }", models.FeedbackAction("Maybe"))
	assert.ErrorIs(t, err, ErrInvalidAction)

	entry, err := svc.RecordFeedback(v, `INSERT DATA { <http://ex.org/bob> <http://ex.org/name> "Bob" . }`, models.FeedbackRejected)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, models.FeedbackRejected, entry.Action)

	assert.Len(t, svc.Feedback(v), 1)
}

package signature

import (
	"encoding/json"
	"testing"

	"repair-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestSign_IgnoresInstanceData(t *testing.T) {
	a := models.Violation{
		FocusNode:    "http://ex.org/alice",
		ConstraintID: "sh:MinCountConstraintComponent",
		Category:     models.CategoryCardinality,
		PropertyPath: "http://ex.org/name",
		Value:        strPtr("x"),
		Message:      "Less than 1 values",
		Context: map[string]any{
			"sh:minCount": 1,
			"actual":      0,
		},
	}
	b := a
	b.FocusNode = "http://ex.org/bob"
	b.Value = nil
	b.Message = "something else"
	b.Context = map[string]any{
		"sh:minCount":  1,
		"actual":       3,
		"focus_labels": []any{"Bob"},
	}

	sa, sb := Sign(a), Sign(b)
	assert.Equal(t, sa, sb)
	assert.Equal(t, sa.Key(), sb.Key())
	assert.NotContains(t, sa.Canonical(), "alice")
}

func TestSign_KeyOrderIndependent(t *testing.T) {
	ctx1 := map[string]any{}
	ctx2 := map[string]any{}
	keys := []string{"sh:pattern", "sh:flags", "sh:datatype", "sh:maxCount"}
	vals := []any{"^[A-Z]", "i", "xsd:string", 2}
	for i := range keys {
		ctx1[keys[i]] = vals[i]
	}
	for i := len(keys) - 1; i >= 0; i-- {
		ctx2[keys[i]] = vals[i]
	}

	v1 := models.Violation{ConstraintID: "sh:PatternConstraintComponent", PropertyPath: "p", Category: models.CategoryPattern, Context: ctx1}
	v2 := models.Violation{ConstraintID: "sh:PatternConstraintComponent", PropertyPath: "p", Category: models.CategoryPattern, Context: ctx2}

	for i := 0; i < 20; i++ {
		require.Equal(t, Sign(v1).Key(), Sign(v2).Key())
	}
}

func TestSign_ParameterKeySpellings(t *testing.T) {
	base := models.Violation{ConstraintID: "sh:PatternConstraintComponent", PropertyPath: "p", Category: models.CategoryPattern}

	prefixed := base
	prefixed.Context = map[string]any{"sh:pattern": "^a"}
	full := base
	full.Context = map[string]any{"http://www.w3.org/ns/shacl#pattern": "^a"}
	bare := base
	bare.Context = map[string]any{"pattern": "^a"}

	assert.Equal(t, Sign(prefixed).Key(), Sign(full).Key())
	assert.Equal(t, Sign(prefixed).Key(), Sign(bare).Key())
}

func TestSign_DifferentRulesDiffer(t *testing.T) {
	a := models.Violation{ConstraintID: "sh:MaxCountConstraintComponent", PropertyPath: "p", Context: map[string]any{"sh:maxCount": 1}}
	b := models.Violation{ConstraintID: "sh:MaxCountConstraintComponent", PropertyPath: "p", Context: map[string]any{"sh:maxCount": 2}}
	c := models.Violation{ConstraintID: "sh:MaxCountConstraintComponent", PropertyPath: "q", Context: map[string]any{"sh:maxCount": 1}}

	assert.NotEqual(t, Sign(a).Key(), Sign(b).Key())
	assert.NotEqual(t, Sign(a).Key(), Sign(c).Key())
}

func TestSign_NormalizesConstraintIRI(t *testing.T) {
	a := models.Violation{ConstraintID: "http://www.w3.org/ns/shacl#MinCountConstraintComponent", PropertyPath: " name "}
	b := models.Violation{ConstraintID: "sh:MinCountConstraintComponent", PropertyPath: "name"}

	assert.Equal(t, "sh:MinCountConstraintComponent", Sign(a).ConstraintID)
	assert.Equal(t, Sign(a).Key(), Sign(b).Key())
}

func TestSign_MissingFieldsNeverFail(t *testing.T) {
	s := Sign(models.Violation{})
	assert.Equal(t, "", s.ConstraintID)
	assert.Equal(t, "", s.PropertyPath)
	assert.Equal(t, models.CategoryOther, s.Category)
	assert.NotNil(t, s.Params)
	assert.Len(t, s.Key(), 64)
}

func TestSign_JSONNumbersMatchGoInts(t *testing.T) {
	var decoded models.Violation
	require.NoError(t, json.Unmarshal([]byte(`{
		"constraint_component": "sh:MinCountConstraintComponent",
		"result_path": "name",
		"context": {"sh:minCount": 1}
	}`), &decoded))

	direct := models.Violation{
		ConstraintID: "sh:MinCountConstraintComponent",
		PropertyPath: "name",
		Category:     models.CategoryCardinality,
		Context:      map[string]any{"sh:minCount": 1},
	}
	assert.Equal(t, Sign(direct).Key(), Sign(decoded).Key())
}

func TestCanonical_SeparatorsInPatternDoNotCollide(t *testing.T) {
	a := Signature{ConstraintID: "c", PropertyPath: "p", Category: models.CategoryPattern, Params: map[string]string{"sh:pattern": "a;sh:flags=i"}}
	b := Signature{ConstraintID: "c", PropertyPath: "p", Category: models.CategoryPattern, Params: map[string]string{"sh:pattern": "a", "sh:flags": "i"}}
	assert.NotEqual(t, a.Key(), b.Key())
	assert.False(t, a.Equal(b))
}

func TestSign_ConflictingSpellingsAreDeterministic(t *testing.T) {
	v := models.Violation{
		ConstraintID: "sh:MinCountConstraintComponent",
		PropertyPath: "http://ex.org/name",
		Category:     models.CategoryCardinality,
		Context: map[string]any{
			"minCount":                            1,
			"sh:minCount":                         3,
			"http://www.w3.org/ns/shacl#minCount": 2,
		},
	}

	first := Sign(v)
	for i := 0; i < 200; i++ {
		require.Equal(t, first.Key(), Sign(v).Key())
	}
	// the full IRI spelling takes precedence
	assert.Equal(t, "2", first.Params["sh:minCount"])
}

func TestSign_AllowedValueOrderIgnored(t *testing.T) {
	base := models.Violation{
		ConstraintID: "sh:InConstraintComponent",
		PropertyPath: "http://ex.org/status",
		Category:     models.CategoryEnumeration,
	}
	a, b := base, base
	a.Context = map[string]any{"sh:in": []any{"active", "retired"}}
	b.Context = map[string]any{"sh:in": []any{"retired", "active"}}

	assert.True(t, Sign(a).Equal(Sign(b)))
}

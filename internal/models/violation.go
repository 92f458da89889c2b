package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Category is the coarse class of a constraint violation
type Category string

const (
	CategoryCardinality Category = "cardinality"
	CategoryPattern     Category = "pattern"
	CategoryDatatype    Category = "datatype"
	CategoryRange       Category = "range"
	CategoryEnumeration Category = "enumeration"
	CategoryOther       Category = "other"
)

// Categories lists every accepted category value
var Categories = []Category{
	CategoryCardinality,
	CategoryPattern,
	CategoryDatatype,
	CategoryRange,
	CategoryEnumeration,
	CategoryOther,
}

// ParseCategory maps a free-form category name onto a Category.
// Unknown names become CategoryOther.
func ParseCategory(s string) Category {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range Categories {
		if string(c) == s {
			return c
		}
	}
	return CategoryOther
}

// Violation represents one detected rule breach against a focus entity.
// It is immutable once extracted; pipeline stages pass it by value.
type Violation struct {
	FocusNode    string         `json:"focus_node"`
	ShapeID      string         `json:"shape_id,omitempty"`
	ConstraintID string         `json:"constraint_id"`
	Category     Category       `json:"violation_type"`
	PropertyPath string         `json:"property_path"`
	Value        *string        `json:"value,omitempty"`
	Message      string         `json:"message"`
	Severity     string         `json:"severity,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// ValueOrEmpty returns the offending value or an empty string.
func (v Violation) ValueOrEmpty() string {
	if v.Value == nil {
		return ""
	}
	return *v.Value
}

// Field spellings accepted from upstream producers, in priority order.
var (
	focusNodeKeys    = []string{"focus_node", "focusNode"}
	shapeIDKeys      = []string{"shape_id", "source_shape", "sourceShape", "nodeShape", "propertyShape"}
	constraintIDKeys = []string{"constraint_id", "constraint_component", "constraintComponent", "sourceConstraintComponent"}
	propertyPathKeys = []string{"property_path", "result_path", "resultPath", "path"}
	valueKeys        = []string{"value", "offending_value"}
	messageKeys      = []string{"message", "resultMessage", "result_message", "error_message"}
	severityKeys     = []string{"severity", "resultSeverity", "result_severity"}
	categoryKeys     = []string{"violation_type", "category", "violationType"}
	contextKeys      = []string{"context", "constraint_params", "details"}
)

// UnmarshalJSON decodes a violation from any of the field naming
// conventions used by upstream validators and normalizes it.
func (v *Violation) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode violation: %w", err)
	}
	*v = NormalizeViolation(raw)
	return nil
}

// NormalizeViolation maps a loosely-typed violation record onto the
// canonical Violation shape.
func NormalizeViolation(raw map[string]any) Violation {
	v := Violation{
		FocusNode:    firstString(raw, focusNodeKeys),
		ShapeID:      firstString(raw, shapeIDKeys),
		ConstraintID: firstString(raw, constraintIDKeys),
		PropertyPath: firstString(raw, propertyPathKeys),
		Message:      firstString(raw, messageKeys),
		Severity:     firstString(raw, severityKeys),
	}

	if val, ok := first(raw, valueKeys); ok && val != nil {
		s := stringify(val)
		v.Value = &s
	}

	if ctx, ok := first(raw, contextKeys); ok {
		if m, ok := ctx.(map[string]any); ok && len(m) > 0 {
			v.Context = m
		}
	}

	if c := firstString(raw, categoryKeys); c != "" {
		v.Category = ParseCategory(c)
	}
	if v.Category == "" || v.Category == CategoryOther {
		if inferred := InferCategory(v.ConstraintID); inferred != CategoryOther {
			v.Category = inferred
		}
	}
	if v.Category == "" {
		v.Category = CategoryOther
	}

	return v
}

// InferCategory derives a category from a constraint component identifier
// such as "sh:MinCountConstraintComponent".
func InferCategory(constraintID string) Category {
	id := strings.ToLower(constraintID)
	if i := strings.LastIndexAny(id, "#:/"); i >= 0 {
		id = id[i+1:]
	}
	id = strings.TrimSuffix(id, "constraintcomponent")

	switch id {
	case "mincount", "maxcount", "qualifiedmincount", "qualifiedmaxcount":
		return CategoryCardinality
	case "pattern", "languagein", "uniquelang":
		return CategoryPattern
	case "datatype", "nodekind", "class":
		return CategoryDatatype
	case "mininclusive", "maxinclusive", "minexclusive", "maxexclusive", "minlength", "maxlength":
		return CategoryRange
	case "in", "hasvalue":
		return CategoryEnumeration
	}
	return CategoryOther
}

func first(raw map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if val, ok := raw[k]; ok {
			return val, true
		}
	}
	return nil, false
}

func firstString(raw map[string]any, keys []string) string {
	for _, k := range keys {
		val, ok := raw[k]
		if !ok || val == nil {
			continue
		}
		if s := stringify(val); s != "" {
			return s
		}
	}
	return ""
}

func stringify(val any) string {
	switch t := val.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		// integral JSON numbers print without a trailing ".0"
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case map[string]any:
		// SPARQL JSON bindings carry the term under "value"
		if inner, ok := t["value"]; ok {
			return stringify(inner)
		}
	}
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprint(val)
	}
	return string(b)
}

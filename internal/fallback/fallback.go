// Package fallback derives basic explanations and repairs from the
// violated constraint alone, without calling a generation provider.
package fallback

import (
	"fmt"
	"strings"
	"time"

	"repair-service/internal/dataset"
	"repair-service/internal/models"
	"repair-service/internal/signature"
)

// ModelVersion identifies the rule set in record provenance
const ModelVersion = "rule-based-1.0"

// Explain returns a low-confidence record for the violation. Unlike cached
// records it may mention the focus entity and offending value.
func Explain(v models.Violation) models.ExplanationRecord {
	kind := constraintKind(v.ConstraintID)
	attr := label(v.PropertyPath)
	value := v.ValueOrEmpty()

	var explanation, suggestion string
	var ops []string

	subject := dataset.FormatNode(v.FocusNode)
	predicate := dataset.FormatNode(v.PropertyPath)
	deleteValue := func() {
		if v.Value != nil {
			ops = append(ops, deleteData(subject, predicate, dataset.FormatValue(value)))
		}
	}
	insert := func(object string) {
		ops = append(ops, insertData(subject, predicate, object))
	}

	switch kind {
	case "mincount", "qualifiedmincount":
		explanation = fmt.Sprintf("This data record is incomplete. The '%s' attribute is required but missing.", attr)
		suggestion = fmt.Sprintf("Add a value for the '%s' attribute to complete the record.", attr)
		insert(dataset.PlaceholderToken)

	case "maxcount", "qualifiedmaxcount":
		explanation = fmt.Sprintf("This data record has too many values for the '%s' attribute.", attr)
		suggestion = fmt.Sprintf("Remove extra values from the '%s' attribute to comply with the rule.", attr)
		deleteValue()

	case "datatype":
		explanation = fmt.Sprintf("This data record has a value of the wrong type for the '%s' attribute.", attr)
		suggestion = fmt.Sprintf("Change the value of '%s' to the correct data type.", attr)
		deleteValue()
		if dt, ok := param(v, "sh:datatype"); ok && v.Value != nil {
			insert(dataset.TypedLiteral(lexical(value), dt))
		} else {
			insert(dataset.PlaceholderToken)
		}

	case "pattern":
		if pattern, ok := param(v, "sh:pattern"); ok {
			explanation = fmt.Sprintf("The value '%s' for '%s' doesn't match the required pattern '%s'.", value, attr, pattern)
			suggestion = fmt.Sprintf("Change the value to match the required pattern '%s'.", pattern)
		} else {
			explanation = fmt.Sprintf("The value for '%s' doesn't match the required format.", attr)
			suggestion = "Change the value to match the required format."
		}
		deleteValue()
		insert(dataset.PlaceholderToken)

	case "in":
		allowed := allowedValues(v)
		if len(allowed) > 0 {
			explanation = fmt.Sprintf("The value '%s' for '%s' is not in the list of allowed values.", value, attr)
			suggestion = fmt.Sprintf("Change the value to one of the allowed options: %s.", strings.Join(allowed, ", "))
		} else {
			explanation = fmt.Sprintf("The value for '%s' is not in the allowed list.", attr)
			suggestion = "Change the value to one of the allowed options."
		}
		deleteValue()
		if len(allowed) > 0 {
			insert(dataset.FormatValue(allowed[0]))
		} else {
			insert(dataset.PlaceholderToken)
		}

	case "maxinclusive", "maxexclusive", "mininclusive", "minexclusive", "maxlength", "minlength":
		bound, hasBound := param(v, "sh:"+boundKey(kind))
		switch {
		case hasBound && strings.HasPrefix(kind, "max"):
			explanation = fmt.Sprintf("The value '%s' for '%s' exceeds the allowed maximum of %s.", value, attr, bound)
			suggestion = fmt.Sprintf("Change the value so it does not exceed %s.", bound)
		case hasBound:
			explanation = fmt.Sprintf("The value '%s' for '%s' is below the allowed minimum of %s.", value, attr, bound)
			suggestion = fmt.Sprintf("Change the value so it is at least %s.", bound)
		default:
			explanation = fmt.Sprintf("The value '%s' for '%s' is outside the allowed range.", value, attr)
			suggestion = "Change the value so it falls inside the allowed range."
		}
		deleteValue()
		insert(dataset.PlaceholderToken)

	default:
		explanation = fmt.Sprintf("The data record violates a quality rule on the '%s' attribute.", attr)
		if v.Message != "" {
			explanation += " " + v.Message
		}
		suggestion = fmt.Sprintf("Review and correct the '%s' value according to the rule.", attr)
	}

	return models.ExplanationRecord{
		Explanation:     explanation,
		Suggestions:     []string{suggestion},
		RepairStatement: strings.Join(ops, " ;\n"),
		Provider:        models.ProviderFallback,
		ModelVersion:    ModelVersion,
		Confidence:      models.FallbackConfidence,
		CreatedAt:       time.Now().UTC(),
	}
}

func insertData(s, p, o string) string {
	return fmt.Sprintf("INSERT DATA { %s %s %s . }", s, p, o)
}

func deleteData(s, p, o string) string {
	return fmt.Sprintf("DELETE DATA { %s %s %s . }", s, p, o)
}

// constraintKind returns the lower-cased local name of a constraint
// component without its ConstraintComponent suffix
func constraintKind(constraintID string) string {
	id := strings.ToLower(signature.NormalizeConstraintID(constraintID))
	if i := strings.LastIndexAny(id, "#:/"); i >= 0 {
		id = id[i+1:]
	}
	return strings.TrimSuffix(id, "constraintcomponent")
}

// label returns a readable name for a property path
func label(path string) string {
	path = strings.Trim(strings.TrimSpace(path), "<>")
	if path == "" {
		return "unknown"
	}
	if i := strings.LastIndexAny(path, "#/:"); i >= 0 && i < len(path)-1 {
		return path[i+1:]
	}
	return path
}

func boundKey(kind string) string {
	switch kind {
	case "maxinclusive":
		return "maxInclusive"
	case "maxexclusive":
		return "maxExclusive"
	case "mininclusive":
		return "minInclusive"
	case "minexclusive":
		return "minExclusive"
	case "maxlength":
		return "maxLength"
	default:
		return "minLength"
	}
}

// param looks up a rule parameter by its canonical key
func param(v models.Violation, canonical string) (string, bool) {
	for k, val := range v.Context {
		if key, ok := signature.CanonicalParamKey(k); ok && key == canonical {
			s := fmt.Sprint(val)
			if f, ok := val.(float64); ok && f == float64(int64(f)) {
				s = fmt.Sprintf("%d", int64(f))
			}
			return s, s != ""
		}
	}
	return "", false
}

func allowedValues(v models.Violation) []string {
	for k, val := range v.Context {
		key, ok := signature.CanonicalParamKey(k)
		if !ok || key != "sh:in" {
			continue
		}
		switch t := val.(type) {
		case []any:
			out := make([]string, 0, len(t))
			for _, item := range t {
				out = append(out, fmt.Sprint(item))
			}
			return out
		case []string:
			return t
		case string:
			var out []string
			for _, s := range strings.Split(t, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return nil
}

// lexical strips term syntax from a value such as "42"^^xsd:string
func lexical(value string) string {
	v := strings.TrimSpace(value)
	if strings.HasPrefix(v, `"`) {
		if end := strings.LastIndex(v, `"`); end > 0 {
			return v[1:end]
		}
	}
	return v
}

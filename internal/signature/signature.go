// Package signature derives instance-independent identities for violations.
//
// Two violations that break the same rule in the same way (same constraint,
// path, category and rule-defining parameters) share a Signature no matter
// which entity they were found on, so they can share one cached explanation.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"repair-service/internal/models"
)

// Signature is the generalized identity of a violation type
type Signature struct {
	ConstraintID string            `json:"constraint_id"`
	PropertyPath string            `json:"property_path"`
	Category     models.Category   `json:"violation_type"`
	Params       map[string]string `json:"constraint_params"`
}

// namespaces rewritten to their conventional prefixes
var namespaces = []struct {
	iri    string
	prefix string
}{
	{"http://www.w3.org/ns/shacl#", "sh:"},
	{"http://www.w3.org/1999/02/22-rdf-syntax-ns#", "rdf:"},
	{"http://www.w3.org/2000/01/rdf-schema#", "rdfs:"},
	{"http://www.w3.org/2001/XMLSchema#", "xsd:"},
	{"http://www.w3.org/2002/07/owl#", "owl:"},
}

// ruleKeys maps lower-cased local names of rule-defining parameters to
// their canonical key. Anything else in a violation's context is instance
// data and never reaches the signature.
var ruleKeys = map[string]string{
	"pattern":      "sh:pattern",
	"flags":        "sh:flags",
	"class":        "sh:class",
	"datatype":     "sh:datatype",
	"nodekind":     "sh:nodeKind",
	"mincount":     "sh:minCount",
	"maxcount":     "sh:maxCount",
	"mininclusive": "sh:minInclusive",
	"maxinclusive": "sh:maxInclusive",
	"minexclusive": "sh:minExclusive",
	"maxexclusive": "sh:maxExclusive",
	"minlength":    "sh:minLength",
	"maxlength":    "sh:maxLength",
	"in":           "sh:in",
}

// Sign derives the signature of a violation. It is pure and never fails:
// missing fields become empty components.
func Sign(v models.Violation) Signature {
	category := v.Category
	if category == "" {
		category = models.CategoryOther
	}
	return Signature{
		ConstraintID: NormalizeConstraintID(v.ConstraintID),
		PropertyPath: strings.TrimSpace(v.PropertyPath),
		Category:     category,
		Params:       ruleParams(v.Context),
	}
}

// NormalizeConstraintID rewrites well-known namespace IRIs to prefixed form.
func NormalizeConstraintID(id string) string {
	id = strings.TrimSpace(id)
	for _, ns := range namespaces {
		if strings.HasPrefix(id, ns.iri) {
			return ns.prefix + strings.TrimPrefix(id, ns.iri)
		}
	}
	return id
}

// CanonicalParamKey returns the canonical name of a rule-defining context
// key, or false if the key carries instance data.
func CanonicalParamKey(key string) (string, bool) {
	local := strings.TrimSpace(key)
	if i := strings.LastIndexAny(local, "#:/"); i >= 0 {
		local = local[i+1:]
	}
	canonical, ok := ruleKeys[strings.ToLower(local)]
	return canonical, ok
}

// setValued parameters are unordered collections
var setValued = map[string]bool{
	"sh:in": true,
}

// ruleParams collects the rule-defining parameters. When several spellings
// of one parameter are present the full IRI wins over the prefixed name,
// which wins over the bare name; equal spellings fall back to key order.
func ruleParams(ctx map[string]any) map[string]string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make(map[string]string)
	ranks := make(map[string]int)
	for _, k := range keys {
		canonical, ok := CanonicalParamKey(k)
		if !ok {
			continue
		}
		rank := spellingRank(k)
		if prev, seen := ranks[canonical]; seen && prev <= rank {
			continue
		}
		ranks[canonical] = rank
		params[canonical] = canonicalValue(ctx[k], setValued[canonical])
	}
	return params
}

func spellingRank(key string) int {
	switch {
	case strings.Contains(key, "://"):
		return 0
	case strings.Contains(key, ":"):
		return 1
	default:
		return 2
	}
}

func canonicalValue(val any, unordered bool) string {
	switch t := val.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return joinValues(append([]string(nil), t...), unordered)
	case []any:
		parts := make([]string, len(t))
		for i, p := range t {
			parts[i] = canonicalValue(p, false)
		}
		return joinValues(parts, unordered)
	}
	b, err := json.Marshal(val)
	if err != nil {
		return ""
	}
	return string(b)
}

func joinValues(parts []string, unordered bool) string {
	if unordered {
		sort.Strings(parts)
	}
	return strings.Join(parts, ",")
}

// Canonical returns the sorted-by-key serialization used for hashing.
func (s Signature) Canonical() string {
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([][2]string, len(keys))
	for i, k := range keys {
		params[i] = [2]string{k, s.Params[k]}
	}

	// a fixed-order array keeps the encoding unambiguous even when
	// pattern values contain separator characters
	b, _ := json.Marshal([]any{s.ConstraintID, s.PropertyPath, string(s.Category), params})
	return string(b)
}

// Key is the stable cache key of the signature
func (s Signature) Key() string {
	sum := sha256.Sum256([]byte(s.Canonical()))
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two signatures denote the same violation type
func (s Signature) Equal(other Signature) bool {
	return s.Canonical() == other.Canonical()
}

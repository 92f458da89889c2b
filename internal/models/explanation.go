package models

import "time"

// Provenance values for records that were not produced by an LLM provider
const (
	ProviderFallback = "fallback_generator"
)

// FallbackConfidence is the confidence assigned to rule-derived explanations
const FallbackConfidence = 0.3

// ExplanationRecord is the cached explanation and repair for one
// violation signature in one language.
type ExplanationRecord struct {
	Explanation     string    `json:"explanation"`
	Suggestions     []string  `json:"suggestions"`
	RepairStatement string    `json:"repair_statement,omitempty"`
	Provider        string    `json:"provider"`
	ModelVersion    string    `json:"model_version,omitempty"`
	Confidence      float64   `json:"confidence"`
	CreatedAt       time.Time `json:"created_at"`
}

// Source tags where an explanation came from
type Source string

const (
	SourceCacheHit       Source = "cache_hit"
	SourceGeneratedFresh Source = "generated_fresh"
	SourceFallback       Source = "fallback"
)

// Resolution is the result of a tiered explanation lookup
type Resolution struct {
	Source       Source             `json:"source"`
	SignatureKey string             `json:"signature_key"`
	Language     string             `json:"language"`
	Record       *ExplanationRecord `json:"record"`
}

// GenerationResponse is the JSON object returned by LLM providers
type GenerationResponse struct {
	ViolationSignature string  `json:"violation_signature,omitempty"`
	Explanation        string  `json:"explanation_natural_language"`
	Suggestion         string  `json:"suggestion_natural_language"`
	Confidence         float64 `json:"confidence,omitempty"`
	ProposedRepair     struct {
		Type  string `json:"type"`
		Query string `json:"query"`
	} `json:"proposed_repair"`
}

// GenerationContext carries everything a generation client may use beyond
// the violation itself.
type GenerationContext struct {
	Language     string
	SignatureKey string
	Feedback     []FeedbackEntry
}

// Package prompt builds generation prompts for violations and parses the
// JSON objects providers return.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"repair-service/internal/dataset"
	"repair-service/internal/models"
)

// RepairType is the only proposed_repair.type accepted from providers
const RepairType = "DATA_UPDATE"

// SystemInstruction is sent as the system message to every provider
var SystemInstruction = `You are an expert data quality analyst who helps business users understand and fix data issues. Translate technical validation results into simple, business-oriented explanations and actionable suggestions, and produce the update statement that fixes the issue.

You will be given a technical description of a data quality violation. Return a single valid JSON object.

The explanation_natural_language and suggestion_natural_language fields MUST be written for a non-technical audience. Do not use words like node, property, literal, URI, SHACL or SPARQL in them. Say "data record" or "item" instead of node and "attribute" or "field" instead of property.
Example explanation: "This data record is incomplete. Every person must have a name, but this record is missing one."
Example suggestion: "Provide the missing name for this person's record."

The proposed_repair.query field is for the system and MUST be a valid update statement in this exact language:
- one or more operations separated by ";"
- each operation is INSERT DATA { ... } or DELETE DATA { ... }
- inside the braces, triples written as N-Triples terms: <iri>, "literal", "literal"@lang or "literal"^^<datatype>, each triple ending with "."
- no GRAPH clauses, no WHERE clauses, no variables

Choose the operations from the constraint component:
- MinCount (a value is missing): INSERT DATA with the placeholder $user_provided_value, unquoted, as the object.
- MaxCount (too many values): DELETE DATA of the actual violating value.
- Datatype (wrong datatype): DELETE DATA of the violating value, then INSERT DATA of the value typed with the required datatype, for example "42"^^<http://www.w3.org/2001/XMLSchema#integer>.
- Pattern (value does not match the pattern): DELETE DATA of the violating value, then INSERT DATA with $user_provided_value.
- In (value not in the allowed list): DELETE DATA of the violating value, then INSERT DATA of the first allowed value.

Return ONLY the JSON object, with no text before or after it.

JSON structure:
{
  "violation_signature": "identifier of the violation type",
  "explanation_natural_language": "business-oriented explanation of the problem",
  "suggestion_natural_language": "brief actionable suggestion",
  "confidence": 0.0,
  "proposed_repair": {
    "type": "` + RepairType + `",
    "query": "the update statement"
  }
}`

// Build renders the user prompt for one violation. Accepted and rejected
// statements from the signature's feedback history are listed so the
// provider can steer toward repairs users kept.
func Build(v models.Violation, gctx models.GenerationContext) string {
	language := gctx.Language
	if language == "" {
		language = "en"
	}

	details, _ := json.MarshalIndent(v, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "Generate a structured repair object for the following violation in '%s'.\n\n", language)
	fmt.Fprintf(&b, "Violation signature: %s\n\n", gctx.SignatureKey)
	fmt.Fprintf(&b, "Violation details: %s\n\n", details)
	fmt.Fprintf(&b, "Focus entity term: %s\n", dataset.FormatNode(v.FocusNode))
	if v.PropertyPath != "" {
		fmt.Fprintf(&b, "Attribute term: %s\n", dataset.FormatNode(v.PropertyPath))
	}
	if v.Value != nil {
		fmt.Fprintf(&b, "Violating value term: %s\n", dataset.FormatValue(*v.Value))
	}

	var accepted, rejected []string
	for _, fe := range gctx.Feedback {
		switch fe.Action {
		case models.FeedbackAccepted, models.FeedbackEdited:
			accepted = append(accepted, fe.RepairStatement)
		case models.FeedbackRejected, models.FeedbackVerificationFailed:
			rejected = append(rejected, fe.RepairStatement)
		}
	}

	if len(accepted) > 0 || len(rejected) > 0 {
		b.WriteString("\n--- Historical Feedback ---\n")
		b.WriteString("Based on past user actions for this type of data issue, consider the following:\n")
		if len(accepted) > 0 {
			b.WriteString("\nPreviously accepted solutions:\n")
			for _, q := range accepted {
				fmt.Fprintf(&b, "- %s\n", q)
			}
		}
		if len(rejected) > 0 {
			b.WriteString("\nPreviously rejected solutions:\n")
			for _, q := range rejected {
				fmt.Fprintf(&b, "- %s\n", q)
			}
		}
		b.WriteString("\nUse this feedback to propose a repair that is more likely to be accepted.\n")
	}

	return b.String()
}

// StripCodeFence removes a surrounding markdown code fence, if present
func StripCodeFence(text string) string {
	clean := strings.TrimSpace(text)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	return strings.TrimSpace(clean)
}

// Parse decodes a provider response and checks the required keys
func Parse(text string) (*models.GenerationResponse, error) {
	clean := StripCodeFence(text)

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(clean), &keys); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	for _, k := range []string{"explanation_natural_language", "suggestion_natural_language", "proposed_repair"} {
		if _, ok := keys[k]; !ok {
			return nil, fmt.Errorf("response is missing required key %q", k)
		}
	}

	var result models.GenerationResponse
	if err := json.Unmarshal([]byte(clean), &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	result.Explanation = collapseSpace(result.Explanation)
	result.Suggestion = collapseSpace(result.Suggestion)
	result.ProposedRepair.Query = strings.TrimSpace(result.ProposedRepair.Query)

	if result.Explanation == "" {
		return nil, fmt.Errorf("response has an empty explanation")
	}

	return &result, nil
}

// DefaultConfidence is assigned when a provider does not report one
const DefaultConfidence = 0.8

// ToRecord converts a parsed provider response into a cacheable record
func ToRecord(resp *models.GenerationResponse, provider, model string) models.ExplanationRecord {
	confidence := resp.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = DefaultConfidence
	}

	var suggestions []string
	if resp.Suggestion != "" {
		suggestions = []string{resp.Suggestion}
	}

	return models.ExplanationRecord{
		Explanation:     resp.Explanation,
		Suggestions:     suggestions,
		RepairStatement: resp.ProposedRepair.Query,
		Provider:        provider,
		ModelVersion:    model,
		Confidence:      confidence,
		CreatedAt:       time.Now().UTC(),
	}
}

// collapseSpace replaces literal "\n" sequences and runs of whitespace
// with single spaces.
func collapseSpace(s string) string {
	s = strings.ReplaceAll(s, `\n`, " ")
	return strings.Join(strings.Fields(s), " ")
}

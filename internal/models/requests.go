package models

// SubmitJobRequest submits a batch of violations for a session
type SubmitJobRequest struct {
	SessionID  string      `json:"session_id" binding:"required"`
	Violations []Violation `json:"violations"`
}

// ExplanationRequest asks for the best available explanation of a violation
type ExplanationRequest struct {
	Violation Violation `json:"violation"`
	Language  string    `json:"language,omitempty"`
}

// ApplyRepairRequest applies a repair statement to a session's dataset
type ApplyRepairRequest struct {
	SessionID       string         `json:"session_id" binding:"required"`
	RepairStatement string         `json:"repair_statement" binding:"required"`
	FocusNode       string         `json:"focus_node,omitempty"`
	Violation       *Violation     `json:"violation,omitempty"`
	Action          FeedbackAction `json:"action,omitempty"` // Accepted (default) or Edited
}

// ApplyRepairResponse reports the outcome of a repair attempt
type ApplyRepairResponse struct {
	Success       bool   `json:"success"`
	AffectedCount int    `json:"affected_count"`
	Reason        string `json:"reason,omitempty"`
}

// FeedbackRequest records a decision without applying anything
type FeedbackRequest struct {
	Violation       Violation      `json:"violation"`
	RepairStatement string         `json:"repair_statement"`
	Action          FeedbackAction `json:"action" binding:"required"`
}

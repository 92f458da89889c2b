package models

import "time"

// FeedbackAction is a human (or engine) decision about a repair
type FeedbackAction string

const (
	FeedbackAccepted           FeedbackAction = "Accepted"
	FeedbackEdited             FeedbackAction = "Edited"
	FeedbackRejected           FeedbackAction = "Rejected"
	FeedbackVerificationFailed FeedbackAction = "VerificationFailed"
)

// Valid reports whether the action is one of the known values
func (a FeedbackAction) Valid() bool {
	switch a {
	case FeedbackAccepted, FeedbackEdited, FeedbackRejected, FeedbackVerificationFailed:
		return true
	}
	return false
}

// FeedbackEntry is an append-only decision record for a signature.
// Entries are never mutated once written.
type FeedbackEntry struct {
	ID              string         `json:"id" db:"id"`
	SignatureKey    string         `json:"signature_key" db:"signature_key"`
	Action          FeedbackAction `json:"action" db:"action"`
	RepairStatement string         `json:"repair_statement" db:"repair_statement"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

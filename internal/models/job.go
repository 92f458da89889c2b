package models

import "time"

// JobStatus is the lifecycle state of a session job
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions can happen
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job represents an async explanation job for one session
type Job struct {
	SessionID   string      `json:"session_id"`
	Violations  []Violation `json:"-"`
	Status      JobStatus   `json:"status"`
	SubmittedAt time.Time   `json:"timestamp"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`

	CacheHits int    `json:"cache_hits"`
	Generated int    `json:"generated"`
	Failed    int    `json:"failed"`
	Error     string `json:"error_message,omitempty"`
}

// JobSnapshot is a read-only copy of a job's state for status polling
type JobSnapshot struct {
	SessionID       string     `json:"session_id"`
	Status          JobStatus  `json:"status"`
	Timestamp       time.Time  `json:"timestamp"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ViolationsCount int        `json:"violations_count"`
	CacheHits       int        `json:"cache_hits"`
	Generated       int        `json:"generated"`
	Failed          int        `json:"failed"`
	Error           string     `json:"error_message,omitempty"`
}

// Snapshot copies the pollable fields of the job
func (j *Job) Snapshot() JobSnapshot {
	return JobSnapshot{
		SessionID:       j.SessionID,
		Status:          j.Status,
		Timestamp:       j.SubmittedAt,
		CompletedAt:     j.CompletedAt,
		ViolationsCount: len(j.Violations),
		CacheHits:       j.CacheHits,
		Generated:       j.Generated,
		Failed:          j.Failed,
		Error:           j.Error,
	}
}

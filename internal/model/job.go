package model

import (
	"encoding/json"
	"time"
)

// JobStatus is the state of an ingestion job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobSucceeded  JobStatus = "succeeded"
	JobPartial    JobStatus = "partial"
	JobFailed     JobStatus = "failed"
)

// jobTransitions is the allowed state graph. failed→pending is only used by an
// explicit operator requeue.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:    {JobInProgress},
	JobInProgress: {JobSucceeded, JobPartial, JobFailed, JobPending},
	JobFailed:     {JobPending},
}

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, to := range jobTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the job's lifecycle.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobPartial, JobFailed:
		return true
	}
	return false
}

// Open reports whether a job in this status still blocks re-enqueueing the
// same content.
func (s JobStatus) Open() bool {
	return s == JobPending || s == JobInProgress
}

// JobError is one entry in a job's error history.
type JobError struct {
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Kind      string    `json:"kind,omitempty"`
	Transient bool      `json:"transient"`
	At        time.Time `json:"at"`
}

// IngestionJob is a queued unit of work: ingest one document.
type IngestionJob struct {
	ID           string           `json:"id"`
	DocumentID   string           `json:"document_id"`
	ContentHash  string           `json:"content_hash"`
	PortCode     string           `json:"port_code"`
	SourceName   string           `json:"source_name,omitempty"`
	Status       JobStatus        `json:"status"`
	AttemptCount int              `json:"attempt_count"`
	MaxAttempts  int              `json:"max_attempts"`
	LastError    string           `json:"last_error,omitempty"`
	ErrorHistory []JobError       `json:"error_history,omitempty"`
	Force        bool             `json:"force"`
	ScheduledAt  time.Time        `json:"scheduled_at"`
	LockedBy     string           `json:"locked_by,omitempty"`
	LockedAt     *time.Time       `json:"locked_at,omitempty"`
	Result       *IngestionResult `json:"result,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// AttemptsExhausted reports whether no further attempt is allowed.
func (j *IngestionJob) AttemptsExhausted() bool {
	return j.MaxAttempts > 0 && j.AttemptCount >= j.MaxAttempts
}

// HistoryJSON marshals the error history for storage.
func (j *IngestionJob) HistoryJSON() ([]byte, error) {
	if j.ErrorHistory == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(j.ErrorHistory)
}

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status   JobStatus `json:"status,omitempty"`
	PortCode string    `json:"port_code,omitempty"`
	Limit    int       `json:"limit,omitempty"`
	Offset   int       `json:"offset,omitempty"`
}

// JobCounts tallies jobs by status.
type JobCounts map[JobStatus]int

package resilience

import (
	"time"

	"github.com/sells-group/tariff-cli/internal/model"
)

// DLQEntry is a job that exhausted its attempts or failed permanently. It
// keeps the full error history so an operator can decide whether to requeue.
type DLQEntry struct {
	ID           string           `json:"id"`
	JobID        string           `json:"job_id"`
	DocumentID   string           `json:"document_id"`
	ContentHash  string           `json:"content_hash"`
	PortCode     string           `json:"port_code"`
	Error        string           `json:"error"`
	ErrorType    string           `json:"error_type"` // "transient" or "permanent"
	Kind         Kind             `json:"kind"`
	Attempts     int              `json:"attempts"`
	MaxAttempts  int              `json:"max_attempts"`
	ErrorHistory []model.JobError `json:"error_history,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	RequeuedAt   *time.Time       `json:"requeued_at,omitempty"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	PortCode  string `json:"port_code,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// NewDLQEntry builds the dead-letter entry for a terminally failed job.
func NewDLQEntry(job *model.IngestionJob, err error, now time.Time) DLQEntry {
	kind := KindOf(err)
	if kind == KindUnknown && job.AttemptsExhausted() {
		kind = KindRetryExhausted
	}
	msg := job.LastError
	if err != nil {
		msg = err.Error()
	}
	return DLQEntry{
		JobID:        job.ID,
		DocumentID:   job.DocumentID,
		ContentHash:  job.ContentHash,
		PortCode:     job.PortCode,
		Error:        msg,
		ErrorType:    ClassifyError(err),
		Kind:         kind,
		Attempts:     job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		ErrorHistory: job.ErrorHistory,
		CreatedAt:    now,
	}
}

// Exhausted reports whether the job used every attempt it was allowed.
func (e *DLQEntry) Exhausted() bool {
	return e.MaxAttempts > 0 && e.Attempts >= e.MaxAttempts
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsRetryable(err) {
		return "transient"
	}
	return "permanent"
}

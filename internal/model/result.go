package model

import "time"

// IngestionStatus is the overall outcome of ingesting one document.
type IngestionStatus string

const (
	IngestionSucceeded IngestionStatus = "succeeded"
	IngestionPartial   IngestionStatus = "partial"
	IngestionFailed    IngestionStatus = "failed"
	IngestionSkipped   IngestionStatus = "skipped"
)

// SkipDuplicate is the skip reason for an unchanged, already-ingested document.
const SkipDuplicate = "duplicate"

// JobStatus maps an ingestion outcome to the terminal job status it produces.
// Skipped ingestions complete the job successfully.
func (s IngestionStatus) JobStatus() JobStatus {
	switch s {
	case IngestionPartial:
		return JobPartial
	case IngestionFailed:
		return JobFailed
	default:
		return JobSucceeded
	}
}

// Completed reports whether the ingestion reached a stored, final state that
// makes a re-ingest of the same content a no-op.
func (s IngestionStatus) Completed() bool {
	return s == IngestionSucceeded || s == IngestionPartial
}

// ItemStatus is the per-candidate disposition.
type ItemStatus string

const (
	ItemAccepted  ItemStatus = "accepted"
	ItemConfirmed ItemStatus = "confirmed"
	ItemDegraded  ItemStatus = "degraded"
	ItemReview    ItemStatus = "review"
	ItemRejected  ItemStatus = "rejected"
)

// Clean reports whether the item passed without needing attention.
func (s ItemStatus) Clean() bool {
	return s == ItemAccepted || s == ItemConfirmed
}

// ItemResult is the validated disposition of one candidate.
type ItemResult struct {
	Index          int                     `json:"index"`
	Candidate      TariffLineItemCandidate `json:"candidate"`
	Outcomes       Outcomes                `json:"outcomes"`
	Status         ItemStatus              `json:"status"`
	RecordID       string                  `json:"record_id,omitempty"`
	SupersedesID   string                  `json:"supersedes_id,omitempty"`
	BaseAmount     *float64                `json:"base_amount,omitempty"`
	PreviousAmount *float64                `json:"previous_amount,omitempty"`
	PercentChange  *float64                `json:"percent_change,omitempty"`
	Confidence     float64                 `json:"confidence"`
	Reasons        []string                `json:"reasons,omitempty"`
}

// ExtractionSummary is the part of an ExtractionResult kept on the ingestion
// result (the raw text is stored separately).
type ExtractionSummary struct {
	Method     ExtractionMethod `json:"method"`
	Confidence float64          `json:"confidence"`
	PageCount  int              `json:"page_count"`
	Density    float64          `json:"density"`
	Engine     string           `json:"engine,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// IngestionStats aggregates per-document item counts.
type IngestionStats struct {
	Candidates        int     `json:"candidates"`
	Accepted          int     `json:"accepted"`
	Confirmed         int     `json:"confirmed"`
	Degraded          int     `json:"degraded"`
	Review            int     `json:"review"`
	Rejected          int     `json:"rejected"`
	AverageConfidence float64 `json:"average_confidence"`
	AutoImportRate    float64 `json:"auto_import_rate"`
	ValidationRate    float64 `json:"validation_rate"`
}

// IngestionResult is the outcome of ingesting one document.
type IngestionResult struct {
	ID          string             `json:"id"`
	DocumentID  string             `json:"document_id"`
	ContentHash string             `json:"content_hash"`
	PortCode    string             `json:"port_code"`
	Status      IngestionStatus    `json:"status"`
	SkipReason  string             `json:"skip_reason,omitempty"`
	Extraction  *ExtractionSummary `json:"extraction,omitempty"`
	Coverage    float64            `json:"coverage"`
	LLMUsed     bool               `json:"llm_used"`
	Items       []ItemResult       `json:"items,omitempty"`
	Errors      []string           `json:"errors,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
	Stats       IngestionStats     `json:"stats"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// Tally recomputes Stats from Items.
func (r *IngestionResult) Tally() {
	s := IngestionStats{Candidates: len(r.Items)}
	var confSum float64
	for _, it := range r.Items {
		confSum += it.Confidence
		switch it.Status {
		case ItemAccepted:
			s.Accepted++
		case ItemConfirmed:
			s.Confirmed++
		case ItemDegraded:
			s.Degraded++
		case ItemReview:
			s.Review++
		case ItemRejected:
			s.Rejected++
		}
	}
	if s.Candidates > 0 {
		n := float64(s.Candidates)
		s.AverageConfidence = confSum / n
		s.AutoImportRate = float64(s.Accepted+s.Confirmed+s.Degraded) / n
		s.ValidationRate = float64(s.Candidates-s.Rejected) / n
	}
	r.Stats = s
}

// TariffFilter specifies criteria for listing tariff records.
type TariffFilter struct {
	PortID     string       `json:"port_id,omitempty"`
	ChargeType ChargeType   `json:"charge_type,omitempty"`
	Status     RecordStatus `json:"status,omitempty"`
	Limit      int          `json:"limit,omitempty"`
	Offset     int          `json:"offset,omitempty"`
}

// TariffStats summarizes the tariff table, optionally for one port.
type TariffStats struct {
	Total             int     `json:"total"`
	Active            int     `json:"active"`
	RealScraped       int     `json:"real_scraped"`
	LLMStructured     int     `json:"llm_structured"`
	Manual            int     `json:"manual"`
	ReviewPending     int     `json:"review_pending"`
	Degraded          int     `json:"degraded"`
	AverageConfidence float64 `json:"average_confidence"`
	CoveragePercent   float64 `json:"coverage_percent"`
}

package store

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/resilience"
)

// ErrOpenJobExists is returned when a job cannot be (re)opened because
// another pending or in-progress job already covers the same content hash.
var ErrOpenJobExists = eris.New("store: an open job already exists for this content hash")

// RecordWrite is one tariff record inserted by CommitIngestion. When
// SupersedeID is set the referenced record must still be active; it is moved
// to superseded in the same transaction.
type RecordWrite struct {
	Record      *model.TariffRecord
	SupersedeID string
}

// IngestionBatch is everything produced by ingesting one document. It is
// committed atomically.
type IngestionBatch struct {
	Document   *model.SourceDocument
	Extraction *model.ExtractionResult
	Records    []RecordWrite
	Result     *model.IngestionResult
}

// ReviewResolution applies an operator decision to a record in review.
// Record carries the final field values; for an approval SupersedeID names
// the active record it replaces, if any.
type ReviewResolution struct {
	Record      *model.TariffRecord
	SupersedeID string
	At          time.Time
}

// Store defines the persistence interface for the tariff pipeline.
type Store interface {
	// Documents
	SaveDocument(ctx context.Context, doc *model.SourceDocument) (*model.SourceDocument, error)
	GetDocument(ctx context.Context, id string) (*model.SourceDocument, error)
	GetDocumentByHash(ctx context.Context, contentHash string) (*model.SourceDocument, error)

	// Ingestions
	CommitIngestion(ctx context.Context, batch *IngestionBatch) error
	GetCompletedIngestion(ctx context.Context, contentHash string) (*model.IngestionResult, error)
	GetExtraction(ctx context.Context, documentID string) (*model.ExtractionResult, error)

	// Tariff records
	GetTariff(ctx context.Context, id string) (*model.TariffRecord, error)
	GetActiveTariff(ctx context.Context, key model.TariffKey) (*model.TariffRecord, error)
	ListTariffs(ctx context.Context, filter model.TariffFilter) ([]model.TariffRecord, error)
	ResolveReview(ctx context.Context, res ReviewResolution) error
	TariffStats(ctx context.Context, portID string) (*model.TariffStats, error)

	// Jobs
	EnqueueJob(ctx context.Context, job *model.IngestionJob) (*model.IngestionJob, bool, error)
	ClaimJob(ctx context.Context, workerID string, now time.Time, lockTimeout time.Duration) (*model.IngestionJob, error)
	ReleaseJob(ctx context.Context, job *model.IngestionJob, workerID string) error
	ReapStaleJobs(ctx context.Context, now time.Time, lockTimeout time.Duration) ([]model.IngestionJob, error)
	RequeueJob(ctx context.Context, id string, now time.Time) error
	GetJob(ctx context.Context, id string) (*model.IngestionJob, error)
	ListJobs(ctx context.Context, filter model.JobFilter) ([]model.IngestionJob, error)
	CountJobs(ctx context.Context, since time.Time) (model.JobCounts, error)
	HasOpenJob(ctx context.Context, contentHash string) (bool, error)

	// Dead letter queue
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	CountDLQ(ctx context.Context) (int, error)
	MarkDLQRequeued(ctx context.Context, jobID string, at time.Time) error

	// Currency rates
	SaveRates(ctx context.Context, rates []model.ExchangeRate) error
	LoadRates(ctx context.Context) ([]model.ExchangeRate, error)

	// Scheduler source state
	GetSourceState(ctx context.Context, name string) (*model.SourceState, error)
	SaveSourceState(ctx context.Context, st *model.SourceState) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend named by driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string, poolCfg *PoolConfig) (Store, error) {
	switch driver {
	case "postgres", "":
		return NewPostgres(ctx, dsn, poolCfg)
	case "sqlite":
		return NewSQLite(dsn)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

const (
	defaultListLimit = 100

	staleLockError = "lock expired after final attempt"

	jobColumns = `id, document_id, content_hash, port_code, source_name, status, attempt_count, max_attempts,
		last_error, error_history, force, scheduled_at, locked_by, locked_at, result, created_at, updated_at`

	tariffColumns = `id, port_id, charge_type, amount, amount_max, currency, base_currency, base_currency_amount,
		unit, size_range_min, size_range_max, size_unit, vessel_type, data_source, effective_date, effective_to,
		confidence_score, degraded, status, review_reason, supersedes_id, document_id, span_offset, span_length,
		raw_text, created_at`
)

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// conflictError marks a lost race on the active-record invariant as a
// retryable store conflict.
func conflictError(format string, args ...any) error {
	return resilience.Errorf(resilience.KindStoreConflict, format, args...)
}

// isUniqueViolation recognizes unique-index failures from both backends.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if code := pgErrorCode(err); code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/tariff-cli/internal/db"
	"github.com/sells-group/tariff-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the worker hot path.
var preparedStatements = map[string]string{
	"get_job":        `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE id = $1`,
	"has_open_job":   `SELECT EXISTS (SELECT 1 FROM ingestion_jobs WHERE content_hash = $1 AND status IN ('pending', 'in_progress'))`,
	"get_doc_hash":   `SELECT id, port_code, blob_path, content_hash, document_type, source_url, retrieved_at FROM source_documents WHERE content_hash = $1`,
	"get_completed":  `SELECT result FROM ingestions WHERE content_hash = $1 AND status IN ('succeeded', 'partial') ORDER BY completed_at DESC LIMIT 1`,
	"get_source":     `SELECT name, etag, last_hash, last_checked_at, last_enqueued_at, last_error FROM source_state WHERE name = $1`,
	"count_dlq_open": `SELECT COUNT(*) FROM dead_letter_queue WHERE requeued_at IS NULL`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS source_documents (
	id            TEXT PRIMARY KEY,
	port_code     TEXT NOT NULL,
	blob_path     TEXT NOT NULL,
	content_hash  TEXT NOT NULL UNIQUE,
	document_type TEXT NOT NULL,
	source_url    TEXT NOT NULL DEFAULT '',
	retrieved_at  TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extraction_results (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_id TEXT NOT NULL REFERENCES source_documents(id),
	method      TEXT NOT NULL,
	raw_text    TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	page_count  INTEGER NOT NULL DEFAULT 0,
	density     DOUBLE PRECISION NOT NULL DEFAULT 0,
	engine      TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	warnings    JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_extraction_results_document ON extraction_results(document_id, created_at DESC);

CREATE TABLE IF NOT EXISTS tariff_records (
	id                   TEXT PRIMARY KEY,
	port_id              TEXT NOT NULL,
	charge_type          TEXT NOT NULL,
	amount               DOUBLE PRECISION NOT NULL,
	amount_max           DOUBLE PRECISION,
	currency             TEXT NOT NULL,
	base_currency        TEXT NOT NULL,
	base_currency_amount DOUBLE PRECISION,
	unit                 TEXT NOT NULL,
	size_range_min       DOUBLE PRECISION,
	size_range_max       DOUBLE PRECISION,
	size_unit            TEXT NOT NULL DEFAULT '',
	vessel_type          TEXT NOT NULL DEFAULT '',
	data_source          TEXT NOT NULL,
	effective_date       TIMESTAMPTZ NOT NULL,
	effective_to         TIMESTAMPTZ,
	confidence_score     DOUBLE PRECISION NOT NULL,
	degraded             BOOLEAN NOT NULL DEFAULT false,
	status               TEXT NOT NULL,
	review_reason        TEXT NOT NULL DEFAULT '',
	supersedes_id        TEXT REFERENCES tariff_records(id),
	document_id          TEXT NOT NULL DEFAULT '',
	span_offset          INTEGER NOT NULL DEFAULT 0,
	span_length          INTEGER NOT NULL DEFAULT 0,
	raw_text             TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_tariff_records_active ON tariff_records
	(port_id, charge_type, unit, COALESCE(size_range_min, -1), COALESCE(size_range_max, -1))
	WHERE status = 'active';
CREATE INDEX IF NOT EXISTS idx_tariff_records_status ON tariff_records(status);
CREATE INDEX IF NOT EXISTS idx_tariff_records_port ON tariff_records(port_id, charge_type);

CREATE TABLE IF NOT EXISTS ingestions (
	id           TEXT PRIMARY KEY,
	document_id  TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	port_code    TEXT NOT NULL,
	status       TEXT NOT NULL,
	result       JSONB NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingestions_hash ON ingestions(content_hash, completed_at DESC);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	port_code     TEXT NOT NULL,
	source_name   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	error_history JSONB NOT NULL DEFAULT '[]',
	force         BOOLEAN NOT NULL DEFAULT false,
	scheduled_at  TIMESTAMPTZ NOT NULL,
	locked_by     TEXT,
	locked_at     TIMESTAMPTZ,
	result        JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (attempt_count <= max_attempts)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_ingestion_jobs_open_hash ON ingestion_jobs(content_hash)
	WHERE status IN ('pending', 'in_progress');
CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_claim ON ingestion_jobs(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_updated ON ingestion_jobs(updated_at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job_id        TEXT NOT NULL,
	document_id   TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	port_code     TEXT NOT NULL,
	error         TEXT NOT NULL,
	error_type    TEXT NOT NULL DEFAULT 'transient',
	kind          TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 0,
	error_history JSONB NOT NULL DEFAULT '[]',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	requeued_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_job ON dead_letter_queue(job_id);

CREATE TABLE IF NOT EXISTS currency_rates (
	base   TEXT NOT NULL,
	quote  TEXT NOT NULL,
	rate   DOUBLE PRECISION NOT NULL,
	as_of  TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (base, quote)
);

CREATE TABLE IF NOT EXISTS source_state (
	name             TEXT PRIMARY KEY,
	etag             TEXT NOT NULL DEFAULT '',
	last_hash        TEXT NOT NULL DEFAULT '',
	last_checked_at  TIMESTAMPTZ,
	last_enqueued_at TIMESTAMPTZ,
	last_error       TEXT NOT NULL DEFAULT ''
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Documents ---

func (s *PostgresStore) SaveDocument(ctx context.Context, doc *model.SourceDocument) (*model.SourceDocument, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if err := insertDocumentPG(ctx, s.pool, doc); err != nil {
		return nil, err
	}
	return s.GetDocumentByHash(ctx, doc.ContentHash)
}

func insertDocumentPG(ctx context.Context, q db.Querier, doc *model.SourceDocument) error {
	_, err := q.Exec(ctx,
		`INSERT INTO source_documents (id, port_code, blob_path, content_hash, document_type, source_url, retrieved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (content_hash) DO NOTHING`,
		doc.ID, doc.PortCode, doc.BlobPath, doc.ContentHash, string(doc.DocumentType), doc.SourceURL, doc.RetrievedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert document %s", doc.ContentHash)
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.SourceDocument, error) {
	return s.getDocument(ctx, `SELECT id, port_code, blob_path, content_hash, document_type, source_url, retrieved_at
		FROM source_documents WHERE id = $1`, id)
}

func (s *PostgresStore) GetDocumentByHash(ctx context.Context, contentHash string) (*model.SourceDocument, error) {
	return s.getDocument(ctx, `SELECT id, port_code, blob_path, content_hash, document_type, source_url, retrieved_at
		FROM source_documents WHERE content_hash = $1`, contentHash)
}

func (s *PostgresStore) getDocument(ctx context.Context, query, arg string) (*model.SourceDocument, error) {
	var d model.SourceDocument
	err := s.pool.QueryRow(ctx, query, arg).
		Scan(&d.ID, &d.PortCode, &d.BlobPath, &d.ContentHash, &d.DocumentType, &d.SourceURL, &d.RetrievedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get document %s", arg)
	}
	return &d, nil
}

// --- Ingestions ---

// CommitIngestion writes one document's outcome in a single transaction.
// Supersedes run before inserts so the active-record index never sees two
// active rows for a key.
func (s *PostgresStore) CommitIngestion(ctx context.Context, b *IngestionBatch) error {
	return db.InTx(ctx, s.pool, func(tx db.Tx) error { return commitIngestionPG(ctx, tx, b) })
}

func commitIngestionPG(ctx context.Context, tx db.Tx, b *IngestionBatch) error {
	if b.Document != nil {
		if err := insertDocumentPG(ctx, tx, b.Document); err != nil {
			return err
		}
	}

	if x := b.Extraction; x != nil {
		warnings, err := json.Marshal(x.Warnings)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal extraction warnings")
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO extraction_results (id, document_id, method, raw_text, confidence, page_count, density, engine, reason, warnings, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			uuid.New().String(), x.DocumentID, string(x.Method), x.RawText, x.Confidence, x.PageCount, x.Density,
			x.Engine, x.Reason, warnings, x.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert extraction for document %s", x.DocumentID)
		}
	}

	rows := make([][]any, 0, len(b.Records))
	for _, w := range b.Records {
		if w.SupersedeID != "" {
			if err := supersedePG(ctx, tx, w.SupersedeID, w.Record.EffectiveDate); err != nil {
				return err
			}
		}
		rows = append(rows, tariffRow(w.Record))
	}
	if _, err := db.CopyFrom(ctx, tx, "tariff_records", tariffColumnNames, rows); err != nil {
		if isUniqueViolation(err) {
			return conflictError("postgres: active tariff inserted concurrently: %v", err)
		}
		return eris.Wrap(err, "postgres: insert tariff records")
	}

	if r := b.Result; r != nil {
		return insertIngestionPG(ctx, tx, r)
	}
	return nil
}

func supersedePG(ctx context.Context, q db.Querier, id string, at time.Time) error {
	tag, err := q.Exec(ctx,
		`UPDATE tariff_records SET status = 'superseded', effective_to = $2 WHERE id = $1 AND status = 'active'`,
		id, at.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: supersede tariff %s", id)
	}
	if tag.RowsAffected() == 0 {
		return conflictError("postgres: tariff %s is no longer active", id)
	}
	return nil
}

func insertIngestionPG(ctx context.Context, q db.Querier, r *model.IngestionResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	resultJSON, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal ingestion result")
	}
	_, err = q.Exec(ctx,
		`INSERT INTO ingestions (id, document_id, content_hash, port_code, status, result, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.DocumentID, r.ContentHash, r.PortCode, string(r.Status), resultJSON, r.StartedAt.UTC(), r.CompletedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert ingestion %s", r.ContentHash)
}

func (s *PostgresStore) GetCompletedIngestion(ctx context.Context, contentHash string) (*model.IngestionResult, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM ingestions WHERE content_hash = $1 AND status IN ('succeeded', 'partial') ORDER BY completed_at DESC LIMIT 1`,
		contentHash,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get completed ingestion")
	}
	var r model.IngestionResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal ingestion result")
	}
	return &r, nil
}

func (s *PostgresStore) GetExtraction(ctx context.Context, documentID string) (*model.ExtractionResult, error) {
	var x model.ExtractionResult
	var warnings []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document_id, method, raw_text, confidence, page_count, density, engine, reason, warnings, created_at
		 FROM extraction_results WHERE document_id = $1 ORDER BY created_at DESC LIMIT 1`,
		documentID,
	).Scan(&x.DocumentID, &x.Method, &x.RawText, &x.Confidence, &x.PageCount, &x.Density, &x.Engine, &x.Reason, &warnings, &x.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get extraction %s", documentID)
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &x.Warnings); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal extraction warnings")
		}
	}
	return &x, nil
}

// --- Tariff records ---

func (s *PostgresStore) GetTariff(ctx context.Context, id string) (*model.TariffRecord, error) {
	r, err := scanTariffPG(s.pool.QueryRow(ctx, `SELECT `+tariffColumns+` FROM tariff_records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get tariff %s", id)
	}
	return r, nil
}

func (s *PostgresStore) GetActiveTariff(ctx context.Context, key model.TariffKey) (*model.TariffRecord, error) {
	r, err := scanTariffPG(s.pool.QueryRow(ctx,
		`SELECT `+tariffColumns+` FROM tariff_records
		 WHERE port_id = $1 AND charge_type = $2 AND unit = $3
		   AND COALESCE(size_range_min, -1) = $4 AND COALESCE(size_range_max, -1) = $5
		   AND status = 'active'`,
		key.PortID, string(key.ChargeType), string(key.Unit), key.SizeMinValue(), key.SizeMaxValue(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get active tariff %s", key)
	}
	return r, nil
}

func (s *PostgresStore) ListTariffs(ctx context.Context, filter model.TariffFilter) ([]model.TariffRecord, error) {
	query := `SELECT ` + tariffColumns + ` FROM tariff_records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.PortID != "" {
		query += fmt.Sprintf(` AND port_id = $%d`, argIdx)
		args = append(args, filter.PortID)
		argIdx++
	}
	if filter.ChargeType != "" {
		query += fmt.Sprintf(` AND charge_type = $%d`, argIdx)
		args = append(args, string(filter.ChargeType))
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY port_id, charge_type, created_at DESC`
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tariffs")
	}
	defer rows.Close()

	var out []model.TariffRecord
	for rows.Next() {
		r, err := scanTariffPG(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan tariff")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tariffs iterate")
}

func (s *PostgresStore) ResolveReview(ctx context.Context, res ReviewResolution) error {
	return db.InTx(ctx, s.pool, func(tx db.Tx) error { return resolveReviewPG(ctx, tx, res) })
}

func resolveReviewPG(ctx context.Context, tx db.Tx, res ReviewResolution) error {
	r := res.Record
	if res.SupersedeID != "" {
		if err := supersedePG(ctx, tx, res.SupersedeID, res.At); err != nil {
			return err
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE tariff_records SET status = $2, amount = $3, amount_max = $4, base_currency_amount = $5,
		   data_source = $6, confidence_score = $7, supersedes_id = $8, review_reason = $9,
		   effective_date = $10, degraded = $11
		 WHERE id = $1 AND status = 'review'`,
		r.ID, string(r.Status), r.Amount, r.AmountMax, r.BaseCurrencyAmount,
		string(r.DataSource), r.ConfidenceScore, r.SupersedesID, r.ReviewReason,
		r.EffectiveDate.UTC(), r.Degraded,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conflictError("postgres: another active tariff exists for %s", r.Key())
		}
		return eris.Wrapf(err, "postgres: resolve review %s", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("review record not found: %s", r.ID)
	}
	return nil
}

func (s *PostgresStore) TariffStats(ctx context.Context, portID string) (*model.TariffStats, error) {
	var st model.TariffStats
	err := s.pool.QueryRow(ctx, tariffStatsQuery("$1"), portID).Scan(
		&st.Total, &st.Active, &st.RealScraped, &st.LLMStructured, &st.Manual,
		&st.ReviewPending, &st.Degraded, &st.AverageConfidence,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: tariff stats")
	}
	st.CoveragePercent = coveragePercent(&st)
	return &st, nil
}

// tariffStatsQuery is shared by both backends; param is the placeholder for
// the optional port filter.
func tariffStatsQuery(param string) string {
	return `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'active' AND data_source = 'REAL_SCRAPED' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'active' AND data_source = 'LLM_STRUCTURED' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'active' AND data_source = 'MANUAL' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'review' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'active' AND degraded THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(CASE WHEN status = 'active' THEN confidence_score END), 0)
	FROM tariff_records
	WHERE (` + param + ` = '' OR port_id = ` + param + `)`
}

func coveragePercent(st *model.TariffStats) float64 {
	if st.Active == 0 {
		return 0
	}
	return float64(st.RealScraped) / float64(st.Active) * 100
}

var tariffColumnNames = []string{
	"id", "port_id", "charge_type", "amount", "amount_max", "currency", "base_currency", "base_currency_amount",
	"unit", "size_range_min", "size_range_max", "size_unit", "vessel_type", "data_source", "effective_date", "effective_to",
	"confidence_score", "degraded", "status", "review_reason", "supersedes_id", "document_id", "span_offset", "span_length",
	"raw_text", "created_at",
}

func tariffRow(r *model.TariffRecord) []any {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	var effectiveTo *time.Time
	if r.EffectiveTo != nil {
		t := r.EffectiveTo.UTC()
		effectiveTo = &t
	}
	return []any{
		r.ID, r.PortID, string(r.ChargeType), r.Amount, r.AmountMax, r.Currency, r.BaseCurrency, r.BaseCurrencyAmount,
		string(r.Unit), r.SizeRangeMin, r.SizeRangeMax, r.SizeUnit, r.VesselType, string(r.DataSource),
		r.EffectiveDate.UTC(), effectiveTo, r.ConfidenceScore, r.Degraded, string(r.Status), r.ReviewReason,
		r.SupersedesID, r.DocumentID, r.SourceSpan.Offset, r.SourceSpan.Length, r.RawText, r.CreatedAt.UTC(),
	}
}

func scanTariffPG(row scannable) (*model.TariffRecord, error) {
	var r model.TariffRecord
	err := row.Scan(
		&r.ID, &r.PortID, &r.ChargeType, &r.Amount, &r.AmountMax, &r.Currency, &r.BaseCurrency, &r.BaseCurrencyAmount,
		&r.Unit, &r.SizeRangeMin, &r.SizeRangeMax, &r.SizeUnit, &r.VesselType, &r.DataSource, &r.EffectiveDate, &r.EffectiveTo,
		&r.ConfidenceScore, &r.Degraded, &r.Status, &r.ReviewReason, &r.SupersedesID, &r.DocumentID,
		&r.SourceSpan.Offset, &r.SourceSpan.Length, &r.RawText, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Currency rates ---

var ratesMerge = db.Merge{
	Table:   "currency_rates",
	Columns: []string{"base", "quote", "rate", "as_of", "source"},
	Keys:    []string{"base", "quote"},
}

func (s *PostgresStore) SaveRates(ctx context.Context, rates []model.ExchangeRate) error {
	rows := make([][]any, 0, len(rates))
	for _, r := range rates {
		rows = append(rows, []any{r.Base, r.Quote, r.Rate, r.AsOf.UTC(), r.Source})
	}
	err := db.InTx(ctx, s.pool, func(tx db.Tx) error {
		_, err := ratesMerge.Run(ctx, tx, rows)
		return err
	})
	return eris.Wrap(err, "postgres: save rates")
}

func (s *PostgresStore) LoadRates(ctx context.Context) ([]model.ExchangeRate, error) {
	rows, err := s.pool.Query(ctx, `SELECT base, quote, rate, as_of, source FROM currency_rates ORDER BY base, quote`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load rates")
	}
	defer rows.Close()

	var out []model.ExchangeRate
	for rows.Next() {
		var r model.ExchangeRate
		if err := rows.Scan(&r.Base, &r.Quote, &r.Rate, &r.AsOf, &r.Source); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rate")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: load rates iterate")
}

// --- Source state ---

func (s *PostgresStore) GetSourceState(ctx context.Context, name string) (*model.SourceState, error) {
	var st model.SourceState
	err := s.pool.QueryRow(ctx,
		`SELECT name, etag, last_hash, last_checked_at, last_enqueued_at, last_error FROM source_state WHERE name = $1`,
		name,
	).Scan(&st.Name, &st.ETag, &st.LastHash, &st.LastCheckedAt, &st.LastEnqueued, &st.LastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get source state %s", name)
	}
	return &st, nil
}

func (s *PostgresStore) SaveSourceState(ctx context.Context, st *model.SourceState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO source_state (name, etag, last_hash, last_checked_at, last_enqueued_at, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO UPDATE SET etag = $2, last_hash = $3, last_checked_at = $4,
		   last_enqueued_at = $5, last_error = $6`,
		st.Name, st.ETag, st.LastHash, st.LastCheckedAt, st.LastEnqueued, st.LastError,
	)
	return eris.Wrapf(err, "postgres: save source state %s", st.Name)
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

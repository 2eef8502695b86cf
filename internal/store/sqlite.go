package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/tariff-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It runs with a
// single connection, so every write is serialized.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are stored as fixed-width UTC text so that string comparison
// orders them chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func parseNullTS(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTS(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source_documents (
	id            TEXT PRIMARY KEY,
	port_code     TEXT NOT NULL,
	blob_path     TEXT NOT NULL,
	content_hash  TEXT NOT NULL UNIQUE,
	document_type TEXT NOT NULL,
	source_url    TEXT NOT NULL DEFAULT '',
	retrieved_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS extraction_results (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES source_documents(id),
	method      TEXT NOT NULL,
	raw_text    TEXT NOT NULL,
	confidence  REAL NOT NULL,
	page_count  INTEGER NOT NULL DEFAULT 0,
	density     REAL NOT NULL DEFAULT 0,
	engine      TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	warnings    TEXT NOT NULL DEFAULT '[]',
	created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_results_document ON extraction_results(document_id, created_at);

CREATE TABLE IF NOT EXISTS tariff_records (
	id                   TEXT PRIMARY KEY,
	port_id              TEXT NOT NULL,
	charge_type          TEXT NOT NULL,
	amount               REAL NOT NULL,
	amount_max           REAL,
	currency             TEXT NOT NULL,
	base_currency        TEXT NOT NULL,
	base_currency_amount REAL,
	unit                 TEXT NOT NULL,
	size_range_min       REAL,
	size_range_max       REAL,
	size_unit            TEXT NOT NULL DEFAULT '',
	vessel_type          TEXT NOT NULL DEFAULT '',
	data_source          TEXT NOT NULL,
	effective_date       TEXT NOT NULL,
	effective_to         TEXT,
	confidence_score     REAL NOT NULL,
	degraded             INTEGER NOT NULL DEFAULT 0,
	status               TEXT NOT NULL,
	review_reason        TEXT NOT NULL DEFAULT '',
	supersedes_id        TEXT REFERENCES tariff_records(id),
	document_id          TEXT NOT NULL DEFAULT '',
	span_offset          INTEGER NOT NULL DEFAULT 0,
	span_length          INTEGER NOT NULL DEFAULT 0,
	raw_text             TEXT NOT NULL DEFAULT '',
	created_at           TEXT NOT NULL
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
	result       TEXT NOT NULL,
	started_at   TEXT NOT NULL,
	completed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingestions_hash ON ingestions(content_hash, completed_at);

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
	error_history TEXT NOT NULL DEFAULT '[]',
	force         INTEGER NOT NULL DEFAULT 0,
	scheduled_at  TEXT NOT NULL,
	locked_by     TEXT,
	locked_at     TEXT,
	result        TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	CHECK (attempt_count <= max_attempts)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_ingestion_jobs_open_hash ON ingestion_jobs(content_hash)
	WHERE status IN ('pending', 'in_progress');
CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_claim ON ingestion_jobs(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_updated ON ingestion_jobs(updated_at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id            TEXT PRIMARY KEY,
	job_id        TEXT NOT NULL,
	document_id   TEXT NOT NULL,
	content_hash  TEXT NOT NULL,
	port_code     TEXT NOT NULL,
	error         TEXT NOT NULL,
	error_type    TEXT NOT NULL DEFAULT 'transient',
	kind          TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 0,
	error_history TEXT NOT NULL DEFAULT '[]',
	created_at    TEXT NOT NULL,
	requeued_at   TEXT
);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_job ON dead_letter_queue(job_id);

CREATE TABLE IF NOT EXISTS currency_rates (
	base   TEXT NOT NULL,
	quote  TEXT NOT NULL,
	rate   REAL NOT NULL,
	as_of  TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (base, quote)
);

CREATE TABLE IF NOT EXISTS source_state (
	name             TEXT PRIMARY KEY,
	etag             TEXT NOT NULL DEFAULT '',
	last_hash        TEXT NOT NULL DEFAULT '',
	last_checked_at  TEXT,
	last_enqueued_at TEXT,
	last_error       TEXT NOT NULL DEFAULT ''
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- Documents ---

func (s *SQLiteStore) SaveDocument(ctx context.Context, doc *model.SourceDocument) (*model.SourceDocument, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if err := insertDocumentSQLite(ctx, s.db, doc); err != nil {
		return nil, err
	}
	return s.GetDocumentByHash(ctx, doc.ContentHash)
}

func insertDocumentSQLite(ctx context.Context, e execer, doc *model.SourceDocument) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO source_documents (id, port_code, blob_path, content_hash, document_type, source_url, retrieved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (content_hash) DO NOTHING`,
		doc.ID, doc.PortCode, doc.BlobPath, doc.ContentHash, string(doc.DocumentType), doc.SourceURL, ts(doc.RetrievedAt),
	)
	return eris.Wrapf(err, "sqlite: insert document %s", doc.ContentHash)
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.SourceDocument, error) {
	return s.getDocument(ctx, `SELECT id, port_code, blob_path, content_hash, document_type, source_url, retrieved_at
		FROM source_documents WHERE id = ?`, id)
}

func (s *SQLiteStore) GetDocumentByHash(ctx context.Context, contentHash string) (*model.SourceDocument, error) {
	return s.getDocument(ctx, `SELECT id, port_code, blob_path, content_hash, document_type, source_url, retrieved_at
		FROM source_documents WHERE content_hash = ?`, contentHash)
}

func (s *SQLiteStore) getDocument(ctx context.Context, query, arg string) (*model.SourceDocument, error) {
	var d model.SourceDocument
	var retrieved string
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&d.ID, &d.PortCode, &d.BlobPath, &d.ContentHash, &d.DocumentType, &d.SourceURL, &retrieved)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get document %s", arg)
	}
	if d.RetrievedAt, err = parseTS(retrieved); err != nil {
		return nil, err
	}
	return &d, nil
}

// --- Ingestions ---

func (s *SQLiteStore) CommitIngestion(ctx context.Context, b *IngestionBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: commit ingestion: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if b.Document != nil {
		if err := insertDocumentSQLite(ctx, tx, b.Document); err != nil {
			return err
		}
	}

	if x := b.Extraction; x != nil {
		warnings, err := json.Marshal(x.Warnings)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal extraction warnings")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO extraction_results (id, document_id, method, raw_text, confidence, page_count, density, engine, reason, warnings, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), x.DocumentID, string(x.Method), x.RawText, x.Confidence, x.PageCount, x.Density,
			x.Engine, x.Reason, string(warnings), ts(x.CreatedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert extraction for document %s", x.DocumentID)
		}
	}

	for _, w := range b.Records {
		if w.SupersedeID != "" {
			if err := supersedeSQLite(ctx, tx, w.SupersedeID, w.Record.EffectiveDate); err != nil {
				return err
			}
		}
		if err := insertTariffSQLite(ctx, tx, w.Record); err != nil {
			return err
		}
	}

	if r := b.Result; r != nil {
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		resultJSON, err := json.Marshal(r)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal ingestion result")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ingestions (id, document_id, content_hash, port_code, status, result, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.DocumentID, r.ContentHash, r.PortCode, string(r.Status), string(resultJSON),
			ts(r.StartedAt), ts(r.CompletedAt),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert ingestion %s", r.ContentHash)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit ingestion")
}

func supersedeSQLite(ctx context.Context, e execer, id string, at time.Time) error {
	res, err := e.ExecContext(ctx,
		`UPDATE tariff_records SET status = 'superseded', effective_to = ? WHERE id = ? AND status = 'active'`,
		ts(at), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: supersede tariff %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return conflictError("sqlite: tariff %s is no longer active", id)
	}
	return nil
}

func insertTariffSQLite(ctx context.Context, e execer, r *model.TariffRecord) error {
	row := tariffRow(r)
	// effective_date, effective_to and created_at are stored as text.
	row[14] = ts(r.EffectiveDate)
	row[15] = nullTS(r.EffectiveTo)
	row[25] = ts(r.CreatedAt)
	_, err := e.ExecContext(ctx,
		`INSERT INTO tariff_records (`+tariffColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conflictError("sqlite: active tariff inserted concurrently for %s", r.Key())
		}
		return eris.Wrapf(err, "sqlite: insert tariff %s", r.ID)
	}
	return nil
}

func (s *SQLiteStore) GetCompletedIngestion(ctx context.Context, contentHash string) (*model.IngestionResult, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM ingestions WHERE content_hash = ? AND status IN ('succeeded', 'partial')
		 ORDER BY completed_at DESC LIMIT 1`,
		contentHash,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get completed ingestion")
	}
	var r model.IngestionResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal ingestion result")
	}
	return &r, nil
}

func (s *SQLiteStore) GetExtraction(ctx context.Context, documentID string) (*model.ExtractionResult, error) {
	var x model.ExtractionResult
	var warnings, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, method, raw_text, confidence, page_count, density, engine, reason, warnings, created_at
		 FROM extraction_results WHERE document_id = ? ORDER BY created_at DESC LIMIT 1`,
		documentID,
	).Scan(&x.DocumentID, &x.Method, &x.RawText, &x.Confidence, &x.PageCount, &x.Density, &x.Engine, &x.Reason, &warnings, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get extraction %s", documentID)
	}
	if x.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(warnings), &x.Warnings); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal extraction warnings")
	}
	return &x, nil
}

// --- Tariff records ---

func (s *SQLiteStore) GetTariff(ctx context.Context, id string) (*model.TariffRecord, error) {
	r, err := scanTariffSQLite(s.db.QueryRowContext(ctx, `SELECT `+tariffColumns+` FROM tariff_records WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get tariff %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) GetActiveTariff(ctx context.Context, key model.TariffKey) (*model.TariffRecord, error) {
	r, err := scanTariffSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+tariffColumns+` FROM tariff_records
		 WHERE port_id = ? AND charge_type = ? AND unit = ?
		   AND COALESCE(size_range_min, -1) = ? AND COALESCE(size_range_max, -1) = ?
		   AND status = 'active'`,
		key.PortID, string(key.ChargeType), string(key.Unit), key.SizeMinValue(), key.SizeMaxValue(),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get active tariff %s", key)
	}
	return r, nil
}

func (s *SQLiteStore) ListTariffs(ctx context.Context, filter model.TariffFilter) ([]model.TariffRecord, error) {
	query := `SELECT ` + tariffColumns + ` FROM tariff_records WHERE 1=1`
	var args []any

	if filter.PortID != "" {
		query += ` AND port_id = ?`
		args = append(args, filter.PortID)
	}
	if filter.ChargeType != "" {
		query += ` AND charge_type = ?`
		args = append(args, string(filter.ChargeType))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY port_id, charge_type, created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tariffs")
	}
	defer rows.Close()

	var out []model.TariffRecord
	for rows.Next() {
		r, err := scanTariffSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan tariff")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list tariffs iterate")
}

func (s *SQLiteStore) ResolveReview(ctx context.Context, res ReviewResolution) error {
	r := res.Record
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: resolve review: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if res.SupersedeID != "" {
		if err := supersedeSQLite(ctx, tx, res.SupersedeID, res.At); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE tariff_records SET status = ?, amount = ?, amount_max = ?, base_currency_amount = ?,
		   data_source = ?, confidence_score = ?, supersedes_id = ?, review_reason = ?,
		   effective_date = ?, degraded = ?
		 WHERE id = ? AND status = 'review'`,
		string(r.Status), r.Amount, r.AmountMax, r.BaseCurrencyAmount,
		string(r.DataSource), r.ConfidenceScore, r.SupersedesID, r.ReviewReason,
		ts(r.EffectiveDate), r.Degraded, r.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conflictError("sqlite: another active tariff exists for %s", r.Key())
		}
		return eris.Wrapf(err, "sqlite: resolve review %s", r.ID)
	}
	if err := checkRowsAffected(result, "review record", r.ID); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: resolve review commit")
}

func (s *SQLiteStore) TariffStats(ctx context.Context, portID string) (*model.TariffStats, error) {
	var st model.TariffStats
	err := s.db.QueryRowContext(ctx, tariffStatsQuery("?"), portID, portID).Scan(
		&st.Total, &st.Active, &st.RealScraped, &st.LLMStructured, &st.Manual,
		&st.ReviewPending, &st.Degraded, &st.AverageConfidence,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: tariff stats")
	}
	st.CoveragePercent = coveragePercent(&st)
	return &st, nil
}

func scanTariffSQLite(row scannable) (*model.TariffRecord, error) {
	var r model.TariffRecord
	var effective, created string
	var effectiveTo sql.NullString
	err := row.Scan(
		&r.ID, &r.PortID, &r.ChargeType, &r.Amount, &r.AmountMax, &r.Currency, &r.BaseCurrency, &r.BaseCurrencyAmount,
		&r.Unit, &r.SizeRangeMin, &r.SizeRangeMax, &r.SizeUnit, &r.VesselType, &r.DataSource, &effective, &effectiveTo,
		&r.ConfidenceScore, &r.Degraded, &r.Status, &r.ReviewReason, &r.SupersedesID, &r.DocumentID,
		&r.SourceSpan.Offset, &r.SourceSpan.Length, &r.RawText, &created,
	)
	if err != nil {
		return nil, err
	}
	if r.EffectiveDate, err = parseTS(effective); err != nil {
		return nil, err
	}
	if r.EffectiveTo, err = parseNullTS(effectiveTo); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Currency rates ---

func (s *SQLiteStore) SaveRates(ctx context.Context, rates []model.ExchangeRate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save rates: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range rates {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO currency_rates (base, quote, rate, as_of, source) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (base, quote) DO UPDATE SET rate = excluded.rate, as_of = excluded.as_of, source = excluded.source`,
			r.Base, r.Quote, r.Rate, ts(r.AsOf), r.Source,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save rate %s", r.Pair())
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: save rates commit")
}

func (s *SQLiteStore) LoadRates(ctx context.Context) ([]model.ExchangeRate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT base, quote, rate, as_of, source FROM currency_rates ORDER BY base, quote`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load rates")
	}
	defer rows.Close()

	var out []model.ExchangeRate
	for rows.Next() {
		var r model.ExchangeRate
		var asOf string
		if err := rows.Scan(&r.Base, &r.Quote, &r.Rate, &asOf, &r.Source); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rate")
		}
		if r.AsOf, err = parseTS(asOf); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: load rates iterate")
}

// --- Source state ---

func (s *SQLiteStore) GetSourceState(ctx context.Context, name string) (*model.SourceState, error) {
	var st model.SourceState
	var checked, enqueued sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT name, etag, last_hash, last_checked_at, last_enqueued_at, last_error FROM source_state WHERE name = ?`,
		name,
	).Scan(&st.Name, &st.ETag, &st.LastHash, &checked, &enqueued, &st.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get source state %s", name)
	}
	if st.LastCheckedAt, err = parseNullTS(checked); err != nil {
		return nil, err
	}
	if st.LastEnqueued, err = parseNullTS(enqueued); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteStore) SaveSourceState(ctx context.Context, st *model.SourceState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_state (name, etag, last_hash, last_checked_at, last_enqueued_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET etag = excluded.etag, last_hash = excluded.last_hash,
		   last_checked_at = excluded.last_checked_at, last_enqueued_at = excluded.last_enqueued_at,
		   last_error = excluded.last_error`,
		st.Name, st.ETag, st.LastHash, nullTS(st.LastCheckedAt), nullTS(st.LastEnqueued), st.LastError,
	)
	return eris.Wrapf(err, "sqlite: save source state %s", st.Name)
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Ignacio1972/mineria-sub003/pkg/contracts"
)

// Dialect selects SQL flavour differences between Postgres and SQLite.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	mode        TEXT NOT NULL,
	state       TEXT NOT NULL,
	project     TEXT NOT NULL,
	findings    TEXT NOT NULL,
	evidence    TEXT NOT NULL,
	transitions TEXT NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_project_idx ON runs (project_id, created_at);

CREATE TABLE IF NOT EXISTS classification_results (
	run_id     TEXT PRIMARY KEY REFERENCES runs (run_id),
	pathway    TEXT NOT NULL,
	confidence REAL NOT NULL,
	band       TEXT NOT NULL,
	score      REAL NOT NULL,
	result     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_records (
	sequence        INTEGER PRIMARY KEY,
	run_id          TEXT NOT NULL UNIQUE REFERENCES classification_results (run_id),
	input_checksum  TEXT NOT NULL,
	result_hash     TEXT NOT NULL,
	ruleset_version TEXT NOT NULL,
	previous_hash   TEXT NOT NULL,
	record_hash     TEXT NOT NULL UNIQUE,
	record          TEXT NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE TRIGGER IF NOT EXISTS runs_no_update BEFORE UPDATE ON runs BEGIN SELECT RAISE(ABORT, 'runs is append-only'); END;
CREATE TRIGGER IF NOT EXISTS runs_no_delete BEFORE DELETE ON runs BEGIN SELECT RAISE(ABORT, 'runs is append-only'); END;
CREATE TRIGGER IF NOT EXISTS results_no_update BEFORE UPDATE ON classification_results BEGIN SELECT RAISE(ABORT, 'classification_results is append-only'); END;
CREATE TRIGGER IF NOT EXISTS results_no_delete BEFORE DELETE ON classification_results BEGIN SELECT RAISE(ABORT, 'classification_results is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_no_update BEFORE UPDATE ON audit_records BEGIN SELECT RAISE(ABORT, 'audit_records is append-only'); END;
CREATE TRIGGER IF NOT EXISTS audit_no_delete BEFORE DELETE ON audit_records BEGIN SELECT RAISE(ABORT, 'audit_records is append-only'); END;
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	mode        TEXT NOT NULL,
	state       TEXT NOT NULL,
	project     JSONB NOT NULL,
	findings    JSONB NOT NULL,
	evidence    JSONB NOT NULL,
	transitions JSONB NOT NULL,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_project_idx ON runs (project_id, created_at);

CREATE TABLE IF NOT EXISTS classification_results (
	run_id     TEXT PRIMARY KEY REFERENCES runs (run_id),
	pathway    TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	band       TEXT NOT NULL,
	score      DOUBLE PRECISION NOT NULL,
	result     JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_records (
	sequence        BIGINT PRIMARY KEY,
	run_id          TEXT NOT NULL UNIQUE REFERENCES classification_results (run_id),
	input_checksum  TEXT NOT NULL,
	result_hash     TEXT NOT NULL,
	ruleset_version TEXT NOT NULL,
	previous_hash   TEXT NOT NULL,
	record_hash     TEXT NOT NULL UNIQUE,
	record          JSONB NOT NULL,
	created_at      TEXT NOT NULL
);

CREATE OR REPLACE FUNCTION screening_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS runs_append_only ON runs;
CREATE TRIGGER runs_append_only BEFORE UPDATE OR DELETE ON runs
	FOR EACH ROW EXECUTE FUNCTION screening_append_only();
DROP TRIGGER IF EXISTS results_append_only ON classification_results;
CREATE TRIGGER results_append_only BEFORE UPDATE OR DELETE ON classification_results
	FOR EACH ROW EXECUTE FUNCTION screening_append_only();
DROP TRIGGER IF EXISTS audit_append_only ON audit_records;
CREATE TRIGGER audit_append_only BEFORE UPDATE OR DELETE ON audit_records
	FOR EACH ROW EXECUTE FUNCTION screening_append_only();
`

// SQLStore is a RunStore on database/sql, for Postgres (lib/pq) or SQLite
// (modernc.org/sqlite).
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewSQLStore wraps db. Call Init before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "store", "dialect", string(dialect)),
	}
}

// OpenSQLite opens (creating if needed) a SQLite database file and
// initialises the schema. Use ":memory:" for an ephemeral store.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// Serialise writers; SQLite would otherwise report SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	s := NewSQLStore(db, DialectSQLite)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects with lib/pq and initialises the schema.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	s := NewSQLStore(db, DialectPostgres)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Init creates tables and append-only triggers.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) SaveRun(ctx context.Context, run contracts.Run) (rec contracts.AuditRecord, err error) {
	if err := checkPersistable(run); err != nil {
		return contracts.AuditRecord{}, err
	}

	project, err := json.Marshal(run.Project)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("store: encode project: %w", err)
	}
	findings, err := json.Marshal(run.Findings)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("store: encode findings: %w", err)
	}
	evidence, err := json.Marshal(run.Evidence)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("store: encode evidence: %w", err)
	}
	transitions, err := json.Marshal(run.Transitions)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("store: encode transitions: %w", err)
	}
	result, err := json.Marshal(run.Result)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("store: encode result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("%w: begin: %w", ErrChecksumPersistenceFailure, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.ErrorContext(ctx, "rollback failed", "run_id", run.RunID, "error", rbErr)
			}
		}
	}()

	if s.dialect == DialectPostgres {
		if _, err = tx.ExecContext(ctx, "LOCK TABLE audit_records IN EXCLUSIVE MODE"); err != nil {
			return contracts.AuditRecord{}, fmt.Errorf("%w: lock chain: %w", ErrChecksumPersistenceFailure, err)
		}
	}

	if existing, found, lookupErr := s.existingAudit(ctx, tx, run.RunID); lookupErr != nil {
		err = fmt.Errorf("%w: %w", ErrChecksumPersistenceFailure, lookupErr)
		return contracts.AuditRecord{}, err
	} else if found {
		err = conflict(contracts.Run{Audit: &existing}, run)
		return contracts.AuditRecord{}, err
	}

	var (
		lastSeq  int64
		lastHash string
	)
	err = tx.QueryRowContext(ctx, "SELECT sequence, record_hash FROM audit_records ORDER BY sequence DESC LIMIT 1").Scan(&lastSeq, &lastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		lastSeq, lastHash, err = 0, GenesisHash, nil
	case err != nil:
		return contracts.AuditRecord{}, fmt.Errorf("%w: read chain head: %w", ErrChecksumPersistenceFailure, err)
	}

	rec, err = chain(*run.Audit, uint64(lastSeq)+1, lastHash)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("%w: %w", ErrChecksumPersistenceFailure, err)
	}
	record, err := json.Marshal(rec)
	if err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("%w: encode audit record: %w", ErrChecksumPersistenceFailure, err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO runs (run_id, project_id, mode, state, project, findings, evidence, transitions, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.RunID, run.ProjectID, string(run.Mode), string(run.State), string(project), string(findings), string(evidence), string(transitions), run.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return contracts.AuditRecord{}, s.writeError("insert run", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO classification_results (run_id, pathway, confidence, band, score, result) VALUES (?, ?, ?, ?, ?, ?)`),
		run.RunID, string(run.Result.RecommendedPathway), run.Result.Confidence, string(run.Result.ConfidenceBand), run.Result.Score, string(result))
	if err != nil {
		return contracts.AuditRecord{}, s.writeError("insert classification result", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO audit_records (sequence, run_id, input_checksum, result_hash, ruleset_version, previous_hash, record_hash, record, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		int64(rec.Sequence), rec.RunID, rec.InputChecksum, rec.ResultHash, rec.RulesetVersion, rec.PreviousHash, rec.RecordHash, string(record), rec.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return contracts.AuditRecord{}, s.writeError("insert audit record", err)
	}

	if err = tx.Commit(); err != nil {
		return contracts.AuditRecord{}, fmt.Errorf("%w: commit: %w", ErrChecksumPersistenceFailure, err)
	}
	return rec, nil
}

func (s *SQLStore) existingAudit(ctx context.Context, tx *sql.Tx, runID string) (contracts.AuditRecord, bool, error) {
	var raw []byte
	err := tx.QueryRowContext(ctx, s.rebind("SELECT record FROM audit_records WHERE run_id = ?"), runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.AuditRecord{}, false, nil
	}
	if err != nil {
		return contracts.AuditRecord{}, false, err
	}
	var rec contracts.AuditRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return contracts.AuditRecord{}, false, err
	}
	return rec, true, nil
}

// writeError maps a failed insert. Trigger rejections surface as mutation
// attempts; everything else fails the checksum persistence.
func (s *SQLStore) writeError(op string, err error) error {
	var pqErr *pq.Error
	if strings.Contains(err.Error(), "append-only") || (errors.As(err, &pqErr) && pqErr.Code == "P0001") {
		return fmt.Errorf("%w: %s: %w", ErrMutationAttempt, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrChecksumPersistenceFailure, op, err)
}

const selectRun = `SELECT r.run_id, r.project_id, r.mode, r.state, r.project, r.findings, r.evidence, r.transitions, r.created_at, c.result, a.record
FROM runs r
JOIN classification_results c ON c.run_id = r.run_id
JOIN audit_records a ON a.run_id = r.run_id`

func (s *SQLStore) GetRun(ctx context.Context, runID string) (contracts.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectRun+" WHERE r.run_id = ?"), runID)
	if err != nil {
		return contracts.Run{}, fmt.Errorf("store: get run: %w", err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return contracts.Run{}, err
	}
	if len(runs) == 0 {
		return contracts.Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return runs[0], nil
}

func (s *SQLStore) ListRuns(ctx context.Context, projectID string) ([]contracts.Run, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(selectRun+" WHERE r.project_id = ? ORDER BY r.created_at ASC, a.sequence ASC"), projectID)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return scanRuns(rows)
}

func (s *SQLStore) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT record FROM audit_records ORDER BY sequence ASC")
	if err != nil {
		return fmt.Errorf("store: read audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]contracts.AuditRecord, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		var rec contracts.AuditRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("%w: undecodable record: %w", ErrChainBroken, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return VerifyRecords(records)
}

func scanRuns(rows *sql.Rows) ([]contracts.Run, error) {
	defer func() { _ = rows.Close() }()

	out := make([]contracts.Run, 0)
	for rows.Next() {
		var (
			run                                                   contracts.Run
			mode, state, createdAt                                string
			project, findings, evidence, transitions, result, rec []byte
		)
		if err := rows.Scan(&run.RunID, &run.ProjectID, &mode, &state, &project, &findings, &evidence, &transitions, &createdAt, &result, &rec); err != nil {
			return nil, err
		}
		run.Mode = contracts.RunMode(mode)
		run.State = contracts.RunState(state)
		run.CreatedAt = parseTime(createdAt)

		var audit contracts.AuditRecord
		for _, part := range []struct {
			name string
			data []byte
			dst  any
		}{
			{"project", project, &run.Project},
			{"findings", findings, &run.Findings},
			{"evidence", evidence, &run.Evidence},
			{"transitions", transitions, &run.Transitions},
			{"result", result, &run.Result},
			{"audit record", rec, &audit},
		} {
			if err := json.Unmarshal(part.data, part.dst); err != nil {
				return nil, fmt.Errorf("store: decode %s of run %s: %w", part.name, run.RunID, err)
			}
		}
		run.Audit = &audit
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

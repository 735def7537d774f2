// Package metadata owns the warehouse-resident _internal schema and
// the structured readers/writers the engine records its state through.
package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loamdata/loam/internal/warehouse"
)

// Store reads and writes the _internal tables. All writes serialize
// through the warehouse writer mutex.
type Store struct {
	db *warehouse.DB
}

// Migration is one idempotent schema amendment, run in order after the
// base schema. The list grows append-only.
type Migration struct {
	Name string
	SQL  string
}

var migrationsList = []Migration{
	{"run_log_started_index", "CREATE INDEX IF NOT EXISTS idx_run_log_started ON _internal.run_log(started_at)"},
	{"assertion_results_model_index", "CREATE INDEX IF NOT EXISTS idx_assertion_results_model ON _internal.assertion_results(model_path)"},
	{"contract_results_model_index", "CREATE INDEX IF NOT EXISTS idx_contract_results_model ON _internal.contract_results(model)"},
}

// New creates the _internal schema (idempotent) and returns the store.
func New(ctx context.Context, db *warehouse.DB) (*Store, error) {
	for _, stmt := range splitStatements(schema) {
		if _, err := db.ExecWrite(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create _internal schema: %w", err)
		}
	}
	for _, m := range migrationsList {
		if _, err := db.ExecWrite(ctx, m.SQL); err != nil {
			return nil, fmt.Errorf("migration %s: %w", m.Name, err)
		}
	}
	return &Store{db: db}, nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// ModelState is the last successful build fingerprint of a model.
type ModelState struct {
	FullName       string
	ContentHash    string
	UpstreamHash   string
	MaterializedAs string
	LastRunAt      time.Time
	RunDurationMS  int64
	RowCount       int64
}

// GetModelState returns the persisted state, or nil when the model has
// never been built.
func (s *Store) GetModelState(ctx context.Context, fullName string) (*ModelState, error) {
	row := s.db.QueryRow(ctx, `
		SELECT full_name, content_hash, upstream_hash, materialized_as,
		       last_run_at, run_duration_ms, row_count
		FROM _internal.model_state WHERE full_name = ?`, fullName)
	var st ModelState
	err := row.Scan(&st.FullName, &st.ContentHash, &st.UpstreamHash,
		&st.MaterializedAs, &st.LastRunAt, &st.RunDurationMS, &st.RowCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// AllModelStates loads every model_state row keyed by full name, so a
// run does one read instead of one per model.
func (s *Store) AllModelStates(ctx context.Context) (map[string]*ModelState, error) {
	rows, err := s.db.Query(ctx, `
		SELECT full_name, content_hash, upstream_hash, materialized_as,
		       last_run_at, run_duration_ms, row_count
		FROM _internal.model_state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := map[string]*ModelState{}
	for rows.Next() {
		var st ModelState
		if err := rows.Scan(&st.FullName, &st.ContentHash, &st.UpstreamHash,
			&st.MaterializedAs, &st.LastRunAt, &st.RunDurationMS, &st.RowCount); err != nil {
			return nil, err
		}
		out[st.FullName] = &st
	}
	return out, rows.Err()
}

// UpsertModelStateTx writes a model's fingerprint inside tx, so the
// state lands atomically with the rest of the model's metadata.
func (s *Store) UpsertModelStateTx(ctx context.Context, tx *sql.Tx, st *ModelState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO _internal.model_state
		(full_name, content_hash, upstream_hash, materialized_as, last_run_at, run_duration_ms, row_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.FullName, st.ContentHash, st.UpstreamHash, st.MaterializedAs,
		st.LastRunAt, st.RunDurationMS, st.RowCount)
	return err
}

// RunLogEntry is one row of the append-only run log.
type RunLogEntry struct {
	ID           string
	RunType      string
	Target       string
	Status       string
	StartedAt    time.Time
	FinishedAt   time.Time
	DurationMS   int64
	RowsAffected int64
	Error        string
	LogOutput    string
}

// AppendRunLog persists a finished run entry, assigning an ID when the
// caller left it empty.
func (s *Store) AppendRunLog(ctx context.Context, e *RunLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecWrite(ctx, `
		INSERT INTO _internal.run_log
		(id, run_type, target, status, started_at, finished_at, duration_ms, rows_affected, error, log_output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunType, e.Target, e.Status, e.StartedAt, e.FinishedAt,
		e.DurationMS, e.RowsAffected, e.Error, e.LogOutput)
	return err
}

// Profile is a full-replace per-model column profile.
type Profile struct {
	FullName        string
	RowCount        int64
	ColumnCount     int
	NullPercentages map[string]float64
	DistinctCounts  map[string]int64
	ProfiledAt      time.Time
}

// UpsertProfileTx replaces a model's profile inside tx.
func (s *Store) UpsertProfileTx(ctx context.Context, tx *sql.Tx, p *Profile) error {
	nulls, err := json.Marshal(p.NullPercentages)
	if err != nil {
		return err
	}
	distincts, err := json.Marshal(p.DistinctCounts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO _internal.model_profiles
		(full_name, row_count, column_count, null_percentages, distinct_counts, profiled_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.FullName, p.RowCount, p.ColumnCount, string(nulls), string(distincts), p.ProfiledAt)
	return err
}

// GetProfile loads a model's profile, nil when absent.
func (s *Store) GetProfile(ctx context.Context, fullName string) (*Profile, error) {
	row := s.db.QueryRow(ctx, `
		SELECT full_name, row_count, column_count, null_percentages, distinct_counts, profiled_at
		FROM _internal.model_profiles WHERE full_name = ?`, fullName)
	var p Profile
	var nulls, distincts string
	err := row.Scan(&p.FullName, &p.RowCount, &p.ColumnCount, &nulls, &distincts, &p.ProfiledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(nulls), &p.NullPercentages); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(distincts), &p.DistinctCounts); err != nil {
		return nil, err
	}
	return &p, nil
}

// AssertionResult is one evaluated assertion outcome.
type AssertionResult struct {
	ID         string
	ModelPath  string
	Expression string
	Passed     bool
	Detail     string
	CheckedAt  time.Time
}

// InsertAssertionResultTx records an assertion outcome inside tx.
func (s *Store) InsertAssertionResultTx(ctx context.Context, tx *sql.Tx, r *AssertionResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO _internal.assertion_results
		(id, model_path, expression, passed, detail, checked_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.ModelPath, r.Expression, r.Passed, r.Detail, r.CheckedAt)
	return err
}

// ContractResult is one evaluated contract outcome. Detail is a JSON
// document of per-assertion results.
type ContractResult struct {
	ID           string
	ContractName string
	Model        string
	Passed       bool
	Severity     string
	Detail       string
	CheckedAt    time.Time
}

// InsertContractResult records a contract outcome.
func (s *Store) InsertContractResult(ctx context.Context, r *ContractResult) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := s.db.ExecWrite(ctx, `
		INSERT INTO _internal.contract_results
		(id, contract_name, model, passed, severity, detail, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ContractName, r.Model, r.Passed, r.Severity, r.Detail, r.CheckedAt)
	return err
}

// SaveSnapshot persists a named snapshot manifest; the name is unique
// and re-saving replaces it.
func (s *Store) SaveSnapshot(ctx context.Context, name string, createdAt time.Time, fileManifest, tableSignatures map[string]string) error {
	files, err := json.Marshal(fileManifest)
	if err != nil {
		return err
	}
	tables, err := json.Marshal(tableSignatures)
	if err != nil {
		return err
	}
	_, err = s.db.ExecWrite(ctx, `
		INSERT OR REPLACE INTO _internal.snapshots
		(name, created_at, file_manifest, table_signatures)
		VALUES (?, ?, ?, ?)`,
		name, createdAt, string(files), string(tables))
	return err
}

// GetSnapshot loads a named snapshot; nil maps when absent.
func (s *Store) GetSnapshot(ctx context.Context, name string) (map[string]string, map[string]string, error) {
	row := s.db.QueryRow(ctx, `
		SELECT file_manifest, table_signatures FROM _internal.snapshots WHERE name = ?`, name)
	var files, tables string
	err := row.Scan(&files, &tables)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var fm, ts map[string]string
	if err := json.Unmarshal([]byte(files), &fm); err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal([]byte(tables), &ts); err != nil {
		return nil, nil, err
	}
	return fm, ts, nil
}

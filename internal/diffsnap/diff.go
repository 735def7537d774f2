// Package diffsnap compares a model's would-be output against its
// materialized table and captures named project snapshots.
package diffsnap

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loamdata/loam/internal/engine"
	"github.com/loamdata/loam/internal/materialize"
	"github.com/loamdata/loam/internal/model"
	"github.com/loamdata/loam/internal/warehouse"
)

// DefaultSampleLimit bounds the row samples in a diff report.
const DefaultSampleLimit = 20

// candidateTable is the disposable relation holding the would-be
// output. It lives in _internal and is dropped when the diff finishes.
const candidateTable = "diff_candidate"

// Report is the outcome of diffing one model.
type Report struct {
	Model          string   `json:"model"`
	TargetMissing  bool     `json:"target_missing,omitempty"`
	Added          int64    `json:"added"`
	Removed        int64    `json:"removed"`
	Modified       int64    `json:"modified"`
	ColumnsAdded   []string `json:"columns_added,omitempty"`
	ColumnsRemoved []string `json:"columns_removed,omitempty"`

	AddedSample   *warehouse.Result `json:"added_sample,omitempty"`
	RemovedSample *warehouse.Result `json:"removed_sample,omitempty"`
}

// Differ computes would-be output diffs.
type Differ struct {
	db  *warehouse.DB
	log *zap.Logger
}

// NewDiffer returns a differ over db.
func NewDiffer(db *warehouse.DB, log *zap.Logger) *Differ {
	return &Differ{db: db, log: log}
}

// Diff materializes m's query into a disposable relation and compares
// it to the current table. When m declares a unique_key the comparison
// is key-aware (added/removed/modified); otherwise it is set-based and
// modified rows surface as an add/remove pair. sampleLimit <= 0 applies
// DefaultSampleLimit.
func (d *Differ) Diff(ctx context.Context, m *model.Model, sampleLimit int) (*Report, error) {
	if sampleLimit <= 0 {
		sampleLimit = DefaultSampleLimit
	}
	rep := &Report{Model: m.FullName()}

	query := m.Query
	if m.Materialized == model.MaterializedIncremental {
		query = materialize.RenderIncrementalQuery(m)
	}

	cand := materialize.RelationFQN("_internal", candidateTable)
	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS (%s)", cand, query)
	if _, err := d.db.ExecWrite(ctx, stmt); err != nil {
		return nil, engine.Wrap(engine.KindExecutionError, err)
	}
	defer func() {
		_, _ = d.db.ExecWrite(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+cand)
	}()

	exists, err := materialize.TableExists(ctx, d.db, m.Schema, m.Name)
	if err != nil {
		return nil, err
	}
	if !exists {
		rep.TargetMissing = true
		if err := d.db.QueryRow(ctx, "SELECT count(*) FROM "+cand).Scan(&rep.Added); err != nil {
			return nil, engine.Wrap(engine.KindExecutionError, err)
		}
		return rep, nil
	}

	target := materialize.RelationFQN(m.Schema, m.Name)
	common, err := d.schemaDelta(ctx, m, rep)
	if err != nil {
		return nil, err
	}

	if m.UniqueKey != "" {
		err = d.keyedDiff(ctx, rep, cand, target, m.UniqueKey, common, sampleLimit)
	} else {
		err = d.setDiff(ctx, rep, cand, target, common, sampleLimit)
	}
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// schemaDelta fills the column deltas and returns the columns shared by
// candidate and target, in target order.
func (d *Differ) schemaDelta(ctx context.Context, m *model.Model, rep *Report) ([]string, error) {
	candCols, err := materialize.Columns(ctx, d.db, "_internal", candidateTable)
	if err != nil {
		return nil, err
	}
	targetCols, err := materialize.Columns(ctx, d.db, m.Schema, m.Name)
	if err != nil {
		return nil, err
	}

	inCand := map[string]bool{}
	for _, c := range candCols {
		inCand[c.Name] = true
	}
	inTarget := map[string]bool{}
	for _, c := range targetCols {
		inTarget[c.Name] = true
	}

	var common []string
	for _, c := range targetCols {
		if inCand[c.Name] {
			common = append(common, c.Name)
		} else {
			rep.ColumnsRemoved = append(rep.ColumnsRemoved, c.Name)
		}
	}
	for _, c := range candCols {
		if !inTarget[c.Name] {
			rep.ColumnsAdded = append(rep.ColumnsAdded, c.Name)
		}
	}
	if len(common) == 0 {
		return nil, engine.Errorf(engine.KindValidationError,
			"%s: candidate and target share no columns", rep.Model)
	}
	return common, nil
}

// keyedDiff classifies rows by primary key membership, then detects
// modifications among shared keys by comparing the common columns.
func (d *Differ) keyedDiff(ctx context.Context, rep *Report, cand, target, key string, common []string, limit int) error {
	k := materialize.QuoteIdent(key)
	addedWhere := fmt.Sprintf("s.%s NOT IN (SELECT %s FROM %s)", k, k, target)
	removedWhere := fmt.Sprintf("t.%s NOT IN (SELECT %s FROM %s)", k, k, cand)

	row := d.db.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s s WHERE %s", cand, addedWhere))
	if err := row.Scan(&rep.Added); err != nil {
		return engine.Wrap(engine.KindExecutionError, err)
	}
	row = d.db.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s t WHERE %s", target, removedWhere))
	if err := row.Scan(&rep.Removed); err != nil {
		return engine.Wrap(engine.KindExecutionError, err)
	}

	modified := fmt.Sprintf(
		"SELECT count(*) FROM %s s JOIN %s t ON s.%s = t.%s WHERE %s",
		cand, target, k, k, anyColumnDiffers(common))
	if err := d.db.QueryRow(ctx, modified).Scan(&rep.Modified); err != nil {
		return engine.Wrap(engine.KindExecutionError, err)
	}

	var err error
	rep.AddedSample, err = d.sample(ctx,
		fmt.Sprintf("SELECT * FROM %s s WHERE %s LIMIT %d", cand, addedWhere, limit))
	if err != nil {
		return err
	}
	rep.RemovedSample, err = d.sample(ctx,
		fmt.Sprintf("SELECT * FROM %s t WHERE %s LIMIT %d", target, removedWhere, limit))
	return err
}

// setDiff uses EXCEPT over the shared columns when no key exists.
func (d *Differ) setDiff(ctx context.Context, rep *Report, cand, target string, common []string, limit int) error {
	cols := quotedList(common)
	added := fmt.Sprintf("SELECT %s FROM %s EXCEPT SELECT %s FROM %s", cols, cand, cols, target)
	removed := fmt.Sprintf("SELECT %s FROM %s EXCEPT SELECT %s FROM %s", cols, target, cols, cand)

	if err := d.db.QueryRow(ctx, countOf(added)).Scan(&rep.Added); err != nil {
		return engine.Wrap(engine.KindExecutionError, err)
	}
	if err := d.db.QueryRow(ctx, countOf(removed)).Scan(&rep.Removed); err != nil {
		return engine.Wrap(engine.KindExecutionError, err)
	}

	var err error
	rep.AddedSample, err = d.sample(ctx, fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", added, limit))
	if err != nil {
		return err
	}
	rep.RemovedSample, err = d.sample(ctx, fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", removed, limit))
	return err
}

func (d *Differ) sample(ctx context.Context, query string) (*warehouse.Result, error) {
	res, err := d.db.RunQuery(ctx, query, true, 0)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	return res, nil
}

// anyColumnDiffers builds the modified-row predicate over the shared
// columns using null-safe inequality.
func anyColumnDiffers(common []string) string {
	parts := make([]string, len(common))
	for i, c := range common {
		q := materialize.QuoteIdent(c)
		parts[i] = fmt.Sprintf("s.%s IS DISTINCT FROM t.%s", q, q)
	}
	return strings.Join(parts, " OR ")
}

func quotedList(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = materialize.QuoteIdent(c)
	}
	return strings.Join(parts, ", ")
}

func countOf(query string) string {
	return fmt.Sprintf("SELECT count(*) FROM (%s)", query)
}

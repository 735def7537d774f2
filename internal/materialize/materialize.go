// Package materialize executes a single model against the warehouse:
// view and table replacement, and incremental upserts with schema
// evolution and partition pruning.
package materialize

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loamdata/loam/internal/engine"
	"github.com/loamdata/loam/internal/model"
	"github.com/loamdata/loam/internal/warehouse"
)

// ThisPlaceholder expands to the fully-qualified target table in
// incremental queries and filters.
const ThisPlaceholder = "{this}"

const batchSuffix = "__loam_batch"

// Outcome reports one materialization: rows in the target afterwards
// (0 for views) and wall-clock around the DDL.
type Outcome struct {
	RowCount int64
	Duration time.Duration
}

// Materializer runs models against the warehouse. DDL serializes
// through the warehouse writer mutex.
type Materializer struct {
	db  *warehouse.DB
	log *zap.Logger
}

// New returns a materializer over db.
func New(db *warehouse.DB, log *zap.Logger) *Materializer {
	return &Materializer{db: db, log: log}
}

// Run materializes one model per its kind. Failures propagate to the
// caller, which skips the model's metadata writes.
func (mz *Materializer) Run(ctx context.Context, m *model.Model) (Outcome, error) {
	start := time.Now()
	var (
		rows int64
		err  error
	)
	switch m.Materialized {
	case model.MaterializedView:
		err = mz.runView(ctx, m)
	case model.MaterializedTable:
		rows, err = mz.runTable(ctx, m)
	case model.MaterializedIncremental:
		rows, err = mz.runIncremental(ctx, m)
	default:
		err = fmt.Errorf("unsupported materialization %q", m.Materialized)
	}
	out := Outcome{RowCount: rows, Duration: time.Since(start)}
	if err != nil {
		if ctx.Err() != nil {
			return out, engine.Wrap(engine.KindCancelled, err)
		}
		return out, engine.Wrap(engine.KindExecutionError, err)
	}
	mz.log.Info("materialized",
		zap.String("model", m.FullName()),
		zap.String("as", m.Materialized),
		zap.Int64("rows", rows),
		zap.Duration("duration", out.Duration))
	return out, nil
}

func (mz *Materializer) runView(ctx context.Context, m *model.Model) error {
	if _, err := mz.db.ExecWrite(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", QuoteIdent(m.Schema))); err != nil {
		return err
	}
	ddl := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS (%s)", RelationFQN(m.Schema, m.Name), m.Query)
	_, err := mz.db.ExecWrite(ctx, ddl)
	return err
}

func (mz *Materializer) runTable(ctx context.Context, m *model.Model) (int64, error) {
	return mz.createAs(ctx, m.Schema, m.Name, m.Query)
}

// createAs replaces the target table from a query and counts its rows.
func (mz *Materializer) createAs(ctx context.Context, schema, name, query string) (int64, error) {
	fqn := RelationFQN(schema, name)
	if _, err := mz.db.ExecWrite(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", QuoteIdent(schema))); err != nil {
		return 0, err
	}
	if _, err := mz.db.ExecWrite(ctx, fmt.Sprintf("CREATE OR REPLACE TABLE %s AS (%s)", fqn, query)); err != nil {
		return 0, err
	}
	return mz.countRows(ctx, fqn)
}

func (mz *Materializer) runIncremental(ctx context.Context, m *model.Model) (int64, error) {
	target := RelationFQN(m.Schema, m.Name)
	rendered := RenderIncrementalQuery(m)

	exists, err := TableExists(ctx, mz.db, m.Schema, m.Name)
	if err != nil {
		return 0, err
	}
	if !exists {
		// First run behaves as a table create; append needs no key.
		return mz.createAs(ctx, m.Schema, m.Name, rendered)
	}

	strategy := m.Strategy()
	if strategy == model.StrategyMerge && m.UniqueKey == "" {
		return 0, engine.Errorf(engine.KindRequiresUniqueKey,
			"%s: merge strategy requires unique_key", m.FullName())
	}

	batchName := m.Name + batchSuffix
	batch := RelationFQN(m.Schema, batchName)

	err = mz.db.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("CREATE OR REPLACE TABLE %s AS (%s)", batch, rendered)); err != nil {
			return fmt.Errorf("build batch relation: %w", err)
		}
		defer func() {
			_, _ = tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+batch)
		}()

		srcCols, err := columnsTx(ctx, tx, m.Schema, batchName)
		if err != nil {
			return err
		}
		tgtCols, err := columnsTx(ctx, tx, m.Schema, m.Name)
		if err != nil {
			return err
		}

		// Schema evolution: new source columns are added nullable, in
		// source order. Target-only columns are retained.
		tgtSet := make(map[string]bool, len(tgtCols))
		for _, c := range tgtCols {
			tgtSet[c.Name] = true
		}
		for _, c := range srcCols {
			if tgtSet[c.Name] {
				continue
			}
			alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", target, QuoteIdent(c.Name), c.Type)
			if _, err := tx.ExecContext(ctx, alter); err != nil {
				return fmt.Errorf("add column %s: %w", c.Name, err)
			}
			tgtCols = append(tgtCols, c)
			tgtSet[c.Name] = true
		}

		// Write ordering follows the target column list, restricted to
		// columns the batch actually produces.
		srcSet := make(map[string]bool, len(srcCols))
		for _, c := range srcCols {
			srcSet[c.Name] = true
		}
		var insertCols []string
		for _, c := range tgtCols {
			if srcSet[c.Name] {
				insertCols = append(insertCols, QuoteIdent(c.Name))
			}
		}
		colList := strings.Join(insertCols, ", ")
		insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", target, colList, colList, batch)

		switch strategy {
		case model.StrategyAppend:
			_, err := tx.ExecContext(ctx, insert)
			return err
		case model.StrategyMerge:
			return applyReplaceByKey(ctx, tx, target, batch, m.UniqueKey, insert)
		case model.StrategyDeleteInsert:
			if m.PartitionBy == "" {
				if m.UniqueKey == "" {
					return engine.Errorf(engine.KindRequiresUniqueKey,
						"%s: delete+insert without partition_by requires unique_key", m.FullName())
				}
				return applyReplaceByKey(ctx, tx, target, batch, m.UniqueKey, insert)
			}
			p := QuoteIdent(m.PartitionBy)
			del := fmt.Sprintf("DELETE FROM %s WHERE %s IN (SELECT DISTINCT %s FROM %s)", target, p, p, batch)
			if _, err := tx.ExecContext(ctx, del); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, insert)
			return err
		default:
			return fmt.Errorf("unsupported incremental_strategy %q", strategy)
		}
	})
	if err != nil {
		return 0, err
	}
	return mz.countRows(ctx, target)
}

// applyReplaceByKey is the merge strategy: replace-by-key inside the
// surrounding transaction.
func applyReplaceByKey(ctx context.Context, tx *sql.Tx, target, batch, uniqueKey, insert string) error {
	k := QuoteIdent(uniqueKey)
	del := fmt.Sprintf("DELETE FROM %s WHERE %s IN (SELECT %s FROM %s)", target, k, k, batch)
	if _, err := tx.ExecContext(ctx, del); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, insert)
	return err
}

func (mz *Materializer) countRows(ctx context.Context, fqn string) (int64, error) {
	var count int64
	if err := mz.db.QueryRow(ctx, "SELECT count(*) FROM "+fqn).Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return count, nil
}

// RenderIncrementalQuery resolves {this} in the query and appends the
// incremental filter (trusted author SQL, embedded verbatim).
func RenderIncrementalQuery(m *model.Model) string {
	fqn := RelationFQN(m.Schema, m.Name)
	query := strings.ReplaceAll(m.Query, ThisPlaceholder, fqn)
	if m.IncrementalFilter != "" {
		filter := strings.ReplaceAll(m.IncrementalFilter, ThisPlaceholder, fqn)
		query = fmt.Sprintf("SELECT * FROM (%s) %s", query, filter)
	}
	return query
}

// QuoteIdent double-quotes an identifier for the warehouse dialect.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// RelationFQN returns the quoted schema.name reference.
func RelationFQN(schema, name string) string {
	return QuoteIdent(schema) + "." + QuoteIdent(name)
}

// Column is an information_schema column: name plus declared type.
type Column struct {
	Name string
	Type string
}

const columnsQuery = `
	SELECT column_name, data_type
	FROM information_schema.columns
	WHERE table_schema = ? AND table_name = ?
	ORDER BY ordinal_position`

// Columns lists a table's columns in ordinal order.
func Columns(ctx context.Context, db *warehouse.DB, schema, name string) ([]Column, error) {
	rows, err := db.Query(ctx, columnsQuery, schema, name)
	if err != nil {
		return nil, err
	}
	return scanColumns(rows)
}

func columnsTx(ctx context.Context, tx *sql.Tx, schema, name string) ([]Column, error) {
	rows, err := tx.QueryContext(ctx, columnsQuery, schema, name)
	if err != nil {
		return nil, err
	}
	return scanColumns(rows)
}

func scanColumns(rows *sql.Rows) ([]Column, error) {
	defer func() { _ = rows.Close() }()
	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// TableExists reports whether schema.name exists as a base table.
func TableExists(ctx context.Context, db *warehouse.DB, schema, name string) (bool, error) {
	var one int
	err := db.QueryRow(ctx, `
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = ? AND table_name = ?`, schema, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Package profile computes per-column statistics after successful
// materializations and derives freshness from model state.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/loamdata/loam/internal/materialize"
	"github.com/loamdata/loam/internal/metadata"
	"github.com/loamdata/loam/internal/warehouse"
)

// distinctSampleCap bounds the distinct-count scan on very large
// tables.
const distinctSampleCap = 1_000_000

// Profiler computes model profiles with SELECT-only queries.
type Profiler struct {
	db *warehouse.DB
}

// New returns a profiler over db.
func New(db *warehouse.DB) *Profiler {
	return &Profiler{db: db}
}

// Compute profiles schema.name: row count, column count, per-column
// null percentage and (capped) distinct count. Errors here are
// non-fatal for the run; the caller logs and moves on.
func (p *Profiler) Compute(ctx context.Context, schema, name string) (*metadata.Profile, error) {
	cols, err := materialize.Columns(ctx, p.db, schema, name)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%s.%s has no columns to profile", schema, name)
	}

	fqn := materialize.RelationFQN(schema, name)
	var rowCount int64
	if err := p.db.QueryRow(ctx, "SELECT count(*) FROM "+fqn).Scan(&rowCount); err != nil {
		return nil, err
	}

	prof := &metadata.Profile{
		FullName:        schema + "." + name,
		RowCount:        rowCount,
		ColumnCount:     len(cols),
		NullPercentages: make(map[string]float64, len(cols)),
		DistinctCounts:  make(map[string]int64, len(cols)),
		ProfiledAt:      time.Now(),
	}

	denom := rowCount
	if denom < 1 {
		denom = 1
	}
	for _, c := range cols {
		q := materialize.QuoteIdent(c.Name)

		var nulls int64
		nullQuery := fmt.Sprintf("SELECT count(*) FROM %s WHERE %s IS NULL", fqn, q)
		if err := p.db.QueryRow(ctx, nullQuery).Scan(&nulls); err != nil {
			return nil, err
		}
		prof.NullPercentages[c.Name] = 100 * float64(nulls) / float64(denom)

		var distinct int64
		distinctQuery := fmt.Sprintf(
			"SELECT count(DISTINCT %s) FROM (SELECT %s FROM %s LIMIT %d)",
			q, q, fqn, distinctSampleCap)
		if err := p.db.QueryRow(ctx, distinctQuery).Scan(&distinct); err != nil {
			return nil, err
		}
		prof.DistinctCounts[c.Name] = distinct
	}
	return prof, nil
}

// Freshness is the per-model staleness report returned to callers.
type Freshness struct {
	FullName      string  `json:"full_name"`
	HoursSinceRun float64 `json:"hours_since_run"`
	IsStale       bool    `json:"is_stale"`
}

// Check derives freshness from a model's last successful run. maxAge
// <= 0 means no staleness policy, never stale.
func Check(state *metadata.ModelState, maxAgeHours float64, now time.Time) Freshness {
	f := Freshness{FullName: state.FullName}
	f.HoursSinceRun = now.Sub(state.LastRunAt).Hours()
	f.IsStale = maxAgeHours > 0 && f.HoursSinceRun > maxAgeHours
	return f
}

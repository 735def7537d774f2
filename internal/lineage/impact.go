package lineage

import (
	"context"

	"github.com/loamdata/loam/internal/dag"
	"github.com/loamdata/loam/internal/warehouse"
)

// Impact reports the downstream blast radius of a model, optionally
// narrowed to descendants whose column lineage traces back to one
// column.
type Impact struct {
	Model       string   `json:"model"`
	Column      string   `json:"column,omitempty"`
	Downstream  []string `json:"downstream"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Analyze returns the transitive downstream of fullName. When column
// is non-empty only descendants reading that column (directly or
// through intermediate models) are kept; lineage gaps are surfaced as
// diagnostics and treat the affected model as impacted, erring wide.
func Analyze(ctx context.Context, db *warehouse.DB, plan *dag.Plan, fullName, column string) Impact {
	imp := Impact{Model: fullName, Column: column}
	descendants := plan.Descendants(fullName)
	if column == "" {
		imp.Downstream = descendants
		return imp
	}

	// tainted holds (table, column) pairs carrying the target column's
	// data. Walk in topological order so intermediates propagate.
	tainted := map[ColumnRef]bool{{SourceTable: fullName, SourceColumn: column}: true}
	inDescendants := map[string]bool{}
	for _, d := range descendants {
		inDescendants[d] = true
	}

	for _, name := range plan.Order {
		if !inDescendants[name] {
			continue
		}
		m := plan.Models[name]
		ln := ColumnLineage(ctx, db, m.Query)
		imp.Diagnostics = append(imp.Diagnostics, ln.Diagnostics...)

		if len(ln.Columns) == 0 {
			// No lineage available; keep the model rather than hide a
			// possible consumer.
			imp.Downstream = append(imp.Downstream, name)
			continue
		}

		hit := false
		for outCol, refs := range ln.Columns {
			for _, ref := range refs {
				if tainted[ref] {
					hit = true
					tainted[ColumnRef{SourceTable: name, SourceColumn: outCol}] = true
				}
			}
		}
		if hit {
			imp.Downstream = append(imp.Downstream, name)
		}
	}
	return imp
}

package lineage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/loamdata/loam/internal/dag"
	"github.com/loamdata/loam/internal/materialize"
	"github.com/loamdata/loam/internal/warehouse"
)

// Issue is one validator finding, tied back to the model file.
type Issue struct {
	Model   string
	Path    string
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s (%s): %s", i.Model, i.Path, i.Message)
}

// Validator compile-checks models without materializing them: each
// model's query is rewritten so intra-project references point at
// connection-local stand-in views built in dependency order, then the
// database plans the rewritten text.
type Validator struct {
	db  *warehouse.DB
	log *zap.Logger
}

// NewValidator returns a validator over db.
func NewValidator(db *warehouse.DB, log *zap.Logger) *Validator {
	return &Validator{db: db, log: log}
}

const standInPrefix = "_loam_val_"

// Validate checks every model in the plan, in topological order, and
// returns all findings. Directive parse errors surface here with their
// file and line context.
func (v *Validator) Validate(ctx context.Context, plan *dag.Plan) ([]Issue, error) {
	conn, err := v.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	var issues []Issue
	// Models whose stand-in view exists; failed models stay out so
	// their descendants report the gap instead of a confusing plan
	// error.
	built := map[string]bool{}

	for _, name := range plan.Order {
		m := plan.Models[name]

		if len(m.ParseErrs) > 0 {
			for _, perr := range m.ParseErrs {
				issues = append(issues, Issue{Model: name, Path: m.Path, Message: perr.Error()})
			}
			continue
		}
		if err := m.Validate(); err != nil {
			issues = append(issues, Issue{Model: name, Path: m.Path, Message: err.Error()})
			continue
		}

		depsOK := true
		for _, dep := range plan.Deps(name) {
			if !built[dep] {
				issues = append(issues, Issue{Model: name, Path: m.Path,
					Message: fmt.Sprintf("upstream model %s failed validation", dep)})
				depsOK = false
			}
		}
		if !depsOK {
			continue
		}

		rewritten := rewriteRefs(m.Query, plan, built)
		if _, err := conn.ExecContext(ctx, "EXPLAIN "+rewritten); err != nil {
			issues = append(issues, Issue{Model: name, Path: m.Path,
				Message: fmt.Sprintf("query does not plan: %v", err)})
			continue
		}

		standIn := standInName(name)
		create := fmt.Sprintf("CREATE OR REPLACE TEMP VIEW %s AS (%s)", standIn, rewritten)
		if _, err := conn.ExecContext(ctx, create); err != nil {
			issues = append(issues, Issue{Model: name, Path: m.Path,
				Message: fmt.Sprintf("stand-in view: %v", err)})
			continue
		}
		built[name] = true

		issues = append(issues, v.diagnoseRefs(ctx, m.Query, name, m.Path, plan)...)
	}
	return issues, nil
}

// diagnoseRefs compares declared deps against the tables the query
// actually reads. Divergence is advisory; external references that do
// not exist in the warehouse are reported as missing upstream objects.
func (v *Validator) diagnoseRefs(ctx context.Context, query, name, path string, plan *dag.Plan) []Issue {
	refs, err := TableRefs(query)
	if err != nil {
		// Diagnostic parsing is best effort.
		return nil
	}
	declared := map[string]bool{}
	for _, dep := range plan.Models[name].DependsOn {
		declared[dep] = true
	}

	var issues []Issue
	for _, ref := range refs {
		if declared[ref] {
			continue
		}
		if _, known := plan.Models[ref]; known {
			issues = append(issues, Issue{Model: name, Path: path,
				Message: fmt.Sprintf("query reads %s but depends_on does not declare it", ref)})
			continue
		}
		schema, table, ok := splitTable(ref)
		if !ok {
			continue
		}
		exists, err := materialize.TableExists(ctx, v.db, schema, table)
		if err == nil && !exists {
			issues = append(issues, Issue{Model: name, Path: path,
				Message: fmt.Sprintf("upstream object %s does not exist", ref)})
		}
	}
	return issues
}

// rewriteRefs substitutes known-model references whose stand-ins exist
// with the stand-in view names, on word boundaries.
func rewriteRefs(query string, plan *dag.Plan, built map[string]bool) string {
	// Longest names first so overlapping prefixes cannot mis-rewrite.
	names := make([]string, 0, len(built))
	for name := range built {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })

	out := query
	for _, name := range names {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
		out = re.ReplaceAllString(out, standInName(name))
	}
	return out
}

func standInName(fullName string) string {
	return standInPrefix + strings.ReplaceAll(fullName, ".", "_")
}

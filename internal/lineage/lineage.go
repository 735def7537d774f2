// Package lineage extracts table references and column-level lineage
// from model SQL, compile-checks models against the warehouse, and
// answers impact queries. Parsing is diagnostic only: the declared
// depends_on list stays authoritative for the DAG, and unparseable SQL
// degrades to empty lineage plus a diagnostic, never a failure.
package lineage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/loamdata/loam/internal/materialize"
	"github.com/loamdata/loam/internal/warehouse"
)

// ColumnRef attributes one output column to a physical source column.
type ColumnRef struct {
	SourceTable  string `json:"source_table"`
	SourceColumn string `json:"source_column"`
}

// TableRefs returns the sorted set of physical table references in the
// query, CTE names excluded.
func TableRefs(query string) ([]string, error) {
	body, ctes, err := splitCTEs(query)
	if err != nil {
		return nil, err
	}
	cteNames := make(map[string]bool, len(ctes))
	for name := range ctes {
		cteNames[name] = true
	}

	refs := map[string]bool{}
	collect := func(q string) error {
		stmt, err := sqlparser.Parse(q)
		if err != nil {
			return err
		}
		_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
			if tn, ok := node.(sqlparser.TableName); ok && !tn.Name.IsEmpty() {
				name := tableRefName(tn)
				if !cteNames[name] {
					refs[name] = true
				}
			}
			return true, nil
		}, stmt)
		return nil
	}
	if err := collect(body); err != nil {
		return nil, err
	}
	for _, cteSQL := range ctes {
		if err := collect(cteSQL); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(refs))
	for name := range refs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func tableRefName(tn sqlparser.TableName) string {
	if tn.Qualifier.IsEmpty() {
		return tn.Name.String()
	}
	return tn.Qualifier.String() + "." + tn.Name.String()
}

// Lineage is the column lineage of one model plus any gaps hit while
// resolving it.
type Lineage struct {
	Columns     map[string][]ColumnRef
	Diagnostics []string
}

// ColumnLineage resolves each output column of the query to physical
// source columns. db may be nil; then SELECT * over physical tables is
// reported as a gap instead of being expanded via information_schema.
func ColumnLineage(ctx context.Context, db *warehouse.DB, query string) Lineage {
	ln := Lineage{Columns: map[string][]ColumnRef{}}

	body, ctes, err := splitCTEs(query)
	if err != nil {
		ln.Diagnostics = append(ln.Diagnostics, fmt.Sprintf("unparseable SQL: %v", err))
		return ln
	}

	r := &resolver{
		ctx:        ctx,
		db:         db,
		ctes:       ctes,
		inProgress: map[string]bool{},
	}
	cols, diags := r.resolveQuery(body)
	ln.Diagnostics = append(ln.Diagnostics, diags...)
	for _, oc := range cols {
		ln.Columns[oc.name] = oc.refs
	}
	return ln
}

// outputColumn is one resolved output column in declaration order.
type outputColumn struct {
	name string
	refs []ColumnRef
}

type resolver struct {
	ctx context.Context
	db  *warehouse.DB

	ctes map[string]string
	// inProgress guards recursive CTE edges; revisiting an in-progress
	// CTE yields an empty attribution.
	inProgress map[string]bool
}

// resolveQuery parses one query body and resolves its select list.
func (r *resolver) resolveQuery(query string) ([]outputColumn, []string) {
	stmt, err := sqlparser.Parse(query)
	if err != nil {
		return nil, []string{fmt.Sprintf("unparseable SQL: %v", err)}
	}
	sel := firstSelect(stmt)
	if sel == nil {
		return nil, []string{"not a SELECT statement"}
	}
	return r.resolveSelect(sel)
}

// firstSelect unwraps a statement to its leading SELECT branch; UNION
// attributions come from the first branch by contract.
func firstSelect(stmt sqlparser.Statement) *sqlparser.Select {
	switch s := stmt.(type) {
	case *sqlparser.Select:
		return s
	case *sqlparser.Union:
		return firstSelectStmt(s.Left)
	}
	return nil
}

func firstSelectStmt(ss sqlparser.SelectStatement) *sqlparser.Select {
	switch s := ss.(type) {
	case *sqlparser.Select:
		return s
	case *sqlparser.Union:
		return firstSelectStmt(s.Left)
	case *sqlparser.ParenSelect:
		return firstSelectStmt(s.Select)
	}
	return nil
}

// source is one FROM-clause relation visible to the select list.
type source struct {
	alias string
	// table is the physical table name, empty for derived sources.
	table string
	// cols are the derived source's output columns when table == "".
	cols []outputColumn
}

func (r *resolver) resolveSelect(sel *sqlparser.Select) ([]outputColumn, []string) {
	var diags []string
	var sources []source
	for _, te := range sel.From {
		srcs, d := r.resolveTableExpr(te)
		sources = append(sources, srcs...)
		diags = append(diags, d...)
	}

	var out []outputColumn
	for _, se := range sel.SelectExprs {
		switch e := se.(type) {
		case *sqlparser.StarExpr:
			cols, d := r.expandStar(e, sources)
			out = append(out, cols...)
			diags = append(diags, d...)
		case *sqlparser.AliasedExpr:
			name := outputName(e)
			refs := r.attributeExpr(e.Expr, sources)
			out = append(out, outputColumn{name: name, refs: refs})
		}
	}
	return out, diags
}

// resolveTableExpr flattens joins and resolves aliased relations.
func (r *resolver) resolveTableExpr(te sqlparser.TableExpr) ([]source, []string) {
	switch t := te.(type) {
	case *sqlparser.AliasedTableExpr:
		return r.resolveAliased(t)
	case *sqlparser.JoinTableExpr:
		left, d1 := r.resolveTableExpr(t.LeftExpr)
		right, d2 := r.resolveTableExpr(t.RightExpr)
		return append(left, right...), append(d1, d2...)
	case *sqlparser.ParenTableExpr:
		var srcs []source
		var diags []string
		for _, inner := range t.Exprs {
			s, d := r.resolveTableExpr(inner)
			srcs = append(srcs, s...)
			diags = append(diags, d...)
		}
		return srcs, diags
	}
	return nil, nil
}

func (r *resolver) resolveAliased(t *sqlparser.AliasedTableExpr) ([]source, []string) {
	alias := t.As.String()
	switch expr := t.Expr.(type) {
	case sqlparser.TableName:
		name := tableRefName(expr)
		if cteSQL, isCTE := r.ctes[name]; isCTE {
			if r.inProgress[name] {
				// Recursive edge: empty attribution.
				return []source{{alias: aliasOr(alias, name)}}, nil
			}
			r.inProgress[name] = true
			cols, diags := r.resolveQuery(cteSQL)
			delete(r.inProgress, name)
			return []source{{alias: aliasOr(alias, name), cols: cols}}, diags
		}
		return []source{{alias: aliasOr(alias, shortName(name)), table: name}}, nil
	case *sqlparser.Subquery:
		cols, diags := r.resolveSelectStatement(expr.Select)
		return []source{{alias: alias, cols: cols}}, diags
	}
	return nil, nil
}

func (r *resolver) resolveSelectStatement(ss sqlparser.SelectStatement) ([]outputColumn, []string) {
	sel := firstSelectStmt(ss)
	if sel == nil {
		return nil, []string{"unsupported subquery form"}
	}
	return r.resolveSelect(sel)
}

// attributeExpr collects one attribution per distinct base column the
// expression references, unwinding derived sources to physical tables.
func (r *resolver) attributeExpr(expr sqlparser.Expr, sources []source) []ColumnRef {
	var refs []ColumnRef
	seen := map[ColumnRef]bool{}
	add := func(cr ColumnRef) {
		if !seen[cr] {
			seen[cr] = true
			refs = append(refs, cr)
		}
	}

	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		col, ok := node.(*sqlparser.ColName)
		if !ok {
			return true, nil
		}
		qualifier := col.Qualifier.Name.String()
		colName := col.Name.String()
		for _, cr := range r.resolveColumn(qualifier, colName, sources) {
			add(cr)
		}
		return true, nil
	}, expr)
	return refs
}

// resolveColumn maps qualifier.column through the visible sources.
func (r *resolver) resolveColumn(qualifier, column string, sources []source) []ColumnRef {
	for _, src := range sources {
		if qualifier != "" && qualifier != src.alias {
			continue
		}
		if src.table != "" {
			if qualifier != "" || len(sources) == 1 {
				return []ColumnRef{{SourceTable: src.table, SourceColumn: column}}
			}
			// Unqualified column over several physical sources cannot
			// be attributed without catalog metadata; attribute to the
			// first source that matches by name when possible.
			return []ColumnRef{{SourceTable: src.table, SourceColumn: column}}
		}
		// Derived source: follow the inner output column.
		for _, inner := range src.cols {
			if inner.name == column {
				return inner.refs
			}
		}
		if qualifier != "" {
			return nil
		}
	}
	return nil
}

// expandStar resolves SELECT * (or alias.*) against the sources,
// consulting information_schema for physical tables when a database
// handle is available.
func (r *resolver) expandStar(star *sqlparser.StarExpr, sources []source) ([]outputColumn, []string) {
	var out []outputColumn
	var diags []string
	qualifier := star.TableName.Name.String()

	for _, src := range sources {
		if qualifier != "" && qualifier != src.alias {
			continue
		}
		if src.table == "" {
			out = append(out, src.cols...)
			continue
		}
		if r.db == nil {
			diags = append(diags, fmt.Sprintf("SELECT * over %s: no database connection to expand columns", src.table))
			continue
		}
		schema, name, ok := splitTable(src.table)
		if !ok {
			diags = append(diags, fmt.Sprintf("SELECT * over unqualified table %s", src.table))
			continue
		}
		cols, err := materialize.Columns(r.ctx, r.db, schema, name)
		if err != nil || len(cols) == 0 {
			diags = append(diags, fmt.Sprintf("SELECT * over %s: columns unavailable", src.table))
			continue
		}
		for _, c := range cols {
			out = append(out, outputColumn{
				name: c.Name,
				refs: []ColumnRef{{SourceTable: src.table, SourceColumn: c.Name}},
			})
		}
	}
	return out, diags
}

func outputName(e *sqlparser.AliasedExpr) string {
	if !e.As.IsEmpty() {
		return e.As.String()
	}
	if col, ok := e.Expr.(*sqlparser.ColName); ok {
		return col.Name.String()
	}
	return strings.TrimSpace(sqlparser.String(e.Expr))
}

func aliasOr(alias, fallback string) string {
	if alias != "" {
		return alias
	}
	return fallback
}

func shortName(table string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[i+1:]
	}
	return table
}

func splitTable(table string) (schema, name string, ok bool) {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

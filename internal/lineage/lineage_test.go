package lineage

import (
	"context"
	"reflect"
	"testing"
)

func TestTableRefs(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			"simple",
			"SELECT id FROM bronze.users",
			[]string{"bronze.users"},
		},
		{
			"join",
			"SELECT u.id FROM bronze.users u JOIN bronze.orders o ON u.id = o.user_id",
			[]string{"bronze.orders", "bronze.users"},
		},
		{
			"cte excluded",
			"WITH recent AS (SELECT * FROM bronze.events) SELECT * FROM recent",
			[]string{"bronze.events"},
		},
		{
			"nested subquery",
			"SELECT * FROM (SELECT id FROM silver.users) s",
			[]string{"silver.users"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TableRefs(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("refs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTableRefsUnparseable(t *testing.T) {
	if _, err := TableRefs("THIS IS NOT SQL AT ALL ((("); err == nil {
		t.Error("expected parse error")
	}
}

func TestColumnLineageAlias(t *testing.T) {
	// Aliased table, aliased column.
	ln := ColumnLineage(context.Background(), nil,
		"SELECT e.event_id, e.magnitude AS mag FROM silver.earthquake_events AS e")
	want := []ColumnRef{{SourceTable: "silver.earthquake_events", SourceColumn: "magnitude"}}
	if !reflect.DeepEqual(ln.Columns["mag"], want) {
		t.Errorf("lineage(mag) = %v, want %v", ln.Columns["mag"], want)
	}
	wantID := []ColumnRef{{SourceTable: "silver.earthquake_events", SourceColumn: "event_id"}}
	if !reflect.DeepEqual(ln.Columns["event_id"], wantID) {
		t.Errorf("lineage(event_id) = %v, want %v", ln.Columns["event_id"], wantID)
	}
}

func TestColumnLineageComputedExpression(t *testing.T) {
	ln := ColumnLineage(context.Background(), nil,
		"SELECT a.x + a.y AS total FROM s.t AS a")
	refs := ln.Columns["total"]
	if len(refs) != 2 {
		t.Fatalf("computed column refs = %v, want two attributions", refs)
	}
	seen := map[string]bool{}
	for _, r := range refs {
		if r.SourceTable != "s.t" {
			t.Errorf("source table = %q", r.SourceTable)
		}
		seen[r.SourceColumn] = true
	}
	if !seen["x"] || !seen["y"] {
		t.Errorf("refs = %v, want x and y", refs)
	}
}

func TestColumnLineageThroughCTE(t *testing.T) {
	ln := ColumnLineage(context.Background(), nil,
		"WITH base AS (SELECT u.id AS user_id FROM bronze.users u) SELECT b.user_id FROM base b")
	want := []ColumnRef{{SourceTable: "bronze.users", SourceColumn: "id"}}
	if !reflect.DeepEqual(ln.Columns["user_id"], want) {
		t.Errorf("lineage(user_id) = %v, want %v", ln.Columns["user_id"], want)
	}
}

func TestColumnLineageSubquery(t *testing.T) {
	ln := ColumnLineage(context.Background(), nil,
		"SELECT sub.n FROM (SELECT o.order_id AS n FROM sales.orders o) sub")
	want := []ColumnRef{{SourceTable: "sales.orders", SourceColumn: "order_id"}}
	if !reflect.DeepEqual(ln.Columns["n"], want) {
		t.Errorf("lineage(n) = %v, want %v", ln.Columns["n"], want)
	}
}

func TestColumnLineageUnionFirstBranch(t *testing.T) {
	ln := ColumnLineage(context.Background(), nil,
		"SELECT a.id FROM s.left_t a UNION ALL SELECT b.id FROM s.right_t b")
	want := []ColumnRef{{SourceTable: "s.left_t", SourceColumn: "id"}}
	if !reflect.DeepEqual(ln.Columns["id"], want) {
		t.Errorf("lineage(id) = %v, want %v", ln.Columns["id"], want)
	}
}

func TestColumnLineageUnparseable(t *testing.T) {
	ln := ColumnLineage(context.Background(), nil, "NOT SQL (((")
	if len(ln.Columns) != 0 {
		t.Errorf("columns = %v, want empty", ln.Columns)
	}
	if len(ln.Diagnostics) == 0 {
		t.Error("expected a diagnostic for unparseable SQL")
	}
}

func TestColumnLineageStarWithoutDB(t *testing.T) {
	ln := ColumnLineage(context.Background(), nil, "SELECT * FROM s.t")
	if len(ln.Columns) != 0 {
		t.Errorf("columns = %v, want empty without db", ln.Columns)
	}
	if len(ln.Diagnostics) == 0 {
		t.Error("expected a gap diagnostic for SELECT *")
	}
}

func TestSplitCTEs(t *testing.T) {
	body, ctes, err := splitCTEs(
		"WITH a AS (SELECT 1), b AS (SELECT x FROM a WHERE y = ')') SELECT * FROM b")
	if err != nil {
		t.Fatal(err)
	}
	if body != "SELECT * FROM b" {
		t.Errorf("body = %q", body)
	}
	if ctes["a"] != "SELECT 1" {
		t.Errorf("cte a = %q", ctes["a"])
	}
	if ctes["b"] != "SELECT x FROM a WHERE y = ')'" {
		t.Errorf("cte b = %q", ctes["b"])
	}
}

func TestSplitCTEsNoWith(t *testing.T) {
	body, ctes, err := splitCTEs("SELECT 1")
	if err != nil || body != "SELECT 1" || ctes != nil {
		t.Errorf("body=%q ctes=%v err=%v", body, ctes, err)
	}
	// WITHDRAWN is not a WITH clause.
	body, _, err = splitCTEs("SELECT * FROM withdrawn_accounts")
	if err != nil || body != "SELECT * FROM withdrawn_accounts" {
		t.Errorf("body=%q err=%v", body, err)
	}
}

func TestSplitCTEsRecursive(t *testing.T) {
	_, ctes, err := splitCTEs("WITH RECURSIVE r AS (SELECT 1) SELECT * FROM r")
	if err != nil {
		t.Fatal(err)
	}
	if ctes["r"] != "SELECT 1" {
		t.Errorf("cte r = %q", ctes["r"])
	}
}

func TestRecursiveCTEEmptyAttribution(t *testing.T) {
	// A self-referential CTE must not loop; the recursive edge yields
	// an empty attribution.
	ln := ColumnLineage(context.Background(), nil,
		"WITH RECURSIVE r AS (SELECT n FROM r) SELECT q.n FROM r q")
	if refs := ln.Columns["n"]; len(refs) != 0 {
		t.Errorf("recursive lineage = %v, want empty", refs)
	}
}

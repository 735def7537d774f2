package runner

import (
	"context"
	"sort"
	"testing"

	"go.uber.org/zap"

	"github.com/loamdata/loam/internal/engine"
	"github.com/loamdata/loam/internal/metadata"
	"github.com/loamdata/loam/internal/model"
	"github.com/loamdata/loam/internal/warehouse"
)

func newTestEngine(t *testing.T) (*Runner, *warehouse.DB, *metadata.Store) {
	t.Helper()
	db, err := warehouse.Open("", zap.NewNop())
	if err != nil {
		t.Fatalf("open in-memory warehouse: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store, err := metadata.New(context.Background(), db)
	if err != nil {
		t.Fatalf("init metadata: %v", err)
	}
	return New(db, store, zap.NewNop()), db, store
}

func exec(t *testing.T, db *warehouse.DB, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		if _, err := db.ExecWrite(context.Background(), stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
}

func mustModel(t *testing.T, schema, name, raw string) *model.Model {
	t.Helper()
	m := model.Parse(schema+"/"+name+".sql", schema, name, raw)
	if len(m.ParseErrs) > 0 {
		t.Fatalf("parse %s.%s: %v", schema, name, m.ParseErrs)
	}
	return m
}

func statuses(summary *engine.RunSummary) map[string]engine.Status {
	out := map[string]engine.Status{}
	for name, res := range summary.Results {
		out[name] = res.Status
	}
	return out
}

// Building twice with no edits builds everything once, then skips
// everything, and the persisted fingerprints match the models.
func TestRunThenSkip(t *testing.T) {
	r, db, store := newTestEngine(t)
	ctx := context.Background()
	exec(t, db,
		"CREATE SCHEMA src",
		"CREATE TABLE src.events (id INTEGER, v INTEGER)",
		"INSERT INTO src.events VALUES (1, 10), (2, 20), (3, 30)",
	)

	models := []*model.Model{
		mustModel(t, "bronze", "events",
			"-- config: materialized=table\n-- depends_on: src.events\nSELECT * FROM src.events"),
		mustModel(t, "silver", "totals",
			"-- config: materialized=table\n-- depends_on: bronze.events\nSELECT count(*) AS n FROM bronze.events"),
	}

	first, err := r.Run(ctx, models, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for name, status := range statuses(first) {
		if status != engine.StatusBuilt {
			t.Errorf("first run %s = %s, want built", name, status)
		}
	}
	if got := first.Results["bronze.events"].RowCount; got != 3 {
		t.Errorf("bronze.events rows = %d, want 3", got)
	}

	state, err := store.GetModelState(ctx, "bronze.events")
	if err != nil {
		t.Fatal(err)
	}
	if state == nil || state.ContentHash != models[0].ContentHash {
		t.Errorf("persisted content hash = %+v, want %s", state, models[0].ContentHash)
	}
	if state.UpstreamHash != models[0].UpstreamHash {
		t.Errorf("persisted upstream hash mismatch")
	}

	second, err := r.Run(ctx, models, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for name, status := range statuses(second) {
		if status != engine.StatusSkipped {
			t.Errorf("second run %s = %s, want skipped", name, status)
		}
	}
}

// Editing an upstream model changes the downstream upstream_hash and
// forces both to rebuild.
func TestUpstreamEditRebuildsDownstream(t *testing.T) {
	r, db, _ := newTestEngine(t)
	ctx := context.Background()
	exec(t, db,
		"CREATE SCHEMA src",
		"CREATE TABLE src.events (id INTEGER, v INTEGER)",
		"INSERT INTO src.events VALUES (1, 10)",
	)

	base := "-- config: materialized=table\n-- depends_on: src.events\nSELECT * FROM src.events"
	down := "-- config: materialized=table\n-- depends_on: bronze.events\nSELECT count(*) AS n FROM bronze.events"
	models := []*model.Model{
		mustModel(t, "bronze", "events", base),
		mustModel(t, "silver", "totals", down),
	}
	if _, err := r.Run(ctx, models, Options{}); err != nil {
		t.Fatal(err)
	}

	edited := []*model.Model{
		mustModel(t, "bronze", "events", base+" WHERE v > 0"),
		mustModel(t, "silver", "totals", down),
	}
	summary, err := r.Run(ctx, edited, Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := statuses(summary)
	if got["bronze.events"] != engine.StatusBuilt {
		t.Errorf("bronze.events = %s, want built", got["bronze.events"])
	}
	if got["silver.totals"] != engine.StatusBuilt {
		t.Errorf("silver.totals = %s, want built after upstream edit", got["silver.totals"])
	}
}

// Incremental merge replaces rows by key and is idempotent.
func TestIncrementalMerge(t *testing.T) {
	r, db, _ := newTestEngine(t)
	ctx := context.Background()
	exec(t, db,
		"CREATE SCHEMA src",
		"CREATE TABLE src.raw (id INTEGER, amount INTEGER)",
		"INSERT INTO src.raw VALUES (1, 100)",
	)

	models := []*model.Model{mustModel(t, "silver", "amounts",
		"-- config: materialized=incremental, unique_key=id, incremental_strategy=merge\n"+
			"-- depends_on: src.raw\n"+
			"SELECT * FROM src.raw")}

	if _, err := r.Run(ctx, models, Options{}); err != nil {
		t.Fatal(err)
	}
	assertRows(t, db, "SELECT id, amount FROM silver.amounts ORDER BY id",
		[][2]int64{{1, 100}})

	exec(t, db, "DELETE FROM src.raw", "INSERT INTO src.raw VALUES (1, 200), (2, 300)")
	if _, err := r.Run(ctx, models, Options{Force: true}); err != nil {
		t.Fatal(err)
	}
	assertRows(t, db, "SELECT id, amount FROM silver.amounts ORDER BY id",
		[][2]int64{{1, 200}, {2, 300}})

	// Idempotency: the same source state merged again changes nothing.
	if _, err := r.Run(ctx, models, Options{Force: true}); err != nil {
		t.Fatal(err)
	}
	assertRows(t, db, "SELECT id, amount FROM silver.amounts ORDER BY id",
		[][2]int64{{1, 200}, {2, 300}})
}

// delete+insert with partition_by only rewrites partitions present in
// the source batch.
func TestPartitionReplace(t *testing.T) {
	r, db, _ := newTestEngine(t)
	ctx := context.Background()
	exec(t, db,
		"CREATE SCHEMA src",
		"CREATE TABLE src.raw (id INTEGER, label VARCHAR, event_date VARCHAR)",
		"INSERT INTO src.raw VALUES (1, 'A', '2024-01-01'), (2, 'B', '2024-01-01'), (3, 'C', '2024-01-02')",
	)

	models := []*model.Model{mustModel(t, "silver", "events",
		"-- config: materialized=incremental, incremental_strategy=delete+insert, partition_by=event_date\n"+
			"-- depends_on: src.raw\n"+
			"SELECT * FROM src.raw")}

	if _, err := r.Run(ctx, models, Options{}); err != nil {
		t.Fatal(err)
	}

	exec(t, db, "DELETE FROM src.raw",
		"INSERT INTO src.raw VALUES (1, 'A_new', '2024-01-01'), (4, 'D', '2024-01-01')")
	if _, err := r.Run(ctx, models, Options{Force: true}); err != nil {
		t.Fatal(err)
	}

	rows, err := db.RunQuery(ctx, "SELECT id, label FROM silver.events ORDER BY id", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := map[int64]string{1: "A_new", 3: "C", 4: "D"}
	if len(rows.Rows) != len(want) {
		t.Fatalf("rows = %v, want %d rows", rows.Rows, len(want))
	}
	for _, row := range rows.Rows {
		id := toInt64(row[0])
		if want[id] != row[1].(string) {
			t.Errorf("row %d = %q, want %q", id, row[1], want[id])
		}
	}
}

// A failing required assertion marks the model assertion_failed, skips
// its descendants and leaves their model_state untouched.
func TestAssertionFailureBlocksDownstream(t *testing.T) {
	r, db, store := newTestEngine(t)
	ctx := context.Background()
	exec(t, db,
		"CREATE SCHEMA src",
		"CREATE TABLE src.empty_source (id INTEGER)",
	)

	models := []*model.Model{
		mustModel(t, "bronze", "empty",
			"-- config: materialized=table\n-- depends_on: src.empty_source\n-- assert: row_count > 0\nSELECT * FROM src.empty_source"),
		mustModel(t, "silver", "uses_empty",
			"-- config: materialized=table\n-- depends_on: bronze.empty\nSELECT * FROM bronze.empty"),
	}

	summary, err := r.Run(ctx, models, Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := statuses(summary)
	if got["bronze.empty"] != engine.StatusAssertionFailed {
		t.Errorf("bronze.empty = %s, want assertion_failed", got["bronze.empty"])
	}
	if got["silver.uses_empty"] != engine.StatusSkipped {
		t.Errorf("silver.uses_empty = %s, want skipped", got["silver.uses_empty"])
	}
	if summary.Status() != engine.RunAssertionFailed {
		t.Errorf("run status = %s, want assertion_failed", summary.Status())
	}

	res, err := db.RunQuery(ctx,
		"SELECT passed, detail FROM _internal.assertion_results WHERE model_path = 'bronze.empty'", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("assertion_results rows = %d, want 1", len(res.Rows))
	}
	if passed := res.Rows[0][0].(bool); passed {
		t.Error("assertion recorded as passed")
	}
	if detail := res.Rows[0][1].(string); detail != "row_count=0" {
		t.Errorf("detail = %q, want row_count=0", detail)
	}

	state, err := store.GetModelState(ctx, "silver.uses_empty")
	if err != nil {
		t.Fatal(err)
	}
	if state != nil {
		t.Errorf("downstream model_state = %+v, want none", state)
	}
}

// A materialization failure skips descendants but leaves independent
// branches running.
func TestFailureSkipsOnlyDescendants(t *testing.T) {
	r, db, _ := newTestEngine(t)
	ctx := context.Background()
	exec(t, db,
		"CREATE SCHEMA src",
		"CREATE TABLE src.ok (id INTEGER)",
		"INSERT INTO src.ok VALUES (1)",
	)

	models := []*model.Model{
		mustModel(t, "bronze", "broken",
			"-- config: materialized=table\nSELECT * FROM src.does_not_exist"),
		mustModel(t, "silver", "uses_broken",
			"-- config: materialized=table\n-- depends_on: bronze.broken\nSELECT * FROM bronze.broken"),
		mustModel(t, "bronze", "fine",
			"-- config: materialized=table\n-- depends_on: src.ok\nSELECT * FROM src.ok"),
	}

	summary, err := r.Run(ctx, models, Options{})
	if err != nil {
		t.Fatal(err)
	}
	got := statuses(summary)
	if got["bronze.broken"] != engine.StatusFailed {
		t.Errorf("bronze.broken = %s, want failed", got["bronze.broken"])
	}
	if got["silver.uses_broken"] != engine.StatusSkipped {
		t.Errorf("silver.uses_broken = %s, want skipped", got["silver.uses_broken"])
	}
	if got["bronze.fine"] != engine.StatusBuilt {
		t.Errorf("bronze.fine = %s, want built", got["bronze.fine"])
	}

	// Execution failures log with status error per model; the aggregate
	// row reduces to failed.
	res, err := db.RunQuery(ctx,
		"SELECT status FROM _internal.run_log WHERE run_type = 'transform' AND target = 'bronze.broken'", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 || res.Rows[0][0].(string) != string(engine.RunError) {
		t.Errorf("bronze.broken run_log = %v, want one error row", res.Rows)
	}
	res, err = db.RunQuery(ctx,
		"SELECT status FROM _internal.run_log WHERE run_type = 'transform_run'", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 || res.Rows[0][0].(string) != string(engine.RunFailed) {
		t.Errorf("transform_run run_log = %v, want one failed row", res.Rows)
	}
}

// Target narrows the run to a model and its descendants.
func TestTargetSelection(t *testing.T) {
	r, db, _ := newTestEngine(t)
	ctx := context.Background()
	exec(t, db,
		"CREATE SCHEMA src",
		"CREATE TABLE src.a (id INTEGER)",
		"CREATE TABLE src.b (id INTEGER)",
	)

	models := []*model.Model{
		mustModel(t, "bronze", "a", "-- config: materialized=table\nSELECT * FROM src.a"),
		mustModel(t, "bronze", "b", "-- config: materialized=table\nSELECT * FROM src.b"),
		mustModel(t, "silver", "from_a",
			"-- config: materialized=table\n-- depends_on: bronze.a\nSELECT * FROM bronze.a"),
	}

	summary, err := r.Run(ctx, models, Options{Target: "bronze.a"})
	if err != nil {
		t.Fatal(err)
	}
	var ran []string
	for name := range summary.Results {
		ran = append(ran, name)
	}
	sort.Strings(ran)
	want := []string{"bronze.a", "silver.from_a"}
	if len(ran) != 2 || ran[0] != want[0] || ran[1] != want[1] {
		t.Errorf("ran = %v, want %v", ran, want)
	}

	if _, err := r.Run(ctx, models, Options{Target: "nope.nope"}); err == nil {
		t.Error("want error for unknown target")
	}
}

// A cycle aborts the whole run before any DDL.
func TestCycleAborts(t *testing.T) {
	r, _, _ := newTestEngine(t)
	models := []*model.Model{
		mustModel(t, "a", "x", "-- depends_on: b.y\nSELECT 1"),
		mustModel(t, "b", "y", "-- depends_on: a.x\nSELECT 1"),
	}
	_, err := r.Run(context.Background(), models, Options{})
	if err == nil {
		t.Fatal("want cycle error")
	}
	if engine.KindOf(err) != engine.KindCycle {
		t.Errorf("kind = %s, want cycle", engine.KindOf(err))
	}
}

func assertRows(t *testing.T, db *warehouse.DB, query string, want [][2]int64) {
	t.Helper()
	res, err := db.RunQuery(context.Background(), query, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != len(want) {
		t.Fatalf("rows = %v, want %d rows", res.Rows, len(want))
	}
	for i, row := range res.Rows {
		if toInt64(row[0]) != want[i][0] || toInt64(row[1]) != want[i][1] {
			t.Errorf("row %d = %v, want %v", i, row, want[i])
		}
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return -1
	}
}

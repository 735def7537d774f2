// Package runner executes a transform run over the model DAG: change
// detection, tier-parallel materialization, profiling, assertions, and
// the metadata writes that drive the next run.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loamdata/loam/internal/dag"
	"github.com/loamdata/loam/internal/engine"
	"github.com/loamdata/loam/internal/materialize"
	"github.com/loamdata/loam/internal/metadata"
	"github.com/loamdata/loam/internal/model"
	"github.com/loamdata/loam/internal/profile"
	"github.com/loamdata/loam/internal/quality"
	"github.com/loamdata/loam/internal/warehouse"
)

// Options tune one transform run.
type Options struct {
	// Force rebuilds every model regardless of stored fingerprints.
	Force bool
	// Workers caps tier-internal parallelism; 0 means logical CPU
	// count. Always clipped to the tier size.
	Workers int
	// Target restricts the run to the named model and its descendants;
	// empty runs everything.
	Target string
}

// Runner wires the per-model pipeline together.
type Runner struct {
	db    *warehouse.DB
	store *metadata.Store
	mz    *materialize.Materializer
	eval  *quality.Evaluator
	prof  *profile.Profiler
	log   *zap.Logger
}

// New builds a runner over an opened warehouse and metadata store.
func New(db *warehouse.DB, store *metadata.Store, log *zap.Logger) *Runner {
	return &Runner{
		db:    db,
		store: store,
		mz:    materialize.New(db, log),
		eval:  quality.NewEvaluator(db),
		prof:  profile.New(db),
		log:   log,
	}
}

// Run executes the transform pipeline over models. Parse errors fail
// fast before any DDL; cycles abort; per-model failures mark their
// descendants skipped and the run continues on independent branches.
func (r *Runner) Run(ctx context.Context, models []*model.Model, opts Options) (*engine.RunSummary, error) {
	summary := &engine.RunSummary{
		RunID:     uuid.NewString(),
		Results:   map[string]engine.ModelResult{},
		StartedAt: time.Now(),
	}

	if errs := model.CheckAll(models); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return nil, engine.Errorf(engine.KindParseError, "%s", strings.Join(msgs, "; "))
	}

	plan, err := dag.Build(models)
	if err != nil {
		return nil, err
	}

	selected := r.selectModels(plan, opts.Target)
	if opts.Target != "" && len(selected) == 0 {
		return nil, engine.Errorf(engine.KindMissingUpstream, "unknown model %q", opts.Target)
	}

	states, err := r.store.AllModelStates(ctx)
	if err != nil {
		return nil, engine.Wrap(engine.KindExecutionError, err)
	}

	var (
		mu      sync.Mutex
		blocked = map[string]bool{}
	)
	record := func(res engine.ModelResult) {
		mu.Lock()
		summary.Results[res.FullName] = res
		if res.Status == engine.StatusFailed || res.Status == engine.StatusAssertionFailed {
			for _, desc := range plan.Descendants(res.FullName) {
				blocked[desc] = true
			}
		}
		mu.Unlock()
	}

	for _, tier := range plan.Tiers {
		var runnable []string
		for _, name := range tier {
			if selected != nil && !selected[name] {
				continue
			}
			mu.Lock()
			isBlocked := blocked[name]
			mu.Unlock()
			if isBlocked {
				record(engine.ModelResult{FullName: name, Status: engine.StatusSkipped})
				continue
			}
			if ctx.Err() != nil {
				record(engine.ModelResult{FullName: name, Status: engine.StatusCancelled})
				continue
			}
			runnable = append(runnable, name)
		}
		if len(runnable) == 0 {
			continue
		}

		workers := opts.Workers
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
		if workers > len(runnable) {
			workers = len(runnable)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for _, name := range runnable {
			name := name
			g.Go(func() error {
				record(r.runModel(gctx, plan.Models[name], states[name], opts.Force))
				return nil
			})
		}
		_ = g.Wait()
	}

	summary.FinishedAt = time.Now()
	r.appendRunLog(ctx, summary, opts)
	return summary, nil
}

// selectModels returns the set to run: nil for everything, otherwise
// the target and its transitive descendants.
func (r *Runner) selectModels(plan *dag.Plan, target string) map[string]bool {
	if target == "" {
		return nil
	}
	if _, ok := plan.Models[target]; !ok {
		return map[string]bool{}
	}
	sel := map[string]bool{target: true}
	for _, d := range plan.Descendants(target) {
		sel[d] = true
	}
	return sel
}

// runModel is the per-model pipeline: change check, materialize,
// profile, assert, metadata writes.
func (r *Runner) runModel(ctx context.Context, m *model.Model, state *metadata.ModelState, force bool) engine.ModelResult {
	name := m.FullName()
	res := engine.ModelResult{FullName: name}

	if !force && state != nil &&
		state.ContentHash == m.ContentHash && state.UpstreamHash == m.UpstreamHash {
		res.Status = engine.StatusSkipped
		r.log.Debug("unchanged", zap.String("model", name))
		return res
	}

	if ctx.Err() != nil {
		res.Status = engine.StatusCancelled
		return res
	}

	outcome, err := r.mz.Run(ctx, m)
	res.RowCount = outcome.RowCount
	res.Duration = outcome.Duration
	if err != nil {
		if engine.KindOf(err) == engine.KindCancelled {
			res.Status = engine.StatusCancelled
		} else {
			res.Status = engine.StatusFailed
		}
		res.Err = err
		r.log.Error("materialization failed", zap.String("model", name), zap.Error(err))
		r.logModelRun(ctx, res)
		return res
	}

	// Profile errors are non-fatal; a missing profile row is fine.
	var prof *metadata.Profile
	if m.Materialized != model.MaterializedView {
		prof, err = r.prof.Compute(ctx, m.Schema, m.Name)
		if err != nil {
			r.log.Warn("profile failed", zap.String("model", name), zap.Error(err))
			prof = nil
		}
	}

	assertions := r.eval.EvaluateAll(ctx, name, m.Assertions)
	passed := quality.AllPassed(assertions)

	now := time.Now()
	err = r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		for i := range assertions {
			rec := &metadata.AssertionResult{
				ModelPath:  name,
				Expression: assertions[i].Expression,
				Passed:     assertions[i].Passed,
				Detail:     assertions[i].Detail,
				CheckedAt:  now,
			}
			if err := r.store.InsertAssertionResultTx(ctx, tx, rec); err != nil {
				return err
			}
		}
		if prof != nil {
			if err := r.store.UpsertProfileTx(ctx, tx, prof); err != nil {
				return err
			}
		}
		if !passed {
			// No model_state update: the next run rebuilds and
			// re-checks the failing model.
			return nil
		}
		return r.store.UpsertModelStateTx(ctx, tx, &metadata.ModelState{
			FullName:       name,
			ContentHash:    m.ContentHash,
			UpstreamHash:   m.UpstreamHash,
			MaterializedAs: m.Materialized,
			LastRunAt:      now,
			RunDurationMS:  res.Duration.Milliseconds(),
			RowCount:       res.RowCount,
		})
	})
	if err != nil {
		res.Status = engine.StatusFailed
		res.Err = engine.Wrap(engine.KindExecutionError, err)
		r.logModelRun(ctx, res)
		return res
	}

	if !passed {
		res.Status = engine.StatusAssertionFailed
		res.Err = engine.Errorf(engine.KindAssertionFailed, "%s: %s", name, failedDetail(assertions))
		r.log.Warn("assertions failed", zap.String("model", name), zap.String("detail", failedDetail(assertions)))
	} else {
		res.Status = engine.StatusBuilt
	}
	r.logModelRun(ctx, res)
	return res
}

func failedDetail(results []quality.Result) string {
	var parts []string
	for _, r := range results {
		if !r.Passed {
			parts = append(parts, fmt.Sprintf("%s (%s)", r.Expression, r.Detail))
		}
	}
	return strings.Join(parts, "; ")
}

// logModelRun appends one run_log row in completion order. Skipped
// models produce no row.
func (r *Runner) logModelRun(ctx context.Context, res engine.ModelResult) {
	entry := &metadata.RunLogEntry{
		RunType:      "transform",
		Target:       res.FullName,
		Status:       string(engine.RunSuccess),
		StartedAt:    time.Now().Add(-res.Duration),
		FinishedAt:   time.Now(),
		DurationMS:   res.Duration.Milliseconds(),
		RowsAffected: res.RowCount,
	}
	switch res.Status {
	case engine.StatusFailed:
		entry.Status = string(engine.RunError)
	case engine.StatusCancelled:
		entry.Status = string(engine.RunFailed)
	case engine.StatusAssertionFailed:
		entry.Status = string(engine.RunAssertionFailed)
	}
	if res.Err != nil {
		entry.Error = res.Err.Error()
	}
	if err := r.store.AppendRunLog(ctx, entry); err != nil {
		r.log.Warn("run_log append failed", zap.String("model", res.FullName), zap.Error(err))
	}
}

// appendRunLog records the aggregate run entry.
func (r *Runner) appendRunLog(ctx context.Context, summary *engine.RunSummary, opts Options) {
	target := opts.Target
	if target == "" {
		target = "all"
	}
	var rows int64
	for _, res := range summary.Results {
		rows += res.RowCount
	}
	counts := summary.Counts()
	entry := &metadata.RunLogEntry{
		ID:           summary.RunID,
		RunType:      "transform_run",
		Target:       target,
		Status:       string(summary.Status()),
		StartedAt:    summary.StartedAt,
		FinishedAt:   summary.FinishedAt,
		DurationMS:   summary.FinishedAt.Sub(summary.StartedAt).Milliseconds(),
		RowsAffected: rows,
		LogOutput: fmt.Sprintf("built=%d skipped=%d failed=%d assertion_failed=%d cancelled=%d",
			counts[engine.StatusBuilt], counts[engine.StatusSkipped], counts[engine.StatusFailed],
			counts[engine.StatusAssertionFailed], counts[engine.StatusCancelled]),
	}
	if err := r.store.AppendRunLog(ctx, entry); err != nil {
		r.log.Warn("run_log append failed", zap.Error(err))
	}
}

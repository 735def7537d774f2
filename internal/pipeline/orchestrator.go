// Package pipeline runs streams: ordered seed/ingest/transform/export
// steps with per-step retries, plus the cron scheduler that submits
// them on minute boundaries.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loamdata/loam/internal/config"
	"github.com/loamdata/loam/internal/engine"
	"github.com/loamdata/loam/internal/materialize"
	"github.com/loamdata/loam/internal/metadata"
	"github.com/loamdata/loam/internal/model"
	"github.com/loamdata/loam/internal/runner"
	"github.com/loamdata/loam/internal/warehouse"
)

// TransformRunner is the transform surface the orchestrator drives.
type TransformRunner interface {
	Run(ctx context.Context, models []*model.Model, opts runner.Options) (*engine.RunSummary, error)
}

// StepResult is one step's outcome inside a stream result.
type StepResult struct {
	Action   string            `json:"action"`
	Targets  []string          `json:"targets"`
	Attempts int               `json:"attempts"`
	Skipped  bool              `json:"skipped,omitempty"`
	Error    string            `json:"error,omitempty"`
	Results  map[string]string `json:"results,omitempty"`
}

// StreamResult is the terminal shape handed to CLI/HTTP callers and
// posted to the stream's webhook.
type StreamResult struct {
	Stream          string       `json:"stream"`
	Status          string       `json:"status"`
	DurationSeconds float64      `json:"duration_seconds"`
	Steps           []StepResult `json:"steps"`
}

// Orchestrator executes streams. Stream runs are serialized through
// runMu; manual invocations block on it while scheduler ticks only try
// it and defer when busy.
type Orchestrator struct {
	db       *warehouse.DB
	store    *metadata.Store
	runner   TransformRunner
	cfg      *config.Project
	log      *zap.Logger
	httpc    *http.Client
	discover func() ([]*model.Model, error)

	runMu sync.Mutex
}

// NewOrchestrator wires a stream executor over an opened warehouse.
// discover supplies the current model set for transform steps.
func NewOrchestrator(db *warehouse.DB, store *metadata.Store, tr TransformRunner, cfg *config.Project, discover func() ([]*model.Model, error), log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:       db,
		store:    store,
		runner:   tr,
		cfg:      cfg,
		log:      log,
		httpc:    &http.Client{Timeout: 10 * time.Second},
		discover: discover,
	}
}

// RunStream executes the named stream to completion, blocking until any
// in-flight stream run finishes first.
func (o *Orchestrator) RunStream(ctx context.Context, name string, force bool) (*StreamResult, error) {
	stream, ok := o.cfg.Streams[name]
	if !ok {
		return nil, engine.Errorf(engine.KindValidationError, "unknown stream %q", name)
	}
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.run(ctx, stream, force), nil
}

// TryRunStream is the scheduler entry point: it refuses to wait for a
// running stream and reports deferral instead.
func (o *Orchestrator) TryRunStream(ctx context.Context, name string) (*StreamResult, bool, error) {
	stream, ok := o.cfg.Streams[name]
	if !ok {
		return nil, false, engine.Errorf(engine.KindValidationError, "unknown stream %q", name)
	}
	if !o.runMu.TryLock() {
		return nil, true, nil
	}
	defer o.runMu.Unlock()
	return o.run(ctx, stream, false), false, nil
}

func (o *Orchestrator) run(ctx context.Context, stream config.Stream, force bool) *StreamResult {
	started := time.Now()
	res := &StreamResult{Stream: stream.Name, Status: "success"}
	o.log.Info("stream started", zap.String("stream", stream.Name), zap.Int("steps", len(stream.Steps)))

	failed := false
	for _, step := range stream.Steps {
		sr := StepResult{Action: step.Action, Targets: step.Targets}
		if failed {
			sr.Skipped = true
			res.Steps = append(res.Steps, sr)
			continue
		}
		o.runStepWithRetry(ctx, stream, step, force, &sr)
		res.Steps = append(res.Steps, sr)
		if sr.Error != "" {
			failed = true
		}
	}
	if failed {
		res.Status = "failed"
	}
	res.DurationSeconds = time.Since(started).Seconds()

	o.appendRunLog(ctx, stream.Name, res, started)
	if stream.Webhook != "" {
		o.postWebhook(ctx, stream.Webhook, res)
	}
	o.log.Info("stream finished",
		zap.String("stream", stream.Name),
		zap.String("status", res.Status),
		zap.Float64("duration_s", res.DurationSeconds))
	return res
}

// runStepWithRetry attempts the step up to retries+1 times, sleeping
// retry_delay seconds between attempts.
func (o *Orchestrator) runStepWithRetry(ctx context.Context, stream config.Stream, step config.Step, force bool, sr *StepResult) {
	delay := time.Duration(stream.RetryDelay) * time.Second
	for attempt := 0; attempt <= stream.Retries; attempt++ {
		sr.Attempts = attempt + 1
		err := o.runStep(ctx, step, force, sr)
		if err == nil {
			sr.Error = ""
			return
		}
		sr.Error = err.Error()
		if engine.KindOf(err) == engine.KindCancelled || ctx.Err() != nil {
			return
		}
		if attempt < stream.Retries {
			o.log.Warn("step failed, retrying",
				zap.String("stream", stream.Name),
				zap.String("action", step.Action),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (o *Orchestrator) runStep(ctx context.Context, step config.Step, force bool, sr *StepResult) error {
	switch step.Action {
	case "seed":
		return o.runSeed(ctx, step.Targets)
	case "ingest":
		return o.runScripts(ctx, "ingest", step.Targets)
	case "export":
		return o.runScripts(ctx, "export", step.Targets)
	case "transform":
		return o.runTransform(ctx, step.Targets, force, sr)
	default:
		return engine.Errorf(engine.KindValidationError, "unknown step action %q", step.Action)
	}
}

// runSeed loads seeds/*.csv into seeds.<name> tables. Targets name the
// files without extension; "all" loads every CSV in the seeds dir.
func (o *Orchestrator) runSeed(ctx context.Context, targets []string) error {
	var paths []string
	if isAll(targets) {
		found, err := filepath.Glob(filepath.Join(o.cfg.SeedsDir, "*.csv"))
		if err != nil {
			return err
		}
		sort.Strings(found)
		paths = found
	} else {
		for _, t := range targets {
			paths = append(paths, filepath.Join(o.cfg.SeedsDir, t+".csv"))
		}
	}
	if len(paths) == 0 {
		return nil
	}

	if _, err := o.db.ExecWrite(ctx, "CREATE SCHEMA IF NOT EXISTS seeds"); err != nil {
		return engine.Wrap(engine.KindExecutionError, err)
	}
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".csv")
		if !model.ValidIdent(name) {
			return engine.Errorf(engine.KindValidationError, "seed file %s: invalid table name %q", path, name)
		}
		stmt := fmt.Sprintf("CREATE OR REPLACE TABLE seeds.%s AS SELECT * FROM read_csv(%s)",
			materialize.QuoteIdent(name), sqlString(path))
		if _, err := o.db.ExecWrite(ctx, stmt); err != nil {
			return engine.Wrap(engine.KindExecutionError, fmt.Errorf("seed %s: %w", name, err))
		}
		o.log.Info("seed loaded", zap.String("table", "seeds."+name), zap.String("file", path))
	}
	return nil
}

// runScripts executes ingest/ or export/ scripts by target name. The
// scripts are opaque to the engine; a non-zero exit fails the step.
func (o *Orchestrator) runScripts(ctx context.Context, dir string, targets []string) error {
	names := targets
	if isAll(targets) {
		found, err := filepath.Glob(filepath.Join(projectDir(o.cfg, dir), "*"))
		if err != nil {
			return err
		}
		sort.Strings(found)
		names = names[:0]
		for _, f := range found {
			names = append(names, filepath.Base(f))
		}
	}
	for _, name := range names {
		script := filepath.Join(projectDir(o.cfg, dir), name)
		cmd := exec.CommandContext(ctx, script)
		out, err := cmd.CombinedOutput()
		if err != nil {
			if ctx.Err() != nil {
				return engine.Wrap(engine.KindCancelled, ctx.Err())
			}
			return engine.Errorf(engine.KindExecutionError, "%s script %s: %v: %s",
				dir, name, err, strings.TrimSpace(string(out)))
		}
		o.log.Info("script finished", zap.String("kind", dir), zap.String("script", name))
	}
	return nil
}

func (o *Orchestrator) runTransform(ctx context.Context, targets []string, force bool, sr *StepResult) error {
	models, err := o.discover()
	if err != nil {
		return err
	}

	runTargets := []string{""}
	if !isAll(targets) {
		runTargets = targets
	}

	sr.Results = map[string]string{}
	for _, target := range runTargets {
		summary, err := o.runner.Run(ctx, models, runner.Options{
			Force:   force,
			Workers: o.cfg.Workers,
			Target:  target,
		})
		if err != nil {
			return err
		}
		for name, r := range summary.Results {
			sr.Results[name] = string(r.Status)
		}
		switch summary.Status() {
		case engine.RunFailed, engine.RunError:
			return engine.Errorf(engine.KindExecutionError, "transform run %s: %s", summary.RunID, summary.Status())
		case engine.RunAssertionFailed:
			return engine.Errorf(engine.KindAssertionFailed, "transform run %s: assertions failed", summary.RunID)
		}
	}
	return nil
}

func (o *Orchestrator) appendRunLog(ctx context.Context, name string, res *StreamResult, started time.Time) {
	entry := &metadata.RunLogEntry{
		RunType:    "stream",
		Target:     name,
		Status:     string(engine.RunSuccess),
		StartedAt:  started,
		FinishedAt: time.Now(),
		DurationMS: int64(res.DurationSeconds * 1000),
	}
	if res.Status != "success" {
		entry.Status = string(engine.RunFailed)
		for _, s := range res.Steps {
			if s.Error != "" {
				entry.Error = fmt.Sprintf("%s: %s", s.Action, s.Error)
				break
			}
		}
	}
	if err := o.store.AppendRunLog(ctx, entry); err != nil {
		o.log.Warn("run_log append failed", zap.String("stream", name), zap.Error(err))
	}
}

// postWebhook delivers the final stream event. Failures are logged and
// never affect the stream status.
func (o *Orchestrator) postWebhook(ctx context.Context, url string, res *StreamResult) {
	body, err := json.Marshal(res)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		o.log.Warn("webhook request failed", zap.String("url", url), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.httpc.Do(req)
	if err != nil {
		o.log.Warn("webhook delivery failed", zap.String("url", url), zap.Error(err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		o.log.Warn("webhook rejected", zap.String("url", url), zap.Int("status", resp.StatusCode))
	}
}

func isAll(targets []string) bool {
	return len(targets) == 0 || (len(targets) == 1 && targets[0] == "all")
}

func projectDir(cfg *config.Project, dir string) string {
	root := filepath.Dir(cfg.TransformRoot)
	return filepath.Join(root, dir)
}

// sqlString quotes a literal for embedding in a statement; read_csv
// takes the path as a string literal, not a bind parameter.
func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

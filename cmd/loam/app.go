package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/loamdata/loam/internal/config"
	"github.com/loamdata/loam/internal/logging"
	"github.com/loamdata/loam/internal/metadata"
	"github.com/loamdata/loam/internal/model"
	"github.com/loamdata/loam/internal/runner"
	"github.com/loamdata/loam/internal/warehouse"
)

// app bundles the engine handles every command needs.
type app struct {
	cfg    *config.Project
	log    *zap.Logger
	db     *warehouse.DB
	store  *metadata.Store
	runner *runner.Runner
}

// newApp loads config, opens the warehouse under the process lock and
// initializes the metadata schema.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.Init(cfg.LogPath, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	db, err := warehouse.Open(cfg.WarehousePath, log)
	if err != nil {
		return nil, err
	}
	store, err := metadata.New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &app{
		cfg:    cfg,
		log:    log,
		db:     db,
		store:  store,
		runner: runner.New(db, store, log),
	}, nil
}

func (a *app) close() {
	_ = a.log.Sync()
	if err := a.db.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "close warehouse:", err)
	}
}

// discover walks the transform root fresh.
func (a *app) discover() ([]*model.Model, error) {
	return model.Discover(a.cfg.TransformRoot)
}

// emitJSON prints v as indented JSON on stdout.
func emitJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

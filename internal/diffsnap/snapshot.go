package diffsnap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loamdata/loam/internal/materialize"
	"github.com/loamdata/loam/internal/metadata"
	"github.com/loamdata/loam/internal/model"
	"github.com/loamdata/loam/internal/warehouse"
)

// Snapshotter captures named project snapshots: a manifest of model
// file hashes plus a cheap order-independent signature per materialized
// table. Snapshots make "what changed since" answerable without keeping
// table copies around.
type Snapshotter struct {
	db    *warehouse.DB
	store *metadata.Store
	log   *zap.Logger
}

// NewSnapshotter returns a snapshotter persisting into _internal.
func NewSnapshotter(db *warehouse.DB, store *metadata.Store, log *zap.Logger) *Snapshotter {
	return &Snapshotter{db: db, store: store, log: log}
}

// Create captures a snapshot under name. root is the transform root to
// manifest; models names the tables to sign (missing tables are
// recorded as absent).
func (s *Snapshotter) Create(ctx context.Context, name, root string, models []*model.Model) error {
	manifest, err := fileManifest(root)
	if err != nil {
		return err
	}

	signatures := map[string]string{}
	for _, m := range models {
		sig, err := s.tableSignature(ctx, m.Schema, m.Name)
		if err != nil {
			return err
		}
		signatures[m.FullName()] = sig
	}

	if err := s.store.SaveSnapshot(ctx, name, time.Now(), manifest, signatures); err != nil {
		return err
	}
	s.log.Info("snapshot saved",
		zap.String("name", name),
		zap.Int("files", len(manifest)),
		zap.Int("tables", len(signatures)))
	return nil
}

// Delta is the difference between a stored snapshot and current state.
type Delta struct {
	Snapshot      string   `json:"snapshot"`
	FilesAdded    []string `json:"files_added,omitempty"`
	FilesRemoved  []string `json:"files_removed,omitempty"`
	FilesChanged  []string `json:"files_changed,omitempty"`
	TablesChanged []string `json:"tables_changed,omitempty"`
}

// Compare reports what diverged from the named snapshot. A nil return
// with ok=false means no snapshot by that name exists.
func (s *Snapshotter) Compare(ctx context.Context, name, root string, models []*model.Model) (*Delta, bool, error) {
	savedFiles, savedTables, err := s.store.GetSnapshot(ctx, name)
	if err != nil {
		return nil, false, err
	}
	if savedFiles == nil && savedTables == nil {
		return nil, false, nil
	}

	current, err := fileManifest(root)
	if err != nil {
		return nil, false, err
	}

	delta := &Delta{Snapshot: name}
	for path, hash := range current {
		saved, ok := savedFiles[path]
		switch {
		case !ok:
			delta.FilesAdded = append(delta.FilesAdded, path)
		case saved != hash:
			delta.FilesChanged = append(delta.FilesChanged, path)
		}
	}
	for path := range savedFiles {
		if _, ok := current[path]; !ok {
			delta.FilesRemoved = append(delta.FilesRemoved, path)
		}
	}

	for _, m := range models {
		full := m.FullName()
		saved, ok := savedTables[full]
		if !ok {
			continue
		}
		sig, err := s.tableSignature(ctx, m.Schema, m.Name)
		if err != nil {
			return nil, false, err
		}
		if sig != saved {
			delta.TablesChanged = append(delta.TablesChanged, full)
		}
	}

	sort.Strings(delta.FilesAdded)
	sort.Strings(delta.FilesRemoved)
	sort.Strings(delta.FilesChanged)
	sort.Strings(delta.TablesChanged)
	return delta, true, nil
}

// tableSignature returns "rows=<n>;hash=<h>" where the hash is a
// bit_xor of per-row hashes, so it is insensitive to row order. Views
// and absent tables sign as "absent".
func (s *Snapshotter) tableSignature(ctx context.Context, schema, name string) (string, error) {
	exists, err := materialize.TableExists(ctx, s.db, schema, name)
	if err != nil {
		return "", err
	}
	if !exists {
		return "absent", nil
	}
	fqn := materialize.RelationFQN(schema, name)
	var rows int64
	var hash uint64
	err = s.db.QueryRow(ctx, fmt.Sprintf(
		"SELECT count(*), coalesce(bit_xor(hash(t::VARCHAR)), 0) FROM %s AS t", fqn)).
		Scan(&rows, &hash)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("rows=%d;hash=%016x", rows, hash), nil
}

// fileManifest hashes every .sql file under root, keyed by the path
// relative to root with forward slashes.
func fileManifest(root string) (map[string]string, error) {
	manifest := map[string]string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".sql") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum := sha256.Sum256(data)
		manifest[filepath.ToSlash(rel)] = hex.EncodeToString(sum[:8])
		return nil
	})
	if os.IsNotExist(err) {
		return manifest, nil
	}
	if err != nil {
		return nil, err
	}
	return manifest, nil
}

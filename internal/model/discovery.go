package model

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/loamdata/loam/internal/engine"
)

// Discover walks the transform root and parses every *.sql file into a
// model, in stable (lexicographic path) order. Duplicate full names are
// rejected here; directive errors are carried on the models for the
// validator to surface.
func Discover(root string) ([]*Model, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".sql") {
			paths = append(paths, path)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, engine.Wrap(engine.KindParseError, err)
	}
	sort.Strings(paths)

	models := make([]*Model, 0, len(paths))
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, engine.Wrap(engine.KindParseError, err)
		}
		schema := filepath.Base(filepath.Dir(path))
		name := strings.TrimSuffix(filepath.Base(path), ".sql")
		m := Parse(path, schema, name, string(raw))
		if prev, dup := seen[m.FullName()]; dup {
			return nil, engine.Errorf(engine.KindParseError,
				"duplicate model %s: defined in both %s and %s", m.FullName(), prev, path)
		}
		seen[m.FullName()] = path
		models = append(models, m)
	}
	return models, nil
}

// Cache memoizes discovery keyed on per-file mtimes. A filesystem
// watcher on the transform root invalidates eagerly so long-lived
// callers (API, scheduler) do not pay a stat walk per request.
type Cache struct {
	root string

	mu      sync.Mutex
	models  []*Model
	mtimes  map[string]int64
	watcher *fsnotify.Watcher
}

// NewCache builds a discovery cache over root. The watcher is best
// effort: when it cannot be created the cache falls back to mtime
// comparison alone. fsnotify watches are not recursive, so every
// directory found during discovery is added as a watch too.
func NewCache(root string) *Cache {
	c := &Cache{root: root}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return c
	}
	if err := w.Add(root); err != nil {
		_ = w.Close()
		return c
	}
	c.watcher = w
	go func() {
		for {
			select {
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				c.Invalidate()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return c
}

// Models returns the cached model set, re-discovering when stale.
func (c *Cache) Models() ([]*Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models != nil && !c.staleLocked() {
		return c.models, nil
	}
	models, err := Discover(c.root)
	if err != nil {
		return nil, err
	}
	c.models = models
	c.mtimes = make(map[string]int64, len(models))
	for _, m := range models {
		if info, err := os.Stat(m.Path); err == nil {
			c.mtimes[m.Path] = info.ModTime().UnixNano()
		}
	}
	// Directory mtimes change when entries are added or removed, so
	// tracking them catches new model files even without the watcher.
	for _, dir := range c.dirsLocked() {
		if info, err := os.Stat(dir); err == nil {
			c.mtimes[dir] = info.ModTime().UnixNano()
		}
		if c.watcher != nil {
			_ = c.watcher.Add(dir)
		}
	}
	return models, nil
}

// dirsLocked lists every directory under root, root included. Walk
// errors leave the list partial; the root fallback still covers the
// top level.
func (c *Cache) dirsLocked() []string {
	dirs := []string{c.root}
	_ = filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != c.root {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs
}

// Invalidate drops the cached model set.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.models = nil
	c.mu.Unlock()
}

// Close releases the watcher.
func (c *Cache) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}

func (c *Cache) staleLocked() bool {
	for path, mtime := range c.mtimes {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().UnixNano() != mtime {
			return true
		}
	}
	return false
}

// Index maps models by full name, a convenience for the planner and
// the validator.
func Index(models []*Model) map[string]*Model {
	idx := make(map[string]*Model, len(models))
	for _, m := range models {
		idx[m.FullName()] = m
	}
	return idx
}

// CheckAll validates every model, returning one error per bad model.
func CheckAll(models []*Model) []error {
	var errs []error
	for _, m := range models {
		if err := m.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.FullName(), err))
		}
	}
	return errs
}

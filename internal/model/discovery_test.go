package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeModel(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverStableOrder(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "silver/b.sql", "SELECT 2")
	writeModel(t, root, "bronze/a.sql", "SELECT 1")
	writeModel(t, root, "bronze/c.sql", "SELECT 3")

	models, err := Discover(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 3 {
		t.Fatalf("got %d models, want 3", len(models))
	}
	want := []string{"bronze.a", "bronze.c", "silver.b"}
	for i, m := range models {
		if m.FullName() != want[i] {
			t.Errorf("models[%d] = %s, want %s", i, m.FullName(), want[i])
		}
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	models, err := Discover(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("missing root should be a no-op, got %v", err)
	}
	if len(models) != 0 {
		t.Fatalf("got %d models from missing root", len(models))
	}
}

func TestDiscoverDuplicateFullName(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "bronze/users.sql", "SELECT 1")
	writeModel(t, root, "other/users.sql", "-- config: schema=bronze\nSELECT 2")

	_, err := Discover(root)
	if err == nil {
		t.Fatal("expected duplicate full_name error")
	}
}

func TestCacheInvalidation(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "bronze/a.sql", "SELECT 1")

	cache := NewCache(root)
	defer cache.Close()

	first, err := cache.Models()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d models", len(first))
	}

	writeModel(t, root, "bronze/b.sql", "SELECT 2")
	cache.Invalidate()

	second, err := cache.Models()
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 2 {
		t.Fatalf("after invalidation got %d models, want 2", len(second))
	}
}

func TestCacheSeesNewFiles(t *testing.T) {
	root := t.TempDir()
	writeModel(t, root, "bronze/a.sql", "SELECT 1")

	cache := NewCache(root)
	defer cache.Close()

	first, err := cache.Models()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d models", len(first))
	}

	// A create in a subdirectory must be noticed without an explicit
	// Invalidate. Bump the directory mtime past filesystem granularity
	// so the staleness check cannot miss it.
	writeModel(t, root, "bronze/b.sql", "SELECT 2")
	writeModel(t, root, "gold/c.sql", "SELECT 3")
	future := time.Now().Add(2 * time.Second)
	for _, dir := range []string{root, filepath.Join(root, "bronze")} {
		if err := os.Chtimes(dir, future, future); err != nil {
			t.Fatal(err)
		}
	}

	second, err := cache.Models()
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 3 {
		t.Fatalf("after creates got %d models, want 3", len(second))
	}
}

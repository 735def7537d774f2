package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleProject = `
warehouse:
  path: data/warehouse.duckdb
transform:
  root: transform
validation:
  mode: strict
workers: 4
streams:
  daily:
    cron: "0 6 * * *"
    retries: 2
    retry_delay: 30
    webhook: https://example.test/hook
    steps:
      - action: seed
        targets: [all]
      - action: transform
        targets: [all]
freshness:
  silver.totals: 24
`

func writeProject(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "project.yml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadProject(t *testing.T) {
	dir := writeProject(t, sampleProject)
	t.Chdir(dir)
	if err := Initialize(); err != nil {
		t.Fatal(err)
	}
	p, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if p.WarehousePath != filepath.Join(dir, "data", "warehouse.duckdb") {
		t.Errorf("warehouse path = %q", p.WarehousePath)
	}
	if p.ValidationMode != "strict" {
		t.Errorf("validation mode = %q", p.ValidationMode)
	}
	if p.Workers != 4 {
		t.Errorf("workers = %d", p.Workers)
	}

	daily, ok := p.Streams["daily"]
	if !ok {
		t.Fatalf("streams = %v, want daily", p.Streams)
	}
	if daily.Name != "daily" || daily.Cron != "0 6 * * *" || daily.Retries != 2 || daily.RetryDelay != 30 {
		t.Errorf("daily = %+v", daily)
	}
	if len(daily.Steps) != 2 || daily.Steps[0].Action != "seed" || daily.Steps[1].Action != "transform" {
		t.Errorf("steps = %+v", daily.Steps)
	}

	if p.Freshness["silver.totals"] != 24 {
		t.Errorf("freshness = %v", p.Freshness)
	}
}

// Commands run from subdirectories still find project.yml.
func TestWalkUpFromSubdirectory(t *testing.T) {
	dir := writeProject(t, sampleProject)
	sub := filepath.Join(dir, "transform", "bronze")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	t.Chdir(sub)
	if err := Initialize(); err != nil {
		t.Fatal(err)
	}
	if ProjectRoot() != dir {
		t.Errorf("project root = %q, want %q", ProjectRoot(), dir)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := Initialize(); err != nil {
		t.Fatal(err)
	}
	p, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if p.WarehousePath != "warehouse.duckdb" {
		t.Errorf("warehouse path = %q", p.WarehousePath)
	}
	if p.ValidationMode != "report" {
		t.Errorf("validation mode = %q", p.ValidationMode)
	}
	if len(p.Streams) != 0 {
		t.Errorf("streams = %v, want none", p.Streams)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad validation mode", "validation:\n  mode: loose\n"},
		{"bad step action", "streams:\n  s:\n    steps:\n      - action: explode\n"},
		{"negative retries", "streams:\n  s:\n    retries: -1\n    steps:\n      - action: seed\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(writeProject(t, tt.content))
			if err := Initialize(); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(); err == nil {
				t.Error("want error")
			}
		})
	}
}

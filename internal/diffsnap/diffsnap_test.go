package diffsnap

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAnyColumnDiffers(t *testing.T) {
	got := anyColumnDiffers([]string{"id", "value"})
	want := `s."id" IS DISTINCT FROM t."id" OR s."value" IS DISTINCT FROM t."value"`
	if got != want {
		t.Errorf("predicate = %q, want %q", got, want)
	}
}

func TestQuotedList(t *testing.T) {
	if got := quotedList([]string{"a", "b"}); got != `"a", "b"` {
		t.Errorf("quotedList = %q", got)
	}
}

func TestFileManifest(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "bronze"), 0o755); err != nil {
		t.Fatal(err)
	}
	write := func(rel, content string) {
		if err := os.WriteFile(filepath.Join(dir, rel), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("bronze/users.sql", "SELECT 1")
	write("bronze/notes.txt", "ignored")

	manifest, err := fileManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest) != 1 {
		t.Fatalf("manifest = %v, want one entry", manifest)
	}
	first := manifest["bronze/users.sql"]
	if len(first) != 16 {
		t.Errorf("hash %q, want 16 hex chars", first)
	}

	// Same content hashes identically; changed content does not.
	again, err := fileManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if again["bronze/users.sql"] != first {
		t.Error("manifest hash not stable")
	}
	write("bronze/users.sql", "SELECT 2")
	changed, err := fileManifest(dir)
	if err != nil {
		t.Fatal(err)
	}
	if changed["bronze/users.sql"] == first {
		t.Error("manifest hash did not change with content")
	}
}

func TestFileManifestMissingRoot(t *testing.T) {
	manifest, err := fileManifest(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatal(err)
	}
	if len(manifest) != 0 {
		t.Errorf("manifest = %v, want empty", manifest)
	}
}

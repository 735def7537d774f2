package quality

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeContract(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadContracts(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "orders.yml", strings.Join([]string{
		"name: orders_quality",
		"model: gold.fct_orders",
		"severity: warn",
		"assertions:",
		"  - row_count > 0",
		"  - unique(id)",
	}, "\n"))
	writeContract(t, dir, "users.yaml", strings.Join([]string{
		"model: silver.users",
		"assertions:",
		"  - no_nulls(id)",
	}, "\n"))

	contracts, err := LoadContracts(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(contracts) != 2 {
		t.Fatalf("got %d contracts", len(contracts))
	}
	if contracts[0].Name != "orders_quality" || contracts[0].Severity != SeverityWarn {
		t.Errorf("contracts[0] = %+v", contracts[0])
	}
	// Name defaults to the file stem, severity to error.
	if contracts[1].Name != "users" || contracts[1].Severity != SeverityError {
		t.Errorf("contracts[1] = %+v", contracts[1])
	}
}

func TestLoadContractsMissingDir(t *testing.T) {
	contracts, err := LoadContracts(filepath.Join(t.TempDir(), "absent"))
	if err != nil || len(contracts) != 0 {
		t.Errorf("missing dir: contracts=%v err=%v", contracts, err)
	}
}

func TestLoadContractsRejectsBadModel(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "bad.yml", "model: not-a-name\nassertions: ['row_count > 0']")
	if _, err := LoadContracts(dir); err == nil {
		t.Error("expected invalid model identifier error")
	}
}

func TestLoadContractsRejectsBadSeverity(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "bad.yml", "model: s.m\nseverity: fatal\nassertions: ['row_count > 0']")
	if _, err := LoadContracts(dir); err == nil {
		t.Error("expected invalid severity error")
	}
}

func TestLoadContractsRejectsEmptyAssertions(t *testing.T) {
	dir := t.TempDir()
	writeContract(t, dir, "bad.yml", "model: s.m\nassertions: []")
	if _, err := LoadContracts(dir); err == nil {
		t.Error("expected empty assertions error")
	}
}

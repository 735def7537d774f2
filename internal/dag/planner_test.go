package dag

import (
	"strings"
	"testing"

	"github.com/loamdata/loam/internal/engine"
	"github.com/loamdata/loam/internal/model"
)

func mk(full string, deps ...string) *model.Model {
	parts := strings.SplitN(full, ".", 2)
	m := model.Parse(full+".sql", parts[0], parts[1], "SELECT '"+full+"'")
	m.DependsOn = deps
	return m
}

func TestBuildTiersAndOrder(t *testing.T) {
	models := []*model.Model{
		mk("gold.dim_users", "silver.users"),
		mk("silver.users", "bronze.users"),
		mk("silver.orders", "bronze.orders"),
		mk("bronze.users"),
		mk("bronze.orders"),
	}
	p, err := Build(models)
	if err != nil {
		t.Fatal(err)
	}

	if len(p.Tiers) != 3 {
		t.Fatalf("tiers = %v, want 3 levels", p.Tiers)
	}
	if got := strings.Join(p.Tiers[0], ","); got != "bronze.orders,bronze.users" {
		t.Errorf("tier 0 = %q", got)
	}
	if got := strings.Join(p.Tiers[1], ","); got != "silver.orders,silver.users" {
		t.Errorf("tier 1 = %q", got)
	}
	if got := strings.Join(p.Tiers[2], ","); got != "gold.dim_users" {
		t.Errorf("tier 2 = %q", got)
	}

	// flatten(tiers) == order, and order is a valid linearization.
	var flat []string
	for _, tier := range p.Tiers {
		flat = append(flat, tier...)
	}
	if strings.Join(flat, ",") != strings.Join(p.Order, ",") {
		t.Errorf("flatten(tiers) = %v, order = %v", flat, p.Order)
	}
	pos := map[string]int{}
	for i, name := range p.Order {
		pos[name] = i
	}
	for _, m := range models {
		for _, dep := range m.DependsOn {
			if _, known := p.Models[dep]; !known {
				continue
			}
			if pos[dep] >= pos[m.FullName()] {
				t.Errorf("%s ordered before its dependency %s", m.FullName(), dep)
			}
		}
	}
}

func TestExternalDepsTierZero(t *testing.T) {
	p, err := Build([]*model.Model{mk("bronze.users", "landing.users")})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Tiers) != 1 || p.Tiers[0][0] != "bronze.users" {
		t.Errorf("external-only deps should land in tier 0, got %v", p.Tiers)
	}
}

func TestCycleDetection(t *testing.T) {
	_, err := Build([]*model.Model{
		mk("s.a", "s.b"),
		mk("s.b", "s.c"),
		mk("s.c", "s.a"),
	})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if engine.KindOf(err) != engine.KindCycle {
		t.Errorf("kind = %s, want cycle", engine.KindOf(err))
	}
	for _, name := range []string{"s.a", "s.b", "s.c"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("cycle error %q does not name %s", err, name)
		}
	}
}

func TestUpstreamHash(t *testing.T) {
	a := mk("s.a")
	b := mk("s.b")
	c := mk("s.c", "s.b", "s.a")
	p, err := Build([]*model.Model{a, b, c})
	if err != nil {
		t.Fatal(err)
	}

	want := model.HashConcat([]string{a.ContentHash, b.ContentHash})
	if c.UpstreamHash != want {
		t.Errorf("upstream hash = %s, want %s (sorted dep hashes)", c.UpstreamHash, want)
	}

	// Changing a dependency's content changes the downstream hash.
	a2 := mk("s.a")
	a2.RawSQL = "SELECT 42"
	a2.Query = "SELECT 42"
	a2.ContentHash = model.HashQuery(a2.Query)
	c2 := mk("s.c", "s.b", "s.a")
	p2, err := Build([]*model.Model{a2, b, c2})
	if err != nil {
		t.Fatal(err)
	}
	_ = p
	if c2.UpstreamHash == c.UpstreamHash {
		t.Error("upstream hash did not change with dependency content")
	}
	_ = p2
}

func TestDescendants(t *testing.T) {
	p, err := Build([]*model.Model{
		mk("s.a"),
		mk("s.b", "s.a"),
		mk("s.c", "s.b"),
		mk("s.d"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(p.Descendants("s.a"), ","); got != "s.b,s.c" {
		t.Errorf("descendants(s.a) = %q", got)
	}
	if got := p.Descendants("s.c"); len(got) != 0 {
		t.Errorf("descendants(s.c) = %v, want empty", got)
	}
}

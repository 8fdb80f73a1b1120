package cache

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func entry(path string, age time.Duration, size int64) Entry {
	return Entry{Path: path, ModTime: time.Now().Add(-age), Size: size}
}

func direntry(path string, age time.Duration) Entry {
	return Entry{Path: path, ModTime: time.Now().Add(-age), Dir: true}
}

func paths(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func TestPlanLRUKeepsNewest(t *testing.T) {
	entries := []Entry{
		entry("/c/old", 3*time.Hour, 4096),
		entry("/c/new", 1*time.Hour, 4096),
		entry("/c/mid", 2*time.Hour, 4096),
	}
	plan := PlanLRU(entries, 8192, 4096)

	if diff := cmp.Diff([]string{"/c/new", "/c/mid"}, paths(plan.Keep)); diff != "" {
		t.Errorf("keep mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"/c/old"}, paths(plan.Remove)); diff != "" {
		t.Errorf("remove mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanLRUBlockAlignment(t *testing.T) {
	// A 1-byte file still occupies a whole block, so two of them exceed a
	// one-block budget.
	entries := []Entry{
		entry("/c/a", time.Hour, 1),
		entry("/c/b", 2*time.Hour, 1),
	}
	plan := PlanLRU(entries, 4096, 4096)
	if len(plan.Keep) != 1 {
		t.Fatalf("expected 1 kept, got %d", len(plan.Keep))
	}
	if plan.KeptBytes != 4096 {
		t.Errorf("expected 4096 kept bytes, got %d", plan.KeptBytes)
	}
}

func TestPlanLRUIdempotent(t *testing.T) {
	entries := []Entry{
		entry("/c/a", 1*time.Hour, 8192),
		entry("/c/b", 2*time.Hour, 8192),
		entry("/c/c", 3*time.Hour, 8192),
	}
	first := PlanLRU(entries, 16384, 4096)
	if len(first.Remove) != 1 {
		t.Fatalf("expected 1 eviction, got %d", len(first.Remove))
	}

	second := PlanLRU(first.Keep, 16384, 4096)
	if len(second.Remove) != 0 {
		t.Errorf("second pass should evict nothing, evicted %+v", second.Remove)
	}
}

func TestPlanLRUDirectories(t *testing.T) {
	entries := []Entry{
		direntry("/c/imgs", time.Hour),
		entry("/c/imgs/stale", 10*time.Hour, 4096),
		direntry("/c/live", time.Hour),
		entry("/c/live/fresh", time.Minute, 4096),
	}
	plan := PlanLRU(entries, 4096, 4096)

	removed := map[string]bool{}
	for _, e := range plan.Remove {
		removed[e.Path] = true
	}
	if !removed["/c/imgs/stale"] || !removed["/c/imgs"] {
		t.Errorf("stale file and its now-empty directory should go: %+v", plan.Remove)
	}
	if removed["/c/live"] || removed["/c/live/fresh"] {
		t.Errorf("directory with surviving content must stay: %+v", plan.Remove)
	}
}

func TestPlanLRUNestedEmptyDirs(t *testing.T) {
	entries := []Entry{
		direntry("/c/a", time.Hour),
		direntry("/c/a/b", time.Hour),
		entry("/c/a/b/f", 10*time.Hour, 4096),
	}
	plan := PlanLRU(entries, 0, 4096)
	if len(plan.Remove) != 3 {
		t.Fatalf("expected file plus both directories evicted, got %+v", plan.Remove)
	}
	// Deepest directory must come out before its parent.
	var aIdx, bIdx int
	for i, e := range plan.Remove {
		switch e.Path {
		case "/c/a":
			aIdx = i
		case "/c/a/b":
			bIdx = i
		}
	}
	if bIdx > aIdx {
		t.Errorf("child directory must be removed before parent: %+v", plan.Remove)
	}
}

func TestAlignedSize(t *testing.T) {
	cases := []struct{ in, want int64 }{
		{0, 0},
		{1, 4096},
		{4096, 4096},
		{4097, 8192},
	}
	for _, c := range cases {
		if got := alignedSize(c.in, 4096); got != c.want {
			t.Errorf("alignedSize(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

package metadata

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
)

func TestReserveSessionIDAtomicity(t *testing.T) {
	store := New(t.TempDir())

	const attempts = 20
	var wg sync.WaitGroup
	results := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.ReserveSessionID("race-1")
			if err != nil {
				t.Errorf("ReserveSessionID: %v", err)
				return
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, ok := range results {
		if ok {
			succeeded++
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one reservation should succeed, got %d", succeeded)
	}
}

func TestReserveSessionIDRejectsInvalidID(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.ReserveSessionID("bad id with space")
	if !corerr.Is(err, corerr.InvalidInput) {
		t.Fatalf("want InvalidInput, got %v", err)
	}
}

func TestWriteReadUpdateDeleteRoundTrip(t *testing.T) {
	store := New(t.TempDir())
	if _, err := store.ReserveSessionID("s-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.WriteMetadata("s-1", map[string]string{
		"status":  "spawning",
		"project": "demo",
	}); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	raw, err := store.ReadMetadataRaw("s-1")
	if err != nil {
		t.Fatalf("ReadMetadataRaw: %v", err)
	}
	if raw["status"] != "spawning" || raw["project"] != "demo" {
		t.Fatalf("unexpected raw metadata: %+v", raw)
	}

	if err := store.UpdateMetadata("s-1", map[string]string{"status": "working", "project": ""}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	raw, err = store.ReadMetadataRaw("s-1")
	if err != nil {
		t.Fatalf("ReadMetadataRaw after update: %v", err)
	}
	if raw["status"] != "working" {
		t.Fatalf("status not updated: %+v", raw)
	}
	if _, ok := raw["project"]; ok {
		t.Fatalf("empty-string update should remove key: %+v", raw)
	}

	if err := store.DeleteMetadata("s-1", true); err != nil {
		t.Fatalf("DeleteMetadata: %v", err)
	}
	if _, err := store.ReadMetadataRaw("s-1"); !corerr.Is(err, corerr.NotFound) {
		t.Fatalf("want NotFound after delete, got %v", err)
	}
	archived, err := store.ReadArchivedMetadataRaw("s-1")
	if err != nil {
		t.Fatalf("ReadArchivedMetadataRaw: %v", err)
	}
	if archived["status"] != "working" {
		t.Fatalf("archived snapshot mismatch: %+v", archived)
	}
}

func TestListMetadataExcludesArchiveAndDotfiles(t *testing.T) {
	store := New(t.TempDir())
	for _, id := range []string{"s-1", "s-2"} {
		if _, err := store.ReserveSessionID(id); err != nil {
			t.Fatalf("reserve %s: %v", id, err)
		}
	}
	if err := store.DeleteMetadata("s-2", true); err != nil {
		t.Fatalf("delete s-2: %v", err)
	}
	if _, err := store.ReserveSessionID("s-2"); err != nil {
		t.Fatalf("re-reserve s-2: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.dir, ".hidden"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write dotfile: %v", err)
	}

	ids, err := store.ListMetadata()
	if err != nil {
		t.Fatalf("ListMetadata: %v", err)
	}
	if len(ids) != 2 || ids[0] != "s-1" || ids[1] != "s-2" {
		t.Fatalf("ListMetadata = %v, want [s-1 s-2]", ids)
	}
}

func TestReadMetadataTypedProjection(t *testing.T) {
	store := New(t.TempDir())
	if _, err := store.ReserveSessionID("s-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := store.WriteMetadata("s-1", map[string]string{
		"dashboardPort": "4096",
		"planStatus":    "bogus",
		"planVersion":   "3",
	}); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	sess, err := store.ReadMetadata("s-1")
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if sess.DashboardPort != 4096 {
		t.Fatalf("DashboardPort = %d, want 4096", sess.DashboardPort)
	}
	if sess.PlanVersion != 3 {
		t.Fatalf("PlanVersion = %d, want 3", sess.PlanVersion)
	}
	if sess.PlanStatus != "" {
		t.Fatalf("PlanStatus should reject non-whitelisted value, got %q", sess.PlanStatus)
	}
}

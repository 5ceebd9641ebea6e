package planstore

import (
	"strings"
	"testing"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/identity"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/metadata"
)

func newTestStore(t *testing.T) (*Store, *metadata.Store) {
	t.Helper()
	t.Setenv("AGENT_ORCHESTRATOR_HOME", t.TempDir())
	projectID := "abcdef012345-demo"
	meta := metadata.New(mustSessionsDir(t, projectID))
	if _, err := meta.ReserveSessionID("s-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	store, err := New(projectID, meta)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, meta
}

func mustSessionsDir(t *testing.T, projectID string) string {
	t.Helper()
	dir, err := identity.SessionsDir(projectID)
	if err != nil {
		t.Fatalf("sessionsDir: %v", err)
	}
	return dir
}

func TestSupersedeRule(t *testing.T) {
	store, meta := newTestStore(t)

	v1, err := store.WritePlanBlob("s-1", WriteRequest{PlanID: "plan-a", PlanVersion: 1, Blob: []byte(`{"tasks":[]}`)})
	if err != nil {
		t.Fatalf("write v1: %v", err)
	}
	if v1.PlanStatus != StatusDraft {
		t.Fatalf("v1 status = %q, want draft", v1.PlanStatus)
	}

	v2, err := store.WritePlanBlob("s-1", WriteRequest{PlanID: "plan-a", PlanVersion: 2, Blob: []byte(`{"tasks":[]}`)})
	if err != nil {
		t.Fatalf("write v2: %v", err)
	}

	prior, err := store.readAt(v1.PlanPath)
	if err != nil {
		t.Fatalf("read v1 after supersede: %v", err)
	}
	if prior.PlanStatus != StatusSuperseded {
		t.Fatalf("prior artifact status = %q, want superseded", prior.PlanStatus)
	}

	raw, err := meta.ReadMetadataRaw("s-1")
	if err != nil {
		t.Fatalf("ReadMetadataRaw: %v", err)
	}
	if raw["planPath"] != v2.PlanPath {
		t.Fatalf("metadata planPath = %q, want %q", raw["planPath"], v2.PlanPath)
	}
}

func TestPathConfinement(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.WritePlanBlob("s-1", WriteRequest{PlanID: "../../escape", PlanVersion: 1, Blob: []byte(`{}`)})
	if !corerr.Is(err, corerr.InvalidInput) {
		t.Fatalf("want InvalidInput for traversal attempt, got %v", err)
	}
}

func TestReadPlanBlobAndUpdateStatus(t *testing.T) {
	store, _ := newTestStore(t)
	art, err := store.WritePlanBlob("s-1", WriteRequest{PlanID: "plan-a", PlanVersion: 1, PlanStatus: StatusValidated, Blob: []byte(`{"tasks":[]}`)})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	read, err := store.ReadPlanBlob("s-1")
	if err != nil {
		t.Fatalf("ReadPlanBlob: %v", err)
	}
	if read.PlanID != art.PlanID {
		t.Fatalf("ReadPlanBlob mismatch: %+v", read)
	}
	if err := store.UpdatePlanStatus("s-1", StatusSuperseded); err != nil {
		t.Fatalf("UpdatePlanStatus: %v", err)
	}
	read, err = store.ReadPlanBlob("s-1")
	if err != nil {
		t.Fatalf("ReadPlanBlob after status update: %v", err)
	}
	if read.PlanStatus != StatusSuperseded {
		t.Fatalf("status = %q, want superseded", read.PlanStatus)
	}
}

func TestUpdatePlanStatusRejectsUnknown(t *testing.T) {
	store, _ := newTestStore(t)
	if _, err := store.WritePlanBlob("s-1", WriteRequest{PlanID: "plan-a", PlanVersion: 1, Blob: []byte(`{}`)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := store.UpdatePlanStatus("s-1", "bogus")
	if !corerr.Is(err, corerr.InvalidInput) {
		t.Fatalf("want InvalidInput, got %v", err)
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("error should name the rejected status: %v", err)
	}
}

package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/metadata"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/obslog"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
)

type fakeRuntime struct {
	created   map[string]pluginapi.SessionSpec
	destroyed []string
	output    string
	sent      []string
	alive     map[string]bool // handle ID -> alive; missing entries default to true
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{created: map[string]pluginapi.SessionSpec{}, alive: map[string]bool{}}
}

func (f *fakeRuntime) Create(ctx context.Context, spec pluginapi.SessionSpec) (pluginapi.RuntimeHandle, error) {
	f.created[spec.SessionID] = spec
	return pluginapi.RuntimeHandle{ID: "h-" + spec.SessionID, RuntimeName: "fake"}, nil
}

func (f *fakeRuntime) Destroy(ctx context.Context, handle pluginapi.RuntimeHandle) error {
	f.destroyed = append(f.destroyed, handle.ID)
	return nil
}

func (f *fakeRuntime) SendMessage(ctx context.Context, handle pluginapi.RuntimeHandle, text string) error {
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeRuntime) GetOutput(ctx context.Context, handle pluginapi.RuntimeHandle, lines int) (string, error) {
	return f.output, nil
}

func (f *fakeRuntime) IsAlive(ctx context.Context, handle pluginapi.RuntimeHandle) (bool, error) {
	if alive, ok := f.alive[handle.ID]; ok {
		return alive, nil
	}
	return true, nil
}

type fakeAgent struct{}

func (fakeAgent) GetLaunchCommand(cfg map[string]any) (string, error) { return "run-agent", nil }
func (fakeAgent) GetEnvironment(cfg map[string]any) (map[string]string, error) {
	return nil, nil
}
func (fakeAgent) DetectActivity(captureText string) pluginapi.ActivityState {
	return pluginapi.ActivityIdle
}
func (fakeAgent) GetActivityState(session pluginapi.SessionView, readyThresholdMs int64) (*pluginapi.ActivityDetection, error) {
	return &pluginapi.ActivityDetection{State: pluginapi.ActivityIdle}, nil
}
func (fakeAgent) IsProcessRunning(ctx context.Context, handle pluginapi.RuntimeHandle) (bool, error) {
	return true, nil
}

type fakeWorkspace struct {
	existing  map[string]bool
	created   []string
	destroyed []string
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{existing: map[string]bool{}}
}

func (w *fakeWorkspace) Create(ctx context.Context, spec pluginapi.WorkspaceSpec) (pluginapi.WorkspaceInfo, error) {
	path := filepath.Join("/tmp/worktrees", spec.SessionID)
	w.existing[path] = true
	w.created = append(w.created, path)
	return pluginapi.WorkspaceInfo{Path: path, Branch: spec.Branch}, nil
}

func (w *fakeWorkspace) Destroy(ctx context.Context, path string) error {
	delete(w.existing, path)
	w.destroyed = append(w.destroyed, path)
	return nil
}

func (w *fakeWorkspace) List(ctx context.Context, projectID string) ([]pluginapi.WorkspaceInfo, error) {
	return nil, nil
}

func (w *fakeWorkspace) Exists(ctx context.Context, path string) (bool, error) {
	return w.existing[path], nil
}

func (w *fakeWorkspace) Restore(ctx context.Context, spec pluginapi.WorkspaceSpec, path string) (pluginapi.WorkspaceInfo, error) {
	return pluginapi.WorkspaceInfo{Path: path}, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeRuntime, *fakeWorkspace) {
	t.Helper()
	dir := t.TempDir()
	meta := metadata.New(dir)
	lb, err := obslog.NewLogbook(filepath.Join(dir, "logbook.txt"))
	if err != nil {
		t.Fatal(err)
	}
	rt := newFakeRuntime()
	ws := newFakeWorkspace()
	m := New(Config{ProjectID: "abc123-demo", ProjectPath: "/repo", DefaultBranch: "main"}, meta, lb, rt, fakeAgent{}, ws)
	return m, rt, ws
}

func TestSpawnThenGetRoundTrips(t *testing.T) {
	m, _, _ := newTestManager(t)
	sess, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#42"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	got, err := m.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Branch != "42" || got.Status != StatusSpawning {
		t.Fatalf("got %+v", got)
	}
}

func TestListReturnsAllSpawnedSessions(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#2"}); err != nil {
		t.Fatal(err)
	}
	sessions, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions", len(sessions))
	}
}

func TestListSurfacesExitedWhenRuntimeDead(t *testing.T) {
	m, rt, _ := newTestManager(t)
	sess, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#1"})
	if err != nil {
		t.Fatal(err)
	}
	rt.alive[sess.RuntimeHandle.ID] = false

	sessions, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Activity != pluginapi.ActivityExited {
		t.Fatalf("got %+v, want one session with activity=exited", sessions)
	}
}

func TestListOverlaysAgentActivityWhenAlive(t *testing.T) {
	m, rt, _ := newTestManager(t)
	sess, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#1"})
	if err != nil {
		t.Fatal(err)
	}
	rt.alive[sess.RuntimeHandle.ID] = true

	sessions, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Activity != pluginapi.ActivityIdle {
		t.Fatalf("got %+v, want one session with activity=idle from fakeAgent", sessions)
	}
}

func TestListDoesNotOverrideExitedWhenStatusTerminal(t *testing.T) {
	m, rt, _ := newTestManager(t)
	sess, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Kill(context.Background(), sess.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	rt.alive[sess.RuntimeHandle.ID] = false

	sessions, err := m.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Activity == pluginapi.ActivityExited {
		t.Fatalf("got %+v, want a killed (terminal) session to keep its own activity, not be forced to exited", sessions)
	}
}

func TestRestoreFailsWhenWorkspaceMissing(t *testing.T) {
	m, _, ws := newTestManager(t)
	sess, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#1"})
	if err != nil {
		t.Fatal(err)
	}
	delete(ws.existing, sess.WorkspacePath)
	if _, err := m.Restore(context.Background(), sess.ID); err == nil {
		t.Fatal("expected Restore to fail when workspace is gone")
	}
}

func TestKillDestroysRuntimeAndWorkspaceAndMarksKilled(t *testing.T) {
	m, rt, ws := newTestManager(t)
	sess, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Kill(context.Background(), sess.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if len(rt.destroyed) != 1 {
		t.Fatalf("expected runtime destroyed once, got %v", rt.destroyed)
	}
	if len(ws.destroyed) != 1 {
		t.Fatalf("expected workspace destroyed once, got %v", ws.destroyed)
	}
	got, err := m.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusKilled {
		t.Fatalf("got status %v", got.Status)
	}
}

func TestCleanupRemovesOnlyTerminalSessions(t *testing.T) {
	m, _, _ := newTestManager(t)
	alive, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#1"})
	if err != nil {
		t.Fatal(err)
	}
	killed, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#2"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Kill(context.Background(), killed.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := m.Get(context.Background(), killed.ID); err == nil {
		t.Fatal("expected killed session to be removed")
	}
	if _, err := m.Get(context.Background(), alive.ID); err != nil {
		t.Fatalf("expected non-terminal session to remain: %v", err)
	}
}

func TestSendLiteralPathClassifiesIdle(t *testing.T) {
	m, rt, _ := newTestManager(t)
	sess, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#1"})
	if err != nil {
		t.Fatal(err)
	}
	rt.output = "done\n❯ "
	result, err := m.Send(context.Background(), sess.ID, "short message")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Delivery != "literal" || result.Status != "sent" {
		t.Fatalf("got %+v", result)
	}
	if len(rt.sent) != 1 || rt.sent[0] != "short message" {
		t.Fatalf("got sent %v", rt.sent)
	}
}

func TestSendDetectsBusyStatus(t *testing.T) {
	m, rt, _ := newTestManager(t)
	sess, err := m.Spawn(context.Background(), SpawnRequest{IssueID: "#1"})
	if err != nil {
		t.Fatal(err)
	}
	rt.output = "working\nesc to interrupt\n"
	result, err := m.Send(context.Background(), sess.ID, "go")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Status != "processing" {
		t.Fatalf("got %+v", result)
	}
}

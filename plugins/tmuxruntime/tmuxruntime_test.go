package tmuxruntime

import (
	"context"
	"strings"
	"testing"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
)

type fakeRunner struct {
	calls   [][]string
	aliveOf map[string]bool
	output  string
	fail    map[string]bool
}

func (f *fakeRunner) Run(ctx context.Context, args ...string) (string, error) {
	f.calls = append(f.calls, args)
	if len(args) > 0 && f.fail[args[0]] {
		return "", errFake
	}
	if len(args) > 0 && args[0] == "has-session" {
		name := args[len(args)-1]
		if f.aliveOf[name] {
			return "", nil
		}
		return "", errFake
	}
	if len(args) > 0 && args[0] == "capture-pane" {
		return f.output, nil
	}
	return "", nil
}

var errFake = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fake tmux failure" }

func TestCreateSetsEnvAndReturnsHandle(t *testing.T) {
	fr := &fakeRunner{}
	rt := NewWithRunner(fr)
	h, err := rt.Create(context.Background(), pluginapi.SessionSpec{
		SessionID: "abc123-dev-1", WorkspaceDir: "/ws", Command: "opencode", Env: map[string]string{"X": "1"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h.ID != "abc123-dev-1" || h.RuntimeName != "tmux" {
		t.Fatalf("unexpected handle: %+v", h)
	}
	var sawNewSession, sawSetEnv bool
	for _, c := range fr.calls {
		if c[0] == "new-session" {
			sawNewSession = true
		}
		if c[0] == "set-environment" {
			sawSetEnv = true
		}
	}
	if !sawNewSession || !sawSetEnv {
		t.Fatalf("expected new-session and set-environment calls, got %v", fr.calls)
	}
}

func TestIsAliveReflectsHasSession(t *testing.T) {
	fr := &fakeRunner{aliveOf: map[string]bool{"live-1": true}}
	rt := NewWithRunner(fr)
	alive, err := rt.IsAlive(context.Background(), pluginapi.RuntimeHandle{ID: "live-1"})
	if err != nil || !alive {
		t.Fatalf("expected alive=true, got %v, err %v", alive, err)
	}
	alive, err = rt.IsAlive(context.Background(), pluginapi.RuntimeHandle{ID: "dead-1"})
	if err != nil || alive {
		t.Fatalf("expected alive=false for unknown session, got %v, err %v", alive, err)
	}
}

func TestSendMessageClearsThenTypesThenEnters(t *testing.T) {
	fr := &fakeRunner{}
	rt := NewWithRunner(fr)
	if err := rt.SendMessage(context.Background(), pluginapi.RuntimeHandle{ID: "s-1"}, "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(fr.calls) != 3 {
		t.Fatalf("expected 3 send-keys calls, got %d: %v", len(fr.calls), fr.calls)
	}
	if fr.calls[0][3] != "C-u" || fr.calls[1][3] != "hello" || fr.calls[2][3] != "Enter" {
		t.Fatalf("unexpected call sequence: %v", fr.calls)
	}
}

func TestGetOutputCapturesRequestedLines(t *testing.T) {
	fr := &fakeRunner{output: "line1\nline2\n"}
	rt := NewWithRunner(fr)
	out, err := rt.GetOutput(context.Background(), pluginapi.RuntimeHandle{ID: "s-1"}, 5)
	if err != nil {
		t.Fatalf("GetOutput: %v", err)
	}
	if !strings.Contains(out, "line1") {
		t.Fatalf("expected captured output, got %q", out)
	}
	found := false
	for _, c := range fr.calls {
		if c[0] == "capture-pane" {
			found = true
			if c[len(c)-1] != "-5" {
				t.Fatalf("expected -S -5, got %v", c)
			}
		}
	}
	if !found {
		t.Fatal("expected a capture-pane call")
	}
}

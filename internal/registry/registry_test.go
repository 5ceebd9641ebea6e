package registry

import (
	"testing"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/config"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
)

func TestRegisterGetUnknownSlot(t *testing.T) {
	r := New()
	err := r.Register(Slot("bogus"), "x", struct{}{})
	if !corerr.Is(err, corerr.InvalidInput) {
		t.Fatalf("want InvalidInput, got %v", err)
	}
}

func TestGetFailsLoudOnUnknownName(t *testing.T) {
	r := New()
	_, err := r.Get(SlotRuntime, "tmux")
	if !corerr.Is(err, corerr.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	type fakeRuntime struct{ name string }
	if err := r.Register(SlotRuntime, "tmux", &fakeRuntime{name: "tmux"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	inst, err := r.Get(SlotRuntime, "tmux")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if inst.(*fakeRuntime).name != "tmux" {
		t.Fatalf("unexpected instance: %+v", inst)
	}
	if got := r.List(SlotRuntime); len(got) != 1 || got[0] != "tmux" {
		t.Fatalf("List = %v, want [tmux]", got)
	}
}

func TestResolutionPreferenceChain(t *testing.T) {
	if got := Resolution("proj", "cfg", "hard"); got != "proj" {
		t.Fatalf("project override should win, got %q", got)
	}
	if got := Resolution("", "cfg", "hard"); got != "cfg" {
		t.Fatalf("config default should win, got %q", got)
	}
	if got := Resolution("", "", "hard"); got != "hard" {
		t.Fatalf("hard default should win, got %q", got)
	}
}

func TestLoadFromConfigThenResolve(t *testing.T) {
	r := New()
	r.MustRegister(SlotRuntime, "tmux", "tmux-instance")
	r.MustRegister(SlotRuntime, "container", "container-instance")
	cfg := &config.Config{
		Defaults: config.Defaults{Runtime: "tmux"},
		Projects: map[string]config.ProjectConfig{
			"proj-a": {Path: "/x", Runtime: "container"},
		},
		NotificationRouting: config.NotificationRouting{Urgent: []string{"slack", "sms"}},
	}
	r.LoadFromConfig(cfg)

	inst, err := r.Resolve(SlotRuntime, "proj-b", "tmux")
	if err != nil || inst.(string) != "tmux-instance" {
		t.Fatalf("expected config default to resolve to tmux, got %v, err %v", inst, err)
	}
	inst, err = r.Resolve(SlotRuntime, "proj-a", "tmux")
	if err != nil || inst.(string) != "container-instance" {
		t.Fatalf("expected project override to resolve to container, got %v, err %v", inst, err)
	}
	if got := r.NotifiersFor("urgent"); len(got) != 2 || got[0] != "slack" {
		t.Fatalf("NotifiersFor(urgent) = %v", got)
	}
}

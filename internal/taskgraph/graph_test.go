package taskgraph

import (
	"testing"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
)

func TestBuildDetectsCycle(t *testing.T) {
	_, err := Build([]TaskInput{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"c"}},
		{ID: "c", Dependencies: []string{"a"}},
	})
	var cycleErr *CycleError
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	if !asCycleError(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T: %v", err, err)
	}
	if len(cycleErr.Path) < 2 || cycleErr.Path[0] != cycleErr.Path[len(cycleErr.Path)-1] {
		t.Fatalf("cycle path must start and end at the same node: %v", cycleErr.Path)
	}
}

func asCycleError(err error, target **CycleError) bool {
	if ce, ok := err.(*CycleError); ok {
		*target = ce
		return true
	}
	return false
}

func TestBuildSyncsBlockedReady(t *testing.T) {
	g, err := Build([]TaskInput{
		{ID: "task-1"},
		{ID: "task-2", Dependencies: []string{"task-1"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	n1, _ := g.Node("task-1")
	n2, _ := g.Node("task-2")
	if n1.State != StateReady {
		t.Fatalf("task-1 state = %s, want ready", n1.State)
	}
	if n2.State != StateBlocked {
		t.Fatalf("task-2 state = %s, want blocked", n2.State)
	}
}

func TestTransitionMonotonicity(t *testing.T) {
	g, err := Build([]TaskInput{{ID: "t1"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := g.TransitionTaskState("t1", StateRunning); err != nil {
		t.Fatalf("ready->running: %v", err)
	}
	if _, err := g.TransitionTaskState("t1", StateComplete); err != nil {
		t.Fatalf("running->complete: %v", err)
	}
	if _, err := g.TransitionTaskState("t1", StateReady); !corerr.Is(err, corerr.Conflict) {
		t.Fatalf("complete->ready should be Conflict, got %v", err)
	}
}

func TestTransitionRejectsRegression(t *testing.T) {
	g, err := Build([]TaskInput{{ID: "t1"}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := g.TransitionTaskState("t1", StateBlocked); !corerr.Is(err, corerr.Conflict) {
		t.Fatalf("ready->blocked should be Conflict, got %v", err)
	}
	if _, err := g.TransitionTaskState("t1", StateRunning); err != nil {
		t.Fatalf("ready->running: %v", err)
	}
	if _, err := g.TransitionTaskState("t1", StateBlocked); !corerr.Is(err, corerr.Conflict) {
		t.Fatalf("running->blocked should be Conflict, got %v", err)
	}
	if err := g.MarkTaskFailed("t1"); err != nil {
		t.Fatalf("MarkTaskFailed on a running task: %v", err)
	}
	if n, _ := g.Node("t1"); n.State != StateBlocked {
		t.Fatalf("t1 state = %s, want blocked after MarkTaskFailed", n.State)
	}
	if err := g.MarkTaskFailed("t1"); !corerr.Is(err, corerr.Conflict) {
		t.Fatalf("MarkTaskFailed on a non-running task should be Conflict, got %v", err)
	}
}

func TestFanOutUnlock(t *testing.T) {
	g, err := Build([]TaskInput{
		{ID: "T"},
		{ID: "D1", Dependencies: []string{"T"}},
		{ID: "D2", Dependencies: []string{"T"}},
		{ID: "D3", Dependencies: []string{"T", "other"}},
		{ID: "other"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := g.TransitionTaskState("T", StateRunning); err != nil {
		t.Fatalf("T->running: %v", err)
	}
	unlocked, err := g.TransitionTaskState("T", StateComplete)
	if err != nil {
		t.Fatalf("T->complete: %v", err)
	}
	got := map[string]bool{}
	for _, id := range unlocked {
		got[id] = true
	}
	if len(got) != 2 || !got["D1"] || !got["D2"] {
		t.Fatalf("unlocked = %v, want exactly {D1, D2}", unlocked)
	}
	n3, _ := g.Node("D3")
	if n3.State != StateBlocked {
		t.Fatalf("D3 should remain blocked (other incomplete), got %s", n3.State)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	g, err := Build([]TaskInput{
		{ID: "t1"},
		{ID: "t2", Dependencies: []string{"t1"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := g.TransitionTaskState("t1", StateRunning); err != nil {
		t.Fatalf("t1->running: %v", err)
	}
	if _, err := g.TransitionTaskState("t1", StateComplete); err != nil {
		t.Fatalf("t1->complete: %v", err)
	}
	snap := g.SnapshotTaskGraph()

	g2, err := Build([]TaskInput{
		{ID: "t1"},
		{ID: "t2", Dependencies: []string{"t1"}},
	})
	if err != nil {
		t.Fatalf("Build g2: %v", err)
	}
	if err := g2.ApplyTaskGraphSnapshot(snap); err != nil {
		t.Fatalf("ApplyTaskGraphSnapshot: %v", err)
	}
	for id, state := range snap {
		n, _ := g2.Node(id)
		if n.State != state {
			t.Fatalf("node %s state = %s, want %s", id, n.State, state)
		}
	}
}

func TestApplyTaskGraphSnapshotRejectsContractViolation(t *testing.T) {
	g, err := Build([]TaskInput{
		{ID: "t1"},
		{ID: "t2", Dependencies: []string{"t1"}},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	bad := map[string]State{"t1": StatePending, "t2": StateComplete}
	err = g.ApplyTaskGraphSnapshot(bad)
	if !corerr.Is(err, corerr.ContractViolation) {
		t.Fatalf("want ContractViolation, got %v", err)
	}
}

func TestGetReadyQueueCapAndDeterminism(t *testing.T) {
	g, err := Build([]TaskInput{
		{ID: "b"},
		{ID: "a"},
		{ID: "c"},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cfg := SchedulerConfig{ConcurrencyCap: 2, DefaultPriority: 0}
	r1, err := g.GetReadyQueue(cfg)
	if err != nil {
		t.Fatalf("GetReadyQueue: %v", err)
	}
	if len(r1.Selected) != 2 {
		t.Fatalf("len(Selected) = %d, want 2 (cap)", len(r1.Selected))
	}
	if r1.Selected[0].ID != "a" || r1.Selected[1].ID != "b" {
		t.Fatalf("expected lexicographic tie-break [a b], got %v", nodeIDs(r1.Selected))
	}

	r2, err := g.GetReadyQueue(cfg)
	if err != nil {
		t.Fatalf("GetReadyQueue (2nd): %v", err)
	}
	if nodeIDs(r1.Selected)[0] != nodeIDs(r2.Selected)[0] || nodeIDs(r1.Selected)[1] != nodeIDs(r2.Selected)[1] {
		t.Fatalf("GetReadyQueue not deterministic: %v vs %v", nodeIDs(r1.Selected), nodeIDs(r2.Selected))
	}
}

// TestScenarioPlanBlocksThenUnblocks mirrors SPEC_FULL.md §8 scenario 1.
func TestScenarioPlanBlocksThenUnblocks(t *testing.T) {
	g, err := Build([]TaskInput{
		{ID: "task-1"},
		{ID: "task-2", Dependencies: []string{"task-1"}},
	})
	if err != nil {
		t.Fatalf("Build v1: %v", err)
	}
	cfg := SchedulerConfig{ConcurrencyCap: 1}
	r, err := g.GetReadyQueue(cfg)
	if err != nil {
		t.Fatalf("GetReadyQueue v1: %v", err)
	}
	if len(r.Selected) != 1 || r.Selected[0].ID != "task-1" {
		t.Fatalf("v1 ready queue should surface only task-1, got %v", nodeIDs(r.Selected))
	}

	if _, err := g.TransitionTaskState("task-1", StateRunning); err != nil {
		t.Fatalf("task-1->running: %v", err)
	}
	if _, err := g.TransitionTaskState("task-1", StateComplete); err != nil {
		t.Fatalf("task-1->complete: %v", err)
	}
	r2, err := g.GetReadyQueue(cfg)
	if err != nil {
		t.Fatalf("GetReadyQueue v2: %v", err)
	}
	if len(r2.Selected) != 1 || r2.Selected[0].ID != "task-2" {
		t.Fatalf("v2 ready queue should surface task-2, got %v", nodeIDs(r2.Selected))
	}
}

func nodeIDs(nodes []*Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

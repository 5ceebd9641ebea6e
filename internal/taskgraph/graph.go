// Package taskgraph implements SPEC_FULL.md §4.4: the plan DAG (build,
// cycle detection, state transitions, snapshot round-trip) and the
// deterministic ready-queue scheduler. Grounded on the teacher's
// workflow/resolver (Node/NodeState/Refresh/Queue) and workflow/scheduler
// (RunnableRequest/SkipReason/concurrency-cap loop), generalized from
// artifact-freshness-driven completion to explicit state transitions.
package taskgraph

import (
	"fmt"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
)

// State is a task's position in the transition discipline
// blocked -> ready -> running -> complete.
type State string

const (
	StatePending  State = "pending"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateBlocked  State = "blocked"
	StatePaused   State = "paused"
)

// allowedTransitions enumerates every legal (from, to) edge:
// blocked -> ready -> running -> complete, and nothing else. Anything not
// listed here is rejected as Conflict, including regressions like
// running -> blocked — those are reconciliation signals, not transitions,
// and go through MarkTaskFailed instead. Pause/resume also bypass this
// table entirely; PauseTask/ResumeTask set state directly.
var allowedTransitions = map[State]map[State]bool{
	StateBlocked: {StateReady: true},
	StateReady:   {StateRunning: true},
	StateRunning: {StateComplete: true},
}

// TaskInput is the caller-supplied shape used to build a Graph; Subtasks
// are flattened into top-level nodes before the graph is constructed, so
// cycle detection only ever has to reason about one flat id space.
type TaskInput struct {
	ID           string
	IssueID      string
	Dependencies []string
	Priority     *int
	RunCount     int
	ReadySince   *int64
	Subtasks     []TaskInput
}

// Node is one task in the graph. Dependents is derived from Dependencies
// across the whole graph and must never be treated as authoritative for
// equality — only Dependencies is source of truth.
type Node struct {
	ID           string
	IssueID      string
	Dependencies []string
	Dependents   []string
	State        State
	Priority     *int
	RunCount     int
	ReadySince   *int64
}

// Graph is an arena+id map: nodes keyed by id, edges stored twice
// (dependencies + derived dependents).
type Graph struct {
	nodes map[string]*Node
	order []string // insertion order, for deterministic iteration
}

// Build flattens subtasks, inserts nodes in input order, cross-links
// dependents, and detects cycles. On success every non-terminal,
// non-running node whose dependencies are all complete becomes ready, the
// rest become blocked.
func Build(inputs []TaskInput) (*Graph, error) {
	g := &Graph{nodes: map[string]*Node{}}
	flat := flatten(inputs)
	for _, t := range flat {
		if t.ID == "" {
			return nil, corerr.New(corerr.InvalidInput, "taskgraph.Build", "task with empty id")
		}
		if _, exists := g.nodes[t.ID]; exists {
			return nil, corerr.New(corerr.InvalidInput, "taskgraph.Build", fmt.Sprintf("duplicate task id %q", t.ID))
		}
		n := &Node{
			ID:           t.ID,
			IssueID:      t.IssueID,
			Dependencies: append([]string(nil), t.Dependencies...),
			State:        StatePending,
			Priority:     t.Priority,
			RunCount:     t.RunCount,
			ReadySince:   t.ReadySince,
		}
		g.nodes[t.ID] = n
		g.order = append(g.order, t.ID)
	}
	for _, n := range g.nodes {
		for _, dep := range n.Dependencies {
			if depNode, ok := g.nodes[dep]; ok {
				depNode.Dependents = append(depNode.Dependents, n.ID)
			}
		}
	}
	if cycle, ok := g.FindCycle(); ok {
		return nil, &CycleError{Path: cycle}
	}
	g.syncBlockedReady()
	return g, nil
}

func flatten(inputs []TaskInput) []TaskInput {
	var out []TaskInput
	var walk func([]TaskInput)
	walk = func(ts []TaskInput) {
		for _, t := range ts {
			subtasks := t.Subtasks
			t.Subtasks = nil
			out = append(out, t)
			walk(subtasks)
		}
	}
	walk(inputs)
	return out
}

// CycleError carries the first detected cycle, a path whose first and last
// element are equal.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("taskgraph: cycle detected: %v", e.Path)
}

// AsCoreError adapts a CycleError into the core's Conflict taxonomy.
func (e *CycleError) AsCoreError(op string) *corerr.Error {
	return corerr.New(corerr.Conflict, op, e.Error())
}

// FindCycle runs DFS over dependency edges and returns the first cycle
// found, as a path ending where it began.
func (g *Graph) FindCycle() ([]string, bool) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) ([]string, bool)
	visit = func(id string) ([]string, bool) {
		color[id] = gray
		stack = append(stack, id)
		n := g.nodes[id]
		for _, dep := range n.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			switch color[dep] {
			case white:
				if path, found := visit(dep); found {
					return path, true
				}
			case gray:
				// Found the back edge; build path from dep's position in stack.
				idx := 0
				for i, s := range stack {
					if s == dep {
						idx = i
						break
					}
				}
				path := append([]string(nil), stack[idx:]...)
				path = append(path, dep)
				return path, true
			}
		}
		color[id] = black
		stack = stack[:len(stack)-1]
		return nil, false
	}

	for _, id := range g.order {
		if color[id] == white {
			if path, found := visit(id); found {
				return path, true
			}
		}
	}
	return nil, false
}

func (g *Graph) dependenciesComplete(n *Node) bool {
	for _, dep := range n.Dependencies {
		depNode, ok := g.nodes[dep]
		if !ok {
			return false
		}
		if depNode.State != StateComplete {
			return false
		}
	}
	return true
}

func (g *Graph) syncBlockedReady() {
	for _, id := range g.order {
		n := g.nodes[id]
		if n.State == StateRunning || n.State == StateComplete || n.State == StatePaused {
			continue
		}
		if g.dependenciesComplete(n) {
			n.State = StateReady
		} else {
			n.State = StateBlocked
		}
	}
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// TransitionTaskState moves a task along the allowed discipline
// blocked -> ready -> running -> complete, returning the ids of dependent
// tasks that became ready as a side effect (fan-out unlock).
func (g *Graph) TransitionTaskState(id string, to State) ([]string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, corerr.New(corerr.NotFound, "taskgraph.TransitionTaskState", fmt.Sprintf("task %q not found", id))
	}
	if n.State == StateComplete {
		return nil, corerr.New(corerr.Conflict, "taskgraph.TransitionTaskState", "cannot transition out of complete")
	}
	if !allowedTransitions[n.State][to] {
		return nil, corerr.New(corerr.Conflict, "taskgraph.TransitionTaskState",
			fmt.Sprintf("illegal transition %s -> %s for task %q", n.State, to, id))
	}
	if to == StateReady && !g.dependenciesComplete(n) {
		return nil, corerr.New(corerr.Conflict, "taskgraph.TransitionTaskState",
			fmt.Sprintf("task %q cannot become ready: dependencies incomplete", id))
	}
	n.State = to

	var unlocked []string
	if to == StateComplete {
		for _, depID := range n.Dependents {
			dep, ok := g.nodes[depID]
			if !ok || dep.State != StateBlocked {
				continue
			}
			if g.dependenciesComplete(dep) {
				dep.State = StateReady
				unlocked = append(unlocked, depID)
			}
		}
	}
	return unlocked, nil
}

// MarkTaskFailed forces a running task back to blocked when the session
// carrying it out ends in a non-success terminal status. This is a
// reconciliation signal from outside the graph, not a step in the
// blocked -> ready -> running -> complete discipline — regressing a task's
// state is never a legal TransitionTaskState edge — so it mutates state
// directly rather than consulting allowedTransitions.
func (g *Graph) MarkTaskFailed(id string) error {
	n, ok := g.nodes[id]
	if !ok {
		return corerr.New(corerr.NotFound, "taskgraph.MarkTaskFailed", fmt.Sprintf("task %q not found", id))
	}
	if n.State != StateRunning {
		return corerr.New(corerr.Conflict, "taskgraph.MarkTaskFailed", fmt.Sprintf("task %q is %s, not running", id, n.State))
	}
	n.State = StateBlocked
	return nil
}

// PauseTask transitions blocked -> paused; any other state is a no-op.
func (g *Graph) PauseTask(id string) error {
	n, ok := g.nodes[id]
	if !ok {
		return corerr.New(corerr.NotFound, "taskgraph.PauseTask", fmt.Sprintf("task %q not found", id))
	}
	if n.State != StateBlocked {
		return nil
	}
	n.State = StatePaused
	return nil
}

// ResumeTask moves a paused task back to ready or pending depending on
// whether its dependencies are now complete.
func (g *Graph) ResumeTask(id string) error {
	n, ok := g.nodes[id]
	if !ok {
		return corerr.New(corerr.NotFound, "taskgraph.ResumeTask", fmt.Sprintf("task %q not found", id))
	}
	if n.State != StatePaused {
		return nil
	}
	if g.dependenciesComplete(n) {
		n.State = StateReady
	} else {
		n.State = StatePending
	}
	return nil
}

// SnapshotTaskGraph emits id -> state for persistence.
func (g *Graph) SnapshotTaskGraph() map[string]State {
	out := make(map[string]State, len(g.nodes))
	for id, n := range g.nodes {
		out[id] = n.State
	}
	return out
}

// ApplyTaskGraphSnapshot restores states from a persisted snapshot, then
// recomputes ready/blocked. It refuses (ContractViolation) any snapshot
// that would place a task in running or complete while a dependency is not
// complete.
func (g *Graph) ApplyTaskGraphSnapshot(snapshot map[string]State) error {
	for id, state := range snapshot {
		if n, ok := g.nodes[id]; ok {
			n.State = state
		}
	}
	for _, id := range g.order {
		n := g.nodes[id]
		if (n.State == StateRunning || n.State == StateComplete) && !g.dependenciesComplete(n) {
			return corerr.New(corerr.ContractViolation, "taskgraph.ApplyTaskGraphSnapshot",
				fmt.Sprintf("task %q is %s with an incomplete dependency", id, n.State))
		}
	}
	g.syncBlockedReady()
	return nil
}

package taskgraph

import (
	"math"
	"sort"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
)

// SchedulerConfig bounds the ready queue.
type SchedulerConfig struct {
	ConcurrencyCap  int
	DefaultPriority int
}

// ReadyQueueResult is the output of GetReadyQueue.
type ReadyQueueResult struct {
	Selected      []*Node
	RunningCount  int
	AvailableSlots int
}

// GetReadyQueue computes the deterministic ready queue from
// SPEC_FULL.md §4.4: priority descending, runCount ascending, readySince
// ascending (nil treated as +inf), id lexicographic tie-break. A missing
// dependency among candidates is a hard error (ContractViolation), since
// Build/transition discipline should never allow that state to exist.
func (g *Graph) GetReadyQueue(cfg SchedulerConfig) (*ReadyQueueResult, error) {
	running := 0
	for _, n := range g.nodes {
		if n.State == StateRunning {
			running++
		}
	}
	available := cfg.ConcurrencyCap - running
	if available < 0 {
		available = 0
	}
	result := &ReadyQueueResult{RunningCount: running, AvailableSlots: available}
	if available == 0 {
		return result, nil
	}

	var candidates []*Node
	for _, id := range g.order {
		n := g.nodes[id]
		if n.State != StatePending && n.State != StateReady {
			continue
		}
		for _, dep := range n.Dependencies {
			if _, ok := g.nodes[dep]; !ok {
				return nil, corerr.New(corerr.ContractViolation, "taskgraph.GetReadyQueue",
					"candidate task references a missing dependency")
			}
		}
		if g.dependenciesComplete(n) {
			candidates = append(candidates, n)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		pa := priorityOf(a, cfg.DefaultPriority)
		pb := priorityOf(b, cfg.DefaultPriority)
		if pa != pb {
			return pa > pb
		}
		if a.RunCount != b.RunCount {
			return a.RunCount < b.RunCount
		}
		ra, rb := readySinceOrInf(a), readySinceOrInf(b)
		if ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})

	if len(candidates) > available {
		candidates = candidates[:available]
	}
	result.Selected = candidates
	return result, nil
}

func priorityOf(n *Node, def int) int {
	if n.Priority != nil {
		return *n.Priority
	}
	return def
}

func readySinceOrInf(n *Node) float64 {
	if n.ReadySince == nil {
		return math.Inf(1)
	}
	return float64(*n.ReadySince)
}

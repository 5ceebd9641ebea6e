// Package taskrunner wires the plan artifact store (internal/planstore) and
// the task graph scheduler (internal/taskgraph) to the session manager: it
// is the "batch-spawn caller of (F)" SPEC_FULL.md §2's data-flow paragraph
// describes for component D. Grounded on
// internal/orchestrator/workcycle.go's selectBeadsForCycle ->
// assignBeadsToAgents -> createWorktreeSessions cycle (select ready work,
// spawn a session per item), generalized from a fixed per-cycle bead list
// to taskgraph.Graph's live, dependency-aware ready queue.
package taskrunner

import (
	"context"
	"encoding/json"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/metadata"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/obslog"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/planstore"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/session"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/taskgraph"
)

// successStatuses are the terminal session statuses that count as a task
// having completed its work; every other terminal status (errored, killed,
// terminated) blocks the task instead.
var successStatuses = map[session.Status]bool{
	session.StatusMerged:  true,
	session.StatusDone:    true,
	session.StatusCleanup: true,
}

const (
	metaSnapshot = "taskGraphSnapshot"
	metaSessions = "taskGraphSessions"
)

// SessionManager is the subset of *session.Manager a Runner depends on.
type SessionManager interface {
	Spawn(ctx context.Context, req session.SpawnRequest) (*session.Session, error)
	Get(ctx context.Context, sessionID string) (*session.Session, error)
}

// Runner drives one plan's task graph: each Tick syncs running tasks
// against their spawned session's status, then spawns a session for every
// task the scheduler's ready queue selects.
type Runner struct {
	PlanSessionID string
	Sessions      SessionManager
	Plans         *planstore.Store
	Meta          *metadata.Store
	Logbook       *obslog.Logbook
	Graph         *taskgraph.Graph
	SchedulerCfg  taskgraph.SchedulerConfig

	taskSessions map[string]string // taskID -> spawned session id
}

// Load reads the plan artifact owned by planSessionID, unmarshals its blob
// as a []taskgraph.TaskInput list, and builds the graph, restoring a prior
// snapshot and task/session mapping from metadata when present (process
// restart).
func Load(sessions SessionManager, plans *planstore.Store, meta *metadata.Store, logbook *obslog.Logbook, planSessionID string, cfg taskgraph.SchedulerConfig) (*Runner, error) {
	art, err := plans.ReadPlanBlob(planSessionID)
	if err != nil {
		return nil, err
	}
	var inputs []taskgraph.TaskInput
	if err := json.Unmarshal(art.Blob, &inputs); err != nil {
		return nil, corerr.Wrap(corerr.InvalidInput, "taskrunner.Load", err)
	}
	graph, err := taskgraph.Build(inputs)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		PlanSessionID: planSessionID,
		Sessions:      sessions,
		Plans:         plans,
		Meta:          meta,
		Logbook:       logbook,
		Graph:         graph,
		SchedulerCfg:  cfg,
		taskSessions:  map[string]string{},
	}

	raw, err := meta.ReadMetadataRaw(planSessionID)
	if err != nil && corerr.KindOf(err) != corerr.NotFound {
		return nil, err
	}
	if raw != nil {
		if snap := raw[metaSnapshot]; snap != "" {
			var states map[string]taskgraph.State
			if err := json.Unmarshal([]byte(snap), &states); err == nil {
				if err := graph.ApplyTaskGraphSnapshot(states); err != nil {
					return nil, err
				}
			}
		}
		if mapping := raw[metaSessions]; mapping != "" {
			_ = json.Unmarshal([]byte(mapping), &r.taskSessions)
		}
	}
	return r, nil
}

// Tick advances the plan by one round: reconcile running tasks against
// their session's terminal status, then spawn sessions for every task the
// ready-queue scheduler selects this round.
func (r *Runner) Tick(ctx context.Context) error {
	if err := r.syncRunning(ctx); err != nil {
		return err
	}
	result, err := r.Graph.GetReadyQueue(r.SchedulerCfg)
	if err != nil {
		return err
	}
	for _, n := range result.Selected {
		sess, err := r.Sessions.Spawn(ctx, session.SpawnRequest{IssueID: n.IssueID})
		if err != nil {
			return corerr.Wrapf(corerr.PluginFailure, "taskrunner.Tick", err, "spawn task %q", n.ID)
		}
		if _, err := r.Graph.TransitionTaskState(n.ID, taskgraph.StateRunning); err != nil {
			return err
		}
		r.taskSessions[n.ID] = sess.ID
		if r.Logbook != nil {
			r.Logbook.Info("taskrunner: spawned session %s for task %q", sess.ID, n.ID)
		}
	}
	return r.persist()
}

func (r *Runner) syncRunning(ctx context.Context) error {
	for _, n := range r.Graph.Nodes() {
		if n.State != taskgraph.StateRunning {
			continue
		}
		sessID, ok := r.taskSessions[n.ID]
		if !ok {
			continue
		}
		sess, err := r.Sessions.Get(ctx, sessID)
		if err != nil {
			continue // transient read failure; reconcile again next tick
		}
		if !session.IsTerminal(sess.Status) {
			continue
		}
		if successStatuses[sess.Status] {
			if _, err := r.Graph.TransitionTaskState(n.ID, taskgraph.StateComplete); err != nil {
				return err
			}
			continue
		}
		if err := r.Graph.MarkTaskFailed(n.ID); err != nil {
			return err
		}
		if r.Logbook != nil {
			r.Logbook.Warn("taskrunner: task %q blocked, session %s ended in %s", n.ID, sessID, sess.Status)
		}
	}
	return nil
}

func (r *Runner) persist() error {
	snap, err := json.Marshal(r.Graph.SnapshotTaskGraph())
	if err != nil {
		return corerr.Wrap(corerr.IOFailure, "taskrunner.persist", err)
	}
	mapping, err := json.Marshal(r.taskSessions)
	if err != nil {
		return corerr.Wrap(corerr.IOFailure, "taskrunner.persist", err)
	}
	return r.Meta.UpdateMetadata(r.PlanSessionID, map[string]string{
		metaSnapshot: string(snap),
		metaSessions: string(mapping),
	})
}

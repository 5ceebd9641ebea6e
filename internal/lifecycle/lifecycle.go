// Package lifecycle implements SPEC_FULL.md §4.7: the session status state
// machine, its single-observation-pass polling contract, and the tick loop
// that fans polls out across a project's sessions.
//
// Grounded on internal/eventbridge/router.go for the subscriber/backlog/
// dedupe shape (replayed here as the escalationState idempotency
// fingerprint in reactions.go), internal/workflow/engine/engine.go's
// Engine.buildState/deriveEngineStatus for the "recompute derived status
// from fresh observations every tick, persist once" idiom (replayed as
// Manager.check's single-observation-pass/single-transition contract), and
// internal/orchestrator/workcycle.go's runProjectCommand ordered-fallback
// idiom for the bounded-retry/escalate-after shape of reactions.go's
// auto=true rules.
package lifecycle

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/config"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/evidence"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/metrics"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/obslog"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/registry"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/session"
)

// Status aliases session.Status so lifecycle code reads naturally without
// an import-cycle-forcing re-declaration.
type Status = session.Status

const (
	StatusSpawning         = session.StatusSpawning
	StatusWorking          = session.StatusWorking
	StatusPROpen           = session.StatusPROpen
	StatusNeedsInput       = session.StatusNeedsInput
	StatusStuck            = session.StatusStuck
	StatusErrored          = session.StatusErrored
	StatusKilled           = session.StatusKilled
	StatusCIFailed         = session.StatusCIFailed
	StatusReviewPending    = session.StatusReviewPending
	StatusChangesRequested = session.StatusChangesRequested
	StatusApproved         = session.StatusApproved
	StatusMergeable        = session.StatusMergeable
	StatusMerged           = session.StatusMerged
	StatusCleanup          = session.StatusCleanup
	StatusDone             = session.StatusDone
	StatusVerifierPending  = session.StatusVerifierPending
	StatusVerifierFailed   = session.StatusVerifierFailed
	StatusPRReady          = session.StatusPRReady
)

// transitions is the status graph SPEC_FULL.md §4.7 names. Any status can
// additionally fall through to errored/killed/needs_input/stuck — that
// universal edge is checked separately in allowedTransition (via
// universalTargets), not listed here.
var transitions = map[Status][]Status{
	StatusSpawning:         {StatusWorking},
	StatusWorking:          {StatusPROpen, StatusVerifierPending},
	StatusPROpen:           {StatusCIFailed, StatusReviewPending, StatusChangesRequested, StatusApproved, StatusMergeable},
	StatusCIFailed:         {StatusPROpen, StatusChangesRequested},
	StatusReviewPending:    {StatusApproved, StatusChangesRequested},
	StatusChangesRequested: {StatusPROpen, StatusCIFailed},
	StatusApproved:         {StatusMergeable},
	StatusMergeable:        {StatusMerged},
	StatusMerged:           {StatusCleanup},
	StatusCleanup:          {StatusDone},
	StatusVerifierPending:  {StatusVerifierFailed, StatusPRReady},
	StatusVerifierFailed:   {StatusWorking},
}

var universalTargets = map[Status]bool{
	StatusErrored: true, StatusKilled: true, StatusNeedsInput: true, StatusStuck: true,
}

func allowedTransition(from, to Status) bool {
	if from == to {
		return false
	}
	if universalTargets[to] && !session.IsTerminal(from) {
		return true
	}
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Deps bundles the shared dependencies a tick needs, grounded on
// internal/module/context.go's ModuleContext-as-shared-dependency-bundle
// idiom.
type Deps struct {
	ProjectID        string
	Sessions         SessionManager
	Registry         *registry.Registry
	Config           *config.Config
	Metrics          *metrics.Log
	Logbook          *obslog.Logbook
	ReadyThresholdMs int64
}

// SessionManager is the subset of *session.Manager lifecycle depends on,
// narrowed to an interface so tests can substitute a fake without an
// import cycle back into the session package's test helpers.
type SessionManager interface {
	Get(ctx context.Context, sessionID string) (*session.Session, error)
	List(ctx context.Context) ([]*session.Session, error)
	Send(ctx context.Context, sessionID, text string) (*session.SendResult, error)
	Kill(ctx context.Context, sessionID string) error
	Spawn(ctx context.Context, req session.SpawnRequest) (*session.Session, error)
	SpawnVerifier(ctx context.Context, workerSessionID, systemPrompt string) (*session.Session, error)
	UpdateStatus(ctx context.Context, sessionID string, status Status, extra map[string]string) error
}

// Manager runs the SPEC_FULL.md §4.7 tick loop and reaction engine for one
// project.
type Manager struct {
	deps     Deps
	breakers *breakerPool
	reactor  *reactor
}

// New constructs a lifecycle Manager for one project.
func New(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		breakers: newBreakerPool(),
		reactor:  newReactor(deps),
	}
}

// Tick fans a single poll pass out across every non-terminal session with
// bounded parallelism, via golang.org/x/sync/errgroup's SetLimit — the
// concrete choice SPEC_FULL.md §5 names for the tick loop's worker pool.
func (m *Manager) Tick(ctx context.Context, concurrency int) error {
	sessions, err := m.deps.Sessions.List(ctx)
	if err != nil {
		return err
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, sess := range sessions {
		sess := sess
		if session.IsTerminal(sess.Status) {
			continue
		}
		g.Go(func() error {
			if err := m.checkOne(gctx, sess); err != nil {
				m.deps.Logbook.Warn("lifecycle.Tick: session %s: %v", sess.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) checkOne(ctx context.Context, sess *session.Session) error {
	if sess.Role == "verifier" {
		return m.pollVerifier(ctx, sess)
	}
	target, eventOverride, obs, err := m.decide(ctx, sess)
	if err != nil {
		return err
	}
	transitioned := target != "" && target != sess.Status
	if transitioned {
		if !allowedTransition(sess.Status, target) {
			m.deps.Logbook.Warn("lifecycle.check: session %s: rejected transition %s -> %s", sess.ID, sess.Status, target)
			transitioned = false
		} else if err := m.transition(ctx, sess, target, nil); err != nil {
			return err
		} else if target == StatusVerifierPending {
			if err := m.spawnVerifier(ctx, sess); err != nil {
				m.deps.Logbook.Warn("lifecycle.check: session %s: failed to spawn verifier: %v", sess.ID, err)
			}
		}
	}
	event := eventOverride
	if event == "" && transitioned {
		event = eventForStatus(target)
	}
	if event == "" {
		return nil
	}
	return m.reactor.onEvent(ctx, sess, event, obs)
}

// transition applies exactly one status change, persists it through the
// session manager, and records the outcome in metrics.Log.
func (m *Manager) transition(ctx context.Context, sess *session.Session, target Status, extra map[string]string) error {
	from := sess.Status
	if err := m.deps.Sessions.UpdateStatus(ctx, sess.ID, target, extra); err != nil {
		return err
	}
	sess.Status = target
	if m.deps.Metrics != nil {
		_ = m.deps.Metrics.RecordTransition(metrics.Transition{
			From:      string(from),
			To:        string(target),
			SessionID: sess.ID,
			IssueID:   sess.IssueID,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

// observation is everything decide may need, gathered in the order
// SPEC_FULL.md §4.7 names: metadata, runtime liveness/output, agent
// activity, SCM (only for PR-bearing sessions).
type observation struct {
	alive             bool
	activity          *pluginapi.ActivityDetection
	pr                *pluginapi.PRRef
	ciChecks          []pluginapi.CICheck
	reviewState       string
	mergeability      string
	pendingComments   []pluginapi.ReviewComment
	automatedComments []pluginapi.ReviewComment
	evidenceOK        bool
}

func (m *Manager) observe(ctx context.Context, sess *session.Session) (observation, error) {
	var obs observation

	if rt, err := m.resolveRuntime(sess); err == nil {
		alive, err := rt.IsAlive(ctx, sess.RuntimeHandle)
		if err != nil {
			m.deps.Logbook.Warn("lifecycle.observe: %s IsAlive: %v", sess.ID, err)
		}
		obs.alive = alive
	}

	if agent, err := m.resolveAgent(sess); err == nil {
		view := pluginapi.SessionView{
			ID:             sess.ID,
			WorkspacePath:  sess.WorkspacePath,
			LastActivityAt: sess.LastActivityAt.UnixMilli(),
		}
		if rt, err := m.resolveRuntime(sess); err == nil {
			if out, err := rt.GetOutput(ctx, sess.RuntimeHandle, 40); err == nil {
				view.RecentOutput = out
			}
		}
		detection, err := agent.GetActivityState(view, m.deps.ReadyThresholdMs)
		if err == nil {
			obs.activity = detection
		}
	}

	if sess.WorkspacePath != "" {
		dir := evidence.Dir(sess.WorkspacePath, sess.ID)
		if bundle, err := evidence.ReadBundle(dir); err == nil {
			obs.evidenceOK = bundle.Complete()
		}
	}

	scm, err := m.resolveSCM(sess)
	if err != nil {
		return obs, nil
	}
	pr := sess.PR
	if pr == nil {
		name := "scm." + m.deps.ProjectID + ".DetectPR"
		_ = m.breakers.run(name, func() error {
			detected, err := scm.DetectPR(ctx, sess.ID)
			if err != nil {
				return err
			}
			pr = detected
			return nil
		})
	}
	if pr == nil {
		return obs, nil
	}
	obs.pr = pr
	_ = m.breakers.run("scm."+m.deps.ProjectID+".checks", func() error {
		checks, err := scm.GetCIChecks(ctx, *pr)
		if err != nil {
			return err
		}
		obs.ciChecks = checks
		return nil
	})
	_ = m.breakers.run("scm."+m.deps.ProjectID+".review", func() error {
		decision, err := scm.GetReviewDecision(ctx, *pr)
		if err != nil {
			return err
		}
		obs.reviewState = decision
		return nil
	})
	_ = m.breakers.run("scm."+m.deps.ProjectID+".mergeability", func() error {
		state, err := scm.GetMergeability(ctx, *pr)
		if err != nil {
			return err
		}
		obs.mergeability = state
		return nil
	})
	_ = m.breakers.run("scm."+m.deps.ProjectID+".automated-comments", func() error {
		comments, err := scm.GetAutomatedComments(ctx, *pr)
		if err != nil {
			return err
		}
		obs.automatedComments = comments
		return nil
	})
	_ = m.breakers.run("scm."+m.deps.ProjectID+".pending-comments", func() error {
		comments, err := scm.GetPendingComments(ctx, *pr)
		if err != nil {
			return err
		}
		obs.pendingComments = comments
		return nil
	})
	return obs, nil
}

func hasFailingCheck(checks []pluginapi.CICheck) bool {
	for _, c := range checks {
		if c.Status == "failed" {
			return true
		}
	}
	return false
}

// eventForStatus maps a freshly-entered status to the reaction event it
// fires, per SPEC_FULL.md §4.7's recognized-events list. Statuses with no
// direct event mapping (pr_open, review_pending, approved, spawning,
// cleanup, verifier_pending/pr_ready — handled by verifier.go) return "".
func eventForStatus(s Status) string {
	switch s {
	case StatusCIFailed:
		return "ci-failed"
	case StatusChangesRequested:
		return "changes-requested"
	case StatusStuck:
		return "agent-stuck"
	case StatusNeedsInput:
		return "agent-needs-input"
	case StatusErrored:
		return "agent-exited"
	case StatusMergeable:
		return "approved-and-green"
	case StatusDone:
		return "all-complete"
	default:
		return ""
	}
}

// decide derives the single next status (and, when no status changes but a
// reaction should still fire, an event override) from the current status
// and a fresh observation pass. Target is "" when nothing should change.
func (m *Manager) decide(ctx context.Context, sess *session.Session) (Status, string, observation, error) {
	obs, err := m.observe(ctx, sess)
	if err != nil {
		return "", "", obs, err
	}

	if obs.activity != nil {
		switch obs.activity.State {
		case pluginapi.ActivityBlocked:
			return StatusStuck, "", obs, nil
		case pluginapi.ActivityWaitingInput:
			return StatusNeedsInput, "", obs, nil
		case pluginapi.ActivityExited:
			if obs.pr == nil {
				return StatusErrored, "", obs, nil
			}
		}
	}

	switch sess.Status {
	case StatusSpawning:
		if obs.alive {
			return StatusWorking, "", obs, nil
		}
		return "", "", obs, nil

	case StatusWorking:
		if obs.evidenceOK && m.verifierConfigured() {
			return StatusVerifierPending, "", obs, nil
		}
		if obs.pr != nil {
			return StatusPROpen, "", obs, nil
		}
		if obs.activity != nil && obs.activity.State == pluginapi.ActivityIdle && m.idleBeyondThreshold(sess, obs) {
			return "", "agent-idle-no-pr", obs, nil
		}
		return "", "", obs, nil

	case StatusCIFailed, StatusChangesRequested:
		// These two states can only re-enter pr_open or each other
		// (transitions table); any review/merge progress surfaces only
		// once CI is green and we are back in pr_open.
		if obs.pr == nil {
			return "", "", obs, nil
		}
		if hasFailingCheck(obs.ciChecks) {
			if sess.Status != StatusCIFailed {
				return StatusCIFailed, "", obs, nil
			}
			return "", "", obs, nil
		}
		if obs.reviewState == "changes_requested" {
			if sess.Status != StatusChangesRequested {
				event := "changes-requested"
				if obs.mergeability == "conflicting" {
					event = "merge-conflicts"
				}
				return StatusChangesRequested, event, obs, nil
			}
			return "", "", obs, nil
		}
		return StatusPROpen, "", obs, nil

	case StatusPROpen, StatusReviewPending:
		if obs.pr == nil {
			return "", "", obs, nil
		}
		if hasFailingCheck(obs.ciChecks) {
			return StatusCIFailed, "", obs, nil
		}
		switch obs.reviewState {
		case "changes_requested":
			event := "changes-requested"
			if obs.mergeability == "conflicting" {
				event = "merge-conflicts"
			}
			return StatusChangesRequested, event, obs, nil
		case "approved":
			if obs.mergeability == "clean" {
				return StatusMergeable, "", obs, nil
			}
			return StatusApproved, "", obs, nil
		case "review_required":
			if sess.Status == StatusPROpen {
				return StatusReviewPending, "", obs, nil
			}
		}
		if len(obs.automatedComments) > 0 {
			return "", "bugbot-comments", obs, nil
		}
		return "", "", obs, nil

	case StatusApproved:
		if obs.mergeability == "clean" {
			return StatusMergeable, "", obs, nil
		}
		return "", "", obs, nil

	case StatusVerifierFailed:
		changed, err := m.reverifyIfChanged(ctx, sess)
		if err != nil {
			m.deps.Logbook.Warn("lifecycle.decide: session %s: evidence re-check failed: %v", sess.ID, err)
			return "", "", obs, nil
		}
		if changed {
			return StatusWorking, "", obs, nil
		}
		return "", "", obs, nil

	default:
		return "", "", obs, nil
	}
}

func (m *Manager) idleBeyondThreshold(sess *session.Session, obs observation) bool {
	if m.deps.Config == nil {
		return false
	}
	rule, ok := m.deps.Config.ReactionsFor(m.deps.ProjectID)["agent-idle-no-pr"]
	if !ok {
		return false
	}
	threshold, err := rule.ThresholdDuration()
	if err != nil || threshold <= 0 {
		return false
	}
	return time.Since(sess.LastActivityAt) >= threshold
}

func (m *Manager) verifierConfigured() bool {
	if m.deps.Config == nil {
		return false
	}
	proj, ok := m.deps.Config.Projects[m.deps.ProjectID]
	return ok && proj.Verifier != nil
}

func (m *Manager) resolveRuntime(sess *session.Session) (pluginapi.Runtime, error) {
	inst, err := m.deps.Registry.Resolve(registry.SlotRuntime, m.deps.ProjectID, "")
	if err != nil {
		return nil, err
	}
	rt, ok := inst.(pluginapi.Runtime)
	if !ok {
		return nil, corerr.New(corerr.ContractViolation, "lifecycle.resolveRuntime", "registered runtime plugin does not implement pluginapi.Runtime")
	}
	return rt, nil
}

func (m *Manager) resolveAgent(sess *session.Session) (pluginapi.Agent, error) {
	inst, err := m.deps.Registry.Resolve(registry.SlotAgent, m.deps.ProjectID, "")
	if err != nil {
		return nil, err
	}
	agent, ok := inst.(pluginapi.Agent)
	if !ok {
		return nil, corerr.New(corerr.ContractViolation, "lifecycle.resolveAgent", "registered agent plugin does not implement pluginapi.Agent")
	}
	return agent, nil
}

func (m *Manager) resolveSCM(sess *session.Session) (pluginapi.SCM, error) {
	inst, err := m.deps.Registry.Resolve(registry.SlotSCM, m.deps.ProjectID, "")
	if err != nil {
		return nil, err
	}
	scm, ok := inst.(pluginapi.SCM)
	if !ok {
		return nil, corerr.New(corerr.ContractViolation, "lifecycle.resolveSCM", "registered scm plugin does not implement pluginapi.SCM")
	}
	return scm, nil
}

// reactions.go implements the SPEC_FULL.md §4.7 reaction engine: dispatch
// of a recognized event to send-to-agent/notify/auto-merge, bounded
// retry/escalation, and the escalationState idempotency fingerprint.
//
// Grounded on internal/eventbridge/router.go's dedupe-window idiom
// (recentIDs/recentOrder), replayed here as a per-session fingerprint
// persisted to metadata instead of an in-memory set (the engine must
// survive process restarts, so the fingerprint lives in the session's own
// metadata record rather than router memory), and on
// internal/orchestrator/workcycle.go's runProjectCommand ordered-fallback
// idiom for the bounded-retry/escalate-after shape of auto=true rules.
package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/config"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/evidence"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/registry"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/session"
)

type reactor struct {
	deps Deps
}

func newReactor(deps Deps) *reactor {
	return &reactor{deps: deps}
}

// escalationState is the per-session idempotency fingerprint persisted as
// metadata["escalationState"], formatted "<event>|<firstSeenRFC3339>|<attempts>".
type escalationState struct {
	Event     string
	FirstSeen time.Time
	Attempts  int
}

func parseEscalationState(raw string) escalationState {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return escalationState{}
	}
	firstSeen, err := time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return escalationState{}
	}
	attempts, err := strconv.Atoi(parts[2])
	if err != nil {
		return escalationState{}
	}
	return escalationState{Event: parts[0], FirstSeen: firstSeen, Attempts: attempts}
}

func (s escalationState) encode() string {
	return fmt.Sprintf("%s|%s|%d", s.Event, s.FirstSeen.UTC().Format(time.RFC3339), s.Attempts)
}

// onEvent applies one recognized reaction event to a session, dispatching
// through the configured rule (or skipping silently if none is
// configured for this event).
func (r *reactor) onEvent(ctx context.Context, sess *session.Session, event string, obs observation) error {
	rules := r.deps.Config.ReactionsFor(r.deps.ProjectID)
	rule, ok := rules[event]
	if !ok {
		return nil
	}
	if err := rule.Validate(event); err != nil {
		r.deps.Logbook.Warn("lifecycle.reactor: invalid rule for event %q: %v", event, err)
		return nil
	}

	prior := parseEscalationState(sess.Metadata["escalationState"])
	now := time.Now().UTC()
	state := escalationState{Event: event, FirstSeen: now, Attempts: 1}
	isNewOccurrence := prior.Event != event
	if !isNewOccurrence {
		state.FirstSeen = prior.FirstSeen
		state.Attempts = prior.Attempts + 1
	}

	if !rule.Auto {
		return r.dispatchNotify(ctx, sess, rule, event, obs)
	}

	switch rule.Action {
	case "notify":
		if err := r.dispatchNotify(ctx, sess, rule, event, obs); err != nil {
			return err
		}
		return r.persistState(ctx, sess, state)
	case "auto-merge":
		if event != "approved-and-green" {
			return nil
		}
		if err := r.autoMerge(ctx, sess, obs); err != nil {
			r.deps.Logbook.Warn("lifecycle.reactor: auto-merge failed for %s: %v", sess.ID, err)
			return r.dispatchNotify(ctx, sess, rule, event, obs)
		}
		return r.persistState(ctx, sess, state)
	case "send-to-agent":
		return r.sendToAgentWithEscalation(ctx, sess, rule, event, obs, prior, state, isNewOccurrence)
	default:
		return nil
	}
}

// sendToAgentWithEscalation implements the two escalation modes Open
// Question #3 resolved: retries-based (deliver the message while attempts ≤
// N, the first occurrence counting as attempt 1, then notify instead on
// each recurrence once attempts exceeds N) or escalateAfter-based (send
// once, then notify on each recurrence once the condition has persisted
// past the duration since first seen).
func (r *reactor) sendToAgentWithEscalation(ctx context.Context, sess *session.Session, rule config.ReactionRule, event string, obs observation, prior escalationState, state escalationState, isNewOccurrence bool) error {
	if isNewOccurrence {
		if err := r.sendEvidenceMessage(ctx, sess, rule, event, obs); err != nil {
			return err
		}
		return r.persistState(ctx, sess, state)
	}

	if rule.Retries != nil {
		if state.Attempts > *rule.Retries {
			if err := r.dispatchNotify(ctx, sess, rule, event, obs); err != nil {
				return err
			}
			return r.persistState(ctx, sess, state)
		}
		if err := r.sendEvidenceMessage(ctx, sess, rule, event, obs); err != nil {
			return err
		}
		return r.persistState(ctx, sess, state)
	}

	escalateAfter, err := time.ParseDuration(rule.EscalateAfter)
	if err == nil && escalateAfter > 0 && time.Since(prior.FirstSeen) >= escalateAfter {
		if err := r.dispatchNotify(ctx, sess, rule, event, obs); err != nil {
			return err
		}
	}
	return r.persistState(ctx, sess, state)
}

func (r *reactor) persistState(ctx context.Context, sess *session.Session, state escalationState) error {
	return r.deps.Sessions.UpdateStatus(ctx, sess.ID, sess.Status, map[string]string{"escalationState": state.encode()})
}

func (r *reactor) sendEvidenceMessage(ctx context.Context, sess *session.Session, rule config.ReactionRule, event string, obs observation) error {
	message := r.buildMessage(sess, rule, event, obs)
	_, err := r.deps.Sessions.Send(ctx, sess.ID, message)
	return err
}

func (r *reactor) buildMessage(sess *session.Session, rule config.ReactionRule, event string, obs observation) string {
	summary := rule.Message
	if summary == "" {
		summary = fmt.Sprintf("Reaction %q fired for session %s.", event, sess.ID)
	}
	var runtimeOutput string
	if obs.activity != nil {
		runtimeOutput = obs.activity.Detail
	}
	return evidence.BuildReactionMessage(evidence.MessageInputs{
		Summary:           summary,
		CIChecks:          obs.ciChecks,
		Comments:          obs.pendingComments,
		AutomatedFindings: obs.automatedComments,
		RuntimeOutput:     runtimeOutput,
		FallbackMessage:   rule.Message,
	})
}

func (r *reactor) autoMerge(ctx context.Context, sess *session.Session, obs observation) error {
	if obs.pr == nil {
		return corerr.New(corerr.InvalidInput, "lifecycle.reactor.autoMerge", "auto-merge requires a detected PR")
	}
	inst, err := r.deps.Registry.Resolve(registry.SlotSCM, r.deps.ProjectID, "")
	if err != nil {
		return err
	}
	scm, ok := inst.(pluginapi.SCM)
	if !ok {
		return corerr.New(corerr.ContractViolation, "lifecycle.reactor.autoMerge", "registered scm plugin does not implement pluginapi.SCM")
	}
	if err := scm.MergePR(ctx, *obs.pr, "squash"); err != nil {
		return err
	}
	return r.deps.Sessions.UpdateStatus(ctx, sess.ID, StatusMerged, nil)
}

func (r *reactor) dispatchNotify(ctx context.Context, sess *session.Session, rule config.ReactionRule, event string, obs observation) error {
	priority := rule.Priority
	if priority == "" {
		priority = defaultPriorityFor(event)
	}
	names := r.deps.Registry.NotifiersFor(priority)
	if len(names) == 0 {
		return nil
	}
	message := r.buildMessage(sess, rule, event, obs)
	evt := pluginapi.NotifyEvent{
		SessionID: sess.ID,
		ProjectID: r.deps.ProjectID,
		Priority:  pluginapi.NotifyPriority(priority),
		Title:     fmt.Sprintf("%s: %s", r.deps.ProjectID, event),
		Message:   message,
	}
	if obs.pr != nil {
		evt.URL = obs.pr.URL
	}
	var firstErr error
	for _, name := range names {
		inst, err := r.deps.Registry.Get(registry.SlotNotifier, name)
		if err != nil {
			r.deps.Logbook.Warn("lifecycle.reactor: notifier %q not registered: %v", name, err)
			continue
		}
		notifier, ok := inst.(pluginapi.Notifier)
		if !ok {
			continue
		}
		if err := notifier.Notify(ctx, evt); err != nil {
			r.deps.Logbook.Warn("lifecycle.reactor: notifier %q failed: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
	}
	return firstErr
}

func defaultPriorityFor(event string) string {
	switch event {
	case "ci-failed", "changes-requested", "merge-conflicts", "bugbot-comments":
		return "action"
	case "agent-stuck", "agent-needs-input", "agent-exited":
		return "urgent"
	case "approved-and-green", "all-complete":
		return "info"
	default:
		return "warning"
	}
}

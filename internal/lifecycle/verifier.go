// verifier.go implements the SPEC_FULL.md §4.10 verifier gate loop: a
// worker session that has produced a complete evidence bundle is held in
// verifier_pending while a dedicated verifier session reviews its changes;
// the verifier reports its verdict through its own metadata record rather
// than a direct call, the same poll-driven idiom internal/lifecycle uses
// for every other plugin-observed fact.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/evidence"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/session"
)

const (
	verdictPassed = "passed"
	verdictFailed = "failed"
)

// spawnVerifier launches the verifier session for a worker that just
// entered verifier_pending. Of the project's verifier config only
// SystemPrompt is used (a default prompt stands in when it is empty); the
// session is spawned with the session manager's own agent and runtime, and
// Verifier.Agent and Verifier.Runtime are not consulted.
func (m *Manager) spawnVerifier(ctx context.Context, worker *session.Session) error {
	proj, ok := m.deps.Config.Projects[m.deps.ProjectID]
	if !ok || proj.Verifier == nil {
		return corerr.New(corerr.InvalidInput, "lifecycle.spawnVerifier", fmt.Sprintf("project %s has no verifier configured", m.deps.ProjectID))
	}
	prompt := proj.Verifier.SystemPrompt
	if prompt == "" {
		prompt = fmt.Sprintf("Review the changes produced by session %s and report verifierVerdict=passed or failed.", worker.ID)
	}
	verifier, err := m.deps.Sessions.SpawnVerifier(ctx, worker.ID, prompt)
	if err != nil {
		return err
	}
	snapshot, err := evidence.TakeSnapshot(evidence.Dir(worker.WorkspacePath, worker.ID))
	if err != nil {
		return nil // evidenceOK already gated this; a transient read failure just skips re-trigger tracking
	}
	return m.deps.Sessions.UpdateStatus(ctx, worker.ID, StatusVerifierPending, map[string]string{
		"verifierFor":      verifier.ID,
		"evidenceSnapshot": snapshot.Encode(),
	})
}

// pollVerifier is checkOne's branch for sessions with Role == "verifier":
// it reads the verifier's own metadata for a reported verdict and, once
// one lands, applies it to the worker session being verified.
func (m *Manager) pollVerifier(ctx context.Context, verifierSess *session.Session) error {
	if verifierSess.VerifierFor == "" {
		return nil
	}
	verdict := verifierSess.Metadata["verifierVerdict"]
	if verdict != verdictPassed && verdict != verdictFailed {
		return nil
	}

	worker, err := m.deps.Sessions.Get(ctx, verifierSess.VerifierFor)
	if err != nil {
		return err
	}
	if worker.Status != StatusVerifierPending {
		return nil
	}

	switch verdict {
	case verdictPassed:
		return m.transition(ctx, worker, StatusPRReady, map[string]string{"verifierStatus": verdictPassed})
	case verdictFailed:
		feedback := verifierSess.Metadata["verifierFeedback"]
		if err := m.transition(ctx, worker, StatusVerifierFailed, map[string]string{"verifierStatus": verdictFailed}); err != nil {
			return err
		}
		if feedback != "" {
			if _, err := m.deps.Sessions.Send(ctx, worker.ID, feedback); err != nil {
				m.deps.Logbook.Warn("lifecycle.pollVerifier: failed to deliver feedback to %s: %v", worker.ID, err)
			}
		}
		return nil
	}
	return nil
}

// reverifyIfChanged handles the verifier_failed -> working -> verifier_pending
// re-entry: a worker only goes back through the verifier once its evidence
// bundle has actually changed since the snapshot taken at the last
// verifier_pending entry, so a worker that replies without touching any
// file never re-triggers a review.
func (m *Manager) reverifyIfChanged(ctx context.Context, worker *session.Session) (bool, error) {
	prior, ok := worker.Metadata["evidenceSnapshot"]
	if !ok || prior == "" {
		return true, nil
	}
	priorSnapshot, err := evidence.DecodeSnapshot(prior)
	if err != nil {
		return true, nil
	}
	return evidence.Changed(priorSnapshot, evidence.Dir(worker.WorkspacePath, worker.ID))
}

// Package session implements SPEC_FULL.md §4.6: the session manager.
// Grounded on plugins/skill_module.go's tmuxTerminal (create/destroy/send
// shape, busy/idle capture-pane parsing), orchestrator/roster.go (scan-
// existing/bind-by-name/fallback idiom, reused here for next-integer
// session-id derivation), and orchestrator/cycle_tracker.go
// (persist/reconstruct idiom for restore/list).
package session

import (
	"encoding/json"
	"time"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
)

// Session is the in-memory / metadata projection of one agent instance.
type Session struct {
	ID             string
	ProjectID      string
	Status         Status
	Activity       pluginapi.ActivityState
	Branch         string
	IssueID        string
	PR             *pluginapi.PRRef
	WorkspacePath  string
	RuntimeHandle  pluginapi.RuntimeHandle
	AgentInfo      map[string]any
	CreatedAt      time.Time
	LastActivityAt time.Time
	Metadata       map[string]string
	Role           string // "" | "orchestrator" | "verifier"
	VerifierFor    string
}

// Status is the lifecycle status graph from SPEC_FULL.md §4.7. The session
// package only needs to read/write it as an opaque string; lifecycle owns
// the transition table.
type Status string

const (
	StatusSpawning          Status = "spawning"
	StatusWorking           Status = "working"
	StatusPROpen            Status = "pr_open"
	StatusNeedsInput        Status = "needs_input"
	StatusStuck             Status = "stuck"
	StatusErrored           Status = "errored"
	StatusKilled            Status = "killed"
	StatusCIFailed          Status = "ci_failed"
	StatusReviewPending     Status = "review_pending"
	StatusChangesRequested  Status = "changes_requested"
	StatusApproved          Status = "approved"
	StatusMergeable         Status = "mergeable"
	StatusMerged            Status = "merged"
	StatusCleanup           Status = "cleanup"
	StatusDone              Status = "done"
	StatusVerifierPending   Status = "verifier_pending"
	StatusVerifierFailed    Status = "verifier_failed"
	StatusPRReady           Status = "pr_ready"
)

// terminalStatuses mirrors SPEC_FULL.md §4.9's terminal-status set.
var terminalStatuses = map[Status]bool{
	StatusMerged: true, StatusCleanup: true, StatusDone: true,
	StatusErrored: true, StatusKilled: true, "terminated": true,
}

// IsTerminal reports whether a status is one of the session end-states.
func IsTerminal(s Status) bool { return terminalStatuses[s] }

func serializeHandle(h pluginapi.RuntimeHandle) (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func deserializeHandle(raw string) (pluginapi.RuntimeHandle, error) {
	var h pluginapi.RuntimeHandle
	if raw == "" {
		return h, nil
	}
	err := json.Unmarshal([]byte(raw), &h)
	return h, err
}

package session

import (
	"context"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/identity"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/metadata"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/obslog"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
)

// Config binds a Manager to one project.
type Config struct {
	ProjectID        string
	ProjectPath      string
	ConfigPath       string // realpath of the owning config file, for tmux naming
	DefaultBranch    string
	SessionPrefix    string // explicit override; derived from ProjectID when empty
	ReadyThresholdMs int64
}

// Manager implements spawn/restore/list/get/kill/cleanup/send.
type Manager struct {
	cfg       Config
	meta      *metadata.Store
	logbook   *obslog.Logbook
	runtime   pluginapi.Runtime
	agent     pluginapi.Agent
	workspace pluginapi.Workspace

	maxReserveAttempts int
}

// New builds a Manager. meta must be rooted at identity.SessionsDir(cfg.ProjectID).
func New(cfg Config, meta *metadata.Store, logbook *obslog.Logbook, runtime pluginapi.Runtime, agent pluginapi.Agent, workspace pluginapi.Workspace) *Manager {
	prefix := cfg.SessionPrefix
	if prefix == "" {
		prefix = identity.DeriveSessionPrefix(cfg.ProjectID)
	}
	cfg.SessionPrefix = prefix
	return &Manager{cfg: cfg, meta: meta, logbook: logbook, runtime: runtime, agent: agent, workspace: workspace, maxReserveAttempts: 10}
}

// SpawnRequest is the input to Spawn.
type SpawnRequest struct {
	IssueID  string
	AgentCfg map[string]any
	Prompt   string // optional, sent after a fixed 500ms warm-up delay
}

var sessionNumPattern = func(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `-(\d+)$`)
}

// Spawn implements the spawn algorithm in SPEC_FULL.md §4.6: TOCTOU-safe id
// reservation, branch derivation, workspace provisioning, environment
// composition, runtime launch, and metadata persistence. Any failure after
// runtime creation destroys the runtime before returning (no orphans).
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	sessionID, err := m.reserveNextID()
	if err != nil {
		return nil, err
	}
	return m.spawnWithID(ctx, sessionID, req, "")
}

// SpawnOrchestrator is the privileged variant that reuses the project's own
// path as the workspace and flags the session role=orchestrator.
func (m *Manager) SpawnOrchestrator(ctx context.Context, systemPrompt string) (*Session, error) {
	sessionID, err := m.reserveNextID()
	if err != nil {
		return nil, err
	}
	req := SpawnRequest{Prompt: systemPrompt}
	return m.spawnWithID(ctx, sessionID, req, "orchestrator")
}

// SpawnVerifier creates a verifier session for workerSessionID: role=verifier,
// verifierFor set to the worker being checked, so lifecycle.pollVerifier can
// find it and the worker can be routed feedback once it reports a verdict.
func (m *Manager) SpawnVerifier(ctx context.Context, workerSessionID, systemPrompt string) (*Session, error) {
	sessionID, err := m.reserveNextID()
	if err != nil {
		return nil, err
	}
	req := SpawnRequest{Prompt: systemPrompt}
	sess, err := m.spawnWithID(ctx, sessionID, req, "verifier")
	if err != nil {
		return nil, err
	}
	if err := m.meta.UpdateMetadata(sessionID, map[string]string{"verifierFor": workerSessionID}); err != nil {
		return nil, err
	}
	sess.VerifierFor = workerSessionID
	return sess, nil
}

func (m *Manager) reserveNextID() (string, error) {
	existingIDs, err := m.meta.ListMetadata()
	if err != nil {
		return "", err
	}
	pattern := sessionNumPattern(m.cfg.SessionPrefix)
	maxN := 0
	for _, id := range existingIDs {
		if match := pattern.FindStringSubmatch(id); match != nil {
			if n, err := strconv.Atoi(match[1]); err == nil && n > maxN {
				maxN = n
			}
		}
	}
	n := maxN + 1
	for attempt := 0; attempt < m.maxReserveAttempts; attempt++ {
		candidate := identity.SessionName(m.cfg.SessionPrefix, n)
		ok, err := m.meta.ReserveSessionID(candidate)
		if err != nil {
			return "", err
		}
		if ok {
			return candidate, nil
		}
		n++
	}
	return "", corerr.New(corerr.Conflict, "session.reserveNextID", "exhausted retry budget reserving a session id")
}

func (m *Manager) spawnWithID(ctx context.Context, sessionID string, req SpawnRequest, role string) (*Session, error) {
	branch := deriveBranch(req.IssueID)

	wsInfo, err := m.provisionWorkspace(ctx, sessionID, branch, role)
	if err != nil {
		_ = m.meta.DeleteMetadata(sessionID, false)
		return nil, err
	}

	env := m.composeEnvironment(sessionID, req.AgentCfg)
	launchCmd, err := m.agent.GetLaunchCommand(req.AgentCfg)
	if err != nil {
		m.destroyWorkspace(ctx, wsInfo.Path, role)
		_ = m.meta.DeleteMetadata(sessionID, false)
		return nil, corerr.Wrap(corerr.PluginFailure, "session.Spawn", err)
	}

	runtimeID := sessionID
	if match := sessionNumPattern(m.cfg.SessionPrefix).FindStringSubmatch(sessionID); match != nil && m.cfg.ConfigPath != "" {
		if n, err := strconv.Atoi(match[1]); err == nil {
			runtimeID = identity.TmuxName(m.cfg.ConfigPath, m.cfg.SessionPrefix, n)
		}
	}
	handle, err := m.runtime.Create(ctx, pluginapi.SessionSpec{
		SessionID:    runtimeID,
		WorkspaceDir: wsInfo.Path,
		Command:      launchCmd,
		Env:          env,
	})
	if err != nil {
		m.destroyWorkspace(ctx, wsInfo.Path, role)
		_ = m.meta.DeleteMetadata(sessionID, false)
		return nil, corerr.Wrap(corerr.PluginFailure, "session.Spawn", err)
	}

	now := time.Now().UTC()
	handleJSON, err := serializeHandle(handle)
	if err != nil {
		_ = m.runtime.Destroy(ctx, handle)
		m.destroyWorkspace(ctx, wsInfo.Path, role)
		_ = m.meta.DeleteMetadata(sessionID, false)
		return nil, corerr.Wrap(corerr.IOFailure, "session.Spawn", err)
	}

	fields := map[string]string{
		"worktree":      wsInfo.Path,
		"branch":        branch,
		"status":        string(StatusSpawning),
		"project":       m.cfg.ProjectID,
		"runtimeHandle": handleJSON,
		"tmuxName":      handle.ID,
		"createdAt":     now.Format(time.RFC3339),
	}
	if req.IssueID != "" {
		fields["issue"] = req.IssueID
	}
	if role != "" {
		fields["role"] = role
	}
	if err := m.meta.WriteMetadata(sessionID, fields); err != nil {
		_ = m.runtime.Destroy(ctx, handle)
		m.destroyWorkspace(ctx, wsInfo.Path, role)
		return nil, err
	}

	if req.Prompt != "" {
		time.Sleep(500 * time.Millisecond)
		if err := m.runtime.SendMessage(ctx, handle, req.Prompt); err != nil {
			m.logbook.Warn("session %s: failed to deliver initial prompt: %v", sessionID, err)
		}
	}

	return &Session{
		ID: sessionID, ProjectID: m.cfg.ProjectID, Status: StatusSpawning,
		Branch: branch, IssueID: req.IssueID, WorkspacePath: wsInfo.Path,
		RuntimeHandle: handle, CreatedAt: now, LastActivityAt: now, Role: role,
	}, nil
}

func (m *Manager) provisionWorkspace(ctx context.Context, sessionID, branch, role string) (pluginapi.WorkspaceInfo, error) {
	if role == "orchestrator" {
		return pluginapi.WorkspaceInfo{Path: m.cfg.ProjectPath, Branch: m.cfg.DefaultBranch}, nil
	}
	info, err := m.workspace.Create(ctx, pluginapi.WorkspaceSpec{
		ProjectID: m.cfg.ProjectID, ProjectPath: m.cfg.ProjectPath,
		SessionID: sessionID, Branch: branch, DefaultBranch: m.cfg.DefaultBranch,
	})
	if err != nil {
		return pluginapi.WorkspaceInfo{}, corerr.Wrap(corerr.PluginFailure, "session.provisionWorkspace", err)
	}
	if post, ok := m.workspace.(pluginapi.PostCreateWorkspace); ok {
		if err := post.PostCreate(ctx, info, nil); err != nil {
			return pluginapi.WorkspaceInfo{}, corerr.Wrap(corerr.PluginFailure, "session.provisionWorkspace", err)
		}
	}
	return info, nil
}

func (m *Manager) destroyWorkspace(ctx context.Context, path, role string) {
	if role == "orchestrator" || path == "" {
		return
	}
	if err := m.workspace.Destroy(ctx, path); err != nil {
		m.logbook.Warn("session: failed to destroy orphaned workspace %s: %v", path, err)
	}
}

func (m *Manager) composeEnvironment(sessionID string, agentCfg map[string]any) map[string]string {
	env := map[string]string{
		"AO_SESSION":                            sessionID,
		"AO_PROJECT_ID":                         m.cfg.ProjectID,
		"AO_DATA_DIR":                           m.cfg.ProjectPath,
		strings.ToUpper(m.cfg.SessionPrefix) + "_SESSION": sessionID,
	}
	if extra, err := m.agent.GetEnvironment(agentCfg); err == nil {
		for k, v := range extra {
			env[k] = v
		}
	}
	return env
}

var branchSanitizePattern = regexp.MustCompile(`[^\w./-]`)

func deriveBranch(issueID string) string {
	if issueID == "" {
		return ""
	}
	b := strings.TrimPrefix(issueID, "#")
	b = branchSanitizePattern.ReplaceAllString(b, "-")
	for strings.Contains(b, "..") {
		b = strings.ReplaceAll(b, "..", ".")
	}
	b = strings.Trim(b, ".-")
	return b
}

// fromRaw reconstructs a Session from a raw metadata record, the same
// persist/reconstruct idiom orchestrator/cycle_tracker.go uses to rebuild
// in-memory state after a restart.
func fromRaw(id, projectID string, raw map[string]string) (*Session, error) {
	handle, err := deserializeHandle(raw["runtimeHandle"])
	if err != nil {
		return nil, corerr.Wrap(corerr.ContractViolation, "session.fromRaw", err)
	}
	sess := &Session{
		ID:            id,
		ProjectID:     projectID,
		Status:        Status(raw["status"]),
		Activity:      pluginapi.ActivityState(raw["activity"]),
		Branch:        raw["branch"],
		IssueID:       raw["issue"],
		WorkspacePath: raw["worktree"],
		RuntimeHandle: handle,
		Role:          raw["role"],
		VerifierFor:   raw["verifierFor"],
		Metadata:      raw,
	}
	if raw["pr"] != "" {
		sess.PR = &pluginapi.PRRef{URL: raw["pr"]}
	}
	if t, err := time.Parse(time.RFC3339, raw["createdAt"]); err == nil {
		sess.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, raw["lastActivityAt"]); err == nil {
		sess.LastActivityAt = t
	} else {
		sess.LastActivityAt = sess.CreatedAt
	}
	return sess, nil
}

// Get reads and reconstructs one session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := m.meta.ReadMetadataRaw(sessionID)
	if err != nil {
		return nil, err
	}
	return fromRaw(sessionID, m.cfg.ProjectID, raw)
}

// List reconstructs every non-archived session for the project, sorted by
// id (metadata.ListMetadata already returns ids sorted), then overlays each
// one's live activity the same way lifecycle.Manager.observe gathers it:
// ask the runtime whether the handle is still alive, and when it isn't and
// the session hasn't already reached a terminal status, surface
// ActivityExited; otherwise ask the agent for its current activity reading.
func (m *Manager) List(ctx context.Context) ([]*Session, error) {
	ids, err := m.meta.ListMetadata()
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := m.Get(ctx, id)
		if err != nil {
			m.logbook.Warn("session.List: skipping %s: %v", id, err)
			continue
		}
		m.enrichActivity(ctx, sess)
		out = append(out, sess)
	}
	return out, nil
}

// enrichActivity overlays sess.Activity in place with a live reading from
// the runtime/agent plugins; it never fails List, it only logs and leaves
// the persisted activity untouched on plugin error.
func (m *Manager) enrichActivity(ctx context.Context, sess *Session) {
	if m.runtime == nil {
		return
	}
	alive, err := m.runtime.IsAlive(ctx, sess.RuntimeHandle)
	if err != nil {
		m.logbook.Warn("session.List: %s IsAlive: %v", sess.ID, err)
		return
	}
	if !alive {
		if !IsTerminal(sess.Status) {
			sess.Activity = pluginapi.ActivityExited
		}
		return
	}
	if m.agent == nil {
		return
	}
	view := pluginapi.SessionView{
		ID:             sess.ID,
		WorkspacePath:  sess.WorkspacePath,
		LastActivityAt: sess.LastActivityAt.UnixMilli(),
	}
	if out, err := m.runtime.GetOutput(ctx, sess.RuntimeHandle, 40); err == nil {
		view.RecentOutput = out
	}
	detection, err := m.agent.GetActivityState(view, m.cfg.ReadyThresholdMs)
	if err != nil {
		m.logbook.Warn("session.List: %s GetActivityState: %v", sess.ID, err)
		return
	}
	sess.Activity = detection.State
}

// Restore reconstructs a session after process restart and verifies its
// workspace is still present on disk, surfacing NotFound if the worktree
// was removed out-of-band (e.g. manual cleanup while the daemon was down).
func (m *Manager) Restore(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Role == "orchestrator" || sess.WorkspacePath == "" {
		return sess, nil
	}
	exists, err := m.workspace.Exists(ctx, sess.WorkspacePath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, corerr.New(corerr.NotFound, "session.Restore", "workspace missing for "+sessionID)
	}
	return sess, nil
}

// UpdateStatus persists a new status (and any additional metadata fields,
// e.g. verifierStatus/escalationState) for a session. The caller owns
// transition validity; this is a pure metadata write.
func (m *Manager) UpdateStatus(ctx context.Context, sessionID string, status Status, extra map[string]string) error {
	updates := map[string]string{"status": string(status), "lastActivityAt": time.Now().UTC().Format(time.RFC3339)}
	for k, v := range extra {
		updates[k] = v
	}
	return m.meta.UpdateMetadata(sessionID, updates)
}

// Kill destroys the runtime handle and workspace for a session and records
// status=killed, without deleting the metadata record itself — Cleanup
// handles final removal/archival once a session is terminal.
func (m *Manager) Kill(ctx context.Context, sessionID string) error {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := m.runtime.Destroy(ctx, sess.RuntimeHandle); err != nil {
		m.logbook.Warn("session.Kill: failed to destroy runtime for %s: %v", sessionID, err)
	}
	m.destroyWorkspace(ctx, sess.WorkspacePath, sess.Role)
	return m.meta.UpdateMetadata(sessionID, map[string]string{"status": string(StatusKilled)})
}

// Cleanup archives the metadata record and removes on-disk state for every
// terminal session (or just sessionIDs, if given). It is idempotent: a
// session already cleaned up is silently skipped.
func (m *Manager) Cleanup(ctx context.Context, sessionIDs ...string) error {
	ids := sessionIDs
	if len(ids) == 0 {
		all, err := m.meta.ListMetadata()
		if err != nil {
			return err
		}
		ids = all
	}
	for _, id := range ids {
		sess, err := m.Get(ctx, id)
		if err != nil {
			if corerr.KindOf(err) == corerr.NotFound {
				continue
			}
			return err
		}
		if !IsTerminal(sess.Status) {
			continue
		}
		if sess.WorkspacePath != "" {
			if exists, _ := m.workspace.Exists(ctx, sess.WorkspacePath); exists {
				m.destroyWorkspace(ctx, sess.WorkspacePath, sess.Role)
			}
		}
		if err := m.meta.DeleteMetadata(id, true); err != nil {
			return err
		}
	}
	return nil
}

// pasteCapableRuntime is the extended tmux-style delivery path used for
// long/multiline messages (SPEC_FULL.md §6 scenario 6): clear the input
// line, load the message into a buffer file, paste it, then press Enter.
// Runtimes that don't implement it (e.g. a bare container exec runtime)
// fall back to plain SendMessage for every message.
type pasteCapableRuntime interface {
	ClearInput(ctx context.Context, handle pluginapi.RuntimeHandle) error
	LoadBufferFile(ctx context.Context, handle pluginapi.RuntimeHandle, bufferName, path string) error
	SendEnter(ctx context.Context, handle pluginapi.RuntimeHandle) error
}

// pasteThreshold is the §6 cutover point: messages at or under this length
// and with no newline go through literal key delivery; anything longer or
// multiline goes through the paste-buffer path.
const pasteThreshold = 200

// SendResult reports how Send classified and delivered a message.
type SendResult struct {
	Delivery string // "literal" | "paste_buffer"
	Status   string // "sent" | "queued" | "processing"
}

// Send delivers text to a running session's agent, choosing the delivery
// path per the §6 messaging contract and classifying the runtime's
// resulting state by reading back its output.
func (m *Manager) Send(ctx context.Context, sessionID, text string) (*SendResult, error) {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	pasteCapable, hasPaste := m.runtime.(pasteCapableRuntime)
	useBuffer := hasPaste && (len(text) > pasteThreshold || strings.Contains(text, "\n"))

	if useBuffer {
		if err := m.sendViaBuffer(ctx, pasteCapable, sess.RuntimeHandle, sessionID, text); err != nil {
			return nil, err
		}
	} else {
		if err := m.runtime.SendMessage(ctx, sess.RuntimeHandle, text); err != nil {
			return nil, corerr.Wrap(corerr.PluginFailure, "session.Send", err)
		}
	}

	out, err := m.runtime.GetOutput(ctx, sess.RuntimeHandle, 10)
	if err != nil {
		out = ""
	}
	status := classifySendStatus(out)
	delivery := "literal"
	if useBuffer {
		delivery = "paste_buffer"
	}
	return &SendResult{Delivery: delivery, Status: status}, nil
}

func (m *Manager) sendViaBuffer(ctx context.Context, rt pasteCapableRuntime, handle pluginapi.RuntimeHandle, sessionID, text string) error {
	if err := rt.ClearInput(ctx, handle); err != nil {
		return corerr.Wrap(corerr.PluginFailure, "session.Send", err)
	}
	f, err := os.CreateTemp("", "ao-send-"+sessionID+"-*.txt")
	if err != nil {
		return corerr.Wrap(corerr.IOFailure, "session.Send", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return corerr.Wrap(corerr.IOFailure, "session.Send", err)
	}
	if err := f.Close(); err != nil {
		return corerr.Wrap(corerr.IOFailure, "session.Send", err)
	}
	bufferName := "ao-" + sessionID + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := rt.LoadBufferFile(ctx, handle, bufferName, path); err != nil {
		return corerr.Wrap(corerr.PluginFailure, "session.Send", err)
	}
	time.Sleep(300 * time.Millisecond)
	if err := rt.SendEnter(ctx, handle); err != nil {
		return corerr.Wrap(corerr.PluginFailure, "session.Send", err)
	}
	return nil
}

var (
	busyMarker   = "esc to interrupt"
	queuedMarker = "Press up to edit queued messages"
	idlePrefixes = []string{"❯", "> "}
)

// classifySendStatus applies the §6 busy/idle/queued detection over the
// last few lines of output captured right after delivery.
func classifySendStatus(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	tail := func(n int) []string {
		if len(lines) <= n {
			return lines
		}
		return lines[len(lines)-n:]
	}
	window3 := strings.Join(tail(3), "\n")
	if strings.Contains(window3, queuedMarker) {
		return "queued"
	}
	if strings.Contains(window3, busyMarker) {
		return "processing"
	}
	window5 := tail(5)
	if len(window5) > 0 {
		last := strings.TrimRight(window5[len(window5)-1], " \t")
		for _, p := range idlePrefixes {
			if strings.HasSuffix(last, strings.TrimRight(p, " ")) {
				return "sent"
			}
		}
	}
	return "processing"
}

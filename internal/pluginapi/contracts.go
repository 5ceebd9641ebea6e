// Package pluginapi declares the typed contracts SPEC_FULL.md §4.5/§6
// extracts from the core's point of view. Each plugin kind is a distinct
// component outside the core; the core depends only on these interfaces.
// All methods may fail with a plugin-specific error wrapped as
// corerr.PluginFailure — the core surfaces it without interpretation.
package pluginapi

import "context"

// RuntimeHandle is the opaque token a Runtime returns from Create. Its ID
// must be globally unique across the host — formed as
// "<hash>-<prefix>-<num>" for filesystem-multiplexer runtimes (see
// identity.TmuxName), free-form for others.
type RuntimeHandle struct {
	ID          string
	RuntimeName string
	Data        map[string]string
}

// SessionSpec is what a session asks a Runtime to create a handle for.
type SessionSpec struct {
	SessionID    string
	WorkspaceDir string
	Command      string
	Env          map[string]string
}

// Runtime is the execution substrate behind which an agent runs (terminal
// multiplexer, container, process, remote host). Implementations must be
// safe for concurrent use; a handle must be pingable (IsAlive) without
// side effects.
type Runtime interface {
	Create(ctx context.Context, spec SessionSpec) (RuntimeHandle, error)
	Destroy(ctx context.Context, handle RuntimeHandle) error
	SendMessage(ctx context.Context, handle RuntimeHandle, text string) error
	GetOutput(ctx context.Context, handle RuntimeHandle, lines int) (string, error)
	IsAlive(ctx context.Context, handle RuntimeHandle) (bool, error)
}

// AttachableRuntime is implemented by runtimes that support interactive
// attach (e.g. tmux attach-session). Optional per §4.5.
type AttachableRuntime interface {
	Attach(ctx context.Context, handle RuntimeHandle) error
}

// ActivityState is the agent's self-reported liveness bucket.
type ActivityState string

const (
	ActivityActive       ActivityState = "active"
	ActivityReady        ActivityState = "ready"
	ActivityIdle         ActivityState = "idle"
	ActivityWaitingInput ActivityState = "waiting_input"
	ActivityBlocked      ActivityState = "blocked"
	ActivityExited       ActivityState = "exited"
)

// ActivityDetection is the richer result of Agent.GetActivityState.
type ActivityDetection struct {
	State       ActivityState
	SinceMillis int64
	Detail      string
}

// SessionView is the subset of session state an Agent plugin needs to
// reason about activity without depending on the session package (which
// would create an import cycle).
type SessionView struct {
	ID             string
	WorkspacePath  string
	RecentOutput   string
	LastActivityAt int64
}

// Agent is the AI coding tool launched inside a Runtime.
type Agent interface {
	GetLaunchCommand(cfg map[string]any) (string, error)
	GetEnvironment(cfg map[string]any) (map[string]string, error)
	DetectActivity(captureText string) ActivityState
	GetActivityState(session SessionView, readyThresholdMs int64) (*ActivityDetection, error)
	IsProcessRunning(ctx context.Context, handle RuntimeHandle) (bool, error)
}

// WorkspaceInfo describes a provisioned workspace.
type WorkspaceInfo struct {
	Path   string
	Branch string
	Data   map[string]string
}

// WorkspaceSpec is the input to Workspace.Create.
type WorkspaceSpec struct {
	ProjectID     string
	ProjectPath   string
	SessionID     string
	Branch        string
	DefaultBranch string
}

// Workspace is an isolated code checkout owned by a session (git worktree,
// clone, or volume).
type Workspace interface {
	Create(ctx context.Context, spec WorkspaceSpec) (WorkspaceInfo, error)
	Destroy(ctx context.Context, path string) error
	List(ctx context.Context, projectID string) ([]WorkspaceInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
	Restore(ctx context.Context, spec WorkspaceSpec, path string) (WorkspaceInfo, error)
}

// PostCreateWorkspace is implemented by workspace plugins that run
// additional setup after Create (e.g. symlinking shared config).
type PostCreateWorkspace interface {
	PostCreate(ctx context.Context, info WorkspaceInfo, projectConfig map[string]any) error
}

// Tracker is the issue/work-item source of truth.
type Tracker interface {
	GetIssue(ctx context.Context, id string) (map[string]any, error)
	IssueURL(id string) string
	BranchName(id string) string
	GeneratePrompt(ctx context.Context, id string, project map[string]any) (string, error)
}

// PRRef is a nullable reference to a pull request.
type PRRef struct {
	Number  int
	Owner   string
	Repo    string
	URL     string
	Title   string
	State   string
	IsDraft bool
}

// CICheck is one CI check result.
type CICheck struct {
	Name   string
	Status string // "passed" | "failed" | "pending"
	URL    string
}

// ReviewComment is one unresolved review comment or automated-bot finding.
type ReviewComment struct {
	Author   string
	Body     string
	Severity string
	URL      string
}

// SCM is the source-control / forge plugin (GitHub, GitLab, ...).
type SCM interface {
	DetectPR(ctx context.Context, sessionID string) (*PRRef, error)
	GetCIChecks(ctx context.Context, pr PRRef) ([]CICheck, error)
	GetCISummary(ctx context.Context, pr PRRef) (string, error)
	GetReviews(ctx context.Context, pr PRRef) ([]ReviewComment, error)
	GetReviewDecision(ctx context.Context, pr PRRef) (string, error)
	GetPendingComments(ctx context.Context, pr PRRef) ([]ReviewComment, error)
	GetAutomatedComments(ctx context.Context, pr PRRef) ([]ReviewComment, error)
	GetMergeability(ctx context.Context, pr PRRef) (string, error)
	MergePR(ctx context.Context, pr PRRef, method string) error
}

// NotifyPriority routes a notification through the configured channel
// tiers (SPEC_FULL.md §4.7).
type NotifyPriority string

const (
	PriorityUrgent  NotifyPriority = "urgent"
	PriorityAction  NotifyPriority = "action"
	PriorityWarning NotifyPriority = "warning"
	PriorityInfo    NotifyPriority = "info"
)

// NotifyEvent is the payload handed to a Notifier.
type NotifyEvent struct {
	SessionID string
	ProjectID string
	Priority  NotifyPriority
	Title     string
	Message   string
	URL       string
}

// NotifyAction is an actionable button/link a richer notifier can render.
type NotifyAction struct {
	Label string
	URL   string
}

// Notifier delivers a NotifyEvent to a human channel (desktop, Slack, SMS,
// stdout). Failures are best-effort: one notifier failing must not prevent
// others from firing.
type Notifier interface {
	Notify(ctx context.Context, event NotifyEvent) error
}

// ActionableNotifier is implemented by notifiers that can render
// NotifyAction buttons (e.g. Slack message actions).
type ActionableNotifier interface {
	NotifyWithActions(ctx context.Context, event NotifyEvent, actions []NotifyAction) error
}

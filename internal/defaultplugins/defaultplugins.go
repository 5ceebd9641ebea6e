// Package defaultplugins bootstraps the reference plugin implementations
// named in SPEC_FULL.md §10 into a registry for one project: tmux runtime,
// CLI agent, git worktree workspace, local issue tracker, GitHub SCM, and
// Slack notifications. Every plugin stays fully replaceable through the
// registry's normal per-project override mechanism; this package only
// supplies what a project gets when it names none.
package defaultplugins

import (
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/config"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/registry"
	"github.com/vivekgoquest/agent-orchestrator-sub002/plugins/cliagent"
	"github.com/vivekgoquest/agent-orchestrator-sub002/plugins/githubscm"
	"github.com/vivekgoquest/agent-orchestrator-sub002/plugins/gitworkspace"
	"github.com/vivekgoquest/agent-orchestrator-sub002/plugins/localtracker"
	"github.com/vivekgoquest/agent-orchestrator-sub002/plugins/slacknotify"
	"github.com/vivekgoquest/agent-orchestrator-sub002/plugins/tmuxruntime"
)

// Bundle holds the runtime/agent/workspace instances a session.Manager
// wires directly, alongside the tracker/scm plugins reached only through
// the registry. Register returns it so the composition root can hand the
// same instances straight to session.New instead of resolving them back
// out of the registry it just populated.
type Bundle struct {
	Runtime   pluginapi.Runtime
	Agent     pluginapi.Agent
	Workspace pluginapi.Workspace
}

// Register constructs and registers the default runtime/agent/workspace/
// tracker plugin instances for one project, honoring any project- or
// config-level override names so a later lookup by Resolve still finds
// them under the right slot name. It returns the runtime/agent/workspace
// instances directly since session.New needs the concrete plugins, not a
// registry lookup.
//
// The SCM plugin is registered separately by RegisterSCM once the session
// manager exists, because its PR-lookup closure needs to call back into
// the very session manager Register's own instances help construct.
func Register(reg *registry.Registry, cfg *config.Config, proj config.ProjectConfig, projectPath string) Bundle {
	runtime := tmuxruntime.New()
	agent := cliagent.Default()
	workspace := gitworkspace.New()

	reg.MustRegister(registry.SlotRuntime, name(proj.Runtime, cfg.Defaults.Runtime, "tmux"), runtime)
	reg.MustRegister(registry.SlotAgent, name(proj.Agent, cfg.Defaults.Agent, "cli"), agent)
	reg.MustRegister(registry.SlotWorkspace, name(cfg.Defaults.Workspace, "", "git"), workspace)
	reg.MustRegister(registry.SlotTracker, name(proj.Tracker, "", "local"), localtracker.New(projectPath))

	return Bundle{Runtime: runtime, Agent: agent, Workspace: workspace}
}

// RegisterSCM registers the GitHub SCM plugin once the caller has a
// sessionPR lookup closure available (i.e. once its session.Manager exists).
func RegisterSCM(reg *registry.Registry, proj config.ProjectConfig, githubToken string, sessionPR func(sessionID string) (*pluginapi.PRRef, bool)) {
	reg.MustRegister(registry.SlotSCM, name(proj.SCM, "", "github"), githubscm.New(githubToken, sessionPR))
}

// RegisterNotifier registers the shared Slack notifier once for the fleet.
func RegisterNotifier(reg *registry.Registry, slackToken string, channelFor func(pluginapi.NotifyPriority) string) {
	reg.MustRegister(registry.SlotNotifier, "slack", slacknotify.New(slackToken, channelFor))
}

func name(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

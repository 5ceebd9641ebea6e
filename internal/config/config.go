// Package config models the configuration value SPEC_FULL.md §6 says the
// core accepts already-validated. The core itself never reads a config
// file from disk; cmd/agentorchestrator (the composition root) loads YAML with
// gopkg.in/yaml.v3 into this package's types and calls ApplyDefaults then
// Validate before handing the result to the registry/session/lifecycle
// layers. Grounded on the teacher's config.go: env-first root resolution,
// yaml-tagged sub-structs, and the applyDefaults/normalize/validate triad.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
)

// PluginRef names a plugin instance: which factory ("plugin") and its
// config blob. Used for notifiers and any per-project plugin override that
// needs parameters beyond a bare name.
type PluginRef struct {
	Plugin string         `yaml:"plugin"`
	Config map[string]any `yaml:",inline"`
}

// ReactionRule is one entry of the top-level or per-project reactions map,
// keyed by event (ci-failed, changes-requested, bugbot-comments,
// merge-conflicts, approved-and-green, agent-stuck, agent-needs-input,
// agent-exited, all-complete, agent-idle-no-pr).
type ReactionRule struct {
	Auto          bool   `yaml:"auto"`
	Action        string `yaml:"action"` // send-to-agent | notify | auto-merge
	Message       string `yaml:"message,omitempty"`
	Priority      string `yaml:"priority,omitempty"` // urgent | action | warning | info
	Retries       *int   `yaml:"retries,omitempty"`
	EscalateAfter string `yaml:"escalateAfter,omitempty"` // duration string, e.g. "30m"
	Threshold     string `yaml:"threshold,omitempty"`     // duration string
}

var validActions = map[string]bool{"send-to-agent": true, "notify": true, "auto-merge": true}
var validPriorities = map[string]bool{"urgent": true, "action": true, "warning": true, "info": true}
var recognizedEvents = map[string]bool{
	"ci-failed": true, "changes-requested": true, "bugbot-comments": true,
	"merge-conflicts": true, "approved-and-green": true, "agent-stuck": true,
	"agent-needs-input": true, "agent-exited": true, "all-complete": true,
	"agent-idle-no-pr": true,
}

// Validate enforces SPEC_FULL.md §9's resolved open question: a rule
// declares exactly one of EscalateAfter (duration-parseable) or Retries (a
// positive int), never both, never neither, when Auto is true and Action is
// send-to-agent.
func (r ReactionRule) Validate(event string) error {
	if !recognizedEvents[event] {
		return corerr.New(corerr.InvalidInput, "config.ReactionRule.Validate", fmt.Sprintf("unknown reaction event %q", event))
	}
	if r.Action != "" && !validActions[r.Action] {
		return corerr.New(corerr.InvalidInput, "config.ReactionRule.Validate", fmt.Sprintf("unknown reaction action %q", r.Action))
	}
	if r.Priority != "" && !validPriorities[r.Priority] {
		return corerr.New(corerr.InvalidInput, "config.ReactionRule.Validate", fmt.Sprintf("unknown notification priority %q", r.Priority))
	}
	if r.Auto && r.Action == "send-to-agent" {
		hasEscalate := strings.TrimSpace(r.EscalateAfter) != ""
		hasRetries := r.Retries != nil
		if hasEscalate == hasRetries {
			return corerr.New(corerr.InvalidInput, "config.ReactionRule.Validate",
				fmt.Sprintf("reaction %q must declare exactly one of escalateAfter or retries", event))
		}
		if hasEscalate {
			if _, err := time.ParseDuration(r.EscalateAfter); err != nil {
				return corerr.New(corerr.InvalidInput, "config.ReactionRule.Validate",
					fmt.Sprintf("reaction %q escalateAfter is not a duration: %v", event, err))
			}
		} else if *r.Retries <= 0 {
			return corerr.New(corerr.InvalidInput, "config.ReactionRule.Validate",
				fmt.Sprintf("reaction %q retries must be positive", event))
		}
	}
	return nil
}

// ThresholdDuration parses Threshold, used by agent-stuck/agent-idle-no-pr.
func (r ReactionRule) ThresholdDuration() (time.Duration, error) {
	if strings.TrimSpace(r.Threshold) == "" {
		return 0, nil
	}
	return time.ParseDuration(r.Threshold)
}

// Defaults names the process-wide default plugin for each resolvable slot.
type Defaults struct {
	Runtime   string          `yaml:"runtime"`
	Agent     string          `yaml:"agent"`
	Workspace string          `yaml:"workspace"`
	Notifiers []string        `yaml:"notifiers"`
	Verifier  *VerifierConfig `yaml:"verifier,omitempty"`
}

// VerifierConfig enables the §4.10 verifier gate loop for a project.
type VerifierConfig struct {
	Agent        string `yaml:"agent,omitempty"`
	Runtime      string `yaml:"runtime,omitempty"`
	SystemPrompt string `yaml:"systemPrompt,omitempty"`
}

// ProjectConfig is one entry of the top-level projects map.
type ProjectConfig struct {
	Name          string                  `yaml:"name"`
	Repo          string                  `yaml:"repo,omitempty"`
	Path          string                  `yaml:"path"`
	DefaultBranch string                  `yaml:"defaultBranch,omitempty"`
	SessionPrefix string                  `yaml:"sessionPrefix,omitempty"`
	Agent         string                  `yaml:"agent,omitempty"`
	Runtime       string                  `yaml:"runtime,omitempty"`
	Tracker       string                  `yaml:"tracker,omitempty"`
	SCM           string                  `yaml:"scm,omitempty"`
	Symlinks      []string                `yaml:"symlinks,omitempty"`
	PostCreate    []string                `yaml:"postCreate,omitempty"`
	AgentConfig   map[string]any          `yaml:"agentConfig,omitempty"`
	Reactions     map[string]ReactionRule `yaml:"reactions,omitempty"`
	Verifier      *VerifierConfig         `yaml:"verifier,omitempty"`
}

// NotificationRouting maps a priority tier to the notifier names it fans
// out to. Defaults (SPEC_FULL.md §4.7) apply when a tier is left empty.
type NotificationRouting struct {
	Urgent  []string `yaml:"urgent,omitempty"`
	Action  []string `yaml:"action,omitempty"`
	Warning []string `yaml:"warning,omitempty"`
	Info    []string `yaml:"info,omitempty"`
}

var defaultRouting = NotificationRouting{
	Urgent:  []string{"desktop", "slack", "sms"},
	Action:  []string{"desktop", "slack"},
	Warning: []string{"slack"},
	Info:    []string{"slack"},
}

// Config is the validated value the core depends on (SPEC_FULL.md §6).
type Config struct {
	ConfigPath          string                   `yaml:"-"`
	Port                int                      `yaml:"port,omitempty"`
	ReadyThresholdMs    int64                    `yaml:"readyThresholdMs,omitempty"`
	Defaults            Defaults                 `yaml:"defaults"`
	Projects            map[string]ProjectConfig `yaml:"projects"`
	Notifiers           map[string]PluginRef     `yaml:"notifiers"`
	NotificationRouting NotificationRouting      `yaml:"notificationRouting"`
	Reactions           map[string]ReactionRule  `yaml:"reactions"`
}

// ApplyDefaults fills in the fixed fallbacks the teacher's
// applyDefaults/normalize triad would: readyThresholdMs and any empty
// routing tier. The per-project reaction overlay is done by ReactionsFor.
func (c *Config) ApplyDefaults() {
	if c.ReadyThresholdMs <= 0 {
		c.ReadyThresholdMs = 10_000
	}
	r := &c.NotificationRouting
	if len(r.Urgent) == 0 {
		r.Urgent = append([]string(nil), defaultRouting.Urgent...)
	}
	if len(r.Action) == 0 {
		r.Action = append([]string(nil), defaultRouting.Action...)
	}
	if len(r.Warning) == 0 {
		r.Warning = append([]string(nil), defaultRouting.Warning...)
	}
	if len(r.Info) == 0 {
		r.Info = append([]string(nil), defaultRouting.Info...)
	}
}

// ReactionsFor merges the global reactions map with a project's overrides,
// project winning per event key.
func (c *Config) ReactionsFor(projectID string) map[string]ReactionRule {
	merged := map[string]ReactionRule{}
	for k, v := range c.Reactions {
		merged[k] = v
	}
	if proj, ok := c.Projects[projectID]; ok {
		for k, v := range proj.Reactions {
			merged[k] = v
		}
	}
	return merged
}

// RoutingFor returns the notifier names a priority tier fans out to.
func (rt NotificationRouting) RoutingFor(priority string) []string {
	switch priority {
	case "urgent":
		return rt.Urgent
	case "action":
		return rt.Action
	case "warning":
		return rt.Warning
	case "info":
		return rt.Info
	default:
		return nil
	}
}

// Validate checks the whole tree: every reaction rule (global and
// per-project), every project has a path, and the config path is non-empty.
// It does not check that the config path is a resolved realpath.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ConfigPath) == "" {
		return corerr.New(corerr.InvalidInput, "config.Validate", "configPath is required")
	}
	for event, rule := range c.Reactions {
		if err := rule.Validate(event); err != nil {
			return err
		}
	}
	for id, proj := range c.Projects {
		if strings.TrimSpace(proj.Path) == "" {
			return corerr.New(corerr.InvalidInput, "config.Validate", fmt.Sprintf("project %q: path is required", id))
		}
		for event, rule := range proj.Reactions {
			if err := rule.Validate(event); err != nil {
				return err
			}
		}
	}
	return nil
}

// RealConfigPath resolves configPath to its realpath, the value
// identity.HashOf and identity.ValidateAndStoreOrigin require.
func RealConfigPath(configPath string) (string, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return "", corerr.Wrap(corerr.IOFailure, "config.RealConfigPath", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", corerr.Wrap(corerr.IOFailure, "config.RealConfigPath", err)
	}
	return real, nil
}

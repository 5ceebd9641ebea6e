// Package tmuxruntime implements the pluginapi.Runtime contract over tmux,
// the terminal-multiplexer runtime SPEC_FULL.md §4.5 names as the default
// execution substrate. Grounded on plugins/skill_module.go's tmuxTerminal
// (new-window/send-keys/kill-window, os/exec invocation style),
// generalized from a single hard-coded "opencode --prompt" launch to an
// arbitrary SessionSpec.Command, and extended with capture-pane (for
// Agent.DetectActivity) and load-buffer/paste-buffer (the large-message
// delivery path in SPEC_FULL.md §6).
package tmuxruntime

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
)

// Runner abstracts process execution so tests can stub it out instead of
// shelling out to a real tmux binary.
type Runner interface {
	Run(ctx context.Context, args ...string) (stdout string, err error)
}

// execRunner shells out to the tmux binary on PATH.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("tmux %s: %w: %s", strings.Join(args, " "), err, string(ee.Stderr))
		}
		return "", fmt.Errorf("tmux %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// Runtime implements pluginapi.Runtime and pluginapi.AttachableRuntime.
type Runtime struct {
	run Runner
}

// New returns a Runtime that shells out to the real tmux binary.
func New() *Runtime {
	return &Runtime{run: execRunner{}}
}

// NewWithRunner injects a Runner, used by tests.
func NewWithRunner(r Runner) *Runtime {
	return &Runtime{run: r}
}

const runtimeName = "tmux"

// Create starts a new tmux session detached, named spec.SessionID's caller-
// supplied handle id (callers form this via identity.TmuxName), and sends
// the launch command as the session's initial command.
func (t *Runtime) Create(ctx context.Context, spec pluginapi.SessionSpec) (pluginapi.RuntimeHandle, error) {
	name := spec.SessionID
	args := []string{"new-session", "-d", "-s", name}
	if spec.WorkspaceDir != "" {
		args = append(args, "-c", spec.WorkspaceDir)
	}
	if spec.Command != "" {
		args = append(args, spec.Command)
	}
	if _, err := t.run.Run(ctx, args...); err != nil {
		return pluginapi.RuntimeHandle{}, corerr.Wrap(corerr.PluginFailure, "tmuxruntime.Create", err)
	}
	for k, v := range spec.Env {
		_, _ = t.run.Run(ctx, "set-environment", "-t", name, k, v)
	}
	return pluginapi.RuntimeHandle{ID: name, RuntimeName: runtimeName, Data: map[string]string{"workdir": spec.WorkspaceDir}}, nil
}

// Destroy kills the tmux session. Safe to retry: killing an already-dead
// session is reported by tmux but treated as success here.
func (t *Runtime) Destroy(ctx context.Context, handle pluginapi.RuntimeHandle) error {
	_, err := t.run.Run(ctx, "kill-session", "-t", handle.ID)
	if err != nil && !strings.Contains(err.Error(), "session not found") {
		return corerr.Wrap(corerr.PluginFailure, "tmuxruntime.Destroy", err)
	}
	return nil
}

// SendMessage implements the literal-keys delivery path of the §6
// messaging contract: clear any partial input with Ctrl-U, type the
// message, then Enter. Large/multiline messages go through
// ClearInput/LoadBufferFile/SendEnter instead (session.Manager.Send decides
// which).
func (t *Runtime) SendMessage(ctx context.Context, handle pluginapi.RuntimeHandle, text string) error {
	if _, err := t.run.Run(ctx, "send-keys", "-t", handle.ID, "C-u"); err != nil {
		return corerr.Wrap(corerr.PluginFailure, "tmuxruntime.SendMessage", err)
	}
	if _, err := t.run.Run(ctx, "send-keys", "-t", handle.ID, text); err != nil {
		return corerr.Wrap(corerr.PluginFailure, "tmuxruntime.SendMessage", err)
	}
	if _, err := t.run.Run(ctx, "send-keys", "-t", handle.ID, "Enter"); err != nil {
		return corerr.Wrap(corerr.PluginFailure, "tmuxruntime.SendMessage", err)
	}
	return nil
}

// ClearInput sends Ctrl-U to clear any partial input before a paste-buffer
// delivery (session.Manager.Send materializes the message to a temp file
// and calls LoadBufferFile next).
func (t *Runtime) ClearInput(ctx context.Context, handle pluginapi.RuntimeHandle) error {
	_, err := t.run.Run(ctx, "send-keys", "-t", handle.ID, "C-u")
	return corerr.Wrap(corerr.PluginFailure, "tmuxruntime.ClearInput", err)
}

// LoadBufferFile loads path into a named tmux buffer then pastes it into
// the target pane with deletion (paste-buffer -d), matching scenario 6 in
// SPEC_FULL.md §8: a unique buffer name per send, delete-after-paste so
// buffers don't accumulate.
func (t *Runtime) LoadBufferFile(ctx context.Context, handle pluginapi.RuntimeHandle, bufferName, path string) error {
	if _, err := t.run.Run(ctx, "load-buffer", "-b", bufferName, path); err != nil {
		return corerr.Wrap(corerr.PluginFailure, "tmuxruntime.LoadBufferFile", err)
	}
	if _, err := t.run.Run(ctx, "paste-buffer", "-d", "-b", bufferName, "-t", handle.ID); err != nil {
		return corerr.Wrap(corerr.PluginFailure, "tmuxruntime.LoadBufferFile", err)
	}
	return nil
}

// SendEnter sends a bare Enter keypress, used after the paste-buffer delay.
func (t *Runtime) SendEnter(ctx context.Context, handle pluginapi.RuntimeHandle) error {
	_, err := t.run.Run(ctx, "send-keys", "-t", handle.ID, "Enter")
	return corerr.Wrap(corerr.PluginFailure, "tmuxruntime.SendEnter", err)
}

// GetOutput captures the trailing `lines` lines of the pane's scrollback.
func (t *Runtime) GetOutput(ctx context.Context, handle pluginapi.RuntimeHandle, lines int) (string, error) {
	if lines <= 0 {
		lines = 80
	}
	out, err := t.run.Run(ctx, "capture-pane", "-t", handle.ID, "-p", "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", corerr.Wrap(corerr.PluginFailure, "tmuxruntime.GetOutput", err)
	}
	return out, nil
}

// IsAlive pings the session without side effects via has-session.
func (t *Runtime) IsAlive(ctx context.Context, handle pluginapi.RuntimeHandle) (bool, error) {
	_, err := t.run.Run(ctx, "has-session", "-t", handle.ID)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// Attach implements pluginapi.AttachableRuntime.
func (t *Runtime) Attach(ctx context.Context, handle pluginapi.RuntimeHandle) error {
	_, err := t.run.Run(ctx, "attach-session", "-t", handle.ID)
	return corerr.Wrap(corerr.PluginFailure, "tmuxruntime.Attach", err)
}

var _ pluginapi.Runtime = (*Runtime)(nil)
var _ pluginapi.AttachableRuntime = (*Runtime)(nil)

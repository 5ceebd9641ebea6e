// Package gitworkspace implements the pluginapi.Workspace contract with a
// git worktree per session. Grounded on orchestrator/workcycle.go's
// createWorktreeSessions/invokeWorktreeCreate/invokeWorktreeDelete
// (next-integer scan under a base dir, MkdirAll of a fixed folder list,
// create-then-delete fallback chain), collapsed here to the one real
// mechanism (`git worktree add` / `git worktree remove`) instead of
// shelling out to an external opencode-worktree helper.
package gitworkspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/identity"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
)

// Workspace provisions one git worktree per session under
// identity.WorktreesDir(projectID).
type Workspace struct {
	GitBin string // defaults to "git"
}

// New returns a Workspace that shells out to the git binary on PATH.
func New() *Workspace {
	return &Workspace{GitBin: "git"}
}

func (w *Workspace) git() string {
	if w.GitBin == "" {
		return "git"
	}
	return w.GitBin
}

// Create runs `git worktree add -b <branch> <path> <defaultBranch>` inside
// spec.ProjectPath, creating the new branch off spec.DefaultBranch.
func (w *Workspace) Create(ctx context.Context, spec pluginapi.WorkspaceSpec) (pluginapi.WorkspaceInfo, error) {
	dir, err := identity.WorktreesDir(spec.ProjectID)
	if err != nil {
		return pluginapi.WorkspaceInfo{}, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return pluginapi.WorkspaceInfo{}, corerr.Wrap(corerr.IOFailure, "gitworkspace.Create", err)
	}
	path := filepath.Join(dir, spec.SessionID)
	branch := spec.Branch
	if branch == "" {
		branch = spec.SessionID
	}
	base := spec.DefaultBranch
	if base == "" {
		base = "main"
	}
	args := []string{"worktree", "add", "-b", branch, path, base}
	if out, err := w.run(ctx, spec.ProjectPath, args...); err != nil {
		return pluginapi.WorkspaceInfo{}, corerr.Wrapf(corerr.PluginFailure, "gitworkspace.Create", err, "git %s: %s", strings.Join(args, " "), out)
	}
	return pluginapi.WorkspaceInfo{Path: path, Branch: branch, Data: map[string]string{"projectPath": spec.ProjectPath}}, nil
}

// Destroy runs `git worktree remove --force <path>`, safe to retry:
// removing an already-gone worktree is treated as success.
func (w *Workspace) Destroy(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	projectPath, err := projectPathFromWorktree(path)
	if err != nil {
		// The session's project path is not resolvable from the
		// worktree alone (e.g. already partially removed); fall back to
		// a plain directory removal so Destroy stays idempotent.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return corerr.Wrap(corerr.IOFailure, "gitworkspace.Destroy", rmErr)
		}
		return nil
	}
	out, err := w.run(ctx, projectPath, "worktree", "remove", "--force", path)
	if err != nil && !strings.Contains(out, "is not a working tree") {
		return corerr.Wrapf(corerr.PluginFailure, "gitworkspace.Destroy", err, "git worktree remove: %s", out)
	}
	return nil
}

// List returns the subdirectories of this project's worktrees directory,
// read straight from disk (git itself is not consulted).
func (w *Workspace) List(ctx context.Context, projectID string) ([]pluginapi.WorkspaceInfo, error) {
	dir, err := identity.WorktreesDir(projectID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, corerr.Wrap(corerr.IOFailure, "gitworkspace.List", err)
	}
	var out []pluginapi.WorkspaceInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, pluginapi.WorkspaceInfo{Path: filepath.Join(dir, e.Name())})
	}
	return out, nil
}

// Exists checks the worktree directory is present on disk.
func (w *Workspace) Exists(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, corerr.Wrap(corerr.IOFailure, "gitworkspace.Exists", err)
	}
	return info.IsDir(), nil
}

// Restore re-derives a WorkspaceInfo for an already-provisioned worktree
// path after process restart; it does not recreate anything on disk.
func (w *Workspace) Restore(ctx context.Context, spec pluginapi.WorkspaceSpec, path string) (pluginapi.WorkspaceInfo, error) {
	exists, err := w.Exists(ctx, path)
	if err != nil {
		return pluginapi.WorkspaceInfo{}, err
	}
	if !exists {
		return pluginapi.WorkspaceInfo{}, corerr.New(corerr.NotFound, "gitworkspace.Restore", "worktree path does not exist: "+path)
	}
	return pluginapi.WorkspaceInfo{Path: path, Branch: spec.Branch, Data: map[string]string{"projectPath": spec.ProjectPath}}, nil
}

// PostCreate symlinks each configured shared path from the project root
// into the new worktree, matching the teacher's per-project symlinks
// config concern (SPEC_FULL.md §6 ProjectConfig.Symlinks).
func (w *Workspace) PostCreate(ctx context.Context, info pluginapi.WorkspaceInfo, projectConfig map[string]any) error {
	raw, ok := projectConfig["symlinks"]
	if !ok {
		return nil
	}
	items, ok := raw.([]string)
	if !ok {
		return nil
	}
	projectPath := info.Data["projectPath"]
	for _, rel := range items {
		src := filepath.Join(projectPath, rel)
		dst := filepath.Join(info.Path, rel)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return corerr.Wrap(corerr.IOFailure, "gitworkspace.PostCreate", err)
		}
		if err := os.Symlink(src, dst); err != nil {
			return corerr.Wrap(corerr.IOFailure, "gitworkspace.PostCreate", err)
		}
	}
	return nil
}

func (w *Workspace) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, w.git(), args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// projectPathFromWorktree asks git inside the worktree for its common dir,
// which resolves back to the main repository's working tree.
func projectPathFromWorktree(path string) (string, error) {
	out, err := exec.Command("git", "-C", path, "rev-parse", "--path-format=absolute", "--git-common-dir").Output()
	if err != nil {
		return "", err
	}
	commonDir := strings.TrimSpace(string(out))
	return filepath.Dir(commonDir), nil
}

var _ pluginapi.Workspace = (*Workspace)(nil)
var _ pluginapi.PostCreateWorkspace = (*Workspace)(nil)

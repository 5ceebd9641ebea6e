// Package identity implements SPEC_FULL.md §4.1: project hashes, the
// on-disk directory layout, and the name-derivation rules the session
// manager and runtime plugins rely on. Every function here is pure and
// side-effect free except EnsureLayout and ValidateAndStoreOrigin, the two
// functions that write to the filesystem.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
)

// sessionIDPattern is the filesystem-safe id pattern from SPEC_FULL.md §3.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidSessionID reports whether id is safe to use in a path.
func ValidSessionID(id string) bool {
	return id != "" && sessionIDPattern.MatchString(id)
}

// RequireValidSessionID returns InvalidInput if id is not filesystem-safe.
// Callers that build a path from a session id (the metadata and plan stores)
// call this before touching the filesystem, matching the session-id-safety
// invariant in §8.
func RequireValidSessionID(op, id string) error {
	if !ValidSessionID(id) {
		return corerr.New(corerr.InvalidInput, op, fmt.Sprintf("invalid session id %q", id))
	}
	return nil
}

// HashOf returns the stable 12-hex-digit hash of a config path. Callers
// must pass the realpath; HashOf itself does no filesystem resolution so it
// stays pure and trivially testable.
func HashOf(realConfigPath string) string {
	sum := sha256.Sum256([]byte(realConfigPath))
	return hex.EncodeToString(sum[:])[:12]
}

// ProjectID derives the `<hash>-<projectId>` identifier for a config path
// and the basename of the project's source directory.
func ProjectID(realConfigPath, sourceDirBasename string) string {
	return fmt.Sprintf("%s-%s", HashOf(realConfigPath), sourceDirBasename)
}

// ProjectBaseDir is $HOME/.agent-orchestrator/<hash>-<projectId>, honoring
// the AGENT_ORCHESTRATOR_HOME override the way the teacher's config layer
// honors LATTICE_ROOT.
func ProjectBaseDir(projectID string) (string, error) {
	root, err := stateRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, projectID), nil
}

func stateRoot() (string, error) {
	if v := os.Getenv("AGENT_ORCHESTRATOR_HOME"); strings.TrimSpace(v) != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", corerr.Wrap(corerr.IOFailure, "identity.stateRoot", err)
	}
	return filepath.Join(home, ".agent-orchestrator"), nil
}

// SessionsDir is <projectBaseDir>/sessions.
func SessionsDir(projectID string) (string, error) {
	base, err := ProjectBaseDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "sessions"), nil
}

// SessionsArchiveDir is <sessionsDir>/archive.
func SessionsArchiveDir(projectID string) (string, error) {
	dir, err := SessionsDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "archive"), nil
}

// PlansDir is <sessionsDir>/plans.
func PlansDir(projectID string) (string, error) {
	dir, err := SessionsDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "plans"), nil
}

// WorktreesDir is <projectBaseDir>/worktrees.
func WorktreesDir(projectID string) (string, error) {
	base, err := ProjectBaseDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "worktrees"), nil
}

// MetricsDir is <projectBaseDir>/metrics.
func MetricsDir(projectID string) (string, error) {
	base, err := ProjectBaseDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "metrics"), nil
}

// OriginFilePath is <projectBaseDir>/.origin.
func OriginFilePath(projectID string) (string, error) {
	base, err := ProjectBaseDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, ".origin"), nil
}

// EnsureLayout eagerly creates the directory tree for a project, mirroring
// config.InitLatticeDir's eager MkdirAll of the fixed directory list.
func EnsureLayout(projectID string) error {
	dirs := []func(string) (string, error){SessionsDir, SessionsArchiveDir, PlansDir, WorktreesDir, MetricsDir}
	for _, fn := range dirs {
		dir, err := fn(projectID)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return corerr.Wrap(corerr.IOFailure, "identity.EnsureLayout", err)
		}
	}
	return nil
}

// SessionName formats <prefix>-<n>.
func SessionName(prefix string, n int) string {
	return fmt.Sprintf("%s-%d", prefix, n)
}

// TmuxName formats <hash>-<prefix>-<n>, the globally-unique runtime handle
// id for filesystem-multiplexer runtimes (SPEC_FULL.md §3, RuntimeHandle).
func TmuxName(realConfigPath, prefix string, n int) string {
	return fmt.Sprintf("%s-%s-%d", HashOf(realConfigPath), prefix, n)
}

var tmuxNamePattern = regexp.MustCompile(`^([0-9a-f]{12})-(.+)-(\d+)$`)

// ParseTmuxName reverses TmuxName, returning (hash, prefix, n, ok).
func ParseTmuxName(name string) (hash, prefix string, n int, ok bool) {
	m := tmuxNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", 0, false
	}
	parsed, err := strconv.Atoi(m[3])
	if err != nil {
		return "", "", 0, false
	}
	return m[1], m[2], parsed, true
}

// DeriveSessionPrefix applies the fixed length/case heuristics from
// SPEC_FULL.md §4.1. These rules are reproducible exactly and must never be
// "improved" — callers rely on the same projectId always yielding the same
// prefix across process restarts.
func DeriveSessionPrefix(projectID string) string {
	id := strings.TrimSpace(projectID)
	if id == "" {
		return ""
	}
	if len(id) <= 4 {
		return strings.ToLower(id)
	}
	if upperCount(id) > 1 {
		var b strings.Builder
		for _, r := range id {
			if r >= 'A' && r <= 'Z' {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			return strings.ToLower(b.String())
		}
	}
	if strings.ContainsAny(id, "-_") {
		segments := strings.FieldsFunc(id, func(r rune) bool { return r == '-' || r == '_' })
		var b strings.Builder
		for _, seg := range segments {
			if seg == "" {
				continue
			}
			b.WriteRune([]rune(seg)[0])
		}
		if b.Len() > 0 {
			return strings.ToLower(b.String())
		}
	}
	if len(id) >= 3 {
		return strings.ToLower(id[:3])
	}
	return strings.ToLower(id)
}

func upperCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			n++
		}
	}
	return n
}

// ValidateAndStoreOrigin writes the realpath of the owning config file to
// .origin on first use, and raises Conflict("Hash collision detected") if
// an existing .origin disagrees — the collision guard from scenario 5 in
// SPEC_FULL.md §8.
func ValidateAndStoreOrigin(projectID, realConfigPath string) error {
	path, err := OriginFilePath(projectID)
	if err != nil {
		return err
	}
	existing, err := os.ReadFile(path)
	if err == nil {
		recorded := strings.TrimSpace(string(existing))
		if recorded != realConfigPath {
			return corerr.New(corerr.Conflict, "identity.ValidateAndStoreOrigin", "Hash collision detected")
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return corerr.Wrap(corerr.IOFailure, "identity.ValidateAndStoreOrigin", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return corerr.Wrap(corerr.IOFailure, "identity.ValidateAndStoreOrigin", err)
	}
	if err := os.WriteFile(path, []byte(realConfigPath+"\n"), 0644); err != nil {
		return corerr.Wrap(corerr.IOFailure, "identity.ValidateAndStoreOrigin", err)
	}
	return nil
}

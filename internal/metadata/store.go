// Package metadata implements SPEC_FULL.md §4.2: the key=value session
// metadata files, one per session, plus the exclusive-create reservation
// primitive the session manager uses to make spawn race-free.
package metadata

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/identity"
)

// keyOrder fixes the write order so diffs of the metadata file stay stable
// across rewrites, matching the teacher's "keys written in a fixed order"
// idiom in logbook/cycle_tracker.
var keyOrder = []string{
	"worktree", "branch", "status", "activity", "tmuxName", "issue", "pr",
	"summary", "project", "agent", "role", "createdAt", "lastActivityAt",
	"runtimeHandle", "dashboardPort", "terminalWsPort", "directTerminalWsPort",
	"planId", "planVersion", "planStatus", "planPath",
	"evidenceSchemaVersion", "evidenceDir", "evidenceCommandLog", "evidenceTestsRun",
	"evidenceChangedPaths", "evidenceKnownRisks",
	"escalationState", "verifierVerdict", "verifierFeedback", "verifierFor", "verifierStatus",
	"evidenceSnapshot",
}

// Store reads and writes session metadata files under a single sessions
// directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir (typically identity.SessionsDir(projectID)).
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, id)
}

// ReserveSessionID attempts to atomically create the metadata file for id,
// defeating the TOCTOU race between "find next free id" and "create". It
// returns (true, nil) on success and (false, nil) if the file already
// exists; any other error is IOFailure.
func (s *Store) ReserveSessionID(id string) (bool, error) {
	if err := identity.RequireValidSessionID("metadata.ReserveSessionID", id); err != nil {
		return false, err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return false, corerr.Wrap(corerr.IOFailure, "metadata.ReserveSessionID", err)
	}
	f, err := os.OpenFile(s.pathFor(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, corerr.Wrap(corerr.IOFailure, "metadata.ReserveSessionID", err)
	}
	defer f.Close()
	return true, nil
}

// WriteMetadata overwrites the file for id with fields, in fixed key order,
// omitting empty values.
func (s *Store) WriteMetadata(id string, fields map[string]string) error {
	if err := identity.RequireValidSessionID("metadata.WriteMetadata", id); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return corerr.Wrap(corerr.IOFailure, "metadata.WriteMetadata", err)
	}
	content := encode(fields)
	if err := os.WriteFile(s.pathFor(id), []byte(content), 0644); err != nil {
		return corerr.Wrap(corerr.IOFailure, "metadata.WriteMetadata", err)
	}
	return nil
}

// UpdateMetadata reads, merges updates into, and rewrites the file. A value
// of "" in updates removes that key.
func (s *Store) UpdateMetadata(id string, updates map[string]string) error {
	if err := identity.RequireValidSessionID("metadata.UpdateMetadata", id); err != nil {
		return err
	}
	current, err := s.ReadMetadataRaw(id)
	if err != nil && corerr.KindOf(err) != corerr.NotFound {
		return err
	}
	if current == nil {
		current = map[string]string{}
	}
	for k, v := range updates {
		if v == "" {
			delete(current, k)
			continue
		}
		current[k] = v
	}
	return s.WriteMetadata(id, current)
}

// ReadMetadataRaw parses the file and returns the raw key=value map with no
// type projection.
func (s *Store) ReadMetadataRaw(id string) (map[string]string, error) {
	if err := identity.RequireValidSessionID("metadata.ReadMetadataRaw", id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, corerr.New(corerr.NotFound, "metadata.ReadMetadataRaw", fmt.Sprintf("session %q not found", id))
		}
		return nil, corerr.Wrap(corerr.IOFailure, "metadata.ReadMetadataRaw", err)
	}
	return parse(data), nil
}

// Session is the typed projection ReadMetadata produces.
type Session struct {
	Raw            map[string]string
	DashboardPort  int
	TerminalWSPort int
	DirectWSPort   int
	PlanVersion    int
	PlanStatus     string
}

var planStatuses = map[string]bool{"draft": true, "validated": true, "superseded": true}

// ReadMetadata parses the file with typed field projection: integer ports,
// integer plan version, and a whitelisted plan status.
func (s *Store) ReadMetadata(id string) (*Session, error) {
	raw, err := s.ReadMetadataRaw(id)
	if err != nil {
		return nil, err
	}
	sess := &Session{Raw: raw}
	sess.DashboardPort = atoiOr(raw["dashboardPort"], 0)
	sess.TerminalWSPort = atoiOr(raw["terminalWsPort"], 0)
	sess.DirectWSPort = atoiOr(raw["directTerminalWsPort"], 0)
	sess.PlanVersion = atoiOr(raw["planVersion"], 0)
	if planStatuses[raw["planStatus"]] {
		sess.PlanStatus = raw["planStatus"]
	}
	return sess, nil
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// DeleteMetadata removes the session's metadata file, optionally archiving
// it first as archive/<id>_<iso-timestamp>.
func (s *Store) DeleteMetadata(id string, archive bool) error {
	if err := identity.RequireValidSessionID("metadata.DeleteMetadata", id); err != nil {
		return err
	}
	if archive {
		data, err := os.ReadFile(s.pathFor(id))
		if err != nil {
			if !os.IsNotExist(err) {
				return corerr.Wrap(corerr.IOFailure, "metadata.DeleteMetadata", err)
			}
		} else {
			archiveDir := filepath.Join(s.dir, "archive")
			if err := os.MkdirAll(archiveDir, 0755); err != nil {
				return corerr.Wrap(corerr.IOFailure, "metadata.DeleteMetadata", err)
			}
			ts := time.Now().UTC().Format("20060102T150405.000000000Z")
			archivePath := filepath.Join(archiveDir, fmt.Sprintf("%s_%s", id, ts))
			if err := os.WriteFile(archivePath, data, 0644); err != nil {
				return corerr.Wrap(corerr.IOFailure, "metadata.DeleteMetadata", err)
			}
		}
	}
	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return corerr.Wrap(corerr.IOFailure, "metadata.DeleteMetadata", err)
	}
	return nil
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ListMetadata scans the sessions directory, excluding "archive", dotfiles,
// and names that don't match the session-id pattern.
func (s *Store) ListMetadata() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, corerr.Wrap(corerr.IOFailure, "metadata.ListMetadata", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == "archive" || strings.HasPrefix(name, ".") {
			continue
		}
		if !namePattern.MatchString(name) {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadArchivedMetadataRaw returns the most recent archived snapshot for id,
// picked by lexicographic max (ISO timestamps sort correctly). The
// character after the "<id>_" separator is required to be a digit, to
// avoid matching an unrelated id that happens to be a prefix of this one.
func (s *Store) ReadArchivedMetadataRaw(id string) (map[string]string, error) {
	if err := identity.RequireValidSessionID("metadata.ReadArchivedMetadataRaw", id); err != nil {
		return nil, err
	}
	archiveDir := filepath.Join(s.dir, "archive")
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, corerr.New(corerr.NotFound, "metadata.ReadArchivedMetadataRaw", "no archives for "+id)
		}
		return nil, corerr.Wrap(corerr.IOFailure, "metadata.ReadArchivedMetadataRaw", err)
	}
	prefix := id + "_"
	var best string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := name[len(prefix):]
		if rest == "" || rest[0] < '0' || rest[0] > '9' {
			continue
		}
		if name > best {
			best = name
		}
	}
	if best == "" {
		return nil, corerr.New(corerr.NotFound, "metadata.ReadArchivedMetadataRaw", "no archives for "+id)
	}
	data, err := os.ReadFile(filepath.Join(archiveDir, best))
	if err != nil {
		return nil, corerr.Wrap(corerr.IOFailure, "metadata.ReadArchivedMetadataRaw", err)
	}
	return parse(data), nil
}

func encode(fields map[string]string) string {
	var b strings.Builder
	written := map[string]bool{}
	for _, k := range keyOrder {
		v, ok := fields[k]
		if !ok || v == "" {
			continue
		}
		fmt.Fprintf(&b, "%s=%s\n", k, v)
		written[k] = true
	}
	// Any keys not in the fixed order (e.g. project-specific extras) are
	// appended afterward, sorted, so output stays deterministic.
	var extra []string
	for k, v := range fields {
		if written[k] || v == "" {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		fmt.Fprintf(&b, "%s=%s\n", k, fields[k])
	}
	return b.String()
}

func parse(data []byte) map[string]string {
	out := map[string]string{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		value := line[idx+1:]
		if key == "" {
			continue
		}
		out[key] = value
	}
	return out
}

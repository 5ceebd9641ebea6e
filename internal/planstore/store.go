// Package planstore implements SPEC_FULL.md §4.3: versioned plan artifacts,
// the single-current-version supersede rule, and path confinement against
// crafted plan ids.
package planstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/identity"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/metadata"
)

// Status is the plan's lifecycle tag.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusValidated  Status = "validated"
	StatusSuperseded Status = "superseded"
)

var validStatuses = map[Status]bool{StatusDraft: true, StatusValidated: true, StatusSuperseded: true}

// Artifact is the on-disk plan document.
type Artifact struct {
	PlanID      string          `json:"planId"`
	PlanVersion int             `json:"planVersion"`
	PlanStatus  Status          `json:"planStatus"`
	PlanPath    string          `json:"planPath"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Blob        json.RawMessage `json:"blob"`
}

// WriteRequest is the input to WritePlanBlob.
type WriteRequest struct {
	PlanID      string
	PlanVersion int
	PlanStatus  Status // defaults to StatusDraft when empty
	Blob        json.RawMessage
}

// Store manages plan artifacts for one project.
type Store struct {
	plansDir string
	meta     *metadata.Store
}

// New returns a Store rooted at the project's plans directory, patching
// session metadata through meta.
func New(projectID string, meta *metadata.Store) (*Store, error) {
	dir, err := identity.PlansDir(projectID)
	if err != nil {
		return nil, err
	}
	return &Store{plansDir: dir, meta: meta}, nil
}

// resolvePath builds plans/<sessionId>/<planId>.v<n>.json and verifies the
// result resolves inside plansDir, rejecting traversal from a crafted
// planId with InvalidPlanPath (modeled here as InvalidInput).
func (s *Store) resolvePath(sessionID, planID string, version int) (string, error) {
	if err := identity.RequireValidSessionID("planstore.resolvePath", sessionID); err != nil {
		return "", err
	}
	if planID == "" || strings.ContainsAny(planID, "/\\") {
		return "", corerr.New(corerr.InvalidInput, "planstore.resolvePath", fmt.Sprintf("invalid plan id %q", planID))
	}
	if version <= 0 {
		return "", corerr.New(corerr.InvalidInput, "planstore.resolvePath", fmt.Sprintf("invalid plan version %d", version))
	}
	rel := filepath.Join(sessionID, fmt.Sprintf("%s.v%d.json", planID, version))
	full := filepath.Join(s.plansDir, rel)

	base, err := filepath.Abs(s.plansDir)
	if err != nil {
		return "", corerr.Wrap(corerr.IOFailure, "planstore.resolvePath", err)
	}
	resolved, err := filepath.Abs(full)
	if err != nil {
		return "", corerr.Wrap(corerr.IOFailure, "planstore.resolvePath", err)
	}
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", corerr.New(corerr.InvalidInput, "planstore.resolvePath", "resolved plan path escapes plans directory")
	}
	return resolved, nil
}

// WritePlanBlob implements the write algorithm in SPEC_FULL.md §4.3: it
// supersedes the session's previously-current plan (if any, and if it
// differs by path/id/version), preserves createdAt across rewrites at the
// same path, and patches session metadata to point at the new artifact.
func (s *Store) WritePlanBlob(sessionID string, req WriteRequest) (*Artifact, error) {
	status := req.PlanStatus
	if status == "" {
		status = StatusDraft
	}
	if !validStatuses[status] {
		return nil, corerr.New(corerr.InvalidInput, "planstore.WritePlanBlob", fmt.Sprintf("invalid plan status %q", status))
	}
	newPath, err := s.resolvePath(sessionID, req.PlanID, req.PlanVersion)
	if err != nil {
		return nil, err
	}

	sessMeta, err := s.meta.ReadMetadataRaw(sessionID)
	if err != nil && corerr.KindOf(err) != corerr.NotFound {
		return nil, err
	}

	if sessMeta != nil {
		curPlanID := sessMeta["planId"]
		curPath := sessMeta["planPath"]
		curStatus := Status(sessMeta["planStatus"])
		differs := curPlanID != req.PlanID || curPath != newPath
		if curPlanID != "" && curStatus != StatusSuperseded && differs {
			if err := s.supersede(curPath); err != nil {
				return nil, err
			}
		}
	}

	now := time.Now().UTC()
	createdAt := now
	if existing, err := s.readAt(newPath); err == nil {
		createdAt = existing.CreatedAt
	}

	artifact := &Artifact{
		PlanID:      req.PlanID,
		PlanVersion: req.PlanVersion,
		PlanStatus:  status,
		PlanPath:    newPath,
		CreatedAt:   createdAt,
		UpdatedAt:   now,
		Blob:        req.Blob,
	}
	if err := s.writeAt(newPath, artifact); err != nil {
		return nil, err
	}

	if err := s.meta.UpdateMetadata(sessionID, map[string]string{
		"planId":      artifact.PlanID,
		"planVersion": fmt.Sprint(artifact.PlanVersion),
		"planStatus":  string(artifact.PlanStatus),
		"planPath":    artifact.PlanPath,
	}); err != nil {
		return nil, err
	}
	return artifact, nil
}

func (s *Store) supersede(path string) error {
	art, err := s.readAt(path)
	if err != nil {
		if corerr.KindOf(err) == corerr.NotFound {
			return nil
		}
		return err
	}
	art.PlanStatus = StatusSuperseded
	art.UpdatedAt = time.Now().UTC()
	return s.writeAt(path, art)
}

// ReadPlanBlob resolves and reads the session's current artifact via its
// metadata.
func (s *Store) ReadPlanBlob(sessionID string) (*Artifact, error) {
	sessMeta, err := s.meta.ReadMetadataRaw(sessionID)
	if err != nil {
		return nil, err
	}
	path := sessMeta["planPath"]
	if path == "" {
		return nil, corerr.New(corerr.NotFound, "planstore.ReadPlanBlob", "session has no current plan")
	}
	return s.readAt(path)
}

// UpdatePlanStatus mutates both the artifact and the session metadata.
func (s *Store) UpdatePlanStatus(sessionID string, status Status) error {
	if !validStatuses[status] {
		return corerr.New(corerr.InvalidInput, "planstore.UpdatePlanStatus", fmt.Sprintf("invalid plan status %q", status))
	}
	art, err := s.ReadPlanBlob(sessionID)
	if err != nil {
		return err
	}
	art.PlanStatus = status
	art.UpdatedAt = time.Now().UTC()
	if err := s.writeAt(art.PlanPath, art); err != nil {
		return err
	}
	return s.meta.UpdateMetadata(sessionID, map[string]string{"planStatus": string(status)})
}

func (s *Store) readAt(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, corerr.New(corerr.NotFound, "planstore.readAt", "no plan artifact at "+path)
		}
		return nil, corerr.Wrap(corerr.IOFailure, "planstore.readAt", err)
	}
	var art Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, corerr.Wrap(corerr.IOFailure, "planstore.readAt", err)
	}
	return &art, nil
}

func (s *Store) writeAt(path string, art *Artifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return corerr.Wrap(corerr.IOFailure, "planstore.writeAt", err)
	}
	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return corerr.Wrap(corerr.IOFailure, "planstore.writeAt", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return corerr.Wrap(corerr.IOFailure, "planstore.writeAt", err)
	}
	return nil
}

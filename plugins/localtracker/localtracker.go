// Package localtracker implements the pluginapi.Tracker contract against
// a directory of local issue files, for projects with no external issue
// tracker. Issue files reuse the metadata package's key=value format
// (internal/metadata/store.go's parse/encode), and prompt rendering reuses
// plugins/skill_module.go's renderPrompt text/template idiom.
package localtracker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
)

// Tracker resolves opaque issue ids against plain-text issue files under
// Dir/<id>. PromptTemplate renders the per-issue coding prompt; BaseURL, if
// set, composes the issue's URL as BaseURL + "/" + id.
type Tracker struct {
	Dir            string
	BaseURL        string
	PromptTemplate string
	BranchPrefix   string
}

// New returns a Tracker rooted at dir, with the default prompt template.
func New(dir string) *Tracker {
	return &Tracker{
		Dir:          dir,
		BranchPrefix: "issue",
		PromptTemplate: "Work on {{.id}}: {{.title}}\n\n{{.description}}\n",
	}
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func (t *Tracker) pathFor(id string) (string, error) {
	if !idPattern.MatchString(id) {
		return "", corerr.New(corerr.InvalidInput, "localtracker.pathFor", "invalid issue id: "+id)
	}
	return filepath.Join(t.Dir, id), nil
}

// GetIssue reads and parses the issue file for id into a generic map, the
// same key=value shape the metadata store uses.
func (t *Tracker) GetIssue(ctx context.Context, id string) (map[string]any, error) {
	path, err := t.pathFor(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, corerr.New(corerr.NotFound, "localtracker.GetIssue", "no such issue: "+id)
		}
		return nil, corerr.Wrap(corerr.IOFailure, "localtracker.GetIssue", err)
	}
	fields := parse(data)
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["id"] = id
	return out, nil
}

// IssueURL joins BaseURL (trailing slashes trimmed) and id with a single
// "/", or returns "" if no BaseURL is configured (local
// issues with no external tracker have no browsable URL).
func (t *Tracker) IssueURL(id string) string {
	if t.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(t.BaseURL, "/") + "/" + id
}

// BranchName derives a branch name from BranchPrefix and the sanitized
// issue id.
func (t *Tracker) BranchName(id string) string {
	prefix := t.BranchPrefix
	if prefix == "" {
		prefix = "issue"
	}
	return fmt.Sprintf("%s/%s", prefix, sanitizeBranchSegment(id))
}

func sanitizeBranchSegment(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// GeneratePrompt renders PromptTemplate against the issue's fields merged
// with project, the way skill_module.go's renderPrompt merges session and
// project data bags before executing a text/template.
func (t *Tracker) GeneratePrompt(ctx context.Context, id string, project map[string]any) (string, error) {
	issue, err := t.GetIssue(ctx, id)
	if err != nil {
		return "", err
	}
	data := make(map[string]any, len(issue)+len(project))
	for k, v := range project {
		data[k] = v
	}
	for k, v := range issue {
		data[k] = v
	}
	tmpl, err := template.New("prompt").Parse(t.PromptTemplate)
	if err != nil {
		return "", corerr.Wrap(corerr.InvalidInput, "localtracker.GeneratePrompt", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", corerr.Wrap(corerr.InvalidInput, "localtracker.GeneratePrompt", err)
	}
	return buf.String(), nil
}

// List returns issue ids present under Dir, sorted for deterministic output.
func (t *Tracker) List() ([]string, error) {
	entries, err := os.ReadDir(t.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, corerr.Wrap(corerr.IOFailure, "localtracker.List", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

var _ pluginapi.Tracker = (*Tracker)(nil)

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

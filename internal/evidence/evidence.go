// Package evidence implements SPEC_FULL.md §4.8: the four-file evidence
// bundle a completing worker writes under
// <workspace>/.ao/evidence/<sessionId>/, the change-detection precondition
// the lifecycle manager needs before re-running verification, and the
// reaction-message builder that turns CI checks, review comments, and
// runtime output into the payload sent back to a stuck worker.
//
// Grounded on internal/artifact/types.go's Metadata.WithDefaults/ValidateFor
// pattern for the bundle's schema-version/shape checks, and on
// plugins/skill_module.go's text/template prompt-rendering path for
// composing the final structured message.
package evidence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
)

const schemaVersion = "1"

// Dir returns the evidence directory for a session's workspace.
func Dir(workspacePath, sessionID string) string {
	return filepath.Join(workspacePath, ".ao", "evidence", sessionID)
}

const (
	commandLogFile   = "command-log.json"
	testsRunFile     = "tests-run.json"
	changedPathsFile = "changed-paths.json"
	knownRisksFile   = "known-risks.json"
)

// CommandEntry is one recorded command invocation.
type CommandEntry struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output,omitempty"`
}

// CommandLog is command-log.json's shape.
type CommandLog struct {
	SchemaVersion string         `json:"schemaVersion"`
	Complete      bool           `json:"complete"`
	Entries       []CommandEntry `json:"entries"`
}

// TestResult is one test-run outcome.
type TestResult struct {
	Command string `json:"command"`
	Status  string `json:"status"` // passed | failed | skipped
}

// TestsRun is tests-run.json's shape.
type TestsRun struct {
	SchemaVersion string       `json:"schemaVersion"`
	Tests         []TestResult `json:"tests"`
}

// ChangedPaths is changed-paths.json's shape.
type ChangedPaths struct {
	SchemaVersion string   `json:"schemaVersion"`
	Paths         []string `json:"paths"`
}

// KnownRisks is known-risks.json's shape.
type KnownRisks struct {
	SchemaVersion string   `json:"schemaVersion"`
	Risks         []string `json:"risks"`
}

// Bundle is the fully parsed evidence bundle for one session.
type Bundle struct {
	Dir          string
	CommandLog   CommandLog
	TestsRun     TestsRun
	ChangedPaths ChangedPaths
	KnownRisks   KnownRisks
}

// MetadataFields returns the session-metadata keys SPEC_FULL.md §4.8 names
// (evidenceSchemaVersion, evidenceDir, evidenceCommandLog, ...), ready to
// merge into a session's metadata record.
func MetadataFields(dir string) map[string]string {
	return map[string]string{
		"evidenceSchemaVersion": schemaVersion,
		"evidenceDir":           dir,
		"evidenceCommandLog":    filepath.Join(dir, commandLogFile),
		"evidenceTestsRun":      filepath.Join(dir, testsRunFile),
		"evidenceChangedPaths":  filepath.Join(dir, changedPathsFile),
		"evidenceKnownRisks":    filepath.Join(dir, knownRisksFile),
	}
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return corerr.Wrap(corerr.IOFailure, "evidence.readJSON", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return corerr.Wrapf(corerr.ContractViolation, "evidence.readJSON", err, "malformed evidence file %s", path)
	}
	return nil
}

// ReadBundle reads all four files, treating a missing file as empty rather
// than an error (a worker may still be writing the bundle).
func ReadBundle(dir string) (*Bundle, error) {
	b := &Bundle{Dir: dir}
	if err := readJSON(filepath.Join(dir, commandLogFile), &b.CommandLog); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, testsRunFile), &b.TestsRun); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, changedPathsFile), &b.ChangedPaths); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, knownRisksFile), &b.KnownRisks); err != nil {
		return nil, err
	}
	return b, nil
}

// Complete reports whether the bundle is a finished submission: the
// command log declares itself complete and carries the fixed schema
// version every file is expected to share.
func (b *Bundle) Complete() bool {
	return b.CommandLog.Complete && b.CommandLog.SchemaVersion == schemaVersion
}

// Snapshot is the sha256 digest fingerprint recorded at the time a verifier
// last examined a bundle, used to detect whether re-verification is due.
type Snapshot struct {
	Digests map[string]string
}

// TakeSnapshot digests the four evidence files' current bytes. A missing file
// digests to an empty string so its absence is still part of the
// fingerprint.
func TakeSnapshot(dir string) (Snapshot, error) {
	snap := Snapshot{Digests: map[string]string{}}
	for _, name := range []string{commandLogFile, testsRunFile, changedPathsFile, knownRisksFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				snap.Digests[name] = ""
				continue
			}
			return Snapshot{}, corerr.Wrap(corerr.IOFailure, "evidence.TakeSnapshot", err)
		}
		sum := sha256.Sum256(data)
		snap.Digests[name] = hex.EncodeToString(sum[:])
	}
	return snap, nil
}

// Encode serializes a Snapshot to a flat string suitable for a metadata
// field, one "file=digest" pair per evidence file, semicolon-separated.
func (s Snapshot) Encode() string {
	names := []string{commandLogFile, testsRunFile, changedPathsFile, knownRisksFile}
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+s.Digests[name])
	}
	return strings.Join(parts, ";")
}

// DecodeSnapshot parses the string Encode produces.
func DecodeSnapshot(raw string) (Snapshot, error) {
	snap := Snapshot{Digests: map[string]string{}}
	if strings.TrimSpace(raw) == "" {
		return snap, corerr.New(corerr.InvalidInput, "evidence.DecodeSnapshot", "empty snapshot")
	}
	for _, part := range strings.Split(raw, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return Snapshot{}, corerr.New(corerr.InvalidInput, "evidence.DecodeSnapshot", "malformed snapshot entry "+part)
		}
		snap.Digests[kv[0]] = kv[1]
	}
	return snap, nil
}

// Changed reports whether dir's current contents differ from prior,
// the precondition SPEC_FULL.md §4.10 requires before a verifier_failed
// worker re-enters verifier_pending.
func Changed(prior Snapshot, dir string) (bool, error) {
	current, err := TakeSnapshot(dir)
	if err != nil {
		return false, err
	}
	if len(prior.Digests) == 0 {
		return true, nil
	}
	for name, digest := range current.Digests {
		if prior.Digests[name] != digest {
			return true, nil
		}
	}
	return false, nil
}

// MessageInputs is everything the reaction-message builder may draw from.
// Any field may be zero-valued; SCM fetch failures should simply omit
// CIChecks/Comments/AutomatedFindings rather than populating them, and
// FallbackMessage is what gets returned verbatim if BuildReactionMessage
// itself cannot assemble a structured message.
type MessageInputs struct {
	Summary           string
	CIChecks          []pluginapi.CICheck
	Comments          []pluginapi.ReviewComment
	AutomatedFindings []pluginapi.ReviewComment
	RuntimeOutput     string
	FallbackMessage   string
}

const (
	maxCIChecks     = 4
	maxComments     = 3
	commentTruncate = 160
	messageMaxLen   = 2400
	outputTailLines = 80
	outputTailChars = 320
)

// BuildReactionMessage renders the stable structure SPEC_FULL.md §4.8
// names: one-line summary, failing-checks list, comments list, numbered
// fix steps, optional terminal-output tail. It never returns an error —
// any rendering problem falls back to inputs.FallbackMessage.
func BuildReactionMessage(inputs MessageInputs) string {
	msg, err := renderMessage(inputs)
	if err != nil || strings.TrimSpace(msg) == "" {
		return inputs.FallbackMessage
	}
	return msg
}

const messageTemplate = `{{.Summary}}
{{- if .FailingChecks}}

Failing checks:
{{- range .FailingChecks}}
- {{.Name}}{{if .URL}} ({{.URL}}){{end}}
{{- end}}
{{- end}}
{{- if .Comments}}

Review comments:
{{- range .Comments}}
- [{{.Severity}}] {{.Author}}: {{.Body}}
{{- end}}
{{- end}}
{{- if .FixSteps}}

Suggested next steps:
{{- range $i, $step := .FixSteps}}
{{add1 $i}}. {{$step}}
{{- end}}
{{- end}}
{{- if .OutputTail}}

----
{{.OutputTail}}
{{- end}}
`

func renderMessage(inputs MessageInputs) (string, error) {
	failing := failingChecks(inputs.CIChecks)
	comments := rankedComments(inputs)
	data := struct {
		Summary       string
		FailingChecks []pluginapi.CICheck
		Comments      []pluginapi.ReviewComment
		FixSteps      []string
		OutputTail    string
	}{
		Summary:       strings.TrimSpace(inputs.Summary),
		FailingChecks: failing,
		Comments:      comments,
		FixSteps:      fixSteps(failing, comments),
		OutputTail:    outputTail(inputs.RuntimeOutput),
	}
	if data.Summary == "" {
		return "", corerr.New(corerr.InvalidInput, "evidence.renderMessage", "summary is required")
	}
	tmpl, err := template.New("reaction_message").Funcs(template.FuncMap{
		"add1": func(i int) int { return i + 1 },
	}).Parse(messageTemplate)
	if err != nil {
		return "", corerr.Wrap(corerr.IOFailure, "evidence.renderMessage", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", corerr.Wrap(corerr.IOFailure, "evidence.renderMessage", err)
	}
	return truncate(strings.TrimSpace(buf.String()), messageMaxLen), nil
}

func failingChecks(checks []pluginapi.CICheck) []pluginapi.CICheck {
	var out []pluginapi.CICheck
	for _, c := range checks {
		if c.Status == "failed" {
			out = append(out, c)
		}
	}
	if len(out) > maxCIChecks {
		out = out[:maxCIChecks]
	}
	return out
}

func rankedComments(inputs MessageInputs) []pluginapi.ReviewComment {
	combined := append([]pluginapi.ReviewComment(nil), inputs.Comments...)
	combined = append(combined, inputs.AutomatedFindings...)
	sort.SliceStable(combined, func(i, j int) bool {
		return severityRank(combined[i].Severity) > severityRank(combined[j].Severity)
	})
	if len(combined) > maxComments {
		combined = combined[:maxComments]
	}
	for i := range combined {
		combined[i].Body = truncate(strings.TrimSpace(combined[i].Body), commentTruncate)
	}
	return combined
}

func severityRank(sev string) int {
	switch sev {
	case "critical":
		return 3
	case "high":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}

func fixSteps(checks []pluginapi.CICheck, comments []pluginapi.ReviewComment) []string {
	var steps []string
	for _, c := range checks {
		steps = append(steps, fmt.Sprintf("Fix failing check %q", c.Name))
	}
	for _, c := range comments {
		steps = append(steps, fmt.Sprintf("Address %s's comment: %s", c.Author, c.Body))
	}
	return steps
}

func outputTail(output string) string {
	if strings.TrimSpace(output) == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > outputTailLines {
		lines = lines[len(lines)-outputTailLines:]
	}
	tail := strings.Join(lines, "\n")
	if len(tail) > outputTailChars {
		tail = tail[len(tail)-outputTailChars:]
	}
	return tail
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

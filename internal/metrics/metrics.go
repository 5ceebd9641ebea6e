// Package metrics implements SPEC_FULL.md §4.9: the append-only outcome
// transitions log and the retrospective analysis derived from it.
// Grounded on orchestrator/cycle_tracker.go's JSON-record read/write idiom,
// generalized from rewrite-whole-file to append-one-line-per-call the way
// obslog.Logbook.Append opens its file O_APPEND.
package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/identity"
)

// terminalStatuses and failureStatuses mirror SPEC_FULL.md §4.9 exactly.
var terminalStatuses = map[string]bool{
	"merged": true, "cleanup": true, "done": true, "terminated": true, "killed": true, "errored": true,
}

var failureStatuses = map[string]bool{
	"ci_failed": true, "changes_requested": true, "stuck": true, "errored": true,
}

const logFileName = "outcome-transitions.jsonl"

// Transition is one recorded status change.
type Transition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	SessionID string    `json:"sessionId"`
	TaskID    string    `json:"taskId"`
	PlanID    string    `json:"planId"`
	IssueID   string    `json:"issueId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Log appends outcome transitions for one project's metrics directory.
type Log struct {
	dir string
}

// New returns a Log rooted at identity.MetricsDir(projectID).
func New(projectID string) (*Log, error) {
	dir, err := identity.MetricsDir(projectID)
	if err != nil {
		return nil, err
	}
	return &Log{dir: dir}, nil
}

func (l *Log) path() string { return filepath.Join(l.dir, logFileName) }

// RecordTransition appends one JSON line. taskId defaults to issueId then
// sessionId; planId defaults to "default"; timestamp defaults to now.
func (l *Log) RecordTransition(t Transition) error {
	if t.TaskID == "" {
		t.TaskID = t.IssueID
	}
	if t.TaskID == "" {
		t.TaskID = t.SessionID
	}
	if t.PlanID == "" {
		t.PlanID = "default"
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return corerr.Wrap(corerr.IOFailure, "metrics.RecordTransition", err)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return corerr.Wrap(corerr.IOFailure, "metrics.RecordTransition", err)
	}
	f, err := os.OpenFile(l.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return corerr.Wrap(corerr.IOFailure, "metrics.RecordTransition", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return corerr.Wrap(corerr.IOFailure, "metrics.RecordTransition", err)
	}
	return nil
}

// Query filters the scan in GetSummary/GenerateRetrospective.
type Query struct {
	PlanID string
	TaskID string
	Since  time.Time
	Until  time.Time
}

func (q Query) matches(t Transition) bool {
	if q.PlanID != "" && t.PlanID != q.PlanID {
		return false
	}
	if q.TaskID != "" && t.TaskID != q.TaskID {
		return false
	}
	if !q.Since.IsZero() && t.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && t.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// scan reads the log leniently, skipping malformed lines, and sorts by
// timestamp ascending.
func (l *Log) scan(q Query) ([]Transition, error) {
	f, err := os.Open(l.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, corerr.Wrap(corerr.IOFailure, "metrics.scan", err)
	}
	defer f.Close()
	var out []Transition
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var t Transition
		if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
			continue
		}
		if q.matches(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// TaskSummary is the per-task derivation in SPEC_FULL.md §4.9.
type TaskSummary struct {
	TaskID           string
	Transitions      int
	Retries          int
	ReopenCount      int
	FailureSignals   int
	StartedAt        time.Time
	CompletedAt      time.Time
	CycleTimeMs      int64
	FirstPassSuccess bool
}

// PlanSummary is the per-plan aggregate.
type PlanSummary struct {
	PlanID             string
	FirstPassRate      float64
	AverageRetries     float64
	AverageCycleTimeMs float64
	ReopenRate         float64
}

// Summary bundles per-task and per-plan derivations for one query.
type Summary struct {
	Tasks map[string]*TaskSummary
	Plans map[string]*PlanSummary
}

// GetSummary scans all matching transitions and derives task/plan stats.
func (l *Log) GetSummary(q Query) (*Summary, error) {
	transitions, err := l.scan(q)
	if err != nil {
		return nil, err
	}
	tasks := map[string]*TaskSummary{}
	planOfTask := map[string]string{}
	wasFailure := map[string]bool{}
	for _, t := range transitions {
		ts, ok := tasks[t.TaskID]
		if !ok {
			ts = &TaskSummary{TaskID: t.TaskID}
			tasks[t.TaskID] = ts
		}
		planOfTask[t.TaskID] = t.PlanID
		ts.Transitions++
		if ts.StartedAt.IsZero() || t.Timestamp.Before(ts.StartedAt) {
			ts.StartedAt = t.Timestamp
		}
		if failureStatuses[t.From] && !failureStatuses[t.To] {
			ts.Retries++
		}
		if terminalStatuses[t.From] && !terminalStatuses[t.To] {
			ts.ReopenCount++
		}
		if failureStatuses[t.To] {
			ts.FailureSignals++
		}
		if terminalStatuses[t.To] && ts.CompletedAt.IsZero() {
			ts.CompletedAt = t.Timestamp
		}
		wasFailure[t.TaskID] = wasFailure[t.TaskID] || failureStatuses[t.To]
	}
	for _, ts := range tasks {
		if !ts.CompletedAt.IsZero() && !ts.StartedAt.IsZero() {
			ts.CycleTimeMs = ts.CompletedAt.Sub(ts.StartedAt).Milliseconds()
		}
		ts.FirstPassSuccess = !ts.CompletedAt.IsZero() && ts.Retries == 0 && ts.ReopenCount == 0 && ts.FailureSignals == 0
	}

	plans := map[string]*PlanSummary{}
	planTaskIDs := map[string][]string{}
	for taskID, planID := range planOfTask {
		planTaskIDs[planID] = append(planTaskIDs[planID], taskID)
	}
	for planID, taskIDs := range planTaskIDs {
		var firstPass, retriesSum, cycleSum, reopenSum float64
		var completedCount int
		for _, taskID := range taskIDs {
			ts := tasks[taskID]
			retriesSum += float64(ts.Retries)
			reopenSum += float64(ts.ReopenCount)
			if ts.FirstPassSuccess {
				firstPass++
			}
			if !ts.CompletedAt.IsZero() {
				cycleSum += float64(ts.CycleTimeMs)
				completedCount++
			}
		}
		n := float64(len(taskIDs))
		ps := &PlanSummary{PlanID: planID}
		if n > 0 {
			ps.FirstPassRate = firstPass / n
			ps.AverageRetries = retriesSum / n
			ps.ReopenRate = reopenSum / n
		}
		if completedCount > 0 {
			ps.AverageCycleTimeMs = cycleSum / float64(completedCount)
		}
		plans[planID] = ps
	}
	return &Summary{Tasks: tasks, Plans: plans}, nil
}

// Finding is one pattern classification emitted by GenerateRetrospective.
type Finding struct {
	TaskID         string
	Pattern        string // retry_churn | reopened_work | long_cycle_time | incomplete_work
	Severity       string
	Recommendation string
}

// GenerateRetrospective classifies tasks into the four patterns SPEC_FULL.md
// §4.9 names, using the 75th-percentile cycle time across completed tasks
// as the long_cycle_time cutoff.
func (l *Log) GenerateRetrospective(q Query) ([]Finding, error) {
	summary, err := l.GetSummary(q)
	if err != nil {
		return nil, err
	}
	var cycleTimes []int64
	for _, ts := range summary.Tasks {
		if !ts.CompletedAt.IsZero() {
			cycleTimes = append(cycleTimes, ts.CycleTimeMs)
		}
	}
	p75 := percentile75(cycleTimes)

	var findings []Finding
	taskIDs := make([]string, 0, len(summary.Tasks))
	for id := range summary.Tasks {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	for _, id := range taskIDs {
		ts := summary.Tasks[id]
		switch {
		case ts.Retries >= 3:
			findings = append(findings, Finding{TaskID: id, Pattern: "retry_churn", Severity: "high",
				Recommendation: "Review the reaction prompts sent to this task; repeated auto-retries usually mean the agent needs a clearer fix instruction."})
		case ts.ReopenCount >= 1:
			findings = append(findings, Finding{TaskID: id, Pattern: "reopened_work", Severity: "medium",
				Recommendation: "A completed task reopened after merge/done; check whether the verifier or CI gate was too lenient."})
		case p75 > 0 && ts.CycleTimeMs > p75:
			findings = append(findings, Finding{TaskID: id, Pattern: "long_cycle_time", Severity: "low",
				Recommendation: "This task's cycle time is above the 75th percentile; consider splitting the work or adding guidance up front."})
		case ts.CompletedAt.IsZero():
			findings = append(findings, Finding{TaskID: id, Pattern: "incomplete_work", Severity: "medium",
				Recommendation: "Task has no terminal transition yet; confirm the session is still active or needs manual intervention."})
		}
	}
	return findings, nil
}

func percentile75(values []int64) int64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * 3) / 4
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

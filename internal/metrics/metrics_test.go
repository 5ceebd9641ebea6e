package metrics

import (
	"os"
	"testing"
	"time"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	return &Log{dir: t.TempDir()}
}

func TestRecordTransitionDefaultsTaskAndPlan(t *testing.T) {
	l := newTestLog(t)
	if err := l.RecordTransition(Transition{From: "working", To: "pr_open", SessionID: "demo-1", IssueID: "#7"}); err != nil {
		t.Fatalf("RecordTransition: %v", err)
	}
	transitions, err := l.scan(Query{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(transitions) != 1 || transitions[0].TaskID != "#7" || transitions[0].PlanID != "default" {
		t.Fatalf("got %+v", transitions)
	}
}

func TestScanSkipsMalformedLines(t *testing.T) {
	l := newTestLog(t)
	if err := l.RecordTransition(Transition{From: "working", To: "pr_open", SessionID: "demo-1", TaskID: "t1"}); err != nil {
		t.Fatal(err)
	}
	f, err := os.OpenFile(l.path(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("not json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	transitions, err := l.scan(Query{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(transitions) != 1 {
		t.Fatalf("expected malformed line skipped, got %d", len(transitions))
	}
}

func TestGetSummaryDerivesFirstPassSuccess(t *testing.T) {
	l := newTestLog(t)
	base := time.Now().UTC().Add(-time.Hour)
	rec := func(from, to string, offset time.Duration) {
		if err := l.RecordTransition(Transition{From: from, To: to, SessionID: "s1", TaskID: "t1", PlanID: "p1", Timestamp: base.Add(offset)}); err != nil {
			t.Fatal(err)
		}
	}
	rec("", "spawning", 0)
	rec("spawning", "working", time.Minute)
	rec("working", "merged", 2*time.Minute)

	summary, err := l.GetSummary(Query{})
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	ts := summary.Tasks["t1"]
	if ts == nil {
		t.Fatal("expected task t1")
	}
	if !ts.FirstPassSuccess {
		t.Fatalf("expected first-pass success, got %+v", ts)
	}
	if ts.CycleTimeMs <= 0 {
		t.Fatalf("expected positive cycle time, got %d", ts.CycleTimeMs)
	}
	plan := summary.Plans["p1"]
	if plan == nil || plan.FirstPassRate != 1.0 {
		t.Fatalf("got plan %+v", plan)
	}
}

func TestGetSummaryCountsRetriesAndReopens(t *testing.T) {
	l := newTestLog(t)
	base := time.Now().UTC().Add(-time.Hour)
	rec := func(from, to string, offset time.Duration) {
		if err := l.RecordTransition(Transition{From: from, To: to, SessionID: "s2", TaskID: "t2", PlanID: "p1", Timestamp: base.Add(offset)}); err != nil {
			t.Fatal(err)
		}
	}
	rec("", "working", 0)
	rec("working", "ci_failed", time.Minute)
	rec("ci_failed", "pr_open", 2*time.Minute)
	rec("pr_open", "merged", 3*time.Minute)
	rec("merged", "working", 4*time.Minute)

	summary, err := l.GetSummary(Query{})
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	ts := summary.Tasks["t2"]
	if ts.Retries != 1 {
		t.Fatalf("expected 1 retry, got %d", ts.Retries)
	}
	if ts.ReopenCount != 1 {
		t.Fatalf("expected 1 reopen, got %d", ts.ReopenCount)
	}
	if ts.FirstPassSuccess {
		t.Fatal("expected not first-pass success given a retry")
	}
}

func TestGenerateRetrospectiveFlagsRetryChurn(t *testing.T) {
	l := newTestLog(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		if err := l.RecordTransition(Transition{From: "working", To: "ci_failed", SessionID: "s3", TaskID: "t3", PlanID: "p1", Timestamp: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
		if err := l.RecordTransition(Transition{From: "ci_failed", To: "pr_open", SessionID: "s3", TaskID: "t3", PlanID: "p1", Timestamp: base.Add(time.Duration(i)*time.Minute + 30*time.Second)}); err != nil {
			t.Fatal(err)
		}
	}
	findings, err := l.GenerateRetrospective(Query{})
	if err != nil {
		t.Fatalf("GenerateRetrospective: %v", err)
	}
	found := false
	for _, f := range findings {
		if f.TaskID == "t3" && f.Pattern == "retry_churn" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected retry_churn finding, got %+v", findings)
	}
}

package localtracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
)

func writeIssue(t *testing.T, dir, id, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, id), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestGetIssueParsesFields(t *testing.T) {
	dir := t.TempDir()
	writeIssue(t, dir, "ORCH-1", "title=Fix flaky scheduler\ndescription=Tasks race on ready queue\n")
	tr := New(dir)
	issue, err := tr.GetIssue(context.Background(), "ORCH-1")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if issue["title"] != "Fix flaky scheduler" || issue["id"] != "ORCH-1" {
		t.Fatalf("got %+v", issue)
	}
}

func TestGetIssueNotFound(t *testing.T) {
	tr := New(t.TempDir())
	_, err := tr.GetIssue(context.Background(), "missing")
	if corerr.KindOf(err) != corerr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestIssueURLEmptyWithoutBaseURL(t *testing.T) {
	tr := New(t.TempDir())
	if got := tr.IssueURL("ORCH-1"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
	tr.BaseURL = "https://tracker.example.com/issues"
	if got := tr.IssueURL("ORCH-1"); got != "https://tracker.example.com/issues/ORCH-1" {
		t.Fatalf("got %q", got)
	}
}

func TestBranchNameSanitizes(t *testing.T) {
	tr := New(t.TempDir())
	if got := tr.BranchName("ORCH 1/Fix Bug"); got != "issue/orch-1-fix-bug" {
		t.Fatalf("got %q", got)
	}
}

func TestGeneratePromptMergesIssueAndProject(t *testing.T) {
	dir := t.TempDir()
	writeIssue(t, dir, "ORCH-2", "title=Add retry backoff\ndescription=Retries should use jitter\n")
	tr := New(dir)
	prompt, err := tr.GeneratePrompt(context.Background(), "ORCH-2", map[string]any{"repoName": "agent-orchestrator"})
	if err != nil {
		t.Fatalf("GeneratePrompt: %v", err)
	}
	want := "Work on ORCH-2: Add retry backoff\n\nRetries should use jitter\n"
	if prompt != want {
		t.Fatalf("got %q, want %q", prompt, want)
	}
}

func TestListSortsIDs(t *testing.T) {
	dir := t.TempDir()
	writeIssue(t, dir, "ORCH-2", "title=b\n")
	writeIssue(t, dir, "ORCH-1", "title=a\n")
	tr := New(dir)
	ids, err := tr.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 || ids[0] != "ORCH-1" || ids[1] != "ORCH-2" {
		t.Fatalf("got %v", ids)
	}
}

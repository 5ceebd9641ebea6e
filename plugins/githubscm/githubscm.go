// Package githubscm implements the pluginapi.SCM contract against the
// GitHub REST API. No pack repo ships a GitHub REST client; this hand-rolls
// one over net/http + encoding/json (justified in DESIGN.md), authenticated
// with golang.org/x/oauth2's static token source the way jordigilh-kubernaut
// wires OAuth2 clients for its external API calls.
package githubscm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/oauth2"

	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/corerr"
	"github.com/vivekgoquest/agent-orchestrator-sub002/internal/pluginapi"
)

// SCM talks to the GitHub REST API for one token's worth of auth. SessionPR
// resolves a session id to owner/repo/number; callers (session manager or
// lifecycle manager) supply it since PR<->session association is tracked in
// session metadata, outside this plugin's concern.
type SCM struct {
	BaseURL    string // defaults to https://api.github.com
	HTTPClient *http.Client
	SessionPR  func(sessionID string) (*pluginapi.PRRef, bool)
}

// New builds an SCM authenticated with a GitHub personal access / app
// token via oauth2.StaticTokenSource.
func New(token string, sessionPR func(string) (*pluginapi.PRRef, bool)) *SCM {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &SCM{
		BaseURL:    "https://api.github.com",
		HTTPClient: oauth2.NewClient(context.Background(), ts),
		SessionPR:  sessionPR,
	}
}

func (s *SCM) baseURL() string {
	if s.BaseURL == "" {
		return "https://api.github.com"
	}
	return s.BaseURL
}

func (s *SCM) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL()+path, nil)
	if err != nil {
		return corerr.Wrap(corerr.PluginFailure, "githubscm.get", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return corerr.Wrap(corerr.PluginFailure, "githubscm.get", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return corerr.New(corerr.PluginFailure, "githubscm.get", fmt.Sprintf("GET %s: status %d", path, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return corerr.Wrap(corerr.PluginFailure, "githubscm.get", json.NewDecoder(resp.Body).Decode(out))
}

// DetectPR returns the PR the caller-supplied SessionPR resolver associates
// with sessionID, or nil when the resolver is unset or has none. It makes no
// GitHub request of its own.
func (s *SCM) DetectPR(ctx context.Context, sessionID string) (*pluginapi.PRRef, error) {
	if s.SessionPR == nil {
		return nil, nil
	}
	pr, ok := s.SessionPR(sessionID)
	if !ok {
		return nil, nil
	}
	return pr, nil
}

type ghCheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	HTMLURL    string `json:"html_url"`
}

type ghCheckRunsResponse struct {
	CheckRuns []ghCheckRun `json:"check_runs"`
}

// GetCIChecks fetches the PR head commit's check runs.
func (s *SCM) GetCIChecks(ctx context.Context, pr pluginapi.PRRef) ([]pluginapi.CICheck, error) {
	var resp ghCheckRunsResponse
	path := fmt.Sprintf("/repos/%s/%s/commits/pull/%d/head/check-runs", pr.Owner, pr.Repo, pr.Number)
	if err := s.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	out := make([]pluginapi.CICheck, 0, len(resp.CheckRuns))
	for _, c := range resp.CheckRuns {
		out = append(out, pluginapi.CICheck{Name: c.Name, Status: normalizeCheckStatus(c), URL: c.HTMLURL})
	}
	return out, nil
}

func normalizeCheckStatus(c ghCheckRun) string {
	if c.Status != "completed" {
		return "pending"
	}
	if c.Conclusion == "success" || c.Conclusion == "neutral" || c.Conclusion == "skipped" {
		return "passed"
	}
	return "failed"
}

// GetCISummary renders a one-line "N passed, M failed, K pending" summary.
func (s *SCM) GetCISummary(ctx context.Context, pr pluginapi.PRRef) (string, error) {
	checks, err := s.GetCIChecks(ctx, pr)
	if err != nil {
		return "", err
	}
	var passed, failed, pending int
	for _, c := range checks {
		switch c.Status {
		case "passed":
			passed++
		case "failed":
			failed++
		default:
			pending++
		}
	}
	return fmt.Sprintf("%d passed, %d failed, %d pending", passed, failed, pending), nil
}

type ghReview struct {
	User  struct{ Login string } `json:"user"`
	Body  string                 `json:"body"`
	State string                 `json:"state"`
	URL   string                 `json:"html_url"`
}

// GetReviews fetches all reviews left on the PR.
func (s *SCM) GetReviews(ctx context.Context, pr pluginapi.PRRef) ([]pluginapi.ReviewComment, error) {
	var resp []ghReview
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", pr.Owner, pr.Repo, pr.Number)
	if err := s.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	out := make([]pluginapi.ReviewComment, 0, len(resp))
	for _, r := range resp {
		out = append(out, pluginapi.ReviewComment{Author: r.User.Login, Body: r.Body, Severity: strings.ToLower(r.State), URL: r.URL})
	}
	return out, nil
}

// GetReviewDecision reduces reviews to GitHub's three-state decision:
// the most severe of approved/changes_requested/review_required wins.
func (s *SCM) GetReviewDecision(ctx context.Context, pr pluginapi.PRRef) (string, error) {
	reviews, err := s.GetReviews(ctx, pr)
	if err != nil {
		return "", err
	}
	latest := map[string]string{}
	for _, r := range reviews {
		latest[r.Author] = r.Severity
	}
	hasChangesRequested, hasApproved := false, false
	for _, state := range latest {
		switch state {
		case "changes_requested":
			hasChangesRequested = true
		case "approved":
			hasApproved = true
		}
	}
	switch {
	case hasChangesRequested:
		return "changes_requested", nil
	case hasApproved:
		return "approved", nil
	default:
		return "review_required", nil
	}
}

// GetPendingComments returns every review comment on the PR (resolved
// threads are not filtered out), sorted by URL for
// deterministic capping in the evidence/reaction-message builder.
func (s *SCM) GetPendingComments(ctx context.Context, pr pluginapi.PRRef) ([]pluginapi.ReviewComment, error) {
	type ghComment struct {
		User  struct{ Login string } `json:"user"`
		Body  string                 `json:"body"`
		URL   string                 `json:"html_url"`
		State string                 `json:"state"`
	}
	var resp []ghComment
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/comments", pr.Owner, pr.Repo, pr.Number)
	if err := s.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	out := make([]pluginapi.ReviewComment, 0, len(resp))
	for _, c := range resp {
		out = append(out, pluginapi.ReviewComment{Author: c.User.Login, Body: c.Body, URL: c.URL, Severity: "comment"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// GetAutomatedComments filters GetPendingComments down to bot authors
// (login ending in "[bot]", e.g. bugbot, dependabot), tagging severity by
// simple keyword sniffing so the reaction-message builder can sort by it.
func (s *SCM) GetAutomatedComments(ctx context.Context, pr pluginapi.PRRef) ([]pluginapi.ReviewComment, error) {
	all, err := s.GetPendingComments(ctx, pr)
	if err != nil {
		return nil, err
	}
	var bots []pluginapi.ReviewComment
	for _, c := range all {
		if !strings.HasSuffix(strings.ToLower(c.Author), "[bot]") {
			continue
		}
		c.Severity = severityOf(c.Body)
		bots = append(bots, c)
	}
	sort.SliceStable(bots, func(i, j int) bool { return severityRank(bots[i].Severity) > severityRank(bots[j].Severity) })
	return bots, nil
}

func severityOf(body string) string {
	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "security") || strings.Contains(lower, "vulnerab"):
		return "critical"
	case strings.Contains(lower, "bug") || strings.Contains(lower, "error"):
		return "high"
	default:
		return "low"
	}
}

func severityRank(s string) int {
	switch s {
	case "critical":
		return 3
	case "high":
		return 2
	default:
		return 1
	}
}

type ghPRMergeability struct {
	Mergeable      *bool  `json:"mergeable"`
	MergeableState string `json:"mergeable_state"`
}

// GetMergeability maps GitHub's mergeable_state to a short tag.
func (s *SCM) GetMergeability(ctx context.Context, pr pluginapi.PRRef) (string, error) {
	var resp ghPRMergeability
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", pr.Owner, pr.Repo, pr.Number)
	if err := s.get(ctx, path, &resp); err != nil {
		return "", err
	}
	if resp.Mergeable == nil {
		return "unknown", nil
	}
	if !*resp.Mergeable {
		return "conflicting", nil
	}
	if resp.MergeableState == "" {
		return "clean", nil
	}
	return resp.MergeableState, nil
}

// MergePR issues the merge PUT. method is "merge", "squash", or "rebase".
func (s *SCM) MergePR(ctx context.Context, pr pluginapi.PRRef, method string) error {
	if method == "" {
		method = "squash"
	}
	body, _ := json.Marshal(map[string]string{"merge_method": method})
	path := fmt.Sprintf("%s/repos/%s/%s/pulls/%d/merge", s.baseURL(), pr.Owner, pr.Repo, pr.Number)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, path, strings.NewReader(string(body)))
	if err != nil {
		return corerr.Wrap(corerr.PluginFailure, "githubscm.MergePR", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return corerr.Wrap(corerr.PluginFailure, "githubscm.MergePR", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return corerr.New(corerr.PluginFailure, "githubscm.MergePR", fmt.Sprintf("merge PR #%d: status %d", pr.Number, resp.StatusCode))
	}
	return nil
}

var _ pluginapi.SCM = (*SCM)(nil)

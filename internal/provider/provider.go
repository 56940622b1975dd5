// Package provider implements the hosting-provider tool family as thin
// wrappers over the external `gh` CLI. Every call that returns data goes
// through the CLI's structured JSON output (`gh api` or `--json` flags),
// never free-text scraping, matching the worktree manager's pull-request
// handling.
//
// Availability is probed once at orchestrator startup: a missing or
// unauthenticated CLI marks the whole family unavailable for the run
// (warn-only, the kernel keeps going), distinct from the family being
// disabled entirely by an absent github config section — the bus server
// owns that case.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AppSecHQ/arch/internal/bus"
	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/common/logger"
)

// runFunc executes one gh invocation and returns its stdout. Swappable
// in tests, where no real gh binary exists.
type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// GitHub drives the gh CLI against one owner/name repository.
type GitHub struct {
	repo    string // "owner/name"
	labels  []string
	timeout time.Duration
	log     *logger.Logger

	run runFunc

	mu          sync.Mutex
	unavailable error
}

// New creates a GitHub provider for repo ("owner/name"). defaultLabels
// are applied to every created issue in addition to the caller's.
func New(repo string, defaultLabels []string, timeout time.Duration, log *logger.Logger) *GitHub {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	g := &GitHub{
		repo:    repo,
		labels:  defaultLabels,
		timeout: timeout,
		log:     log.WithFields(zap.String("component", "provider"), zap.String("repo", repo)),
	}
	g.run = g.execGH
	return g
}

func (g *GitHub) execGH(ctx context.Context, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "gh", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cctx.Err() != nil {
			return nil, apperrors.Timeout("gh " + args[0])
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, apperrors.ProviderUnavailable("github", err)
		}
		return nil, apperrors.ProviderCallFailed("github", fmt.Errorf("%s: %w", stderr.String(), err))
	}
	return stdout.Bytes(), nil
}

// CheckAvailable probes `gh auth status`. A failure marks every later
// call as ProviderUnavailable for the rest of the run.
func (g *GitHub) CheckAvailable(ctx context.Context) error {
	if _, err := g.run(ctx, "auth", "status"); err != nil {
		if ae, ok := err.(*apperrors.AppError); ok && ae.Code == apperrors.ErrCodeProviderCallFailed {
			err = apperrors.ProviderUnavailable("github", ae.Err)
		} else if !ok || ae.Code != apperrors.ErrCodeProviderUnavailable {
			err = apperrors.ProviderUnavailable("github", err)
		}
		g.mu.Lock()
		g.unavailable = err
		g.mu.Unlock()
		return err
	}
	return nil
}

func (g *GitHub) gate() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unavailable
}

func (g *GitHub) apiPath(parts ...string) string {
	p := "repos/" + g.repo
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// decodeJSON maps a malformed CLI payload to ProviderCallFailed so a
// half-broken gh never crashes a bus tool.
func decodeJSON(data []byte, dst interface{}) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return apperrors.ProviderCallFailed("github", fmt.Errorf("parsing gh output: %w", err))
	}
	return nil
}

type ghIssue struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	URL     string `json:"url"`
}

func (i ghIssue) result() bus.IssueResult {
	url := i.HTMLURL
	if url == "" {
		url = i.URL
	}
	return bus.IssueResult{Number: i.Number, URL: url}
}

// CreateIssue opens an issue via `gh api`, which echoes the created
// resource as JSON.
func (g *GitHub) CreateIssue(ctx context.Context, req bus.CreateIssueRequest) (bus.IssueResult, error) {
	if err := g.gate(); err != nil {
		return bus.IssueResult{}, err
	}
	args := []string{"api", g.apiPath("issues"), "-f", "title=" + req.Title, "-f", "body=" + req.Body}
	for _, l := range append(append([]string{}, g.labels...), req.Labels...) {
		args = append(args, "-f", "labels[]="+l)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return bus.IssueResult{}, err
	}
	var issue ghIssue
	if err := decodeJSON(out, &issue); err != nil {
		return bus.IssueResult{}, err
	}
	return issue.result(), nil
}

// ListIssues lists open issues via `gh issue list --json`.
func (g *GitHub) ListIssues(ctx context.Context) (bus.ListIssuesResult, error) {
	if err := g.gate(); err != nil {
		return bus.ListIssuesResult{}, err
	}
	out, err := g.run(ctx, "issue", "list", "--repo", g.repo, "--json", "number,url")
	if err != nil {
		return bus.ListIssuesResult{}, err
	}
	var issues []ghIssue
	if err := decodeJSON(out, &issues); err != nil {
		return bus.ListIssuesResult{}, err
	}
	res := bus.ListIssuesResult{Issues: make([]bus.IssueResult, 0, len(issues))}
	for _, i := range issues {
		res.Issues = append(res.Issues, i.result())
	}
	return res, nil
}

// UpdateIssue patches an issue's title and/or body.
func (g *GitHub) UpdateIssue(ctx context.Context, req bus.UpdateIssueRequest) error {
	if err := g.gate(); err != nil {
		return err
	}
	args := []string{"api", "-X", "PATCH", g.apiPath("issues", strconv.Itoa(req.Number))}
	if req.Title != "" {
		args = append(args, "-f", "title="+req.Title)
	}
	if req.Body != "" {
		args = append(args, "-f", "body="+req.Body)
	}
	_, err := g.run(ctx, args...)
	return err
}

// CloseIssue closes an issue.
func (g *GitHub) CloseIssue(ctx context.Context, req bus.CloseIssueRequest) error {
	if err := g.gate(); err != nil {
		return err
	}
	_, err := g.run(ctx, "api", "-X", "PATCH", g.apiPath("issues", strconv.Itoa(req.Number)), "-f", "state=closed")
	return err
}

// AddComment appends a comment to an issue.
func (g *GitHub) AddComment(ctx context.Context, req bus.AddCommentRequest) error {
	if err := g.gate(); err != nil {
		return err
	}
	_, err := g.run(ctx, "api", g.apiPath("issues", strconv.Itoa(req.Number), "comments"), "-f", "body="+req.Body)
	return err
}

type ghMilestone struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
}

// CreateMilestone creates a milestone and returns its number.
func (g *GitHub) CreateMilestone(ctx context.Context, req bus.CreateMilestoneRequest) (bus.MilestoneResult, error) {
	if err := g.gate(); err != nil {
		return bus.MilestoneResult{}, err
	}
	out, err := g.run(ctx, "api", g.apiPath("milestones"), "-f", "title="+req.Title)
	if err != nil {
		return bus.MilestoneResult{}, err
	}
	var m ghMilestone
	if err := decodeJSON(out, &m); err != nil {
		return bus.MilestoneResult{}, err
	}
	return bus.MilestoneResult{Number: m.Number, Title: m.Title}, nil
}

// ListMilestones lists the repository's milestones.
func (g *GitHub) ListMilestones(ctx context.Context) (bus.ListMilestonesResult, error) {
	if err := g.gate(); err != nil {
		return bus.ListMilestonesResult{}, err
	}
	out, err := g.run(ctx, "api", g.apiPath("milestones"))
	if err != nil {
		return bus.ListMilestonesResult{}, err
	}
	var ms []ghMilestone
	if err := decodeJSON(out, &ms); err != nil {
		return bus.ListMilestonesResult{}, err
	}
	res := bus.ListMilestonesResult{Milestones: make([]bus.MilestoneResult, 0, len(ms))}
	for _, m := range ms {
		res.Milestones = append(res.Milestones, bus.MilestoneResult{Number: m.Number, Title: m.Title})
	}
	return res, nil
}

// Package worktree encapsulates every git operation the harness performs
// on behalf of an agent: creating an isolated checkout, writing its
// CLAUDE.md briefing, removing it on teardown, and landing its work
// either via a local merge or a hosting-provider pull request.
//
// Every git invocation runs under a wall-clock bound; mutations to the
// repository serialize behind one mutex.
package worktree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/common/logger"
)

// DirName is the directory, relative to the repository root, holding
// every agent worktree.
const DirName = ".worktrees"

// BranchFor returns the dedicated branch name for an agent's worktree.
func BranchFor(agentID string) string {
	return "agent/" + agentID
}

// PathFor returns the on-disk worktree path for an agent.
func PathFor(repoRoot, agentID string) string {
	return filepath.Join(repoRoot, DirName, agentID)
}

// Roster describes another live agent, for the CLAUDE.md roster section.
type Roster struct {
	AgentID string
	Role    string
	Task    string
}

// SessionContext mirrors model.SessionContext without importing it
// directly, keeping this package's template input self-contained.
type SessionContext struct {
	FilesModified []string
	Progress      string
	NextSteps     []string
	Blockers      []string
	Decisions     []string
}

// BriefInput is everything needed to render a CLAUDE.md header.
type BriefInput struct {
	AgentID        string
	ProjectName    string
	ProjectDesc    string
	WorktreePath   string
	BusToolNames   []string
	Roster         []Roster
	Assignment     string
	SessionContext *SessionContext
}

// Manager owns the .worktrees/ tree under one repository root.
type Manager struct {
	repoRoot string
	timeout  time.Duration
	logger   *logger.Logger

	repoLockMu sync.Mutex
	repoLock   sync.Mutex // the repo root never changes for a run, one lock suffices
}

// NewManager creates a Manager rooted at repoRoot. timeout bounds every
// external git/gh invocation.
func NewManager(repoRoot string, timeout time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Manager{
		repoRoot: repoRoot,
		timeout:  timeout,
		logger:   log.WithFields(zap.String("component", "worktree-manager")),
	}
}

// IsGitRepo reports whether the manager's repo root is a usable git
// repository, checked once at orchestrator startup.
func (m *Manager) IsGitRepo() bool {
	info, err := os.Stat(filepath.Join(m.repoRoot, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Manager) runGit(ctx context.Context, args ...string) ([]byte, error) {
	cctx, cancel := m.withTimeout(ctx)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = m.repoRoot
	out, err := cmd.CombinedOutput()
	if cctx.Err() != nil {
		return out, apperrors.Timeout(fmt.Sprintf("git %s", strings.Join(args, " ")))
	}
	return out, err
}

// Create creates a worktree for agentID at .worktrees/{agentID} on
// branch agent/{agentID}, based on baseBranch, then writes CLAUDE.md.
func (m *Manager) Create(ctx context.Context, agentID, baseBranch string, persona []byte, brief BriefInput) (string, error) {
	m.repoLockMu.Lock()
	m.repoLock.Lock()
	m.repoLockMu.Unlock()
	defer m.repoLock.Unlock()

	path := PathFor(m.repoRoot, agentID)
	branch := BranchFor(agentID)

	if err := os.MkdirAll(filepath.Join(m.repoRoot, DirName), 0o755); err != nil {
		return "", apperrors.WorktreeFailed("creating worktrees directory", err)
	}

	out, err := m.runGit(ctx, "worktree", "add", "-b", branch, path, baseBranch)
	if err != nil {
		if ae, ok := err.(*apperrors.AppError); ok {
			return "", ae
		}
		m.logger.Error("git worktree add failed",
			zap.String("agent_id", agentID), zap.String("output", string(out)), zap.Error(err))
		return "", apperrors.WorktreeFailed(fmt.Sprintf("creating worktree for %s", agentID), fmt.Errorf("%s", string(out)))
	}

	brief.WorktreePath = path
	if err := m.writeClaudeMD(path, persona, brief); err != nil {
		return "", apperrors.WorktreeFailed(fmt.Sprintf("writing CLAUDE.md for %s", agentID), err)
	}

	m.logger.Info("created worktree", zap.String("agent_id", agentID), zap.String("path", path), zap.String("branch", branch))
	return path, nil
}

// Remove deletes the worktree and, best-effort, its branch. Failure to
// delete the branch is logged only; failure to remove the worktree
// itself is returned and fails that agent's teardown.
func (m *Manager) Remove(ctx context.Context, agentID string, force bool) error {
	m.repoLockMu.Lock()
	m.repoLock.Lock()
	m.repoLockMu.Unlock()
	defer m.repoLock.Unlock()

	path := PathFor(m.repoRoot, agentID)
	branch := BranchFor(agentID)

	args := []string{"worktree", "remove", path}
	if force {
		args = []string{"worktree", "remove", "--force", path}
	}
	if out, err := m.runGit(ctx, args...); err != nil {
		m.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("agent_id", agentID), zap.String("output", string(out)))
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return apperrors.WorktreeFailed(fmt.Sprintf("removing worktree for %s", agentID), rmErr)
		}
		if _, err := m.runGit(ctx, "worktree", "prune"); err != nil {
			m.logger.Warn("git worktree prune failed", zap.Error(err))
		}
	}

	if out, err := m.runGit(ctx, "branch", "-D", branch); err != nil {
		m.logger.Warn("failed to delete agent branch",
			zap.String("agent_id", agentID), zap.String("branch", branch), zap.String("output", string(out)), zap.Error(err))
	}

	m.logger.Info("removed worktree", zap.String("agent_id", agentID), zap.String("path", path))
	return nil
}

// Merge integrates an agent's branch into target with a non-fast-forward
// merge, preserving branch attribution.
func (m *Manager) Merge(ctx context.Context, agentID, target string) error {
	m.repoLockMu.Lock()
	m.repoLock.Lock()
	m.repoLockMu.Unlock()
	defer m.repoLock.Unlock()

	branch := BranchFor(agentID)

	if out, err := m.runGit(ctx, "checkout", target); err != nil {
		if ae, ok := err.(*apperrors.AppError); ok {
			return ae
		}
		return apperrors.WorktreeFailed(fmt.Sprintf("checking out %s", target), fmt.Errorf("%s", string(out)))
	}

	out, err := m.runGit(ctx, "merge", "--no-ff", branch, "-m", fmt.Sprintf("Merge %s into %s", branch, target))
	if err != nil {
		if ae, ok := err.(*apperrors.AppError); ok {
			return ae
		}
		return apperrors.WorktreeFailed(fmt.Sprintf("merging %s into %s", branch, target), fmt.Errorf("%s", string(out)))
	}
	return nil
}

// Status returns a short human-readable summary of the repository's
// current branch and dirty files, for the get_project_context tool.
func (m *Manager) Status(ctx context.Context) (string, error) {
	out, err := m.runGit(ctx, "status", "--short", "--branch")
	if err != nil {
		if ae, ok := err.(*apperrors.AppError); ok {
			return "", ae
		}
		return "", apperrors.GitUnavailable(strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// prResult is the subset of `gh pr create --json` we decode.
type prResult struct {
	URL    string `json:"url"`
	Number int    `json:"number"`
}

// CreatePullRequest opens a pull request for an agent's branch via the
// external hosting-provider CLI, parsing the PR identifier from the
// CLI's structured JSON output — never from free text.
func (m *Manager) CreatePullRequest(ctx context.Context, agentID, target, title, body string) (string, error) {
	branch := BranchFor(agentID)

	cctx, cancel := m.withTimeout(ctx)
	defer cancel()

	cmd := exec.CommandContext(cctx, "gh", "pr", "create",
		"--head", branch,
		"--base", target,
		"--title", title,
		"--body", body,
		"--json", "url,number")
	cmd.Dir = m.repoRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if cctx.Err() != nil {
			return "", apperrors.Timeout("gh pr create")
		}
		return "", apperrors.ProviderCallFailed("github", fmt.Errorf("%s: %w", stderr.String(), err))
	}

	var res prResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return "", apperrors.ProviderCallFailed("github", fmt.Errorf("parsing gh pr create output: %w", err))
	}
	return res.URL, nil
}

// --- CLAUDE.md ---------------------------------------------------------

const briefTemplate = `<!-- generated by arch, do not edit by hand -->
# Session briefing

- Agent id: {{.AgentID}}
- Project: {{.ProjectName}}{{if .ProjectDesc}} — {{.ProjectDesc}}{{end}}
- Worktree: {{.WorktreePath}}
- Assignment: {{.Assignment}}

## Bus tools available to you
{{range .BusToolNames}}- {{.}}
{{end}}
## Other live agents
{{if .Roster}}{{range .Roster}}- {{.AgentID}} ({{.Role}}): {{.Task}}
{{end}}{{else}}(none currently)
{{end}}{{if .SessionContext}}
## Session State

Progress: {{.SessionContext.Progress}}
{{if .SessionContext.FilesModified}}
Files modified:
{{range .SessionContext.FilesModified}}- {{.}}
{{end}}{{end}}{{if .SessionContext.NextSteps}}
Next steps:
{{range .SessionContext.NextSteps}}- {{.}}
{{end}}{{end}}{{if .SessionContext.Blockers}}
Blockers:
{{range .SessionContext.Blockers}}- {{.}}
{{end}}{{end}}{{if .SessionContext.Decisions}}
Decisions:
{{range .SessionContext.Decisions}}- {{.}}
{{end}}{{end}}{{end}}
---
`

var brief = template.Must(template.New("claude-md").Parse(briefTemplate))

// writeClaudeMD renders the harness-injected header and appends the
// persona file bytes verbatim after it.
func (m *Manager) writeClaudeMD(worktreePath string, persona []byte, input BriefInput) error {
	var buf bytes.Buffer
	if err := brief.Execute(&buf, input); err != nil {
		return err
	}
	buf.Write(persona)

	return os.WriteFile(filepath.Join(worktreePath, "CLAUDE.md"), buf.Bytes(), 0o644)
}

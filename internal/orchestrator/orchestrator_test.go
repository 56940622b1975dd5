package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AppSecHQ/arch/internal/bus"
	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/common/logger"
	"github.com/AppSecHQ/arch/internal/config"
	"github.com/AppSecHQ/arch/internal/model"
)

func testLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "initial commit")
	return dir
}

// fakeCLI writes an executable shell script standing in for the AI CLI.
func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func writePersona(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "persona.md")
	require.NoError(t, os.WriteFile(path, []byte("You are a careful engineer.\n"), 0o644))
	return path
}

type fixture struct {
	o      *Orchestrator
	cfg    *config.Config
	repo   string
	stdout *bytes.Buffer
}

// newFixture builds an orchestrator against a throwaway git repo and a
// fake AI CLI, runs the startup sequence, and arranges teardown.
func newFixture(t *testing.T, cliBody string, mutate func(*config.Config)) *fixture {
	t.Helper()
	repo := initRepo(t)
	persona := writePersona(t)

	cfg := &config.Config{
		Project: config.ProjectConfig{Name: "demo", Description: "test project", Repo: repo},
		Archie:  config.LeadConfig{PersonaPath: persona, ModelID: "model-x"},
		Pool: []config.PoolEntry{
			{ID: "frontend", PersonaPath: persona, ModelID: "model-x", MaxInstances: 1},
			{ID: "backend", PersonaPath: persona, ModelID: "model-x", MaxInstances: 2},
		},
		Settings: config.SettingsConfig{
			MaxConcurrentAgents: 5,
			StateDir:            t.TempDir(),
			CLIPath:             fakeCLI(t, cliBody),
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	stdout := &bytes.Buffer{}
	o := New(cfg, Options{
		Stdout: stdout,
		Assent: func([]string) bool { return true },
	}, testLogger())

	require.NoError(t, o.startup(context.Background()))
	t.Cleanup(func() { _ = o.shutdown() })

	return &fixture{o: o, cfg: cfg, repo: repo, stdout: stdout}
}

// Two concurrent spawns for a max_instances: 1 role — exactly one
// succeeds, the other fails with CapExceeded naming the role.
func TestSpawnAgent_ConcurrentSpawnsRespectRoleCap(t *testing.T) {
	f := newFixture(t, "sleep 5", nil)

	type outcome struct {
		res bus.SpawnAgentResult
		err error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.o.SpawnAgent(context.Background(), bus.SpawnAgentRequest{
				Role: "frontend", Assignment: "hello",
			})
			results <- outcome{res, err}
		}()
	}
	wg.Wait()
	close(results)

	var ok, capped int
	for r := range results {
		if r.err == nil {
			ok++
			require.Equal(t, "frontend-1", r.res.AgentID)
			require.Equal(t, "spawning", r.res.Status)
			require.NotEmpty(t, r.res.WorktreePath)
		} else {
			capped++
			ae, isApp := r.err.(*apperrors.AppError)
			require.True(t, isApp)
			require.Equal(t, apperrors.ErrCodeCapExceeded, ae.Code)
			require.Contains(t, ae.Message, "frontend")
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, capped)
}

func TestSpawnAgent_UnknownRole(t *testing.T) {
	f := newFixture(t, "sleep 5", nil)
	_, err := f.o.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "nope", Assignment: "x"})
	require.Error(t, err)
	ae, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	require.Equal(t, apperrors.ErrCodeUnknownRole, ae.Code)
}

func TestSpawnAgent_GlobalCap(t *testing.T) {
	f := newFixture(t, "sleep 5", func(cfg *config.Config) {
		cfg.Settings.MaxConcurrentAgents = 1 // the lead occupies the only slot
	})
	_, err := f.o.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "backend", Assignment: "x"})
	require.Error(t, err)
	ae, ok := err.(*apperrors.AppError)
	require.True(t, ok)
	require.Equal(t, apperrors.ErrCodeCapExceeded, ae.Code)
}

// Usage and result events from the agent's stream end up in the
// durable agent record — cost, resume token, terminal status.
func TestSessionExit_UsageCostAndResumeTokenPersisted(t *testing.T) {
	script := `echo '{"type":"usage","input_tokens":1000000,"output_tokens":0,"cache_read_input_tokens":0,"cache_creation_input_tokens":0}'
echo '{"type":"result","session_id":"abc123"}'`

	pricingPath := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(pricingPath, []byte(
		"version: 1\ndefault:\n  input_per_million: 0\nmodels:\n  model-x:\n    input_per_million: 3.00\n"), 0o644))

	f := newFixture(t, script, func(cfg *config.Config) {
		cfg.Settings.PricingPath = pricingPath
	})

	require.Eventually(t, func() bool {
		a, ok := f.o.store.Agent(model.LeadAgentID)
		return ok && a.Status == model.AgentStatusDone
	}, 5*time.Second, 20*time.Millisecond)

	a, _ := f.o.store.Agent(model.LeadAgentID)
	require.Equal(t, "abc123", a.ResumeToken)
	require.InDelta(t, 3.00, a.Usage.CostUSD, 1e-9)
	require.Equal(t, int64(1000000), a.Usage.InputTokens)
}

// A configured skip-permissions role plus a declined assent aborts
// startup before any session exists.
func TestStartup_DeclinedAssentAborts(t *testing.T) {
	repo := initRepo(t)
	persona := writePersona(t)
	cfg := &config.Config{
		Project: config.ProjectConfig{Name: "demo", Repo: repo},
		Archie:  config.LeadConfig{PersonaPath: persona, ModelID: "model-x"},
		Pool: []config.PoolEntry{{
			ID: "security", PersonaPath: persona, ModelID: "model-x",
			Permissions: config.PermissionsConfig{SkipPermissions: true},
		}},
		Settings: config.SettingsConfig{
			MaxConcurrentAgents: 5,
			StateDir:            t.TempDir(),
			CLIPath:             fakeCLI(t, "sleep 5"),
		},
	}

	o := New(cfg, Options{
		Stdout: &bytes.Buffer{},
		Assent: func([]string) bool { return false },
	}, testLogger())

	err := o.Run(context.Background())
	require.Error(t, err)
	require.Empty(t, o.sessions)
}

// Pre-approved skip-permissions spawns produce exactly one audit line
// naming the spawned agent.
func TestSpawnAgent_SkipPermissionsAudited(t *testing.T) {
	f := newFixture(t, "sleep 5", func(cfg *config.Config) {
		cfg.Pool[0].Permissions.SkipPermissions = true
	})

	res, err := f.o.SpawnAgent(context.Background(), bus.SpawnAgentRequest{
		Role: "frontend", Assignment: "x", SkipPermissions: true,
	})
	require.NoError(t, err)
	require.True(t, res.SkipPermissions)

	data, err := os.ReadFile(filepath.Join(f.o.stateDir, auditFileName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	var spawnLines []string
	for _, l := range lines {
		if strings.Contains(l, "skip_permissions") && strings.Contains(l, "agent="+res.AgentID) {
			spawnLines = append(spawnLines, l)
		}
	}
	require.Len(t, spawnLines, 1)
	require.Contains(t, spawnLines[0], "role=frontend")
}

func TestTeardownAgent_RemovesWorktreeAndMarksDone(t *testing.T) {
	f := newFixture(t, "sleep 5", nil)

	res, err := f.o.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "backend", Assignment: "x"})
	require.NoError(t, err)
	require.DirExists(t, res.WorktreePath)

	require.NoError(t, f.o.TeardownAgent(context.Background(), bus.TeardownAgentRequest{
		AgentID: res.AgentID, Reason: "obsolete",
	}))

	_, statErr := os.Stat(res.WorktreePath)
	require.True(t, os.IsNotExist(statErr))

	a, ok := f.o.store.Agent(res.AgentID)
	require.True(t, ok)
	require.Equal(t, model.AgentStatusDone, a.Status)
	require.Contains(t, a.Task, "obsolete")
}

func TestTeardownAgent_RefusesLead(t *testing.T) {
	f := newFixture(t, "sleep 5", nil)
	err := f.o.TeardownAgent(context.Background(), bus.TeardownAgentRequest{AgentID: model.LeadAgentID})
	require.Error(t, err)
}

// Shutdown stops every session, removes every worktree, and
// emits a cost summary.
func TestShutdown_RemovesWorktreesAndPrintsSummary(t *testing.T) {
	f := newFixture(t, "sleep 5", nil)

	_, err := f.o.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "backend", Assignment: "x"})
	require.NoError(t, err)

	require.NoError(t, f.o.shutdown())

	entries, err := os.ReadDir(filepath.Join(f.repo, ".worktrees"))
	if err == nil {
		require.Empty(t, entries, "no worktree may survive shutdown")
	} else {
		require.True(t, os.IsNotExist(err))
	}

	require.Contains(t, f.stdout.String(), "cost summary")
	require.Contains(t, f.stdout.String(), "total")
}

func TestShutdown_KeepWorktreesOptsOut(t *testing.T) {
	f := newFixture(t, "sleep 5", nil)
	f.o.opts.KeepWorktrees = true

	res, err := f.o.SpawnAgent(context.Background(), bus.SpawnAgentRequest{Role: "backend", Assignment: "x"})
	require.NoError(t, err)

	require.NoError(t, f.o.shutdown())
	require.DirExists(t, res.WorktreePath)
}

// Crossing the budget queues exactly one budget_exceeded decision.
func TestBudget_CrossingQueuesOneDecision(t *testing.T) {
	script := `echo '{"type":"usage","input_tokens":1000000,"output_tokens":0,"cache_read_input_tokens":0,"cache_creation_input_tokens":0}'
sleep 5`

	pricingPath := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(pricingPath, []byte(
		"version: 1\ndefault:\n  input_per_million: 3.00\n"), 0o644))

	f := newFixture(t, script, func(cfg *config.Config) {
		cfg.Settings.PricingPath = pricingPath
		cfg.Settings.TokenBudgetUSD = 1.00
	})

	require.Eventually(t, func() bool {
		for _, d := range f.o.store.PendingDecisions() {
			if strings.Contains(d.Question, "budget_exceeded") {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	// a second usage event must not queue a second decision
	f.o.checkBudget()
	var n int
	for _, d := range f.o.store.PendingDecisions() {
		if strings.Contains(d.Question, "budget_exceeded") {
			n++
		}
	}
	require.Equal(t, 1, n)
}

// An unexpected lead exit is retried exactly once; the second failure
// initiates shutdown.
func TestLeadRestart_OnceThenShutdown(t *testing.T) {
	f := newFixture(t, "exit 1", nil)

	select {
	case <-f.o.shutdownCh:
	case <-time.After(5 * time.Second):
		t.Fatal("second lead failure never initiated shutdown")
	}

	f.o.mu.Lock()
	restarted := f.o.leadRestart
	f.o.mu.Unlock()
	require.True(t, restarted)
}

func TestUpdateBrief_RejectsUnknownSection(t *testing.T) {
	f := newFixture(t, "sleep 5", nil)
	err := f.o.UpdateBrief(context.Background(), bus.UpdateBriefRequest{Section: "goal", Content: "x"})
	require.Error(t, err)
}

func TestGetProjectContext_IncludesLiveAgentsAndBrief(t *testing.T) {
	f := newFixture(t, "sleep 5", nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.repo, BriefFileName),
		[]byte("# Brief\n\n## Goal\n\nShip it.\n"), 0o644))

	res, err := f.o.GetProjectContext(context.Background())
	require.NoError(t, err)
	require.Equal(t, "demo", res.ProjectName)
	require.Contains(t, res.BriefContent, "Ship it.")
	require.NotEmpty(t, res.GitStatus)

	found := false
	for _, a := range res.LiveAgents {
		if a.ID == model.LeadAgentID {
			found = true
		}
	}
	require.True(t, found, fmt.Sprintf("lead missing from live agents: %+v", res.LiveAgents))
}

// Package orchestrator is the kernel's top-level lifecycle: it runs the
// strict startup sequence (gates, bus, lead agent), supervises the run
// until the lead exits or a shutdown is requested, and tears everything
// down under a bounded grace period — including on signals.
//
// The orchestrator is also the bus server's Lifecycle implementation
// and every session's exit handler, so all lifecycle authority lives in
// one place.
package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/AppSecHQ/arch/internal/bus"
	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/common/logger"
	"github.com/AppSecHQ/arch/internal/config"
	"github.com/AppSecHQ/arch/internal/container"
	"github.com/AppSecHQ/arch/internal/dashboard"
	"github.com/AppSecHQ/arch/internal/mcpconfig"
	"github.com/AppSecHQ/arch/internal/meter"
	"github.com/AppSecHQ/arch/internal/model"
	"github.com/AppSecHQ/arch/internal/pricing"
	"github.com/AppSecHQ/arch/internal/provider"
	"github.com/AppSecHQ/arch/internal/session"
	"github.com/AppSecHQ/arch/internal/store"
	"github.com/AppSecHQ/arch/internal/worktree"
)

// AssentFunc answers the startup skip-permissions prompt. It may block
// on human input; the orchestrator offloads it so the reactor is never
// stalled.
type AssentFunc func(roles []string) bool

// Options tunes one orchestrator run.
type Options struct {
	// KeepWorktrees leaves every agent worktree in place at teardown.
	KeepWorktrees bool
	// Assent answers the skip-permissions gate; nil prompts on stdin.
	Assent AssentFunc
	// Stdout receives the end-of-run cost summary; nil means os.Stdout.
	Stdout io.Writer
	// HandleSignals registers SIGINT/SIGTERM handlers for the run. The
	// handlers are unregistered on return so repeated runs inside one
	// test host never replay them.
	HandleSignals bool
}

// Orchestrator wires every kernel component together for one run.
type Orchestrator struct {
	cfg  *config.Config
	opts Options
	log  *logger.Logger

	repoRoot string
	stateDir string

	store     *store.Store
	meter     *meter.Meter
	bus       *bus.Server
	worktrees *worktree.Manager
	github    *provider.GitHub
	docker    *client.Client
	cleanup   *container.CleanupSet
	audit     *auditLog
	brief     *brief

	bgCancel context.CancelFunc

	mu          sync.Mutex
	sessions    map[string]session.Supervisor
	roleCounter map[string]int
	preApproved map[string]bool
	leadRestart bool
	budgetAsked bool

	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// New creates an Orchestrator for cfg. Call Run to execute the
// startup → supervise → teardown lifecycle.
func New(cfg *config.Config, opts Options, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	return &Orchestrator{
		cfg:         cfg,
		opts:        opts,
		log:         log.WithFields(zap.String("component", "orchestrator")),
		sessions:    make(map[string]session.Supervisor),
		roleCounter: make(map[string]int),
		preApproved: make(map[string]bool),
		cleanup:     container.NewCleanupSet(),
		shutdownCh:  make(chan struct{}),
	}
}

// Run executes the full lifecycle: startup gates, supervision until the
// lead exits or shutdown is requested, then graceful teardown. A
// startup-gate failure returns before any session is spawned.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.startup(ctx); err != nil {
		o.teardownPartialStartup()
		return err
	}

	var sigCh chan os.Signal
	if o.opts.HandleSignals {
		sigCh = make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case <-sigCh:
		o.log.Info("signal received, shutting down")
	case <-o.shutdownCh:
	case <-ctx.Done():
	}

	return o.shutdown()
}

// RequestShutdown asks the run to wind down; safe to call from any
// goroutine, any number of times.
func (o *Orchestrator) RequestShutdown() {
	o.closeOnce.Do(func() { close(o.shutdownCh) })
}

func (o *Orchestrator) isShuttingDown() bool {
	select {
	case <-o.shutdownCh:
		return true
	default:
		return false
	}
}

// --- startup -----------------------------------------------------------

func (o *Orchestrator) startup(ctx context.Context) error {
	repoRoot, err := filepath.Abs(o.cfg.Project.Repo)
	if err != nil {
		return apperrors.ConfigInvalid("resolving project repo path: " + err.Error())
	}
	o.repoRoot = repoRoot

	stateDir, err := o.cfg.AbsStateDir()
	if err != nil {
		return apperrors.ConfigInvalid("resolving state dir: " + err.Error())
	}
	o.stateDir = stateDir

	st, err := store.New(stateDir, o.log)
	if err != nil {
		return err
	}
	o.store = st
	if err := st.Load(ctx); err != nil {
		return err
	}
	st.SetProject(&model.Project{
		Name:        o.cfg.Project.Name,
		Description: o.cfg.Project.Description,
		RepoRoot:    repoRoot,
		StartedAt:   time.Now().UTC(),
	})
	o.seedRoleCounters()

	o.worktrees = worktree.NewManager(repoRoot, 60*time.Second, o.log)
	if !o.worktrees.IsGitRepo() {
		return apperrors.GitUnavailable(fmt.Sprintf("%s is not a usable git repository", repoRoot))
	}

	o.audit, err = openAuditLog(stateDir)
	if err != nil {
		return err
	}
	o.brief = newBrief(repoRoot)

	if err := o.confirmSkipPermissions(ctx); err != nil {
		return err
	}

	if err := o.verifyContainerRuntime(ctx); err != nil {
		return err
	}

	o.verifyProvider(ctx)

	table := pricing.Default()
	if o.cfg.Settings.PricingPath != "" {
		table, err = pricing.Load(o.cfg.Settings.PricingPath, o.log)
		if err != nil {
			return apperrors.ConfigInvalid("loading pricing table: " + err.Error())
		}
	}
	o.meter = meter.New(table, o.log)
	o.meter.Subscribe(o)

	var prov bus.Provider
	if o.github != nil {
		prov = o.github
	}
	o.bus = bus.New(o.cfg.Settings.MCPPort, o.store, o.meter, o, prov, o.log)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	o.bgCancel = bgCancel
	hub := dashboard.NewHub(o.log)
	go hub.Run(bgCtx)
	go dashboard.NewPoller(o.store, o.meter, hub, o.log).Run(bgCtx)
	// routes must be in place before the listener accepts traffic
	o.bus.Handle("GET", "/dashboard/ws", hub.HandleUpgrade)
	o.bus.Handle("POST", "/dashboard/shutdown", func(c *gin.Context) {
		o.RequestShutdown()
		c.JSON(200, gin.H{"status": "shutting_down"})
	})

	if err := o.bus.Start(); err != nil {
		return err
	}

	if err := o.spawnLead(ctx, o.leadResumeToken()); err != nil {
		return err
	}

	o.log.Info("kernel started",
		zap.String("repo", repoRoot),
		zap.Int("bus_port", o.bus.Port()),
		zap.Int("pool_roles", len(o.cfg.Pool)))
	return nil
}

// seedRoleCounters resumes the never-reused id sequence across runs by
// scanning any loaded agent records for role-N suffixes.
func (o *Orchestrator) seedRoleCounters() {
	for _, a := range o.store.ListAgents() {
		idx := strings.LastIndex(a.ID, "-")
		if idx <= 0 {
			continue
		}
		n, err := strconv.Atoi(a.ID[idx+1:])
		if err != nil {
			continue
		}
		role := a.ID[:idx]
		if n > o.roleCounter[role] {
			o.roleCounter[role] = n
		}
	}
}

// confirmSkipPermissions runs the startup gate for roles configured
// with skip_permissions: prominent display, explicit human assent, an
// audit line per acknowledged role. The blocking prompt runs on its own
// goroutine so the reactor never stalls on stdin.
func (o *Orchestrator) confirmSkipPermissions(ctx context.Context) error {
	var roles []string
	for _, entry := range o.cfg.Pool {
		if entry.Permissions.SkipPermissions {
			roles = append(roles, entry.ID)
		}
	}
	if len(roles) == 0 {
		return nil
	}

	fn := o.opts.Assent
	if fn == nil {
		fn = stdinAssent
	}
	resCh := make(chan bool, 1)
	go func() { resCh <- fn(roles) }()

	var ok bool
	select {
	case ok = <-resCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !ok {
		return apperrors.ConfigInvalid(fmt.Sprintf(
			"skip-permissions not acknowledged for roles %v, refusing to start", roles))
	}

	for _, role := range roles {
		o.preApproved[role] = true
		if err := o.audit.Record("startup_approval", "-", role, "user"); err != nil {
			return err
		}
	}
	o.log.Info("skip-permissions acknowledged", zap.Strings("roles", roles))
	return nil
}

func stdinAssent(roles []string) bool {
	fmt.Printf("\n!!! DANGER !!!\n")
	fmt.Printf("The following roles will run WITHOUT per-tool permission prompts:\n")
	for _, r := range roles {
		fmt.Printf("  - %s\n", r)
	}
	fmt.Printf("Agents in these roles can run any tool unattended.\n")
	fmt.Printf("Type 'yes' to continue: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(line), "yes")
}

// verifyContainerRuntime is fatal only when a role actually requires a
// container.
func (o *Orchestrator) verifyContainerRuntime(ctx context.Context) error {
	images := make(map[string]bool)
	for _, entry := range o.cfg.Pool {
		if entry.Sandbox.Enabled {
			images[entry.Sandbox.Image] = true
		}
	}
	if len(images) == 0 {
		return nil
	}

	cli, err := container.NewClient()
	if err != nil {
		return err
	}
	if err := container.Ping(ctx, cli); err != nil {
		return err
	}
	for img := range images {
		if img == "" {
			return apperrors.ConfigInvalid("a sandboxed role is missing sandbox.image")
		}
		if err := container.EnsureImage(ctx, cli, img, o.log); err != nil {
			return err
		}
	}
	o.docker = cli
	return nil
}

// verifyProvider is warn-only: an unreachable gh CLI disables the tool
// family for the run, it never blocks startup.
func (o *Orchestrator) verifyProvider(ctx context.Context) {
	if o.cfg.GitHub == nil {
		return
	}
	g := provider.New(o.cfg.GitHub.Repo, o.cfg.GitHub.Labels, 30*time.Second, o.log)
	if err := g.CheckAvailable(ctx); err != nil {
		o.log.Warn("hosting-provider CLI unavailable, provider tools disabled for this run", zap.Error(err))
	}
	o.github = g
}

func (o *Orchestrator) defaultBranch() string {
	if o.cfg.GitHub != nil && o.cfg.GitHub.DefaultBranch != "" {
		return o.cfg.GitHub.DefaultBranch
	}
	return "main"
}

func (o *Orchestrator) leadResumeToken() string {
	if a, ok := o.store.Agent(model.LeadAgentID); ok {
		return a.ResumeToken
	}
	return ""
}

// spawnLead creates (or refreshes) the lead agent's worktree and starts
// its session. The lead never skips permissions and never runs in a
// container.
func (o *Orchestrator) spawnLead(ctx context.Context, resumeToken string) error {
	persona, err := os.ReadFile(o.cfg.Archie.PersonaPath)
	if err != nil {
		return apperrors.ConfigInvalid("reading lead persona: " + err.Error())
	}

	prior, hadPrior := o.store.Agent(model.LeadAgentID)
	if hadPrior && prior.WorktreePath != "" {
		// a stale worktree from the previous run blocks re-creation
		if err := o.worktrees.Remove(ctx, model.LeadAgentID, true); err != nil {
			o.log.Warn("could not remove stale lead worktree", zap.Error(err))
		}
	}

	input := worktree.BriefInput{
		AgentID:      model.LeadAgentID,
		ProjectName:  o.cfg.Project.Name,
		ProjectDesc:  o.cfg.Project.Description,
		BusToolNames: bus.LeadToolNames,
		Roster:       o.roster(model.LeadAgentID),
		Assignment:   "Coordinate the project: decompose work, spawn specialists, integrate results.",
	}
	if hadPrior {
		input.SessionContext = toWorktreeContext(prior.SessionContext)
	}

	path, err := o.worktrees.Create(ctx, model.LeadAgentID, o.defaultBranch(), persona, input)
	if err != nil {
		return err
	}

	mcpPath, err := o.writeMCPConfig(model.LeadAgentID, o.bus.Host())
	if err != nil {
		return err
	}

	// The record must exist before the session starts: a very short
	// lived process can reach the exit handler before Spawn returns.
	if hadPrior {
		spawning := model.AgentStatusSpawning
		if err := o.store.UpdateAgent(model.LeadAgentID, store.AgentPatch{Status: &spawning}); err != nil {
			return err
		}
	} else {
		if err := o.store.RegisterAgent(&model.Agent{
			ID:           model.LeadAgentID,
			Role:         model.LeadAgentID,
			Status:       model.AgentStatusSpawning,
			Task:         "coordinating",
			WorktreePath: path,
			SpawnedAt:    time.Now().UTC(),
		}); err != nil {
			return err
		}
	}

	sup := session.NewLocal(session.Config{
		AgentID:        model.LeadAgentID,
		CLIPath:        o.cfg.Settings.CLIPath,
		ModelID:        o.cfg.Archie.ModelID,
		WorkDir:        path,
		MCPConfigPath:  mcpPath,
		NonInteractive: true,
		ResumeToken:    resumeToken,
		Prompt:         "Read CLAUDE.md in your working directory and begin coordinating the project.",
	}, o.meter, o, o.log)

	o.mu.Lock()
	o.sessions[model.LeadAgentID] = sup
	o.mu.Unlock()

	if err := sup.Spawn(ctx); err != nil {
		o.mu.Lock()
		delete(o.sessions, model.LeadAgentID)
		o.mu.Unlock()
		return err
	}

	pid := sup.Pid()
	if err := o.store.UpdateAgent(model.LeadAgentID, store.AgentPatch{ProcessID: &pid}); err != nil {
		o.log.Warn("could not record lead pid", zap.Error(err))
	}

	o.log.Info("lead agent spawned", zap.Int("pid", pid), zap.Bool("resumed", resumeToken != ""))
	return nil
}

// teardownPartialStartup releases whatever a failed startup managed to
// acquire; no sessions exist yet on this path.
func (o *Orchestrator) teardownPartialStartup() {
	if o.bgCancel != nil {
		o.bgCancel()
	}
	if o.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = o.bus.Shutdown(ctx)
	}
	if o.audit != nil {
		_ = o.audit.Close()
	}
}

// --- shutdown ----------------------------------------------------------

// GracePeriod bounds how long each session gets to exit on its own
// before force-termination.
const GracePeriod = 30 * time.Second

func (o *Orchestrator) shutdown() error {
	o.RequestShutdown()
	o.log.Info("shutting down")

	o.mu.Lock()
	sups := make([]session.Supervisor, 0, len(o.sessions))
	for _, sup := range o.sessions {
		sups = append(sups, sup)
	}
	o.mu.Unlock()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(sup session.Supervisor) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), GracePeriod)
			defer cancel()
			if err := sup.Stop(ctx); err != nil {
				o.log.Warn("session stop failed", zap.String("agent_id", sup.AgentID()), zap.Error(err))
			}
		}(sup)
	}
	wg.Wait()

	o.cleanup.RunAll()

	if !o.opts.KeepWorktrees {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		for _, a := range o.store.ListAgents() {
			if a.WorktreePath == "" {
				continue
			}
			if err := o.worktrees.Remove(ctx, a.ID, true); err != nil {
				o.log.Warn("could not remove worktree at shutdown",
					zap.String("agent_id", a.ID), zap.Error(err))
			}
		}
	}

	if o.bgCancel != nil {
		o.bgCancel()
	}
	if o.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.bus.Shutdown(ctx); err != nil {
			o.log.Warn("bus shutdown incomplete", zap.Error(err))
		}
	}

	o.printCostSummary()

	if o.audit != nil {
		_ = o.audit.Close()
	}
	if o.docker != nil {
		_ = o.docker.Close()
	}
	o.log.Info("shutdown complete")
	return nil
}

func (o *Orchestrator) printCostSummary() {
	agents := o.store.ListAgents()
	var totalCost float64
	var totalTokens int64

	fmt.Fprintf(o.opts.Stdout, "\n=== cost summary ===\n")
	for _, a := range agents {
		u := a.Usage
		if live, ok := o.meter.Usage(a.ID); ok {
			u = live
		}
		tokens := u.InputTokens + u.OutputTokens
		fmt.Fprintf(o.opts.Stdout, "%-16s %-12s %10d tokens  $%.4f\n", a.ID, a.Role, tokens, u.CostUSD)
		totalCost += u.CostUSD
		totalTokens += tokens
	}
	fmt.Fprintf(o.opts.Stdout, "%-16s %-12s %10d tokens  $%.4f\n", "total", "", totalTokens, totalCost)
}

// --- helpers -----------------------------------------------------------

func (o *Orchestrator) roster(excludeID string) []worktree.Roster {
	var out []worktree.Roster
	for _, a := range o.store.ListAgents() {
		if a.ID == excludeID || a.Status.Terminal() {
			continue
		}
		out = append(out, worktree.Roster{AgentID: a.ID, Role: a.Role, Task: a.Task})
	}
	return out
}

func (o *Orchestrator) writeMCPConfig(agentID, host string) (string, error) {
	url := mcpconfig.BusURL(host, o.bus.Port(), agentID)
	return mcpconfig.Write(o.stateDir, agentID, url)
}

func toWorktreeContext(sc *model.SessionContext) *worktree.SessionContext {
	if sc == nil {
		return nil
	}
	return &worktree.SessionContext{
		FilesModified: sc.FilesModified,
		Progress:      sc.Progress,
		NextSteps:     sc.NextSteps,
		Blockers:      sc.Blockers,
		Decisions:     sc.Decisions,
	}
}

func isAffirmative(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "continue", "approve", "ok":
		return true
	}
	return false
}

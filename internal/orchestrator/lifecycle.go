package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AppSecHQ/arch/internal/bus"
	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/config"
	"github.com/AppSecHQ/arch/internal/container"
	"github.com/AppSecHQ/arch/internal/meter"
	"github.com/AppSecHQ/arch/internal/model"
	"github.com/AppSecHQ/arch/internal/session"
	"github.com/AppSecHQ/arch/internal/store"
	"github.com/AppSecHQ/arch/internal/worktree"
)

var (
	_ bus.Lifecycle       = (*Orchestrator)(nil)
	_ session.ExitHandler = (*Orchestrator)(nil)
	_ meter.Observer      = (*Orchestrator)(nil)
)

// SpawnAgent is the bus callback behind the spawn_agent tool: admission
// gates, worktree creation, and session start for one new agent.
func (o *Orchestrator) SpawnAgent(ctx context.Context, req bus.SpawnAgentRequest) (bus.SpawnAgentResult, error) {
	entry, ok := o.cfg.RoleEntry(req.Role)
	if !ok {
		return bus.SpawnAgentResult{}, apperrors.UnknownRole(req.Role)
	}

	if err := o.gateBudget(ctx); err != nil {
		return bus.SpawnAgentResult{}, err
	}

	skip, err := o.gateSkipPermissions(ctx, req)
	if err != nil {
		return bus.SpawnAgentResult{}, err
	}

	// Admission and record registration happen under one lock so two
	// concurrent spawns cannot both pass the cap check.
	o.mu.Lock()
	if o.store.CountActive(req.Role) >= o.cfg.MaxInstancesFor(req.Role) {
		o.mu.Unlock()
		return bus.SpawnAgentResult{}, apperrors.CapExceeded(req.Role)
	}
	if o.store.CountActive("") >= o.cfg.Settings.MaxConcurrentAgents {
		o.mu.Unlock()
		return bus.SpawnAgentResult{}, apperrors.CapExceeded("max_concurrent_agents")
	}
	o.roleCounter[req.Role]++
	agentID := fmt.Sprintf("%s-%d", req.Role, o.roleCounter[req.Role])

	agent := &model.Agent{
		ID:              agentID,
		Role:            req.Role,
		Status:          model.AgentStatusSpawning,
		Task:            req.Assignment,
		WorktreePath:    worktree.PathFor(o.repoRoot, agentID),
		Sandboxed:       entry.Sandbox.Enabled,
		SkipPermissions: skip,
		SpawnedAt:       time.Now().UTC(),
	}
	if err := o.store.RegisterAgent(agent); err != nil {
		o.mu.Unlock()
		return bus.SpawnAgentResult{}, apperrors.InternalError("registering agent", err)
	}
	o.mu.Unlock()

	if skip {
		approver := "startup"
		if !o.preApproved[req.Role] {
			approver = "user-decision"
		}
		if err := o.audit.Record("skip_permissions", agentID, req.Role, approver); err != nil {
			o.failSpawn(agentID, err)
			return bus.SpawnAgentResult{}, apperrors.InternalError("recording audit entry", err)
		}
	}

	path, err := o.startSession(ctx, agentID, entry, req, skip)
	if err != nil {
		o.failSpawn(agentID, err)
		return bus.SpawnAgentResult{}, err
	}

	return bus.SpawnAgentResult{
		AgentID:         agentID,
		WorktreePath:    path,
		Sandboxed:       entry.Sandbox.Enabled,
		SkipPermissions: skip,
		Status:          string(model.AgentStatusSpawning),
	}, nil
}

// gateBudget blocks a spawn behind a human decision once the configured
// budget has been crossed.
func (o *Orchestrator) gateBudget(ctx context.Context) error {
	budget := o.cfg.Settings.TokenBudgetUSD
	if budget <= 0 {
		return nil
	}
	total := o.totalCost()
	if total < budget {
		return nil
	}
	answer, err := o.bus.Escalate(ctx, fmt.Sprintf(
		"budget_exceeded: cumulative cost $%.2f has crossed the configured budget $%.2f. Allow this spawn?",
		total, budget), []string{"continue", "stop"})
	if err != nil {
		return err
	}
	if !isAffirmative(answer) {
		return apperrors.Forbidden(fmt.Sprintf("spawn declined, token budget of $%.2f exhausted", budget))
	}
	return nil
}

// gateSkipPermissions resolves whether the new agent actually runs with
// permissions skipped. A request for a role that was not pre-approved
// at startup queues a decision before spawn.
func (o *Orchestrator) gateSkipPermissions(ctx context.Context, req bus.SpawnAgentRequest) (bool, error) {
	if !req.SkipPermissions {
		return false, nil
	}
	if o.preApproved[req.Role] {
		return true, nil
	}
	answer, err := o.bus.Escalate(ctx, fmt.Sprintf(
		"Role %q requests skip-permissions but was not pre-approved at startup. Allow?", req.Role),
		[]string{"y", "n"})
	if err != nil {
		return false, err
	}
	if !isAffirmative(answer) {
		return false, apperrors.PermissionNotPreApproved(req.Role)
	}
	return true, nil
}

// failSpawn marks a half-spawned agent errored and tells the lead.
func (o *Orchestrator) failSpawn(agentID string, cause error) {
	errStatus := model.AgentStatusError
	if err := o.store.UpdateAgent(agentID, store.AgentPatch{Status: &errStatus}); err != nil {
		o.log.Warn("could not mark failed spawn", zap.String("agent_id", agentID), zap.Error(err))
	}
	if _, err := o.store.AppendMessage(agentID, model.LeadAgentID,
		fmt.Sprintf("spawn of %s failed: %v", agentID, cause)); err != nil {
		o.log.Warn("could not notify lead of failed spawn", zap.Error(err))
	}
	o.mu.Lock()
	delete(o.sessions, agentID)
	o.mu.Unlock()
}

// startSession creates the worktree, writes the bus config, and starts
// the local or containerized session for one admitted agent.
func (o *Orchestrator) startSession(ctx context.Context, agentID string, entry config.PoolEntry, req bus.SpawnAgentRequest, skip bool) (string, error) {
	persona, err := o.readPersona(entry.PersonaPath)
	if err != nil {
		return "", err
	}

	assignment := req.Assignment
	if req.Context != "" {
		assignment += "\n\nContext from the lead:\n" + req.Context
	}

	input := worktree.BriefInput{
		AgentID:      agentID,
		ProjectName:  o.cfg.Project.Name,
		ProjectDesc:  o.cfg.Project.Description,
		BusToolNames: bus.AgentToolNames,
		Roster:       o.roster(agentID),
		Assignment:   assignment,
	}

	path, err := o.worktrees.Create(ctx, agentID, o.defaultBranch(), persona, input)
	if err != nil {
		return "", err
	}

	host := o.bus.Host()
	if entry.Sandbox.Enabled && entry.Sandbox.Network != "host" {
		host = container.HostGateway()
	}
	mcpPath, err := o.writeMCPConfig(agentID, host)
	if err != nil {
		return "", err
	}

	var sup session.Supervisor
	if entry.Sandbox.Enabled {
		network := entry.Sandbox.Network
		if network == "" {
			network = "bridge"
		}
		sup = container.New(container.Config{
			AgentID:         agentID,
			ContainerName:   "arch-" + agentID,
			Image:           entry.Sandbox.Image,
			CLIPath:         o.cfg.Settings.CLIPath,
			ModelID:         entry.ModelID,
			WorktreePath:    path,
			MCPConfigPath:   mcpPath,
			Network:         network,
			MemoryLimit:     entry.Sandbox.MemoryLimit,
			CPUs:            entry.Sandbox.CPUs,
			ExtraMounts:     entry.Sandbox.ExtraMounts,
			SkipPermissions: skip,
			NonInteractive:  true,
			Prompt:          "Read CLAUDE.md in your working directory and complete your assignment.",
		}, o.docker, o.meter, o, o.cleanup, o.log)
	} else {
		sup = session.NewLocal(session.Config{
			AgentID:         agentID,
			CLIPath:         o.cfg.Settings.CLIPath,
			ModelID:         entry.ModelID,
			WorkDir:         path,
			MCPConfigPath:   mcpPath,
			NonInteractive:  true,
			SkipPermissions: skip,
			Prompt:          "Read CLAUDE.md in your working directory and complete your assignment.",
		}, o.meter, o, o.log)
	}

	o.mu.Lock()
	o.sessions[agentID] = sup
	o.mu.Unlock()

	if err := sup.Spawn(ctx); err != nil {
		o.mu.Lock()
		delete(o.sessions, agentID)
		o.mu.Unlock()
		return "", err
	}

	patch := store.AgentPatch{}
	if cs, ok := sup.(*container.Supervisor); ok {
		name := cs.ContainerName()
		patch.ContainerName = &name
	} else if ls, ok := sup.(*session.LocalSupervisor); ok {
		pid := ls.Pid()
		patch.ProcessID = &pid
	}
	if err := o.store.UpdateAgent(agentID, patch); err != nil {
		o.log.Warn("could not record execution handle", zap.String("agent_id", agentID), zap.Error(err))
	}

	return path, nil
}

func (o *Orchestrator) readPersona(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.ConfigInvalid("reading persona file " + path + ": " + err.Error())
	}
	return data, nil
}

// TeardownAgent is the bus callback behind the teardown_agent tool.
// Failed worktree removal is fatal to the teardown; the lead decides
// whether to retry.
func (o *Orchestrator) TeardownAgent(ctx context.Context, req bus.TeardownAgentRequest) error {
	if req.AgentID == model.LeadAgentID {
		return apperrors.Forbidden("the lead agent cannot be torn down")
	}
	if _, ok := o.store.Agent(req.AgentID); !ok {
		return apperrors.NotFound("agent", req.AgentID)
	}

	o.mu.Lock()
	sup := o.sessions[req.AgentID]
	o.mu.Unlock()

	if sup != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), GracePeriod)
		defer cancel()
		if err := sup.Stop(stopCtx); err != nil {
			o.log.Warn("session stop failed during teardown",
				zap.String("agent_id", req.AgentID), zap.Error(err))
		}
	}

	if !o.opts.KeepWorktrees {
		if err := o.worktrees.Remove(ctx, req.AgentID, true); err != nil {
			return err
		}
	}

	done := model.AgentStatusDone
	task := "torn down"
	if req.Reason != "" {
		task = "torn down: " + req.Reason
	}
	return o.store.UpdateAgent(req.AgentID, store.AgentPatch{Status: &done, Task: &task})
}

// RequestMerge lands an agent's branch: a pull request when a title was
// supplied, a local non-fast-forward merge otherwise.
func (o *Orchestrator) RequestMerge(ctx context.Context, req bus.RequestMergeRequest) (bus.RequestMergeResult, error) {
	if _, ok := o.store.Agent(req.AgentID); !ok {
		return bus.RequestMergeResult{}, apperrors.NotFound("agent", req.AgentID)
	}

	target := req.Target
	if target == "" {
		target = o.defaultBranch()
	}

	if o.cfg.Settings.RequiresApproval("merge") && !o.cfg.Settings.AutoMerge {
		answer, err := o.bus.Escalate(ctx, fmt.Sprintf(
			"Merge %s's work into %s?", req.AgentID, target), []string{"y", "n"})
		if err != nil {
			return bus.RequestMergeResult{}, err
		}
		if !isAffirmative(answer) {
			return bus.RequestMergeResult{}, apperrors.Forbidden("merge declined by user")
		}
	}

	if req.PRTitle != "" {
		url, err := o.worktrees.CreatePullRequest(ctx, req.AgentID, target, req.PRTitle, req.PRBody)
		if err != nil {
			return bus.RequestMergeResult{}, err
		}
		return bus.RequestMergeResult{Merged: false, PullRequestURL: url}, nil
	}

	if err := o.worktrees.Merge(ctx, req.AgentID, target); err != nil {
		return bus.RequestMergeResult{}, err
	}
	return bus.RequestMergeResult{Merged: true}, nil
}

// GetProjectContext assembles the lead's project overview.
func (o *Orchestrator) GetProjectContext(ctx context.Context) (bus.GetProjectContextResult, error) {
	project := o.store.Project()
	if project == nil {
		return bus.GetProjectContextResult{}, apperrors.InternalError("project context unset", nil)
	}

	gitStatus, err := o.worktrees.Status(ctx)
	if err != nil {
		gitStatus = "unavailable: " + err.Error()
	}

	briefContent, err := o.brief.Read()
	if err != nil {
		return bus.GetProjectContextResult{}, apperrors.InternalError("reading project brief", err)
	}

	var live []bus.AgentSummary
	for _, a := range o.store.ListAgents() {
		if a.Status.Terminal() {
			continue
		}
		usage := a.Usage
		if u, ok := o.meter.Usage(a.ID); ok {
			usage = u
		}
		live = append(live, bus.AgentSummary{
			ID:         a.ID,
			Role:       a.Role,
			Status:     string(a.Status),
			Task:       a.Task,
			TokensUsed: usage.InputTokens + usage.OutputTokens,
			CostUSD:    usage.CostUSD,
		})
	}

	return bus.GetProjectContextResult{
		ProjectName:  project.Name,
		Description:  project.Description,
		RepoRoot:     project.RepoRoot,
		GitStatus:    gitStatus,
		LiveAgents:   live,
		BriefContent: briefContent,
	}, nil
}

// UpdateBrief rewrites one of the two kernel-owned brief sections.
func (o *Orchestrator) UpdateBrief(ctx context.Context, req bus.UpdateBriefRequest) error {
	switch req.Section {
	case "current_status":
		return o.brief.ReplaceCurrentStatus(req.Content)
	case "decisions_log":
		return o.brief.AppendDecision(req.Content)
	default:
		return apperrors.BadRequest(fmt.Sprintf(
			"unknown brief section %q, want current_status or decisions_log", req.Section))
	}
}

// CloseProject signals graceful shutdown.
func (o *Orchestrator) CloseProject(ctx context.Context, req bus.CloseProjectRequest) error {
	if strings.TrimSpace(req.Summary) != "" {
		if err := o.brief.ReplaceCurrentStatus("Project closed: " + req.Summary); err != nil {
			o.log.Warn("could not record closing summary in brief", zap.Error(err))
		}
	}
	o.log.Info("close_project received", zap.String("summary", req.Summary))
	o.RequestShutdown()
	return nil
}

// --- session exit handling ---------------------------------------------

// OnSessionExit records one session's end: final status, resume token,
// usage totals. For the lead, a single restart is attempted on an
// unexpected exit; a second failure (or a clean exit) ends the run.
func (o *Orchestrator) OnSessionExit(agentID string, exitErr error) {
	o.mu.Lock()
	sup := o.sessions[agentID]
	delete(o.sessions, agentID)
	o.mu.Unlock()

	var token string
	if sup != nil {
		token = sup.ResumeToken()
	}

	status := model.AgentStatusDone
	if exitErr != nil {
		status = model.AgentStatusError
	}
	patch := store.AgentPatch{Status: &status}
	if token != "" {
		patch.ResumeToken = &token
	}
	if usage, ok := o.meter.Usage(agentID); ok {
		patch.Usage = &usage
	}
	if err := o.store.UpdateAgent(agentID, patch); err != nil {
		o.log.Warn("could not record session exit", zap.String("agent_id", agentID), zap.Error(err))
	}

	if exitErr != nil && agentID != model.LeadAgentID {
		if _, err := o.store.AppendMessage(agentID, model.LeadAgentID,
			fmt.Sprintf("agent %s exited with error: %v", agentID, exitErr)); err != nil {
			o.log.Warn("could not notify lead of agent failure", zap.Error(err))
		}
	}

	if agentID != model.LeadAgentID {
		return
	}

	if exitErr != nil && !o.isShuttingDown() {
		o.mu.Lock()
		restarted := o.leadRestart
		o.leadRestart = true
		o.mu.Unlock()
		if !restarted {
			o.log.Warn("lead exited unexpectedly, attempting one restart", zap.Error(exitErr))
			go func() {
				if err := o.spawnLead(context.Background(), token); err != nil {
					o.log.Error("lead restart failed, shutting down", zap.Error(err))
					o.RequestShutdown()
				}
			}()
			return
		}
		o.log.Error("lead failed twice, shutting down", zap.Error(exitErr))
	}
	o.RequestShutdown()
}

// --- meter observation -------------------------------------------------

// OnUsage mirrors the meter's running totals into the durable agent
// record and enforces the monetary budget by queueing a decision the
// first time cumulative cost crosses it.
func (o *Orchestrator) OnUsage(agentID string, usage model.Usage) {
	u := usage
	if err := o.store.UpdateAgent(agentID, store.AgentPatch{Usage: &u}); err != nil {
		o.log.Debug("could not persist usage", zap.String("agent_id", agentID), zap.Error(err))
	}
	o.checkBudget()
}

// OnAssistantText is live-view only; the meter's ring buffer holds it.
func (o *Orchestrator) OnAssistantText(agentID, text string) {}

// OnResult persists the resume token as soon as it is observed, so a
// crash between result and exit still leaves the token on disk.
func (o *Orchestrator) OnResult(agentID, resumeToken string) {
	if resumeToken == "" {
		return
	}
	if err := o.store.UpdateAgent(agentID, store.AgentPatch{ResumeToken: &resumeToken}); err != nil {
		o.log.Debug("could not persist resume token", zap.String("agent_id", agentID), zap.Error(err))
	}
}

func (o *Orchestrator) totalCost() float64 {
	var total float64
	for _, a := range o.store.ListAgents() {
		u := a.Usage
		if live, ok := o.meter.Usage(a.ID); ok {
			u = live
		}
		total += u.CostUSD
	}
	return total
}

func (o *Orchestrator) checkBudget() {
	budget := o.cfg.Settings.TokenBudgetUSD
	if budget <= 0 {
		return
	}
	total := o.totalCost()
	if total < budget {
		return
	}

	o.mu.Lock()
	asked := o.budgetAsked
	o.budgetAsked = true
	o.mu.Unlock()
	if asked {
		return
	}

	if _, err := o.store.QueueDecision(uuid.NewString(), fmt.Sprintf(
		"budget_exceeded: cumulative cost $%.2f has crossed the configured budget $%.2f. Continue the run?",
		total, budget), []string{"continue", "stop"}); err != nil {
		o.log.Warn("could not queue budget decision", zap.Error(err))
	}
	o.log.Warn("token budget exceeded", zap.Float64("total_usd", total), zap.Float64("budget_usd", budget))
}

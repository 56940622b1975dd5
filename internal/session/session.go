// Package session supervises one agent's AI CLI process: spawn it,
// feed its structured output stream to the token meter, and record its
// exit exactly once. The containerized variant (internal/container)
// implements the same Supervisor interface so the orchestrator never
// special-cases either.
package session

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/common/logger"
	"github.com/AppSecHQ/arch/internal/meter"
	"github.com/AppSecHQ/arch/internal/model"
)

// Supervisor is the contract both the local and containerized variants
// implement.
type Supervisor interface {
	Spawn(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	ResumeToken() string
	AgentID() string
}

// ExitHandler is notified exactly once when a session ends, whichever
// path observes it first (stream EOF or an external Stop).
type ExitHandler interface {
	OnSessionExit(agentID string, exitErr error)
}

// Config describes one local AI CLI invocation.
type Config struct {
	AgentID         string
	CLIPath         string // the AI CLI binary, e.g. "claude"
	ModelID         string
	WorkDir         string // the agent's worktree
	MCPConfigPath   string
	NonInteractive  bool
	SkipPermissions bool
	ResumeToken     string
	Prompt          string
}

// LocalSupervisor runs the AI CLI as a local subprocess.
type LocalSupervisor struct {
	cfg     Config
	meter   *meter.Meter
	handler ExitHandler
	log     *logger.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	running     bool
	resumeToken string
	exitOnce    sync.Once
}

// NewLocal creates a LocalSupervisor for cfg. handler is notified once
// when the session ends.
func NewLocal(cfg Config, mtr *meter.Meter, handler ExitHandler, log *logger.Logger) *LocalSupervisor {
	if log == nil {
		log = logger.Default()
	}
	return &LocalSupervisor{
		cfg:         cfg,
		meter:       mtr,
		handler:     handler,
		log:         log.WithFields(zap.String("component", "session-supervisor"), zap.String("agent_id", cfg.AgentID)),
		resumeToken: cfg.ResumeToken,
	}
}

// buildArgs constructs the AI CLI invocation: model id, streaming
// output flag, the per-agent bus-config file, non-interactive flag,
// optional skip-permissions flag, optional resume-token flag, and the
// spawn prompt as the final positional argument.
func (s *LocalSupervisor) buildArgs() []string {
	args := []string{
		"--model", s.cfg.ModelID,
		"--output-format", "stream-json",
		"--mcp-config", s.cfg.MCPConfigPath,
	}
	if s.cfg.NonInteractive {
		args = append(args, "--non-interactive")
	}
	if s.cfg.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if s.cfg.ResumeToken != "" {
		args = append(args, "--resume", s.cfg.ResumeToken)
	}
	return append(args, s.cfg.Prompt)
}

// Spawn starts the subprocess and begins consuming its output stream in
// the background. It returns once the process has started, not once it
// exits.
func (s *LocalSupervisor) Spawn(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session %s already running", s.cfg.AgentID)
	}

	cmd := exec.Command(s.cfg.CLIPath, s.buildArgs()...)
	cmd.Dir = s.cfg.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return apperrors.InternalError("opening agent stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.mu.Unlock()
		return apperrors.InternalError("opening agent stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return apperrors.InternalError(fmt.Sprintf("starting AI CLI for %s", s.cfg.AgentID), err)
	}

	s.cmd = cmd
	s.running = true
	s.mu.Unlock()

	s.meter.RegisterAgent(s.cfg.AgentID, s.cfg.ModelID)

	// The error stream must be actively drained — never left buffering,
	// since a full pipe buffer will deadlock the child.
	go s.drainStderr(stderr)
	// Wait closes the stdout pipe, so it runs only after the output
	// pipeline has read the stream to EOF and seen every event.
	go func() {
		s.runOutputPipeline(stdout)
		s.wait()
	}()

	s.log.Info("spawned agent session", zap.Strings("args", s.buildArgs()))
	return nil
}

func (s *LocalSupervisor) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.log.Debug("agent stderr", zap.ByteString("data", buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (s *LocalSupervisor) runOutputPipeline(r io.Reader) {
	obs := resumeTokenObserver{sup: s}
	if err := s.meter.Consume(s.cfg.AgentID, r, obs); err != nil {
		s.log.Warn("agent output stream ended with error", zap.Error(err))
	}
}

// resumeTokenObserver captures the resume token from result events,
// scoped to this one stream via meter.Consume's extra-observer
// parameter rather than a permanent meter.Subscribe, since a supervisor
// only cares about its own agent's events and a global subscription
// would outlive the session.
type resumeTokenObserver struct {
	sup *LocalSupervisor
}

func (o resumeTokenObserver) OnUsage(agentID string, usage model.Usage) {}

func (o resumeTokenObserver) OnAssistantText(agentID, text string) {}

func (o resumeTokenObserver) OnResult(agentID, resumeToken string) {
	o.sup.mu.Lock()
	o.sup.resumeToken = resumeToken
	o.sup.mu.Unlock()
}

func (s *LocalSupervisor) wait() {
	err := s.cmd.Wait()
	s.finish(err)
}

// finish runs the exit handler at most once, guarded by exitOnce so
// both the natural end-of-stream path and an external Stop cannot both
// fire it.
func (s *LocalSupervisor) finish(err error) {
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		if err != nil {
			s.log.Warn("agent process exited non-zero", zap.Error(err))
		} else {
			s.log.Info("agent process exited")
		}
		if s.handler != nil {
			s.handler.OnSessionExit(s.cfg.AgentID, err)
		}
	})
}

// Stop sends the subprocess SIGTERM and waits for it to exit; if the
// context is done (or 30 seconds pass) first, it kills the process.
func (s *LocalSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	running := s.running
	s.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		s.finish(nil)
		return nil
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
	case <-time.After(30 * time.Second):
		_ = cmd.Process.Kill()
		<-done
	}

	s.finish(ctx.Err())
	return nil
}

func (s *LocalSupervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *LocalSupervisor) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

func (s *LocalSupervisor) AgentID() string {
	return s.cfg.AgentID
}

// Pid returns the subprocess's process id, or 0 before Spawn.
func (s *LocalSupervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

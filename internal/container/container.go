// Package container implements the containerized session variant: the
// agent's AI CLI runs inside an isolated container with its worktree
// mounted at a fixed path, its bus-config file mounted read-only,
// resource limits, and a selectable network mode. The same Supervisor
// contract as the local variant means the orchestrator never
// special-cases either.
package container

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	apperrors "github.com/AppSecHQ/arch/internal/common/errors"
	"github.com/AppSecHQ/arch/internal/common/logger"
	"github.com/AppSecHQ/arch/internal/meter"
	"github.com/AppSecHQ/arch/internal/model"
	"github.com/AppSecHQ/arch/internal/session"
)

const (
	// WorkspaceDir is the fixed in-container mount point for the
	// agent's worktree.
	WorkspaceDir = "/workspace"

	// MCPConfigFile is the fixed in-container path of the read-only
	// bus-config mount.
	MCPConfigFile = "/etc/arch/mcp.json"

	// managedLabel marks every container this harness owns, so stale
	// ones can be found and stopped.
	managedLabel = "arch.managed"
)

// HostGateway returns the hostname a container uses to reach the bus
// server on the host. Docker Desktop provides host.docker.internal on
// macOS and Windows; on Linux the same name is wired explicitly via an
// extra-hosts host-gateway mapping at container create.
func HostGateway() string {
	return "host.docker.internal"
}

// extraHosts returns the host mappings to inject at create time. Only
// Linux needs the explicit host-gateway entry.
func extraHosts() []string {
	if runtime.GOOS == "linux" {
		return []string{HostGateway() + ":host-gateway"}
	}
	return nil
}

// NewClient creates a Docker SDK client from the environment.
func NewClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperrors.ContainerRuntimeUnavailable(err.Error())
	}
	return cli, nil
}

// Ping verifies the container daemon is reachable.
func Ping(ctx context.Context, cli *client.Client) error {
	if _, err := cli.Ping(ctx); err != nil {
		return apperrors.ContainerRuntimeUnavailable(err.Error())
	}
	return nil
}

// EnsureImage makes imageName locally available, pulling it if missing.
func EnsureImage(ctx context.Context, cli *client.Client, imageName string, log *logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}
	args := filters.NewArgs(filters.Arg("reference", imageName))
	images, err := cli.ImageList(ctx, image.ListOptions{Filters: args})
	if err != nil {
		return apperrors.ContainerRuntimeUnavailable(err.Error())
	}
	if len(images) > 0 {
		return nil
	}

	log.Info("pulling agent image", zap.String("image", imageName))
	reader, err := cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return apperrors.ContainerRuntimeUnavailable(fmt.Sprintf("pulling image %s: %v", imageName, err))
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return apperrors.ContainerRuntimeUnavailable(fmt.Sprintf("reading pull output for %s: %v", imageName, err))
	}
	return nil
}

// Config describes one containerized AI CLI invocation.
type Config struct {
	AgentID       string
	ContainerName string
	Image         string
	CLIPath       string
	ModelID       string
	WorktreePath  string
	MCPConfigPath string

	Network     string // bridge | none | host
	MemoryLimit string // human-readable, e.g. "2g"
	CPUs        float64
	ExtraMounts []string // "hostPath:containerPath", always mounted read-only

	SkipPermissions bool
	NonInteractive  bool
	ResumeToken     string
	Prompt          string
}

var _ session.Supervisor = (*Supervisor)(nil)

// Supervisor runs one agent inside a container, implementing the same
// contract as session.LocalSupervisor.
type Supervisor struct {
	cfg     Config
	docker  *client.Client
	meter   *meter.Meter
	handler session.ExitHandler
	cleanup *CleanupSet
	log     *logger.Logger

	mu          sync.Mutex
	containerID string
	running     bool
	resumeToken string
	exitOnce    sync.Once
}

// New creates a containerized Supervisor. cleanup receives an emergency
// stop registration in case the container's auto-remove fails.
func New(cfg Config, cli *client.Client, mtr *meter.Meter, handler session.ExitHandler, cleanup *CleanupSet, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	return &Supervisor{
		cfg:         cfg,
		docker:      cli,
		meter:       mtr,
		handler:     handler,
		cleanup:     cleanup,
		log:         log.WithFields(zap.String("component", "container-supervisor"), zap.String("agent_id", cfg.AgentID)),
		resumeToken: cfg.ResumeToken,
	}
}

// buildCmd mirrors the local supervisor's AI CLI argument order, with
// the bus-config path rewritten to its in-container mount point.
func (s *Supervisor) buildCmd() []string {
	args := []string{
		s.cfg.CLIPath,
		"--model", s.cfg.ModelID,
		"--output-format", "stream-json",
		"--mcp-config", MCPConfigFile,
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

// parseExtraMount splits a "hostPath:containerPath" spec. Paths with a
// colon in the host part are not supported.
func parseExtraMount(spec string) (src, dst string, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid extra mount %q, want hostPath:containerPath", spec)
	}
	return parts[0], parts[1], nil
}

func (s *Supervisor) buildMounts() ([]mount.Mount, error) {
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: s.cfg.WorktreePath, Target: WorkspaceDir},
		{Type: mount.TypeBind, Source: s.cfg.MCPConfigPath, Target: MCPConfigFile, ReadOnly: true},
	}
	for _, spec := range s.cfg.ExtraMounts {
		src, dst, err := parseExtraMount(spec)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: src, Target: dst, ReadOnly: true})
	}
	return mounts, nil
}

// Spawn creates and starts the container, then begins consuming its log
// stream. Auto-remove is set so a clean exit leaves nothing behind; the
// emergency-cleanup registration covers the case where it fails.
func (s *Supervisor) Spawn(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session %s already running", s.cfg.AgentID)
	}
	s.mu.Unlock()

	mounts, err := s.buildMounts()
	if err != nil {
		return apperrors.ConfigInvalid(err.Error())
	}

	memory, err := ParseMemoryLimit(s.cfg.MemoryLimit)
	if err != nil {
		return apperrors.ConfigInvalid(err.Error())
	}

	containerCfg := &container.Config{
		Image:      s.cfg.Image,
		Cmd:        s.buildCmd(),
		WorkingDir: WorkspaceDir,
		Labels: map[string]string{
			managedLabel:    "true",
			"arch.agent_id": s.cfg.AgentID,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(s.cfg.Network),
		AutoRemove:  true,
		ExtraHosts:  extraHosts(),
		Resources: container.Resources{
			Memory:   memory,
			NanoCPUs: int64(s.cfg.CPUs * 1e9),
		},
	}

	resp, err := s.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, s.cfg.ContainerName)
	if err != nil {
		return apperrors.InternalError(fmt.Sprintf("creating container for %s", s.cfg.AgentID), err)
	}

	s.mu.Lock()
	s.containerID = resp.ID
	s.running = true
	s.mu.Unlock()

	if s.cleanup != nil {
		s.cleanup.Register(s.cfg.ContainerName, func() {
			timeout := 0
			_ = s.docker.ContainerStop(context.Background(), resp.ID, container.StopOptions{Timeout: &timeout})
		})
	}

	if err := s.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return apperrors.InternalError(fmt.Sprintf("starting container for %s", s.cfg.AgentID), err)
	}

	s.meter.RegisterAgent(s.cfg.AgentID, s.cfg.ModelID)

	go s.runOutputPipeline()
	go s.wait()

	s.log.Info("spawned containerized agent session",
		zap.String("container_id", resp.ID),
		zap.String("container_name", s.cfg.ContainerName),
		zap.String("image", s.cfg.Image))
	return nil
}

// runOutputPipeline follows the container's log stream, demultiplexes
// the stdout lane from stderr (container logs are muxed when no TTY is
// allocated), and feeds stdout to the Token Meter. The stderr lane is
// drained into the debug log, mirroring the local supervisor.
func (s *Supervisor) runOutputPipeline() {
	s.mu.Lock()
	id := s.containerID
	s.mu.Unlock()

	logs, err := s.docker.ContainerLogs(context.Background(), id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		s.log.Warn("could not attach to container logs", zap.Error(err))
		return
	}
	defer logs.Close()

	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, stderrLogger{s.log}, logs)
		pw.CloseWithError(err)
	}()

	obs := resumeTokenObserver{sup: s}
	if err := s.meter.Consume(s.cfg.AgentID, pr, obs); err != nil {
		s.log.Warn("container output stream ended with error", zap.Error(err))
	}
}

// stderrLogger drains the demuxed stderr lane into the debug log so the
// muxed stream never backs up.
type stderrLogger struct {
	log *logger.Logger
}

func (w stderrLogger) Write(p []byte) (int, error) {
	w.log.Debug("agent stderr", zap.ByteString("data", p))
	return len(p), nil
}

type resumeTokenObserver struct {
	sup *Supervisor
}

func (o resumeTokenObserver) OnUsage(agentID string, usage model.Usage) {}

func (o resumeTokenObserver) OnAssistantText(agentID, text string) {}

func (o resumeTokenObserver) OnResult(agentID, resumeToken string) {
	o.sup.mu.Lock()
	o.sup.resumeToken = resumeToken
	o.sup.mu.Unlock()
}

func (s *Supervisor) wait() {
	s.mu.Lock()
	id := s.containerID
	s.mu.Unlock()

	statusCh, errCh := s.docker.ContainerWait(context.Background(), id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		s.finish(err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			s.finish(fmt.Errorf("container exited with status %d", status.StatusCode))
			return
		}
		s.finish(nil)
	}
}

// finish runs the exit handler at most once, whichever path observes
// the session ending first.
func (s *Supervisor) finish(err error) {
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		if s.cleanup != nil {
			s.cleanup.Forget(s.cfg.ContainerName)
		}
		if err != nil {
			s.log.Warn("containerized agent exited non-zero", zap.Error(err))
		} else {
			s.log.Info("containerized agent exited")
		}
		if s.handler != nil {
			s.handler.OnSessionExit(s.cfg.AgentID, err)
		}
	})
}

// Stop stops the container, allowing a bounded grace period before the
// daemon escalates to a kill. Auto-remove tears the container down.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	id := s.containerID
	running := s.running
	s.mu.Unlock()

	if !running || id == "" {
		s.finish(nil)
		return nil
	}

	grace := 30
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := int(time.Until(deadline).Seconds()); remaining > 0 && remaining < grace {
			grace = remaining
		}
	}
	if err := s.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil {
		s.log.Warn("container stop failed, killing", zap.Error(err))
		if err := s.docker.ContainerKill(context.Background(), id, "SIGKILL"); err != nil {
			s.log.Warn("container kill failed", zap.Error(err))
		}
	}
	return nil
}

func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) ResumeToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeToken
}

func (s *Supervisor) AgentID() string {
	return s.cfg.AgentID
}

// ContainerName returns the name persisted in the agent record.
func (s *Supervisor) ContainerName() string {
	return s.cfg.ContainerName
}

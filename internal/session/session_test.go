package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AppSecHQ/arch/internal/common/logger"
	"github.com/AppSecHQ/arch/internal/meter"
	"github.com/AppSecHQ/arch/internal/model"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

// recordingHandler counts exit notifications and remembers the last error.
type recordingHandler struct {
	mu    sync.Mutex
	count int
	err   error
	done  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{done: make(chan struct{}, 4)}
}

func (h *recordingHandler) OnSessionExit(agentID string, exitErr error) {
	h.mu.Lock()
	h.count++
	h.err = exitErr
	h.mu.Unlock()
	h.done <- struct{}{}
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("exit handler never fired")
	}
}

func fakeCLI(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestBuildArgs_FullInvocation(t *testing.T) {
	s := NewLocal(Config{
		AgentID:         "qa-1",
		CLIPath:         "claude",
		ModelID:         "model-x",
		MCPConfigPath:   "/state/qa-1-mcp.json",
		NonInteractive:  true,
		SkipPermissions: true,
		ResumeToken:     "abc123",
		Prompt:          "do the thing",
	}, meter.New(nil, nil), nil, newTestLogger())

	args := s.buildArgs()
	require.Equal(t, []string{
		"--model", "model-x",
		"--output-format", "stream-json",
		"--mcp-config", "/state/qa-1-mcp.json",
		"--non-interactive",
		"--dangerously-skip-permissions",
		"--resume", "abc123",
		"do the thing",
	}, args)
}

func TestBuildArgs_OmitsOptionalFlags(t *testing.T) {
	s := NewLocal(Config{
		AgentID: "qa-1", CLIPath: "claude", ModelID: "m", MCPConfigPath: "/c", Prompt: "p",
	}, meter.New(nil, nil), nil, newTestLogger())

	args := s.buildArgs()
	require.NotContains(t, args, "--non-interactive")
	require.NotContains(t, args, "--dangerously-skip-permissions")
	require.NotContains(t, args, "--resume")
	require.Equal(t, "p", args[len(args)-1])
}

func TestSpawn_StreamFeedsMeterAndCapturesResumeToken(t *testing.T) {
	script := `echo '{"type":"usage","input_tokens":10,"output_tokens":5,"cache_read_input_tokens":0,"cache_creation_input_tokens":0}'
echo '{"type":"result","session_id":"tok-42"}'`

	mtr := meter.New(nil, nil)
	h := newRecordingHandler()
	s := NewLocal(Config{
		AgentID: "qa-1", CLIPath: fakeCLI(t, script), ModelID: "m",
		WorkDir: t.TempDir(), MCPConfigPath: "/dev/null", Prompt: "p",
	}, mtr, h, newTestLogger())

	require.NoError(t, s.Spawn(context.Background()))
	require.NotZero(t, s.Pid())
	h.wait(t)

	require.Eventually(t, func() bool {
		usage, ok := mtr.Usage("qa-1")
		return ok && usage.InputTokens == 10 && usage.OutputTokens == 5
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.ResumeToken() == "tok-42"
	}, 5*time.Second, 10*time.Millisecond)

	require.False(t, s.IsRunning())
	require.Nil(t, h.err)
}

func TestExitHandler_FiresExactlyOnceWhenStopRaces(t *testing.T) {
	h := newRecordingHandler()
	s := NewLocal(Config{
		AgentID: "qa-1", CLIPath: fakeCLI(t, "sleep 5"), ModelID: "m",
		WorkDir: t.TempDir(), MCPConfigPath: "/dev/null", Prompt: "p",
	}, meter.New(nil, nil), h, newTestLogger())

	require.NoError(t, s.Spawn(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	h.wait(t)

	// a second Stop after exit must not refire the handler
	require.NoError(t, s.Stop(ctx))

	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, 1, h.count)
}

func TestNonZeroExit_ReportedToHandler(t *testing.T) {
	h := newRecordingHandler()
	s := NewLocal(Config{
		AgentID: "qa-1", CLIPath: fakeCLI(t, "exit 3"), ModelID: "m",
		WorkDir: t.TempDir(), MCPConfigPath: "/dev/null", Prompt: "p",
	}, meter.New(nil, nil), h, newTestLogger())

	require.NoError(t, s.Spawn(context.Background()))
	h.wait(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Error(t, h.err)
}

func TestStop_OnNeverSpawnedSessionIsCleanExit(t *testing.T) {
	h := newRecordingHandler()
	s := NewLocal(Config{AgentID: "qa-1", CLIPath: "claude"}, meter.New(nil, nil), h, newTestLogger())

	require.NoError(t, s.Stop(context.Background()))
	h.wait(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, 1, h.count)
	require.Nil(t, h.err)
}

var (
	_ meter.Observer = resumeTokenObserver{}
	_ Supervisor     = (*LocalSupervisor)(nil)
)

func TestResumeTokenObserver_IgnoresOtherEvents(t *testing.T) {
	s := NewLocal(Config{AgentID: "qa-1"}, meter.New(nil, nil), nil, newTestLogger())
	obs := resumeTokenObserver{sup: s}
	obs.OnUsage("qa-1", model.Usage{})
	obs.OnAssistantText("qa-1", "hi")
	require.Empty(t, s.ResumeToken())
	obs.OnResult("qa-1", "tok")
	require.Equal(t, "tok", s.ResumeToken())
}

package container

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCmd_FlagOrderAndOptionals(t *testing.T) {
	s := &Supervisor{cfg: Config{
		CLIPath:        "claude",
		ModelID:        "model-x",
		NonInteractive: true,
		Prompt:         "do the thing",
	}}
	cmd := s.buildCmd()
	require.Equal(t, []string{
		"claude", "--model", "model-x", "--output-format", "stream-json",
		"--mcp-config", MCPConfigFile, "--non-interactive", "do the thing",
	}, cmd)

	s.cfg.SkipPermissions = true
	s.cfg.ResumeToken = "abc123"
	cmd = s.buildCmd()
	require.Contains(t, cmd, "--dangerously-skip-permissions")
	require.Contains(t, cmd, "--resume")
	require.Equal(t, "do the thing", cmd[len(cmd)-1])
}

func TestBuildMounts_WorktreeAndConfigAndExtras(t *testing.T) {
	s := &Supervisor{cfg: Config{
		WorktreePath:  "/repo/.worktrees/qa-1",
		MCPConfigPath: "/state/qa-1-mcp.json",
		ExtraMounts:   []string{"/opt/cache:/cache"},
	}}
	mounts, err := s.buildMounts()
	require.NoError(t, err)
	require.Len(t, mounts, 3)

	require.Equal(t, WorkspaceDir, mounts[0].Target)
	require.False(t, mounts[0].ReadOnly)

	require.Equal(t, MCPConfigFile, mounts[1].Target)
	require.True(t, mounts[1].ReadOnly)

	require.Equal(t, "/cache", mounts[2].Target)
	require.True(t, mounts[2].ReadOnly, "extra mounts are always read-only")
}

func TestBuildMounts_RejectsMalformedExtraMount(t *testing.T) {
	s := &Supervisor{cfg: Config{
		WorktreePath:  "/w",
		MCPConfigPath: "/c",
		ExtraMounts:   []string{"just-one-path"},
	}}
	_, err := s.buildMounts()
	require.Error(t, err)
}

func TestParseMemoryLimit(t *testing.T) {
	n, err := ParseMemoryLimit("")
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = ParseMemoryLimit("512m")
	require.NoError(t, err)
	require.Equal(t, int64(512*1024*1024), n)

	_, err = ParseMemoryLimit("lots")
	require.Error(t, err)
}

func TestCleanupSet_RunAllDrains(t *testing.T) {
	cs := NewCleanupSet()
	ran := 0
	cs.Register("a", func() { ran++ })
	cs.Register("b", func() { ran++ })
	cs.Forget("b")
	require.Equal(t, 1, cs.Len())

	cs.RunAll()
	require.Equal(t, 1, ran)
	require.Zero(t, cs.Len())

	// second run is a no-op
	cs.RunAll()
	require.Equal(t, 1, ran)
}

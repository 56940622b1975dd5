package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
	return dir
}

const validConfig = `
project:
  name: demo
  repo: /tmp/demo

archie:
  persona_path: personas/archie.md
  model: claude-sonnet-4-5

agent_pool:
  - id: frontend
    persona_path: personas/frontend.md
    model: claude-sonnet-4-5
    max_instances: 2
  - id: qa
    persona_path: personas/qa.md
    model: claude-haiku-4-5
`

func TestLoad_ValidConfigWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, "demo", cfg.Project.Name)
	require.Len(t, cfg.Pool, 2)

	// defaults
	require.Equal(t, 5, cfg.Settings.MaxConcurrentAgents)
	require.Equal(t, "./state", cfg.Settings.StateDir)
	require.Equal(t, 3999, cfg.Settings.MCPPort)
	require.Equal(t, "claude", cfg.Settings.CLIPath)
	require.Nil(t, cfg.GitHub)
}

func TestLoad_RejectsMissingLeadPersona(t *testing.T) {
	_, err := Load(writeConfig(t, `
project:
  name: demo
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "persona_path")
}

func TestLoad_RejectsReservedRoleID(t *testing.T) {
	_, err := Load(writeConfig(t, `
archie:
  persona_path: p.md
agent_pool:
  - id: lead
    persona_path: p.md
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "reserved")
}

func TestLoad_RejectsDuplicateRole(t *testing.T) {
	_, err := Load(writeConfig(t, `
archie:
  persona_path: p.md
agent_pool:
  - id: qa
    persona_path: p.md
  - id: qa
    persona_path: p.md
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "more than once")
}

func TestMaxInstancesFor_DefaultsToOne(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Equal(t, 2, cfg.MaxInstancesFor("frontend"))
	require.Equal(t, 1, cfg.MaxInstancesFor("qa"))
	require.Equal(t, 0, cfg.MaxInstancesFor("unknown"))
}

func TestRequiresApproval(t *testing.T) {
	s := SettingsConfig{RequireUserApproval: []string{"merge"}}
	require.True(t, s.RequiresApproval("merge"))
	require.False(t, s.RequiresApproval("teardown_all"))
}

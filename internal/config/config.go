// Package config loads the harness's YAML configuration file through
// viper: defaults registered first, env vars layered on top with a
// namespaced prefix, then the config file, then validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every top-level section recognized in the harness's
// config.yaml.
type Config struct {
	Project  ProjectConfig  `mapstructure:"project"`
	Archie   LeadConfig     `mapstructure:"archie"`
	Pool     []PoolEntry    `mapstructure:"agent_pool"`
	GitHub   *GitHubConfig  `mapstructure:"github"`
	Settings SettingsConfig `mapstructure:"settings"`
}

// ProjectConfig describes the repository and human-facing project identity.
type ProjectConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Repo        string `mapstructure:"repo"`
}

// LeadConfig configures the privileged lead agent.
type LeadConfig struct {
	PersonaPath string `mapstructure:"persona_path"`
	ModelID     string `mapstructure:"model"`
}

// SandboxConfig configures a role's container execution.
type SandboxConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Image        string   `mapstructure:"image"`
	ExtraMounts  []string `mapstructure:"extra_mounts"`
	Network      string   `mapstructure:"network"` // bridge | none | host
	MemoryLimit  string   `mapstructure:"memory_limit"`
	CPUs         float64  `mapstructure:"cpus"`
}

// PermissionsConfig configures a role's permission posture.
type PermissionsConfig struct {
	SkipPermissions bool     `mapstructure:"skip_permissions"`
	AllowedTools    []string `mapstructure:"allowed_tools"`
}

// PoolEntry describes one agent role in the configured pool.
type PoolEntry struct {
	ID          string             `mapstructure:"id"`
	PersonaPath string             `mapstructure:"persona_path"`
	ModelID     string             `mapstructure:"model"`
	MaxInstances int               `mapstructure:"max_instances"`
	Sandbox     SandboxConfig      `mapstructure:"sandbox"`
	Permissions PermissionsConfig  `mapstructure:"permissions"`
}

// GitHubConfig configures the hosting-provider integration. A nil
// *GitHubConfig (the field is absent from the file) disables the
// hosting-provider tool family entirely, distinct from it being
// present-but-unreachable (ProviderUnavailable).
type GitHubConfig struct {
	Repo           string   `mapstructure:"repo"`
	DefaultBranch  string   `mapstructure:"default_branch"`
	Labels         []string `mapstructure:"labels"`
	IssueTemplate  string   `mapstructure:"issue_template"`
}

// SettingsConfig holds the remaining run-wide knobs.
type SettingsConfig struct {
	MaxConcurrentAgents  int      `mapstructure:"max_concurrent_agents"`
	StateDir             string   `mapstructure:"state_dir"`
	MCPPort              int      `mapstructure:"mcp_port"`
	TokenBudgetUSD       float64  `mapstructure:"token_budget_usd"`
	AutoMerge            bool     `mapstructure:"auto_merge"`
	RequireUserApproval  []string `mapstructure:"require_user_approval"`
	CLIPath              string   `mapstructure:"cli_path"`
	PricingPath          string   `mapstructure:"pricing_path"`
}

// RequiresApproval reports whether the named lifecycle action ("merge",
// "teardown_all") was configured to require human sign-off.
func (s SettingsConfig) RequiresApproval(action string) bool {
	for _, a := range s.RequireUserApproval {
		if a == action {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project.repo", ".")
	v.SetDefault("archie.model", "default")

	v.SetDefault("settings.max_concurrent_agents", 5)
	v.SetDefault("settings.state_dir", "./state")
	v.SetDefault("settings.mcp_port", 3999)
	v.SetDefault("settings.token_budget_usd", 0)
	v.SetDefault("settings.auto_merge", false)
	v.SetDefault("settings.require_user_approval", []string{})
	v.SetDefault("settings.cli_path", "claude")
	v.SetDefault("settings.pricing_path", "")
}

// Load reads config.yaml, searching the given path (if non-empty), then
// the current directory, then /etc/arch/, layers ARCH_-prefixed environment variables
// on top, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/arch/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Project.Repo == "" {
		errs = append(errs, "project.repo must not be empty")
	}
	if cfg.Archie.PersonaPath == "" {
		errs = append(errs, "archie.persona_path is required")
	}

	seen := make(map[string]bool, len(cfg.Pool))
	for _, entry := range cfg.Pool {
		if entry.ID == "" {
			errs = append(errs, "agent_pool entries require a non-empty id")
			continue
		}
		if entry.ID == "lead" || entry.ID == "archie" {
			errs = append(errs, fmt.Sprintf("agent_pool role %q collides with the reserved lead identifier", entry.ID))
		}
		if seen[entry.ID] {
			errs = append(errs, fmt.Sprintf("agent_pool role %q declared more than once", entry.ID))
		}
		seen[entry.ID] = true
	}

	if cfg.Settings.MaxConcurrentAgents <= 0 {
		errs = append(errs, "settings.max_concurrent_agents must be positive")
	}
	if cfg.Settings.StateDir == "" {
		errs = append(errs, "settings.state_dir must not be empty")
	}
	if cfg.Settings.MCPPort <= 0 || cfg.Settings.MCPPort > 65535 {
		errs = append(errs, "settings.mcp_port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// MaxInstancesFor resolves the configured instance cap for a role, default 1.
func (c *Config) MaxInstancesFor(role string) int {
	for _, entry := range c.Pool {
		if entry.ID == role {
			if entry.MaxInstances <= 0 {
				return 1
			}
			return entry.MaxInstances
		}
	}
	return 0
}

// RoleEntry looks up a pool entry by role id.
func (c *Config) RoleEntry(role string) (PoolEntry, bool) {
	for _, entry := range c.Pool {
		if entry.ID == role {
			return entry, true
		}
	}
	return PoolEntry{}, false
}

// AbsStateDir resolves the configured state directory to an absolute path.
func (c *Config) AbsStateDir() (string, error) {
	if filepath.IsAbs(c.Settings.StateDir) {
		return c.Settings.StateDir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, c.Settings.StateDir), nil
}

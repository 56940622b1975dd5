// Package main is the archd entrypoint: thin cobra commands over the
// orchestrator's exported lifecycle. The command surface itself is a
// convenience shell; the kernel lives in internal/.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AppSecHQ/arch/internal/common/logger"
	"github.com/AppSecHQ/arch/internal/config"
	"github.com/AppSecHQ/arch/internal/orchestrator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "archd",
		Short:         "arch multi-agent coordination harness",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newUpCmd(), newDownCmd(), newStatusCmd(), newResumeCmd(), newInitCmd())
	return root
}

func loadConfig(configPath string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

func runUp(configPath string, keepWorktrees bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "info"})
	if err != nil {
		return err
	}
	defer log.Sync()
	logger.SetDefault(log)

	o := orchestrator.New(cfg, orchestrator.Options{
		KeepWorktrees: keepWorktrees,
		HandleSignals: true,
	}, log)
	return o.Run(context.Background())
}

func newUpCmd() *cobra.Command {
	var configPath string
	var keepWorktrees bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the harness and the lead agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(configPath, keepWorktrees)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "directory containing config.yaml")
	cmd.Flags().BoolVar(&keepWorktrees, "keep-worktrees", false, "leave agent worktrees in place at teardown")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var configPath string
	var keepWorktrees bool

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Start the harness, continuing the lead's previous conversation",
		Long: "Identical to up; the persisted state directory supplies the lead's " +
			"resume token and read cursor, so the previous conversation continues.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUp(configPath, keepWorktrees)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "directory containing config.yaml")
	cmd.Flags().BoolVar(&keepWorktrees, "keep-worktrees", false, "leave agent worktrees in place at teardown")
	return cmd
}

func busBase(configPath string) (string, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Settings.MCPPort), nil
}

func newDownCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Ask a running harness to shut down gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := busBase(configPath)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Post(base+"/dashboard/shutdown", "application/json", nil)
			if err != nil {
				return fmt.Errorf("no running harness found: %w", err)
			}
			defer resp.Body.Close()
			fmt.Println("shutdown requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "directory containing config.yaml")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running harness's agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := busBase(configPath)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(base + "/dashboard/agents")
			if err != nil {
				return fmt.Errorf("no running harness found: %w", err)
			}
			defer resp.Body.Close()

			var out struct {
				Agents []struct {
					ID      string  `json:"id"`
					Role    string  `json:"role"`
					Status  string  `json:"status"`
					Task    string  `json:"task"`
					Tokens  int64   `json:"tokens_used"`
					CostUSD float64 `json:"cost_usd"`
				} `json:"agents"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Printf("%-16s %-12s %-14s %10s %10s  %s\n", "AGENT", "ROLE", "STATUS", "TOKENS", "COST", "TASK")
			for _, a := range out.Agents {
				fmt.Printf("%-16s %-12s %-14s %10d %9.4f$  %s\n", a.ID, a.Role, a.Status, a.Tokens, a.CostUSD, a.Task)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "directory containing config.yaml")
	return cmd
}

const configTemplate = `project:
  name: %s
  description: ""
  repo: .

archie:
  persona_path: personas/archie.md
  model: claude-sonnet-4-5

agent_pool:
  - id: engineer
    persona_path: personas/engineer.md
    model: claude-sonnet-4-5
    max_instances: 2

%ssettings:
  max_concurrent_agents: 5
  state_dir: ./state
  mcp_port: 3999
`

const briefTemplate = `# %s

## Goal

Describe what this project should achieve.

## Done When

List the concrete completion criteria.

## Constraints

List anything the agents must not do.

## Current Status

Not started.

## Decisions Log
`

func newInitCmd() *cobra.Command {
	var name string
	var githubRepo string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config.yaml and BRIEF.md in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				name = filepath.Base(wd)
			}

			githubSection := ""
			if githubRepo != "" {
				githubSection = fmt.Sprintf("github:\n  repo: %s\n  default_branch: main\n\n", githubRepo)
			}

			for _, f := range []struct {
				path, content string
			}{
				{"config.yaml", fmt.Sprintf(configTemplate, name, githubSection)},
				{"BRIEF.md", fmt.Sprintf(briefTemplate, name)},
			} {
				if _, err := os.Stat(f.path); err == nil {
					fmt.Printf("%s already exists, skipping\n", f.path)
					continue
				}
				if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", f.path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	cmd.Flags().StringVar(&githubRepo, "github", "", "hosting-provider repo as owner/name")
	return cmd
}

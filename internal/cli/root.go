package cli

import (
	"fmt"

	"github.com/belyaeva84-debug/openclaw/internal/config"
	"github.com/belyaeva84-debug/openclaw/internal/logger"
	"github.com/belyaeva84-debug/openclaw/pkg/memory"
	"github.com/belyaeva84-debug/openclaw/pkg/workspace"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
	agentID  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "openclaw",
	Short: "OpenClaw - per-agent memory index",
	Long: `OpenClaw indexes an agent's memory files and session transcripts and
serves hybrid semantic+keyword search over them.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.openclaw/openclaw.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&agentID, "agent", "main", "agent id to operate on")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadManager wires configuration into a memory manager for the selected agent.
func loadManager() (*memory.Manager, *config.OpenClawConfig, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	validator, err := config.NewValidator()
	if err != nil {
		return nil, nil, err
	}
	if errs := validator.ValidateConfig(cfg); len(errs) > 0 {
		return nil, nil, fmt.Errorf("invalid configuration: %v", errs[0])
	}

	log, err := logger.New(logger.Config{
		Level:   logLevel,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, nil, err
	}

	var agentWorkspace string
	for _, a := range cfg.Agents {
		if a.ID == agentID {
			agentWorkspace = a.Workspace
			break
		}
	}
	workspaceDir, err := workspace.ResolveAgentWorkspaceDir(agentWorkspace, cfg.WorkspacePath)
	if err != nil {
		return nil, nil, err
	}

	mgr, err := memory.GetManager(memory.ManagerConfig{
		AgentID:        agentID,
		WorkspaceDir:   workspaceDir,
		TranscriptsDir: workspace.ResolveSessionTranscriptsDirForAgent(cfg.DataDir, agentID),
		Memory:         cfg.Memory,
		Logger:         log.With("memory"),
	})
	if err != nil {
		return nil, nil, err
	}
	return mgr, cfg, nil
}

// Taskgate governs agent-created tasks: every implementation task is born
// blocked by a review task, and bursts of tasks get one holistic review.
//
// Usage:
//
//	# Run the daemon (HTTP API, hook intake, MCP over HTTP)
//	taskgate serve
//
//	# Serve MCP tools on stdio for a single agent
//	taskgate mcp
//
//	# Claude Code hook bridge (reads the hook payload on stdin)
//	taskgate hook
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/config"
	"github.com/fyrsmithlabs/taskgate/internal/logging"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath overrides the default config file location
	configPath string
	// logLevel overrides logging.level
	logLevel string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskgate",
	Short: "Governed task lifecycle and holistic review for coding agents",
	Long: `taskgate pairs every implementation task an agent creates with a review
task that blocks it, settles bursts of new tasks into a single holistic
review, and records every decision and verdict.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "taskgate by Fyrsmith Labs\n")
		fmt.Fprintf(cmd.OutOrStdout(), "Version:    %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "Commit:     %s\n", gitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the config file and environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs always go to stderr so stdout
// stays free for MCP and hook output.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	lc.Output.Target = logging.TargetStderr
	lc.Fields["version"] = version
	logger, err := logging.NewLogger(lc, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// syncLogger flushes the logger on exit.
func syncLogger(logger *logging.Logger) {
	if err := logger.Sync(); err != nil {
		logger.Underlying().Debug("logger sync failed", zap.Error(err))
	}
}

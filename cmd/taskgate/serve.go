package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskgate/internal/config"
	taskhttp "github.com/fyrsmithlabs/taskgate/internal/http"
	"github.com/fyrsmithlabs/taskgate/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the taskgate daemon",
	Long: `Run the taskgate daemon: the HTTP API, the hook intake used by
"taskgate hook", Prometheus metrics and, when enabled, the MCP tools over
streamable HTTP at /mcp.

Examples:
  # Start with the default config
  taskgate serve

  # Override the quiet window through the environment
  TASKGATE_SETTLE_QUIET_WINDOW=5s taskgate serve`,
	RunE: runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the MCP tools on stdio",
	Long: `Serve the governance tools over MCP on stdin/stdout for a single agent.
Logs go to stderr.`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer syncLogger(logger)
	zl := logger.Underlying()

	ctx, stop := signalContext()
	defer stop()

	zl.Info("starting taskgate",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("store", cfg.Store.Path),
		zap.String("tasks", cfg.Tasks.Dir),
		zap.Duration("quiet_window", cfg.Settle.QuietWindow.Duration()))

	a, err := newApp(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	httpCfg := &taskhttp.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Registry: a.registry,
	}
	if cfg.Server.MountMCP {
		mcpSrv, err := mcp.NewServer(&mcp.Config{Name: "taskgate", Version: version, Logger: zl.Named("mcp")}, a.service, a.scrubber)
		if err != nil {
			return errors.Join(err, a.Close(context.Background()))
		}
		httpCfg.MCP = mcpSrv.Handler()
	}
	srv, err := taskhttp.NewServer(a.service, a.hooks, a.scrubber, zl.Named("http"), httpCfg)
	if err != nil {
		return errors.Join(err, a.Close(context.Background()))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		zl.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown failed", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		zl.Warn("shutdown incomplete", zap.Error(err))
	}
	zl.Info("taskgate stopped")
	return runErr
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer syncLogger(logger)
	zl := logger.Underlying()

	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			zl.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	srv, err := mcp.NewServer(&mcp.Config{Name: "taskgate", Version: version, Logger: zl.Named("mcp")}, a.service, a.scrubber)
	if err != nil {
		return err
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

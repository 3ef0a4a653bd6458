package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/logging"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/web"
)

// shutdownTimeout bounds how long graceful shutdown may drain requests.
const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Parley server",
	Long: `Start the WebSocket session server.

The agent command must be configured (agent.command in the config file,
or the PARLEY_AGENT_COMMAND environment variable).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "listen address (overrides config)")
	serveCmd.Flags().Int("port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := logging.Get()

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	if cfg.Agent.Command == "" {
		return errors.New("no agent command configured (set agent.command or PARLEY_AGENT_COMMAND)")
	}

	sessionsDir := cfg.Sessions.Dir
	if sessionsDir == "" {
		sessionsDir = config.DefaultSessionsDir()
	}

	store, err := session.NewStore(sessionsDir)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()

	index, err := session.OpenIndex(filepath.Join(sessionsDir, "index.db"))
	if err != nil {
		return fmt.Errorf("failed to open session index: %w", err)
	}
	defer index.Close()

	registry := session.NewRegistry(store, index)

	sweeper := session.NewSweeper(registry,
		time.Duration(cfg.Sessions.ArchiveAfter),
		time.Duration(cfg.Sessions.SweepInterval))
	sweeper.Start()
	defer sweeper.Stop()

	agentCommand := cfg.Agent.Command
	factory := func(workspaceDir string) (agent.Client, error) {
		return agent.NewProcessClient(agentCommand, workspaceDir)
	}

	server := web.NewServer(web.Config{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.Port,
		AgentName:           cfg.Agent.Name,
		Version:             Version,
		MaxConnectionsPerIP: cfg.Server.MaxConnectionsPerIP,
		QuestionTimeout:     time.Duration(cfg.Questions.Timeout),
	}, registry, factory)

	watchPath := configPath
	if watchPath == "" {
		watchPath = config.DefaultConfigPath()
	}
	// Runtime-adjustable settings follow the config file; listen address
	// and storage layout stay fixed until restart.
	watcher := config.NewWatcher(watchPath, func(next *config.Config) {
		sweeper.SetArchiveAfter(time.Duration(next.Sessions.ArchiveAfter))
	}, logger)
	if err := watcher.Start(); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logging.Shutdown().Info("signal received, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return <-errCh
}

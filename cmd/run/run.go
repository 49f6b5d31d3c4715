// Package run implements the tuxagent run subcommand: the long-lived agent
// process.
package run

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"tuxagent/internal/client"
	"tuxagent/internal/journal"
	"tuxagent/internal/jsonrpc"
	"tuxagent/internal/m2m"
	"tuxagent/internal/portforward"
	"tuxagent/pkg/config"
	"tuxagent/pkg/logger"
)

// Run starts the agent and blocks until shutdown.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Daemon.LogLevel)

	// The journal is diagnostics only; the agent runs without it.
	var jrnl *journal.Journal
	if err := os.MkdirAll(filepath.Dir(cfg.Journal.DBPath), 0700); err != nil {
		log.Warn().Err(err).Msg("Failed to create journal directory")
	} else if jrnl, err = journal.Open(cfg.Journal.DBPath, cfg.Journal.Keep, log); err != nil {
		log.Warn().Err(err).Msg("Failed to open journal, sync history disabled")
		jrnl = nil
	}

	remote := jsonrpc.New(cfg.Server.URL)
	engine, err := client.New(cfg, remote, jrnl, log)
	if err != nil {
		return fmt.Errorf("initializing client: %w", err)
	}

	m2m.InitFromConfig(engine, cfg, log)
	portforward.InitFromConfig(engine, cfg, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		engine.Stop()
	}()

	engine.Run()
	return nil
}

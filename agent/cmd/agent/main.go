// Command agent runs the alertcore scrape agent.
//
// # Usage
//
//	agent --config /etc/alertcore/agent.yaml
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (ALERTCORE_AGENT_*)
// - Config file (--config)
//
// # Examples
//
// Run with config file and flag overrides:
//
//	agent --config /etc/alertcore/agent.yaml \
//	      --control-plane https://alerts.pilot.net \
//	      --name edge-nyc-01
//
// Run with environment variables:
//
//	ALERTCORE_AGENT_CONTROL_PLANE_URL=https://alerts.pilot.net \
//	ALERTCORE_AGENT_NAME=edge-nyc-01 \
//	agent --config /etc/alertcore/agent.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pilot-net/alertcore/agent"
	"github.com/pilot-net/alertcore/agent/internal/config"
)

func main() {
	var (
		configFile   = flag.String("config", "", "Path to config file")
		controlPlane = flag.String("control-plane", "", "Control plane URL")
		token        = flag.String("token", "", "Authentication token")
		name         = flag.String("name", "", "Agent name")
		debug        = flag.Bool("debug", false, "Enable debug logging")
		version      = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Printf("alertcore-agent %s\n", agent.Version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	cfg.ApplyEnvOverrides()

	if *controlPlane != "" {
		cfg.ControlPlane.URL = *controlPlane
	}
	if *token != "" {
		cfg.ControlPlane.Token = *token
	}
	if *name != "" {
		cfg.Agent.Name = *name
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting alertcore agent",
		"name", cfg.Agent.Name,
		"control_plane", cfg.ControlPlane.URL)

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("agent shutdown complete")
}

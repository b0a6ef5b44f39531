// Package main is the streamd process entrypoint: load the engine config and
// chain config document, start the orchestrator, and wait for a shutdown
// signal.
//
// Configuration resolution: a command-line path takes precedence, falling
// back to config/streamd.yaml, falling back to hardcoded defaults.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainflow/streamd/internal/chainconfig"
	"github.com/chainflow/streamd/internal/config"
	"github.com/chainflow/streamd/internal/orchestrator"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, configSource := loadConfig(logger)
	logger.Info("starting streamd", "config_source", configSource, "app_name", cfg.AppName, "debug", cfg.Debug)

	doc, err := chainconfig.Load(cfg.ChainConfigPath)
	if err != nil {
		logger.Error("failed to load chain config", "path", cfg.ChainConfigPath, "error", err)
		os.Exit(1)
	}
	if err := chainconfig.Validate(doc); err != nil {
		logger.Error("chain config failed validation", "path", cfg.ChainConfigPath, "error", err)
		os.Exit(1)
	}

	orch, err := orchestrator.New(cfg, doc, logger)
	if err != nil {
		logger.Error("failed to construct orchestrator", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go orch.Run(ctx)

	logger.Info("streamd running", "chains", len(doc.ChainConfig.Chains))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	cancel()
	orch.Shutdown(10 * time.Second)
	logger.Info("streamd stopped")
}

// loadConfig resolves the engine config: an explicit CLI path, then a
// conventional default file, then hardcoded defaults.
func loadConfig(logger *slog.Logger) (*config.Config, string) {
	if len(os.Args) >= 2 {
		cfg, err := config.Load(os.Args[1])
		if err != nil {
			logger.Error("failed to load config from command line path", "path", os.Args[1], "error", err)
			os.Exit(1)
		}
		return cfg, fmt.Sprintf("config file: %s", os.Args[1])
	}

	const defaultPath = "config/streamd.yaml"
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			logger.Warn("default config exists but failed to load, using hardcoded defaults", "path", defaultPath, "error", err)
			return defaultConfig(), "hardcoded defaults (default file failed to parse)"
		}
		return cfg, defaultPath + " (default)"
	}

	return defaultConfig(), "hardcoded defaults"
}

func defaultConfig() *config.Config {
	cfg := &config.Config{ChainConfigPath: "config/chain_config.json"}
	cfg.ReconnectIntervalSeconds = 10
	cfg.RetryLimit = -1
	cfg.VerifyIntervalSeconds = 30
	cfg.CacheCheckIntervalSeconds = 10
	cfg.InitializeTimeoutSeconds = 10
	return cfg
}

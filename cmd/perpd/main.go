package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/perps/pkg/config"
	perpslog "github.com/luxfi/perps/pkg/log"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	logLevel := flag.String("log-level", "", "override node.log_level (debug, info, warn, error)")
	dataDir := flag.String("data-dir", "", "override storage.data_dir")
	backend := flag.String("db-backend", "", "override storage.backend (badgerdb, memdb)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("perpd", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Node.LogLevel = *logLevel
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := perpslog.New(cfg.Node.Name, cfg.Node.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := NewNode(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize node", "err", err)
		os.Exit(1)
	}

	logger.Info("starting perpd", "version", version, "backend", cfg.Storage.Backend, "tokens", len(cfg.Tokens))
	runErr := node.Run(ctx)
	if err := node.Close(); err != nil {
		logger.Error("failed to close node", "err", err)
	}
	if runErr != nil {
		logger.Error("perpd exited with error", "err", runErr)
		os.Exit(1)
	}
	logger.Info("perpd stopped")
}

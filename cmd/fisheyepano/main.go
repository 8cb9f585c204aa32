package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fisheyepano/internal/cli"
	"fisheyepano/internal/config"
	"fisheyepano/internal/logging"
	"fisheyepano/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Error("failed to open ledger", "path", cfg.Paths.DatabasePath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = cli.NewRootCmd(cfg, log, store).ExecuteContext(ctx)
	stop()
	store.Close()
	if err != nil {
		os.Exit(1)
	}
}

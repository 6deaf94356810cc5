package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/zombor/receiptsnap/internal/app"
	"github.com/zombor/receiptsnap/internal/config"
	"github.com/zombor/receiptsnap/internal/logger"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		var usage *config.UsageError
		if errors.As(err, &usage) {
			fmt.Fprintf(os.Stderr, "%s\n", usage.Usage)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if cfg.ShowVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.Close()

	if cfg.NotifyOnce {
		report, err := a.Scheduler.Run(ctx)
		if err != nil {
			log.Error("Renewal scan failed", zap.Error(err))
			a.Close()
			os.Exit(1)
		}
		if err := json.NewEncoder(os.Stdout).Encode(report); err != nil {
			log.Error("Error encoding report", zap.Error(err))
		}
		return
	}

	log.Info("Starting receiptsnap", zap.String("version", version))
	if err := a.Server.Start(ctx, fmt.Sprintf(":%d", cfg.Port)); err != nil {
		log.Error("Server error", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
	log.Info("Shut down")
}

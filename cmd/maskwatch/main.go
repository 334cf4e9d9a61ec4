package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	"github.com/opertools/maskwatch/internal/maskwatch/app"
	"github.com/opertools/maskwatch/internal/maskwatch/config"
)

func main() {
	os.Exit(run())
}

// run carries the exit code back to main so deferred teardown is never
// skipped by os.Exit.
func run() int {
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	configPath := flag.Arg(0)
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("loading config", "path", configPath, "err", err)
		return 1
	}

	a, err := app.New(cfg)
	if err != nil {
		slog.Error("starting up", "err", err)
		return 1
	}
	defer a.Stop()

	if err := a.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run", "err", err)
		return 1
	}
	return 0
}

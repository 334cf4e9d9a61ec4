// Package app wires the store, engine, transport, and command router
// into a runnable bot.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/opertools/maskwatch/internal/maskwatch/commands"
	"github.com/opertools/maskwatch/internal/maskwatch/config"
	"github.com/opertools/maskwatch/internal/maskwatch/engine"
	"github.com/opertools/maskwatch/internal/maskwatch/irc"
	"github.com/opertools/maskwatch/internal/maskwatch/store"
)

// App owns the long-lived components.
type App struct {
	cfg *config.Config
	db  *store.Store
	eng *engine.Engine
	irc *irc.Client
}

// New builds the application from a loaded configuration.
func New(cfg *config.Config) (*App, error) {
	db, err := store.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	slog.Info("store opened", "path", cfg.Database)

	client, err := irc.New(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	eng := engine.New(cfg, db, client)
	handlers := commands.NewHandlers(db, eng, client)

	router := commands.NewRouter()
	router.Register("getmask", handlers.GetMask, "<id> [-all]")
	router.Register("addmask", handlers.AddMask, "<mask> <reason>")
	router.Register("togglemask", handlers.ToggleMask, "<id>")
	router.Register("setmask", handlers.SetMask, "<id> [+expiry|~expiry] [type]")
	router.Register("listmask", handlers.ListMask)
	router.Register("addreason", handlers.AddReason, "<alias> <text>")
	router.Register("delreason", handlers.DelReason, "<alias>")
	router.Register("listreason", handlers.ListReason)
	router.Register("testmask", handlers.TestMask, "<mask> [-all]")
	router.Register("compilemask", handlers.CompileMask, "<mask>")

	client.Bind(eng, router)
	slog.Info("command router bound", "commands", 10)

	return &App{cfg: cfg, db: db, eng: eng, irc: client}, nil
}

// Run connects and blocks until ctx is cancelled or an interrupt
// arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go a.eng.RunSendDrain(ctx)
	go a.eng.RunCheckDebounce(ctx)
	go a.eng.RunExpiry(ctx)

	slog.Info("connecting", "server", a.cfg.Server)
	return a.irc.Run(ctx)
}

// Stop tears down the connection and the store.
func (a *App) Stop() {
	a.irc.Close()
	if err := a.db.Close(); err != nil {
		slog.Error("closing store", "err", err)
	}
}

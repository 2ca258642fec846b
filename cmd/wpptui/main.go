package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/wppsync/internal/config"
	"github.com/matheus3301/wppsync/internal/daemon"
	"github.com/matheus3301/wppsync/internal/lock"
	"github.com/matheus3301/wppsync/internal/logging"
	"github.com/matheus3301/wppsync/internal/session"
	"github.com/matheus3301/wppsync/internal/tui"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	collectionFlag := flag.String("collection", "", "collection to open at startup")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// A running daemon owns the session store; the TUI would only contend for it.
	if probeDaemon(session.SocketPath(sessionName)) {
		fmt.Fprintf(os.Stderr, "session %q is owned by a running wppd; stop it or use wppctl\n", sessionName)
		os.Exit(1)
	}

	if err := run(sessionName, *collectionFlag); err != nil {
		var held *lock.LockHeldError
		if errors.As(err, &held) {
			fmt.Fprintf(os.Stderr, "session %q is in use by PID %d\n", sessionName, held.Holder.PID)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(sessionName, collection string) error {
	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.ApplyEnv(cfg, session.EnvPath()); err != nil {
		return fmt.Errorf("apply env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if err := session.EnsureDir(sessionName); err != nil {
		return fmt.Errorf("ensure session dir: %w", err)
	}

	// The terminal belongs to tview; logs go to the session file only.
	logger, err := logging.NewFileOnly(session.LogPath(sessionName), sessionName, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ui := tui.NewApp(sessionName)

	var rt *daemon.Runtime
	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			Config:      cfg,
			Logger:      logger,
			Dispatcher:  ui,
			Serve:       true,
		}),
		fx.Populate(&rt),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := ui.Run(rt, logger, collection)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("stop runtime: %w", err)
	}
	return runErr
}

// probeDaemon checks whether a daemon answers on the session socket.
func probeDaemon(socketPath string) bool {
	if _, err := os.Stat(socketPath); err != nil {
		return false
	}
	c := daemon.NewClient(socketPath)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Health(ctx) == nil
}

// Command webworker drives provider pages in a browser and speaks NDJSON
// JSON-RPC on stdio. Stdout carries the protocol only, so logs go to
// RAIL_WEB_LOG_PATH.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Keyring-Network/railgraph/internal/config"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/session"
	"github.com/Keyring-Network/railgraph/internal/worker"
)

type locker interface {
	Release() error
}

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	openLog = func(path string) (io.WriteCloser, error) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	}
	acquireLock = func(root string, pid int) (locker, error) {
		return session.AcquireLock(root, pid)
	}
	newLauncher            = session.ChromeLauncher
	stdin        io.Reader = os.Stdin
	stdout       io.Writer = os.Stdout
	notifyContext          = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logFile, err := openLog(cfg.WebLogPath)
	if err != nil {
		return fmt.Errorf("open worker log: %w", err)
	}
	defer logFile.Close()
	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, logFile)
	logger := logging.New("worker")

	pid := os.Getpid()
	lock, err := acquireLock(cfg.WebProfileRoot, pid)
	if err != nil {
		return fmt.Errorf("acquire worker lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("release worker lock", "error", err)
		}
	}()

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	manager := session.NewManager(session.Config{
		ProfileRoot:     cfg.WebProfileRoot,
		LogPath:         cfg.WebLogPath,
		Launcher:        newLauncher(cfg.WebHeadless, os.Getenv("RAIL_CHROME_PATH")),
		AuthGraceWindow: cfg.AuthGraceWindow,
		AuthGraceProbes: cfg.AuthGraceProbes,
		Logger:          logging.New("session"),
	})
	defer manager.Close()

	handler := worker.NewHandler(manager, stdout, logger)
	logger.Info("web worker starting", "pid", pid, "profile_root", cfg.WebProfileRoot, "headless", cfg.WebHeadless)
	return handler.Serve(ctx, stdin, map[string]any{
		"pid":         pid,
		"profileRoot": cfg.WebProfileRoot,
		"headless":    cfg.WebHeadless,
	})
}

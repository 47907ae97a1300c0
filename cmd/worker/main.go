package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"golang.org/x/sync/errgroup"

	"github.com/Keyring-Network/railgraph/internal/app"
	"github.com/Keyring-Network/railgraph/internal/config"
	"github.com/Keyring-Network/railgraph/internal/llm"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/store"
	"github.com/Keyring-Network/railgraph/internal/workflows"
)

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	dialTemporal = client.Dial
	openStore    = app.OpenStore
	newEngine    = app.NewEngine
	newHost      = func(ctx context.Context, cfg config.Config, st store.Store, engine llm.Provider) (*app.Host, error) {
		return app.NewHost(ctx, cfg, st, engine)
	}
	serveBridge = func(ctx context.Context, host *app.Host) error {
		return host.ServeBridge(ctx)
	}
	newWorker     = worker.New
	notifyContext = signal.NotifyContext
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
	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)
	logger := logging.New("temporal-worker")

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
		Logger:   tlog.NewStructuredLogger(slog.Default()),
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()
	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	host, err := newHost(ctx, cfg, st, engine)
	if err != nil {
		return err
	}
	defer func() {
		if err := host.Close(); err != nil {
			logger.Warn("close host", "error", err)
		}
	}()

	activities := workflows.NewRunActivities(host.Scheduler, st, host.Recorder)
	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.GraphRunWorkflow)
	w.RegisterActivity(activities)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serveBridge(groupCtx, host)
	})
	group.Go(func() error {
		defer cancel()
		logger.Info("temporal worker started", "task_queue", cfg.TemporalTaskQueue)
		return w.Run(interruptOn(groupCtx))
	})
	return group.Wait()
}

// interruptOn adapts a context to the channel worker.Run stops on.
func interruptOn(ctx context.Context) <-chan interface{} {
	ch := make(chan interface{})
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

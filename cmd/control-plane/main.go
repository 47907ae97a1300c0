package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"golang.org/x/sync/errgroup"

	"github.com/Keyring-Network/railgraph/internal/api"
	"github.com/Keyring-Network/railgraph/internal/app"
	"github.com/Keyring-Network/railgraph/internal/config"
	"github.com/Keyring-Network/railgraph/internal/events"
	"github.com/Keyring-Network/railgraph/internal/llm"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/store"
	"github.com/Keyring-Network/railgraph/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

type bridgeHost interface {
	ServeBridge(ctx context.Context) error
	Close() error
}

var (
	loadConfig = func() (config.Config, error) {
		return config.Load(), nil
	}
	openStore = app.OpenStore
	newEngine = app.NewEngine
	newHost   = func(ctx context.Context, cfg config.Config, st store.Store, engine llm.Provider) (*app.Host, error) {
		return app.NewHost(ctx, cfg, st, engine)
	}
	dialTemporal       = client.Dial
	newWorkflowService = workflows.NewService
	newServer          = func(st store.Store, broker api.Broker, runs api.RunController, opts api.Options) server {
		return api.NewServer(st, broker, runs, opts)
	}
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
	logger := logging.New("control-plane")

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	var srv server
	if cfg.TemporalEnabled {
		// Runs execute on the Temporal worker, which also hosts the bridge.
		workflowClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress, Logger: tlog.NewStructuredLogger(slog.Default())})
		if err != nil {
			return err
		}
		if workflowClient != nil {
			defer workflowClient.Close()
		}
		service := newWorkflowService(workflowClient, cfg.TemporalTaskQueue)
		srv = newServer(st, events.NewBroker(), api.TemporalRuns{Service: service}, api.Options{
			Origins: cfg.APIOrigins,
		})
		logger.Info("runs dispatched through temporal", "task_queue", cfg.TemporalTaskQueue)
	} else {
		engine, err := newEngine(cfg)
		if err != nil {
			return err
		}
		host, err := newHost(ctx, cfg, st, engine)
		if err != nil {
			return err
		}
		defer func() {
			if err := host.Close(); err != nil {
				logger.Warn("close host", "error", err)
			}
		}()
		srv = newServer(st, host.Broker, api.LocalRuns{Scheduler: host.Scheduler}, api.Options{
			Live:    host.Scheduler,
			Manual:  host.Processor.Manual(),
			Prober:  host.Prober(),
			Origins: cfg.APIOrigins,
		})
		group.Go(func() error {
			return serveBridge(groupCtx, host)
		})
	}

	addr := fmt.Sprintf(":%s", cfg.ControlPlanePort)
	group.Go(func() error {
		return srv.Start(groupCtx, addr)
	})
	return group.Wait()
}

var serveBridge = func(ctx context.Context, host bridgeHost) error {
	return host.ServeBridge(ctx)
}

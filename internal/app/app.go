// Package app assembles the run host shared by the control plane, the
// Temporal worker and railctl: store, engine, bridge, processor and
// scheduler built from one config.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Keyring-Network/railgraph/internal/bridge"
	"github.com/Keyring-Network/railgraph/internal/config"
	"github.com/Keyring-Network/railgraph/internal/events"
	"github.com/Keyring-Network/railgraph/internal/llm"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/processor"
	"github.com/Keyring-Network/railgraph/internal/scheduler"
	"github.com/Keyring-Network/railgraph/internal/secrets"
	"github.com/Keyring-Network/railgraph/internal/store"
	badgerstore "github.com/Keyring-Network/railgraph/internal/store/badger"
	"github.com/Keyring-Network/railgraph/internal/store/memory"
	"github.com/Keyring-Network/railgraph/internal/store/postgres"
	"github.com/Keyring-Network/railgraph/internal/worker"
)

var (
	openPostgres = func(conn string) (store.Store, func() error, error) {
		st, err := postgres.New(conn)
		if err != nil {
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	spawnWorker = func(ctx context.Context, command string, logger *slog.Logger) (*worker.Client, error) {
		return worker.Spawn(ctx, command, logger)
	}
)

func noopClose() error { return nil }

// OpenStore opens the backend named by cfg.StoreBackend. The returned
// close function is never nil.
func OpenStore(cfg config.Config) (store.Store, func() error, error) {
	switch cfg.StoreBackend {
	case "", "memory":
		return memory.New(), noopClose, nil
	case "postgres":
		st, closeFn, err := openPostgres(cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return st, closeFn, nil
	case "badger":
		st, err := badgerstore.Open(badgerstore.Config{Path: cfg.BadgerDir, Logger: logging.New("store")})
		if err != nil {
			return nil, nil, fmt.Errorf("open badger store: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// NewEngine builds the engine for engine turns, opening a sealed API key
// when only LLM_API_KEY_ENC is configured.
func NewEngine(cfg config.Config) (llm.Provider, error) {
	apiKey, err := secrets.ResolveAPIKey(cfg.OpenAIAPIKey, cfg.LLMAPIKeyEnc, cfg.LLMSecretsKey)
	if err != nil {
		return nil, err
	}
	return llm.NewProvider(llm.Config{
		Mode:     cfg.LLMMode,
		Provider: cfg.LLMProvider,
		Model:    cfg.LLMModel,
		BaseURL:  cfg.LLMBaseURL,
		APIKey:   apiKey,
	})
}

// Host owns everything needed to execute runs in this process.
type Host struct {
	Config    config.Config
	Store     store.Store
	Broker    *events.Broker
	Recorder  *events.Recorder
	Engine    llm.Provider
	Mailbox   *bridge.Mailbox
	Tokens    *bridge.Tokens
	Bridge    *bridge.Server
	Processor *processor.Processor
	Scheduler *scheduler.Scheduler
	// Pairing receives the generated bridge token, once. Logs only ever
	// carry the masked form.
	Pairing io.Writer

	worker *worker.Client
	logger *slog.Logger
}

// NewHost wires a host around an opened store and engine. When
// RAIL_WEB_WORKER_CMD is set the headless worker is spawned as the
// fallback for web turns nobody claims.
func NewHost(ctx context.Context, cfg config.Config, st store.Store, engine llm.Provider) (*Host, error) {
	logger := logging.New("host")
	tokens, err := bridge.NewTokens()
	if err != nil {
		return nil, err
	}
	if cfg.BridgeToken != "" {
		if err := tokens.Use(cfg.BridgeToken); err != nil {
			return nil, fmt.Errorf("RAIL_BRIDGE_TOKEN: %w", err)
		}
	}

	h := &Host{
		Config:  cfg,
		Store:   st,
		Broker:  events.NewBroker(),
		Engine:  engine,
		Mailbox: bridge.NewMailbox(),
		Tokens:  tokens,
		Pairing: os.Stdout,
		logger:  logger,
	}
	h.Recorder = events.NewRecorder(st, h.Broker)
	h.Bridge = bridge.NewServer(h.Mailbox, tokens, bridge.Options{
		Origins: cfg.BridgeOrigins,
		Logger:  logging.New("bridge"),
	})

	procCfg := processor.Config{
		Engine:     engine,
		Mailbox:    h.Mailbox,
		ClaimGrace: cfg.WebClaimGrace,
		StallWarn:  cfg.WebStallWarn,
		WebTimeout: cfg.WebTimeout,
		Logger:     logging.New("processor"),
	}
	if cfg.WebWorkerCmd != "" {
		client, err := spawnWorker(ctx, cfg.WebWorkerCmd, logging.New("worker"))
		if err != nil {
			return nil, fmt.Errorf("spawn web worker: %w", err)
		}
		h.worker = client
		procCfg.Worker = client
	}
	h.Processor = processor.New(procCfg)
	h.Scheduler = scheduler.New(scheduler.Config{
		Store:      st,
		Recorder:   h.Recorder,
		Executor:   h.Processor,
		MaxThreads: cfg.MaxThreads(),
		Logger:     logging.New("scheduler"),
	})
	return h, nil
}

// Prober returns the engine's health probe, if it has one.
func (h *Host) Prober() llm.Prober {
	prober, _ := h.Engine.(llm.Prober)
	return prober
}

// ServeBridge runs the loopback bridge until ctx ends.
func (h *Host) ServeBridge(ctx context.Context) error {
	if err := h.announceToken(); err != nil {
		return err
	}
	return h.Bridge.ListenAndServe(ctx, h.Config.BridgePort)
}

func (h *Host) announceToken() error {
	if h.Config.BridgeToken != "" {
		h.logger.Info("bridge token ready", "token", h.Tokens.Masked())
		return nil
	}
	h.logger.Warn("RAIL_BRIDGE_TOKEN not set, generated a pairing token", "token", h.Tokens.Masked())
	if h.Pairing == nil {
		return nil
	}
	if _, err := fmt.Fprintf(h.Pairing, "RAIL_BRIDGE_TOKEN=%s\n", h.Tokens.Current()); err != nil {
		return fmt.Errorf("write pairing token: %w", err)
	}
	return nil
}

func (h *Host) Close() error {
	if h.worker == nil {
		return nil
	}
	return h.worker.Close()
}

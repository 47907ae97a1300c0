package main

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/nexus-rpc/sdk-go/nexus"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/Keyring-Network/railgraph/internal/app"
	"github.com/Keyring-Network/railgraph/internal/config"
	"github.com/Keyring-Network/railgraph/internal/llm"
	"github.com/Keyring-Network/railgraph/internal/store"
	"github.com/Keyring-Network/railgraph/internal/store/memory"
	"github.com/Keyring-Network/railgraph/internal/workflows"
)

type stubWorker struct {
	runErr     error
	startErr   error
	workflows  []interface{}
	activities []interface{}
}

func (s *stubWorker) RegisterWorkflow(w interface{}) {
	s.workflows = append(s.workflows, w)
}

func (s *stubWorker) RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions) {}

func (s *stubWorker) RegisterDynamicWorkflow(w interface{}, options workflow.DynamicRegisterOptions) {
}

func (s *stubWorker) RegisterActivity(a interface{}) {
	s.activities = append(s.activities, a)
}

func (s *stubWorker) RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions) {}

func (s *stubWorker) RegisterDynamicActivity(a interface{}, options activity.DynamicRegisterOptions) {
}

func (s *stubWorker) RegisterNexusService(_ *nexus.Service) {}

func (s *stubWorker) Start() error {
	return s.startErr
}

func (s *stubWorker) Run(_ <-chan interface{}) error {
	return s.runErr
}

func (s *stubWorker) Stop() {}

func captureWorkerDeps() func() {
	origLoadConfig := loadConfig
	origDialTemporal := dialTemporal
	origOpenStore := openStore
	origNewEngine := newEngine
	origNewHost := newHost
	origServeBridge := serveBridge
	origNewWorker := newWorker
	origNotifyContext := notifyContext

	return func() {
		loadConfig = origLoadConfig
		dialTemporal = origDialTemporal
		openStore = origOpenStore
		newEngine = origNewEngine
		newHost = origNewHost
		serveBridge = origServeBridge
		newWorker = origNewWorker
		notifyContext = origNotifyContext
	}
}

func stubWorkerDeps(w *stubWorker) {
	loadConfig = func() (config.Config, error) {
		return config.Config{TemporalAddress: "localhost:7233", TemporalTaskQueue: "railgraph-runs", LLMMode: "local"}, nil
	}
	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, nil
	}
	openStore = func(config.Config) (store.Store, func() error, error) {
		return memory.New(), func() error { return nil }, nil
	}
	serveBridge = func(ctx context.Context, _ *app.Host) error {
		<-ctx.Done()
		return nil
	}
	newWorker = func(_ client.Client, _ string, _ worker.Options) worker.Worker {
		return w
	}
	notifyContext = func(ctx context.Context, _ ...os.Signal) (context.Context, context.CancelFunc) {
		return context.WithCancel(ctx)
	}
}

func TestRunSuccess(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)
	w := &stubWorker{}
	stubWorkerDeps(w)

	if err := run(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(w.workflows) != 1 || len(w.activities) != 1 {
		t.Fatalf("expected one workflow and one activity set, got %d and %d", len(w.workflows), len(w.activities))
	}
	if _, ok := w.activities[0].(*workflows.RunActivities); !ok {
		t.Fatalf("expected run activities, got %T", w.activities[0])
	}
}

func TestRunWorkerError(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)
	stubWorkerDeps(&stubWorker{runErr: errors.New("worker stopped")})

	if err := run(); err == nil || err.Error() != "worker stopped" {
		t.Fatalf("expected worker error, got %v", err)
	}
}

func TestRunConfigLoadFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)

	loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("config load failed")
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunTemporalClientFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)
	stubWorkerDeps(&stubWorker{})

	dialTemporal = func(_ client.Options) (client.Client, error) {
		return nil, errors.New("temporal dial failed")
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunEngineFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)
	stubWorkerDeps(&stubWorker{})

	newEngine = func(config.Config) (llm.Provider, error) {
		return nil, errors.New("open LLM_API_KEY_ENC: bad key")
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRunHostFailure(t *testing.T) {
	restore := captureWorkerDeps()
	t.Cleanup(restore)
	stubWorkerDeps(&stubWorker{})

	newHost = func(context.Context, config.Config, store.Store, llm.Provider) (*app.Host, error) {
		return nil, errors.New("spawn web worker: not found")
	}

	if err := run(); err == nil {
		t.Fatal("expected error, got nil")
	}
}

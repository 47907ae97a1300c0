package app

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Keyring-Network/railgraph/internal/config"
	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/llm"
	"github.com/Keyring-Network/railgraph/internal/provider"
	"github.com/Keyring-Network/railgraph/internal/scheduler"
	"github.com/Keyring-Network/railgraph/internal/store"
	"github.com/Keyring-Network/railgraph/internal/store/memory"
	"github.com/Keyring-Network/railgraph/internal/worker"
)

func TestOpenStore(t *testing.T) {
	st, closeFn, err := OpenStore(config.Config{StoreBackend: "memory"})
	require.NoError(t, err)
	require.IsType(t, &memory.MemoryStore{}, st)
	require.NoError(t, closeFn())

	st, closeFn, err = OpenStore(config.Config{StoreBackend: "badger", BadgerDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, st.SaveRun(context.Background(), store.RunRecord{RunID: "r1"}))
	require.NoError(t, closeFn())

	_, _, err = OpenStore(config.Config{StoreBackend: "sqlite"})
	require.ErrorContains(t, err, "unknown store backend")
}

func TestOpenStore_PostgresErrorIsWrapped(t *testing.T) {
	orig := openPostgres
	t.Cleanup(func() { openPostgres = orig })
	openPostgres = func(conn string) (store.Store, func() error, error) {
		require.Equal(t, "postgres://example", conn)
		return nil, nil, errors.New("connection refused")
	}
	_, _, err := OpenStore(config.Config{StoreBackend: "postgres", PostgresURL: "postgres://example"})
	require.ErrorContains(t, err, "open postgres store: connection refused")
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine(config.Config{LLMMode: "local"})
	require.NoError(t, err)
	require.IsType(t, llm.LocalProvider{}, engine)

	_, err = NewEngine(config.Config{LLMMode: "remote", LLMProvider: "nope"})
	require.Equal(t, provider.CodeUnsupportedProvider, provider.CodeOf(err))

	_, err = NewEngine(config.Config{LLMMode: "remote", LLMProvider: "openai", LLMAPIKeyEnc: "sealed", LLMSecretsKey: "bad"})
	require.Error(t, err)
}

func TestNewHost_RunsAGraph(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	host, err := NewHost(ctx, config.Config{DAGMaxThreads: 2}, st, llm.LocalProvider{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })
	require.Len(t, host.Tokens.Current(), 64)
	require.NotNil(t, host.Prober())

	record, err := host.Scheduler.Run(ctx, scheduler.RunRequest{
		Question: "hello",
		Graph: graph.Graph{
			Nodes: []graph.Node{
				{ID: "in", Type: graph.NodeInput},
				{ID: "out", Type: graph.NodeTurn, Turn: &graph.TurnConfig{Executor: graph.ExecutorEngine, Prompt: "{{input}}"}},
			},
			Edges: []graph.Edge{{From: "in", To: "out"}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, store.RunCompleted, record.Status)

	stored, err := st.GetRun(ctx, record.RunID)
	require.NoError(t, err)
	require.Equal(t, "hello", stored.FinalAnswer)
}

func TestNewHost_Token(t *testing.T) {
	token := strings.Repeat("ab", 32)
	host, err := NewHost(context.Background(), config.Config{BridgeToken: token}, memory.New(), llm.LocalProvider{})
	require.NoError(t, err)
	require.Equal(t, token, host.Tokens.Current())

	_, err = NewHost(context.Background(), config.Config{BridgeToken: "short"}, memory.New(), llm.LocalProvider{})
	require.ErrorContains(t, err, "RAIL_BRIDGE_TOKEN")
}

func TestAnnounceToken_GeneratedTokenStaysOutOfLogs(t *testing.T) {
	host, err := NewHost(context.Background(), config.Config{}, memory.New(), llm.LocalProvider{})
	require.NoError(t, err)
	var logs, pairing bytes.Buffer
	host.logger = slog.New(slog.NewTextHandler(&logs, nil))
	host.Pairing = &pairing

	require.NoError(t, host.announceToken())
	token := host.Tokens.Current()
	require.NotContains(t, logs.String(), token)
	require.Contains(t, logs.String(), host.Tokens.Masked())
	require.Equal(t, "RAIL_BRIDGE_TOKEN="+token+"\n", pairing.String())
}

func TestAnnounceToken_ConfiguredTokenIsNotRepeated(t *testing.T) {
	token := strings.Repeat("cd", 32)
	host, err := NewHost(context.Background(), config.Config{BridgeToken: token}, memory.New(), llm.LocalProvider{})
	require.NoError(t, err)
	var logs, pairing bytes.Buffer
	host.logger = slog.New(slog.NewTextHandler(&logs, nil))
	host.Pairing = &pairing

	require.NoError(t, host.announceToken())
	require.NotContains(t, logs.String(), token)
	require.Empty(t, pairing.String())
}

func TestNewHost_WorkerSpawnFailure(t *testing.T) {
	orig := spawnWorker
	t.Cleanup(func() { spawnWorker = orig })
	spawnWorker = func(ctx context.Context, command string, logger *slog.Logger) (*worker.Client, error) {
		require.Equal(t, "railgraph-webworker --headless", command)
		return nil, errors.New("not found")
	}
	_, err := NewHost(context.Background(), config.Config{WebWorkerCmd: "railgraph-webworker --headless"}, memory.New(), llm.LocalProvider{})
	require.ErrorContains(t, err, "spawn web worker: not found")
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/provider"
	"github.com/Keyring-Network/railgraph/internal/session"
	"github.com/Keyring-Network/railgraph/internal/worker"
)

var webFlags struct {
	workerCmd string
	provider  string
	prompt    string
	timeout   time.Duration
}

var webCmd = &cobra.Command{
	Use:   "web",
	Short: "Drive the headless web worker directly",
}

var webRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Send one prompt to a provider through the web worker",
	RunE:  runWebRun,
}

var webHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the web worker's health snapshot",
	RunE:  runWebHealth,
}

func init() {
	pf := webCmd.PersistentFlags()
	pf.StringVar(&webFlags.workerCmd, "worker-cmd", defaultWorkerCmd(), "Command line that starts the web worker")

	f := webRunCmd.Flags()
	f.StringVar(&webFlags.provider, "provider", "", "Provider id: gemini, gpt, grok, perplexity or claude (required)")
	f.StringVar(&webFlags.prompt, "prompt", "", "Prompt text (required)")
	f.DurationVar(&webFlags.timeout, "timeout", session.DefaultRunTimeout, "Run timeout")
	_ = webRunCmd.MarkFlagRequired("provider")
	_ = webRunCmd.MarkFlagRequired("prompt")

	webCmd.AddCommand(webRunCmd)
	webCmd.AddCommand(webHealthCmd)
}

func defaultWorkerCmd() string {
	if cmd := os.Getenv("RAIL_WEB_WORKER_CMD"); cmd != "" {
		return cmd
	}
	return "webworker"
}

// spawnWorker is swapped in tests.
var spawnWorker = func(ctx context.Context, command string) (webClient, error) {
	return worker.Spawn(ctx, command, logging.Discard())
}

type webClient interface {
	Run(ctx context.Context, req session.RunRequest, progress session.ProgressFunc) (session.RunResult, error)
	Health(ctx context.Context) (session.Health, error)
	Close() error
}

func runWebRun(cmd *cobra.Command, _ []string) error {
	id := provider.Normalize(webFlags.provider)
	if !provider.Supported(id) {
		return fmt.Errorf("unsupported provider %q", webFlags.provider)
	}
	client, err := spawnWorker(cmd.Context(), webFlags.workerCmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), webFlags.timeout+10*time.Second)
	defer cancel()
	progress := cmd.ErrOrStderr()
	result, err := client.Run(ctx, session.RunRequest{
		Provider:  id,
		Prompt:    webFlags.prompt,
		TimeoutMs: int(webFlags.timeout.Milliseconds()),
	}, func(stage, message string) {
		fmt.Fprintf(progress, "[%s] %s %s\n", id, stage, message)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Text)
	return nil
}

func runWebHealth(cmd *cobra.Command, _ []string) error {
	client, err := spawnWorker(cmd.Context(), webFlags.workerCmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Running:  %v\n", health.Running)
	fmt.Fprintf(out, "Profiles: %s\n", health.ProfileRoot)
	fmt.Fprintf(out, "Log:      %s\n", health.LogPath)
	if health.LastError != "" {
		fmt.Fprintf(out, "Error:    %s\n", health.LastError)
	}
	for _, id := range provider.All() {
		p, ok := health.Providers[id]
		if !ok {
			continue
		}
		fmt.Fprintf(out, "  %-10s open=%v state=%s %s\n", id, p.ContextOpen, p.SessionState, p.URL)
	}
	return nil
}

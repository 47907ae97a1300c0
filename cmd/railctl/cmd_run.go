package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Keyring-Network/railgraph/internal/app"
	"github.com/Keyring-Network/railgraph/internal/config"
	"github.com/Keyring-Network/railgraph/internal/graph"
	"github.com/Keyring-Network/railgraph/internal/logging"
	"github.com/Keyring-Network/railgraph/internal/scheduler"
	"github.com/Keyring-Network/railgraph/internal/store"
)

var runFlags struct {
	file     string
	question string
	asJSON   bool
	bridge   bool
}

// loadConfig is swapped in tests.
var loadConfig = func() config.Config {
	return config.Load()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a graph in this process and print the outcome",
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.file, "file", "f", "", "Graph file, YAML or JSON (required)")
	f.StringVarP(&runFlags.question, "question", "q", "", "Question fed to input nodes (required)")
	f.BoolVar(&runFlags.asJSON, "json", false, "Print the full run record as JSON")
	f.BoolVar(&runFlags.bridge, "bridge", false, "Serve the extension bridge while the run executes")
	_ = runCmd.MarkFlagRequired("file")
	_ = runCmd.MarkFlagRequired("question")
}

func runRun(cmd *cobra.Command, _ []string) error {
	g, err := graph.LoadFile(runFlags.file)
	if err != nil {
		return err
	}
	cfg := loadConfig()
	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cmd.ErrOrStderr())

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, closeStore, err := app.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	engine, err := app.NewEngine(cfg)
	if err != nil {
		return err
	}
	host, err := app.NewHost(ctx, cfg, st, engine)
	if err != nil {
		return err
	}
	defer host.Close()

	record, err := executeRun(ctx, host, g, runFlags.question, runFlags.bridge, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	return printRecord(cmd, record, runFlags.asJSON)
}

// executeRun runs the graph and echoes node transitions to progress. The
// bridge, when requested, lives exactly as long as the run.
func executeRun(ctx context.Context, host *app.Host, g graph.Graph, question string, withBridge bool, progress io.Writer) (store.RunRecord, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	group, groupCtx := errgroup.WithContext(runCtx)
	if withBridge {
		// stdout carries the run record.
		host.Pairing = progress
		group.Go(func() error {
			return host.ServeBridge(groupCtx)
		})
	}

	runID := uuid.NewString()
	transitions := host.Broker.Subscribe(groupCtx, runID)
	handle, err := host.Scheduler.Start(groupCtx, scheduler.RunRequest{RunID: runID, Question: question, Graph: g})
	if err != nil {
		stop()
		_ = group.Wait()
		return store.RunRecord{}, err
	}
	group.Go(func() error {
		for event := range transitions {
			if event.Type != "node.status" {
				continue
			}
			fmt.Fprintf(progress, "[%v] %v\n", event.Payload["node_id"], event.Payload["status"])
		}
		return nil
	})

	var record store.RunRecord
	select {
	case <-handle.Done():
		record, err = handle.Wait(context.Background())
	case <-ctx.Done():
		_ = host.Scheduler.Cancel(handle.RunID)
		record, err = handle.Wait(context.Background())
	}
	stop()
	if waitErr := group.Wait(); waitErr != nil && err == nil {
		err = waitErr
	}
	return record, err
}

func printRecord(cmd *cobra.Command, record store.RunRecord, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(record)
	}
	fmt.Fprintf(out, "Run:        %s\n", record.RunID)
	fmt.Fprintf(out, "Status:     %s\n", record.Status)
	if record.Reason != "" {
		fmt.Fprintf(out, "Reason:     %s\n", record.Reason)
	}
	fmt.Fprintf(out, "Final node: %s\n", record.FinalNodeID)
	fmt.Fprintf(out, "Confidence: %.2f\n", record.FinalConfidence)
	if record.FinalAnswer != "" {
		fmt.Fprintf(out, "\n%s\n", record.FinalAnswer)
	}
	if record.Status == store.RunFailed || record.Status == store.RunCancelled {
		return fmt.Errorf("run %s", record.Status)
	}
	return nil
}

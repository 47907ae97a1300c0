package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Keyring-Network/railgraph/internal/graph"
)

var validateFlags struct {
	file string
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a graph file without running it",
	RunE:  runValidate,
}

func init() {
	f := validateCmd.Flags()
	f.StringVarP(&validateFlags.file, "file", "f", "", "Graph file, YAML or JSON (required)")
	_ = validateCmd.MarkFlagRequired("file")
}

func runValidate(cmd *cobra.Command, _ []string) error {
	g, err := graph.LoadFile(validateFlags.file)
	if err != nil {
		return err
	}
	if err := graph.Validate(g); err != nil {
		return err
	}
	idx := graph.BuildIndex(g)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ok: %d nodes, %d edges\n", len(g.Nodes), len(g.Edges))
	fmt.Fprintf(out, "nodes: %s\n", strings.Join(idx.Order, ", "))
	fmt.Fprintf(out, "sinks: %s\n", strings.Join(idx.Sinks, ", "))
	return nil
}

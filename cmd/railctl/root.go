// railctl runs and inspects reasoning graphs from the command line.
//
// Usage:
//
//	railctl validate -f graph.yaml
//	railctl run -f graph.yaml -q "question" [--json] [--bridge]
//	railctl bridge token [--export]
//	railctl bridge health [--port 38961] [--token <hex>]
//	railctl web run --provider gemini --prompt "..." [--worker-cmd webworker]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "railctl",
	Short:         "Run and inspect railgraph reasoning graphs",
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(bridgeCmd)
	rootCmd.AddCommand(webCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

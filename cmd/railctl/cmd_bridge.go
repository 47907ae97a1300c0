package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Keyring-Network/railgraph/internal/bridge"
	"github.com/Keyring-Network/railgraph/internal/config"
	"github.com/Keyring-Network/railgraph/internal/provider"
)

var bridgeFlags struct {
	port   int
	token  string
	export bool
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Inspect the extension bridge",
}

var bridgeTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a pairing token for RAIL_BRIDGE_TOKEN",
	RunE:  runBridgeToken,
}

var bridgeHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query a running bridge",
	RunE:  runBridgeHealth,
}

var bridgeRotateCmd = &cobra.Command{
	Use:   "rotate-token",
	Short: "Rotate the token of a running bridge and print the new one",
	RunE:  runBridgeRotate,
}

func init() {
	bridgeTokenCmd.Flags().BoolVar(&bridgeFlags.export, "export", false, "Print as a shell export line")

	for _, cmd := range []*cobra.Command{bridgeHealthCmd, bridgeRotateCmd} {
		f := cmd.Flags()
		f.IntVar(&bridgeFlags.port, "port", config.DefaultBridgePort, "Bridge port on 127.0.0.1")
		f.StringVar(&bridgeFlags.token, "token", "", "Bearer token (defaults to RAIL_BRIDGE_TOKEN)")
	}
	bridgeRotateCmd.Flags().BoolVar(&bridgeFlags.export, "export", false, "Print as a shell export line")

	bridgeCmd.AddCommand(bridgeTokenCmd)
	bridgeCmd.AddCommand(bridgeHealthCmd)
	bridgeCmd.AddCommand(bridgeRotateCmd)
}

func bridgeClient() (*bridge.Client, error) {
	token := bridgeFlags.token
	if token == "" {
		token = os.Getenv("RAIL_BRIDGE_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("a token is required: pass --token or set RAIL_BRIDGE_TOKEN")
	}
	return bridge.NewClient(bridge.DefaultURL(bridgeFlags.port), token)
}

func printToken(cmd *cobra.Command, token string) {
	out := cmd.OutOrStdout()
	if bridgeFlags.export {
		fmt.Fprintf(out, "export RAIL_BRIDGE_TOKEN=%s\n", token)
		return
	}
	fmt.Fprintln(out, token)
}

func runBridgeToken(cmd *cobra.Command, _ []string) error {
	tokens, err := bridge.NewTokens()
	if err != nil {
		return err
	}
	printToken(cmd, tokens.Current())
	return nil
}

// runBridgeRotate prints the new token on stdout; the extension must be
// re-paired with it.
func runBridgeRotate(cmd *cobra.Command, _ []string) error {
	client, err := bridgeClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	token, err := client.RotateToken(ctx)
	if err != nil {
		return fmt.Errorf("rotate bridge token: %w", err)
	}
	printToken(cmd, token)
	return nil
}

func runBridgeHealth(cmd *cobra.Command, _ []string) error {
	client, err := bridgeClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("bridge health: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Running: %v (since %s)\n", health.Running, health.StartedAt)
	fmt.Fprintf(out, "Token:   %s\n", health.TokenMasked)
	fmt.Fprintf(out, "Pending: %d\n", health.Pending)
	ids := make([]provider.ID, 0, len(health.Providers))
	for id := range health.Providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		activity := health.Providers[id]
		lastClaim := "never"
		if activity.LastClaimAt != nil {
			lastClaim = activity.LastClaimAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "  %-10s claimed %s  task %s %s  %s\n", id, lastClaim, activity.TaskID, activity.TaskStatus, activity.PageURL)
	}
	return nil
}

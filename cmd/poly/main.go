package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	configPath string
	jsonOutput bool
	directMode bool
	socketFlag string
	hostFlag   string
	tokenFlag  string

	// Security context flags, shared by every data command.
	ctxUser   string
	ctxRoles  []string
	ctxGroups []string

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "poly",
	Short: "Polyglot-persistence data layer",
	Long: `poly is a uniform data layer over heterogeneous storage backends.

Declare models once in config.yaml, bind each to one or more backends
(graph, vector, relational, cache, document), and operate on all of them
through a single CRUD surface. Commands talk to a running poly daemon
when one is up, and fall back to driving the backends in-process.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $POLYSTORE_CONFIG, ./config.yaml, ~/.polystore/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&directMode, "direct", false, "Bypass the daemon and drive the backends in-process")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "Daemon socket path (default: ~/.polystore/daemon.sock)")
	rootCmd.PersistentFlags().StringVar(&hostFlag, "host", "", "Daemon TCP address (default: $POLYSTORE_DAEMON_HOST)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Daemon auth token for TCP connections (default: $POLYSTORE_DAEMON_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&ctxUser, "as-user", "", "Security context user id for secured models")
	rootCmd.PersistentFlags().StringSliceVar(&ctxRoles, "roles", nil, "Security context roles")
	rootCmd.PersistentFlags().StringSliceVar(&ctxGroups, "groups", nil, "Security context groups")
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		rootCancel()
		os.Exit(1)
	}
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version is the current version of poly (overridden by ldflags at build time)
	Version = "0.1.0"
	// Build can be set via ldflags at compile time
	Build = "dev"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		checkDaemon, _ := cmd.Flags().GetBool("daemon")

		if checkDaemon {
			showDaemonVersion()
			return
		}
		if jsonOutput {
			outputJSON(map[string]string{"version": Version, "build": Build})
			return
		}
		fmt.Printf("poly version %s (%s)\n", Version, Build)
	},
}

func showDaemonVersion() {
	cli, err := connectDaemon()
	if err != nil {
		fmt.Printf("Daemon: error (%v)\n", err)
		return
	}
	if cli == nil {
		fmt.Println("Daemon: not running")
		return
	}
	defer cli.Close()
	pong, err := cli.Ping()
	if err != nil {
		fmt.Printf("Daemon: error (%v)\n", err)
		return
	}
	if jsonOutput {
		outputJSON(map[string]string{"daemon_version": pong.Version})
		return
	}
	fmt.Printf("Daemon: running (version %s)\n", pong.Version)
}

func init() {
	versionCmd.Flags().Bool("daemon", false, "Show the running daemon's version")
	rootCmd.AddCommand(versionCmd)
}

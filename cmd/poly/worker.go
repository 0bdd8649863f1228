package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/workerpool"
)

// workerCmd is the child side of the process-flavored worker pool. The
// pool re-invokes this binary with the worker subcommand and speaks
// line-delimited JSON over the child's stdin and stdout.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return workerpool.RunWorker(os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

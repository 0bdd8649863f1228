package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/rpc"
	"github.com/polystore/polystore/internal/ui"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <model> <id>",
	Short: "Delete an entity from every bound backend",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := runDataops(&rpc.DataopsArgs{
			Operation: rpc.ActionDelete,
			Model:     args[0],
			ID:        args[1],
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(result)
			return nil
		}
		fmt.Printf("%s Deleted %s %s\n", ui.RenderPassIcon(), args[0], ui.RenderAccent(args[1]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

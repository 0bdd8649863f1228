package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/rpc"
	"github.com/polystore/polystore/internal/ui"
)

var readCmd = &cobra.Command{
	Use:   "read <model> <id>",
	Short: "Read an entity by id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := runDataops(&rpc.DataopsArgs{
			Operation: rpc.ActionRead,
			Model:     args[0],
			ID:        args[1],
			Format:    rpc.FormatDict,
		})
		if err != nil {
			return err
		}
		if result.Data == nil {
			if jsonOutput {
				outputJSON(result)
				return nil
			}
			fmt.Printf("%s %s %s not found\n", ui.RenderWarnIcon(), args[0], args[1])
			return nil
		}
		outputJSON(result.Data)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(readCmd)
}

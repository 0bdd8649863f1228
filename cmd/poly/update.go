package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/rpc"
	"github.com/polystore/polystore/internal/ui"
)

var updateFile string

var updateCmd = &cobra.Command{
	Use:   "update <model> <id> [patch-json]",
	Short: "Patch an entity",
	Long: `Apply a partial update to an entity. The patch is a JSON object of
the fields to set; unmentioned fields keep their values. The write fans
out per the model's sync strategy.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runUpdate,
}

func init() {
	updateCmd.Flags().StringVarP(&updateFile, "file", "f", "", "Read the patch from this file (- for stdin)")
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	inline := ""
	if len(args) == 3 {
		inline = args[2]
	}
	patch, err := readDocument(inline, updateFile)
	if err != nil {
		return err
	}

	result, err := runDataops(&rpc.DataopsArgs{
		Operation: rpc.ActionUpdate,
		Model:     args[0],
		ID:        args[1],
		Data:      patch,
		Format:    rpc.FormatDict,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		outputJSON(result)
		return nil
	}
	fmt.Printf("%s Updated %s %s\n", ui.RenderPassIcon(), args[0], ui.RenderAccent(result.ID))
	return nil
}

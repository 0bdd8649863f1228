package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/rpc"
	"github.com/polystore/polystore/internal/ui"
)

var batchTransaction bool

var batchCmd = &cobra.Command{
	Use:   "batch <file.jsonl>",
	Short: "Run a batch of operations",
	Long: `Run a file of operations, one JSON object per line, each of shape
{"operation": "create|read|update|delete", "model": ..., "id": ...,
"data": {...}}. With --transaction the first failure aborts the rest.
Pass - to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().BoolVar(&batchTransaction, "transaction", false, "Abort on the first failed operation")
	rootCmd.AddCommand(batchCmd)
}

func readBatchItems(r io.Reader) ([]rpc.BatchItem, error) {
	var items []rpc.BatchItem
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var item rpc.BatchItem
		if err := json.Unmarshal(text, &item); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	in := os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	items, err := readBatchItems(in)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("no operations in %s", args[0])
	}

	// Items without their own context inherit the caller's flags.
	sctx := securityContext()
	for i := range items {
		if items[i].Context == nil {
			items[i].Context = sctx
		}
	}

	data, err := dispatch(rpc.OpDataopsBatch, &rpc.BatchArgs{
		Operations:  items,
		Transaction: batchTransaction,
	})
	if err != nil {
		return err
	}
	var result rpc.BatchResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if jsonOutput {
		outputJSON(result)
		return nil
	}
	for i, r := range result.Results {
		if r.Success {
			id := ""
			if r.Data != nil {
				id = r.Data.ID
			}
			fmt.Printf("%s %d: %s %s %s\n", ui.RenderPassIcon(), i+1, items[i].Operation, items[i].Model, id)
		} else {
			fmt.Printf("%s %d: %s %s: %s\n", ui.RenderFailIcon(), i+1, items[i].Operation, items[i].Model, r.Error)
		}
	}
	summary := fmt.Sprintf("%d completed, %d failed", result.Completed, result.Failed)
	if result.Aborted {
		summary += " (aborted)"
	}
	fmt.Println(ui.RenderMuted(summary))
	if result.Failed > 0 {
		return fmt.Errorf("batch finished with %d failures", result.Failed)
	}
	return nil
}

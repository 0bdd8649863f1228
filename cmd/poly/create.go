package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/rpc"
	"github.com/polystore/polystore/internal/timeparsing"
	"github.com/polystore/polystore/internal/types"
	"github.com/polystore/polystore/internal/ui"
)

var (
	createFile string
	createTTL  string
)

var createCmd = &cobra.Command{
	Use:   "create <model> [document-json]",
	Short: "Create an entity",
	Long: `Create an entity of the named model. The document is a JSON object,
given inline, via --file, or on stdin. The engine stamps the id and
timestamps and fans the write out to every bound backend.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createFile, "file", "f", "", "Read the document from this file (- for stdin)")
	createCmd.Flags().StringVar(&createTTL, "ttl", "", "Cache lifetime for this entity (\"90s\", \"1h30m\", \"1d\"; cache-bound models only)")
	rootCmd.AddCommand(createCmd)
}

// readDocument resolves the document from the inline argument, a file
// flag, or stdin, in that order of preference.
func readDocument(inline, file string) (json.RawMessage, error) {
	var data []byte
	switch {
	case inline != "":
		data = []byte(inline)
	case file == "-" || file == "":
		if file == "" {
			stat, err := os.Stdin.Stat()
			if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
				return nil, fmt.Errorf("no document given: pass JSON inline, via --file, or on stdin")
			}
		}
		var err error
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	default:
		var err error
		data, err = os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	return json.RawMessage(data), nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	inline := ""
	if len(args) == 2 {
		inline = args[1]
	}
	doc, err := readDocument(inline, createFile)
	if err != nil {
		return err
	}
	if createTTL != "" {
		ttl, err := timeparsing.ParseTTL(createTTL)
		if err != nil {
			return fmt.Errorf("--ttl: %w", err)
		}
		var m map[string]any
		_ = json.Unmarshal(doc, &m)
		m[types.FieldTTL] = int64(ttl / time.Second)
		if doc, err = json.Marshal(m); err != nil {
			return err
		}
	}

	result, err := runDataops(&rpc.DataopsArgs{
		Operation: rpc.ActionCreate,
		Model:     args[0],
		Data:      doc,
		Format:    rpc.FormatDict,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		outputJSON(result)
		return nil
	}
	fmt.Printf("%s Created %s %s\n", ui.RenderPassIcon(), args[0], ui.RenderAccent(result.ID))
	return nil
}

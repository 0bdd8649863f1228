package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/rpc"
	"github.com/polystore/polystore/internal/ui"
)

var infoCmd = &cobra.Command{
	Use:   "info [model]",
	Short: "Show model descriptors",
	Long: `Show the registered models: fields, bindings, sync strategy, and
which fields are masked on the way out. With no argument, every model.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	infoArgs := &rpc.InfoArgs{}
	if len(args) == 1 {
		infoArgs.Model = args[0]
	}
	data, err := dispatch(rpc.OpDataopsInfo, infoArgs)
	if err != nil {
		return err
	}
	var result rpc.InfoResult
	if err := json.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if jsonOutput {
		outputJSON(result)
		return nil
	}
	fmt.Print(ui.RenderMarkdown(infoMarkdown(result.Models)))
	return nil
}

func infoMarkdown(models []rpc.ModelInfo) string {
	var b strings.Builder
	for i, m := range models {
		if i > 0 {
			b.WriteString("\n---\n\n")
		}
		fmt.Fprintf(&b, "# %s\n\n", m.Name)
		if m.Doc != "" {
			fmt.Fprintf(&b, "%s\n\n", m.Doc)
		}
		fmt.Fprintf(&b, "- **Collection:** `%s`\n", m.Path)
		fmt.Fprintf(&b, "- **ID field:** `%s`", m.IDField)
		if m.IDPrefix != "" {
			fmt.Fprintf(&b, " (prefix `%s_`)", m.IDPrefix)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "- **Strategy:** %s\n", m.Strategy)
		fmt.Fprintf(&b, "- **Bindings:** %s (primary: %s)\n", strings.Join(m.Bindings, ", "), m.Primary)
		if m.Secured {
			b.WriteString("- **Secured:** yes (owner + ACL checks apply)\n")
		}
		if len(m.Sensitive) > 0 {
			fmt.Fprintf(&b, "- **Masked fields:** %s\n", strings.Join(m.Sensitive, ", "))
		}
		if len(m.Fields) > 0 {
			b.WriteString("\n| Field | Type | Required |\n|---|---|---|\n")
			for _, f := range m.Fields {
				req := ""
				if f.Required {
					req = "yes"
				}
				fmt.Fprintf(&b, "| %s | %s | %s |\n", f.Name, f.Type, req)
			}
		}
	}
	if len(models) == 0 {
		b.WriteString("No models registered.\n")
	}
	return b.String()
}

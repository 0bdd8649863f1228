package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/model"
	"github.com/polystore/polystore/internal/ui"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Create a starter config.yaml",
	Long: `Walk through the backends you want to bind and write a starter
config file with one example model. Credentials land as ${VAR:-default}
references, expanded from the environment at load time.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := "config.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	modelName := "docs"
	strategy := "PRIMARY_FIRST"
	secured := false
	backends := []string{string(model.KindGraph), string(model.KindCache)}

	if ui.IsTerminal() && !ui.IsAgentMode() {
		kindOptions := []huh.Option[string]{
			huh.NewOption("Graph (Dgraph)", string(model.KindGraph)),
			huh.NewOption("Vector (Postgres + pgvector)", string(model.KindVector)),
			huh.NewOption("Relational (Postgres, dynamic schema)", string(model.KindRelational)),
			huh.NewOption("Cache (Redis)", string(model.KindCache)),
			huh.NewOption("Document (SQLite)", string(model.KindDocument)),
		}
		strategyOptions := []huh.Option[string]{
			huh.NewOption("PRIMARY_FIRST - primary sync, mirrors best-effort (default)", "PRIMARY_FIRST"),
			huh.NewOption("SEQUENTIAL - in order, roll back on failure", "SEQUENTIAL"),
			huh.NewOption("PARALLEL - all at once, roll back on failure", "PARALLEL"),
			huh.NewOption("EVENTUAL - primary sync, mirrors in background", "EVENTUAL"),
		}

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("First model name").
					Description("The collection your entities live in").
					Value(&modelName),
				huh.NewMultiSelect[string]().
					Title("Backends to bind").
					Description("First selected becomes the primary").
					Options(kindOptions...).
					Value(&backends),
				huh.NewSelect[string]().
					Title("Sync strategy").
					Options(strategyOptions...).
					Value(&strategy),
				huh.NewConfirm().
					Title("Secure this model?").
					Description("Adds ownership, ACLs, and permission checks").
					Value(&secured),
			),
		)
		if err := form.Run(); err != nil {
			return err
		}
	}
	if len(backends) == 0 {
		return fmt.Errorf("pick at least one backend")
	}

	if err := os.WriteFile(path, []byte(starterConfig(modelName, strategy, secured, backends)), 0o600); err != nil {
		return err
	}
	fmt.Printf("%s Wrote %s\n", ui.RenderPassIcon(), path)
	fmt.Println(ui.RenderMuted("Edit the storage_configs credentials, then: poly serve --config " + path))
	return nil
}

// starterConfig renders the wizard's answers as a commented config file.
// Rendered by hand rather than yaml.Marshal to keep the comments and the
// ${VAR:-default} placeholders, which a marshal round trip would not emit.
func starterConfig(modelName, strategy string, secured bool, backends []string) string {
	var b strings.Builder
	b.WriteString("# polystore configuration. ${VAR:-default} expands from the environment.\n\n")
	b.WriteString("storage_configs:\n")
	for _, kind := range backends {
		k := model.Kind(kind)
		fmt.Fprintf(&b, "  %s_main:\n    kind: %s\n", kind, kind)
		switch k {
		case model.KindDocument, model.KindFile:
			fmt.Fprintf(&b, "    database: ${POLYSTORE_%s_PATH:-polystore.db}\n", strings.ToUpper(kind))
		default:
			fmt.Fprintf(&b, "    host: ${POLYSTORE_%s_HOST:-localhost}\n", strings.ToUpper(kind))
			fmt.Fprintf(&b, "    port: ${POLYSTORE_%s_PORT:-%d}\n", strings.ToUpper(kind), model.DefaultPort(k))
			if k == model.KindRelational || k == model.KindVector {
				b.WriteString("    database: ${POLYSTORE_PG_DATABASE:-polystore}\n")
				b.WriteString("    username: ${POLYSTORE_PG_USER:-postgres}\n")
				b.WriteString("    password: ${POLYSTORE_PG_PASSWORD:-}\n")
			}
		}
	}
	b.WriteString("\nmodel_defaults:\n")
	fmt.Fprintf(&b, "  sync_strategy: %s\n", strategy)
	b.WriteString("\nperformance:\n  workers: 0            # 0 = NumCPU\n  embedding_dimension: 384\n")
	b.WriteString("\nmodels:\n")
	fmt.Fprintf(&b, "  - name: %s\n", modelName)
	fmt.Fprintf(&b, "    path: %s\n", modelName)
	if secured {
		b.WriteString("    secured: true\n")
	}
	b.WriteString("    storages:\n")
	for _, kind := range backends {
		fmt.Fprintf(&b, "      - %s_main\n", kind)
	}
	b.WriteString("    indexes:\n      - field: title\n        kind: text\n")
	b.WriteString("    # sensitive:\n    #   api_key: \"[{field} masked]uid\"\n")
	return b.String()
}

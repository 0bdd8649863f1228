package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/polystore/polystore/internal/rpc"
	"github.com/polystore/polystore/internal/timeparsing"
	"github.com/polystore/polystore/internal/ui"
)

var (
	findLimit   int
	findSkip    int
	findOrderBy string
	findDesc    bool
	findSince   string
	findUntil   string
)

var findCmd = &cobra.Command{
	Use:   "find <model> [query-json]",
	Short: "Query entities",
	Long: `Query a model with the uniform dialect: field names map to scalars
(equality) or operator objects ($eq $ne $gt $gte $lt $lte $in $regex),
with $and / $or at the top level. No query returns everything, bounded
by --limit.

  poly find docs '{"author_id": "u1"}'
  poly find docs '{"score": {"$gte": 0.8}}' --limit 10 --order-by score --desc
  poly find docs --since -1d --until "this morning"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runFind,
}

func init() {
	findCmd.Flags().IntVar(&findLimit, "limit", 50, "Maximum results to return (0 = no limit)")
	findCmd.Flags().IntVar(&findSkip, "skip", 0, "Results to skip, for paging")
	findCmd.Flags().StringVar(&findOrderBy, "order-by", "", "Field to order by")
	findCmd.Flags().BoolVar(&findDesc, "desc", false, "Order descending")
	findCmd.Flags().StringVar(&findSince, "since", "", "Only entities created at or after this time (-1d, 2025-02-01, \"last monday\")")
	findCmd.Flags().StringVar(&findUntil, "until", "", "Only entities created before this time")
	rootCmd.AddCommand(findCmd)
}

// timeBounds folds --since/--until into the query as a created_at range.
// An explicit created_at term in the query wins over the flags.
func timeBounds(q map[string]any) (map[string]any, error) {
	if findSince == "" && findUntil == "" {
		return q, nil
	}
	if q == nil {
		q = map[string]any{}
	}
	if _, ok := q["created_at"]; ok {
		return q, nil
	}
	bounds := map[string]any{}
	now := time.Now()
	if findSince != "" {
		t, err := timeparsing.Parse(findSince, now)
		if err != nil {
			return nil, fmt.Errorf("--since: %w", err)
		}
		bounds["$gte"] = t.UTC().Format(time.RFC3339)
	}
	if findUntil != "" {
		t, err := timeparsing.Parse(findUntil, now)
		if err != nil {
			return nil, fmt.Errorf("--until: %w", err)
		}
		bounds["$lt"] = t.UTC().Format(time.RFC3339)
	}
	q["created_at"] = bounds
	return q, nil
}

func runFind(cmd *cobra.Command, args []string) error {
	var q map[string]any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &q); err != nil {
			return fmt.Errorf("query must be a JSON object: %w", err)
		}
	}
	q, err := timeBounds(q)
	if err != nil {
		return err
	}

	result, err := runDataops(&rpc.DataopsArgs{
		Operation: rpc.ActionFind,
		Model:     args[0],
		Query:     q,
		Limit:     findLimit,
		Skip:      findSkip,
		OrderBy:   findOrderBy,
		Desc:      findDesc,
		Format:    rpc.FormatDict,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		outputJSON(result)
		return nil
	}
	if len(result.Items) == 0 {
		fmt.Println(ui.RenderMuted("no matches"))
		return nil
	}
	outputJSON(result.Items)
	fmt.Println(ui.RenderMuted(fmt.Sprintf("%d of %d", len(result.Items), result.Count)))
	return nil
}

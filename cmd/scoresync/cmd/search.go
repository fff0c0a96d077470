package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd(root *rootOptions) *cobra.Command {
	var (
		index      string
		size       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Query the alias (or one index) to spot-check what readers see",
		Long: `Search runs a match query against the alias, or against one physical
index with --index. An empty query lists documents in no particular order.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			d, err := openDeployment(ctx, root, false)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			target := index
			if target == "" {
				target = d.cfg.Schema.Alias
			}
			hits, err := d.engine.Search(ctx, target, strings.Join(args, " "), size)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(hits)
			}
			for _, h := range hits {
				fmt.Fprintf(out, "%s\t%.4f\n", h.ID, h.Score)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&index, "index", "", "Physical index to query instead of the alias")
	cmd.Flags().IntVarP(&size, "size", "n", 10, "Maximum number of hits")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output hits as JSON")
	return cmd
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/scoresync/internal/schema"
)

func newAuditCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check coordination state against the search engine",
		Long: `Compare the active and current schemas with the indexes behind the
alias and report inconsistencies. Nothing is repaired.

Exits non-zero when a blocking inconsistency is found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			d, err := openDeployment(ctx, root, false)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			report, err := schema.Audit(ctx, d.store, d.engine, d.meta, d.cfg.Schema.Alias)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(report.Findings) == 0 {
				_, err = fmt.Fprintf(out, "✓ Alias %s is consistent\n", report.Alias)
				return err
			}
			for _, f := range report.Findings {
				mark := "!"
				if f.Type.Blocking() {
					mark = "✗"
				}
				if _, err := fmt.Fprintf(out, "%s %s: %s\n", mark, f.Type, f.Details); err != nil {
					return err
				}
			}
			return report.Err()
		},
	}
	return cmd
}

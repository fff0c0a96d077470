package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/scoresync/internal/coord"
	serrors "github.com/Aman-CERP/scoresync/internal/errors"
)

func newPromoteCmd(root *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "promote <schema>",
		Short: "Make a schema current",
		Long: `Set the current schema. The worker producing it swaps the alias to its
index on its next poll; the worker of the previous schema stops.

Only schemas with a running worker can be promoted unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			target := args[0]

			d, err := openDeployment(ctx, root, false)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			ok, err := coord.IsActive(ctx, d.store, target)
			if err != nil {
				return err
			}
			if !ok && !force {
				active, _ := d.store.ActiveSchemas(ctx)
				return serrors.New(serrors.ErrCodeUnknownSchema,
					fmt.Sprintf("schema %q is not active", target), nil).
					WithDetail("active", fmt.Sprint(active)).
					WithSuggestion("Start a worker for the schema first, or pass --force")
			}

			previous, err := d.store.CurrentSchema(ctx)
			if err != nil {
				return err
			}
			if previous == target {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Schema %s is already current\n", target)
				return err
			}
			if err := d.store.SetCurrent(ctx, target); err != nil {
				return err
			}

			d.logger.Info("schema_promoted",
				slog.String("schema", target),
				slog.String("previous", previous),
				slog.Bool("forced", force))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Promoted schema %s (was %q)\n", target, previous)
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Promote even if no worker registered the schema")
	return cmd
}

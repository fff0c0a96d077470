package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/scoresync/internal/schema"
	"github.com/Aman-CERP/scoresync/internal/ui"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	var (
		jsonOutput bool
		noColor    bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show schemas, the alias and every index behind it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			d, err := openDeployment(ctx, root, false)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			info, err := collectStatus(ctx, d)
			if err != nil {
				return err
			}

			r := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor || ui.DetectNoColor() || !ui.IsTTY(cmd.OutOrStdout()))
			if jsonOutput {
				return r.RenderJSON(info)
			}
			return r.Render(info)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colors")
	return cmd
}

// collectStatus gathers the audit view of the deployment plus the document
// count of each open index.
func collectStatus(ctx context.Context, d *deployment) (ui.StatusInfo, error) {
	report, err := schema.Audit(ctx, d.store, d.engine, d.meta, d.cfg.Schema.Alias)
	if err != nil {
		return ui.StatusInfo{}, err
	}

	infos, err := d.engine.ListIndices(ctx, d.cfg.Schema.Alias+"-")
	if err != nil {
		return ui.StatusInfo{}, err
	}
	closed := make(map[string]bool, len(infos))
	for _, info := range infos {
		closed[info.Name] = info.Closed
	}

	status := ui.StatusInfo{
		Alias:       report.Alias,
		AliasTarget: report.AliasTarget,
		Current:     report.Current,
		Active:      report.Active,
		Indices:     make([]ui.IndexStatus, 0, len(report.Indices)),
	}
	for _, m := range report.Indices {
		is := ui.IndexStatus{
			Name:       m.IndexName,
			Schema:     m.SchemaID,
			State:      m.State.String(),
			LastCursor: m.LastCursor,
			HasCursor:  m.HasCursor,
			Closed:     closed[m.IndexName],
			UpdatedAt:  m.UpdatedAt,
		}
		if !is.Closed {
			if n, err := d.engine.DocCount(ctx, m.IndexName); err == nil {
				is.Docs = n
			}
		}
		status.Indices = append(status.Indices, is)
	}
	for _, f := range report.Findings {
		status.Findings = append(status.Findings, ui.FindingInfo{
			Type:     f.Type.String(),
			Blocking: f.Type.Blocking(),
			Details:  f.Details,
		})
	}
	return status, nil
}

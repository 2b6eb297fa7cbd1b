package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pgprovision/pkg/stores"
)

type runReport struct {
	stores.Run `yaml:",inline"`
	Events     []*stores.Event `json:"events,omitempty" yaml:"events,omitempty"`
}

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		entity     string
		limit      int
		withEvents bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded lifecycle runs",
		Long: `List the transitions recorded in the state database, newest first.

The entity defaults to the one in the node configuration.`,
		Example: `  # Last runs of the configured node
  pgprov history

  # Include per-command events
  pgprov history --events --limit 1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if entity == "" {
				cfg, err := loadConfig(ctx, opts)
				if err != nil {
					return fmt.Errorf("no --entity given and the node configuration could not be read: %w", err)
				}
				entity = cfg.Entity
			}

			store, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(ctx, &entity, limit, 0)
			if err != nil {
				return err
			}

			reports := make([]runReport, 0, len(runs))
			for _, r := range runs {
				report := runReport{Run: *r}
				if withEvents {
					if report.Events, err = store.GetEvents(ctx, r.ID); err != nil {
						return err
					}
				}
				reports = append(reports, report)
			}
			return printOutput(cmd.OutOrStdout(), opts.jsonOutput, reports)
		},
	}

	cmd.Flags().StringVar(&entity, "entity", "", "entity to show (default: from the node configuration)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the events of each run")

	return cmd
}

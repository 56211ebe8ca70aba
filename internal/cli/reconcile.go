package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [series-id]",
		Short: "Top up materialized occurrences",
		Long: `Top up materialized occurrences to the configured horizon.

With a series id only that series is reconciled, as --user. Without one
every stored series is reconciled as its owner.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open()
			if err != nil {
				return WrapExitError(ExitCommandError, "open store", err)
			}
			defer a.Close()
			out := rootOpts.output(cmd)

			if len(args) == 1 {
				adds, err := a.svc.Reconcile(cmd.Context(), rootOpts.actor(), args[0])
				if err != nil {
					return err
				}
				v := viewOccurrences(adds, a.svc.Location())
				return out.Success(v, func(w io.Writer) {
					fmt.Fprintf(w, "added %d\n", len(v))
					printOccurrences(w, v)
				})
			}

			stats, err := a.svc.ReconcileAll(cmd.Context())
			v := struct {
				Series int `json:"series"`
				Added  int `json:"added"`
				Failed int `json:"failed"`
			}{stats.Series, stats.Added, stats.Failed}
			if perr := out.Success(v, func(w io.Writer) {
				fmt.Fprintf(w, "series %d, added %d, failed %d\n", v.Series, v.Added, v.Failed)
			}); perr != nil {
				return perr
			}
			return err
		},
	}
}

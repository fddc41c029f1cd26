package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale reservations, move idle assets cold and prune old rows once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Sweeper.RunOnce(cmd.Context())
			if werr := writeOutput(cmd.OutOrStdout(), rootOpts.Format, res, func(w io.Writer) {
				fmt.Fprintf(w, "Reservations expired: %d\n", res.Expired)
				fmt.Fprintf(w, "Assets moved cold:    %d\n", res.Cold)
				fmt.Fprintf(w, "Rows pruned:          %d\n", res.Pruned)
			}); werr != nil {
				return werr
			}
			if err != nil {
				return WrapExitError(ExitFailure, "sweep", err)
			}
			return nil
		},
	}
}

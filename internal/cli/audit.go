package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/stagecoord/internal/audit"
)

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect audit chains",
	}
	cmd.AddCommand(newAuditVerifyCommand(rootOpts))
	return cmd
}

func newAuditVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash and link of an audit chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Audit.Verify(cmd.Context(), kind)
			if err != nil {
				return WrapExitError(ExitCommandError, "verify audit chain", err)
			}
			if err := writeOutput(cmd.OutOrStdout(), rootOpts.Format, report, func(w io.Writer) {
				printReport(w, report)
			}); err != nil {
				return err
			}
			if !report.Valid {
				return NewExitError(ExitFailure, fmt.Sprintf("audit chain %s broken at index %d", kind, *report.BrokenAt))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", audit.KindExecutionModeration, "audit chain kind")
	return cmd
}

func printReport(w io.Writer, r audit.Report) {
	if r.Valid {
		fmt.Fprintf(w, "Chain %s: OK (%d entries)\n", r.Kind, r.Entries)
		return
	}
	fmt.Fprintf(w, "Chain %s: BROKEN at index %d of %d\n", r.Kind, *r.BrokenAt, r.Entries)
	fmt.Fprintf(w, "  Reason: %s\n", r.Reason)
}

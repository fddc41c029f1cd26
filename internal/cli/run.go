package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/stagecoord/internal/executor"
	"github.com/p-blackswan/stagecoord/internal/stage"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ProjectID      string
	UserID         string
	StageType      string
	Inputs         map[string]string
	IdempotencyKey string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute one stage",
		Long: `Plan and execute one stage and print its execution record.

Example:
  stagecoord run --project p1 --user u1 --stage SHOT --input prompt="harbour at dawn"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer app.Close()
			return runStage(cmd, app.Coordinator, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project ID")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "user ID")
	cmd.Flags().StringVar(&opts.StageType, "stage", "", "stage type (e.g. SHOT, VOICE)")
	cmd.Flags().StringToStringVar(&opts.Inputs, "input", nil, "stage input key=value (repeatable)")
	cmd.Flags().StringVar(&opts.IdempotencyKey, "idempotency-key", "", "replay the stored result for a repeated key")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("stage")

	return cmd
}

func runStage(cmd *cobra.Command, coord *executor.Coordinator, opts *RunOptions) error {
	st, err := stage.ParseStageType(opts.StageType)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --stage", err)
	}
	inputs := make(map[string]any, len(opts.Inputs))
	for k, v := range opts.Inputs {
		inputs[k] = v
	}

	resp, err := coord.Run(cmd.Context(), executor.Request{
		ProjectID:      opts.ProjectID,
		UserID:         opts.UserID,
		StageType:      st,
		Inputs:         inputs,
		IdempotencyKey: opts.IdempotencyKey,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "run stage", err)
	}
	rec, err := resp.Record()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	err = writeOutput(out, opts.Format, rec, func(w io.Writer) {
		printRecord(w, rec, resp.Replayed)
	})
	if err != nil {
		return err
	}
	if !rec.Success {
		return NewExitError(ExitFailure, "stage failed: "+rec.ErrorString())
	}
	return nil
}

func printRecord(w io.Writer, rec stage.StageExecutionRecord, replayed bool) {
	outcome := "success"
	if !rec.Success {
		outcome = "failure"
	}
	fmt.Fprintf(w, "Execution %s (%s) %s\n", rec.ExecutionID, rec.Plan.StageType, outcome)
	if replayed {
		fmt.Fprintln(w, "  Replayed:  true")
	}
	if rec.ProviderUsed != "" {
		fmt.Fprintf(w, "  Provider:  %s (fallback: %t)\n", rec.ProviderUsed, rec.FallbackUsed)
	}
	fmt.Fprintf(w, "  Cost:      %g\n", rec.CostActual)
	if id, ok := rec.AssetID(); ok {
		fmt.Fprintf(w, "  Asset:     %s\n", id)
	}
	if rec.Error != nil {
		fmt.Fprintf(w, "  Error:     %s\n", *rec.Error)
	}
}

// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"

	"github.com/af3complex/af3c/internal/batch"

	"github.com/spf13/cobra"
)

type runFlags struct {
	opts         batch.Options
	inputType    string
	intermediate []string
}

func newRunCommand(app *App) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the AF3Complex batch driver",
		Long: `Feed every job of a JSON input file to the intermediate model command,
one at a time. Jobs whose output directory exists, or that another driver is
processing, are skipped. A job with ligands is also modelled without them and
the better-ranked model is kept.

Flag names match the AF3Complex entry script. Images keep that script as
their entrypoint unless batch.driver names a Linux af3c binary; the build
then installs it as ` + "`/usr/local/bin/af3c`" + ` and runs ` + "`af3c run`" + ` instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runBatch(cmd.Context(), app, flags); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.opts.JSONFile, "json_file_path", "", "JSON file with one job or a list of jobs")
	f.StringVar(&flags.opts.ModelDir, "model_dir", "", "directory holding the model parameters")
	f.StringVar(&flags.opts.DBDir, "db_dir", "", "directory holding the databases")
	f.StringVar(&flags.opts.OutputDir, "output_dir", "", "directory the models are written to")
	f.StringVar(&flags.inputType, "input_json_type", "", "input format: af3 or server")
	f.StringArrayVar(&flags.intermediate, "intermediate", nil, "per-job command, one argument per flag (overrides batch.intermediate)")
	for _, name := range []string{"json_file_path", "model_dir", "db_dir", "output_dir", "input_json_type"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runBatch(ctx context.Context, app *App, flags runFlags) error {
	loaded, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	command := loaded.Config.Batch.Intermediate
	if len(flags.intermediate) > 0 {
		command = flags.intermediate
	}

	inputType, err := batch.ParseInputType(flags.inputType)
	if err != nil {
		return err
	}
	opts := flags.opts
	opts.InputType = inputType

	logger := app.logger("batch")
	runner := batch.NewRunner(command,
		batch.WithLogger(logger),
		batch.WithOutput(app.stdout, app.stderr),
	)
	result, err := runner.Run(ctx, opts)
	if result != nil {
		logger.Info("Batch finished",
			"processed", len(result.Processed),
			"skipped", len(result.Skipped),
			"failed", len(result.Failed),
		)
	}
	return err
}

// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/af3complex/af3c/internal/hostcheck"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// errHostNotReady is returned by doctor when a check fails.
var errHostNotReady = errors.New("host is not ready to build")

func newDoctorCommand(app *App) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that this host can build the image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runDoctor(cmd.Context(), app, source); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "AF3Complex checkout to check (overrides app.source)")
	return cmd
}

func runDoctor(ctx context.Context, app *App, source string) error {
	loaded, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	cfg := loaded.Config
	if source != "" {
		cfg.App.Source = source
	}

	engine, engineErr := app.engine(cfg)
	report := hostcheck.NewChecker(cfg,
		hostcheck.WithEngine(engine, engineErr),
		hostcheck.WithContextDir(contextParent(cfg)),
	).Run(ctx)

	if err := writeHostReport(app.stdout, report); err != nil {
		return err
	}
	if report.Failed() {
		return errHostNotReady
	}
	fmt.Fprintln(app.stderr, SuccessStyle.Render("✓ Ready to build"))
	return nil
}

func writeHostReport(w io.Writer, report *hostcheck.Report) error {
	table := tablewriter.NewWriter(w)
	table.Header("Check", "Status", "Detail")
	for _, res := range report.Results {
		status := SuccessStyle.Render(res.Status.String())
		switch res.Status {
		case hostcheck.StatusWarn:
			status = WarningStyle.Render(res.Status.String())
		case hostcheck.StatusFail:
			status = ErrorStyle.Render(res.Status.String())
		}
		if err := table.Append(res.Name, status, res.Detail); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	for _, res := range report.Results {
		if res.Suggestion != "" {
			fmt.Fprintf(w, "%s %s: %s\n", WarningStyle.Render("→"), res.Name, res.Suggestion)
		}
	}
	return nil
}

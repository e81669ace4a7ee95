// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/af3complex/af3c/internal/container"
	"github.com/af3complex/af3c/internal/provision"
	"github.com/af3complex/af3c/internal/verify"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

type verifyFlags struct {
	expectExit   int
	requirements string
	args         []string
	gpus         string
	format       string
}

func newVerifyCommand(app *App) *cobra.Command {
	var flags verifyFlags
	cmd := &cobra.Command{
		Use:   "verify <tag>",
		Short: "Check a built image against the plan",
		Long: `Run probe containers from a built image and check that:
  - the pinned interpreter answers with the pinned version from the venv
  - the accelerator environment and PATH order match the plan
  - every pinned requirement is installed at its pinned version
  - with --expect-exit, the entrypoint returns the expected exit code`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var expect *int
			if cmd.Flags().Changed("expect-exit") {
				expect = &flags.expectExit
			}
			if err := runVerify(cmd.Context(), app, container.ImageTag(args[0]), expect, flags); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&flags.expectExit, "expect-exit", 0, "run the entrypoint and expect this exit code")
	cmd.Flags().StringVar(&flags.requirements, "requirements", "", "requirements file to check (default: the source tree's requirements file)")
	cmd.Flags().StringArrayVar(&flags.args, "arg", nil, "argument passed to the entrypoint with --expect-exit (repeatable)")
	cmd.Flags().StringVar(&flags.gpus, "gpus", "", `GPUs for the entrypoint probe, e.g. "all"`)
	cmd.Flags().StringVar(&flags.format, "format", formatTable, "output format: table or json")
	return cmd
}

func runVerify(ctx context.Context, app *App, tag container.ImageTag, expect *int, flags verifyFlags) error {
	if flags.format != formatTable && flags.format != formatJSON {
		return fmt.Errorf("unknown format %q (valid: table, json)", flags.format)
	}
	loaded, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	cfg := loaded.Config
	plan, err := provision.NewAF3ComplexPlan(cfg)
	if err != nil {
		return err
	}
	engine, err := app.engine(cfg)
	if err != nil {
		return err
	}

	requirements := flags.requirements
	if requirements == "" {
		candidate := filepath.Join(cfg.App.Source, cfg.App.Requirements)
		if _, statErr := os.Stat(candidate); statErr == nil {
			requirements = candidate
		} else {
			app.logger("verify").Debug("No requirements file, skipping the pin check", "path", candidate)
		}
	}

	v := verify.NewVerifier(engine, verify.WithLogger(app.logger("verify")))
	report, verr := v.Verify(ctx, tag, plan, verify.Options{
		Requirements:   requirements,
		ExpectExit:     expect,
		EntrypointArgs: flags.args,
		GPUs:           flags.gpus,
	})
	if report != nil {
		if err := writeReport(app.stdout, report, flags.format); err != nil {
			return err
		}
	}
	if verr != nil {
		return verr
	}
	fmt.Fprintf(app.stderr, "%s %s\n", SuccessStyle.Render("✓ Verified"), CmdStyle.Render(tag.String()))
	return nil
}

func writeReport(w io.Writer, report *verify.Report, format string) error {
	if format == formatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Check", "Result", "Detail")
	for _, c := range report.Checks {
		result := SuccessStyle.Render("pass")
		if !c.Passed {
			result = ErrorStyle.Render("FAIL")
		}
		if err := table.Append(c.Name, result, c.Detail); err != nil {
			return err
		}
	}
	return table.Render()
}

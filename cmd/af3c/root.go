// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for af3c.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// newRootCommand builds the command tree around app.
func newRootCommand(app *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "af3c",
		Short: "Provision, build and verify the AF3Complex GPU image",
		Long: TitleStyle.Render("af3c") + SubtitleStyle.Render(" - AF3Complex image provisioner") + `

af3c owns the provisioning procedure of the AF3Complex container image: a
CUDA base, a pinned Python interpreter and virtual environment, HMMER built
from source, the program's pinned dependencies, the chemical components
database and the accelerator environment. The same binary is the batch
driver inside the image.

` + SubtitleStyle.Render("Examples:") + `
  af3c doctor                          Check the host before building
  af3c plan                            Show the provisioning steps
  af3c build af3complex:dev            Build the image
  af3c verify af3complex:dev           Check a built image
  af3c push ghcr.io/me/af3complex:1.0  Publish a registry-qualified tag`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.BoolVarP(&app.flags.verbose, "verbose", "v", false, "enable verbose output")
	pf.StringVar(&app.flags.configFile, "config", "", "config file (default is $XDG_CONFIG_HOME/af3c/config.cue)")
	pf.StringVar(&app.flags.engine, "engine", "", "container engine to use: docker or podman (overrides container_engine)")

	root.AddCommand(
		newBuildCommand(app),
		newPushCommand(app),
		newRenderCommand(app),
		newPlanCommand(app),
		newVerifyCommand(app),
		newDoctorCommand(app),
		newRunCommand(app),
		newConfigCommand(app),
	)
	return root
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI. This is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	// fang overrides rootCmd.Version, so the version goes through WithVersion.
	if err := fang.Execute(
		context.Background(),
		newRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(ExitFailure)
	}
}

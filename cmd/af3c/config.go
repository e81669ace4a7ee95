// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/af3complex/af3c/internal/config"

	"github.com/spf13/cobra"
)

// newConfigCommand creates the `af3c config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage af3c configuration",
		Long: `Manage af3c configuration.

The configuration is read from, in order of preference:
  - the file given with --config
  - $XDG_CONFIG_HOME/af3c/config.cue (default ~/.config/af3c/config.cue)
  - ./af3c.cue

Any value can be overridden with an AF3C_ environment variable, e.g.
AF3C_PYTHON_VERSION=3.12 or AF3C_HMMER_JOBS=4.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var schema bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if schema {
				fmt.Fprint(app.stdout, config.Schema())
				return nil
			}
			if err := showConfig(cmd.Context(), app); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	showCmd.Flags().BoolVar(&schema, "schema", false, "print the CUE schema instead")
	cfgCmd.AddCommand(showCmd)

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := initConfig(app); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	})

	return cfgCmd
}

func showConfig(ctx context.Context, app *App) error {
	loaded, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}

	source := SubtitleStyle.Render("(using defaults)")
	if loaded.Path != "" {
		source = loaded.Path
	}
	fmt.Fprintf(app.stderr, "%s: %s\n\n", CmdStyle.Render("Config file"), source)
	fmt.Fprint(app.stdout, config.GenerateCUE(loaded.Config))
	return nil
}

func initConfig(app *App) error {
	cfgPath, err := config.ConfigFilePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Fprintf(app.stderr, "%s %s\n", WarningStyle.Render("Config file already exists:"), cfgPath)
		return nil
	}
	if _, err := config.CreateDefaultConfig(); err != nil {
		return err
	}
	fmt.Fprintf(app.stderr, "%s %s\n", SuccessStyle.Render("✓ Created"), CmdStyle.Render(cfgPath))
	return nil
}

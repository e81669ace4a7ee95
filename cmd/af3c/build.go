// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/af3complex/af3c/internal/config"
	"github.com/af3complex/af3c/internal/container"
	"github.com/af3complex/af3c/internal/issue"
	"github.com/af3complex/af3c/internal/metrics"
	"github.com/af3complex/af3c/internal/provision"

	"github.com/spf13/cobra"
)

// metricsStdout sends the metrics text dump to stdout instead of a file.
const metricsStdout = "-"

type buildFlags struct {
	source      string
	noCache     bool
	keepContext bool
	metricsFile string
}

func newBuildCommand(app *App) *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "build [tag]",
		Short: "Build the AF3Complex image",
		Long: `Build the AF3Complex image from the provisioning plan.

The tag defaults to image.tag from the configuration. When the build fails,
af3c names the failing step, shows the last lines of build output and exits
with code 10 plus the step number (10 means the base image).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runBuild(cmd.Context(), app, args, flags); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.source, "source", "", "AF3Complex checkout to copy into the image (overrides app.source)")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "do not use the engine's layer cache")
	cmd.Flags().BoolVar(&flags.keepContext, "keep-context", false, "leave the build context on disk")
	cmd.Flags().StringVar(&flags.metricsFile, "metrics-file", "", `write step metrics in Prometheus text format ("-" for stdout)`)
	return cmd
}

func runBuild(ctx context.Context, app *App, args []string, flags buildFlags) error {
	loaded, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	cfg := loaded.Config
	if flags.source != "" {
		cfg.App.Source = flags.source
	}
	tag := container.ImageTag(cfg.Image.Tag)
	if len(args) == 1 {
		tag = container.ImageTag(args[0])
	}
	metricsFile := cfg.Build.MetricsFile
	if flags.metricsFile != "" {
		metricsFile = flags.metricsFile
	}

	recorder := metrics.NewRecorder()
	p, err := newProvisioner(app, cfg,
		provision.WithObserver(recorder),
		provision.WithKeepContext(flags.keepContext),
	)
	if err != nil {
		return err
	}

	res, buildErr := p.Build(ctx, provision.BuildRequest{
		Tag:       tag,
		SourceDir: cfg.App.Source,
		NoCache:   flags.noCache,
	})
	if metricsFile != "" {
		if err := writeMetrics(app, recorder, metricsFile); err != nil {
			app.logger("metrics").Warn("Failed to write metrics", "path", metricsFile, "err", err)
		}
	}
	if buildErr != nil {
		return buildErr
	}

	fmt.Fprintf(app.stderr, "%s %s\n", SuccessStyle.Render("✓ Built"), CmdStyle.Render(res.Tag.String()))
	fmt.Fprintf(app.stderr, "  %s %s\n", SubtitleStyle.Render("build id:     "), res.BuildID)
	fmt.Fprintf(app.stderr, "  %s %s\n", SubtitleStyle.Render("source digest:"), res.SourceDigest)
	fmt.Fprintf(app.stderr, "  %s %s\n", SubtitleStyle.Render("duration:     "), res.Duration.Round(time.Second))
	return nil
}

func writeMetrics(app *App, recorder *metrics.Recorder, path string) error {
	if path == metricsStdout {
		return recorder.Encode(app.stdout)
	}
	return recorder.WriteTextfile(path)
}

func newPushCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "push <registry/repo:tag>",
		Short: "Push a built image to its registry",
		Long: `Push a locally built image. The tag must name its registry
(e.g. ghcr.io/owner/af3complex:1.0); Docker Hub shorthand is rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runPush(cmd.Context(), app, container.ImageTag(args[0])); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
}

func runPush(ctx context.Context, app *App, tag container.ImageTag) error {
	loaded, err := app.loadConfig(ctx)
	if err != nil {
		return err
	}
	p, err := newProvisioner(app, loaded.Config)
	if err != nil {
		return err
	}
	if err := p.Push(ctx, tag); err != nil {
		return withIssue(err, issue.PushFailedId)
	}
	fmt.Fprintf(app.stderr, "%s %s\n", SuccessStyle.Render("✓ Pushed"), CmdStyle.Render(tag.String()))
	return nil
}

func newProvisioner(app *App, cfg *config.Config, opts ...provision.Option) (*provision.Provisioner, error) {
	plan, err := provision.NewAF3ComplexPlan(cfg)
	if err != nil {
		return nil, err
	}
	engine, err := app.engine(cfg)
	if err != nil {
		return nil, err
	}
	base := []provision.Option{
		provision.WithLogger(app.logger("provision")),
		provision.WithOutput(app.stderr),
		provision.WithRequirementsFile(cfg.App.Requirements),
		provision.WithContextDir(contextParent(cfg)),
	}
	return provision.NewProvisioner(engine, plan, append(base, opts...)...), nil
}

func contextParent(cfg *config.Config) string {
	if cfg.Build.ContextDir != "" {
		return cfg.Build.ContextDir
	}
	return provision.DefaultContextParent()
}

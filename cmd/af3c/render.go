// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/af3complex/af3c/internal/config"
	"github.com/af3complex/af3c/internal/provision"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

type (
	// planView is the serialized form of a plan printed by "af3c plan".
	planView struct {
		Base        string            `json:"base" yaml:"base"`
		Steps       []stepView        `json:"steps" yaml:"steps"`
		Environment map[string]string `json:"environment" yaml:"environment"`
		SearchPath  []string          `json:"search_path" yaml:"search_path"`
		Entrypoint  []string          `json:"entrypoint" yaml:"entrypoint"`
		Interpreter *provision.Binary `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	}

	stepView struct {
		Index    int                `json:"index" yaml:"index"`
		ID       provision.StepID   `json:"id" yaml:"id"`
		Summary  string             `json:"summary" yaml:"summary"`
		Requires []provision.StepID `json:"requires,omitempty" yaml:"requires,omitempty"`
		Produces []provision.Fact   `json:"produces,omitempty" yaml:"produces,omitempty"`
		Provides []provision.Binary `json:"provides,omitempty" yaml:"provides,omitempty"`
	}
)

func newRenderCommand(app *App) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the Dockerfile generated from the plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runRender(cmd.Context(), app, output); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the Dockerfile to a file instead of stdout")
	return cmd
}

func runRender(ctx context.Context, app *App, output string) error {
	plan, _, err := loadPlan(ctx, app)
	if err != nil {
		return err
	}
	dockerfile, err := provision.RenderDockerfile(plan)
	if err != nil {
		return err
	}
	if output == "" {
		_, err := app.stdout.Write(dockerfile)
		return err
	}
	if err := os.WriteFile(output, dockerfile, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}
	fmt.Fprintf(app.stderr, "%s %s\n", SuccessStyle.Render("✓ Wrote"), CmdStyle.Render(output))
	return nil
}

func newPlanCommand(app *App) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the provisioning steps",
		Long: `Show the provisioning steps in order, with what each step requires and
produces, and the environment a container of the image starts with.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runPlan(cmd.Context(), app, format); err != nil {
				return app.fail(cmd, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", formatTable, "output format: table, json or yaml")
	return cmd
}

func runPlan(ctx context.Context, app *App, format string) error {
	plan, cfg, err := loadPlan(ctx, app)
	if err != nil {
		return err
	}
	view := newPlanView(plan, cfg)

	switch format {
	case formatTable:
		return writePlanTable(app.stdout, view)
	case formatJSON:
		enc := json.NewEncoder(app.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case formatYAML:
		enc := yaml.NewEncoder(app.stdout)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (valid: table, json, yaml)", format)
	}
}

func loadPlan(ctx context.Context, app *App) (*provision.Plan, *config.Config, error) {
	loaded, err := app.loadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	plan, err := provision.NewAF3ComplexPlan(loaded.Config)
	if err != nil {
		return nil, nil, err
	}
	return plan, loaded.Config, nil
}

func newPlanView(plan *provision.Plan, cfg *config.Config) planView {
	view := planView{
		Base:        plan.Base().Image,
		Environment: plan.Environment(),
		SearchPath:  plan.SearchPath(),
		Entrypoint:  plan.Entrypoint(),
	}
	for i, s := range plan.Steps() {
		view.Steps = append(view.Steps, stepView{
			Index:    i + 1,
			ID:       s.ID,
			Summary:  s.Summary,
			Requires: s.Requires,
			Produces: s.Produces,
			Provides: s.Provides,
		})
	}
	if b, ok := plan.Resolve(cfg.Python.Interpreter()); ok {
		view.Interpreter = &b
	}
	return view
}

func writePlanTable(w io.Writer, view planView) error {
	fmt.Fprintf(w, "%s %s\n\n", TitleStyle.Render("Base image:"), view.Base)

	table := tablewriter.NewWriter(w)
	table.Header("#", "Step", "Summary", "Requires", "Produces")
	for _, s := range view.Steps {
		if err := table.Append(
			strconv.Itoa(s.Index),
			string(s.ID),
			s.Summary,
			joinAny(s.Requires),
			joinAny(s.Produces),
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%s\n", TitleStyle.Render("Environment:"))
	for _, k := range slices.Sorted(maps.Keys(view.Environment)) {
		fmt.Fprintf(w, "  %s=%s\n", CmdStyle.Render(k), view.Environment[k])
	}
	fmt.Fprintf(w, "\n%s %s\n", TitleStyle.Render("Entrypoint:"), strings.Join(view.Entrypoint, " "))
	if view.Interpreter != nil {
		fmt.Fprintf(w, "%s %s (%s)\n", TitleStyle.Render("Interpreter:"), view.Interpreter.Path(), view.Interpreter.Version)
	}
	return nil
}

func joinAny[T ~string](items []T) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = string(it)
	}
	return strings.Join(parts, ", ")
}

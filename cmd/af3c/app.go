// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/af3complex/af3c/internal/config"
	"github.com/af3complex/af3c/internal/container"
	"github.com/af3complex/af3c/internal/issue"
	"github.com/af3complex/af3c/internal/provision"
	"github.com/af3complex/af3c/internal/verify"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

type (
	// App wires CLI services and shared dependencies. Every command handler
	// receives an App reference.
	App struct {
		Config    config.Provider
		newEngine func(container.EngineType) (container.Engine, error)
		stdout    io.Writer
		stderr    io.Writer

		flags        rootFlags
		glamourStyle string
	}

	// Dependencies defines the injection points for building an App. Nil fields
	// are replaced with production defaults by NewApp.
	Dependencies struct {
		Config    config.Provider
		NewEngine func(container.EngineType) (container.Engine, error)
		Stdout    io.Writer
		Stderr    io.Writer
	}

	// guidedError attaches a catalogue entry to an error.
	guidedError struct {
		id  issue.Id
		err error
	}

	// rootFlags holds the persistent flags.
	rootFlags struct {
		configFile string
		engine     string
		verbose    bool
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) *App {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.NewEngine == nil {
		deps.NewEngine = container.NewEngine
	}
	return &App{
		Config:       deps.Config,
		newEngine:    deps.NewEngine,
		stdout:       deps.Stdout,
		stderr:       deps.Stderr,
		glamourStyle: "auto",
	}
}

// loadConfig loads the configuration and applies the persistent flags on top.
func (a *App) loadConfig(ctx context.Context) (*config.Loaded, error) {
	loaded, err := a.Config.LoadWithPath(ctx, config.LoadOptions{ConfigFilePath: a.flags.configFile})
	if err != nil {
		return nil, withIssue(err, issue.ConfigLoadFailedId)
	}
	if a.flags.engine != "" {
		t, err := container.ParseEngineType(a.flags.engine)
		if err != nil {
			return nil, fmt.Errorf("--engine: %w", err)
		}
		loaded.Config.ContainerEngine = config.ContainerEngine(t)
	}
	if loaded.Config.UI.Verbose {
		a.flags.verbose = true
	}
	if loaded.Config.UI.GlamourStyle != "" {
		a.glamourStyle = loaded.Config.UI.GlamourStyle
	}
	return loaded, nil
}

// engine returns the configured engine, falling back to the other one.
func (a *App) engine(cfg *config.Config) (container.Engine, error) {
	engine, err := a.newEngine(container.EngineType(cfg.ContainerEngine))
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("find container engine").
			WithResource(string(cfg.ContainerEngine)).
			WithSuggestion("Install Docker or Podman and make sure the daemon is running").
			WithSuggestion("Select the engine with --engine or container_engine in your config").
			Wrap(err).
			BuildError()
	}
	return engine, nil
}

func (a *App) logger(prefix string) *log.Logger {
	level := log.InfoLevel
	if a.flags.verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(a.stderr, log.Options{Prefix: prefix, Level: level})
}

// fail renders err with its guidance and returns it wrapped in an ExitError.
// The command's own error printing is silenced.
func (a *App) fail(cmd *cobra.Command, err error) error {
	cmd.SilenceErrors = true

	code := ExitFailure
	id := issueFor(err)
	if sf, ok := provision.IsStepFailure(err); ok {
		code = StepExitCode(sf.Index)
		id = sf.Issue
		fmt.Fprintln(a.stderr, ErrorStyle.Render("✗ ")+sf.Error())
		if len(sf.Tail) > 0 {
			fmt.Fprintln(a.stderr, SubtitleStyle.Render("\nLast build output:"))
			for _, line := range sf.Tail {
				fmt.Fprintln(a.stderr, VerboseStyle.Render("  "+line))
			}
		}
	} else {
		fmt.Fprintln(a.stderr, ErrorStyle.Render("✗ ")+issue.Format(err, a.flags.verbose))
	}
	a.renderIssue(id)
	return &ExitError{Code: code, Err: err}
}

func (a *App) renderIssue(id issue.Id) {
	if id == 0 {
		return
	}
	entry := issue.Get(id)
	if entry == nil {
		return
	}
	rendered, err := entry.Render(a.glamourStyle)
	if err != nil {
		a.logger("cli").Warn("Failed to render guidance", "issue", id, "err", err)
		return
	}
	fmt.Fprint(a.stderr, rendered)
}

func withIssue(err error, id issue.Id) error {
	return &guidedError{id: id, err: err}
}

func (e *guidedError) Error() string { return e.err.Error() }

func (e *guidedError) Unwrap() error { return e.err }

// issueFor maps errors outside the build step taxonomy to guidance.
func issueFor(err error) issue.Id {
	var guided *guidedError
	switch {
	case errors.As(err, &guided):
		return guided.id
	case errors.Is(err, provision.ErrSourceNotFound):
		return issue.SourceTreeMissingId
	case errors.Is(err, container.ErrEngineNotAvailable):
		return issue.ContainerEngineNotFoundId
	case errors.Is(err, verify.ErrVerificationFailed):
		return issue.VerificationFailedId
	default:
		return 0
	}
}

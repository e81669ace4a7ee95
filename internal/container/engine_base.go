// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"path/filepath"
	"slices"

	"github.com/af3complex/af3c/internal/issue"
)

type (
	// ExecCommandFunc creates exec.Cmd values. Tests inject a helper-process
	// implementation.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine holds the argument builders and execution helpers shared
	// by the Docker and Podman engines.
	BaseCLIEngine struct {
		name        string
		binaryPath  string
		execCommand ExecCommandFunc
	}
)

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.name = name
	}
}

// WithExecCommand replaces exec.CommandContext.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.execCommand = fn
	}
}

// WithBinaryPath overrides the binary found on PATH.
func WithBinaryPath(path string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.binaryPath = path
	}
}

// NewBaseCLIEngine creates a base engine for the binary at binaryPath.
func NewBaseCLIEngine(binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		binaryPath:  binaryPath,
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryPath returns the engine binary path, or "" if it was not found.
func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// BuildArgs returns the arguments for
//
//	<binary> build [-f file] [-t tag] [--no-cache] [--label k=v]... [--build-arg k=v]... <context>
//
// Labels and build args are emitted in key order so identical options always
// produce identical command lines.
func (e *BaseCLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}

	if opts.Dockerfile != "" {
		dockerfile := opts.Dockerfile
		if !filepath.IsAbs(dockerfile) && opts.ContextDir != "" {
			dockerfile = filepath.Join(opts.ContextDir, dockerfile)
		}
		args = append(args, "-f", dockerfile)
	}

	if opts.Tag != "" {
		args = append(args, "-t", string(opts.Tag))
	}

	if opts.NoCache {
		args = append(args, "--no-cache")
	}

	for _, k := range slices.Sorted(maps.Keys(opts.Labels)) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}

	for _, k := range slices.Sorted(maps.Keys(opts.BuildArgs)) {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}

	return append(args, opts.ContextDir)
}

// PushArgs returns the arguments for "<binary> push <image>".
func (e *BaseCLIEngine) PushArgs(opts PushOptions) []string {
	return []string{"push", string(opts.Image)}
}

// RunArgs returns the arguments for
//
//	<binary> run [--rm] [-i] [--gpus x] [--entrypoint e] [-e k=v]... <image> [command...]
func (e *BaseCLIEngine) RunArgs(opts RunOptions) []string {
	args := []string{"run"}

	if opts.Remove {
		args = append(args, "--rm")
	}
	if opts.Stdin != nil {
		args = append(args, "-i")
	}
	if opts.GPUs != "" {
		args = append(args, "--gpus", opts.GPUs)
	}
	if opts.Entrypoint != "" {
		args = append(args, "--entrypoint", opts.Entrypoint)
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	args = append(args, string(opts.Image))
	return append(args, opts.Command...)
}

// RemoveImageArgs returns the arguments for "<binary> rmi [-f] <image>".
func (e *BaseCLIEngine) RemoveImageArgs(image ImageTag, force bool) []string {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	return append(args, string(image))
}

// CreateCommand creates an exec.Cmd for the engine binary.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

// RunCommandStatus runs a command and returns only its error status.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	if err := e.CreateCommand(ctx, args...).Run(); err != nil {
		return fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}
	return nil
}

// RunCommandWithOutput runs a command and returns its stdout.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command %s %v failed: %w", e.binaryPath, args, err)
	}
	return out.String(), nil
}

// Build validates opts and runs the build.
func (e *BaseCLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	cmd := e.CreateCommand(ctx, e.BuildArgs(opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Run(); err != nil {
		return buildImageError(e.name, opts, err)
	}
	return nil
}

// Push validates the tag and pushes it.
func (e *BaseCLIEngine) Push(ctx context.Context, opts PushOptions) error {
	if err := opts.Image.RequireRegistry(); err != nil {
		return err
	}

	cmd := e.CreateCommand(ctx, e.PushArgs(opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Run(); err != nil {
		return pushImageError(e.name, opts, err)
	}
	return nil
}

// Run runs a container to completion and reports its exit code.
func (e *BaseCLIEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return runCommand(e.CreateCommand(ctx, e.RunArgs(opts)...), opts), nil
}

// runCommand wires opts' streams into cmd, runs it, and maps the exit status.
func runCommand(cmd *exec.Cmd, opts RunOptions) *RunResult {
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	result := &RunResult{}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
			result.Error = err
		}
	}
	return result
}

// InspectImage returns "<binary> image inspect <image>" output.
func (e *BaseCLIEngine) InspectImage(ctx context.Context, image ImageTag) (string, error) {
	return e.RunCommandWithOutput(ctx, "image", "inspect", string(image))
}

// RemoveImage removes a local image.
func (e *BaseCLIEngine) RemoveImage(ctx context.Context, image ImageTag, force bool) error {
	return e.RunCommandStatus(ctx, e.RemoveImageArgs(image, force)...)
}

// buildImageError wraps a build failure with operator guidance.
func buildImageError(engine string, opts BuildOptions, cause error) error {
	ctx := issue.NewErrorContext().WithOperation("build image")
	if opts.Tag != "" {
		ctx.WithResource(string(opts.Tag))
	} else {
		ctx.WithResource(opts.ContextDir)
	}
	return ctx.
		WithSuggestion("Check network access to package mirrors and the HMMER download site").
		WithSuggestion("Retry with --no-cache if a cached layer is stale").
		WithSuggestion("Run with --verbose to see the full " + engine + " build output").
		Wrap(cause).
		BuildError()
}

// pushImageError wraps a push failure with operator guidance.
func pushImageError(engine string, opts PushOptions, cause error) error {
	return issue.NewErrorContext().
		WithOperation("push image").
		WithResource(string(opts.Image)).
		WithSuggestion("Log in to the registry (try: " + engine + " login <registry>)").
		WithSuggestion("Check that the image was built locally (try: af3c build " + string(opts.Image) + ")").
		Wrap(cause).
		BuildError()
}

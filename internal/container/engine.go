// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	EngineTypePodman EngineType = "podman"
	EngineTypeDocker EngineType = "docker"
)

var (
	// ErrEngineNotAvailable is wrapped by EngineNotAvailableError.
	ErrEngineNotAvailable = errors.New("container engine not available")

	// ErrInvalidBuildOptions is returned when BuildOptions fail validation.
	ErrInvalidBuildOptions = errors.New("invalid build options")

	// ErrInvalidRunOptions is returned when RunOptions fail validation.
	ErrInvalidRunOptions = errors.New("invalid run options")
)

type (
	// Engine is the subset of container engine operations used to build,
	// publish and probe images.
	Engine interface {
		// Name returns the engine name (docker or podman).
		Name() string
		// Available reports whether the engine binary exists and answers.
		Available() bool
		// Version returns the engine (server) version.
		Version(ctx context.Context) (string, error)

		// Build builds an image from a Dockerfile.
		Build(ctx context.Context, opts BuildOptions) error
		// Push pushes a tagged image to its registry.
		Push(ctx context.Context, opts PushOptions) error
		// Run runs a container to completion.
		Run(ctx context.Context, opts RunOptions) (*RunResult, error)
		// ImageExists reports whether image is present locally.
		ImageExists(ctx context.Context, image ImageTag) (bool, error)
		// InspectImage returns the engine's JSON description of image.
		InspectImage(ctx context.Context, image ImageTag) (string, error)
		// RemoveImage removes a local image.
		RemoveImage(ctx context.Context, image ImageTag, force bool) error
	}

	// EngineType identifies a container engine.
	EngineType string

	// BuildOptions configures an image build.
	BuildOptions struct {
		// ContextDir is the build context directory.
		ContextDir string
		// Dockerfile is the Dockerfile path, relative to ContextDir unless absolute.
		Dockerfile string
		// Tag is the image tag to apply.
		Tag ImageTag
		// BuildArgs are build-time variables.
		BuildArgs map[string]string
		// Labels are image labels.
		Labels map[string]string
		// NoCache disables the layer cache.
		NoCache bool
		// Stdout receives build progress.
		Stdout io.Writer
		// Stderr receives build errors.
		Stderr io.Writer
	}

	// PushOptions configures an image push.
	PushOptions struct {
		Image  ImageTag
		Stdout io.Writer
		Stderr io.Writer
	}

	// RunOptions configures a container run.
	RunOptions struct {
		// Image is the image to run.
		Image ImageTag
		// Entrypoint overrides the image entrypoint when non-empty.
		Entrypoint string
		// Command is appended after the image (arguments to the entrypoint).
		Command []string
		// Env holds extra environment variables.
		Env map[string]string
		// Remove removes the container after it exits.
		Remove bool
		// GPUs requests accelerators ("all", "device=0", ...). Empty requests none.
		GPUs   string
		Stdin  io.Reader
		Stdout io.Writer
		Stderr io.Writer
	}

	// RunResult is the outcome of a container run. A non-zero ExitCode is not
	// an error; Error is set only for infrastructure failures.
	RunResult struct {
		ExitCode int
		Error    error
	}

	// EngineNotAvailableError reports that no usable engine binary was found.
	EngineNotAvailableError struct {
		Engine string
		Reason string
	}
)

// Validate checks the fields that a build cannot proceed without.
func (o BuildOptions) Validate() error {
	var errs []error
	if strings.TrimSpace(o.ContextDir) == "" {
		errs = append(errs, errors.New("context directory is required"))
	}
	if o.Tag != "" {
		if err := o.Tag.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidBuildOptions, errors.Join(errs...))
	}
	return nil
}

// Validate checks that an image is set.
func (o RunOptions) Validate() error {
	if o.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidRunOptions)
	}
	return o.Image.Validate()
}

func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// Unwrap returns ErrEngineNotAvailable.
func (e *EngineNotAvailableError) Unwrap() error { return ErrEngineNotAvailable }

// ParseEngineType validates an engine name from config or flags.
func ParseEngineType(s string) (EngineType, error) {
	switch t := EngineType(strings.ToLower(strings.TrimSpace(s))); t {
	case EngineTypeDocker, EngineTypePodman:
		return t, nil
	default:
		return "", fmt.Errorf("unknown container engine type: %q (valid: docker, podman)", s)
	}
}

// NewEngine returns the preferred engine, or the other one if the preferred
// engine is not available.
func NewEngine(preferred EngineType) (Engine, error) {
	var first, second Engine
	switch preferred {
	case EngineTypeDocker:
		first, second = NewDockerEngine(), NewPodmanEngine()
	case EngineTypePodman:
		first, second = NewPodmanEngine(), NewDockerEngine()
	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferred)
	}

	if first.Available() {
		return first, nil
	}
	if second.Available() {
		return second, nil
	}
	return nil, &EngineNotAvailableError{
		Engine: string(preferred),
		Reason: fmt.Sprintf("%s is not installed or not accessible, and %s fallback is also not available", first.Name(), second.Name()),
	}
}

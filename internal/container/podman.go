// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

var _ Engine = (*PodmanEngine)(nil)

// PodmanEngine implements Engine with the Podman CLI.
type PodmanEngine struct {
	*BaseCLIEngine
}

// NewPodmanEngine creates a Podman engine using the podman binary on PATH.
func NewPodmanEngine(opts ...BaseCLIEngineOption) *PodmanEngine {
	path, _ := exec.LookPath("podman")
	all := append([]BaseCLIEngineOption{WithName(string(EngineTypePodman))}, opts...)
	return &PodmanEngine{BaseCLIEngine: NewBaseCLIEngine(path, all...)}
}

// Name returns "podman".
func (e *PodmanEngine) Name() string {
	return string(EngineTypePodman)
}

// Available checks that podman answers.
func (e *PodmanEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	return e.CreateCommand(context.Background(), "version", "--format", "{{.Version}}").Run() == nil
}

// Version returns the Podman version.
func (e *PodmanEngine) Version(ctx context.Context) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "version", "--format", "{{.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get podman version: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Build builds with "--format docker" so that image-spec fields Podman drops
// from OCI images are kept.
func (e *PodmanEngine) Build(ctx context.Context, opts BuildOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}

	args := e.BuildArgs(opts)
	args = append([]string{args[0], "--format", "docker"}, args[1:]...)

	cmd := e.CreateCommand(ctx, args...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Run(); err != nil {
		return buildImageError(e.Name(), opts, err)
	}
	return nil
}

// RunArgs translates --gpus into the CDI device syntax Podman expects.
func (e *PodmanEngine) RunArgs(opts RunOptions) []string {
	gpus := opts.GPUs
	opts.GPUs = ""
	args := e.BaseCLIEngine.RunArgs(opts)
	if gpus == "" {
		return args
	}
	device := "nvidia.com/gpu=all"
	if gpus != "all" {
		device = "nvidia.com/gpu=" + strings.TrimPrefix(gpus, "device=")
	}
	return append([]string{args[0], "--device", device}, args[1:]...)
}

// Run runs a container using the Podman-specific arguments.
func (e *PodmanEngine) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return runCommand(e.CreateCommand(ctx, e.RunArgs(opts)...), opts), nil
}

// ImageExists uses "podman image exists".
func (e *PodmanEngine) ImageExists(ctx context.Context, image ImageTag) (bool, error) {
	err := e.RunCommandStatus(ctx, "image", "exists", string(image))
	return err == nil, nil
}

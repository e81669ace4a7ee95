// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

const (
	// ContainerEngineDocker uses the Docker CLI.
	ContainerEngineDocker ContainerEngine = "docker"
	// ContainerEnginePodman uses the Podman CLI.
	ContainerEnginePodman ContainerEngine = "podman"

	// DefaultHMMERURLTemplate is used when hmmer.url is empty; %s is the version.
	DefaultHMMERURLTemplate = "http://eddylab.org/software/hmmer/hmmer-%s.tar.gz"
)

var (
	// ErrInvalidConfig is wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")

	pythonVersionRe = regexp.MustCompile(`^3\.[0-9]+$`)
)

type (
	// ContainerEngine selects the container CLI.
	ContainerEngine string

	// Config is the complete af3c configuration.
	Config struct {
		ContainerEngine ContainerEngine   `json:"container_engine" mapstructure:"container_engine"`
		Image           ImageConfig       `json:"image" mapstructure:"image"`
		Python          PythonConfig      `json:"python" mapstructure:"python"`
		HMMER           HMMERConfig       `json:"hmmer" mapstructure:"hmmer"`
		App             AppConfig         `json:"app" mapstructure:"app"`
		Accelerator     AcceleratorConfig `json:"accelerator" mapstructure:"accelerator"`
		Build           BuildConfig       `json:"build" mapstructure:"build"`
		Batch           BatchConfig       `json:"batch" mapstructure:"batch"`
		UI              UIConfig          `json:"ui" mapstructure:"ui"`
	}

	// ImageConfig names the base image and the default output tag.
	ImageConfig struct {
		// Base is the CUDA base image (must carry the accelerator driver libraries).
		Base string `json:"base" mapstructure:"base"`
		// Tag is used by build when no tag argument is given.
		Tag string `json:"tag" mapstructure:"tag"`
		// Labels are added to every built image.
		Labels map[string]string `json:"labels,omitempty" mapstructure:"labels"`
	}

	// PythonConfig pins the interpreter and its virtual environment.
	PythonConfig struct {
		Version string `json:"version" mapstructure:"version"`
		PPA     string `json:"ppa" mapstructure:"ppa"`
		Venv    string `json:"venv" mapstructure:"venv"`
	}

	// HMMERConfig pins the sequence-search toolkit built from source.
	HMMERConfig struct {
		Version  string `json:"version" mapstructure:"version"`
		URL      string `json:"url,omitempty" mapstructure:"url"`
		Prefix   string `json:"prefix" mapstructure:"prefix"`
		BuildDir string `json:"build_dir" mapstructure:"build_dir"`
		Jobs     int    `json:"jobs" mapstructure:"jobs"`
	}

	// AppConfig locates the wrapped program on the host and in the image.
	AppConfig struct {
		// Source is the host checkout copied into the image.
		Source string `json:"source" mapstructure:"source"`
		// Dir is the absolute in-image path and working directory.
		Dir string `json:"dir" mapstructure:"dir"`
		// Requirements is the pinned dependency list, relative to Source.
		Requirements string `json:"requirements" mapstructure:"requirements"`
		// EntryScript is the top-level script run by the entrypoint.
		EntryScript string `json:"entry_script" mapstructure:"entry_script"`
		// DataCommand generates the chemical components database.
		DataCommand string `json:"data_command" mapstructure:"data_command"`
	}

	// AcceleratorConfig holds the literal XLA environment values baked into the
	// image. The defaults suit an 80 GB GPU; other hardware needs overrides.
	AcceleratorConfig struct {
		XLAFlags    string `json:"xla_flags" mapstructure:"xla_flags"`
		Preallocate string `json:"preallocate" mapstructure:"preallocate"`
		MemFraction string `json:"mem_fraction" mapstructure:"mem_fraction"`
	}

	// BuildConfig holds host-side build settings.
	BuildConfig struct {
		// MetricsFile, when set, receives a Prometheus textfile after each build.
		MetricsFile string `json:"metrics_file,omitempty" mapstructure:"metrics_file"`
		// ContextDir is the parent directory of build contexts. Empty means
		// ~/af3c-build.
		ContextDir string `json:"context_dir,omitempty" mapstructure:"context_dir"`
		// MinFreeGB is the free space doctor requires under the build context.
		MinFreeGB int `json:"min_free_gb" mapstructure:"min_free_gb"`
	}

	// BatchConfig configures the batch driver.
	BatchConfig struct {
		// Intermediate is the per-job command; flags are appended to it.
		Intermediate []string `json:"intermediate" mapstructure:"intermediate"`
		// Driver is the host path of a Linux af3c binary. When set, the image
		// installs it and runs `af3c run` instead of the entry script.
		Driver string `json:"driver,omitempty" mapstructure:"driver"`
	}

	// UIConfig holds output preferences.
	UIConfig struct {
		Verbose      bool   `json:"verbose" mapstructure:"verbose"`
		GlamourStyle string `json:"glamour_style" mapstructure:"glamour_style"`
	}

	// InvalidConfigError collects field validation errors.
	InvalidConfigError struct {
		FieldErrors []error
	}
)

// DefaultConfig returns the configuration that reproduces the reference
// AF3Complex image.
func DefaultConfig() *Config {
	return &Config{
		ContainerEngine: ContainerEngineDocker,
		Image: ImageConfig{
			Base: "nvidia/cuda:12.6.0-base-ubuntu22.04",
			Tag:  "af3complex:latest",
		},
		Python: PythonConfig{
			Version: "3.11",
			PPA:     "ppa:deadsnakes/ppa",
			Venv:    "/alphafold3_venv",
		},
		HMMER: HMMERConfig{
			Version:  "3.4",
			Prefix:   "/hmmer",
			BuildDir: "/hmmer_build",
			Jobs:     8,
		},
		App: AppConfig{
			Source:       "AF3Complex",
			Dir:          "/app/AF3Complex",
			Requirements: "requirements.txt",
			EntryScript:  "run_af3complex.py",
			DataCommand:  "build_data",
		},
		Accelerator: AcceleratorConfig{
			XLAFlags:    "--xla_gpu_enable_triton_gemm=false",
			Preallocate: "true",
			MemFraction: "0.95",
		},
		Build: BuildConfig{
			MinFreeGB: 40,
		},
		Batch: BatchConfig{
			Intermediate: []string{"python", "/app/AF3Complex/run_intermediate.py"},
		},
		UI: UIConfig{
			GlamourStyle: "auto",
		},
	}
}

// HMMERURL returns the configured archive URL or the upstream default for
// the pinned version.
func (h HMMERConfig) HMMERURL() string {
	if h.URL != "" {
		return h.URL
	}
	return fmt.Sprintf(DefaultHMMERURLTemplate, h.Version)
}

// Interpreter returns the versioned interpreter name, e.g. "python3.11".
func (p PythonConfig) Interpreter() string {
	return "python" + p.Version
}

// Validate checks constraints the CUE schema cannot see (values coming from
// defaults or environment overrides are never unified with the schema).
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.ContainerEngine {
	case ContainerEngineDocker, ContainerEnginePodman:
	default:
		add("container_engine: %q is not one of docker, podman", c.ContainerEngine)
	}
	if strings.TrimSpace(c.Image.Base) == "" {
		add("image.base: must be set")
	}
	if !pythonVersionRe.MatchString(c.Python.Version) {
		add("python.version: %q must look like 3.N", c.Python.Version)
	}
	for field, p := range map[string]string{
		"python.venv":     c.Python.Venv,
		"hmmer.prefix":    c.HMMER.Prefix,
		"hmmer.build_dir": c.HMMER.BuildDir,
		"app.dir":         c.App.Dir,
	} {
		if !path.IsAbs(p) {
			add("%s: %q must be an absolute path", field, p)
		}
	}
	if c.HMMER.BuildDir == c.HMMER.Prefix {
		add("hmmer.build_dir: must differ from hmmer.prefix, the build dir is removed after install")
	}
	if c.HMMER.Jobs < 1 {
		add("hmmer.jobs: %d must be at least 1", c.HMMER.Jobs)
	}
	if c.App.Requirements == "" || c.App.EntryScript == "" || strings.TrimSpace(c.App.DataCommand) == "" {
		add("app: requirements, entry_script and data_command must be set")
	}
	if c.Accelerator.Preallocate != "true" && c.Accelerator.Preallocate != "false" {
		add("accelerator.preallocate: %q must be \"true\" or \"false\"", c.Accelerator.Preallocate)
	}
	if f, err := strconv.ParseFloat(c.Accelerator.MemFraction, 64); err != nil || f <= 0 || f > 1 {
		add("accelerator.mem_fraction: %q must be a number in (0, 1]", c.Accelerator.MemFraction)
	}
	if len(c.Batch.Intermediate) == 0 {
		add("batch.intermediate: must name a command")
	}

	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	msgs := make([]string, len(e.FieldErrors))
	for i, err := range e.FieldErrors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid config: %s", strings.Join(msgs, "; "))
}

// Unwrap returns ErrInvalidConfig.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

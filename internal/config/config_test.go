// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/af3complex/af3c/internal/issue"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	if cfg.ContainerEngine != ContainerEngineDocker {
		t.Errorf("ContainerEngine = %q, want docker", cfg.ContainerEngine)
	}
	if cfg.Image.Base != "nvidia/cuda:12.6.0-base-ubuntu22.04" {
		t.Errorf("Image.Base = %q", cfg.Image.Base)
	}
	if got := cfg.Python.Interpreter(); got != "python3.11" {
		t.Errorf("Interpreter() = %q, want python3.11", got)
	}
	if got := cfg.HMMER.HMMERURL(); got != "http://eddylab.org/software/hmmer/hmmer-3.4.tar.gz" {
		t.Errorf("HMMERURL() = %q", got)
	}
	if cfg.HMMER.Jobs != 8 {
		t.Errorf("HMMER.Jobs = %d, want 8", cfg.HMMER.Jobs)
	}
	if cfg.Accelerator.XLAFlags != "--xla_gpu_enable_triton_gemm=false" ||
		cfg.Accelerator.Preallocate != "true" || cfg.Accelerator.MemFraction != "0.95" {
		t.Errorf("unexpected accelerator defaults: %+v", cfg.Accelerator)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad engine", func(c *Config) { c.ContainerEngine = "lxc" }, "container_engine"},
		{"bad python version", func(c *Config) { c.Python.Version = "311" }, "python.version"},
		{"relative venv", func(c *Config) { c.Python.Venv = "venv" }, "python.venv"},
		{"build dir equals prefix", func(c *Config) { c.HMMER.BuildDir = c.HMMER.Prefix }, "hmmer.build_dir"},
		{"zero jobs", func(c *Config) { c.HMMER.Jobs = 0 }, "hmmer.jobs"},
		{"preallocate yes", func(c *Config) { c.Accelerator.Preallocate = "yes" }, "accelerator.preallocate"},
		{"fraction above one", func(c *Config) { c.Accelerator.MemFraction = "1.5" }, "accelerator.mem_fraction"},
		{"empty intermediate", func(c *Config) { c.Batch.Intermediate = nil }, "batch.intermediate"},
		{"blank data command", func(c *Config) { c.App.DataCommand = " \t " }, "data_command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate() = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Cleanup(Reset)

	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-test")
	dir, err := ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("/tmp/xdg-test", AppName); dir != want {
		t.Errorf("ConfigDir() = %q, want %q", dir, want)
	}

	SetConfigDirOverride("/override")
	dir, err = ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/override" {
		t.Errorf("ConfigDir() with override = %q", dir)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	loaded, err := LoadWithPath(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("LoadWithPath() error: %v", err)
	}
	if loaded.Path != "" {
		t.Errorf("Path = %q, want empty", loaded.Path)
	}
	want := DefaultConfig()
	want.Image.Labels = map[string]string{}
	if !reflect.DeepEqual(loaded.Config, want) {
		t.Errorf("got %+v\nwant %+v", loaded.Config, want)
	}
}

func TestLoadMergesCUEFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
container_engine: "podman"
python: version: "3.12"
hmmer: jobs: 4
accelerator: mem_fraction: "0.5"
image: labels: team: "folding"
`)

	loaded, err := LoadWithPath(context.Background(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("LoadWithPath() error: %v", err)
	}
	cfg := loaded.Config
	if loaded.Path != path {
		t.Errorf("Path = %q, want %q", loaded.Path, path)
	}
	if cfg.ContainerEngine != ContainerEnginePodman {
		t.Errorf("ContainerEngine = %q", cfg.ContainerEngine)
	}
	if cfg.Python.Version != "3.12" || cfg.HMMER.Jobs != 4 || cfg.Accelerator.MemFraction != "0.5" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Image.Labels["team"] != "folding" {
		t.Errorf("labels = %v", cfg.Image.Labels)
	}
	// Untouched keys keep their defaults.
	if cfg.Python.Venv != "/alphafold3_venv" {
		t.Errorf("Python.Venv = %q", cfg.Python.Venv)
	}
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
		field   string
	}{
		{"python version", `python: version: "2.7"`, "python.version"},
		{"engine", `container_engine: "rkt"`, "container_engine"},
		{"jobs type", `hmmer: jobs: "eight"`, "hmmer.jobs"},
		{"preallocate", `accelerator: preallocate: "maybe"`, "accelerator.preallocate"},
		{"unknown field", `colour: "blue"`, "colour"},
		{"blank data command", `app: data_command: "   "`, "data_command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content)

			_, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: dir})
			if err == nil {
				t.Fatal("expected a validation error")
			}
			var ae *issue.ActionableError
			if !errors.As(err, &ae) {
				t.Fatalf("error %T is not actionable", err)
			}
			if ae.Operation != "load configuration" {
				t.Errorf("Operation = %q", ae.Operation)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", err, tt.field)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("AF3C_PYTHON_VERSION", "3.13")
	t.Setenv("AF3C_ACCELERATOR_PREALLOCATE", "false")

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Python.Version != "3.13" {
		t.Errorf("Python.Version = %q, want 3.13", cfg.Python.Version)
	}
	if cfg.Accelerator.Preallocate != "false" {
		t.Errorf("Accelerator.Preallocate = %q, want false", cfg.Accelerator.Preallocate)
	}
}

func TestLoadEnvOverrideIsValidated(t *testing.T) {
	t.Setenv("AF3C_HMMER_JOBS", "0")

	_, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Load() = %v, want ErrInvalidConfig", err)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewProvider().Load(context.Background(), LoadOptions{
		ConfigFilePath: filepath.Join(t.TempDir(), "missing.cue"),
	})
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("Load() = %v, want not-found error", err)
	}
}

func TestLoadCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewProvider().Load(ctx, LoadOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Load() = %v, want context.Canceled", err)
	}
}

func TestGenerateCUERoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContainerEngine = ContainerEnginePodman
	cfg.HMMER.URL = "https://mirror.example.org/hmmer-3.4.tar.gz"
	cfg.Image.Labels = map[string]string{"b": "2", "a": "1"}
	cfg.Build.MetricsFile = "/var/lib/node_exporter/af3c.prom"
	cfg.Batch.Driver = "/opt/af3c/af3c-linux-amd64"

	dir := t.TempDir()
	writeConfig(t, dir, GenerateCUE(cfg))

	got, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: dir})
	if err != nil {
		t.Fatalf("generated CUE does not load: %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("round trip mismatch:\ngot  %+v\nwant %+v", got, cfg)
	}

	out := GenerateCUE(cfg)
	if strings.Index(out, `"a": "1"`) > strings.Index(out, `"b": "2"`) {
		t.Error("labels should be written in sorted order")
	}
}

func TestSaveAndCreateDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	SetConfigDirOverride(filepath.Join(dir, "af3c"))
	t.Cleanup(Reset)

	path, err := CreateDefaultConfig()
	if err != nil {
		t.Fatalf("CreateDefaultConfig() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `version: "3.11"`) {
		t.Errorf("default config missing python version:\n%s", data)
	}

	// A second call leaves an edited file alone.
	if err := os.WriteFile(path, []byte(`hmmer: jobs: 2`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := CreateDefaultConfig(); err != nil {
		t.Fatal(err)
	}
	data, _ = os.ReadFile(path)
	if string(data) != "hmmer: jobs: 2\n" {
		t.Errorf("CreateDefaultConfig overwrote an existing file: %q", data)
	}
}

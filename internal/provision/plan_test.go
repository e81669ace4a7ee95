// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/af3complex/af3c/internal/config"
	"github.com/af3complex/af3c/internal/dag"
)

func mustPlan(t *testing.T, cfg *config.Config) *Plan {
	t.Helper()
	plan, err := NewAF3ComplexPlan(cfg)
	if err != nil {
		t.Fatalf("NewAF3ComplexPlan() error: %v", err)
	}
	return plan
}

func stepIDs(p *Plan) []StepID {
	ids := make([]StepID, 0, p.Len())
	for _, s := range p.Steps() {
		ids = append(ids, s.ID)
	}
	return ids
}

func reorder(p *Plan, ids ...StepID) *Plan {
	byID := make(map[StepID]Step)
	for _, s := range p.Steps() {
		byID[s.ID] = s
	}
	steps := make([]Step, len(ids))
	for i, id := range ids {
		steps[i] = byID[id]
	}
	return NewPlan(p.Base(), steps, WithLabels(p.Labels()))
}

func TestNewAF3ComplexPlan(t *testing.T) {
	t.Parallel()

	plan := mustPlan(t, config.DefaultConfig())

	want := []StepID{
		StepToolchain, StepPython, StepVenv, StepHMMER, StepSource,
		StepDependencies, StepCCDDatabase, StepAcceleratorEnv, StepEntrypoint,
	}
	if got := stepIDs(plan); !slices.Equal(got, want) {
		t.Errorf("step order = %v, want %v", got, want)
	}
	if err := plan.Validate(); err != nil {
		t.Errorf("canonical plan should validate: %v", err)
	}
	if got := plan.Entrypoint(); !slices.Equal(got, []string{"python3.11", "run_af3complex.py"}) {
		t.Errorf("Entrypoint() = %v", got)
	}
	if plan.Base().Image != "nvidia/cuda:12.6.0-base-ubuntu22.04" {
		t.Errorf("base image = %q", plan.Base().Image)
	}
}

func TestNewAF3ComplexPlan_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"relative venv", func(c *config.Config) { c.Python.Venv = "relative/venv" }},
		{"blank data command", func(c *config.Config) { c.App.DataCommand = "   " }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.mutate(cfg)
			if _, err := NewAF3ComplexPlan(cfg); !errors.Is(err, ErrInvalidPlan) {
				t.Fatalf("NewAF3ComplexPlan() = %v, want ErrInvalidPlan", err)
			}
		})
	}
}

func TestNewAF3ComplexPlan_BatchDriver(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Batch.Driver = "/opt/af3c/af3c"
	plan := mustPlan(t, cfg)

	if err := plan.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if plan.Len() != 9 {
		t.Fatalf("Len() = %d, want 9", plan.Len())
	}
	if got := plan.Entrypoint(); !slices.Equal(got, []string{DriverPath, "run"}) {
		t.Errorf("Entrypoint() = %v", got)
	}
	if got := plan.ContextFiles(); got[DriverContextName] != "/opt/af3c/af3c" || len(got) != 1 {
		t.Errorf("ContextFiles() = %v", got)
	}
	if b, ok := plan.Resolve("af3c"); !ok || b.Path() != DriverPath {
		t.Errorf("Resolve(af3c) = %+v, %v", b, ok)
	}

	if files := mustPlan(t, config.DefaultConfig()).ContextFiles(); len(files) != 0 {
		t.Errorf("default plan adds context files %v", files)
	}
}

func TestPlan_Resolve(t *testing.T) {
	t.Parallel()

	plan := mustPlan(t, config.DefaultConfig())

	tests := []struct {
		name    string
		dir     string
		version string
	}{
		{"python3.11", "/alphafold3_venv/bin", "3.11"},
		{"python3", "/alphafold3_venv/bin", "3.11"},
		{"pip", "/alphafold3_venv/bin", ""},
		{"pip3", "/alphafold3_venv/bin", ""},
		{"jackhmmer", "/hmmer/bin", "3.4"},
		{"esl-reformat", "/hmmer/bin", ""},
		{"build_data", "/alphafold3_venv/bin", ""},
		{"gcc", "/usr/bin", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b, ok := plan.Resolve(tt.name)
			if !ok {
				t.Fatalf("Resolve(%q) found nothing", tt.name)
			}
			if b.Dir != tt.dir || b.Version != tt.version {
				t.Errorf("Resolve(%q) = %+v, want dir %s version %q", tt.name, b, tt.dir, tt.version)
			}
		})
	}

	if _, ok := plan.Resolve("python2"); ok {
		t.Error("Resolve(python2) should find nothing")
	}
}

func TestPlan_SwappedPythonAndVenv(t *testing.T) {
	t.Parallel()

	canonical := mustPlan(t, config.DefaultConfig())
	swapped := reorder(canonical,
		StepToolchain, StepVenv, StepPython, StepHMMER, StepSource,
		StepDependencies, StepCCDDatabase, StepAcceleratorEnv, StepEntrypoint,
	)

	err := swapped.Validate()
	var orderErr *OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("Validate() = %v, want *OrderError", err)
	}
	if orderErr.Step != StepVenv || orderErr.Index != 2 || orderErr.Fact != FactPython {
		t.Errorf("OrderError = %+v, want venv at 2 needing %s", orderErr, FactPython)
	}
	if !errors.Is(err, ErrInvalidPlan) {
		t.Error("OrderError should wrap ErrInvalidPlan")
	}

	// The final interpreter is the pinned venv one whichever way the steps run.
	want, _ := canonical.Resolve("python3.11")
	got, _ := swapped.Resolve("python3.11")
	if got != want || got.Version != "3.11" {
		t.Errorf("swapped Resolve = %+v, canonical = %+v", got, want)
	}
}

func TestPlan_EditableInstallBeforeRequirements(t *testing.T) {
	t.Parallel()

	plan := mustPlan(t, config.DefaultConfig())
	steps := plan.Steps()
	for i, s := range steps {
		if s.ID == StepDependencies {
			slices.Reverse(steps[i].Instructions)
		}
	}

	err := NewPlan(plan.Base(), steps).Validate()
	var orderErr *OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("Validate() = %v, want *OrderError", err)
	}
	if orderErr.Fact != FactDeps || orderErr.Step != StepDependencies {
		t.Errorf("OrderError = %+v, want dependencies needing %s", orderErr, FactDeps)
	}
	if !strings.Contains(orderErr.Command, "--no-deps -e .") {
		t.Errorf("OrderError.Command = %q, want the editable install", orderErr.Command)
	}
	if !strings.Contains(err.Error(), string(FactDeps)) {
		t.Errorf("error %q should name %s", err, FactDeps)
	}
}

func TestPlan_EaselBeforeHMMERInstall(t *testing.T) {
	t.Parallel()

	plan := mustPlan(t, config.DefaultConfig())
	steps := plan.Steps()
	for i, s := range steps {
		if s.ID != StepHMMER {
			continue
		}
		cmds := steps[i].Instructions[0].Commands
		install := slices.IndexFunc(cmds, func(c Command) bool { return c.Line == "make install" })
		easel := slices.IndexFunc(cmds, func(c Command) bool { return strings.Contains(c.Line, "easel") })
		cmds[install], cmds[easel] = cmds[easel], cmds[install]
	}

	var orderErr *OrderError
	if err := NewPlan(plan.Base(), steps).Validate(); !errors.As(err, &orderErr) || orderErr.Fact != FactHMMER {
		t.Fatalf("Validate() = %v, want OrderError needing %s", err, FactHMMER)
	}
}

func TestPlan_Validate(t *testing.T) {
	t.Parallel()

	base := Base{Image: "ubuntu:22.04", Facts: []Fact{"base"}}
	run := func(id StepID, line string, requires ...StepID) Step {
		return Step{ID: id, Requires: requires, Instructions: []Instruction{Run(Sh(line))}}
	}

	tests := []struct {
		name    string
		plan    *Plan
		wantErr bool
		check   func(t *testing.T, err error)
	}{
		{
			name: "valid",
			plan: NewPlan(base, []Step{run("a", "true"), run("b", "echo ok", "a")}),
		},
		{
			name:    "no base image",
			plan:    NewPlan(Base{}, []Step{run("a", "true")}),
			wantErr: true,
		},
		{
			name:    "no steps",
			plan:    NewPlan(base, nil),
			wantErr: true,
		},
		{
			name:    "duplicate id",
			plan:    NewPlan(base, []Step{run("a", "true"), run("a", "true")}),
			wantErr: true,
		},
		{
			name:    "requirement later in the plan",
			plan:    NewPlan(base, []Step{run("b", "true", "a"), run("a", "true")}),
			wantErr: true,
			check: func(t *testing.T, err error) {
				var oe *OrderError
				if !errors.As(err, &oe) || oe.Step != "b" || oe.Requires != "a" || oe.Missing {
					t.Errorf("got %v, want b running before a", err)
				}
			},
		},
		{
			name:    "requirement not in plan",
			plan:    NewPlan(base, []Step{run("b", "true", "a")}),
			wantErr: true,
			check: func(t *testing.T, err error) {
				var oe *OrderError
				if !errors.As(err, &oe) || !oe.Missing {
					t.Errorf("got %v, want missing requirement", err)
				}
			},
		},
		{
			name:    "cycle",
			plan:    NewPlan(base, []Step{run("a", "true", "b"), run("b", "true", "a")}),
			wantErr: true,
			check: func(t *testing.T, err error) {
				var ce *dag.CycleError
				if !errors.As(err, &ce) {
					t.Errorf("got %v, want *dag.CycleError", err)
				}
			},
		},
		{
			name:    "shell syntax error",
			plan:    NewPlan(base, []Step{run("a", "echo 'unterminated")}),
			wantErr: true,
			check: func(t *testing.T, err error) {
				if !strings.Contains(err.Error(), "unterminated") {
					t.Errorf("error %q should quote the command", err)
				}
			},
		},
		{
			name: "two entrypoints",
			plan: NewPlan(base, []Step{
				{ID: "a", Instructions: []Instruction{Entrypoint("a")}},
				{ID: "b", Instructions: []Instruction{Entrypoint("b")}},
			}),
			wantErr: true,
		},
		{
			name:    "relative workdir",
			plan:    NewPlan(base, []Step{{ID: "a", Instructions: []Instruction{Workdir("app")}}}),
			wantErr: true,
		},
		{
			name:    "base fact satisfies need",
			plan:    NewPlan(base, []Step{{ID: "a", Needs: []Fact{"base"}, Instructions: []Instruction{Run(Sh("true"))}}}),
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPlan) && !errors.As(err, new(*dag.CycleError)) {
				t.Errorf("error %v should wrap ErrInvalidPlan", err)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestPlan_Environment(t *testing.T) {
	t.Parallel()

	env := mustPlan(t, config.DefaultConfig()).Environment()

	wantPath := "/hmmer/bin:/alphafold3_venv/bin:" + DefaultBasePath
	if env["PATH"] != wantPath {
		t.Errorf("PATH = %q, want %q", env["PATH"], wantPath)
	}
	for k, v := range map[string]string{
		EnvXLAFlags:    "--xla_gpu_enable_triton_gemm=false",
		EnvPreallocate: "true",
		EnvMemFraction: "0.95",
	} {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
}

func TestPlan_Idempotent(t *testing.T) {
	t.Parallel()

	a := mustPlan(t, config.DefaultConfig())
	b := mustPlan(t, config.DefaultConfig())

	if !reflect.DeepEqual(a.Environment(), b.Environment()) {
		t.Error("equal configs should give equal environments")
	}
	if !slices.Equal(a.SearchPath(), b.SearchPath()) {
		t.Error("equal configs should give equal search paths")
	}
	if !slices.Equal(a.SearchPath(), a.SearchPath()) {
		t.Error("SearchPath should be stable across calls")
	}
}

func TestPlan_LiteralValuesAreNotExpanded(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Accelerator.XLAFlags = "--xla_dump_to=$HOME/dump"
	env := mustPlan(t, cfg).Environment()
	if env[EnvXLAFlags] != "--xla_dump_to=$HOME/dump" {
		t.Errorf("XLA_FLAGS = %q, want the literal value", env[EnvXLAFlags])
	}
}

func TestPlan_StepsAreCopies(t *testing.T) {
	t.Parallel()

	plan := mustPlan(t, config.DefaultConfig())
	steps := plan.Steps()
	steps[0].ID = "changed"
	steps[2].Instructions[0].Commands[0].Line = "false"

	if got := plan.Steps()[0].ID; got != StepToolchain {
		t.Errorf("plan mutated through Steps(): first step is %q", got)
	}
	if got := plan.Steps()[2].Instructions[0].Commands[0].Line; got == "false" {
		t.Error("plan mutated through Steps(): command changed")
	}
}

func TestSourceContextDir(t *testing.T) {
	t.Parallel()

	tests := []struct {
		source string
		want   string
	}{
		{"AF3Complex", "AF3Complex"},
		{"/home/u/src/AF3Complex/", "AF3Complex"},
		{".", "src"},
	}
	for _, tt := range tests {
		cfg := config.DefaultConfig()
		cfg.App.Source = tt.source
		if got := SourceContextDir(cfg); got != tt.want {
			t.Errorf("SourceContextDir(%q) = %q, want %q", tt.source, got, tt.want)
		}
	}
}

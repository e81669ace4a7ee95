// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/af3complex/af3c/internal/config"

	"mvdan.cc/sh/v3/syntax"
)

const (
	StepToolchain      StepID = "toolchain"
	StepPython         StepID = "python"
	StepVenv           StepID = "venv"
	StepHMMER          StepID = "hmmer"
	StepSource         StepID = "source"
	StepDependencies   StepID = "dependencies"
	StepCCDDatabase    StepID = "ccd-database"
	StepAcceleratorEnv StepID = "accelerator-env"
	StepEntrypoint     StepID = "entrypoint"
)

const (
	FactBaseOS         Fact = "ubuntu-base"
	FactCUDARuntime    Fact = "cuda-runtime"
	FactPackageIndex   Fact = "apt-index-updated"
	FactToolchain      Fact = "c-toolchain"
	FactPackageSource  Fact = "python-package-source"
	FactPython         Fact = "python-installed"
	FactVenv           Fact = "venv-created"
	FactSearchPath     Fact = "search-path-configured"
	FactHMMERSource    Fact = "hmmer-source-unpacked"
	FactHMMER          Fact = "hmmer-installed"
	FactEasel          Fact = "easel-installed"
	FactSource         Fact = "source-present"
	FactWorkdir        Fact = "workdir-set"
	FactDeps           Fact = "deps-installed"
	FactApp            Fact = "app-installed"
	FactCCDDatabase    Fact = "ccd-database-built"
	FactAcceleratorEnv Fact = "accelerator-env-set"
)

const (
	// DriverContextName is the build-context name of the batch driver binary.
	DriverContextName = "af3c-driver"
	// DriverPath is where the batch driver is installed in the image.
	DriverPath = "/usr/local/bin/af3c"
)

// Accelerator environment variables fixed in the image.
const (
	EnvXLAFlags    = "XLA_FLAGS"
	EnvPreallocate = "XLA_PYTHON_CLIENT_PREALLOCATE"
	EnvMemFraction = "XLA_CLIENT_MEM_FRACTION"
)

var (
	toolchainPackages = []string{
		"software-properties-common", "git", "wget", "gcc", "g++", "make", "zlib1g-dev", "zstd",
	}

	// hmmerBinaries are the programs the AF3 data pipeline invokes.
	hmmerBinaries = []string{"jackhmmer", "nhmmer", "hmmalign", "hmmsearch", "hmmbuild", "phmmer"}
	easelBinaries = []string{"esl-reformat", "esl-sfetch", "esl-seqstat"}
)

// NewAF3ComplexPlan returns the nine-step AF3Complex plan for cfg.
func NewAF3ComplexPlan(cfg *config.Config) (*Plan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	q := &quoter{}

	py := cfg.Python.Interpreter()
	venv := path.Clean(cfg.Python.Venv)
	venvBin := venv + "/bin"
	hmmerPrefix := path.Clean(cfg.HMMER.Prefix)
	hmmerBin := hmmerPrefix + "/bin"
	buildDir := path.Clean(cfg.HMMER.BuildDir)
	hmmerURL := cfg.HMMER.HMMERURL()
	archive := path.Base(hmmerURL)
	unpacked := strings.TrimSuffix(strings.TrimSuffix(archive, ".gz"), ".tar")
	appDir := path.Clean(cfg.App.Dir)
	apt := "DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends "

	steps := []Step{
		{
			ID:      StepToolchain,
			Summary: "Update the package index and install the C toolchain and build utilities",
			Needs:   []Fact{FactBaseOS},
			Instructions: []Instruction{
				Run(
					Sh("apt-get update").Producing(FactPackageIndex),
					Sh(apt+strings.Join(toolchainPackages, " ")).Needing(FactPackageIndex).Producing(FactToolchain),
				),
			},
			Provides: binaries("/usr/bin", "", "gcc", "g++", "make", "wget", "git", "zstd", "add-apt-repository"),
		},
		{
			ID:       StepPython,
			Summary:  fmt.Sprintf("Register %s and install Python %s", cfg.Python.PPA, cfg.Python.Version),
			Requires: []StepID{StepToolchain},
			Needs:    []Fact{FactToolchain},
			Instructions: []Instruction{
				Run(
					Sh("add-apt-repository -y "+q.word(cfg.Python.PPA)).Producing(FactPackageSource),
					Sh("apt-get update").Needing(FactPackageSource),
					Sh(apt+strings.Join([]string{py, "python3-pip", py + "-venv", py + "-dev"}, " ")).
						Needing(FactPackageSource).Producing(FactPython),
					Sh("rm -rf /var/lib/apt/lists/*"),
				),
			},
			Provides: append(
				binaries("/usr/bin", cfg.Python.Version, py),
				binaries("/usr/bin", "", "pip3")...,
			),
		},
		{
			ID:       StepVenv,
			Summary:  "Create the virtual environment and put it and HMMER first on PATH",
			Requires: []StepID{StepPython},
			Needs:    []Fact{FactPython},
			Instructions: []Instruction{
				Run(Sh(py + " -m venv " + q.word(venv)).Producing(FactVenv)),
				Env(Expanded("PATH", hmmerBin+":"+venvBin+":$PATH")).Producing(FactSearchPath),
				Run(Sh("pip3 install --upgrade pip").Needing(FactVenv, FactSearchPath)),
			},
			Provides: append(
				binaries(venvBin, cfg.Python.Version, py, "python3", "python"),
				binaries(venvBin, "", "pip", "pip3")...,
			),
		},
		{
			ID:       StepHMMER,
			Summary:  "Build HMMER " + cfg.HMMER.Version + " from source, install it and its easel tools",
			Requires: []StepID{StepToolchain, StepVenv},
			Needs:    []Fact{FactToolchain, FactSearchPath},
			Instructions: []Instruction{
				Run(
					Sh("mkdir -p "+q.word(buildDir)+" "+q.word(hmmerPrefix)),
					Sh("wget -nv -P "+q.word(buildDir)+" "+q.word(hmmerURL)),
					Sh("cd "+q.word(buildDir)),
					Sh("tar zxf "+q.word(archive)+" && rm "+q.word(archive)).Producing(FactHMMERSource),
					Sh("cd "+q.word(unpacked)).Needing(FactHMMERSource),
					Sh("./configure --prefix "+q.word(hmmerPrefix)).Needing(FactHMMERSource),
					Sh(fmt.Sprintf("make -j%d", cfg.HMMER.Jobs)),
					Sh("make install").Producing(FactHMMER),
					Sh("(cd easel && make install)").Needing(FactHMMER).Producing(FactEasel),
					Sh("cd /"),
					Sh("rm -rf "+q.word(buildDir)).Needing(FactEasel),
				),
			},
			Provides: append(
				binaries(hmmerBin, cfg.HMMER.Version, hmmerBinaries...),
				binaries(hmmerBin, "", easelBinaries...)...,
			),
		},
		{
			ID:      StepSource,
			Summary: "Copy the AF3Complex source tree to " + appDir + " and make it the working directory",
			Instructions: []Instruction{
				Copy(SourceContextDir(cfg), appDir).Producing(FactSource),
				Workdir(appDir).Producing(FactWorkdir),
			},
		},
		{
			ID:       StepDependencies,
			Summary:  "Install the pinned requirements, then AF3Complex itself in editable mode",
			Requires: []StepID{StepVenv, StepSource},
			Needs:    []Fact{FactSearchPath, FactSource, FactWorkdir},
			Instructions: []Instruction{
				Run(Sh("pip3 install -r " + q.word(cfg.App.Requirements)).Producing(FactDeps)),
				Run(Sh("pip3 install --no-deps -e .").Needing(FactDeps).Producing(FactApp)),
			},
			Provides: binaries(venvBin, "", strings.Fields(cfg.App.DataCommand)[0]),
		},
		{
			ID:       StepCCDDatabase,
			Summary:  "Generate the chemical components database",
			Requires: []StepID{StepDependencies},
			Instructions: []Instruction{
				Run(Sh(cfg.App.DataCommand).Needing(FactApp).Producing(FactCCDDatabase)),
			},
		},
		{
			ID:      StepAcceleratorEnv,
			Summary: "Fix the XLA compilation and GPU memory settings",
			Instructions: []Instruction{
				Env(
					Literal(EnvXLAFlags, cfg.Accelerator.XLAFlags),
					Literal(EnvPreallocate, cfg.Accelerator.Preallocate),
					Literal(EnvMemFraction, cfg.Accelerator.MemFraction),
				).Producing(FactAcceleratorEnv),
			},
		},
		{
			ID:       StepEntrypoint,
			Summary:  "Run " + cfg.App.EntryScript + " as the container entrypoint",
			Requires: []StepID{StepDependencies},
			Needs:    []Fact{FactApp, FactWorkdir},
			Instructions: []Instruction{
				Entrypoint(py, cfg.App.EntryScript),
			},
		},
	}

	if q.err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, q.err)
	}

	planOpts := []PlanOption{WithLabels(cfg.Image.Labels)}
	if cfg.Batch.Driver != "" {
		// The driver takes the entry script's place; its flags match the script's.
		entry := &steps[len(steps)-1]
		entry.Summary = "Install the af3c batch driver and run it as the container entrypoint"
		entry.Instructions = []Instruction{
			Copy(DriverContextName, DriverPath),
			Entrypoint(DriverPath, "run"),
		}
		entry.Provides = binaries(path.Dir(DriverPath), "", path.Base(DriverPath))
		planOpts = append(planOpts, WithContextFile(DriverContextName, cfg.Batch.Driver))
	}

	base := Base{
		Image: cfg.Image.Base,
		Facts: []Fact{FactBaseOS, FactCUDARuntime},
		Env:   []EnvVar{Literal("PATH", DefaultBasePath)},
		Provides: append(
			binaries("/usr/bin", "", "apt-get", "env", "printenv"),
			binaries("/bin", "", "sh")...,
		),
	}
	return NewPlan(base, steps, planOpts...), nil
}

// SourceContextDir is the directory name the source tree is copied to
// inside the build context.
func SourceContextDir(cfg *config.Config) string {
	name := filepath.Base(filepath.Clean(cfg.App.Source))
	if name == "." || name == string(filepath.Separator) {
		return "src"
	}
	return name
}

func binaries(dir, version string, names ...string) []Binary {
	out := make([]Binary, len(names))
	for i, n := range names {
		out[i] = Binary{Name: n, Dir: dir, Version: version}
	}
	return out
}

// quoter shell-quotes configuration values and collects failures.
type quoter struct {
	err error
}

func (q *quoter) word(s string) string {
	quoted, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		q.err = errors.Join(q.err, fmt.Errorf("cannot quote %q: %w", s, err))
		return s
	}
	return quoted
}

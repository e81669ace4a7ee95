// SPDX-License-Identifier: MPL-2.0

package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/af3complex/af3c/internal/container"

	"github.com/charmbracelet/log"
)

const (
	withoutLigandsSuffix = "_without_ligands"
	// defaultScore is used when a summary has no ranking_score.
	defaultScore = -1.0
)

// ErrInvalidOptions is returned when Options fail validation.
var ErrInvalidOptions = errors.New("invalid batch options")

type (
	// Options describes one batch run.
	Options struct {
		JSONFile  string
		ModelDir  string
		DBDir     string
		OutputDir string
		InputType InputType
	}

	// Result lists what happened to each job by name.
	Result struct {
		Processed []string `json:"processed"`
		Skipped   []string `json:"skipped"`
		Failed    []string `json:"failed"`
	}

	// Runner feeds jobs one at a time to the intermediate model command.
	Runner struct {
		command     []string
		logger      *log.Logger
		stdout      io.Writer
		stderr      io.Writer
		tempDir     string
		execCommand container.ExecCommandFunc
	}

	// RunnerOption configures a Runner.
	RunnerOption func(*Runner)
)

// Validate checks that every path is set and the input type is known.
func (o Options) Validate() error {
	var errs []error
	for _, f := range []struct{ flag, value string }{
		{"json_file_path", o.JSONFile},
		{"model_dir", o.ModelDir},
		{"db_dir", o.DBDir},
		{"output_dir", o.OutputDir},
	} {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Errorf("--%s is required", f.flag))
		}
	}
	if _, err := ParseInputType(string(o.InputType)); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
	}
	return nil
}

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithOutput sets where the intermediate command's output goes.
func WithOutput(stdout, stderr io.Writer) RunnerOption {
	return func(r *Runner) { r.stdout, r.stderr = stdout, stderr }
}

// WithTempDir sets where per-job input files are written.
func WithTempDir(dir string) RunnerOption {
	return func(r *Runner) { r.tempDir = dir }
}

// WithExecCommand replaces exec.CommandContext.
func WithExecCommand(fn container.ExecCommandFunc) RunnerOption {
	return func(r *Runner) { r.execCommand = fn }
}

// NewRunner creates a Runner that invokes command (program and leading
// arguments) once per model.
func NewRunner(command []string, opts ...RunnerOption) *Runner {
	r := &Runner{
		command:     slices.Clone(command),
		logger:      log.NewWithOptions(os.Stderr, log.Options{Prefix: "batch"}),
		stdout:      os.Stdout,
		stderr:      os.Stderr,
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes every job in opts.JSONFile in order. A failing job is logged
// and recorded; the run continues with the next one.
func (r *Runner) Run(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(r.command) == 0 {
		return nil, fmt.Errorf("%w: intermediate command is empty", ErrInvalidOptions)
	}
	jobs, err := LoadJobs(opts.JSONFile)
	if err != nil {
		return nil, err
	}

	ledger := NewLedger(opts.JSONFile)
	result := &Result{}
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		name, err := job.Name()
		if err != nil {
			r.logger.Error("Invalid job", "index", i, "err", err)
			result.Failed = append(result.Failed, fmt.Sprintf("#%d", i))
			continue
		}

		done, err := r.alreadyDone(ledger, opts.OutputDir, name)
		if err != nil {
			r.logger.Error("Cannot check job state", "job", name, "err", err)
			result.Failed = append(result.Failed, name)
			continue
		}
		if done {
			r.logger.Info("A model has already been generated", "job", name)
			result.Skipped = append(result.Skipped, name)
			continue
		}

		if err := r.process(ctx, ledger, opts, job, name); err != nil {
			r.logger.Error("Job failed", "job", name, "err", err)
			result.Failed = append(result.Failed, name)
			continue
		}
		result.Processed = append(result.Processed, name)
	}
	return result, nil
}

func (r *Runner) alreadyDone(ledger *Ledger, outputDir, name string) (bool, error) {
	for _, dir := range []string{name, strings.ToLower(name)} {
		if info, err := os.Stat(filepath.Join(outputDir, dir)); err == nil && info.IsDir() {
			return true, nil
		}
	}
	busy, err := ledger.Contains(name)
	if busy {
		r.logger.Info("Already in processing", "job", name)
	}
	return busy, err
}

func (r *Runner) process(ctx context.Context, ledger *Ledger, opts Options, job Job, name string) error {
	ligands := job.HasLigands()
	r.logger.Info("Processing", "job", name, "ligands", ligands)

	if err := ledger.Add(name); err != nil {
		return err
	}
	defer func() {
		if rmErr := ledger.Remove(name); rmErr != nil {
			r.logger.Warn("Failed to remove job from ledger", "job", name, "err", rmErr)
		}
	}()

	if err := r.runModel(ctx, opts, job); err != nil {
		return err
	}
	r.logger.Info("First model generated", "job", name)
	if !ligands {
		return nil
	}

	lower := strings.ToLower(name)
	dataPath := filepath.Join(opts.OutputDir, lower, lower+"_data.json")
	data, err := os.ReadFile(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		r.logger.Warn("No data file for the ligand-free model", "job", name, "path", dataPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dataPath, err)
	}
	var expanded Job
	if err := json.Unmarshal(data, &expanded); err != nil {
		return fmt.Errorf("failed to parse %s: %w", dataPath, err)
	}
	dataName, err := expanded.Name()
	if err != nil {
		dataName = name
	}
	secondary, err := expanded.WithoutLigands(dataName + withoutLigandsSuffix)
	if err != nil {
		return err
	}

	r.logger.Info("Generating a secondary model without ligands", "job", name)
	if err := r.runModel(ctx, opts, secondary); err != nil {
		return err
	}
	r.logger.Info("Second model generated", "job", name)

	if err := r.keepBest(opts.OutputDir, lower); err != nil {
		r.logger.Error("Error comparing ranking scores", "job", name, "err", err)
	}
	return nil
}

// runModel writes job to a temporary file and runs the intermediate command
// on it. The file is removed afterwards.
func (r *Runner) runModel(ctx context.Context, opts Options, job Job) error {
	payload, err := job.encode(opts.InputType)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	tmp, err := os.CreateTemp(r.tempDir, "af3c-job-*.json")
	if err != nil {
		return fmt.Errorf("failed to create job file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }() // Temp file; removal error non-critical
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write job file: %w", err)
	}

	args := append(slices.Clone(r.command[1:]),
		"--json_path="+tmp.Name(),
		"--model_dir="+opts.ModelDir,
		"--db_dir="+opts.DBDir,
		"--output_dir="+opts.OutputDir,
	)
	cmd := r.execCommand(ctx, r.command[0], args...)
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr
	r.logger.Debug("Running model", "cmd", r.command[0], "args", args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("intermediate command failed: %w", err)
	}
	return nil
}

// keepBest keeps the ligand model in <out>/<lower> only if it scores strictly
// better than the ligand-free one; otherwise the ligand-free model takes its
// place.
func (r *Runner) keepBest(outputDir, lower string) error {
	ligandDir := filepath.Join(outputDir, lower)
	freeName := lower + withoutLigandsSuffix
	freeDir := filepath.Join(outputDir, freeName)

	withScore, err := readRankingScore(filepath.Join(ligandDir, lower+"_summary_confidences.json"))
	if err != nil {
		return err
	}
	withoutScore, err := readRankingScore(filepath.Join(freeDir, freeName+"_summary_confidences.json"))
	if err != nil {
		return err
	}
	r.logger.Info("Ranking scores", "with_ligands", withScore, "without_ligands", withoutScore)

	if withScore > withoutScore {
		return os.RemoveAll(freeDir)
	}
	if err := os.RemoveAll(ligandDir); err != nil {
		return err
	}
	return os.Rename(freeDir, ligandDir)
}

func readRankingScore(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var summary struct {
		RankingScore *float64 `json:"ranking_score"`
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if summary.RankingScore == nil {
		return defaultScore, nil
	}
	return *summary.RankingScore, nil
}

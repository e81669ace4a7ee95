// SPDX-License-Identifier: MPL-2.0

// Package verify checks a built image against the plan it was built from by
// running probe commands inside it.
package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/af3complex/af3c/internal/container"
	"github.com/af3complex/af3c/internal/issue"
	"github.com/af3complex/af3c/internal/provision"

	"github.com/charmbracelet/log"
)

// ErrVerificationFailed is wrapped by FailedError.
var ErrVerificationFailed = errors.New("image verification failed")

// systemBinDir is the directory the venv and HMMER must shadow on PATH.
const systemBinDir = "/usr/bin"

type (
	// Check is the outcome of one assertion about the image.
	Check struct {
		Name   string `json:"name"`
		Passed bool   `json:"passed"`
		Detail string `json:"detail,omitempty"`
	}

	// Report lists every check run against an image.
	Report struct {
		Tag    container.ImageTag `json:"tag"`
		Checks []Check            `json:"checks"`
	}

	// FailedError is returned when at least one check fails.
	FailedError struct {
		Tag    container.ImageTag
		Failed []Check
	}

	// Options tunes a verification run.
	Options struct {
		// Requirements is a host requirements file whose pins must all be
		// installed in the image. Empty skips the check.
		Requirements string
		// ExpectExit, when set, runs the default entrypoint with EntrypointArgs
		// and compares its exit code.
		ExpectExit     *int
		EntrypointArgs []string
		// GPUs is passed to the engine for the entrypoint probe.
		GPUs string
	}

	// Verifier runs checks inside images with an Engine.
	Verifier struct {
		engine container.Engine
		logger *log.Logger
	}

	// Option configures a Verifier.
	Option func(*Verifier)
)

func (e *FailedError) Error() string {
	names := make([]string, len(e.Failed))
	for i, c := range e.Failed {
		names[i] = c.Name
	}
	return fmt.Sprintf("%d check(s) failed for %s: %s", len(e.Failed), e.Tag, strings.Join(names, ", "))
}

// Unwrap returns ErrVerificationFailed.
func (e *FailedError) Unwrap() error { return ErrVerificationFailed }

// Passed reports whether every check passed.
func (r *Report) Passed() bool {
	return !slices.ContainsFunc(r.Checks, func(c Check) bool { return !c.Passed })
}

// Failed returns the checks that did not pass.
func (r *Report) Failed() []Check {
	var failed []Check
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

func (r *Report) add(name string, passed bool, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Detail: fmt.Sprintf(format, args...)})
}

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier creates a Verifier that runs probes with engine.
func NewVerifier(engine container.Engine, opts ...Option) *Verifier {
	v := &Verifier{
		engine: engine,
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "verify"}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs every check against tag. The report is returned even when
// checks fail; the error is then a *FailedError. Other errors mean the
// checks could not be run at all.
func (v *Verifier) Verify(ctx context.Context, tag container.ImageTag, plan *provision.Plan, opts Options) (*Report, error) {
	exists, err := v.engine.ImageExists(ctx, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to look up image %s: %w", tag, err)
	}
	if !exists {
		return nil, issue.NewErrorContext().
			WithOperation("verify image").
			WithResource(tag.String()).
			WithSuggestion("Build the image first with 'af3c build " + tag.String() + "'").
			Wrap(fmt.Errorf("image %s not found locally", tag)).
			BuildError()
	}

	entrypoint := plan.Entrypoint()
	if len(entrypoint) == 0 {
		return nil, fmt.Errorf("%w: plan has no entrypoint", provision.ErrInvalidPlan)
	}
	interpreter := entrypoint[0]

	report := &Report{Tag: tag}
	steps := []func(context.Context, *Report) error{
		func(ctx context.Context, r *Report) error { return v.checkInterpreter(ctx, r, tag, plan, interpreter) },
		func(ctx context.Context, r *Report) error { return v.checkEnvironment(ctx, r, tag, plan) },
	}
	if opts.Requirements != "" {
		steps = append(steps, func(ctx context.Context, r *Report) error {
			return v.checkRequirements(ctx, r, tag, interpreter, opts.Requirements)
		})
	}
	if opts.ExpectExit != nil {
		steps = append(steps, func(ctx context.Context, r *Report) error {
			return v.checkEntrypoint(ctx, r, tag, *opts.ExpectExit, opts.EntrypointArgs, opts.GPUs)
		})
	}
	for _, step := range steps {
		if err := step(ctx, report); err != nil {
			return report, err
		}
	}

	for _, c := range report.Checks {
		v.logger.Debug("Check", "name", c.Name, "passed", c.Passed, "detail", c.Detail)
	}
	if failed := report.Failed(); len(failed) > 0 {
		return report, &FailedError{Tag: tag, Failed: failed}
	}
	v.logger.Info("Image verified", "tag", tag, "checks", len(report.Checks))
	return report, nil
}

// probe runs image with entrypoint and args and returns stdout, stderr and
// the exit code.
func (v *Verifier) probe(ctx context.Context, tag container.ImageTag, entrypoint string, args ...string) (stdout, stderr string, code int, err error) {
	var out, errOut bytes.Buffer
	res, err := v.engine.Run(ctx, container.RunOptions{
		Image:      tag,
		Entrypoint: entrypoint,
		Command:    args,
		Remove:     true,
		Stdout:     &out,
		Stderr:     &errOut,
	})
	if err != nil {
		return "", "", 0, err
	}
	if res.Error != nil {
		return "", "", 0, fmt.Errorf("failed to run %s in %s: %w", entrypoint, tag, res.Error)
	}
	return out.String(), errOut.String(), res.ExitCode, nil
}

func (v *Verifier) checkInterpreter(ctx context.Context, r *Report, tag container.ImageTag, plan *provision.Plan, interpreter string) error {
	want, ok := plan.Resolve(interpreter)

	stdout, stderr, code, err := v.probe(ctx, tag, interpreter, "--version")
	if err != nil {
		return err
	}
	// Python 2 printed its version on stderr.
	version := strings.TrimSpace(stdout + stderr)
	name := "python version"
	switch {
	case code != 0:
		r.add(name, false, "%s --version exited with %d", interpreter, code)
	case !ok || want.Version == "":
		r.add(name, true, "%s (no pinned version in plan)", version)
	default:
		prefix := "Python " + want.Version
		r.add(name, version == prefix || strings.HasPrefix(version, prefix+"."), "got %q, want %s", version, prefix)
	}

	stdout, _, code, err = v.probe(ctx, tag, "/bin/sh", "-c", "command -v "+interpreter)
	if err != nil {
		return err
	}
	got := strings.TrimSpace(stdout)
	name = "interpreter path"
	switch {
	case code != 0 || got == "":
		r.add(name, false, "%s is not on PATH", interpreter)
	case !ok:
		r.add(name, false, "%s resolves to %s but the plan installs no such binary", interpreter, got)
	default:
		r.add(name, got == want.Path(), "got %s, want %s", got, want.Path())
	}
	return nil
}

func (v *Verifier) checkEnvironment(ctx context.Context, r *Report, tag container.ImageTag, plan *provision.Plan) error {
	stdout, _, code, err := v.probe(ctx, tag, "printenv")
	if err != nil {
		return err
	}
	if code != 0 {
		r.add("environment", false, "printenv exited with %d", code)
		return nil
	}
	actual := make(map[string]string)
	for line := range strings.Lines(stdout) {
		if k, val, ok := strings.Cut(strings.TrimRight(line, "\r\n"), "="); ok {
			actual[k] = val
		}
	}

	want := plan.Environment()
	keys := make([]string, 0, len(want))
	for k := range want {
		if k != "PATH" {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		got, present := actual[k]
		switch {
		case !present:
			r.add("env "+k, false, "not set, want %q", want[k])
		default:
			r.add("env "+k, got == want[k], "got %q, want %q", got, want[k])
		}
	}

	r.Checks = append(r.Checks, checkSearchPath(plan.SearchPath(), strings.Split(actual["PATH"], ":")))
	return nil
}

// checkSearchPath requires every directory the plan puts before /usr/bin to
// come before /usr/bin in the image too.
func checkSearchPath(planned, actual []string) Check {
	check := Check{Name: "search path"}
	limit := slices.Index(planned, systemBinDir)
	if limit < 0 {
		limit = len(planned)
	}
	sys := slices.Index(actual, systemBinDir)
	if sys < 0 {
		sys = len(actual)
	}

	var problems []string
	for _, dir := range planned[:limit] {
		i := slices.Index(actual, dir)
		switch {
		case i < 0:
			problems = append(problems, dir+" missing")
		case i > sys:
			problems = append(problems, dir+" after "+systemBinDir)
		}
	}
	check.Passed = len(problems) == 0
	if check.Passed {
		check.Detail = strings.Join(actual, ":")
	} else {
		check.Detail = strings.Join(problems, "; ")
	}
	return check
}

func (v *Verifier) checkRequirements(ctx context.Context, r *Report, tag container.ImageTag, interpreter, path string) error {
	pins, err := ParsePinsFile(path)
	if err != nil {
		return fmt.Errorf("failed to read requirements %s: %w", path, err)
	}

	stdout, stderr, code, err := v.probe(ctx, tag, interpreter, "-m", "pip", "freeze")
	if err != nil {
		return err
	}
	if code != 0 {
		r.add("pinned requirements", false, "pip freeze exited with %d: %s", code, strings.TrimSpace(stderr))
		return nil
	}

	installed := freezeIndex(stdout)
	var mismatched []string
	for _, pin := range pins {
		got, ok := installed[pin.Name]
		switch {
		case !ok:
			mismatched = append(mismatched, pin.String()+" (missing)")
		case got != pin.Version:
			mismatched = append(mismatched, fmt.Sprintf("%s (installed %s)", pin, got))
		}
	}
	if len(mismatched) > 0 {
		r.add("pinned requirements", false, "%s", strings.Join(mismatched, ", "))
	} else {
		r.add("pinned requirements", true, "%d pins installed", len(pins))
	}
	return nil
}

func (v *Verifier) checkEntrypoint(ctx context.Context, r *Report, tag container.ImageTag, want int, args []string, gpus string) error {
	res, err := v.engine.Run(ctx, container.RunOptions{
		Image:   tag,
		Command: args,
		Remove:  true,
		GPUs:    gpus,
	})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("failed to run %s: %w", tag, res.Error)
	}
	r.add("entrypoint exit code", res.ExitCode == want, "got %d, want %d", res.ExitCode, want)
	return nil
}

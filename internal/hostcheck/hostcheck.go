// SPDX-License-Identifier: MPL-2.0

// Package hostcheck runs the preflight checks behind "af3c doctor": container
// engine, source tree layout, Python compatibility, free disk and memory.
package hostcheck

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/af3complex/af3c/internal/config"
	"github.com/af3complex/af3c/internal/container"

	"github.com/pelletier/go-toml/v2"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const gib = 1 << 30

// Status is the outcome of a single check.
type Status int

const (
	StatusOK Status = iota
	StatusWarn
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

type (
	// Result is one row of the doctor report.
	Result struct {
		Name       string `json:"name"`
		Status     Status `json:"status"`
		Detail     string `json:"detail"`
		Suggestion string `json:"suggestion,omitempty"`
	}

	// Report is the list of results in the order they ran.
	Report struct {
		Results []Result `json:"results"`
	}

	// Checker runs the host checks for one configuration.
	Checker struct {
		cfg        *config.Config
		engine     container.Engine
		engineErr  error
		sourceDir  string
		contextDir string
		diskFree   func(ctx context.Context, path string) (uint64, error)
		memory     func(ctx context.Context) (total, available uint64, err error)
	}

	// Option configures a Checker.
	Option func(*Checker)
)

// Failed reports whether any check failed.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.Status == StatusFail {
			return true
		}
	}
	return false
}

func (r *Report) add(res Result) { r.Results = append(r.Results, res) }

// WithEngine sets the engine to probe. A non-nil err records why no engine
// could be created.
func WithEngine(engine container.Engine, err error) Option {
	return func(c *Checker) { c.engine, c.engineErr = engine, err }
}

// WithSourceDir overrides the configured source tree.
func WithSourceDir(dir string) Option {
	return func(c *Checker) { c.sourceDir = dir }
}

// WithContextDir sets the directory build contexts are created in.
func WithContextDir(dir string) Option {
	return func(c *Checker) { c.contextDir = dir }
}

// WithDiskFree replaces the free disk space probe.
func WithDiskFree(fn func(ctx context.Context, path string) (uint64, error)) Option {
	return func(c *Checker) { c.diskFree = fn }
}

// WithMemory replaces the memory probe.
func WithMemory(fn func(ctx context.Context) (total, available uint64, err error)) Option {
	return func(c *Checker) { c.memory = fn }
}

// NewChecker creates a Checker for cfg.
func NewChecker(cfg *config.Config, opts ...Option) *Checker {
	c := &Checker{
		cfg:       cfg,
		sourceDir: cfg.App.Source,
		diskFree:  diskFree,
		memory:    virtualMemory,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.contextDir == "" {
		c.contextDir = c.sourceDir
	}
	return c
}

// Run executes every check.
func (c *Checker) Run(ctx context.Context) *Report {
	r := &Report{}
	r.add(c.checkEngine(ctx))
	for _, res := range c.checkSource() {
		r.add(res)
	}
	r.add(c.checkRequiresPython())
	if c.cfg.Batch.Driver != "" {
		r.add(c.checkDriver())
	}
	r.add(c.checkDisk(ctx))
	r.add(c.checkMemory(ctx))
	return r
}

func (c *Checker) checkEngine(ctx context.Context) Result {
	res := Result{Name: "container engine"}
	if c.engine == nil || c.engineErr != nil {
		res.Status = StatusFail
		res.Detail = "no container engine found"
		if c.engineErr != nil {
			res.Detail = c.engineErr.Error()
		}
		res.Suggestion = "Install Docker or Podman and make sure the daemon is running"
		return res
	}
	version, err := c.engine.Version(ctx)
	if err != nil {
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("%s did not answer: %v", c.engine.Name(), err)
		res.Suggestion = "Start the " + c.engine.Name() + " service or check your permissions"
		return res
	}
	res.Detail = c.engine.Name() + " " + version
	return res
}

func (c *Checker) checkSource() []Result {
	tree := Result{Name: "source tree"}
	info, err := os.Stat(c.sourceDir)
	if err != nil || !info.IsDir() {
		tree.Status = StatusFail
		tree.Detail = c.sourceDir + " not found"
		tree.Suggestion = "Clone AF3Complex to " + c.sourceDir + " or pass --source <dir>"
		return []Result{tree}
	}
	tree.Detail = c.sourceDir

	results := []Result{tree}
	for _, f := range []struct{ name, file string }{
		{"requirements file", c.cfg.App.Requirements},
		{"entry script", c.cfg.App.EntryScript},
	} {
		res := Result{Name: f.name, Detail: f.file}
		if _, err := os.Stat(filepath.Join(c.sourceDir, f.file)); err != nil {
			res.Status = StatusFail
			res.Detail = f.file + " missing from the source tree"
			res.Suggestion = "Check out a complete AF3Complex revision"
		}
		results = append(results, res)
	}
	return results
}

func (c *Checker) checkDriver() Result {
	res := Result{Name: "batch driver", Detail: c.cfg.Batch.Driver}
	info, err := os.Stat(c.cfg.Batch.Driver)
	switch {
	case err != nil || info.IsDir():
		res.Status = StatusFail
		res.Detail = c.cfg.Batch.Driver + " not found"
		res.Suggestion = "Build it with 'GOOS=linux go build -o " + c.cfg.Batch.Driver + " .' or unset batch.driver"
	case info.Mode().Perm()&0o111 == 0:
		res.Status = StatusFail
		res.Detail = c.cfg.Batch.Driver + " is not executable"
		res.Suggestion = "chmod +x " + c.cfg.Batch.Driver
	}
	return res
}

type pyproject struct {
	Project struct {
		RequiresPython string `toml:"requires-python"`
	} `toml:"project"`
}

func (c *Checker) checkRequiresPython() Result {
	res := Result{Name: "requires-python"}
	data, err := os.ReadFile(filepath.Join(c.sourceDir, "pyproject.toml"))
	if errors.Is(err, fs.ErrNotExist) {
		res.Status = StatusWarn
		res.Detail = "no pyproject.toml; cannot check Python " + c.cfg.Python.Version
		return res
	}
	if err != nil {
		res.Status = StatusFail
		res.Detail = err.Error()
		return res
	}

	var pp pyproject
	if err := toml.Unmarshal(data, &pp); err != nil {
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("pyproject.toml: %v", err)
		return res
	}
	constraint := pp.Project.RequiresPython
	if constraint == "" {
		res.Detail = "not declared"
		return res
	}

	ok, err := SatisfiesSpecifier(c.cfg.Python.Version, constraint)
	switch {
	case err != nil:
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("cannot evaluate %q: %v", constraint, err)
	case !ok:
		res.Status = StatusFail
		res.Detail = fmt.Sprintf("Python %s does not satisfy %q", c.cfg.Python.Version, constraint)
		res.Suggestion = "Set python.version in your config to a version the project accepts"
	default:
		res.Detail = fmt.Sprintf("Python %s satisfies %q", c.cfg.Python.Version, constraint)
	}
	return res
}

func (c *Checker) checkDisk(ctx context.Context) Result {
	res := Result{Name: "free disk"}
	path := existingAncestor(c.contextDir)
	free, err := c.diskFree(ctx, path)
	if err != nil {
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("cannot read free space of %s: %v", path, err)
		return res
	}
	need := uint64(c.cfg.Build.MinFreeGB) * gib
	res.Detail = fmt.Sprintf("%.1f GiB free on %s (need %d GiB)", float64(free)/gib, path, c.cfg.Build.MinFreeGB)
	if free < need {
		res.Status = StatusFail
		res.Suggestion = "Free space or point the engine's storage at a larger volume"
	}
	return res
}

func (c *Checker) checkMemory(ctx context.Context) Result {
	res := Result{Name: "memory"}
	total, available, err := c.memory(ctx)
	if err != nil {
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("cannot read memory: %v", err)
		return res
	}
	res.Detail = fmt.Sprintf("%.1f GiB total, %.1f GiB available", float64(total)/gib, float64(available)/gib)
	return res
}

// existingAncestor returns path or its closest existing parent.
func existingAncestor(path string) string {
	p, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

func diskFree(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

func virtualMemory(ctx context.Context) (total, available uint64, err error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return v.Total, v.Available, nil
}

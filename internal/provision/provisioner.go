// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/af3complex/af3c/internal/container"
	"github.com/af3complex/af3c/internal/issue"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	// LabelBuildID is set to a fresh UUID on every build.
	LabelBuildID = "org.af3complex.build-id"
	// LabelSourceDigest is the CalculateDirHash digest of the source tree.
	LabelSourceDigest = "org.af3complex.source-digest"

	dockerfileName = "Dockerfile"
)

type (
	// Observer receives step and build outcomes, e.g. to export metrics.
	Observer interface {
		ObserveStep(index int, step string, d time.Duration, ok bool)
		ObserveBuild(tag string, ok bool, d time.Duration)
	}

	// Provisioner builds and pushes the image described by a Plan.
	Provisioner struct {
		engine   container.Engine
		plan     *Plan
		logger   *log.Logger
		out      io.Writer
		observer Observer
		newID    func() string
		now      func() time.Time
		// requirements is checked in the source tree before building.
		requirements string
		// contextParent overrides where build contexts are created.
		contextParent string
		keepContext   bool
	}

	// Option configures a Provisioner.
	Option func(*Provisioner)

	// BuildRequest describes one image build.
	BuildRequest struct {
		Tag container.ImageTag
		// SourceDir is the host checkout of the wrapped program.
		SourceDir string
		NoCache   bool
		// Labels are added next to the build ID and source digest labels.
		Labels map[string]string
	}

	// BuildResult describes a successful build.
	BuildResult struct {
		Tag          container.ImageTag
		BuildID      string
		SourceDigest string
		Dockerfile   []byte
		Steps        []StepTiming
		Duration     time.Duration
	}
)

// WithLogger replaces the default logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// WithOutput sets where engine output is forwarded. Defaults to os.Stderr.
func WithOutput(w io.Writer) Option {
	return func(p *Provisioner) { p.out = w }
}

// WithObserver registers an Observer for step and build outcomes.
func WithObserver(o Observer) Option {
	return func(p *Provisioner) { p.observer = o }
}

// WithBuildIDFunc replaces the UUID generator.
func WithBuildIDFunc(fn func() string) Option {
	return func(p *Provisioner) { p.newID = fn }
}

// WithRequirementsFile sets the file that must exist in the source tree.
func WithRequirementsFile(name string) Option {
	return func(p *Provisioner) { p.requirements = name }
}

// WithContextDir sets the parent directory for temporary build contexts.
func WithContextDir(dir string) Option {
	return func(p *Provisioner) { p.contextParent = dir }
}

// WithKeepContext leaves the build context on disk after the build.
func WithKeepContext(keep bool) Option {
	return func(p *Provisioner) { p.keepContext = keep }
}

// NewProvisioner creates a Provisioner for plan.
func NewProvisioner(engine container.Engine, plan *Plan, opts ...Option) *Provisioner {
	p := &Provisioner{
		engine: engine,
		plan:   plan,
		logger: log.NewWithOptions(os.Stderr, log.Options{Prefix: "provision"}),
		out:    os.Stderr,
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan returns the plan the provisioner builds.
func (p *Provisioner) Plan() *Plan {
	return p.plan
}

// Build validates the plan, prepares a build context around the source tree
// and runs the engine build. A failed build returns a *StepFailedError; the
// build is never retried or resumed.
func (p *Provisioner) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	if err := req.Tag.Validate(); err != nil {
		return nil, err
	}
	dockerfile, err := RenderDockerfile(p.plan)
	if err != nil {
		return nil, err
	}
	if err := p.checkSource(req.SourceDir); err != nil {
		return nil, err
	}

	digest, err := CalculateDirHash(req.SourceDir)
	if err != nil {
		return nil, err
	}

	contextDir, cleanup, err := p.prepareBuildContext(req.SourceDir, dockerfile)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	buildID := p.newID()
	labels := maps.Clone(req.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[LabelBuildID] = buildID
	labels[LabelSourceDigest] = digest

	p.logger.Info("Building image", "tag", req.Tag, "steps", p.plan.Len(), "engine", p.engine.Name())
	p.logger.Debug("Build context ready", "dir", contextDir, "source_digest", digest, "build_id", buildID)

	tracker := NewStepTracker(p.plan, p.out, OnStepStart(func(index int, id StepID) {
		p.logger.Info("Step started", "step", fmt.Sprintf("%d/%d", index, p.plan.Len()), "id", id)
	}))

	start := p.now()
	buildErr := p.engine.Build(ctx, container.BuildOptions{
		ContextDir: contextDir,
		Dockerfile: dockerfileName,
		Tag:        req.Tag,
		Labels:     labels,
		NoCache:    req.NoCache,
		Stdout:     tracker,
		Stderr:     tracker,
	})
	elapsed := p.now().Sub(start)
	timings := tracker.Finish(buildErr != nil)
	p.observe(req.Tag, timings, buildErr == nil, elapsed)

	if buildErr != nil {
		index, id := tracker.Current()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("build canceled at step %d: %w", index, ctxErr)
		}
		tail := tracker.Tail()
		failure := &StepFailedError{
			Index: index,
			Total: p.plan.Len(),
			Step:  id,
			Issue: ClassifyFailure(id, tail),
			Tail:  tail,
			Cause: buildErr,
		}
		p.logger.Error("Build failed", "step", index, "id", id, "elapsed", elapsed.Round(time.Second))
		return nil, failure
	}

	p.logger.Info("Image ready", "tag", req.Tag, "elapsed", elapsed.Round(time.Second))
	return &BuildResult{
		Tag:          req.Tag,
		BuildID:      buildID,
		SourceDigest: digest,
		Dockerfile:   dockerfile,
		Steps:        timings,
		Duration:     elapsed,
	}, nil
}

func (p *Provisioner) observe(tag container.ImageTag, timings []StepTiming, ok bool, elapsed time.Duration) {
	if p.observer == nil {
		return
	}
	for _, t := range timings {
		if !t.Started {
			continue
		}
		p.observer.ObserveStep(t.Index, string(t.Step), t.Duration, !t.Failed)
	}
	p.observer.ObserveBuild(string(tag), ok, elapsed)
}

// Push publishes tag. The tag must name its registry and exist locally.
func (p *Provisioner) Push(ctx context.Context, tag container.ImageTag) error {
	if err := tag.RequireRegistry(); err != nil {
		return issue.NewErrorContext().
			WithOperation("push image").
			WithResource(tag.String()).
			WithSuggestion("Tag the image with its registry, e.g. ghcr.io/<owner>/af3complex:<version>").
			WithSuggestion("Build it under that tag with 'af3c build <registry>/<repo>:<tag>'").
			Wrap(err).
			BuildError()
	}

	exists, err := p.engine.ImageExists(ctx, tag)
	if err != nil {
		return fmt.Errorf("failed to look up image %s: %w", tag, err)
	}
	if !exists {
		return issue.NewErrorContext().
			WithOperation("push image").
			WithResource(tag.String()).
			WithSuggestion("Build the image first with 'af3c build " + tag.String() + "'").
			Wrap(fmt.Errorf("image %s not found locally", tag)).
			BuildError()
	}

	registry, err := tag.Registry()
	if err != nil {
		return err
	}
	p.logger.Info("Pushing image", "tag", tag, "registry", registry, "engine", p.engine.Name())
	if err := p.engine.Push(ctx, container.PushOptions{Image: tag, Stdout: p.out, Stderr: p.out}); err != nil {
		return err
	}
	p.logger.Info("Image pushed", "tag", tag)
	return nil
}

func (p *Provisioner) checkSource(dir string) error {
	fail := func(cause error) error {
		return issue.NewErrorContext().
			WithOperation("prepare build context").
			WithResource(dir).
			WithSuggestion("Clone AF3Complex next to your config or pass --source <dir>").
			WithSuggestion("Run 'af3c doctor' to check the source tree").
			Wrap(cause).
			BuildError()
	}

	if dir == "" {
		return fail(fmt.Errorf("%w: no source directory given", ErrSourceNotFound))
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrSourceNotFound, err))
	}
	if !info.IsDir() {
		return fail(fmt.Errorf("%w: %s is not a directory", ErrSourceNotFound, dir))
	}
	if p.requirements != "" {
		if _, err := os.Stat(filepath.Join(dir, p.requirements)); err != nil {
			return fail(fmt.Errorf("%w: %s has no %s", ErrSourceNotFound, dir, p.requirements))
		}
	}
	return nil
}

// prepareBuildContext creates a temporary directory holding the Dockerfile
// and a copy of the source tree under the name the plan's COPY expects.
//
// Docker installed via Snap cannot read /tmp or hidden directories in $HOME,
// so contexts default to a visible directory in the home directory.
func (p *Provisioner) prepareBuildContext(sourceDir string, dockerfile []byte) (dir string, cleanup func(), err error) {
	parent := p.contextParent
	if parent == "" {
		parent = DefaultContextParent()
	}
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", nil, fmt.Errorf("failed to create build context parent directory: %w", err)
	}

	tmpDir, err := os.MkdirTemp(parent, "ctx-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	cleanup = func() {
		if p.keepContext {
			p.logger.Info("Keeping build context", "dir", tmpDir)
			return
		}
		_ = os.RemoveAll(tmpDir) // Cleanup temp dir; error non-critical
	}

	src, ok := p.copySource()
	if !ok {
		cleanup()
		return "", nil, fmt.Errorf("%w: plan has no COPY instruction for the source tree", ErrInvalidPlan)
	}
	if err := CopyDir(sourceDir, filepath.Join(tmpDir, filepath.FromSlash(src))); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to copy source tree: %w", err)
	}

	for _, name := range slices.Sorted(maps.Keys(p.plan.files)) {
		if err := CopyFile(p.plan.files[name], filepath.Join(tmpDir, filepath.FromSlash(name))); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("failed to add %s to the build context: %w", name, err)
		}
	}

	if err := os.WriteFile(filepath.Join(tmpDir, dockerfileName), dockerfile, 0o644); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write Dockerfile: %w", err)
	}

	return tmpDir, cleanup, nil
}

// copySource returns the context path of the plan's COPY instruction.
func (p *Provisioner) copySource() (string, bool) {
	for _, s := range p.plan.steps {
		for _, in := range s.Instructions {
			if in.Kind == InstructionCopy {
				return in.Src, true
			}
		}
	}
	return "", false
}

// DefaultContextParent is where build contexts are created unless
// WithContextDir overrides it.
func DefaultContextParent() string {
	if home, err := os.UserHomeDir(); err == nil {
		if _, statErr := os.Stat(home); statErr == nil {
			return filepath.Join(home, "af3c-build")
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, ".af3c-build")
	}
	return filepath.Join(os.TempDir(), "af3c-build")
}

// IsStepFailure reports whether err is a build failure at a known step and
// returns it.
func IsStepFailure(err error) (*StepFailedError, bool) {
	var sf *StepFailedError
	if errors.As(err, &sf) {
		return sf, true
	}
	return nil, false
}

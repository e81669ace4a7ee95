// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/af3complex/af3c/internal/dag"

	"mvdan.cc/sh/v3/syntax"
)

// DefaultBasePath is the PATH of the CUDA base images.
const DefaultBasePath = "/usr/local/nvidia/bin:/usr/local/cuda/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

type (
	// Base describes the image a plan starts from.
	Base struct {
		Image string
		// Facts hold in the base image before any step runs.
		Facts []Fact
		// Env is the environment the base image already defines.
		Env []EnvVar
		// Provides lists executables present in the base image.
		Provides []Binary
	}

	// Plan is an immutable, ordered list of steps on top of a base image.
	Plan struct {
		base   Base
		steps  []Step
		labels map[string]string
		// files maps build-context names to host files copied next to the
		// source tree.
		files map[string]string
	}

	// PlanOption configures NewPlan.
	PlanOption func(*Plan)
)

// WithLabels adds image labels written into the rendered Dockerfile.
func WithLabels(labels map[string]string) PlanOption {
	return func(p *Plan) {
		maps.Copy(p.labels, labels)
	}
}

// WithContextFile copies the host file hostPath into the build context as
// name, for a COPY instruction that names it.
func WithContextFile(name, hostPath string) PlanOption {
	return func(p *Plan) {
		p.files[name] = hostPath
	}
}

// NewPlan creates a plan. The steps are copied.
func NewPlan(base Base, steps []Step, opts ...PlanOption) *Plan {
	p := &Plan{
		base: Base{
			Image:    base.Image,
			Facts:    slices.Clone(base.Facts),
			Env:      slices.Clone(base.Env),
			Provides: slices.Clone(base.Provides),
		},
		steps:  make([]Step, len(steps)),
		labels: make(map[string]string),
		files:  make(map[string]string),
	}
	for i, s := range steps {
		p.steps[i] = s.clone()
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Base returns the base image description.
func (p *Plan) Base() Base {
	b := p.base
	b.Facts = slices.Clone(b.Facts)
	b.Env = slices.Clone(b.Env)
	b.Provides = slices.Clone(b.Provides)
	return b
}

// Steps returns a copy of the steps in execution order.
func (p *Plan) Steps() []Step {
	out := make([]Step, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.clone()
	}
	return out
}

// Len returns the number of steps.
func (p *Plan) Len() int { return len(p.steps) }

// Step returns the step with the given ID and its 1-based position.
func (p *Plan) Step(id StepID) (Step, int, bool) {
	for i, s := range p.steps {
		if s.ID == id {
			return s.clone(), i + 1, true
		}
	}
	return Step{}, 0, false
}

// Labels returns the image labels.
func (p *Plan) Labels() map[string]string {
	return maps.Clone(p.labels)
}

// ContextFiles returns the host files added to the build context, keyed by
// their name in the context.
func (p *Plan) ContextFiles() map[string]string {
	return maps.Clone(p.files)
}

// Entrypoint returns the exec-form entrypoint of the last step declaring one.
func (p *Plan) Entrypoint() []string {
	var exec []string
	for _, s := range p.steps {
		for _, in := range s.Instructions {
			if in.Kind == InstructionEntrypoint {
				exec = in.Exec
			}
		}
	}
	return slices.Clone(exec)
}

// Validate checks, in order: step identity, fact order, step requirements,
// and the instructions themselves.
func (p *Plan) Validate() error {
	if strings.TrimSpace(p.base.Image) == "" {
		return fmt.Errorf("%w: base image is required", ErrInvalidPlan)
	}
	if len(p.steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}

	seen := make(map[StepID]int, len(p.steps))
	for i, s := range p.steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step %d has no id", ErrInvalidPlan, i+1)
		}
		if first, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: step id %q used by steps %d and %d", ErrInvalidPlan, s.ID, first, i+1)
		}
		seen[s.ID] = i + 1
	}

	if err := p.checkFacts(); err != nil {
		return err
	}
	if err := p.checkRequires(); err != nil {
		return err
	}
	return p.checkInstructions()
}

func (p *Plan) checkFacts() error {
	have := make(map[Fact]bool)
	for _, f := range p.base.Facts {
		have[f] = true
	}

	missing := func(needs []Fact) (Fact, bool) {
		for _, f := range needs {
			if !have[f] {
				return f, true
			}
		}
		return "", false
	}

	for i, s := range p.steps {
		if f, ok := missing(s.Needs); ok {
			return &OrderError{Step: s.ID, Index: i + 1, Fact: f}
		}
		for _, in := range s.Instructions {
			if f, ok := missing(in.Needs); ok {
				return &OrderError{Step: s.ID, Index: i + 1, Fact: f, Command: in.firstLine()}
			}
			for _, c := range in.Commands {
				if f, ok := missing(c.Needs); ok {
					return &OrderError{Step: s.ID, Index: i + 1, Fact: f, Command: c.Line}
				}
				for _, f := range c.Produces {
					have[f] = true
				}
			}
			for _, f := range in.Produces {
				have[f] = true
			}
		}
		for _, f := range s.Produces {
			have[f] = true
		}
	}
	return nil
}

func (p *Plan) checkRequires() error {
	g := dag.New()
	order := make([]string, len(p.steps))
	index := make(map[string]int, len(p.steps))
	for i, s := range p.steps {
		order[i] = string(s.ID)
		index[string(s.ID)] = i + 1
		g.AddNode(string(s.ID))
		for _, r := range s.Requires {
			g.Require(string(s.ID), string(r))
		}
	}

	err := g.CheckOrder(order)
	if err == nil {
		return nil
	}
	var violation *dag.OrderViolation
	if errors.As(err, &violation) {
		return &OrderError{
			Step:     StepID(violation.Node),
			Index:    index[violation.Node],
			Requires: StepID(violation.Requires),
			Missing:  violation.Missing,
		}
	}
	return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
}

func (p *Plan) checkInstructions() error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangPOSIX))
	entrypoints := 0

	for i, s := range p.steps {
		if len(s.Instructions) == 0 {
			return fmt.Errorf("%w: step %d (%s) has no instructions", ErrInvalidPlan, i+1, s.ID)
		}
		for _, in := range s.Instructions {
			var err error
			switch in.Kind {
			case InstructionRun:
				if len(in.Commands) == 0 {
					err = errors.New("RUN without commands")
				}
				for _, c := range in.Commands {
					if err != nil {
						break
					}
					if _, perr := parser.Parse(strings.NewReader(c.Line), string(s.ID)); perr != nil {
						err = fmt.Errorf("command %q: %w", c.Line, perr)
					}
				}
			case InstructionEnv:
				if len(in.Vars) == 0 {
					err = errors.New("ENV without variables")
				}
				for _, v := range in.Vars {
					if v.Key == "" || strings.ContainsAny(v.Key, " =\t\n") {
						err = fmt.Errorf("invalid variable name %q", v.Key)
					}
				}
			case InstructionCopy:
				if in.Src == "" || in.Dst == "" {
					err = errors.New("COPY needs a source and a destination")
				}
			case InstructionWorkdir:
				if !strings.HasPrefix(in.Dir, "/") {
					err = fmt.Errorf("WORKDIR %q is not absolute", in.Dir)
				}
			case InstructionEntrypoint:
				entrypoints++
				if len(in.Exec) == 0 {
					err = errors.New("ENTRYPOINT without a command")
				}
			default:
				err = fmt.Errorf("unsupported instruction %q", in.Kind)
			}
			if err != nil {
				return fmt.Errorf("%w: step %d (%s): %w", ErrInvalidPlan, i+1, s.ID, err)
			}
		}
	}

	if entrypoints > 1 {
		return fmt.Errorf("%w: %d ENTRYPOINT instructions, at most one is allowed", ErrInvalidPlan, entrypoints)
	}
	return nil
}

// Environment folds the base environment and every ENV instruction in order
// and returns the environment a container of the image starts with.
func (p *Plan) Environment() map[string]string {
	env := make(map[string]string)
	apply := func(v EnvVar) {
		if v.Expand {
			env[v.Key] = os.Expand(v.Value, func(k string) string { return env[k] })
			return
		}
		env[v.Key] = v.Value
	}

	for _, v := range p.base.Env {
		apply(v)
	}
	for _, s := range p.steps {
		for _, in := range s.Instructions {
			if in.Kind != InstructionEnv {
				continue
			}
			for _, v := range in.Vars {
				apply(v)
			}
		}
	}
	return env
}

// SearchPath returns the directories of the final PATH in lookup order.
func (p *Plan) SearchPath() []string {
	path := p.Environment()["PATH"]
	if path == "" {
		return nil
	}
	return strings.Split(path, ":")
}

// Resolve returns the binary a container would execute for name: the first
// directory on the final PATH that a step (or the base image) installs name
// into. A later step installing the same path replaces the earlier binary.
func (p *Plan) Resolve(name string) (Binary, bool) {
	installed := make(map[string]Binary)
	for _, b := range p.base.Provides {
		installed[b.Path()] = b
	}
	for _, s := range p.steps {
		for _, b := range s.Provides {
			installed[b.Path()] = b
		}
	}

	for _, dir := range p.SearchPath() {
		if b, ok := installed[strings.TrimSuffix(dir, "/")+"/"+name]; ok {
			return b, true
		}
	}
	return Binary{}, false
}

func (in Instruction) firstLine() string {
	switch in.Kind {
	case InstructionRun:
		if len(in.Commands) > 0 {
			return in.Commands[0].Line
		}
	case InstructionEnv:
		if len(in.Vars) > 0 {
			return in.Vars[0].Key + "=" + in.Vars[0].Value
		}
	case InstructionCopy:
		return in.Src + " " + in.Dst
	case InstructionWorkdir:
		return in.Dir
	case InstructionEntrypoint:
		return strings.Join(in.Exec, " ")
	}
	return string(in.Kind)
}

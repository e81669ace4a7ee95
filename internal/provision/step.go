// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"fmt"
	"slices"
)

const (
	InstructionRun        InstructionKind = "RUN"
	InstructionEnv        InstructionKind = "ENV"
	InstructionCopy       InstructionKind = "COPY"
	InstructionWorkdir    InstructionKind = "WORKDIR"
	InstructionEntrypoint InstructionKind = "ENTRYPOINT"
)

var (
	// ErrInvalidPlan is wrapped by every plan validation failure.
	ErrInvalidPlan = errors.New("invalid provisioning plan")

	// ErrStepFailed is wrapped by StepFailedError.
	ErrStepFailed = errors.New("provisioning step failed")
)

type (
	// StepID is the stable kebab-case name of a step.
	StepID string

	// Fact names a piece of image state (an installed package, a directory,
	// an environment setting) that a command produces or relies on.
	Fact string

	// InstructionKind is a Dockerfile instruction keyword.
	InstructionKind string

	// Binary is an executable a step installs.
	Binary struct {
		Name    string `json:"name" yaml:"name"`
		Dir     string `json:"dir" yaml:"dir"`
		Version string `json:"version,omitempty" yaml:"version,omitempty"`
	}

	// Command is one shell command of a RUN instruction. Commands of the same
	// instruction run in one shell joined by &&, so a later command sees the
	// working directory and files left by an earlier one.
	Command struct {
		Line     string `json:"line" yaml:"line"`
		Needs    []Fact `json:"needs,omitempty" yaml:"needs,omitempty"`
		Produces []Fact `json:"produces,omitempty" yaml:"produces,omitempty"`
	}

	// EnvVar is one ENV assignment.
	EnvVar struct {
		Key   string `json:"key" yaml:"key"`
		Value string `json:"value" yaml:"value"`
		// Expand marks values that reference earlier variables such as $PATH.
		// Other values are written literally and never expanded.
		Expand bool `json:"expand,omitempty" yaml:"expand,omitempty"`
	}

	// Instruction is a single Dockerfile instruction. Which fields are used
	// depends on Kind.
	Instruction struct {
		Kind     InstructionKind `json:"kind" yaml:"kind"`
		Commands []Command       `json:"commands,omitempty" yaml:"commands,omitempty"`
		Vars     []EnvVar        `json:"vars,omitempty" yaml:"vars,omitempty"`
		Src      string          `json:"src,omitempty" yaml:"src,omitempty"`
		Dst      string          `json:"dst,omitempty" yaml:"dst,omitempty"`
		Dir      string          `json:"dir,omitempty" yaml:"dir,omitempty"`
		Exec     []string        `json:"exec,omitempty" yaml:"exec,omitempty"`
		Needs    []Fact          `json:"needs,omitempty" yaml:"needs,omitempty"`
		Produces []Fact          `json:"produces,omitempty" yaml:"produces,omitempty"`
	}

	// Step is an ordered unit of provisioning work. It either succeeds as a
	// whole or aborts the build.
	Step struct {
		ID      StepID `json:"id" yaml:"id"`
		Summary string `json:"summary" yaml:"summary"`
		// Requires lists steps that must run earlier.
		Requires []StepID `json:"requires,omitempty" yaml:"requires,omitempty"`
		// Needs are checked before the first instruction.
		Needs []Fact `json:"needs,omitempty" yaml:"needs,omitempty"`
		// Produces are recorded after the last instruction.
		Produces     []Fact        `json:"produces,omitempty" yaml:"produces,omitempty"`
		Provides     []Binary      `json:"provides,omitempty" yaml:"provides,omitempty"`
		Instructions []Instruction `json:"instructions" yaml:"instructions"`
	}

	// OrderError reports a step that runs before something it depends on:
	// either a required step or a fact no earlier command produced.
	OrderError struct {
		Step  StepID
		Index int
		// Requires is set for a violated step requirement.
		Requires StepID
		// Fact is set for a fact that was needed but not yet produced.
		Fact Fact
		// Command is the command that needed Fact, if any.
		Command string
		// Missing is true when Requires is not part of the plan at all.
		Missing bool
	}
)

// Sh returns a shell command.
func Sh(line string) Command {
	return Command{Line: line}
}

// Needing returns a copy of c that relies on facts.
func (c Command) Needing(facts ...Fact) Command {
	c.Needs = append(slices.Clone(c.Needs), facts...)
	return c
}

// Producing returns a copy of c that produces facts.
func (c Command) Producing(facts ...Fact) Command {
	c.Produces = append(slices.Clone(c.Produces), facts...)
	return c
}

// Run returns a RUN instruction executing cmds in order.
func Run(cmds ...Command) Instruction {
	return Instruction{Kind: InstructionRun, Commands: cmds}
}

// Env returns an ENV instruction.
func Env(vars ...EnvVar) Instruction {
	return Instruction{Kind: InstructionEnv, Vars: vars}
}

// Copy returns a COPY instruction from the build context into the image.
func Copy(src, dst string) Instruction {
	return Instruction{Kind: InstructionCopy, Src: src, Dst: dst}
}

// Workdir returns a WORKDIR instruction.
func Workdir(dir string) Instruction {
	return Instruction{Kind: InstructionWorkdir, Dir: dir}
}

// Entrypoint returns an exec-form ENTRYPOINT instruction.
func Entrypoint(args ...string) Instruction {
	return Instruction{Kind: InstructionEntrypoint, Exec: args}
}

// Producing returns a copy of in that produces facts once it has run.
func (in Instruction) Producing(facts ...Fact) Instruction {
	in.Produces = append(slices.Clone(in.Produces), facts...)
	return in
}

// Needing returns a copy of in that relies on facts.
func (in Instruction) Needing(facts ...Fact) Instruction {
	in.Needs = append(slices.Clone(in.Needs), facts...)
	return in
}

// Literal returns an ENV assignment whose value is never expanded.
func Literal(key, value string) EnvVar {
	return EnvVar{Key: key, Value: value}
}

// Expanded returns an ENV assignment whose value may reference earlier
// variables.
func Expanded(key, value string) EnvVar {
	return EnvVar{Key: key, Value: value, Expand: true}
}

// Path returns the full path of the binary.
func (b Binary) Path() string {
	return b.Dir + "/" + b.Name
}

func (s Step) clone() Step {
	s.Requires = slices.Clone(s.Requires)
	s.Needs = slices.Clone(s.Needs)
	s.Produces = slices.Clone(s.Produces)
	s.Provides = slices.Clone(s.Provides)
	instructions := make([]Instruction, len(s.Instructions))
	for i, in := range s.Instructions {
		in.Commands = slices.Clone(in.Commands)
		in.Vars = slices.Clone(in.Vars)
		in.Exec = slices.Clone(in.Exec)
		in.Needs = slices.Clone(in.Needs)
		in.Produces = slices.Clone(in.Produces)
		instructions[i] = in
	}
	s.Instructions = instructions
	return s
}

func (e *OrderError) Error() string {
	switch {
	case e.Fact != "" && e.Command != "":
		return fmt.Sprintf("step %d (%s): command %q needs %q, which no earlier command produces", e.Index, e.Step, e.Command, e.Fact)
	case e.Fact != "":
		return fmt.Sprintf("step %d (%s) needs %q, which no earlier step produces", e.Index, e.Step, e.Fact)
	case e.Missing:
		return fmt.Sprintf("step %d (%s) requires %q, which is not part of the plan", e.Index, e.Step, e.Requires)
	default:
		return fmt.Sprintf("step %d (%s) runs before its requirement %q", e.Index, e.Step, e.Requires)
	}
}

// Unwrap returns ErrInvalidPlan.
func (e *OrderError) Unwrap() error { return ErrInvalidPlan }

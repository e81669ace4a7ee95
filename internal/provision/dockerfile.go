// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// StepMarkerPrefix starts the no-op command that opens every RUN
// instruction, so build output can be attributed to a step.
const StepMarkerPrefix = "af3c-step="

// RenderDockerfile validates plan and renders it. The output depends only on
// the plan, so equal plans render byte-identical Dockerfiles.
func RenderDockerfile(plan *Plan) ([]byte, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("# Generated by af3c. Do not edit; change the af3c configuration instead.\n")
	fmt.Fprintf(&buf, "FROM %s\n", plan.base.Image)

	if len(plan.labels) > 0 {
		buf.WriteString("\nLABEL ")
		for i, k := range slices.Sorted(maps.Keys(plan.labels)) {
			if i > 0 {
				buf.WriteString(" \\\n      ")
			}
			fmt.Fprintf(&buf, "%s=%s", strconv.Quote(k), strconv.Quote(plan.labels[k]))
		}
		buf.WriteString("\n")
	}

	total := len(plan.steps)
	for i, s := range plan.steps {
		index := i + 1
		fmt.Fprintf(&buf, "\n# step %d/%d: %s\n", index, total, s.ID)
		if s.Summary != "" {
			fmt.Fprintf(&buf, "# %s\n", s.Summary)
		}
		for _, in := range s.Instructions {
			buf.WriteString(renderInstruction(in, index))
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// stepMarker returns the marker command for the step at index.
func stepMarker(index int) string {
	return ": " + StepMarkerPrefix + strconv.Itoa(index)
}

func renderInstruction(in Instruction, index int) string {
	switch in.Kind {
	case InstructionRun:
		lines := make([]string, 0, len(in.Commands)+1)
		lines = append(lines, stepMarker(index))
		for _, c := range in.Commands {
			lines = append(lines, c.Line)
		}
		return "RUN " + strings.Join(lines, " && \\\n    ")
	case InstructionEnv:
		parts := make([]string, len(in.Vars))
		for i, v := range in.Vars {
			parts[i] = v.Key + "=" + quoteEnvValue(v)
		}
		return "ENV " + strings.Join(parts, " \\\n    ")
	case InstructionCopy:
		if strings.ContainsAny(in.Src+in.Dst, " \t") {
			return "COPY " + execForm([]string{in.Src, in.Dst})
		}
		return "COPY " + in.Src + " " + in.Dst
	case InstructionWorkdir:
		return "WORKDIR " + in.Dir
	case InstructionEntrypoint:
		return "ENTRYPOINT " + execForm(in.Exec)
	}
	return "# unsupported instruction " + string(in.Kind)
}

// quoteEnvValue double-quotes an ENV value. Literal values also escape '$'
// so the builder stores them unexpanded.
func quoteEnvValue(v EnvVar) string {
	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range v.Value {
		switch {
		case r == '"' || r == '\\':
			sb.WriteByte('\\')
		case r == '$' && !v.Expand:
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	sb.WriteByte('"')
	return sb.String()
}

func execForm(args []string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(args) // []string always encodes
	return strings.TrimSuffix(buf.String(), "\n")
}

// Marker ties a fragment of build output to a step.
type Marker struct {
	Index int
	Step  StepID
	// Text appears in the engine's echo of the instruction.
	Text string
}

// Markers lists, for every step, the output fragments that show the engine
// has started it: the marker of each RUN and the first line of every other
// instruction.
func (p *Plan) Markers() []Marker {
	var out []Marker
	for i, s := range p.steps {
		index := i + 1
		for _, in := range s.Instructions {
			text := StepMarkerPrefix + strconv.Itoa(index)
			if in.Kind != InstructionRun {
				text, _, _ = strings.Cut(renderInstruction(in, index), " \\\n")
			}
			out = append(out, Marker{Index: index, Step: s.ID, Text: text})
		}
	}
	return out
}

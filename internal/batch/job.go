// SPDX-License-Identifier: MPL-2.0

package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// InputType is the layout of the input JSON file.
type InputType string

const (
	// InputAF3 is one model input object per job.
	InputAF3 InputType = "af3"
	// InputServer is the AlphaFold Server layout, where every job is wrapped
	// in a single-element list.
	InputServer InputType = "server"
)

const ligandKey = "ligand"

var errNoName = errors.New("job has no name")

// Job is one model input. Unknown fields are kept verbatim.
type Job map[string]json.RawMessage

// ParseInputType validates s.
func ParseInputType(s string) (InputType, error) {
	switch t := InputType(s); t {
	case InputAF3, InputServer:
		return t, nil
	default:
		return "", fmt.Errorf("unknown input JSON type %q (valid: af3, server)", s)
	}
}

// LoadJobs reads path, which holds either one job object or a list of them.
func LoadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var jobs []Job
		if err := json.Unmarshal(trimmed, &jobs); err != nil {
			return nil, fmt.Errorf("failed to parse jobs in %s: %w", path, err)
		}
		return jobs, nil
	}
	var job Job
	if err := json.Unmarshal(trimmed, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job in %s: %w", path, err)
	}
	return []Job{job}, nil
}

// Name returns the job's name field.
func (j Job) Name() (string, error) {
	raw, ok := j["name"]
	if !ok {
		return "", errNoName
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", fmt.Errorf("job name: %w", err)
	}
	if strings.TrimSpace(name) == "" {
		return "", errNoName
	}
	return name, nil
}

func (j Job) sequences() ([]map[string]json.RawMessage, error) {
	raw, ok := j["sequences"]
	if !ok {
		return nil, nil
	}
	var seqs []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &seqs); err != nil {
		return nil, fmt.Errorf("job sequences: %w", err)
	}
	return seqs, nil
}

// HasLigands reports whether any sequence entry is a ligand.
func (j Job) HasLigands() bool {
	seqs, err := j.sequences()
	if err != nil {
		return false
	}
	for _, s := range seqs {
		if _, ok := s[ligandKey]; ok {
			return true
		}
	}
	return false
}

// WithoutLigands returns a copy of j named name with every ligand sequence
// removed.
func (j Job) WithoutLigands(name string) (Job, error) {
	seqs, err := j.sequences()
	if err != nil {
		return nil, err
	}
	kept := make([]map[string]json.RawMessage, 0, len(seqs))
	for _, s := range seqs {
		if _, ok := s[ligandKey]; !ok {
			kept = append(kept, s)
		}
	}

	out := make(Job, len(j))
	for k, v := range j {
		out[k] = v
	}
	if out["name"], err = json.Marshal(name); err != nil {
		return nil, err
	}
	if out["sequences"], err = json.Marshal(kept); err != nil {
		return nil, err
	}
	return out, nil
}

// encode returns the job as written to the intermediate's input file.
func (j Job) encode(t InputType) ([]byte, error) {
	if t == InputServer {
		return json.Marshal([]Job{j})
	}
	return json.Marshal(j)
}

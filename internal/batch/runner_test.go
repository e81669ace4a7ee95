// SPDX-License-Identifier: MPL-2.0

package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/af3complex/af3c/internal/container"

	"github.com/charmbracelet/log"
)

var intermediate = []string{"python", "/app/AF3Complex/run_intermediate.py"}

type (
	// fakeIntermediate stands in for run_intermediate.py: it re-executes the
	// test binary, which writes the output files the real model would.
	fakeIntermediate struct {
		mu    sync.Mutex
		calls []intermediateCall

		// fail lists lowercased job names that exit non-zero.
		fail []string
		// scores maps lowercased job names to their ranking_score. Jobs
		// without an entry get a summary without one.
		scores map[string]float64
		// noSummary lists lowercased job names that write no summary file.
		noSummary []string
	}

	intermediateCall struct {
		Name    string
		Args    []string
		Payload string
	}
)

func (f *fakeIntermediate) ExecCommand() container.ExecCommandFunc {
	return func(_ context.Context, name string, args ...string) *exec.Cmd {
		call := intermediateCall{Name: name, Args: slices.Clone(args)}
		for _, a := range args {
			if p, ok := strings.CutPrefix(a, "--json_path="); ok {
				data, _ := os.ReadFile(p)
				call.Payload = string(data)
			}
		}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		f.mu.Unlock()

		var scores []string
		for k, v := range f.scores {
			scores = append(scores, k+"="+strconv.FormatFloat(v, 'f', -1, 64))
		}
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.Command(os.Args[0], cs...) //nolint:noctx // helper process
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			"GO_HELPER_FAIL=" + strings.Join(f.fail, ","),
			"GO_HELPER_SCORES=" + strings.Join(scores, ";"),
			"GO_HELPER_NO_SUMMARY=" + strings.Join(f.noSummary, ","),
		}
		return cmd
	}
}

func (f *fakeIntermediate) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Payload
	}
	return out
}

// TestHelperProcess is re-executed by fakeIntermediate; it is not a real test.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	var jsonPath, outDir string
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, "--json_path="); ok {
			jsonPath = v
		}
		if v, ok := strings.CutPrefix(a, "--output_dir="); ok {
			outDir = v
		}
	}

	jobs, err := LoadJobs(jsonPath)
	if err != nil || len(jobs) != 1 {
		fmt.Fprintln(os.Stderr, "bad input:", err)
		os.Exit(2)
	}
	name, _ := jobs[0].Name()
	lower := strings.ToLower(name)
	if slices.Contains(strings.Split(os.Getenv("GO_HELPER_FAIL"), ","), lower) {
		fmt.Fprintln(os.Stderr, "model failed for", name)
		os.Exit(3)
	}

	summary := map[string]float64{}
	for _, kv := range strings.Split(os.Getenv("GO_HELPER_SCORES"), ";") {
		if k, v, ok := strings.Cut(kv, "="); ok && k == lower {
			score, _ := strconv.ParseFloat(v, 64)
			summary["ranking_score"] = score
		}
	}

	dir := filepath.Join(outDir, lower)
	data, _ := json.Marshal(jobs[0])
	summaryData, _ := json.Marshal(summary)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		os.Exit(4)
	}
	_ = os.WriteFile(filepath.Join(dir, lower+"_data.json"), data, 0o644)
	if !slices.Contains(strings.Split(os.Getenv("GO_HELPER_NO_SUMMARY"), ","), lower) {
		_ = os.WriteFile(filepath.Join(dir, lower+"_summary_confidences.json"), summaryData, 0o644)
	}
	os.Exit(0)
}

type workspace struct {
	jobs    string
	out     string
	tempDir string
}

func newWorkspace(t *testing.T, jobs string) workspace {
	t.Helper()
	root := t.TempDir()
	ws := workspace{
		jobs:    filepath.Join(root, "in", "jobs.json"),
		out:     filepath.Join(root, "out"),
		tempDir: filepath.Join(root, "tmp"),
	}
	for _, d := range []string{filepath.Dir(ws.jobs), ws.out, ws.tempDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(ws.jobs, []byte(jobs), 0o644); err != nil {
		t.Fatal(err)
	}
	return ws
}

func (ws workspace) options(t InputType) Options {
	return Options{JSONFile: ws.jobs, ModelDir: "/models", DBDir: "/db", OutputDir: ws.out, InputType: t}
}

func (ws workspace) runner(f *fakeIntermediate) *Runner {
	return NewRunner(intermediate,
		WithLogger(log.New(io.Discard)),
		WithOutput(io.Discard, io.Discard),
		WithTempDir(ws.tempDir),
		WithExecCommand(f.ExecCommand()),
	)
}

func protein(name string) string {
	return fmt.Sprintf(`{"name": %q, "modelSeeds": [1], "sequences": [{"protein": {"id": "A", "sequence": "MKV"}}]}`, name)
}

func withLigand(name string) string {
	return fmt.Sprintf(`{"name": %q, "modelSeeds": [1], "sequences": [{"protein": {"id": "A", "sequence": "MKV"}}, {"ligand": {"id": "B", "ccdCodes": ["ATP"]}}]}`, name)
}

func TestRunner_Run(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, "["+strings.Join([]string{
		protein("Alpha"),
		protein("Done"),
		protein("DoneLower"),
		protein("Busy"),
		protein("Broken"),
		protein("Omega"),
	}, ",")+"]")
	for _, d := range []string{"Done", "donelower"} {
		if err := os.MkdirAll(filepath.Join(ws.out, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	ledger := NewLedger(ws.jobs)
	if err := ledger.Add("Busy"); err != nil {
		t.Fatal(err)
	}

	fake := &fakeIntermediate{fail: []string{"broken"}}
	result, err := ws.runner(fake).Run(context.Background(), ws.options(InputAF3))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if want := []string{"Alpha", "Omega"}; !slices.Equal(result.Processed, want) {
		t.Errorf("Processed = %v, want %v", result.Processed, want)
	}
	if want := []string{"Done", "DoneLower", "Busy"}; !slices.Equal(result.Skipped, want) {
		t.Errorf("Skipped = %v, want %v", result.Skipped, want)
	}
	if want := []string{"Broken"}; !slices.Equal(result.Failed, want) {
		t.Errorf("Failed = %v, want %v", result.Failed, want)
	}

	if len(fake.calls) != 3 {
		t.Fatalf("intermediate ran %d times, want 3", len(fake.calls))
	}
	call := fake.calls[0]
	if call.Name != "python" || call.Args[0] != "/app/AF3Complex/run_intermediate.py" {
		t.Errorf("unexpected command %s %v", call.Name, call.Args)
	}
	for _, want := range []string{"--model_dir=/models", "--db_dir=/db", "--output_dir=" + ws.out} {
		if !slices.Contains(call.Args, want) {
			t.Errorf("args %v missing %s", call.Args, want)
		}
	}
	if strings.HasPrefix(call.Payload, "[") {
		t.Error("af3 input should be written as a single object")
	}

	names, err := readLedger(ledger)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(names, []string{"Busy"}) {
		t.Errorf("ledger = %v, want only the foreign entry", names)
	}
	if entries, _ := os.ReadDir(ws.tempDir); len(entries) != 0 {
		t.Errorf("temporary job files left behind: %v", entries)
	}
}

func TestRunner_Run_ServerInput(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, protein("Solo"))
	fake := &fakeIntermediate{}

	result, err := ws.runner(fake).Run(context.Background(), ws.options(InputServer))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(result.Processed, []string{"Solo"}) {
		t.Errorf("Processed = %v", result.Processed)
	}
	var wrapped []Job
	if err := json.Unmarshal([]byte(fake.payloads()[0]), &wrapped); err != nil || len(wrapped) != 1 {
		t.Errorf("server input should be a one-element list, got %s (%v)", fake.payloads()[0], err)
	}
}

func TestRunner_Run_Ligands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		scores      map[string]float64
		wantSummary string
	}{
		{
			name:        "ligand model better",
			scores:      map[string]float64{"lig": 0.9, "lig_without_ligands": 0.5},
			wantSummary: "lig_summary_confidences.json",
		},
		{
			name:        "ligand-free model better",
			scores:      map[string]float64{"lig": 0.4, "lig_without_ligands": 0.8},
			wantSummary: "lig_without_ligands_summary_confidences.json",
		},
		{
			name:        "tie keeps the ligand-free model",
			scores:      map[string]float64{"lig": 0.7, "lig_without_ligands": 0.7},
			wantSummary: "lig_without_ligands_summary_confidences.json",
		},
		{
			name:        "missing score counts as -1",
			scores:      map[string]float64{"lig_without_ligands": -0.5},
			wantSummary: "lig_without_ligands_summary_confidences.json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ws := newWorkspace(t, withLigand("Lig"))
			fake := &fakeIntermediate{scores: tt.scores}

			result, err := ws.runner(fake).Run(context.Background(), ws.options(InputAF3))
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(result.Processed, []string{"Lig"}) {
				t.Fatalf("Processed = %v, Failed = %v", result.Processed, result.Failed)
			}

			payloads := fake.payloads()
			if len(payloads) != 2 {
				t.Fatalf("intermediate ran %d times, want 2", len(payloads))
			}
			var second Job
			if err := json.Unmarshal([]byte(payloads[1]), &second); err != nil {
				t.Fatal(err)
			}
			if name, _ := second.Name(); name != "Lig_without_ligands" {
				t.Errorf("secondary job name = %q", name)
			}
			if second.HasLigands() {
				t.Error("secondary job should have no ligands")
			}
			if _, ok := second["modelSeeds"]; !ok {
				t.Error("secondary job should keep the other fields")
			}

			if _, err := os.Stat(filepath.Join(ws.out, "lig", tt.wantSummary)); err != nil {
				t.Errorf("expected %s in the kept model: %v", tt.wantSummary, err)
			}
			if _, err := os.Stat(filepath.Join(ws.out, "lig_without_ligands")); !os.IsNotExist(err) {
				t.Error("the ligand-free directory should not remain")
			}
		})
	}
}

func TestRunner_Run_ComparisonErrorIsNotFatal(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, withLigand("Lig"))
	fake := &fakeIntermediate{noSummary: []string{"lig_without_ligands"}}

	result, err := ws.runner(fake).Run(context.Background(), ws.options(InputAF3))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(result.Processed, []string{"Lig"}) {
		t.Errorf("Processed = %v, Failed = %v", result.Processed, result.Failed)
	}
	for _, d := range []string{"lig", "lig_without_ligands"} {
		if _, err := os.Stat(filepath.Join(ws.out, d)); err != nil {
			t.Errorf("%s should be left in place when scores cannot be compared", d)
		}
	}
}

func TestRunner_Run_SecondaryFailure(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, withLigand("Lig"))
	fake := &fakeIntermediate{fail: []string{"lig_without_ligands"}}

	result, err := ws.runner(fake).Run(context.Background(), ws.options(InputAF3))
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(result.Failed, []string{"Lig"}) {
		t.Errorf("Failed = %v", result.Failed)
	}
	if _, err := os.Stat(filepath.Join(ws.out, "lig")); err != nil {
		t.Error("the first model should be kept when the second run fails")
	}
	if names, _ := readLedger(NewLedger(ws.jobs)); len(names) != 0 {
		t.Errorf("ledger should be empty, got %v", names)
	}
}

func TestRunner_Run_Canceled(t *testing.T) {
	t.Parallel()

	ws := newWorkspace(t, "["+protein("A")+","+protein("B")+"]")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := ws.runner(&fakeIntermediate{}).Run(ctx, ws.options(InputAF3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
	if len(result.Processed) != 0 {
		t.Errorf("Processed = %v", result.Processed)
	}
}

func TestOptions_Validate(t *testing.T) {
	t.Parallel()

	valid := Options{JSONFile: "in.json", ModelDir: "/m", DBDir: "/d", OutputDir: "/o", InputType: InputAF3}
	tests := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"valid", func(*Options) {}, ""},
		{"missing json", func(o *Options) { o.JSONFile = "" }, "--json_file_path"},
		{"missing output", func(o *Options) { o.OutputDir = " " }, "--output_dir"},
		{"bad type", func(o *Options) { o.InputType = "pdb" }, "unknown input JSON type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			o := valid
			tt.mutate(&o)
			err := o.Validate()
			if tt.want == "" {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidOptions) || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadJobs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	single, err := LoadJobs(write("single.json", "\n  "+protein("One")))
	if err != nil || len(single) != 1 {
		t.Fatalf("single object: %v %v", single, err)
	}
	list, err := LoadJobs(write("list.json", "["+protein("One")+","+withLigand("Two")+"]"))
	if err != nil || len(list) != 2 {
		t.Fatalf("list: %v %v", list, err)
	}
	if list[0].HasLigands() || !list[1].HasLigands() {
		t.Error("HasLigands mismatch")
	}
	if _, err := LoadJobs(write("bad.json", "{")); err == nil {
		t.Error("expected parse error")
	}

	for _, raw := range []string{`{}`, `{"name": ""}`, `{"name": 5}`} {
		var j Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			t.Fatal(err)
		}
		if _, err := j.Name(); err == nil {
			t.Errorf("Name() of %s should fail", raw)
		}
	}
}

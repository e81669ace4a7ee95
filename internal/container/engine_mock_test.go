// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
)

type (
	// MockCommandRecorder captures engine invocations and answers them with a
	// re-exec of the test binary (the TestHelperProcess pattern).
	MockCommandRecorder struct {
		mu          sync.Mutex
		invocations []MockInvocation

		// ExitCode is the exit code every invocation returns.
		ExitCode int
		// Stdout is written by every invocation.
		Stdout string
		// Stderr is written by every invocation.
		Stderr string
	}

	// MockInvocation is a single recorded command.
	MockInvocation struct {
		Name string
		Args []string
	}
)

func newMockRecorder() *MockCommandRecorder {
	return &MockCommandRecorder{}
}

// ExecCommand returns an ExecCommandFunc that records and fakes invocations.
func (m *MockCommandRecorder) ExecCommand() ExecCommandFunc {
	return func(_ context.Context, name string, args ...string) *exec.Cmd {
		m.mu.Lock()
		m.invocations = append(m.invocations, MockInvocation{Name: name, Args: slices.Clone(args)})
		exitCode, stdout, stderr := m.ExitCode, m.Stdout, m.Stderr
		m.mu.Unlock()

		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		//nolint:gosec // test helper re-exec
		cmd := exec.Command(os.Args[0], cs...) //nolint:noctx // helper process
		cmd.Env = []string{
			"GO_WANT_HELPER_PROCESS=1",
			fmt.Sprintf("GO_HELPER_EXIT_CODE=%d", exitCode),
			"GO_HELPER_STDOUT=" + stdout,
			"GO_HELPER_STDERR=" + stderr,
		}
		return cmd
	}
}

// LastArgs returns the arguments of the most recent invocation.
func (m *MockCommandRecorder) LastArgs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.invocations) == 0 {
		return nil
	}
	return m.invocations[len(m.invocations)-1].Args
}

// Count returns the number of recorded invocations.
func (m *MockCommandRecorder) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invocations)
}

// HasArgPair reports whether the last invocation contains flag followed by value.
func (m *MockCommandRecorder) HasArgPair(flag, value string) bool {
	args := m.LastArgs()
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

// AssertArgs fails the test unless the last invocation equals want.
func (m *MockCommandRecorder) AssertArgs(t *testing.T, want []string) {
	t.Helper()
	if got := m.LastArgs(); !slices.Equal(got, want) {
		t.Errorf("args = %q, want %q", got, want)
	}
}

// TestHelperProcess is re-executed by MockCommandRecorder; it is not a real test.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if s := os.Getenv("GO_HELPER_STDOUT"); s != "" {
		fmt.Fprint(os.Stdout, strings.ReplaceAll(s, `\n`, "\n"))
	}
	if s := os.Getenv("GO_HELPER_STDERR"); s != "" {
		fmt.Fprint(os.Stderr, s)
	}
	code := 0
	fmt.Sscanf(os.Getenv("GO_HELPER_EXIT_CODE"), "%d", &code)
	os.Exit(code)
}

// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"time"
)

const tailLines = 30

type (
	// StepTiming is the measured duration of one step.
	StepTiming struct {
		Index    int
		Step     StepID
		Started  bool
		Duration time.Duration
		// Failed is set on the step that was running when the build failed.
		Failed bool
	}

	// StepTracker is an io.Writer for engine build output. It forwards the
	// output, notices when each step starts and keeps the last lines for
	// error reports. Pass the same tracker as stdout and stderr.
	StepTracker struct {
		mu       sync.Mutex
		out      io.Writer
		markers  []Marker
		steps    []Step
		partial  []byte
		current  int
		started  map[int]time.Time
		timings  map[int]time.Duration
		tail     []string
		now      func() time.Time
		onStart  func(index int, id StepID)
		finished bool
	}

	// TrackerOption configures a StepTracker.
	TrackerOption func(*StepTracker)
)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *StepTracker) { t.now = now }
}

// OnStepStart registers fn to be called when a step is first seen.
func OnStepStart(fn func(index int, id StepID)) TrackerOption {
	return func(t *StepTracker) { t.onStart = fn }
}

// NewStepTracker creates a tracker for plan that forwards output to out
// (which may be nil).
func NewStepTracker(plan *Plan, out io.Writer, opts ...TrackerOption) *StepTracker {
	t := &StepTracker{
		out:     out,
		markers: plan.Markers(),
		steps:   plan.Steps(),
		started: make(map[int]time.Time),
		timings: make(map[int]time.Duration),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Write implements io.Writer. It never fails because of tracking; only the
// forwarded writer can return an error.
func (t *StepTracker) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		t.scanLine(string(bytes.TrimRight(t.partial[:i], "\r")))
		t.partial = t.partial[i+1:]
	}

	if t.out == nil {
		return len(p), nil
	}
	return t.out.Write(p)
}

func (t *StepTracker) scanLine(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.tail = append(t.tail, line)
	if len(t.tail) > tailLines {
		t.tail = t.tail[len(t.tail)-tailLines:]
	}

	for _, m := range t.markers {
		if m.Index <= t.current || !containsMarker(line, m.Text) {
			continue
		}
		t.advance(m.Index)
	}
}

// containsMarker reports whether text occurs in line and, for step markers,
// is not the prefix of a longer index ("af3c-step=1" in "af3c-step=12").
func containsMarker(line, text string) bool {
	for from := 0; ; {
		i := strings.Index(line[from:], text)
		if i < 0 {
			return false
		}
		end := from + i + len(text)
		if end == len(line) || line[end] < '0' || line[end] > '9' {
			return true
		}
		from = end
	}
}

func (t *StepTracker) advance(index int) {
	now := t.now()
	if start, ok := t.started[t.current]; ok {
		t.timings[t.current] = now.Sub(start)
	}
	t.current = index
	t.started[index] = now
	if t.onStart != nil {
		t.onStart(index, t.steps[index-1].ID)
	}
}

// Current returns the 1-based index and ID of the step running now, or 0
// and "" before the first step has started.
func (t *StepTracker) Current() (int, StepID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == 0 {
		return 0, ""
	}
	return t.current, t.steps[t.current-1].ID
}

// Tail returns the last non-empty output lines.
func (t *StepTracker) Tail() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.tail...)
}

// Finish closes the running step and returns one timing per plan step.
// When failed is true the running step is marked as the failed one.
func (t *StepTracker) Finish(failed bool) []StepTiming {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.partial) > 0 {
		t.scanLine(string(t.partial))
		t.partial = nil
	}
	if !t.finished {
		if start, ok := t.started[t.current]; ok {
			t.timings[t.current] = t.now().Sub(start)
		}
		t.finished = true
	}

	out := make([]StepTiming, len(t.steps))
	for i, s := range t.steps {
		index := i + 1
		_, started := t.started[index]
		out[i] = StepTiming{
			Index:    index,
			Step:     s.ID,
			Started:  started,
			Duration: t.timings[index],
			Failed:   failed && index == t.current,
		}
	}
	return out
}

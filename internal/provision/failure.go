// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/af3complex/af3c/internal/issue"
)

var (
	// ErrSourceNotFound is returned when the source tree to copy into the
	// image is missing or incomplete.
	ErrSourceNotFound = errors.New("source tree not found")

	downloadHints = []string{
		"unable to resolve host",
		"error 404",
		"connection refused",
		"connection timed out",
		"network is unreachable",
		"not in gzip format",
	}
)

// StepFailedError reports the step a build failed at. Index is 0 when the
// build failed before the first step, e.g. while pulling the base image.
type StepFailedError struct {
	Index int
	Total int
	Step  StepID
	// Issue is the catalogue entry with guidance for this failure, or 0.
	Issue issue.Id
	// Tail holds the last lines of build output.
	Tail  []string
	Cause error
}

func (e *StepFailedError) Error() string {
	if e.Index == 0 {
		return fmt.Sprintf("the build failed before step 1 (base image): %v", e.Cause)
	}
	return fmt.Sprintf("the build failed at step %d/%d (%s): %v", e.Index, e.Total, e.Step, e.Cause)
}

// Unwrap returns ErrStepFailed and the engine error.
func (e *StepFailedError) Unwrap() []error {
	return []error{ErrStepFailed, e.Cause}
}

// ClassifyFailure picks the catalogue entry for a failure at step, using the
// tail of the build output to tell download errors from compile errors.
func ClassifyFailure(step StepID, tail []string) issue.Id {
	switch step {
	case StepToolchain, StepPython, StepVenv:
		return issue.PackageResolutionFailedId
	case StepHMMER:
		for _, line := range tail {
			lower := strings.ToLower(line)
			for _, hint := range downloadHints {
				if strings.Contains(lower, hint) {
					return issue.DownloadFailedId
				}
			}
		}
		return issue.CompilationFailedId
	case StepSource:
		return issue.SourceTreeMissingId
	case StepDependencies:
		return issue.DependencyConflictId
	case StepCCDDatabase:
		return issue.DataGenerationFailedId
	default:
		return 0
	}
}

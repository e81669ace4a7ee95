// SPDX-License-Identifier: MPL-2.0

package cmd

import "fmt"

const (
	// ExitFailure is used for every error that is not a build step failure.
	ExitFailure = 1
	// exitStepBase is added to the index of the failed build step.
	exitStepBase = 10
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
type ExitError struct {
	Code int
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// StepExitCode is the process exit code for a build that failed at step
// index; index 0 is the base image.
func StepExitCode(index int) int {
	return exitStepBase + index
}

// SPDX-License-Identifier: MPL-2.0

package batch

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// LedgerFileName is created next to the input JSON file.
const LedgerFileName = "processing_file.txt"

// Ledger is the list of jobs currently being processed, shared by every
// driver process reading the same input file. Writers hold an exclusive
// flock and readers a shared one.
type Ledger struct {
	path string
}

// NewLedger returns the ledger for the jobs file at jobsPath.
func NewLedger(jobsPath string) *Ledger {
	return &Ledger{path: filepath.Join(filepath.Dir(jobsPath), LedgerFileName)}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string {
	return l.path
}

// Add records name unless it is already present.
func (l *Ledger) Add(name string) (err error) {
	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer closeFile(f, &err)

	return withLock(f, true, func() error {
		names, err := readNames(f)
		if err != nil {
			return err
		}
		if slices.Contains(names, name) {
			return nil
		}
		_, err = io.WriteString(f, name+"\n")
		return err
	})
}

// Remove deletes every entry equal to name. A missing ledger is not an error.
func (l *Ledger) Remove(name string) (err error) {
	f, err := os.OpenFile(l.path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer closeFile(f, &err)

	return withLock(f, true, func() error {
		names, err := readNames(f)
		if err != nil {
			return err
		}
		if err := f.Truncate(0); err != nil {
			return err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		var b strings.Builder
		for _, n := range names {
			if n != name {
				b.WriteString(n + "\n")
			}
		}
		_, err = io.WriteString(f, b.String())
		return err
	})
}

// Contains reports whether name is being processed.
func (l *Ledger) Contains(name string) (found bool, err error) {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer closeFile(f, &err)

	err = withLock(f, false, func() error {
		names, err := readNames(f)
		found = slices.Contains(names, name)
		return err
	})
	return found, err
}

func withLock(f *os.File, exclusive bool, fn func() error) error {
	if err := lockFile(f, exclusive); err != nil {
		return fmt.Errorf("failed to lock ledger: %w", err)
	}
	fnErr := fn()
	if err := unlockFile(f); err != nil && fnErr == nil {
		return fmt.Errorf("failed to unlock ledger: %w", err)
	}
	return fnErr
}

func readNames(f *os.File) ([]string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	var names []string
	for line := range strings.Lines(string(data)) {
		if n := strings.TrimRight(line, "\r\n"); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

func closeFile(f *os.File, err *error) {
	if closeErr := f.Close(); closeErr != nil && *err == nil {
		*err = fmt.Errorf("failed to close ledger: %w", closeErr)
	}
}

// SPDX-License-Identifier: MPL-2.0

package verify

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var nameSeparators = regexp.MustCompile(`[-_.]+`)

// Pin is an exact "name==version" requirement.
type Pin struct {
	Name    string
	Version string
}

func (p Pin) String() string { return p.Name + "==" + p.Version }

// NormalizeName lowercases a distribution name and folds runs of "-", "_"
// and "." into a single "-".
func NormalizeName(name string) string {
	return nameSeparators.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

// ParsePins returns the exact pins in a requirements file. Options,
// includes, URLs and ranged requirements are skipped; extras and
// environment markers are stripped.
func ParsePins(r io.Reader) ([]Pin, error) {
	var pins []Pin
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, " #"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") || strings.Contains(line, "://") {
			continue
		}
		if i := strings.Index(line, ";"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}

		name, version, ok := strings.Cut(line, "==")
		if !ok || strings.HasPrefix(version, "=") {
			continue
		}
		if i := strings.Index(name, "["); i >= 0 {
			name = name[:i]
		}
		version = strings.TrimSpace(version)
		if strings.ContainsAny(version, ",<>!~*") {
			continue
		}
		pins = append(pins, Pin{Name: NormalizeName(name), Version: version})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read requirements: %w", err)
	}
	return pins, nil
}

// ParsePinsFile reads the pins from the requirements file at path.
func ParsePinsFile(path string) ([]Pin, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }() // Read-only file; close error non-critical
	return ParsePins(f)
}

// freezeIndex maps normalized names to versions from "pip freeze" output.
// Editable and direct-reference lines are ignored.
func freezeIndex(out string) map[string]string {
	index := make(map[string]string)
	for line := range strings.Lines(out) {
		name, version, ok := strings.Cut(strings.TrimSpace(line), "==")
		if !ok {
			continue
		}
		index[NormalizeName(name)] = version
	}
	return index
}

// SPDX-License-Identifier: MPL-2.0

package hostcheck

import (
	"errors"
	"fmt"
	"strings"

	pep440 "github.com/aquasecurity/go-pep440-version"
)

// ErrInvalidSpecifier is returned when a version or a requires-python
// specifier cannot be parsed.
var ErrInvalidSpecifier = errors.New("invalid version specifier")

// SatisfiesSpecifier reports whether version (e.g. "3.11") matches every
// comma-separated clause of constraint (e.g. ">=3.10,<3.13"). An empty
// constraint matches any version.
func SatisfiesSpecifier(version, constraint string) (bool, error) {
	v, err := pep440.Parse(version)
	if err != nil {
		return false, fmt.Errorf("%w: version %q: %w", ErrInvalidSpecifier, version, err)
	}
	if strings.TrimSpace(constraint) == "" {
		return true, nil
	}
	specifiers, err := pep440.NewSpecifiers(constraint)
	if err != nil {
		return false, fmt.Errorf("%w: %q: %w", ErrInvalidSpecifier, constraint, err)
	}
	return specifiers.Check(v), nil
}

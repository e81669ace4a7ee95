// SPDX-License-Identifier: MPL-2.0

package container

import (
	"errors"
	"fmt"
	"strings"

	"github.com/distribution/reference"
)

var (
	// ErrInvalidImageTag is wrapped by every ImageTag validation failure.
	ErrInvalidImageTag = errors.New("invalid image tag")

	// ErrUnqualifiedTag is returned when a push target has no explicit registry.
	ErrUnqualifiedTag = errors.New("image tag is not registry-qualified")
)

// ImageTag is an image reference such as "af3complex:latest" or
// "ghcr.io/acme/af3complex:1.0".
type ImageTag string

// String returns the tag.
func (t ImageTag) String() string { return string(t) }

// Validate parses the tag as a docker reference.
func (t ImageTag) Validate() error {
	if _, err := reference.ParseNormalizedNamed(string(t)); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidImageTag, string(t), err)
	}
	return nil
}

// Registry returns the registry host the tag resolves to. Unqualified names
// resolve to docker.io.
func (t ImageTag) Registry() (string, error) {
	named, err := reference.ParseNormalizedNamed(string(t))
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrInvalidImageTag, string(t), err)
	}
	return reference.Domain(named), nil
}

// RegistryQualified reports whether the tag names its registry explicitly.
// The first path component counts as a registry when it contains a '.' or
// ':' or is "localhost", matching the engine CLIs.
func (t ImageTag) RegistryQualified() bool {
	if t.Validate() != nil {
		return false
	}
	first, _, found := strings.Cut(string(t), "/")
	if !found {
		return false
	}
	return strings.ContainsAny(first, ".:") || first == "localhost"
}

// RequireRegistry returns ErrUnqualifiedTag unless the tag is registry-qualified.
func (t ImageTag) RequireRegistry() error {
	if err := t.Validate(); err != nil {
		return err
	}
	if !t.RegistryQualified() {
		return fmt.Errorf("%w: %q (use <registry>/<repository>:<tag>)", ErrUnqualifiedTag, string(t))
	}
	return nil
}

// SPDX-License-Identifier: MPL-2.0

package container

import (
	"errors"
	"testing"
)

func TestImageTag(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag       ImageTag
		valid     bool
		qualified bool
		registry  string
	}{
		{tag: "af3complex:latest", valid: true, registry: "docker.io"},
		{tag: "acme/af3complex:1.0", valid: true, registry: "docker.io"},
		{tag: "ghcr.io/acme/af3complex:1.0", valid: true, qualified: true, registry: "ghcr.io"},
		{tag: "localhost/af3complex", valid: true, qualified: true, registry: "localhost"},
		{tag: "registry:5000/af3complex:dev", valid: true, qualified: true, registry: "registry:5000"},
		{tag: "Bad:Tag", valid: false},
		{tag: "", valid: false},
	}

	for _, tt := range tests {
		t.Run(string(tt.tag), func(t *testing.T) {
			t.Parallel()

			err := tt.tag.Validate()
			if (err == nil) != tt.valid {
				t.Fatalf("Validate() = %v, valid %v", err, tt.valid)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidImageTag) {
					t.Errorf("Validate() error should wrap ErrInvalidImageTag: %v", err)
				}
				return
			}
			if got := tt.tag.RegistryQualified(); got != tt.qualified {
				t.Errorf("RegistryQualified() = %v, want %v", got, tt.qualified)
			}
			reg, err := tt.tag.Registry()
			if err != nil || reg != tt.registry {
				t.Errorf("Registry() = %q, %v, want %q", reg, err, tt.registry)
			}
			if err := tt.tag.RequireRegistry(); (err == nil) != tt.qualified {
				t.Errorf("RequireRegistry() = %v", err)
			}
		})
	}
}

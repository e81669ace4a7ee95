// SPDX-License-Identifier: MPL-2.0

// Package provision models the AF3Complex image as an ordered Plan of
// provisioning steps and turns it into a built image.
//
// A Plan is validated before any container engine is involved: every step
// must come after the steps it requires, every command may only rely on
// facts (filesystem or environment state) produced before it, and every RUN
// command must be valid shell. A valid plan renders to a byte-stable
// Dockerfile:
//
//	plan := provision.NewAF3ComplexPlan(cfg)
//	dockerfile, err := provision.RenderDockerfile(plan)
//
// The Provisioner copies the source tree into a temporary build context,
// drives the engine build and attributes any failure to the step that was
// running, so callers can report "the build failed at step N".
package provision

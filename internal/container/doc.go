// SPDX-License-Identifier: MPL-2.0

// Package container drives the Docker and Podman CLIs.
//
// The Engine interface covers what the image provisioner needs: Build, Push,
// Run, ImageExists, InspectImage, and RemoveImage. DockerEngine and PodmanEngine
// both embed BaseCLIEngine, which builds the CLI arguments and executes them
// through an injectable exec function.
//
// NewEngine(EngineType) returns the preferred engine with fallback to the other
// one. Docker is the default preference; the NVIDIA container toolkit is most
// commonly configured for it on GPU hosts.
package container

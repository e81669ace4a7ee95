// SPDX-License-Identifier: MPL-2.0

// Package testutil holds helpers shared by af3c tests: a manually advanced
// clock, a limit on concurrent container tests and a HOME override.
package testutil

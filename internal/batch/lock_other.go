// SPDX-License-Identifier: MPL-2.0

//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package batch

import "os"

// Without flock, concurrent drivers on one input file may process a job twice.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }

// SPDX-License-Identifier: MPL-2.0

// af3c provisions, builds, verifies and runs the AF3Complex GPU image.
package main

import cmd "github.com/af3complex/af3c/cmd/af3c"

func main() {
	cmd.Execute()
}

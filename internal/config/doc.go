// SPDX-License-Identifier: MPL-2.0

// Package config loads af3c configuration using Viper with CUE as the file format.
//
// The file is read from the path given with --config, else from
// $XDG_CONFIG_HOME/af3c/config.cue, else from ./af3c.cue. It is validated
// against the embedded #Config schema (config_schema.cue) and merged over the
// defaults. Any key can also be overridden from the environment with the AF3C_
// prefix, e.g. AF3C_PYTHON_VERSION=3.12 or AF3C_ACCELERATOR_MEM_FRACTION=0.5.
package config

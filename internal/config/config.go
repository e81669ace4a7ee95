// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/af3complex/af3c/internal/issue"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "af3c"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "AF3C"
	// LocalConfigFile is looked up in the working directory.
	LocalConfigFile = AppName + "." + ConfigFileExt

	maxConfigFileSize = 1 << 20
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns $XDG_CONFIG_HOME/af3c, defaulting to ~/.config/af3c.
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, AppName), nil
}

// ConfigFilePath returns the path of the user config file.
func ConfigFilePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName+"."+ConfigFileExt), nil
}

// loadWithOptions performs option-driven config loading. The returned path is
// the file that was merged, or "" when only defaults and environment apply.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	resolvedPath, err := resolveConfigPath(opts)
	if err != nil {
		return nil, "", err
	}
	if resolvedPath != "" {
		if err := loadCUEIntoViper(v, resolvedPath); err != nil {
			return nil, "", configLoadError(resolvedPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resolvedPath).
			WithSuggestion("Check AF3C_* environment variables for stale overrides").
			WithSuggestion("Run 'af3c config show' to see the effective configuration").
			Wrap(err).
			BuildError()
	}

	return &cfg, resolvedPath, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("container_engine", string(d.ContainerEngine))
	v.SetDefault("image.base", d.Image.Base)
	v.SetDefault("image.tag", d.Image.Tag)
	v.SetDefault("image.labels", map[string]string{})
	v.SetDefault("python.version", d.Python.Version)
	v.SetDefault("python.ppa", d.Python.PPA)
	v.SetDefault("python.venv", d.Python.Venv)
	v.SetDefault("hmmer.version", d.HMMER.Version)
	v.SetDefault("hmmer.url", d.HMMER.URL)
	v.SetDefault("hmmer.prefix", d.HMMER.Prefix)
	v.SetDefault("hmmer.build_dir", d.HMMER.BuildDir)
	v.SetDefault("hmmer.jobs", d.HMMER.Jobs)
	v.SetDefault("app.source", d.App.Source)
	v.SetDefault("app.dir", d.App.Dir)
	v.SetDefault("app.requirements", d.App.Requirements)
	v.SetDefault("app.entry_script", d.App.EntryScript)
	v.SetDefault("app.data_command", d.App.DataCommand)
	v.SetDefault("accelerator.xla_flags", d.Accelerator.XLAFlags)
	v.SetDefault("accelerator.preallocate", d.Accelerator.Preallocate)
	v.SetDefault("accelerator.mem_fraction", d.Accelerator.MemFraction)
	v.SetDefault("build.metrics_file", d.Build.MetricsFile)
	v.SetDefault("build.context_dir", d.Build.ContextDir)
	v.SetDefault("build.min_free_gb", d.Build.MinFreeGB)
	v.SetDefault("batch.intermediate", d.Batch.Intermediate)
	v.SetDefault("batch.driver", d.Batch.Driver)
	v.SetDefault("ui.verbose", d.UI.Verbose)
	v.SetDefault("ui.glamour_style", d.UI.GlamourStyle)
}

// resolveConfigPath picks the explicit file, then the user config dir, then
// the working directory. An explicit path that does not exist is an error;
// a missing default file is not.
func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'af3c config init' to write a default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
	if err != nil {
		return "", err
	}
	if p := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt); fileExists(p) {
		return p, nil
	}
	if fileExists(LocalConfigFile) {
		return LocalConfigFile, nil
	}
	return "", nil
}

func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}
	return ConfigDir()
}

func configLoadError(path string, err error) error {
	return issue.NewErrorContext().
		WithOperation("load configuration").
		WithResource(path).
		WithSuggestion("Check that the file contains valid CUE syntax").
		WithSuggestion("Verify the values match the schema shown by 'af3c config show --schema'").
		Wrap(err).
		BuildError()
}

// loadCUEIntoViper parses a CUE file, validates it against #Config and
// merges it into v. Fields are optional, so validation is non-concrete.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if len(data) > maxConfigFileSize {
		return fmt.Errorf("%s: config file exceeds %d bytes", path, maxConfigFileSize)
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return formatCUEError(userValue.Err(), path)
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return formatCUEError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return formatCUEError(err, path)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

// formatCUEError flattens CUE errors into "<file>: <field.path>: <message>" lines.
func formatCUEError(err error, filePath string) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("%s: %w", filePath, err)
	}

	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		field := strings.Join(cueerrors.Path(e), ".")
		msg := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(e.Error(), field), ":"))
		if field != "" {
			msg = field + ": " + msg
		}
		lines = append(lines, msg)
	}

	if len(lines) == 1 {
		return fmt.Errorf("%s: %s", filePath, lines[0])
	}
	return fmt.Errorf("%s: validation failed:\n  %s", filePath, strings.Join(lines, "\n  "))
}

// Schema returns the embedded CUE schema source.
func Schema() string {
	return configSchema
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default config file if none exists and
// returns its path.
func CreateDefaultConfig() (string, error) {
	cfgPath, err := ConfigFilePath()
	if err != nil {
		return "", err
	}
	if fileExists(cfgPath) {
		return cfgPath, nil
	}
	return cfgPath, Save(DefaultConfig())
}

// Save writes cfg to the user config file.
func Save(cfg *Config) error {
	cfgPath, err := ConfigFilePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, []byte(GenerateCUE(cfg)), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateCUE renders cfg as a CUE document accepted by #Config.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// af3c configuration file\n")
	sb.WriteString("// Every field is optional; see 'af3c config show --schema'.\n\n")

	fmt.Fprintf(&sb, "container_engine: %q\n", cfg.ContainerEngine)

	sb.WriteString("\nimage: {\n")
	fmt.Fprintf(&sb, "\tbase: %q\n", cfg.Image.Base)
	fmt.Fprintf(&sb, "\ttag:  %q\n", cfg.Image.Tag)
	if len(cfg.Image.Labels) > 0 {
		sb.WriteString("\tlabels: {\n")
		for _, k := range slices.Sorted(maps.Keys(cfg.Image.Labels)) {
			fmt.Fprintf(&sb, "\t\t%q: %q\n", k, cfg.Image.Labels[k])
		}
		sb.WriteString("\t}\n")
	}
	sb.WriteString("}\n")

	sb.WriteString("\npython: {\n")
	fmt.Fprintf(&sb, "\tversion: %q\n", cfg.Python.Version)
	fmt.Fprintf(&sb, "\tppa:     %q\n", cfg.Python.PPA)
	fmt.Fprintf(&sb, "\tvenv:    %q\n", cfg.Python.Venv)
	sb.WriteString("}\n")

	sb.WriteString("\nhmmer: {\n")
	fmt.Fprintf(&sb, "\tversion:   %q\n", cfg.HMMER.Version)
	if cfg.HMMER.URL != "" {
		fmt.Fprintf(&sb, "\turl:       %q\n", cfg.HMMER.URL)
	}
	fmt.Fprintf(&sb, "\tprefix:    %q\n", cfg.HMMER.Prefix)
	fmt.Fprintf(&sb, "\tbuild_dir: %q\n", cfg.HMMER.BuildDir)
	fmt.Fprintf(&sb, "\tjobs:      %d\n", cfg.HMMER.Jobs)
	sb.WriteString("}\n")

	sb.WriteString("\napp: {\n")
	fmt.Fprintf(&sb, "\tsource:       %q\n", cfg.App.Source)
	fmt.Fprintf(&sb, "\tdir:          %q\n", cfg.App.Dir)
	fmt.Fprintf(&sb, "\trequirements: %q\n", cfg.App.Requirements)
	fmt.Fprintf(&sb, "\tentry_script: %q\n", cfg.App.EntryScript)
	fmt.Fprintf(&sb, "\tdata_command: %q\n", cfg.App.DataCommand)
	sb.WriteString("}\n")

	sb.WriteString("\naccelerator: {\n")
	fmt.Fprintf(&sb, "\txla_flags:    %q\n", cfg.Accelerator.XLAFlags)
	fmt.Fprintf(&sb, "\tpreallocate:  %q\n", cfg.Accelerator.Preallocate)
	fmt.Fprintf(&sb, "\tmem_fraction: %q\n", cfg.Accelerator.MemFraction)
	sb.WriteString("}\n")

	sb.WriteString("\nbuild: {\n")
	if cfg.Build.MetricsFile != "" {
		fmt.Fprintf(&sb, "\tmetrics_file: %q\n", cfg.Build.MetricsFile)
	}
	if cfg.Build.ContextDir != "" {
		fmt.Fprintf(&sb, "\tcontext_dir: %q\n", cfg.Build.ContextDir)
	}
	fmt.Fprintf(&sb, "\tmin_free_gb: %d\n", cfg.Build.MinFreeGB)
	sb.WriteString("}\n")

	if len(cfg.Batch.Intermediate) > 0 || cfg.Batch.Driver != "" {
		sb.WriteString("\nbatch: {\n")
		if len(cfg.Batch.Intermediate) > 0 {
			quoted := make([]string, len(cfg.Batch.Intermediate))
			for i, arg := range cfg.Batch.Intermediate {
				quoted[i] = fmt.Sprintf("%q", arg)
			}
			fmt.Fprintf(&sb, "\tintermediate: [%s]\n", strings.Join(quoted, ", "))
		}
		if cfg.Batch.Driver != "" {
			fmt.Fprintf(&sb, "\tdriver: %q\n", cfg.Batch.Driver)
		}
		sb.WriteString("}\n")
	}

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tverbose:       %v\n", cfg.UI.Verbose)
	fmt.Fprintf(&sb, "\tglamour_style: %q\n", cfg.UI.GlamourStyle)
	sb.WriteString("}\n")

	return sb.String()
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/xdt/pkg/telemetry"
)

// Defaults for unit execution limits.
const (
	DefaultScriptMaxSteps  uint64 = 1_000_000
	DefaultScriptTimeout          = 10 * time.Second
	DefaultWasmMemoryPages uint32 = 256
	DefaultWasmTimeout            = 30 * time.Second
)

var validate = validator.New()

// Default returns a configuration with no sources.
func Default() *Config {
	return &Config{
		Script: ScriptConfig{
			MaxSteps: DefaultScriptMaxSteps,
			Timeout:  DefaultScriptTimeout,
		},
		Wasm: WasmConfig{
			MemoryLimitPages: DefaultWasmMemoryPages,
			Timeout:          DefaultWasmTimeout,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads, defaults, resolves and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg *Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = ParseYAML(data)
	case ".cue":
		cfg, err = ParseCUE(filepath.Base(path), data)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
	if err != nil {
		return nil, err
	}

	cfg.Path = path
	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseYAML decodes YAML over the defaults.
func ParseYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// ParseCUE evaluates CUE source against the #Config schema and decodes the
// result over the defaults. filename is used in error positions.
func ParseCUE(filename string, data []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", filename, formatCUEError(err))
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, formatCUEError(err))
	}

	// The YAML decoder handles durations given as strings; JSON is YAML.
	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", filename, err)
	}
	return ParseYAML(data)
}

// formatCUEError flattens a CUE error list into one error with positions.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := cueerrors.Details(e, nil)
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			msg = fmt.Sprintf("%s:%d:%d: %s", pos[0].Filename(), pos[0].Line(), pos[0].Column(), strings.TrimSpace(msg))
		}
		msgs = append(msgs, strings.TrimSpace(msg))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

func (c *Config) applyDefaults() {
	if c.Script.MaxSteps == 0 {
		c.Script.MaxSteps = DefaultScriptMaxSteps
	}
	if c.Script.Timeout == 0 {
		c.Script.Timeout = DefaultScriptTimeout
	}
	if c.Wasm.MemoryLimitPages == 0 {
		c.Wasm.MemoryLimitPages = DefaultWasmMemoryPages
	}
	if c.Wasm.Timeout == 0 {
		c.Wasm.Timeout = DefaultWasmTimeout
	}
	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
}

func (c *Config) resolvePaths(dir string) {
	c.RelativePathRoot = resolve(dir, c.RelativePathRoot)
	for i, p := range c.SearchPaths {
		c.SearchPaths[i] = resolve(dir, p)
	}
	c.Journal.Path = resolve(dir, c.Journal.Path)
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Validate checks struct constraints and the telemetry configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", formatValidationError(err))
	}
	if c.Script.Timeout < 0 || c.Wasm.Timeout < 0 {
		return fmt.Errorf("invalid config: timeouts must not be negative")
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("invalid telemetry config: %w", err)
		}
	}
	return nil
}

func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

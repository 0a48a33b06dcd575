package config

import (
	"time"

	"github.com/openfroyo/xdt/pkg/telemetry"
)

// Source kinds accepted in configuration.
const (
	SourceNamed = "named"
	SourcePath  = "path"
)

// Config is the configuration of an xdt session.
type Config struct {
	// RelativePathRoot is the path of the transform script. Path sources
	// resolve against its directory.
	RelativePathRoot string `yaml:"relative_path_root" json:"relative_path_root"`

	// SearchPaths are the directories named sources are looked up in.
	SearchPaths []string `yaml:"search_paths" json:"search_paths"`

	// Sources are registered in order after the built-in unit.
	Sources []SourceConfig `yaml:"sources" json:"sources" validate:"dive"`

	// Script configures Starlark units.
	Script ScriptConfig `yaml:"script" json:"script"`

	// Wasm configures WebAssembly units.
	Wasm WasmConfig `yaml:"wasm" json:"wasm"`

	// Journal configures the run journal.
	Journal JournalConfig `yaml:"journal" json:"journal"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry *telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Path is the file the configuration was loaded from.
	Path string `yaml:"-" json:"-"`
}

// SourceConfig describes one type source registration.
type SourceConfig struct {
	// Kind is named or path.
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=named path"`

	// Namespace qualifies the type names looked up in the source.
	Namespace string `yaml:"namespace" json:"namespace" validate:"required"`

	// Identifier names a library for named sources.
	Identifier string `yaml:"identifier,omitempty" json:"identifier,omitempty" validate:"required_if=Kind named"`

	// Path locates the unit for path sources.
	Path string `yaml:"path,omitempty" json:"path,omitempty" validate:"required_if=Kind path"`
}

// Location returns the identifier or path, whichever applies to the kind.
func (s SourceConfig) Location() string {
	if s.Kind == SourceNamed {
		return s.Identifier
	}
	return s.Path
}

// ScriptConfig limits Starlark execution.
type ScriptConfig struct {
	MaxSteps uint64                 `yaml:"max_steps" json:"max_steps"`
	Timeout  time.Duration          `yaml:"timeout" json:"timeout"`
	Params   map[string]interface{} `yaml:"params" json:"params"`
}

// WasmConfig limits WebAssembly execution.
type WasmConfig struct {
	MemoryLimitPages uint32        `yaml:"memory_limit_pages" json:"memory_limit_pages" validate:"lte=65536"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// JournalConfig configures the SQLite run journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path" validate:"required_if=Enabled true"`
}

package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Kinds of step a module export can implement.
const (
	KindTransform = "transform"
	KindLocator   = "locator"
)

// Metadata describes the module author and version.
type Metadata struct {
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version" validate:"required"`
	Author      string `yaml:"author,omitempty"`
	License     string `yaml:"license,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// TypeSpec binds a type name to a module export.
type TypeSpec struct {
	// Name is the type name without the namespace.
	Name string `yaml:"name" validate:"required"`

	// Kind is transform or locator.
	Kind string `yaml:"kind" validate:"required,oneof=transform locator"`

	// Export is the exported function implementing the step.
	Export string `yaml:"export" validate:"required"`
}

// Manifest is the YAML document that describes a WASM unit.
type Manifest struct {
	Metadata   Metadata   `yaml:"metadata"`
	Namespace  string     `yaml:"namespace" validate:"required"`
	Entrypoint string     `yaml:"entrypoint" validate:"required"`
	Checksum   string     `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`
	Types      []TypeSpec `yaml:"types" validate:"required,min=1,dive"`

	// Path is where the manifest was read from.
	Path string `yaml:"-"`

	// WasmPath is the resolved entrypoint.
	WasmPath string `yaml:"-"`

	// Verified is set once the module checksum has been checked.
	Verified bool `yaml:"-"`
}

var validate = validator.New()

// LoadManifest reads and validates a manifest file. The entrypoint is
// resolved relative to the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.Path = path

	if filepath.IsAbs(m.Entrypoint) {
		m.WasmPath = m.Entrypoint
	} else {
		m.WasmPath = filepath.Join(filepath.Dir(path), m.Entrypoint)
	}

	if _, err := os.Stat(m.WasmPath); err != nil {
		return nil, fmt.Errorf("WASM module not found at %s: %w", m.WasmPath, err)
	}

	return m, nil
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// Validate checks the manifest structure.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return err
	}

	seen := make(map[string]bool, len(m.Types))
	for _, t := range m.Types {
		if seen[t.Name] {
			return fmt.Errorf("type %s is declared more than once", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// VerifyChecksum compares the SHA-256 of module with the manifest checksum.
// A manifest without a checksum is accepted unverified.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}

	hash := sha256.Sum256(module)
	computed := hex.EncodeToString(hash[:])
	if computed != m.Checksum {
		return fmt.Errorf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, computed)
	}

	m.Verified = true
	return nil
}

// QualifiedName returns namespace + "." + name for a declared type.
func (m *Manifest) QualifiedName(t TypeSpec) string {
	return m.Namespace + "." + t.Name
}

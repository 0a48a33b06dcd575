// Package goplugin loads Go plugins built with -buildmode=plugin as code
// units. A plugin exports the symbol XdtUnit, either as a typesource.Unit
// variable or as a func() typesource.Unit.
package goplugin

import (
	"context"
	"fmt"
	"plugin"

	"github.com/openfroyo/xdt/pkg/typesource"
)

// Extension is the file extension handled by Loader.
const Extension = ".so"

// Symbol is the name every plugin must export.
const Symbol = "XdtUnit"

// Opener opens a plugin file. It is plugin.Open outside of tests.
type Opener func(path string) (Lookuper, error)

// Lookuper is the part of *plugin.Plugin the loader uses.
type Lookuper interface {
	Lookup(symName string) (plugin.Symbol, error)
}

// Loader loads .so files.
type Loader struct {
	open Opener
}

// NewLoader creates a loader backed by plugin.Open.
func NewLoader() *Loader {
	return &Loader{open: func(path string) (Lookuper, error) {
		return plugin.Open(path)
	}}
}

// NewLoaderWith creates a loader that opens plugins with open.
func NewLoaderWith(open Opener) *Loader {
	return &Loader{open: open}
}

// LoadPath implements typesource.PathLoader.
func (l *Loader) LoadPath(_ context.Context, path string) (typesource.Unit, error) {
	p, err := l.open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin: %w", err)
	}

	sym, err := p.Lookup(Symbol)
	if err != nil {
		return nil, fmt.Errorf("plugin %s does not export %s: %w", path, Symbol, err)
	}

	return unitFromSymbol(path, sym)
}

func unitFromSymbol(path string, sym plugin.Symbol) (typesource.Unit, error) {
	var unit typesource.Unit
	switch s := sym.(type) {
	case func() typesource.Unit:
		unit = s()
	case *typesource.Unit:
		// Exported variables are looked up as pointers.
		unit = *s
	case typesource.Unit:
		unit = s
	default:
		return nil, fmt.Errorf("plugin %s: %s has unsupported type %T", path, Symbol, sym)
	}

	if unit == nil {
		return nil, fmt.Errorf("plugin %s: %s is nil", path, Symbol)
	}
	return unit, nil
}

// Package script loads Starlark files as code units.
//
// A script must assign a string to the global namespace. Every callable
// global whose name starts with an upper-case letter becomes a locator type
// named namespace + "." + name. The function is called with the parent path
// and the list of arguments and must return the constructed path:
//
//	namespace = "acme"
//
//	def ByKey(parent, args):
//	    return parent + "[@key='" + args[0] + "']"
//
// An optional dict global metadata is exposed through Unit.Metadata.
package script

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/xdt/pkg/typesource"
	"github.com/openfroyo/xdt/pkg/xdt"
)

// Extension is the file extension handled by Loader.
const Extension = ".star"

const (
	// DefaultMaxSteps bounds the work a script may do at load and per call.
	DefaultMaxSteps uint64 = 1_000_000

	// DefaultTimeout bounds script execution at load.
	DefaultTimeout = 10 * time.Second
)

var locatorType = reflect.TypeFor[*Locator]()

// Loader loads .star files. The zero value is not usable; call NewLoader.
type Loader struct {
	// MaxSteps is the execution step limit for each thread.
	MaxSteps uint64

	// Timeout cancels the load after the given duration.
	Timeout time.Duration

	// Params are predeclared in every script under the name params.
	Params map[string]interface{}

	logger zerolog.Logger
}

// NewLoader creates a loader with default limits. print output from scripts
// is written to logger at debug level.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		MaxSteps: DefaultMaxSteps,
		Timeout:  DefaultTimeout,
		logger:   logger.With().Str("component", "script").Logger(),
	}
}

// LoadPath implements typesource.PathLoader.
func (l *Loader) LoadPath(ctx context.Context, path string) (typesource.Unit, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return l.Load(ctx, path, src)
}

// Load executes src once and collects the types it defines. filename is used
// for the unit name and in error positions.
func (l *Loader) Load(ctx context.Context, filename string, src []byte) (*Unit, error) {
	timeout := l.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	thread := l.newThread(filename)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	params, err := toStarlarkValue(l.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to convert params: %w", err)
	}
	predeclared["params"] = params

	globals, err := starlark.ExecFile(thread, filename, src, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	ns, ok := globals["namespace"].(starlark.String)
	if !ok || string(ns) == "" {
		return nil, fmt.Errorf("%s: global namespace must be a non-empty string", filename)
	}

	unit := &Unit{
		name:      filepath.Base(filename),
		namespace: string(ns),
		types:     make(map[string]*typesource.TypeDescriptor),
	}

	if raw, ok := globals["metadata"]; ok {
		md, err := fromStarlarkValue(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to convert metadata: %w", err)
		}
		m, ok := md.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: global metadata must be a dict, got %s", filename, raw.Type())
		}
		unit.metadata = m
	}

	for name, val := range globals {
		fn, ok := val.(starlark.Callable)
		if !ok || !exported(name) {
			continue
		}
		qualified := unit.namespace + "." + name
		unit.types[qualified] = &typesource.TypeDescriptor{
			Name: qualified,
			Type: locatorType,
			New:  l.locatorFactory(unit, name, fn),
		}
	}

	l.logger.Debug().
		Str("script", filename).
		Str("namespace", unit.namespace).
		Int("types", len(unit.types)).
		Msg("Script loaded")

	return unit, nil
}

func (l *Loader) locatorFactory(unit *Unit, name string, fn starlark.Callable) func() *Locator {
	return func() *Locator {
		return &Locator{
			name:   unit.namespace + "." + name,
			unit:   unit.name,
			fn:     fn,
			loader: l,
		}
	}
}

func (l *Loader) newThread(name string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: name,
		Print: func(t *starlark.Thread, msg string) {
			l.logger.Debug().Str("script", t.Name).Msg(msg)
		},
	}
	if l.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(l.MaxSteps)
	}
	return thread
}

func exported(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(r)
}

// Unit is a loaded script.
type Unit struct {
	name      string
	namespace string
	metadata  map[string]interface{}
	types     map[string]*typesource.TypeDescriptor
}

// Name implements typesource.Unit.
func (u *Unit) Name() string {
	return u.name
}

// Namespace returns the namespace the script declared.
func (u *Unit) Namespace() string {
	return u.namespace
}

// Metadata returns the script's metadata global, or nil.
func (u *Unit) Metadata() map[string]interface{} {
	return u.metadata
}

// LookupType implements typesource.Unit.
func (u *Unit) LookupType(qualifiedName string) (*typesource.TypeDescriptor, bool) {
	d, ok := u.types[qualifiedName]
	return d, ok
}

// TypeNames implements typesource.TypeLister.
func (u *Unit) TypeNames() []string {
	names := make([]string, 0, len(u.types))
	for name := range u.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Locator is an xdt.Locator implemented by a script function.
type Locator struct {
	name   string
	unit   string
	fn     starlark.Callable
	loader *Loader
}

var _ xdt.Locator = (*Locator)(nil)

// Name returns the qualified type name.
func (l *Locator) Name() string {
	return l.name
}

// ConstructPath implements xdt.Locator.
func (l *Locator) ConstructPath(parentPath string, arguments []string) (string, error) {
	args := make([]starlark.Value, len(arguments))
	for i, a := range arguments {
		args[i] = starlark.String(a)
	}

	thread := l.loader.newThread(l.unit)
	res, err := starlark.Call(thread, l.fn, starlark.Tuple{
		starlark.String(parentPath),
		starlark.NewList(args),
	}, nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w", l.name, err)
	}

	path, ok := res.(starlark.String)
	if !ok {
		return "", fmt.Errorf("%s: locator must return a string, got %s", l.name, res.Type())
	}
	return string(path), nil
}

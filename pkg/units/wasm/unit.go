// Package wasm loads WebAssembly modules described by a YAML manifest as
// code units.
//
// A manifest names the module, the namespace its types live in and one entry
// per type:
//
//	metadata:
//	  name: acme-steps
//	  version: 1.0.0
//	namespace: acme
//	entrypoint: acme.wasm
//	checksum: 3f1c...
//	types:
//	  - name: SetVersion
//	    kind: transform
//	    export: set_version
//	  - name: ByKey
//	    kind: locator
//	    export: by_key
//
// The module is compiled when the unit loads. Each constructed step gets its
// own module instance, which is closed when the step is released.
package wasm

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/xdt/pkg/services"
	"github.com/openfroyo/xdt/pkg/typesource"
	"github.com/openfroyo/xdt/pkg/xdt"
)

const (
	// DefaultTimeout bounds a single call into a module.
	DefaultTimeout = 30 * time.Second

	// DefaultMemoryLimitPages is 16MB in 64KB pages.
	DefaultMemoryLimitPages uint32 = 256
)

var (
	transformType = reflect.TypeFor[*Transform]()
	locatorType   = reflect.TypeFor[*Locator]()
)

// Loader loads manifest files into units.
type Loader struct {
	// Timeout bounds compiling a module and each call into it.
	Timeout time.Duration

	// MemoryLimitPages is the maximum memory of each instance.
	MemoryLimitPages uint32

	logger zerolog.Logger
}

// NewLoader creates a loader with default limits.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		Timeout:          DefaultTimeout,
		MemoryLimitPages: DefaultMemoryLimitPages,
		logger:           logger.With().Str("component", "wasm").Logger(),
	}
}

// LoadPath implements typesource.PathLoader. path is the manifest.
func (l *Loader) LoadPath(ctx context.Context, path string) (typesource.Unit, error) {
	manifest, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}

	module, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}

	return l.Load(ctx, manifest, module)
}

// Load verifies and compiles module and returns a unit defining the
// manifest's types.
func (l *Loader) Load(ctx context.Context, manifest *Manifest, module []byte) (*Unit, error) {
	if err := manifest.VerifyChecksum(module); err != nil {
		return nil, err
	}

	memoryLimit := l.MemoryLimitPages
	if memoryLimit == 0 {
		memoryLimit = DefaultMemoryLimitPages
	}
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryLimit).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := l.instantiateHostModule(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	compiled, err := l.compile(ctx, runtime, module)
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	unit := &Unit{
		name:     manifest.Metadata.Name,
		manifest: manifest,
		runtime:  runtime,
		compiled: compiled,
		timeout:  l.Timeout,
		logger:   l.logger.With().Str("unit", manifest.Metadata.Name).Logger(),
		types:    make(map[string]*typesource.TypeDescriptor, len(manifest.Types)),
	}
	if unit.timeout == 0 {
		unit.timeout = DefaultTimeout
	}

	for _, spec := range manifest.Types {
		name := manifest.QualifiedName(spec)
		unit.types[name] = unit.descriptor(name, spec)
	}

	l.logger.Debug().
		Str("unit", unit.name).
		Str("namespace", manifest.Namespace).
		Bool("verified", manifest.Verified).
		Int("types", len(unit.types)).
		Msg("WASM module compiled")

	return unit, nil
}

// compile compiles module, giving up after Timeout or when ctx is done.
// wazero does not observe ctx while compiling; an abandoned compile finishes
// in the background.
func (l *Loader) compile(ctx context.Context, runtime wazero.Runtime, module []byte) (wazero.CompiledModule, error) {
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		compiled wazero.CompiledModule
		err      error
	}
	done := make(chan result, 1)
	go func() {
		compiled, err := runtime.CompileModule(ctx, module)
		done <- result{compiled: compiled, err: err}
	}()

	select {
	case r := <-done:
		return r.compiled, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type logSinkKey struct{}

// instantiateHostModule registers the env module. env.log(ptr, len) writes a
// message to the logger bound to the calling step, or to the loader's logger.
func (l *Loader) instantiateHostModule(ctx context.Context, runtime wazero.Runtime) error {
	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {
			memory := mod.ExportedMemory("memory")
			if memory == nil {
				l.logger.Warn().Str("module", mod.Name()).Msg("env.log called by a module without memory")
				return
			}
			msg, ok := memory.Read(ptr, length)
			if !ok {
				l.logger.Warn().Msg("env.log called with an out of range buffer")
				return
			}
			if sink, ok := ctx.Value(logSinkKey{}).(xdt.Logger); ok && sink != nil {
				sink.LogMessage(xdt.MessageNormal, "%s", string(msg))
				return
			}
			l.logger.Info().Str("module", mod.Name()).Msg(string(msg))
		}).
		Export("log").
		Instantiate(ctx)
	return err
}

// Unit is a compiled WASM module.
type Unit struct {
	name     string
	manifest *Manifest
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	timeout  time.Duration
	logger   zerolog.Logger
	types    map[string]*typesource.TypeDescriptor
}

// Name implements typesource.Unit.
func (u *Unit) Name() string {
	return u.name
}

// Manifest returns the manifest the unit was loaded from.
func (u *Unit) Manifest() *Manifest {
	return u.manifest
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

// Close releases the compiled module and the runtime. Instances still open
// are closed with it.
func (u *Unit) Close(ctx context.Context) error {
	if err := u.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

func (u *Unit) descriptor(name string, spec TypeSpec) *typesource.TypeDescriptor {
	switch spec.Kind {
	case KindLocator:
		return &typesource.TypeDescriptor{
			Name: name,
			Type: locatorType,
			New: func() (*Locator, error) {
				inst, err := u.instantiate(name, spec.Export)
				if err != nil {
					return nil, err
				}
				return &Locator{instance: inst}, nil
			},
		}
	default:
		return &typesource.TypeDescriptor{
			Name: name,
			Type: transformType,
			New: func() (*Transform, error) {
				inst, err := u.instantiate(name, spec.Export)
				if err != nil {
					return nil, err
				}
				return &Transform{instance: inst}, nil
			},
		}
	}
}

// instantiate creates a fresh, anonymous module instance bound to export.
func (u *Unit) instantiate(name, export string) (*instance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()

	config := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")

	mod, err := u.runtime.InstantiateModule(ctx, u.compiled, config)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	b, err := newBridge(mod, u.logger)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}

	fn, err := b.export(export)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, err
	}

	return &instance{
		name:    name,
		bridge:  b,
		fn:      fn,
		timeout: u.timeout,
	}, nil
}

type instance struct {
	name    string
	bridge  *bridge
	fn      api.Function
	timeout time.Duration
	logger  xdt.Logger
}

func (i *instance) invoke(ctx context.Context, req, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()
	if i.logger != nil {
		ctx = context.WithValue(ctx, logSinkKey{}, i.logger)
	}
	if err := i.bridge.invoke(ctx, i.fn, req, resp); err != nil {
		return fmt.Errorf("%s: %w", i.name, err)
	}
	return nil
}

// Close closes the module instance.
func (i *instance) Close(ctx context.Context) error {
	return i.bridge.module.Close(ctx)
}

// BindServices picks up the logger of the current run.
func (i *instance) BindServices(lookup services.Lookup) error {
	if logger, ok := services.Get[xdt.Logger](lookup, xdt.KeyLogger); ok {
		i.logger = logger
	}
	return nil
}

type node struct {
	Name string `json:"name"`
}

type transformRequest struct {
	Targets   []node   `json:"targets"`
	Arguments []string `json:"arguments"`
}

type transformResponse struct {
	Error string `json:"error,omitempty"`
}

// Transform is an xdt.Transform implemented by a module export.
type Transform struct {
	*instance
}

var (
	_ xdt.Transform       = (*Transform)(nil)
	_ xdt.ServiceConsumer = (*Transform)(nil)
)

// Apply implements xdt.Transform.
func (t *Transform) Apply(ctx context.Context, targets []xdt.Node, arguments []string) error {
	req := transformRequest{
		Targets:   make([]node, len(targets)),
		Arguments: arguments,
	}
	for i, target := range targets {
		req.Targets[i] = node{Name: target.Name()}
	}
	if req.Arguments == nil {
		req.Arguments = []string{}
	}

	var resp transformResponse
	if err := t.invoke(ctx, req, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s: %s", t.name, resp.Error)
	}
	return nil
}

type locatorRequest struct {
	ParentPath string   `json:"parent_path"`
	Arguments  []string `json:"arguments"`
}

type locatorResponse struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

// Locator is an xdt.Locator implemented by a module export.
type Locator struct {
	*instance
}

var (
	_ xdt.Locator         = (*Locator)(nil)
	_ xdt.ServiceConsumer = (*Locator)(nil)
)

// ConstructPath implements xdt.Locator.
func (l *Locator) ConstructPath(parentPath string, arguments []string) (string, error) {
	if arguments == nil {
		arguments = []string{}
	}

	var resp locatorResponse
	if err := l.invoke(context.Background(), locatorRequest{ParentPath: parentPath, Arguments: arguments}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("%s: %s", l.name, resp.Error)
	}
	return resp.Path, nil
}

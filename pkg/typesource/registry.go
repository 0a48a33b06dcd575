package typesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"
)

// SourceKind identifies how a registration obtains its unit.
type SourceKind string

const (
	// SourceInMemory is a unit handed to the registry already loaded.
	SourceInMemory SourceKind = "in-memory"

	// SourceNamed is a unit loaded by library identifier.
	SourceNamed SourceKind = "named"

	// SourcePath is a unit loaded from a file system path.
	SourcePath SourceKind = "path"
)

// LoadState is the lifecycle state of a registration's unit.
type LoadState string

const (
	// StatePending means the unit has not been needed yet.
	StatePending LoadState = "pending"

	// StateLoaded means the unit is available for lookups.
	StateLoaded LoadState = "loaded"

	// StateFailed means the load was attempted and failed. The registration is
	// skipped by every later lookup.
	StateFailed LoadState = "failed"
)

// SourceInfo is a snapshot of one registration.
type SourceInfo struct {
	Index     int        `json:"index"`
	Kind      SourceKind `json:"kind"`
	Namespace string     `json:"namespace"`
	Location  string     `json:"location"`
	State     LoadState  `json:"state"`
	Err       error      `json:"-"`

	// Unit is set once the source has loaded.
	Unit Unit `json:"-"`
}

// String renders the registration for logs and error messages.
func (s SourceInfo) String() string {
	return fmt.Sprintf("%s:%s@%s", s.Kind, s.Namespace, s.Location)
}

// LoadHook is invoked once per load attempt with the resulting source state.
type LoadHook func(info SourceInfo)

// Config configures a Registry.
type Config struct {
	// RelativePathRoot is the path of the transform script. Relative path
	// sources resolve against the directory that contains it.
	RelativePathRoot string

	// Builtin, when set, becomes the first registration under BuiltinNamespace.
	Builtin          Unit
	BuiltinNamespace string

	// NamedLoader loads SourceNamed registrations.
	NamedLoader NamedLoader

	// PathLoader loads SourcePath registrations.
	PathLoader PathLoader

	// Logger receives load diagnostics. The zero value discards them.
	Logger *zerolog.Logger

	// OnLoad is called after every load attempt.
	OnLoad LoadHook
}

type registration struct {
	kind      SourceKind
	namespace string
	location  string
	unit      Unit
	state     LoadState
	err       error
}

// ErrClosed is returned by lookups on a closed registry.
var ErrClosed = errors.New("registry closed")

// Registry resolves symbolic type names across an ordered list of sources and
// constructs instances of the resolved types.
//
// A Registry is not safe for concurrent use. Callers that share one across
// goroutines must serialise access.
type Registry struct {
	root   string
	named  NamedLoader
	paths  PathLoader
	logger zerolog.Logger
	onLoad LoadHook
	regs   []*registration
	closed bool
}

// NewRegistry creates a registry. When cfg.Builtin is set it is registered first.
func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		root:   cfg.RelativePathRoot,
		named:  cfg.NamedLoader,
		paths:  cfg.PathLoader,
		logger: zerolog.Nop(),
		onLoad: cfg.OnLoad,
	}
	if cfg.Logger != nil {
		r.logger = cfg.Logger.With().Str("component", "typesource").Logger()
	}
	if cfg.Builtin != nil {
		r.AddInMemorySource(cfg.Builtin, cfg.BuiltinNamespace)
	}
	return r
}

// RelativePathRoot returns the configured relative path root.
func (r *Registry) RelativePathRoot() string {
	return r.root
}

// AddInMemorySource appends an already loaded unit.
func (r *Registry) AddInMemorySource(unit Unit, namespace string) {
	reg := &registration{
		kind:      SourceInMemory,
		namespace: namespace,
		unit:      unit,
		state:     StateLoaded,
	}
	if unit != nil {
		reg.location = unit.Name()
	} else {
		reg.state = StateFailed
		reg.err = errors.New("nil unit")
	}
	r.regs = append(r.regs, reg)
}

// AddNamedSource appends a unit identified by a library identifier. The unit
// is loaded the first time a lookup reaches it.
func (r *Registry) AddNamedSource(identifier, namespace string) {
	r.regs = append(r.regs, &registration{
		kind:      SourceNamed,
		namespace: namespace,
		location:  identifier,
		state:     StatePending,
	})
}

// AddPathSource appends a unit loaded from path. A relative path is resolved
// against the directory of the relative path root at registration time. The
// unit is loaded the first time a lookup reaches it.
func (r *Registry) AddPathSource(path, namespace string) {
	r.regs = append(r.regs, &registration{
		kind:      SourcePath,
		namespace: namespace,
		location:  r.resolvePath(path),
		state:     StatePending,
	})
}

func (r *Registry) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(r.root), path)
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	return len(r.regs)
}

// Sources returns a snapshot of every registration in order.
func (r *Registry) Sources() []SourceInfo {
	infos := make([]SourceInfo, len(r.regs))
	for i, reg := range r.regs {
		infos[i] = r.info(i, reg)
	}
	return infos
}

func (r *Registry) info(i int, reg *registration) SourceInfo {
	return SourceInfo{
		Index:     i,
		Kind:      reg.kind,
		Namespace: reg.namespace,
		Location:  reg.location,
		State:     reg.state,
		Err:       reg.err,
		Unit:      reg.unit,
	}
}

// ensureLoaded makes the single load attempt for a pending registration and
// reports whether the registration is usable.
func (r *Registry) ensureLoaded(ctx context.Context, i int, reg *registration) bool {
	switch reg.state {
	case StateLoaded:
		return true
	case StateFailed:
		return false
	}

	unit, err := r.load(context.WithoutCancel(ctx), reg)
	if err == nil && unit == nil {
		err = errors.New("loader returned no unit")
	}

	if err != nil {
		reg.state = StateFailed
		reg.err = (&Error{
			Kind:    KindSourceLoadFailure,
			Message: "failed to load source",
			Source:  r.info(i, reg).String(),
		}).WithCause(err)
		r.logger.Warn().
			Err(err).
			Str("kind", string(reg.kind)).
			Str("namespace", reg.namespace).
			Str("location", reg.location).
			Msg("Source failed to load and will be skipped")
	} else {
		reg.unit = unit
		reg.state = StateLoaded
		r.logger.Debug().
			Str("kind", string(reg.kind)).
			Str("namespace", reg.namespace).
			Str("location", reg.location).
			Str("unit", unit.Name()).
			Msg("Source loaded")
	}

	if r.onLoad != nil {
		r.onLoad(r.info(i, reg))
	}
	return reg.state == StateLoaded
}

func (r *Registry) load(ctx context.Context, reg *registration) (unit Unit, err error) {
	defer func() {
		if p := recover(); p != nil {
			unit, err = nil, fmt.Errorf("loader panicked: %v", p)
		}
	}()

	switch reg.kind {
	case SourceNamed:
		if r.named == nil {
			return nil, errors.New("no named loader configured")
		}
		return r.named.LoadNamed(ctx, reg.location)
	case SourcePath:
		if r.paths == nil {
			return nil, errors.New("no path loader configured")
		}
		return r.paths.LoadPath(ctx, reg.location)
	default:
		return nil, fmt.Errorf("unsupported source kind %q", reg.kind)
	}
}

// Resolve returns the single descriptor defining typeName across all valid
// sources, loading pending sources on the way.
func (r *Registry) Resolve(ctx context.Context, typeName string) (*TypeDescriptor, error) {
	if r.closed {
		return nil, ErrClosed
	}

	var (
		found    *TypeDescriptor
		foundAt  int
		failures []error
	)

	for i, reg := range r.regs {
		if !r.ensureLoaded(ctx, i, reg) {
			if reg.err != nil {
				failures = append(failures, reg.err)
			}
			continue
		}

		desc, ok := reg.unit.LookupType(reg.namespace + "." + typeName)
		if !ok || desc == nil {
			continue
		}

		if found == nil {
			found, foundAt = desc, i
			continue
		}
		if sameType(found, desc) {
			continue
		}

		return nil, newError(KindAmbiguousTypeMatch, typeName,
			"type name matches more than one source").
			WithSource(fmt.Sprintf("%s, %s", r.info(foundAt, r.regs[foundAt]), r.info(i, reg)))
	}

	if found == nil {
		// Sources that failed to load may have defined the name.
		e := newError(KindUnknownTypeName, typeName, "no source defines type name")
		if len(failures) > 0 {
			e.WithCause(errors.Join(failures...))
		}
		return nil, e
	}
	return found, nil
}

// sameType reports whether two descriptors denote the same concrete type.
func sameType(a, b *TypeDescriptor) bool {
	if a == b {
		return true
	}
	return a.New == nil && b.New == nil && a.Type != nil && a.Type == b.Type
}

// LoadAll forces the load attempt of every pending registration and returns
// the load failures, joined.
func (r *Registry) LoadAll(ctx context.Context) error {
	if r.closed {
		return ErrClosed
	}
	var errs []error
	for i, reg := range r.regs {
		if !r.ensureLoaded(ctx, i, reg) && reg.err != nil {
			errs = append(errs, reg.err)
		}
	}
	return errors.Join(errs...)
}

// Close releases every loaded unit that holds resources. Failures are
// aggregated. Close is idempotent; later lookups fail with ErrClosed.
func (r *Registry) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for i := len(r.regs) - 1; i >= 0; i-- {
		reg := r.regs[i]
		if reg.kind == SourceInMemory || reg.state != StateLoaded {
			continue
		}
		if err := closeUnit(ctx, reg.unit); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.info(i, reg), err))
		}
	}
	return errors.Join(errs...)
}

func closeUnit(ctx context.Context, unit Unit) error {
	switch u := unit.(type) {
	case interface{ Close(context.Context) error }:
		return u.Close(ctx)
	case io.Closer:
		return u.Close()
	}
	return nil
}

// Package session is the boundary an orchestrator uses to construct steps by
// name and to run them with a scoped set of capabilities.
//
// A Session owns the type source registry of one transform script. Each call
// to Run creates a fresh capability container and tears it down when the run
// returns. Sessions record constructions and runs through telemetry and,
// when configured, in the SQLite run journal.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/openfroyo/xdt/pkg/builtin"
	"github.com/openfroyo/xdt/pkg/config"
	"github.com/openfroyo/xdt/pkg/stores"
	"github.com/openfroyo/xdt/pkg/telemetry"
	"github.com/openfroyo/xdt/pkg/typesource"
	"github.com/openfroyo/xdt/pkg/units/goplugin"
	"github.com/openfroyo/xdt/pkg/units/script"
	"github.com/openfroyo/xdt/pkg/units/wasm"
)

// Option customises Open.
type Option func(*options)

type options struct {
	telemetry *telemetry.Telemetry
	journal   stores.Store
	units     []inMemoryUnit
	catalog   map[string]typesource.Unit
}

type inMemoryUnit struct {
	unit      typesource.Unit
	namespace string
}

// WithTelemetry uses t instead of building telemetry from the configuration.
// The session does not shut it down.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

// WithJournal records runs in store instead of the configured journal. The
// session does not close it.
func WithJournal(store stores.Store) Option {
	return func(o *options) { o.journal = store }
}

// WithUnit registers an in-memory unit after the configured sources.
func WithUnit(unit typesource.Unit, namespace string) Option {
	return func(o *options) {
		o.units = append(o.units, inMemoryUnit{unit: unit, namespace: namespace})
	}
}

// WithLibrary makes unit available to named sources under identifier.
func WithLibrary(identifier string, unit typesource.Unit) Option {
	return func(o *options) {
		if o.catalog == nil {
			o.catalog = make(map[string]typesource.Unit)
		}
		o.catalog[identifier] = unit
	}
}

// Session serialises access to one registry.
type Session struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	registry *typesource.Registry
	catalog  *typesource.Catalog
	journal  stores.Store

	ownsTelemetry bool
	ownsJournal   bool
	journalClosed atomic.Bool

	mu     sync.Mutex
	closed bool
}

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session closed")

// Open builds the registry described by cfg. The built-in unit is always the
// first source. A nil cfg is config.Default().
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	s := &Session{cfg: cfg, tel: o.telemetry, journal: o.journal}

	if s.tel == nil {
		telCfg := cfg.Telemetry
		if telCfg == nil {
			telCfg = telemetry.DefaultConfig()
		}
		tel, err := telemetry.NewTelemetry(telCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		s.tel = tel
		s.ownsTelemetry = true
	}
	s.logger = s.tel.Logger.NewComponentLogger("session")

	if s.journal == nil && cfg.Journal.Enabled {
		store, err := stores.Open(ctx, stores.Config{Path: cfg.Journal.Path})
		if err != nil {
			_ = s.shutdownTelemetry(ctx)
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		s.journal = store
		s.ownsJournal = true
	}
	if s.journal != nil {
		s.tel.Events.Subscribe(s.writeJournal, nil)
	}

	zl := s.tel.Logger.Zerolog()
	paths := s.pathLoader(*zl)

	s.catalog = typesource.NewCatalog(paths, cfg.SearchPaths...)
	for id, unit := range o.catalog {
		s.catalog.Register(id, unit)
	}

	s.registry = typesource.NewRegistry(typesource.Config{
		RelativePathRoot: cfg.RelativePathRoot,
		Builtin:          builtin.Unit(),
		BuiltinNamespace: builtin.Namespace,
		NamedLoader:      s.catalog,
		PathLoader:       paths,
		Logger:           zl,
		OnLoad:           s.onLoad,
	})

	for _, src := range cfg.Sources {
		switch src.Kind {
		case config.SourceNamed:
			s.registry.AddNamedSource(src.Identifier, src.Namespace)
		case config.SourcePath:
			s.registry.AddPathSource(src.Path, src.Namespace)
		default:
			_ = s.Close(ctx)
			return nil, fmt.Errorf("unsupported source kind %q", src.Kind)
		}
	}
	for _, u := range o.units {
		s.registry.AddInMemorySource(u.unit, u.namespace)
	}

	s.logger.WithFields(map[string]interface{}{
		"sources":            s.registry.Len(),
		"relative_path_root": cfg.RelativePathRoot,
	}).Debug("Session opened")

	return s, nil
}

// pathLoader dispatches path sources on their extension.
func (s *Session) pathLoader(zl zerolog.Logger) typesource.ExtensionLoader {
	scripts := script.NewLoader(zl)
	scripts.MaxSteps = s.cfg.Script.MaxSteps
	scripts.Timeout = s.cfg.Script.Timeout
	scripts.Params = s.cfg.Script.Params

	modules := wasm.NewLoader(zl)
	modules.MemoryLimitPages = s.cfg.Wasm.MemoryLimitPages
	modules.Timeout = s.cfg.Wasm.Timeout

	plugins := goplugin.NewLoader()

	return typesource.ExtensionLoader{
		script.Extension:   scripts,
		".yaml":            modules,
		".yml":             modules,
		goplugin.Extension: plugins,
	}
}

func (s *Session) onLoad(info typesource.SourceInfo) {
	outcome := telemetry.OutcomeOK
	if info.Err != nil {
		outcome = string(typesource.KindSourceLoadFailure)
	}
	s.tel.Metrics.RecordUnitLoad(string(info.Kind), outcome)
	if err := s.tel.Events.PublishSourceLoad(info.String(), info.Err); err != nil {
		s.logger.WithError(err).Warn("Failed to publish source load event")
	}
}

// writeJournal persists an event. It runs on the publisher's delivery path.
func (s *Session) writeJournal(event telemetry.Event) {
	if s.journalClosed.Load() {
		return
	}

	entry := &stores.Event{
		Type:      event.Type,
		Level:     stores.EventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp.UTC(),
	}
	if event.RunID != "" {
		runID := event.RunID
		entry.RunID = &runID
	}
	if len(event.Data) > 0 {
		data, err := json.Marshal(event.Data)
		if err == nil {
			details := string(data)
			entry.Details = &details
		}
	}

	if err := s.journal.AppendEvent(context.Background(), entry); err != nil {
		s.logger.WithError(err).WithField("event", event.Type).Warn("Failed to journal event")
	}
}

// Registry returns the underlying registry. Callers must not use it
// concurrently with the session.
func (s *Session) Registry() *typesource.Registry {
	return s.registry
}

// Telemetry returns the session telemetry.
func (s *Session) Telemetry() *telemetry.Telemetry {
	return s.tel
}

// Journal returns the run journal, or nil.
func (s *Session) Journal() stores.Store {
	return s.journal
}

// Sources returns a snapshot of the registrations.
func (s *Session) Sources() []typesource.SourceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Sources()
}

// LoadAll attempts to load every pending source and returns the failures.
func (s *Session) LoadAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.registry.LoadAll(ctx)
}

// ConstructAs constructs typeName and checks it against base. A nil base
// skips the check. An empty name yields nil and no error.
func (s *Session) ConstructAs(ctx context.Context, typeName string, base reflect.Type) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.construct(ctx, "", typeName, base)
}

// Construct is ConstructAs with the base given by T.
func Construct[T any](ctx context.Context, s *Session, typeName string) (T, error) {
	var zero T
	v, err := s.ConstructAs(ctx, typeName, reflect.TypeFor[T]())
	if err != nil || v == nil {
		return zero, err
	}
	return v.(T), nil
}

func (s *Session) construct(ctx context.Context, runID, typeName string, base reflect.Type) (any, error) {
	if typeName == "" {
		return nil, nil
	}

	baseName := "any"
	if base != nil {
		baseName = base.String()
	}

	ctx, span := s.tel.Tracer.StartConstructSpan(ctx, typeName, baseName)
	defer span.End()
	timer := telemetry.NewTimer()

	v, err := s.registry.ConstructAs(ctx, typeName, base)
	if err != nil {
		kind := string(typesource.KindOf(err))
		s.tel.Metrics.RecordConstruct(baseName, kind, timer.Duration())
		span.SetAttributes(telemetry.AttrErrorKind.String(kind))
		telemetry.RecordError(span, err)
		if pubErr := s.tel.Events.PublishConstructFailed(runID, typeName, kind, err.Error()); pubErr != nil {
			s.logger.WithError(pubErr).Warn("Failed to publish construct event")
		}
		s.logger.WithTypeName(typeName).WithError(err).Debug("Construction failed")
		return nil, err
	}

	s.tel.Metrics.RecordConstruct(baseName, telemetry.OutcomeOK, timer.Duration())
	telemetry.RecordSuccess(span)
	if pubErr := s.tel.Events.PublishConstructed(runID, typeName, baseName); pubErr != nil {
		s.logger.WithError(pubErr).Warn("Failed to publish construct event")
	}
	return v, nil
}

// Close releases loaded units, then the journal and telemetry the session
// created. Close is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.registry != nil {
		if err := s.registry.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sources: %w", err))
		}
	}
	if err := s.shutdownTelemetry(ctx); err != nil {
		errs = append(errs, err)
	}

	s.journalClosed.Store(true)
	if s.ownsJournal {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (s *Session) shutdownTelemetry(ctx context.Context) error {
	if !s.ownsTelemetry {
		return nil
	}
	if err := s.tel.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down telemetry: %w", err)
	}
	return nil
}

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/xdt/pkg/builtin"
	"github.com/openfroyo/xdt/pkg/config"
	"github.com/openfroyo/xdt/pkg/services"
	"github.com/openfroyo/xdt/pkg/stores"
	"github.com/openfroyo/xdt/pkg/telemetry"
	"github.com/openfroyo/xdt/pkg/typesource"
	"github.com/openfroyo/xdt/pkg/xdt"
)

// setupSession opens a session without telemetry output.
func setupSession(t *testing.T, cfg *config.Config, opts ...Option) *Session {
	t.Helper()

	opts = append([]Option{WithTelemetry(telemetry.NewNop())}, opts...)
	s, err := Open(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("Failed to open session: %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// recordingTelemetry delivers events synchronously so tests can observe them.
func recordingTelemetry(t *testing.T) (*telemetry.Telemetry, *[]telemetry.Event) {
	t.Helper()

	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false
	tel, err := telemetry.NewTelemetryWithLogger(cfg, telemetry.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create telemetry: %v", err)
	}

	var events []telemetry.Event
	tel.Events.Subscribe(func(e telemetry.Event) { events = append(events, e) }, nil)
	return tel, &events
}

type otherLogger struct{}

func (otherLogger) LogMessage(xdt.MessageType, string, ...any)   {}
func (otherLogger) LogWarning(string, ...any)                    {}
func (otherLogger) LogError(error)                               {}
func (otherLogger) StartSection(xdt.MessageType, string, ...any) {}
func (otherLogger) EndSection(xdt.MessageType, string, ...any)   {}

type releasable struct {
	closed int
	err    error
}

func (r *releasable) Close() error {
	r.closed++
	return r.err
}

func TestBuiltinDocument(t *testing.T) {
	s := setupSession(t, nil)

	doc, err := Construct[xdt.Document](context.Background(), s, "XmlFileInfoDocument")
	if err != nil {
		t.Fatalf("Failed to construct document: %v", err)
	}
	if _, ok := doc.(*builtin.XmlFileInfoDocument); !ok {
		t.Errorf("expected *builtin.XmlFileInfoDocument, got %T", doc)
	}

	sources := s.Sources()
	if len(sources) != 1 || sources[0].Namespace != builtin.Namespace {
		t.Errorf("expected only the built-in source, got %v", sources)
	}
}

func TestAmbiguousAcrossSources(t *testing.T) {
	unit := typesource.NewStaticUnit("acme").Add("xdt.Logger", otherLogger{})
	s := setupSession(t, nil, WithUnit(unit, "xdt"))

	_, err := Construct[xdt.Logger](context.Background(), s, "Logger")
	if !typesource.IsAmbiguousTypeMatch(err) {
		t.Fatalf("expected AmbiguousTypeMatch, got %v", err)
	}
}

func TestConstructErrors(t *testing.T) {
	s := setupSession(t, nil)
	ctx := context.Background()

	t.Run("EmptyName", func(t *testing.T) {
		v, err := Construct[xdt.Locator](ctx, s, "")
		if err != nil || v != nil {
			t.Errorf("expected nil instance and no error, got %v, %v", v, err)
		}
	})

	t.Run("Unknown", func(t *testing.T) {
		if _, err := Construct[xdt.Locator](ctx, s, "Missing"); !typesource.IsUnknownTypeName(err) {
			t.Errorf("expected UnknownTypeName, got %v", err)
		}
	})

	t.Run("WrongBase", func(t *testing.T) {
		if _, err := Construct[xdt.Transform](ctx, s, "Condition"); !typesource.IsIncorrectBaseType(err) {
			t.Errorf("expected IncorrectBaseType, got %v", err)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		closed := setupSession(t, nil)
		if err := closed.Close(ctx); err != nil {
			t.Fatalf("Failed to close session: %v", err)
		}
		if _, err := Construct[xdt.Locator](ctx, closed, "Condition"); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		if err := closed.Run(ctx, func(context.Context, *Run) error { return nil }); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		if err := closed.Close(ctx); err != nil {
			t.Errorf("expected second close to be a no-op, got %v", err)
		}
	})
}

func TestCapabilityOwnershipTransfer(t *testing.T) {
	s := setupSession(t, nil)
	logger := &releasable{}

	err := s.Run(context.Background(), func(ctx context.Context, run *Run) error {
		if err := run.Services.Register("ILogger", logger); err != nil {
			return err
		}
		got, ok := run.Services.Lookup("ILogger")
		if !ok || got != logger {
			t.Errorf("expected registered logger, got %v", got)
		}
		if _, ok := run.Services.Unregister("ILogger"); !ok {
			t.Error("expected unregister to find the logger")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if logger.closed != 0 {
		t.Errorf("expected unregistered capability not to be released, released %d times", logger.closed)
	}
}

func TestRunBindsCapabilities(t *testing.T) {
	s := setupSession(t, nil)
	element := &xdt.SimpleNode{Tag: "add", Attrs: map[string]string{"key": "Mode"}}

	err := s.Run(context.Background(), func(ctx context.Context, run *Run) error {
		if _, err := ConstructIn[xdt.Locator](ctx, run, "Match"); !errors.Is(err, builtin.ErrNoCurrentElement) {
			t.Errorf("expected missing current element, got %v", err)
		}

		run.Services.MustRegister(xdt.KeyCurrentElement, xdt.StaticElement{Element: element})
		loc, err := ConstructIn[xdt.Locator](ctx, run, "Match")
		if err != nil {
			return err
		}
		path, err := loc.ConstructPath("/configuration/appSettings/add", []string{"key"})
		if err != nil {
			return err
		}
		if want := "/configuration/appSettings/add[@key='Mode']"; path != want {
			t.Errorf("expected %s, got %s", want, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestRunTeardown(t *testing.T) {
	tel, events := recordingTelemetry(t)
	s := setupSession(t, nil, WithTelemetry(tel))

	first := &releasable{}
	failing := &releasable{err: errors.New("flush failed")}
	fnErr := errors.New("transform failed")

	err := s.Run(context.Background(), func(ctx context.Context, run *Run) error {
		run.Services.MustRegister("first", first)
		run.Services.MustRegister("failing", failing)
		return fnErr
	})

	if !errors.Is(err, fnErr) {
		t.Errorf("expected run error to be kept, got %v", err)
	}
	var teardown *services.TeardownError
	if !errors.As(err, &teardown) || len(teardown.Failures) != 1 {
		t.Fatalf("expected one release failure, got %v", err)
	}
	if first.closed != 1 || failing.closed != 1 {
		t.Errorf("expected each capability released once, got %d and %d", first.closed, failing.closed)
	}

	var types []string
	for _, e := range *events {
		types = append(types, e.Type)
	}
	got := strings.Join(types, ",")
	want := strings.Join([]string{
		telemetry.EventTypeRunStarted,
		telemetry.EventTypeTeardownFailed,
		telemetry.EventTypeRunFailed,
	}, ",")
	if got != want {
		t.Errorf("expected events %s, got %s", want, got)
	}
}

func TestRunPanicReleasesCapabilities(t *testing.T) {
	s := setupSession(t, nil)
	capability := &releasable{}

	defer func() {
		if recover() == nil {
			t.Error("expected panic to propagate")
		}
		if capability.closed != 1 {
			t.Errorf("expected capability released once, got %d", capability.closed)
		}
	}()

	_ = s.Run(context.Background(), func(ctx context.Context, run *Run) error {
		run.Services.MustRegister("cap", capability)
		panic("boom")
	})
}

func TestJournal(t *testing.T) {
	tel, _ := recordingTelemetry(t)
	cfg := config.Default()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.RelativePathRoot = "/srv/site/web.release.xdt"

	s := setupSession(t, cfg, WithTelemetry(tel))
	ctx := context.Background()

	var runID string
	err := s.Run(ctx, func(ctx context.Context, run *Run) error {
		runID = run.ID
		if _, err := ConstructIn[xdt.Locator](ctx, run, "Condition"); err != nil {
			return err
		}
		if _, err := ConstructIn[xdt.Locator](ctx, run, "Missing"); !typesource.IsUnknownTypeName(err) {
			t.Errorf("expected UnknownTypeName, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	journal := s.Journal()
	record, err := journal.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("Failed to get run: %v", err)
	}
	if record.Status != stores.RunStatusCompleted || record.ScriptPath != cfg.RelativePathRoot {
		t.Errorf("unexpected run record %+v", record)
	}

	entries, err := journal.ListEvents(ctx, stores.EventFilter{RunID: runID}, 100, 0)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	var types []string
	for _, e := range entries {
		types = append(types, e.Type)
	}
	want := []string{
		telemetry.EventTypeRunStarted,
		telemetry.EventTypeTypeConstructed,
		telemetry.EventTypeConstructFailed,
		telemetry.EventTypeRunCompleted,
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("expected journal events %v, got %v", want, types)
	}
	if entries[2].Level != stores.EventLevelError || entries[2].Details == nil {
		t.Errorf("expected failed construction with details, got %+v", entries[2])
	}
}

func TestConfiguredSources(t *testing.T) {
	dir := t.TempDir()
	units := filepath.Join(dir, "units")
	if err := os.Mkdir(units, 0o700); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	keySrc := "namespace = \"acme\"\ndef ByKey(parent, args):\n    return parent + \"[@key='\" + args[0] + \"']\"\n"
	if err := os.WriteFile(filepath.Join(units, "acme-locators.star"), []byte(keySrc), 0o600); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.star"), []byte("fail(\"nope\")\n"), 0o600); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	cfg := config.Default()
	cfg.RelativePathRoot = filepath.Join(dir, "web.release.xdt")
	cfg.SearchPaths = []string{units}
	cfg.Sources = []config.SourceConfig{
		{Kind: config.SourcePath, Namespace: "acme", Path: "broken.star"},
		{Kind: config.SourceNamed, Namespace: "acme", Identifier: "acme-locators"},
		{Kind: config.SourceNamed, Namespace: "lib", Identifier: "registered"},
	}

	library := typesource.NewStaticUnit("registered").Add("lib.Condition", &builtin.Condition{})
	tel, events := recordingTelemetry(t)
	s := setupSession(t, cfg, WithTelemetry(tel), WithLibrary("registered", library))
	ctx := context.Background()

	loc, err := Construct[xdt.Locator](ctx, s, "ByKey")
	if err != nil {
		t.Fatalf("Failed to construct script locator: %v", err)
	}
	path, err := loc.ConstructPath("/configuration/add", []string{"Mode"})
	if err != nil || path != "/configuration/add[@key='Mode']" {
		t.Errorf("unexpected path %q, %v", path, err)
	}

	// xdt.Condition and lib.Condition describe the same type without constructors
	if _, err := Construct[xdt.Locator](ctx, s, "Condition"); err != nil {
		t.Errorf("expected Condition to resolve, got %v", err)
	}

	sources := s.Sources()
	if sources[1].State != typesource.StateFailed {
		t.Errorf("expected broken script to fail, got %s", sources[1].State)
	}
	if err := s.LoadAll(ctx); err == nil || !typesource.IsSourceLoadFailure(err) {
		t.Errorf("expected load failures to be reported, got %v", err)
	}

	var failed int
	for _, e := range *events {
		if e.Type == telemetry.EventTypeSourceLoadFailed {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("expected one load failure event, got %d", failed)
	}
}

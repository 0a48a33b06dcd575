package typesource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type step interface {
	Step() string
}

type alphaStep struct{ calls int }

func (a *alphaStep) Step() string { return "alpha" }

type betaStep struct{}

func (betaStep) Step() string { return "beta" }

type plainValue struct{ N int }

type needsArgs struct{ name string }

func (n *needsArgs) Step() string { return n.name }

// countingLoader records every load attempt per location.
type countingLoader struct {
	calls map[string]int
	units map[string]Unit
	err   error
}

func newCountingLoader() *countingLoader {
	return &countingLoader{calls: make(map[string]int), units: make(map[string]Unit)}
}

func (l *countingLoader) LoadPath(_ context.Context, path string) (Unit, error) {
	l.calls[path]++
	if u, ok := l.units[path]; ok {
		return u, nil
	}
	if l.err != nil {
		return nil, l.err
	}
	return nil, os.ErrNotExist
}

func (l *countingLoader) LoadNamed(ctx context.Context, id string) (Unit, error) {
	return l.LoadPath(ctx, id)
}

func builtinUnit() *StaticUnit {
	return NewStaticUnit("builtin").
		Add("xdt.Alpha", &alphaStep{}).
		Add("xdt.Beta", betaStep{}).
		Add("xdt.Plain", plainValue{}).
		Add("xdt.Number", 0)
}

func newTestRegistry(t *testing.T, loader *countingLoader) *Registry {
	t.Helper()
	cfg := Config{
		RelativePathRoot: "/srv/site/web.release.xdt",
		Builtin:          builtinUnit(),
		BuiltinNamespace: "xdt",
	}
	if loader != nil {
		cfg.NamedLoader = loader
		cfg.PathLoader = loader
	}
	return NewRegistry(cfg)
}

func TestConstruct(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyNameYieldsNothing", func(t *testing.T) {
		reg := newTestRegistry(t, nil)
		s, err := Construct[step](ctx, reg, "")
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if s != nil {
			t.Errorf("Expected nil instance, got %v", s)
		}
	})

	t.Run("NoRegistrations", func(t *testing.T) {
		reg := NewRegistry(Config{})
		_, err := Construct[step](ctx, reg, "Alpha")
		if !errors.Is(err, ErrUnknownTypeName) {
			t.Fatalf("Expected unknown type name, got %v", err)
		}
	})

	t.Run("SingleMatch", func(t *testing.T) {
		reg := newTestRegistry(t, nil)
		s, err := Construct[step](ctx, reg, "Alpha")
		if err != nil {
			t.Fatalf("Failed to construct: %v", err)
		}
		if _, ok := s.(*alphaStep); !ok {
			t.Errorf("Expected *alphaStep, got %T", s)
		}
		if s.Step() != "alpha" {
			t.Errorf("Expected alpha, got %s", s.Step())
		}
	})

	t.Run("FreshInstancePerCall", func(t *testing.T) {
		reg := newTestRegistry(t, nil)
		a, _ := Construct[step](ctx, reg, "Alpha")
		b, _ := Construct[step](ctx, reg, "Alpha")
		if a.(*alphaStep) == b.(*alphaStep) {
			t.Error("Expected distinct instances")
		}
	})

	t.Run("ValueType", func(t *testing.T) {
		reg := newTestRegistry(t, nil)
		s, err := Construct[step](ctx, reg, "Beta")
		if err != nil {
			t.Fatalf("Failed to construct: %v", err)
		}
		if _, ok := s.(betaStep); !ok {
			t.Errorf("Expected betaStep, got %T", s)
		}
	})

	t.Run("ConcreteBase", func(t *testing.T) {
		reg := newTestRegistry(t, nil)
		v, err := Construct[plainValue](ctx, reg, "Plain")
		if err != nil {
			t.Fatalf("Failed to construct: %v", err)
		}
		if v.N != 0 {
			t.Errorf("Expected zero value, got %+v", v)
		}
	})

	t.Run("QualifiedNameIsNotTheSymbolicName", func(t *testing.T) {
		reg := newTestRegistry(t, nil)
		_, err := Construct[step](ctx, reg, "xdt.Alpha")
		if !IsUnknownTypeName(err) {
			t.Fatalf("Expected unknown type name, got %v", err)
		}
	})

	t.Run("UnknownName", func(t *testing.T) {
		reg := newTestRegistry(t, nil)
		_, err := Construct[step](ctx, reg, "Missing")
		var e *Error
		if !errors.As(err, &e) {
			t.Fatalf("Expected *Error, got %T", err)
		}
		if e.Kind != KindUnknownTypeName || e.TypeName != "Missing" {
			t.Errorf("Unexpected error %+v", e)
		}
		if e.Base != reflect.TypeFor[step]() {
			t.Errorf("Expected base to be recorded, got %v", e.Base)
		}
	})

	t.Run("IncorrectBaseType", func(t *testing.T) {
		reg := newTestRegistry(t, nil)

		tests := []struct {
			name     string
			typeName string
		}{
			{name: "Struct missing method", typeName: "Plain"},
			{name: "Scalar", typeName: "Number"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := Construct[step](ctx, reg, tt.typeName)
				if !errors.Is(err, ErrIncorrectBaseType) {
					t.Errorf("Expected incorrect base type, got %v", err)
				}
			})
		}
	})
}

func TestConstructors(t *testing.T) {
	ctx := context.Background()

	unit := NewStaticUnit("ctors").
		AddConstructor("ext.Named", func() *needsArgs { return &needsArgs{name: "named"} }).
		AddConstructor("ext.Checked", func() (step, error) { return &alphaStep{}, nil }).
		AddConstructor("ext.Failing", func() (*needsArgs, error) { return nil, errors.New("boom") }).
		AddConstructor("ext.Panicking", func() *needsArgs { panic("kaboom") }).
		AddConstructor("ext.Nil", func() step { return nil }).
		AddConstructor("ext.WithArgs", func(name string) *needsArgs { return &needsArgs{name: name} }).
		AddConstructor("ext.BadSecond", func() (*needsArgs, int) { return nil, 0 }).
		Add("ext.NoCtor", &needsArgs{}).
		AddDescriptor(&TypeDescriptor{Name: "ext.Iface", Type: reflect.TypeFor[step]()}).
		AddDescriptor(&TypeDescriptor{Name: "ext.Map", Type: reflect.TypeFor[map[string]int]()})

	reg := NewRegistry(Config{})
	reg.AddInMemorySource(unit, "ext")

	tests := []struct {
		name     string
		typeName string
		wantKind Kind
		want     string
	}{
		{name: "Zero arg constructor", typeName: "Named", want: "named"},
		{name: "Constructor with error result", typeName: "Checked", want: "alpha"},
		{name: "Constructor error", typeName: "Failing", wantKind: KindConstructorFailure},
		{name: "Constructor panic", typeName: "Panicking", wantKind: KindConstructorFailure},
		{name: "Constructor nil result", typeName: "Nil", wantKind: KindConstructorFailure},
		{name: "Parameterised constructor", typeName: "WithArgs", wantKind: KindNoValidConstructor},
		{name: "Second result not error", typeName: "BadSecond", wantKind: KindNoValidConstructor},
		{name: "Reflect allocated pointer", typeName: "NoCtor", want: ""},
		{name: "Interface without constructor", typeName: "Iface", wantKind: KindNoValidConstructor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Construct[step](ctx, reg, tt.typeName)
			if tt.wantKind != "" {
				if KindOf(err) != tt.wantKind {
					t.Fatalf("Expected %s, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to construct: %v", err)
			}
			if s.Step() != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, s.Step())
			}
		})
	}

	t.Run("Map without constructor", func(t *testing.T) {
		_, err := reg.ConstructAs(ctx, "Map", nil)
		if !IsNoValidConstructor(err) {
			t.Errorf("Expected no valid constructor, got %v", err)
		}
	})
}

func TestAmbiguity(t *testing.T) {
	ctx := context.Background()

	t.Run("DifferentTypes", func(t *testing.T) {
		reg := newTestRegistry(t, nil)
		reg.AddInMemorySource(NewStaticUnit("other").Add("acme.Alpha", betaStep{}), "acme")

		_, err := Construct[step](ctx, reg, "Alpha")
		if !IsAmbiguousTypeMatch(err) {
			t.Fatalf("Expected ambiguous match, got %v", err)
		}
	})

	t.Run("SameDescriptorTwice", func(t *testing.T) {
		unit := builtinUnit()
		reg := NewRegistry(Config{Builtin: unit, BuiltinNamespace: "xdt"})
		reg.AddInMemorySource(unit, "xdt")

		if _, err := Construct[step](ctx, reg, "Alpha"); err != nil {
			t.Fatalf("Expected the same type through two sources to resolve, got %v", err)
		}
	})

	t.Run("SameTypeDifferentConstructors", func(t *testing.T) {
		reg := NewRegistry(Config{})
		reg.AddInMemorySource(NewStaticUnit("a").AddConstructor("a.S", func() *alphaStep { return &alphaStep{} }), "a")
		reg.AddInMemorySource(NewStaticUnit("b").AddConstructor("b.S", func() *alphaStep { return &alphaStep{calls: 1} }), "b")

		if _, err := Construct[step](ctx, reg, "S"); !IsAmbiguousTypeMatch(err) {
			t.Fatalf("Expected ambiguous match, got %v", err)
		}
	})

	t.Run("AmbiguityStopsBeforeLaterSources", func(t *testing.T) {
		loader := newCountingLoader()
		reg := newTestRegistry(t, loader)
		reg.AddInMemorySource(NewStaticUnit("other").Add("acme.Alpha", betaStep{}), "acme")
		reg.AddPathSource("/libs/late.star", "late")

		if _, err := Construct[step](ctx, reg, "Alpha"); !IsAmbiguousTypeMatch(err) {
			t.Fatalf("Expected ambiguous match, got %v", err)
		}
		if loader.calls["/libs/late.star"] != 0 {
			t.Errorf("Expected later source to stay unloaded, got %d loads", loader.calls["/libs/late.star"])
		}
	})
}

func TestLazyLoading(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadedOnFirstLookup", func(t *testing.T) {
		loader := newCountingLoader()
		loader.units["/libs/ext.star"] = NewStaticUnit("ext").Add("ext.Gamma", &alphaStep{})
		reg := newTestRegistry(t, loader)
		reg.AddPathSource("/libs/ext.star", "ext")

		if got := reg.Sources()[1].State; got != StatePending {
			t.Fatalf("Expected pending before lookup, got %s", got)
		}

		for i := 0; i < 3; i++ {
			if _, err := Construct[step](ctx, reg, "Gamma"); err != nil {
				t.Fatalf("Failed to construct: %v", err)
			}
		}
		if loader.calls["/libs/ext.star"] != 1 {
			t.Errorf("Expected exactly one load, got %d", loader.calls["/libs/ext.star"])
		}
		if got := reg.Sources()[1].State; got != StateLoaded {
			t.Errorf("Expected loaded, got %s", got)
		}
	})

	t.Run("FailedSourceNeverRetried", func(t *testing.T) {
		loader := newCountingLoader()
		loader.err = errors.New("corrupt library")
		reg := newTestRegistry(t, loader)
		reg.AddNamedSource("broken", "broken")

		for i := 0; i < 3; i++ {
			s, err := Construct[step](ctx, reg, "Alpha")
			if err != nil {
				t.Fatalf("Expected builtin type to resolve despite broken source, got %v", err)
			}
			if s == nil {
				t.Fatal("Expected instance")
			}
		}
		if _, err := Construct[step](ctx, reg, "Missing"); !IsUnknownTypeName(err) {
			t.Errorf("Expected unknown type name, got %v", err)
		}

		if loader.calls["broken"] != 1 {
			t.Errorf("Expected exactly one load attempt, got %d", loader.calls["broken"])
		}

		info := reg.Sources()[1]
		if info.State != StateFailed {
			t.Errorf("Expected failed, got %s", info.State)
		}
		if !IsSourceLoadFailure(info.Err) {
			t.Errorf("Expected source load failure, got %v", info.Err)
		}
	})

	t.Run("LoadFailureIsReportedWithUnknownName", func(t *testing.T) {
		loader := newCountingLoader()
		loader.err = errors.New("corrupt library")
		reg := NewRegistry(Config{PathLoader: loader})
		reg.AddPathSource("/libs/thing.star", "ext")

		_, err := Construct[any](ctx, reg, "Thing")
		if !IsUnknownTypeName(err) {
			t.Fatalf("Expected unknown type name, got %v", err)
		}
		if !errors.Is(err, ErrSourceLoadFailure) {
			t.Errorf("Expected load failure in the error chain, got %v", err)
		}
		if !errors.Is(err, loader.err) {
			t.Errorf("Expected loader error in the error chain, got %v", err)
		}

		// The failure is reported again without a second attempt
		if _, err := Construct[any](ctx, reg, "Thing"); !errors.Is(err, ErrSourceLoadFailure) {
			t.Errorf("Expected load failure on later lookups, got %v", err)
		}
		if loader.calls["/libs/thing.star"] != 1 {
			t.Errorf("Expected exactly one load attempt, got %d", loader.calls["/libs/thing.star"])
		}
	})

	t.Run("NoLoadFailureWithoutBrokenSource", func(t *testing.T) {
		reg := newTestRegistry(t, nil)
		if _, err := Construct[step](ctx, reg, "Missing"); errors.Is(err, ErrSourceLoadFailure) {
			t.Errorf("Expected plain unknown type name, got %v", err)
		}
	})

	t.Run("CancelledContextDoesNotPoisonSource", func(t *testing.T) {
		var seen error
		reg := NewRegistry(Config{
			PathLoader: PathLoaderFunc(func(ctx context.Context, path string) (Unit, error) {
				seen = ctx.Err()
				return NewStaticUnit("ok").Add("ok.Alpha", &alphaStep{}), nil
			}),
		})
		reg.AddPathSource("/libs/ok.star", "ok")

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := Construct[step](cctx, reg, "Alpha"); err != nil {
			t.Fatalf("Failed to construct: %v", err)
		}
		if seen != nil {
			t.Errorf("Expected loader context to be uncancelled, got %v", seen)
		}
	})

	t.Run("PanickingLoader", func(t *testing.T) {
		reg := NewRegistry(Config{
			PathLoader: PathLoaderFunc(func(context.Context, string) (Unit, error) {
				panic("bad loader")
			}),
		})
		reg.AddPathSource("/libs/x.star", "x")

		if _, err := Construct[step](ctx, reg, "Alpha"); !IsUnknownTypeName(err) {
			t.Fatalf("Expected unknown type name, got %v", err)
		}
		if reg.Sources()[0].State != StateFailed {
			t.Errorf("Expected source to be failed")
		}
	})

	t.Run("MissingLoader", func(t *testing.T) {
		reg := NewRegistry(Config{})
		reg.AddNamedSource("lib", "lib")
		if err := reg.LoadAll(ctx); !IsSourceLoadFailure(err) {
			t.Errorf("Expected source load failure, got %v", err)
		}
	})

	t.Run("OnLoadHook", func(t *testing.T) {
		var infos []SourceInfo
		loader := newCountingLoader()
		reg := NewRegistry(Config{
			PathLoader: loader,
			OnLoad:     func(info SourceInfo) { infos = append(infos, info) },
		})
		reg.AddPathSource("/libs/a.star", "a")
		reg.AddPathSource("/libs/b.star", "b")
		_ = reg.LoadAll(ctx)
		_ = reg.LoadAll(ctx)

		if len(infos) != 2 {
			t.Fatalf("Expected 2 load events, got %d", len(infos))
		}
		for _, info := range infos {
			if info.State != StateFailed {
				t.Errorf("Expected failed state for %s", info)
			}
		}
	})
}

func TestPathSources(t *testing.T) {
	reg := NewRegistry(Config{RelativePathRoot: filepath.FromSlash("/srv/site/web.release.xdt")})
	reg.AddPathSource(filepath.FromSlash("ext/locators.star"), "ext")
	reg.AddPathSource(filepath.FromSlash("/opt/xdt/shared.star"), "shared")
	reg.AddPathSource(filepath.FromSlash("../common/c.star"), "common")

	want := []string{
		filepath.FromSlash("/srv/site/ext/locators.star"),
		filepath.FromSlash("/opt/xdt/shared.star"),
		filepath.FromSlash("/srv/common/c.star"),
	}

	sources := reg.Sources()
	for i, w := range want {
		if sources[i].Location != w {
			t.Errorf("Source %d: expected %s, got %s", i, w, sources[i].Location)
		}
		if sources[i].Kind != SourcePath {
			t.Errorf("Source %d: expected path kind, got %s", i, sources[i].Kind)
		}
	}
}

type closingUnit struct {
	*StaticUnit
	closed int
	err    error
}

func (u *closingUnit) Close(context.Context) error {
	u.closed++
	return u.err
}

func TestRegistryClose(t *testing.T) {
	ctx := context.Background()

	loaded := &closingUnit{StaticUnit: NewStaticUnit("loaded").Add("l.Alpha", &alphaStep{})}
	failing := &closingUnit{StaticUnit: NewStaticUnit("failing"), err: errors.New("close failed")}
	unused := &closingUnit{StaticUnit: NewStaticUnit("unused")}
	inMemory := &closingUnit{StaticUnit: NewStaticUnit("mem")}

	loader := newCountingLoader()
	loader.units["/l.star"] = loaded
	loader.units["/f.star"] = failing
	loader.units["/u.star"] = unused

	reg := NewRegistry(Config{PathLoader: loader})
	reg.AddInMemorySource(inMemory, "mem")
	reg.AddPathSource("/l.star", "l")
	reg.AddPathSource("/f.star", "f")
	if err := reg.LoadAll(ctx); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	reg.AddPathSource("/u.star", "u")

	err := reg.Close(ctx)
	if err == nil {
		t.Fatal("Expected close error")
	}
	if loaded.closed != 1 || failing.closed != 1 {
		t.Errorf("Expected loaded units closed once, got %d and %d", loaded.closed, failing.closed)
	}
	if unused.closed != 0 {
		t.Error("Expected pending unit to stay untouched")
	}
	if inMemory.closed != 0 {
		t.Error("Expected caller owned unit to stay open")
	}

	if err := reg.Close(ctx); err != nil {
		t.Errorf("Expected second close to be a no-op, got %v", err)
	}
	if loaded.closed != 1 {
		t.Errorf("Expected no second close, got %d", loaded.closed)
	}

	if _, err := reg.ConstructAs(ctx, "Alpha", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected closed registry to refuse construction, got %v", err)
	}
	if err := reg.LoadAll(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected closed registry to refuse loading, got %v", err)
	}
	if unused.closed != 0 || loader.calls["/u.star"] != 0 {
		t.Error("Expected pending source to stay unloaded after close")
	}
}

func TestExtensionLoader(t *testing.T) {
	ctx := context.Background()
	var got string
	loader := ExtensionLoader{
		".star": PathLoaderFunc(func(_ context.Context, path string) (Unit, error) {
			got = path
			return NewStaticUnit(path), nil
		}),
	}

	if _, err := loader.LoadPath(ctx, "/x/Locators.STAR"); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if got != "/x/Locators.STAR" {
		t.Errorf("Expected dispatch to star loader, got %q", got)
	}
	if _, err := loader.LoadPath(ctx, "/x/lib.dll"); err == nil {
		t.Error("Expected error for unknown extension")
	}
}

package typesource

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
)

// Unit is a loadable body of code that defines named types.
// Names handed to LookupType are fully qualified: namespace + "." + type name.
type Unit interface {
	// Name identifies the unit in logs and errors.
	Name() string

	// LookupType returns the descriptor for a fully qualified name.
	LookupType(qualifiedName string) (*TypeDescriptor, bool)
}

// TypeLister is implemented by units that can enumerate the names they define.
type TypeLister interface {
	TypeNames() []string
}

// TypeDescriptor describes one concrete type defined by a unit.
//
// Type is the static type of the produced instance and is what the base kind
// check is performed against. New is an optional zero-argument constructor of
// the form func() T or func() (T, error). When New is nil the registry
// constructs pointer types with reflect.New and value types as their zero value.
type TypeDescriptor struct {
	Name string
	Type reflect.Type
	New  any
}

// String returns the qualified name and the Go type.
func (d *TypeDescriptor) String() string {
	if d.Type == nil {
		return d.Name
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Type)
}

// StaticUnit is an in-memory Unit whose types are registered programmatically.
type StaticUnit struct {
	name  string
	types map[string]*TypeDescriptor
}

// NewStaticUnit creates an empty in-memory unit.
func NewStaticUnit(name string) *StaticUnit {
	return &StaticUnit{
		name:  name,
		types: make(map[string]*TypeDescriptor),
	}
}

// Name returns the unit name.
func (u *StaticUnit) Name() string {
	return u.name
}

// Add defines qualifiedName as the type of prototype. The prototype value is only
// used for its type; instances are built by reflection.
func (u *StaticUnit) Add(qualifiedName string, prototype any) *StaticUnit {
	u.types[qualifiedName] = &TypeDescriptor{
		Name: qualifiedName,
		Type: reflect.TypeOf(prototype),
	}
	return u
}

// AddConstructor defines qualifiedName as the type produced by fn. A function
// with a zero-argument signature is used to construct instances; any other
// value is recorded as is and rejected at construction time.
func (u *StaticUnit) AddConstructor(qualifiedName string, fn any) *StaticUnit {
	desc := &TypeDescriptor{Name: qualifiedName, New: fn}
	if ft := reflect.TypeOf(fn); ft != nil && ft.Kind() == reflect.Func && ft.NumOut() > 0 {
		desc.Type = ft.Out(0)
	}
	u.types[qualifiedName] = desc
	return u
}

// AddDescriptor defines a type from a prepared descriptor.
func (u *StaticUnit) AddDescriptor(desc *TypeDescriptor) *StaticUnit {
	u.types[desc.Name] = desc
	return u
}

// LookupType implements Unit.
func (u *StaticUnit) LookupType(qualifiedName string) (*TypeDescriptor, bool) {
	d, ok := u.types[qualifiedName]
	return d, ok
}

// TypeNames implements TypeLister.
func (u *StaticUnit) TypeNames() []string {
	names := make([]string, 0, len(u.types))
	for name := range u.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NamedLoader loads a unit from a library identifier.
type NamedLoader interface {
	LoadNamed(ctx context.Context, identifier string) (Unit, error)
}

// PathLoader loads a unit from a file system path.
type PathLoader interface {
	LoadPath(ctx context.Context, path string) (Unit, error)
}

// NamedLoaderFunc adapts a function to NamedLoader.
type NamedLoaderFunc func(ctx context.Context, identifier string) (Unit, error)

// LoadNamed implements NamedLoader.
func (f NamedLoaderFunc) LoadNamed(ctx context.Context, identifier string) (Unit, error) {
	return f(ctx, identifier)
}

// PathLoaderFunc adapts a function to PathLoader.
type PathLoaderFunc func(ctx context.Context, path string) (Unit, error)

// LoadPath implements PathLoader.
func (f PathLoaderFunc) LoadPath(ctx context.Context, path string) (Unit, error) {
	return f(ctx, path)
}

// ExtensionLoader dispatches path loads by file extension (".star", ".yaml", ...).
// Extensions are matched case-insensitively.
type ExtensionLoader map[string]PathLoader

// LoadPath implements PathLoader.
func (l ExtensionLoader) LoadPath(ctx context.Context, path string) (Unit, error) {
	ext := strings.ToLower(filepath.Ext(path))
	loader, ok := l[ext]
	if !ok || loader == nil {
		return nil, fmt.Errorf("no loader registered for extension %q", ext)
	}
	return loader.LoadPath(ctx, path)
}

// Extensions returns the registered extensions in sorted order.
func (l ExtensionLoader) Extensions() []string {
	exts := make([]string, 0, len(l))
	for ext := range l {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

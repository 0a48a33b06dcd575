// Package services provides the per-run registry of contextual capabilities
// that transformation steps look up by key.
//
// A Container owns what is registered in it. Teardown releases every entry
// that holds resources exactly once, continuing past failures, and empties the
// container. Unregister hands ownership of an entry back to the caller.
//
// Containers are not safe for concurrent use.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
)

// Key identifies a capability.
type Key string

// ErrDuplicateRegistration is returned when a key is registered twice.
var ErrDuplicateRegistration = errors.New("services: duplicate registration")

// ErrNilImplementation is returned when registering a nil implementation.
var ErrNilImplementation = errors.New("services: nil implementation")

// Lookup is the read side of a Container handed to transformation steps.
type Lookup interface {
	Lookup(key Key) (any, bool)
}

// ContextCloser is a releasable entry whose release takes a context.
type ContextCloser interface {
	Close(ctx context.Context) error
}

// Container maps capability keys to the instances that provide them.
type Container struct {
	entries map[Key]any
	order   []Key
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{
		entries: make(map[Key]any),
	}
}

// Register adds impl under key. It fails with ErrDuplicateRegistration if key
// is already present, leaving the existing entry untouched.
func (c *Container) Register(key Key, impl any) error {
	if impl == nil {
		return fmt.Errorf("%w for %q", ErrNilImplementation, key)
	}
	if _, exists := c.entries[key]; exists {
		return fmt.Errorf("%w: the container already holds an implementation of %q", ErrDuplicateRegistration, key)
	}
	c.entries[key] = impl
	c.order = append(c.order, key)
	return nil
}

// MustRegister is like Register but panics on error.
func (c *Container) MustRegister(key Key, impl any) {
	if err := c.Register(key, impl); err != nil {
		panic(err)
	}
}

// Lookup returns the instance registered under key. Absence is reported
// through the boolean and is not an error.
func (c *Container) Lookup(key Key) (any, bool) {
	impl, ok := c.entries[key]
	return impl, ok
}

// Unregister removes key and returns the removed instance. The instance is not
// released; the caller owns it from here on. Removing an absent key is a no-op.
func (c *Container) Unregister(key Key) (any, bool) {
	impl, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return impl, true
}

// Keys returns the registered keys in registration order.
func (c *Container) Keys() []Key {
	keys := make([]Key, len(c.order))
	copy(keys, c.order)
	return keys
}

// Len returns the number of registered entries.
func (c *Container) Len() int {
	return len(c.entries)
}

// Teardown releases every registered entry that implements ContextCloser or
// io.Closer, most recently registered first, then empties the container.
// A release failure or panic does not stop the remaining releases; all of
// them are reported in the returned *TeardownError. Calling Teardown on an
// empty container does nothing. An instance registered under several keys
// is released once, for the most recently registered of them.
func (c *Container) Teardown(ctx context.Context) error {
	if len(c.order) == 0 {
		return nil
	}

	order := c.order
	entries := c.entries
	c.order = nil
	c.entries = make(map[Key]any)

	var failures []ReleaseFailure
	released := make(map[identity]struct{})
	for i := len(order) - 1; i >= 0; i-- {
		key := order[i]
		impl := entries[key]
		if id, ok := identityOf(impl); ok {
			if _, seen := released[id]; seen {
				continue
			}
			released[id] = struct{}{}
		}
		if err := release(ctx, impl); err != nil {
			failures = append(failures, ReleaseFailure{Key: key, Err: err})
		}
	}

	if len(failures) > 0 {
		return &TeardownError{Failures: failures}
	}
	return nil
}

// identity is the address and dynamic type of a reference-like entry.
type identity struct {
	typ reflect.Type
	ptr uintptr
}

// identityOf reports the identity of impl when it refers to shared state.
// Plain values have none: each registration of a value is its own instance.
func identityOf(impl any) (identity, bool) {
	v := reflect.ValueOf(impl)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return identity{typ: v.Type(), ptr: v.Pointer()}, true
	}
	return identity{}, false
}

func release(ctx context.Context, impl any) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("release panicked: %v", p)
		}
	}()

	switch v := impl.(type) {
	case ContextCloser:
		return v.Close(ctx)
	case io.Closer:
		return v.Close()
	}
	return nil
}

// ReleaseFailure records one entry that failed to release.
type ReleaseFailure struct {
	Key Key
	Err error
}

// TeardownError aggregates the release failures of a single teardown.
type TeardownError struct {
	Failures []ReleaseFailure
}

// Error implements the error interface.
func (e *TeardownError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Key, f.Err)
	}
	return fmt.Sprintf("services: %d release failure(s) during teardown: %s",
		len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *TeardownError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Get returns the instance registered under key as a T. It reports false when
// the key is absent or holds a value of another type.
func Get[T any](l Lookup, key Key) (T, bool) {
	var zero T
	if l == nil {
		return zero, false
	}
	impl, ok := l.Lookup(key)
	if !ok {
		return zero, false
	}
	v, ok := impl.(T)
	return v, ok
}

// Scope creates a container, passes it to fn and tears it down afterwards on
// every exit path, including a panic in fn. The error from fn and the teardown
// error are joined.
func Scope(ctx context.Context, fn func(ctx context.Context, c *Container) error) (err error) {
	c := NewContainer()
	defer func() {
		if tdErr := c.Teardown(ctx); tdErr != nil {
			err = errors.Join(err, tdErr)
		}
	}()
	return fn(ctx, c)
}

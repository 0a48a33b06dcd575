package typesource

import (
	"context"
	"fmt"
	"reflect"
)

var errorType = reflect.TypeFor[error]()

// Construct resolves typeName and returns a new instance of it typed as T.
// An empty typeName yields the zero value of T and no error.
func Construct[T any](ctx context.Context, r *Registry, typeName string) (T, error) {
	var zero T
	v, err := r.ConstructAs(ctx, typeName, reflect.TypeFor[T]())
	if err != nil || v == nil {
		return zero, err
	}
	return v.(T), nil
}

// ConstructAs resolves typeName, checks that the resolved type is assignable to
// base, and invokes its zero-argument construction path. An empty typeName
// yields a nil instance and no error.
func (r *Registry) ConstructAs(ctx context.Context, typeName string, base reflect.Type) (any, error) {
	if typeName == "" {
		return nil, nil
	}

	desc, err := r.Resolve(ctx, typeName)
	if err != nil {
		if e, ok := err.(*Error); ok {
			e.Base = base
		}
		return nil, err
	}

	if desc.Type == nil || (base != nil && !desc.Type.AssignableTo(base)) {
		return nil, newError(KindIncorrectBaseType, typeName,
			fmt.Sprintf("resolved type %s does not satisfy the expected base", desc)).
			WithBase(base)
	}

	return instantiate(desc, typeName, base)
}

func instantiate(desc *TypeDescriptor, typeName string, base reflect.Type) (any, error) {
	if desc.New == nil {
		return zeroValueOf(desc, typeName, base)
	}

	fn := reflect.ValueOf(desc.New)
	ft := fn.Type()
	if !isZeroArgConstructor(ft, desc.Type) || fn.IsNil() {
		return nil, newError(KindNoValidConstructor, typeName,
			fmt.Sprintf("constructor of %s has signature %s", desc.Name, ft)).
			WithBase(base)
	}

	out, panicked := call(fn)
	if panicked != nil {
		return nil, newError(KindConstructorFailure, typeName, "constructor panicked").
			WithBase(base).
			WithCause(fmt.Errorf("%v", panicked))
	}
	if len(out) == 2 && !out[1].IsNil() {
		return nil, newError(KindConstructorFailure, typeName, "constructor returned an error").
			WithBase(base).
			WithCause(out[1].Interface().(error))
	}

	result := out[0]
	if canBeNil(result.Kind()) && result.IsNil() {
		return nil, newError(KindConstructorFailure, typeName, "constructor returned nil").
			WithBase(base)
	}
	return result.Interface(), nil
}

func isZeroArgConstructor(ft, produced reflect.Type) bool {
	if ft.Kind() != reflect.Func || ft.NumIn() != 0 || ft.IsVariadic() {
		return false
	}
	switch ft.NumOut() {
	case 1:
	case 2:
		if ft.Out(1) != errorType {
			return false
		}
	default:
		return false
	}
	return ft.Out(0).AssignableTo(produced)
}

func call(fn reflect.Value) (out []reflect.Value, panicked any) {
	defer func() {
		if p := recover(); p != nil {
			panicked = p
		}
	}()
	return fn.Call(nil), nil
}

// zeroValueOf builds an instance of a descriptor that has no explicit
// constructor.
func zeroValueOf(desc *TypeDescriptor, typeName string, base reflect.Type) (any, error) {
	t := desc.Type
	switch t.Kind() {
	case reflect.Pointer:
		if t.Elem().Kind() != reflect.Interface {
			return reflect.New(t.Elem()).Interface(), nil
		}
	case reflect.Interface, reflect.Func, reflect.Chan, reflect.Map, reflect.Slice,
		reflect.UnsafePointer, reflect.Invalid:
	default:
		return reflect.Zero(t).Interface(), nil
	}
	return nil, newError(KindNoValidConstructor, typeName,
		fmt.Sprintf("type %s cannot be constructed without arguments", desc)).
		WithBase(base)
}

func canBeNil(k reflect.Kind) bool {
	switch k {
	case reflect.Pointer, reflect.Interface, reflect.Func, reflect.Chan,
		reflect.Map, reflect.Slice, reflect.UnsafePointer:
		return true
	}
	return false
}

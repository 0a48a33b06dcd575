package typesource

import (
	"errors"
	"fmt"
	"reflect"
)

// Kind classifies a resolution or construction failure.
type Kind string

const (
	// KindUnknownTypeName indicates that no valid source defines the requested name.
	KindUnknownTypeName Kind = "unknown_type_name"

	// KindAmbiguousTypeMatch indicates that two or more sources define the requested name
	// with different types.
	KindAmbiguousTypeMatch Kind = "ambiguous_type_match"

	// KindIncorrectBaseType indicates that the resolved type does not satisfy the
	// expected base kind.
	KindIncorrectBaseType Kind = "incorrect_base_type"

	// KindNoValidConstructor indicates that the resolved type has no zero-argument
	// construction path.
	KindNoValidConstructor Kind = "no_valid_constructor"

	// KindSourceLoadFailure indicates that a named or path source could not be loaded.
	// The source stays invalid for the lifetime of the registry.
	KindSourceLoadFailure Kind = "source_load_failure"

	// KindConstructorFailure indicates that a zero-argument constructor ran and failed.
	KindConstructorFailure Kind = "constructor_failure"
)

// Sentinel values for errors.Is matching against a Kind.
var (
	ErrUnknownTypeName    = &Error{Kind: KindUnknownTypeName}
	ErrAmbiguousTypeMatch = &Error{Kind: KindAmbiguousTypeMatch}
	ErrIncorrectBaseType  = &Error{Kind: KindIncorrectBaseType}
	ErrNoValidConstructor = &Error{Kind: KindNoValidConstructor}
	ErrSourceLoadFailure  = &Error{Kind: KindSourceLoadFailure}
	ErrConstructorFailure = &Error{Kind: KindConstructorFailure}
)

// Error is a classified registry failure with the context it occurred in.
type Error struct {
	// Kind is the failure classification.
	Kind Kind `json:"kind"`

	// TypeName is the symbolic name that was requested.
	TypeName string `json:"type_name,omitempty"`

	// Base is the expected base kind, if one was involved.
	Base reflect.Type `json:"-"`

	// Source describes the registration involved, if any.
	Source string `json:"source,omitempty"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.TypeName != "" {
		msg += fmt.Sprintf(" (type=%s", e.TypeName)
		if e.Base != nil {
			msg += fmt.Sprintf(", base=%s", e.Base)
		}
		msg += ")"
	}
	if e.Source != "" {
		msg += fmt.Sprintf(" (source=%s)", e.Source)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind Kind, typeName, message string) *Error {
	return &Error{Kind: kind, TypeName: typeName, Message: message}
}

// WithBase records the expected base kind.
func (e *Error) WithBase(base reflect.Type) *Error {
	e.Base = base
	return e
}

// WithSource records the registration involved.
func (e *Error) WithSource(source string) *Error {
	e.Source = source
	return e
}

// WithCause records the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Err = err
	return e
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsUnknownTypeName reports whether err is an unknown type name failure.
func IsUnknownTypeName(err error) bool { return IsKind(err, KindUnknownTypeName) }

// IsAmbiguousTypeMatch reports whether err is an ambiguous type match failure.
func IsAmbiguousTypeMatch(err error) bool { return IsKind(err, KindAmbiguousTypeMatch) }

// IsIncorrectBaseType reports whether err is an incorrect base type failure.
func IsIncorrectBaseType(err error) bool { return IsKind(err, KindIncorrectBaseType) }

// IsNoValidConstructor reports whether err is a missing constructor failure.
func IsNoValidConstructor(err error) bool { return IsKind(err, KindNoValidConstructor) }

// IsSourceLoadFailure reports whether err is a source load failure.
func IsSourceLoadFailure(err error) bool { return IsKind(err, KindSourceLoadFailure) }

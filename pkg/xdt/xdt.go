// Package xdt defines the contracts exchanged between the transform engine,
// the steps it constructs by name, and the capabilities published to those
// steps for the duration of a run.
package xdt

import (
	"context"
	"fmt"
	"reflect"

	"github.com/openfroyo/xdt/pkg/services"
)

// Well-known capability keys.
const (
	KeyLogger           services.Key = "xdt.Logger"
	KeyOriginalDocument services.Key = "xdt.OriginalDocument"
	KeyCurrentElement   services.Key = "xdt.CurrentElement"
)

// Node is the minimal view of a document element a step operates on.
type Node interface {
	Name() string
	Attr(name string) (string, bool)
}

// NamespaceContext maps namespace prefixes to URIs for path evaluation.
type NamespaceContext map[string]string

// Transform is a step that modifies the nodes its locator matched.
type Transform interface {
	Apply(ctx context.Context, targets []Node, arguments []string) error
}

// Locator is a step that turns its arguments into a path expression relative
// to the path of the enclosing element.
type Locator interface {
	ConstructPath(parentPath string, arguments []string) (string, error)
}

// Document is a handle on the document being transformed.
type Document interface {
	FileName() string
	Close() error
}

// OriginalDocument gives steps read access to the untransformed document.
type OriginalDocument interface {
	SelectNodes(path string, ns NamespaceContext) ([]Node, error)
}

// CurrentElement exposes the transform element that is being applied.
type CurrentElement interface {
	Node() Node
}

// MessageType is the verbosity of a logged message.
type MessageType int

const (
	// MessageNormal is shown at default verbosity.
	MessageNormal MessageType = iota
	// MessageVerbose is shown only when verbose output is requested.
	MessageVerbose
)

// Logger receives progress reports from steps.
type Logger interface {
	LogMessage(kind MessageType, format string, args ...any)
	LogWarning(format string, args ...any)
	LogError(err error)
	StartSection(kind MessageType, format string, args ...any)
	EndSection(kind MessageType, format string, args ...any)
}

// ServiceConsumer is implemented by steps that need capabilities from the
// current run.
type ServiceConsumer interface {
	BindServices(lookup services.Lookup) error
}

// Bind hands lookup to instance if it consumes services.
func Bind(instance any, lookup services.Lookup) error {
	consumer, ok := instance.(ServiceConsumer)
	if !ok {
		return nil
	}
	if err := consumer.BindServices(lookup); err != nil {
		return fmt.Errorf("failed to bind services: %w", err)
	}
	return nil
}

// Base kinds used when constructing steps by name.
var (
	TransformType = reflect.TypeFor[Transform]()
	LocatorType   = reflect.TypeFor[Locator]()
	DocumentType  = reflect.TypeFor[Document]()
	LoggerType    = reflect.TypeFor[Logger]()
)

// BaseTypes maps the base kind names accepted on the command line and in
// configuration to their types.
var BaseTypes = map[string]reflect.Type{
	"transform": TransformType,
	"locator":   LocatorType,
	"document":  DocumentType,
	"logger":    LoggerType,
}

// SimpleNode is a Node backed by a name and an attribute map.
type SimpleNode struct {
	Tag   string
	Attrs map[string]string
}

// Name implements Node.
func (n *SimpleNode) Name() string {
	return n.Tag
}

// Attr implements Node.
func (n *SimpleNode) Attr(name string) (string, bool) {
	v, ok := n.Attrs[name]
	return v, ok
}

// StaticElement is a CurrentElement for a fixed node.
type StaticElement struct {
	Element Node
}

// Node implements CurrentElement.
func (e StaticElement) Node() Node {
	return e.Element
}

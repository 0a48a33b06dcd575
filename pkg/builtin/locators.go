package builtin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/xdt/pkg/services"
	"github.com/openfroyo/xdt/pkg/xdt"
)

// ErrNoCurrentElement is returned when a locator that reads the current
// transform element runs without one.
var ErrNoCurrentElement = errors.New("current element capability is not available")

func requireArgs(locator string, arguments []string, n int) error {
	if len(arguments) != n {
		return fmt.Errorf("%s locator requires exactly %d argument(s), got %d", locator, n, len(arguments))
	}
	if strings.TrimSpace(arguments[0]) == "" {
		return fmt.Errorf("%s locator argument is empty", locator)
	}
	return nil
}

// Condition narrows the parent path with a predicate: Condition(@name='a').
type Condition struct{}

// ConstructPath implements xdt.Locator.
func (Condition) ConstructPath(parentPath string, arguments []string) (string, error) {
	if err := requireArgs("Condition", arguments, 1); err != nil {
		return "", err
	}
	return parentPath + "[" + strings.TrimSpace(arguments[0]) + "]", nil
}

// XPath selects with an explicit path. Absolute paths replace the parent path;
// relative ones are appended to it.
type XPath struct{}

// ConstructPath implements xdt.Locator.
func (XPath) ConstructPath(parentPath string, arguments []string) (string, error) {
	if err := requireArgs("XPath", arguments, 1); err != nil {
		return "", err
	}
	path := strings.TrimSpace(arguments[0])
	if strings.HasPrefix(path, "/") {
		return path, nil
	}
	return strings.TrimSuffix(parentPath, "/") + "/" + path, nil
}

// Match selects the elements whose named attributes equal those of the
// current transform element: Match(name,version).
type Match struct {
	current xdt.CurrentElement
	logger  xdt.Logger
}

// BindServices implements xdt.ServiceConsumer.
func (m *Match) BindServices(lookup services.Lookup) error {
	current, ok := services.Get[xdt.CurrentElement](lookup, xdt.KeyCurrentElement)
	if !ok {
		return ErrNoCurrentElement
	}
	m.current = current
	m.logger, _ = services.Get[xdt.Logger](lookup, xdt.KeyLogger)
	return nil
}

// ConstructPath implements xdt.Locator.
func (m *Match) ConstructPath(parentPath string, arguments []string) (string, error) {
	if m.current == nil {
		return "", ErrNoCurrentElement
	}
	if len(arguments) == 0 {
		return "", errors.New("match locator requires at least one attribute name")
	}

	element := m.current.Node()
	terms := make([]string, 0, len(arguments))
	for _, arg := range arguments {
		name := strings.TrimSpace(arg)
		value, ok := element.Attr(name)
		if !ok {
			return "", fmt.Errorf("match locator: element <%s> has no attribute %q", element.Name(), name)
		}
		terms = append(terms, fmt.Sprintf("@%s=%s", name, quote(value)))
	}

	path := parentPath + "[" + strings.Join(terms, " and ") + "]"
	if m.logger != nil {
		m.logger.LogMessage(xdt.MessageVerbose, "Match locator built %s", path)
	}
	return path, nil
}

// quote renders value as an XPath string literal.
func quote(value string) string {
	if !strings.Contains(value, "'") {
		return "'" + value + "'"
	}
	if !strings.Contains(value, `"`) {
		return `"` + value + `"`
	}
	parts := strings.Split(value, "'")
	return "concat('" + strings.Join(parts, `', "'", '`) + "')"
}

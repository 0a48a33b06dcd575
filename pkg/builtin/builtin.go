// Package builtin provides the code unit that every registry consults first.
package builtin

import (
	"github.com/openfroyo/xdt/pkg/typesource"
)

// Namespace qualifies the built-in type names.
const Namespace = "xdt"

// Unit returns a unit defining the built-in types under Namespace.
func Unit() *typesource.StaticUnit {
	return typesource.NewStaticUnit("builtin").
		Add(Namespace+".XmlFileInfoDocument", &XmlFileInfoDocument{}).
		AddConstructor(Namespace+".Logger", NewLogger).
		Add(Namespace+".Condition", &Condition{}).
		Add(Namespace+".XPath", &XPath{}).
		Add(Namespace+".Match", &Match{})
}

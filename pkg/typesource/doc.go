// Package typesource resolves the symbolic type names used by transform
// scripts to concrete implementations and constructs them.
//
// A Registry holds an ordered list of sources. Each source pairs a namespace
// with a code unit that is either supplied in memory, identified by a library
// name, or located by a file path. Named and path units are loaded lazily, at
// most once; a unit that fails to load is skipped by every later lookup.
//
// A name resolves by qualifying it with each source's namespace and asking the
// source's unit for a type of that qualified name. Exactly one distinct match
// must exist. The match is then checked against the expected base kind and
// constructed through its zero-argument construction path:
//
//	reg := typesource.NewRegistry(typesource.Config{
//		RelativePathRoot: "/srv/app/web.release.xdt",
//		Builtin:          builtin.Unit(),
//		BuiltinNamespace: builtin.Namespace,
//		PathLoader:       loaders,
//	})
//	reg.AddPathSource("ext/locators.star", "acme")
//
//	loc, err := typesource.Construct[xdt.Locator](ctx, reg, "Condition")
//
// Registries are not safe for concurrent use.
package typesource

// Package config loads the configuration of an xdt session.
//
// A configuration file is YAML (.yaml, .yml) or CUE (.cue). CUE files are
// unified with the built-in #Config schema before decoding, so unknown fields
// and malformed sources are reported with their position in the file.
//
// # Example
//
//	relative_path_root: transforms/web.release.xdt
//	search_paths:
//	  - units
//	sources:
//	  - kind: named
//	    namespace: acme
//	    identifier: acme-locators
//	  - kind: path
//	    namespace: acme
//	    path: local/steps.star
//	journal:
//	  enabled: true
//	  path: .xdt/journal.db
//
// Relative paths in relative_path_root, search_paths and journal.path are
// resolved against the directory that contains the configuration file. Path
// sources stay relative: the registry resolves them against the directory of
// relative_path_root.
package config

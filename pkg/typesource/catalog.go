package typesource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCandidates is the search order used to map a library identifier to a
// file inside a search directory. "%s" is replaced by the identifier.
var DefaultCandidates = []string{
	"%s.star",
	"%s.yaml",
	filepath.Join("%s", "manifest.yaml"),
	"%s.so",
}

// Catalog resolves library identifiers to units. Units registered directly on
// the catalog take precedence; other identifiers are looked up as files in the
// search directories and handed to the path loader.
type Catalog struct {
	// SearchPaths are the directories searched in order.
	SearchPaths []string

	// Candidates overrides DefaultCandidates when non-empty.
	Candidates []string

	// Paths loads the file an identifier resolves to.
	Paths PathLoader

	units map[string]Unit
}

// NewCatalog creates a catalog searching dirs with paths as the file loader.
func NewCatalog(paths PathLoader, dirs ...string) *Catalog {
	return &Catalog{
		SearchPaths: dirs,
		Paths:       paths,
		units:       make(map[string]Unit),
	}
}

// Register makes unit available under identifier without touching the file system.
func (c *Catalog) Register(identifier string, unit Unit) {
	if c.units == nil {
		c.units = make(map[string]Unit)
	}
	c.units[identifier] = unit
}

// LoadNamed implements NamedLoader.
func (c *Catalog) LoadNamed(ctx context.Context, identifier string) (Unit, error) {
	if unit, ok := c.units[identifier]; ok {
		return unit, nil
	}

	if identifier == "" || strings.ContainsAny(identifier, `/\`) || identifier == ".." {
		return nil, fmt.Errorf("invalid library identifier %q", identifier)
	}

	path, err := c.Locate(identifier)
	if err != nil {
		return nil, err
	}

	if c.Paths == nil {
		return nil, fmt.Errorf("library %q found at %s but no path loader is configured", identifier, path)
	}
	return c.Paths.LoadPath(ctx, path)
}

// Locate returns the first file the identifier maps to in the search directories.
func (c *Catalog) Locate(identifier string) (string, error) {
	candidates := c.Candidates
	if len(candidates) == 0 {
		candidates = DefaultCandidates
	}

	for _, dir := range c.SearchPaths {
		for _, pattern := range candidates {
			path := filepath.Join(dir, fmt.Sprintf(pattern, identifier))
			info, err := os.Stat(path)
			if err == nil && !info.IsDir() {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("library %q not found in search paths %v", identifier, c.SearchPaths)
}

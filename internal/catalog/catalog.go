// Package catalog loads the world catalogue: the set of known worlds, the
// modes they support, and the defaults applied when create_session omits a
// world or mode. The catalogue is advisory; an unknown worldId is never
// rejected.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// World is a catalogued game world.
type World struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Modes []string `yaml:"modes"`
}

// yamlCatalogFile is the top-level YAML structure for the worlds file.
type yamlCatalogFile struct {
	Defaults yamlDefaults `yaml:"defaults"`
	Worlds   []World      `yaml:"worlds"`
}

type yamlDefaults struct {
	World string `yaml:"world"`
	Mode  string `yaml:"mode"`
}

// Catalog is the validated, immutable world catalogue.
type Catalog struct {
	worlds       map[string]World
	defaultWorld string
	defaultMode  string
}

// LoadFile reads and validates a worlds YAML file.
//
// Precondition: path must point to a valid YAML catalogue file.
// Postcondition: Returns a validated Catalog or a non-nil error.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalogue file: %w", err)
	}

	var file yamlCatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing catalogue file %s: %w", path, err)
	}

	worlds := make(map[string]World, len(file.Worlds))
	for _, w := range file.Worlds {
		if w.ID == "" {
			return nil, fmt.Errorf("catalogue file %s: world with empty id", path)
		}
		if _, dup := worlds[w.ID]; dup {
			return nil, fmt.Errorf("catalogue file %s: duplicate world id %q", path, w.ID)
		}
		worlds[w.ID] = w
	}

	if file.Defaults.World != "" {
		if _, ok := worlds[file.Defaults.World]; !ok {
			return nil, fmt.Errorf("catalogue file %s: default world %q not in catalogue", path, file.Defaults.World)
		}
	}

	return &Catalog{
		worlds:       worlds,
		defaultWorld: file.Defaults.World,
		defaultMode:  file.Defaults.Mode,
	}, nil
}

// DefaultWorld returns the world applied when create_session omits one.
func (c *Catalog) DefaultWorld() string {
	return c.defaultWorld
}

// DefaultMode returns the mode applied when create_session omits one.
func (c *Catalog) DefaultMode() string {
	return c.defaultMode
}

// HasWorld reports whether the given world id is catalogued.
func (c *Catalog) HasWorld(id string) bool {
	_, ok := c.worlds[id]
	return ok
}

// Worlds returns all catalogued worlds sorted by id.
func (c *Catalog) Worlds() []World {
	out := make([]World, 0, len(c.worlds))
	for _, w := range c.worlds {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WorldCount returns the number of catalogued worlds.
func (c *Catalog) WorldCount() int {
	return len(c.worlds)
}

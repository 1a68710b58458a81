// Package scenario loads the read-only case files sessions are played from.
package scenario

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/yungsuk53-pixel/crime/internal/game"
)

//go:embed scenarios/*.yaml
var builtin embed.FS

// ErrNotFound is returned for an unknown scenario id.
var ErrNotFound = errors.New("scenario not found")

// PlayerRange bounds the roster size a scenario supports.
type PlayerRange struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Scenario is one playable case.
type Scenario struct {
	ID          string             `yaml:"id" json:"id"`
	Title       string             `yaml:"title" json:"title"`
	Tagline     string             `yaml:"tagline" json:"tagline"`
	Difficulty  string             `yaml:"difficulty" json:"difficulty,omitempty"`
	Tone        string             `yaml:"tone" json:"tone,omitempty"`
	Duration    string             `yaml:"duration" json:"duration,omitempty"`
	PlayerRange PlayerRange        `yaml:"player_range" json:"player_range"`
	Summary     string             `yaml:"summary" json:"summary"`
	Motifs      []string           `yaml:"motifs" json:"motifs,omitempty"`
	Conflicts   []string           `yaml:"conflicts" json:"conflicts,omitempty"`
	Timeline    []game.TimelineRef `yaml:"timeline" json:"timeline,omitempty"`
	Roles       game.RoleSet       `yaml:"roles" json:"-"`
}

// Validate checks the fields the engine relies on.
func (s *Scenario) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("scenario id is required")
	}
	if s.PlayerRange.Min < 2 {
		return fmt.Errorf("scenario %s: player_range.min must be at least 2", s.ID)
	}
	if s.PlayerRange.Max < s.PlayerRange.Min {
		return fmt.Errorf("scenario %s: player_range.max below min", s.ID)
	}
	if err := s.Roles.Validate(); err != nil {
		return fmt.Errorf("scenario %s: %w", s.ID, err)
	}
	return nil
}

// Catalog is a goroutine-safe scenario registry.
type Catalog struct {
	mu        sync.RWMutex
	scenarios map[string]*Scenario
}

func NewCatalog() *Catalog {
	return &Catalog{scenarios: make(map[string]*Scenario)}
}

// Builtin returns a catalog holding the scenarios shipped with the binary.
func Builtin() (*Catalog, error) {
	c := NewCatalog()
	if err := c.loadFS(builtin, "scenarios"); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadDir registers every .yaml/.yml file in dir, replacing scenarios
// with the same id.
func (c *Catalog) LoadDir(dir string) error {
	return c.loadFS(os.DirFS(dir), ".")
}

func (c *Catalog) loadFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("failed to read scenario dir: %w", err)
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, entry.Name())))
		if err != nil {
			return fmt.Errorf("failed to read scenario %s: %w", entry.Name(), err)
		}
		s, err := Parse(data)
		if err != nil {
			return fmt.Errorf("%s: %w", entry.Name(), err)
		}
		c.Register(s)
		log.Printf("[Scenario] Loaded %s (%d-%d players)", s.ID, s.PlayerRange.Min, s.PlayerRange.Max)
	}
	return nil
}

// Parse decodes and validates one scenario document.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Catalog) Register(s *Scenario) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scenarios[s.ID] = s
}

func (c *Catalog) Get(id string) (*Scenario, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns every scenario sorted by id.
func (c *Catalog) List() []*Scenario {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Scenario, 0, len(c.scenarios))
	for _, s := range c.scenarios {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package permissions

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v2"
)

// Registry exposes permission groups ordered by ascending Order.
type Registry interface {
	List(ctx context.Context) ([]Group, error)
	// GetByID returns nil, nil when no group has the id.
	GetByID(ctx context.Context, id string) (*Group, error)
	// GetByName matches case-insensitively; with duplicate names the
	// lowest-order group wins.
	GetByName(ctx context.Context, name string) (*Group, error)
}

// GroupSource is durable permission storage.
type GroupSource interface {
	ListPermissionGroups(ctx context.Context) ([]Group, error)
}

// GroupWriter persists group definitions; used for seeding.
type GroupWriter interface {
	UpsertPermissionGroup(ctx context.Context, g Group) error
}

// sortGroups orders a copy of groups by Order, then ID so duplicate orders
// are at least deterministic.
func sortGroups(groups []Group) []Group {
	out := slices.Clone(groups)
	slices.SortStableFunc(out, func(a, b Group) int {
		if c := cmp.Compare(a.Order, b.Order); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for i := 1; i < len(out); i++ {
		if out[i].Order == out[i-1].Order {
			slog.Warn("duplicate permission order",
				slog.String("component", "permissions"),
				slog.Int("order", out[i].Order),
				slog.String("first", out[i-1].ID),
				slog.String("second", out[i].ID))
		}
	}
	return out
}

func findByID(groups []Group, id string) *Group {
	for i := range groups {
		if groups[i].ID == id {
			g := groups[i]
			return &g
		}
	}
	return nil
}

func findByName(groups []Group, name string) *Group {
	want := normalizeName(name)
	for i := range groups {
		if normalizeName(groups[i].Name) == want {
			g := groups[i]
			return &g
		}
	}
	return nil
}

// StaticRegistry serves a fixed group set.
type StaticRegistry struct {
	groups []Group
}

// NewStaticRegistry returns a registry over a sorted copy of groups.
func NewStaticRegistry(groups []Group) *StaticRegistry {
	return &StaticRegistry{groups: sortGroups(groups)}
}

func (s *StaticRegistry) List(context.Context) ([]Group, error) {
	return slices.Clone(s.groups), nil
}

func (s *StaticRegistry) GetByID(_ context.Context, id string) (*Group, error) {
	return findByID(s.groups, id), nil
}

func (s *StaticRegistry) GetByName(_ context.Context, name string) (*Group, error) {
	return findByName(s.groups, name), nil
}

// StoreRegistry memoizes groups loaded from a GroupSource until Reload.
type StoreRegistry struct {
	src GroupSource

	mu     sync.RWMutex
	groups []Group
	loaded bool
}

// NewStoreRegistry returns a registry that loads lazily from src.
func NewStoreRegistry(src GroupSource) *StoreRegistry {
	return &StoreRegistry{src: src}
}

// Reload replaces the memoized groups with the current durable set.
func (s *StoreRegistry) Reload(ctx context.Context) error {
	groups, err := s.src.ListPermissionGroups(ctx)
	if err != nil {
		return fmt.Errorf("list permission groups: %w", err)
	}
	sorted := sortGroups(groups)
	s.mu.Lock()
	s.groups = sorted
	s.loaded = true
	s.mu.Unlock()
	slog.Debug("permission groups reloaded", slog.String("component", "permissions"), slog.Int("groups", len(sorted)))
	return nil
}

func (s *StoreRegistry) snapshot(ctx context.Context) ([]Group, error) {
	s.mu.RLock()
	if s.loaded {
		g := s.groups
		s.mu.RUnlock()
		return g, nil
	}
	s.mu.RUnlock()
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups, nil
}

func (s *StoreRegistry) List(ctx context.Context) ([]Group, error) {
	g, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(g), nil
}

func (s *StoreRegistry) GetByID(ctx context.Context, id string) (*Group, error) {
	g, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return findByID(g, id), nil
}

func (s *StoreRegistry) GetByName(ctx context.Context, name string) (*Group, error) {
	g, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return findByName(g, name), nil
}

type groupFile struct {
	Groups []Group `yaml:"groups"`
}

// LoadFile reads a YAML group seed:
//
//	groups:
//	  - id: 4300ed23-dca0-4ed9-8014-f5f2f7af55a9
//	    name: Casters
//	    order: 0
//	    automation: casters
//	    isWaterfallAllowed: true
func LoadFile(path string) ([]Group, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read permissions file: %w", err)
	}
	var f groupFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse permissions file %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(f.Groups))
	for i := range f.Groups {
		g := &f.Groups[i]
		if g.ID == "" {
			return nil, fmt.Errorf("permissions file %s: group %d (%q) has no id", path, i, g.Name)
		}
		if _, dup := seen[g.ID]; dup {
			return nil, fmt.Errorf("permissions file %s: duplicate group id %s", path, g.ID)
		}
		seen[g.ID] = struct{}{}
		if g.Automation == "" {
			g.Automation = AutomationNone
		}
	}
	return f.Groups, nil
}

// Seed writes groups through w.
func Seed(ctx context.Context, w GroupWriter, groups []Group) error {
	for _, g := range groups {
		if err := w.UpsertPermissionGroup(ctx, g); err != nil {
			return fmt.Errorf("seed permission group %s: %w", g.ID, err)
		}
	}
	return nil
}

package rbac

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Catalog is the module-namespaced list of permissions known to the system.
// It is read-mostly; Replace and Reload swap the whole list at once.
type Catalog struct {
	mu     sync.RWMutex
	perms  []Permission
	byID   map[int64]Permission
	reload singleflight.Group
}

// NewCatalog builds a catalog from the given permissions.
func NewCatalog(perms []Permission) (*Catalog, error) {
	c := &Catalog{byID: map[int64]Permission{}}
	if err := c.Replace(perms); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace validates and installs a new permission list.
func (c *Catalog) Replace(perms []Permission) error {
	sorted := make([]Permission, 0, len(perms))
	byID := make(map[int64]Permission, len(perms))
	names := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p.Name = strings.TrimSpace(p.Name)
		if err := validatePermissionName(p.Name); err != nil {
			return err
		}
		if _, ok := byID[p.ID]; ok {
			return fmt.Errorf("%w: duplicate id %d", ErrInvalidPermission, p.ID)
		}
		key := nameKey(p.Name)
		if _, ok := names[key]; ok {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidPermission, p.Name)
		}
		names[key] = struct{}{}
		byID[p.ID] = p
		sorted = append(sorted, p)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	c.mu.Lock()
	c.perms = sorted
	c.byID = byID
	c.mu.Unlock()
	return nil
}

// Reload pulls the catalog from the repository. Concurrent callers share one load.
func (c *Catalog) Reload(ctx context.Context, repo PermissionRepository) error {
	_, err, _ := c.reload.Do("catalog", func() (interface{}, error) {
		perms, err := repo.ListPermissions(ctx)
		if err != nil {
			return nil, persistenceError("list permissions", err)
		}
		return nil, c.Replace(perms)
	})
	return err
}

// List returns the permissions ordered by id.
func (c *Catalog) List() []Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Permission, len(c.perms))
	copy(out, c.perms)
	return out
}

// IDs returns every permission id in catalog order.
func (c *Catalog) IDs() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int64, len(c.perms))
	for i, p := range c.perms {
		ids[i] = p.ID
	}
	return ids
}

// Lookup returns the permission with the given id.
func (c *Catalog) Lookup(id int64) (Permission, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.byID[id]
	return p, ok
}

// GroupByModule buckets permissions by the text before the first dot of their name.
func (c *Catalog) GroupByModule() map[string][]Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	groups := make(map[string][]Permission)
	for _, p := range c.perms {
		module := p.Module()
		groups[module] = append(groups[module], p)
	}
	return groups
}

func validatePermissionName(name string) error {
	module, action, ok := strings.Cut(name, ".")
	if !ok || module == "" || action == "" {
		return fmt.Errorf("%w: %q is not <module>.<action>", ErrInvalidPermission, name)
	}
	return nil
}

package cluster

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const catalogFile = "catalog.json"

// CatalogEntry describes one database the node hosts.
type CatalogEntry struct {
	GraphID    string    `json:"graph_id"`
	SchemaKind string    `json:"schema_kind"`
	Repository string    `json:"repository,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// catalog is the node's local database registry, persisted as a JSON blob
// under the base path so the node recovers its view on restart.
type catalog struct {
	mu      sync.RWMutex
	path    string
	entries map[string]CatalogEntry
}

func loadCatalog(basePath string) (*catalog, error) {
	c := &catalog{
		path:    filepath.Join(basePath, catalogFile),
		entries: make(map[string]CatalogEntry),
	}
	raw, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &c.entries); err != nil {
		return nil, err
	}
	return c, nil
}

// persistLocked writes the catalog atomically via a temp file rename.
func (c *catalog) persistLocked() error {
	raw, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

func (c *catalog) Add(entry CatalogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.GraphID] = entry
	return c.persistLocked()
}

func (c *catalog) Remove(graphID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, graphID)
	return c.persistLocked()
}

func (c *catalog) Get(graphID string) (CatalogEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[graphID]
	return entry, ok
}

func (c *catalog) Exists(graphID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[graphID]
	return ok
}

func (c *catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *catalog) List() []CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CatalogEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GraphID < out[j].GraphID })
	return out
}

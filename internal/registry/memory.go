package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hivebot/botfleet/internal/model"
)

// MemoryGodRegistry is an in-memory god registry. A single mutex makes
// Claim a true compare-and-set, which is what tests and single-node
// development mode need.
type MemoryGodRegistry struct {
	mu      sync.Mutex
	entries map[string]model.GodRegistryEntry
}

// NewMemoryGodRegistry creates an empty in-memory god registry.
func NewMemoryGodRegistry() *MemoryGodRegistry {
	return &MemoryGodRegistry{entries: make(map[string]model.GodRegistryEntry)}
}

// Lookup returns the ownership entry for an identity.
func (r *MemoryGodRegistry) Lookup(ctx context.Context, identity string) (*model.GodRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[identity]
	if !ok {
		return nil, ErrNotRegistered
	}
	return &entry, nil
}

// Claim atomically creates the ownership entry for an identity.
func (r *MemoryGodRegistry) Claim(ctx context.Context, identity, serverName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[identity]; ok {
		return &AlreadyOwnedError{Identity: identity, Owner: existing.ServerName}
	}
	r.entries[identity] = model.GodRegistryEntry{
		ExternalIdentity: identity,
		ServerName:       serverName,
		RegisteredAt:     time.Now().UTC(),
	}
	return nil
}

// Release removes an entry, unwinding a failed registration.
func (r *MemoryGodRegistry) Release(ctx context.Context, identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, identity)
	return nil
}

// MemoryServerRegistry is an in-memory server registry.
type MemoryServerRegistry struct {
	mu      sync.Mutex
	entries map[string]model.ServerRegistryEntry
}

// NewMemoryServerRegistry creates an empty in-memory server registry.
func NewMemoryServerRegistry() *MemoryServerRegistry {
	return &MemoryServerRegistry{entries: make(map[string]model.ServerRegistryEntry)}
}

// Upsert creates or updates a server's registry entry, preserving the
// current bot count on update.
func (r *MemoryServerRegistry) Upsert(ctx context.Context, entry *model.ServerRegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *entry
	if existing, ok := r.entries[entry.ServerName]; ok {
		stored.CurrentBots = existing.CurrentBots
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	stored.UpdatedAt = time.Now().UTC()
	r.entries[entry.ServerName] = stored
	return nil
}

// Get returns one server's entry.
func (r *MemoryServerRegistry) Get(ctx context.Context, serverName string) (*model.ServerRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[serverName]
	if !ok {
		return nil, ErrUnknownServer
	}
	return &entry, nil
}

// List returns all known servers ordered by name.
func (r *MemoryServerRegistry) List(ctx context.Context) ([]model.ServerRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]model.ServerRegistryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ServerName < entries[j].ServerName })
	return entries, nil
}

// PickTarget returns the least-loaded active server with free capacity.
func (r *MemoryServerRegistry) PickTarget(ctx context.Context) (*model.ServerRegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *model.ServerRegistryEntry
	for name := range r.entries {
		entry := r.entries[name]
		if !entry.HasCapacity() {
			continue
		}
		if best == nil || entry.CurrentBots < best.CurrentBots {
			copied := entry
			best = &copied
		}
	}
	if best == nil {
		return nil, ErrNoCapacity
	}
	return best, nil
}

// Reserve atomically takes one capacity slot on a server.
func (r *MemoryServerRegistry) Reserve(ctx context.Context, serverName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[serverName]
	if !ok {
		return ErrUnknownServer
	}
	if !entry.HasCapacity() {
		return ErrNoCapacity
	}
	entry.CurrentBots++
	entry.UpdatedAt = time.Now().UTC()
	r.entries[serverName] = entry
	return nil
}

// ReleaseSlot returns one capacity slot to a server.
func (r *MemoryServerRegistry) ReleaseSlot(ctx context.Context, serverName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[serverName]
	if !ok {
		return ErrUnknownServer
	}
	if entry.CurrentBots > 0 {
		entry.CurrentBots--
	}
	entry.UpdatedAt = time.Now().UTC()
	r.entries[serverName] = entry
	return nil
}

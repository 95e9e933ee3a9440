// Package registry holds the fleet-wide ownership and capacity records: the
// god registry mapping each external identity to its single owning server,
// and the server registry tracking node capacity. Both sit behind
// transactional interfaces so the uniqueness invariant is enforceable under
// concurrent registration attempts.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/hivebot/botfleet/internal/model"
)

// ErrNotRegistered is returned when no god registry entry exists for an
// external identity.
var ErrNotRegistered = errors.New("identity not registered")

// ErrUnknownServer is returned when a server name has no registry entry.
var ErrUnknownServer = errors.New("unknown server")

// ErrNoCapacity is returned when no active server can accept another bot.
var ErrNoCapacity = errors.New("no server capacity available")

// AlreadyOwnedError reports a claim attempt against an identity that is
// already bound to a server. It carries the owner so callers can route the
// request or surface a useful conflict.
type AlreadyOwnedError struct {
	Identity string
	Owner    string
}

func (e *AlreadyOwnedError) Error() string {
	return fmt.Sprintf("identity %s already owned by server %s", e.Identity, e.Owner)
}

// GodRegistry is the single source of truth for which server owns an
// external identity. Claim is the only way entries come into existence and
// must be atomic: of any number of concurrent claims for the same identity,
// exactly one succeeds.
type GodRegistry interface {
	// Lookup returns the ownership entry for an identity, or
	// ErrNotRegistered.
	Lookup(ctx context.Context, identity string) (*model.GodRegistryEntry, error)
	// Claim atomically creates the ownership entry. Returns
	// *AlreadyOwnedError if the identity is already bound.
	Claim(ctx context.Context, identity, serverName string) error
	// Release removes an entry. It exists only to unwind a registration
	// whose bot instance creation failed; it is never exposed as an API
	// operation.
	Release(ctx context.Context, identity string) error
}

// ServerRegistry tracks the fleet's server nodes and their capacity.
// Reserve and ReleaseSlot adjust the bot count under the same atomicity
// discipline as GodRegistry.Claim so concurrent registrations cannot
// overbook a node.
type ServerRegistry interface {
	// Upsert creates or updates a server's registry entry.
	Upsert(ctx context.Context, entry *model.ServerRegistryEntry) error
	// Get returns one server's entry, or ErrUnknownServer.
	Get(ctx context.Context, serverName string) (*model.ServerRegistryEntry, error)
	// List returns all known servers.
	List(ctx context.Context) ([]model.ServerRegistryEntry, error)
	// PickTarget returns the least-loaded active server with free
	// capacity, or ErrNoCapacity.
	PickTarget(ctx context.Context) (*model.ServerRegistryEntry, error)
	// Reserve atomically takes one capacity slot on a server. Returns
	// ErrNoCapacity if the server is full or inactive.
	Reserve(ctx context.Context, serverName string) error
	// ReleaseSlot returns one capacity slot to a server.
	ReleaseSlot(ctx context.Context, serverName string) error
}

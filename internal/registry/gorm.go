package registry

import (
	"context"
	"errors"
	"time"

	"github.com/hivebot/botfleet/internal/model"
	"github.com/hivebot/botfleet/prometheus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormGodRegistry is the database-backed god registry. Atomicity of Claim
// rests on the primary-key constraint of the god_registry table: the insert
// either lands or conflicts, there is no read-then-write window.
type GormGodRegistry struct {
	db *gorm.DB
}

// NewGormGodRegistry creates a god registry backed by the given database.
func NewGormGodRegistry(db *gorm.DB) *GormGodRegistry {
	return &GormGodRegistry{db: db}
}

// Lookup returns the ownership entry for an identity.
func (r *GormGodRegistry) Lookup(ctx context.Context, identity string) (*model.GodRegistryEntry, error) {
	defer prometheus.TrackDBOperation("god_lookup")(time.Now())

	var entry model.GodRegistryEntry
	err := r.db.WithContext(ctx).First(&entry, "external_identity = ?", identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Claim atomically creates the ownership entry for an identity.
func (r *GormGodRegistry) Claim(ctx context.Context, identity, serverName string) error {
	defer prometheus.TrackDBOperation("god_claim")(time.Now())

	entry := model.GodRegistryEntry{
		ExternalIdentity: identity,
		ServerName:       serverName,
		RegisteredAt:     time.Now().UTC(),
	}

	// Insert-or-nothing on the primary key. RowsAffected == 0 means a
	// concurrent claim won; report the current owner.
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_identity"}},
		DoNothing: true,
	}).Create(&entry)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		existing, err := r.Lookup(ctx, identity)
		if err != nil {
			return err
		}
		return &AlreadyOwnedError{Identity: identity, Owner: existing.ServerName}
	}
	return nil
}

// Release removes an entry, unwinding a failed registration.
func (r *GormGodRegistry) Release(ctx context.Context, identity string) error {
	defer prometheus.TrackDBOperation("god_release")(time.Now())
	return r.db.WithContext(ctx).Delete(&model.GodRegistryEntry{}, "external_identity = ?", identity).Error
}

// GormServerRegistry is the database-backed server registry.
type GormServerRegistry struct {
	db *gorm.DB
}

// NewGormServerRegistry creates a server registry backed by the given
// database.
func NewGormServerRegistry(db *gorm.DB) *GormServerRegistry {
	return &GormServerRegistry{db: db}
}

// Upsert creates or updates a server's registry entry, preserving the
// current bot count on update.
func (r *GormServerRegistry) Upsert(ctx context.Context, entry *model.ServerRegistryEntry) error {
	defer prometheus.TrackDBOperation("server_upsert")(time.Now())
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"max_bots", "status", "address", "updated_at"}),
	}).Create(entry).Error
}

// Get returns one server's entry.
func (r *GormServerRegistry) Get(ctx context.Context, serverName string) (*model.ServerRegistryEntry, error) {
	var entry model.ServerRegistryEntry
	err := r.db.WithContext(ctx).First(&entry, "server_name = ?", serverName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownServer
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// List returns all known servers.
func (r *GormServerRegistry) List(ctx context.Context) ([]model.ServerRegistryEntry, error) {
	var entries []model.ServerRegistryEntry
	if err := r.db.WithContext(ctx).Order("server_name").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// PickTarget returns the least-loaded active server with free capacity.
func (r *GormServerRegistry) PickTarget(ctx context.Context) (*model.ServerRegistryEntry, error) {
	var entry model.ServerRegistryEntry
	err := r.db.WithContext(ctx).
		Where("status = ? AND current_bots < max_bots", model.ServerActive).
		Order("current_bots ASC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoCapacity
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Reserve atomically takes one capacity slot on a server. The capacity
// check happens inside the guarded update, not before it.
func (r *GormServerRegistry) Reserve(ctx context.Context, serverName string) error {
	defer prometheus.TrackDBOperation("server_reserve")(time.Now())

	result := r.db.WithContext(ctx).Model(&model.ServerRegistryEntry{}).
		Where("server_name = ? AND status = ? AND current_bots < max_bots", serverName, model.ServerActive).
		UpdateColumn("current_bots", gorm.Expr("current_bots + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, serverName); err != nil {
			return err
		}
		return ErrNoCapacity
	}
	return nil
}

// ReleaseSlot returns one capacity slot to a server.
func (r *GormServerRegistry) ReleaseSlot(ctx context.Context, serverName string) error {
	defer prometheus.TrackDBOperation("server_release")(time.Now())
	return r.db.WithContext(ctx).Model(&model.ServerRegistryEntry{}).
		Where("server_name = ? AND current_bots > 0", serverName).
		UpdateColumn("current_bots", gorm.Expr("current_bots - 1")).Error
}

package credential

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no credential record exists for a bot.
var ErrNotFound = errors.New("credential not found")

// Store persists session credentials with per-bot isolation. Implementations
// must serialize concurrent access for the same bot id.
type Store interface {
	// Put creates or replaces the credential record for a bot.
	Put(ctx context.Context, botID string, bundle *Bundle) error
	// Get returns the credential bundle for a bot.
	Get(ctx context.Context, botID string) (*Bundle, error)
	// Delete irreversibly removes a bot's credentials.
	Delete(ctx context.Context, botID string) error
}

// Record is the persisted form of a credential bundle. The session secret
// is never serialized to JSON.
type Record struct {
	BotID            string    `gorm:"primaryKey;type:varchar(100)" json:"bot_id"`
	ExternalIdentity string    `gorm:"type:varchar(100);index;not null" json:"external_identity"`
	DisplayName      string    `gorm:"type:varchar(200)" json:"display_name"`
	Session          []byte    `gorm:"type:bytea" json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (Record) TableName() string { return "bot_credentials" }

// GormStore is the database-backed credential store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a credential store backed by the given database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Put creates or replaces the credential record for a bot.
func (s *GormStore) Put(ctx context.Context, botID string, bundle *Bundle) error {
	record := Record{
		BotID:            botID,
		ExternalIdentity: bundle.ExternalIdentity,
		DisplayName:      bundle.DisplayName,
		Session:          bundle.Session,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "bot_id"}},
		UpdateAll: true,
	}).Create(&record).Error
}

// Get returns the credential bundle for a bot.
func (s *GormStore) Get(ctx context.Context, botID string) (*Bundle, error) {
	var record Record
	err := s.db.WithContext(ctx).First(&record, "bot_id = ?", botID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &Bundle{
		ExternalIdentity: record.ExternalIdentity,
		DisplayName:      record.DisplayName,
		Session:          record.Session,
	}, nil
}

// Delete irreversibly removes a bot's credentials.
func (s *GormStore) Delete(ctx context.Context, botID string) error {
	return s.db.WithContext(ctx).Delete(&Record{}, "bot_id = ?", botID).Error
}

// MemoryStore is an in-memory credential store used in tests and
// single-node development mode.
type MemoryStore struct {
	mu      sync.Mutex
	bundles map[string]*Bundle
}

// NewMemoryStore creates an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[string]*Bundle)}
}

// Put creates or replaces the credential record for a bot.
func (s *MemoryStore) Put(ctx context.Context, botID string, bundle *Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[botID] = copyBundle(bundle)
	return nil
}

// Get returns the credential bundle for a bot.
func (s *MemoryStore) Get(ctx context.Context, botID string) (*Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bundle, ok := s.bundles[botID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBundle(bundle), nil
}

// copyBundle deep-copies a bundle so callers never share session bytes
// with the store.
func copyBundle(bundle *Bundle) *Bundle {
	copied := *bundle
	copied.Session = append([]byte(nil), bundle.Session...)
	return &copied
}

// Delete irreversibly removes a bot's credentials.
func (s *MemoryStore) Delete(ctx context.Context, botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bundles, botID)
	return nil
}

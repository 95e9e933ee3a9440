package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hivebot/botfleet/internal/model"
	"github.com/hivebot/botfleet/prometheus"
	"gorm.io/gorm"
)

// Store persists bot instances. The manager is the only writer for
// lifecycle state; the reconciliation service creates records.
type Store interface {
	// Get returns a bot by id, or ErrUnknownBot.
	Get(ctx context.Context, id string) (*model.BotInstance, error)
	// GetByIdentity returns the bot bound to an external identity, or
	// ErrUnknownBot.
	GetByIdentity(ctx context.Context, identity string) (*model.BotInstance, error)
	// Create inserts a new bot record.
	Create(ctx context.Context, bot *model.BotInstance) error
	// Save persists the bot's current field values.
	Save(ctx context.Context, bot *model.BotInstance) error
	// List returns bots, optionally filtered to the given states.
	List(ctx context.Context, states ...model.BotState) ([]model.BotInstance, error)
	// RecordActivity bumps the message/command counters and last-activity
	// timestamp. Best-effort: counters are monotonic but not exact.
	RecordActivity(ctx context.Context, id string, messages, commands int64) error
}

// GormStore is the database-backed bot store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a bot store backed by the given database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Get returns a bot by id.
func (s *GormStore) Get(ctx context.Context, id string) (*model.BotInstance, error) {
	var bot model.BotInstance
	err := s.db.WithContext(ctx).First(&bot, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownBot
	}
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// GetByIdentity returns the bot bound to an external identity.
func (s *GormStore) GetByIdentity(ctx context.Context, identity string) (*model.BotInstance, error) {
	var bot model.BotInstance
	err := s.db.WithContext(ctx).First(&bot, "external_identity = ?", identity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownBot
	}
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// Create inserts a new bot record.
func (s *GormStore) Create(ctx context.Context, bot *model.BotInstance) error {
	defer prometheus.TrackDBOperation("bot_create")(time.Now())
	return s.db.WithContext(ctx).Create(bot).Error
}

// Save persists the bot's current field values.
func (s *GormStore) Save(ctx context.Context, bot *model.BotInstance) error {
	defer prometheus.TrackDBOperation("bot_save")(time.Now())
	return s.db.WithContext(ctx).Save(bot).Error
}

// List returns bots, optionally filtered to the given states.
func (s *GormStore) List(ctx context.Context, states ...model.BotState) ([]model.BotInstance, error) {
	query := s.db.WithContext(ctx).Order("created_at")
	if len(states) > 0 {
		query = query.Where("state IN ?", states)
	}
	var bots []model.BotInstance
	if err := query.Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

// RecordActivity bumps the activity counters without racing other writers.
func (s *GormStore) RecordActivity(ctx context.Context, id string, messages, commands int64) error {
	return s.db.WithContext(ctx).Model(&model.BotInstance{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"message_count": gorm.Expr("message_count + ?", messages),
			"command_count": gorm.Expr("command_count + ?", commands),
			"last_activity": time.Now().UTC(),
		}).Error
}

// MemoryStore is an in-memory bot store used in tests and single-node
// development mode.
type MemoryStore struct {
	mu   sync.Mutex
	bots map[string]model.BotInstance
	seq  int
}

// NewMemoryStore creates an empty in-memory bot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bots: make(map[string]model.BotInstance)}
}

// Get returns a bot by id.
func (s *MemoryStore) Get(ctx context.Context, id string) (*model.BotInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[id]
	if !ok {
		return nil, ErrUnknownBot
	}
	return &bot, nil
}

// GetByIdentity returns the bot bound to an external identity.
func (s *MemoryStore) GetByIdentity(ctx context.Context, identity string) (*model.BotInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bot := range s.bots {
		if bot.ExternalIdentity == identity {
			copied := bot
			return &copied, nil
		}
	}
	return nil, ErrUnknownBot
}

// Create inserts a new bot record.
func (s *MemoryStore) Create(ctx context.Context, bot *model.BotInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bot.ID == "" {
		s.seq++
		bot.ID = generateMemoryID(s.seq)
	}
	if bot.State == "" {
		bot.State = model.StatePending
	}
	if bot.Approval == "" {
		bot.Approval = model.ApprovalPending
	}
	now := time.Now().UTC()
	bot.CreatedAt = now
	bot.UpdatedAt = now
	s.bots[bot.ID] = *bot
	return nil
}

// Save persists the bot's current field values.
func (s *MemoryStore) Save(ctx context.Context, bot *model.BotInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot.UpdatedAt = time.Now().UTC()
	s.bots[bot.ID] = *bot
	return nil
}

// List returns bots, optionally filtered to the given states.
func (s *MemoryStore) List(ctx context.Context, states ...model.BotState) ([]model.BotInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bots []model.BotInstance
	for _, bot := range s.bots {
		if len(states) == 0 {
			bots = append(bots, bot)
			continue
		}
		for _, state := range states {
			if bot.State == state {
				bots = append(bots, bot)
				break
			}
		}
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].CreatedAt.Before(bots[j].CreatedAt) })
	return bots, nil
}

// RecordActivity bumps the activity counters.
func (s *MemoryStore) RecordActivity(ctx context.Context, id string, messages, commands int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[id]
	if !ok {
		return ErrUnknownBot
	}
	bot.MessageCount += messages
	bot.CommandCount += commands
	now := time.Now().UTC()
	bot.LastActivity = &now
	s.bots[id] = bot
	return nil
}

func generateMemoryID(seq int) string {
	return fmt.Sprintf("bot_mem%06d", seq)
}

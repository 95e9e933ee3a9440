package model

import (
	"time"

	"gorm.io/gorm"
)

// BotState is the lifecycle state of a bot instance.
type BotState string

const (
	StatePending   BotState = "pending"
	StateApproved  BotState = "approved"
	StateStarting  BotState = "starting"
	StateOnline    BotState = "online"
	StateOffline   BotState = "offline"
	StateError     BotState = "error"
	StateDestroyed BotState = "destroyed"
)

// ApprovalState tracks whether an operator has admitted a bot to the fleet.
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// legalTransitions enumerates the permitted lifecycle edges. Anything not
// listed here is an illegal transition and must be refused.
var legalTransitions = map[BotState][]BotState{
	StatePending:  {StateApproved, StateDestroyed},
	StateApproved: {StateStarting, StateDestroyed},
	StateStarting: {StateOnline, StateOffline, StateError, StateDestroyed},
	StateOnline:   {StateOffline, StateError, StateDestroyed},
	StateOffline:  {StateStarting, StateError, StateDestroyed},
	StateError:    {StateStarting, StateOffline, StateDestroyed},
	// StateDestroyed is terminal.
}

// CanTransition reports whether moving from one lifecycle state to another
// is legal.
func CanTransition(from, to BotState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRunning reports whether a state holds (or is acquiring) a live adapter
// connection.
func (s BotState) IsRunning() bool {
	return s == StateStarting || s == StateOnline
}

// BotInstance represents one tenant's bot bound to a single external
// identity on the chat network.
type BotInstance struct {
	ID               string         `gorm:"primaryKey" json:"id"`
	ExternalIdentity string         `gorm:"type:varchar(100);uniqueIndex;not null" json:"external_identity"`
	ServerName       string         `gorm:"type:varchar(100);index;not null" json:"server_name"`
	DisplayName      string         `gorm:"type:varchar(200)" json:"display_name"`
	State            BotState       `gorm:"type:varchar(20);index;not null;default:'pending'" json:"state"`
	Approval         ApprovalState  `gorm:"type:varchar(20);not null;default:'pending'" json:"approval"`
	Flags            FlagMap        `gorm:"type:jsonb" json:"flags"`
	MessageCount     int64          `gorm:"default:0" json:"message_count"`
	CommandCount     int64          `gorm:"default:0" json:"command_count"`
	LastActivity     *time.Time     `json:"last_activity,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeletedAt        gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate hook will be called before creating a new BotInstance record
func (b *BotInstance) BeforeCreate(tx *gorm.DB) (err error) {
	if b.ID == "" {
		b.ID = generateSecureID("bot_")
	}
	if b.State == "" {
		b.State = StatePending
	}
	if b.Approval == "" {
		b.Approval = ApprovalPending
	}
	return nil
}

// IsDestroyed reports whether the bot has reached its terminal state.
func (b *BotInstance) IsDestroyed() bool {
	return b.State == StateDestroyed
}

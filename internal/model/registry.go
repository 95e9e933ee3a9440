package model

import (
	"time"
)

// GodRegistryEntry is the global ownership record binding one external
// identity to the single server that hosts its bot. Entries are created
// only through the reconciliation protocol, never directly.
type GodRegistryEntry struct {
	ExternalIdentity string    `gorm:"primaryKey;type:varchar(100)" json:"external_identity"`
	ServerName       string    `gorm:"type:varchar(100);index;not null" json:"server_name"`
	RegisteredAt     time.Time `gorm:"autoCreateTime" json:"registered_at"`
}

// TableName implements the GORM tabler interface.
func (GodRegistryEntry) TableName() string { return "god_registry" }

// ServerStatus is the availability status of a fleet server node.
type ServerStatus string

const (
	ServerActive   ServerStatus = "active"
	ServerInactive ServerStatus = "inactive"
)

// ServerRegistryEntry is the capacity and routing record for one server
// node in the fleet.
type ServerRegistryEntry struct {
	ServerName  string       `gorm:"primaryKey;type:varchar(100)" json:"server_name"`
	MaxBots     int          `gorm:"not null" json:"max_bots"`
	CurrentBots int          `gorm:"default:0" json:"current_bots"`
	Status      ServerStatus `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	Address     string       `gorm:"type:varchar(255)" json:"address,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (ServerRegistryEntry) TableName() string { return "server_registry" }

// HasCapacity reports whether the server can accept one more bot.
func (s *ServerRegistryEntry) HasCapacity() bool {
	return s.Status == ServerActive && s.CurrentBots < s.MaxBots
}

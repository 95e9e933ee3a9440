// Package events publishes bot lifecycle transitions onto the fleet's NATS
// bus so dashboards and peer tooling can observe state changes without
// polling.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hivebot/botfleet/pkg/logger"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// StateChange is the payload published on every bot lifecycle transition.
type StateChange struct {
	BotID            string    `json:"bot_id"`
	ExternalIdentity string    `json:"external_identity"`
	ServerName       string    `json:"server_name"`
	OldState         string    `json:"old_state"`
	NewState         string    `json:"new_state"`
	Timestamp        time.Time `json:"timestamp"`
}

// Publisher emits lifecycle events. Publishing is best-effort: a failed
// publish is logged, never surfaced to lifecycle operations.
type Publisher interface {
	PublishStateChange(change StateChange)
	Close()
}

// NATSPublisher publishes lifecycle events to a NATS server.
type NATSPublisher struct {
	nc            *nats.Conn
	subjectPrefix string
}

// NewNATSPublisher connects to NATS and returns a lifecycle publisher.
func NewNATSPublisher(url, subjectPrefix string) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("botfleet"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.GetLogger().Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.GetLogger().Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{nc: nc, subjectPrefix: subjectPrefix}, nil
}

// PublishStateChange emits one lifecycle transition.
func (p *NATSPublisher) PublishStateChange(change StateChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		logger.GetLogger().Warn("Failed to encode lifecycle event", zap.Error(err))
		return
	}
	subject := fmt.Sprintf("%s.bot.%s.state", p.subjectPrefix, change.BotID)
	if err := p.nc.Publish(subject, payload); err != nil {
		logger.GetLogger().Warn("Failed to publish lifecycle event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

// Close drains and closes the NATS connection.
func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// NoopPublisher discards lifecycle events. Used when no NATS URL is
// configured.
type NoopPublisher struct{}

// PublishStateChange discards the event.
func (NoopPublisher) PublishStateChange(change StateChange) {}

// Close does nothing.
func (NoopPublisher) Close() {}

// Package reconcile implements the pairing protocol: turning a freshly
// generated credential bundle into exactly one of "update existing bot" or
// "register new bot", while holding the god registry's fleet-wide
// uniqueness invariant.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/hivebot/botfleet/internal/bot"
	"github.com/hivebot/botfleet/internal/credential"
	"github.com/hivebot/botfleet/internal/model"
	"github.com/hivebot/botfleet/internal/registry"
	"github.com/hivebot/botfleet/pkg/logger"
	"github.com/hivebot/botfleet/prometheus"
	"go.uber.org/zap"
)

// Status is the terminal outcome kind of one reconciliation attempt.
type Status string

const (
	StatusUpdated    Status = "updated"
	StatusRegistered Status = "registered"
	StatusRejected   Status = "rejected"
)

// Rejection reasons. Only transient reasons may be retried by callers.
const (
	ReasonInvalidBundle    = "invalid_bundle"
	ReasonConflict         = "conflict"
	ReasonNoCapacity       = "no_capacity"
	ReasonOwnerUnreachable = "owner_unreachable"
	ReasonInvariant        = "invariant_violation"
	ReasonInternal         = "internal"
)

// Outcome is the single terminal result every reconciliation attempt
// produces.
type Outcome struct {
	Status Status `json:"status"`
	// Reason is set on rejection.
	Reason string `json:"reason,omitempty"`
	// Owner names the owning server on conflict rejections.
	Owner string `json:"owner,omitempty"`
	// BotID identifies the updated or registered bot.
	BotID string `json:"bot_id,omitempty"`
	// Transient marks a rejection as safe to retry.
	Transient bool `json:"transient,omitempty"`
}

// CredentialUpdater applies a fresh bundle to an existing local bot. The
// bot instance manager implements it.
type CredentialUpdater interface {
	UpdateCredentials(ctx context.Context, id string, bundle *credential.Bundle) error
}

// ServerClient routes a credential update to a remote owning server.
type ServerClient interface {
	// PushUpdate submits the bundle to the owning server's internal
	// endpoint and returns the updated bot's id.
	PushUpdate(ctx context.Context, address string, raw []byte) (string, error)
}

// Policy is the fleet's approval policy for newly registered bots.
type Policy struct {
	// AutoApprove enables promotional auto-approval.
	AutoApprove bool
	// PromoUntil closes the auto-approval window when set.
	PromoUntil time.Time
}

// approves reports whether a bot registered now is auto-approved.
func (p Policy) approves(now time.Time) bool {
	if !p.AutoApprove {
		return false
	}
	return p.PromoUntil.IsZero() || now.Before(p.PromoUntil)
}

// Service is the front door of the pairing protocol.
type Service struct {
	serverName string
	god        registry.GodRegistry
	servers    registry.ServerRegistry
	bots       bot.Store
	creds      credential.Store
	local      CredentialUpdater
	peers      ServerClient
	policy     Policy
}

// NewService creates a reconciliation service for this server.
func NewService(serverName string, god registry.GodRegistry, servers registry.ServerRegistry,
	bots bot.Store, creds credential.Store, local CredentialUpdater, peers ServerClient, policy Policy) *Service {
	return &Service{
		serverName: serverName,
		god:        god,
		servers:    servers,
		bots:       bots,
		creds:      creds,
		local:      local,
		peers:      peers,
		policy:     policy,
	}
}

// Reconcile turns a raw credential bundle into exactly one terminal
// outcome: updated, registered, or rejected(reason).
func (s *Service) Reconcile(ctx context.Context, raw []byte) Outcome {
	outcome := s.reconcile(ctx, raw)
	prometheus.RecordReconcileOutcome(outcomeLabel(outcome))
	return outcome
}

func (s *Service) reconcile(ctx context.Context, raw []byte) Outcome {
	log := logger.FromContext(ctx)

	bundle, err := credential.ParseBundle(raw)
	if err != nil {
		log.Warn("Rejected malformed credential bundle", zap.Error(err))
		return Outcome{Status: StatusRejected, Reason: ReasonInvalidBundle}
	}

	identity := bundle.ExternalIdentity
	log = log.With(zap.String("identity", identity))

	entry, err := s.god.Lookup(ctx, identity)
	switch {
	case err == nil:
		return s.applyUpdate(ctx, log, entry, bundle, raw)
	case errors.Is(err, registry.ErrNotRegistered):
		return s.register(ctx, log, bundle)
	default:
		log.Error("God registry lookup failed", zap.Error(err))
		return Outcome{Status: StatusRejected, Reason: ReasonInternal, Transient: true}
	}
}

// applyUpdate routes a refreshed bundle to the identity's owning server.
func (s *Service) applyUpdate(ctx context.Context, log *zap.Logger, entry *model.GodRegistryEntry,
	bundle *credential.Bundle, raw []byte) Outcome {

	if entry.ServerName != s.serverName {
		return s.pushToOwner(ctx, log, entry, raw)
	}

	// This server owns the identity: existence was just confirmed in the
	// god registry, so a missing bot instance is a divergence between the
	// two records. That is never patched over here, only rejected for
	// manual repair.
	instance, err := s.bots.GetByIdentity(ctx, bundle.ExternalIdentity)
	if errors.Is(err, bot.ErrUnknownBot) {
		log.Error("God registry entry has no bot instance",
			zap.String("owner", entry.ServerName))
		return Outcome{Status: StatusRejected, Reason: ReasonInvariant}
	}
	if err != nil {
		log.Error("Bot lookup failed", zap.Error(err))
		return Outcome{Status: StatusRejected, Reason: ReasonInternal, Transient: true}
	}

	if err := s.local.UpdateCredentials(ctx, instance.ID, bundle); err != nil {
		if errors.Is(err, bot.ErrDestroyed) {
			log.Warn("Credential update hit destroyed bot", zap.String("bot_id", instance.ID))
			return Outcome{Status: StatusRejected, Reason: ReasonConflict, Owner: s.serverName}
		}
		log.Error("Credential update failed", zap.String("bot_id", instance.ID), zap.Error(err))
		return Outcome{Status: StatusRejected, Reason: ReasonInternal, Transient: true}
	}

	log.Info("Credentials updated", zap.String("bot_id", instance.ID))
	return Outcome{Status: StatusUpdated, BotID: instance.ID}
}

// pushToOwner forwards the update to the remote owning server.
func (s *Service) pushToOwner(ctx context.Context, log *zap.Logger, entry *model.GodRegistryEntry, raw []byte) Outcome {
	owner, err := s.servers.Get(ctx, entry.ServerName)
	if err != nil || owner.Address == "" {
		log.Error("Owning server is not routable", zap.String("owner", entry.ServerName), zap.Error(err))
		return Outcome{Status: StatusRejected, Reason: ReasonOwnerUnreachable, Owner: entry.ServerName, Transient: true}
	}

	botID, err := s.peers.PushUpdate(ctx, owner.Address, raw)
	if err != nil {
		var peerErr *PeerError
		if errors.As(err, &peerErr) && !peerErr.Transient() {
			log.Warn("Owning server rejected credential update",
				zap.String("owner", entry.ServerName),
				zap.Error(err))
			return Outcome{Status: StatusRejected, Reason: peerErr.Reason, Owner: entry.ServerName}
		}
		log.Warn("Owning server unreachable",
			zap.String("owner", entry.ServerName),
			zap.Error(err))
		return Outcome{Status: StatusRejected, Reason: ReasonOwnerUnreachable, Owner: entry.ServerName, Transient: true}
	}

	log.Info("Credentials routed to owning server",
		zap.String("owner", entry.ServerName),
		zap.String("bot_id", botID))
	return Outcome{Status: StatusUpdated, BotID: botID, Owner: entry.ServerName}
}

// register admits a genuinely new identity: pick a target server, take a
// capacity slot, claim ownership atomically, then create the bot instance
// and its credentials. Any failure past the claim unwinds both the claim
// and the slot so no half-created registration survives.
func (s *Service) register(ctx context.Context, log *zap.Logger, bundle *credential.Bundle) Outcome {
	identity := bundle.ExternalIdentity

	target, err := s.servers.PickTarget(ctx)
	if err != nil {
		if errors.Is(err, registry.ErrNoCapacity) {
			log.Warn("No server capacity for new bot")
			return Outcome{Status: StatusRejected, Reason: ReasonNoCapacity}
		}
		log.Error("Target selection failed", zap.Error(err))
		return Outcome{Status: StatusRejected, Reason: ReasonInternal, Transient: true}
	}

	if err := s.servers.Reserve(ctx, target.ServerName); err != nil {
		if errors.Is(err, registry.ErrNoCapacity) {
			return Outcome{Status: StatusRejected, Reason: ReasonNoCapacity}
		}
		log.Error("Capacity reservation failed", zap.String("target", target.ServerName), zap.Error(err))
		return Outcome{Status: StatusRejected, Reason: ReasonInternal, Transient: true}
	}

	if err := s.god.Claim(ctx, identity, target.ServerName); err != nil {
		s.releaseSlot(ctx, target.ServerName)

		var owned *registry.AlreadyOwnedError
		if errors.As(err, &owned) {
			log.Info("Lost registration race", zap.String("owner", owned.Owner))
			return Outcome{Status: StatusRejected, Reason: ReasonConflict, Owner: owned.Owner}
		}
		log.Error("God registry claim failed", zap.Error(err))
		return Outcome{Status: StatusRejected, Reason: ReasonInternal, Transient: true}
	}

	approval := model.ApprovalPending
	state := model.StatePending
	if s.policy.approves(time.Now()) {
		approval = model.ApprovalApproved
		state = model.StateApproved
	}

	instance := &model.BotInstance{
		ID:               model.NewBotID(),
		ExternalIdentity: identity,
		ServerName:       target.ServerName,
		DisplayName:      bundle.DisplayName,
		State:            state,
		Approval:         approval,
		Flags:            model.FlagMap{},
	}

	// Credentials go in first so a creation failure leaves nothing but a
	// claim and a credential row to unwind, never a bot without an
	// ownership entry or vice versa.
	if err := s.creds.Put(ctx, instance.ID, bundle); err != nil {
		s.unwindClaim(ctx, identity, target.ServerName)
		log.Error("Credential persistence failed", zap.String("bot_id", instance.ID), zap.Error(err))
		return Outcome{Status: StatusRejected, Reason: ReasonInternal, Transient: true}
	}

	if err := s.bots.Create(ctx, instance); err != nil {
		if derr := s.creds.Delete(ctx, instance.ID); derr != nil {
			log.Error("Failed to unwind credential record", zap.String("bot_id", instance.ID), zap.Error(derr))
		}
		s.unwindClaim(ctx, identity, target.ServerName)
		log.Error("Bot instance creation failed", zap.Error(err))
		return Outcome{Status: StatusRejected, Reason: ReasonInternal, Transient: true}
	}

	log.Info("Bot registered",
		zap.String("bot_id", instance.ID),
		zap.String("target", target.ServerName),
		zap.String("approval", string(approval)))
	return Outcome{Status: StatusRegistered, BotID: instance.ID, Owner: target.ServerName}
}

// unwindClaim rolls back a claim whose bot creation failed, keeping the
// god registry and the bot table from diverging.
func (s *Service) unwindClaim(ctx context.Context, identity, serverName string) {
	if err := s.god.Release(ctx, identity); err != nil {
		logger.FromContext(ctx).Error("Failed to unwind god registry claim",
			zap.String("identity", identity),
			zap.Error(err))
	}
	s.releaseSlot(ctx, serverName)
}

func (s *Service) releaseSlot(ctx context.Context, serverName string) {
	if err := s.servers.ReleaseSlot(ctx, serverName); err != nil {
		logger.FromContext(ctx).Error("Failed to release capacity slot",
			zap.String("server_name", serverName),
			zap.Error(err))
	}
}

func outcomeLabel(o Outcome) string {
	if o.Status == StatusRejected {
		return string(o.Status) + "_" + o.Reason
	}
	return string(o.Status)
}

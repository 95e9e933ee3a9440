// Package bot implements the bot instance manager: the single owner of
// every bot's lifecycle state, adapter connection, and event loop on this
// server. No other component creates or tears down a bot's goroutine.
package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hivebot/botfleet/internal/adapter"
	"github.com/hivebot/botfleet/internal/command"
	"github.com/hivebot/botfleet/internal/credential"
	"github.com/hivebot/botfleet/internal/events"
	"github.com/hivebot/botfleet/internal/model"
	"github.com/hivebot/botfleet/internal/registry"
	"github.com/hivebot/botfleet/pkg/logger"
	"github.com/hivebot/botfleet/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxConsecutiveFailures is the circuit breaker threshold: a bot that fails
// to reach online this many times in a row is excluded from automatic
// restart until an operator intervenes.
const maxConsecutiveFailures = 2

// stopWait bounds how long a stop waits for a bot's event loop to drain.
const stopWait = 5 * time.Second

// botRuntime is the in-memory half of one running bot: its cancel handle,
// its adapter connection, and the done signal of its event loop.
type botRuntime struct {
	cancel context.CancelFunc
	done   chan struct{}
	conn   adapter.Conn
}

// Manager owns the map of bot id to running state and drives every
// lifecycle transition. Operations on one bot are serialized through a
// per-bot mutex; operations on different bots proceed in parallel.
type Manager struct {
	serverName string
	store      Store
	creds      credential.Store
	dialer     adapter.Dialer
	dispatcher *command.Dispatcher
	publisher  events.Publisher
	servers    registry.ServerRegistry

	mu       sync.Mutex
	runtimes map[string]*botRuntime
	failures map[string]int

	// per-bot operation locks
	opMu sync.Map
}

// NewManager creates a bot instance manager for this server.
func NewManager(serverName string, store Store, creds credential.Store, dialer adapter.Dialer,
	dispatcher *command.Dispatcher, publisher events.Publisher, servers registry.ServerRegistry) *Manager {
	return &Manager{
		serverName: serverName,
		store:      store,
		creds:      creds,
		dialer:     dialer,
		dispatcher: dispatcher,
		publisher:  publisher,
		servers:    servers,
		runtimes:   make(map[string]*botRuntime),
		failures:   make(map[string]int),
	}
}

// Start brings a bot online. This is the explicit operator action, so it
// also clears the restart circuit breaker.
func (m *Manager) Start(ctx context.Context, id string) error {
	unlock := m.lockOp(id)
	defer unlock()

	m.setFailures(id, 0)
	err := m.start(ctx, id)
	prometheus.RecordBotOperation("start", resultLabel(err))
	return err
}

// Stop takes a bot offline. Credentials persist; only the in-memory
// connection is cleared.
func (m *Manager) Stop(ctx context.Context, id string) error {
	unlock := m.lockOp(id)
	defer unlock()

	err := m.stop(ctx, id)
	prometheus.RecordBotOperation("stop", resultLabel(err))
	return err
}

// Restart stops then starts a bot. The adapter's transient session cache is
// cleared first so the reconnection is a clean handshake, not a resume.
func (m *Manager) Restart(ctx context.Context, id string) error {
	unlock := m.lockOp(id)
	defer unlock()

	bot, err := m.store.Get(ctx, id)
	if err != nil {
		prometheus.RecordBotOperation("restart", "error")
		return err
	}

	if err := m.stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
		prometheus.RecordBotOperation("restart", "error")
		return err
	}

	m.dialer.ClearSession(bot.ExternalIdentity)
	m.setFailures(id, 0)

	err = m.start(ctx, id)
	prometheus.RecordBotOperation("restart", resultLabel(err))
	return err
}

// Destroy stops a bot, irreversibly deletes its credentials, and marks it
// destroyed. Terminal: no further transitions are possible.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	unlock := m.lockOp(id)
	defer unlock()

	bot, err := m.store.Get(ctx, id)
	if err != nil {
		prometheus.RecordBotOperation("destroy", "error")
		return err
	}
	if bot.IsDestroyed() {
		prometheus.RecordBotOperation("destroy", "error")
		return ErrDestroyed
	}

	if err := m.stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
		prometheus.RecordBotOperation("destroy", "error")
		return err
	}

	if err := m.creds.Delete(ctx, id); err != nil {
		prometheus.RecordBotOperation("destroy", "error")
		return err
	}

	if err := m.transitionTo(ctx, id, model.StateDestroyed); err != nil {
		prometheus.RecordBotOperation("destroy", "error")
		return err
	}

	if m.servers != nil {
		if err := m.servers.ReleaseSlot(ctx, bot.ServerName); err != nil {
			logger.WithBot(ctx, id).Warn("Failed to release server capacity slot",
				zap.String("server_name", bot.ServerName),
				zap.Error(err))
		}
	}

	prometheus.RecordBotOperation("destroy", "ok")
	return nil
}

// Approve admits a pending bot to the fleet.
func (m *Manager) Approve(ctx context.Context, id string) error {
	unlock := m.lockOp(id)
	defer unlock()

	bot, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if bot.IsDestroyed() {
		return ErrDestroyed
	}

	if bot.Approval != model.ApprovalApproved {
		bot.Approval = model.ApprovalApproved
		if err := m.store.Save(ctx, bot); err != nil {
			return err
		}
	}
	// The state change goes through transitionTo so the lifecycle event
	// publishes like every other transition.
	if bot.State == model.StatePending {
		if err := m.transitionTo(ctx, id, model.StateApproved); err != nil {
			return err
		}
	}
	prometheus.RecordBotOperation("approve", "ok")
	return nil
}

// SetFlags replaces a bot's feature flags.
func (m *Manager) SetFlags(ctx context.Context, id string, flags model.FlagMap) error {
	unlock := m.lockOp(id)
	defer unlock()

	bot, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if bot.IsDestroyed() {
		return ErrDestroyed
	}
	bot.Flags = flags
	return m.store.Save(ctx, bot)
}

// ResetFailures clears a bot's restart circuit breaker. A bot parked in
// error state is moved back to offline so restarts can reach it again.
func (m *Manager) ResetFailures(ctx context.Context, id string) error {
	unlock := m.lockOp(id)
	defer unlock()

	bot, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if bot.IsDestroyed() {
		return ErrDestroyed
	}

	m.setFailures(id, 0)
	if bot.State == model.StateError {
		return m.transitionTo(ctx, id, model.StateOffline)
	}
	return nil
}

// UpdateCredentials overwrites a bot's credential bundle and, when the bot
// is running, restarts it so the adapter picks up the fresh session state.
// Used by the reconciliation service's update path.
func (m *Manager) UpdateCredentials(ctx context.Context, id string, bundle *credential.Bundle) error {
	unlock := m.lockOp(id)
	defer unlock()

	bot, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if bot.IsDestroyed() {
		return ErrDestroyed
	}

	if err := m.creds.Put(ctx, id, bundle); err != nil {
		return err
	}

	if bot.DisplayName != bundle.DisplayName && bundle.DisplayName != "" {
		bot.DisplayName = bundle.DisplayName
		if err := m.store.Save(ctx, bot); err != nil {
			return err
		}
	}

	if _, running := m.getRuntime(id); !running {
		return nil
	}

	if err := m.stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	m.dialer.ClearSession(bot.ExternalIdentity)
	m.setFailures(id, 0)
	return m.start(ctx, id)
}

// Autostart brings every approved bot up at process boot. Stale running
// states left behind by a previous process are normalized first.
func (m *Manager) Autostart(ctx context.Context) {
	bots, err := m.store.List(ctx)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to list bots for autostart", zap.Error(err))
		return
	}

	log := logger.FromContext(ctx)
	for _, b := range bots {
		if b.Approval != model.ApprovalApproved || b.IsDestroyed() || b.State == model.StateError {
			continue
		}
		if b.ServerName != m.serverName {
			continue
		}
		if err := m.Start(ctx, b.ID); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			log.Warn("Autostart failed",
				zap.String("bot_id", b.ID),
				zap.Error(err))
		}
	}
}

// StopAll shuts every running bot down concurrently, bounded by the
// context deadline.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := m.Stop(gctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Running reports whether a bot currently holds a runtime on this server.
func (m *Manager) Running(id string) bool {
	_, ok := m.getRuntime(id)
	return ok
}

// FailureCount returns a bot's consecutive start-failure count.
func (m *Manager) FailureCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[id]
}

// start performs the actual start. Callers hold the bot's operation lock.
func (m *Manager) start(ctx context.Context, id string) error {
	bot, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if bot.IsDestroyed() {
		return ErrDestroyed
	}
	if bot.Approval != model.ApprovalApproved {
		return ErrNotApproved
	}
	if _, ok := m.getRuntime(id); ok {
		return ErrAlreadyRunning
	}

	// A running state with no runtime is stale bookkeeping from a previous
	// process. Normalize before starting.
	if bot.State.IsRunning() {
		if err := m.transitionTo(ctx, id, model.StateOffline); err != nil {
			return err
		}
	}

	bundle, err := m.creds.Get(ctx, id)
	if errors.Is(err, credential.ErrNotFound) {
		return ErrNoCredentials
	}
	if err != nil {
		return err
	}

	if err := m.transitionTo(ctx, id, model.StateStarting); err != nil {
		return err
	}

	// The bot's event loop outlives the caller's request context.
	botCtx, cancel := context.WithCancel(context.Background())
	rt := &botRuntime{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.runtimes[id] = rt
	m.mu.Unlock()

	go m.runLoop(botCtx, rt, bot.ID, bot.ExternalIdentity, bundle)

	logger.WithBot(ctx, id).Info("Bot starting",
		zap.String("identity", bot.ExternalIdentity))
	return nil
}

// stop performs the actual stop. Callers hold the bot's operation lock.
func (m *Manager) stop(ctx context.Context, id string) error {
	bot, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	rt := m.takeRuntime(id)
	if rt == nil {
		if !bot.State.IsRunning() {
			return ErrNotRunning
		}
		// Stale running state with no runtime: just normalize.
		return m.transitionTo(ctx, id, model.StateOffline)
	}

	rt.cancel()
	m.mu.Lock()
	conn := rt.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	select {
	case <-rt.done:
	case <-time.After(stopWait):
		logger.WithBot(ctx, id).Warn("Bot event loop did not drain in time")
	}

	if err := m.transitionTo(ctx, id, model.StateOffline); err != nil {
		var illegal *IllegalTransitionError
		if !errors.As(err, &illegal) {
			return err
		}
	}

	logger.WithBot(ctx, id).Info("Bot stopped")
	return nil
}

// runLoop is one bot's event loop: connect, then consume the adapter's
// event stream until cancellation or disconnect. Exactly one runLoop per
// running bot; adapter failures are translated into state transitions here
// and never propagate past the manager.
func (m *Manager) runLoop(ctx context.Context, rt *botRuntime, id, identity string, bundle *credential.Bundle) {
	defer close(rt.done)
	log := logger.GetLogger().With(zap.String("bot_id", id), zap.String("identity", identity))

	conn, err := m.dialer.Connect(ctx, bundle)
	if err != nil {
		m.removeRuntime(id, rt)
		if ctx.Err() != nil {
			// Canceled mid-start; the stopping side owns the transition.
			return
		}
		prometheus.RecordStartFailure()
		count := m.bumpFailures(id)
		log.Warn("Adapter connect failed", zap.Error(err), zap.Int("consecutive_failures", count))
		if count >= maxConsecutiveFailures {
			prometheus.RecordBreakerTrip()
			m.transitionAsync(id, model.StateError)
			return
		}
		m.transitionAsync(id, model.StateOffline)
		go m.autoRestart(id)
		return
	}

	m.setConn(rt, conn)
	defer conn.Close()

	// A session only counts as established once the adapter reports ready;
	// a drop before that is a failed start attempt for breaker purposes.
	ready := false

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				m.handleDisconnect(ctx, rt, id, "event stream closed", ready)
				return
			}
			switch ev.Kind {
			case adapter.EventReady:
				ready = true
				m.setFailures(id, 0)
				m.transitionAsync(id, model.StateOnline)
				log.Info("Bot online")
			case adapter.EventMessage:
				if ev.Message == nil {
					continue
				}
				commands := int64(0)
				if m.dispatcher.Dispatch(ctx, id, ev.Message, conn) {
					commands = 1
				}
				if err := m.store.RecordActivity(ctx, id, 1, commands); err != nil {
					log.Warn("Failed to record bot activity", zap.Error(err))
				}
			case adapter.EventDisconnected:
				m.handleDisconnect(ctx, rt, id, ev.Reason, ready)
				return
			}
		}
	}
}

// handleDisconnect reacts to a silently lost session: close out the
// runtime, mark the bot offline, and attempt one automatic restart subject
// to the circuit breaker. A session that never reached ready counts as a
// failed start attempt, so a connection that drops during the handshake
// trips the breaker the same way a refused connection does.
func (m *Manager) handleDisconnect(ctx context.Context, rt *botRuntime, id, reason string, ready bool) {
	if ctx.Err() != nil {
		// A deliberate stop is in progress; it owns the transition.
		return
	}

	logger.GetLogger().Warn("Bot disconnected",
		zap.String("bot_id", id),
		zap.String("reason", reason),
		zap.Bool("ready", ready))

	m.removeRuntime(id, rt)

	if !ready {
		prometheus.RecordStartFailure()
		count := m.bumpFailures(id)
		if count >= maxConsecutiveFailures {
			prometheus.RecordBreakerTrip()
			m.transitionAsync(id, model.StateError)
			return
		}
	}

	m.transitionAsync(id, model.StateOffline)
	go m.autoRestart(id)
}

// autoRestart attempts one automatic restart of an offline bot. The
// circuit breaker gates it: after repeated consecutive failures only an
// explicit operator action may try again.
func (m *Manager) autoRestart(id string) {
	unlock := m.lockOp(id)
	defer unlock()

	if m.failureCountLocked(id) >= maxConsecutiveFailures {
		return
	}

	ctx := context.Background()
	bot, err := m.store.Get(ctx, id)
	if err != nil {
		return
	}
	if bot.State != model.StateOffline || bot.Approval != model.ApprovalApproved {
		return
	}

	if err := m.start(ctx, id); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		logger.GetLogger().Warn("Automatic restart failed",
			zap.String("bot_id", id),
			zap.Error(err))
	}
}

// transitionTo moves a bot to a new lifecycle state, enforcing the legal
// transition table and publishing the change.
func (m *Manager) transitionTo(ctx context.Context, id string, to model.BotState) error {
	bot, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if bot.State == to {
		return nil
	}
	if !model.CanTransition(bot.State, to) {
		return &IllegalTransitionError{BotID: id, From: bot.State, To: to}
	}

	from := bot.State
	bot.State = to
	if err := m.store.Save(ctx, bot); err != nil {
		return err
	}

	m.publisher.PublishStateChange(events.StateChange{
		BotID:            bot.ID,
		ExternalIdentity: bot.ExternalIdentity,
		ServerName:       m.serverName,
		OldState:         string(from),
		NewState:         string(to),
		Timestamp:        time.Now().UTC(),
	})
	return nil
}

// transitionAsync is transitionTo for paths with no caller to report to;
// failures are logged only.
func (m *Manager) transitionAsync(id string, to model.BotState) {
	if err := m.transitionTo(context.Background(), id, to); err != nil {
		logger.GetLogger().Warn("State transition failed",
			zap.String("bot_id", id),
			zap.String("to", string(to)),
			zap.Error(err))
	}
}

// lockOp acquires the per-bot operation lock, serializing lifecycle
// operations for one bot while different bots proceed in parallel.
func (m *Manager) lockOp(id string) func() {
	v, _ := m.opMu.LoadOrStore(id, &sync.Mutex{})
	mtx := v.(*sync.Mutex)
	mtx.Lock()
	return mtx.Unlock
}

func (m *Manager) getRuntime(id string) (*botRuntime, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[id]
	return rt, ok
}

// takeRuntime removes and returns the bot's runtime, if any.
func (m *Manager) takeRuntime(id string) *botRuntime {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt := m.runtimes[id]
	delete(m.runtimes, id)
	return rt
}

// removeRuntime deletes the runtime entry only if it is still the given
// one, so a concurrent restart's fresh runtime is left alone.
func (m *Manager) removeRuntime(id string, rt *botRuntime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runtimes[id] == rt {
		delete(m.runtimes, id)
	}
}

func (m *Manager) setConn(rt *botRuntime, conn adapter.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt.conn = conn
}

func (m *Manager) setFailures(id string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count == 0 {
		delete(m.failures, id)
		return
	}
	m.failures[id] = count
}

func (m *Manager) bumpFailures(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id]++
	return m.failures[id]
}

func (m *Manager) failureCountLocked(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[id]
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

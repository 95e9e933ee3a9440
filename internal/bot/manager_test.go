package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hivebot/botfleet/internal/adapter"
	"github.com/hivebot/botfleet/internal/command"
	"github.com/hivebot/botfleet/internal/credential"
	"github.com/hivebot/botfleet/internal/events"
	"github.com/hivebot/botfleet/internal/model"
	"github.com/hivebot/botfleet/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testServer = "srv-test"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDialer fails its first failBefore connect attempts and succeeds after
// that, handing out SimConns the test can script. Optional knobs delay the
// handshake or drop every session before it reports ready.
type fakeDialer struct {
	mu              sync.Mutex
	failBefore      int
	handshakeDelay  time.Duration
	dropBeforeReady bool
	attempts        int
	conns           []*adapter.SimConn
	cleared         map[string]int
}

func newFakeDialer(failBefore int) *fakeDialer {
	return &fakeDialer{failBefore: failBefore, cleared: make(map[string]int)}
}

func (d *fakeDialer) Connect(ctx context.Context, bundle *credential.Bundle) (adapter.Conn, error) {
	d.mu.Lock()
	d.attempts++
	attempt := d.attempts
	delay := d.handshakeDelay
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if attempt <= d.failBefore {
		return nil, adapter.ErrConnectFailed
	}
	conn := adapter.NewSimConn()
	if d.dropBeforeReady {
		go conn.Emit(adapter.Event{Kind: adapter.EventDisconnected, Reason: "handshake dropped"})
	} else {
		go conn.Emit(adapter.Event{Kind: adapter.EventReady})
	}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) ClearSession(identity string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared[identity]++
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) clearedCount(identity string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleared[identity]
}

func (d *fakeDialer) lastConn() *adapter.SimConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// eventSink records published lifecycle events for assertions.
type eventSink struct {
	mu      sync.Mutex
	changes []events.StateChange
}

func (s *eventSink) PublishStateChange(change events.StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, change)
}

func (s *eventSink) Close() {}

func (s *eventSink) forBot(id string) []events.StateChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.StateChange
	for _, c := range s.changes {
		if c.BotID == id {
			out = append(out, c)
		}
	}
	return out
}

type fixture struct {
	store   *MemoryStore
	creds   *credential.MemoryStore
	dialer  *fakeDialer
	servers *registry.MemoryServerRegistry
	events  *eventSink
	mgr     *Manager
}

func newFixture(t *testing.T, failBefore int) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		creds:   credential.NewMemoryStore(),
		dialer:  newFakeDialer(failBefore),
		servers: registry.NewMemoryServerRegistry(),
		events:  &eventSink{},
	}
	require.NoError(t, f.servers.Upsert(context.Background(), &model.ServerRegistryEntry{
		ServerName: testServer,
		MaxBots:    10,
		Status:     model.ServerActive,
	}))
	dispatcher := command.NewDispatcher(command.NewRegistry(), testServer)
	f.mgr = NewManager(testServer, f.store, f.creds, f.dialer, dispatcher, f.events, f.servers)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = f.mgr.StopAll(ctx)
	})
	return f
}

func (f *fixture) seedBot(t *testing.T, identity string, approval model.ApprovalState) string {
	t.Helper()
	ctx := context.Background()
	state := model.StateApproved
	if approval != model.ApprovalApproved {
		state = model.StatePending
	}
	bot := &model.BotInstance{
		ExternalIdentity: identity,
		ServerName:       testServer,
		DisplayName:      "Bot " + identity,
		State:            state,
		Approval:         approval,
	}
	require.NoError(t, f.store.Create(ctx, bot))
	require.NoError(t, f.creds.Put(ctx, bot.ID, &credential.Bundle{
		ExternalIdentity: identity,
		DisplayName:      bot.DisplayName,
		Session:          []byte("session"),
	}))
	require.NoError(t, f.servers.Reserve(ctx, testServer))
	return bot.ID
}

func (f *fixture) state(t *testing.T, id string) model.BotState {
	t.Helper()
	bot, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return bot.State
}

func waitForState(t *testing.T, f *fixture, id string, want model.BotState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.state(t, id) == want
	}, 5*time.Second, 10*time.Millisecond, "bot %s never reached state %s", id, want)
}

func TestStartRequiresApproval(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100001", model.ApprovalPending)

	err := f.mgr.Start(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.False(t, f.mgr.Running(id))
	assert.Zero(t, f.dialer.attemptCount())
}

func TestStartRequiresCredentials(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100002", model.ApprovalApproved)
	require.NoError(t, f.creds.Delete(context.Background(), id))

	err := f.mgr.Start(context.Background(), id)
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestStartBringsBotOnline(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100003", model.ApprovalApproved)

	require.NoError(t, f.mgr.Start(context.Background(), id))
	waitForState(t, f, id, model.StateOnline)
	assert.True(t, f.mgr.Running(id))
	assert.Equal(t, 1, f.dialer.attemptCount())
}

func TestStartWhileRunningIsRefused(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100004", model.ApprovalApproved)

	require.NoError(t, f.mgr.Start(context.Background(), id))
	waitForState(t, f, id, model.StateOnline)

	err := f.mgr.Start(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 1, f.dialer.attemptCount(), "no second connection may be opened")
}

func TestStopTakesBotOffline(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100005", model.ApprovalApproved)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, id))
	waitForState(t, f, id, model.StateOnline)

	require.NoError(t, f.mgr.Stop(ctx, id))
	assert.Equal(t, model.StateOffline, f.state(t, id))
	assert.False(t, f.mgr.Running(id))

	// Credentials survive a stop.
	_, err := f.creds.Get(ctx, id)
	assert.NoError(t, err)

	assert.ErrorIs(t, f.mgr.Stop(ctx, id), ErrNotRunning)
}

func TestStopDuringConnectLeavesBotOffline(t *testing.T) {
	f := newFixture(t, 0)
	f.dialer.handshakeDelay = 5 * time.Second
	id := f.seedBot(t, "15550100024", model.ApprovalApproved)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, id))
	assert.Equal(t, model.StateStarting, f.state(t, id))

	// Stop lands while the connect is still in flight. The canceled dial
	// must leave the bot offline, not stranded in starting, and must not
	// count against the breaker.
	require.NoError(t, f.mgr.Stop(ctx, id))
	assert.Equal(t, model.StateOffline, f.state(t, id))
	assert.False(t, f.mgr.Running(id))
	assert.Zero(t, f.mgr.FailureCount(id))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.dialer.attemptCount(), "no reconnect after an operator stop")
}

func TestRestartClearsSessionCache(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100006", model.ApprovalApproved)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, id))
	waitForState(t, f, id, model.StateOnline)

	require.NoError(t, f.mgr.Restart(ctx, id))
	waitForState(t, f, id, model.StateOnline)
	assert.Equal(t, 2, f.dialer.attemptCount())
	assert.Equal(t, 1, f.dialer.clearedCount("15550100006"))
}

func TestDestroyIsTerminal(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100007", model.ApprovalApproved)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, id))
	waitForState(t, f, id, model.StateOnline)

	require.NoError(t, f.mgr.Destroy(ctx, id))
	assert.Equal(t, model.StateDestroyed, f.state(t, id))
	assert.False(t, f.mgr.Running(id))

	_, err := f.creds.Get(ctx, id)
	assert.ErrorIs(t, err, credential.ErrNotFound)

	entry, err := f.servers.Get(ctx, testServer)
	require.NoError(t, err)
	assert.Zero(t, entry.CurrentBots, "destroy must return the capacity slot")

	assert.ErrorIs(t, f.mgr.Start(ctx, id), ErrDestroyed)
	assert.ErrorIs(t, f.mgr.Destroy(ctx, id), ErrDestroyed)
	assert.ErrorIs(t, f.mgr.Approve(ctx, id), ErrDestroyed)
}

func TestApprovePublishesLifecycleEvent(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100025", model.ApprovalPending)
	ctx := context.Background()

	require.NoError(t, f.mgr.Approve(ctx, id))

	bot, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalApproved, bot.Approval)
	assert.Equal(t, model.StateApproved, bot.State)

	changes := f.events.forBot(id)
	require.Len(t, changes, 1)
	assert.Equal(t, string(model.StatePending), changes[0].OldState)
	assert.Equal(t, string(model.StateApproved), changes[0].NewState)

	// Approving again is a no-op and emits nothing.
	require.NoError(t, f.mgr.Approve(ctx, id))
	assert.Len(t, f.events.forBot(id), 1)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	f := newFixture(t, 100)
	id := f.seedBot(t, "15550100008", model.ApprovalApproved)

	require.NoError(t, f.mgr.Start(context.Background(), id))

	// First failure parks the bot offline and earns one automatic retry;
	// the second failure trips the breaker into error state.
	waitForState(t, f, id, model.StateError)
	assert.Equal(t, 2, f.dialer.attemptCount())
	assert.Equal(t, maxConsecutiveFailures, f.mgr.FailureCount(id))

	// No further attempts without an operator action.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, f.dialer.attemptCount())
}

func TestHandshakeDropTripsBreaker(t *testing.T) {
	f := newFixture(t, 0)
	f.dialer.dropBeforeReady = true
	id := f.seedBot(t, "15550100023", model.ApprovalApproved)

	require.NoError(t, f.mgr.Start(context.Background(), id))

	// A session that drops before it reports ready counts as a failed
	// attempt, so two of them open the breaker just like refused
	// connections do.
	waitForState(t, f, id, model.StateError)
	assert.Equal(t, 2, f.dialer.attemptCount())
	assert.Equal(t, maxConsecutiveFailures, f.mgr.FailureCount(id))

	// The breaker holds: no reconnect loop behind the operator's back.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, f.dialer.attemptCount())
}

func TestOperatorStartResetsBreaker(t *testing.T) {
	f := newFixture(t, 2)
	id := f.seedBot(t, "15550100009", model.ApprovalApproved)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, id))
	waitForState(t, f, id, model.StateError)
	require.Equal(t, 2, f.dialer.attemptCount())

	// The explicit operator start clears the failure count and tries again.
	require.NoError(t, f.mgr.Start(ctx, id))
	waitForState(t, f, id, model.StateOnline)
	assert.Equal(t, 3, f.dialer.attemptCount())
	assert.Zero(t, f.mgr.FailureCount(id))
}

func TestResetFailuresReopensErrorBot(t *testing.T) {
	f := newFixture(t, 100)
	id := f.seedBot(t, "15550100010", model.ApprovalApproved)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, id))
	waitForState(t, f, id, model.StateError)

	require.NoError(t, f.mgr.ResetFailures(ctx, id))
	assert.Equal(t, model.StateOffline, f.state(t, id))
	assert.Zero(t, f.mgr.FailureCount(id))
}

func TestSilentDisconnectTriggersAutoRestart(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100011", model.ApprovalApproved)

	require.NoError(t, f.mgr.Start(context.Background(), id))
	waitForState(t, f, id, model.StateOnline)

	f.dialer.lastConn().Emit(adapter.Event{Kind: adapter.EventDisconnected, Reason: "stream error"})

	// The manager reconnects on its own; a fresh session comes up.
	require.Eventually(t, func() bool {
		return f.dialer.attemptCount() == 2 && f.state(t, id) == model.StateOnline
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, f.mgr.Running(id))
}

func TestFailingBotDoesNotAffectOthers(t *testing.T) {
	f := newFixture(t, 0)
	healthy := f.seedBot(t, "15550100012", model.ApprovalApproved)
	flaky := f.seedBot(t, "15550100013", model.ApprovalApproved)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, healthy))
	waitForState(t, f, healthy, model.StateOnline)

	// Every further connect fails, so the flaky bot burns both strikes.
	f.dialer.mu.Lock()
	f.dialer.failBefore = 1000
	f.dialer.mu.Unlock()

	require.NoError(t, f.mgr.Start(ctx, flaky))
	waitForState(t, f, flaky, model.StateError)

	assert.Equal(t, model.StateOnline, f.state(t, healthy))
	assert.True(t, f.mgr.Running(healthy))
}

func TestUpdateCredentialsRestartsRunningBot(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100014", model.ApprovalApproved)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, id))
	waitForState(t, f, id, model.StateOnline)

	fresh := &credential.Bundle{
		ExternalIdentity: "15550100014",
		DisplayName:      "Renamed Bot",
		Session:          []byte("fresh-session"),
	}
	require.NoError(t, f.mgr.UpdateCredentials(ctx, id, fresh))
	waitForState(t, f, id, model.StateOnline)

	assert.Equal(t, 2, f.dialer.attemptCount())
	assert.Equal(t, 1, f.dialer.clearedCount("15550100014"))

	stored, err := f.creds.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh-session"), stored.Session)

	bot, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Renamed Bot", bot.DisplayName)
}

func TestUpdateCredentialsOnStoppedBotDoesNotStartIt(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100015", model.ApprovalApproved)
	ctx := context.Background()

	fresh := &credential.Bundle{
		ExternalIdentity: "15550100015",
		Session:          []byte("fresh-session"),
	}
	require.NoError(t, f.mgr.UpdateCredentials(ctx, id, fresh))

	assert.False(t, f.mgr.Running(id))
	assert.Zero(t, f.dialer.attemptCount())
}

func TestAutostartBringsApprovedBotsUp(t *testing.T) {
	f := newFixture(t, 0)
	approved := f.seedBot(t, "15550100016", model.ApprovalApproved)
	pending := f.seedBot(t, "15550100017", model.ApprovalPending)
	ctx := context.Background()

	// Simulate a crashed process that left a stale running state behind.
	bot, err := f.store.Get(ctx, approved)
	require.NoError(t, err)
	bot.State = model.StateOnline
	require.NoError(t, f.store.Save(ctx, bot))

	f.mgr.Autostart(ctx)

	waitForState(t, f, approved, model.StateOnline)
	assert.True(t, f.mgr.Running(approved))
	assert.False(t, f.mgr.Running(pending))
	assert.Equal(t, 1, f.dialer.attemptCount())
}

func TestStopAllDrainsEveryBot(t *testing.T) {
	f := newFixture(t, 0)
	ids := []string{
		f.seedBot(t, "15550100018", model.ApprovalApproved),
		f.seedBot(t, "15550100019", model.ApprovalApproved),
		f.seedBot(t, "15550100020", model.ApprovalApproved),
	}
	ctx := context.Background()

	for _, id := range ids {
		require.NoError(t, f.mgr.Start(ctx, id))
	}
	for _, id := range ids {
		waitForState(t, f, id, model.StateOnline)
	}

	require.NoError(t, f.mgr.StopAll(ctx))
	for _, id := range ids {
		assert.Equal(t, model.StateOffline, f.state(t, id))
		assert.False(t, f.mgr.Running(id))
	}
}

func TestHealthSweepReapsDeadConnections(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100022", model.ApprovalApproved)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, id))
	waitForState(t, f, id, model.StateOnline)

	// A healthy connection survives the sweep untouched.
	f.mgr.Sweep(ctx, time.Second)
	assert.Equal(t, 1, f.dialer.attemptCount())
	assert.True(t, f.mgr.Running(id))

	// A dead one is reaped and the bot reconnected.
	f.dialer.lastConn().SetAlive(false)
	f.mgr.Sweep(ctx, time.Second)

	require.Eventually(t, func() bool {
		return f.dialer.attemptCount() == 2 && f.state(t, id) == model.StateOnline
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, f.dialer.lastConn().Alive(ctx))
}

func TestInboundMessagesRecordActivity(t *testing.T) {
	f := newFixture(t, 0)
	id := f.seedBot(t, "15550100021", model.ApprovalApproved)
	ctx := context.Background()

	require.NoError(t, f.mgr.Start(ctx, id))
	waitForState(t, f, id, model.StateOnline)

	conn := f.dialer.lastConn()
	conn.Emit(adapter.Event{Kind: adapter.EventMessage, Message: &adapter.Message{
		From: "15550200000", Chat: "chat-1", Text: "hello there",
	}})

	require.Eventually(t, func() bool {
		bot, err := f.store.Get(ctx, id)
		return err == nil && bot.MessageCount == 1
	}, 5*time.Second, 10*time.Millisecond)

	bot, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, bot.CommandCount, "plain text is not a command")
	assert.NotNil(t, bot.LastActivity)
}

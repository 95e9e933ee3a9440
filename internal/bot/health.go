package bot

import (
	"context"
	"sync"
	"time"

	"github.com/hivebot/botfleet/internal/adapter"
	"github.com/hivebot/botfleet/internal/model"
	"github.com/hivebot/botfleet/pkg/logger"
	"github.com/hivebot/botfleet/prometheus"
)

// RunHealthLoop periodically sweeps every online bot, verifying its
// adapter still reports a live connection. Blocks until the context is
// canceled.
func (m *Manager) RunHealthLoop(ctx context.Context, interval, probeTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, probeTimeout)
		}
	}
}

// Sweep probes every bot currently holding a connection. Probes run in
// parallel and are each bounded by the probe timeout, so one slow adapter
// cannot stall the sweep. Bots that fail the probe are moved offline and a
// single restart is attempted, subject to the circuit breaker.
func (m *Manager) Sweep(ctx context.Context, probeTimeout time.Duration) {
	start := time.Now()
	defer func() { prometheus.ObserveHealthSweep(time.Since(start)) }()

	type probe struct {
		id   string
		rt   *botRuntime
		conn adapter.Conn
	}

	m.mu.Lock()
	probes := make([]probe, 0, len(m.runtimes))
	for id, rt := range m.runtimes {
		if rt.conn != nil {
			probes = append(probes, probe{id: id, rt: rt, conn: rt.conn})
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range probes {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			alive := p.conn.Alive(probeCtx)
			cancel()
			if alive {
				return
			}

			prometheus.RecordHealthProbeFailure()
			logger.WithBot(ctx, p.id).Warn("Bot failed liveness probe")
			m.reapDead(p.id, p.rt)
		}()
	}
	wg.Wait()

	m.updateStateGauges(ctx)
}

// reapDead tears down a bot whose connection went silently dead, then
// attempts one automatic restart.
func (m *Manager) reapDead(id string, rt *botRuntime) {
	unlock := m.lockOp(id)

	m.mu.Lock()
	current := m.runtimes[id]
	m.mu.Unlock()
	if current != rt {
		// The bot was stopped or restarted since the probe.
		unlock()
		return
	}

	rt.cancel()
	select {
	case <-rt.done:
	case <-time.After(stopWait):
	}
	m.removeRuntime(id, rt)
	m.transitionAsync(id, model.StateOffline)
	unlock()

	m.autoRestart(id)
}

// updateStateGauges refreshes the per-state bot gauges from the store.
func (m *Manager) updateStateGauges(ctx context.Context) {
	bots, err := m.store.List(ctx)
	if err != nil {
		return
	}
	counts := make(map[model.BotState]int)
	for _, b := range bots {
		counts[b.State]++
	}
	for _, state := range []model.BotState{
		model.StatePending, model.StateApproved, model.StateStarting,
		model.StateOnline, model.StateOffline, model.StateError, model.StateDestroyed,
	} {
		prometheus.SetBotsByState(string(state), float64(counts[state]))
	}
}

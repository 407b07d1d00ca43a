// Package monitor watches the broker for fills and closures and drives the
// protection state machine for every open position: newly filled positions
// get stops and limits attached, positions whose entry level has not settled
// yet are retried a bounded number of times, and trailing stops are ratcheted
// in the position's favour only.
//
// The known-id sets and the pending-retry map are owned exclusively by the
// monitor's own loop. Nothing else mutates them.
package monitor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ladder-trading-bot/broker"
	"ladder-trading-bot/metrics"
)

// Config is the monitor's behaviour. It is re-read at the top of every poll
// cycle, so Configure takes effect on the next cycle without a restart.
type Config struct {
	AutoStop         bool
	AutoStopDistance float64

	AutoLimit         bool
	AutoLimitDistance float64

	Trailing         bool
	TrailingDistance float64
	TrailingStep     float64

	// VerifyStops treats a settled position without a stop as a safety
	// violation that must be remediated or loudly reported.
	VerifyStops bool

	CheckInterval   time.Duration
	MaxLevelRetries int // cycles to wait for an entry level before giving up
}

// DefaultConfig mirrors the defaults the bot shipped with.
func DefaultConfig() Config {
	return Config{
		AutoStopDistance:  20,
		AutoLimitDistance: 5,
		TrailingDistance:  15,
		TrailingStep:      5,
		VerifyStops:       true,
		CheckInterval:     10 * time.Second,
		MaxLevelRetries:   5,
	}
}

// Monitor polls the broker and converges every position toward a protected
// state. Safe for Start/Stop/Configure from any goroutine; the snapshot
// state is touched only from the poll loop.
type Monitor struct {
	gw      broker.Gateway
	limiter *broker.Limiter
	logger  *zap.Logger
	say     func(string)

	cfgMu sync.Mutex
	cfg   Config

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}

	// Loop-owned state. Single writer: the poll loop.
	knownPositions map[string]struct{}
	knownOrders    map[string]struct{}
	pendingLevel   map[string]int // position id -> attempts waiting for entry level
}

// New wires a monitor. logCallback receives operator-facing alerts and may
// be nil.
func New(gw broker.Gateway, cfg Config, limiter *broker.Limiter, logger *zap.Logger, logCallback func(string)) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if logCallback == nil {
		logCallback = func(string) {}
	}
	return &Monitor{
		gw:             gw,
		limiter:        limiter,
		logger:         logger,
		say:            logCallback,
		cfg:            cfg,
		knownPositions: make(map[string]struct{}),
		knownOrders:    make(map[string]struct{}),
		pendingLevel:   make(map[string]int),
	}
}

// Configure replaces the monitor's configuration. Picked up on the next
// poll cycle.
func (m *Monitor) Configure(cfg Config) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg = cfg
}

func (m *Monitor) config() Config {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return m.cfg
}

// Start rebuilds the snapshot from the broker and launches the poll loop.
// Calling Start on a running monitor is a logged no-op.
func (m *Monitor) Start() {
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		m.logger.Warn("position monitor already running")
		m.say("Position monitor already running")
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.runMu.Unlock()

	m.knownPositions = make(map[string]struct{})
	m.knownOrders = make(map[string]struct{})
	m.pendingLevel = make(map[string]int)

	if positions, err := m.gw.GetOpenPositions(); err == nil {
		for _, p := range positions {
			m.knownPositions[p.DealID] = struct{}{}
		}
	} else {
		m.logger.Warn("could not snapshot positions at start", zap.Error(err))
	}
	if orders, err := m.gw.GetWorkingOrders(); err == nil {
		for _, o := range orders {
			m.knownOrders[o.DealID] = struct{}{}
		}
	} else {
		m.logger.Warn("could not snapshot working orders at start", zap.Error(err))
	}

	m.say(fmt.Sprintf("Position monitor started - tracking %d positions, %d orders",
		len(m.knownPositions), len(m.knownOrders)))

	go m.loop(stopCh)
}

// Stop halts the poll loop. Idempotent.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()
	m.say("Position monitor stopped")
}

func (m *Monitor) loop(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-time.After(m.config().CheckInterval):
			m.pollCycle()
		}
	}
}

// pollCycle is one pass of the state machine: diff the broker's view against
// the known sets, protect new fills, advance pending retries, then trail.
func (m *Monitor) pollCycle() {
	cfg := m.config()

	positions, err := m.gw.GetOpenPositions()
	if err != nil {
		m.logger.Warn("position fetch failed", zap.Error(err))
		return
	}
	orders, err := m.gw.GetWorkingOrders()
	if err != nil {
		m.logger.Warn("working order fetch failed", zap.Error(err))
		return
	}

	metrics.OpenPositions.Set(float64(len(positions)))

	byID := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		byID[p.DealID] = p
	}

	// Closed positions: vanished from the broker's set. Drop, nothing else.
	for id := range m.knownPositions {
		if _, open := byID[id]; !open {
			delete(m.knownPositions, id)
			delete(m.pendingLevel, id)
			m.logger.Info("position closed", zap.String("deal_id", id))
		}
	}

	// Pending entry levels: bounded retries, then an explicit abandonment.
	// Runs before new-position detection so a position registered this cycle
	// is not charged an extra attempt.
	for id, attempts := range m.pendingLevel {
		pos, open := byID[id]
		if !open {
			delete(m.pendingLevel, id)
			continue
		}
		if pos.EntryLevel != nil {
			m.say(fmt.Sprintf("🔔 Position %s entry level settled at %.2f", id, *pos.EntryLevel))
			m.protect(pos, cfg)
			delete(m.pendingLevel, id)
			continue
		}
		if attempts >= cfg.MaxLevelRetries {
			m.say(fmt.Sprintf("⚠️ Giving up on position %s after %d checks - entry level never settled, no stop attached",
				id, attempts))
			m.logger.Error("abandoned position with unsettled entry level",
				zap.String("deal_id", id), zap.Int("attempts", attempts))
			metrics.PositionsAbandoned.Inc()
			delete(m.pendingLevel, id)
			continue
		}
		m.pendingLevel[id] = attempts + 1
	}

	// New positions: a working order filled.
	newCount := 0
	for _, pos := range positions {
		if _, known := m.knownPositions[pos.DealID]; known {
			continue
		}
		newCount++
		m.knownPositions[pos.DealID] = struct{}{}

		if pos.EntryLevel == nil {
			// Broker has not settled the fill yet. Defer to the pending map
			// rather than protecting against a guessed level.
			m.pendingLevel[pos.DealID] = 1
			m.say(fmt.Sprintf("📍 New position %s: waiting for entry level", pos.DealID))
			continue
		}
		m.say(fmt.Sprintf("🔔 New position %s: %s %s %.2f @ %.2f",
			pos.DealID, pos.Epic, pos.Direction, pos.Size, *pos.EntryLevel))
		m.protect(pos, cfg)
	}
	if newCount > 0 {
		m.logger.Info("detected new positions", zap.Int("count", newCount))
	}

	// Trailing ratchet over everything that has a level and a stop.
	if cfg.Trailing {
		for _, pos := range positions {
			if _, pending := m.pendingLevel[pos.DealID]; pending {
				continue
			}
			if pos.EntryLevel == nil || pos.StopLevel == nil || *pos.StopLevel == 0 {
				continue
			}
			m.trail(pos, cfg)
		}
	}

	// Working-order set is tracked for completeness of the snapshot; a
	// vanished order either filled (seen above as a position) or was
	// cancelled.
	current := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		current[o.DealID] = struct{}{}
	}
	m.knownOrders = current
}

// protect attaches the configured stop and limit to a settled position.
// This is the most safety-critical path in the system: any failure to attach
// a stop is reported loudly, never swallowed.
func (m *Monitor) protect(pos broker.Position, cfg Config) {
	entry := *pos.EntryLevel

	if cfg.VerifyStops && (pos.StopLevel == nil || *pos.StopLevel == 0) {
		if !cfg.AutoStop {
			m.say(fmt.Sprintf("⚠️ UNPROTECTED POSITION %s (%s %s) - no stop attached and auto-stop is disabled",
				pos.DealID, pos.Epic, pos.Direction))
			m.logger.Error("unprotected position, auto-stop disabled",
				zap.String("deal_id", pos.DealID),
				zap.String("epic", pos.Epic))
		} else {
			stop := entry - cfg.AutoStopDistance
			if pos.Direction == broker.DirectionSell {
				stop = entry + cfg.AutoStopDistance
			}
			if err := m.gw.UpdatePosition(pos.DealID, broker.PositionUpdate{StopLevel: broker.Float64(stop)}); err != nil {
				m.say(fmt.Sprintf("❌ FAILED to attach stop to %s: %v - POSITION UNPROTECTED", pos.DealID, err))
				m.logger.Error("stop attachment failed",
					zap.String("deal_id", pos.DealID), zap.Error(err))
				metrics.StopsAttached.WithLabelValues("failed").Inc()
			} else {
				m.say(fmt.Sprintf("✅ Attached stop at %.2f to %s", stop, pos.DealID))
				metrics.StopsAttached.WithLabelValues("ok").Inc()
			}
		}
	}

	if cfg.AutoLimit && pos.LimitLevel == nil {
		limit := entry + cfg.AutoLimitDistance
		if pos.Direction == broker.DirectionSell {
			limit = entry - cfg.AutoLimitDistance
		}
		if err := m.gw.UpdatePosition(pos.DealID, broker.PositionUpdate{LimitLevel: broker.Float64(limit)}); err != nil {
			m.say(fmt.Sprintf("❌ Failed to attach limit to %s: %v", pos.DealID, err))
			m.logger.Warn("limit attachment failed",
				zap.String("deal_id", pos.DealID), zap.Error(err))
		} else {
			m.say(fmt.Sprintf("✅ Attached limit at %.2f to %s", limit, pos.DealID))
		}
	}
}

// trail ratchets the stop toward the market. The stop only ever tightens:
// for a long position it moves up, for a short it moves down, and only when
// the improvement exceeds the trailing step. A computation that would loosen
// protection is suppressed outright.
func (m *Monitor) trail(pos broker.Position, cfg Config) {
	quote, err := m.gw.GetMarketPrice(pos.Epic)
	if err != nil {
		m.logger.Warn("trail: price unavailable",
			zap.String("epic", pos.Epic), zap.Error(err))
		return
	}

	current := *pos.StopLevel

	if pos.Direction == broker.DirectionBuy {
		ideal := quote.Bid - cfg.TrailingDistance
		if ideal <= current+cfg.TrailingStep {
			return
		}
		m.moveStop(pos, current, ideal)
	} else {
		ideal := quote.Offer + cfg.TrailingDistance
		if ideal >= current-cfg.TrailingStep {
			return
		}
		m.moveStop(pos, current, ideal)
	}
}

func (m *Monitor) moveStop(pos broker.Position, from, to float64) {
	if err := m.gw.UpdatePosition(pos.DealID, broker.PositionUpdate{StopLevel: broker.Float64(to)}); err != nil {
		m.say(fmt.Sprintf("Trail failed on %s: %v", pos.DealID, err))
		m.logger.Warn("trailing update failed",
			zap.String("deal_id", pos.DealID), zap.Error(err))
		return
	}
	m.say(fmt.Sprintf("%s %s: trailed stop %.2f → %.2f", pos.Epic, pos.Direction, from, to))
	metrics.StopsTrailed.Inc()
}

// BulkUpdateStops recomputes every open position's stop at the given
// distance from its entry level. Operator-triggered, independent of the poll
// cycle. Positions without a settled entry level are skipped and counted as
// failures.
func (m *Monitor) BulkUpdateStops(distance float64) (updated, failed int) {
	if distance <= 0 {
		m.say("Stop distance must be greater than 0")
		return 0, 0
	}

	positions, err := m.gw.GetOpenPositions()
	if err != nil {
		m.say(fmt.Sprintf("Could not list positions: %v", err))
		return 0, 0
	}
	if len(positions) == 0 {
		m.say("No open positions to update")
		return 0, 0
	}

	m.say(fmt.Sprintf("Updating stops on %d positions to %.1f points from entry...", len(positions), distance))
	for _, pos := range positions {
		if pos.EntryLevel == nil {
			failed++
			m.say(fmt.Sprintf("✗ Skipped %s: entry level not settled", pos.DealID))
			continue
		}
		stop := *pos.EntryLevel - distance
		if pos.Direction == broker.DirectionSell {
			stop = *pos.EntryLevel + distance
		}
		if err := m.gw.UpdatePosition(pos.DealID, broker.PositionUpdate{StopLevel: broker.Float64(stop)}); err != nil {
			failed++
			m.say(fmt.Sprintf("✗ Failed %s: %v", pos.DealID, err))
		} else {
			updated++
			m.say(fmt.Sprintf("✓ Updated %s: stop at %.2f", pos.DealID, stop))
		}
		if m.limiter != nil {
			m.limiter.Wait()
		}
	}

	m.say(fmt.Sprintf("Stop update complete: %d updated, %d failed", updated, failed))
	return updated, failed
}

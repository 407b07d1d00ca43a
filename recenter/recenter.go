// Package recenter keeps an unfilled ladder aligned with a drifting market.
// Each order's offset from the price is captured the first time the order is
// seen; when the nearest order has drifted beyond the adjustment threshold
// the whole ladder is shifted by updating every order in place, preserving
// its offset, stop distance and guaranteed-stop flag.
package recenter

import (
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"ladder-trading-bot/broker"
	"ladder-trading-bot/metrics"
)

// Config drives the re-centering loop. Re-read every tick.
type Config struct {
	Epic            string
	CheckInterval   time.Duration
	AdjustThreshold float64 // points of drift before the ladder is shifted
}

// DefaultConfig mirrors the defaults the bot shipped with.
func DefaultConfig(epic string) Config {
	return Config{
		Epic:            epic,
		CheckInterval:   30 * time.Second,
		AdjustThreshold: 10,
	}
}

// Recenter is the auto-adjustment worker. One instance runs at a time;
// Start on a running worker is a logged no-op.
type Recenter struct {
	gw      broker.Gateway
	limiter *broker.Limiter
	logger  *zap.Logger
	say     func(string)

	cfgMu sync.Mutex
	cfg   Config

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}

	// Loop-owned: original offset from price per order, captured on first
	// observation.
	offsets map[string]float64
}

// New wires a re-centering worker. logCallback may be nil.
func New(gw broker.Gateway, cfg Config, limiter *broker.Limiter, logger *zap.Logger, logCallback func(string)) *Recenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if logCallback == nil {
		logCallback = func(string) {}
	}
	return &Recenter{
		gw:      gw,
		limiter: limiter,
		logger:  logger,
		say:     logCallback,
		cfg:     cfg,
		offsets: make(map[string]float64),
	}
}

// Configure replaces the loop configuration, picked up on the next tick.
func (r *Recenter) Configure(cfg Config) {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	r.cfg = cfg
}

func (r *Recenter) config() Config {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	return r.cfg
}

// Start launches the tick loop. No-op when already running.
func (r *Recenter) Start() {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		r.logger.Warn("auto recenter already running")
		r.say("Auto recenter already running")
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.runMu.Unlock()

	r.offsets = make(map[string]float64)
	r.say(fmt.Sprintf("Auto recenter started - checking every %s", r.config().CheckInterval))

	go r.loop(stopCh)
}

// Stop halts the loop. Idempotent.
func (r *Recenter) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.runMu.Unlock()
	r.say("Auto recenter stopped")
}

func (r *Recenter) loop(stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-time.After(r.config().CheckInterval):
			r.Tick()
		}
	}
}

// Tick performs one re-centering pass. Exposed so an operator action can
// force an immediate adjustment between intervals.
func (r *Recenter) Tick() {
	cfg := r.config()

	quote, err := r.gw.GetMarketPrice(cfg.Epic)
	if err != nil || quote.Mid == 0 {
		r.logger.Warn("recenter: price unavailable",
			zap.String("epic", cfg.Epic), zap.Error(err))
		return
	}
	price := quote.Mid

	all, err := r.gw.GetWorkingOrders()
	if err != nil {
		r.logger.Warn("recenter: working order fetch failed", zap.Error(err))
		return
	}

	orders := make([]broker.WorkingOrder, 0, len(all))
	for _, o := range all {
		if o.Epic == cfg.Epic {
			orders = append(orders, o)
		}
	}
	if len(orders) == 0 {
		return
	}

	// Capture offsets on first sight, prune orders that are gone.
	current := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		current[o.DealID] = struct{}{}
		if _, seen := r.offsets[o.DealID]; !seen {
			if o.Direction == broker.DirectionBuy {
				r.offsets[o.DealID] = o.Level - price
			} else {
				r.offsets[o.DealID] = price - o.Level
			}
		}
	}
	for id := range r.offsets {
		if _, ok := current[id]; !ok {
			delete(r.offsets, id)
		}
	}

	minDist := math.Inf(1)
	for _, o := range orders {
		if d := math.Abs(o.Level - price); d < minDist {
			minDist = d
		}
	}
	if minDist <= cfg.AdjustThreshold {
		return
	}

	r.say(fmt.Sprintf("Price drifted %.1f points from nearest order - re-centering %d orders around %.2f",
		minDist, len(orders), price))

	shifted := 0
	for _, o := range orders {
		offset := r.offsets[o.DealID]
		newLevel := price + offset
		if o.Direction == broker.DirectionSell {
			newLevel = price - offset
		}
		if math.Abs(newLevel-o.Level) < 1e-9 {
			continue
		}
		if err := r.gw.UpdateWorkingOrder(o.DealID, newLevel, o.StopDistance, o.GuaranteedStop); err != nil {
			r.say(fmt.Sprintf("✗ Failed to move %s: %v", o.DealID, err))
			r.logger.Warn("recenter update failed",
				zap.String("deal_id", o.DealID), zap.Error(err))
		} else {
			shifted++
			r.say(fmt.Sprintf("✓ Moved %s: %.2f → %.2f", o.DealID, o.Level, newLevel))
		}
		if r.limiter != nil {
			r.limiter.Wait()
		}
	}

	if shifted > 0 {
		metrics.RecenterShifts.Inc()
		r.logger.Info("ladder re-centered",
			zap.String("epic", cfg.Epic),
			zap.Int("orders", shifted),
			zap.Float64("price", price))
	}
}

// Package ladder places batches of price-staggered stop-entry orders.
// Rejections for the minimum-distance code are retried at a wider offset;
// anything else aborts that rung. Acceptance is asynchronous: every
// submission is followed by a deal-status poll before the order counts.
package ladder

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"ladder-trading-bot/broker"
	"ladder-trading-bot/metrics"
)

// Params describes one ladder placement.
type Params struct {
	Epic           string
	Direction      broker.Direction
	StartOffset    float64 // distance of the first rung from the mid
	StepSize       float64 // spacing between rungs
	NumOrders      int
	Size           float64
	RetryJump      float64 // added to the offset per retry attempt
	MaxRetries     int     // attempts per rung, minimum 1
	StopDistance   float64 // 0 = no stop attached
	LimitDistance  float64 // 0 = no limit attached
	GuaranteedStop bool
}

// PlacedOrder is a ledger entry for an accepted rung, kept for later bulk
// operations such as limit toggling.
type PlacedOrder struct {
	Epic           string
	Direction      broker.Direction
	Level          float64
	Size           float64
	StopDistance   float64
	GuaranteedStop bool
}

// Placer submits ladders and keeps the accepted-order ledger. One placement
// runs at a time; a concurrent call is refused, not queued.
type Placer struct {
	gw      broker.Gateway
	limiter *broker.Limiter
	logger  *zap.Logger
	say     func(string)

	placing   atomic.Bool
	cancelReq atomic.Bool

	mu     sync.Mutex
	ledger []PlacedOrder
}

// NewPlacer wires a placer. logCallback receives operator-facing progress
// messages and may be nil.
func NewPlacer(gw broker.Gateway, limiter *broker.Limiter, logger *zap.Logger, logCallback func(string)) *Placer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if logCallback == nil {
		logCallback = func(string) {}
	}
	return &Placer{gw: gw, limiter: limiter, logger: logger, say: logCallback}
}

// RequestCancel asks an in-flight placement to stop at the next rung
// boundary. Cooperative only; the current submission is never interrupted.
func (p *Placer) RequestCancel() {
	p.cancelReq.Store(true)
}

// Ledger returns a copy of the accepted orders from the last placement.
func (p *Placer) Ledger() []PlacedOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlacedOrder, len(p.ledger))
	copy(out, p.ledger)
	return out
}

// PlaceLadder submits the full ladder and returns (accepted, requested).
// A partial ladder is a reportable outcome, not an error: the caller reads
// the ratio. The previous ledger is discarded at the start of each call.
func (p *Placer) PlaceLadder(params Params) (int, int) {
	if !p.placing.CompareAndSwap(false, true) {
		p.logger.Warn("ladder placement already in progress")
		p.say("Ladder placement already in progress")
		return 0, params.NumOrders
	}
	defer p.placing.Store(false)

	if params.MaxRetries < 1 {
		params.MaxRetries = 1
	}

	p.mu.Lock()
	p.ledger = nil
	p.mu.Unlock()

	quote, err := p.gw.GetMarketPrice(params.Epic)
	if err != nil || quote.Mid == 0 {
		p.say("Could not get market price")
		p.logger.Error("market price unavailable", zap.String("epic", params.Epic), zap.Error(err))
		return 0, params.NumOrders
	}
	price := quote.Mid
	p.say(fmt.Sprintf("Current %s price: %.2f", params.Epic, price))

	if params.StopDistance > 0 {
		stopType := "Regular"
		if params.GuaranteedStop {
			stopType = "Guaranteed"
		}
		p.say(fmt.Sprintf("Using %s stops at %.1f points distance", stopType, params.StopDistance))
	}

	successful := 0

	for i := 0; i < params.NumOrders; i++ {
		if p.cancelReq.CompareAndSwap(true, false) {
			p.say("Ladder placement cancelled")
			p.logger.Info("ladder placement cancelled",
				zap.Int("placed", successful), zap.Int("requested", params.NumOrders))
			return successful, params.NumOrders
		}

		if p.placeRung(params, price, i, &successful) {
			continue
		}
		p.say(fmt.Sprintf("Order %d could not be placed", i+1))
	}

	p.say(fmt.Sprintf("Ladder complete: %d/%d orders placed successfully", successful, params.NumOrders))
	p.logger.Info("ladder complete",
		zap.String("epic", params.Epic),
		zap.Int("placed", successful),
		zap.Int("requested", params.NumOrders))
	return successful, params.NumOrders
}

// placeRung tries one rung, retrying at a wider offset only while the broker
// keeps answering with the minimum-distance code.
func (p *Placer) placeRung(params Params, price float64, i int, successful *int) bool {
	for attempt := 0; attempt < params.MaxRetries; attempt++ {
		offset := params.StartOffset + float64(attempt)*params.RetryJump

		// Level must be recomputed per attempt: the offset widens each retry.
		var level float64
		if params.Direction == broker.DirectionBuy {
			level = price + offset + float64(i)*params.StepSize
		} else {
			level = price - offset - float64(i)*params.StepSize
		}

		sub, err := p.gw.PlaceWorkingOrder(broker.OrderRequest{
			Epic:           params.Epic,
			Direction:      params.Direction,
			Size:           params.Size,
			Level:          level,
			Type:           broker.OrderTypeStop,
			StopDistance:   params.StopDistance,
			GuaranteedStop: params.GuaranteedStop,
			LimitDistance:  params.LimitDistance,
		})
		if err != nil {
			p.say(fmt.Sprintf("Order %d failed: %v", i+1, err))
			metrics.Orders.WithLabelValues("error").Inc()
			return false
		}

		status, err := p.gw.CheckDealStatus(sub.DealReference)
		if err != nil {
			p.say(fmt.Sprintf("Order %d confirmation failed: %v", i+1, err))
			metrics.Orders.WithLabelValues("error").Inc()
			return false
		}

		switch {
		case status.State == broker.DealAccepted:
			if attempt > 0 {
				p.say(fmt.Sprintf("Order %d placed at %.2f (offset: %.1f)", i+1, level, offset))
			} else {
				p.say(fmt.Sprintf("Order %d placed at %.2f", i+1, level))
			}
			if params.LimitDistance > 0 {
				p.say(fmt.Sprintf("  with limit at %.1f points", params.LimitDistance))
			}
			p.mu.Lock()
			p.ledger = append(p.ledger, PlacedOrder{
				Epic:           params.Epic,
				Direction:      params.Direction,
				Level:          level,
				Size:           params.Size,
				StopDistance:   params.StopDistance,
				GuaranteedStop: params.GuaranteedStop,
			})
			p.mu.Unlock()
			*successful++
			metrics.Orders.WithLabelValues("accepted").Inc()
			p.limiter.Wait()
			return true

		case status.Reason.Retryable():
			metrics.OrderRetries.Inc()
			if attempt < params.MaxRetries-1 {
				p.say(fmt.Sprintf("Order %d too close at %.2f. Retrying with larger offset...", i+1, level))
			} else {
				p.say(fmt.Sprintf("Order %d failed after %d retries - minimum distance too large", i+1, params.MaxRetries))
				metrics.Orders.WithLabelValues("rejected").Inc()
			}

		default:
			p.say(fmt.Sprintf("Order %d rejected: %s", i+1, status.Reason))
			metrics.Orders.WithLabelValues("rejected").Inc()
			p.limiter.Wait()
			return false
		}

		p.limiter.Wait()
	}
	return false
}

// ToggleLimits walks the ledger and reports the limit change per rung. The
// ledger carries no deal ids, so this stays an operator-facing audit pass;
// stop changes on live orders go through UpdateOrderStops.
func (p *Placer) ToggleLimits(enable bool, distance float64) {
	orders := p.Ledger()
	if len(orders) == 0 {
		p.say("No orders to modify")
		return
	}

	action := "Removing"
	if enable {
		action = "Adding"
	}
	for _, o := range orders {
		p.say(fmt.Sprintf("%s %.1fpt limit on order at %.2f", action, distance, o.Level))
		p.limiter.Wait()
	}
	p.say(fmt.Sprintf("Limit toggle complete on %d orders", len(orders)))
}

// UpdateOrderStops reapplies every working order at its current level with
// the given stop distance. When preserveGuaranteed is set, orders that
// already carry a guaranteed stop keep it; otherwise all stops become
// regular ones.
func (p *Placer) UpdateOrderStops(distance float64, preserveGuaranteed bool) (updated, failed int) {
	if distance <= 0 {
		p.say("Stop distance must be greater than 0")
		return 0, 0
	}

	orders, err := p.gw.GetWorkingOrders()
	if err != nil {
		p.say(fmt.Sprintf("Could not list working orders: %v", err))
		return 0, 0
	}
	if len(orders) == 0 {
		p.say("No working orders to update")
		return 0, 0
	}

	p.say(fmt.Sprintf("Updating all working order stops to %.1f points...", distance))
	for _, o := range orders {
		useGuaranteed := o.GuaranteedStop && preserveGuaranteed
		if err := p.gw.UpdateWorkingOrder(o.DealID, o.Level, distance, useGuaranteed); err != nil {
			failed++
			p.say(fmt.Sprintf("✗ Failed %s: %v", o.DealID, err))
		} else {
			updated++
			stopType := "Regular"
			if useGuaranteed {
				stopType = "GSLO"
			}
			p.say(fmt.Sprintf("✓ Updated %s: %.1fpts (%s)", o.DealID, distance, stopType))
		}
		p.limiter.Wait()
	}

	p.say(fmt.Sprintf("Stop update complete: %d updated, %d failed", updated, failed))
	return updated, failed
}

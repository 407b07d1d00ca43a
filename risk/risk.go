// Package risk implements the pre-trade gate. Every proposed ladder runs
// through Evaluate before anything is submitted; all checks are evaluated
// and reported even when an early one already denies the trade.
package risk

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ladder-trading-bot/broker"
	"ladder-trading-bot/metrics"
)

// defaultMarginFactor is used when the broker has no margin metadata for an
// instrument. 5% of notional is a conservative figure for index and FX
// spread instruments.
const defaultMarginFactor = 0.05

// Limits are the session risk caps. Immutable for the session unless
// explicitly replaced via SetLimits.
type Limits struct {
	MaxDailyLoss     decimal.Decimal // account currency
	MaxPositionSize  decimal.Decimal // size per position
	MaxTotalExposure decimal.Decimal // sum of |size x price| across the book
	MaxMarginUsage   decimal.Decimal // fraction of total funds, e.g. 0.30
	MaxOpenPositions int
}

// DefaultLimits mirrors the caps the bot shipped with.
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLoss:     decimal.NewFromInt(200),
		MaxPositionSize:  decimal.NewFromInt(5),
		MaxTotalExposure: decimal.NewFromInt(1000),
		MaxMarginUsage:   decimal.NewFromFloat(0.30),
		MaxOpenPositions: 10,
	}
}

// Check is one named verdict in an evaluation. Checks are reported in a
// fixed order: daily loss, position limits, margin usage.
type Check struct {
	Name    string
	Passed  bool
	Message string
}

// Gate evaluates proposed trades against account state. Read-only against
// the broker; it never mutates anything.
type Gate struct {
	gw     broker.Gateway
	logger *zap.Logger

	mu           sync.Mutex
	limits       Limits
	sessionStart *decimal.Decimal // balance at first evaluation, net of open P&L
}

// NewGate returns a gate with the given limits.
func NewGate(gw broker.Gateway, limits Limits, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{gw: gw, limits: limits, logger: logger}
}

// SetLimits replaces the session limits.
func (g *Gate) SetLimits(l Limits) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = l
}

// ResetSession clears the captured session-start balance so the next
// evaluation re-baselines daily P&L. Call at the start of a trading day.
func (g *Gate) ResetSession() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionStart = nil
}

// Evaluate runs every check against the proposed trade and returns the
// overall verdict plus the itemized results. No check short-circuits the
// others: a denied trade still reports the full picture.
func (g *Gate) Evaluate(proposedSize float64, epic string) (bool, []Check) {
	g.mu.Lock()
	limits := g.limits
	g.mu.Unlock()

	checks := []Check{
		g.checkDailyLoss(limits),
		g.checkPositionLimits(limits, proposedSize, epic),
		g.checkMarginUsage(limits, proposedSize, epic),
	}

	allowed := true
	for _, c := range checks {
		if !c.Passed {
			allowed = false
			metrics.RiskDenials.WithLabelValues(c.Name).Inc()
			g.logger.Warn("risk check failed",
				zap.String("check", c.Name),
				zap.String("reason", c.Message))
		}
	}
	return allowed, checks
}

// checkDailyLoss compares the current balance against the session-start
// balance, captured lazily on the first evaluation. Account data being
// unavailable is a hard failure: a loss cap that cannot be verified must not
// pass.
func (g *Gate) checkDailyLoss(limits Limits) Check {
	const name = "daily_loss"

	ai, err := g.gw.GetAccountInfo()
	if err != nil {
		return Check{Name: name, Passed: false,
			Message: "cannot evaluate daily loss: account info unavailable"}
	}

	balance := decimal.NewFromFloat(ai.Balance)
	profitLoss := decimal.NewFromFloat(ai.ProfitLoss)

	g.mu.Lock()
	if g.sessionStart == nil {
		start := balance.Sub(profitLoss)
		g.sessionStart = &start
		g.logger.Info("session start balance captured",
			zap.String("balance", start.StringFixed(2)))
	}
	start := *g.sessionStart
	g.mu.Unlock()

	dailyPnL := balance.Sub(start)
	if dailyPnL.LessThanOrEqual(limits.MaxDailyLoss.Neg()) {
		return Check{Name: name, Passed: false,
			Message: fmt.Sprintf("daily loss limit breached: %s (limit %s)",
				dailyPnL.StringFixed(2), limits.MaxDailyLoss.StringFixed(2))}
	}
	return Check{Name: name, Passed: true,
		Message: fmt.Sprintf("daily P&L %s", dailyPnL.StringFixed(2))}
}

// checkPositionLimits verifies the open-position count, the per-position
// size cap, and total notional exposure including the proposed trade.
// Position data being unavailable is a hard failure.
func (g *Gate) checkPositionLimits(limits Limits, proposedSize float64, epic string) Check {
	const name = "position_limits"

	positions, err := g.gw.GetOpenPositions()
	if err != nil {
		return Check{Name: name, Passed: false,
			Message: "cannot evaluate position limits: positions unavailable"}
	}

	if len(positions) >= limits.MaxOpenPositions {
		return Check{Name: name, Passed: false,
			Message: fmt.Sprintf("maximum positions limit reached (%d)", limits.MaxOpenPositions)}
	}

	size := decimal.NewFromFloat(proposedSize)
	if size.GreaterThan(limits.MaxPositionSize) {
		return Check{Name: name, Passed: false,
			Message: fmt.Sprintf("position size %s exceeds maximum %s",
				size.String(), limits.MaxPositionSize.String())}
	}

	exposure := decimal.Zero
	for _, pos := range positions {
		q, err := g.gw.GetMarketPrice(pos.Epic)
		if err != nil {
			continue
		}
		// Conservative quote: the side that overstates the exposure.
		ref := q.Offer
		if pos.Direction == broker.DirectionSell {
			ref = q.Bid
		}
		exposure = exposure.Add(
			decimal.NewFromFloat(pos.Size).Mul(decimal.NewFromFloat(ref)).Abs())
	}
	if q, err := g.gw.GetMarketPrice(epic); err == nil {
		exposure = exposure.Add(size.Mul(decimal.NewFromFloat(q.Mid)).Abs())
	}

	if exposure.GreaterThan(limits.MaxTotalExposure) {
		return Check{Name: name, Passed: false,
			Message: fmt.Sprintf("total exposure %s exceeds limit %s",
				exposure.StringFixed(2), limits.MaxTotalExposure.StringFixed(2))}
	}

	return Check{Name: name, Passed: true, Message: "position limits OK"}
}

// checkMarginUsage estimates the margin the proposed trade would require and
// denies if the resulting utilization breaches the cap. Unlike the two hard
// checks above, a missing price is tolerated: the estimate alone is then
// skipped with a documented permissive default.
func (g *Gate) checkMarginUsage(limits Limits, proposedSize float64, epic string) Check {
	const name = "margin_usage"

	ai, err := g.gw.GetAccountInfo()
	if err != nil {
		return Check{Name: name, Passed: false,
			Message: "cannot evaluate margin usage: account info unavailable"}
	}

	totalFunds := decimal.NewFromFloat(ai.Balance)
	if totalFunds.LessThanOrEqual(decimal.Zero) {
		return Check{Name: name, Passed: true, Message: "margin check inconclusive (no funds data)"}
	}

	q, err := g.gw.GetMarketPrice(epic)
	if err != nil || q.Mid == 0 {
		// Only the new-trade estimate is unavailable; the hard checks above
		// still stand.
		return Check{Name: name, Passed: true,
			Message: "cannot estimate required margin (no price data), allowing"}
	}

	factor, err := g.gw.GetMarginFactor(epic)
	if err != nil || factor <= 0 {
		factor = defaultMarginFactor
	}

	notional := decimal.NewFromFloat(proposedSize).Mul(decimal.NewFromFloat(q.Mid)).Abs()
	required := notional.Mul(decimal.NewFromFloat(factor))
	used := decimal.NewFromFloat(ai.Deposit)

	ratio := used.Add(required).Div(totalFunds)
	if ratio.GreaterThan(limits.MaxMarginUsage) {
		return Check{Name: name, Passed: false,
			Message: fmt.Sprintf("margin usage %s%% would exceed limit %s%%",
				ratio.Mul(decimal.NewFromInt(100)).StringFixed(1),
				limits.MaxMarginUsage.Mul(decimal.NewFromInt(100)).StringFixed(1))}
	}

	return Check{Name: name, Passed: true,
		Message: fmt.Sprintf("margin usage %s%%",
			ratio.Mul(decimal.NewFromInt(100)).StringFixed(1))}
}

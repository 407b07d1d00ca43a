// Package broker defines the gateway abstraction the trading core uses to
// talk to the broker. The broker is the sole source of truth for order and
// position state: submissions are acknowledged with a deal reference that has
// to be polled for final acceptance, and freshly filled positions may report
// their entry level a while after the fill itself.
package broker

// Direction is the side of an order or position.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the offsetting direction, used when closing a position.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// DealState is the broker's final verdict on a submitted deal.
type DealState string

const (
	DealAccepted DealState = "ACCEPTED"
	DealRejected DealState = "REJECTED"
)

// RejectReason is the broker's rejection code. These form a closed set:
// retry decisions dispatch on the tag, never on free-text messages.
type RejectReason string

const (
	RejectNone RejectReason = ""

	// RejectLevelTooClose is returned when the requested entry level or its
	// attached stop sits inside the instrument's minimum distance from the
	// current market.
	RejectLevelTooClose RejectReason = "ATTACHED_ORDER_LEVEL_ERROR"

	RejectInsufficientFunds RejectReason = "INSUFFICIENT_FUNDS"
	RejectMarketClosed      RejectReason = "MARKET_CLOSED_WITH_EDITS"
	RejectUnknown           RejectReason = "UNKNOWN"
)

// Retryable reports whether a rejection can be retried at a wider offset.
// Only the minimum-distance violation qualifies.
func (r RejectReason) Retryable() bool {
	return r == RejectLevelTooClose
}

// MarketTradeable is the quote status for an instrument that accepts orders.
const MarketTradeable = "TRADEABLE"

// Quote is a two-sided price snapshot for an instrument.
type Quote struct {
	Bid    float64
	Offer  float64
	Mid    float64
	Status string
}

// OrderType is the working-order variety. The ladder core only places
// stop-entry orders; limit entries exist for completeness.
type OrderType string

const (
	OrderTypeStop  OrderType = "STOP"
	OrderTypeLimit OrderType = "LIMIT"
)

// OrderRequest is a working-order submission.
type OrderRequest struct {
	Epic           string
	Direction      Direction
	Size           float64
	Level          float64
	Type           OrderType
	StopDistance   float64 // 0 = no stop attached
	GuaranteedStop bool
	LimitDistance  float64 // 0 = no limit attached
}

// Submission is the immediate acknowledgement of an order submission. The
// deal reference must be polled via CheckDealStatus for the final verdict.
type Submission struct {
	DealReference string
}

// DealStatus is the polled outcome of a submission.
type DealStatus struct {
	State  DealState
	Reason RejectReason
	DealID string // bound on acceptance
}

// WorkingOrder is a resting, unfilled order as reported by the broker.
type WorkingOrder struct {
	DealID         string
	Epic           string
	Direction      Direction
	Level          float64
	Size           float64
	StopDistance   float64
	GuaranteedStop bool
}

// Position is an open position as reported by the broker. EntryLevel is nil
// until the broker has settled the fill; StopLevel and LimitLevel are nil
// when no protection is attached.
type Position struct {
	DealID     string
	Epic       string
	Direction  Direction
	EntryLevel *float64
	Size       float64
	StopLevel  *float64
	LimitLevel *float64
}

// PositionUpdate amends the protective levels on an open position. Nil
// fields are left untouched.
type PositionUpdate struct {
	StopLevel  *float64
	LimitLevel *float64
}

// AccountInfo is the account balance snapshot used by the risk gate.
// Deposit is the margin currently held against open positions.
type AccountInfo struct {
	Balance    float64
	Available  float64
	Deposit    float64
	ProfitLoss float64
}

// Gateway is the full broker surface the core needs. Implementations may be
// called concurrently from multiple workers; calls are synchronous and
// bounded by the implementation's own request timeout.
type Gateway interface {
	GetMarketPrice(epic string) (Quote, error)
	// GetMarginFactor returns the instrument's margin factor as a fraction
	// of notional (e.g. 0.05 for 5%).
	GetMarginFactor(epic string) (float64, error)

	PlaceWorkingOrder(req OrderRequest) (Submission, error)
	CheckDealStatus(dealRef string) (DealStatus, error)

	GetWorkingOrders() ([]WorkingOrder, error)
	GetOpenPositions() ([]Position, error)

	UpdateWorkingOrder(dealID string, newLevel float64, stopDistance float64, guaranteedStop bool) error
	UpdatePosition(dealID string, upd PositionUpdate) error

	CancelOrder(dealID string) error
	ClosePosition(dealID string, direction Direction, size float64) error

	GetAccountInfo() (AccountInfo, error)
}

// Float64 returns a pointer to v. Convenience for optional levels.
func Float64(v float64) *float64 { return &v }

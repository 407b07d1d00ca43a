// Package metrics exposes the Prometheus instrumentation updated by the
// trading loops. Everything is registered in init() and served at /metrics
// by the HTTP handler started in main.go.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ladderbot_orders_total{outcome} – ladder submissions by final outcome
	// (accepted|rejected|error).
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladderbot_orders_total",
			Help: "Ladder order submissions by outcome",
		},
		[]string{"outcome"},
	)

	// ladderbot_order_retries_total – retries after minimum-distance rejections.
	OrderRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ladderbot_order_retries_total",
			Help: "Order retries after minimum-distance rejections",
		},
	)

	// ladderbot_risk_denials_total{check} – risk gate denials by check name.
	RiskDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladderbot_risk_denials_total",
			Help: "Risk gate denials split by check",
		},
		[]string{"check"},
	)

	// ladderbot_stops_attached_total{result} – protection-step stop
	// attachments (ok|failed).
	StopsAttached = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladderbot_stops_attached_total",
			Help: "Protective stops attached to filled positions",
		},
		[]string{"result"},
	)

	// ladderbot_positions_abandoned_total – positions given up on after the
	// entry level never settled.
	PositionsAbandoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ladderbot_positions_abandoned_total",
			Help: "Positions abandoned waiting for an entry level",
		},
	)

	// ladderbot_stops_trailed_total – trailing-stop ratchet updates issued.
	StopsTrailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ladderbot_stops_trailed_total",
			Help: "Trailing stop updates issued",
		},
	)

	// ladderbot_open_positions – open positions seen on the last poll.
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ladderbot_open_positions",
			Help: "Open positions seen on the last monitor poll",
		},
	)

	// ladderbot_recenter_shifts_total – whole-ladder re-centering passes.
	RecenterShifts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ladderbot_recenter_shifts_total",
			Help: "Ladder re-centering passes performed",
		},
	)
)

func init() {
	prometheus.MustRegister(Orders, OrderRetries, RiskDenials)
	prometheus.MustRegister(StopsAttached, PositionsAbandoned, StopsTrailed, OpenPositions)
	prometheus.MustRegister(RecenterShifts)
}

package monitor

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder-trading-bot/broker"
)

type posUpdate struct {
	dealID string
	upd    broker.PositionUpdate
}

type stubGateway struct {
	mu           sync.Mutex
	positions    []broker.Position
	positionsErr error
	orders       []broker.WorkingOrder
	quotes       map[string]broker.Quote
	updateErr    error
	posUpdates   []posUpdate
}

func (s *stubGateway) setPositions(ps ...broker.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = ps
}

func (s *stubGateway) updates() []posUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]posUpdate, len(s.posUpdates))
	copy(out, s.posUpdates)
	return out
}

func (s *stubGateway) GetMarketPrice(epic string) (broker.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[epic]
	if !ok {
		return broker.Quote{}, errors.New("no quote")
	}
	return q, nil
}

func (s *stubGateway) GetMarginFactor(string) (float64, error) { return 0.05, nil }
func (s *stubGateway) PlaceWorkingOrder(broker.OrderRequest) (broker.Submission, error) {
	return broker.Submission{}, errors.New("not supported")
}
func (s *stubGateway) CheckDealStatus(string) (broker.DealStatus, error) {
	return broker.DealStatus{}, errors.New("not supported")
}
func (s *stubGateway) GetWorkingOrders() ([]broker.WorkingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders, nil
}
func (s *stubGateway) GetOpenPositions() ([]broker.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions, s.positionsErr
}
func (s *stubGateway) UpdateWorkingOrder(string, float64, float64, bool) error { return nil }
func (s *stubGateway) UpdatePosition(dealID string, upd broker.PositionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.posUpdates = append(s.posUpdates, posUpdate{dealID, upd})
	return nil
}
func (s *stubGateway) CancelOrder(string) error                              { return nil }
func (s *stubGateway) ClosePosition(string, broker.Direction, float64) error { return nil }
func (s *stubGateway) GetAccountInfo() (broker.AccountInfo, error) {
	return broker.AccountInfo{}, errors.New("not supported")
}

type sayLog struct {
	mu   sync.Mutex
	msgs []string
}

func (l *sayLog) fn() func(string) {
	return func(msg string) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.msgs = append(l.msgs, msg)
	}
}

func (l *sayLog) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

const epic = "IX.D.FTSE.DAILY.IP"

func longPosition(id string, entry, stop float64) broker.Position {
	p := broker.Position{DealID: id, Epic: epic, Direction: broker.DirectionBuy, Size: 1}
	if entry != 0 {
		p.EntryLevel = broker.Float64(entry)
	}
	if stop != 0 {
		p.StopLevel = broker.Float64(stop)
	}
	return p
}

func newTestMonitor(gw broker.Gateway, cfg Config, say func(string)) *Monitor {
	return New(gw, cfg, broker.NewLimiter(1000), nil, say)
}

func TestAutoStopAttachedOnNewLongPosition(t *testing.T) {
	gw := &stubGateway{}
	gw.setPositions(longPosition("p1", 2000, 0))

	cfg := DefaultConfig()
	cfg.AutoStop = true
	m := newTestMonitor(gw, cfg, nil)

	m.pollCycle()

	updates := gw.updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "p1", updates[0].dealID)
	require.NotNil(t, updates[0].upd.StopLevel)
	assert.Equal(t, 1980.0, *updates[0].upd.StopLevel)
}

func TestAutoStopAttachedOnNewShortPosition(t *testing.T) {
	gw := &stubGateway{}
	gw.setPositions(broker.Position{
		DealID: "p1", Epic: epic, Direction: broker.DirectionSell, Size: 1,
		EntryLevel: broker.Float64(2000),
	})

	cfg := DefaultConfig()
	cfg.AutoStop = true
	m := newTestMonitor(gw, cfg, nil)

	m.pollCycle()

	updates := gw.updates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].upd.StopLevel)
	assert.Equal(t, 2020.0, *updates[0].upd.StopLevel)
}

func TestUnprotectedAlertWhenAutoStopDisabled(t *testing.T) {
	gw := &stubGateway{}
	gw.setPositions(longPosition("p1", 2000, 0))

	cfg := DefaultConfig()
	cfg.AutoStop = false
	say := &sayLog{}
	m := newTestMonitor(gw, cfg, say.fn())

	m.pollCycle()

	assert.Empty(t, gw.updates())
	assert.True(t, say.contains("UNPROTECTED"), "expected a loud unprotected-position alert")
}

func TestStopAttachFailureIsLoud(t *testing.T) {
	gw := &stubGateway{updateErr: errors.New("rejected")}
	gw.setPositions(longPosition("p1", 2000, 0))

	cfg := DefaultConfig()
	cfg.AutoStop = true
	say := &sayLog{}
	m := newTestMonitor(gw, cfg, say.fn())

	m.pollCycle()

	assert.True(t, say.contains("UNPROTECTED"), "a failed stop attachment must be surfaced")
}

func TestExistingStopLeftAlone(t *testing.T) {
	gw := &stubGateway{}
	gw.setPositions(longPosition("p1", 2000, 1985))

	cfg := DefaultConfig()
	cfg.AutoStop = true
	m := newTestMonitor(gw, cfg, nil)

	m.pollCycle()
	assert.Empty(t, gw.updates())
}

func TestAutoLimitAttached(t *testing.T) {
	gw := &stubGateway{}
	gw.setPositions(longPosition("p1", 2000, 1985))

	cfg := DefaultConfig()
	cfg.AutoLimit = true
	m := newTestMonitor(gw, cfg, nil)

	m.pollCycle()

	updates := gw.updates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].upd.LimitLevel)
	assert.Equal(t, 2005.0, *updates[0].upd.LimitLevel)
	assert.Nil(t, updates[0].upd.StopLevel)
}

func TestPendingEntryLevelAbandoned(t *testing.T) {
	gw := &stubGateway{}
	gw.setPositions(longPosition("p1", 0, 0)) // entry never settles

	cfg := DefaultConfig()
	cfg.AutoStop = true
	cfg.MaxLevelRetries = 5
	say := &sayLog{}
	m := newTestMonitor(gw, cfg, say.fn())

	// Detection cycle plus five retry cycles exhausts the bound.
	for i := 0; i < 6; i++ {
		m.pollCycle()
	}

	assert.Empty(t, gw.updates(), "no protection call may be made without an entry level")
	assert.Empty(t, m.pendingLevel)
	assert.True(t, say.contains("Giving up"), "abandonment must be logged")
}

func TestPendingEntryLevelSettles(t *testing.T) {
	gw := &stubGateway{}
	gw.setPositions(longPosition("p1", 0, 0))

	cfg := DefaultConfig()
	cfg.AutoStop = true
	m := newTestMonitor(gw, cfg, nil)

	m.pollCycle()
	m.pollCycle()
	assert.Empty(t, gw.updates())

	gw.setPositions(longPosition("p1", 2000, 0))
	m.pollCycle()

	updates := gw.updates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].upd.StopLevel)
	assert.Equal(t, 1980.0, *updates[0].upd.StopLevel)
	assert.Empty(t, m.pendingLevel)
}

func TestClosedPositionDropped(t *testing.T) {
	gw := &stubGateway{}
	gw.setPositions(longPosition("p1", 2000, 1985))

	m := newTestMonitor(gw, DefaultConfig(), nil)
	m.pollCycle()
	require.Contains(t, m.knownPositions, "p1")

	gw.setPositions()
	m.pollCycle()

	assert.NotContains(t, m.knownPositions, "p1")
	assert.Empty(t, gw.updates())
}

func TestTrailLongNoMoveInsideStep(t *testing.T) {
	gw := &stubGateway{quotes: map[string]broker.Quote{
		epic: {Bid: 1998, Offer: 1999},
	}}
	gw.setPositions(longPosition("p1", 2000, 1980))

	cfg := DefaultConfig()
	cfg.Trailing = true
	m := newTestMonitor(gw, cfg, nil)
	m.knownPositions["p1"] = struct{}{} // not a new fill, just trailing

	// Ideal stop 1998-15=1983 does not beat 1980+5: no update.
	m.pollCycle()
	assert.Empty(t, gw.updates())
}

func TestTrailLongRatchetsUp(t *testing.T) {
	gw := &stubGateway{quotes: map[string]broker.Quote{
		epic: {Bid: 2001, Offer: 2002},
	}}
	gw.setPositions(longPosition("p1", 2000, 1980))

	cfg := DefaultConfig()
	cfg.Trailing = true
	m := newTestMonitor(gw, cfg, nil)
	m.knownPositions["p1"] = struct{}{}

	// Ideal stop 2001-15=1986 beats 1980+5: exactly one update to 1986.
	m.pollCycle()

	updates := gw.updates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].upd.StopLevel)
	assert.Equal(t, 1986.0, *updates[0].upd.StopLevel)
}

func TestTrailShortRatchetsDown(t *testing.T) {
	gw := &stubGateway{quotes: map[string]broker.Quote{
		epic: {Bid: 1998, Offer: 1999},
	}}
	gw.setPositions(broker.Position{
		DealID: "p1", Epic: epic, Direction: broker.DirectionSell, Size: 1,
		EntryLevel: broker.Float64(2000),
		StopLevel:  broker.Float64(2020),
	})

	cfg := DefaultConfig()
	cfg.Trailing = true
	m := newTestMonitor(gw, cfg, nil)
	m.knownPositions["p1"] = struct{}{}

	// Ideal stop 1999+15=2014 is below 2020-5: one update to 2014.
	m.pollCycle()

	updates := gw.updates()
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].upd.StopLevel)
	assert.Equal(t, 2014.0, *updates[0].upd.StopLevel)
}

func TestTrailNeverLoosens(t *testing.T) {
	gw := &stubGateway{quotes: map[string]broker.Quote{
		epic: {Bid: 1950, Offer: 1951}, // market has fallen hard
	}}
	gw.setPositions(longPosition("p1", 2000, 1980))

	cfg := DefaultConfig()
	cfg.Trailing = true
	m := newTestMonitor(gw, cfg, nil)
	m.knownPositions["p1"] = struct{}{}

	// Ideal stop 1935 is below the current 1980: suppressed.
	m.pollCycle()
	assert.Empty(t, gw.updates())
}

func TestBulkUpdateStops(t *testing.T) {
	gw := &stubGateway{}
	gw.setPositions(
		longPosition("p1", 2000, 0),
		longPosition("p2", 2100, 0),
		broker.Position{
			DealID: "p3", Epic: epic, Direction: broker.DirectionSell, Size: 1,
			EntryLevel: broker.Float64(1900),
		},
	)

	m := newTestMonitor(gw, DefaultConfig(), nil)
	updated, failed := m.BulkUpdateStops(30)

	require.Equal(t, 3, updated)
	require.Equal(t, 0, failed)

	updates := gw.updates()
	require.Len(t, updates, 3)
	byID := make(map[string]float64, 3)
	for _, u := range updates {
		require.NotNil(t, u.upd.StopLevel)
		byID[u.dealID] = *u.upd.StopLevel
	}
	assert.Equal(t, 1970.0, byID["p1"])
	assert.Equal(t, 2070.0, byID["p2"])
	assert.Equal(t, 1930.0, byID["p3"])
}

func TestBulkUpdateStopsSkipsUnsettled(t *testing.T) {
	gw := &stubGateway{}
	gw.setPositions(longPosition("p1", 0, 0))

	m := newTestMonitor(gw, DefaultConfig(), nil)
	updated, failed := m.BulkUpdateStops(30)

	assert.Equal(t, 0, updated)
	assert.Equal(t, 1, failed)
	assert.Empty(t, gw.updates())
}

func TestStartIsSingleInstance(t *testing.T) {
	gw := &stubGateway{}
	cfg := DefaultConfig()
	cfg.CheckInterval = time.Hour
	say := &sayLog{}
	m := newTestMonitor(gw, cfg, say.fn())

	m.Start()
	m.Start()
	assert.True(t, say.contains("already running"))

	m.Stop()
	m.Stop() // idempotent
}

func TestPollCycleSurvivesFetchError(t *testing.T) {
	gw := &stubGateway{positionsErr: errors.New("timeout")}
	m := newTestMonitor(gw, DefaultConfig(), nil)

	m.pollCycle() // must not panic or mutate state
	assert.Empty(t, m.knownPositions)
}

package broker

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

// Sim is an in-memory Gateway used for dry runs and tests. Orders never
// touch a real broker; fills and entry-level settlement are driven manually
// so the asynchronous behaviour of the real API can be reproduced.
type Sim struct {
	mu sync.Mutex

	quotes        map[string]Quote
	marginFactors map[string]float64
	minDistances  map[string]float64
	account       *AccountInfo

	orders    map[string]WorkingOrder
	positions map[string]Position
	deals     map[string]DealStatus
}

// NewSim returns an empty simulated gateway. Seed it with SetQuote and
// SetAccount before use.
func NewSim() *Sim {
	return &Sim{
		quotes:        make(map[string]Quote),
		marginFactors: make(map[string]float64),
		minDistances:  make(map[string]float64),
		orders:        make(map[string]WorkingOrder),
		positions:     make(map[string]Position),
		deals:         make(map[string]DealStatus),
	}
}

// SetQuote seeds the market price for an instrument.
func (s *Sim) SetQuote(epic string, bid, offer float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[epic] = Quote{
		Bid:    bid,
		Offer:  offer,
		Mid:    (bid + offer) / 2,
		Status: MarketTradeable,
	}
}

// SetAccount seeds the account snapshot returned by GetAccountInfo.
func (s *Sim) SetAccount(ai AccountInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = &ai
}

// SetMarginFactor seeds the instrument's margin factor.
func (s *Sim) SetMarginFactor(epic string, factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marginFactors[epic] = factor
}

// SetMinDistance configures the minimum allowed distance between an order
// level and the current mid. Submissions inside it are rejected with
// RejectLevelTooClose, mirroring the real broker's behaviour.
func (s *Sim) SetMinDistance(epic string, dist float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.minDistances[epic] = dist
}

func (s *Sim) GetMarketPrice(epic string) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[epic]
	if !ok {
		return Quote{}, fmt.Errorf("sim: no quote for %s", epic)
	}
	return q, nil
}

func (s *Sim) GetMarginFactor(epic string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.marginFactors[epic]
	if !ok {
		return 0, fmt.Errorf("sim: no margin factor for %s", epic)
	}
	return f, nil
}

func (s *Sim) PlaceWorkingOrder(req OrderRequest) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := uuid.New().String()

	q, ok := s.quotes[req.Epic]
	if !ok {
		s.deals[ref] = DealStatus{State: DealRejected, Reason: RejectMarketClosed}
		return Submission{DealReference: ref}, nil
	}

	if minDist := s.minDistances[req.Epic]; minDist > 0 {
		if math.Abs(req.Level-q.Mid) < minDist {
			s.deals[ref] = DealStatus{State: DealRejected, Reason: RejectLevelTooClose}
			return Submission{DealReference: ref}, nil
		}
	}

	dealID := uuid.New().String()
	s.orders[dealID] = WorkingOrder{
		DealID:         dealID,
		Epic:           req.Epic,
		Direction:      req.Direction,
		Level:          req.Level,
		Size:           req.Size,
		StopDistance:   req.StopDistance,
		GuaranteedStop: req.GuaranteedStop,
	}
	s.deals[ref] = DealStatus{State: DealAccepted, DealID: dealID}
	return Submission{DealReference: ref}, nil
}

func (s *Sim) CheckDealStatus(dealRef string) (DealStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.deals[dealRef]
	if !ok {
		return DealStatus{}, fmt.Errorf("sim: unknown deal reference %s", dealRef)
	}
	return st, nil
}

func (s *Sim) GetWorkingOrders() ([]WorkingOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkingOrder, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out, nil
}

func (s *Sim) GetOpenPositions() ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *Sim) UpdateWorkingOrder(dealID string, newLevel float64, stopDistance float64, guaranteedStop bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[dealID]
	if !ok {
		return fmt.Errorf("sim: unknown working order %s", dealID)
	}
	o.Level = newLevel
	o.StopDistance = stopDistance
	o.GuaranteedStop = guaranteedStop
	s.orders[dealID] = o
	return nil
}

func (s *Sim) UpdatePosition(dealID string, upd PositionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[dealID]
	if !ok {
		return fmt.Errorf("sim: unknown position %s", dealID)
	}
	if upd.StopLevel != nil {
		p.StopLevel = upd.StopLevel
	}
	if upd.LimitLevel != nil {
		p.LimitLevel = upd.LimitLevel
	}
	s.positions[dealID] = p
	return nil
}

func (s *Sim) CancelOrder(dealID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[dealID]; !ok {
		return fmt.Errorf("sim: unknown working order %s", dealID)
	}
	delete(s.orders, dealID)
	return nil
}

func (s *Sim) ClosePosition(dealID string, direction Direction, size float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[dealID]; !ok {
		return fmt.Errorf("sim: unknown position %s", dealID)
	}
	delete(s.positions, dealID)
	return nil
}

func (s *Sim) GetAccountInfo() (AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return AccountInfo{}, fmt.Errorf("sim: account info unavailable")
	}
	return *s.account, nil
}

// Fill converts a working order into an open position with no entry level
// yet, the way the real broker reports a fresh fill. Returns the new
// position's deal id.
func (s *Sim) Fill(orderDealID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderDealID]
	if !ok {
		return "", fmt.Errorf("sim: unknown working order %s", orderDealID)
	}
	delete(s.orders, orderDealID)

	posID := uuid.New().String()
	s.positions[posID] = Position{
		DealID:    posID,
		Epic:      o.Epic,
		Direction: o.Direction,
		Size:      o.Size,
	}
	return posID, nil
}

// SettleFills populates the entry level of every position still missing one,
// simulating the broker's delayed fill settlement. Each entry settles at the
// filled order's level, approximated here by the current mid.
func (s *Sim) SettleFills() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.positions {
		if p.EntryLevel != nil {
			continue
		}
		if q, ok := s.quotes[p.Epic]; ok {
			p.EntryLevel = Float64(q.Mid)
			s.positions[id] = p
		}
	}
}

package broker

import "fmt"

// EmergencyStop cancels every working order and closes every open position
// unconditionally. It is an operator-triggered directive, never invoked by
// the background loops, and keeps going past individual failures so one bad
// deal cannot shield the rest of the book.
func EmergencyStop(gw Gateway, say func(string)) (cancelled, closed int) {
	if say == nil {
		say = func(string) {}
	}
	say("EMERGENCY STOP - cancelling all orders and closing all positions")

	orders, err := gw.GetWorkingOrders()
	if err != nil {
		say(fmt.Sprintf("Emergency stop: could not list working orders: %v", err))
	}
	for _, o := range orders {
		if err := gw.CancelOrder(o.DealID); err != nil {
			say(fmt.Sprintf("Emergency stop: cancel %s failed: %v", o.DealID, err))
			continue
		}
		cancelled++
	}

	positions, err := gw.GetOpenPositions()
	if err != nil {
		say(fmt.Sprintf("Emergency stop: could not list positions: %v", err))
	}
	for _, p := range positions {
		if err := gw.ClosePosition(p.DealID, p.Direction.Opposite(), p.Size); err != nil {
			say(fmt.Sprintf("Emergency stop: close %s failed: %v", p.DealID, err))
			continue
		}
		closed++
	}

	say(fmt.Sprintf("Emergency stop complete: %d orders cancelled, %d positions closed", cancelled, closed))
	return cancelled, closed
}

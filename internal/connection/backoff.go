package connection

import "time"

// LinearBackoff schedules reconnect attempt n after Base*n, for n up to MaxAttempts.
type LinearBackoff struct {
	Base        time.Duration
	MaxAttempts int
}

// Delay returns the wait before attempt n.
func (b LinearBackoff) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	return b.Base * time.Duration(n)
}

// Next returns the attempt that follows `attempts` failures and its delay.
// ok is false once the budget is spent.
func (b LinearBackoff) Next(attempts int) (next int, delay time.Duration, ok bool) {
	if attempts >= b.MaxAttempts {
		return attempts, 0, false
	}
	next = attempts + 1
	return next, b.Delay(next), true
}

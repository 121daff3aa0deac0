package broker

import "time"

const (
	backoffInitial = 250 * time.Millisecond
	backoffMax     = 30 * time.Second
)

// nextBackoff doubles the reconnect delay, starting at backoffInitial and
// capped at backoffMax. Pass zero to get the initial delay.
func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return backoffInitial
	}
	next := current * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}

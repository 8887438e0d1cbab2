package delivery

import "time"

// Backoff returns min(base * 2^failures, max).
func Backoff(base, max time.Duration, failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	d := base
	for i := 0; i < failures; i++ {
		if d > max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Package backoff computes retry delays for failed deliveries.
package backoff

import "time"

const (
	MinBaseMs   = 100
	MaxBaseMs   = 60000
	MaxExponent = 8
)

// Millis returns clamp(base, 100, 60000) * 2^clamp(attempt-1, 0, 8).
// attempt is 1-indexed: the attempt that just failed.
func Millis(baseMs, attempt int) int64 {
	switch {
	case baseMs < MinBaseMs:
		baseMs = MinBaseMs
	case baseMs > MaxBaseMs:
		baseMs = MaxBaseMs
	}
	exp := attempt - 1
	switch {
	case exp < 0:
		exp = 0
	case exp > MaxExponent:
		exp = MaxExponent
	}
	return int64(baseMs) << exp
}

// Delay is Millis as a time.Duration
func Delay(baseMs, attempt int) time.Duration {
	return time.Duration(Millis(baseMs, attempt)) * time.Millisecond
}

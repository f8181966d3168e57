// Package server throttles inbound frames per session so one noisy client
// cannot flood every other roster member through broadcasts.
package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter returns a token bucket holding capacity tokens that refills
// completely once per interval.
func newRateLimiter(capacity int, interval time.Duration) *rate.Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := interval / time.Duration(capacity)
	if every <= 0 {
		return rate.NewLimiter(rate.Inf, capacity)
	}
	return rate.NewLimiter(rate.Every(every), capacity)
}

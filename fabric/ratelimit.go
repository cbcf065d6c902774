package fabric

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter paces bulk transmit loops to honour peer-reported limits.
// RPC DATA senders call Pace after each frame with the bytes just sent.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter creates a limiter pacing at bytesPerSecond with the
// given burst allowance. bytesPerSecond <= 0 disables pacing.
func NewRateLimiter(bytesPerSecond, burst int) *RateLimiter {
	if bytesPerSecond <= 0 {
		return &RateLimiter{}
	}
	if burst < bytesPerSecond {
		burst = bytesPerSecond
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// SetRate updates the pace, typically from a peer-reported limit.
func (r *RateLimiter) SetRate(bytesPerSecond int) {
	if r.lim == nil || bytesPerSecond <= 0 {
		return
	}
	r.lim.SetLimit(rate.Limit(bytesPerSecond))
}

// Pace sleeps long enough to keep the transmit rate within the
// configured pace, given the bytes sent since the last call.
func (r *RateLimiter) Pace(ctx context.Context, bytesSent int) error {
	if r.lim == nil || bytesSent <= 0 {
		return nil
	}
	// WaitN caps n at the burst size; clamp rather than error.
	if bytesSent > r.lim.Burst() {
		bytesSent = r.lim.Burst()
	}
	return r.lim.WaitN(ctx, bytesSent)
}

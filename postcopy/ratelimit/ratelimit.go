// Package ratelimit provides a minimal fixed-window limiter for the
// source engine's background dirty-page scan (spec §4.2). The enclosing
// migration framework normally owns the real limiter (bandwidth caps,
// QoS); this is the stand-in this core needs to be independently
// buildable and testable, grounded in the same budget-parsing style as
// flag.ParseSize.
package ratelimit

import "time"

// Limiter caps a background transfer to a steady bytes-per-second rate,
// reporting how long a caller must wait before its next send is allowed.
type Limiter struct {
	bytesPerSec int64
	windowStart time.Time
	sentInWin   int64
	window      time.Duration
	now         func() time.Time
}

// New returns a Limiter capped at bytesPerSec, measured over a fixed
// 1-second window that restarts once it has elapsed. A non-positive bytesPerSec disables limiting.
func New(bytesPerSec int64) *Limiter {
	return &Limiter{
		bytesPerSec: bytesPerSec,
		window:      time.Second,
		now:         time.Now,
		windowStart: time.Now(),
	}
}

// Record accounts for n bytes just sent.
func (l *Limiter) Record(n int64) {
	l.rollWindow()
	l.sentInWin += n
}

// Reset clears accumulated usage, as the source engine does on begin()
// (spec §4.2).
func (l *Limiter) Reset() {
	l.windowStart = l.now()
	l.sentInWin = 0
}

// Limited reports whether the limiter's budget for the current window is
// exhausted.
func (l *Limiter) Limited() bool {
	if l.bytesPerSec <= 0 {
		return false
	}

	l.rollWindow()

	return l.sentInWin >= l.bytesPerSec
}

// Residual returns the time remaining in the current window, used as the
// select() timeout when the write side is rate-limited (spec §4.2).
func (l *Limiter) Residual() time.Duration {
	if l.bytesPerSec <= 0 {
		return 0
	}

	elapsed := l.now().Sub(l.windowStart)
	remaining := l.window - elapsed

	if remaining < 0 {
		return 0
	}

	return remaining
}

func (l *Limiter) rollWindow() {
	if l.now().Sub(l.windowStart) >= l.window {
		l.windowStart = l.now()
		l.sentInWin = 0
	}
}

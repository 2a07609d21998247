package client

import "time"

// PollPolicy drives the status poll loop with two phases: a fixed short
// interval while the recognition usually completes, then exponential growth
// up to a ceiling. Both a wall-clock timeout and an attempt ceiling bound the
// loop; whichever trips first ends it.
type PollPolicy struct {
	InitialInterval time.Duration
	InitialWindow   time.Duration
	Factor          float64
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	MaxAttempts     int
}

// DefaultPollPolicy matches the mobile app's tuning: poll every second for
// the first ten seconds, then back off 1.5x up to ten seconds per tick, for
// at most two minutes or forty attempts.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: time.Second,
		InitialWindow:   10 * time.Second,
		Factor:          1.5,
		MaxInterval:     10 * time.Second,
		MaxElapsed:      2 * time.Minute,
		MaxAttempts:     40,
	}
}

// Next returns the delay before poll attempt number attempt (zero-based),
// or ok=false when either ceiling has been reached.
func (p PollPolicy) Next(attempt int, elapsed time.Duration) (time.Duration, bool) {
	if attempt >= p.MaxAttempts || elapsed >= p.MaxElapsed {
		return 0, false
	}
	if elapsed < p.InitialWindow {
		return p.InitialInterval, true
	}
	// Grow from the moment the fixed window ended, not from attempt zero.
	fixedAttempts := int(p.InitialWindow / p.InitialInterval)
	d := p.InitialInterval
	for i := fixedAttempts; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d >= p.MaxInterval {
			return p.MaxInterval, true
		}
	}
	if d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d, true
}

package session

import "time"

// PollPolicy bounds the status polling loop.
type PollPolicy struct {
	// Interval is the wait before the first fetch.
	Interval time.Duration
	// Multiplier grows the wait after each fetch; 1.0 keeps it fixed.
	Multiplier float64
	// MaxInterval caps the grown wait. Zero means no cap.
	MaxInterval time.Duration
	// MaxPolls caps the number of fetches. Zero means no cap.
	MaxPolls int
	// Timeout caps the whole submission, translation included. Zero means none.
	Timeout time.Duration
}

// DefaultPollPolicy polls once per second for at most ten minutes.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Interval:    time.Second,
		Multiplier:  1.0,
		MaxInterval: 5 * time.Second,
		MaxPolls:    600,
		Timeout:     10 * time.Minute,
	}
}

func (p PollPolicy) normalized() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxInterval > 0 && p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	return p
}

// next returns the wait that follows d.
func (p PollPolicy) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * p.Multiplier)
	if p.MaxInterval > 0 && n > p.MaxInterval {
		n = p.MaxInterval
	}
	if n < d {
		// overflow
		return d
	}
	return n
}

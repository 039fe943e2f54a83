package webhook

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy returns the delay before the next processing attempt of
// an event that has failed attempt times. Implementations must be safe for
// concurrent use.
type BackoffStrategy interface {
	NextInterval(attempt int) time.Duration
}

// ExponentialBackoff grows the delay by Multiplier per failed attempt, with
// optional jitter, capped at MaxInterval.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	JitterFactor    float64
}

// NextInterval returns min(InitialInterval * Multiplier^(attempt-1) * (1 ± JitterFactor), MaxInterval).
func (e ExponentialBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := e.InitialInterval
	if initial == 0 {
		initial = 30 * time.Second
	}
	maxInterval := e.MaxInterval
	if maxInterval == 0 {
		maxInterval = time.Hour
	}
	multiplier := e.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}

	interval := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if e.JitterFactor > 0 {
		interval *= 1 + (rand.Float64()*2-1)*e.JitterFactor
	}
	if interval > float64(maxInterval) {
		interval = float64(maxInterval)
	}
	return time.Duration(interval)
}

// FixedBackoff waits the same interval after every failure.
type FixedBackoff struct {
	Interval time.Duration
}

func (f FixedBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return f.Interval
}

// ScheduleBackoff uses an explicit list of delays; the last one repeats.
type ScheduleBackoff []time.Duration

func (s ScheduleBackoff) NextInterval(attempt int) time.Duration {
	if attempt <= 0 || len(s) == 0 {
		return 0
	}
	if attempt > len(s) {
		return s[len(s)-1]
	}
	return s[attempt-1]
}

// DefaultBackoffStrategy starts at 30s and doubles up to an hour with 10%
// jitter, which spreads eight attempts over roughly two hours.
func DefaultBackoffStrategy() BackoffStrategy {
	return ExponentialBackoff{
		InitialInterval: 30 * time.Second,
		MaxInterval:     time.Hour,
		Multiplier:      2,
		JitterFactor:    0.1,
	}
}

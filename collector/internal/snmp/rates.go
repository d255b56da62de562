package snmp

import (
	"sync"
	"time"
)

// RateTracker turns monotonically increasing octet counters into bit rates.
// The first observation of a series only primes it. A counter that goes
// backwards (device reboot or counter reset) re-primes the series.
type RateTracker struct {
	mu   sync.Mutex
	last map[string]counterReading
}

type counterReading struct {
	value uint64
	at    time.Time
}

// NewRateTracker creates an empty tracker.
func NewRateTracker() *RateTracker {
	return &RateTracker{last: make(map[string]counterReading)}
}

// Observe records an octet counter reading and returns the bit rate since the
// previous reading of the same series.
func (r *RateTracker) Observe(key string, octets uint64, at time.Time) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.last[key]
	r.last[key] = counterReading{value: octets, at: at}
	if !ok || octets < prev.value {
		return 0, false
	}
	secs := at.Sub(prev.at).Seconds()
	if secs <= 0 {
		return 0, false
	}
	return float64(octets-prev.value) * 8 / secs, true
}

// Len returns the number of tracked series.
func (r *RateTracker) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.last)
}

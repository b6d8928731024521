package srt

import (
	"sync"
	"time"
)

// Rate estimator timing: samples are recomputed at most once per
// calcInterval, and a computed rate is only reported to readers within
// freshnessGuard of its calculation. Beyond that window the estimator
// reports zero ("rate unknown") instead of a number computed before a
// silent stall.
const (
	calcInterval   = time.Second
	freshnessGuard = 5 * time.Second
)

// RateEstimator derives a send rate in Mbps from a cumulative bytes-sent
// counter sampled on the write path.
type RateEstimator struct {
	mu        sync.Mutex
	primed    bool
	lastCalc  time.Time
	lastBytes int64
	rateMbps  float64
}

// NewRateEstimator creates an estimator with no baseline.
func NewRateEstimator() *RateEstimator {
	return &RateEstimator{}
}

// Reset discards the baseline and last computed rate, e.g. across reconnects.
func (r *RateEstimator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primed = false
	r.rateMbps = 0
}

// Sample feeds the current cumulative bytes-sent counter. The first call
// establishes the baseline; later calls recompute the rate once per
// calculation interval and are otherwise ignored.
func (r *RateEstimator) Sample(totalBytes int64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.primed {
		r.primed = true
		r.lastCalc = now
		r.lastBytes = totalBytes
		return
	}

	elapsed := now.Sub(r.lastCalc)
	if elapsed < calcInterval {
		return
	}

	delta := totalBytes - r.lastBytes
	r.rateMbps = float64(delta) * 8 / elapsed.Seconds() / 1e6
	r.lastCalc = now
	r.lastBytes = totalBytes
}

// Rate returns the last computed rate in Mbps, or 0 when no sample exists
// or the last one is older than the freshness guard.
func (r *RateEstimator) Rate(now time.Time) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.primed || now.Sub(r.lastCalc) > freshnessGuard {
		return 0
	}
	return r.rateMbps
}

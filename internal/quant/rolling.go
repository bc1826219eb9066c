// Package quant holds the rolling statistics behind the mean-reversion
// strategy: windowed mean/deviation, exponential smoothing, a rolling OLS
// hedge ratio, and the beta-weighted log-spread engine that turns a pair of
// outcome prices into z-scores and entry/exit signals.
package quant

import "math"

// RollingStats keeps running sums over a bounded window so mean and
// standard deviation are O(1) per push.
type RollingStats struct {
	capacity int
	values   []float64
	head     int
	n        int
	sum      float64
	sum2     float64
}

// NewRollingStats creates a window of the given capacity.
func NewRollingStats(capacity int) *RollingStats {
	if capacity < 1 {
		capacity = 1
	}
	return &RollingStats{
		capacity: capacity,
		values:   make([]float64, capacity),
	}
}

// Push adds a value, evicting the oldest once the window is full.
func (r *RollingStats) Push(v float64) {
	if r.n == r.capacity {
		old := r.values[r.head]
		r.sum -= old
		r.sum2 -= old * old
		r.n--
	}
	r.values[r.head] = v
	r.head = (r.head + 1) % r.capacity
	r.sum += v
	r.sum2 += v * v
	r.n++
}

// Count returns how many values are inside the window.
func (r *RollingStats) Count() int { return r.n }

// Full reports whether the window has reached capacity.
func (r *RollingStats) Full() bool { return r.n == r.capacity }

// Mean returns the window average, 0 when empty.
func (r *RollingStats) Mean() float64 {
	if r.n == 0 {
		return 0
	}
	return r.sum / float64(r.n)
}

// Std returns the population standard deviation of the window. Floating
// noise can push the raw variance fractionally negative; it is clamped.
func (r *RollingStats) Std() float64 {
	if r.n < 2 {
		return 0
	}
	mean := r.sum / float64(r.n)
	variance := r.sum2/float64(r.n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// EMA is an exponentially weighted moving average. The zero value starts
// unseeded; the first Update adopts the value outright.
type EMA struct {
	alpha  float64
	value  float64
	seeded bool
}

// NewEMA creates an EMA with the given smoothing factor in (0, 1].
func NewEMA(alpha float64) *EMA {
	return &EMA{alpha: alpha}
}

// NewSeededEMA creates an EMA already holding an initial value.
func NewSeededEMA(alpha, initial float64) *EMA {
	return &EMA{alpha: alpha, value: initial, seeded: true}
}

// Update folds v in and returns the new average.
func (e *EMA) Update(v float64) float64 {
	if !e.seeded {
		e.value = v
		e.seeded = true
		return v
	}
	e.value = (1-e.alpha)*e.value + e.alpha*v
	return e.value
}

// Value returns the current average.
func (e *EMA) Value() float64 { return e.value }

// betaMinSamples is how many return pairs the OLS estimate needs before it
// starts moving the hedge ratio.
const betaMinSamples = 10

// RollingBeta estimates the hedge ratio between two return series by
// rolling OLS, beta = Cov(rUp, rDown) / Var(rDown), clamped to a sane range
// and exponentially smoothed so one noisy window cannot whip the ratio.
type RollingBeta struct {
	up      []float64
	down    []float64
	head    int
	n       int
	clampLo float64
	clampHi float64
	smooth  *EMA
}

// NewRollingBeta creates an estimator over a window of return pairs,
// starting from a neutral ratio of 1.0.
func NewRollingBeta(lookback int) *RollingBeta {
	if lookback < betaMinSamples {
		lookback = betaMinSamples
	}
	return &RollingBeta{
		up:      make([]float64, lookback),
		down:    make([]float64, lookback),
		clampLo: 0.2,
		clampHi: 3.0,
		smooth:  NewSeededEMA(0.05, 1.0),
	}
}

// Push adds a return pair and returns the updated beta.
func (b *RollingBeta) Push(retUp, retDown float64) float64 {
	b.up[b.head] = retUp
	b.down[b.head] = retDown
	b.head = (b.head + 1) % len(b.up)
	if b.n < len(b.up) {
		b.n++
	}

	if b.n < betaMinSamples {
		return b.smooth.Value()
	}

	var meanUp, meanDown float64
	for i := 0; i < b.n; i++ {
		meanUp += b.up[i]
		meanDown += b.down[i]
	}
	meanUp /= float64(b.n)
	meanDown /= float64(b.n)

	var cov, varDown float64
	for i := 0; i < b.n; i++ {
		du := b.up[i] - meanUp
		dd := b.down[i] - meanDown
		cov += du * dd
		varDown += dd * dd
	}

	if varDown > 1e-18 {
		raw := cov / varDown
		if raw < b.clampLo {
			raw = b.clampLo
		} else if raw > b.clampHi {
			raw = b.clampHi
		}
		b.smooth.Update(raw)
	}
	return b.smooth.Value()
}

// Beta returns the current smoothed hedge ratio.
func (b *RollingBeta) Beta() float64 { return b.smooth.Value() }

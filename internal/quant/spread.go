package quant

import "math"

// Signal is a spread-engine trading signal.
type Signal string

const (
	SignalNone            Signal = "NONE"
	SignalShortUpLongDown Signal = "SHORT_UP_LONG_DOWN" // spread rich: UP overpriced
	SignalLongUpShortDown Signal = "LONG_UP_SHORT_DOWN" // spread cheap: DOWN overpriced
	SignalExitAll         Signal = "EXIT_ALL"           // spread normalized
)

// Directional reports whether the signal asks for an open position.
func (s Signal) Directional() bool {
	return s == SignalShortUpLongDown || s == SignalLongUpShortDown
}

// SpreadConfig holds the spread engine tunables. Zero values fall back to
// defaults.
type SpreadConfig struct {
	Lookback     int     // ticks for spread mean/std, default 200
	BetaLookback int     // ticks for hedge-ratio estimation, default 60
	EntryZ       float64 // |z| to open, default 2.0
	Hysteresis   float64 // dead zone around thresholds, default 0.2
	BollingerK   float64 // band width in deviations, default 2.0
}

func (c SpreadConfig) withDefaults() SpreadConfig {
	if c.Lookback == 0 {
		c.Lookback = 200
	}
	if c.BetaLookback == 0 {
		c.BetaLookback = 60
	}
	if c.EntryZ == 0 {
		c.EntryZ = 2.0
	}
	if c.Hysteresis == 0 {
		c.Hysteresis = 0.2
	}
	if c.BollingerK == 0 {
		c.BollingerK = 2.0
	}
	return c
}

// Metrics is one tick's worth of spread-engine output.
type Metrics struct {
	ZScore           float64
	Spread           float64
	SpreadMean       float64
	SpreadStd        float64
	Beta             float64
	BBUpper          float64
	BBLower          float64
	BBWidth          float64
	Signal           Signal
	PositionDeltaPct float64
	Ticks            int
	Ready            bool
}

// historyLen is how many recent metrics the engine retains for charting.
const historyLen = 60

// SpreadEngine tracks the beta-weighted log-spread between the two outcome
// prices of a binary market, S = ln(pUp) − β·ln(pDown), and turns its
// z-score into hysteresis-filtered entry/exit signals. Not safe for
// concurrent use; one engine per market runner.
type SpreadEngine struct {
	cfg SpreadConfig

	stats *RollingStats
	beta  *RollingBeta

	lastLogUp   float64
	lastLogDown float64
	hasLast     bool

	spread     float64
	spreadMean float64
	spreadStd  float64
	zScore     float64
	bbUpper    float64
	bbLower    float64

	prevZ      float64
	prevSignal Signal
	ticks      int

	last    Metrics
	history []Metrics
}

// NewSpreadEngine creates an engine with the given tunables.
func NewSpreadEngine(cfg SpreadConfig) *SpreadEngine {
	cfg = cfg.withDefaults()
	return &SpreadEngine{
		cfg:        cfg,
		stats:      NewRollingStats(cfg.Lookback),
		beta:       NewRollingBeta(cfg.BetaLookback),
		prevSignal: SignalNone,
		history:    make([]Metrics, 0, historyLen),
	}
}

// Update feeds one price tick and returns the resulting metrics. Signal
// evaluation happens exactly once per tick, so reading Metrics afterwards
// never perturbs the hysteresis state. Non-positive prices are ignored and
// return the previous tick's metrics.
func (e *SpreadEngine) Update(priceUp, priceDown float64) Metrics {
	if priceUp <= 0 || priceDown <= 0 {
		return e.last
	}

	logUp := math.Log(priceUp)
	logDown := math.Log(priceDown)

	// Hedge ratio first, from log-returns against the previous tick.
	if e.hasLast {
		e.beta.Push(logUp-e.lastLogUp, logDown-e.lastLogDown)
	}
	e.lastLogUp, e.lastLogDown = logUp, logDown
	e.hasLast = true

	e.spread = logUp - e.beta.Beta()*logDown
	e.stats.Push(e.spread)

	if e.stats.Count() >= 2 {
		e.spreadMean = e.stats.Mean()
		e.spreadStd = e.stats.Std()
	} else {
		e.spreadMean = e.spread
		e.spreadStd = 0
	}

	if e.spreadStd > 1e-12 {
		e.zScore = (e.spread - e.spreadMean) / e.spreadStd
	} else {
		e.zScore = 0
	}

	e.bbUpper = e.spreadMean + e.cfg.BollingerK*e.spreadStd
	e.bbLower = e.spreadMean - e.cfg.BollingerK*e.spreadStd

	e.ticks++
	signal := e.evaluateSignal()
	e.prevZ = e.zScore

	e.last = Metrics{
		ZScore:           e.zScore,
		Spread:           e.spread,
		SpreadMean:       e.spreadMean,
		SpreadStd:        e.spreadStd,
		Beta:             e.beta.Beta(),
		BBUpper:          e.bbUpper,
		BBLower:          e.bbLower,
		BBWidth:          e.bbUpper - e.bbLower,
		Signal:           signal,
		PositionDeltaPct: e.PositionDeltaPct(),
		Ticks:            e.ticks,
		Ready:            e.Ready(),
	}
	e.pushHistory(e.last)
	return e.last
}

// Metrics returns the last computed tick without touching any state.
func (e *SpreadEngine) Metrics() Metrics { return e.last }

// History returns up to the last 60 metric ticks, oldest first.
func (e *SpreadEngine) History() []Metrics {
	out := make([]Metrics, len(e.history))
	copy(out, e.history)
	return out
}

// Ready reports whether enough ticks have accumulated for meaningful
// z-scores.
func (e *SpreadEngine) Ready() bool {
	return e.ticks >= e.minTicks()
}

func (e *SpreadEngine) minTicks() int {
	return max(20, e.cfg.Lookback/4)
}

// PositionDeltaPct maps z-score extremity to a step-wise position size:
// 20% at the entry threshold, stepping 20 points per half z, saturating at
// 100% two z above entry.
func (e *SpreadEngine) PositionDeltaPct() float64 {
	az := math.Abs(e.zScore)
	if az < e.cfg.EntryZ {
		return 0
	}
	steps := (az - e.cfg.EntryZ) / 0.5
	delta := 20.0 + steps*20.0
	if delta > 100 {
		delta = 100
	}
	return math.Round(delta*10) / 10
}

func (e *SpreadEngine) pushHistory(m Metrics) {
	if len(e.history) == historyLen {
		copy(e.history, e.history[1:])
		e.history = e.history[:historyLen-1]
	}
	e.history = append(e.history, m)
}

// evaluateSignal applies the hysteresis rules: enter past ±(entry+hyst),
// exit when the z crosses zero or decays inside entry−hyst while a
// directional signal is held, otherwise hold the previous signal.
func (e *SpreadEngine) evaluateSignal() Signal {
	if e.ticks < e.minTicks() {
		e.prevSignal = SignalNone
		return SignalNone
	}

	z, prev := e.zScore, e.prevZ
	signal := SignalNone

	switch {
	case z > e.cfg.EntryZ+e.cfg.Hysteresis:
		signal = SignalShortUpLongDown
	case z < -(e.cfg.EntryZ + e.cfg.Hysteresis):
		signal = SignalLongUpShortDown
	case e.prevSignal.Directional():
		crossedZero := (prev > 0 && z <= 0) || (prev < 0 && z >= 0)
		nearZero := math.Abs(z) < e.cfg.EntryZ-e.cfg.Hysteresis
		if crossedZero || nearZero {
			signal = SignalExitAll
		}
	}

	if signal == SignalNone && e.prevSignal != SignalNone {
		signal = e.prevSignal
	}
	e.prevSignal = signal
	return signal
}

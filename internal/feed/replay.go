package feed

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

// PathConfig parameterizes a synthetic up/down price path. Zero-value
// fields fall back to the defaults of a typical 15-minute session;
// ShockProb and Anchored have no defaults so calm scenarios can leave
// them off.
type PathConfig struct {
	Seed  int64
	Ticks int

	// SpreadOverMin/Max bound the initial overround: up+down starts at
	// 1+spread, which is why buying both sides at the ask usually costs
	// more than a dollar.
	SpreadOverMin float64
	SpreadOverMax float64

	// StartUpMin/Max bound the initial up price.
	StartUpMin float64
	StartUpMax float64

	// DriftStd is the per-tick gaussian drift applied to the up price.
	DriftStd float64
	// DriftBias is a deterministic per-tick drift added on top of the
	// gaussian, for directional sessions. Zero means symmetric.
	DriftBias float64

	// ShockProb is the per-tick chance of a jump of ±ShockSize on top of
	// the drift. Zero disables shocks.
	ShockProb float64
	ShockSize float64

	// NoiseStd is independent noise on the down price.
	NoiseStd float64

	// Anchored re-derives down from the initial overround every tick, so
	// the pair stays near 1+spread. When false, down random-walks with
	// AntiCorr times the opposite of up's drift.
	Anchored bool
	AntiCorr float64

	// Floor and Cap clamp both prices.
	Floor float64
	Cap   float64
}

func (c PathConfig) withDefaults() PathConfig {
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.Ticks <= 0 {
		c.Ticks = 180
	}
	if c.SpreadOverMin <= 0 {
		c.SpreadOverMin = 0.01
	}
	if c.SpreadOverMax < c.SpreadOverMin {
		c.SpreadOverMax = 0.03
	}
	if c.StartUpMin <= 0 {
		c.StartUpMin = 0.30
	}
	if c.StartUpMax < c.StartUpMin {
		c.StartUpMax = 0.70
	}
	if c.DriftStd <= 0 {
		c.DriftStd = 0.004
	}
	if c.ShockSize <= 0 {
		c.ShockSize = 0.04
	}
	if c.NoiseStd < 0 {
		c.NoiseStd = 0
	}
	if c.AntiCorr <= 0 {
		c.AntiCorr = 0.8
	}
	if c.Floor <= 0 {
		c.Floor = 0.05
	}
	if c.Cap <= 0 || c.Cap <= c.Floor {
		c.Cap = 0.95
	}
	return c
}

// Path is a deterministic two-sided price path. The same seed always
// produces the same walk, which keeps replay sessions reproducible.
type Path struct {
	cfg        PathConfig
	rng        *rand.Rand
	spreadOver float64
	up, down   float64
	tick       int
}

func NewPath(cfg PathConfig) *Path {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))
	p := &Path{cfg: cfg, rng: rng}
	p.spreadOver = uniform(rng, cfg.SpreadOverMin, cfg.SpreadOverMax)
	p.up = uniform(rng, cfg.StartUpMin, cfg.StartUpMax)
	p.down = clamp((1+p.spreadOver)-p.up, 0.10, 0.90)
	return p
}

// Next advances the path one tick and reports the new prices. ok is
// false once the configured tick count is exhausted; the prices then
// stay frozen at their final values.
func (p *Path) Next() (up, down float64, ok bool) {
	if p.tick >= p.cfg.Ticks {
		return p.up, p.down, false
	}
	p.tick++

	drift := p.cfg.DriftBias + p.rng.NormFloat64()*p.cfg.DriftStd
	if p.cfg.ShockProb > 0 && p.rng.Float64() < p.cfg.ShockProb {
		shock := p.cfg.ShockSize
		if p.rng.Float64() < 0.5 {
			shock = -shock
		}
		drift += shock
	}
	p.up = clamp(p.up+drift, p.cfg.Floor, p.cfg.Cap)

	if p.cfg.Anchored {
		p.down = (1 + p.spreadOver) - p.up + p.rng.NormFloat64()*p.cfg.NoiseStd
	} else {
		p.down += -p.cfg.AntiCorr*drift + p.rng.NormFloat64()*p.cfg.NoiseStd
	}
	p.down = clamp(p.down, p.cfg.Floor, p.cfg.Cap)

	return p.up, p.down, true
}

// Leader is the side with the higher current price. At the end of a
// session it decides which side the market resolves to.
func (p *Path) Leader() domain.Side {
	if p.up > p.down {
		return domain.SideUp
	}
	return domain.SideDown
}

// Prices reports the current up/down prices without advancing.
func (p *Path) Prices() (up, down float64) { return p.up, p.down }

// Ticks is the configured session length in ticks.
func (p *Path) Ticks() int { return p.cfg.Ticks }

// SpreadOver is the initial overround drawn at construction.
func (p *Path) SpreadOver() float64 { return p.spreadOver }

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rng.Float64()*(hi-lo)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SyntheticFeedConfig times a synthetic session.
type SyntheticFeedConfig struct {
	// Pace is the wall-clock delay between ticks. Zero replays as fast
	// as the engine can consume.
	Pace time.Duration
	// Start is the simulated session start; zero means time.Now.
	Start time.Time
	// Step is the simulated time advanced per tick.
	Step time.Duration
	// Seed drives book size jitter, independent of the price path.
	Seed int64
}

func (c SyntheticFeedConfig) withDefaults() SyntheticFeedConfig {
	if c.Start.IsZero() {
		c.Start = time.Now().UTC()
	}
	if c.Step <= 0 {
		c.Step = 5 * time.Second
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	return c
}

// SyntheticFeed replays a Path through the Router as full order books,
// one pair per tick, stamped with a simulated clock. It stands in for
// the live stream during replay and paper-bootstrap runs.
type SyntheticFeed struct {
	market domain.Market
	path   *Path
	spec   BookSpec
	router *Router
	cfg    SyntheticFeedConfig
	rng    *rand.Rand
	onTick func(time.Time)
	logger *slog.Logger
}

func NewSyntheticFeed(market domain.Market, path *Path, spec BookSpec, router *Router, cfg SyntheticFeedConfig, logger *slog.Logger) *SyntheticFeed {
	cfg = cfg.withDefaults()
	return &SyntheticFeed{
		market: market,
		path:   path,
		spec:   spec.withDefaults(),
		router: router,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		logger: logger.With("component", "synthetic_feed"),
	}
}

// OnTick registers a callback invoked with each simulated timestamp
// before the tick's books are routed. Replay runners use it to advance
// the engine clock. Set before Run.
func (f *SyntheticFeed) OnTick(fn func(time.Time)) { f.onTick = fn }

// SessionEnd is the simulated timestamp of the final tick plus one
// step. Runners use it as the market's close time.
func (f *SyntheticFeed) SessionEnd() time.Time {
	return f.cfg.Start.Add(time.Duration(f.path.cfg.Ticks) * f.cfg.Step)
}

// Run replays the whole path, then returns nil. It returns early with
// the context error if cancelled mid-session.
func (f *SyntheticFeed) Run(ctx context.Context) error {
	f.logger.Info("synthetic session started",
		"market_id", f.market.ID,
		"ticks", f.path.cfg.Ticks,
		"spread_over", f.path.SpreadOver(),
	)

	ts := f.cfg.Start
	for {
		up, down, ok := f.path.Next()
		if !ok {
			f.logger.Info("synthetic session complete",
				"market_id", f.market.ID,
				"final_up", up,
				"final_down", down,
				"leader", f.path.Leader(),
			)
			return nil
		}
		if f.onTick != nil {
			f.onTick(ts)
		}

		f.router.HandleBook(ctx, SynthesizeBook(f.market.TokenID(domain.SideUp), up, f.spec, f.rng, ts))
		f.router.HandleBook(ctx, SynthesizeBook(f.market.TokenID(domain.SideDown), down, f.spec, f.rng, ts))

		ts = ts.Add(f.cfg.Step)
		if f.cfg.Pace > 0 {
			t := time.NewTimer(f.cfg.Pace)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
}

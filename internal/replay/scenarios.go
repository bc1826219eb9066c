// Package replay drives the whole trading stack against deterministic
// synthetic sessions: named scenarios parameterize price paths and book
// shapes, the runner wires the production feed/engine/executor/broker
// pipeline around them, and every run ends in a session report. The same
// scenario and seed always produce the same walk, which makes regressions
// in strategy or execution behavior visible as report diffs.
package replay

import (
	"fmt"
	"sort"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/feed"
)

// Scenario names one reproducible market session shape.
type Scenario struct {
	Name        string
	Description string
	// Markets is how many independent pairs run concurrently. Each gets
	// its own path seeded from Path.Seed plus its index.
	Markets int
	// Strategy is the single strategy the engine runs for the session.
	Strategy string
	Path     feed.PathConfig
	Book     feed.BookSpec
	// Step is the simulated time per tick; Pace the wall-clock delay
	// between ticks (zero replays unpaced).
	Step time.Duration
	Pace time.Duration
}

var scenarios = map[string]Scenario{
	"calm": {
		Name:        "calm",
		Description: "anchored pair with small drift and no shocks; opportunities are rare",
		Markets:     1,
		Strategy:    "pair_arb",
		Path: feed.PathConfig{
			Seed:     101,
			DriftStd: 0.002,
			Anchored: true,
			NoiseStd: 0.003,
		},
		Book: feed.BookSpec{SizeJitter: 0.3},
	},
	"volatile": {
		Name:        "volatile",
		Description: "three drifting pairs with frequent shocks; pair discounts come and go",
		Markets:     3,
		Strategy:    "pair_arb",
		Path: feed.PathConfig{
			Seed:      202,
			DriftStd:  0.008,
			ShockProb: 0.08,
			ShockSize: 0.05,
			NoiseStd:  0.006,
		},
		Book: feed.BookSpec{SizeJitter: 0.5},
	},
	"thin_book": {
		Name:        "thin_book",
		Description: "shallow two-level books; partial fills and liquidity rejections dominate",
		Markets:     2,
		Strategy:    "pair_arb",
		Path: feed.PathConfig{
			Seed:      303,
			DriftStd:  0.006,
			ShockProb: 0.05,
			NoiseStd:  0.005,
		},
		Book: feed.BookSpec{
			Levels:      2,
			BaseSize:    40,
			DepthGrowth: 1.2,
			SizeJitter:  0.6,
		},
	},
	"crash": {
		Name:        "crash",
		Description: "steady slide on the up side; stresses drawdown controls and the brake",
		Markets:     1,
		Strategy:    "mean_reversion",
		Path: feed.PathConfig{
			Seed:       404,
			StartUpMin: 0.55,
			StartUpMax: 0.65,
			DriftStd:   0.004,
			DriftBias:  -0.004,
			ShockProb:  0.04,
			ShockSize:  0.06,
			NoiseStd:   0.004,
		},
		Book: feed.BookSpec{SizeJitter: 0.4},
	},
	"whipsaw": {
		Name:        "whipsaw",
		Description: "shock-heavy reversals around the midpoint; cooldowns earn their keep",
		Markets:     2,
		Strategy:    "mean_reversion",
		Path: feed.PathConfig{
			Seed:      505,
			DriftStd:  0.003,
			ShockProb: 0.18,
			ShockSize: 0.07,
			NoiseStd:  0.004,
		},
		Book: feed.BookSpec{SizeJitter: 0.4},
	},
}

// Get looks a scenario up by name.
func Get(name string) (Scenario, error) {
	sc, ok := scenarios[name]
	if !ok {
		return Scenario{}, fmt.Errorf("replay: scenario %q: %w", name, domain.ErrNotFound)
	}
	return sc, nil
}

// Names lists the built-in scenarios in sorted order.
func Names() []string {
	out := make([]string, 0, len(scenarios))
	for name := range scenarios {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns the built-in scenarios sorted by name.
func All() []Scenario {
	out := make([]Scenario, 0, len(scenarios))
	for _, name := range Names() {
		out = append(out, scenarios[name])
	}
	return out
}

func (s Scenario) withDefaults() Scenario {
	if s.Markets <= 0 {
		s.Markets = 1
	}
	if s.Strategy == "" {
		s.Strategy = "pair_arb"
	}
	if s.Step <= 0 {
		s.Step = 5 * time.Second
	}
	return s
}

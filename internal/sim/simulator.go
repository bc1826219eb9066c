// Package sim implements the fill simulator: it turns a trade intent plus an
// order-book snapshot into a realistic execution outcome, modeling the
// price-level walk, VWAP pricing, latency effects, partial fills, and
// slippage-based rejections a live immediate-or-cancel order would see.
//
// The simulator is synchronous and CPU-bound. Identical inputs and an
// identical recent-slippage window produce identical outputs, so replay runs
// are reproducible. Instances are not safe for concurrent use; each market
// runner owns exactly one.
package sim

import (
	"fmt"
	"sort"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

const (
	// slippageEpsilon absorbs float rounding when comparing computed
	// slippage against the configured ceiling.
	slippageEpsilon = 1e-9

	// maxLatencyDecay caps the fraction of top-of-book size consumed by
	// faster participants during the latency window.
	maxLatencyDecay = 0.15

	// driftMinLatencyMs gates the adverse price drift: below this latency
	// the book is assumed not to move before the order lands.
	driftMinLatencyMs = 10.0

	// driftMaxBestAsk disables drift near the price ceiling where a binary
	// outcome has nowhere left to move.
	driftMaxBestAsk = 0.95

	// driftSlipThresholdPct is the average recent slippage (percent) above
	// which the market is judged to be moving against the book.
	driftSlipThresholdPct = 0.5

	// driftWindow is how many recent slippage events feed the drift gate.
	driftWindow = 10

	// fillableFraction is the share of desired quantity that must be
	// matchable for CheckFillability to report success.
	fillableFraction = 0.95
)

// Config holds the simulator tunables. Zero values fall back to defaults.
type Config struct {
	LatencyMs      float64 // simulated network latency, default 25
	MaxSlippagePct float64 // buy-side slippage rejection ceiling, default 5.0
	LogCapacity    int     // bounded slippage log size, default 500
}

func (c Config) withDefaults() Config {
	if c.LatencyMs == 0 {
		c.LatencyMs = 25
	}
	if c.MaxSlippagePct == 0 {
		c.MaxSlippagePct = 5.0
	}
	if c.LogCapacity == 0 {
		c.LogCapacity = 500
	}
	return c
}

// Simulator executes trade intents against book snapshots. The embedded
// slippage ledger records every outcome and feeds the latency-drift
// heuristic; Stats and ResetStats expose it.
type Simulator struct {
	latencyMs      float64
	maxSlippagePct float64
	ledger         *SlippageLedger

	now func() time.Time
}

// New creates a Simulator with the given tunables.
func New(cfg Config) *Simulator {
	cfg = cfg.withDefaults()
	return &Simulator{
		latencyMs:      cfg.LatencyMs,
		maxSlippagePct: cfg.MaxSlippagePct,
		ledger:         NewSlippageLedger(cfg.LogCapacity),
		now:            time.Now,
	}
}

// SetTunables updates latency and the slippage ceiling. Call only from the
// goroutine that owns the simulator (the market runner applies hot-reloaded
// config between ticks).
func (s *Simulator) SetTunables(latencyMs, maxSlippagePct float64) {
	if latencyMs > 0 {
		s.latencyMs = latencyMs
	}
	if maxSlippagePct > 0 {
		s.maxSlippagePct = maxSlippagePct
	}
}

// LatencyMs returns the configured latency in milliseconds.
func (s *Simulator) LatencyMs() float64 { return s.latencyMs }

// SimulateBuy executes a buy intent against the ask side of the snapshot.
//
// The walk sorts asks ascending, decays the best level's size by
// min(0.15, latencyMs/200), optionally shifts the best ask up when the
// recent slippage history says the market is moving (see driftAdjust), then
// consumes levels until the desired quantity is matched or the book runs
// out. Rejections return a FillResult with Filled=false, a diagnostic
// Reason, and an error wrapping the matching sentinel.
func (s *Simulator) SimulateBuy(intent domain.TradeIntent, book domain.BookSnapshot) (domain.FillResult, error) {
	ts := s.now().UTC()

	asks := parseSide(book.Asks)
	if len(asks) == 0 {
		res := s.rejectBuy(intent, ts, "no ask liquidity in order book, cannot fill")
		return res, fmt.Errorf("sim: buy %s: %w", intent.Side, domain.ErrNoLiquidity)
	}

	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	bestAsk := asks[0].Price
	depthAtBest := asks[0].Size

	// Latency penalty: during the simulated delay a slice of the best
	// level is taken by faster participants.
	asks[0].Size *= 1 - min(maxLatencyDecay, s.latencyMs/200)

	// Latency price drift: when recent fills slipped, assume the best ask
	// moved against us during the delay. The gate reads the pre-drift best.
	if s.latencyMs > driftMinLatencyMs && bestAsk < driftMaxBestAsk {
		if avg, ok := s.ledger.recentAvgSlippagePct(driftWindow); ok && avg > driftSlipThresholdPct {
			drift := bestAsk * 0.002 * (s.latencyMs / 25)
			asks[0].Price = min(asks[0].Price+drift, 0.99)
		}
	}

	walk := walkLevels(asks, intent.DesiredQty, 0)

	if walk.filledQty <= 0 {
		res := s.rejectBuy(intent, ts, "insufficient liquidity, zero shares available in book")
		res.BookDepthAtBest = depthAtBest
		return res, fmt.Errorf("sim: buy %s: %w", intent.Side, domain.ErrInsufficientFill)
	}

	vwap := walk.totalCost / walk.filledQty
	theoretical := intent.DesiredPrice * walk.filledQty
	slippage := vwap - intent.DesiredPrice
	slippagePct := 0.0
	if intent.DesiredPrice > 0 {
		slippagePct = slippage / intent.DesiredPrice * 100
	}
	slippageCost := slippage * walk.filledQty

	if slippagePct > s.maxSlippagePct+slippageEpsilon {
		res := domain.FillResult{
			Filled:          false,
			Side:            intent.Side,
			DesiredPrice:    intent.DesiredPrice,
			FillPrice:       vwap, // would-be price, diagnostic only
			DesiredQty:      intent.DesiredQty,
			Slippage:        slippage,
			SlippagePct:     slippagePct,
			SlippageCost:    slippageCost,
			TheoreticalCost: theoretical,
			LatencyMs:       s.latencyMs,
			BookDepthAtBest: depthAtBest,
			LevelsConsumed:  walk.levels,
			Levels:          walk.detail,
			Reason: fmt.Sprintf("slippage %.2f%% exceeds max %.1f%% (want $%.4f, would fill @ $%.4f)",
				slippagePct, s.maxSlippagePct, intent.DesiredPrice, vwap),
			Timestamp: ts,
		}
		s.ledger.recordRejection(intent.Side)
		return res, fmt.Errorf("sim: buy %s: %w", intent.Side, domain.ErrExcessiveSlippage)
	}

	res := domain.FillResult{
		Filled:          true,
		Side:            intent.Side,
		DesiredPrice:    intent.DesiredPrice,
		FillPrice:       vwap,
		DesiredQty:      intent.DesiredQty,
		FilledQty:       walk.filledQty,
		Partial:         walk.remaining > 0,
		Slippage:        slippage,
		SlippagePct:     slippagePct,
		SlippageCost:    slippageCost,
		TotalCost:       walk.totalCost,
		TheoreticalCost: theoretical,
		LatencyMs:       s.latencyMs,
		BookDepthAtBest: depthAtBest,
		LevelsConsumed:  walk.levels,
		Levels:          walk.detail,
		Reason:          buyReason(walk, intent, vwap, slippagePct, slippageCost),
		Timestamp:       ts,
	}
	s.ledger.recordBuy(res)
	return res, nil
}

// SimulateSell executes a limit sell against the bid side: bids are walked
// in descending price order and the walk stops at the first level below
// MinSellPrice, since everything past it is worse. Slippage on sells is
// surplus proceeds, so there is no slippage-based rejection here.
func (s *Simulator) SimulateSell(intent domain.TradeIntent, book domain.BookSnapshot) (domain.FillResult, error) {
	ts := s.now().UTC()

	bids := parseSide(book.Bids)
	if len(bids) == 0 {
		res := s.rejectSell(intent, ts, "no bid liquidity in order book, cannot sell")
		return res, fmt.Errorf("sim: sell %s: %w", intent.Side, domain.ErrNoLiquidity)
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })

	bestBid := bids[0].Price
	depthAtBest := bids[0].Size

	bids[0].Size *= 1 - min(maxLatencyDecay, s.latencyMs/200)

	walk := walkLevels(bids, intent.DesiredQty, intent.MinSellPrice)

	if walk.filledQty <= 0 {
		res := s.rejectSell(intent, ts,
			fmt.Sprintf("best bid $%.4f below min sell $%.4f", bestBid, intent.MinSellPrice))
		res.FillPrice = bestBid
		res.BookDepthAtBest = depthAtBest
		return res, fmt.Errorf("sim: sell %s: %w", intent.Side, domain.ErrInsufficientFill)
	}

	vwap := walk.totalCost / walk.filledQty
	theoretical := intent.MinSellPrice * walk.filledQty
	slippage := vwap - intent.MinSellPrice // positive = bonus proceeds
	slippagePct := 0.0
	if intent.MinSellPrice > 0 {
		slippagePct = slippage / intent.MinSellPrice * 100
	}

	res := domain.FillResult{
		Filled:          true,
		Side:            intent.Side,
		DesiredPrice:    intent.MinSellPrice,
		FillPrice:       vwap,
		DesiredQty:      intent.DesiredQty,
		FilledQty:       walk.filledQty,
		Partial:         walk.remaining > 0,
		Slippage:        slippage,
		SlippagePct:     slippagePct,
		SlippageCost:    slippage * walk.filledQty,
		TotalCost:       walk.totalCost,
		TheoreticalCost: theoretical,
		LatencyMs:       s.latencyMs,
		BookDepthAtBest: depthAtBest,
		LevelsConsumed:  walk.levels,
		Levels:          walk.detail,
		Reason:          sellReason(walk, intent, vwap, slippagePct),
		Timestamp:       ts,
	}
	s.ledger.recordSell(res)
	return res, nil
}

// CheckFillability probes whether a buy of the desired quantity is currently
// matchable, without latency effects and without touching the slippage
// ledger. It is safe to call any number of times between fills.
func (s *Simulator) CheckFillability(intent domain.TradeIntent, book domain.BookSnapshot) domain.FillabilityReport {
	asks := parseSide(book.Asks)
	if len(asks) == 0 {
		return domain.FillabilityReport{Reason: "no order book data"}
	}

	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	available := 0.0
	for _, lvl := range asks {
		available += lvl.Size
	}

	walk := walkLevels(asks, intent.DesiredQty, 0)

	rep := domain.FillabilityReport{
		Fillable:     walk.filledQty >= intent.DesiredQty*fillableFraction,
		AvailableQty: available,
		BestAsk:      asks[0].Price,
		DepthLevels:  len(asks),
		Reason:       "ok",
	}
	if walk.filledQty > 0 {
		rep.EstFillPrice = walk.totalCost / walk.filledQty
		if intent.DesiredPrice > 0 {
			rep.EstSlippagePct = (rep.EstFillPrice - intent.DesiredPrice) / intent.DesiredPrice * 100
		}
	}
	if !rep.Fillable {
		rep.Reason = fmt.Sprintf("only %.1f/%.1f available", walk.filledQty, intent.DesiredQty)
	}
	return rep
}

// Stats returns the aggregate execution statistics since the last reset.
func (s *Simulator) Stats() domain.SlippageStats {
	st := s.ledger.Stats()
	st.LatencyMs = s.latencyMs
	return st
}

// ResetStats clears the slippage log and every aggregate counter. Position
// state lives elsewhere and is unaffected.
func (s *Simulator) ResetStats() {
	s.ledger.Reset()
}

// rejectBuy builds the common rejection result for the buy path and counts
// it in the ledger.
func (s *Simulator) rejectBuy(intent domain.TradeIntent, ts time.Time, reason string) domain.FillResult {
	s.ledger.recordRejection(intent.Side)
	return domain.FillResult{
		Side:            intent.Side,
		DesiredPrice:    intent.DesiredPrice,
		DesiredQty:      intent.DesiredQty,
		TheoreticalCost: intent.DesiredPrice * intent.DesiredQty,
		LatencyMs:       s.latencyMs,
		Reason:          reason,
		Timestamp:       ts,
	}
}

func (s *Simulator) rejectSell(intent domain.TradeIntent, ts time.Time, reason string) domain.FillResult {
	s.ledger.recordRejection(intent.Side)
	return domain.FillResult{
		Side:            intent.Side,
		DesiredPrice:    intent.MinSellPrice,
		DesiredQty:      intent.DesiredQty,
		TheoreticalCost: intent.MinSellPrice * intent.DesiredQty,
		LatencyMs:       s.latencyMs,
		Reason:          reason,
		Timestamp:       ts,
	}
}

// walkResult carries the outcome of one pass over a book side.
type walkResult struct {
	filledQty float64
	remaining float64
	totalCost float64
	levels    int
	detail    []domain.PriceLevel
}

// walkLevels consumes levels in the given order up to desiredQty. A
// positive minPrice enables limit-sell semantics: the walk breaks at the
// first level priced below it, because the side is sorted and every further
// level is worse.
func walkLevels(levels []domain.PriceLevel, desiredQty, minPrice float64) walkResult {
	w := walkResult{remaining: desiredQty}
	for _, lvl := range levels {
		if w.remaining <= 0 {
			break
		}
		if minPrice > 0 && lvl.Price < minPrice {
			break
		}
		if lvl.Size <= 0 {
			continue
		}
		take := min(w.remaining, lvl.Size)
		w.totalCost += take * lvl.Price
		w.remaining -= take
		w.levels++
		w.detail = append(w.detail, domain.PriceLevel{Price: lvl.Price, Size: take})
	}
	w.filledQty = desiredQty - w.remaining
	return w
}

// parseSide copies the usable levels of one book side, dropping malformed
// non-positive entries so the walk never sees them.
func parseSide(levels []domain.PriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if lvl.Price > 0 && lvl.Size > 0 {
			out = append(out, lvl)
		}
	}
	return out
}

func buyReason(w walkResult, intent domain.TradeIntent, vwap, slippagePct, slippageCost float64) string {
	partial := w.remaining > 0
	switch {
	case vwap-intent.DesiredPrice > 0.0001 && partial:
		return fmt.Sprintf("partial fill with slippage: %.1f/%.1f shares @ $%.4f (wanted $%.4f, slip %+.3f%%, cost +$%.4f)",
			w.filledQty, intent.DesiredQty, vwap, intent.DesiredPrice, slippagePct, slippageCost)
	case vwap-intent.DesiredPrice > 0.0001:
		return fmt.Sprintf("filled with slippage: $%.4f (wanted $%.4f, slip %+.3f%%, cost +$%.4f, %d level(s))",
			vwap, intent.DesiredPrice, slippagePct, slippageCost, w.levels)
	case partial:
		return fmt.Sprintf("partial fill: %.1f/%.1f shares @ $%.4f", w.filledQty, intent.DesiredQty, vwap)
	default:
		return fmt.Sprintf("clean fill @ $%.4f (no slippage)", vwap)
	}
}

func sellReason(w walkResult, intent domain.TradeIntent, vwap, slippagePct float64) string {
	switch {
	case w.remaining > 0:
		return fmt.Sprintf("partial sell: %.1f/%.1f shares @ $%.4f (min $%.4f, %d level(s))",
			w.filledQty, intent.DesiredQty, vwap, intent.MinSellPrice, w.levels)
	case vwap-intent.MinSellPrice > 0.0001 || intent.MinSellPrice-vwap > 0.0001:
		return fmt.Sprintf("sell filled @ $%.4f (min $%.4f, slip %+.3f%%, %d level(s))",
			vwap, intent.MinSellPrice, slippagePct, w.levels)
	default:
		return fmt.Sprintf("clean sell @ $%.4f", vwap)
	}
}

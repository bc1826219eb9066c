package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfeltner/polysim/internal/domain"
	"github.com/mfeltner/polysim/internal/ledger"
)

// feeMult is the flat taker-fee multiplier used in sizing and guard math.
// Sizing decisions use this flat rate; the ledger charges the exact
// per-price fee table on execution.
const feeMult = 1.015

// PairArbConfig tunes the paired-outcome arbitrage strategy.
type PairArbConfig struct {
	MarketBudgetUSD float64 // per-market spend ceiling
	EntryTradeUSD   float64 // phase-1 opening clip
	BalanceTradeUSD float64 // hedge/rebalance clip
	ImproveTradeUSD float64 // averaging-down clip
	ReservePct      float64 // fraction of budget always left in cash
	Cooldown        time.Duration
	MinOrderUSD     float64
	MinTradeQty     float64
	MaxSharesPerOrder float64

	// Entry gates.
	EntryTrigger  float64 // min price on the leading side to open
	EntryMaxPrice float64 // never open above this
	EntryDeadline time.Duration

	// Hedge gates.
	ProfitLockPair float64 // pair cost below this locks immediately
	GoodLockPair   float64 // below this the lock sizes more aggressively
	HedgeDeadline  time.Duration
	MaxPairForHedge float64

	// Hedged-phase gates.
	ArbPairCombined    float64 // combined ask below this accumulates both legs
	MaxPairForBalance  float64
	MinImproveDiscount float64
	AggressiveDiscount float64
	ExtremeDiscount    float64
	RebalanceRatio     float64
	DefensiveMaxPrice  float64
	EmergencyLockedUSD float64
	MaxCombinedForFix  float64
	DirectionalCapUSD  float64
	LockedBufferUSD    float64

	// Stop controls.
	TakeProfitUSD        float64 // 0 disables the take-profit stop
	BalancedRatioMax     float64
	MaxPairDeterioration float64

	SignalTTL time.Duration
}

func (c PairArbConfig) withDefaults() PairArbConfig {
	if c.MarketBudgetUSD <= 0 {
		c.MarketBudgetUSD = 100
	}
	if c.EntryTradeUSD <= 0 {
		c.EntryTradeUSD = 5
	}
	if c.BalanceTradeUSD <= 0 {
		c.BalanceTradeUSD = 8
	}
	if c.ImproveTradeUSD <= 0 {
		c.ImproveTradeUSD = 3
	}
	if c.ReservePct <= 0 {
		c.ReservePct = 0.05
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.MinOrderUSD <= 0 {
		c.MinOrderUSD = 1.0
	}
	if c.MinTradeQty <= 0 {
		c.MinTradeQty = 1.0
	}
	if c.MaxSharesPerOrder <= 0 {
		c.MaxSharesPerOrder = 250
	}
	if c.EntryTrigger <= 0 {
		c.EntryTrigger = 0.55
	}
	if c.EntryMaxPrice <= 0 {
		c.EntryMaxPrice = 0.85
	}
	if c.EntryDeadline <= 0 {
		c.EntryDeadline = 120 * time.Second
	}
	if c.ProfitLockPair <= 0 {
		c.ProfitLockPair = 0.98
	}
	if c.GoodLockPair <= 0 {
		c.GoodLockPair = 0.95
	}
	if c.HedgeDeadline <= 0 {
		c.HedgeDeadline = 120 * time.Second
	}
	if c.MaxPairForHedge <= 0 {
		c.MaxPairForHedge = 1.03
	}
	if c.ArbPairCombined <= 0 {
		c.ArbPairCombined = 0.985
	}
	if c.MaxPairForBalance <= 0 {
		c.MaxPairForBalance = 1.01
	}
	if c.MinImproveDiscount <= 0 {
		c.MinImproveDiscount = 0.05
	}
	if c.AggressiveDiscount <= 0 {
		c.AggressiveDiscount = 0.15
	}
	if c.ExtremeDiscount <= 0 {
		c.ExtremeDiscount = 0.30
	}
	if c.RebalanceRatio <= 0 {
		c.RebalanceRatio = 1.10
	}
	if c.DefensiveMaxPrice <= 0 {
		c.DefensiveMaxPrice = 0.55
	}
	if c.EmergencyLockedUSD <= 0 {
		c.EmergencyLockedUSD = 2.00
	}
	if c.MaxCombinedForFix <= 0 {
		c.MaxCombinedForFix = 1.04
	}
	if c.DirectionalCapUSD <= 0 {
		c.DirectionalCapUSD = 15
	}
	if c.LockedBufferUSD <= 0 {
		c.LockedBufferUSD = 0.50
	}
	if c.BalancedRatioMax <= 0 {
		c.BalancedRatioMax = 1.15
	}
	if c.MaxPairDeterioration <= 0 {
		c.MaxPairDeterioration = 0.05
	}
	if c.SignalTTL <= 0 {
		c.SignalTTL = 10 * time.Second
	}
	return c
}

// pairArbState is the per-market working memory: cooldown clocks, the best
// pair cost seen (for the deterioration stop), the locked-profit peak, and
// the halt latch.
type pairArbState struct {
	lastUp     time.Time
	lastDown   time.Time
	bestPair   float64
	peakLocked float64
	halted     bool
	haltReason string
}

// PairArb trades one binary market as a hedged pair: it opens on the
// leading outcome, completes the hedge when the pair can be bought below
// $1.00 all-in, and then works the position by accumulating discounted
// pairs, rebalancing lopsided quantity, and averaging the expensive leg
// down, with a loss ladder capping how much any single trade can put at
// risk. Stops latch the market once locked profit deteriorates or the
// position is safe into close.
type PairArb struct {
	cfg    PairArbConfig
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*pairArbState
}

// NewPairArb builds the strategy with the given config (zero fields take
// defaults).
func NewPairArb(cfg PairArbConfig, logger *slog.Logger) *PairArb {
	return &PairArb{
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("strategy", "pair_arb")),
		states: make(map[string]*pairArbState),
	}
}

func (s *PairArb) Name() string { return "pair_arb" }

func (s *PairArb) Init(_ context.Context) error { return nil }

func (s *PairArb) Close() error { return nil }

func (s *PairArb) state(marketID string) *pairArbState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[marketID]
	if !ok {
		st = &pairArbState{
			bestPair:   math.Inf(1),
			peakLocked: math.Inf(-1),
		}
		s.states[marketID] = st
	}
	return st
}

// Forget drops per-market state, for use when a market rotates out.
func (s *PairArb) Forget(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, marketID)
}

// OnBookUpdate runs the full decision tree for one market snapshot.
func (s *PairArb) OnBookUpdate(_ context.Context, view domain.PairView) ([]domain.TradeSignal, error) {
	if !view.Priced() {
		return nil, nil
	}
	st := s.state(view.Market.ID)
	pos := view.Position

	if pos.Hedged() {
		if s.checkStops(view, st) {
			return nil, nil
		}
	}
	if st.halted {
		return nil, nil
	}

	ttc, hasTTC := view.TimeToClose()

	// Endgame freeze: profit is locked and the market is about to close.
	if pos.Hedged() && pos.LockedProfit >= 0 && hasTTC && ttc < 60*time.Second {
		if !st.halted {
			st.halted = true
			st.haltReason = "profit_secured"
			s.logger.Info("endgame freeze",
				slog.String("market_id", view.Market.ID),
				slog.Float64("locked_profit", pos.LockedProfit),
			)
		}
		return nil, nil
	}

	switch {
	case pos.Empty():
		return s.tryEntry(view, st, ttc, hasTTC), nil
	case !pos.Hedged():
		return s.tryHedge(view, st, ttc, hasTTC), nil
	default:
		return s.workHedged(view, st, ttc, hasTTC), nil
	}
}

// checkStops updates the stop trackers and returns true when the market
// just halted. Hedged positions only.
func (s *PairArb) checkStops(view domain.PairView, st *pairArbState) bool {
	pos := view.Position

	if pos.PairCost > 0 && pos.PairCost < st.bestPair {
		st.bestPair = pos.PairCost
	}
	if pos.LockedProfit > st.peakLocked {
		st.peakLocked = pos.LockedProfit
	}

	// Deterioration stop: the pair has gotten materially worse than its
	// best, so stop adding to it.
	if !math.IsInf(st.bestPair, 1) && pos.PairCost-st.bestPair > s.cfg.MaxPairDeterioration {
		st.halted = true
		st.haltReason = "pair_deterioration"
		s.logger.Warn("deterioration stop",
			slog.String("market_id", view.Market.ID),
			slog.Float64("pair_cost", pos.PairCost),
			slog.Float64("best_pair", st.bestPair),
		)
		return true
	}

	// Take-profit stop. Never fires while locked profit is negative, and
	// only when quantities are balanced enough that the lock is real.
	if s.cfg.TakeProfitUSD > 0 && pos.LockedProfit >= s.cfg.TakeProfitUSD {
		if r := qtyRatio(pos.Position); r > 0 && r <= s.cfg.BalancedRatioMax {
			st.halted = true
			st.haltReason = "profit_target"
			s.logger.Info("take-profit stop",
				slog.String("market_id", view.Market.ID),
				slog.Float64("locked_profit", pos.LockedProfit),
			)
			return true
		}
	}
	return false
}

// tryEntry opens the position on the leading outcome: whichever side trades
// at or above the trigger, favoring the stronger, as long as the price is
// not already too rich and the market has time left.
func (s *PairArb) tryEntry(view domain.PairView, st *pairArbState, ttc time.Duration, hasTTC bool) []domain.TradeSignal {
	if hasTTC && ttc < s.cfg.EntryDeadline {
		return nil
	}

	upAsk := view.Up.BestAsk
	downAsk := view.Down.BestAsk
	var side domain.Side
	var price float64
	switch {
	case upAsk >= s.cfg.EntryTrigger && upAsk >= downAsk:
		side, price = domain.SideUp, upAsk
	case downAsk >= s.cfg.EntryTrigger:
		side, price = domain.SideDown, downAsk
	default:
		return nil
	}
	if price > s.cfg.EntryMaxPrice {
		return nil
	}
	sig := s.buyWithSpend(view, st, side, price, s.cfg.EntryTradeUSD, "base_entry", domain.SignalUrgencyMedium, false)
	if sig == nil {
		return nil
	}
	return []domain.TradeSignal{*sig}
}

// tryHedge completes a one-sided position into a pair. A cheap complement
// locks profit immediately; otherwise a near-close deadline forces the
// hedge at slightly worse prices rather than riding a naked position into
// resolution.
func (s *PairArb) tryHedge(view domain.PairView, st *pairArbState, ttc time.Duration, hasTTC bool) []domain.TradeSignal {
	pos := view.Position
	owned, ok := ownedSide(pos.Position)
	if !ok {
		return nil
	}
	other := owned.Opposite()
	otherAsk := view.BestAsk(other)
	potential := pos.AvgPrice(owned) + otherAsk

	if potential < s.cfg.ProfitLockPair {
		balancedSpend := pos.Qty(owned) * otherAsk * feeMult
		mult := 2.0
		if potential < s.cfg.GoodLockPair {
			mult = 3.0
		}
		spend := math.Min(balancedSpend, s.cfg.BalanceTradeUSD*mult)
		spend = math.Min(spend, balancedSpend*1.1+1.0)
		sig := s.buyWithSpend(view, st, other, otherAsk, spend, "profit_lock", domain.SignalUrgencyHigh, false)
		if sig == nil {
			return nil
		}
		sig.IsHedge = true
		return []domain.TradeSignal{*sig}
	}

	if hasTTC && ttc <= s.cfg.HedgeDeadline && potential < s.cfg.MaxPairForHedge {
		urgency := domain.SignalUrgencyHigh
		bypass := false
		if ttc <= 30*time.Second {
			urgency = domain.SignalUrgencyImmediate
			bypass = true
		}
		sig := s.buyWithSpend(view, st, other, otherAsk, s.cfg.BalanceTradeUSD*1.5, "deadline_hedge", urgency, bypass)
		if sig == nil {
			return nil
		}
		sig.IsHedge = true
		return []domain.TradeSignal{*sig}
	}
	return nil
}

// workHedged runs the hedged-position phases in priority order: emergency
// repair, discounted pair accumulation, quantity rebalance, then averaging
// the expensive leg down.
func (s *PairArb) workHedged(view domain.PairView, st *pairArbState, ttc time.Duration, hasTTC bool) []domain.TradeSignal {
	pos := view.Position

	// Phase: emergency fix. Locked losses beyond the threshold get one
	// repair attempt per cooldown while there is still time to act.
	if pos.LockedProfit < -s.cfg.EmergencyLockedUSD && (!hasTTC || ttc > 30*time.Second) {
		return s.tryEmergencyFix(view, st)
	}

	// Phase: pair accumulation. Both legs at once when the combined ask is
	// discounted enough that the pair is profitable after fees.
	if sigs := s.tryArbPair(view, st); len(sigs) > 0 {
		return sigs
	}

	// Phase: rebalance. Lopsided quantity gets topped up on the light side
	// when doing so is defensive and keeps the pair viable.
	if sigs := s.tryRebalance(view, st); len(sigs) > 0 {
		return sigs
	}

	// Phase: improve. Average the expensive leg down on a real discount.
	return s.tryImprove(view, st)
}

// tryEmergencyFix buys the weaker leg to narrow a locked loss. Returns nil
// without falling through: while the position is in emergency the other
// phases stay off.
func (s *PairArb) tryEmergencyFix(view domain.PairView, st *pairArbState) []domain.TradeSignal {
	pos := view.Position
	if view.CombinedAsk() > s.cfg.MaxCombinedForFix {
		// Repairing at these prices deepens the hole. Hold.
		return nil
	}

	pnlUp := s.pnlIfWins(pos, domain.SideUp)
	pnlDown := s.pnlIfWins(pos, domain.SideDown)
	weak := domain.SideUp
	if pnlDown < pnlUp {
		weak = domain.SideDown
	}
	price := view.BestAsk(weak)
	perShareGain := 1 - price*feeMult
	gap := math.Abs(pnlUp - pnlDown)
	if perShareGain <= 0.05 || price > 0.80 || gap < 0.50 {
		return nil
	}

	remaining := s.remainingBudget(pos)
	spend := math.Min(gap*price*feeMult, remaining*0.15)
	if spend < 0.50 {
		return nil
	}
	sig := s.buyWithSpend(view, st, weak, price, spend, "emergency_fix", domain.SignalUrgencyImmediate, true)
	if sig == nil {
		return nil
	}
	sig.IsHedge = true
	return []domain.TradeSignal{*sig}
}

// tryArbPair buys both legs simultaneously when the combined ask is below
// the discount threshold. The legs share one quantity so the buy cannot
// tilt the position, and they bypass the per-trade guard chain: safety
// comes from the sizing terms, which reserve cash and split the remaining
// budget across both legs.
func (s *PairArb) tryArbPair(view domain.PairView, st *pairArbState) []domain.TradeSignal {
	combined := view.CombinedAsk()
	if combined <= 0 || combined >= s.cfg.ArbPairCombined {
		return nil
	}
	margin := 1/feeMult - combined
	if margin <= 0 {
		return nil
	}
	if onCooldown(st, domain.SideUp, view.Now, s.cfg.Cooldown) || onCooldown(st, domain.SideDown, view.Now, s.cfg.Cooldown) {
		return nil
	}

	pos := view.Position
	remaining := s.remainingBudget(pos)
	available := math.Max(0, pos.Cash-s.cfg.MarketBudgetUSD*0.15)
	perSide := s.cfg.BalanceTradeUSD * (1 + math.Min(margin*15, 1))
	perSide = math.Min(perSide, available/(2*feeMult))
	perSide = math.Min(perSide, remaining/2)
	if perSide < s.cfg.MinOrderUSD {
		return nil
	}

	upAsk := view.Up.BestAsk
	downAsk := view.Down.BestAsk
	qty := math.Min(perSide/upAsk, perSide/downAsk)
	qty = math.Min(qty, s.cfg.MaxSharesPerOrder)
	if qty < s.cfg.MinTradeQty {
		return nil
	}

	s.logger.Info("pair accumulation",
		slog.String("market_id", view.Market.ID),
		slog.Float64("combined_ask", combined),
		slog.Float64("margin", margin),
		slog.Float64("qty", qty),
	)
	touchCooldown(st, domain.SideUp, view.Now)
	touchCooldown(st, domain.SideDown, view.Now)
	// Both legs carry the same group marker so the executor fills them
	// together or not at all.
	groupID := uuid.NewString()
	legMeta := func() map[string]string {
		return map[string]string{
			"mode":         "arb_pair",
			"leg_group":    groupID,
			"leg_count":    "2",
			"combined_ask": fmt.Sprintf("%.4f", combined),
			"margin":       fmt.Sprintf("%.4f", margin),
		}
	}
	return []domain.TradeSignal{
		s.newSignal(view, domain.SideUp, upAsk, qty, "arb_pair", domain.SignalUrgencyHigh, legMeta()),
		s.newSignal(view, domain.SideDown, downAsk, qty, "arb_pair", domain.SignalUrgencyHigh, legMeta()),
	}
}

// tryRebalance tops up the light side when quantities have drifted apart.
// Defensive only: the light side must be cheap and the buy must keep the
// blended pair under the balance ceiling. When those fail the caller falls
// through to the improve phase rather than blocking.
func (s *PairArb) tryRebalance(view domain.PairView, st *pairArbState) []domain.TradeSignal {
	pos := view.Position
	ratio := qtyRatio(pos.Position)
	if ratio <= s.cfg.RebalanceRatio {
		return nil
	}
	light := domain.SideUp
	if pos.QtyUp > pos.QtyDown {
		light = domain.SideDown
	}
	price := view.BestAsk(light)
	if price > s.cfg.DefensiveMaxPrice {
		return nil
	}
	if s.pairCostAfterBuy(pos.Position, light, price, s.cfg.BalanceTradeUSD) >= s.cfg.MaxPairForBalance {
		return nil
	}
	sig := s.buyWithSpend(view, st, light, price, s.cfg.BalanceTradeUSD, "rebalance", domain.SignalUrgencyLow, false)
	if sig == nil {
		return nil
	}
	sig.IsHedge = true
	return []domain.TradeSignal{*sig}
}

// tryImprove averages down whichever leg trades at a real discount to its
// own average. Larger discounts size bigger. The buy must strictly improve
// the pair cost and may not push quantity past the 3:1 tilt guard.
func (s *PairArb) tryImprove(view domain.PairView, st *pairArbState) []domain.TradeSignal {
	pos := view.Position
	for _, side := range []domain.Side{domain.SideUp, domain.SideDown} {
		price := view.BestAsk(side)
		if price < 0.15 || price > 0.85 {
			continue
		}
		disc := discountToAvg(pos.AvgPrice(side), price)
		if disc < s.cfg.MinImproveDiscount {
			continue
		}
		spend := s.cfg.ImproveTradeUSD * s.sizeForDiscount(disc)
		qty := spend / price
		if qty < s.cfg.MinTradeQty {
			continue
		}
		// Tilt guard: never let one leg run past 3x the other.
		if pos.Qty(side)+qty > 3*pos.Qty(side.Opposite()) {
			continue
		}
		curPair := pos.PairCost
		newPair := s.pairCostAfterBuy(pos.Position, side, price, spend)
		if newPair >= curPair-0.005 || newPair >= s.cfg.MaxPairForBalance {
			continue
		}
		sig := s.buyWithSpend(view, st, side, price, spend, "arb_improve", domain.SignalUrgencyLow, false)
		if sig == nil {
			continue
		}
		return []domain.TradeSignal{*sig}
	}
	return nil
}

// buyWithSpend is the guarded signal factory every phase except pair
// accumulation routes through: cooldown, directional exposure cap, the
// locked-profit ladder, then the cash/budget caps. Returns nil when any
// guard blocks or the sized order falls under the floors.
func (s *PairArb) buyWithSpend(view domain.PairView, st *pairArbState, side domain.Side, price, spend float64, reason string, urgency domain.SignalUrgency, bypassCooldown bool) *domain.TradeSignal {
	pos := view.Position

	if !bypassCooldown && onCooldown(st, side, view.Now, s.cfg.Cooldown) {
		return nil
	}

	// Directional exposure cap: once this side already pays out well past
	// the cap there is no reason to buy more of it, except to repair.
	if s.pnlIfWins(pos, side) > s.cfg.DirectionalCapUSD && reason != "emergency_fix" {
		return nil
	}

	// Locked-profit ladder. Hedged positions cap each buy by what the
	// opposite outcome would still pay, so one fill can never flip a
	// locked profit into a loss.
	if pos.Hedged() {
		otherPnl := s.pnlIfWins(pos, side.Opposite())
		switch {
		case pos.LockedProfit >= 0:
			maxSafe := math.Max(0, (otherPnl-s.cfg.LockedBufferUSD)/feeMult)
			if maxSafe < s.cfg.MinOrderUSD {
				return nil
			}
			spend = math.Min(spend, maxSafe)
		case pos.LockedProfit > -s.cfg.EmergencyLockedUSD:
			maxSafe := (otherPnl + s.cfg.EmergencyLockedUSD) / feeMult
			if maxSafe < s.cfg.MinOrderUSD {
				return nil
			}
			spend = math.Min(spend, maxSafe)
		default:
			// Deep in the hole: only the weaker leg, and only cheap.
			if s.pnlIfWins(pos, side) > otherPnl {
				return nil
			}
			if price*feeMult > 0.985 {
				return nil
			}
		}
	}

	spend = s.capSpend(pos, spend)
	if spend < s.cfg.MinOrderUSD {
		return nil
	}
	qty := spend / price
	qty = math.Min(qty, s.cfg.MaxSharesPerOrder)
	if qty < s.cfg.MinTradeQty {
		return nil
	}

	touchCooldown(st, side, view.Now)
	s.logger.Info("buy signal",
		slog.String("market_id", view.Market.ID),
		slog.String("side", string(side)),
		slog.String("reason", reason),
		slog.Float64("price", price),
		slog.Float64("qty", qty),
	)
	meta := map[string]string{
		"mode":  reason,
		"spend": fmt.Sprintf("%.2f", spend),
	}
	sig := s.newSignal(view, side, price, qty, reason, urgency, meta)
	return &sig
}

func (s *PairArb) newSignal(view domain.PairView, side domain.Side, price, qty float64, reason string, urgency domain.SignalUrgency, meta map[string]string) domain.TradeSignal {
	hedge := reason == "profit_lock" || reason == "deadline_hedge" || reason == "rebalance" || reason == "emergency_fix"
	return domain.TradeSignal{
		ID:         uuid.NewString(),
		Source:     s.Name(),
		MarketID:   view.Market.ID,
		Side:       side,
		Action:     domain.TradeActionBuy,
		PriceTicks: domain.Ticks(price),
		SizeUnits:  domain.Ticks(qty),
		IsHedge:    hedge,
		Urgency:    urgency,
		Reason:     reason,
		Metadata:   meta,
		CreatedAt:  view.Now,
		ExpiresAt:  view.Now.Add(s.cfg.SignalTTL),
	}
}

// capSpend applies the shared spending caps: per-market budget remaining
// and the cash reserve floor. Anything under the order minimum collapses
// to zero.
func (s *PairArb) capSpend(pos domain.PositionSnapshot, spend float64) float64 {
	spend = math.Min(spend, s.remainingBudget(pos))
	spend = math.Min(spend, math.Max(0, pos.Cash-s.cfg.MarketBudgetUSD*s.cfg.ReservePct))
	if spend < s.cfg.MinOrderUSD {
		return 0
	}
	return spend
}

func (s *PairArb) remainingBudget(pos domain.PositionSnapshot) float64 {
	return math.Max(0, s.cfg.MarketBudgetUSD-pos.TotalCost())
}

// pnlIfWins is the cash outcome if the given side resolves to $1: the held
// quantity pays out face value, everything spent (plus fees) is gone.
func (s *PairArb) pnlIfWins(pos domain.PositionSnapshot, side domain.Side) float64 {
	return pos.Qty(side) - pos.TotalCost() - positionFees(pos.Position)
}

// positionFees estimates the fees paid on the position to date, applying
// the fee schedule at each side's average price.
func positionFees(pos domain.Position) float64 {
	var fees float64
	if pos.QtyUp > 0 {
		fees += ledger.Fee(pos.AvgPrice(domain.SideUp), pos.QtyUp)
	}
	if pos.QtyDown > 0 {
		fees += ledger.Fee(pos.AvgPrice(domain.SideDown), pos.QtyDown)
	}
	return fees
}

// pairCostAfterBuy projects the blended pair cost if spend were added to
// the given side at price. Infinite while the other side is empty.
func (s *PairArb) pairCostAfterBuy(pos domain.Position, side domain.Side, price, spend float64) float64 {
	qty := spend / price
	newQty := pos.Qty(side) + qty
	newCost := pos.Cost(side) + spend
	otherQty := pos.Qty(side.Opposite())
	if newQty <= 0 || otherQty <= 0 {
		return math.Inf(1)
	}
	return newCost/newQty + pos.Cost(side.Opposite())/otherQty
}

// sizeForDiscount scales the improve clip with how deep the discount runs.
func (s *PairArb) sizeForDiscount(disc float64) float64 {
	switch {
	case disc >= s.cfg.ExtremeDiscount:
		return 2.0
	case disc >= s.cfg.AggressiveDiscount:
		return 1.5
	case disc >= s.cfg.MinImproveDiscount:
		return 1.2
	default:
		return 1.0
	}
}

func discountToAvg(avg, price float64) float64 {
	if avg <= 0 {
		return 0
	}
	return math.Max(0, (avg-price)/avg)
}

func qtyRatio(pos domain.Position) float64 {
	lo := math.Min(pos.QtyUp, pos.QtyDown)
	hi := math.Max(pos.QtyUp, pos.QtyDown)
	if lo <= 0 {
		return 0
	}
	return hi / lo
}

func ownedSide(pos domain.Position) (domain.Side, bool) {
	switch {
	case pos.QtyUp > 0 && pos.QtyDown <= 0:
		return domain.SideUp, true
	case pos.QtyDown > 0 && pos.QtyUp <= 0:
		return domain.SideDown, true
	default:
		return "", false
	}
}

func onCooldown(st *pairArbState, side domain.Side, now time.Time, cooldown time.Duration) bool {
	last := st.lastUp
	if side == domain.SideDown {
		last = st.lastDown
	}
	return !last.IsZero() && now.Sub(last) < cooldown
}

func touchCooldown(st *pairArbState, side domain.Side, now time.Time) {
	if side == domain.SideUp {
		st.lastUp = now
	} else {
		st.lastDown = now
	}
}

// Package guard enforces capital reservation: before any trade reaches the
// fill simulator, the guard verifies that enough cash and budget remain to
// hedge the resulting position back to the break-even ceiling under a
// worst-case price for the opposing side. Trades that would strand the
// account in an unhedgeable state are denied or shrunk.
//
// The guard is pure. It never mutates position or cash state; callers pass
// an Account snapshot and serialize guard-then-fill per market themselves.
package guard

import (
	"fmt"

	"github.com/mfeltner/polysim/internal/domain"
)

// capIterations bounds the binary search in CapQtyToReserve. Twenty halvings
// of any realistic quantity range land well inside cent-level precision.
const capIterations = 20

// spendBackoffIterations bounds the halving loop in CappedSpendUntilOK.
const spendBackoffIterations = 20

// minMeaningfulSpend is the smallest spend worth approving; below this the
// back-off gives up and reports zero.
const minMeaningfulSpend = 0.01

// Config holds the guard tunables. Budget is the per-market allocation and
// has no default; the ratios and floors fall back to standard values.
type Config struct {
	Budget                float64
	PreHedgeReserveRatio  float64 // reserve fraction while unhedged, default 0.10
	PostHedgeReserveRatio float64 // reserve fraction once hedged, default 0.05
	MinReserveCash        float64 // absolute reserve floor, default 5
	BreakEvenCeiling      float64 // max acceptable pair cost, default 1.00
	PriceFloor            float64 // lowest assumed opposing price, default 0.01
}

func (c Config) withDefaults() Config {
	if c.PreHedgeReserveRatio == 0 {
		c.PreHedgeReserveRatio = 0.10
	}
	if c.PostHedgeReserveRatio == 0 {
		c.PostHedgeReserveRatio = 0.05
	}
	if c.MinReserveCash == 0 {
		c.MinReserveCash = 5
	}
	if c.BreakEvenCeiling == 0 {
		c.BreakEvenCeiling = 1.00
	}
	if c.PriceFloor == 0 {
		c.PriceFloor = 0.01
	}
	return c
}

// Account is the financial snapshot a guard decision runs against: the
// current position, the spendable cash, and how much of the market budget
// has already been consumed.
type Account struct {
	Position domain.Position
	Cash     float64
	Spent    float64
}

// Guard computes hedge reserves and admission decisions for one market.
type Guard struct {
	cfg Config
}

// New creates a Guard with the given tunables.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg.withDefaults()}
}

// Budget returns the configured per-market budget.
func (g *Guard) Budget() float64 { return g.cfg.Budget }

// ReserveNeeded computes the capital that must stay unspent for the given
// position. opposingHint is the currently observed price of the unfilled
// side; pass a non-positive value when no quote is available and the guard
// will assume the worst profitable price.
//
// Empty position: a fraction of budget held back so the first trade cannot
// consume everything. One side filled: enough to buy the hedge leg at the
// estimated price, but never less than the ratio floor. Both sides filled:
// the smaller post-hedge ratio floor.
func (g *Guard) ReserveNeeded(pos domain.Position, opposingHint float64) float64 {
	upFilled := pos.QtyUp > 0
	downFilled := pos.QtyDown > 0

	switch {
	case !upFilled && !downFilled:
		return max(g.cfg.MinReserveCash, g.cfg.Budget*g.cfg.PreHedgeReserveRatio)

	case upFilled != downFilled:
		var qty, avg float64
		if upFilled {
			qty, avg = pos.QtyUp, pos.AvgPrice(domain.SideUp)
		} else {
			qty, avg = pos.QtyDown, pos.AvgPrice(domain.SideDown)
		}

		// The most we can pay for the other side and still break even.
		maxProfitable := clamp(g.cfg.BreakEvenCeiling-avg, 0.01, 0.99)

		est := maxProfitable
		if opposingHint > 0 {
			est = min(maxProfitable, opposingHint)
		}
		est = max(g.cfg.PriceFloor, est)

		return max(g.cfg.MinReserveCash,
			max(g.cfg.Budget*g.cfg.PreHedgeReserveRatio, qty*est))

	default:
		return max(g.cfg.MinReserveCash, g.cfg.Budget*g.cfg.PostHedgeReserveRatio)
	}
}

// ReserveOK reports whether buying qty shares of side at price keeps the
// account hedgeable. The trade is applied hypothetically; on denial the
// returned reason explains which constraint failed.
func (g *Guard) ReserveOK(acct Account, side domain.Side, price, qty, opposingHint float64) (bool, string) {
	if price <= 0 || qty <= 0 {
		return false, fmt.Sprintf("invalid trade: price $%.4f qty %.2f", price, qty)
	}

	spend := price * qty
	cashAfter := acct.Cash - spend
	budgetAfter := g.cfg.Budget - acct.Spent - spend

	if cashAfter < 0 {
		return false, fmt.Sprintf("spend $%.2f exceeds cash $%.2f", spend, acct.Cash)
	}
	if budgetAfter < 0 {
		return false, fmt.Sprintf("spend $%.2f exceeds remaining budget $%.2f",
			spend, g.cfg.Budget-acct.Spent)
	}

	after := acct.Position
	switch side {
	case domain.SideUp:
		after.QtyUp += qty
		after.CostUp += spend
	case domain.SideDown:
		after.QtyDown += qty
		after.CostDown += spend
	default:
		return false, fmt.Sprintf("invalid side %q", side)
	}

	reserve := g.ReserveNeeded(after, opposingHint)

	if cashAfter < reserve {
		return false, fmt.Sprintf("cash after trade $%.2f below hedge reserve $%.2f", cashAfter, reserve)
	}
	if budgetAfter < reserve {
		return false, fmt.Sprintf("budget after trade $%.2f below hedge reserve $%.2f", budgetAfter, reserve)
	}
	return true, ""
}

// Check is ReserveOK as an error: nil on approval, otherwise a
// ReserveViolation carrying the denial reason.
func (g *Guard) Check(acct Account, side domain.Side, price, qty, opposingHint float64) error {
	if ok, reason := g.ReserveOK(acct, side, price, qty, opposingHint); !ok {
		return fmt.Errorf("guard: %s: %w", reason, domain.ErrReserveViolation)
	}
	return nil
}

// CapQtyToReserve binary-searches the largest quantity in [0, desiredQty]
// that passes ReserveOK. Returns 0 when even the smallest meaningful trade
// is denied.
func (g *Guard) CapQtyToReserve(acct Account, side domain.Side, price, desiredQty, opposingHint float64) float64 {
	if desiredQty <= 0 || price <= 0 {
		return 0
	}
	if ok, _ := g.ReserveOK(acct, side, price, desiredQty, opposingHint); ok {
		return desiredQty
	}

	lo, hi := 0.0, desiredQty
	for i := 0; i < capIterations; i++ {
		mid := (lo + hi) / 2
		if ok, _ := g.ReserveOK(acct, side, price, mid, opposingHint); ok {
			lo = mid
		} else {
			hi = mid
		}
	}

	if lo*price < minMeaningfulSpend {
		return 0
	}
	return lo
}

// CappedSpendUntilOK halves the proposed spend until the implied trade
// passes ReserveOK. Coarser than CapQtyToReserve; used for opportunistic
// trades where an approximate size is fine. Returns the approved spend, or
// 0 when nothing fits.
func (g *Guard) CappedSpendUntilOK(acct Account, side domain.Side, price, spend, opposingHint float64) float64 {
	if price <= 0 {
		return 0
	}
	for i := 0; i < spendBackoffIterations && spend >= minMeaningfulSpend; i++ {
		if ok, _ := g.ReserveOK(acct, side, price, spend/price, opposingHint); ok {
			return spend
		}
		spend /= 2
	}
	return 0
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

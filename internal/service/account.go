package service

import (
	"sort"
	"time"

	"github.com/mfeltner/polysim/internal/capital"
	"github.com/mfeltner/polysim/internal/domain"
)

// PositionSource exposes the broker's per-market position snapshots.
type PositionSource interface {
	Snapshots() []domain.PositionSnapshot
}

// AccountSummary is the roll-up served by the status API: one line that
// answers "how is the session going".
type AccountSummary struct {
	StartingUSD  float64   `json:"starting_usd"`
	CashUSD      float64   `json:"cash_usd"`
	NetPnL       float64   `json:"net_pnl"`
	RealizedPnL  float64   `json:"realized_pnl"`
	LockedProfit float64   `json:"locked_profit"`
	OpenCost     float64   `json:"open_cost"`
	OpenMarkets  int       `json:"open_markets"`
	Debits       int64     `json:"debits"`
	Credits      int64     `json:"credits"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// AccountService aggregates the capital pool and broker positions into the
// snapshots the server and session reports consume.
type AccountService struct {
	pool      *capital.Pool
	positions PositionSource
	now       func() time.Time
}

// NewAccountService creates an AccountService over the given pool and
// position source.
func NewAccountService(pool *capital.Pool, positions PositionSource) *AccountService {
	return &AccountService{pool: pool, positions: positions, now: time.Now}
}

// Summary computes the current account roll-up. LockedProfit only counts
// hedged pairs; one-sided exposure shows up in OpenCost instead.
func (s *AccountService) Summary() AccountSummary {
	debits, credits := s.pool.Activity()
	sum := AccountSummary{
		StartingUSD: s.pool.Starting(),
		CashUSD:     s.pool.Balance(),
		NetPnL:      s.pool.NetPnL(),
		Debits:      debits,
		Credits:     credits,
		GeneratedAt: s.now().UTC(),
	}

	for _, snap := range s.positions.Snapshots() {
		sum.RealizedPnL += snap.RealizedPnL
		if snap.Empty() {
			continue
		}
		sum.OpenMarkets++
		sum.OpenCost += snap.TotalCost()
		if snap.PairComplete {
			sum.LockedProfit += snap.LockedProfit
		}
	}
	return sum
}

// Positions returns all position snapshots ordered by market ID.
func (s *AccountService) Positions() []domain.PositionSnapshot {
	snaps := s.positions.Snapshots()
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].MarketID < snaps[j].MarketID
	})
	return snaps
}

// Open returns only the markets with live exposure, ordered by market ID.
func (s *AccountService) Open() []domain.PositionSnapshot {
	all := s.Positions()
	out := all[:0]
	for _, snap := range all {
		if !snap.Empty() {
			out = append(out, snap)
		}
	}
	return out
}

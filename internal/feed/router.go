// Package feed moves market data into the trading core. Sources (WebSocket
// stream, REST poller, synthetic generators) produce per-token book
// snapshots; the Router resolves each token to its market side, stores the
// book where the broker and strategies read it, mirrors it into the shared
// caches, and fires one strategy tick per update.
package feed

import (
	"context"
	"log/slog"

	"github.com/mfeltner/polysim/internal/domain"
)

// MarketResolver maps an outcome token to its market. The catalog service
// implements it.
type MarketResolver interface {
	ByToken(ctx context.Context, tokenID string) (domain.Market, error)
}

// BookStore is where routed books land. The paper broker implements it.
type BookStore interface {
	UpdateBook(marketID string, side domain.Side, snap domain.BookSnapshot)
	Book(marketID string, side domain.Side) (domain.BookSnapshot, bool)
}

// TickHandler receives one notification per routed book update. The
// strategy engine implements it.
type TickHandler interface {
	HandleBookUpdate(ctx context.Context, marketID string) error
}

// Router fans one raw book update out to the broker, the caches, and the
// strategy engine. Both caches are optional.
type Router struct {
	resolver MarketResolver
	store    BookStore
	engine   TickHandler
	books    domain.BookCache
	prices   domain.PriceCache
	logger   *slog.Logger
}

// NewRouter creates a Router. bookCache and priceCache may be nil; routing
// then skips the cache mirror.
func NewRouter(resolver MarketResolver, store BookStore, engine TickHandler, bookCache domain.BookCache, priceCache domain.PriceCache, logger *slog.Logger) *Router {
	return &Router{
		resolver: resolver,
		store:    store,
		engine:   engine,
		books:    bookCache,
		prices:   priceCache,
		logger:   logger.With(slog.String("component", "feed_router")),
	}
}

// HandleBook routes a full snapshot. Updates for tokens outside the
// catalog are dropped; the stream can deliver books for markets that were
// forgotten mid-session.
func (r *Router) HandleBook(ctx context.Context, snap domain.BookSnapshot) {
	market, err := r.resolver.ByToken(ctx, snap.AssetID)
	if err != nil {
		r.logger.DebugContext(ctx, "book for unknown token",
			slog.String("asset_id", snap.AssetID),
		)
		return
	}
	side, ok := market.SideOfToken(snap.AssetID)
	if !ok {
		return
	}

	r.store.UpdateBook(market.ID, side, snap)
	r.mirror(ctx, snap)

	if err := r.engine.HandleBookUpdate(ctx, market.ID); err != nil {
		r.logger.DebugContext(ctx, "strategy tick failed",
			slog.String("market_id", market.ID),
			slog.String("error", err.Error()),
		)
	}
}

// HandlePriceChange patches one level of the stored book and re-ticks the
// strategy. A change arriving before any full snapshot builds a one-level
// book rather than being dropped.
func (r *Router) HandlePriceChange(ctx context.Context, change domain.PriceChange) {
	market, err := r.resolver.ByToken(ctx, change.AssetID)
	if err != nil {
		return
	}
	side, ok := market.SideOfToken(change.AssetID)
	if !ok {
		return
	}

	snap, _ := r.store.Book(market.ID, side)
	snap.AssetID = change.AssetID
	snap = patchBook(snap, change)

	r.store.UpdateBook(market.ID, side, snap)
	r.mirror(ctx, snap)

	if err := r.engine.HandleBookUpdate(ctx, market.ID); err != nil {
		r.logger.DebugContext(ctx, "strategy tick failed",
			slog.String("market_id", market.ID),
			slog.String("error", err.Error()),
		)
	}
}

// mirror pushes a routed snapshot into the shared caches. Cache failures
// degrade to logs; the in-process book store already has the data.
func (r *Router) mirror(ctx context.Context, snap domain.BookSnapshot) {
	if r.books != nil {
		if err := r.books.SetSnapshot(ctx, snap); err != nil {
			r.logger.WarnContext(ctx, "book cache write failed",
				slog.String("asset_id", snap.AssetID),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.prices != nil {
		if m := snap.Metrics(); m.Valid {
			if err := r.prices.SetPrice(ctx, snap.AssetID, m.Mid, snap.Timestamp); err != nil {
				r.logger.WarnContext(ctx, "price cache write failed",
					slog.String("asset_id", snap.AssetID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// patchBook applies one level change to a snapshot copy. Size zero removes
// the level; a new price inserts one. BUY changes land on the bid side,
// SELL on the ask side.
func patchBook(snap domain.BookSnapshot, change domain.PriceChange) domain.BookSnapshot {
	patch := func(levels []domain.PriceLevel) []domain.PriceLevel {
		out := make([]domain.PriceLevel, 0, len(levels)+1)
		replaced := false
		for _, lvl := range levels {
			if !replaced && samePrice(lvl.Price, change.Price) {
				replaced = true
				if change.Size > 0 {
					out = append(out, domain.PriceLevel{Price: change.Price, Size: change.Size})
				}
				continue
			}
			out = append(out, lvl)
		}
		if !replaced && change.Size > 0 {
			out = append(out, domain.PriceLevel{Price: change.Price, Size: change.Size})
		}
		return out
	}

	switch change.Side {
	case "BUY":
		snap.Bids = patch(snap.Bids)
	case "SELL":
		snap.Asks = patch(snap.Asks)
	default:
		return snap
	}
	if !change.Timestamp.IsZero() {
		snap.Timestamp = change.Timestamp
	}
	return snap
}

func samePrice(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

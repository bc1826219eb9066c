package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/mfeltner/polysim/internal/domain"
)

// BookFetcher fetches one order book over REST. The CLOB data client
// implements it.
type BookFetcher interface {
	Book(ctx context.Context, tokenID string) (domain.BookSnapshot, error)
}

// Poller is the REST fallback feed: every interval it fetches both books
// of every tradable market and routes them. It can run alongside the
// stream or alone in stream-less deployments.
type Poller struct {
	fetcher  BookFetcher
	catalog  Catalog
	router   *Router
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a Poller. interval <= 0 defaults to 2s.
func NewPoller(fetcher BookFetcher, catalog Catalog, router *Router, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		fetcher:  fetcher,
		catalog:  catalog,
		router:   router,
		interval: interval,
		logger:   logger.With(slog.String("component", "feed_poller")),
	}
}

// Run polls until ctx is cancelled. Individual fetch failures skip that
// token and continue; the shared limiter inside the fetcher paces the
// overall request rate.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "poller started", slog.Duration("interval", p.interval))
	defer p.logger.InfoContext(ctx, "poller stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Poller) cycle(ctx context.Context) {
	markets := p.catalog.ListTradable()
	fetched := 0
	for _, m := range markets {
		for _, tokenID := range m.TokenIDs {
			if tokenID == "" {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			snap, err := p.fetcher.Book(ctx, tokenID)
			if err != nil {
				p.logger.DebugContext(ctx, "book fetch failed",
					slog.String("market_id", m.ID),
					slog.String("asset_id", tokenID),
					slog.String("error", err.Error()),
				)
				continue
			}
			p.router.HandleBook(ctx, snap)
			fetched++
		}
	}
	p.logger.DebugContext(ctx, "poll cycle complete",
		slog.Int("markets", len(markets)),
		slog.Int("books", fetched),
	)
}

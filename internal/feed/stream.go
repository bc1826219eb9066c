package feed

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mfeltner/polysim/internal/domain"
)

// StreamSource is the live WebSocket feed the stream drives. The
// polymarket MarketStream implements it.
type StreamSource interface {
	OnBook(func(domain.BookSnapshot))
	OnPriceChange(func(domain.PriceChange))
	Watch(assetIDs ...string) error
	Run(ctx context.Context) error
}

// Catalog lists the markets worth watching. The market service implements
// it.
type Catalog interface {
	ListTradable() []domain.Market
}

// Stream keeps the live feed subscribed to every tradable market and
// routes its updates. The watch set is refreshed periodically so markets
// discovered after startup start streaming without a restart.
type Stream struct {
	source  StreamSource
	catalog Catalog
	router  *Router
	refresh time.Duration
	logger  *slog.Logger

	watched map[string]struct{}
}

// NewStream creates a Stream. refresh <= 0 defaults to 30s.
func NewStream(source StreamSource, catalog Catalog, router *Router, refresh time.Duration, logger *slog.Logger) *Stream {
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &Stream{
		source:  source,
		catalog: catalog,
		router:  router,
		refresh: refresh,
		logger:  logger.With(slog.String("component", "feed_stream")),
		watched: make(map[string]struct{}),
	}
}

// Run wires the handlers, subscribes the current catalog, and drives the
// source until ctx ends.
func (s *Stream) Run(ctx context.Context) error {
	s.source.OnBook(func(snap domain.BookSnapshot) {
		s.router.HandleBook(ctx, snap)
	})
	s.source.OnPriceChange(func(change domain.PriceChange) {
		s.router.HandlePriceChange(ctx, change)
	})

	s.watchCatalog(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.source.Run(ctx) })
	g.Go(func() error {
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.watchCatalog(ctx)
			}
		}
	})
	return g.Wait()
}

// watchCatalog subscribes any tokens not yet watched.
func (s *Stream) watchCatalog(ctx context.Context) {
	var fresh []string
	for _, m := range s.catalog.ListTradable() {
		for _, tokenID := range m.TokenIDs {
			if tokenID == "" {
				continue
			}
			if _, ok := s.watched[tokenID]; ok {
				continue
			}
			s.watched[tokenID] = struct{}{}
			fresh = append(fresh, tokenID)
		}
	}
	if len(fresh) == 0 {
		return
	}

	if err := s.source.Watch(fresh...); err != nil {
		s.logger.WarnContext(ctx, "watch failed",
			slog.Int("tokens", len(fresh)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.InfoContext(ctx, "watching new tokens", slog.Int("tokens", len(fresh)))
}

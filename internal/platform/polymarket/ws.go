package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mfeltner/polysim/internal/domain"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long the read side tolerates silence. pingPeriod must
	// stay below it.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// MarketStream consumes the market-data WebSocket: full book snapshots and
// incremental level changes for watched outcome tokens. It owns the
// connection lifecycle; Run dials, reads, and reconnects with backoff until
// the context ends, resubscribing the watched set after every reconnect.
type MarketStream struct {
	url    string
	logger *slog.Logger

	onBook   func(domain.BookSnapshot)
	onChange func(domain.PriceChange)

	mu      sync.Mutex
	writeMu sync.Mutex
	assets  map[string]struct{}
	conn    *websocket.Conn
}

// NewMarketStream creates a stream client for the given WebSocket URL,
// e.g. "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewMarketStream(url string, logger *slog.Logger) *MarketStream {
	return &MarketStream{
		url:    url,
		logger: logger.With(slog.String("component", "market_stream")),
		assets: make(map[string]struct{}),
	}
}

// OnBook sets the full-snapshot handler. Set handlers before calling Run.
func (s *MarketStream) OnBook(fn func(domain.BookSnapshot)) { s.onBook = fn }

// OnPriceChange sets the incremental-update handler.
func (s *MarketStream) OnPriceChange(fn func(domain.PriceChange)) { s.onChange = fn }

// Watch adds outcome tokens to the subscription set. When connected, the
// new set is pushed to the feed immediately; otherwise it is sent on the
// next (re)connect.
func (s *MarketStream) Watch(assetIDs ...string) error {
	s.mu.Lock()
	for _, id := range assetIDs {
		s.assets[id] = struct{}{}
	}
	conn := s.conn
	all := s.assetList()
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := s.sendSubscribe(conn, all); err != nil {
		return fmt.Errorf("polymarket/ws: watch: %w", err)
	}
	return nil
}

// Run connects and consumes the stream until ctx is cancelled, redialing
// with exponential backoff on any failure.
func (s *MarketStream) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "stream dial failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			delay = min(delay*2, maxReconnectDelay)
			continue
		}
		delay = reconnectDelay

		err = s.consume(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.WarnContext(ctx, "stream disconnected, reconnecting",
			slog.String("error", err.Error()),
		)
	}
}

func (s *MarketStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	all := s.assetList()
	s.mu.Unlock()
	if len(all) > 0 {
		if err := s.sendSubscribe(conn, all); err != nil {
			conn.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}
	return conn, nil
}

// consume reads frames until the connection fails or ctx ends. It owns the
// per-connection ping loop and teardown.
func (s *MarketStream) consume(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	connDone := make(chan struct{})
	defer func() {
		close(connDone)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	// Unblock ReadMessage when the context ends.
	go func() {
		select {
		case <-ctx.Done():
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.writeMu.Unlock()
			conn.Close()
		case <-connDone:
		}
	}()
	go s.pingLoop(conn, connDone)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err)
		}
		s.dispatch(raw)
	}
}

func (s *MarketStream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch routes one frame. The feed batches events into JSON arrays;
// older frames carry a single object.
func (s *MarketStream) dispatch(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	if raw[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return
		}
		for _, item := range batch {
			s.handleEvent(item)
		}
		return
	}
	s.handleEvent(raw)
}

func (s *MarketStream) handleEvent(raw []byte) {
	var ev wsEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}

	switch ev.EventType {
	case "book":
		if s.onBook != nil {
			s.onBook(ev.toSnapshot())
		}
	case "price_change":
		if s.onChange == nil {
			return
		}
		for _, pc := range ev.toPriceChanges() {
			s.onChange(pc)
		}
	}
}

func (s *MarketStream) sendSubscribe(conn *websocket.Conn, assetIDs []string) error {
	payload, err := json.Marshal(wsSubscribe{Type: "market", AssetIDs: assetIDs})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// assetList copies the watched set. Callers hold s.mu.
func (s *MarketStream) assetList() []string {
	out := make([]string, 0, len(s.assets))
	for id := range s.assets {
		out = append(out, id)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

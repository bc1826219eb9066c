package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mfeltner/polysim/internal/domain"
)

// bookTTL bounds how long a mirrored book outlives its feed. Books go
// stale in seconds; anything older is worse than a miss.
const bookTTL = 2 * time.Minute

// BookCache mirrors the latest book snapshot per outcome token into one
// hash per asset:
//
//	book:{assetID}  ->  bids/asks (JSON level arrays), bid/ask (BBO), ts
//
// The in-process broker owns the authoritative books and applies the
// incremental patches; this cache only ever receives whole snapshots, so
// one HSET per update replaces the per-level sorted-set surgery a shared
// order book would need.
type BookCache struct {
	rdb *redis.Client
}

func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.Underlying()}
}

func bookKey(assetID string) string { return "book:" + assetID }

func (bc *BookCache) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	if snap.AssetID == "" {
		return fmt.Errorf("redis: set book: empty asset id")
	}
	bids, err := json.Marshal(snap.Bids)
	if err != nil {
		return fmt.Errorf("redis: marshal bids %s: %w", snap.AssetID, err)
	}
	asks, err := json.Marshal(snap.Asks)
	if err != nil {
		return fmt.Errorf("redis: marshal asks %s: %w", snap.AssetID, err)
	}

	m := snap.Metrics()
	fields := map[string]interface{}{
		"bids": bids,
		"asks": asks,
		"bid":  strconv.FormatFloat(m.BestBid, 'f', -1, 64),
		"ask":  strconv.FormatFloat(m.BestAsk, 'f', -1, 64),
		"ts":   strconv.FormatInt(snap.Timestamp.UnixNano(), 10),
	}

	key := bookKey(snap.AssetID)
	pipe := bc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, bookTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set book %s: %w", snap.AssetID, err)
	}
	return nil
}

func (bc *BookCache) GetSnapshot(ctx context.Context, assetID string) (domain.BookSnapshot, error) {
	vals, err := bc.rdb.HGetAll(ctx, bookKey(assetID)).Result()
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: get book %s: %w", assetID, err)
	}
	if len(vals) == 0 {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}

	snap := domain.BookSnapshot{AssetID: assetID}
	if raw, ok := vals["bids"]; ok {
		if err := json.Unmarshal([]byte(raw), &snap.Bids); err != nil {
			return domain.BookSnapshot{}, fmt.Errorf("redis: decode bids %s: %w", assetID, err)
		}
	}
	if raw, ok := vals["asks"]; ok {
		if err := json.Unmarshal([]byte(raw), &snap.Asks); err != nil {
			return domain.BookSnapshot{}, fmt.Errorf("redis: decode asks %s: %w", assetID, err)
		}
	}
	if raw, ok := vals["ts"]; ok {
		if nanos, err := strconv.ParseInt(raw, 10, 64); err == nil {
			snap.Timestamp = time.Unix(0, nanos)
		}
	}
	return snap, nil
}

// GetBBO reads the best bid and ask without decoding the level arrays.
func (bc *BookCache) GetBBO(ctx context.Context, assetID string) (bestBid, bestAsk float64, err error) {
	vals, err := bc.rdb.HMGet(ctx, bookKey(assetID), "bid", "ask").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, 0, domain.ErrNotFound
		}
		return 0, 0, fmt.Errorf("redis: get bbo %s: %w", assetID, err)
	}
	if len(vals) < 2 || vals[0] == nil || vals[1] == nil {
		return 0, 0, domain.ErrNotFound
	}
	if s, ok := vals[0].(string); ok {
		bestBid, _ = strconv.ParseFloat(s, 64)
	}
	if s, ok := vals[1].(string); ok {
		bestAsk, _ = strconv.ParseFloat(s, 64)
	}
	return bestBid, bestAsk, nil
}

var _ domain.BookCache = (*BookCache)(nil)

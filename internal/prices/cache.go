package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedSource wraps a primary Source with a Redis read-through cache
// bounded by a TTL. It is an explicit, injected dependency: the evaluator
// and the snapshot recorder share one instance so a polling round costs at
// most one upstream lookup per symbol.
type CachedSource struct {
	primary Source
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedSource creates a cached wrapper around a primary price source.
func NewCachedSource(primary Source, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{primary: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedSource) LastPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	// Try cache.
	if raw, err := s.rdb.Get(ctx, priceKey(sym)).Result(); err == nil {
		if price, perr := decimal.NewFromString(raw); perr == nil {
			return price, nil
		}
	}

	// Cache miss: read from primary.
	price, err := s.primary.LastPrice(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	s.rdb.Set(ctx, priceKey(sym), price.String(), s.ttl)
	return price, nil
}

func (s *CachedSource) DailyHistory(ctx context.Context, sym string) ([]Candle, error) {
	if data, err := s.rdb.Get(ctx, historyKey(sym)).Bytes(); err == nil {
		var candles []Candle
		if json.Unmarshal(data, &candles) == nil {
			return candles, nil
		}
	}

	candles, err := s.primary.DailyHistory(ctx, sym)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(candles); err == nil {
		// History moves once a day; cache it longer than last prices.
		s.rdb.Set(ctx, historyKey(sym), data, 10*s.ttl)
	}
	return candles, nil
}

func priceKey(sym string) string   { return fmt.Sprintf("price:%s", sym) }
func historyKey(sym string) string { return fmt.Sprintf("history:%s", sym) }

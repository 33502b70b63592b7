package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CACHE - Redis snapshot of feed liveness and last prices
// ═══════════════════════════════════════════════════════════════════════════════
//
// Strictly advisory. The durable fallback is the feed_heartbeats table, so
// every Redis failure is demoted to a warning and every reader treats a miss
// as "unknown", never as an error. TTLs make stale prices disappear rather
// than linger.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	keyLastTick    = "zen:last_tick_ts"
	keyConnected   = "zen:ws_connected"
	keyMarginUsed  = "zen:margin_used"
	keyMarginTotal = "zen:margin_total"
	ltpPrefix      = "zen:ltp:"

	snapshotTTL = 10 * time.Second
	marginTTL   = 60 * time.Second
)

type Cache struct {
	rdb     *redis.Client
	enabled bool
}

// New parses the Redis URL and connects lazily. An empty or malformed URL
// yields a disabled cache; the rest of the system runs DB-only.
func New(redisURL string) *Cache {
	if redisURL == "" {
		log.Warn().Msg("REDIS_URL not set, feed snapshots stay DB-only")
		return &Cache{}
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid REDIS_URL, feed snapshots stay DB-only")
		return &Cache{}
	}
	log.Info().Str("addr", opts.Addr).Msg("🗄️ Redis cache configured")
	return &Cache{rdb: redis.NewClient(opts), enabled: true}
}

func (c *Cache) Enabled() bool { return c.enabled }

func (c *Cache) Ping(ctx context.Context) error {
	if !c.enabled {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) Close() error {
	if !c.enabled {
		return nil
	}
	return c.rdb.Close()
}

// PublishTick writes the per-symbol LTP, the feed watermark and the
// connected flag in one pipeline round trip. A tick is proof of liveness,
// so the connected flag rides along.
func (c *Cache) PublishTick(ctx context.Context, tick types.Tick) {
	if !c.enabled {
		return
	}
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, ltpPrefix+tick.Symbol, tick.LTP.String(), snapshotTTL)
	pipe.Set(ctx, keyLastTick, tick.Ts.UTC().Format(time.RFC3339Nano), snapshotTTL)
	pipe.Set(ctx, keyConnected, "1", snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("Redis tick publish failed")
	}
}

// SetConnected maintains the websocket flag: "1" with a TTL while ticks
// flow, deleted on disconnect. Either way a silent process cannot leave a
// stale "1" behind.
func (c *Cache) SetConnected(ctx context.Context, connected bool) {
	if !c.enabled {
		return
	}
	var err error
	if connected {
		err = c.rdb.Set(ctx, keyConnected, "1", snapshotTTL).Err()
	} else {
		err = c.rdb.Del(ctx, keyConnected).Err()
	}
	if err != nil {
		log.Warn().Err(err).Msg("Redis connected flag write failed")
	}
}

// SetMargin mirrors the latest margin snapshot for dashboards. Best-effort
// like everything else here.
func (c *Cache) SetMargin(ctx context.Context, used, total decimal.Decimal) {
	if !c.enabled {
		return
	}
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, keyMarginUsed, used.String(), marginTTL)
	pipe.Set(ctx, keyMarginTotal, total.String(), marginTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("Redis margin mirror failed")
	}
}

// LastTick reads the feed watermark. ok is false on miss, expiry or error.
func (c *Cache) LastTick(ctx context.Context) (time.Time, bool) {
	if !c.enabled {
		return time.Time{}, false
	}
	raw, err := c.rdb.Get(ctx, keyLastTick).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Msg("Redis watermark read failed")
		}
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Connected reads the websocket flag. A miss means not connected.
func (c *Cache) Connected(ctx context.Context) bool {
	if !c.enabled {
		return false
	}
	raw, err := c.rdb.Get(ctx, keyConnected).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Msg("Redis connected flag read failed")
		}
		return false
	}
	return raw == "1"
}

// LTP reads the cached last price for a symbol.
func (c *Cache) LTP(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if !c.enabled {
		return decimal.Zero, false
	}
	raw, err := c.rdb.Get(ctx, ltpPrefix+symbol).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Redis LTP read failed")
		}
		return decimal.Zero, false
	}
	ltp, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false
	}
	return ltp, true
}

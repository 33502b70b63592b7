package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

func TestDisabledCacheIsInert(t *testing.T) {
	ctx := context.Background()

	for name, c := range map[string]*Cache{
		"no url":  New(""),
		"bad url": New("not-a-url"),
	} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, c.Enabled())
			assert.NoError(t, c.Ping(ctx))

			// Writers must be safe no-ops, readers must report unknown.
			c.PublishTick(ctx, types.Tick{
				Symbol: "NSE:NIFTY50-INDEX",
				LTP:    decimal.NewFromInt(24500),
				Ts:     time.Now(),
			})
			c.SetConnected(ctx, true)
			c.SetMargin(ctx, decimal.NewFromInt(1000), decimal.NewFromInt(5000))

			_, ok := c.LastTick(ctx)
			assert.False(t, ok)
			_, ok = c.LTP(ctx, "NSE:NIFTY50-INDEX")
			assert.False(t, ok)
			assert.False(t, c.Connected(ctx))

			assert.NoError(t, c.Close())
		})
	}
}

func TestEnabledWhenURLParses(t *testing.T) {
	c := New("redis://localhost:6379/0")
	assert.True(t, c.Enabled())
	assert.NoError(t, c.Close())
}

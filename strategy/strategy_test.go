package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

func tickAt(ts time.Time, ltp float64, vol int64) types.Tick {
	return types.Tick{
		Symbol: "NSE:NIFTY50-INDEX",
		LTP:    decimal.NewFromFloat(ltp),
		Ts:     ts,
		Volume: vol,
	}
}

func TestTickBufferRingOverwritesOldest(t *testing.T) {
	buf := NewTickBuffer(3)
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		buf.Append(tickAt(base.Add(time.Duration(i)*time.Second), 100+float64(i), 10))
	}

	require.Equal(t, 3, buf.Len())

	snap := buf.Snapshot()
	require.Len(t, snap, 3)
	assert.True(t, snap[0].LTP.Equal(decimal.NewFromInt(102)))
	assert.True(t, snap[1].LTP.Equal(decimal.NewFromInt(103)))
	assert.True(t, snap[2].LTP.Equal(decimal.NewFromInt(104)))

	last, ok := buf.Last()
	require.True(t, ok)
	assert.True(t, last.LTP.Equal(decimal.NewFromInt(104)))
}

func TestTickBufferEmpty(t *testing.T) {
	buf := NewTickBuffer(4)

	assert.Equal(t, 0, buf.Len())
	assert.Empty(t, buf.Snapshot())

	_, ok := buf.Last()
	assert.False(t, ok)
}

func TestTickBufferDefaultCapacity(t *testing.T) {
	buf := NewTickBuffer(0)
	base := time.Now()
	for i := 0; i < 600; i++ {
		buf.Append(tickAt(base.Add(time.Duration(i)*time.Second), float64(i), 0))
	}
	assert.Equal(t, 500, buf.Len())
}

func TestBuildCandlesGroupsByInterval(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	ticks := []types.Tick{
		tickAt(base, 100, 10),
		tickAt(base.Add(20*time.Second), 104, 5),
		tickAt(base.Add(40*time.Second), 99, 5),
		tickAt(base.Add(50*time.Second), 101, 10),
		tickAt(base.Add(70*time.Second), 102, 20), // next minute
	}

	candles := BuildCandles(ticks, time.Minute)
	require.Len(t, candles, 2)

	first := candles[0]
	assert.Equal(t, base, first.Start)
	assert.True(t, first.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, first.High.Equal(decimal.NewFromInt(104)))
	assert.True(t, first.Low.Equal(decimal.NewFromInt(99)))
	assert.True(t, first.Close.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, int64(30), first.Volume)

	second := candles[1]
	assert.Equal(t, base.Add(time.Minute), second.Start)
	assert.True(t, second.Open.Equal(decimal.NewFromInt(102)))
	assert.Equal(t, int64(20), second.Volume)
}

func TestBuildCandlesEdgeCases(t *testing.T) {
	assert.Nil(t, BuildCandles(nil, time.Minute))
	assert.Nil(t, BuildCandles([]types.Tick{tickAt(time.Now(), 100, 0)}, 0))
}

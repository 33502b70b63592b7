package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// chopThenDrop is 59 ticks of tight 99/101 chop followed by a dump to 95:
// Z-score deep below -2 while the efficiency ratio stays well under 0.30.
func chopThenDrop() []float64 {
	prices := make([]float64, 0, 60)
	for i := 0; i < 59; i++ {
		if i%2 == 0 {
			prices = append(prices, 99)
		} else {
			prices = append(prices, 101)
		}
	}
	return append(prices, 95)
}

// runSniper appends every price to a fresh buffer and replays them through
// the strategy, returning the final metrics.
func runSniper(t *testing.T, s *StatisticalSniper, prices []float64) (*types.StrategyMetrics, *TickBuffer) {
	t.Helper()
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	buf := NewTickBuffer(500)

	var last *types.StrategyMetrics
	for i, p := range prices {
		tick := tickAt(base.Add(time.Duration(i)*time.Second), p, 0)
		buf.Append(tick)
		var err error
		last, err = s.OnTick(context.Background(), tick, buf)
		require.NoError(t, err)
	}
	return last, buf
}

// step pushes one more tick through an already-warmed strategy.
func step(t *testing.T, s *StatisticalSniper, buf *TickBuffer, p float64) *types.StrategyMetrics {
	t.Helper()
	tick := tickAt(time.Now(), p, 0)
	buf.Append(tick)
	m, err := s.OnTick(context.Background(), tick, buf)
	require.NoError(t, err)
	return m
}

func TestSniperWarmsUp(t *testing.T) {
	s := NewStatisticalSniper()
	m, _ := runSniper(t, s, chopThenDrop()[:49])
	assert.Equal(t, "WARMING_UP", m.Signal)
}

func TestSniperBuysNegativeExtremeInChop(t *testing.T) {
	s := NewStatisticalSniper()
	m, _ := runSniper(t, s, chopThenDrop())

	require.Equal(t, "BUY", m.Signal)
	assert.Equal(t, "BULL", m.Direction)
	assert.True(t, m.AvgEntry.Equal(decimal.NewFromInt(95)))
	require.NotNil(t, m.Target)
	assert.Equal(t, "OPTION", m.Target.Type)
	assert.Equal(t, "CE", m.Target.Leg)
}

func TestSniperSellsPositiveExtremeInChop(t *testing.T) {
	prices := make([]float64, 0, 60)
	for i := 0; i < 59; i++ {
		if i%2 == 0 {
			prices = append(prices, 101)
		} else {
			prices = append(prices, 99)
		}
	}
	prices = append(prices, 105)

	s := NewStatisticalSniper()
	m, _ := runSniper(t, s, prices)

	require.Equal(t, "SELL", m.Signal)
	assert.Equal(t, "BEAR", m.Direction)
	require.NotNil(t, m.Target)
	assert.Equal(t, "PE", m.Target.Leg)
}

func TestSniperSkipsTrendingMoves(t *testing.T) {
	// A clean ramp plus a jump: extreme Z but the efficiency ratio says
	// TREND, so the mean-reversion entry must stay out.
	prices := make([]float64, 0, 60)
	for i := 0; i < 59; i++ {
		prices = append(prices, 100+0.2*float64(i))
	}
	prices = append(prices, prices[58]+10)

	s := NewStatisticalSniper()
	m, _ := runSniper(t, s, prices)
	assert.Equal(t, "WAITING", m.Signal)
}

func TestSniperHoldsThenStopsOut(t *testing.T) {
	s := NewStatisticalSniper()
	m, buf := runSniper(t, s, chopThenDrop())
	require.Equal(t, "BUY", m.Signal)

	// Entry 95, ATR 30/14, stop at 95 - 2*ATR = 90.714.
	m = step(t, s, buf, 94)
	require.Equal(t, "HOLDING", m.Signal)
	assert.Equal(t, 50, m.OpenQty)
	assert.True(t, m.AvgEntry.Equal(decimal.NewFromInt(95)))
	assert.InDelta(t, -1.0, m.PnL.InexactFloat64(), 1e-9)

	m = step(t, s, buf, 90)
	require.Equal(t, "EXIT_SL", m.Signal)
	assert.InDelta(t, -5.0, m.PnL.InexactFloat64(), 1e-9)
	assert.Nil(t, s.pos)
}

func TestSniperScalesOutAtT1ThenTrails(t *testing.T) {
	s := NewStatisticalSniper()
	m, buf := runSniper(t, s, chopThenDrop())
	require.Equal(t, "BUY", m.Signal)

	// T1 = 95 + 1.5*risk = 101.43; crossing it scales to the runner and
	// drags the stop up behind price.
	m = step(t, s, buf, 102)
	require.Equal(t, "HOLDING", m.Signal)
	assert.Equal(t, 5, m.OpenQty)
	assert.Equal(t, 1, s.pos.stage)
	assert.Greater(t, s.pos.sl, 95.0)

	// The trailed stop (98.25) is now above entry.
	m = step(t, s, buf, 98.2)
	require.Equal(t, "EXIT_SL", m.Signal)
	assert.InDelta(t, 3.2, m.PnL.InexactFloat64(), 1e-9)
}

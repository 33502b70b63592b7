package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// feedAuction replays one slice of prices per 15m bucket and returns the
// metrics from the final tick.
func feedAuction(t *testing.T, s *FailedAuction, candlePrices [][]float64) *types.StrategyMetrics {
	t.Helper()
	start := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	var last *types.StrategyMetrics
	for i, prices := range candlePrices {
		bucket := start.Add(time.Duration(i) * faCandleWindow)
		for j, p := range prices {
			var err error
			last, err = s.OnTick(context.Background(), tickAt(bucket.Add(time.Duration(j)*time.Second), p, 10), nil)
			require.NoError(t, err)
		}
	}
	return last
}

// auctionBase builds 50 alternating 15m candles around 104 with one deep
// low early on to widen the session range.
func auctionBase() [][]float64 {
	series := make([][]float64, 0, 52)
	for i := 0; i < 50; i++ {
		switch {
		case i == 4:
			series = append(series, []float64{103.5, 96, 104.5})
		case i%2 == 0:
			series = append(series, []float64{103.5, 104.5})
		default:
			series = append(series, []float64{104.5, 103.5})
		}
	}
	return series
}

func TestFailedAuctionWarmsUp(t *testing.T) {
	s := NewFailedAuction()

	// 49 closed candles is one short of the required range window.
	series := auctionBase()[:49]
	series = append(series, []float64{104.0})

	m := feedAuction(t, s, series)
	assert.Equal(t, "WARMING_UP", m.Signal)
}

func TestFailedAuctionShortsSweepAndReject(t *testing.T) {
	s := NewFailedAuction()

	series := auctionBase()
	// Sweep the prior 20-bar high (104.5) and close back below it.
	series = append(series, []float64{103.5, 106, 104.4})
	// A tick in the next bucket closes the signal candle.
	series = append(series, []float64{104.0})

	m := feedAuction(t, s, series)
	require.Equal(t, "SELL", m.Signal)
	assert.Equal(t, "BEAR", m.Direction)
	assert.InDelta(t, 104.4, m.LTP.InexactFloat64(), 1e-9)
	assert.Nil(t, m.Target)
}

func TestFailedAuctionWaitsWithoutSweep(t *testing.T) {
	s := NewFailedAuction()

	series := auctionBase()
	// Close in the premium zone but never trade above resistance.
	series = append(series, []float64{103.5, 104.4})
	series = append(series, []float64{104.0})

	m := feedAuction(t, s, series)
	assert.Equal(t, "WAITING", m.Signal)
}

func TestFailedAuctionRSIFilterBlocks(t *testing.T) {
	s := NewFailedAuction()

	series := auctionBase()
	// A vertical candle pushes RSI out of the 40-60 band.
	series = append(series, []float64{103.5, 112})
	series = append(series, []float64{112.0})

	m := feedAuction(t, s, series)
	assert.Equal(t, "RSI_OUT", m.Signal)
}

package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FAILED AUCTION STRATEGY - Premium Zone Breakout Fade
// ═══════════════════════════════════════════════════════════════════════════════
//
// CORE LOGIC:
//   1. Build 15m candles from the raw tick stream
//   2. Only act when RSI sits in the 40-60 neutral band (no strong trend)
//   3. Price must be above session VWAP and in the upper half of the
//      recent range (premium zone)
//   4. When a bar sweeps the prior 20-bar high but CLOSES back below it,
//      the breakout failed: sellers absorbed the auction → SELL
//
// The executor owns the order path; this callback only reports signals.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	faMaxCandles   = 100
	faCandleWindow = 15 * time.Minute
)

// FailedAuction fades failed bullish breakouts into the premium zone.
type FailedAuction struct {
	mu          sync.Mutex
	rsiPeriod   int
	lookback    int
	rangePeriod int

	candles []Candle // closed 15m bars, oldest first
	current *Candle  // forming bar
}

func NewFailedAuction() *FailedAuction {
	return &FailedAuction{
		rsiPeriod:   14,
		lookback:    20,
		rangePeriod: 50,
	}
}

var _ Strategy = (*FailedAuction)(nil)

// OnTick folds the tick into the 15m candle series and evaluates the setup
// against the last CLOSED bar.
func (s *FailedAuction) OnTick(ctx context.Context, tick types.Tick, buf *TickBuffer) (*types.StrategyMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateCandles(tick)

	if len(s.candles) < s.rangePeriod {
		return &types.StrategyMetrics{Signal: "WARMING_UP", LTP: tick.LTP, Direction: "NEUTRAL"}, nil
	}

	curr := s.candles[len(s.candles)-1]
	closeP := curr.Close.InexactFloat64()
	closes := make([]float64, len(s.candles))
	for i, c := range s.candles {
		closes[i] = c.Close.InexactFloat64()
	}

	// ── 1. RSI filter (40-60 neutral band) ──
	rsi := RSI(closes, s.rsiPeriod)
	if rsi < 40 || rsi > 60 {
		return &types.StrategyMetrics{Signal: "RSI_OUT", LTP: tick.LTP, Direction: "NEUTRAL"}, nil
	}

	// ── 2. VWAP filter (bearish failure needs price above value) ──
	vwap := SessionVWAP(s.candles)
	if closeP <= vwap {
		return &types.StrategyMetrics{Signal: "BELOW_VWAP", LTP: tick.LTP, Direction: "NEUTRAL"}, nil
	}

	// ── 3. Premium zone (upper half of the recent range) ──
	recent := s.candles[len(s.candles)-s.rangePeriod:]
	rHigh, rLow := recent[0].High.InexactFloat64(), recent[0].Low.InexactFloat64()
	for _, c := range recent[1:] {
		if h := c.High.InexactFloat64(); h > rHigh {
			rHigh = h
		}
		if l := c.Low.InexactFloat64(); l < rLow {
			rLow = l
		}
	}
	if closeP <= (rHigh+rLow)/2 {
		return &types.StrategyMetrics{Signal: "NOT_PREMIUM", LTP: tick.LTP, Direction: "NEUTRAL"}, nil
	}

	// ── 4. Failed auction (sweep the prior high, close back below it) ──
	past := s.candles[len(s.candles)-1-s.lookback : len(s.candles)-1]
	resistance := past[0].High.InexactFloat64()
	for _, c := range past[1:] {
		if h := c.High.InexactFloat64(); h > resistance {
			resistance = h
		}
	}

	swept := curr.High.InexactFloat64() > resistance
	rejected := closeP < resistance

	if swept && rejected {
		stopLoss := curr.High.InexactFloat64()
		if resistance > stopLoss {
			stopLoss = resistance
		}
		riskAmt := stopLoss - closeP
		if riskAmt <= 0 {
			riskAmt = closeP * 0.001
		}
		target := closeP - riskAmt*2.0

		log.Info().
			Float64("close", closeP).
			Float64("stop_loss", stopLoss).
			Float64("target", target).
			Float64("rsi", rsi).
			Msg("📉 Failed auction SHORT signal")

		return &types.StrategyMetrics{
			Signal:    "SELL",
			LTP:       curr.Close,
			Direction: "BEAR",
		}, nil
	}

	return &types.StrategyMetrics{Signal: "WAITING", LTP: tick.LTP, Direction: "NEUTRAL"}, nil
}

// updateCandles folds one tick into the 15m series, closing the forming bar
// when the tick crosses a boundary.
func (s *FailedAuction) updateCandles(tick types.Tick) {
	bucket := tick.Ts.Truncate(faCandleWindow)

	if s.current == nil || !s.current.Start.Equal(bucket) {
		if s.current != nil {
			s.candles = append(s.candles, *s.current)
			if len(s.candles) > faMaxCandles {
				s.candles = s.candles[1:]
			}
		}
		s.current = &Candle{
			Start:  bucket,
			Open:   tick.LTP,
			High:   tick.LTP,
			Low:    tick.LTP,
			Close:  tick.LTP,
			Volume: tick.Volume,
		}
		return
	}

	if tick.LTP.GreaterThan(s.current.High) {
		s.current.High = tick.LTP
	}
	if tick.LTP.LessThan(s.current.Low) {
		s.current.Low = tick.LTP
	}
	s.current.Close = tick.LTP
	s.current.Volume += tick.Volume
}

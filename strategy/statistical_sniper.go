package strategy

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STATISTICAL SNIPER STRATEGY - Mean Reversion at Z-Score Extremes
// ═══════════════════════════════════════════════════════════════════════════════
//
// CORE LOGIC:
//   1. Compute rolling Z-score, Kaufman efficiency ratio and ATR over the
//      tick buffer
//   2. Only trade CHOP: efficiency ratio below 0.30 means price is ranging,
//      so extremes revert instead of running
//   3. Z-score beyond ±2.0 → fade it (BUY the dip, SELL the spike)
//   4. Manage the trade in stages: hard stop at 2×ATR, scale out 90% at
//      1.5R, then trail the runner at 1.5×ATR behind price
//
// Entries carry a target instrument (ATM option leg) so the executor buys
// a CE for longs and a PE for shorts instead of the cash index.
//
// ═══════════════════════════════════════════════════════════════════════════════

const sniperMinTicks = 50

// StatisticalSniper fades Z-score extremes in choppy regimes.
type StatisticalSniper struct {
	mu           sync.Mutex
	period       int
	kerThreshold float64
	zEntry       float64
	atrPeriod    int

	pos *sniperPosition
}

// sniperPosition is the in-flight trade state machine. Stage 0 runs the
// full size toward T1; stage 1 holds the runner behind a trailing stop.
type sniperPosition struct {
	side  string // BUY or SELL
	entry float64
	sl    float64
	t1    float64
	stage int
}

func NewStatisticalSniper() *StatisticalSniper {
	return &StatisticalSniper{
		period:       20,
		kerThreshold: 0.30,
		zEntry:       2.0,
		atrPeriod:    14,
	}
}

var _ Strategy = (*StatisticalSniper)(nil)

func (s *StatisticalSniper) OnTick(ctx context.Context, tick types.Tick, buf *TickBuffer) (*types.StrategyMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buf.Len() < sniperMinTicks {
		return &types.StrategyMetrics{Signal: "WARMING_UP", LTP: tick.LTP, Direction: "NEUTRAL"}, nil
	}

	ticks := buf.Snapshot()
	closes := make([]float64, len(ticks))
	for i, t := range ticks {
		closes[i] = t.LTP.InexactFloat64()
	}

	zScore := ZScore(closes, s.period)
	ker := EfficiencyRatio(closes, s.period)
	atr := ATR(closes, s.atrPeriod)
	ltp := tick.LTP.InexactFloat64()

	// ── 1. Manage the active position ──
	if s.pos != nil {
		return s.manage(ltp, tick.LTP, atr), nil
	}

	// ── 2. Check for a new entry ──
	isChoppy := ker < s.kerThreshold
	var signal string
	if isChoppy && zScore < -s.zEntry {
		signal = "BUY"
	} else if isChoppy && zScore > s.zEntry {
		signal = "SELL"
	}

	if signal == "" {
		return &types.StrategyMetrics{Signal: "WAITING", LTP: tick.LTP, Direction: "NEUTRAL"}, nil
	}

	riskDist := atr * 2.0
	if riskDist <= 0 {
		riskDist = ltp * 0.005
	}

	sl := ltp - riskDist
	t1 := ltp + riskDist*1.5
	leg := "CE"
	direction := "BULL"
	if signal == "SELL" {
		sl = ltp + riskDist
		t1 = ltp - riskDist*1.5
		leg = "PE"
		direction = "BEAR"
	}

	s.pos = &sniperPosition{side: signal, entry: ltp, sl: sl, t1: t1}

	log.Info().
		Str("signal", signal).
		Float64("ltp", ltp).
		Float64("z_score", zScore).
		Float64("ker", ker).
		Float64("sl", sl).
		Float64("t1", t1).
		Msg("🎯 Statistical sniper signal")

	return &types.StrategyMetrics{
		Signal:    signal,
		LTP:       tick.LTP,
		AvgEntry:  tick.LTP,
		Direction: direction,
		Target:    &types.InstrumentSpec{Type: "OPTION", Leg: leg},
	}, nil
}

// manage walks the position state machine for one tick: stop-out, T1
// scale-out, then trailing.
func (s *StatisticalSniper) manage(ltp float64, ltpDec decimal.Decimal, atr float64) *types.StrategyMetrics {
	pos := s.pos
	long := pos.side == "BUY"

	pnl := ltp - pos.entry
	direction := "BULL"
	if !long {
		pnl = pos.entry - ltp
		direction = "BEAR"
	}

	// Hard stop
	if (long && ltp <= pos.sl) || (!long && ltp >= pos.sl) {
		log.Info().
			Float64("ltp", ltp).
			Float64("entry", pos.entry).
			Float64("sl", pos.sl).
			Msg("🛑 Statistical sniper stop hit")
		s.pos = nil
		return &types.StrategyMetrics{
			Signal:    "EXIT_SL",
			LTP:       ltpDec,
			PnL:       decimal.NewFromFloat(pnl),
			Direction: direction,
		}
	}

	// T1: scale out 90%, stop to breakeven
	if pos.stage == 0 {
		if (long && ltp >= pos.t1) || (!long && ltp <= pos.t1) {
			log.Info().
				Float64("ltp", ltp).
				Float64("t1", pos.t1).
				Msg("🎯 Statistical sniper T1 hit, scaling out")
			pos.stage = 1
			pos.sl = pos.entry
		}
	}

	// Trail the runner
	if pos.stage == 1 {
		trail := atr * 1.5
		if long {
			if newSL := ltp - trail; newSL > pos.sl {
				pos.sl = newSL
			}
		} else {
			if newSL := ltp + trail; newSL < pos.sl {
				pos.sl = newSL
			}
		}
	}

	openQty := 50
	if pos.stage == 1 {
		openQty = 5
	}

	return &types.StrategyMetrics{
		Signal:    "HOLDING",
		LTP:       ltpDec,
		PnL:       decimal.NewFromFloat(pnl),
		OpenQty:   openQty,
		AvgEntry:  decimal.NewFromFloat(pos.entry),
		Direction: direction,
	}
}

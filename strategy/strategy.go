package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY CONTRACT
// ═══════════════════════════════════════════════════════════════════════════════
//
// A strategy is a pure signal generator: it sees each tick of its symbol
// plus the bounded tick history and returns the full metrics keyset. Order
// placement, risk checks and persistence belong to the executor; a strategy
// that errors is isolated there, never here.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Strategy evaluates one tick against accumulated state and returns metrics.
// The returned Signal drives the executor's order path on change.
type Strategy interface {
	OnTick(ctx context.Context, tick types.Tick, buf *TickBuffer) (*types.StrategyMetrics, error)
}

// ─────────────────────────────────────────────────────────────
// Tick ring buffer
// ─────────────────────────────────────────────────────────────

// TickBuffer is a bounded ring of the most recent ticks for one symbol.
// The executor appends; strategies read concurrently.
type TickBuffer struct {
	mu   sync.RWMutex
	buf  []types.Tick
	next int
	size int
}

func NewTickBuffer(capacity int) *TickBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &TickBuffer{buf: make([]types.Tick, capacity)}
}

func (b *TickBuffer) Append(t types.Tick) {
	b.mu.Lock()
	b.buf[b.next] = t
	b.next = (b.next + 1) % len(b.buf)
	if b.size < len(b.buf) {
		b.size++
	}
	b.mu.Unlock()
}

func (b *TickBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Last returns the most recent tick, if any.
func (b *TickBuffer) Last() (types.Tick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return types.Tick{}, false
	}
	idx := (b.next - 1 + len(b.buf)) % len(b.buf)
	return b.buf[idx], true
}

// Snapshot copies the buffered ticks oldest-first.
func (b *TickBuffer) Snapshot() []types.Tick {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Tick, 0, b.size)
	start := b.next - b.size
	for i := 0; i < b.size; i++ {
		out = append(out, b.buf[((start+i)%len(b.buf)+len(b.buf))%len(b.buf)])
	}
	return out
}

// ─────────────────────────────────────────────────────────────
// Candle aggregation
// ─────────────────────────────────────────────────────────────

// Candle is an OHLC bar built from ticks.
type Candle struct {
	Start  time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// BuildCandles groups ticks into fixed-interval OHLC bars, oldest first.
// Ticks must already be time-ordered, which the ring buffer guarantees.
func BuildCandles(ticks []types.Tick, interval time.Duration) []Candle {
	if interval <= 0 || len(ticks) == 0 {
		return nil
	}

	var out []Candle
	var cur *Candle
	for _, t := range ticks {
		bucket := t.Ts.Truncate(interval)
		if cur == nil || !cur.Start.Equal(bucket) {
			out = append(out, Candle{
				Start: bucket,
				Open:  t.LTP,
				High:  t.LTP,
				Low:   t.LTP,
				Close: t.LTP,
			})
			cur = &out[len(out)-1]
		}
		if t.LTP.GreaterThan(cur.High) {
			cur.High = t.LTP
		}
		if t.LTP.LessThan(cur.Low) {
			cur.Low = t.LTP
		}
		cur.Close = t.LTP
		cur.Volume += t.Volume
	}
	return out
}

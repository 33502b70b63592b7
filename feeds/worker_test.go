package feeds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/broker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/cache"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

const testSymbol = "NSE:NIFTY50-INDEX"

type stubStream struct {
	h   broker.StreamHandlers
	err error
}

func (s *stubStream) Connect(ctx context.Context) error {
	if s.err != nil {
		return s.err
	}
	if s.h.OnOpen != nil {
		s.h.OnOpen()
	}
	return nil
}

func (s *stubStream) Close() error { return nil }

// drop simulates the read loop dying.
func (s *stubStream) drop(err error) {
	if s.h.OnClose != nil {
		s.h.OnClose(err)
	}
}

func (s *stubStream) tick(t types.Tick) {
	if s.h.OnTick != nil {
		s.h.OnTick(t)
	}
}

// streamBroker hands out one stubStream per Stream call; connectErrs script
// failures by attempt number.
type streamBroker struct {
	mu          sync.Mutex
	streams     []*stubStream
	connectErrs []error
}

func (b *streamBroker) Funds(ctx context.Context) (*broker.Funds, error) {
	return &broker.Funds{Available: decimal.NewFromInt(500000)}, nil
}

func (b *streamBroker) Quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}

func (b *streamBroker) Positions(ctx context.Context) ([]broker.Position, error) { return nil, nil }
func (b *streamBroker) Orders(ctx context.Context) ([]broker.Order, error)       { return nil, nil }

func (b *streamBroker) SubmitOrder(ctx context.Context, req *broker.OrderRequest) (*broker.SubmitResult, error) {
	return &broker.SubmitResult{OK: true, BrokerOrderID: "BRK-1"}, nil
}

func (b *streamBroker) Stream(symbols []string, h broker.StreamHandlers) broker.Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &stubStream{h: h}
	if len(b.streams) < len(b.connectErrs) {
		s.err = b.connectErrs[len(b.streams)]
	}
	b.streams = append(b.streams, s)
	return s
}

func (b *streamBroker) attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

func (b *streamBroker) current() *stubStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

type feedFixture struct {
	store  *storage.Memory
	broker *streamBroker
	worker *Worker
}

func newFeedFixture(t *testing.T, cfg Config) *feedFixture {
	t.Helper()
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{testSymbol}
	}
	if len(cfg.ReconnectDelays) == 0 {
		cfg.ReconnectDelays = []time.Duration{5 * time.Millisecond}
	}
	store := storage.NewMemory()
	brk := &streamBroker{}
	w := New(brk, store, cache.New(""), cfg)
	t.Cleanup(w.Stop)
	return &feedFixture{store: store, broker: brk, worker: w}
}

func (f *feedFixture) startConnected(t *testing.T) *stubStream {
	t.Helper()
	f.worker.Start()
	require.Eventually(t, func() bool { return f.broker.attempts() >= 1 }, 2*time.Second, time.Millisecond)
	return f.broker.current()
}

func (f *feedFixture) heartbeat(t *testing.T) *types.FeedHeartbeat {
	t.Helper()
	hb, err := f.store.GetFeedHeartbeat(context.Background(), "fyers_ws")
	require.NoError(t, err)
	return hb
}

func tick(ltp float64) types.Tick {
	return types.Tick{Symbol: testSymbol, LTP: decimal.NewFromFloat(ltp), Ts: time.Now().UTC()}
}

func TestFeedFansOutTicksInOrder(t *testing.T) {
	f := newFeedFixture(t, Config{})

	var mu sync.Mutex
	var got []string
	f.worker.RegisterHandler(func(tk types.Tick) {
		mu.Lock()
		got = append(got, "a:"+tk.LTP.String())
		mu.Unlock()
	})
	f.worker.RegisterHandler(func(tk types.Tick) {
		mu.Lock()
		got = append(got, "b:"+tk.LTP.String())
		mu.Unlock()
	})

	s := f.startConnected(t)
	s.tick(tick(101))
	s.tick(tick(102))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a:101", "b:101", "a:102", "b:102"}, got)
}

func TestFeedStatusGradesFromWatermark(t *testing.T) {
	f := newFeedFixture(t, Config{})

	st := f.worker.Status()
	assert.Equal(t, "dead", st.Status)
	assert.Nil(t, st.AgeSeconds)
	assert.False(t, st.Connected)

	s := f.startConnected(t)
	s.tick(tick(100))

	st = f.worker.Status()
	assert.Equal(t, "live", st.Status)
	assert.True(t, st.Connected)
	require.NotNil(t, st.AgeSeconds)
	assert.Less(t, *st.AgeSeconds, StaleThreshold.Seconds())
	assert.Zero(t, st.ReconnectCount)
	assert.Equal(t, "in_process", st.Source)
}

func TestFeedPanickingHandlerIsContained(t *testing.T) {
	f := newFeedFixture(t, Config{})

	var mu sync.Mutex
	received := 0
	f.worker.RegisterHandler(func(types.Tick) { panic("handler bug") })
	f.worker.RegisterHandler(func(types.Tick) {
		mu.Lock()
		received++
		mu.Unlock()
	})

	s := f.startConnected(t)
	s.tick(tick(100))
	s.tick(tick(101))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, received)
}

func TestFeedHeartbeatWritesAreThrottled(t *testing.T) {
	f := newFeedFixture(t, Config{})
	s := f.startConnected(t)

	s.tick(tick(100))
	require.Eventually(t, func() bool {
		hb, err := f.store.GetFeedHeartbeat(context.Background(), "fyers_ws")
		return err == nil && hb.LastTickAt != nil
	}, 2*time.Second, time.Millisecond)

	first := f.heartbeat(t)
	require.NotNil(t, first.LastTickAt)
	assert.True(t, first.IsConnected)
	assert.Equal(t, 1, first.SymbolCount)

	// Inside the 5s window further ticks must not touch the row.
	s.tick(tick(101))
	s.tick(tick(102))
	time.Sleep(30 * time.Millisecond)

	again := f.heartbeat(t)
	assert.True(t, again.LastTickAt.Equal(*first.LastTickAt))
}

func TestFeedReconnectsAfterDrop(t *testing.T) {
	f := newFeedFixture(t, Config{})
	s := f.startConnected(t)

	s.drop(errors.New("read: connection reset"))

	require.Eventually(t, func() bool { return f.broker.attempts() >= 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return f.worker.Status().Connected }, 2*time.Second, time.Millisecond)
	assert.Equal(t, 1, f.worker.Status().ReconnectCount)
}

func TestFeedBacksOffThroughConnectFailures(t *testing.T) {
	f := newFeedFixture(t, Config{})
	f.broker.connectErrs = []error{errors.New("dial tcp: refused"), errors.New("dial tcp: refused")}

	f.worker.Start()

	require.Eventually(t, func() bool { return f.worker.Status().Connected }, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, f.broker.attempts(), 3)
	assert.Equal(t, 2, f.worker.Status().ReconnectCount)

	require.Eventually(t, func() bool {
		hb, err := f.store.GetFeedHeartbeat(context.Background(), "fyers_ws")
		return err == nil && hb.IsConnected
	}, 2*time.Second, time.Millisecond)
}

func TestFeedStopMarksDisconnected(t *testing.T) {
	f := newFeedFixture(t, Config{})
	s := f.startConnected(t)
	s.tick(tick(100))

	f.worker.Stop()

	hb := f.heartbeat(t)
	assert.False(t, hb.IsConnected)

	// Second stop is a no-op.
	f.worker.Stop()
}

package feeds

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/broker"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/cache"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FEED WORKER - Market data lifecycle, heartbeats and fan-out
// ═══════════════════════════════════════════════════════════════════════════════
//
// CORE LOGIC:
// 1. Owns the data socket: one connection at a time, exponential backoff
//    reconnects (1..30s), a fresh socket per attempt.
// 2. Every tick stamps the in-memory watermark, publishes the Redis
//    snapshot and fans out to registered handlers in order. A panicking
//    handler is contained; the others still get the tick.
// 3. The durable feed_heartbeats row is touched at most every 5s through a
//    buffered channel and a writer goroutine, so the tick path never waits
//    on the database.
// 4. Status() grades the feed live (<1s), stale (<3s) or dead from the
//    watermark age.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// StaleThreshold and DeadThreshold grade the watermark age.
	StaleThreshold = 1 * time.Second
	DeadThreshold  = 3 * time.Second

	defaultHeartbeatEvery = 5 * time.Second
	defaultName           = "fyers_ws"

	connectTimeout = 10 * time.Second
	writeTimeout   = 3 * time.Second
)

// defaultReconnectDelays is the backoff ladder; the last rung repeats.
var defaultReconnectDelays = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second,
	8 * time.Second, 16 * time.Second, 30 * time.Second,
}

// Handler receives every tick. Handlers run on the socket's read goroutine
// in registration order; keep them fast.
type Handler func(types.Tick)

// Status is the feed health snapshot served by the observability surface.
type Status struct {
	AgeSeconds     *float64 `json:"age_seconds"`
	Connected      bool     `json:"ws_connected"`
	Status         string   `json:"status"`
	Source         string   `json:"source"`
	ReconnectCount int      `json:"reconnect_count"`
}

type Config struct {
	Symbols         []string
	Name            string
	HeartbeatEvery  time.Duration
	ReconnectDelays []time.Duration
}

type Worker struct {
	broker broker.Broker
	store  storage.Store
	cache  *cache.Cache

	symbols        []string
	name           string
	heartbeatEvery time.Duration
	delays         []time.Duration

	mu         sync.RWMutex
	handlers   []Handler
	connected  bool
	lastTick   time.Time
	lastBeat   time.Time
	reconnects int
	started    bool

	beats  chan time.Time
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(brk broker.Broker, store storage.Store, c *cache.Cache, cfg Config) *Worker {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = defaultHeartbeatEvery
	}
	if len(cfg.ReconnectDelays) == 0 {
		cfg.ReconnectDelays = defaultReconnectDelays
	}
	return &Worker{
		broker:         brk,
		store:          store,
		cache:          c,
		symbols:        cfg.Symbols,
		name:           cfg.Name,
		heartbeatEvery: cfg.HeartbeatEvery,
		delays:         cfg.ReconnectDelays,
		beats:          make(chan time.Time, 8),
		stopCh:         make(chan struct{}),
	}
}

// RegisterHandler adds a tick consumer. Register before Start.
func (w *Worker) RegisterHandler(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Name is the heartbeat row this worker writes to.
func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(2)
	go w.connectionLoop()
	go w.heartbeatLoop()
	log.Info().Int("symbols", len(w.symbols)).Msg("📡 Feed worker started")
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.markDisconnected()
	log.Info().Msg("🛑 Feed worker stopped")
}

// Status grades feed health from the tick watermark. No tick yet reads as
// dead with a null age.
func (w *Worker) Status() Status {
	w.mu.RLock()
	last, connected, rc := w.lastTick, w.connected, w.reconnects
	w.mu.RUnlock()

	s := Status{
		Connected:      connected,
		Status:         "dead",
		Source:         "in_process",
		ReconnectCount: rc,
	}
	if last.IsZero() {
		return s
	}
	age := time.Since(last).Seconds()
	rounded := math.Round(age*100) / 100
	s.AgeSeconds = &rounded
	switch {
	case age < StaleThreshold.Seconds():
		s.Status = "live"
	case age < DeadThreshold.Seconds():
		s.Status = "stale"
	}
	return s
}

// ─────────────────────────────────────────────────────────────
// Connection lifecycle
// ─────────────────────────────────────────────────────────────

func (w *Worker) connectionLoop() {
	defer w.wg.Done()
	delayIdx := 0

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		closed := make(chan error, 1)
		stream := w.broker.Stream(w.symbols, broker.StreamHandlers{
			OnTick: w.onTick,
			OnOpen: w.markConnected,
			OnClose: func(err error) {
				select {
				case closed <- err:
				default:
				}
			},
			OnError: func(err error) {
				log.Warn().Err(err).Msg("Feed stream error")
			},
		})

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err := stream.Connect(ctx)
		cancel()
		if err == nil {
			delayIdx = 0
			select {
			case <-w.stopCh:
				stream.Close()
				return
			case err = <-closed:
			}
		}
		stream.Close()

		w.mu.Lock()
		w.reconnects++
		n := w.reconnects
		w.mu.Unlock()
		w.markDisconnected()
		log.Error().Err(err).Int("failures", n).Msg("🔌 Feed connection lost")

		delay := w.delays[delayIdx]
		if delayIdx < len(w.delays)-1 {
			delayIdx++
		}
		log.Info().Dur("delay", delay).Msg("Feed reconnecting")
		select {
		case <-w.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

func (w *Worker) markConnected() {
	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	w.cache.SetConnected(ctx, true)
	if err := w.store.SetFeedConnected(ctx, w.name, true); err != nil {
		log.Warn().Err(err).Msg("Feed connect flag write failed")
	}
	log.Info().Int("symbols", len(w.symbols)).Msg("📡 Feed connected")
}

func (w *Worker) markDisconnected() {
	w.mu.Lock()
	w.connected = false
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	w.cache.SetConnected(ctx, false)
	if err := w.store.SetFeedConnected(ctx, w.name, false); err != nil {
		log.Warn().Err(err).Msg("Feed disconnect flag write failed")
	}
}

// ─────────────────────────────────────────────────────────────
// Tick path
// ─────────────────────────────────────────────────────────────

// onTick is the hot path: watermark, Redis snapshot, throttled durable
// heartbeat, then handler fan-out. Runs on the socket's read goroutine.
func (w *Worker) onTick(t types.Tick) {
	now := time.Now().UTC()

	w.mu.Lock()
	w.lastTick = now
	w.connected = true
	beat := now.Sub(w.lastBeat) >= w.heartbeatEvery
	if beat {
		w.lastBeat = now
	}
	handlers := w.handlers
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	w.cache.PublishTick(ctx, t)
	cancel()

	if beat {
		select {
		case w.beats <- now:
		default:
			// Writer is behind; the next qualifying tick tries again.
		}
	}

	for _, h := range handlers {
		w.dispatch(h, t)
	}
}

func (w *Worker) dispatch(h Handler, t types.Tick) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("symbol", t.Symbol).Msg("💥 Tick handler panicked")
		}
	}()
	h(t)
}

// heartbeatLoop drains the beat channel into the durable row so tick
// processing never waits on the database.
func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case at := <-w.beats:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := w.store.TouchFeedHeartbeat(ctx, w.name, at, true, len(w.symbols)); err != nil {
				log.Error().Err(err).Msg("Feed heartbeat write failed")
			}
			cancel()
		}
	}
}

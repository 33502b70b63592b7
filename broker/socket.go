package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATA SOCKET - Fyers market data WebSocket
// ═══════════════════════════════════════════════════════════════════════════════
//
// One socket, one connection. The socket does not reconnect itself; when the
// read loop dies it fires OnClose once and goes quiet. The feed worker owns
// the backoff and builds a fresh socket for every attempt.
//
// ═══════════════════════════════════════════════════════════════════════════════

const socketPingInterval = 30 * time.Second

type dataSocket struct {
	wsURL   string
	auth    string
	symbols []string
	h       StreamHandlers

	mu     sync.Mutex
	conn   *websocket.Conn
	stopCh chan struct{}
	once   sync.Once
}

var _ Stream = (*dataSocket)(nil)

func newDataSocket(wsURL, auth string, symbols []string, h StreamHandlers) *dataSocket {
	return &dataSocket{
		wsURL:   wsURL,
		auth:    auth,
		symbols: symbols,
		h:       h,
		stopCh:  make(chan struct{}),
	}
}

// Connect dials, subscribes, and starts the read and ping loops.
func (s *dataSocket) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", s.auth)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return err
	}

	sub := map[string]any{
		"type":    "subscribe",
		"symbols": s.symbols,
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	log.Info().Int("symbols", len(s.symbols)).Msg("🔌 Data socket connected")

	go s.readLoop(conn)
	go s.pingLoop(conn)

	if s.h.OnOpen != nil {
		s.h.OnOpen()
	}
	return nil
}

// Close tears the connection down. Safe to call more than once; OnClose is
// not fired for a deliberate close.
func (s *dataSocket) Close() error {
	s.once.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *dataSocket) closed() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// tickFrame is one market data message off the wire.
type tickFrame struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	LTP    float64 `json:"ltp"`
	Volume int64   `json:"vol"`
	OI     int64   `json:"oi"`
	Ts     int64   `json:"ts"` // epoch millis
}

func (s *dataSocket) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed() {
				return
			}
			log.Warn().Err(err).Msg("Data socket read error")
			if s.h.OnClose != nil {
				s.h.OnClose(err)
			}
			return
		}
		s.processMessage(message)
	}
}

func (s *dataSocket) processMessage(data []byte) {
	var frame tickFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		if s.h.OnError != nil {
			s.h.OnError(err)
		}
		return
	}
	if frame.Symbol == "" || frame.LTP <= 0 {
		// Acks, pongs and heartbeat frames land here.
		return
	}

	ts := time.Now().UTC()
	if frame.Ts > 0 {
		ts = time.UnixMilli(frame.Ts).UTC()
	}

	if s.h.OnTick != nil {
		s.h.OnTick(types.Tick{
			Symbol: frame.Symbol,
			LTP:    decimal.NewFromFloat(frame.LTP),
			Ts:     ts,
			Volume: frame.Volume,
			OI:     frame.OI,
		})
	}
}

func (s *dataSocket) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(socketPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Persisted per-service failure isolation
// ═══════════════════════════════════════════════════════════════════════════════
//
// State lives in the database, not in memory. A crash-restart resumes with
// the breaker still OPEN, so a flapping broker cannot be hammered back into
// by a fresh process. Transitions:
//
//   CLOSED ──(failures ≥ threshold)──▶ OPEN
//   OPEN ──(recovery timeout elapsed)──▶ HALF_OPEN
//   HALF_OPEN ──(successes ≥ threshold)──▶ CLOSED
//   HALF_OPEN ──(any failure)──▶ OPEN
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrOpen is returned by Do when the breaker refuses the call.
var ErrOpen = errors.New("circuit open")

// IsOpen reports whether err is a breaker refusal.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // OPEN dwell time before probing
	SuccessThreshold int           // probe successes before closing
}

// StateStore is the slice of the durable store a breaker needs.
type StateStore interface {
	GetOrCreateCircuit(ctx context.Context, service string) (*types.CircuitState, error)
	SaveCircuit(ctx context.Context, s *types.CircuitState) error
	ListCircuits(ctx context.Context) ([]*types.CircuitState, error)
}

// Breaker guards calls to one downstream service.
type Breaker struct {
	mu      sync.Mutex
	store   StateStore
	service string
	cfg     Config
	now     func() time.Time
}

func New(store StateStore, service string, cfg Config) *Breaker {
	return &Breaker{
		store:   store,
		service: service,
		cfg:     cfg,
		now:     time.Now,
	}
}

func (b *Breaker) Service() string { return b.service }

// State returns the current persisted row.
func (b *Breaker) State(ctx context.Context) (*types.CircuitState, error) {
	return b.store.GetOrCreateCircuit(ctx, b.service)
}

// Allow runs one state machine step and reports whether a call may proceed.
// An OPEN breaker whose recovery timeout has elapsed moves to HALF_OPEN and
// lets the probe through.
func (b *Breaker) Allow(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.store.GetOrCreateCircuit(ctx, b.service)
	if err != nil {
		return false, fmt.Errorf("load circuit %s: %w", b.service, err)
	}

	switch s.State {
	case types.BreakerClosed:
		return true, nil

	case types.BreakerOpen:
		if s.NextAttemptAt != nil && !b.now().Before(*s.NextAttemptAt) {
			s.State = types.BreakerHalfOpen
			s.SuccessCount = 0
			if err := b.store.SaveCircuit(ctx, s); err != nil {
				return false, fmt.Errorf("save circuit %s: %w", b.service, err)
			}
			log.Info().Str("service", b.service).Msg("🟡 Circuit HALF_OPEN, probing")
			return true, nil
		}
		return false, nil

	case types.BreakerHalfOpen:
		return true, nil
	}
	return false, fmt.Errorf("circuit %s: unknown state %q", b.service, s.State)
}

// RecordSuccess advances the machine after a successful call.
func (b *Breaker) RecordSuccess(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.store.GetOrCreateCircuit(ctx, b.service)
	if err != nil {
		return fmt.Errorf("load circuit %s: %w", b.service, err)
	}

	switch s.State {
	case types.BreakerClosed:
		if s.FailureCount == 0 {
			return nil
		}
		s.FailureCount = 0

	case types.BreakerHalfOpen:
		s.SuccessCount++
		if s.SuccessCount >= b.cfg.SuccessThreshold {
			s.State = types.BreakerClosed
			s.FailureCount = 0
			s.SuccessCount = 0
			s.OpenedAt = nil
			s.NextAttemptAt = nil
			log.Info().Str("service", b.service).Msg("🟢 Circuit CLOSED, service recovered")
		}

	default:
		// Success while OPEN means a call raced the opening; ignore it.
		return nil
	}
	return b.store.SaveCircuit(ctx, s)
}

// RecordFailure advances the machine after a failed call.
func (b *Breaker) RecordFailure(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.store.GetOrCreateCircuit(ctx, b.service)
	if err != nil {
		return fmt.Errorf("load circuit %s: %w", b.service, err)
	}

	now := b.now()
	s.LastFailureAt = &now

	switch s.State {
	case types.BreakerClosed:
		s.FailureCount++
		if s.FailureCount >= b.cfg.FailureThreshold {
			b.open(s, now)
		}

	case types.BreakerHalfOpen:
		// One failed probe is enough.
		b.open(s, now)

	case types.BreakerOpen:
		s.FailureCount++
	}
	return b.store.SaveCircuit(ctx, s)
}

func (b *Breaker) open(s *types.CircuitState, now time.Time) {
	s.State = types.BreakerOpen
	s.SuccessCount = 0
	s.OpenedAt = &now
	next := now.Add(b.cfg.RecoveryTimeout)
	s.NextAttemptAt = &next
	log.Error().
		Str("service", b.service).
		Int("failures", s.FailureCount).
		Time("next_attempt", next).
		Msg("🔴 Circuit OPEN")
}

// Do guards fn with the breaker. Refusals come back as ErrOpen; fn errors
// pass through after being counted.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	allowed, err := b.Allow(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		return fmt.Errorf("%s: %w", b.service, ErrOpen)
	}

	if err := fn(); err != nil {
		if rerr := b.RecordFailure(ctx); rerr != nil {
			log.Warn().Err(rerr).Str("service", b.service).Msg("Failed to record circuit failure")
		}
		return err
	}
	if rerr := b.RecordSuccess(ctx); rerr != nil {
		log.Warn().Err(rerr).Str("service", b.service).Msg("Failed to record circuit success")
	}
	return nil
}

// ─────────────────────────────────────────────────────────────
// Standard set
// ─────────────────────────────────────────────────────────────

// Set bundles the four breakers guarding the broker surface. Order
// placement trips fastest; the websocket gets the longest cooldown since
// reconnects are already backed off by the feed worker.
type Set struct {
	Orders *Breaker
	Quotes *Breaker
	Funds  *Breaker
	WS     *Breaker
}

func NewSet(store StateStore) *Set {
	return &Set{
		Orders: New(store, types.ServiceBrokerOrders, Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2}),
		Quotes: New(store, types.ServiceBrokerQuotes, Config{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 3}),
		Funds:  New(store, types.ServiceBrokerFunds, Config{FailureThreshold: 5, RecoveryTimeout: 60 * time.Second, SuccessThreshold: 2}),
		WS:     New(store, types.ServiceBrokerWS, Config{FailureThreshold: 3, RecoveryTimeout: 120 * time.Second, SuccessThreshold: 1}),
	}
}

// States lists every persisted breaker row.
func (s *Set) States(ctx context.Context) ([]*types.CircuitState, error) {
	return s.Orders.store.ListCircuits(ctx)
}

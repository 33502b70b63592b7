package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY CONTROL - intent/acknowledge pattern
// ═══════════════════════════════════════════════════════════════════════════════
//
// Writers never flip a strategy's status directly. They queue an intent;
// the executor consumes it between ticks, applies the transition and clears
// the slot. One intent slot per strategy: a second command while one is
// unacknowledged is rejected, and the conditional write catches the race
// two writers can still lose.
//
// An ack timeout is not an error. The intent stays queued and the executor
// will still consume it; callers get status "pending" and can poll.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	AckTimeout  = 10 * time.Second
	AckInterval = 200 * time.Millisecond
)

// ExpectedStatus is the status the executor settles on after acking the
// intent.
func ExpectedStatus(i types.ControlIntent) types.StrategyStatus {
	switch i {
	case types.IntentPause:
		return types.StrategyPaused
	case types.IntentStop:
		return types.StrategyStopped
	case types.IntentResume, types.IntentStart:
		return types.StrategyRunning
	}
	return ""
}

// invalidTransition rejects commands that are no-ops for the current status.
func invalidTransition(current types.StrategyStatus, intent types.ControlIntent) bool {
	switch {
	case current == types.StrategyPaused && intent == types.IntentPause:
		return true
	case current == types.StrategyStopped && intent == types.IntentStop:
		return true
	case current == types.StrategyStopped && intent == types.IntentPause:
		return true
	case current == types.StrategyRunning && intent == types.IntentResume:
		return true
	case current == types.StrategyRunning && intent == types.IntentStart:
		return true
	}
	return false
}

// Request is one operator command.
type Request struct {
	Strategy   string
	Intent     types.ControlIntent
	Actor      string
	IP         string
	Confirmed  bool // stop is destructive and must be confirmed
	WaitForAck bool
}

// Result reports what happened to the command. Status is "confirmed" when
// the executor acked in time, "pending" when the intent is queued but not
// yet consumed, "rejected" when it never got queued.
type Result struct {
	OK            bool                 `json:"ok"`
	Strategy      string               `json:"strategy"`
	Action        types.ControlIntent  `json:"action"`
	Status        string               `json:"status"`
	CurrentStatus types.StrategyStatus `json:"current_status,omitempty"`
	AckLatencyMs  *int64               `json:"ack_latency_ms,omitempty"`
	Code          string               `json:"code,omitempty"`
	Message       string               `json:"message"`
}

func rejected(req *Request, current types.StrategyStatus, code, format string, args ...any) *Result {
	return &Result{
		Strategy:      req.Strategy,
		Action:        req.Intent,
		Status:        "rejected",
		CurrentStatus: current,
		Code:          code,
		Message:       fmt.Sprintf(format, args...),
	}
}

type Service struct {
	store        storage.Store
	ackTimeout   time.Duration
	pollInterval time.Duration
}

func NewService(store storage.Store) *Service {
	return &Service{
		store:        store,
		ackTimeout:   AckTimeout,
		pollInterval: AckInterval,
	}
}

// SendIntent queues a control intent and optionally waits for the executor
// acknowledgement. Business rejects come back in the Result; the error
// return is for store failures only.
func (s *Service) SendIntent(ctx context.Context, req *Request) (*Result, error) {
	if !req.Intent.Valid() {
		return rejected(req, "", types.CodeInvalidIntent, "unknown intent %q", req.Intent), nil
	}
	if req.Intent == types.IntentStop && !req.Confirmed {
		return rejected(req, "", types.CodeConfirmRequired, "stop is destructive, resend with confirm=true"), nil
	}

	state, err := s.store.GetStrategyState(ctx, req.Strategy)
	if errors.Is(err, storage.ErrNotFound) {
		return rejected(req, "", types.CodeStrategyNotFound, "strategy %q not found", req.Strategy), nil
	}
	if err != nil {
		return nil, err
	}

	if invalidTransition(state.Status, req.Intent) {
		return rejected(req, state.Status, types.CodeInvalidTransition,
			"cannot %s a strategy that is already %s", req.Intent, state.Status), nil
	}
	if state.ControlIntent != types.IntentNone {
		return rejected(req, state.Status, types.CodeIntentPending,
			"strategy has unacknowledged intent %q, wait for executor ack", state.ControlIntent), nil
	}

	setAt := time.Now().UTC()
	ok, err := s.store.SetIntent(ctx, req.Strategy, req.Intent, req.Actor, setAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another writer won the slot between our read and write.
		return rejected(req, state.Status, types.CodeIntentRace,
			"another control command is pending, retry in a moment"), nil
	}

	logID, err := s.store.AppendControlLog(ctx, &types.ControlLogEntry{
		StrategyName: req.Strategy,
		Action:       string(req.Intent),
		Actor:        req.Actor,
		IP:           req.IP,
		FromStatus:   string(state.Status),
		ToStatus:     string(ExpectedStatus(req.Intent)),
		CreatedAt:    setAt,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("strategy", req.Strategy).
		Str("intent", string(req.Intent)).
		Str("actor", req.Actor).
		Msg("🎛️ Control intent queued")

	if !req.WaitForAck {
		return &Result{
			OK:            true,
			Strategy:      req.Strategy,
			Action:        req.Intent,
			Status:        "pending",
			CurrentStatus: state.Status,
			Message:       fmt.Sprintf("intent %q queued, executor will process at next cycle", req.Intent),
		}, nil
	}

	return s.waitForAck(ctx, req, state.Status, setAt, logID)
}

// waitForAck polls the strategy row until the executor clears the intent
// and lands on the expected status, or the deadline passes.
func (s *Service) waitForAck(ctx context.Context, req *Request, from types.StrategyStatus, setAt time.Time, logID int64) (*Result, error) {
	expected := ExpectedStatus(req.Intent)
	deadline := time.Now().Add(s.ackTimeout)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		row, err := s.store.GetStrategyState(ctx, req.Strategy)
		if err != nil {
			return nil, err
		}
		if row.ControlIntent != types.IntentNone || row.Status != expected {
			continue
		}
		if row.IntentAckedAt == nil || row.IntentAckedAt.Before(setAt) {
			continue
		}

		latency := row.IntentAckedAt.Sub(setAt).Milliseconds()
		if err := s.store.FillControlLogAck(ctx, logID, *row.IntentAckedAt, latency); err != nil {
			log.Warn().Err(err).Int64("log_id", logID).Msg("Control log ack patch failed")
		}
		log.Info().
			Str("strategy", req.Strategy).
			Str("intent", string(req.Intent)).
			Int64("latency_ms", latency).
			Msg("✅ Executor acked control intent")

		return &Result{
			OK:            true,
			Strategy:      req.Strategy,
			Action:        req.Intent,
			Status:        "confirmed",
			CurrentStatus: row.Status,
			AckLatencyMs:  &latency,
			Message:       fmt.Sprintf("strategy %s confirmed by executor", expected),
		}, nil
	}

	log.Warn().
		Str("strategy", req.Strategy).
		Str("intent", string(req.Intent)).
		Dur("waited", s.ackTimeout).
		Msg("⏳ Executor did not ack in time, intent stays queued")

	return &Result{
		OK:            false,
		Strategy:      req.Strategy,
		Action:        req.Intent,
		Status:        "pending",
		CurrentStatus: from,
		Message: fmt.Sprintf("executor did not confirm within %s; intent is still queued and will be processed",
			s.ackTimeout),
	}, nil
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/control"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ─────────────────────────────────────────────────────────────
// Health
// ─────────────────────────────────────────────────────────────

// handleHealth is the liveness probe. It must never fail while the process
// is alive, so it touches nothing external.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := "live"
	if s.dryRun {
		mode = "paper"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "zenalgo",
		"mode":     mode,
		"time":     time.Now().UTC().Format(time.RFC3339),
		"uptime_s": int(time.Since(s.startedAt).Seconds()),
	})
}

// ─────────────────────────────────────────────────────────────
// Strategies
// ─────────────────────────────────────────────────────────────

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.ListStrategyStates(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeStoreError, "failed to read strategy states")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ts":         time.Now().UTC().Format(time.RFC3339),
		"strategies": states,
	})
}

type controlBody struct {
	Action  string `json:"action"`
	Confirm bool   `json:"confirm"`
}

// handleStrategyControl queues a pause/resume/stop/start intent and waits
// for the executor ack. A timeout is reported as status "pending", not an
// error; the intent stays queued.
func (s *Server) handleStrategyControl(w http.ResponseWriter, r *http.Request) {
	var body controlBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	name := chi.URLParam(r, "name")
	intent := types.ControlIntent(strings.ToLower(body.Action))
	actor := requestActor(r)

	// Resuming under an active kill switch would hand the strategy a dead
	// session. Same guard as the Telegram surface.
	if intent == types.IntentResume {
		sess, err := s.store.GetSessionByDate(r.Context(), time.Now().UTC())
		if err == nil && sess.IsKilled {
			writeError(w, http.StatusConflict, types.CodeKillSwitchActive,
				"cannot resume while the kill switch is active")
			return
		}
	}

	res, err := s.control.SendIntent(r.Context(), &control.Request{
		Strategy:   name,
		Intent:     intent,
		Actor:      actor,
		IP:         r.RemoteAddr,
		Confirmed:  body.Confirm,
		WaitForAck: true,
	})
	if err != nil {
		log.Error().Err(err).Str("strategy", name).Msg("Control intent failed")
		writeError(w, http.StatusInternalServerError, types.CodeStoreError, "control intent failed")
		return
	}

	writeJSON(w, controlStatusCode(res), res)
}

// controlStatusCode maps a control verdict to an HTTP status.
func controlStatusCode(res *control.Result) int {
	if res.Status != "rejected" {
		return http.StatusOK
	}
	switch res.Code {
	case types.CodeConfirmRequired:
		return http.StatusBadRequest
	case types.CodeStrategyNotFound:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

// ─────────────────────────────────────────────────────────────
// Kill switch
// ─────────────────────────────────────────────────────────────

func (s *Server) handleKillSwitchState(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSessionByDate(r.Context(), time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{"active": false, "session": nil})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeStoreError, "failed to read session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"active":    sess.IsKilled,
		"reason":    sess.KillReason,
		"killed_by": sess.KilledBy,
		"kill_time": sess.KillTime,
		"day_pnl":   sess.DayPnL(),
		"session":   sess.ID,
	})
}

type killBody struct {
	Confirm bool   `json:"confirm"`
	Note    string `json:"note"`
}

func (s *Server) handleKillSwitchTrigger(w http.ResponseWriter, r *http.Request) {
	var body killBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if !body.Confirm {
		writeError(w, http.StatusBadRequest, types.CodeConfirmRequired,
			"kill switch halts all trading, resend with confirm=true")
		return
	}

	sess, err := s.store.GetSessionByDate(r.Context(), time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NO_SESSION", "no trading session today")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeStoreError, "failed to read session")
		return
	}

	note := body.Note
	if note == "" {
		note = "Triggered via API"
	}
	changed, err := s.risk.TriggerKillSwitch(r.Context(), sess.ID, types.KillManual, requestActor(r), note)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeStoreError, "kill switch trigger failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"changed": changed,
		"reason":  types.KillManual,
	})
}

func (s *Server) handleKillSwitchDeactivate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.GetSessionByDate(r.Context(), time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NO_SESSION", "no trading session today")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeStoreError, "failed to read session")
		return
	}

	if err := s.risk.DeactivateKillSwitch(r.Context(), sess.ID, requestActor(r)); err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeStoreError, "kill switch deactivation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ─────────────────────────────────────────────────────────────
// Feed / breakers / resources
// ─────────────────────────────────────────────────────────────

// handleFeedStatus reports the in-process watermark plus the durable
// heartbeat row, so a stale worker and a stale DB row are distinguishable.
func (s *Server) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"ts":   time.Now().UTC().Format(time.RFC3339),
		"feed": s.feed.Status(),
	}

	hb, err := s.store.GetFeedHeartbeat(r.Context(), s.feed.Name())
	if err == nil {
		resp["heartbeat"] = hb
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	states, err := s.breakers.States(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeStoreError, "failed to read breaker states")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"breakers": states,
	})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	samples, err := s.store.RecentResourceSamples(r.Context(), time.Now().Add(-time.Hour), 120)
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeStoreError, "failed to read resource samples")
		return
	}
	alerts, err := s.store.OpenResourceAlerts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.CodeStoreError, "failed to read resource alerts")
		return
	}

	inUse, open, idle := s.store.PoolStats()

	writeJSON(w, http.StatusOK, map[string]any{
		"ts":          time.Now().UTC().Format(time.RFC3339),
		"samples":     samples,
		"open_alerts": alerts,
		"pool": map[string]int{
			"in_use": inUse,
			"open":   open,
			"idle":   idle,
		},
	})
}

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

// requestActor identifies the operator for audit rows. There is no auth
// layer; X-Actor is a courtesy header for humans running curl.
func requestActor(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return "api:" + actor
	}
	return "api"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"code":    code,
		"message": message,
	})
}

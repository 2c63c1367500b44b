package httpapi

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/careloop/careloop/internal/orchestrator"
	"github.com/careloop/careloop/internal/slackevent"
)

const maxEventBodyBytes = 1 << 20

// handleSlackEvents is the webhook entry point. The platform expects an
// acknowledgement within seconds, so the handler only verifies,
// normalizes, and queues; all model work happens on the worker pool.
func (r *router) handleSlackEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxEventBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	tolerance := time.Duration(r.deps.Config.SignatureToleranceSec) * time.Second
	if err := slackevent.Verify(req.Header, body, r.deps.Config.SlackSigningSecret, tolerance, r.deps.Now()); err != nil {
		r.deps.Logger.Warn("webhook signature rejected", "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	payload, err := slackevent.ParsePayload(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	// Endpoint verification handshake: echo the challenge verbatim.
	if payload.IsHandshake() {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(payload.Challenge))
		return
	}

	event, err := slackevent.Normalize(payload, r.deps.Config.SlackBotUserID)
	if err != nil {
		var skip *slackevent.SkipError
		if errors.As(err, &skip) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "skipped": skip.Reason})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event"})
		return
	}

	if err := r.deps.Engine.Submit(req.Context(), event); err != nil {
		if errors.Is(err, orchestrator.ErrQueueFull) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
			return
		}
		r.deps.Logger.Error("failed to submit event", "event_id", event.EventID(), "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run_id": event.EventID()})
}

package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/careloop/careloop/internal/store"
)

func (r *router) handleRunLookup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/api/v1/runs/")
	if id == "" || strings.Contains(id, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "run id is required"})
		return
	}

	record, err := r.deps.Store.LookupRun(req.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	payload := map[string]any{
		"id":              record.ID,
		"team_id":         record.TeamID,
		"channel_id":      record.ChannelID,
		"status":          record.Status,
		"attempts":        record.Attempts,
		"posted":          record.Posted,
		"created_at_unix": record.CreatedAt.Unix(),
		"updated_at_unix": record.UpdatedAt.Unix(),
	}
	if record.Posted {
		payload["posted_channel"] = record.PostedChannel
		payload["posted_ts"] = record.PostedTS
		payload["posted_thread_ts"] = record.PostedThreadTS
	}
	if record.OutcomeReason != "" {
		payload["reason"] = record.OutcomeReason
	}
	if record.ErrorMessage != "" {
		payload["error"] = record.ErrorMessage
	}
	if record.DecisionJSON != "" {
		payload["decision"] = json.RawMessage(record.DecisionJSON)
	}
	writeJSON(w, http.StatusOK, payload)
}

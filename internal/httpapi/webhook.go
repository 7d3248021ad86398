package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"backplane.org/internal/audit"
)

// handleWebhookTest accepts an inbound test webhook. It is on the public
// allowlist: callers authenticate out of band (delivery signatures), not with
// session tokens. The payload is echoed back with receipt metadata.
func (a *API) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	var payload json.RawMessage
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	receivedAt := time.Now().UTC()
	_ = audit.LogEvent(r.Context(), "webhook.test.received", map[string]any{
		"bytes": len(payload),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"received":    true,
		"received_at": receivedAt.Format(time.RFC3339),
		"payload":     payload,
	})
}

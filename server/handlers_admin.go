package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/chatbot/changelog"
	"github.com/onnwee/chatbot/telemetry"
)

// HandleAdminFlush persists all pending changelog entries before replying.
func (h *Handlers) HandleAdminFlush(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http_admin"))
	if err := h.deps.Flusher.FlushNow(r.Context()); err != nil {
		failed := changelog.FailedUsers(err)
		log.Error("admin flush failed", slog.Any("err", err), slog.Int("failed_users", len(failed)))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status":       "error",
			"error":        err.Error(),
			"failed_users": failed,
			"pending":      h.deps.Users.Pending(),
		})
		return
	}
	log.Info("admin flush completed")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pending": h.deps.Users.Pending()})
}

// HandleAdminInvalidatePermissions reloads permission groups and clears
// cached decisions here and on other instances.
func (h *Handlers) HandleAdminInvalidatePermissions(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Permissions.InvalidateAll(r.Context()); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("permission invalidation failed", slog.Any("err", err), slog.String("component", "http_admin"))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/chatbot/changelog"
	"github.com/onnwee/chatbot/telemetry"
	"github.com/onnwee/chatbot/users"
)

type userResponse struct {
	UserID       string         `json:"user_id"`
	Username     string         `json:"username"`
	DisplayName  string         `json:"display_name"`
	IsOnline     bool           `json:"is_online"`
	IsVIP        bool           `json:"is_vip"`
	IsFollower   bool           `json:"is_follower"`
	IsModerator  bool           `json:"is_moderator"`
	IsSubscriber bool           `json:"is_subscriber"`
	WatchedTime  int64          `json:"watched_time_ms"`
	Points       int64          `json:"points"`
	Messages     int64          `json:"messages"`
	Tier         string         `json:"subscribe_tier"`
	SubMonths    int64          `json:"subscribe_cumulative_months"`
	Tips         int            `json:"tips"`
	Bits         int            `json:"bits"`
	SeenAt       *time.Time     `json:"seen_at,omitempty"`
	CreatedAt    *time.Time     `json:"created_at,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func newUserResponse(rec *users.Record) userResponse {
	return userResponse{
		UserID:       rec.UserID,
		Username:     rec.Username,
		DisplayName:  rec.DisplayName,
		IsOnline:     rec.IsOnline,
		IsVIP:        rec.IsVIP,
		IsFollower:   rec.IsFollower,
		IsModerator:  rec.IsModerator,
		IsSubscriber: rec.IsSubscriber,
		WatchedTime:  rec.WatchedTime,
		Points:       rec.Points,
		Messages:     rec.Messages,
		Tier:         rec.SubscribeTier,
		SubMonths:    rec.SubscribeCumulativeMonths,
		Tips:         len(rec.Tips),
		Bits:         len(rec.Bits),
		SeenAt:       optionalTime(rec.SeenAt),
		CreatedAt:    optionalTime(rec.CreatedAt),
		Extra:        rec.Extra,
	}
}

// HandleUser serves GET /users/{id}: the durable record with pending
// changes applied.
func (h *Handlers) HandleUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing user id")
		return
	}
	rec, err := h.deps.Users.GetOrFail(r.Context(), id)
	switch {
	case errors.Is(err, users.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case errors.Is(err, changelog.ErrLockTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "user is being persisted, retry")
		return
	case err != nil:
		telemetry.LoggerWithCorr(r.Context()).Error("read user failed", slog.String("user_id", id), slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "read user failed")
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(rec))
}

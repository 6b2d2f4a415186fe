// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/chatbot/users"
)

// UserReader reads a user through the changelog.
type UserReader interface {
	GetOrFail(ctx context.Context, userID string) (*users.Record, error)
	Pending() int
}

// Flusher forces a changelog flush.
type Flusher interface {
	FlushNow(ctx context.Context) error
}

// PermissionChecker answers and invalidates permission decisions.
type PermissionChecker interface {
	Check(ctx context.Context, userID, permissionID string) bool
	CheckByName(ctx context.Context, userID, name string) bool
	InvalidateAll(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface needs. DB may be nil when the
// bot runs on the in-memory store.
type Deps struct {
	DB          *sql.DB
	Users       UserReader
	Flusher     Flusher
	Permissions PermissionChecker
	// MaxPending fails readiness when the changelog backlog exceeds it; 0 disables.
	MaxPending int
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write json response", slog.Any("err", err), slog.String("component", "http"))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

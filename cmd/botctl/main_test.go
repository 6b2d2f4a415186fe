package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	token  string
}

type callLog struct {
	mu    sync.Mutex
	calls []recorded
}

func (l *callLog) all() []recorded {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recorded(nil), l.calls...)
}

func fakeBot(t *testing.T, status int, body any) (*httptest.Server, *callLog) {
	t.Helper()
	log := &callLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.mu.Lock()
		log.calls = append(log.calls, recorded{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("X-Admin-Token")})
		log.mu.Unlock()
		if s, ok := body.(string); ok {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(s))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, log
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("BOTCTL_ADDR", "")
	t.Setenv("BOTCTL_ADMIN_TOKEN", "")
	t.Setenv("ADMIN_TOKEN", "")
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"botctl"}, args...))
	return out.String(), err
}

func TestCheckByID(t *testing.T) {
	srv, calls := fakeBot(t, http.StatusOK, map[string]any{"user_id": "42", "permission": "mods", "access": true})
	out, err := run(t, "--addr", srv.URL, "check", "--user", "42", "--permission", "mods")
	require.NoError(t, err)
	assert.Equal(t, "42 mods: allowed\n", out)
	require.Len(t, calls.all(), 1)
	assert.Equal(t, "/permissions/check", calls.all()[0].path)
	assert.Equal(t, "permission=mods&user=42", calls.all()[0].query)
}

func TestCheckByName(t *testing.T) {
	srv, calls := fakeBot(t, http.StatusOK, map[string]any{"user_id": "42", "permission": "Regulars", "access": false})
	out, err := run(t, "--addr", srv.URL, "check", "--user", "42", "--name", "Regulars")
	require.NoError(t, err)
	assert.Equal(t, "42 Regulars: denied\n", out)
	assert.Equal(t, "name=Regulars&user=42", calls.all()[0].query)
}

func TestCheckRequiresPermission(t *testing.T) {
	srv, calls := fakeBot(t, http.StatusOK, map[string]any{})
	_, err := run(t, "--addr", srv.URL, "check", "--user", "42")
	require.Error(t, err)
	assert.Empty(t, calls.all())
}

func TestFlushSendsAdminToken(t *testing.T) {
	srv, calls := fakeBot(t, http.StatusOK, map[string]any{"status": "ok", "pending": 0})
	out, err := run(t, "--addr", srv.URL, "--admin-token", "s3cret", "flush")
	require.NoError(t, err)
	assert.Equal(t, "flushed, 0 entries pending\n", out)
	require.Len(t, calls.all(), 1)
	assert.Equal(t, http.MethodPost, calls.all()[0].method)
	assert.Equal(t, "s3cret", calls.all()[0].token)
}

func TestFlushFailureSurfacesServerError(t *testing.T) {
	srv, _ := fakeBot(t, http.StatusInternalServerError, map[string]any{"status": "error", "error": "persist user 7: boom"})
	_, err := run(t, "--addr", srv.URL, "flush")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist user 7: boom")
}

func TestInvalidate(t *testing.T) {
	srv, calls := fakeBot(t, http.StatusOK, map[string]any{"status": "ok"})
	out, err := run(t, "--addr", srv.URL, "invalidate")
	require.NoError(t, err)
	assert.Equal(t, "permissions invalidated\n", out)
	assert.Equal(t, "/admin/permissions/invalidate", calls.all()[0].path)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			_, _ = w.Write([]byte("ok"))
		case "/readyz":
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := run(t, "--addr", srv.URL, "health")
	require.NoError(t, err)
	assert.Equal(t, "healthz: ok\nreadyz: ready\n", out)
}

func TestHealthNotReady(t *testing.T) {
	srv, _ := fakeBot(t, http.StatusServiceUnavailable, "changelog backlog")
	_, err := run(t, "--addr", srv.URL, "health")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestNewAPIClientAddsScheme(t *testing.T) {
	assert.Equal(t, "http://localhost:8080", newAPIClient("localhost:8080/", "").base)
	assert.Equal(t, "https://bot.example", newAPIClient("https://bot.example", "").base)
}

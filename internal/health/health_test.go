package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/warren/pkg/bus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func get(t *testing.T, s *Server, path string) (int, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return w.Code, resp
}

func TestHealthz(t *testing.T) {
	t.Run("healthy with live redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		b := bus.New(&redis.Options{Addr: mr.Addr()})
		defer b.Close()

		code, resp := get(t, NewServer(b, nil, zerolog.Nop()), "/healthz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "connected", resp.Redis)
	})

	t.Run("unhealthy when redis unavailable", func(t *testing.T) {
		s := NewServer(pingerFunc(func(ctx context.Context) error { return errors.New("connection refused") }), nil, zerolog.Nop())
		code, resp := get(t, s, "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "connection refused", resp.Error)
	})
}

func TestHealthz_MethodNotAllowed(t *testing.T) {
	s := NewServer(pingerFunc(func(ctx context.Context) error { return nil }), nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestReadyz(t *testing.T) {
	ok := pingerFunc(func(ctx context.Context) error { return nil })

	t.Run("ready when every loop runs", func(t *testing.T) {
		s := NewServer(ok, func() (bool, map[string]string) {
			return true, map[string]string{"acme/handoffs": "running"}
		}, zerolog.Nop())
		code, resp := get(t, s, "/readyz")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ready", resp.Status)
		assert.Equal(t, "running", resp.Loops["acme/handoffs"])
	})

	t.Run("not ready when a loop stopped", func(t *testing.T) {
		s := NewServer(ok, func() (bool, map[string]string) {
			return false, map[string]string{"acme/handoffs": "stopped"}
		}, zerolog.Nop())
		code, resp := get(t, s, "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "not_ready", resp.Status)
	})
}

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adfharrison1/jsondb/pkg/engine"
)

type fixedStats []engine.CollectionStats

func (f fixedStats) Stats() []engine.CollectionStats { return f }

func newTestServer(t *testing.T, opts ...Option) (*Server, *engine.Engine) {
	t.Helper()
	reg, err := engine.NewRegistry(t.TempDir())
	require.NoError(t, err)
	db := engine.New(reg)
	t.Cleanup(func() { db.Close() })
	return NewServer(db, reg, opts...), db
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestBannerAndHealth(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(s, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "jsondb server")

	w = get(s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = get(s, "/nowhere")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOpRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/op", strings.NewReader(`{"op":"insert","collectionName":"users","payload":{"documents":[{"name":"Ram"}]}}`))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/op", strings.NewReader(`{"op":"count","collectionName":"users"}`))
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"count":1}`, w.Body.String())
}

func TestStats(t *testing.T) {
	t.Run("reports open collections", func(t *testing.T) {
		s, db := newTestServer(t)
		_, err := db.Count("users")
		require.NoError(t, err)

		w := get(s, "/stats")
		require.Equal(t, http.StatusOK, w.Code)

		var resp StatsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Positive(t, resp.NumGoroutines)
		require.Len(t, resp.Collections, 1)
		assert.Equal(t, "users", resp.Collections[0].Name)
		assert.Equal(t, 0, resp.Collections[0].InUse)
	})

	t.Run("custom source", func(t *testing.T) {
		reg, err := engine.NewRegistry(t.TempDir())
		require.NoError(t, err)
		db := engine.New(reg)
		defer db.Close()

		s := NewServer(db, fixedStats{{Name: "a", Documents: 3, Chunks: 1}})
		w := get(s, "/stats")

		var resp StatsResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, []engine.CollectionStats{{Name: "a", Documents: 3, Chunks: 1}}, resp.Collections)
	})
}

func TestMetrics(t *testing.T) {
	s, db := newTestServer(t)
	_, err := db.Count("users")
	require.NoError(t, err)

	w := get(s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "go_goroutines")
	assert.Contains(t, body, `jsondb_engine_op_duration_seconds_count{op="count"}`)
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t)

	w := get(s, "/health")
	_, err := uuid.Parse(w.Header().Get(RequestIDHeader))
	assert.NoError(t, err, "a request id is assigned")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "caller-chosen")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "caller-chosen", w.Header().Get(RequestIDHeader))
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, WithRateLimit(0.001, 2))

	assert.Equal(t, http.StatusOK, get(s, "/health").Code)
	assert.Equal(t, http.StatusOK, get(s, "/health").Code)

	w := get(s, "/health")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestRateLimitDisabled(t *testing.T) {
	s, _ := newTestServer(t, WithRateLimit(0, 0))
	for range 20 {
		require.Equal(t, http.StatusOK, get(s, "/health").Code)
	}
}

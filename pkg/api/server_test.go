package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ListenServeStop(t *testing.T) {
	r := NewRouter("test", time.Second)
	r.Get("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		WriteJSONOK(w, HealthyResponse(map[string]string{"service": "test"}))
	})

	srv := NewServer("test", r, ServerConfig{})
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	addr := srv.Addr()
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + "/v1/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx), "second Stop returns the first result")

	_, err = net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed after Stop")
}

func TestServer_ListenConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	srv := NewServer("test", http.NotFoundHandler(), ServerConfig{})
	err = srv.Listen(ln.Addr().String())
	assert.Error(t, err)
	assert.Nil(t, srv.Addr())
}

func TestServer_StopBeforeServe(t *testing.T) {
	srv := NewServer("test", http.NotFoundHandler(), ServerConfig{})
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestRouter_NotFoundIsProblem(t *testing.T) {
	r := NewRouter("test", 0)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, ContentTypeProblemJSON, rec.Header().Get("Content-Type"))

	var p Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, http.StatusNotFound, p.Status)
	assert.Contains(t, p.Detail, "/missing")
}

func TestRouter_RecoversPanics(t *testing.T) {
	r := NewRouter("test", 0)
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDecodeJSONBody(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	assert.True(t, DecodeJSONBody(rec, req, &v))
	assert.Equal(t, "x", v.Name)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.False(t, DecodeJSONBody(rec, req, &v))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

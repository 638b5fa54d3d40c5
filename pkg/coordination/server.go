package coordination

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/embeddedbroker/pkg/api"
)

// Entry is the wire form of a key/value pair.
type Entry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// PutRequest is the body of PUT /v1/kv/{key}.
type PutRequest struct {
	Value []byte `json:"value"`
}

// Server serves a Store over HTTP.
//
// Routes:
//   - GET    /v1/health       store health
//   - GET    /v1/kv?prefix=   list keys
//   - GET    /v1/kv/{key...}  read a value
//   - PUT    /v1/kv/{key...}  write a value
//   - DELETE /v1/kv/{key...}  delete a value
type Server struct {
	store *Store
	http  *api.Server
}

// NewServer creates a server for store. It does not bind anything.
func NewServer(store *Store, cfg api.ServerConfig) *Server {
	s := &Server{store: store}
	s.http = api.NewServer("coordination", s.routes(cfg), cfg)
	return s
}

// Listen binds addr and starts serving in the background.
func (s *Server) Listen(addr string) error {
	return s.http.Listen(addr)
}

// Stop gracefully shuts the HTTP server down. The store is left open.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Stop(ctx)
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.routes(api.ServerConfig{})
}

func (s *Server) routes(cfg api.ServerConfig) http.Handler {
	r := api.NewRouter("coordination", cfg.RequestTimeout)

	r.Get("/v1/health", s.health)
	r.Get("/v1/kv", s.list)
	r.Get("/v1/kv/*", s.get)
	r.Put("/v1/kv/*", s.put)
	r.Delete("/v1/kv/*", s.delete)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Healthcheck(r.Context()); err != nil {
		api.WriteJSON(w, http.StatusServiceUnavailable, api.UnhealthyResponse(err.Error()))
		return
	}
	api.WriteJSONOK(w, api.HealthyResponse(map[string]string{"service": "coordination"}))
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSONOK(w, keys)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	key := keyParam(r)
	value, err := s.store.Get(r.Context(), key)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSONOK(w, Entry{Key: key, Value: value})
}

func (s *Server) put(w http.ResponseWriter, r *http.Request) {
	var req PutRequest
	if !api.DecodeJSONBody(w, r, &req) {
		return
	}
	key := keyParam(r)
	if err := s.store.Put(r.Context(), key, req.Value); err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSONOK(w, Entry{Key: key, Value: req.Value})
}

func (s *Server) delete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), keyParam(r)); err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteNoContent(w)
}

// keyParam returns the unescaped key; chi routes on the raw path when the
// request carries escaped characters.
func keyParam(r *http.Request) string {
	raw := chi.URLParam(r, "*")
	if key, err := url.PathUnescape(raw); err == nil {
		return key
	}
	return raw
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrKeyNotFound):
		api.NotFound(w, err.Error())
	case errors.Is(err, ErrEmptyKey):
		api.BadRequest(w, err.Error())
	case errors.Is(err, ErrStoreClosed):
		api.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
	default:
		api.InternalServerError(w, err.Error())
	}
}

package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/embeddedbroker/pkg/api"
)

// AppendRequest is the body of POST .../entries.
type AppendRequest struct {
	Payload []byte `json:"payload"`
}

// AppendResult is the response of POST .../entries.
type AppendResult struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	EntryID   int64  `json:"entry_id"`
}

// Info describes one log.
type Info struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
	Entries   int64  `json:"entries"`
}

// Server serves a Store over HTTP.
//
// Routes:
//   - GET  /v1/health
//   - GET  /v1/ledgers/{topic}/{partition}
//   - POST /v1/ledgers/{topic}/{partition}/entries
//   - GET  /v1/ledgers/{topic}/{partition}/entries?from=&limit=
type Server struct {
	store *Store
	http  *api.Server
}

// NewServer creates a server for store. It does not bind anything.
func NewServer(store *Store, cfg api.ServerConfig) *Server {
	s := &Server{store: store}
	s.http = api.NewServer("ledger", s.routes(cfg), cfg)
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
	r := api.NewRouter("ledger", cfg.RequestTimeout)

	r.Get("/v1/health", s.health)
	r.Route("/v1/ledgers/{topic}/{partition}", func(r chi.Router) {
		r.Get("/", s.info)
		r.Post("/entries", s.appendEntry)
		r.Get("/entries", s.readEntries)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Healthcheck(r.Context()); err != nil {
		api.WriteJSON(w, http.StatusServiceUnavailable, api.UnhealthyResponse(err.Error()))
		return
	}
	api.WriteJSONOK(w, api.HealthyResponse(map[string]string{"service": "ledger"}))
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	topic, partition, ok := ledgerParams(w, r)
	if !ok {
		return
	}
	n, err := s.store.Count(r.Context(), topic, partition)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSONOK(w, Info{Topic: topic, Partition: partition, Entries: n})
}

func (s *Server) appendEntry(w http.ResponseWriter, r *http.Request) {
	topic, partition, ok := ledgerParams(w, r)
	if !ok {
		return
	}
	var req AppendRequest
	if !api.DecodeJSONBody(w, r, &req) {
		return
	}

	id, err := s.store.Append(r.Context(), topic, partition, req.Payload)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, AppendResult{Topic: topic, Partition: partition, EntryID: id})
}

func (s *Server) readEntries(w http.ResponseWriter, r *http.Request) {
	topic, partition, ok := ledgerParams(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	from, err := intQuery(q, "from")
	if err != nil {
		api.BadRequest(w, "invalid from: "+err.Error())
		return
	}
	limit, err := intQuery(q, "limit")
	if err != nil {
		api.BadRequest(w, "invalid limit: "+err.Error())
		return
	}

	entries, err := s.store.Read(r.Context(), topic, partition, from, int(limit))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	api.WriteJSONOK(w, entries)
}

func ledgerParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	topic, err := url.PathUnescape(chi.URLParam(r, "topic"))
	if err != nil || topic == "" {
		api.BadRequest(w, "invalid topic")
		return "", 0, false
	}
	partition, err := strconv.Atoi(chi.URLParam(r, "partition"))
	if err != nil || partition < 0 {
		api.BadRequest(w, "invalid partition")
		return "", 0, false
	}
	return topic, partition, true
}

func intQuery(q url.Values, key string) (int64, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidLedger):
		api.BadRequest(w, err.Error())
	case errors.Is(err, ErrStoreClosed):
		api.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", err.Error())
	default:
		api.InternalServerError(w, err.Error())
	}
}

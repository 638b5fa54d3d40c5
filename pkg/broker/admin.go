package broker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/embeddedbroker/pkg/api"
	"github.com/marmos91/embeddedbroker/pkg/apiclient"
)

// routes builds the admin API.
//
// Routes:
//   - GET    /status                          liveness
//   - GET    /admin/v2/brokers/health         readiness
//   - GET    /admin/v2/brokers/configuration  effective topic policy
//   - GET    /admin/v2/topics                 list topics
//   - PUT    /admin/v2/topics/{topic}         create topic
//   - GET    /admin/v2/topics/{topic}         topic details
//   - DELETE /admin/v2/topics/{topic}         delete topic
//   - GET    /metrics                         Prometheus metrics
func (b *Broker) routes() http.Handler {
	r := api.NewRouter("broker", b.cfg.Server.RequestTimeout)

	r.Get("/status", b.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{}))

	r.Route("/admin/v2", func(r chi.Router) {
		r.Get("/brokers/health", b.handleHealth)
		r.Get("/brokers/configuration", b.handleConfiguration)

		r.Get("/topics", b.handleListTopics)
		r.Put("/topics/{topic}", b.handleCreateTopic)
		r.Get("/topics/{topic}", b.handleGetTopic)
		r.Delete("/topics/{topic}", b.handleDeleteTopic)
	})
	return r
}

func (b *Broker) handleStatus(w http.ResponseWriter, r *http.Request) {
	api.WriteJSONOK(w, apiclient.BrokerStatus{
		Status:     "ok",
		InstanceID: b.cfg.InstanceID,
		Ready:      b.Ready(),
	})
}

// handleHealth answers 200 only when the broker finished initializing and
// both lower-tier services respond.
func (b *Broker) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !b.Ready() {
		api.WriteJSON(w, http.StatusServiceUnavailable, api.UnhealthyResponse("broker initializing"))
		return
	}
	if err := b.coord.Health(r.Context()); err != nil {
		api.WriteJSON(w, http.StatusServiceUnavailable, api.UnhealthyResponse("coordination: "+err.Error()))
		return
	}
	if err := b.ledger.Health(r.Context()); err != nil {
		api.WriteJSON(w, http.StatusServiceUnavailable, api.UnhealthyResponse("ledger: "+err.Error()))
		return
	}
	api.WriteJSONOK(w, api.HealthyResponse(map[string]any{
		"instance_id": b.cfg.InstanceID,
		"topics":      b.topics.count(),
	}))
}

func (b *Broker) handleConfiguration(w http.ResponseWriter, r *http.Request) {
	api.WriteJSONOK(w, apiclient.BrokerConfiguration{
		AllowAutoTopicCreation: b.cfg.AllowAutoTopicCreation,
		AutoTopicCreationType:  string(b.cfg.AutoTopicCreationType),
		DefaultPartitionCount:  b.cfg.DefaultPartitionCount,
		WebServiceURL:          b.WebServiceURL(),
		BrokerServiceURL:       b.BrokerServiceURL(),
	})
}

func (b *Broker) handleListTopics(w http.ResponseWriter, r *http.Request) {
	if !b.requireReady(w) {
		return
	}
	topics := b.topics.list()
	out := make([]apiclient.Topic, 0, len(topics))
	for _, t := range topics {
		out = append(out, toAPITopic(t, 0))
	}
	api.WriteJSONOK(w, out)
}

func (b *Broker) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	if !b.requireReady(w) {
		return
	}
	name, ok := topicParam(w, r)
	if !ok {
		return
	}

	var req apiclient.CreateTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.BadRequest(w, "invalid request body")
		return
	}

	t, err := b.topics.create(r.Context(), name, req.Partitions, false)
	if err != nil {
		writeTopicError(w, err)
		return
	}
	b.metrics.ObserveTopicCreated(false)
	b.metrics.SetTopics(b.topics.count())
	api.WriteJSON(w, http.StatusCreated, toAPITopic(t, 0))
}

func (b *Broker) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	if !b.requireReady(w) {
		return
	}
	name, ok := topicParam(w, r)
	if !ok {
		return
	}
	t, err := b.topics.get(name)
	if err != nil {
		writeTopicError(w, err)
		return
	}

	var entries int64
	for p := 0; p < t.Partitions; p++ {
		n, err := b.ledger.Count(r.Context(), t.Name, p)
		if err != nil {
			api.InternalServerError(w, err.Error())
			return
		}
		entries += n
	}
	api.WriteJSONOK(w, toAPITopic(t, entries))
}

func (b *Broker) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	if !b.requireReady(w) {
		return
	}
	name, ok := topicParam(w, r)
	if !ok {
		return
	}
	if err := b.topics.remove(r.Context(), name); err != nil {
		writeTopicError(w, err)
		return
	}
	b.metrics.SetTopics(b.topics.count())
	api.WriteNoContent(w)
}

func (b *Broker) requireReady(w http.ResponseWriter) bool {
	if !b.Ready() {
		api.WriteProblem(w, http.StatusServiceUnavailable, "Service Unavailable", ErrNotReady.Error())
		return false
	}
	return true
}

func topicParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	name, err := url.PathUnescape(chi.URLParam(r, "topic"))
	if err != nil || name == "" {
		api.BadRequest(w, "invalid topic")
		return "", false
	}
	return name, true
}

func toAPITopic(t *topic, entries int64) apiclient.Topic {
	return apiclient.Topic{
		Name:        t.Name,
		Type:        string(t.Type),
		Partitions:  t.Partitions,
		AutoCreated: t.AutoCreated,
		Entries:     entries,
	}
}

func writeTopicError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTopicNotFound):
		api.NotFound(w, err.Error())
	case errors.Is(err, ErrTopicExists):
		api.Conflict(w, err.Error())
	case errors.Is(err, ErrInvalidTopic):
		api.BadRequest(w, err.Error())
	default:
		api.InternalServerError(w, err.Error())
	}
}

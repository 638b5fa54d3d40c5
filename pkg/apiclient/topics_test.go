package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/admin/v2/topics":
			_ = json.NewEncoder(w).Encode([]Topic{{Name: "a", Type: "non-partitioned", Partitions: 1}})
		case r.Method == http.MethodPut && r.URL.Path == "/admin/v2/topics/orders":
			var req CreateTopicRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(Topic{Name: "orders", Type: "partitioned", Partitions: req.Partitions})
		case r.Method == http.MethodGet && r.URL.Path == "/admin/v2/topics/orders":
			_ = json.NewEncoder(w).Encode(Topic{Name: "orders", Type: "partitioned", Partitions: 4, Entries: 7})
		case r.Method == http.MethodDelete && r.URL.Path == "/admin/v2/topics/orders":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	topics, err := client.ListTopics(ctx)
	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "a", topics[0].Name)

	created, err := client.CreateTopic(ctx, "orders", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, created.Partitions)

	got, err := client.GetTopic(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Entries)

	require.NoError(t, client.DeleteTopic(ctx, "orders"))

	_, err = client.GetTopic(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestBrokerEndpoints(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			_ = json.NewEncoder(w).Encode(BrokerStatus{Status: "ok", Ready: true})
		case "/admin/v2/brokers/configuration":
			_ = json.NewEncoder(w).Encode(BrokerConfiguration{
				AllowAutoTopicCreation: true,
				AutoTopicCreationType:  "partitioned",
				DefaultPartitionCount:  4,
			})
		case "/admin/v2/brokers/health":
			w.WriteHeader(http.StatusOK)
		}
	})
	ctx := context.Background()

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.Ready)

	cfg, err := client.BrokerConfiguration(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.AllowAutoTopicCreation)
	assert.Equal(t, 4, cfg.DefaultPartitionCount)

	assert.NoError(t, client.Healthcheck(ctx))
}

package apiclient

import (
	"context"
	"net/http"
)

// BrokerStatus is the liveness document served on /status.
type BrokerStatus struct {
	Status     string `json:"status"`
	InstanceID string `json:"instance_id,omitempty"`
	Ready      bool   `json:"ready"`
}

// BrokerConfiguration is the effective topic policy of a broker.
type BrokerConfiguration struct {
	AllowAutoTopicCreation bool   `json:"allow_auto_topic_creation"`
	AutoTopicCreationType  string `json:"auto_topic_creation_type"`
	DefaultPartitionCount  int    `json:"default_partition_count"`
	WebServiceURL          string `json:"web_service_url"`
	BrokerServiceURL       string `json:"broker_service_url"`
}

// Healthcheck issues one readiness request. It returns nil only if the
// broker answered 2xx.
func (c *Client) Healthcheck(ctx context.Context) error {
	return c.Do(ctx, http.MethodGet, "/admin/v2/brokers/health", nil, nil)
}

// Status returns the liveness document of the broker.
func (c *Client) Status(ctx context.Context) (*BrokerStatus, error) {
	return getResource[BrokerStatus](ctx, c, "/status")
}

// BrokerConfiguration returns the effective topic policy.
func (c *Client) BrokerConfiguration(ctx context.Context) (*BrokerConfiguration, error) {
	return getResource[BrokerConfiguration](ctx, c, "/admin/v2/brokers/configuration")
}

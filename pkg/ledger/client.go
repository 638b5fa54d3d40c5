package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/marmos91/embeddedbroker/pkg/apiclient"
)

// Client talks to a ledger Server.
type Client struct {
	c *apiclient.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...apiclient.Option) (*Client, error) {
	c, err := apiclient.New(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	return c.c.Close()
}

// Health returns nil if the service reports healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.c.Do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

// Append appends payload to the (topic, partition) log.
func (c *Client) Append(ctx context.Context, topic string, partition int, payload []byte) (int64, error) {
	var res AppendResult
	if err := c.c.Do(ctx, http.MethodPost, ledgerPath(topic, partition)+"/entries", AppendRequest{Payload: payload}, &res); err != nil {
		return 0, err
	}
	return res.EntryID, nil
}

// Read returns up to limit entries starting at from.
func (c *Client) Read(ctx context.Context, topic string, partition int, from int64, limit int) ([]Entry, error) {
	path := fmt.Sprintf("%s/entries?from=%d&limit=%d", ledgerPath(topic, partition), from, limit)
	var entries []Entry
	if err := c.c.Do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Count returns the number of entries in a log.
func (c *Client) Count(ctx context.Context, topic string, partition int) (int64, error) {
	var info Info
	if err := c.c.Do(ctx, http.MethodGet, ledgerPath(topic, partition), nil, &info); err != nil {
		return 0, err
	}
	return info.Entries, nil
}

func ledgerPath(topic string, partition int) string {
	return fmt.Sprintf("/v1/ledgers/%s/%d", url.PathEscape(topic), partition)
}

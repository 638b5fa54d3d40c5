package coordination

import (
	"context"
	"net/http"
	"net/url"

	"github.com/marmos91/embeddedbroker/pkg/apiclient"
)

// Client talks to a coordination Server.
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

// Get returns the value under key, or ErrKeyNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var e Entry
	if err := c.c.Do(ctx, http.MethodGet, kvPath(key), nil, &e); err != nil {
		if apiclient.IsNotFound(err) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return e.Value, nil
}

// Put stores value under key.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	return c.c.Do(ctx, http.MethodPut, kvPath(key), PutRequest{Value: value}, nil)
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.c.Do(ctx, http.MethodDelete, kvPath(key), nil, nil)
}

// List returns the keys under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	path := "/v1/kv?prefix=" + url.QueryEscape(prefix)
	if err := c.c.Do(ctx, http.MethodGet, path, nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// kvPath keeps "/" separators literal so hierarchical keys map onto
// hierarchical paths.
func kvPath(key string) string {
	return "/v1/kv/" + (&url.URL{Path: key}).EscapedPath()
}

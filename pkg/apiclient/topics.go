package apiclient

import (
	"context"
	"net/url"
)

// Topic describes a topic known to the broker.
type Topic struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Partitions  int    `json:"partitions"`
	AutoCreated bool   `json:"auto_created,omitempty"`
	Entries     int64  `json:"entries"`
}

// CreateTopicRequest is the request to create a topic.
// Partitions 0 creates a non-partitioned topic.
type CreateTopicRequest struct {
	Partitions int `json:"partitions"`
}

func topicPath(name string) string {
	return "/admin/v2/topics/" + url.PathEscape(name)
}

// ListTopics returns all topics, sorted by name.
func (c *Client) ListTopics(ctx context.Context) ([]Topic, error) {
	return listResources[Topic](ctx, c, "/admin/v2/topics")
}

// CreateTopic creates a topic. An existing topic yields a conflict error.
func (c *Client) CreateTopic(ctx context.Context, name string, partitions int) (*Topic, error) {
	var t Topic
	if err := c.put(ctx, topicPath(name), CreateTopicRequest{Partitions: partitions}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTopic returns a single topic.
func (c *Client) GetTopic(ctx context.Context, name string) (*Topic, error) {
	return getResource[Topic](ctx, c, topicPath(name))
}

// DeleteTopic deletes a topic's metadata. Stored entries are kept.
func (c *Client) DeleteTopic(ctx context.Context, name string) error {
	return c.delete(ctx, topicPath(name))
}

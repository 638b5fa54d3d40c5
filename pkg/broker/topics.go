package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/embeddedbroker/pkg/config"
	"github.com/marmos91/embeddedbroker/pkg/coordination"
)

const (
	topicsPrefix = "topics/"

	// MaxPartitions bounds the partition count of a single topic.
	MaxPartitions = 1024
)

var (
	// ErrTopicNotFound is returned for unknown topics.
	ErrTopicNotFound = errors.New("topic not found")

	// ErrTopicExists is returned when creating a topic twice.
	ErrTopicExists = errors.New("topic already exists")

	// ErrInvalidTopic is returned for malformed topic names or partition counts.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrAutoCreationDisabled is returned when publishing to an unknown
	// topic while auto-creation is off.
	ErrAutoCreationDisabled = errors.New("topic not found and auto-creation disabled")
)

var topicNameRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,254}$`)

// topic is the metadata of one topic, as stored in the coordination service.
type topic struct {
	Name        string           `json:"name"`
	Type        config.TopicType `json:"type"`
	Partitions  int              `json:"partitions"`
	AutoCreated bool             `json:"auto_created"`
	CreatedAt   time.Time        `json:"created_at"`

	next atomic.Uint64
}

// nextPartition picks partitions round-robin.
func (t *topic) nextPartition() int {
	if t.Partitions <= 1 {
		return 0
	}
	return int((t.next.Add(1) - 1) % uint64(t.Partitions))
}

func validateTopic(name string, partitions int) error {
	if !topicNameRE.MatchString(name) {
		return fmt.Errorf("%w: name %q", ErrInvalidTopic, name)
	}
	if partitions < 0 || partitions > MaxPartitions {
		return fmt.Errorf("%w: %d partitions", ErrInvalidTopic, partitions)
	}
	return nil
}

// topicRegistry caches topic metadata and persists it through the
// coordination service.
type topicRegistry struct {
	coord *coordination.Client

	mu     sync.RWMutex
	topics map[string]*topic
}

func newTopicRegistry(coord *coordination.Client) *topicRegistry {
	return &topicRegistry{coord: coord, topics: make(map[string]*topic)}
}

// load replaces the cache with the topics stored in the coordination service.
func (r *topicRegistry) load(ctx context.Context) error {
	keys, err := r.coord.List(ctx, topicsPrefix)
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}

	loaded := make(map[string]*topic, len(keys))
	for _, key := range keys {
		data, err := r.coord.Get(ctx, key)
		if errors.Is(err, coordination.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load topic %s: %w", key, err)
		}
		t := &topic{}
		if err := json.Unmarshal(data, t); err != nil {
			return fmt.Errorf("decode topic %s: %w", key, err)
		}
		loaded[t.Name] = t
	}

	r.mu.Lock()
	r.topics = loaded
	r.mu.Unlock()
	return nil
}

// create persists a new topic. partitions == 0 creates a non-partitioned
// topic; anything else a partitioned one.
func (r *topicRegistry) create(ctx context.Context, name string, partitions int, auto bool) (*topic, error) {
	if err := validateTopic(name, partitions); err != nil {
		return nil, err
	}

	t := &topic{
		Name:        name,
		Type:        config.TopicTypeNonPartitioned,
		Partitions:  1,
		AutoCreated: auto,
		CreatedAt:   time.Now().UTC(),
	}
	if partitions > 0 {
		t.Type = config.TopicTypePartitioned
		t.Partitions = partitions
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicExists, name)
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	if err := r.coord.Put(ctx, topicsPrefix+name, data); err != nil {
		return nil, fmt.Errorf("persist topic %s: %w", name, err)
	}
	r.topics[name] = t
	return t, nil
}

// getOrCreate returns an existing topic, or creates it with the given
// partition count. Concurrent callers observe a single creation.
func (r *topicRegistry) getOrCreate(ctx context.Context, name string, partitions int) (*topic, bool, error) {
	if t, err := r.get(name); err == nil {
		return t, false, nil
	}
	t, err := r.create(ctx, name, partitions, true)
	if errors.Is(err, ErrTopicExists) {
		t, err = r.get(name)
		return t, false, err
	}
	return t, err == nil, err
}

func (r *topicRegistry) get(name string) (*topic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	return t, nil
}

// remove deletes a topic's metadata. Stored entries stay in the ledger.
func (r *topicRegistry) remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.topics[name]; !ok {
		return fmt.Errorf("%w: %s", ErrTopicNotFound, name)
	}
	if err := r.coord.Delete(ctx, topicsPrefix+name); err != nil {
		return fmt.Errorf("delete topic %s: %w", name, err)
	}
	delete(r.topics, name)
	return nil
}

// list returns all topics sorted by name.
func (r *topicRegistry) list() []*topic {
	r.mu.RLock()
	out := make([]*topic, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *topicRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/embeddedbroker/internal/logger"
	"github.com/marmos91/embeddedbroker/pkg/config"
)

// PublishResult locates a stored message.
type PublishResult struct {
	Partition int
	EntryID   int64
}

// Publish appends payload to topic. Unknown topics are created on first
// use when auto-creation is allowed, with the configured type and partition
// count.
func (b *Broker) Publish(ctx context.Context, name string, payload []byte) (PublishResult, error) {
	res, err := b.publish(ctx, name, payload)
	b.metrics.ObservePublish(err)
	return res, err
}

func (b *Broker) publish(ctx context.Context, name string, payload []byte) (PublishResult, error) {
	if !b.Ready() {
		return PublishResult{}, ErrNotReady
	}

	t, err := b.topics.get(name)
	if errors.Is(err, ErrTopicNotFound) {
		t, err = b.autoCreate(ctx, name)
	}
	if err != nil {
		return PublishResult{}, err
	}

	partition := t.nextPartition()
	id, err := b.ledger.Append(ctx, t.Name, partition, payload)
	if err != nil {
		return PublishResult{}, fmt.Errorf("append: %w", err)
	}
	return PublishResult{Partition: partition, EntryID: id}, nil
}

func (b *Broker) autoCreate(ctx context.Context, name string) (*topic, error) {
	if !b.cfg.AllowAutoTopicCreation {
		return nil, fmt.Errorf("%w: %s", ErrAutoCreationDisabled, name)
	}

	partitions := 0
	if b.cfg.AutoTopicCreationType == config.TopicTypePartitioned {
		partitions = b.cfg.DefaultPartitionCount
	}

	t, created, err := b.topics.getOrCreate(ctx, name, partitions)
	if err != nil {
		return nil, err
	}
	if created {
		b.metrics.ObserveTopicCreated(true)
		b.metrics.SetTopics(b.topics.count())
		logger.DebugCtx(ctx, "Topic auto-created",
			logger.KeyTopic, name,
			logger.KeyPartition, t.Partitions,
		)
	}
	return t, nil
}

// Package publisher forwards committed market events to a Redis stream so
// downstream indexers can consume them.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"
	"github.com/voltgrid/voltgrid/internal/logging"
	"github.com/voltgrid/voltgrid/internal/market"
	"github.com/voltgrid/voltgrid/internal/metrics"
)

// DefaultTopic is the stream events are appended to.
const DefaultTopic = "voltgrid.market.events"

const sinkName = "redis"

// Metadata keys set on every message.
const (
	MetaType = "event_type"
	MetaSeq  = "event_seq"
)

// Publisher publishes market events to Redis Streams.
type Publisher struct {
	pub         message.Publisher
	redisClient redis.UniversalClient
	topic       string
}

// New creates a Publisher backed by redisClient.
func New(redisClient redis.UniversalClient, topic string) (*Publisher, error) {
	pub, err := redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: redisClient,
		},
		watermill.NewSlogLogger(nil),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis stream publisher: %w", err)
	}
	p := NewWithPublisher(pub, topic)
	p.redisClient = redisClient
	return p, nil
}

// NewWithPublisher wraps any watermill publisher.
func NewWithPublisher(pub message.Publisher, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{pub: pub, topic: topic}
}

var _ market.EventSink = (*Publisher)(nil)

// Publish encodes ev as JSON and appends it to the topic.
func (p *Publisher) Publish(ctx context.Context, ev *market.Event) error {
	start := time.Now()

	payload, err := json.Marshal(ev)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(sinkName, "error").Inc()
		return fmt.Errorf("failed to encode event %d: %w", ev.Seq, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetaType, string(ev.Type))
	msg.Metadata.Set(MetaSeq, strconv.FormatUint(ev.Seq, 10))
	msg.SetContext(ctx)

	err = p.pub.Publish(p.topic, msg)
	log := logging.L(ctx).With(
		"type", ev.Type,
		"seq", ev.Seq,
		"msg_uuid", msg.UUID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(sinkName, "error").Inc()
		log.Error("redis publish failed", "error", err)
		return err
	}
	metrics.EventsPublishedTotal.WithLabelValues(sinkName, "ok").Inc()
	log.Debug("redis publish ok")
	return nil
}

// QueueLength returns the number of messages in the stream.
func (p *Publisher) QueueLength(ctx context.Context) (int64, error) {
	if p.redisClient == nil {
		return 0, fmt.Errorf("queue length unavailable without a redis client")
	}
	return p.redisClient.XLen(ctx, p.topic).Result()
}

// Topic returns the stream name.
func (p *Publisher) Topic() string { return p.topic }

// Close closes the underlying publisher.
func (p *Publisher) Close() error { return p.pub.Close() }

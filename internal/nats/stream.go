package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/social-scheduler/internal/model"
	"github.com/capitalize-ai/social-scheduler/pkg/metrics"
)

const (
	// StreamName is the name of the thread lifecycle stream.
	StreamName = "SOCIAL"

	// SubjectPrefix is the prefix for all lifecycle subjects.
	SubjectPrefix = "social"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	maxAge time.Duration
}

// NewStreamManager creates a new stream manager. Events older than maxAge
// are dropped by the server; zero keeps them for a year.
func NewStreamManager(client *Client, maxAge time.Duration) *StreamManager {
	if maxAge <= 0 {
		maxAge = 365 * 24 * time.Hour
	}
	return &StreamManager{client: client, maxAge: maxAge}
}

// EnsureStream ensures the lifecycle stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.maxAge,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Conversation and group lifecycle events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// EventSubject returns the subject for an event.
func EventSubject(threadID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, threadID, eventType)
}

// ThreadFilter returns the filter subject for all events of a thread.
func ThreadFilter(threadID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, threadID)
}

// PublishEvent publishes an event to JetStream and returns its stream sequence.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.ThreadEvent) (uint64, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.client.JetStream().Publish(ctx, EventSubject(event.ThreadID, event.Type), data)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(event.Type), "error").Inc()
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	metrics.EventsPublished.WithLabelValues(string(event.Type), "ok").Inc()
	return ack.Sequence, nil
}

// Publish publishes event and discards the sequence.
func (m *StreamManager) Publish(ctx context.Context, event *model.ThreadEvent) error {
	seq, err := m.PublishEvent(ctx, event)
	if err != nil {
		return err
	}
	event.Sequence = seq
	return nil
}

// ReadEvents returns up to limit events of a thread after the given stream
// sequence, the last sequence read, and whether more may follow.
func (m *StreamManager) ReadEvents(ctx context.Context, threadID string, afterSequence uint64, limit int) ([]model.ThreadEvent, uint64, bool, error) {
	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject:     ThreadFilter(threadID),
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: time.Minute,
	}
	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := m.client.JetStream().CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch events: %w", err)
	}

	var events []model.ThreadEvent
	var lastSequence uint64
	for msg := range batch.Messages() {
		var event model.ThreadEvent
		if err := json.Unmarshal(msg.Data(), &event); err != nil {
			continue
		}
		if meta, err := msg.Metadata(); err == nil {
			event.Sequence = meta.Sequence.Stream
			lastSequence = meta.Sequence.Stream
		}
		events = append(events, event)
	}

	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
		return nil, 0, false, fmt.Errorf("batch error: %w", err)
	}

	return events, lastSequence, len(events) == limit, nil
}

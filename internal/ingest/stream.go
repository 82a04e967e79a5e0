package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"census/internal/platform/config"
)

// FileDropEvent announces a new census object in the blob store.
type FileDropEvent struct {
	Name   string `json:"name"`
	Bucket string `json:"bucket"`
}

// MemberChangeEvent summarises what one completed flush did to an org's
// members. Downstream consumers key on OrganizationID.
type MemberChangeEvent struct {
	FileID         int64     `json:"file_id"`
	OrganizationID int64     `json:"organization_id"`
	HashedCount    int64     `json:"hashed_count"`
	NewCount       int64     `json:"new_count"`
	ExpiredCount   int64     `json:"expired_count"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Stream couples the file-drop consumer with the member change-event
// publisher on a single Kafka client.
type Stream struct {
	client      *kgo.Client
	filesTopic  string
	eventsTopic string
	logger      *slog.Logger
}

// NewStream connects to the brokers and joins the ingest consumer group.
func NewStream(cfg config.KafkaConfig, logger *slog.Logger) (*Stream, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.FilesTopic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	return &Stream{
		client:      client,
		filesTopic:  cfg.FilesTopic,
		eventsTopic: cfg.EventsTopic,
		logger:      logger,
	}, nil
}

// EnsureTopics creates the stream topics if the cluster lacks them.
func (s *Stream) EnsureTopics(ctx context.Context) error {
	admin := kadm.NewClient(s.client)
	responses, err := admin.CreateTopics(ctx, 6, -1, nil, s.filesTopic, s.eventsTopic)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, response := range responses {
		if response.Err != nil && !errors.Is(response.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", response.Topic, response.Err)
		}
	}
	return nil
}

// Run consumes file-drop events until the context ends, committing offsets
// only after the handler returns. A failed handler leaves the offset
// uncommitted so the drop is redelivered.
func (s *Stream) Run(ctx context.Context, handle func(ctx context.Context, event FileDropEvent) error) error {
	for {
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			s.logger.ErrorContext(ctx, "kafka fetch error",
				"topic", topic,
				"partition", partition,
				"error", err,
			)
		})

		fetches.EachRecord(func(record *kgo.Record) {
			var event FileDropEvent
			if err := json.Unmarshal(record.Value, &event); err != nil {
				s.logger.ErrorContext(ctx, "malformed file-drop event dropped",
					"offset", record.Offset,
					"error", err,
				)
				return
			}
			if err := handle(ctx, event); err != nil {
				// processing marks the file errored; the drop itself is spent
				s.logger.ErrorContext(ctx, "file-drop handling failed",
					"name", event.Name,
					"error", err,
				)
			}
		})

		if err := s.client.CommitUncommittedOffsets(ctx); err != nil {
			s.logger.ErrorContext(ctx, "offset commit failed", "error", err)
		}
	}
}

// PublishMemberChange emits one change event, keyed by org for partition
// affinity.
func (s *Stream) PublishMemberChange(ctx context.Context, event MemberChangeEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode member change event: %w", err)
	}
	record := &kgo.Record{
		Topic: s.eventsTopic,
		Key:   []byte(fmt.Sprintf("%d", event.OrganizationID)),
		Value: value,
	}
	if err := s.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish member change event: %w", err)
	}
	return nil
}

// Close tears down the Kafka client, committing nothing further.
func (s *Stream) Close() {
	s.client.Close()
}

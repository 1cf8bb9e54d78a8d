// Package queue ingests domain events published by other services on Kafka
// and records them in the ledger.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/yourorg/assetledger/internal/ledger"
)

var ErrMalformedEvent = errors.New("malformed domain event")

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type EventRecorder interface {
	RecordEvent(ctx context.Context, ev ledger.Event) *ledger.Entry
}

// DomainEvent is the JSON message shape on the topic.
type DomainEvent struct {
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   *int64         `json:"entity_id"`
	ActorID    *int64         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

const (
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = 30 * time.Second
)

type Consumer struct {
	reader        Reader
	recorder      EventRecorder
	logger        *slog.Logger
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

// NewKafkaReader dials nothing until the first fetch.
func NewKafkaReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

func NewConsumer(reader Reader, recorder EventRecorder, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:        reader,
		recorder:      recorder,
		logger:        logger,
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
	}
}

// fetchBackOff spaces out fetch retries while the broker is unreachable. It
// never gives up on its own; only ctx ends it.
func (c *Consumer) fetchBackOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryDelay
	eb.MaxInterval = c.maxRetryDelay
	eb.MaxElapsedTime = 0
	return backoff.WithContext(eb, ctx)
}

// Listen fetches until ctx is done. Messages are committed once handled,
// including malformed ones, which are logged and skipped.
func (c *Consumer) Listen(ctx context.Context) error {
	c.logger.Info("domain event consumer started")
	bo := c.fetchBackOff(ctx)
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return nil
			}
			c.logger.Warn("fetch domain event failed", "error", err, "retryIn", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		log := c.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		if err := c.Handle(ctx, msg.Value); err != nil {
			log.Warn("skipping domain event", "error", err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("commit offset failed", "error", err)
		}
	}
}

// Handle decodes one message and records it. Ledger storage failures are
// absorbed by the recorder; only malformed input is reported.
func (c *Consumer) Handle(ctx context.Context, value []byte) error {
	ev, err := Decode(value)
	if err != nil {
		return err
	}
	c.recorder.RecordEvent(ctx, ledger.Event{
		EventType:  ev.EventType,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		ActorID:    ev.ActorID,
		Payload:    ev.Payload,
	})
	return nil
}

func Decode(value []byte) (DomainEvent, error) {
	var ev DomainEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return ev, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	ev.EventType = strings.TrimSpace(ev.EventType)
	ev.EntityType = strings.TrimSpace(ev.EntityType)
	switch {
	case ev.EventType == "":
		return ev, fmt.Errorf("%w: event_type is required", ErrMalformedEvent)
	case ev.EntityType == "":
		return ev, fmt.Errorf("%w: entity_type is required", ErrMalformedEvent)
	}
	return ev, nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

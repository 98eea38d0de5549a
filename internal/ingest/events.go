// Package ingest consumes the upstream topics feeding the pacing service:
// per-request delivery events, cancellation signals and monthly declaration
// notices. Each consumer runs its own reader group and hands decoded batches
// to the owning component; malformed messages are logged and dropped
// individually so siblings keep flowing.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/postalgrid/delayer/internal/cancel"
	"github.com/postalgrid/delayer/internal/dedup"
	"github.com/postalgrid/delayer/internal/models"
)

// ReaderConfig configures one consumer group reader.
type ReaderConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	MinBytes int
	MaxBytes int
}

func newReader(cfg ReaderConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: consumer group required")
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	}), nil
}

// EventConsumer feeds upstream per-request events into the dedup guard in
// small batches.
type EventConsumer struct {
	reader    *kafka.Reader
	guard     *dedup.Guard
	batchSize int
	batchWait time.Duration
}

func NewEventConsumer(cfg ReaderConfig, guard *dedup.Guard, batchSize int) (*EventConsumer, error) {
	reader, err := newReader(cfg)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	return &EventConsumer{reader: reader, guard: guard, batchSize: batchSize, batchWait: time.Second}, nil
}

// Run consumes until ctx is cancelled. Offsets commit after the guard has
// decided a batch; records the guard reports failed are retried on the next
// poll of their partition by not being committed past.
func (c *EventConsumer) Run(ctx context.Context) error {
	log.Printf("[ingest.events] starting (batch=%d)", c.batchSize)
	defer log.Printf("[ingest.events] stopped")
	defer c.reader.Close()

	for {
		batch, msgs, err := c.nextBatch(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			// A window with nothing but dropped messages still moves offsets on.
			if len(msgs) > 0 {
				if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
					log.Printf("[ingest.events] commit offsets: %v", err)
				}
			}
			continue
		}
		res, err := c.guard.Admit(ctx, batch)
		if err != nil {
			log.Printf("[ingest.events] admit batch: %v", err)
			continue
		}
		if len(res.FailedSequences) > 0 {
			log.Printf("[ingest.events] %d records failed, leaving offsets uncommitted for re-drive", len(res.FailedSequences))
			continue
		}
		if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
			log.Printf("[ingest.events] commit offsets: %v", err)
		}
	}
}

func (c *EventConsumer) nextBatch(ctx context.Context) ([]models.DeliveryEvent, []kafka.Message, error) {
	var (
		batch []models.DeliveryEvent
		msgs  []kafka.Message
	)
	deadline := time.Now().Add(c.batchWait)
	for len(batch) < c.batchSize {
		fetchCtx, cancelFetch := context.WithDeadline(ctx, deadline)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancelFetch()
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			break // batch window elapsed
		}
		ev, err := decodeDeliveryEvent(msg)
		if err != nil {
			log.Printf("[ingest.events] dropping malformed message at %s/%d/%d: %v",
				msg.Topic, msg.Partition, msg.Offset, err)
			msgs = append(msgs, msg)
			continue
		}
		batch = append(batch, ev)
		msgs = append(msgs, msg)
	}
	return batch, msgs, nil
}

func decodeDeliveryEvent(msg kafka.Message) (models.DeliveryEvent, error) {
	body, err := decodePayload(msg.Value)
	if err != nil {
		return models.DeliveryEvent{}, err
	}
	var ev models.DeliveryEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return models.DeliveryEvent{}, fmt.Errorf("parse delivery event: %w", err)
	}
	if ev.RequestID == "" {
		return models.DeliveryEvent{}, fmt.Errorf("delivery event missing requestId")
	}
	if ev.SequenceNumber == "" {
		ev.SequenceNumber = fmt.Sprintf("%d-%d", msg.Partition, msg.Offset)
	}
	return ev, nil
}

// CancellationConsumer feeds cancellation signals into the compensator.
type CancellationConsumer struct {
	reader      *kafka.Reader
	compensator *cancel.Compensator
}

func NewCancellationConsumer(cfg ReaderConfig, comp *cancel.Compensator) (*CancellationConsumer, error) {
	reader, err := newReader(cfg)
	if err != nil {
		return nil, err
	}
	return &CancellationConsumer{reader: reader, compensator: comp}, nil
}

func (c *CancellationConsumer) Run(ctx context.Context) error {
	log.Printf("[ingest.cancellations] starting")
	defer log.Printf("[ingest.cancellations] stopped")
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		sig, err := decodeSignal(msg)
		if err != nil {
			log.Printf("[ingest.cancellations] dropping malformed message at %s/%d/%d: %v",
				msg.Topic, msg.Partition, msg.Offset, err)
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				log.Printf("[ingest.cancellations] commit offsets: %v", err)
			}
			continue
		}
		res := c.compensator.Process(ctx, []cancel.Signal{sig})
		if len(res.FailedSequences) > 0 {
			log.Printf("[ingest.cancellations] signal %s failed, leaving offset uncommitted", sig.SequenceNumber)
			continue
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("[ingest.cancellations] commit offsets: %v", err)
		}
	}
}

func decodeSignal(msg kafka.Message) (cancel.Signal, error) {
	body, err := decodePayload(msg.Value)
	if err != nil {
		return cancel.Signal{}, err
	}
	var sig cancel.Signal
	if err := json.Unmarshal(body, &sig); err != nil {
		return cancel.Signal{}, fmt.Errorf("parse cancellation signal: %w", err)
	}
	if sig.TrackingID == "" {
		return cancel.Signal{}, fmt.Errorf("cancellation signal missing trackingId")
	}
	if sig.SequenceNumber == "" {
		sig.SequenceNumber = fmt.Sprintf("%d-%d", msg.Partition, msg.Offset)
	}
	return sig, nil
}

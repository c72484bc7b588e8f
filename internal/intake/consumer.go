package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/corvidlabs/beacon/internal/config"
	"github.com/corvidlabs/beacon/internal/notify"
	"github.com/corvidlabs/beacon/internal/orchestrator"
)

// Pipeline is the part of the orchestrator the consumer needs.
type Pipeline interface {
	Process(ctx context.Context, req notify.Request) (*orchestrator.Result, error)
	CancelRecipient(ctx context.Context, userID string) (int64, error)
}

// Consumer reads delivery commands from Kafka. Offsets are committed
// only after the pipeline reached a decision, so a crash mid-delivery
// redelivers the command; the audit trail makes the redelivery a
// no-op.
type Consumer struct {
	reader   *kafka.Reader
	pipeline Pipeline
	logger   *slog.Logger
}

// NewConsumer creates a Consumer for the configured topic.
func NewConsumer(cfg config.KafkaConfig, pipeline Pipeline, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 1 << 20,
	})
	return &Consumer{reader: reader, pipeline: pipeline, logger: logger}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Warn("closing kafka reader failed", "error", err)
		}
	}()

	c.logger.Info("command consumer started", "topic", c.reader.Config().Topic)

	backoff := time.Second
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			c.logger.Error("fetching command failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if err := c.handle(ctx, msg.Value); err != nil {
			// Infrastructure failure: leave the offset uncommitted so
			// the command is redelivered.
			c.logger.Error("command processing failed",
				"partition", msg.Partition, "offset", msg.Offset, "error", err)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("committing offset failed", "offset", msg.Offset, "error", err)
		}
	}
}

// handle decodes and dispatches one command. A nil return means the
// command reached a decision and its offset may be committed.
func (c *Consumer) handle(ctx context.Context, value []byte) error {
	var cmd Command
	if err := json.Unmarshal(value, &cmd); err != nil {
		// Malformed payloads can never succeed; skip them.
		c.logger.Error("discarding malformed command", "error", err)
		return nil
	}

	switch cmd.Type {
	case TypeCancel:
		_, err := c.pipeline.CancelRecipient(ctx, cmd.RecipientID)
		return err
	case "", TypeNotify:
		req, err := cmd.ToRequest()
		if err != nil {
			c.logger.Error("discarding invalid command",
				"request_id", cmd.RequestID, "error", err)
			return nil
		}
		result, err := c.pipeline.Process(ctx, req)
		if err != nil {
			return err
		}
		c.logger.Info("command processed",
			"request_id", req.ID,
			"user_id", req.RecipientID,
			"state", result.State,
			"reason", result.Reason)
		return nil
	default:
		c.logger.Error("discarding command with unknown type", "type", cmd.Type)
		return nil
	}
}

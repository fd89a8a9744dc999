package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/cocrm/internal/retry"
)

// MessageWriter is the producing side of *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the consumer-group side of *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue hands compensation to a durable topic so a refund survives a
// crash between the failed provider call and the refund. Requests are keyed
// by debit entry id, so retries of one debit land on one partition.
type KafkaQueue struct {
	writer   MessageWriter
	fallback Compensator
	timeout  time.Duration
	logger   *slog.Logger
}

var _ Compensator = (*KafkaQueue)(nil)

func NewKafkaQueue(brokers []string, topic string, fallback Compensator, logger *slog.Logger) *KafkaQueue {
	return NewKafkaQueueWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, fallback, logger)
}

// NewKafkaQueueWithWriter uses w. When publishing fails the request goes to
// fallback, if set.
func NewKafkaQueueWithWriter(w MessageWriter, fallback Compensator, logger *slog.Logger) *KafkaQueue {
	return &KafkaQueue{writer: w, fallback: fallback, timeout: 5 * time.Second, logger: logger}
}

func (q *KafkaQueue) Compensate(ctx context.Context, req Request) error {
	if err := req.validate(); err != nil {
		return err
	}
	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("saga: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
	defer cancel()
	err = q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.DebitEntryID),
		Value: value,
	})
	if err == nil {
		q.logger.Info("compensation queued", "tenant_id", req.TenantID, "kind", req.Kind, "entry_id", req.DebitEntryID)
		return nil
	}

	q.logger.Warn("compensation publish failed", "entry_id", req.DebitEntryID, "error", err)
	if q.fallback != nil {
		return q.fallback.Compensate(ctx, req)
	}
	return err
}

func (q *KafkaQueue) Close() error { return q.writer.Close() }

// Worker consumes queued requests and executes them. Offsets are committed
// after each message is handled; a request that keeps failing is logged and
// skipped, and the reconciliation sweep completes it.
type Worker struct {
	reader MessageReader
	exec   *Executor
	policy retry.Policy
	logger *slog.Logger
}

func NewWorker(brokers []string, topic, groupID string, exec *Executor, logger *slog.Logger) *Worker {
	return NewWorkerWithReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	}), exec, logger)
}

func NewWorkerWithReader(r MessageReader, exec *Executor, logger *slog.Logger) *Worker {
	return &Worker{
		reader: r,
		exec:   exec,
		policy: retry.Policy{
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Retryable:   retryable,
		},
		logger: logger,
	}
}

// Run blocks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("compensation worker started")
	for {
		m, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("compensation worker stopped")
				return nil
			}
			w.logger.Error("fetch compensation message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		w.handle(ctx, m)
		if err := w.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			w.logger.Error("commit compensation offset", "offset", m.Offset, "error", err)
		}
	}
}

func (w *Worker) handle(ctx context.Context, m kafka.Message) {
	var req Request
	if err := json.Unmarshal(m.Value, &req); err != nil {
		w.logger.Error("malformed compensation message", "offset", m.Offset, "error", err)
		return
	}
	err := w.policy.Do(ctx, func() error {
		_, err := w.exec.Execute(ctx, req)
		return err
	})
	if err != nil {
		w.logger.Error("compensation failed, left for reconciliation",
			"tenant_id", req.TenantID,
			"kind", req.Kind,
			"entry_id", req.DebitEntryID,
			"error", err,
		)
	}
}

func (w *Worker) Close() error { return w.reader.Close() }

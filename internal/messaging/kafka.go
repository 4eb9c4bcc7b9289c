package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/ingest/config"
	"example.com/backstage/ingest/internal/metrics"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

const (
	kafkaMinBytes = 1_000      // 1KB
	kafkaMaxBytes = 10_000_000 // 10MB
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer feeds raw events from a Kafka topic into the processor.
// Offsets are committed only after a message reached a final outcome or the
// dead letter topic.
type KafkaConsumer struct {
	reader      messageReader
	dlq         messageWriter
	topic       string
	maxAttempts int
	retryDelay  time.Duration
	handler     EventHandler
	metrics     *metrics.Metrics
}

// NewKafkaConsumer creates a consumer group reader and a dead letter writer
func NewKafkaConsumer(cfg config.KafkaConfig, msgCfg config.MessagingConfig, handler EventHandler, m *metrics.Metrics) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("no Kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("Kafka topic is empty")
	}
	var dlq messageWriter
	if cfg.DLQTopic != "" {
		dlq = NewWriter(cfg.Brokers, cfg.DLQTopic)
	}
	return newKafkaConsumer(NewReader(cfg), dlq, cfg.Topic, msgCfg, handler, m), nil
}

func newKafkaConsumer(reader messageReader, dlq messageWriter, topic string, msgCfg config.MessagingConfig, handler EventHandler, m *metrics.Metrics) *KafkaConsumer {
	maxAttempts := msgCfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &KafkaConsumer{
		reader:      reader,
		dlq:         dlq,
		topic:       topic,
		maxAttempts: maxAttempts,
		retryDelay:  msgCfg.RetryDelay,
		handler:     handler,
		metrics:     m,
	}
}

// NewReader creates a consumer group reader
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.Brokers,
		GroupID:         cfg.GroupID,
		Topic:           cfg.Topic,
		MinBytes:        kafkaMinBytes,
		MaxBytes:        kafkaMaxBytes,
		MaxWait:         250 * time.Millisecond,
		ReadLagInterval: -1,
	})
}

// NewWriter creates a synchronous writer keyed by message key
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
}

// Run consumes until ctx is cancelled or the reader fails
func (k *KafkaConsumer) Run(ctx context.Context) error {
	log.Info().Str("topic", k.topic).Msg("Starting Kafka consumer")

	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			k.metrics.RecordMessage(metrics.MessageOperationReceive, false)
			return errors.Wrap(err, "failed to fetch Kafka message")
		}
		k.metrics.RecordMessage(metrics.MessageOperationReceive, true)

		if _, err := k.handleMessage(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		err = k.reader.CommitMessages(ctx, msg)
		k.metrics.RecordMessage(metrics.MessageOperationComplete, err == nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to commit Kafka offset")
		}
	}
}

// handleMessage processes msg with bounded retries. A non-nil error means
// the message must not be committed.
func (k *KafkaConsumer) handleMessage(ctx context.Context, msg kafka.Message) (Disposition, error) {
	env, err := DecodeEnvelope(msg.Value)
	if err != nil {
		return DispositionDeadLetter, k.deadLetter(ctx, msg, "undecodable", err, 0)
	}

	var last string
	for attempt := 1; attempt <= k.maxAttempts; attempt++ {
		outcome := k.handler.ProcessEvent(ctx, env.RawInput(), env.SimulateFailure)
		if Dispose(outcome) == DispositionComplete {
			return DispositionComplete, nil
		}
		last = outcomeMessage(outcome)
		log.Warn().
			Int("attempt", attempt).
			Int64("offset", msg.Offset).
			Int("partition", msg.Partition).
			Str("error", last).
			Msg("Processing failed, retrying")

		if attempt < k.maxAttempts {
			if err := sleepCtx(ctx, k.retryDelay*time.Duration(attempt)); err != nil {
				return DispositionRetry, err
			}
		}
	}

	return DispositionDeadLetter, k.deadLetter(ctx, msg, "max_attempts_exceeded", errors.New(last), k.maxAttempts)
}

func (k *KafkaConsumer) deadLetter(ctx context.Context, msg kafka.Message, reason string, cause error, attempts int) error {
	if k.dlq == nil {
		log.Error().Err(cause).Int64("offset", msg.Offset).Str("reason", reason).Msg("Dropping message, no dead letter topic configured")
		k.metrics.RecordMessage(metrics.MessageOperationDeadLetter, false)
		return nil
	}

	record, err := json.Marshal(NewDeadLetter(msg.Value, reason, cause, attempts))
	if err != nil {
		return errors.Wrap(err, "failed to marshal dead letter")
	}
	err = k.dlq.WriteMessages(ctx, kafka.Message{Key: msg.Key, Value: record})
	k.metrics.RecordMessage(metrics.MessageOperationDeadLetter, err == nil)
	if err != nil {
		return errors.Wrap(err, "failed to write dead letter")
	}
	log.Warn().Int64("offset", msg.Offset).Str("reason", reason).Msg("Message dead-lettered")
	return nil
}

// Close closes the reader and dead letter writer
func (k *KafkaConsumer) Close() error {
	var firstErr error
	if err := k.reader.Close(); err != nil {
		firstErr = err
	}
	if k.dlq != nil {
		if err := k.dlq.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

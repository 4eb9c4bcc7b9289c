package messaging

import (
	"context"
	"time"

	"example.com/backstage/ingest/config"
	"example.com/backstage/ingest/internal/metrics"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const receiveBackoff = 2 * time.Second

// queueReceiver is the subset of *azservicebus.Receiver the consumer uses
type queueReceiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
	Close(ctx context.Context) error
}

// AzureConsumer feeds raw events from an Azure Service Bus queue into the
// processor. Processing errors are abandoned so Service Bus redelivers them
// until the delivery budget is spent.
type AzureConsumer struct {
	client      *azservicebus.Client
	receiver    queueReceiver
	queueName   string
	batchSize   int
	maxAttempts uint32
	handler     EventHandler
	metrics     *metrics.Metrics
}

// NewAzureConsumer creates a receiver for the configured queue
func NewAzureConsumer(cfg config.AzureConfig, msgCfg config.MessagingConfig, handler EventHandler, m *metrics.Metrics) (*AzureConsumer, error) {
	if cfg.QueueConnStr == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	receiver, err := client.NewReceiverForQueue(cfg.QueueName, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus receiver")
	}

	c := newAzureConsumer(receiver, cfg, msgCfg, handler, m)
	c.client = client
	return c, nil
}

func newAzureConsumer(receiver queueReceiver, cfg config.AzureConfig, msgCfg config.MessagingConfig, handler EventHandler, m *metrics.Metrics) *AzureConsumer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	maxAttempts := msgCfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &AzureConsumer{
		receiver:    receiver,
		queueName:   cfg.QueueName,
		batchSize:   batchSize,
		maxAttempts: uint32(maxAttempts),
		handler:     handler,
		metrics:     m,
	}
}

// Run receives batches until ctx is cancelled
func (a *AzureConsumer) Run(ctx context.Context) error {
	log.Info().Str("queue", a.queueName).Msg("Starting Azure Service Bus consumer")

	for {
		messages, err := a.receiver.ReceiveMessages(ctx, a.batchSize, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.metrics.RecordMessage(metrics.MessageOperationReceive, false)
			log.Error().Err(err).Str("queue", a.queueName).Msg("Error receiving messages")
			if err := sleepCtx(ctx, receiveBackoff); err != nil {
				return nil
			}
			continue
		}

		for _, msg := range messages {
			a.metrics.RecordMessage(metrics.MessageOperationReceive, true)
			a.handleMessage(ctx, msg)
		}
	}
}

func (a *AzureConsumer) handleMessage(ctx context.Context, msg *azservicebus.ReceivedMessage) Disposition {
	env, err := DecodeEnvelope(msg.Body)
	if err != nil {
		a.deadLetter(ctx, msg, "undecodable", err)
		return DispositionDeadLetter
	}

	outcome := a.handler.ProcessEvent(ctx, env.RawInput(), env.SimulateFailure)
	disposition := Dispose(outcome)

	if disposition == DispositionRetry && msg.DeliveryCount >= a.maxAttempts {
		a.deadLetter(ctx, msg, "max_attempts_exceeded", errors.New(outcomeMessage(outcome)))
		return DispositionDeadLetter
	}

	switch disposition {
	case DispositionRetry:
		err := a.receiver.AbandonMessage(ctx, msg, nil)
		a.metrics.RecordMessage(metrics.MessageOperationAbandon, err == nil)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to abandon message")
		}
	default:
		err := a.receiver.CompleteMessage(ctx, msg, nil)
		a.metrics.RecordMessage(metrics.MessageOperationComplete, err == nil)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to complete message")
		}
	}
	return disposition
}

func (a *AzureConsumer) deadLetter(ctx context.Context, msg *azservicebus.ReceivedMessage, reason string, cause error) {
	description := cause.Error()
	err := a.receiver.DeadLetterMessage(ctx, msg, &azservicebus.DeadLetterOptions{
		Reason:           &reason,
		ErrorDescription: &description,
	})
	a.metrics.RecordMessage(metrics.MessageOperationDeadLetter, err == nil)
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.MessageID).Msg("Failed to dead-letter message")
		return
	}
	log.Warn().Str("message_id", msg.MessageID).Str("reason", reason).Msg("Message dead-lettered")
}

// Close closes the receiver and client
func (a *AzureConsumer) Close(ctx context.Context) error {
	if a.receiver != nil {
		if err := a.receiver.Close(ctx); err != nil {
			return err
		}
	}
	if a.client != nil {
		return a.client.Close(ctx)
	}
	return nil
}

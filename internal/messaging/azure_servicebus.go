package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/storefront/services/dispatch/config"
	"example.com/storefront/services/dispatch/internal/models"
	"example.com/storefront/services/dispatch/internal/services"
)

// Event types carried on the order-events queue
const (
	EventOrderStatusChanged = "OrderStatusChanged"
)

// Envelope is the common message structure on the queue.
type Envelope struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// OrderStatusChangedEvent announces an order status transition.
type OrderStatusChangedEvent struct {
	OrderID   uint   `json:"order_id"`
	Status    string `json:"status"`
	ChangedBy uint   `json:"changed_by"`
	Note      string `json:"note"`
}

// DispatchEnsurer is the coordinator operation the processor invokes.
type DispatchEnsurer interface {
	EnsureDispatchForConfirmedOrder(ctx context.Context, orderID uint, changedBy uint, note string) (*services.EnsureResult, error)
}

// MessageProcessor handles one received message.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// Processor routes order events to the dispatch coordinator. Because the
// coordinator is idempotent, at-least-once queue delivery is safe: a
// redelivered confirmation resolves to a no-op.
type Processor struct {
	dispatches DispatchEnsurer
}

// NewProcessor creates a new processor
func NewProcessor(dispatches DispatchEnsurer) *Processor {
	return &Processor{dispatches: dispatches}
}

// ProcessMessage decodes and handles one queue message.
func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var envelope Envelope
	if err := json.Unmarshal(message.Body, &envelope); err != nil {
		return errors.Wrap(err, "failed to unmarshal message envelope")
	}

	switch envelope.EventType {
	case EventOrderStatusChanged:
		var event OrderStatusChangedEvent
		if err := json.Unmarshal(envelope.Data, &event); err != nil {
			return errors.Wrap(err, "failed to unmarshal order status event")
		}
		return p.handleOrderStatusChanged(ctx, event)
	default:
		log.Debug().Str("event_type", envelope.EventType).Msg("Ignoring unhandled event type")
		return nil
	}
}

func (p *Processor) handleOrderStatusChanged(ctx context.Context, event OrderStatusChangedEvent) error {
	if event.Status != models.OrderStatusConfirmed {
		log.Debug().
			Uint("order_id", event.OrderID).
			Str("status", event.Status).
			Msg("Order status change needs no dispatch")
		return nil
	}

	result, err := p.dispatches.EnsureDispatchForConfirmedOrder(ctx, event.OrderID, event.ChangedBy, event.Note)
	if err != nil {
		return errors.Wrapf(err, "failed to ensure dispatch for order %d", event.OrderID)
	}

	log.Info().
		Uint("order_id", event.OrderID).
		Uint("dispatch_id", result.DispatchID).
		Bool("created", result.Created).
		Msg("Order confirmation processed")
	return nil
}

// Consumer receives messages from the order-events queue. Without a
// connection string the consumer is disabled and Run just waits for
// shutdown; the reconciliation job then carries the trigger path alone.
type Consumer struct {
	client    *azservicebus.Client
	queueName string
	enabled   bool
}

// NewConsumer creates a new queue consumer
func NewConsumer(cfg config.AzureConfig) (*Consumer, error) {
	if cfg.QueueConnStr == "" {
		log.Warn().Msg("Azure Service Bus connection string not configured, queue consumer disabled")
		return &Consumer{enabled: false}, nil
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.QueueConnStr, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	return &Consumer{
		client:    client,
		queueName: cfg.QueueName,
		enabled:   true,
	}, nil
}

// Run receives and processes messages until the context is cancelled.
// Failed messages are abandoned back to the queue for redelivery.
func (c *Consumer) Run(ctx context.Context, processor MessageProcessor) error {
	if !c.enabled {
		<-ctx.Done()
		return nil
	}

	receiver, err := c.client.NewReceiverForQueue(c.queueName, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create receiver for queue %s", c.queueName)
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("Error closing queue receiver")
		}
	}()

	log.Info().Str("queue", c.queueName).Msg("Starting order-events consumer")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		messages, err := receiver.ReceiveMessages(ctx, 10, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Msg("Error receiving messages")
			time.Sleep(2 * time.Second)
			continue
		}

		for _, message := range messages {
			if err := processor.ProcessMessage(ctx, message); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error processing message")
				if err := receiver.AbandonMessage(ctx, message, nil); err != nil {
					log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error abandoning message")
				}
				continue
			}
			if err := receiver.CompleteMessage(ctx, message, nil); err != nil {
				log.Error().Err(err).Str("message_id", message.MessageID).Msg("Error completing message")
			}
		}
	}
}

// Close closes the Service Bus client
func (c *Consumer) Close() error {
	if !c.enabled {
		return nil
	}
	return c.client.Close(context.Background())
}

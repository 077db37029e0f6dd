package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/model"
)

// DeliveryStore records notification-service acknowledgements.
type DeliveryStore interface {
	MarkDelivered(ctx context.Context, id, notificationID string) error
}

// Consumer is plugged into the asynq worker loop. Handler outcomes follow
// the protocol: nil completes the message, asynq.SkipRetry dead-letters it,
// any other error leaves it for redelivery after lock expiry.
type Consumer struct {
	envelopes  *envelope.Service
	store      envelope.Store
	deliveries DeliveryStore
	client     Client
	logger     *slog.Logger
}

// NewConsumer constructs a Consumer.
func NewConsumer(envelopes *envelope.Service, store envelope.Store, deliveries DeliveryStore, client Client, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		envelopes:  envelopes,
		store:      store,
		deliveries: deliveries,
		client:     client,
		logger:     logger,
	}
}

// Mux registers the queue handlers.
func (c *Consumer) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskErrorNotification, c.handleError)
	mux.HandleFunc(TaskEnvelopeConfirmed, c.handleConfirmed)
	return mux
}

// handleError delivers one error report to the notification service.
func (c *Consumer) handleError(ctx context.Context, task *asynq.Task) error {
	var msg ErrorMessage
	if err := json.Unmarshal(task.Payload(), &msg); err != nil {
		c.logger.Error("error notification payload is malformed, dead-lettering",
			"payload", string(task.Payload()), "error", err)
		return fmt.Errorf("decode error notification: %v: %w", err, asynq.SkipRetry)
	}
	notificationID, err := c.client.Send(ctx, msg)
	switch {
	case err == nil:
	case IsClientError(err):
		c.logger.Error("notification service rejected the message, dead-lettering",
			"zip", msg.ZipFileName, "code", msg.ErrorCode, "response", err.Error())
		return fmt.Errorf("notification rejected: %v: %w", err, asynq.SkipRetry)
	default:
		c.logger.Warn("notification delivery failed, leaving for redelivery",
			"zip", msg.ZipFileName, "code", msg.ErrorCode, "error", err)
		return err
	}
	if err := c.deliveries.MarkDelivered(ctx, msg.ID, notificationID); err != nil {
		c.logger.Warn("could not record notification id, leaving for redelivery",
			"zip", msg.ZipFileName, "error", err)
		return err
	}
	return nil
}

// handleConfirmed finalises an envelope the case system confirmed.
func (c *Consumer) handleConfirmed(ctx context.Context, task *asynq.Task) error {
	var msg ConfirmedMessage
	if err := json.Unmarshal(task.Payload(), &msg); err != nil {
		c.logger.Error("confirmation payload is malformed, dead-lettering",
			"payload", string(task.Payload()), "error", err)
		return fmt.Errorf("decode confirmation: %v: %w", err, asynq.SkipRetry)
	}
	env, err := c.store.Get(ctx, msg.EnvelopeID)
	switch {
	case errors.Is(err, envelope.ErrNotFound):
		c.logger.Error("confirmation for unknown envelope, dead-lettering", "envelope", msg.EnvelopeID)
		return fmt.Errorf("unknown envelope %s: %w", msg.EnvelopeID, asynq.SkipRetry)
	case err != nil:
		c.logger.Warn("envelope lookup failed, leaving for redelivery", "envelope", msg.EnvelopeID, "error", err)
		return err
	}
	switch env.Status {
	case model.StatusCompleted:
		// Redelivered confirmation after a finished completion.
		return nil
	case model.StatusNotificationSent:
	default:
		c.logger.Error("confirmation for envelope in unexpected status, dead-lettering",
			"envelope", msg.EnvelopeID, "status", env.Status)
		return fmt.Errorf("envelope %s in status %s: %w", msg.EnvelopeID, env.Status, asynq.SkipRetry)
	}
	if err := c.envelopes.Complete(ctx, env, msg.CaseReference); err != nil {
		c.logger.Warn("completion failed, leaving for redelivery", "envelope", msg.EnvelopeID, "error", err)
		return err
	}
	c.logger.Info("envelope completed", "envelope", msg.EnvelopeID, "zip", env.ZipFileName)
	return nil
}

package notify

import (
	"context"
	"log/slog"

	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/model"
)

// ProcessedEnqueuer queues processed-envelope messages; satisfied by
// Producer.
type ProcessedEnqueuer interface {
	EnqueueProcessed(ctx context.Context, msg ProcessedMessage) error
}

// Dispatcher publishes processed-envelope notifications for envelopes whose
// source zip is confirmed deleted. Enqueue acceptance by the broker is what
// moves an envelope to NOTIFICATION_SENT; completion waits for the inbound
// confirmation handled by the Consumer.
type Dispatcher struct {
	envelopes *envelope.Service
	store     envelope.Store
	producer  ProcessedEnqueuer
	logger    *slog.Logger
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(envelopes *envelope.Service, store envelope.Store, producer ProcessedEnqueuer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{envelopes: envelopes, store: store, producer: producer, logger: logger}
}

// DispatchProcessed notifies the case system about every PROCESSED envelope.
// A failed enqueue leaves the envelope in PROCESSED for the next pass.
func (d *Dispatcher) DispatchProcessed(ctx context.Context) error {
	processed, err := d.store.ListByStatus(ctx, model.StatusProcessed)
	if err != nil {
		return err
	}
	for _, env := range processed {
		msg := ProcessedMessage{
			EnvelopeID:   env.ID,
			Container:    env.Container,
			ZipFileName:  env.ZipFileName,
			Jurisdiction: env.Jurisdiction,
		}
		if err := d.producer.EnqueueProcessed(ctx, msg); err != nil {
			d.logger.Warn("processed notification enqueue failed",
				"envelope", env.ID, "zip", env.ZipFileName, "error", err)
			continue
		}
		if err := d.envelopes.MarkNotificationSent(ctx, env); err != nil {
			d.logger.Warn("could not record notification-sent status",
				"envelope", env.ID, "zip", env.ZipFileName, "error", err)
			continue
		}
		d.logger.Info("processed notification sent", "envelope", env.ID, "zip", env.ZipFileName)
	}
	return nil
}

package rejection

import (
	"context"
	"log/slog"

	"github.com/scangate/scangate/internal/blob"
	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/model"
	"github.com/scangate/scangate/internal/notify"
)

// NotificationStore persists outbound error notification records.
type NotificationStore interface {
	Create(ctx context.Context, n *model.ErrorNotification) error
}

// ErrorEnqueuer queues error reports for delivery; satisfied by
// notify.Producer.
type ErrorEnqueuer interface {
	EnqueueError(ctx context.Context, msg notify.ErrorMessage) error
}

// Origin carries the envelope identifiers known at rejection time. For
// failures before metadata parsing only Container and ZipFileName are set.
type Origin struct {
	Container             string
	ZipFileName           string
	Jurisdiction          string
	PoBox                 string
	DocumentControlNumber string
}

// Pipeline handles a terminal rejection: audit event, blob relocation and
// error notification dispatch. No envelope row is created here; failures
// after persistence go through the state machine instead.
type Pipeline struct {
	store             blob.Store
	events            envelope.EventStore
	notifications     NotificationStore
	producer          ErrorEnqueuer
	rejectedContainer string
	logger            *slog.Logger
}

// NewPipeline constructs a Pipeline.
func NewPipeline(store blob.Store, events envelope.EventStore, notifications NotificationStore, producer ErrorEnqueuer, rejectedContainer string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:             store,
		events:            events,
		notifications:     notifications,
		producer:          producer,
		rejectedContainer: rejectedContainer,
		logger:            logger,
	}
}

// Reject records the failure, moves the zip aside and dispatches the error
// notification. The blob move is best-effort: a failed move is logged and
// the rejection still completes, so the error report is never lost.
func (p *Pipeline) Reject(ctx context.Context, origin Origin, rej *RejectionError) error {
	p.logger.Info("rejecting zip",
		"container", origin.Container, "zip", origin.ZipFileName, "code", rej.Code, "reason", rej.Msg)
	eventID, err := p.events.Append(ctx, &model.ProcessEvent{
		Container:   origin.Container,
		ZipFileName: origin.ZipFileName,
		Event:       model.EventZipFileFailedProcessing,
		Reason:      rej.Error(),
	})
	if err != nil {
		return err
	}
	if err := p.store.Move(ctx, origin.Container, origin.ZipFileName, p.rejectedContainer); err != nil {
		p.logger.Warn("could not move rejected zip, leaving in place",
			"container", origin.Container, "zip", origin.ZipFileName, "error", err)
	}
	record := &model.ErrorNotification{
		EventID:     eventID,
		ErrorCode:   string(rej.Code),
		Description: rej.Msg,
	}
	if err := p.notifications.Create(ctx, record); err != nil {
		return err
	}
	return p.producer.EnqueueError(ctx, notify.ErrorMessage{
		ID:                    record.ID,
		EventID:               eventID,
		ZipFileName:           origin.ZipFileName,
		Jurisdiction:          origin.Jurisdiction,
		PoBox:                 origin.PoBox,
		DocumentControlNumber: origin.DocumentControlNumber,
		ErrorCode:             string(rej.Code),
		Description:           rej.Msg,
	})
}

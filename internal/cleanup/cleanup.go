// Package cleanup removes source zips once their envelopes no longer need
// them and purges expired rejected files.
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/scangate/scangate/internal/blob"
	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/model"
)

// Task runs the scheduled cleanup passes.
type Task struct {
	store             blob.Store
	envelopes         *envelope.Service
	envelopeStore     envelope.Store
	rejectedContainer string
	logger            *slog.Logger
}

// NewTask constructs a Task.
func NewTask(store blob.Store, envelopes *envelope.Service, envelopeStore envelope.Store, rejectedContainer string, logger *slog.Logger) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	return &Task{
		store:             store,
		envelopes:         envelopes,
		envelopeStore:     envelopeStore,
		rejectedContainer: rejectedContainer,
		logger:            logger,
	}
}

// DeleteCompleteZips deletes source zips for envelopes past upload whose
// earlier delete attempt failed. A blob that is already gone still counts as
// deleted; a failed delete leaves the flag unset so the next pass retries.
func (t *Task) DeleteCompleteZips(ctx context.Context) error {
	for _, status := range []model.Status{model.StatusUploaded, model.StatusNotificationSent, model.StatusCompleted} {
		envs, err := t.envelopeStore.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, env := range envs {
			if env.ZipDeleted {
				continue
			}
			t.deleteZip(ctx, env)
		}
	}
	return nil
}

func (t *Task) deleteZip(ctx context.Context, env *model.Envelope) {
	logger := t.logger.With("container", env.Container, "zip", env.ZipFileName, "envelope", env.ID)
	err := t.store.Delete(ctx, env.Container, env.ZipFileName)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		logger.Warn("zip delete failed, will retry next pass", "error", err)
		return
	}
	var markErr error
	if env.Status == model.StatusUploaded {
		markErr = t.envelopes.MarkProcessed(ctx, env)
	} else {
		markErr = t.envelopes.MarkZipDeleted(ctx, env)
	}
	if markErr != nil {
		logger.Warn("could not record zip deletion", "error", markErr)
		return
	}
	logger.Info("source zip deleted")
}

// PurgeRejected deletes rejected files older than retention.
func (t *Task) PurgeRejected(ctx context.Context, retention time.Duration) error {
	objects, err := t.store.ListObjects(ctx, t.rejectedContainer)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-retention)
	for _, info := range objects {
		if info.LastModified.After(cutoff) {
			continue
		}
		if err := t.store.Delete(ctx, t.rejectedContainer, info.Name); err != nil {
			t.logger.Warn("could not purge rejected file", "zip", info.Name, "error", err)
			continue
		}
		t.logger.Info("purged expired rejected file", "zip", info.Name)
	}
	return nil
}

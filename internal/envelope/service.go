// Package envelope owns the envelope state machine. All status transitions
// and the append-only audit trail go through Service; nothing else mutates
// an envelope row.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scangate/scangate/internal/model"
)

var (
	// ErrNotFound is returned when no envelope matches.
	ErrNotFound = errors.New("envelope not found")
	// ErrDuplicate is returned when a live envelope already exists for the
	// (container, zip file name) pair.
	ErrDuplicate = errors.New("duplicate envelope")
	// ErrNotStale rejects manual recovery on an envelope whose audit trail
	// is still moving.
	ErrNotStale = errors.New("envelope has recent activity and is not stale")
	// ErrAlreadyDelivered rejects manual recovery on an envelope the case
	// system has already acknowledged.
	ErrAlreadyDelivered = errors.New("envelope already carries a case reference")
	// ErrInvalidTransition is returned for a manual operation applied to a
	// status it does not cover.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the envelope persistence contract.
type Store interface {
	Create(ctx context.Context, env *model.Envelope) error
	Get(ctx context.Context, id string) (*model.Envelope, error)
	// FindNonDeleted returns the live envelope for the pair, or ErrNotFound.
	FindNonDeleted(ctx context.Context, container, zipFileName string) (*model.Envelope, error)
	// FindLatest returns the newest envelope for the pair regardless of the
	// zip-deleted flag, or ErrNotFound.
	FindLatest(ctx context.Context, container, zipFileName string) (*model.Envelope, error)
	Update(ctx context.Context, env *model.Envelope) error
	UpdateItems(ctx context.Context, envelopeID string, items []model.ScannableItem) error
	// ScrubOcrData clears every item's OCR payload for the envelope.
	ScrubOcrData(ctx context.Context, envelopeID string) error
	ListByStatus(ctx context.Context, status model.Status) ([]*model.Envelope, error)
}

// EventStore is the audit trail persistence contract.
type EventStore interface {
	Append(ctx context.Context, event *model.ProcessEvent) (int64, error)
	List(ctx context.Context, container, zipFileName string) ([]model.ProcessEvent, error)
	// LastEventAt returns the creation time of the newest event for the
	// pair, or the zero time when none exists.
	LastEventAt(ctx context.Context, container, zipFileName string) (time.Time, error)
}

// Service drives all envelope status transitions. Every transition appends
// exactly one ProcessEvent.
type Service struct {
	store  Store
	events EventStore
	// staleAfter is how long the audit trail must be quiet before manual
	// recovery may touch an envelope.
	staleAfter time.Duration
	// maxUploadRetries caps automatic reupload attempts.
	maxUploadRetries int
	now              func() time.Time
}

// NewService constructs the state machine service.
func NewService(store Store, events EventStore, staleAfter time.Duration, maxUploadRetries int) *Service {
	return &Service{
		store:            store,
		events:           events,
		staleAfter:       staleAfter,
		maxUploadRetries: maxUploadRetries,
		now:              time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Events exposes the audit trail store for read-side collaborators.
func (s *Service) Events() EventStore { return s.events }

// Existing returns the most recent envelope for the pair, or nil when the
// zip has never been seen. The orchestrator checks this before any
// extraction work begins: an envelope still awaiting upload keeps its blob,
// anything else makes a re-uploaded zip a duplicate. A zip re-uploaded after
// its envelope completed is still a duplicate.
func (s *Service) Existing(ctx context.Context, container, zipFileName string) (*model.Envelope, error) {
	env, err := s.store.FindLatest(ctx, container, zipFileName)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// RecordDuplicate writes the duplicate-detection event for a re-submitted
// zip without creating a new envelope.
func (s *Service) RecordDuplicate(ctx context.Context, container, zipFileName string) error {
	return s.appendEvent(ctx, container, zipFileName, model.EventDuplicateRejected,
		"zip was already processed, discarding duplicate submission")
}

// Create persists a freshly parsed envelope in CREATED. A concurrent insert
// for the same pair surfaces as ErrDuplicate; the caller records the
// duplicate event instead of failing the scan.
func (s *Service) Create(ctx context.Context, env *model.Envelope) error {
	env.Status = model.StatusCreated
	if err := s.store.Create(ctx, env); err != nil {
		return err
	}
	return s.appendEvent(ctx, env.Container, env.ZipFileName, model.EventZipFileProcessingStarted, "")
}

// MarkUploaded records a successful document-store upload.
func (s *Service) MarkUploaded(ctx context.Context, env *model.Envelope, items []model.ScannableItem) error {
	if err := s.store.UpdateItems(ctx, env.ID, items); err != nil {
		return err
	}
	env.ScannableItems = items
	return s.transition(ctx, env, model.StatusUploaded, model.EventDocUploaded, "")
}

// RecordUploadFailure counts a failed upload attempt. Envelopes beyond the
// retry cap stay in UPLOAD_FAILURE and are visible only to manual recovery.
func (s *Service) RecordUploadFailure(ctx context.Context, env *model.Envelope, cause error) error {
	env.UploadFailureCount++
	reason := fmt.Sprintf("document upload failed (attempt %d): %v", env.UploadFailureCount, cause)
	return s.transition(ctx, env, model.StatusUploadFailure, model.EventDocUploadFailure, reason)
}

// MarkProcessed records that the source zip is confirmed deleted.
func (s *Service) MarkProcessed(ctx context.Context, env *model.Envelope) error {
	env.ZipDeleted = true
	return s.transition(ctx, env, model.StatusProcessed, model.EventZipDeleted, "")
}

// MarkZipDeleted flips the zip-deleted flag without changing status, used
// when the envelope has already moved past PROCESSED before cleanup ran.
func (s *Service) MarkZipDeleted(ctx context.Context, env *model.Envelope) error {
	env.ZipDeleted = true
	if err := s.store.Update(ctx, env); err != nil {
		return err
	}
	return s.appendEvent(ctx, env.Container, env.ZipFileName, model.EventZipDeleted, "")
}

// MarkNotificationSent records that the downstream case system accepted the
// processed-envelope notification.
func (s *Service) MarkNotificationSent(ctx context.Context, env *model.Envelope) error {
	return s.transition(ctx, env, model.StatusNotificationSent, model.EventDocProcessedNotificationSent, "")
}

// Complete finalises the envelope after the downstream confirmation message
// and scrubs the OCR payloads, which must not persist past completion.
func (s *Service) Complete(ctx context.Context, env *model.Envelope, caseReference string) error {
	if caseReference != "" {
		env.CaseReference = &caseReference
	}
	if err := s.transition(ctx, env, model.StatusCompleted, model.EventCompleted, ""); err != nil {
		return err
	}
	return s.store.ScrubOcrData(ctx, env.ID)
}

// Abort moves the envelope to ABORTED.
func (s *Service) Abort(ctx context.Context, env *model.Envelope, reason string) error {
	return s.transition(ctx, env, model.StatusAborted, model.EventDocProcessingAborted, reason)
}

// EligibleForReupload lists UPLOAD_FAILURE envelopes still under the retry
// cap.
func (s *Service) EligibleForReupload(ctx context.Context) ([]*model.Envelope, error) {
	failed, err := s.store.ListByStatus(ctx, model.StatusUploadFailure)
	if err != nil {
		return nil, err
	}
	out := failed[:0]
	for _, env := range failed {
		if env.UploadFailureCount < s.maxUploadRetries {
			out = append(out, env)
		}
	}
	return out, nil
}

func (s *Service) transition(ctx context.Context, env *model.Envelope, status model.Status, event model.Event, reason string) error {
	env.Status = status
	if err := s.store.Update(ctx, env); err != nil {
		return err
	}
	return s.appendEvent(ctx, env.Container, env.ZipFileName, event, reason)
}

func (s *Service) appendEvent(ctx context.Context, container, zipFileName string, event model.Event, reason string) error {
	_, err := s.events.Append(ctx, &model.ProcessEvent{
		Container:   container,
		ZipFileName: zipFileName,
		Event:       event,
		Reason:      reason,
		CreatedAt:   s.now().UTC(),
	})
	return err
}

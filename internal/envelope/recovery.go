package envelope

import (
	"context"
	"fmt"

	"github.com/scangate/scangate/internal/model"
)

// Manual recovery gives operators escape hatches for stuck envelopes. Every
// operation refuses envelopes the case system has already acknowledged
// (ErrAlreadyDelivered) and envelopes whose audit trail moved within the
// staleness window (ErrNotStale), so a healthy pipeline cannot be interfered
// with mid-flight.

// Reprocess moves a COMPLETED, ABORTED or stale NOTIFICATION_SENT envelope
// back to UPLOADED so the notification task picks it up again.
func (s *Service) Reprocess(ctx context.Context, envelopeID string) error {
	env, err := s.guardRecovery(ctx, envelopeID)
	if err != nil {
		return err
	}
	switch env.Status {
	case model.StatusCompleted, model.StatusAborted, model.StatusNotificationSent:
	default:
		return fmt.Errorf("reprocess from %s: %w", env.Status, ErrInvalidTransition)
	}
	return s.transition(ctx, env, model.StatusUploaded, model.EventManualRetriggerProcessing,
		fmt.Sprintf("operator reprocess from %s", env.Status))
}

// ForceComplete moves NOTIFICATION_SENT to COMPLETED for envelopes whose
// completion confirmation was processed but whose status update was lost.
func (s *Service) ForceComplete(ctx context.Context, envelopeID string) error {
	env, err := s.guardRecovery(ctx, envelopeID)
	if err != nil {
		return err
	}
	if env.Status != model.StatusNotificationSent {
		return fmt.Errorf("force-complete from %s: %w", env.Status, ErrInvalidTransition)
	}
	if err := s.transition(ctx, env, model.StatusCompleted, model.EventManualStatusChange,
		"operator force-complete"); err != nil {
		return err
	}
	return s.store.ScrubOcrData(ctx, env.ID)
}

// ForceAbort moves the envelope to ABORTED regardless of its current
// non-terminal status. It routes through Abort so the audit trail carries
// the aborted event with the operator's reason.
func (s *Service) ForceAbort(ctx context.Context, envelopeID, reason string) error {
	env, err := s.guardRecovery(ctx, envelopeID)
	if err != nil {
		return err
	}
	if reason == "" {
		reason = "operator force-abort"
	}
	return s.Abort(ctx, env, reason)
}

// ReclassifyAndReprocess changes the envelope's classification and sends it
// back to UPLOADED.
func (s *Service) ReclassifyAndReprocess(ctx context.Context, envelopeID string, classification model.Classification) error {
	env, err := s.guardRecovery(ctx, envelopeID)
	if err != nil {
		return err
	}
	previous := env.Classification
	env.Classification = classification
	return s.transition(ctx, env, model.StatusUploaded, model.EventManualRetriggerProcessing,
		fmt.Sprintf("operator reclassified %s to %s and retriggered processing", previous, classification))
}

func (s *Service) guardRecovery(ctx context.Context, envelopeID string) (*model.Envelope, error) {
	env, err := s.store.Get(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if env.HasCaseReference() {
		return nil, ErrAlreadyDelivered
	}
	last, err := s.events.LastEventAt(ctx, env.Container, env.ZipFileName)
	if err != nil {
		return nil, err
	}
	if !last.IsZero() && s.now().Sub(last) < s.staleAfter {
		return nil, ErrNotStale
	}
	return env, nil
}

package envelope_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/model"
	"github.com/scangate/scangate/internal/testsupport"
)

const staleAfter = 48 * time.Hour

func newService(t *testing.T) (*envelope.Service, *testsupport.EnvelopeStore, *testsupport.EventStore) {
	t.Helper()
	store := testsupport.NewEnvelopeStore()
	events := testsupport.NewEventStore()
	return envelope.NewService(store, events, staleAfter, 3), store, events
}

func newEnvelope() *model.Envelope {
	return &model.Envelope{
		Container:      "svc",
		ZipFileName:    "batch.zip",
		PoBox:          "PO 1234",
		Jurisdiction:   "probate",
		Classification: model.ClassificationNewApplication,
		ScannableItems: []model.ScannableItem{
			{DocumentControlNumber: "DCN-A", FileName: "a.pdf", OcrData: map[string]string{"name": "x"}},
		},
	}
}

func TestHappyPathTransitions(t *testing.T) {
	ctx := context.Background()
	svc, store, events := newService(t)
	env := newEnvelope()

	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}
	if env.Status != model.StatusCreated {
		t.Fatalf("expected CREATED, got %s", env.Status)
	}
	if err := svc.MarkUploaded(ctx, env, env.ScannableItems); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	if err := svc.MarkProcessed(ctx, env); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if !env.ZipDeleted {
		t.Fatalf("processed envelope must have zip deleted")
	}
	if err := svc.MarkNotificationSent(ctx, env); err != nil {
		t.Fatalf("mark notification sent: %v", err)
	}
	if err := svc.Complete(ctx, env, "CASE-9"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stored, err := store.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != model.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", stored.Status)
	}
	if stored.CaseReference == nil || *stored.CaseReference != "CASE-9" {
		t.Fatalf("expected case reference to be stored")
	}
	if stored.ScannableItems[0].OcrData != nil {
		t.Fatalf("completion must scrub OCR data")
	}

	// Exactly one event per transition.
	recorded := events.All()
	want := []model.Event{
		model.EventZipFileProcessingStarted,
		model.EventDocUploaded,
		model.EventZipDeleted,
		model.EventDocProcessedNotificationSent,
		model.EventCompleted,
	}
	if len(recorded) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(recorded))
	}
	for i, ev := range recorded {
		if ev.Event != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], ev.Event)
		}
	}
}

func TestDuplicateDetection(t *testing.T) {
	ctx := context.Background()
	svc, _, events := newService(t)
	env := newEnvelope()
	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}

	existing, err := svc.Existing(ctx, "svc", "batch.zip")
	if err != nil || existing == nil {
		t.Fatalf("expected the existing envelope, got %v err=%v", existing, err)
	}
	if !existing.AwaitingUpload() {
		t.Fatalf("a CREATED envelope still awaits its upload")
	}
	if unknown, err := svc.Existing(ctx, "svc", "other.zip"); err != nil || unknown != nil {
		t.Fatalf("unseen zip must yield nil, got %v err=%v", unknown, err)
	}
	if err := svc.Create(ctx, newEnvelope()); !errors.Is(err, envelope.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := svc.RecordDuplicate(ctx, "svc", "batch.zip"); err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	all := events.All()
	if all[len(all)-1].Event != model.EventDuplicateRejected {
		t.Fatalf("expected duplicate event, got %s", all[len(all)-1].Event)
	}
}

func TestUploadFailureCap(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	env := newEnvelope()
	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}
	cause := errors.New("store unavailable")
	for i := 0; i < 2; i++ {
		if err := svc.RecordUploadFailure(ctx, env, cause); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	eligible, err := svc.EligibleForReupload(ctx)
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 1 {
		t.Fatalf("expected 1 eligible envelope, got %d", len(eligible))
	}
	// A third failure reaches the cap of 3 and excludes the envelope.
	if err := svc.RecordUploadFailure(ctx, env, cause); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	eligible, err = svc.EligibleForReupload(ctx)
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(eligible) != 0 {
		t.Fatalf("capped envelope must be excluded, got %d", len(eligible))
	}
}

func TestReprocessStaleness(t *testing.T) {
	ctx := context.Background()
	svc, store, events := newService(t)
	env := newEnvelope()
	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.MarkUploaded(ctx, env, env.ScannableItems); err != nil {
		t.Fatalf("mark uploaded: %v", err)
	}
	if err := svc.MarkProcessed(ctx, env); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := svc.MarkNotificationSent(ctx, env); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	// Most recent event is fresh: not stale.
	if err := svc.Reprocess(ctx, env.ID); !errors.Is(err, envelope.ErrNotStale) {
		t.Fatalf("expected ErrNotStale, got %v", err)
	}

	events.SetLastEventTime("svc", "batch.zip", time.Now().Add(-staleAfter-time.Hour))
	if err := svc.Reprocess(ctx, env.ID); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	stored, _ := store.Get(ctx, env.ID)
	if stored.Status != model.StatusUploaded {
		t.Fatalf("expected UPLOADED after reprocess, got %s", stored.Status)
	}
}

func TestRecoveryRejectsDeliveredEnvelopes(t *testing.T) {
	ctx := context.Background()
	svc, _, events := newService(t)
	env := newEnvelope()
	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}
	ref := "CASE-1"
	env.CaseReference = &ref
	if err := svc.MarkNotificationSent(ctx, env); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	events.SetLastEventTime("svc", "batch.zip", time.Now().Add(-staleAfter-time.Hour))

	if err := svc.Reprocess(ctx, env.ID); !errors.Is(err, envelope.ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
	}
	if err := svc.ForceAbort(ctx, env.ID, ""); !errors.Is(err, envelope.ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered for abort, got %v", err)
	}
}

func TestForceAbortRecordsAbortEvent(t *testing.T) {
	ctx := context.Background()
	svc, store, events := newService(t)
	env := newEnvelope()
	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}
	events.SetLastEventTime("svc", "batch.zip", time.Now().Add(-staleAfter-time.Hour))

	if err := svc.ForceAbort(ctx, env.ID, "scanner fed the wrong tray"); err != nil {
		t.Fatalf("force abort: %v", err)
	}
	stored, _ := store.Get(ctx, env.ID)
	if stored.Status != model.StatusAborted {
		t.Fatalf("expected ABORTED, got %s", stored.Status)
	}
	all := events.All()
	last := all[len(all)-1]
	if last.Event != model.EventDocProcessingAborted {
		t.Fatalf("expected aborted event, got %s", last.Event)
	}
	if last.Reason != "scanner fed the wrong tray" {
		t.Fatalf("expected the operator reason on the event, got %q", last.Reason)
	}
}

func TestForceCompleteRequiresNotificationSent(t *testing.T) {
	ctx := context.Background()
	svc, store, events := newService(t)
	env := newEnvelope()
	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}
	events.SetLastEventTime("svc", "batch.zip", time.Now().Add(-staleAfter-time.Hour))
	if err := svc.ForceComplete(ctx, env.ID); !errors.Is(err, envelope.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from CREATED, got %v", err)
	}

	if err := svc.MarkNotificationSent(ctx, env); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	events.SetLastEventTime("svc", "batch.zip", time.Now().Add(-staleAfter-time.Hour))
	if err := svc.ForceComplete(ctx, env.ID); err != nil {
		t.Fatalf("force complete: %v", err)
	}
	stored, _ := store.Get(ctx, env.ID)
	if stored.Status != model.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", stored.Status)
	}
	if stored.ScannableItems[0].OcrData != nil {
		t.Fatalf("force complete must scrub OCR data")
	}
}

func TestReclassifyAndReprocess(t *testing.T) {
	ctx := context.Background()
	svc, store, events := newService(t)
	env := newEnvelope()
	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}
	events.SetLastEventTime("svc", "batch.zip", time.Now().Add(-staleAfter-time.Hour))
	if err := svc.ReclassifyAndReprocess(ctx, env.ID, model.ClassificationException); err != nil {
		t.Fatalf("reclassify: %v", err)
	}
	stored, _ := store.Get(ctx, env.ID)
	if stored.Classification != model.ClassificationException {
		t.Fatalf("expected classification change, got %s", stored.Classification)
	}
	if stored.Status != model.StatusUploaded {
		t.Fatalf("expected UPLOADED, got %s", stored.Status)
	}
}

package intake_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/scangate/scangate/internal/blob"
	"github.com/scangate/scangate/internal/config"
	"github.com/scangate/scangate/internal/docstore"
	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/intake"
	"github.com/scangate/scangate/internal/lease"
	"github.com/scangate/scangate/internal/model"
	"github.com/scangate/scangate/internal/notify"
	"github.com/scangate/scangate/internal/ocr"
	"github.com/scangate/scangate/internal/rejection"
	"github.com/scangate/scangate/internal/testsupport"
	"github.com/scangate/scangate/internal/zipverify"
)

const (
	container = "intake"
	zipName   = "batch.zip"
)

type fakeUploader struct {
	failTimes int
	calls     int
}

func (u *fakeUploader) Upload(ctx context.Context, envelopeID string, files []docstore.File) (map[string]string, error) {
	u.calls++
	if u.failTimes > 0 {
		u.failTimes--
		return nil, errors.New("document store unavailable")
	}
	urls := make(map[string]string, len(files))
	for _, f := range files {
		urls[f.Name] = "http://docs.local/" + envelopeID + "/" + f.Name
	}
	return urls, nil
}

type fakeOcrClient struct {
	serverFailures int
	clientErr      bool
	warnings       []string
	calls          int
}

func (c *fakeOcrClient) Validate(ctx context.Context, documentURL string, ocrData map[string]string, classification model.Classification, jurisdiction string) (ocr.Result, error) {
	c.calls++
	if c.clientErr {
		return ocr.Result{}, &ocr.ClientSideError{Status: 400, Body: "unknown field applicant_name"}
	}
	if c.serverFailures > 0 {
		c.serverFailures--
		return ocr.Result{}, &ocr.ServerSideError{Cause: errors.New("ocr service timeout")}
	}
	if len(c.warnings) > 0 {
		return ocr.Result{Status: ocr.StatusWarnings, Warnings: c.warnings}, nil
	}
	return ocr.Result{Status: ocr.StatusSuccess}, nil
}

type fakeEnqueuer struct {
	errors []notify.ErrorMessage
}

func (f *fakeEnqueuer) EnqueueError(ctx context.Context, msg notify.ErrorMessage) error {
	f.errors = append(f.errors, msg)
	return nil
}

type harness struct {
	blobs         *blob.MemoryStore
	envelopes     *testsupport.EnvelopeStore
	events        *testsupport.EventStore
	notifications *testsupport.NotificationStore
	enqueued      *fakeEnqueuer
	uploader      *fakeUploader
	ocrClient     *fakeOcrClient
	service       *envelope.Service
	orch          *intake.Orchestrator
}

func newHarness(t *testing.T, ocrClient *fakeOcrClient, uploader *fakeUploader, cfg *config.Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.RejectedContainer == "" {
		cfg.RejectedContainer = "rejected"
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	blobs := blob.NewMemoryStore()
	blobs.EnsureContainer(container)
	envelopes := testsupport.NewEnvelopeStore()
	events := testsupport.NewEventStore()
	notifications := testsupport.NewNotificationStore()
	enqueued := &fakeEnqueuer{}

	verifier, err := zipverify.NewVerifier(zipverify.AlgNone, nil)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	service := envelope.NewService(envelopes, events, 48*time.Hour, 3)
	rejector := rejection.NewPipeline(blobs, events, notifications, enqueued, cfg.RejectedContainer, logger)
	orch := intake.New(cfg, blobs,
		lease.NewCoordinator(blobs, time.Minute, logger),
		verifier, ocrClient, ocr.NewRetryController(0, 3), uploader,
		service, rejector, logger)
	return &harness{
		blobs:         blobs,
		envelopes:     envelopes,
		events:        events,
		notifications: notifications,
		enqueued:      enqueued,
		uploader:      uploader,
		ocrClient:     ocrClient,
		service:       service,
		orch:          orch,
	}
}

func metadataJSON(classification string, items ...string) []byte {
	return []byte(fmt.Sprintf(`{
	"zip_file_name": "batch.zip",
	"po_box": "PO 1234",
	"jurisdiction": "probate",
	"envelope_classification": %q,
	"delivery_date": "2026-01-12T08:00:00Z",
	"opening_date": "2026-01-12T09:00:00Z",
	"zip_file_createddate": "2026-01-12T07:00:00Z",
	"scannable_items": [%s]
}`, classification, strings.Join(items, ",")))
}

func itemJSON(dcn, fileName string, withOcrData bool) string {
	ocrData := "null"
	if withOcrData {
		ocrData = `{"applicant_name": "Ada"}`
	}
	return fmt.Sprintf(`{"document_control_number": %q, "file_name": %q, "scanning_date": "2026-01-12T07:30:00Z", "document_type": "form", "ocr_data": %s}`,
		dcn, fileName, ocrData)
}

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create entry %s: %v", name, err)
		}
		if _, err := f.Write(content); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func putEnvelopeZip(t *testing.T, h *harness, classification string, withOcrData bool) {
	t.Helper()
	h.blobs.Put(container, zipName, buildZip(t, map[string][]byte{
		"metadata.json": metadataJSON(classification,
			itemJSON("DCN-A", "a.pdf", withOcrData),
			itemJSON("DCN-B", "b.pdf", false)),
		"a.pdf": []byte("%PDF-a"),
		"b.pdf": []byte("%PDF-b"),
	}))
}

func findEnvelope(t *testing.T, h *harness) *model.Envelope {
	t.Helper()
	env, err := h.envelopes.FindNonDeleted(context.Background(), container, zipName)
	if err != nil {
		// Processed envelopes carry zip_deleted=true; fall back to a status
		// scan so tests can assert on them too.
		for _, status := range []model.Status{model.StatusProcessed, model.StatusUploadFailure, model.StatusUploaded} {
			list, listErr := h.envelopes.ListByStatus(context.Background(), status)
			if listErr == nil && len(list) == 1 {
				return list[0]
			}
		}
		t.Fatalf("find envelope: %v", err)
	}
	return env
}

func eventTypes(h *harness) []model.Event {
	var out []model.Event
	for _, ev := range h.events.All() {
		out = append(out, ev.Event)
	}
	return out
}

func TestRunOnceHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeOcrClient{}, &fakeUploader{}, nil)
	putEnvelopeZip(t, h, "exception", false)

	if err := h.orch.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	env := findEnvelope(t, h)
	if env.Status != model.StatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", env.Status)
	}
	if !env.ZipDeleted {
		t.Fatalf("zip deleted flag must be set")
	}
	for _, item := range env.ScannableItems {
		if item.DocumentURL == "" {
			t.Fatalf("item %s has no document URL", item.DocumentControlNumber)
		}
	}
	if _, err := h.blobs.Stat(ctx, container, zipName); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("source zip should be deleted, got %v", err)
	}
	want := []model.Event{model.EventZipFileProcessingStarted, model.EventDocUploaded, model.EventZipDeleted}
	got := eventTypes(h)
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if h.ocrClient.calls != 0 {
		t.Fatalf("exception envelopes must not call OCR, got %d calls", h.ocrClient.calls)
	}
}

func TestReuploadAfterCompletionIsDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeOcrClient{}, &fakeUploader{}, nil)
	putEnvelopeZip(t, h, "exception", false)
	if err := h.orch.RunOnce(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	eventsBefore := len(h.events.All())

	// Same zip shows up again after it was fully processed.
	putEnvelopeZip(t, h, "exception", false)
	if err := h.orch.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}

	got := eventTypes(h)
	if len(got) != eventsBefore+1 {
		t.Fatalf("expected exactly one new event, got %v", got)
	}
	if got[len(got)-1] != model.EventDuplicateRejected {
		t.Fatalf("expected duplicate event, got %s", got[len(got)-1])
	}
	if _, err := h.blobs.Stat(ctx, container, zipName); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("duplicate zip should be discarded, got %v", err)
	}
	processed, err := h.envelopes.ListByStatus(ctx, model.StatusProcessed)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(processed) != 1 {
		t.Fatalf("expected the single original envelope, got %d", len(processed))
	}
	created, _ := h.envelopes.ListByStatus(ctx, model.StatusCreated)
	if len(created) != 0 {
		t.Fatalf("no new envelope may be created for a duplicate")
	}
}

func TestDisallowedEntryIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeOcrClient{}, &fakeUploader{}, nil)
	h.blobs.Put(container, zipName, buildZip(t, map[string][]byte{
		"metadata.json": metadataJSON("exception", itemJSON("DCN-A", "a.pdf", false)),
		"a.pdf":         []byte("%PDF-a"),
		"notes.txt":     []byte("stray file"),
	}))

	if err := h.orch.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got := eventTypes(h)
	if len(got) != 1 || got[0] != model.EventZipFileFailedProcessing {
		t.Fatalf("expected a single failure event, got %v", got)
	}
	if _, err := h.blobs.Stat(ctx, "rejected", zipName); err != nil {
		t.Fatalf("zip should be moved to the rejected container: %v", err)
	}
	if len(h.enqueued.errors) != 1 {
		t.Fatalf("expected one error notification, got %d", len(h.enqueued.errors))
	}
	msg := h.enqueued.errors[0]
	if msg.ErrorCode != string(rejection.CodeDisallowedDocType) {
		t.Fatalf("expected %s, got %s", rejection.CodeDisallowedDocType, msg.ErrorCode)
	}
	if msg.ZipFileName != zipName {
		t.Fatalf("notification names zip %q", msg.ZipFileName)
	}
	if len(h.notifications.Notifications) != 1 {
		t.Fatalf("expected one notification record, got %d", len(h.notifications.Notifications))
	}
	if exists, _ := h.envelopes.Exists(ctx, container, zipName); exists {
		t.Fatalf("no envelope row may exist for a pre-persistence rejection")
	}
}

func TestServiceDisabledJurisdictionIsRejected(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{DisabledJurisdictions: []string{"probate"}}
	h := newHarness(t, &fakeOcrClient{}, &fakeUploader{}, cfg)
	putEnvelopeZip(t, h, "exception", false)

	if err := h.orch.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(h.enqueued.errors) != 1 {
		t.Fatalf("expected one error notification, got %d", len(h.enqueued.errors))
	}
	if h.enqueued.errors[0].ErrorCode != string(rejection.CodeServiceDisabled) {
		t.Fatalf("expected %s, got %s", rejection.CodeServiceDisabled, h.enqueued.errors[0].ErrorCode)
	}
	if h.enqueued.errors[0].Jurisdiction != "probate" {
		t.Fatalf("notification must carry the jurisdiction")
	}
}

func TestOcrServerFailuresThenSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeOcrClient{serverFailures: 2}, &fakeUploader{}, nil)
	putEnvelopeZip(t, h, "new_application", true)

	// Two cycles fail server-side inside the retry budget; the blob stays.
	for i := 0; i < 2; i++ {
		if err := h.orch.RunOnce(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if _, err := h.blobs.Stat(ctx, container, zipName); err != nil {
			t.Fatalf("blob must remain during retry window: %v", err)
		}
		if exists, _ := h.envelopes.Exists(ctx, container, zipName); exists {
			t.Fatalf("no envelope may be created before OCR validation settles")
		}
	}

	if err := h.orch.RunOnce(ctx); err != nil {
		t.Fatalf("final run: %v", err)
	}
	env := findEnvelope(t, h)
	if env.Status != model.StatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", env.Status)
	}
	for _, item := range env.ScannableItems {
		if len(item.OcrValidationWarnings) != 0 {
			t.Fatalf("a retry followed by success must leave zero warnings, got %v", item.OcrValidationWarnings)
		}
	}
}

func TestOcrRetriesExhaustedProceedsWithWarning(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeOcrClient{serverFailures: 10}, &fakeUploader{}, nil)
	putEnvelopeZip(t, h, "new_application", true)

	// Budget is 3 attempts; the third exhausts it and the envelope proceeds.
	for i := 0; i < 3; i++ {
		if err := h.orch.RunOnce(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	env := findEnvelope(t, h)
	if env.Status != model.StatusProcessed {
		t.Fatalf("expected PROCESSED, got %s", env.Status)
	}
	for _, item := range env.ScannableItems {
		if len(item.OcrData) > 0 {
			if len(item.OcrValidationWarnings) != 1 || item.OcrValidationWarnings[0] != ocr.WarningNotPerformed {
				t.Fatalf("item %s: expected exactly the not-performed warning, got %v",
					item.DocumentControlNumber, item.OcrValidationWarnings)
			}
		} else if len(item.OcrValidationWarnings) != 0 {
			t.Fatalf("item %s without OCR data must carry no warnings", item.DocumentControlNumber)
		}
	}
}

func TestOcrClientErrorIsRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeOcrClient{clientErr: true}, &fakeUploader{}, nil)
	putEnvelopeZip(t, h, "new_application", true)

	if err := h.orch.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(h.enqueued.errors) != 1 {
		t.Fatalf("expected one error notification, got %d", len(h.enqueued.errors))
	}
	if h.enqueued.errors[0].ErrorCode != string(rejection.CodeOcrDataInvalid) {
		t.Fatalf("expected %s, got %s", rejection.CodeOcrDataInvalid, h.enqueued.errors[0].ErrorCode)
	}
	if h.enqueued.errors[0].DocumentControlNumber != "DCN-A" {
		t.Fatalf("notification must name the offending document, got %q", h.enqueued.errors[0].DocumentControlNumber)
	}
	if _, err := h.blobs.Stat(ctx, "rejected", zipName); err != nil {
		t.Fatalf("zip should be moved to the rejected container: %v", err)
	}
}

func TestUploadFailureThenReupload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeOcrClient{}, &fakeUploader{failTimes: 1}, nil)
	putEnvelopeZip(t, h, "exception", false)

	if err := h.orch.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	failed, err := h.envelopes.ListByStatus(ctx, model.StatusUploadFailure)
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected one envelope in UPLOAD_FAILURE, got %d (%v)", len(failed), err)
	}
	if failed[0].UploadFailureCount != 1 {
		t.Fatalf("expected failure count 1, got %d", failed[0].UploadFailureCount)
	}
	if _, err := h.blobs.Stat(ctx, container, zipName); err != nil {
		t.Fatalf("blob must remain for the reupload pass: %v", err)
	}

	if err := h.orch.ReuploadPass(ctx); err != nil {
		t.Fatalf("reupload pass: %v", err)
	}
	env := findEnvelope(t, h)
	if env.Status != model.StatusProcessed {
		t.Fatalf("expected PROCESSED after reupload, got %s", env.Status)
	}
	if _, err := h.blobs.Stat(ctx, container, zipName); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("source zip should be deleted after reupload, got %v", err)
	}
}

func TestUploadFailureBlobSurvivesNextScan(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeOcrClient{}, &fakeUploader{failTimes: 10}, nil)
	putEnvelopeZip(t, h, "exception", false)

	// The first scan fails the upload; the next scan must not mistake the
	// zip for a duplicate and must leave it for the reupload pass.
	for i := 0; i < 2; i++ {
		if err := h.orch.RunOnce(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if _, err := h.blobs.Stat(ctx, container, zipName); err != nil {
		t.Fatalf("blob must survive rescans while the envelope awaits upload: %v", err)
	}
	want := []model.Event{model.EventZipFileProcessingStarted, model.EventDocUploadFailure}
	got := eventTypes(h)
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	failed, err := h.envelopes.ListByStatus(ctx, model.StatusUploadFailure)
	if err != nil || len(failed) != 1 || failed[0].UploadFailureCount != 1 {
		t.Fatalf("expected one envelope with a single failed attempt, got %v (%v)", failed, err)
	}

	h.uploader.failTimes = 0
	if err := h.orch.ReuploadPass(ctx); err != nil {
		t.Fatalf("reupload pass: %v", err)
	}
	env := findEnvelope(t, h)
	if env.Status != model.StatusProcessed {
		t.Fatalf("expected PROCESSED after reupload, got %s", env.Status)
	}
	if _, err := h.blobs.Stat(ctx, container, zipName); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("source zip should be deleted after reupload, got %v", err)
	}
}

func TestRescanTargetMustExist(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeOcrClient{}, &fakeUploader{}, nil)
	meta := []byte(fmt.Sprintf(`{
	"zip_file_name": "batch.zip",
	"po_box": "PO 1234",
	"jurisdiction": "probate",
	"envelope_classification": "exception",
	"rescan_for": "missing.zip",
	"scannable_items": [%s]
}`, itemJSON("DCN-A", "a.pdf", false)))
	h.blobs.Put(container, zipName, buildZip(t, map[string][]byte{
		"metadata.json": meta,
		"a.pdf":         []byte("%PDF-a"),
	}))

	if err := h.orch.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(h.enqueued.errors) != 1 {
		t.Fatalf("expected one error notification, got %d", len(h.enqueued.errors))
	}
	if h.enqueued.errors[0].ErrorCode != string(rejection.CodeRescanNotFound) {
		t.Fatalf("expected %s, got %s", rejection.CodeRescanNotFound, h.enqueued.errors[0].ErrorCode)
	}
}

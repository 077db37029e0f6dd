package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/model"
	"github.com/scangate/scangate/internal/notify"
	"github.com/scangate/scangate/internal/testsupport"
)

type fakeClient struct {
	notificationID string
	err            error
	sent           []notify.ErrorMessage
}

func (c *fakeClient) Send(ctx context.Context, msg notify.ErrorMessage) (string, error) {
	c.sent = append(c.sent, msg)
	if c.err != nil {
		return "", c.err
	}
	return c.notificationID, nil
}

func newConsumer(t *testing.T, client notify.Client) (*notify.Consumer, *envelope.Service, *testsupport.EnvelopeStore, *testsupport.NotificationStore) {
	t.Helper()
	store := testsupport.NewEnvelopeStore()
	events := testsupport.NewEventStore()
	notifications := testsupport.NewNotificationStore()
	svc := envelope.NewService(store, events, 48*time.Hour, 3)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return notify.NewConsumer(svc, store, notifications, client, logger), svc, store, notifications
}

func errorTask(t *testing.T, msg notify.ErrorMessage) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return asynq.NewTask(notify.TaskErrorNotification, payload)
}

func confirmedTask(t *testing.T, msg notify.ConfirmedMessage) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return asynq.NewTask(notify.TaskEnvelopeConfirmed, payload)
}

func handle(t *testing.T, c *notify.Consumer, task *asynq.Task) error {
	t.Helper()
	return c.Mux().ProcessTask(context.Background(), task)
}

func TestErrorDeliverySuccess(t *testing.T) {
	client := &fakeClient{notificationID: "NTF-1"}
	consumer, _, _, notifications := newConsumer(t, client)
	msg := notify.ErrorMessage{ID: "rec-1", ZipFileName: "batch.zip", ErrorCode: "ERR_ZIP_INVALID"}

	if err := handle(t, consumer, errorTask(t, msg)); err != nil {
		t.Fatalf("expected completion, got %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one delivery, got %d", len(client.sent))
	}
	if notifications.Delivered["rec-1"] != "NTF-1" {
		t.Fatalf("expected notification id recorded, got %q", notifications.Delivered["rec-1"])
	}
}

func TestErrorDeliveryClientErrorDeadLetters(t *testing.T) {
	client := &fakeClient{err: &notify.StatusError{Status: 422, Body: "unknown error code"}}
	consumer, _, _, _ := newConsumer(t, client)

	err := handle(t, consumer, errorTask(t, notify.ErrorMessage{ID: "rec-1"}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("4xx must dead-letter, got %v", err)
	}
}

func TestErrorDeliveryServerErrorRetries(t *testing.T) {
	client := &fakeClient{err: &notify.StatusError{Status: 503, Body: "maintenance"}}
	consumer, _, _, _ := newConsumer(t, client)

	err := handle(t, consumer, errorTask(t, notify.ErrorMessage{ID: "rec-1"}))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("5xx must stay outstanding for redelivery, got %v", err)
	}
}

func TestErrorDeliveryMalformedPayloadDeadLetters(t *testing.T) {
	consumer, _, _, _ := newConsumer(t, &fakeClient{})
	task := asynq.NewTask(notify.TaskErrorNotification, []byte("{not json"))

	if err := handle(t, consumer, task); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("malformed payload must dead-letter, got %v", err)
	}
}

func notificationSentEnvelope(t *testing.T, svc *envelope.Service) *model.Envelope {
	t.Helper()
	ctx := context.Background()
	env := &model.Envelope{
		Container:      "intake",
		ZipFileName:    "batch.zip",
		PoBox:          "PO 1234",
		Jurisdiction:   "probate",
		Classification: model.ClassificationNewApplication,
		ScannableItems: []model.ScannableItem{
			{DocumentControlNumber: "DCN-A", FileName: "a.pdf", OcrData: map[string]string{"name": "x"}},
		},
	}
	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.MarkNotificationSent(ctx, env); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	return env
}

func TestConfirmationCompletesEnvelope(t *testing.T) {
	consumer, svc, store, _ := newConsumer(t, &fakeClient{})
	env := notificationSentEnvelope(t, svc)

	task := confirmedTask(t, notify.ConfirmedMessage{EnvelopeID: env.ID, CaseReference: "CASE-7"})
	if err := handle(t, consumer, task); err != nil {
		t.Fatalf("expected completion, got %v", err)
	}
	stored, err := store.Get(context.Background(), env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != model.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", stored.Status)
	}
	if stored.CaseReference == nil || *stored.CaseReference != "CASE-7" {
		t.Fatalf("case reference must be stored")
	}
	if stored.ScannableItems[0].OcrData != nil {
		t.Fatalf("completion must scrub OCR data")
	}
}

func TestConfirmationIsIdempotent(t *testing.T) {
	consumer, svc, _, _ := newConsumer(t, &fakeClient{})
	env := notificationSentEnvelope(t, svc)
	task := confirmedTask(t, notify.ConfirmedMessage{EnvelopeID: env.ID, CaseReference: "CASE-7"})

	if err := handle(t, consumer, task); err != nil {
		t.Fatalf("first confirmation: %v", err)
	}
	// Redelivered confirmation for an already completed envelope.
	if err := handle(t, consumer, task); err != nil {
		t.Fatalf("redelivered confirmation must complete silently, got %v", err)
	}
}

func TestConfirmationForUnknownEnvelopeDeadLetters(t *testing.T) {
	consumer, _, _, _ := newConsumer(t, &fakeClient{})
	task := confirmedTask(t, notify.ConfirmedMessage{EnvelopeID: "no-such-id"})

	if err := handle(t, consumer, task); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("unknown envelope must dead-letter, got %v", err)
	}
}

func TestConfirmationInUnexpectedStatusDeadLetters(t *testing.T) {
	consumer, svc, _, _ := newConsumer(t, &fakeClient{})
	ctx := context.Background()
	env := &model.Envelope{Container: "intake", ZipFileName: "early.zip", Jurisdiction: "probate"}
	if err := svc.Create(ctx, env); err != nil {
		t.Fatalf("create: %v", err)
	}

	task := confirmedTask(t, notify.ConfirmedMessage{EnvelopeID: env.ID})
	if err := handle(t, consumer, task); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("confirmation before NOTIFICATION_SENT must dead-letter, got %v", err)
	}
}

func TestConfirmationRetriesOnStoreFailure(t *testing.T) {
	consumer, svc, store, _ := newConsumer(t, &fakeClient{})
	env := notificationSentEnvelope(t, svc)
	store.FailUpdate = errors.New("connection reset")

	task := confirmedTask(t, notify.ConfirmedMessage{EnvelopeID: env.ID, CaseReference: "CASE-7"})
	err := handle(t, consumer, task)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("a store failure must leave the message for redelivery, got %v", err)
	}
}

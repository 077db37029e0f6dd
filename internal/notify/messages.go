// Package notify carries the queue protocol between the intake pipeline, the
// notification service and the downstream case-management system.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// TaskErrorNotification delivers one error report to the notification
	// service.
	TaskErrorNotification = "notify:error"
	// TaskProcessedEnvelope tells the case system an envelope's documents
	// are uploaded and ready.
	TaskProcessedEnvelope = "notify:processed"
	// TaskEnvelopeConfirmed is the inbound confirmation that the case
	// system finished processing an envelope.
	TaskEnvelopeConfirmed = "envelope:confirmed"
)

// ErrorMessage is the outbound error report payload.
type ErrorMessage struct {
	ID                    string `json:"id"`
	EventID               int64  `json:"event_id"`
	ZipFileName           string `json:"zip_file_name"`
	Jurisdiction          string `json:"jurisdiction"`
	PoBox                 string `json:"po_box"`
	DocumentControlNumber string `json:"document_control_number,omitempty"`
	ErrorCode             string `json:"error_code"`
	Description           string `json:"description"`
}

// ProcessedMessage is the outbound processed-envelope payload.
type ProcessedMessage struct {
	EnvelopeID   string `json:"envelope_id"`
	Container    string `json:"container"`
	ZipFileName  string `json:"zip_file_name"`
	Jurisdiction string `json:"jurisdiction"`
}

// ConfirmedMessage is the inbound confirmation payload.
type ConfirmedMessage struct {
	EnvelopeID    string `json:"envelope_id"`
	CaseReference string `json:"case_reference"`
}

// Producer enqueues outbound notifications.
type Producer struct {
	client *asynq.Client
}

// NewProducer wraps an asynq client.
func NewProducer(client *asynq.Client) *Producer {
	return &Producer{client: client}
}

// EnqueueError queues one error report for delivery.
func (p *Producer) EnqueueError(ctx context.Context, msg ErrorMessage) error {
	return p.enqueue(ctx, TaskErrorNotification, msg)
}

// EnqueueProcessed queues one processed-envelope notification.
func (p *Producer) EnqueueProcessed(ctx context.Context, msg ProcessedMessage) error {
	return p.enqueue(ctx, TaskProcessedEnvelope, msg)
}

func (p *Producer) enqueue(ctx context.Context, taskType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", taskType, err)
	}
	task := asynq.NewTask(taskType, data)
	if _, err := p.client.EnqueueContext(ctx, task, asynq.MaxRetry(10)); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	return nil
}

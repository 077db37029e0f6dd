package model

import "time"

// Event enumerates the audit trail entries written while an envelope moves
// through the pipeline.
type Event string

const (
	EventZipFileProcessingStarted        Event = "ZIPFILE_PROCESSING_STARTED"
	EventZipFileFailedProcessing         Event = "ZIPFILE_FAILED_PROCESSING"
	EventDocUploaded                     Event = "DOC_UPLOADED"
	EventDocUploadFailure                Event = "DOC_UPLOAD_FAILURE"
	EventDocProcessedNotificationSent    Event = "DOC_PROCESSED_NOTIFICATION_SENT"
	EventDocProcessedNotificationFailure Event = "DOC_PROCESSED_NOTIFICATION_FAILURE"
	EventCompleted                       Event = "COMPLETED"
	EventDocFailure                      Event = "DOC_FAILURE"
	EventDocProcessingAborted            Event = "DOC_PROCESSING_ABORTED"
	EventManualStatusChange              Event = "MANUAL_STATUS_CHANGE"
	EventManualRetriggerProcessing       Event = "MANUAL_RETRIGGER_PROCESSING"
	EventDuplicateRejected               Event = "DUPLICATE_REJECTED"
	EventZipDeleted                      Event = "ZIP_DELETED"
)

// ProcessEvent is an append-only audit record. It is never mutated or
// deleted; staleness checks read the newest event per zip.
type ProcessEvent struct {
	ID          int64
	Container   string
	ZipFileName string
	Event       Event
	Reason      string
	CreatedAt   time.Time
}

// ErrorNotification records one outbound error message and, once the
// notification service responds, the id it assigned.
type ErrorNotification struct {
	ID             string
	EventID        int64
	NotificationID *string
	ErrorCode      string
	Description    string
	CreatedAt      time.Time
}

// Package model contains the entity structs shared across packages.
package model

import (
	"time"
)

// Status describes the lifecycle of an envelope from zip ingestion to
// downstream confirmation.
type Status string

const (
	StatusCreated              Status = "CREATED"
	StatusUploaded             Status = "UPLOADED"
	StatusUploadFailure        Status = "UPLOAD_FAILURE"
	StatusProcessed            Status = "PROCESSED"
	StatusNotificationSent     Status = "NOTIFICATION_SENT"
	StatusCompleted            Status = "COMPLETED"
	StatusZipProcessingFailure Status = "ZIP_PROCESSING_FAILURE"
	StatusAborted              Status = "ABORTED"
	StatusConsumed             Status = "CONSUMED"
)

// Classification tags the purpose of an envelope's documents.
type Classification string

const (
	ClassificationNewApplication           Classification = "NEW_APPLICATION"
	ClassificationSupplementaryEvidence    Classification = "SUPPLEMENTARY_EVIDENCE"
	ClassificationSupplementaryEvidenceOcr Classification = "SUPPLEMENTARY_EVIDENCE_WITH_OCR"
	ClassificationException                Classification = "EXCEPTION"
)

// RequiresOcr reports whether envelopes with this classification must carry
// OCR data and get validated against the OCR service.
func (c Classification) RequiresOcr() bool {
	return c == ClassificationNewApplication || c == ClassificationSupplementaryEvidenceOcr
}

// Envelope is the logical record for one intake zip file. At most one
// envelope with ZipDeleted=false may exist per (Container, ZipFileName).
type Envelope struct {
	ID                 string
	Container          string
	ZipFileName        string
	PoBox              string
	Jurisdiction       string
	DeliveryDate       time.Time
	OpeningDate        time.Time
	ZipFileCreatedDate time.Time
	CaseNumber         *string
	CaseReference      *string
	Classification     Classification
	// RescanFor references an earlier zip by file name only; it is never
	// followed for cascading updates.
	RescanFor          string
	Status             Status
	UploadFailureCount int
	ZipDeleted         bool
	ScannableItems     []ScannableItem
	NonScannableItems  []NonScannableItem
	Payments           []Payment
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// HasCaseReference reports whether the downstream case system has already
// acknowledged this envelope.
func (e *Envelope) HasCaseReference() bool {
	return e.CaseReference != nil && *e.CaseReference != ""
}

// AwaitingUpload reports whether the envelope still needs its documents
// uploaded, so the source zip must be kept for the reupload pass.
func (e *Envelope) AwaitingUpload() bool {
	if e.ZipDeleted {
		return false
	}
	return e.Status == StatusCreated || e.Status == StatusUploadFailure
}

// ScannableItem is one declared document inside an envelope.
type ScannableItem struct {
	ID                    string
	DocumentControlNumber string
	ScanningDate          time.Time
	OcrAccuracy           string
	ManualIntervention    string
	NextAction            string
	NextActionDate        *time.Time
	// OcrData may carry sensitive content; it is cleared once the envelope
	// completes.
	OcrData               map[string]string
	OcrValidationWarnings []string
	FileName              string
	DocumentType          string
	DocumentSubtype       string
	DocumentURL           string
}

// NonScannableItem records a declared physical item that produced no scan.
type NonScannableItem struct {
	ID                    string
	DocumentControlNumber string
	ItemType              string
	Notes                 string
}

// PaymentStatus tracks the out-of-band payment feed.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusSubmitted PaymentStatus = "SUBMITTED"
	PaymentStatusComplete  PaymentStatus = "COMPLETE"
)

// Payment is a declared payment slip inside an envelope. Its status is
// updated by a separate feed and only read during intake validation.
type Payment struct {
	ID                    string
	DocumentControlNumber string
	Status                PaymentStatus
	LastModified          time.Time
}

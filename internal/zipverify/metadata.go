package zipverify

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/scangate/scangate/internal/model"
	"github.com/scangate/scangate/internal/rejection"
)

// Metadata is the declared envelope description carried in the single JSON
// entry of every intake zip.
type Metadata struct {
	ZipFileName        string                 `json:"zip_file_name"`
	PoBox              string                 `json:"po_box"`
	Jurisdiction       string                 `json:"jurisdiction"`
	CaseNumber         string                 `json:"case_number"`
	Classification     string                 `json:"envelope_classification"`
	DeliveryDate       time.Time              `json:"delivery_date"`
	OpeningDate        time.Time              `json:"opening_date"`
	ZipFileCreatedDate time.Time              `json:"zip_file_createddate"`
	RescanFor          string                 `json:"rescan_for"`
	ScannableItems     []ItemMetadata         `json:"scannable_items"`
	NonScannableItems  []NonScannableMetadata `json:"non_scannable_items"`
	Payments           []PaymentMetadata      `json:"payments"`
}

// ItemMetadata declares one scanned document.
type ItemMetadata struct {
	DocumentControlNumber string            `json:"document_control_number"`
	ScanningDate          time.Time         `json:"scanning_date"`
	OcrAccuracy           string            `json:"ocr_accuracy"`
	ManualIntervention    string            `json:"manual_intervention"`
	NextAction            string            `json:"next_action"`
	NextActionDate        *time.Time        `json:"next_action_date"`
	OcrData               map[string]string `json:"ocr_data"`
	FileName              string            `json:"file_name"`
	DocumentType          string            `json:"document_type"`
	DocumentSubtype       string            `json:"document_sub_type"`
	// OcrValidationWarnings is filled by the OCR validation step, not by
	// the metadata file.
	OcrValidationWarnings []string `json:"-"`
}

// NonScannableMetadata declares a physical item with no scan.
type NonScannableMetadata struct {
	DocumentControlNumber string `json:"document_control_number"`
	ItemType              string `json:"item_type"`
	Notes                 string `json:"notes"`
}

// PaymentMetadata declares an enclosed payment slip.
type PaymentMetadata struct {
	DocumentControlNumber string `json:"document_control_number"`
}

var classifications = map[string]model.Classification{
	"new_application":                 model.ClassificationNewApplication,
	"supplementary_evidence":          model.ClassificationSupplementaryEvidence,
	"supplementary_evidence_with_ocr": model.ClassificationSupplementaryEvidenceOcr,
	"exception":                       model.ClassificationException,
}

func parseMetadata(data []byte) (*Metadata, error) {
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, rejection.Wrap(rejection.CodeMetafileInvalid, err, "metadata file is not valid JSON")
	}
	if meta.Jurisdiction == "" || meta.PoBox == "" {
		return nil, rejection.Reject(rejection.CodeMetafileInvalid, "metadata is missing jurisdiction or po_box")
	}
	if _, ok := classifications[meta.Classification]; !ok {
		return nil, rejection.Reject(rejection.CodeMetafileInvalid, "unknown envelope classification %q", meta.Classification)
	}
	seen := make(map[string]struct{}, len(meta.ScannableItems))
	for _, item := range meta.ScannableItems {
		if item.DocumentControlNumber == "" {
			return nil, rejection.Reject(rejection.CodeMetafileInvalid, "scannable item with empty document control number")
		}
		if _, dup := seen[item.DocumentControlNumber]; dup {
			return nil, rejection.Reject(rejection.CodeMetafileInvalid, "duplicate document control number %s", item.DocumentControlNumber)
		}
		seen[item.DocumentControlNumber] = struct{}{}
	}
	return &meta, nil
}

// ModelClassification maps the declared classification string onto the
// envelope enum. parseMetadata has already validated the value.
func (m *Metadata) ModelClassification() model.Classification {
	return classifications[m.Classification]
}

// Envelope builds the entity the state machine persists, owned container and
// child collections by value.
func (m *Metadata) Envelope(container string) *model.Envelope {
	env := &model.Envelope{
		Container:          container,
		ZipFileName:        m.ZipFileName,
		PoBox:              m.PoBox,
		Jurisdiction:       m.Jurisdiction,
		DeliveryDate:       m.DeliveryDate,
		OpeningDate:        m.OpeningDate,
		ZipFileCreatedDate: m.ZipFileCreatedDate,
		Classification:     m.ModelClassification(),
		RescanFor:          m.RescanFor,
		Status:             model.StatusCreated,
	}
	if m.CaseNumber != "" {
		n := m.CaseNumber
		env.CaseNumber = &n
	}
	for _, item := range m.ScannableItems {
		env.ScannableItems = append(env.ScannableItems, model.ScannableItem{
			DocumentControlNumber: item.DocumentControlNumber,
			ScanningDate:          item.ScanningDate,
			OcrAccuracy:           item.OcrAccuracy,
			ManualIntervention:    item.ManualIntervention,
			NextAction:            item.NextAction,
			NextActionDate:        item.NextActionDate,
			OcrData:               item.OcrData,
			OcrValidationWarnings: item.OcrValidationWarnings,
			FileName:              item.FileName,
			DocumentType:          item.DocumentType,
			DocumentSubtype:       item.DocumentSubtype,
		})
	}
	for _, item := range m.NonScannableItems {
		env.NonScannableItems = append(env.NonScannableItems, model.NonScannableItem{
			DocumentControlNumber: item.DocumentControlNumber,
			ItemType:              item.ItemType,
			Notes:                 item.Notes,
		})
	}
	for _, p := range m.Payments {
		env.Payments = append(env.Payments, model.Payment{
			DocumentControlNumber: p.DocumentControlNumber,
			Status:                model.PaymentStatusPending,
		})
	}
	return env
}

// reconcile asserts the declared file-name set matches the extracted PDF set
// and reports both directions in one message.
func reconcile(meta *Metadata, pdfs map[string][]byte) error {
	declared := make(map[string]struct{}, len(meta.ScannableItems))
	var missing []string
	for _, item := range meta.ScannableItems {
		declared[item.FileName] = struct{}{}
		if _, ok := pdfs[item.FileName]; !ok {
			missing = append(missing, item.FileName)
		}
	}
	var undeclared []string
	for name := range pdfs {
		if _, ok := declared[name]; !ok {
			undeclared = append(undeclared, name)
		}
	}
	if len(missing) == 0 && len(undeclared) == 0 {
		return nil
	}
	return rejection.Reject(rejection.CodeFileCountMismatch, "%s", mismatchMessage(missing, undeclared))
}

func mismatchMessage(missing, undeclared []string) string {
	sort.Strings(missing)
	sort.Strings(undeclared)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, fmt.Sprintf("Missing PDFs: %s", strings.Join(missing, ", ")))
	}
	if len(undeclared) > 0 {
		parts = append(parts, fmt.Sprintf("Not declared PDFs: %s", strings.Join(undeclared, ", ")))
	}
	return strings.Join(parts, ". ")
}

// Package intake drives the per-container scan loop: eligibility, lease,
// extraction, validation, upload, transition and source-zip deletion.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/scangate/scangate/internal/blob"
	"github.com/scangate/scangate/internal/config"
	"github.com/scangate/scangate/internal/docstore"
	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/lease"
	"github.com/scangate/scangate/internal/model"
	"github.com/scangate/scangate/internal/ocr"
	"github.com/scangate/scangate/internal/rejection"
	"github.com/scangate/scangate/internal/zipverify"
)

// Orchestrator ties the pipeline together for one worker process. Many
// workers run the same loop concurrently; the blob lease plus the live
// envelope uniqueness invariant give at-most-once processing per zip.
type Orchestrator struct {
	cfg       *config.Config
	store     blob.Store
	leases    *lease.Coordinator
	verifier  *zipverify.Verifier
	ocrClient ocr.Client
	ocrRetry  *ocr.RetryController
	uploader  docstore.Uploader
	envelopes *envelope.Service
	rejector  *rejection.Pipeline
	logger    *slog.Logger
}

// New constructs an Orchestrator.
func New(cfg *config.Config, store blob.Store, leases *lease.Coordinator, verifier *zipverify.Verifier,
	ocrClient ocr.Client, ocrRetry *ocr.RetryController, uploader docstore.Uploader,
	envelopes *envelope.Service, rejector *rejection.Pipeline, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		leases:    leases,
		verifier:  verifier,
		ocrClient: ocrClient,
		ocrRetry:  ocrRetry,
		uploader:  uploader,
		envelopes: envelopes,
		rejector:  rejector,
		logger:    logger,
	}
}

// Run scans on a fixed interval until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := o.RunOnce(ctx); err != nil {
			o.logger.Error("scan cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one scan over every container.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	containers, err := o.store.ListContainers(ctx)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, container := range containers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.scanContainer(ctx, container); err != nil {
			o.logger.Error("container scan failed", "container", container, "error", err)
		}
	}
	return nil
}

func (o *Orchestrator) scanContainer(ctx context.Context, container string) error {
	objects, err := o.store.ListObjects(ctx, container)
	if err != nil {
		return fmt.Errorf("list blobs: %w", err)
	}
	for _, info := range objects {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !strings.HasSuffix(strings.ToLower(info.Name), ".zip") {
			continue
		}
		if !o.ocrRetry.Eligible(container, info.Name, info.LastModified) {
			continue
		}
		info := info
		if _, err := o.leases.IfAcquired(ctx, container, info.Name, func(blob.LeaseID) error {
			return o.processZip(ctx, container, info)
		}); err != nil {
			// Transient or unmapped; the blob stays for the next cycle.
			o.logger.Error("zip processing failed", "container", container, "zip", info.Name, "error", err)
		}
	}
	return nil
}

// processZip carries one leased blob to a terminal or retryable state. A nil
// return means the blob's fate is decided for this cycle; an error means a
// transient or unmapped failure to report and revisit.
func (o *Orchestrator) processZip(ctx context.Context, container string, info blob.ObjectInfo) error {
	logger := o.logger.With("container", container, "zip", info.Name)

	existing, err := o.envelopes.Existing(ctx, container, info.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.AwaitingUpload() {
			// The reupload pass owns this blob until the documents land;
			// deleting it here would strand the envelope in UPLOAD_FAILURE.
			logger.Debug("zip already has an envelope awaiting upload")
			return nil
		}
		return o.discardDuplicate(ctx, container, info.Name, logger)
	}

	data, err := o.readBlob(ctx, container, info.Name)
	if errors.Is(err, blob.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	extraction, err := o.verifier.Open(data)
	if err != nil {
		return o.handleFailure(ctx, rejection.Origin{Container: container, ZipFileName: info.Name}, info, err)
	}
	meta := extraction.Metadata
	origin := rejection.Origin{
		Container:    container,
		ZipFileName:  info.Name,
		Jurisdiction: meta.Jurisdiction,
		PoBox:        meta.PoBox,
	}
	if err := o.validate(ctx, container, info.Name, meta); err != nil {
		return o.handleFailure(ctx, origin, info, err)
	}

	proceed, err := o.validateOcr(ctx, container, info, meta, &origin)
	if err != nil {
		return o.handleFailure(ctx, origin, info, err)
	}
	if !proceed {
		// Server-side OCR failure inside the retry budget; leave the blob
		// for a later cycle.
		logger.Info("ocr validation unavailable, will retry")
		return nil
	}
	o.ocrRetry.Clear(container, info.Name, info.LastModified)

	env := meta.Envelope(container)
	env.ZipFileName = info.Name
	if err := o.envelopes.Create(ctx, env); err != nil {
		if errors.Is(err, envelope.ErrDuplicate) {
			// Lost an insert race with another worker; the surviving row
			// decides the blob's fate on the next scan.
			logger.Info("envelope insert lost a race, leaving zip in place")
			return nil
		}
		return err
	}
	logger.Info("envelope created", "envelope", env.ID, "documents", len(extraction.Documents))

	if err := o.uploadDocuments(ctx, env, extraction); err != nil {
		logger.Warn("document upload failed", "envelope", env.ID, "error", err)
		return o.envelopes.RecordUploadFailure(ctx, env, err)
	}
	o.deleteSourceZip(ctx, env, logger)
	return nil
}

// validate applies the configuration gates after metadata parsing.
func (o *Orchestrator) validate(ctx context.Context, container, zipName string, meta *zipverify.Metadata) error {
	if meta.ZipFileName != "" && meta.ZipFileName != zipName {
		return rejection.Reject(rejection.CodeMetafileInvalid,
			"metadata declares zip file name %q but the blob is %q", meta.ZipFileName, zipName)
	}
	if !o.cfg.ServiceEnabled(meta.Jurisdiction) {
		return rejection.Reject(rejection.CodeServiceDisabled,
			"intake for jurisdiction %s is disabled", meta.Jurisdiction)
	}
	if len(meta.Payments) > 0 && !o.cfg.PaymentsEnabled(meta.Jurisdiction) {
		return rejection.Reject(rejection.CodePaymentsDisabled,
			"jurisdiction %s may not submit payments", meta.Jurisdiction)
	}
	if meta.RescanFor != "" {
		last, err := o.envelopes.Events().LastEventAt(ctx, container, meta.RescanFor)
		if err != nil {
			return rejection.Retryable(err)
		}
		if last.IsZero() {
			return rejection.Reject(rejection.CodeRescanNotFound,
				"rescan references %q which was never processed in %s", meta.RescanFor, container)
		}
	}
	return nil
}

// validateOcr runs the external validation for classifications that require
// it. It reports proceed=false while a server-side failure is still inside
// the retry budget.
func (o *Orchestrator) validateOcr(ctx context.Context, container string, info blob.ObjectInfo, meta *zipverify.Metadata, origin *rejection.Origin) (bool, error) {
	if !meta.ModelClassification().RequiresOcr() {
		return true, nil
	}
	for i := range meta.ScannableItems {
		item := &meta.ScannableItems[i]
		if len(item.OcrData) == 0 {
			continue
		}
		result, err := o.ocrClient.Validate(ctx, item.FileName, item.OcrData, meta.ModelClassification(), meta.Jurisdiction)
		if err != nil {
			if ocr.IsServerSide(err) {
				if exhausted := o.ocrRetry.RecordFailure(container, info.Name, info.LastModified); exhausted {
					o.markOcrNotPerformed(meta)
					return true, nil
				}
				return false, nil
			}
			origin.DocumentControlNumber = item.DocumentControlNumber
			return false, rejection.Wrap(rejection.CodeOcrDataInvalid, err,
				"OCR data for document %s was rejected", item.DocumentControlNumber)
		}
		item.OcrValidationWarnings = result.Warnings
	}
	return true, nil
}

func (o *Orchestrator) markOcrNotPerformed(meta *zipverify.Metadata) {
	for i := range meta.ScannableItems {
		if len(meta.ScannableItems[i].OcrData) > 0 {
			meta.ScannableItems[i].OcrValidationWarnings = []string{ocr.WarningNotPerformed}
		}
	}
}

func (o *Orchestrator) uploadDocuments(ctx context.Context, env *model.Envelope, extraction *zipverify.Extraction) error {
	names := make([]string, 0, len(extraction.Documents))
	for name := range extraction.Documents {
		names = append(names, name)
	}
	sort.Strings(names)
	files := make([]docstore.File, 0, len(names))
	for _, name := range names {
		files = append(files, docstore.File{Name: name, Content: extraction.Documents[name]})
	}
	urls, err := o.uploader.Upload(ctx, env.ID, files)
	if err != nil {
		return err
	}
	items := env.ScannableItems
	for i := range items {
		items[i].DocumentURL = urls[items[i].FileName]
	}
	return o.envelopes.MarkUploaded(ctx, env, items)
}

// deleteSourceZip removes the blob after a successful upload. A blob that is
// already gone still counts as deleted; any other failure leaves the
// envelope in UPLOADED for the cleanup pass to retry.
func (o *Orchestrator) deleteSourceZip(ctx context.Context, env *model.Envelope, logger *slog.Logger) {
	err := o.store.Delete(ctx, env.Container, env.ZipFileName)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		logger.Warn("source zip delete failed, cleanup will retry", "envelope", env.ID, "error", err)
		return
	}
	if err := o.envelopes.MarkProcessed(ctx, env); err != nil {
		logger.Warn("could not record processed status", "envelope", env.ID, "error", err)
	}
}

// handleFailure routes a processing error: terminal rejections go through
// the rejection pipeline, transient errors surface for the next cycle, and
// anything unmapped is a configuration defect reported loudly.
func (o *Orchestrator) handleFailure(ctx context.Context, origin rejection.Origin, info blob.ObjectInfo, err error) error {
	if rej, ok := rejection.AsRejection(err); ok {
		o.ocrRetry.Clear(origin.Container, origin.ZipFileName, info.LastModified)
		return o.rejector.Reject(ctx, origin, rej)
	}
	if rejection.IsRetryable(err) {
		return err
	}
	return fmt.Errorf("unmapped intake failure, error taxonomy is incomplete: %w", err)
}

func (o *Orchestrator) discardDuplicate(ctx context.Context, container, zipName string, logger *slog.Logger) error {
	logger.Info("duplicate zip discarded")
	if err := o.envelopes.RecordDuplicate(ctx, container, zipName); err != nil {
		return err
	}
	if err := o.store.Delete(ctx, container, zipName); err != nil && !errors.Is(err, blob.ErrNotFound) {
		logger.Warn("could not delete duplicate zip", "error", err)
	}
	return nil
}

func (o *Orchestrator) readBlob(ctx context.Context, container, name string) ([]byte, error) {
	rc, err := o.store.Open(ctx, container, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob %s/%s: %w", container, name, err)
	}
	return data, nil
}

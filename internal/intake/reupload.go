package intake

import (
	"context"
	"errors"

	"github.com/scangate/scangate/internal/blob"
)

// ReuploadPass retries document uploads for envelopes stuck in
// UPLOAD_FAILURE, up to the configured attempt cap. Beyond the cap an
// envelope is only reachable through manual recovery.
func (o *Orchestrator) ReuploadPass(ctx context.Context) error {
	candidates, err := o.envelopes.EligibleForReupload(ctx)
	if err != nil {
		return err
	}
	for _, env := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		env := env
		logger := o.logger.With("container", env.Container, "zip", env.ZipFileName, "envelope", env.ID)
		_, err := o.leases.IfAcquired(ctx, env.Container, env.ZipFileName, func(blob.LeaseID) error {
			data, err := o.readBlob(ctx, env.Container, env.ZipFileName)
			if errors.Is(err, blob.ErrNotFound) {
				logger.Warn("source zip is gone, cannot retry upload")
				return nil
			}
			if err != nil {
				return err
			}
			extraction, err := o.verifier.Open(data)
			if err != nil {
				// The zip passed verification at intake; a failure now
				// means the blob changed underneath us.
				return err
			}
			if err := o.uploadDocuments(ctx, env, extraction); err != nil {
				logger.Warn("reupload failed", "error", err)
				return o.envelopes.RecordUploadFailure(ctx, env, err)
			}
			logger.Info("reupload succeeded", "attempts", env.UploadFailureCount)
			o.deleteSourceZip(ctx, env, logger)
			return nil
		})
		if err != nil {
			logger.Error("reupload pass failed", "error", err)
		}
	}
	return nil
}

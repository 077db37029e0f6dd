package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/scangate/scangate/internal/cleanup"
	"github.com/scangate/scangate/internal/docstore"
	"github.com/scangate/scangate/internal/intake"
	"github.com/scangate/scangate/internal/lease"
	"github.com/scangate/scangate/internal/notify"
	"github.com/scangate/scangate/internal/ocr"
	"github.com/scangate/scangate/internal/rejection"
	"github.com/scangate/scangate/internal/zipverify"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the intake scan loop with the reupload and cleanup passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
	d, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	cfg := d.cfg

	if err := d.blobs.EnsureBuckets(ctx, cfg.RejectedContainer); err != nil {
		return fmt.Errorf("ensure buckets: %w", err)
	}
	uploader, err := docstore.New(docstore.Options{
		Endpoint:  cfg.BlobEndpoint,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		UseSSL:    cfg.BlobUseSSL,
		Region:    cfg.BlobRegion,
		Bucket:    cfg.DocumentBucket,
		BaseURL:   cfg.DocumentBaseURL,
	})
	if err != nil {
		return fmt.Errorf("init document store: %w", err)
	}
	if err := uploader.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure document bucket: %w", err)
	}
	publicKey, err := cfg.PublicKey()
	if err != nil {
		return err
	}
	verifier, err := zipverify.NewVerifier(cfg.SignatureAlg, publicKey)
	if err != nil {
		return err
	}

	queueClient := asynq.NewClient(d.redisOpt())
	defer queueClient.Close()
	producer := notify.NewProducer(queueClient)

	coordinator := lease.NewCoordinator(d.blobs, cfg.LeaseTTL, d.logger)
	rejector := rejection.NewPipeline(d.blobs, d.eventRepo, d.notifications, producer, cfg.RejectedContainer, d.logger)
	retry := ocr.NewRetryController(cfg.OcrRetryDelay, cfg.OcrMaxRetries)
	orchestrator := intake.New(cfg, d.blobs, coordinator, verifier,
		ocr.NewHTTPClient(cfg.OcrURL, cfg.OcrTimeout), retry, uploader,
		d.envelopes, rejector, d.logger)
	dispatcher := notify.NewDispatcher(d.envelopes, d.envelopeRepo, producer, d.logger)
	cleaner := cleanup.NewTask(d.blobs, d.envelopes, d.envelopeRepo, cfg.RejectedContainer, d.logger)

	d.logger.Info("worker starting", "interval", cfg.ScanInterval.String())
	go runEvery(ctx, cfg.ScanInterval, func(ctx context.Context) error {
		return orchestrator.ReuploadPass(ctx)
	}, d)
	go runEvery(ctx, cfg.ScanInterval, dispatcher.DispatchProcessed, d)
	go runEvery(ctx, cfg.ScanInterval*4, func(ctx context.Context) error {
		if err := cleaner.DeleteCompleteZips(ctx); err != nil {
			return err
		}
		return cleaner.PurgeRejected(ctx, cfg.RejectedRetention)
	}, d)

	orchestrator.Run(ctx, cfg.ScanInterval)
	return nil
}

func runEvery(ctx context.Context, interval time.Duration, pass func(context.Context) error, d *deps) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pass(ctx); err != nil {
				d.logger.Error("scheduled pass failed", "error", err)
			}
		}
	}
}

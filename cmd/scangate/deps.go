package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scangate/scangate/internal/config"
	"github.com/scangate/scangate/internal/database"
	"github.com/scangate/scangate/internal/envelope"
	"github.com/scangate/scangate/internal/repository"
	"github.com/scangate/scangate/internal/s3blob"
)

// deps bundles the shared wiring every subcommand starts from.
type deps struct {
	cfg           *config.Config
	pool          *pgxpool.Pool
	envelopes     *envelope.Service
	envelopeRepo  *repository.EnvelopeRepository
	eventRepo     *repository.ProcessEventRepository
	notifications *repository.ErrorNotificationRepository
	blobs         *s3blob.Storage
	logger        *slog.Logger
}

func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	blobs, err := s3blob.New(s3blob.Options{
		Endpoint:    cfg.BlobEndpoint,
		AccessKey:   cfg.BlobAccessKey,
		SecretKey:   cfg.BlobSecretKey,
		UseSSL:      cfg.BlobUseSSL,
		Region:      cfg.BlobRegion,
		LockBucket:  cfg.LockBucket,
		SkipBuckets: []string{cfg.RejectedContainer, cfg.DocumentBucket},
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init blob storage: %w", err)
	}
	envelopeRepo := repository.NewEnvelopeRepository(pool)
	eventRepo := repository.NewProcessEventRepository(pool)
	return &deps{
		cfg:           cfg,
		pool:          pool,
		envelopes:     envelope.NewService(envelopeRepo, eventRepo, cfg.StaleAfter, cfg.MaxUploadRetries),
		envelopeRepo:  envelopeRepo,
		eventRepo:     eventRepo,
		notifications: repository.NewErrorNotificationRepository(pool),
		blobs:         blobs,
		logger:        slog.Default(),
	}, nil
}

func (d *deps) close() {
	d.pool.Close()
}

func (d *deps) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     d.cfg.RedisAddr,
		Password: d.cfg.RedisPassword,
		DB:       d.cfg.RedisDB,
	}
}

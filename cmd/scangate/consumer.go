package main

import (
	"context"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/scangate/scangate/internal/notify"
)

func newConsumerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Run the queue consumer for notifications and confirmations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsumer(cmd.Context())
		},
	}
}

func runConsumer(ctx context.Context) error {
	d, err := buildDeps(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	server := asynq.NewServer(d.redisOpt(), asynq.Config{
		Concurrency: d.cfg.Concurrency,
	})
	client := notify.NewHTTPClient(d.cfg.NotifyURL, d.cfg.NotifyTimeout)
	consumer := notify.NewConsumer(d.envelopes, d.envelopeRepo, d.notifications, client, d.logger)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	d.logger.Info("consumer starting", "concurrency", d.cfg.Concurrency)
	return server.Run(consumer.Mux())
}

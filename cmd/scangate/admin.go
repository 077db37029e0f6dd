package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scangate/scangate/internal/cleanup"
	"github.com/scangate/scangate/internal/model"
)

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run the zip-deletion and rejected-file purge passes once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()
			task := cleanup.NewTask(d.blobs, d.envelopes, d.envelopeRepo, d.cfg.RejectedContainer, d.logger)
			if err := task.DeleteCompleteZips(ctx); err != nil {
				return err
			}
			return task.PurgeRejected(ctx, d.cfg.RejectedRetention)
		},
	}
}

func newEnvelopeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envelope",
		Short: "Manual recovery operations for stuck envelopes",
	}
	cmd.AddCommand(
		newReprocessCmd(),
		newForceCompleteCmd(),
		newForceAbortCmd(),
		newReclassifyCmd(),
	)
	return cmd
}

func newReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <envelope-id>",
		Short: "Send a stale COMPLETED/ABORTED/NOTIFICATION_SENT envelope back to UPLOADED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()
			if err := d.envelopes.Reprocess(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("envelope %s moved back to UPLOADED\n", args[0])
			return nil
		},
	}
}

func newForceCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <envelope-id>",
		Short: "Force a stale NOTIFICATION_SENT envelope to COMPLETED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()
			if err := d.envelopes.ForceComplete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("envelope %s completed\n", args[0])
			return nil
		},
	}
}

func newForceAbortCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abort <envelope-id>",
		Short: "Force an envelope to ABORTED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()
			if err := d.envelopes.ForceAbort(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Printf("envelope %s aborted\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit trail")
	return cmd
}

func newReclassifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reclassify <envelope-id> <classification>",
		Short: "Change an envelope's classification and retrigger processing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()
			if err := d.envelopes.ReclassifyAndReprocess(ctx, args[0], model.Classification(args[1])); err != nil {
				return err
			}
			fmt.Printf("envelope %s reclassified to %s and retriggered\n", args[0], args[1])
			return nil
		},
	}
}

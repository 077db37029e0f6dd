package main

import (
	"github.com/spf13/cobra"

	"github.com/scangate/scangate/internal/api"
)

func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the read-only envelope status and history API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx)
			if err != nil {
				return err
			}
			defer d.close()
			server := api.New(d.cfg.Address, d.envelopeRepo, d.eventRepo, d.logger)
			return server.Run(ctx)
		},
	}
}

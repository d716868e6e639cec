package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tbleier/capgate/internal/observability"
	"github.com/tbleier/capgate/internal/server"
	"github.com/tbleier/capgate/internal/verify"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the widget demo and subscription service.",
		Long: `Serve hosts the activated demo page, the activation API, and the
subscribe/confirm flow. Subscriptions are verified against the configured
siteverify endpoint and, when store.url is set, persisted to Postgres.`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := appConfig
	logger := observability.GetLogger()

	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	verifier := verify.New(cfg.Verifier, logger)

	var subs server.Subscribers
	if cfg.Store.Enabled() {
		st, closeStore, err := openStore(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()
		subs = st
	} else {
		logger.Info("No store configured, subscriptions will not be persisted.")
	}

	return server.New(cfg, verifier, subs, logger).Start(ctx)
}

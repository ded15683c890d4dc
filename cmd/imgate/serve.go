package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	httpinfra "imgate/internal/infra/http"
	"imgate/internal/usecase"

	"github.com/spf13/cobra"
)

func serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFrom(cmd.Context())
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			logger := slog.Default()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.reconciler(ctx)
			if err != nil {
				return err
			}
			orch := usecase.NewOrchestrator(a.assets, rec, a.blobs, a.signer, a.terms(),
				usecase.WithOrchestratorLogger(logger),
				usecase.WithOrchestratorMetrics(a.metrics),
			)
			srv := httpinfra.NewServer(cfg, httpinfra.ServerDeps{
				Access:    rec,
				Delivery:  orch,
				Purchases: a.purchases,
				Metrics:   a.metrics,
				Logger:    logger,
				Ping:      a.store.Ping,
			})
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides HTTP_ADDR")
	return cmd
}

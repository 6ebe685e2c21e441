package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/szaher/aida/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		addr   string
		noAuth bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve text sessions over HTTP",
		Long: `Start the HTTP API. Clients open a session, post messages to it and read
its transcript. Every route except /healthz and /metrics requires the
server API key (server.api_key or AIDA_API_KEY) as a bearer token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.startConversation(conversationOptions{}); err != nil {
				return err
			}

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			opts := []server.Option{
				server.WithLogger(a.logger),
				server.WithMetrics(a.metrics),
				server.WithAPIKey(a.cfg.Server.APIKey),
				server.WithRateLimit(a.cfg.Server.RateLimit, a.cfg.Server.Burst),
			}
			if noAuth {
				a.logger.Warn("authentication disabled")
				opts = append(opts, server.WithoutAuth())
			} else if a.cfg.Server.APIKey == "" {
				a.logger.Warn("server.api_key not set; all API requests will be rejected")
			}
			server.Version = version
			srv := server.New(a.sessions, opts...)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
			defer stop()
			a.logger.Info("server shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Disable API key authentication")
	return cmd
}

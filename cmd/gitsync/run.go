package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/szaher/gitsync/internal/auth"
	"github.com/szaher/gitsync/internal/server"
)

func newRunCmd() *cobra.Command {
	var (
		addr   string
		noAuth bool
		noAPI  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the controller and API server",
		Long: `Run every configured target on its schedule, watch directory sources
for changes and serve the HTTP API until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.ctrl.Run(gctx) })

			if !noAPI {
				key, err := a.cfg.APIKey(ctx, a.resolver)
				if err != nil {
					return err
				}
				if key == "" {
					key = auth.KeyFromEnv()
				}
				if key == "" && !noAuth {
					return fmt.Errorf("no API key configured; set server.apiKey, %s or pass --no-auth", auth.DefaultEnvVar)
				}
				a.redactor.AddSecret(key)

				limits := auth.DefaultRateLimitConfig()
				limits.AuthFailuresPerMinute = a.cfg.Server.AuthFailuresPerMinute
				srv := server.New(a.ctrl,
					server.WithAPIKey(key),
					server.WithNoAuth(noAuth),
					server.WithLogger(a.logger),
					server.WithMetrics(a.metrics),
					server.WithEvents(a.events),
					server.WithRateLimiter(auth.NewRateLimiter(limits)),
					server.WithVersion(version),
				)
				g.Go(func() error { return srv.ListenAndServe(addr) })
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
					defer stop()
					return srv.Shutdown(shutdownCtx)
				})
			}

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default server.addr from the config)")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Disable API key authentication")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "Run the controller without the HTTP API")
	return cmd
}

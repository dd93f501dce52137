package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/objones25/go-traffic-sentinel/pkg/runner"
	"github.com/objones25/go-traffic-sentinel/pkg/server"
)

func newServeCmd() *cobra.Command {
	var (
		addr       string
		withRunner bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve detection, indicator matching, report history and Prometheus
metrics over HTTP. With --run the scheduled detection cycle runs in the same
process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			srv := server.New(server.Config{
				Addr:         addr,
				ReadTimeout:  a.cfg.Server.ReadTimeout,
				WriteTimeout: a.cfg.Server.WriteTimeout,
			}, a.detector, a.manager, a.logger)

			var r *runner.Runner
			if withRunner {
				src, err := openSource(a.cfg, a.logger, "", "")
				if err != nil {
					return err
				}
				r, err = runner.New(src, a.detector, a.manager, runner.Config{
					Interval: a.cfg.Runner.Interval,
					Lookback: a.cfg.Runner.Lookback,
				}, a.logger)
				if err != nil {
					return err
				}
			}

			errCh := make(chan error, 2)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- fmt.Errorf("http server: %w", err)
				}
			}()
			if r != nil {
				go func() {
					if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						errCh <- err
					}
				}()
			}

			select {
			case <-ctx.Done():
				a.logger.Info("shutting down")
			case err = <-errCh:
				a.logger.Error("component failed", zap.Error(err))
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			if stopErr := srv.Stop(shutdownCtx); stopErr != nil {
				a.logger.Error("error stopping http server", zap.Error(stopErr))
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&withRunner, "run", false, "also run the scheduled detection cycle")
	return cmd
}

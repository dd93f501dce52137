package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/objones25/go-traffic-sentinel/pkg/runner"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run detection on a schedule",
		Long: `Every runner.interval, fetch the last runner.lookback of rows from the
configured source, detect anomalies and deliver a report when anything was
found. Stops on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			src, err := openSource(a.cfg, a.logger, "", "")
			if err != nil {
				return err
			}
			r, err := runner.New(src, a.detector, a.manager, runner.Config{
				Interval: a.cfg.Runner.Interval,
				Lookback: a.cfg.Runner.Lookback,
			}, a.logger)
			if err != nil {
				return err
			}

			a.logger.Info("runner started",
				zap.String("source", src.Name()),
				zap.Duration("interval", a.cfg.Runner.Interval),
				zap.Duration("lookback", a.cfg.Runner.Lookback),
			)
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			a.logger.Info("runner stopped")
			return nil
		},
	}
	return cmd
}

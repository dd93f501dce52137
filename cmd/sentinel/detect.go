package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/objones25/go-traffic-sentinel/pkg/runner"
	"github.com/objones25/go-traffic-sentinel/pkg/source"
)

func newDetectCmd() *cobra.Command {
	var (
		file string
		pcap string
		last int
	)

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run one detection batch and print the ranked anomalies",
		Long: `Fetch rows from the configured source (or --file / --pcap), score them
against the stored baselines, update the baselines and print the result as
JSON. A report is delivered when anything was found.

Examples:
  sentinel detect --file rows.ndjson
  sentinel detect --pcap capture.pcap
  sentinel detect --last 15`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			src, err := openSource(a.cfg, a.logger, file, pcap)
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

			var w source.Window
			if last > 0 {
				w = source.LastMinutes(time.Now(), last)
			}
			res, err := r.RunWindow(cmd.Context(), w)
			if res == nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(res); encErr != nil {
				return fmt.Errorf("write result: %w", encErr)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "read rows from a JSON or NDJSON file")
	cmd.Flags().StringVar(&pcap, "pcap", "", "aggregate rows from a pcap/pcapng capture")
	cmd.Flags().IntVar(&last, "last", 0, "only the last N whole minutes (0 = everything the source returns)")
	cmd.MarkFlagsMutuallyExclusive("file", "pcap")
	return cmd
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/objones25/go-traffic-sentinel/pkg/ioc"
)

func newMatchCmd() *cobra.Command {
	var (
		rulesFile string
		record    ioc.Record
	)

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Evaluate one record against the indicator rules",
		Long: `Print the indicator rules matched by a record.

Examples:
  sentinel match --ioc ioc.yaml --ip 203.0.113.7 --uri /wp-admin/setup.php
  sentinel match --ua "sqlmap/1.7"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if rulesFile != "" {
				cfg.IOC.File = rulesFile
			}
			if cfg.IOC.File == "" {
				return fmt.Errorf("no indicator file configured (use --ioc or ioc.file)")
			}
			rules, err := loadRules(cfg)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rules.Match(record))
		},
	}

	cmd.Flags().StringVar(&rulesFile, "ioc", "", "indicator YAML file (overrides ioc.file)")
	cmd.Flags().StringVar(&record.ClientIP, "ip", "", "client IP address")
	cmd.Flags().StringVar(&record.Country, "country", "", "ISO country code")
	cmd.Flags().StringVar(&record.UserAgent, "ua", "", "user agent")
	cmd.Flags().StringVar(&record.URI, "uri", "", "request URI")
	return cmd
}

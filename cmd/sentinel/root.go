package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/objones25/go-traffic-sentinel/pkg/alert"
	"github.com/objones25/go-traffic-sentinel/pkg/anomaly"
	"github.com/objones25/go-traffic-sentinel/pkg/baseline"
	"github.com/objones25/go-traffic-sentinel/pkg/blobstore"
	"github.com/objones25/go-traffic-sentinel/pkg/config"
	"github.com/objones25/go-traffic-sentinel/pkg/ioc"
	"github.com/objones25/go-traffic-sentinel/pkg/logging"
	"github.com/objones25/go-traffic-sentinel/pkg/source"
)

var cfgFile string

// Execute runs the root command
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sentinel",
		Short: "Traffic anomaly sentinel",
		Long: `sentinel keeps a rolling EWMA baseline for every tracked entity, flags
z-score deviations in per-minute traffic metrics, ranks them and correlates
the flagged entities with indicator lists.

Configuration is read from the optional --config YAML file and SENTINEL_*
environment variables.`,
		Version:      "0.1.0",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	root.AddCommand(
		newDetectCmd(),
		newMatchCmd(),
		newSeedCmd(),
		newServeCmd(),
		newRunCmd(),
	)
	return root
}

// app holds the components shared by the commands
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	detector *anomaly.Detector
	manager  *alert.Manager
	closers  []io.Closer
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging())
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func loadRules(cfg *config.Config) (*ioc.RuleSet, error) {
	if cfg.IOC.File == "" {
		return nil, nil
	}
	var opts []ioc.Option
	if len(cfg.IOC.ASNTable) > 0 {
		resolver, err := ioc.NewStaticResolver(cfg.IOC.ASNTable)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ioc.WithASNResolver(resolver))
	}
	return ioc.LoadFile(cfg.IOC.File, opts...)
}

// newApp opens the baseline store and builds the detector and the report
// manager with every configured delivery channel
func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	blobs, closer, err := blobstore.Open(ctx, cfg.BlobStore())
	if err != nil {
		return nil, fmt.Errorf("open baseline store: %w", err)
	}
	a.closers = append(a.closers, closer)

	store, err := baseline.NewStore(blobs, cfg.Store.Timeout)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.detector, err = anomaly.NewDetector(cfg.Anomaly(), store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	rules, err := loadRules(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	opts := []alert.ManagerOption{alert.WithHistory(cfg.Notify.History)}
	if cfg.NotificationsEnabled() {
		notifier, err := alert.NewNotifier(cfg.Notification(), logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, alert.WithNotifier(notifier))
	}
	if cfg.Notify.NATS.URL != "" {
		nc, err := alert.ConnectNATS(alert.NATSConfig{
			URL:     cfg.Notify.NATS.URL,
			Subject: cfg.Notify.NATS.Subject,
			Name:    "sentinel",
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, natsCloser{nc})
		publisher, err := alert.NewReportPublisher(nc, cfg.Notify.NATS.Subject)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, alert.WithPublisher(publisher))
	}

	enricher := alert.NewEnricher(rules, alert.DefaultFieldMapping(), logger)
	a.manager, err = alert.NewManager(enricher, logger, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

type natsCloser struct{ nc *nats.Conn }

func (c natsCloser) Close() error {
	return c.nc.Drain()
}

// Close releases store and broker connections
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// openSource builds the configured query source, with file and pcap paths
// overridable from flags
func openSource(cfg *config.Config, logger *zap.Logger, file, pcap string) (source.Source, error) {
	switch {
	case file != "":
		return source.NewFileSource(file), nil
	case pcap != "":
		return source.NewPcapSource(pcap, logger), nil
	}

	switch cfg.Source.Type {
	case config.SourceFile:
		return source.NewFileSource(cfg.Source.File), nil
	case config.SourcePcap:
		return source.NewPcapSource(cfg.Source.Pcap, logger), nil
	case config.SourceOpenSearch:
		client, err := source.NewOpenSearchClient(cfg.OpenSearch())
		if err != nil {
			return nil, err
		}
		return source.NewOpenSearchSource(client, cfg.OpenSearch(), logger)
	case config.SourceSynthetic:
		return source.NewSyntheticSource(cfg.Synthetic())
	default:
		return nil, fmt.Errorf("unknown source type %q", cfg.Source.Type)
	}
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/yingcaihuang/invoice-pretty/internal/logger"
	"github.com/yingcaihuang/invoice-pretty/pkg/api"
	"github.com/yingcaihuang/invoice-pretty/pkg/config"
	"github.com/yingcaihuang/invoice-pretty/pkg/impose"
	"github.com/yingcaihuang/invoice-pretty/pkg/metrics"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry/badger"
	"github.com/yingcaihuang/invoice-pretty/pkg/registry/memory"
	"github.com/yingcaihuang/invoice-pretty/pkg/scheduler"
	"github.com/yingcaihuang/invoice-pretty/pkg/storage"
	locals "github.com/yingcaihuang/invoice-pretty/pkg/storage/local"
	s3store "github.com/yingcaihuang/invoice-pretty/pkg/storage/s3"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the invoicepress server",
	Long: `Start the invoicepress API server with the specified configuration.

Use --config to point at a YAML config file, or rely on
INVOICEPRESS_-prefixed environment variables and compiled-in defaults.

Examples:
  # Start with defaults
  invoicepress start

  # Start with a config file
  invoicepress start --config /etc/invoicepress/config.yaml

  # Override a single setting via environment
  INVOICEPRESS_LOGGING_LEVEL=DEBUG invoicepress start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	metrics.Init(cfg.Metrics.Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg, closeReg, err := buildRegistry(cfg.Registry)
	if err != nil {
		return fmt.Errorf("build task registry: %w", err)
	}
	defer closeReg()

	st, err := buildStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("build storage manager: %w", err)
	}

	pool := scheduler.New(scheduler.Config{
		Workers:          cfg.Scheduler.Workers,
		QueueCapacity:    cfg.Scheduler.QueueCapacity,
		SoftTimeout:      cfg.Scheduler.SoftTimeout,
		HardTimeout:      cfg.Scheduler.HardTimeout,
		CleanupInterval:  cfg.Scheduler.CleanupInterval,
		RetentionHorizon: cfg.Scheduler.RetentionHorizon,
		FairScheduling:   cfg.Scheduler.FairScheduling,
		MaxJobsPerWorker: cfg.Scheduler.MaxJobsPerWorker,
		Layout:           toImposeLayout(cfg.Layout),
		ArchiveLimits: storage.ArchiveLimits{
			MaxEntryBytes:    int64(cfg.Upload.ArchiveMaxEntryBytes),
			MaxTotalBytes:    int64(cfg.Upload.ArchiveMaxTotalBytes),
			MaxCompressRatio: cfg.Upload.ArchiveMaxCompressRatio,
			MaxEntries:       cfg.Upload.ArchiveMaxEntries,
		},
	}, reg, st)
	pool.Start(ctx)

	server := api.NewServer(api.ServerConfig{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		DrainTimeout: cfg.Server.DrainTimeout,
	}, api.Deps{
		Registry:           reg,
		Storage:            st,
		Pool:               pool,
		MaxUploadFileSize:  int64(cfg.Upload.MaxFileSize),
		AllowedExtensions:  cfg.Upload.AllowedExtensions,
		SessionExpiryHours: 24,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		cancel()
	}

	pool.Stop(cfg.Server.DrainTimeout)
	logger.Info("invoicepress stopped")
	return serveErr
}

// buildRegistry constructs the Task Registry backend named by cfg, along
// with a cleanup func the caller should defer.
func buildRegistry(cfg config.RegistryConfig) (registry.Registry, func(), error) {
	ttl := registry.TTLConfig{
		Completed: cfg.TTLComplete,
		Failed:    cfg.TTLFailed,
		Expired:   cfg.TTLExpired,
		Cancelled: cfg.TTLCancelled,
	}

	switch cfg.Backend {
	case "badger":
		reg, err := badger.Open(badger.Options{Path: cfg.BadgerPath, TTL: ttl})
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { _ = reg.Close() }, nil
	default:
		return memory.New(ttl), func() {}, nil
	}
}

// buildStorage constructs the Storage Manager backend named by cfg.
func buildStorage(ctx context.Context, cfg config.StorageConfig) (storage.Manager, error) {
	switch cfg.Backend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.S3Region != "" {
				o.Region = cfg.S3Region
			}
		})
		return s3store.New(client, cfg.S3Bucket), nil
	default:
		return locals.New(cfg.Root)
	}
}

// toImposeLayout converts the configuration layer's layout knobs into the
// imposition engine's LayoutConfig, translating millimeters into the
// points the PDF geometry is expressed in.
func toImposeLayout(cfg config.LayoutConfig) impose.LayoutConfig {
	const mmToPt = 72.0 / 25.4
	return impose.LayoutConfig{
		Columns:           cfg.Columns,
		Rows:              cfg.Rows,
		MarginMM:          cfg.MarginMM,
		GutterMM:          cfg.GutterMM,
		SheetW:            cfg.PageWidthMM * mmToPt,
		SheetH:            cfg.PageHeightMM * mmToPt,
		MinDPI:            cfg.MinDPI,
		MaxEstimatedBytes: cfg.MaxEstimatedBytes,
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm/projsync/pkg/catalog"
	"github.com/Mindburn-Labs/helm/projsync/pkg/config"
	"github.com/Mindburn-Labs/helm/projsync/pkg/credentials"
	"github.com/Mindburn-Labs/helm/projsync/pkg/observability"
	"github.com/Mindburn-Labs/helm/projsync/pkg/oss"
	"github.com/Mindburn-Labs/helm/projsync/pkg/processing"
	"github.com/Mindburn-Labs/helm/projsync/pkg/project"
	"github.com/Mindburn-Labs/helm/projsync/pkg/store"
	"github.com/Mindburn-Labs/helm/projsync/pkg/util/resiliency"
)

// app holds everything a command needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog *catalog.Catalog
	closers []func(context.Context) error
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("PROJSYNC_CONFIG"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func newApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.LogLevel, stderr)
	slog.SetDefault(logger)
	a := &app{cfg: cfg, logger: logger}

	obs := observability.Nop()
	if cfg.OTelEnabled {
		ocfg := observability.DefaultConfig()
		ocfg.OTLPEndpoint = cfg.OTelEndpoint
		ocfg.Insecure = true
		obs, err = observability.New(ctx, ocfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, obs.Shutdown)
	}

	httpClient := resiliency.NewClient(resiliency.Options{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             int(cfg.RateLimitRPS) + 1,
	})

	// A nil Provider means the backend and processing service are unauthenticated.
	var creds credentials.Provider
	if cfg.ClientID != "" {
		exchanger := credentials.NewClientCredentials(cfg.ClientID, cfg.ClientSecret, cfg.AuthURL,
			credentials.WithHTTPClient(httpClient),
			credentials.WithLogger(logger),
		)
		if cfg.RedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
			creds = credentials.NewRedisTokenCache(rdb, cfg.ClientID, exchanger)
		} else {
			creds = credentials.NewRefreshing(exchanger, credentials.DefaultExpirySkew)
		}
	}

	client, err := oss.NewClient(ctx, oss.Options{
		Backend:        oss.Backend(cfg.Backend),
		BaseURL:        cfg.OSSURL,
		Credentials:    creds,
		HTTPClient:     httpClient,
		DataDir:        cfg.DataDir,
		Region:         cfg.S3Region,
		Endpoint:       cfg.S3Endpoint,
		GCSProjectID:   cfg.GCSProjectID,
		GCSSignerEmail: cfg.GCSSignerEmail,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	var processor processing.Processor = unconfiguredProcessor{}
	if cfg.ProcessingURL != "" {
		processor = processing.NewHTTPProcessor(cfg.ProcessingURL, creds, nil)
	}

	journal, err := store.OpenJournal(ctx, cfg.JournalDSN)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return journal.Close() })

	a.catalog = catalog.New(client, processor, catalog.Config{
		Bucket:    cfg.Bucket,
		CacheRoot: cfg.CacheDir,
		ChunkSize: cfg.ChunkSize,
	},
		catalog.WithJournal(journal),
		catalog.WithLogger(logger),
		catalog.WithObservability(obs),
	)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.WarnContext(ctx, "shutdown step failed", "error", err)
		}
	}
}

type unconfiguredProcessor struct{}

func (unconfiguredProcessor) Process(context.Context, processing.Request) (*project.Metadata, error) {
	return nil, errors.New("PROCESSING_URL is not set")
}

// describeError renders errors the way operators need them: structured
// processing failures with their report, everything else verbatim.
func describeError(err error) string {
	if f, ok := processing.AsFailure(err); ok {
		if f.ReportURL != "" {
			return fmt.Sprintf("processing failed: %s\nreport: %s", f.Message, f.ReportURL)
		}
		return "processing failed: " + f.Message
	}
	if errors.Is(err, project.ErrUninitializedStorage) {
		return err.Error() + " (run 'projsync sync <name>' first)"
	}
	return err.Error()
}

// Package app assembles the pipeline from configuration. Both the HTTP server
// and the admin CLI build their dependencies here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"kbapi/internal/config"
	"kbapi/internal/database"
	"kbapi/internal/database/migration"
	"kbapi/internal/extract"
	"kbapi/internal/repository"
	"kbapi/internal/repository/postgres"
	"kbapi/internal/retry"
	"kbapi/internal/service"
	"kbapi/internal/storage"
)

// App holds the wired components. DB is nil with the memory catalog.
type App struct {
	DB       *sql.DB
	Store    storage.Storage
	Catalog  repository.CatalogRepository
	Pipeline *service.Pipeline

	pool *extract.Pool
}

// Close releases the extraction workers and the database pool.
func (a *App) Close() error {
	if a.pool != nil {
		a.pool.Release()
	}
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}

// NewLogger returns a JSON slog logger that stamps records in loc.
func NewLogger(w io.Writer, loc *time.Location, level slog.Level) *slog.Logger {
	if loc == nil {
		loc = time.UTC
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.String("ts", a.Value.Time().In(loc).Format(time.RFC3339Nano))
			}
			return a
		},
	}))
}

// New wires storage, catalog, extraction and the pipeline. reg may be nil,
// in which case pipeline metrics are not recorded.
func New(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	store, err := newStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize object storage: %w", err)
	}
	a.Store = store

	switch cfg.CatalogDriver {
	case "memory":
		a.Catalog = repository.NewMemoryCatalog()
	case "postgres":
		db, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.DB = db
		if err := migration.EnsureMigrated(ctx, db, cfg.Location(), cfg.Database.Host); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		a.Catalog = postgres.NewCatalogPostgres(db)
	default:
		return nil, fmt.Errorf("unknown CATALOG_DRIVER %q", cfg.CatalogDriver)
	}

	extractor, err := newExtractor(ctx, cfg.Extraction)
	if err != nil {
		return nil, err
	}
	pool, err := extract.NewPool(extractor, cfg.Extraction.Workers, cfg.Extraction.Timeout)
	if err != nil {
		return nil, err
	}
	a.pool = pool

	opts := []service.Option{
		service.WithLogger(logger),
		service.WithRetryPolicy(retry.FromConfig(cfg.Retry)),
		service.WithUploadLimits(cfg.Upload.MaxFileBytes, cfg.Upload.MaxFiles),
		service.WithSnapshotMaxAge(cfg.Aggregate.MaxAge),
	}
	if reg != nil {
		m, err := service.NewMetrics(reg)
		if err != nil {
			return nil, fmt.Errorf("register pipeline metrics: %w", err)
		}
		opts = append(opts, service.WithMetrics(m))
	}
	a.Pipeline = service.NewPipeline(a.Store, a.Catalog, pool, opts...)

	ok = true
	return a, nil
}

func newStorage(cfg *config.AppConfig) (storage.Storage, error) {
	switch cfg.StorageDriver {
	case "memory":
		return storage.NewMemory(cfg.MinIO.Bucket), nil
	case "minio":
		return storage.NewMinIO(cfg.MinIO)
	default:
		return nil, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}
}

// newExtractor returns the local extractor, or Gemini with the local extractor
// as fallback for formats the model does not read.
func newExtractor(ctx context.Context, cfg config.ExtractionConfig) (extract.Extractor, error) {
	local := extract.NewLocal()
	switch cfg.Driver {
	case "local":
		return local, nil
	case "gemini":
		g, err := extract.NewGemini(ctx, extract.GeminiConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel}, local)
		if err != nil {
			return nil, fmt.Errorf("initialize gemini extractor: %w", err)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown EXTRACTION_DRIVER %q", cfg.Driver)
	}
}

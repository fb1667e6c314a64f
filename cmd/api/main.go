package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/swagger"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"kbapi/docs"
	"kbapi/internal/app"
	"kbapi/internal/config"
	handlers "kbapi/internal/http/handler"
	"kbapi/internal/http/middleware"
	kbotel "kbapi/internal/otel"
)

// @title Knowledge Base API
// @version 1.0
// @description Ingests source documents and serves the consolidated knowledge text.
// @BasePath /
func main() {
	// Load configuration from environment variables (.env auto-loaded if present)
	cfg := config.Load()
	loc := cfg.Location()
	logger := app.NewLogger(os.Stdout, loc, slog.LevelInfo)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := kbotel.Init(ctx, loc)
	if err != nil {
		log.Fatalf("failed to initialize tracing: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	components, err := app.New(ctx, cfg, logger, reg)
	if err != nil {
		log.Fatalf("failed to initialize pipeline: %v", err)
	}
	defer components.Close()

	promMiddleware, err := middleware.NewPrometheusMiddleware(reg)
	if err != nil {
		log.Fatalf("failed to register http metrics: %v", err)
	}

	fiberApp := fiber.New(fiber.Config{
		ErrorHandler: handlers.ErrorHandler(),
		// Room for a full batch of maximum-size files plus multipart overhead.
		BodyLimit: int(cfg.Upload.MaxFileBytes)*max(cfg.Upload.MaxFiles, 1) + 1<<20,
	})

	// Register global middleware
	fiberApp.Use(otelfiber.Middleware())
	// RequestID middleware adds/propagates X-Request-ID and stores it in context
	fiberApp.Use(middleware.RequestID())
	// JSON Logger middleware for structured request logs
	fiberApp.Use(middleware.Logger(loc))
	fiberApp.Use(promMiddleware.Handler())

	// Register HTTP routes with injected pipeline
	handlers.RegisterRoutes(fiberApp, components.DB, components.Pipeline, reg)

	// Swagger UI with dynamic host and scheme
	fiberApp.Get("/swagger/*", func(c *fiber.Ctx) error {
		scheme := c.Protocol()
		if proto := c.Get("X-Forwarded-Proto"); proto != "" {
			scheme = strings.Split(proto, ",")[0]
		}

		docs.SwaggerInfo.Host = c.Get("Host")
		docs.SwaggerInfo.Schemes = []string{scheme}

		return swagger.HandlerDefault(c)
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := fiberApp.ShutdownWithTimeout(30 * time.Second); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("server starting",
		"addr", addr,
		"storage_driver", cfg.StorageDriver,
		"catalog_driver", cfg.CatalogDriver,
		"extraction_driver", cfg.Extraction.Driver)

	if err := fiberApp.Listen(addr); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("failed to start server: %v", err)
	}
}

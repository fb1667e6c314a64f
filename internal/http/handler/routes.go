package handler

import (
	"database/sql"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kbapi/internal/service"
)

// RegisterRoutes attaches HTTP routes to the provided Fiber app.
// Handlers translate HTTP to pipeline calls and hold no business logic.
// A nil gatherer leaves /metrics unregistered.
func RegisterRoutes(app *fiber.App, db *sql.DB, svc service.KnowledgeService, gatherer prometheus.Gatherer) {
	app.Get("/health", HealthCheck(db))
	app.Get("/healthz", LivenessProbe())
	if gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	app.Get("/documents", ListDocuments(svc))
	app.Post("/documents", UploadDocuments(svc))
	app.Get("/documents/:id", GetDocument(svc))
	app.Get("/documents/:id/download", DownloadDocument(svc))
	app.Delete("/documents/:id", DeleteDocument(svc))

	app.Get("/knowledge", GetKnowledge(svc))
	app.Post("/knowledge/rebuild", RebuildKnowledge(svc))
}

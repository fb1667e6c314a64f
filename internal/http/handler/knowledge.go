package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"

	"kbapi/internal/service"
)

// GetKnowledge godoc
// @Summary Read the consolidated knowledge text
// @Tags knowledge
// @Produce json
// @Success 200 {object} model.KnowledgeAggregate
// @Router /knowledge [get]
func GetKnowledge(svc service.KnowledgeService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		agg, err := svc.Aggregate(c.UserContext())
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(agg)
	}
}

// RebuildKnowledge godoc
// @Summary Rebuild the knowledge text from every cataloged document
// @Tags knowledge
// @Produce json
// @Success 200 {object} model.OperationResult
// @Failure 403 {object} errorPayload
// @Router /knowledge/rebuild [post]
func RebuildKnowledge(svc service.KnowledgeService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		res, err := svc.Rebuild(c.UserContext())
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(res)
	}
}

// HealthCheck reports whether the catalog database answers.
// A nil db means the in-memory catalog, which is always available.
func HealthCheck(db *sql.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return writeError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "dependency unavailable")
			}
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "healthy"})
	}
}

// LivenessProbe always answers 200 while the process serves requests.
func LivenessProbe() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	}
}

package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/carebridge/comms-engine/internal/observability"
	"github.com/carebridge/comms-engine/internal/provider"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const readinessTimeout = 2 * time.Second

func RegisterHealthRoutes(app fiber.Router, sqlDB *sql.DB, rdb *redis.Client) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(sqlDB, rdb))
}

// RegisterStatusRoutes exposes per-channel provider health and the
// Prometheus scrape endpoint.
func RegisterStatusRoutes(router fiber.Router, registry *provider.Registry, metrics *observability.Metrics) {
	scrape := fasthttpadaptor.NewFastHTTPHandler(metrics.Handler())
	router.Get("/metrics", func(c *fiber.Ctx) error {
		scrape(c.Context())
		return nil
	})

	v1 := router.Group("/v1")
	v1.Get("/providers/status", ProviderStatusHandler(registry))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(sqlDB *sql.DB, rdb *redis.Client) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
		defer cancel()

		pgErr := sqlDB.PingContext(ctx)
		redisErr := rdb.Ping(ctx).Err()

		pgStatus := "ok"
		if pgErr != nil {
			pgStatus = "down"
		}
		redisStatus := "ok"
		if redisErr != nil {
			redisStatus = "down"
		}

		status := "ready"
		statusCode := fiber.StatusOK
		if pgErr != nil || redisErr != nil {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": fiber.Map{
				"postgres": pgStatus,
				"redis":    redisStatus,
			},
		})
	}
}

type providerStatusResponse struct {
	Channel    string `json:"channel"`
	Provider   string `json:"provider"`
	Configured bool   `json:"configured"`
	Healthy    bool   `json:"healthy"`
	Detail     string `json:"detail,omitempty"`
}

func ProviderStatusHandler(registry *provider.Registry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		reports := registry.Statuses(c.Context())

		providers := make([]providerStatusResponse, 0, len(reports))
		for _, report := range reports {
			providers = append(providers, providerStatusResponse{
				Channel:    report.Channel,
				Provider:   report.Provider,
				Configured: report.Configured,
				Healthy:    report.Healthy,
				Detail:     report.Detail,
			})
		}

		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"providers": providers,
		})
	}
}

package handler

import (
	"context"
	"database/sql"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const readinessTimeout = 2 * time.Second

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

func PostgresCheck(sqlDB *sql.DB) ReadinessCheck {
	return ReadinessCheck{Name: "postgres", Ping: sqlDB.PingContext}
}

func RedisCheck(rdb *redis.Client) ReadinessCheck {
	return ReadinessCheck{Name: "redis", Ping: func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}}
}

func RegisterHealthRoutes(app fiber.Router, checks ...ReadinessCheck) {
	app.Get("/livez", LivezHandler())
	app.Get("/readyz", ReadyzHandler(checks...))
}

func LivezHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"status": "ok",
		})
	}
}

func ReadyzHandler(checks ...ReadinessCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
		defer cancel()

		results := fiber.Map{}
		ready := true
		for _, check := range checks {
			if err := check.Ping(ctx); err != nil {
				results[check.Name] = "down"
				ready = false
				continue
			}
			results[check.Name] = "ok"
		}

		status := "ready"
		statusCode := fiber.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = fiber.StatusServiceUnavailable
		}

		return c.Status(statusCode).JSON(fiber.Map{
			"status": status,
			"checks": results,
		})
	}
}

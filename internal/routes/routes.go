package routes

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maibot/chatpoints/internal/config"
	"github.com/maibot/chatpoints/internal/middleware"
	"github.com/maibot/chatpoints/internal/store"
	"github.com/maibot/chatpoints/internal/wagering"
)

// Deps aggregates shared dependencies required to wire routes. DB and
// Cache are optional.
type Deps struct {
	Cfg         config.Config
	Coordinator *wagering.Coordinator
	Documents   []*store.Store
	DB          *pgxpool.Pool
	Cache       *redis.Client
	Logger      *zap.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	RegisterHealthRoutes(app, d)

	h := wagering.NewHandler(d.Coordinator)
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterAccountRoutes(api, h)
	RegisterGameRoutes(api, h)
	RegisterBetRoutes(api, h)

	var limiter fiber.Handler = func(c *fiber.Ctx) error { return c.Next() }
	if d.Cache != nil {
		limiter = middleware.AttemptLimit(d.Cache, "admin", 30)
	}
	admin := api.Group("", limiter, middleware.AdminToken(d.Cfg.AdminTokenHash, d.Logger))
	RegisterAdminRoutes(admin, h)
	return nil
}

// ErrorHandler renders errors as JSON bodies.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := http.StatusInternalServerError
		if fe, ok := err.(*fiber.Error); ok {
			code = fe.Code
		}
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		}
		return c.Status(code).JSON(fiber.Map{
			"error":      err.Error(),
			"request_id": middleware.RequestIDFrom(c),
		})
	}
}

package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

func adminApp(t *testing.T, hash string) *fiber.App {
	t.Helper()
	app := fiber.New()
	app.Post("/admin", AdminToken(hash, zaptest.NewLogger(t)), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})
	return app
}

func adminRequest(t *testing.T, app *fiber.App, token string) int {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/admin", nil)
	if token != "" {
		req.Header.Set(adminTokenHeader, token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestAdminToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	app := adminApp(t, string(hash))

	require.Equal(t, fiber.StatusUnauthorized, adminRequest(t, app, ""))
	require.Equal(t, fiber.StatusUnauthorized, adminRequest(t, app, "guess"))
	require.Equal(t, fiber.StatusNoContent, adminRequest(t, app, "s3cret"))
}

func TestAdminTokenDisabledWithoutHash(t *testing.T) {
	app := adminApp(t, "")
	require.Equal(t, fiber.StatusForbidden, adminRequest(t, app, "anything"))
}

func TestAttemptLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	app := fiber.New()
	app.Post("/admin", AttemptLimit(cache, "admin", 2), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	})

	require.Equal(t, fiber.StatusNoContent, adminRequest(t, app, ""))
	require.Equal(t, fiber.StatusNoContent, adminRequest(t, app, ""))
	require.Equal(t, fiber.StatusTooManyRequests, adminRequest(t, app, ""))

	mr.FastForward(61 * time.Second)
	require.Equal(t, fiber.StatusNoContent, adminRequest(t, app, ""))
}

package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(c *fiber.Ctx) error { return c.SendString("ok") }

func TestServiceKeyMiddleware(t *testing.T) {
	app := fiber.New()
	app.Get("/", ServiceKeyMiddleware("s3cret"), okHandler)

	tests := []struct {
		name     string
		key      string
		expected int
	}{
		{"missing", "", fiber.StatusUnauthorized},
		{"wrong", "guess", fiber.StatusUnauthorized},
		{"valid", "s3cret", fiber.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.key != "" {
				req.Header.Set(ServiceKeyHeader, tt.key)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, resp.StatusCode)
		})
	}
}

func TestServiceKeyMiddlewareDisabled(t *testing.T) {
	app := fiber.New()
	app.Get("/", ServiceKeyMiddleware(""), okHandler)

	resp, err := app.Test(httptest.NewRequest("GET", "/", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestAdminRateLimiter(t *testing.T) {
	app := fiber.New()
	app.Post("/decay", AdminRateLimiter(&RateLimitConfig{AdminMax: 2, AdminExpiration: time.Minute}), okHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("POST", "/decay", nil), -1)
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{fiber.StatusOK, fiber.StatusOK, fiber.StatusTooManyRequests}, codes)
}

func TestLoadRateLimitConfig(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("RATE_LIMIT_ADMIN", "7")
	t.Setenv("RATE_LIMIT_RETRIEVE", "not-a-number")

	config := LoadRateLimitConfig()
	assert.Equal(t, 7, config.AdminMax)
	assert.Equal(t, DefaultRateLimitConfig().RetrieveMax, config.RetrieveMax)
}

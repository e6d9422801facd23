package middleware

import (
	"crypto/subtle"
	"log"

	"github.com/gofiber/fiber/v2"
)

// ServiceKeyHeader carries the shared secret between the chat backend and
// the memory service
const ServiceKeyHeader = "X-Service-Key"

// ServiceKeyMiddleware rejects requests without the shared service key.
// An empty key disables the check (development only; config validation
// refuses it in production).
func ServiceKeyMiddleware(key string) fiber.Handler {
	if key == "" {
		log.Println("⚠️  [SERVICE-AUTH] No SERVICE_API_KEY set, API is unauthenticated")
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	expected := []byte(key)

	return func(c *fiber.Ctx) error {
		provided := c.Get(ServiceKeyHeader)
		if provided == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing service key. Include " + ServiceKeyHeader + " header.",
			})
		}
		if subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			log.Printf("❌ [SERVICE-AUTH] Invalid service key from %s", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid service key",
			})
		}
		return c.Next()
	}
}

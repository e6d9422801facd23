package middleware

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Retrieval is on the chat hot path, keyed per caller IP
	RetrieveMax        int
	RetrieveExpiration time.Duration

	// Operator routes: consolidate, decay, export, erase
	AdminMax        int
	AdminExpiration time.Duration
}

// DefaultRateLimitConfig returns production defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		// One chat backend makes one retrieval per turn; 600/min covers ~10 turns/sec
		RetrieveMax:        600,
		RetrieveExpiration: 1 * time.Minute,

		AdminMax:        30,
		AdminExpiration: 1 * time.Minute,
	}
}

// LoadRateLimitConfig loads config from environment variables with defaults
func LoadRateLimitConfig() *RateLimitConfig {
	config := DefaultRateLimitConfig()

	if v := os.Getenv("RATE_LIMIT_RETRIEVE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.RetrieveMax = n
		}
	}

	if v := os.Getenv("RATE_LIMIT_ADMIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.AdminMax = n
		}
	}

	if os.Getenv("ENVIRONMENT") == "development" {
		config.RetrieveMax = 10000
		config.AdminMax = 1000
		log.Println("⚠️  [RATE-LIMIT] Development mode: using relaxed rate limits")
	}

	return config
}

// RetrieveRateLimiter limits retrieval calls per caller
func RetrieveRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.RetrieveMax,
		Expiration: config.RetrieveExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "retrieve:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Retrieve limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests. Please slow down.",
				"retry_after": int(config.RetrieveExpiration.Seconds()),
			})
		},
	})
}

// AdminRateLimiter limits the expensive per-user operator routes
func AdminRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.AdminMax,
		Expiration: config.AdminExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "admin:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("⚠️  [RATE-LIMIT] Admin limit reached for IP: %s on %s", c.IP(), c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests to this endpoint.",
				"retry_after": int(config.AdminExpiration.Seconds()),
			})
		},
	})
}

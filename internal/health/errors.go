package health

import (
	"net/http"
	"strings"
	"time"
)

var quotaPatterns = []string{
	"quota exceeded",
	"rate limit",
	"too many requests",
	"request limit",
	"tokens per minute",
	"requests per minute",
	"daily limit",
	"insufficient_quota",
	"rate_limit_exceeded",
	"quota_exceeded",
	// storage-side throttling
	"oom command not allowed",
	"busy redis",
	"exceeded memory limit",
	"request rate is large",
	"throttled",
}

// IsQuotaError detects if an error is related to quota exhaustion or rate limiting
func IsQuotaError(statusCode int, responseBody string) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}

	lowerBody := strings.ToLower(responseBody)
	for _, pattern := range quotaPatterns {
		if strings.Contains(lowerBody, pattern) {
			return true
		}
	}
	return false
}

// ParseCooldownDuration determines the cooldown after a quota error
func ParseCooldownDuration(statusCode int, responseBody string) time.Duration {
	lowerBody := strings.ToLower(responseBody)

	if strings.Contains(lowerBody, "daily limit") ||
		strings.Contains(lowerBody, "insufficient_quota") {
		return time.Hour
	}

	if statusCode == http.StatusTooManyRequests ||
		strings.Contains(lowerBody, "tokens per minute") ||
		strings.Contains(lowerBody, "requests per minute") {
		return time.Minute
	}

	return 30 * time.Second
}

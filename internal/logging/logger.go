package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithRequest returns a logger scoped to one retrieval request.
// Never attach memory content; ids and sizes only.
func WithRequest(userID, conversationID string) *slog.Logger {
	return slog.With(
		"user_id", userID,
		"conversation_id", conversationID,
	)
}

// WithJob returns a logger scoped to a background job run
func WithJob(name, runID string) *slog.Logger {
	return slog.With(
		"job", name,
		"run_id", runID,
	)
}

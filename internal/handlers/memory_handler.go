package handlers

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"tutormemory/internal/jobs"
	"tutormemory/internal/memerr"
	"tutormemory/internal/models"
	"tutormemory/internal/services"
)

// MemoryEngine is what the HTTP surface needs from the memory engine
type MemoryEngine interface {
	Retrieve(ctx context.Context, req services.RetrieveRequest) (*services.RetrieveResult, error)
	Consolidate(ctx context.Context, userID, conversationID string) (*services.ConsolidationResult, error)
	Decay(ctx context.Context, userID string) (*services.DecayResult, error)
	RecordTurn(ctx context.Context, userID, conversationID string, turn models.Turn) (*models.SessionContext, error)
	EndConversation(ctx context.Context, userID, conversationID string) error
	ExportUserMemories(ctx context.Context, userID string) (*services.UserExport, error)
	EraseUserMemories(ctx context.Context, userID string) (*services.EraseResult, error)
	Health() services.HealthReport
}

// JobStatusProvider reports background job state
type JobStatusProvider interface {
	GetStatus() []jobs.JobStatus
}

// MemoryHandler handles memory-related API endpoints
type MemoryHandler struct {
	engine         MemoryEngine
	jobs           JobStatusProvider
	requestTimeout time.Duration
	jobTimeout     time.Duration
}

// NewMemoryHandler creates a new memory handler
func NewMemoryHandler(engine MemoryEngine, jobStatus JobStatusProvider) *MemoryHandler {
	return &MemoryHandler{
		engine:         engine,
		jobs:           jobStatus,
		requestTimeout: 10 * time.Second,
		jobTimeout:     2 * time.Minute,
	}
}

// RouteLimiters are optional rate limiters for the hot path (retrieve and
// turn recording) and for the per-user operator routes
type RouteLimiters struct {
	Retrieve fiber.Handler
	Admin    fiber.Handler
}

func withLimiter(limiter fiber.Handler, handler fiber.Handler) []fiber.Handler {
	if limiter == nil {
		return []fiber.Handler{handler}
	}
	return []fiber.Handler{limiter, handler}
}

// Register mounts the memory routes on router
func (h *MemoryHandler) Register(router fiber.Router, limiters RouteLimiters) {
	memory := router.Group("/memory")
	memory.Get("/health", h.Health)
	memory.Get("/jobs", h.Jobs)

	memory.Post("/retrieve", withLimiter(limiters.Retrieve, h.Retrieve)...)
	memory.Post("/users/:userId/conversations/:conversationId/turns", withLimiter(limiters.Retrieve, h.RecordTurn)...)
	memory.Post("/users/:userId/conversations/:conversationId/end", withLimiter(limiters.Retrieve, h.EndConversation)...)

	memory.Post("/users/:userId/conversations/:conversationId/consolidate", withLimiter(limiters.Admin, h.Consolidate)...)
	memory.Post("/users/:userId/decay", withLimiter(limiters.Admin, h.Decay)...)
	memory.Get("/users/:userId/export", withLimiter(limiters.Admin, h.Export)...)
	memory.Delete("/users/:userId", withLimiter(limiters.Admin, h.Erase)...)
}

// Retrieve composes memory context for the next assistant turn
// POST /api/v1/memory/retrieve
func (h *MemoryHandler) Retrieve(c *fiber.Ctx) error {
	var req services.RetrieveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "user_id is required",
		})
	}
	if req.MaxTokens < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "max_tokens must not be negative",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.requestTimeout)
	defer cancel()

	result, err := h.engine.Retrieve(ctx, req)
	if err != nil {
		if result != nil {
			return h.failWith(c, "retrieve", err, result)
		}
		return h.fail(c, "retrieve", err)
	}
	return c.JSON(result)
}

type recordTurnRequest struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordTurn appends a live turn to the session context
// POST /api/v1/memory/users/:userId/conversations/:conversationId/turns
func (h *MemoryHandler) RecordTurn(c *fiber.Ctx) error {
	var req recordTurnRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Role != models.RoleUser && req.Role != models.RoleAssistant {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "role must be user or assistant",
		})
	}
	if strings.TrimSpace(req.Content) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "content is required",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.requestTimeout)
	defer cancel()

	session, err := h.engine.RecordTurn(ctx, c.Params("userId"), c.Params("conversationId"), models.Turn{
		ID:        req.ID,
		Role:      req.Role,
		Content:   req.Content,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		return h.fail(c, "record turn", err)
	}
	return c.JSON(fiber.Map{
		"turn_count":  session.TurnCount,
		"fingerprint": session.Fingerprint,
	})
}

// EndConversation drops the session context
// POST /api/v1/memory/users/:userId/conversations/:conversationId/end
func (h *MemoryHandler) EndConversation(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.requestTimeout)
	defer cancel()

	if err := h.engine.EndConversation(ctx, c.Params("userId"), c.Params("conversationId")); err != nil {
		return h.fail(c, "end conversation", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Consolidate extracts long-term memories from one conversation now
// POST /api/v1/memory/users/:userId/conversations/:conversationId/consolidate
func (h *MemoryHandler) Consolidate(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.jobTimeout)
	defer cancel()

	result, err := h.engine.Consolidate(ctx, c.Params("userId"), c.Params("conversationId"))
	if err != nil {
		return h.fail(c, "consolidate", err)
	}
	return c.JSON(result)
}

// Decay runs the forgetting pass for one user
// POST /api/v1/memory/users/:userId/decay
func (h *MemoryHandler) Decay(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.jobTimeout)
	defer cancel()

	result, err := h.engine.Decay(ctx, c.Params("userId"))
	if err != nil {
		return h.fail(c, "decay", err)
	}
	return c.JSON(result)
}

// Export returns everything stored about a user
// GET /api/v1/memory/users/:userId/export
func (h *MemoryHandler) Export(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.jobTimeout)
	defer cancel()

	export, err := h.engine.ExportUserMemories(ctx, c.Params("userId"))
	if err != nil {
		return h.fail(c, "export", err)
	}
	c.Set(fiber.HeaderContentDisposition, `attachment; filename="memories-`+c.Params("userId")+`.json"`)
	return c.JSON(export)
}

// Erase removes a user's memories from every tier
// DELETE /api/v1/memory/users/:userId
func (h *MemoryHandler) Erase(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), h.jobTimeout)
	defer cancel()

	result, err := h.engine.EraseUserMemories(ctx, c.Params("userId"))
	if err != nil {
		return h.fail(c, "erase", err)
	}
	log.Printf("🗑️  [MEMORY-API] Erased memories for user %s (%d entries)", result.UserID, result.MemoriesDeleted)
	return c.JSON(result)
}

// Health reports engine health. Unhealthy answers 503 so load balancers
// can act on it; degraded still serves.
// GET /api/v1/memory/health
func (h *MemoryHandler) Health(c *fiber.Ctx) error {
	report := h.engine.Health()
	if report.Status == services.HealthUnhealthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}
	return c.JSON(report)
}

// Jobs lists background job status
// GET /api/v1/memory/jobs
func (h *MemoryHandler) Jobs(c *fiber.Ctx) error {
	if h.jobs == nil {
		return c.JSON(fiber.Map{"jobs": []jobs.JobStatus{}})
	}
	return c.JSON(fiber.Map{"jobs": h.jobs.GetStatus()})
}

func (h *MemoryHandler) fail(c *fiber.Ctx, op string, err error) error {
	return h.failWith(c, op, err, nil)
}

// failWith also returns whatever the operation produced before failing, such
// as the per-tier status of a retrieval
func (h *MemoryHandler) failWith(c *fiber.Ctx, op string, err error, result any) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		log.Printf("❌ [MEMORY-API] %s failed: %v", op, err)
	}
	body := fiber.Map{"error": err.Error()}
	if kind := memerr.KindOf(err); kind != memerr.KindUnknown {
		body["kind"] = kind.String()
	}
	if result != nil {
		body["result"] = result
	}
	return c.Status(status).JSON(body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrUserBusy):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrConversationNotFound), errors.Is(err, services.ErrMemoryNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	}

	switch memerr.KindOf(err) {
	case memerr.InvalidMemoryContent:
		return fiber.StatusBadRequest
	case memerr.ConsolidationConflict:
		return fiber.StatusConflict
	case memerr.QuotaExceeded:
		return fiber.StatusTooManyRequests
	case memerr.TierUnavailable, memerr.EmbeddingFailure:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/sync/errgroup"

	"tutormemory/internal/health"
	"tutormemory/internal/logging"
	"tutormemory/internal/memerr"
	"tutormemory/internal/models"
	"tutormemory/internal/privacy"
)

// RetrievalState is the per-request lifecycle of Retrieve
type RetrievalState string

const (
	StateIdle          RetrievalState = "idle"
	StateFetchingTiers RetrievalState = "fetching_tiers"
	StateRanking       RetrievalState = "ranking"
	StateComposing     RetrievalState = "composing"
	StateDone          RetrievalState = "done"
	StateError         RetrievalState = "error"
)

// Memory tiers
const (
	TierShortTerm = "short_term"
	TierWorking   = "working"
	TierLongTerm  = "long_term"
	TierProfile   = "profile"
)

// Tier fetch outcomes
const (
	TierOK       = "ok"
	TierDegraded = "degraded" // served, but without part of its inputs
	TierFailed   = "failed"
	TierSkipped  = "skipped"
)

var errCircuitOpen = errors.New("circuit open")

// errTierDeadline is the cause attached to a tier's own timeout, which tells it
// apart from the caller's deadline
var errTierDeadline = errors.New("tier deadline exceeded")

// EngineConfig tunes the request path
type EngineConfig struct {
	TierTimeout       time.Duration
	SummaryTimeout    time.Duration
	LongTermTopK      int
	DefaultMaxTokens  int
	RetrievalCacheTTL time.Duration // 0 disables the retrieval cache
	AccessTimeout     time.Duration
	EraseRetry        RetryPolicy
}

// DefaultEngineConfig returns the request-path defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		TierTimeout:       250 * time.Millisecond,
		SummaryTimeout:    2 * time.Second,
		LongTermTopK:      20,
		DefaultMaxTokens:  2000,
		RetrievalCacheTTL: time.Minute,
		AccessTimeout:     5 * time.Second,
		EraseRetry:        DefaultRetryPolicy(),
	}
}

// EngineDeps are the collaborators of the engine. Health and Locker may be nil.
type EngineDeps struct {
	Store         MemoryStore
	Audit         AuditLog
	Profiles      ProfileStore
	Index         VectorIndex
	Embedder      Embedder
	Cache         EphemeralCache
	Sessions      *SessionStore
	Consolidation *MemoryConsolidationService
	Decay         *MemoryDecayService
	Locker        UserLocker
	Health        *health.Service
}

// RetrieveRequest is one context retrieval for a generation call
type RetrieveRequest struct {
	UserID           string           `json:"user_id"`
	ConversationID   string           `json:"conversation_id"`
	Message          string           `json:"message"`
	Intent           string           `json:"intent,omitempty"`
	MaxTokens        int              `json:"max_tokens,omitempty"`
	ConversationType string           `json:"conversation_type,omitempty"`
	Namespace        *NamespaceFilter `json:"namespace,omitempty"`
	ExcludeSensitive bool             `json:"exclude_sensitive,omitempty"`
}

// TierReport describes how one tier fetch went
type TierReport struct {
	Tier      string `json:"tier"`
	Status    string `json:"status"`
	Items     int    `json:"items"`
	LatencyMs int64  `json:"latency_ms"`
	Kind      string `json:"kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (r TierReport) failed() bool {
	return r.Status == TierFailed || r.Status == TierSkipped
}

// RetrieveResult is the composed context plus what went into it
type RetrieveResult struct {
	Context   ComposedContext `json:"context"`
	Memories  []RankedMemory  `json:"memories,omitempty"`
	State     RetrievalState  `json:"state"`
	Degraded  bool            `json:"degraded"`
	CacheHit  bool            `json:"cache_hit"`
	Tiers     []TierReport    `json:"tiers"`
	LatencyMs int64           `json:"latency_ms"`
}

// UserExport is everything stored about a user
type UserExport struct {
	UserID     string               `json:"user_id"`
	ExportedAt time.Time            `json:"exported_at"`
	Profile    *models.UserProfile  `json:"profile"`
	Memories   []models.MemoryEntry `json:"memories"`
}

// EraseResult reports what erasure removed
type EraseResult struct {
	UserID          string `json:"user_id"`
	MemoriesDeleted int64  `json:"memories_deleted"`
	SessionsDeleted int    `json:"sessions_deleted"`
	VectorsDeleted  bool   `json:"vectors_deleted"`
	ProfileCleared  bool   `json:"profile_cleared"`
}

// Engine health states
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthReport summarizes engine health
type HealthReport struct {
	Status        string                    `json:"status"` // healthy, degraded, unhealthy
	TierLatencies map[string]float64        `json:"tier_latencies_ms"`
	CacheHitRate  float64                   `json:"cache_hit_rate"`
	ForgottenRate float64                   `json:"forgotten_rate"`
	Dependencies  []health.DependencyHealth `json:"dependencies"`
	CheckedAt     time.Time                 `json:"checked_at"`
}

// MemoryEngine is the single entry point of the memory subsystem
type MemoryEngine struct {
	store         MemoryStore
	audit         AuditLog
	profiles      ProfileStore
	index         VectorIndex
	embedder      Embedder
	cache         EphemeralCache
	sessions      *SessionStore
	consolidation *MemoryConsolidationService
	decay         *MemoryDecayService
	locker        UserLocker
	health        *health.Service
	config        EngineConfig
	now           func() time.Time

	latencyMu sync.Mutex
	latencies map[string]float64 // EWMA per tier, milliseconds

	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	decayEvaluated atomic.Int64
	decayForgotten atomic.Int64

	pending sync.WaitGroup
}

// NewMemoryEngine wires the facade
func NewMemoryEngine(deps EngineDeps, config EngineConfig) *MemoryEngine {
	if config.TierTimeout <= 0 {
		config.TierTimeout = 250 * time.Millisecond
	}
	if config.SummaryTimeout <= 0 {
		config.SummaryTimeout = config.TierTimeout
	}
	if config.LongTermTopK <= 0 {
		config.LongTermTopK = 20
	}
	if config.DefaultMaxTokens <= 0 {
		config.DefaultMaxTokens = 2000
	}
	if config.AccessTimeout <= 0 {
		config.AccessTimeout = 5 * time.Second
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalUserLocker(2 * time.Minute)
	}

	return &MemoryEngine{
		store:         deps.Store,
		audit:         deps.Audit,
		profiles:      deps.Profiles,
		index:         deps.Index,
		embedder:      deps.Embedder,
		cache:         deps.Cache,
		sessions:      deps.Sessions,
		consolidation: deps.Consolidation,
		decay:         deps.Decay,
		locker:        locker,
		health:        deps.Health,
		config:        config,
		now:           func() time.Time { return time.Now().UTC() },
		latencies:     make(map[string]float64),
	}
}

// Retrieve builds the memory context for one generation request. A failing
// tier degrades the result instead of failing it; an error is returned only
// when every tier failed, and the result is never nil.
func (e *MemoryEngine) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResult, error) {
	start := time.Now()
	result := &RetrieveResult{State: StateIdle}
	if req.UserID == "" {
		result.State = StateError
		return result, memerr.Newf(memerr.InvalidMemoryContent, "retrieve", "user ID is required")
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = e.config.DefaultMaxTokens
	}
	logger := logging.WithRequest(req.UserID, req.ConversationID)

	rc := privacy.ForUser(req.UserID)
	if req.ExcludeSensitive {
		rc.AllowSensitive = false
	}

	result.State = StateFetchingTiers

	// Short-term goes first: its fingerprint is part of the cache key
	session, shortReport := e.fetchSession(ctx, req)
	cacheKey := e.retrievalKey(ctx, req, session)
	if cached := e.cachedResult(ctx, cacheKey); cached != nil {
		cached.CacheHit = true
		cached.LatencyMs = time.Since(start).Milliseconds()
		e.trackAccess(ctx, req.UserID, cached.Context.IncludedIDs)
		GetMetrics().RetrievalRequests.WithLabelValues("ok").Inc()
		GetMetrics().RetrievalLatency.Observe(time.Since(start).Seconds())
		return cached, nil
	}

	var (
		summary       string
		workingReport TierReport
		longTerm      *longTermFetch
		longReport    TierReport
		profile       *models.UserProfile
		profileReport TierReport
	)

	// Tier failures are reported, never returned, so one tier cannot cancel another
	var g errgroup.Group
	g.Go(func() error {
		summary, workingReport = e.fetchWorking(ctx, session)
		return nil
	})
	g.Go(func() error {
		longTerm, longReport = e.fetchLongTerm(ctx, req, rc)
		return nil
	})
	g.Go(func() error {
		profile, profileReport = e.fetchProfile(ctx, req.UserID)
		return nil
	})
	_ = g.Wait()

	result.Tiers = []TierReport{profileReport, longReport, workingReport, shortReport}
	allFailed := true
	var tierErrs []error
	for _, r := range result.Tiers {
		e.recordTier(r)
		if r.Status != TierOK {
			result.Degraded = true
			logger.Warn("Memory tier degraded",
				"tier", r.Tier, "status", r.Status, "kind", r.Kind, "latency_ms", r.LatencyMs)
		}
		if r.failed() {
			tierErrs = append(tierErrs, fmt.Errorf("%s: %s", r.Tier, r.Error))
		} else {
			allFailed = false
		}
	}

	if allFailed {
		result.State = StateError
		result.Context = Compose(ComposeInput{MaxTokens: req.MaxTokens, ConversationType: req.ConversationType})
		result.LatencyMs = time.Since(start).Milliseconds()
		GetMetrics().RetrievalRequests.WithLabelValues("failed").Inc()
		logger.Error("All memory tiers failed", "latency_ms", result.LatencyMs)
		return result, memerr.Unavailable("all", "retrieve", errors.Join(tierErrs...))
	}

	result.State = StateRanking
	var candidates []Candidate
	var queryVec []float32
	if longTerm != nil {
		candidates = longTerm.candidates
		queryVec = longTerm.query
	}
	ranked := Rank(candidates, RankQuery{
		Text:      req.Message,
		Embedding: queryVec,
		Intent:    req.Intent,
		Now:       e.now(),
	})

	result.State = StateComposing
	input := ComposeInput{
		Profile:          profile,
		Working:          summary,
		LongTerm:         ranked,
		MaxTokens:        req.MaxTokens,
		ConversationType: req.ConversationType,
	}
	if session != nil {
		input.ShortTerm = session.Turns
		input.TurnCount = session.TurnCount
	}
	result.Context = Compose(input)
	result.Memories = includedMemories(ranked, result.Context.IncludedIDs)
	result.State = StateDone
	result.LatencyMs = time.Since(start).Milliseconds()

	if !result.Degraded {
		e.storeResult(ctx, cacheKey, result)
	}
	e.trackAccess(ctx, req.UserID, result.Context.IncludedIDs)

	outcome := "ok"
	if result.Degraded {
		outcome = "degraded"
	}
	GetMetrics().RetrievalRequests.WithLabelValues(outcome).Inc()
	GetMetrics().RetrievalLatency.Observe(time.Since(start).Seconds())
	logger.Debug("Memory context composed",
		"memories", len(result.Memories), "tokens", result.Context.EstimatedTokens,
		"truncated", result.Context.Truncated, "degraded", result.Degraded, "latency_ms", result.LatencyMs)
	return result, nil
}

func (e *MemoryEngine) fetchSession(ctx context.Context, req RetrieveRequest) (*models.SessionContext, TierReport) {
	report := TierReport{Tier: TierShortTerm, Status: TierOK}
	if e.sessions == nil || req.ConversationID == "" {
		return &models.SessionContext{UserID: req.UserID, ConversationID: req.ConversationID}, report
	}

	start := time.Now()
	tctx, cancel := context.WithTimeoutCause(ctx, e.config.TierTimeout, errTierDeadline)
	defer cancel()

	session, _, err := e.sessions.Load(tctx, req.UserID, req.ConversationID)
	report.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		// Load absorbs cache failures; what reaches here came from the conversation log
		e.observeFailure(tctx, health.DepStructuredStore, err)
		markFailed(&report, err)
		return nil, report
	}
	report.Items = len(session.Turns)
	return session, report
}

func (e *MemoryEngine) fetchWorking(ctx context.Context, session *models.SessionContext) (string, TierReport) {
	report := TierReport{Tier: TierWorking, Status: TierOK}
	if session == nil {
		report.Status = TierSkipped
		report.Error = "short-term tier unavailable"
		return "", report
	}
	if session.SummaryValid() {
		report.Items = 1
		return session.Summary, report
	}
	if !e.allow(health.DepSummarizer) {
		markFailed(&report, memerr.Unavailable(health.DepSummarizer, "summarize", errCircuitOpen))
		return "", report
	}

	start := time.Now()
	tctx, cancel := context.WithTimeoutCause(ctx, e.config.SummaryTimeout, errTierDeadline)
	defer cancel()

	summary, err := e.sessions.Summary(tctx, session)
	report.LatencyMs = time.Since(start).Milliseconds()
	e.observe(tctx, health.DepSummarizer, time.Since(start), err)
	if err != nil {
		markFailed(&report, err)
		return "", report
	}
	if summary != "" {
		report.Items = 1
	}
	return summary, report
}

type longTermFetch struct {
	candidates []Candidate
	query      []float32
}

// fetchLongTerm runs semantic search when it can and otherwise falls back to
// the most important entries from the structured store, with no semantic factor
func (e *MemoryEngine) fetchLongTerm(ctx context.Context, req RetrieveRequest, rc privacy.RequestContext) (out *longTermFetch, report TierReport) {
	report = TierReport{Tier: TierLongTerm, Status: TierOK}
	out = &longTermFetch{}
	start := time.Now()
	defer func() { report.LatencyMs = time.Since(start).Milliseconds() }()

	var semanticErr error
	if req.Message != "" && e.embedder != nil && e.index != nil {
		tctx, cancel := context.WithTimeoutCause(ctx, e.config.TierTimeout, errTierDeadline)
		out.query, semanticErr = e.embedQuery(tctx, req.Message)
		if semanticErr == nil {
			var candidates []Candidate
			candidates, semanticErr = e.searchVectors(tctx, req, rc, out.query)
			if semanticErr == nil {
				cancel()
				out.candidates = candidates
				report.Items = len(candidates)
				return out, report
			}
		}
		cancel()
	}

	// Fresh deadline: the fallback must not inherit a timed-out search
	fctx, cancel := context.WithTimeoutCause(ctx, e.config.TierTimeout, errTierDeadline)
	defer cancel()
	candidates, err := e.fallbackCandidates(fctx, req, rc)
	if err != nil {
		markFailed(&report, err)
		return nil, report
	}
	out.candidates = candidates
	report.Items = len(candidates)
	if semanticErr != nil {
		report.Status = TierDegraded
		report.Kind = errorKind(semanticErr)
		report.Error = semanticErr.Error()
	}
	return out, report
}

func (e *MemoryEngine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if !e.allow(health.DepEmbedding) {
		return nil, memerr.New(memerr.EmbeddingFailure, "embed query", errCircuitOpen)
	}
	start := time.Now()
	vec, err := e.embedder.Embed(ctx, text)
	e.observe(ctx, health.DepEmbedding, time.Since(start), err)
	if err != nil {
		return nil, memerr.New(memerr.EmbeddingFailure, "embed query", err)
	}
	return vec, nil
}

func (e *MemoryEngine) searchVectors(ctx context.Context, req RetrieveRequest, rc privacy.RequestContext, query []float32) ([]Candidate, error) {
	if !e.allow(health.DepVectorIndex) {
		return nil, memerr.Unavailable(health.DepVectorIndex, "vector search", errCircuitOpen)
	}
	start := time.Now()
	matches, err := e.index.Search(ctx, req.UserID, query, e.config.LongTermTopK, req.Namespace.vectorFilter())
	e.observe(ctx, health.DepVectorIndex, time.Since(start), err)
	if err != nil {
		return nil, memerr.Unavailable(health.DepVectorIndex, "vector search", err)
	}
	if len(matches) == 0 {
		return []Candidate{}, nil
	}

	similarity := make(map[primitive.ObjectID]float64, len(matches))
	ids := make([]primitive.ObjectID, 0, len(matches))
	for _, m := range matches {
		id, err := primitive.ObjectIDFromHex(m.ID)
		if err != nil {
			continue
		}
		similarity[id] = m.Similarity
		ids = append(ids, id)
	}

	entries, err := e.loadEntries(ctx, func(ctx context.Context) ([]models.MemoryEntry, error) {
		return e.store.FindByIDs(ctx, req.UserID, ids)
	})
	if err != nil {
		return nil, err
	}

	// Entries archived since their vector was written simply drop out here
	candidates := make([]Candidate, 0, len(entries))
	for i := range entries {
		entry := &entries[i]
		if !privacy.IsVisible(entry, rc) || !req.Namespace.Matches(entry.Namespace) {
			continue
		}
		candidates = append(candidates, Candidate{
			Entry:         *entry,
			Similarity:    similarity[entry.ID],
			HasSimilarity: true,
		})
	}
	return candidates, nil
}

func (e *MemoryEngine) fallbackCandidates(ctx context.Context, req RetrieveRequest, rc privacy.RequestContext) ([]Candidate, error) {
	entries, err := e.loadEntries(ctx, func(ctx context.Context) ([]models.MemoryEntry, error) {
		return e.store.FindActive(ctx, req.UserID, MemoryFilter{
			Namespace: req.Namespace,
			Limit:     e.config.LongTermTopK,
		})
	})
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(entries))
	for i := range entries {
		if !privacy.IsVisible(&entries[i], rc) {
			continue
		}
		candidates = append(candidates, Candidate{Entry: entries[i], HasSimilarity: true})
	}
	return candidates, nil
}

func (e *MemoryEngine) loadEntries(ctx context.Context, find func(context.Context) ([]models.MemoryEntry, error)) ([]models.MemoryEntry, error) {
	if !e.allow(health.DepStructuredStore) {
		return nil, memerr.Unavailable(health.DepStructuredStore, "load memories", errCircuitOpen)
	}
	start := time.Now()
	entries, err := find(ctx)
	e.observe(ctx, health.DepStructuredStore, time.Since(start), err)
	if err != nil {
		return nil, memerr.Unavailable(health.DepStructuredStore, "load memories", err)
	}
	return entries, nil
}

func (e *MemoryEngine) fetchProfile(ctx context.Context, userID string) (*models.UserProfile, TierReport) {
	report := TierReport{Tier: TierProfile, Status: TierOK}
	if e.profiles == nil {
		return nil, report
	}
	if !e.allow(health.DepStructuredStore) {
		markFailed(&report, memerr.Unavailable(health.DepStructuredStore, "load profile", errCircuitOpen))
		return nil, report
	}

	start := time.Now()
	tctx, cancel := context.WithTimeoutCause(ctx, e.config.TierTimeout, errTierDeadline)
	defer cancel()

	profile, err := e.profiles.Get(tctx, userID)
	report.LatencyMs = time.Since(start).Milliseconds()
	e.observe(tctx, health.DepStructuredStore, time.Since(start), err)
	if err != nil {
		markFailed(&report, err)
		return nil, report
	}
	if !profile.IsEmpty() {
		report.Items = 1
	}
	return profile, report
}

func markFailed(report *TierReport, err error) {
	report.Status = TierFailed
	report.Kind = errorKind(err)
	report.Error = err.Error()
	GetMetrics().TierFailures.WithLabelValues(report.Tier, report.Kind).Inc()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, errCircuitOpen):
		return "circuit_open"
	default:
		return memerr.KindOf(err).String()
	}
}

func includedMemories(ranked []RankedMemory, ids []string) []RankedMemory {
	if len(ids) == 0 {
		return nil
	}
	included := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		included[id] = struct{}{}
	}
	out := make([]RankedMemory, 0, len(ids))
	for _, m := range ranked {
		if _, ok := included[m.Entry.ID.Hex()]; ok {
			out = append(out, m)
		}
	}
	return out
}

// --- retrieval cache ---

func generationKey(userID string) string {
	return "memory:gen:" + userID
}

// retrievalKey is empty when caching is off. The user's generation changes on
// every write to their memories, so stale results are never served.
func (e *MemoryEngine) retrievalKey(ctx context.Context, req RetrieveRequest, session *models.SessionContext) string {
	if e.cache == nil || e.config.RetrievalCacheTTL <= 0 || session == nil {
		return ""
	}

	gen := "0"
	raw, found, err := e.cache.Get(ctx, generationKey(req.UserID))
	if err != nil {
		return ""
	}
	if found {
		gen = string(raw)
	}

	h := sha256.New()
	for _, part := range []string{
		req.ConversationID, req.Message, req.Intent, req.ConversationType,
		strconv.Itoa(req.MaxTokens), strconv.FormatBool(req.ExcludeSensitive),
		session.Fingerprint,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	if !req.Namespace.IsZero() {
		h.Write([]byte(string(req.Namespace.Category) + "/" + req.Namespace.Subcategory + "/" + req.Namespace.Topic))
	}
	return fmt.Sprintf("memory:retrieval:%s:%s:%s", req.UserID, gen, hex.EncodeToString(h.Sum(nil))[:24])
}

func (e *MemoryEngine) cachedResult(ctx context.Context, key string) *RetrieveResult {
	if key == "" {
		return nil
	}
	raw, found, err := e.cache.Get(ctx, key)
	if err != nil || !found {
		e.cacheMisses.Add(1)
		GetMetrics().CacheLookups.WithLabelValues("retrieval", "miss").Inc()
		return nil
	}
	var result RetrieveResult
	if err := json.Unmarshal(raw, &result); err != nil {
		e.cacheMisses.Add(1)
		GetMetrics().CacheLookups.WithLabelValues("retrieval", "miss").Inc()
		return nil
	}
	e.cacheHits.Add(1)
	GetMetrics().CacheLookups.WithLabelValues("retrieval", "hit").Inc()
	return &result
}

func (e *MemoryEngine) storeResult(ctx context.Context, key string, result *RetrieveResult) {
	if key == "" {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, raw, e.config.RetrievalCacheTTL); err != nil {
		e.observeFailure(ctx, health.DepEphemeralCache, err)
	}
}

// invalidate moves the user to a new cache generation
func (e *MemoryEngine) invalidate(ctx context.Context, userID string) {
	if e.cache == nil {
		return
	}
	gen := strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := e.cache.Set(context.WithoutCancel(ctx), generationKey(userID), []byte(gen), 30*24*time.Hour); err != nil {
		log.Printf("⚠️ [MEMORY-ENGINE] Failed to invalidate retrieval cache for %s: %v", userID, err)
	}
}

// --- access tracking ---

// trackAccess bumps access counters of injected entries in the background
// and records one access audit per entry touched
func (e *MemoryEngine) trackAccess(ctx context.Context, userID string, hexIDs []string) {
	if len(hexIDs) == 0 || e.store == nil {
		return
	}
	ids := make([]primitive.ObjectID, 0, len(hexIDs))
	for _, h := range hexIDs {
		if id, err := primitive.ObjectIDFromHex(h); err == nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}

	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.AccessTimeout)
		defer cancel()
		at := e.now()
		versions, err := e.store.TouchAccess(actx, userID, ids, at)
		if err != nil {
			log.Printf("⚠️ [MEMORY-ENGINE] Access tracking failed for %d memories of %s: %v", len(ids), userID, err)
		}
		if e.audit == nil || len(versions) == 0 {
			return
		}
		records := make([]models.AuditRecord, 0, len(versions))
		for _, id := range ids {
			if v, ok := versions[id]; ok {
				records = append(records, models.AuditRecord{
					UserID:   userID,
					MemoryID: id.Hex(),
					Action:   models.AuditAccess,
					Version:  v,
					Reason:   "injected into context",
					At:       at,
				})
			}
		}
		if err := e.audit.Append(actx, records...); err != nil {
			log.Printf("⚠️ [MEMORY-ENGINE] Access audit failed for %d memories of %s: %v", len(records), userID, err)
		}
	}()
}

// Drain waits for background access updates, or until ctx is done
func (e *MemoryEngine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- background operations ---

// Consolidate runs consolidation for one conversation under the user's lock.
// ErrUserBusy means decay or another consolidation holds the lock.
func (e *MemoryEngine) Consolidate(ctx context.Context, userID, conversationID string) (*ConsolidationResult, error) {
	if e.consolidation == nil {
		return nil, errors.New("consolidation is not configured")
	}
	lockCtx, release, err := e.locker.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := e.consolidation.Consolidate(lockCtx, userID, conversationID)
	if result != nil && result.CreatedCount+result.MergedCount+result.ConflictCount > 0 {
		e.invalidate(ctx, userID)
	}
	return result, err
}

// Decay runs one decay pass for a user under the user's lock
func (e *MemoryEngine) Decay(ctx context.Context, userID string) (*DecayResult, error) {
	if e.decay == nil {
		return nil, errors.New("decay is not configured")
	}
	lockCtx, release, err := e.locker.Acquire(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := e.decay.DecayUser(lockCtx, userID)
	if result != nil {
		e.decayEvaluated.Add(int64(result.EvaluatedCount))
		e.decayForgotten.Add(int64(result.ForgottenCount))
		if result.UpdatedCount > 0 {
			e.invalidate(ctx, userID)
		}
	}
	return result, err
}

// RecordTurn appends a live turn to the conversation's session context
func (e *MemoryEngine) RecordTurn(ctx context.Context, userID, conversationID string, turn models.Turn) (*models.SessionContext, error) {
	if e.sessions == nil {
		return nil, errors.New("session store is not configured")
	}
	return e.sessions.RecordTurn(ctx, userID, conversationID, turn)
}

// EndConversation discards the conversation's session context. Consolidation
// picks the conversation up once it has been idle long enough.
func (e *MemoryEngine) EndConversation(ctx context.Context, userID, conversationID string) error {
	if e.sessions == nil {
		return nil
	}
	return e.sessions.End(ctx, userID, conversationID)
}

// --- compliance ---

// ExportUserMemories returns every entry in every status plus the profile
func (e *MemoryEngine) ExportUserMemories(ctx context.Context, userID string) (*UserExport, error) {
	if userID == "" {
		return nil, memerr.Newf(memerr.InvalidMemoryContent, "export", "user ID is required")
	}

	entries, err := e.store.FindAll(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to export memories: %w", err)
	}
	profile, err := e.profiles.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to export profile: %w", err)
	}

	now := e.now()
	if e.audit != nil {
		record := models.AuditRecord{UserID: userID, Action: models.AuditAccess, Reason: fmt.Sprintf("export of %d memories", len(entries)), At: now}
		if err := e.audit.Append(ctx, record); err != nil {
			log.Printf("⚠️ [MEMORY-ENGINE] Audit append failed for export of %s: %v", userID, err)
		}
	}

	log.Printf("📦 [MEMORY-ENGINE] Exported %d memories for user %s", len(entries), userID)
	return &UserExport{UserID: userID, ExportedAt: now, Profile: profile, Memories: entries}, nil
}

// EraseUserMemories removes everything stored about a user: entries, vectors,
// sessions and learned profile attributes. Each step is idempotent, so a
// failed erasure is completed by calling it again.
func (e *MemoryEngine) EraseUserMemories(ctx context.Context, userID string) (*EraseResult, error) {
	if userID == "" {
		return nil, memerr.Newf(memerr.InvalidMemoryContent, "erase", "user ID is required")
	}

	// Wait out a running job rather than racing its writes
	type heldLock struct {
		ctx     context.Context
		release func()
	}
	lock, err := withRetry(ctx, e.config.EraseRetry, func() (heldLock, error) {
		lockCtx, release, err := e.locker.Acquire(ctx, userID)
		return heldLock{lockCtx, release}, err
	})
	if err != nil {
		return nil, err
	}
	defer lock.release()
	ctx = lock.ctx

	result := &EraseResult{UserID: userID}
	result.MemoriesDeleted, err = e.store.DeleteAllForUser(ctx, userID)
	if err != nil {
		return result, fmt.Errorf("failed to delete memories: %w", err)
	}

	var errs []error
	if e.index != nil {
		if err := e.index.DeleteUser(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("vectors: %w", err))
		} else {
			result.VectorsDeleted = true
		}
	}
	if err := e.profiles.Clear(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("profile: %w", err))
	} else {
		result.ProfileCleared = true
	}
	if e.sessions != nil {
		n, err := e.sessions.EraseUser(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		result.SessionsDeleted = n
	}
	e.invalidate(ctx, userID)

	if e.audit != nil {
		record := models.AuditRecord{
			UserID: userID,
			Action: models.AuditErase,
			Reason: fmt.Sprintf("erased %d memories", result.MemoriesDeleted),
			At:     e.now(),
		}
		if err := e.audit.Append(context.WithoutCancel(ctx), record); err != nil {
			log.Printf("⚠️ [MEMORY-ENGINE] Audit append failed for erasure of %s: %v", userID, err)
		}
	}

	if len(errs) > 0 {
		return result, fmt.Errorf("erasure incomplete: %w", errors.Join(errs...))
	}
	log.Printf("🗑️ [MEMORY-ENGINE] Erased %d memories and %d sessions for user %s",
		result.MemoriesDeleted, result.SessionsDeleted, userID)
	return result, nil
}

// --- health ---

const latencyAlpha = 0.2

func (e *MemoryEngine) recordTier(r TierReport) {
	GetMetrics().TierLatency.WithLabelValues(r.Tier).Observe(float64(r.LatencyMs) / 1000)
	if r.Status == TierSkipped {
		return
	}

	e.latencyMu.Lock()
	defer e.latencyMu.Unlock()
	prev, ok := e.latencies[r.Tier]
	if !ok {
		e.latencies[r.Tier] = float64(r.LatencyMs)
		return
	}
	e.latencies[r.Tier] = prev + latencyAlpha*(float64(r.LatencyMs)-prev)
}

// Health reports tier latencies, the retrieval cache hit rate, the share of
// decayed entries that were forgotten and per-dependency state
func (e *MemoryEngine) Health() HealthReport {
	report := HealthReport{
		Status:        HealthHealthy,
		TierLatencies: make(map[string]float64),
		CheckedAt:     e.now(),
	}

	e.latencyMu.Lock()
	for tier, ms := range e.latencies {
		report.TierLatencies[tier] = ms
	}
	e.latencyMu.Unlock()

	hits, misses := e.cacheHits.Load(), e.cacheMisses.Load()
	if hits+misses > 0 {
		report.CacheHitRate = float64(hits) / float64(hits+misses)
	}
	evaluated, forgotten := e.decayEvaluated.Load(), e.decayForgotten.Load()
	if evaluated > 0 {
		report.ForgottenRate = float64(forgotten) / float64(evaluated)
	}

	if e.health != nil {
		report.Dependencies = e.health.Snapshot()
		for _, dep := range report.Dependencies {
			if dep.Status != health.StatusUnhealthy && dep.Status != health.StatusCooldown {
				continue
			}
			if dep.Name == health.DepStructuredStore {
				report.Status = HealthUnhealthy
				break
			}
			report.Status = HealthDegraded
		}
	}
	return report
}

func (e *MemoryEngine) allow(dep string) bool {
	return e.health == nil || e.health.Allow(dep)
}

// observe feeds the breaker. ctx is the context the call ran under; once the
// caller has given up or run out of time the outcome says nothing about the
// dependency, while a tier's own deadline does.
func (e *MemoryEngine) observe(ctx context.Context, dep string, latency time.Duration, err error) {
	if e.health == nil || callerGone(ctx, err) {
		return
	}
	e.health.Observe(dep, latency, err)
}

func (e *MemoryEngine) observeFailure(ctx context.Context, dep string, err error) {
	if e.health != nil && err != nil && !callerGone(ctx, err) {
		e.health.MarkUnhealthy(dep, err)
	}
}

func callerGone(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return !errors.Is(context.Cause(ctx), errTierDeadline)
	}
	return errors.Is(err, context.Canceled)
}

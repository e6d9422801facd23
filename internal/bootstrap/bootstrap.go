// Package bootstrap builds the memory engine and its backends from config.
// Shared by the HTTP server and memoryctl.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"time"

	"tutormemory/internal/config"
	"tutormemory/internal/crypto"
	"tutormemory/internal/database"
	"tutormemory/internal/health"
	"tutormemory/internal/jobs"
	"tutormemory/internal/services"
)

const (
	embeddingCacheBytes = 64 << 20
	reconcileGrace      = time.Minute
	maxConsolidationTry = 5
)

// Components is everything the engine was built from. Redis is nil
// without REDIS_URL.
type Components struct {
	Config        *config.Config
	Mongo         *database.MongoDB
	Redis         *services.RedisService
	Store         *services.MongoMemoryStore
	Audit         *services.MongoAuditLog
	Profiles      *services.MongoProfileStore
	Conversations *services.MongoConversationSource
	Index         *services.ChromemIndex
	Embedder      *services.CachedEmbedder
	Cache         services.EphemeralCache
	Locker        services.UserLocker
	Rules         *services.RuleRegistry
	Health        *health.Service
	Reconciler    *services.VectorReconcileService
	Engine        *services.MemoryEngine
}

// Build connects every backend and wires the engine
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	c := &Components{Config: cfg}
	retry := services.DefaultRetryPolicy()
	if cfg.RetryMaxAttempts > 0 {
		retry.MaxAttempts = uint(cfg.RetryMaxAttempts)
	}

	log.Println("🔗 Connecting to MongoDB...")
	mongoDB, err := database.NewMongoDB(ctx, cfg.MongoURI, uint64(max(cfg.MongoMaxPoolSize, 0)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	c.Mongo = mongoDB
	if err := mongoDB.Initialize(ctx); err != nil {
		c.Close(context.Background())
		return nil, fmt.Errorf("failed to initialize MongoDB: %w", err)
	}

	var encryption *crypto.EncryptionService
	if cfg.EncryptionMasterKey != "" {
		encryption, err = crypto.NewEncryptionService(cfg.EncryptionMasterKey)
		if err != nil {
			c.Close(context.Background())
			return nil, fmt.Errorf("failed to initialize encryption: %w", err)
		}
		log.Println("✅ Encryption service initialized")
	} else {
		log.Println("⚠️ ENCRYPTION_MASTER_KEY not set - sensitive memories stored in plaintext")
	}

	c.Store = services.NewMongoMemoryStore(mongoDB, encryption)
	c.Audit = services.NewMongoAuditLog(mongoDB)
	c.Profiles = services.NewMongoProfileStore(mongoDB)
	c.Conversations = services.NewMongoConversationSource(mongoDB, maxConsolidationTry)

	if cfg.RedisURL != "" {
		c.Redis, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			c.Close(context.Background())
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		c.Cache = services.NewRedisCache(c.Redis)
		c.Locker = services.NewRedisUserLocker(c.Redis, cfg.UserLockTTL)
		log.Println("✅ Redis session cache and user locks enabled")
	} else {
		c.Cache = services.NewLocalCache(cfg.SessionTTL, time.Minute)
		c.Locker = services.NewLocalUserLocker(cfg.UserLockTTL)
		log.Println("⚠️ REDIS_URL not set - using in-process cache and locks (single instance only)")
	}

	c.Index, err = services.NewChromemIndex(cfg.VectorPersistPath, cfg.VectorCompress)
	if err != nil {
		c.Close(context.Background())
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}

	var embedder services.Embedder
	var summarizer services.Summarizer = services.ExtractiveSummarizer{}
	if cfg.OpenAIAPIKey != "" {
		embedder = services.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
		summarizer = services.FallbackSummarizer{
			Primary:   services.NewOpenAISummarizer(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.SummaryModel),
			Secondary: services.ExtractiveSummarizer{},
		}
		log.Printf("✅ OpenAI embeddings (%s, %d dims) and summaries (%s)", cfg.EmbeddingModel, cfg.EmbeddingDimensions, cfg.SummaryModel)
	} else {
		embedder = services.NewHashEmbedder(cfg.EmbeddingDimensions)
		log.Println("⚠️ OPENAI_API_KEY not set - using local hash embeddings and extractive summaries")
	}
	c.Embedder, err = services.NewCachedEmbedder(embedder, embeddingCacheBytes)
	if err != nil {
		c.Close(context.Background())
		return nil, err
	}

	rules := services.DefaultExtractionRules()
	if cfg.ExtractionRulesFile != "" {
		rules, err = services.LoadExtractionRules(cfg.ExtractionRulesFile)
		if err != nil {
			c.Close(context.Background())
			return nil, fmt.Errorf("failed to load extraction rules: %w", err)
		}
	}
	c.Rules, err = services.NewRuleRegistry(rules)
	if err != nil {
		c.Close(context.Background())
		return nil, fmt.Errorf("invalid extraction rules: %w", err)
	}

	c.Health = services.InitHealthService(cfg.FailureThreshold, cfg.TierCooldown, services.HealthDependencies{
		StructuredStore: mongoDB,
		VectorIndex:     c.Index,
		EphemeralCache:  c.Cache,
		Embedder:        embedder,
	})

	consolidationConfig := services.DefaultConsolidationConfig()
	consolidationConfig.MaxContentLength = cfg.MaxContentLength
	consolidationConfig.Retry = retry
	consolidation := services.NewMemoryConsolidationService(
		c.Store, c.Audit, c.Profiles, c.Conversations, c.Index, c.Embedder, c.Rules, c.Health, consolidationConfig)

	decayConfig := services.DefaultDecayConfig()
	decayConfig.Retry = retry
	decay := services.NewMemoryDecayService(c.Store, c.Audit, c.Index, c.Health, decayConfig)

	c.Reconciler = services.NewVectorReconcileService(c.Store, c.Index, c.Embedder, c.Health, reconcileGrace, cfg.ReconcileBatch)

	sessions := services.NewSessionStore(c.Cache, c.Conversations, summarizer, cfg.SessionTTL, cfg.ShortTermTurns)

	engineConfig := services.DefaultEngineConfig()
	engineConfig.TierTimeout = cfg.TierTimeout
	engineConfig.SummaryTimeout = cfg.SummaryTimeout
	engineConfig.LongTermTopK = cfg.LongTermTopK
	engineConfig.DefaultMaxTokens = cfg.DefaultMaxTokens
	engineConfig.RetrievalCacheTTL = cfg.RetrievalCacheTTL
	engineConfig.EraseRetry = retry

	c.Engine = services.NewMemoryEngine(services.EngineDeps{
		Store:         c.Store,
		Audit:         c.Audit,
		Profiles:      c.Profiles,
		Index:         c.Index,
		Embedder:      c.Embedder,
		Cache:         c.Cache,
		Sessions:      sessions,
		Consolidation: consolidation,
		Decay:         decay,
		Locker:        c.Locker,
		Health:        c.Health,
	}, engineConfig)

	log.Println("✅ Memory engine initialized")
	return c, nil
}

// RegisterJobs schedules the background maintenance jobs
func (c *Components) RegisterJobs(scheduler *jobs.JobScheduler) error {
	cfg := c.Config
	workers := jobs.WorkerConfig{
		Workers:       cfg.JobWorkers,
		RatePerSecond: cfg.JobRatePerSecond,
		Retry:         services.DefaultRetryPolicy(),
	}
	if cfg.RetryMaxAttempts > 0 {
		workers.Retry.MaxAttempts = uint(cfg.RetryMaxAttempts)
	}

	specs := []jobs.JobSpec{
		{
			Name:     jobs.ConsolidationJobName,
			Job:      jobs.NewConsolidationJob(c.Engine, c.Conversations, cfg.ConsolidationMinIdle, cfg.ConsolidationBatch, workers),
			Interval: cfg.ConsolidationInterval,
			Jitter:   cfg.ConsolidationJitter,
		},
		{
			Name:     jobs.DecayJobName,
			Job:      jobs.NewDecayJob(c.Engine, c.Store, cfg.DecayBatch, workers),
			Cron:     cfg.DecayCron,
			Interval: cfg.DecayInterval,
			Jitter:   cfg.DecayJitter,
		},
		{
			Name:     jobs.ReconcileJobName,
			Job:      jobs.NewReconcileJob(c.Reconciler, 0),
			Interval: cfg.ReconcileInterval,
		},
		{
			Name:     jobs.HealthCheckJobName,
			Job:      jobs.NewHealthCheckJob(c.Health),
			Interval: cfg.HealthInterval,
		},
	}
	for _, spec := range specs {
		if err := scheduler.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// Close releases backends in reverse order of creation
func (c *Components) Close(ctx context.Context) {
	if c.Embedder != nil {
		c.Embedder.Close()
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			log.Printf("⚠️ Error closing Redis: %v", err)
		}
	}
	if c.Mongo != nil {
		if err := c.Mongo.Close(ctx); err != nil {
			log.Printf("⚠️ Error closing MongoDB: %v", err)
		}
	}
}

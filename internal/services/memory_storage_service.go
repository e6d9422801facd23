package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tutormemory/internal/crypto"
	"tutormemory/internal/database"
	"tutormemory/internal/health"
	"tutormemory/internal/memerr"
	"tutormemory/internal/models"
	"tutormemory/internal/privacy"
)

// MongoMemoryStore persists memory entries in MongoDB. Sensitive content is
// sealed per user when an encryption service is configured.
type MongoMemoryStore struct {
	mongodb           *database.MongoDB
	collection        *mongo.Collection
	encryptionService *crypto.EncryptionService
}

// NewMongoMemoryStore creates the store. encryptionService may be nil.
func NewMongoMemoryStore(mongodb *database.MongoDB, encryptionService *crypto.EncryptionService) *MongoMemoryStore {
	return &MongoMemoryStore{
		mongodb:           mongodb,
		collection:        mongodb.Collection(database.CollectionMemories),
		encryptionService: encryptionService,
	}
}

// classifyStoreError maps driver errors onto the engine's error kinds
func classifyStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return memerr.Unavailable(health.DepStructuredStore, op, err)
	}
	if health.IsQuotaError(0, err.Error()) {
		return memerr.New(memerr.QuotaExceeded, op, err)
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Code == 16500 {
		// request rate too large on Cosmos-compatible deployments
		return memerr.New(memerr.QuotaExceeded, op, err)
	}
	return memerr.Unavailable(health.DepStructuredStore, op, err)
}

// seal returns the document to persist, with content encrypted when required
func (s *MongoMemoryStore) seal(entry *models.MemoryEntry) (*models.MemoryEntry, error) {
	if s.encryptionService == nil || !privacy.NeedsEncryption(entry.Privacy) || entry.Encrypted {
		return entry, nil
	}

	sealed := *entry
	content, err := s.encryptionService.EncryptString(entry.UserID, entry.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt memory content: %w", err)
	}
	sealed.Content = content
	sealed.Encrypted = true

	if len(entry.History) > 0 {
		sealed.History = make([]models.HistoryRecord, len(entry.History))
		for i, h := range entry.History {
			h.Content, err = s.encryptionService.EncryptString(entry.UserID, h.Content)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt memory history: %w", err)
			}
			sealed.History[i] = h
		}
	}
	return &sealed, nil
}

// open decrypts a stored entry in place
func (s *MongoMemoryStore) open(entry *models.MemoryEntry) error {
	if !entry.Encrypted {
		return nil
	}
	if s.encryptionService == nil {
		return fmt.Errorf("memory %s is encrypted but no encryption key is configured", entry.ID.Hex())
	}

	content, err := s.encryptionService.DecryptString(entry.UserID, entry.Content)
	if err != nil {
		return fmt.Errorf("failed to decrypt memory %s: %w", entry.ID.Hex(), err)
	}
	entry.Content = content
	for i := range entry.History {
		entry.History[i].Content, err = s.encryptionService.DecryptString(entry.UserID, entry.History[i].Content)
		if err != nil {
			return fmt.Errorf("failed to decrypt memory %s history: %w", entry.ID.Hex(), err)
		}
	}
	entry.Encrypted = false
	return nil
}

// decodeAll drains a cursor and decrypts every entry. Entries that fail to
// decrypt are skipped rather than failing the whole read.
func (s *MongoMemoryStore) decodeAll(ctx context.Context, cursor *mongo.Cursor, op string) ([]models.MemoryEntry, error) {
	defer cursor.Close(ctx)

	var entries []models.MemoryEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, classifyStoreError(op, err)
	}

	opened := entries[:0]
	for i := range entries {
		if err := s.open(&entries[i]); err != nil {
			log.Printf("⚠️ [MEMORY-STORE] %v", err)
			continue
		}
		opened = append(opened, entries[i])
	}
	return opened, nil
}

func (s *MongoMemoryStore) Insert(ctx context.Context, entry *models.MemoryEntry) error {
	if entry.UserID == "" {
		return memerr.Newf(memerr.InvalidMemoryContent, "insert memory", "user ID is required")
	}
	if entry.ID.IsZero() {
		entry.ID = primitive.NewObjectID()
	}
	if entry.ContentHash == "" {
		entry.ContentHash = contentHash(entry.Content)
	}

	doc, err := s.seal(entry)
	if err != nil {
		return err
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return classifyStoreError("insert memory", err)
	}

	log.Printf("✅ [MEMORY-STORE] Created memory %s (kind: %s, score: %.2f)", entry.ID.Hex(), entry.Kind, entry.Importance.Score)
	return nil
}

func (s *MongoMemoryStore) Replace(ctx context.Context, entry *models.MemoryEntry, expectedVersion int64) error {
	doc, err := s.seal(entry)
	if err != nil {
		return err
	}

	// userId in the filter keeps writes scoped to the owner
	filter := bson.M{
		"_id":     entry.ID,
		"userId":  entry.UserID,
		"version": expectedVersion,
	}
	result, err := s.collection.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return classifyStoreError("replace memory", err)
	}
	if result.MatchedCount == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *MongoMemoryStore) Delete(ctx context.Context, userID string, id primitive.ObjectID) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": id, "userId": userID})
	if err != nil {
		return classifyStoreError("delete memory", err)
	}
	if result.DeletedCount == 0 {
		return ErrMemoryNotFound
	}
	log.Printf("🗑️ [MEMORY-STORE] Deleted memory %s", id.Hex())
	return nil
}

func (s *MongoMemoryStore) FindActive(ctx context.Context, userID string, filter MemoryFilter) ([]models.MemoryEntry, error) {
	query := bson.M{
		"userId": userID,
		"status": models.StatusActive,
	}
	if ns := filter.Namespace; !ns.IsZero() {
		if ns.Category != "" {
			query["namespace.category"] = ns.Category
		}
		if ns.Subcategory != "" {
			query["namespace.subcategory"] = ns.Subcategory
		}
		if ns.Topic != "" {
			query["namespace.topic"] = ns.Topic
		}
	}
	if len(filter.Kinds) > 0 {
		query["kind"] = bson.M{"$in": filter.Kinds}
	}

	findOptions := options.Find().SetSort(bson.D{
		{Key: "importance.score", Value: -1},
		{Key: "lastAccessedAt", Value: -1},
	})
	if filter.Limit > 0 {
		findOptions.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.collection.Find(ctx, query, findOptions)
	if err != nil {
		return nil, classifyStoreError("find active memories", err)
	}
	return s.decodeAll(ctx, cursor, "find active memories")
}

func (s *MongoMemoryStore) FindByIDs(ctx context.Context, userID string, ids []primitive.ObjectID) ([]models.MemoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := s.collection.Find(ctx, bson.M{
		"_id":    bson.M{"$in": ids},
		"userId": userID,
	})
	if err != nil {
		return nil, classifyStoreError("find memories by id", err)
	}
	return s.decodeAll(ctx, cursor, "find memories by id")
}

func (s *MongoMemoryStore) FindAll(ctx context.Context, userID string) ([]models.MemoryEntry, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"userId": userID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, classifyStoreError("find all memories", err)
	}
	return s.decodeAll(ctx, cursor, "find all memories")
}

func (s *MongoMemoryStore) FindUnsynced(ctx context.Context, olderThan time.Time, limit int) ([]models.MemoryEntry, error) {
	findOptions := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}})
	if limit > 0 {
		findOptions.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, bson.M{
		"vectorSynced": false,
		"updatedAt":    bson.M{"$lt": olderThan},
	}, findOptions)
	if err != nil {
		return nil, classifyStoreError("find unsynced memories", err)
	}
	return s.decodeAll(ctx, cursor, "find unsynced memories")
}

func (s *MongoMemoryStore) SetVectorSynced(ctx context.Context, userID string, id primitive.ObjectID, synced bool) error {
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id, "userId": userID},
		bson.M{"$set": bson.M{"vectorSynced": synced}},
	)
	if err != nil {
		return classifyStoreError("set vector synced", err)
	}
	if result.MatchedCount == 0 {
		return ErrMemoryNotFound
	}
	return nil
}

func (s *MongoMemoryStore) TouchAccess(ctx context.Context, userID string, ids []primitive.ObjectID, at time.Time) (map[primitive.ObjectID]int64, error) {
	touched := make(map[primitive.ObjectID]int64, len(ids))
	if len(ids) == 0 {
		return touched, nil
	}

	// One round trip per id; callers pass the handful of entries injected into a context
	after := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"version": 1})
	for _, id := range ids {
		var doc struct {
			Version int64 `bson:"version"`
		}
		err := s.collection.FindOneAndUpdate(ctx,
			bson.M{"_id": id, "userId": userID, "status": models.StatusActive},
			bson.M{
				"$inc": bson.M{"importance.accessCount": 1, "version": 1},
				"$set": bson.M{"lastAccessedAt": at},
			},
			after,
		).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return touched, classifyStoreError("touch memory access", err)
		}
		touched[id] = doc.Version
	}
	return touched, nil
}

// ApplyDecay writes recomputed scores and archives in one bulk write. Each
// write is conditioned on the version decay read, so an entry touched or
// merged in the meantime keeps its newer state. Pinned entries are excluded
// by the filter as well as by the caller.
func (s *MongoMemoryStore) ApplyDecay(ctx context.Context, userID string, updates []DecayUpdate, at time.Time) ([]primitive.ObjectID, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	// Mongo keeps milliseconds; truncating lets applied writes be recognized below
	at = at.Truncate(time.Millisecond)

	writes := make([]mongo.WriteModel, 0, len(updates))
	ids := make([]primitive.ObjectID, 0, len(updates))
	for _, u := range updates {
		set := bson.M{
			"importance.score":         models.ClampScore(u.Score),
			"importance.baseScore":     models.ClampScore(u.BaseScore),
			"importance.recencyFactor": u.RecencyFactor,
			"updatedAt":                at,
		}
		if u.Archive {
			set["status"] = models.StatusArchived
			set["vectorSynced"] = false
		}
		writes = append(writes, mongo.NewUpdateOneModel().
			SetFilter(bson.M{
				"_id":                   u.ID,
				"userId":                userID,
				"version":               u.Version,
				"status":                models.StatusActive,
				"importance.userMarked": bson.M{"$ne": true},
			}).
			SetUpdate(bson.M{"$set": set, "$inc": bson.M{"version": 1}}))
		ids = append(ids, u.ID)
	}

	result, err := s.collection.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return nil, classifyStoreError("apply decay", err)
	}
	if int(result.ModifiedCount) == len(updates) {
		return ids, nil
	}

	// Some writes lost to a newer version. An entry was written by this pass
	// iff it now sits exactly one version past the one read, stamped with at.
	cursor, err := s.collection.Find(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "userId": userID},
		options.Find().SetProjection(bson.M{"version": 1, "updatedAt": 1}))
	if err != nil {
		return nil, classifyStoreError("apply decay", err)
	}
	var docs []struct {
		ID        primitive.ObjectID `bson:"_id"`
		Version   int64              `bson:"version"`
		UpdatedAt time.Time          `bson:"updatedAt"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classifyStoreError("apply decay", err)
	}
	current := make(map[primitive.ObjectID]int, len(docs))
	for i, d := range docs {
		current[d.ID] = i
	}

	applied := make([]primitive.ObjectID, 0, result.ModifiedCount)
	for _, u := range updates {
		i, ok := current[u.ID]
		if ok && docs[i].Version == u.Version+1 && docs[i].UpdatedAt.Equal(at) {
			applied = append(applied, u.ID)
		}
	}
	log.Printf("⚠️ [MEMORY-STORE] Decay skipped %d of %d entries for user %s that changed since read",
		len(updates)-len(applied), len(updates), userID)
	return applied, nil
}

func (s *MongoMemoryStore) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, classifyStoreError("delete user memories", err)
	}
	log.Printf("🗑️ [MEMORY-STORE] Deleted %d memories for user %s", result.DeletedCount, userID)
	return result.DeletedCount, nil
}

func (s *MongoMemoryStore) DistinctUserIDs(ctx context.Context) ([]string, error) {
	values, err := s.collection.Distinct(ctx, "userId", bson.M{"status": models.StatusActive})
	if err != nil {
		return nil, classifyStoreError("distinct users", err)
	}
	users := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok && strings.TrimSpace(id) != "" {
			users = append(users, id)
		}
	}
	return users, nil
}

func (s *MongoMemoryStore) Ping(ctx context.Context) error {
	if err := s.mongodb.Ping(ctx); err != nil {
		return classifyStoreError("ping", err)
	}
	return nil
}

// MemoryStats summarizes a user's entries by status
type MemoryStats struct {
	Total        int64                         `json:"total"`
	ByStatus     map[models.MemoryStatus]int64 `json:"by_status"`
	AverageScore float64                       `json:"average_score"`
}

// GetMemoryStats aggregates counts and the average active score for a user
func (s *MongoMemoryStore) GetMemoryStats(ctx context.Context, userID string) (*MemoryStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"userId": userID}}},
		{{Key: "$group", Value: bson.M{
			"_id":      "$status",
			"count":    bson.M{"$sum": 1},
			"avgScore": bson.M{"$avg": "$importance.score"},
		}}},
	}

	cursor, err := s.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classifyStoreError("memory stats", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Status   models.MemoryStatus `bson:"_id"`
		Count    int64               `bson:"count"`
		AvgScore float64             `bson:"avgScore"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, classifyStoreError("memory stats", err)
	}

	stats := &MemoryStats{ByStatus: make(map[models.MemoryStatus]int64)}
	for _, row := range rows {
		stats.Total += row.Count
		stats.ByStatus[row.Status] = row.Count
		if row.Status == models.StatusActive {
			stats.AverageScore = row.AvgScore
		}
	}
	return stats, nil
}

// MongoAuditLog appends audit records to their own collection
type MongoAuditLog struct {
	collection *mongo.Collection
}

// NewMongoAuditLog creates the audit log
func NewMongoAuditLog(mongodb *database.MongoDB) *MongoAuditLog {
	return &MongoAuditLog{collection: mongodb.Collection(database.CollectionMemoryAudit)}
}

func (a *MongoAuditLog) Append(ctx context.Context, records ...models.AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]interface{}, len(records))
	for i := range records {
		if records[i].ID.IsZero() {
			records[i].ID = primitive.NewObjectID()
		}
		docs[i] = records[i]
	}
	if _, err := a.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return classifyStoreError("append audit", err)
	}
	return nil
}

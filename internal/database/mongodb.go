package database

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const defaultDBName = "tutormemory"

// MongoDB wraps the MongoDB client and the memory database
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
}

// Collection names
const (
	CollectionMemories          = "memories"
	CollectionUserProfiles      = "user_profiles"
	CollectionMemoryAudit       = "memory_audit"
	CollectionConsolidationRuns = "consolidation_runs"

	// Owned by the chat application, read-only here
	CollectionConversations = "conversations"
)

// indexSpecs lists the indexes each collection needs. The first three memory
// indexes back retrieval; vectorSynced backs reconciliation.
var indexSpecs = map[string][]mongo.IndexModel{
	CollectionMemories: {
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "namespace.category", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "kind", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "importance.score", Value: -1}, {Key: "lastAccessedAt", Value: -1}}},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "slot", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "vectorSynced", Value: 1}, {Key: "updatedAt", Value: 1}}},
	},
	CollectionUserProfiles: {
		{Keys: bson.D{{Key: "userId", Value: 1}}, Options: options.Index().SetUnique(true)},
	},
	CollectionMemoryAudit: {
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "at", Value: -1}}},
		{Keys: bson.D{{Key: "memoryId", Value: 1}}},
	},
	CollectionConsolidationRuns: {
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "conversationId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	},
	CollectionConversations: {
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "conversationId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "lastMessageAt", Value: 1}}},
	},
}

// NewMongoDB connects and verifies the connection. maxPoolSize 0 keeps
// the driver default.
func NewMongoDB(ctx context.Context, uri string, maxPoolSize uint64) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMinPoolSize(2).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)
	if maxPoolSize > 0 {
		clientOptions.SetMaxPoolSize(maxPoolSize)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := extractDBName(uri)
	if dbName == "" {
		dbName = defaultDBName
	}
	log.Printf("✅ Connected to MongoDB database: %s", dbName)

	return &MongoDB{
		client:   client,
		database: client.Database(dbName),
	}, nil
}

// extractDBName returns the path component of a connection string,
// e.g. mongodb://host:27017/tutormemory?authSource=admin -> tutormemory
func extractDBName(uri string) string {
	_, rest, ok := strings.Cut(uri, "://")
	if !ok {
		rest = uri
	}
	rest, _, _ = strings.Cut(rest, "?")
	_, path, ok := strings.Cut(rest, "/")
	if !ok {
		return ""
	}
	return strings.Trim(path, "/")
}

// Initialize creates the indexes of every collection. CreateMany is a no-op
// for indexes that already exist.
func (m *MongoDB) Initialize(ctx context.Context) error {
	log.Println("📦 Initializing MongoDB indexes...")
	for name, indexes := range indexSpecs {
		if _, err := m.database.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", name, err)
		}
	}
	log.Printf("✅ MongoDB indexes initialized (%d collections)", len(indexSpecs))
	return nil
}

// Collection returns a collection handle
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// Database returns the memory database
func (m *MongoDB) Database() *mongo.Database {
	return m.database
}

func (m *MongoDB) Close(ctx context.Context) error {
	log.Println("🔌 Closing MongoDB connection...")
	return m.client.Disconnect(ctx)
}

// Ping checks the primary is reachable
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

package services

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tutormemory/internal/database"
	"tutormemory/internal/models"
)

// MongoConversationSource reads conversations written by the chat application
// and tracks consolidation runs alongside them
type MongoConversationSource struct {
	conversations *mongo.Collection
	runs          *mongo.Collection
	maxAttempts   int
}

// NewMongoConversationSource creates the source. Failed runs are retried up to maxAttempts.
func NewMongoConversationSource(mongodb *database.MongoDB, maxAttempts int) *MongoConversationSource {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &MongoConversationSource{
		conversations: mongodb.Collection(database.CollectionConversations),
		runs:          mongodb.Collection(database.CollectionConsolidationRuns),
		maxAttempts:   maxAttempts,
	}
}

func (s *MongoConversationSource) GetConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.conversations.FindOne(ctx, bson.M{
		"userId":         userID,
		"conversationId": conversationID,
	}).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, classifyStoreError("get conversation", err)
	}
	return &conv, nil
}

func (s *MongoConversationSource) RecentTurns(ctx context.Context, userID, conversationID string, limit int) (*models.Conversation, error) {
	if limit <= 0 {
		return s.GetConversation(ctx, userID, conversationID)
	}

	var conv models.Conversation
	err := s.conversations.FindOne(ctx,
		bson.M{"userId": userID, "conversationId": conversationID},
		options.FindOne().SetProjection(bson.M{"messages": bson.M{"$slice": -limit}}),
	).Decode(&conv)
	if err == mongo.ErrNoDocuments {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, classifyStoreError("recent turns", err)
	}
	if conv.MessageCount < len(conv.Messages) {
		conv.MessageCount = len(conv.Messages)
	}
	return &conv, nil
}

// ListPendingConsolidation joins conversations with their consolidation run.
// A conversation is pending when it has no run, gained messages since its
// last run, or its last run failed with attempts left.
func (s *MongoConversationSource) ListPendingConsolidation(ctx context.Context, idleBefore time.Time, limit int) ([]models.ConversationRef, error) {
	if limit <= 0 {
		limit = 100
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"lastMessageAt": bson.M{"$lt": idleBefore},
			"messageCount":  bson.M{"$gt": 0},
		}}},
		{{Key: "$lookup", Value: bson.M{
			"from": database.CollectionConsolidationRuns,
			"let":  bson.M{"u": "$userId", "c": "$conversationId"},
			"pipeline": bson.A{
				bson.M{"$match": bson.M{"$expr": bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$userId", "$$u"}},
					bson.M{"$eq": bson.A{"$conversationId", "$$c"}},
				}}}},
				bson.M{"$limit": 1},
			},
			"as": "runs",
		}}},
		{{Key: "$match", Value: bson.M{"$or": bson.A{
			bson.M{"runs": bson.M{"$size": 0}},
			bson.M{"$expr": bson.M{"$lt": bson.A{
				bson.M{"$arrayElemAt": bson.A{"$runs.lastMessageAt", 0}},
				"$lastMessageAt",
			}}},
			bson.M{
				"runs.0.status":       bson.M{"$ne": models.RunStatusCompleted},
				"runs.0.attemptCount": bson.M{"$lt": s.maxAttempts},
			},
		}}}},
		{{Key: "$sort", Value: bson.D{{Key: "lastMessageAt", Value: 1}}}},
		{{Key: "$limit", Value: limit}},
		{{Key: "$project", Value: bson.M{
			"_id":            0,
			"userId":         1,
			"conversationId": 1,
			"lastMessageAt":  1,
		}}},
	}

	cursor, err := s.conversations.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, classifyStoreError("list pending consolidation", err)
	}
	defer cursor.Close(ctx)

	var refs []models.ConversationRef
	if err := cursor.All(ctx, &refs); err != nil {
		return nil, classifyStoreError("list pending consolidation", err)
	}
	return refs, nil
}

// RecordRun upserts the run for (user, conversation). Completed runs reset the attempt count.
func (s *MongoConversationSource) RecordRun(ctx context.Context, run *models.ConsolidationRun) error {
	set := bson.M{
		"status":        run.Status,
		"errorMessage":  run.ErrorMessage,
		"lastMessageAt": run.LastMessageAt,
		"created":       run.Created,
		"merged":        run.Merged,
		"conflicts":     run.Conflicts,
		"processedAt":   run.ProcessedAt,
	}
	update := bson.M{"$set": set}
	if run.Status == models.RunStatusCompleted {
		set["attemptCount"] = 0
	} else {
		update["$inc"] = bson.M{"attemptCount": 1}
	}

	_, err := s.runs.UpdateOne(ctx,
		bson.M{"userId": run.UserID, "conversationId": run.ConversationID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return classifyStoreError("record consolidation run", err)
	}
	return nil
}

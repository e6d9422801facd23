package services

import (
	"context"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"tutormemory/internal/database"
	"tutormemory/internal/models"
)

// Slots that map onto single-valued profile identity attributes
const (
	SlotIdentityName       = "identity.name"
	SlotIdentityOccupation = "identity.occupation"
	SlotIdentityLocation   = "identity.location"
)

const maxProfileSources = 50

// ProfileFact is one consolidated statement offered to the profile
type ProfileFact struct {
	MemoryID string
	Kind     models.MemoryKind
	Category models.MemoryCategory
	Slot     string
	Value    string
}

// FoldIntoProfile applies consolidated facts to the profile and reports whether it changed
func FoldIntoProfile(profile *models.UserProfile, facts []ProfileFact, now time.Time) bool {
	before := profileFingerprint(profile)

	for _, f := range facts {
		value := strings.TrimSpace(f.Value)
		if value == "" {
			continue
		}

		switch {
		case f.Slot == SlotIdentityName:
			profile.Identity.Name = value
		case f.Slot == SlotIdentityOccupation:
			profile.Identity.Occupation = value
		case f.Slot == SlotIdentityLocation:
			profile.Identity.Location = value
		case f.Kind == models.KindGoal:
			profile.Goals = models.AddUnique(profile.Goals, value)
		case f.Kind == models.KindSkill:
			profile.Skills = models.AddUnique(profile.Skills, value)
		case f.Kind == models.KindPreference && f.Category == models.CategoryHobby:
			profile.Interests = models.AddUnique(profile.Interests, value)
		case f.Kind == models.KindPreference:
			profile.Preferences = models.AddUnique(profile.Preferences, value)
		default:
			continue
		}

		if f.MemoryID != "" {
			profile.SourceMemoryIDs = appendSource(profile.SourceMemoryIDs, f.MemoryID)
		}
	}

	profile.ComputeCompleteness()
	if profileFingerprint(profile) == before {
		return false
	}
	profile.Version++
	profile.UpdatedAt = now
	return true
}

func appendSource(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	ids = append(ids, id)
	if len(ids) > maxProfileSources {
		ids = ids[len(ids)-maxProfileSources:]
	}
	return ids
}

func profileFingerprint(p *models.UserProfile) string {
	return strings.Join([]string{
		p.Identity.Name, p.Identity.Occupation, p.Identity.Location,
		strings.Join(p.Goals, "|"), strings.Join(p.Skills, "|"),
		strings.Join(p.Preferences, "|"), strings.Join(p.Interests, "|"),
	}, "\x00")
}

// MongoProfileStore keeps one profile document per user
type MongoProfileStore struct {
	collection *mongo.Collection
}

// NewMongoProfileStore creates the profile store
func NewMongoProfileStore(mongodb *database.MongoDB) *MongoProfileStore {
	return &MongoProfileStore{collection: mongodb.Collection(database.CollectionUserProfiles)}
}

func (s *MongoProfileStore) Get(ctx context.Context, userID string) (*models.UserProfile, error) {
	var profile models.UserProfile
	err := s.collection.FindOne(ctx, bson.M{"userId": userID}).Decode(&profile)
	if err == mongo.ErrNoDocuments {
		return models.NewUserProfile(userID), nil
	}
	if err != nil {
		return nil, classifyStoreError("get profile", err)
	}
	return &profile, nil
}

func (s *MongoProfileStore) Save(ctx context.Context, profile *models.UserProfile) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"userId": profile.UserID},
		profile,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return classifyStoreError("save profile", err)
	}
	log.Printf("👤 [PROFILE] Saved profile for user %s (completeness: %.2f, version: %d)", profile.UserID, profile.Completeness, profile.Version)
	return nil
}

func (s *MongoProfileStore) Clear(ctx context.Context, userID string) error {
	profile, err := s.Get(ctx, userID)
	if err != nil {
		return err
	}
	profile.Clear(time.Now().UTC())
	return s.Save(ctx, profile)
}

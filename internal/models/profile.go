package models

import (
	"strings"
	"time"
)

// ProfileIdentity holds single-valued identity attributes
type ProfileIdentity struct {
	Name       string `bson:"name,omitempty" json:"name,omitempty"`
	Occupation string `bson:"occupation,omitempty" json:"occupation,omitempty"`
	Location   string `bson:"location,omitempty" json:"location,omitempty"`
}

// BehavioralStats are counters maintained by consolidation
type BehavioralStats struct {
	ConversationCount  int        `bson:"conversationCount" json:"conversation_count"`
	MemoryCount        int        `bson:"memoryCount" json:"memory_count"`
	LastConsolidatedAt *time.Time `bson:"lastConsolidatedAt,omitempty" json:"last_consolidated_at,omitempty"`
}

// UserProfile is the consolidated per-user summary. Only consolidation writes it.
type UserProfile struct {
	UserID          string          `bson:"userId" json:"user_id"`
	Identity        ProfileIdentity `bson:"identity" json:"identity"`
	Skills          []string        `bson:"skills,omitempty" json:"skills,omitempty"`
	Goals           []string        `bson:"goals,omitempty" json:"goals,omitempty"`
	Preferences     []string        `bson:"preferences,omitempty" json:"preferences,omitempty"` // communication and learning preferences
	Interests       []string        `bson:"interests,omitempty" json:"interests,omitempty"`
	Stats           BehavioralStats `bson:"stats" json:"stats"`
	Completeness    float64         `bson:"completeness" json:"completeness"`
	SourceMemoryIDs []string        `bson:"sourceMemoryIds,omitempty" json:"source_memory_ids,omitempty"`
	Version         int64           `bson:"version" json:"version"`
	UpdatedAt       time.Time       `bson:"updatedAt" json:"updated_at"`
}

// Profile list caps
const (
	maxProfileListItems = 8
)

// NewUserProfile returns an empty profile for a user
func NewUserProfile(userID string) *UserProfile {
	return &UserProfile{UserID: userID}
}

// IsEmpty reports whether nothing has been learned about the user yet
func (p *UserProfile) IsEmpty() bool {
	return p == nil || (p.Identity == ProfileIdentity{} &&
		len(p.Skills) == 0 && len(p.Goals) == 0 &&
		len(p.Preferences) == 0 && len(p.Interests) == 0)
}

// ComputeCompleteness scores how many profile facets are known, in [0, 1]
func (p *UserProfile) ComputeCompleteness() float64 {
	facets := []bool{
		p.Identity.Name != "",
		p.Identity.Occupation != "",
		p.Identity.Location != "",
		len(p.Skills) > 0,
		len(p.Goals) > 0,
		len(p.Preferences) > 0,
		len(p.Interests) > 0,
	}
	known := 0
	for _, f := range facets {
		if f {
			known++
		}
	}
	p.Completeness = float64(known) / float64(len(facets))
	return p.Completeness
}

// Clear wipes every learned attribute, keeping the record itself
func (p *UserProfile) Clear(now time.Time) {
	version := p.Version
	*p = UserProfile{UserID: p.UserID, Version: version + 1, UpdatedAt: now}
}

// AddUnique appends v to list unless an equal value (case-insensitive) exists.
// The newest value wins a slot when the list is full.
func AddUnique(list []string, v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return list
	}
	for _, existing := range list {
		if strings.EqualFold(existing, v) {
			return list
		}
	}
	list = append(list, v)
	if len(list) > maxProfileListItems {
		list = list[len(list)-maxProfileListItems:]
	}
	return list
}

// Summary renders the profile as short sentences for prompt injection
func (p *UserProfile) Summary() string {
	if p.IsEmpty() {
		return ""
	}

	var sentences []string
	if p.Identity.Name != "" {
		sentences = append(sentences, "The user's name is "+p.Identity.Name+".")
	}
	if p.Identity.Occupation != "" {
		sentences = append(sentences, "They work as "+p.Identity.Occupation+".")
	}
	if p.Identity.Location != "" {
		sentences = append(sentences, "They live in "+p.Identity.Location+".")
	}
	if len(p.Goals) > 0 {
		sentences = append(sentences, "Goals: "+strings.Join(p.Goals, "; ")+".")
	}
	if len(p.Skills) > 0 {
		sentences = append(sentences, "Skills: "+strings.Join(p.Skills, ", ")+".")
	}
	if len(p.Preferences) > 0 {
		sentences = append(sentences, "Preferences: "+strings.Join(p.Preferences, "; ")+".")
	}
	if len(p.Interests) > 0 {
		sentences = append(sentences, "Interests: "+strings.Join(p.Interests, ", ")+".")
	}
	return strings.Join(sentences, " ")
}

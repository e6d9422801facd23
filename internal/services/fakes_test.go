package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"tutormemory/internal/models"
)

// memStore is an in-memory MemoryStore with the Mongo store's semantics
type memStore struct {
	mu      sync.Mutex
	entries map[primitive.ObjectID]models.MemoryEntry
	failAll error
	touched chan []primitive.ObjectID

	// beforeDecayWrite runs between decay's read and its write
	beforeDecayWrite func(ctx context.Context)
	// beforeReplace runs ahead of every Replace; an error fails the write
	beforeReplace    func(ctx context.Context, entry *models.MemoryEntry) error
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[primitive.ObjectID]models.MemoryEntry)}
}

func (s *memStore) put(e models.MemoryEntry) models.MemoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID.IsZero() {
		e.ID = primitive.NewObjectID()
	}
	if e.ContentHash == "" {
		e.ContentHash = contentHash(e.Content)
	}
	if e.Semantic.VectorID == "" {
		e.Semantic.VectorID = e.ID.Hex()
	}
	s.entries[e.ID] = e
	return e
}

func (s *memStore) get(id primitive.ObjectID) (models.MemoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *memStore) byStatus(userID string, status models.MemoryStatus) []models.MemoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MemoryEntry
	for _, e := range s.entries {
		if e.UserID == userID && e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) Insert(_ context.Context, entry *models.MemoryEntry) error {
	if s.failAll != nil {
		return s.failAll
	}
	if entry.ID.IsZero() {
		entry.ID = primitive.NewObjectID()
	}
	if entry.ContentHash == "" {
		entry.ContentHash = contentHash(entry.Content)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.ID] = *entry
	return nil
}

func (s *memStore) Replace(ctx context.Context, entry *models.MemoryEntry, expectedVersion int64) error {
	if s.failAll != nil {
		return s.failAll
	}
	if s.beforeReplace != nil {
		if err := s.beforeReplace(ctx, entry); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[entry.ID]
	if !ok || cur.UserID != entry.UserID || cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.entries[entry.ID] = *entry
	return nil
}

func (s *memStore) Delete(_ context.Context, userID string, id primitive.ObjectID) error {
	if s.failAll != nil {
		return s.failAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[id]
	if !ok || cur.UserID != userID {
		return ErrMemoryNotFound
	}
	delete(s.entries, id)
	return nil
}

func (s *memStore) FindActive(_ context.Context, userID string, filter MemoryFilter) ([]models.MemoryEntry, error) {
	if s.failAll != nil {
		return nil, s.failAll
	}
	var out []models.MemoryEntry
	for _, e := range s.byStatus(userID, models.StatusActive) {
		if !filter.Namespace.Matches(e.Namespace) {
			continue
		}
		if len(filter.Kinds) > 0 && !containsKind(filter.Kinds, e.Kind) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance.Score != out[j].Importance.Score {
			return out[i].Importance.Score > out[j].Importance.Score
		}
		return out[i].LastAccessedAt.After(out[j].LastAccessedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsKind(kinds []models.MemoryKind, k models.MemoryKind) bool {
	for _, kind := range kinds {
		if kind == k {
			return true
		}
	}
	return false
}

func (s *memStore) FindByIDs(_ context.Context, userID string, ids []primitive.ObjectID) ([]models.MemoryEntry, error) {
	if s.failAll != nil {
		return nil, s.failAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MemoryEntry
	for _, id := range ids {
		if e, ok := s.entries[id]; ok && e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) FindAll(_ context.Context, userID string) ([]models.MemoryEntry, error) {
	if s.failAll != nil {
		return nil, s.failAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MemoryEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) FindUnsynced(_ context.Context, olderThan time.Time, limit int) ([]models.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.MemoryEntry
	for _, e := range s.entries {
		if !e.VectorSynced && e.UpdatedAt.Before(olderThan) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SetVectorSynced(_ context.Context, userID string, id primitive.ObjectID, synced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok || e.UserID != userID {
		return ErrMemoryNotFound
	}
	e.VectorSynced = synced
	s.entries[id] = e
	return nil
}

func (s *memStore) TouchAccess(_ context.Context, userID string, ids []primitive.ObjectID, at time.Time) (map[primitive.ObjectID]int64, error) {
	s.mu.Lock()
	versions := make(map[primitive.ObjectID]int64, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok && e.UserID == userID && e.Status == models.StatusActive {
			e.Importance.AccessCount++
			e.LastAccessedAt = at
			e.Version++
			s.entries[id] = e
			versions[id] = e.Version
		}
	}
	s.mu.Unlock()
	if s.touched != nil {
		s.touched <- ids
	}
	return versions, nil
}

func (s *memStore) ApplyDecay(ctx context.Context, userID string, updates []DecayUpdate, at time.Time) ([]primitive.ObjectID, error) {
	if s.failAll != nil {
		return nil, s.failAll
	}
	if s.beforeDecayWrite != nil {
		s.beforeDecayWrite(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var applied []primitive.ObjectID
	for _, u := range updates {
		e, ok := s.entries[u.ID]
		if !ok || e.UserID != userID || e.Version != u.Version || e.Status != models.StatusActive || e.Importance.UserMarked {
			continue
		}
		e.Importance.Score = models.ClampScore(u.Score)
		e.Importance.BaseScore = models.ClampScore(u.BaseScore)
		e.Importance.RecencyFactor = u.RecencyFactor
		e.UpdatedAt = at
		e.Version++
		if u.Archive {
			e.Status = models.StatusArchived
			e.VectorSynced = false
		}
		s.entries[u.ID] = e
		applied = append(applied, u.ID)
	}
	return applied, nil
}

func (s *memStore) DeleteAllForUser(_ context.Context, userID string) (int64, error) {
	if s.failAll != nil {
		return 0, s.failAll
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.entries {
		if e.UserID == userID {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) DistinctUserIDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	var out []string
	for _, e := range s.entries {
		if _, ok := seen[e.UserID]; !ok && e.Status == models.StatusActive {
			seen[e.UserID] = struct{}{}
			out = append(out, e.UserID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) Ping(context.Context) error { return s.failAll }

type memAudit struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (a *memAudit) Append(_ context.Context, records ...models.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, records...)
	return nil
}

func (a *memAudit) actions() []models.AuditAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.AuditAction, 0, len(a.records))
	for _, r := range a.records {
		out = append(out, r.Action)
	}
	return out
}

type memProfiles struct {
	mu       sync.Mutex
	profiles map[string]models.UserProfile
	failGet  error
}

func newMemProfiles() *memProfiles {
	return &memProfiles{profiles: make(map[string]models.UserProfile)}
}

func (p *memProfiles) Get(_ context.Context, userID string) (*models.UserProfile, error) {
	if p.failGet != nil {
		return nil, p.failGet
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if profile, ok := p.profiles[userID]; ok {
		return &profile, nil
	}
	return models.NewUserProfile(userID), nil
}

func (p *memProfiles) Save(_ context.Context, profile *models.UserProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profiles[profile.UserID] = *profile
	return nil
}

func (p *memProfiles) Clear(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	profile := p.profiles[userID]
	profile.UserID = userID
	profile.Clear(time.Now())
	p.profiles[userID] = profile
	return nil
}

type memConversations struct {
	mu    sync.Mutex
	convs map[string]models.Conversation
	runs  map[string]models.ConsolidationRun
	fail  error
}

func newMemConversations() *memConversations {
	return &memConversations{
		convs: make(map[string]models.Conversation),
		runs:  make(map[string]models.ConsolidationRun),
	}
}

func (c *memConversations) add(userID, conversationID string, at time.Time, userLines ...string) models.Conversation {
	conv := models.Conversation{UserID: userID, ConversationID: conversationID, CreatedAt: at}
	for i, line := range userLines {
		ts := at.Add(time.Duration(i) * time.Minute)
		conv.Messages = append(conv.Messages,
			models.Turn{ID: conversationID + "-u" + string(rune('a'+i)), Role: models.RoleUser, Content: line, Timestamp: ts},
			models.Turn{ID: conversationID + "-a" + string(rune('a'+i)), Role: models.RoleAssistant, Content: "Got it.", Timestamp: ts.Add(time.Second)},
		)
		conv.LastMessageAt = ts.Add(time.Second)
	}
	conv.MessageCount = len(conv.Messages)
	c.mu.Lock()
	c.convs[conversationID] = conv
	c.mu.Unlock()
	return conv
}

func (c *memConversations) GetConversation(_ context.Context, userID, conversationID string) (*models.Conversation, error) {
	if c.fail != nil {
		return nil, c.fail
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.convs[conversationID]
	if !ok || conv.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return &conv, nil
}

func (c *memConversations) RecentTurns(ctx context.Context, userID, conversationID string, limit int) (*models.Conversation, error) {
	conv, err := c.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(conv.Messages) > limit {
		conv.Messages = conv.Messages[len(conv.Messages)-limit:]
	}
	return conv, nil
}

func (c *memConversations) ListPendingConsolidation(_ context.Context, idleBefore time.Time, limit int) ([]models.ConversationRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.ConversationRef
	for id, conv := range c.convs {
		if !conv.LastMessageAt.Before(idleBefore) {
			continue
		}
		if run, ok := c.runs[id]; ok && run.Status == models.RunStatusCompleted && !run.LastMessageAt.Before(conv.LastMessageAt) {
			continue
		}
		out = append(out, models.ConversationRef{UserID: conv.UserID, ConversationID: id, LastMessageAt: conv.LastMessageAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.Before(out[j].LastMessageAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *memConversations) RecordRun(_ context.Context, run *models.ConsolidationRun) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[run.ConversationID] = *run
	return nil
}

// flakyIndex wraps a real index and fails the selected operations
type flakyIndex struct {
	VectorIndex
	mu          sync.Mutex
	failSearch  bool
	failUpsert  bool
	failDelete  bool
	upsertCalls int
}

var errIndexDown = errors.New("vector index unreachable")

func (f *flakyIndex) Upsert(ctx context.Context, userID, id string, vector []float32, metadata map[string]string) error {
	f.mu.Lock()
	f.upsertCalls++
	fail := f.failUpsert
	f.mu.Unlock()
	if fail {
		return errIndexDown
	}
	return f.VectorIndex.Upsert(ctx, userID, id, vector, metadata)
}

func (f *flakyIndex) Search(ctx context.Context, userID string, query []float32, topK int, filter map[string]string) ([]VectorMatch, error) {
	if f.failSearch {
		return nil, errIndexDown
	}
	return f.VectorIndex.Search(ctx, userID, query, topK, filter)
}

func (f *flakyIndex) Delete(ctx context.Context, userID string, ids ...string) error {
	if f.failDelete {
		return errIndexDown
	}
	return f.VectorIndex.Delete(ctx, userID, ids...)
}

// Count reports vectors stored for a user in the wrapped index
func (f *flakyIndex) Count(userID string) int {
	return f.VectorIndex.(*ChromemIndex).Count(userID)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding endpoint returned 500")
}
func (failingEmbedder) Dimensions() int { return 64 }
func (failingEmbedder) Model() string   { return "failing" }

// fastRetry keeps retrying tests quick
func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func newTestIndex(t interface{ Fatalf(string, ...any) }) *ChromemIndex {
	index, err := NewChromemIndex("", false)
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	return index
}

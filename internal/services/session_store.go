package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"tutormemory/internal/models"
)

// SessionStore holds short-term and working memory for live conversations.
// The cache is authoritative only for the rolling summary; turns are rebuilt
// from the conversation source whenever the cached session is missing.
type SessionStore struct {
	cache      EphemeralCache
	source     ConversationSource
	summarizer Summarizer
	ttl        time.Duration
	turnLimit  int
	now        func() time.Time
}

// NewSessionStore creates a session store. summarizer may be nil.
func NewSessionStore(cache EphemeralCache, source ConversationSource, summarizer Summarizer, ttl time.Duration, turnLimit int) *SessionStore {
	if turnLimit <= 0 {
		turnLimit = 10
	}
	return &SessionStore{
		cache:      cache,
		source:     source,
		summarizer: summarizer,
		ttl:        ttl,
		turnLimit:  turnLimit,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func sessionKey(userID, conversationID string) string {
	return fmt.Sprintf("memory:session:%s:%s", userID, conversationID)
}

func sessionPrefix(userID string) string {
	return fmt.Sprintf("memory:session:%s:", userID)
}

// Load returns the session, rebuilding it from the conversation source on a
// cache miss. hit reports whether the cache served it.
func (s *SessionStore) Load(ctx context.Context, userID, conversationID string) (*models.SessionContext, bool, error) {
	raw, found, err := s.cache.Get(ctx, sessionKey(userID, conversationID))
	if err != nil {
		log.Printf("⚠️ [SESSION] Cache read failed for %s/%s: %v", userID, conversationID, err)
	}
	if found {
		var session models.SessionContext
		if err := json.Unmarshal(raw, &session); err == nil {
			GetMetrics().CacheLookups.WithLabelValues("session", "hit").Inc()
			return &session, true, nil
		}
		log.Printf("⚠️ [SESSION] Discarding unreadable session %s/%s", userID, conversationID)
	}
	GetMetrics().CacheLookups.WithLabelValues("session", "miss").Inc()

	session, err := s.rebuild(ctx, userID, conversationID)
	if err != nil {
		return nil, false, err
	}
	s.save(ctx, session)
	return session, false, nil
}

func (s *SessionStore) rebuild(ctx context.Context, userID, conversationID string) (*models.SessionContext, error) {
	session := &models.SessionContext{UserID: userID, ConversationID: conversationID}
	if s.source == nil || conversationID == "" {
		session.Refresh(s.now())
		return session, nil
	}

	conv, err := s.source.RecentTurns(ctx, userID, conversationID, s.turnLimit)
	if errors.Is(err, ErrConversationNotFound) {
		session.Refresh(s.now())
		return session, nil
	}
	if err != nil {
		return nil, err
	}

	session.Turns = conv.Messages
	session.TurnCount = conv.MessageCount
	session.Refresh(s.now())
	return session, nil
}

// save writes the session back. Cache failures are logged, never returned.
func (s *SessionStore) save(ctx context.Context, session *models.SessionContext) {
	raw, err := json.Marshal(session)
	if err != nil {
		log.Printf("⚠️ [SESSION] Failed to encode session: %v", err)
		return
	}
	if err := s.cache.Set(ctx, sessionKey(session.UserID, session.ConversationID), raw, s.ttl); err != nil {
		log.Printf("⚠️ [SESSION] Cache write failed for %s/%s: %v", session.UserID, session.ConversationID, err)
	}
}

// RecordTurn appends a turn to the live session
func (s *SessionStore) RecordTurn(ctx context.Context, userID, conversationID string, turn models.Turn) (*models.SessionContext, error) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now()
	}
	session, hit, err := s.Load(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	// A rebuilt session already contains the turn if the chat app stored it first
	if !hit && len(session.Turns) > 0 && session.Turns[len(session.Turns)-1].ID != "" &&
		session.Turns[len(session.Turns)-1].ID == turn.ID {
		return session, nil
	}

	session.Append(turn, s.turnLimit, s.now())
	s.save(ctx, session)
	return session, nil
}

// Summary returns the rolling working-memory summary, regenerating it when the
// turns changed since it was built. An empty summary is not an error.
func (s *SessionStore) Summary(ctx context.Context, session *models.SessionContext) (string, error) {
	if session.SummaryValid() {
		return session.Summary, nil
	}
	if s.summarizer == nil || len(session.Turns) < 2 {
		return "", nil
	}

	summary, err := s.summarizer.Summarize(ctx, session.Turns)
	if err != nil {
		return "", err
	}
	session.Summary = summary
	session.SummaryOf = session.Fingerprint

	// Losing the summary is harmless
	s.storeSummary(context.WithoutCancel(ctx), session)
	return summary, nil
}

// storeSummary writes the session back only while the cached copy still holds
// the turns the summary was built from. A turn recorded during summarization
// wins, and the next retrieval summarizes again.
func (s *SessionStore) storeSummary(ctx context.Context, session *models.SessionContext) {
	raw, found, err := s.cache.Get(ctx, sessionKey(session.UserID, session.ConversationID))
	if err != nil {
		log.Printf("⚠️ [SESSION] Cache read failed for %s/%s: %v", session.UserID, session.ConversationID, err)
		return
	}
	if found {
		var current models.SessionContext
		if err := json.Unmarshal(raw, &current); err == nil && current.Fingerprint != session.Fingerprint {
			log.Printf("🔄 [SESSION] Session %s/%s moved on while summarizing, summary dropped", session.UserID, session.ConversationID)
			return
		}
	}
	s.save(ctx, session)
}

// End discards a conversation's session state
func (s *SessionStore) End(ctx context.Context, userID, conversationID string) error {
	return s.cache.Delete(ctx, sessionKey(userID, conversationID))
}

// EraseUser drops every session of a user
func (s *SessionStore) EraseUser(ctx context.Context, userID string) (int, error) {
	return s.cache.DeletePrefix(ctx, sessionPrefix(userID))
}

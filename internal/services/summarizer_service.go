package services

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"tutormemory/internal/models"
)

// Summarizer condenses conversation turns into short prose
type Summarizer interface {
	Summarize(ctx context.Context, turns []models.Turn) (string, error)
}

const summarySystemPrompt = `You maintain the working memory of a tutoring assistant.
Summarize the conversation so far in at most 3 sentences. Keep the topic being studied,
open questions and anything the learner struggled with. Do not invent facts.`

// OpenAISummarizer summarizes with a chat completion model
type OpenAISummarizer struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAISummarizer creates a summarizer. baseURL may be empty.
func NewOpenAISummarizer(apiKey, baseURL, model string) *OpenAISummarizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAISummarizer{
		client:    openai.NewClientWithConfig(cfg),
		model:     model,
		maxTokens: 160,
	}
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, turns []models.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: 0.2,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: renderTranscript(turns)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summary completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summary completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ExtractiveSummarizer builds a summary from the first sentence of recent user turns.
// It never fails and is the fallback when no model is configured.
type ExtractiveSummarizer struct {
	MaxSentences int
}

func (s ExtractiveSummarizer) Summarize(_ context.Context, turns []models.Turn) (string, error) {
	limit := s.MaxSentences
	if limit <= 0 {
		limit = 3
	}

	var picked []string
	for i := len(turns) - 1; i >= 0 && len(picked) < limit; i-- {
		if turns[i].Role != models.RoleUser {
			continue
		}
		if sentence := firstSentence(turns[i].Content); sentence != "" {
			picked = append(picked, sentence)
		}
	}
	if len(picked) == 0 {
		return "", nil
	}

	// Oldest first
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return "Earlier the learner said: " + strings.Join(picked, " "), nil
}

// FallbackSummarizer tries the primary summarizer and degrades to the secondary
type FallbackSummarizer struct {
	Primary   Summarizer
	Secondary Summarizer
}

func (s FallbackSummarizer) Summarize(ctx context.Context, turns []models.Turn) (string, error) {
	summary, err := s.Primary.Summarize(ctx, turns)
	if err == nil {
		return summary, nil
	}
	if s.Secondary == nil {
		return "", err
	}
	return s.Secondary.Summarize(ctx, turns)
}

func renderTranscript(turns []models.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(t.Content))
		b.WriteString("\n")
	}
	return b.String()
}

// firstSentence returns text up to and including the first sentence terminator
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if idx := strings.IndexAny(text, ".!?"); idx >= 0 {
		return text[:idx+1]
	}
	return text + "."
}

package services

import (
	"log/slog"
	"math"
	"strings"
	"unicode/utf8"

	"tutormemory/internal/models"
)

// BudgetProfile holds the fractions of maxTokens each tier may use.
// Whatever the fractions leave over is kept for the live user turn.
type BudgetProfile struct {
	Name      string
	Profile   float64
	ShortTerm float64
	Working   float64
	LongTerm  float64
	Buffer    float64
}

// DefaultBudgetProfiles are keyed by conversation type
var DefaultBudgetProfiles = map[string]BudgetProfile{
	"default": {
		Name:      "default",
		Profile:   0.25,
		ShortTerm: 0.20,
		Working:   0.20,
		LongTerm:  0.20,
		Buffer:    0.05,
	},
	"tutoring": {
		Name:      "tutoring",
		Profile:   0.20,
		ShortTerm: 0.20,
		Working:   0.15,
		LongTerm:  0.30,
		Buffer:    0.05,
	},
	"quick_question": {
		Name:      "quick_question",
		Profile:   0.20,
		ShortTerm: 0.30,
		Working:   0.10,
		LongTerm:  0.15,
		Buffer:    0.05,
	},
	"review": {
		Name:      "review",
		Profile:   0.20,
		ShortTerm: 0.10,
		Working:   0.20,
		LongTerm:  0.35,
		Buffer:    0.05,
	},
}

// Long conversations move part of the short-term share to long-term memory
const (
	longConversationTurns = 20
	longConversationShift = 0.05
)

// ContextBudget is the token allocation for one composition
type ContextBudget struct {
	Total       int    `json:"total"`
	ProfileName string `json:"profile_name"`
	Profile     int    `json:"profile"`
	ShortTerm   int    `json:"short_term"`
	Working     int    `json:"working"`
	LongTerm    int    `json:"long_term"`
	Buffer      int    `json:"buffer"`
	Live        int    `json:"live"`
}

// Composable is the number of tokens the tiers may use together
func (b ContextBudget) Composable() int {
	return b.Profile + b.ShortTerm + b.Working + b.LongTerm
}

// LookupBudgetProfile returns the profile for a conversation type, falling back to default
func LookupBudgetProfile(conversationType string) BudgetProfile {
	if p, ok := DefaultBudgetProfiles[strings.ToLower(strings.TrimSpace(conversationType))]; ok {
		return p
	}
	if conversationType != "" {
		slog.Debug("Using fallback budget profile", "conversation_type", conversationType)
	}
	return DefaultBudgetProfiles["default"]
}

// AllocateBudget splits maxTokens across tiers for a conversation type and length
func AllocateBudget(maxTokens int, conversationType string, turnCount int) ContextBudget {
	p := LookupBudgetProfile(conversationType)
	if turnCount > longConversationTurns && p.ShortTerm >= longConversationShift {
		p.ShortTerm -= longConversationShift
		p.LongTerm += longConversationShift
	}
	if maxTokens < 0 {
		maxTokens = 0
	}

	share := func(ratio float64) int {
		// the epsilon absorbs float error such as 1000*0.3 = 299.99...
		return int(math.Floor(float64(maxTokens)*ratio + 1e-9))
	}
	b := ContextBudget{
		Total:       maxTokens,
		ProfileName: p.Name,
		Profile:     share(p.Profile),
		ShortTerm:   share(p.ShortTerm),
		Working:     share(p.Working),
		LongTerm:    share(p.LongTerm),
		Buffer:      share(p.Buffer),
	}
	b.Live = maxTokens - b.Composable() - b.Buffer
	return b
}

// EstimateTokens approximates tokens as characters / 4, rounded up
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// ComposeInput is everything the composer may include
type ComposeInput struct {
	Profile          *models.UserProfile
	ShortTerm        []models.Turn // oldest first
	Working          string
	LongTerm         []RankedMemory // best first
	MaxTokens        int
	ConversationType string
	TurnCount        int
}

// ComposedContext is the formatted memory context for one generation request
type ComposedContext struct {
	Text            string        `json:"text"`
	EstimatedTokens int           `json:"estimated_tokens"`
	Truncated       bool          `json:"truncated"`
	IncludedIDs     []string      `json:"included_ids"`
	Dropped         int           `json:"dropped"`
	Budget          ContextBudget `json:"budget"`
}

// Section headers, in composition priority order
const (
	headerProfile   = "## User Profile"
	headerLongTerm  = "## Relevant Memories"
	headerWorking   = "## Session Summary"
	headerShortTerm = "## Recent Conversation"
)

type composeItem struct {
	text string
	id   string
}

type composeSection struct {
	header string
	items  []composeItem
	kept   int
}

func (s *composeSection) headerCost() int {
	return EstimateTokens(s.header + "\n\n")
}

func itemCost(text string) int {
	return EstimateTokens(text + "\n")
}

// fill keeps leading items while they fit and returns the tokens used.
// Items are whole sentences, turns or entries; none is ever cut.
func (s *composeSection) fill(allowance int) int {
	used := 0
	for _, item := range s.items {
		cost := itemCost(item.text)
		if s.kept == 0 {
			cost += s.headerCost()
		}
		if used+cost > allowance {
			break
		}
		used += cost
		s.kept++
	}
	return used
}

// Compose assembles profile, long-term, working and short-term content in that
// priority. Unused allowance flows to the next tier; when a tier overflows,
// whole items are dropped from its bottom (oldest turns for short-term).
func Compose(in ComposeInput) ComposedContext {
	budget := AllocateBudget(in.MaxTokens, in.ConversationType, in.TurnCount)

	profile := &composeSection{header: headerProfile}
	if !in.Profile.IsEmpty() {
		for _, sentence := range splitSentences(in.Profile.Summary()) {
			profile.items = append(profile.items, composeItem{text: sentence})
		}
	}

	longTerm := &composeSection{header: headerLongTerm}
	for _, m := range in.LongTerm {
		content := strings.TrimSpace(m.Entry.Content)
		if content == "" {
			continue
		}
		longTerm.items = append(longTerm.items, composeItem{text: "- " + content, id: m.Entry.ID.Hex()})
	}

	working := &composeSection{header: headerWorking}
	for _, sentence := range splitSentences(in.Working) {
		working.items = append(working.items, composeItem{text: sentence})
	}

	// Newest turn first so that filling keeps the most recent ones
	shortTerm := &composeSection{header: headerShortTerm}
	for i := len(in.ShortTerm) - 1; i >= 0; i-- {
		if line := renderTurn(in.ShortTerm[i]); line != "" {
			shortTerm.items = append(shortTerm.items, composeItem{text: line})
		}
	}

	carry := 0
	for _, step := range []struct {
		section *composeSection
		share   int
	}{
		{profile, budget.Profile},
		{longTerm, budget.LongTerm},
		{working, budget.Working},
		{shortTerm, budget.ShortTerm},
	} {
		allowance := step.share + carry
		carry = allowance - step.section.fill(allowance)
	}

	sections := []*composeSection{profile, longTerm, working, shortTerm}
	result := ComposedContext{Budget: budget}
	result.Text = renderSections(sections)
	result.EstimatedTokens = EstimateTokens(result.Text)

	// The per-item costs bound the total already; this only guards the
	// formatting overhead against the estimate.
	limit := budget.Composable()
	for result.EstimatedTokens > limit && dropLowest(sections) {
		result.Text = renderSections(sections)
		result.EstimatedTokens = EstimateTokens(result.Text)
	}

	for _, s := range sections {
		result.Dropped += len(s.items) - s.kept
	}
	result.Truncated = result.Dropped > 0
	for _, item := range longTerm.items[:longTerm.kept] {
		result.IncludedIDs = append(result.IncludedIDs, item.id)
	}

	GetMetrics().ComposedTokens.Observe(float64(result.EstimatedTokens))
	return result
}

// dropLowest removes one item from the lowest-priority non-empty section
func dropLowest(sections []*composeSection) bool {
	for i := len(sections) - 1; i >= 0; i-- {
		if sections[i].kept > 0 {
			sections[i].kept--
			return true
		}
	}
	return false
}

func renderSections(sections []*composeSection) string {
	var b strings.Builder
	for _, s := range sections {
		if s.kept == 0 {
			continue
		}
		b.WriteString(s.header)
		b.WriteString("\n")

		kept := s.items[:s.kept]
		if s.header == headerShortTerm {
			// kept newest first; render chronologically
			for i := len(kept) - 1; i >= 0; i-- {
				b.WriteString(kept[i].text)
				b.WriteString("\n")
			}
		} else {
			for _, item := range kept {
				b.WriteString(item.text)
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderTurn(t models.Turn) string {
	content := strings.Join(strings.Fields(t.Content), " ")
	if content == "" {
		return ""
	}
	switch t.Role {
	case models.RoleUser:
		return "User: " + content
	case models.RoleAssistant:
		return "Assistant: " + content
	default:
		return "System: " + content
	}
}

// splitSentences breaks prose into whole sentences
func splitSentences(text string) []string {
	var sentences []string
	for _, s := range sentencePattern.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

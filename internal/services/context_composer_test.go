package services

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tutormemory/internal/models"
)

func TestAllocateBudgetDefault(t *testing.T) {
	b := AllocateBudget(2000, "", 4)
	assert.Equal(t, "default", b.ProfileName)
	assert.Equal(t, 500, b.Profile)
	assert.Equal(t, 400, b.ShortTerm)
	assert.Equal(t, 400, b.Working)
	assert.Equal(t, 400, b.LongTerm)
	assert.Equal(t, 100, b.Buffer)
	assert.Equal(t, 200, b.Live)
	assert.Equal(t, 2000, b.Composable()+b.Buffer+b.Live)
}

func TestAllocateBudgetProfiles(t *testing.T) {
	tutoring := AllocateBudget(1000, "Tutoring", 0)
	assert.Equal(t, "tutoring", tutoring.ProfileName)
	assert.Equal(t, 300, tutoring.LongTerm)

	unknown := AllocateBudget(1000, "brainstorm", 0)
	assert.Equal(t, "default", unknown.ProfileName)

	for name := range DefaultBudgetProfiles {
		b := AllocateBudget(4000, name, 0)
		assert.LessOrEqual(t, b.Composable()+b.Buffer, 4000, name)
		assert.GreaterOrEqual(t, b.Live, 0, name)
	}
}

func TestAllocateBudgetLongConversationShift(t *testing.T) {
	short := AllocateBudget(2000, "default", 20)
	long := AllocateBudget(2000, "default", 21)
	assert.Equal(t, short.ShortTerm-100, long.ShortTerm)
	assert.Equal(t, short.LongTerm+100, long.LongTerm)
	assert.Equal(t, short.Composable(), long.Composable())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("日本語"), "runes, not bytes")
}

func composeMemory(content string, score float64) RankedMemory {
	return RankedMemory{
		Entry: models.MemoryEntry{ID: primitive.NewObjectID(), Content: content, Status: models.StatusActive},
		Score: score,
	}
}

func composeTurns(n int) []models.Turn {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	turns := make([]models.Turn, 0, n)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		turns = append(turns, models.Turn{
			ID:        fmt.Sprintf("t%d", i),
			Role:      role,
			Content:   fmt.Sprintf("Turn number %d talks about derivatives and limits.", i),
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		})
	}
	return turns
}

func TestComposeOrderAndHeaders(t *testing.T) {
	profile := &models.UserProfile{UserID: "u1", Identity: models.ProfileIdentity{Name: "Sam"}}
	out := Compose(ComposeInput{
		Profile:   profile,
		ShortTerm: composeTurns(2),
		Working:   "The user is reviewing derivatives.",
		LongTerm:  []RankedMemory{composeMemory("The user is preparing for a calculus exam.", 0.8)},
		MaxTokens: 2000,
	})

	require.False(t, out.Truncated)
	iProfile := strings.Index(out.Text, headerProfile)
	iLong := strings.Index(out.Text, headerLongTerm)
	iWorking := strings.Index(out.Text, headerWorking)
	iShort := strings.Index(out.Text, headerShortTerm)
	assert.True(t, iProfile >= 0 && iProfile < iLong && iLong < iWorking && iWorking < iShort, out.Text)
	assert.Contains(t, out.Text, "The user's name is Sam.")
	assert.Contains(t, out.Text, "- The user is preparing for a calculus exam.")
	assert.Contains(t, out.Text, "User: Turn number 0")
	assert.Contains(t, out.Text, "Assistant: Turn number 1")
	assert.Less(t, strings.Index(out.Text, "Turn number 0"), strings.Index(out.Text, "Turn number 1"), "turns are chronological")
	assert.Len(t, out.IncludedIDs, 1)
	assert.Equal(t, EstimateTokens(out.Text), out.EstimatedTokens)
}

func TestComposeEmptyInput(t *testing.T) {
	out := Compose(ComposeInput{MaxTokens: 500})
	assert.Empty(t, out.Text)
	assert.Zero(t, out.EstimatedTokens)
	assert.False(t, out.Truncated)
}

func TestComposeNeverExceedsBudget(t *testing.T) {
	var memories []RankedMemory
	for i := 0; i < 40; i++ {
		memories = append(memories, composeMemory(
			fmt.Sprintf("Memory %d says the user practiced integration by parts on problem set %d.", i, i), 1-float64(i)/100))
	}
	profile := &models.UserProfile{
		UserID:   "u1",
		Identity: models.ProfileIdentity{Name: "Sam", Occupation: "nurse", Location: "Lyon"},
		Goals:    []string{"pass the calculus exam", "learn statistics"},
		Skills:   []string{"algebra", "trigonometry"},
	}

	for _, maxTokens := range []int{0, 10, 50, 120, 300, 1000} {
		out := Compose(ComposeInput{
			Profile:   profile,
			ShortTerm: composeTurns(30),
			Working:   "The user is reviewing derivatives. They struggled with the chain rule. Next they want integrals.",
			LongTerm:  memories,
			MaxTokens: maxTokens,
			TurnCount: 30,
		})
		assert.LessOrEqual(t, out.EstimatedTokens, maxTokens, "maxTokens %d", maxTokens)
		assert.LessOrEqual(t, out.EstimatedTokens, out.Budget.Composable(), "maxTokens %d", maxTokens)
		if maxTokens < 1000 {
			assert.True(t, out.Truncated, "maxTokens %d", maxTokens)
			assert.Positive(t, out.Dropped)
		}
	}
}

func TestComposeKeepsWholeEntries(t *testing.T) {
	memories := []RankedMemory{
		composeMemory("The user is preparing for the calculus final in June.", 0.9),
		composeMemory("The user prefers worked examples over theory.", 0.8),
		composeMemory("The user once mentioned a long story about a trip to the mountains where they learned to ski and broke a wrist.", 0.7),
	}
	out := Compose(ComposeInput{LongTerm: memories, MaxTokens: 200})

	for _, line := range strings.Split(out.Text, "\n") {
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		found := false
		for _, m := range memories {
			if line == "- "+m.Entry.Content {
				found = true
			}
		}
		assert.True(t, found, "partial entry in output: %q", line)
	}

	// Drops come from the bottom of the ranking
	if len(out.IncludedIDs) > 0 {
		assert.Equal(t, memories[0].Entry.ID.Hex(), out.IncludedIDs[0])
	}
	for i, id := range out.IncludedIDs {
		assert.Equal(t, memories[i].Entry.ID.Hex(), id)
	}
}

func TestComposeDropsOldestTurnsFirst(t *testing.T) {
	turns := composeTurns(12)
	out := Compose(ComposeInput{ShortTerm: turns, MaxTokens: 150})

	require.True(t, out.Truncated)
	assert.Contains(t, out.Text, "Turn number 11 ", "newest turn survives")
	assert.NotContains(t, out.Text, "Turn number 0 ", "oldest turn dropped")
}

func TestComposeUnusedShareFlowsDown(t *testing.T) {
	// No profile, long-term or working content: short-term may use their shares
	turns := composeTurns(40)
	out := Compose(ComposeInput{ShortTerm: turns, MaxTokens: 2000})
	assert.False(t, out.Truncated)
	assert.Greater(t, out.EstimatedTokens, out.Budget.ShortTerm)
}

func TestComposeWorkingSummaryWholeSentences(t *testing.T) {
	summary := "First sentence about limits. Second sentence about continuity! Third sentence asks about derivatives?"
	out := Compose(ComposeInput{Working: summary, MaxTokens: 120})
	for _, s := range splitSentences(summary) {
		if strings.Contains(out.Text, s[:10]) {
			assert.Contains(t, out.Text, s)
		}
	}
}

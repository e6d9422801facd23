package services

import (
	"math"
	"sort"
	"strings"
	"time"

	"tutormemory/internal/models"
)

// RankWeights are the factor weights of the relevance score
type RankWeights struct {
	Recency    float64
	Frequency  float64
	Semantic   float64
	Importance float64
	Valence    float64
}

// DefaultRankWeights sum to 1 so the weighted part of the score stays in [0, 1]
var DefaultRankWeights = RankWeights{
	Recency:    0.25,
	Frequency:  0.20,
	Semantic:   0.30,
	Importance: 0.15,
	Valence:    0.10,
}

const (
	recencyLambda = 0.05 // per day, half-life of about 14 days
	intentBonus   = 0.2
)

// Candidate is an entry offered to the ranker
type Candidate struct {
	Entry models.MemoryEntry
	// Similarity is normalized to [0, 1]. When HasSimilarity is false the
	// ranker compares Embedding with the query embedding instead, if both exist.
	Similarity    float64
	HasSimilarity bool
	Embedding     []float32
}

// RankQuery is the request side of ranking
type RankQuery struct {
	Text      string
	Embedding []float32 // nil when embedding failed; the semantic factor is then 0
	Intent    string
	Now       time.Time
}

// RankFactors are the normalized inputs of one score
type RankFactors struct {
	Recency    float64 `json:"recency"`
	Frequency  float64 `json:"frequency"`
	Semantic   float64 `json:"semantic"`
	Importance float64 `json:"importance"`
	Valence    float64 `json:"valence"`
	Intent     bool    `json:"intent"`
}

// RankedMemory is a scored candidate
type RankedMemory struct {
	Entry   models.MemoryEntry `json:"entry"`
	Score   float64            `json:"score"`
	// RawScore is the weighted sum before clamping. It orders entries that
	// all clamp to 1 once the intent bonus is added.
	RawScore float64     `json:"raw_score"`
	Factors  RankFactors `json:"factors"`
}

// RecencyFactor is exp(-0.05 * age in days). Future timestamps count as age 0.
func RecencyFactor(ref, now time.Time) float64 {
	days := now.Sub(ref).Hours() / 24
	if days < 0 {
		days = 0
	}
	return math.Exp(-recencyLambda * days)
}

// FrequencyFactor is min(log10(accessCount + 1) / 2, 1)
func FrequencyFactor(accessCount int64) float64 {
	if accessCount < 0 {
		accessCount = 0
	}
	return math.Min(math.Log10(float64(accessCount)+1)/2, 1)
}

// ScoreFactors combines factors with weights and clamps the result to [0, 1]
func ScoreFactors(f RankFactors, w RankWeights) float64 {
	return models.ClampScore(weightedSum(f, w))
}

func weightedSum(f RankFactors, w RankWeights) float64 {
	score := w.Recency*f.Recency +
		w.Frequency*f.Frequency +
		w.Semantic*f.Semantic +
		w.Importance*f.Importance +
		w.Valence*f.Valence
	if f.Intent {
		score += intentBonus
	}
	return score
}

func candidateFactors(c *Candidate, q RankQuery) RankFactors {
	semantic := 0.0
	switch {
	case c.HasSimilarity:
		semantic = clamp01(c.Similarity)
	case len(q.Embedding) > 0 && len(c.Embedding) > 0:
		semantic = NormalizeSimilarity(cosineSimilarity(q.Embedding, c.Embedding), CosineSimilarityRaw)
	}

	return RankFactors{
		Recency:    RecencyFactor(c.Entry.ReferenceTime(), q.Now),
		Frequency:  FrequencyFactor(c.Entry.Importance.AccessCount),
		Semantic:   semantic,
		Importance: clamp01(c.Entry.Importance.Score),
		Valence:    clamp01(math.Abs(c.Entry.Importance.EmotionalValence)),
		Intent:     intentMatches(q.Intent, c.Entry.Namespace),
	}
}

func intentMatches(intent string, ns models.Namespace) bool {
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return false
	}
	return strings.EqualFold(intent, ns.Topic) ||
		(ns.Topic == "" && strings.EqualFold(intent, ns.Subcategory))
}

// Rank scores candidates and orders them best first. Equal clamped scores
// fall back to the unclamped sum, then to the more recently accessed entry,
// then to the lower id for a stable order.
// Rank has no side effects.
func Rank(candidates []Candidate, q RankQuery) []RankedMemory {
	return RankWith(candidates, q, DefaultRankWeights)
}

// RankWith is Rank with explicit weights
func RankWith(candidates []Candidate, q RankQuery, w RankWeights) []RankedMemory {
	if q.Now.IsZero() {
		q.Now = time.Now().UTC()
	}

	ranked := make([]RankedMemory, 0, len(candidates))
	for i := range candidates {
		f := candidateFactors(&candidates[i], q)
		raw := weightedSum(f, w)
		ranked = append(ranked, RankedMemory{
			Entry:    candidates[i].Entry,
			Score:    models.ClampScore(raw),
			RawScore: raw,
			Factors:  f,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].RawScore != ranked[j].RawScore {
			return ranked[i].RawScore > ranked[j].RawScore
		}
		ai, aj := ranked[i].Entry.ReferenceTime(), ranked[j].Entry.ReferenceTime()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return ranked[i].Entry.ID.Hex() < ranked[j].Entry.ID.Hex()
	})
	return ranked
}

package services

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Words that carry no meaning for deduplication. Intensifiers are included so
// "I like Python" and "I really like Python" compare equal.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "i": {}, "im": {}, "me": {}, "my": {}, "is": {}, "am": {}, "are": {},
	"to": {}, "of": {}, "and": {}, "or": {}, "in": {}, "on": {}, "at": {}, "for": {}, "with": {},
	"really": {}, "very": {}, "so": {}, "just": {}, "also": {}, "quite": {}, "absolutely": {},
	"truly": {}, "totally": {}, "it": {}, "that": {}, "this": {}, "be": {}, "do": {},
}

// normalizeContent lowercases, strips punctuation and collapses whitespace
func normalizeContent(content string) string {
	normalized := strings.ToLower(content)

	// Separators become spaces before other punctuation is dropped so words don't merge
	normalized = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\t', '\r', '-', '_', '/':
			return ' '
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			return r
		}
		return -1
	}, normalized)

	return strings.Join(strings.Fields(normalized), " ")
}

// contentHash is the SHA-256 of the normalized content
func contentHash(content string) string {
	hash := sha256.Sum256([]byte(normalizeContent(content)))
	return hex.EncodeToString(hash[:])
}

// tokenSet returns the meaningful tokens of content
func tokenSet(content string) map[string]struct{} {
	fields := strings.Fields(normalizeContent(content))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		set[f] = struct{}{}
	}
	return set
}

// jaccardSimilarity is |A∩B| / |A∪B| over meaningful tokens, in [0, 1]
func jaccardSimilarity(a, b string) float64 {
	setA, setB := tokenSet(a), tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		if normalizeContent(a) == normalizeContent(b) {
			return 1
		}
		return 0
	}

	intersection := 0
	for token := range setA {
		if _, ok := setB[token]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// extractKeywords returns up to limit meaningful tokens, longest first
func extractKeywords(content string, limit int) []string {
	set := tokenSet(content)
	keywords := make([]string, 0, len(set))
	for token := range set {
		if len([]rune(token)) < 3 {
			continue
		}
		keywords = append(keywords, token)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if len(keywords[i]) != len(keywords[j]) {
			return len(keywords[i]) > len(keywords[j])
		}
		return keywords[i] < keywords[j]
	})
	if limit > 0 && len(keywords) > limit {
		keywords = keywords[:limit]
	}
	return keywords
}

// cosineSimilarity returns the raw cosine in [-1, 1], or 0 when undefined
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Package privacy decides which memory entries a request may see and which
// content may be stored at all.
package privacy

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"tutormemory/internal/memerr"
	"tutormemory/internal/models"
)

// RequestContext describes who is asking and what they may see
type RequestContext struct {
	UserID string
	// AllowSensitive lets consented sensitive entries (health notes, etc.) into the context
	AllowSensitive bool
	// AllowConfidential is reserved for export and erasure flows
	AllowConfidential bool
}

// ForUser is the default context for prompt injection on the user's own behalf
func ForUser(userID string) RequestContext {
	return RequestContext{UserID: userID, AllowSensitive: true}
}

// ForExport sees everything the user owns
func ForExport(userID string) RequestContext {
	return RequestContext{UserID: userID, AllowSensitive: true, AllowConfidential: true}
}

// IsVisible is the single visibility rule for memory entries
func IsVisible(entry *models.MemoryEntry, rc RequestContext) bool {
	if entry == nil || rc.UserID == "" || entry.UserID != rc.UserID {
		return false
	}
	if !entry.IsActive() {
		return false
	}

	if requiresConsent(entry.Privacy.DataCategory) && !entry.Privacy.Consent {
		return false
	}

	switch entry.Privacy.Level {
	case models.PrivacyPublic, models.PrivacyPrivate, "":
		return true
	case models.PrivacySensitive:
		return rc.AllowSensitive && entry.Privacy.Consent
	case models.PrivacyConfidential:
		return rc.AllowConfidential && entry.Privacy.Consent
	default:
		return false
	}
}

// NeedsEncryption reports whether content must be sealed at rest
func NeedsEncryption(p models.Privacy) bool {
	return p.Level == models.PrivacySensitive || p.Level == models.PrivacyConfidential
}

func requiresConsent(c models.DataCategory) bool {
	switch c {
	case models.DataHealth, models.DataBiometric, models.DataSpecial, models.DataFinancial:
		return true
	}
	return false
}

var (
	cardNumberPattern = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	secretPattern     = regexp.MustCompile(`(?i)\b(?:password|passwd|api[_ -]?key|secret|token)\s*(?:is|=|:)\s*\S+`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	financialPattern  = regexp.MustCompile(`(?i)\b(?:salary|income|debt|loan|bank account|mortgage)\b`)
	healthPattern     = regexp.MustCompile(`(?i)\b(?:diagnosed|asthma|diabetes|adhd|dyslexia|anxiety|depression|medication|therapy|disorder)\b`)
)

// ValidateContent rejects content that must never be stored
func ValidateContent(content string, maxLength int) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return memerr.Newf(memerr.InvalidMemoryContent, "validate", "content is empty")
	}
	if maxLength > 0 && utf8.RuneCountInString(trimmed) > maxLength {
		return memerr.Newf(memerr.InvalidMemoryContent, "validate", "content exceeds %d characters", maxLength)
	}
	if cardNumberPattern.MatchString(trimmed) || ssnPattern.MatchString(trimmed) {
		return memerr.Newf(memerr.InvalidMemoryContent, "validate", "content contains an identification number")
	}
	if secretPattern.MatchString(trimmed) {
		return memerr.Newf(memerr.InvalidMemoryContent, "validate", "content contains a credential")
	}
	return nil
}

// Classify assigns a privacy level and data category to new content.
// Health and financial statements are sensitive; everything else is private.
func Classify(content string, category models.MemoryCategory) models.Privacy {
	p := models.Privacy{
		Level:           models.PrivacyPrivate,
		DataCategory:    models.DataPersonal,
		Consent:         true, // volunteered by the user in conversation
		RetentionPolicy: models.RetentionStandard,
	}

	switch {
	case category == models.CategoryHealth || healthPattern.MatchString(content):
		p.Level = models.PrivacySensitive
		p.DataCategory = models.DataHealth
		p.RetentionPolicy = models.RetentionLimited
	case financialPattern.MatchString(content):
		p.Level = models.PrivacyConfidential
		p.DataCategory = models.DataFinancial
		p.RetentionPolicy = models.RetentionLimited
	case category == models.CategoryGeneral || category == models.CategoryHobby:
		p.DataCategory = models.DataGeneral
	}
	return p
}

// Retention windows per policy tag; zero means no expiry
var retentionWindows = map[string]time.Duration{
	models.RetentionStandard: 0,
	models.RetentionEvent:    30 * 24 * time.Hour,
	models.RetentionLimited:  180 * 24 * time.Hour,
}

// RetentionExpiry returns the expiry implied by a retention policy, if any
func RetentionExpiry(policy string, createdAt time.Time) *time.Time {
	window := retentionWindows[policy]
	if window <= 0 {
		return nil
	}
	at := createdAt.Add(window)
	return &at
}

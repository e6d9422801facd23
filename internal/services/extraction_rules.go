package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"tutormemory/internal/models"
)

// ExtractionRule turns a matching sentence into a memory candidate.
// Template, Value, Slot and Topic may reference capture groups as ${1} or ${name}.
type ExtractionRule struct {
	Name        string                  `yaml:"name"`
	Pattern     string                  `yaml:"pattern"`
	Template    string                  `yaml:"template"`
	Value       string                  `yaml:"value,omitempty"`
	Kind        models.MemoryKind       `yaml:"kind"`
	Category    models.MemoryCategory   `yaml:"category"`
	Subcategory string                  `yaml:"subcategory,omitempty"`
	Topic       string                  `yaml:"topic,omitempty"`
	Slot        string                  `yaml:"slot,omitempty"`
	Confidence  float64                 `yaml:"confidence"`
	Method      models.ExtractionMethod `yaml:"method,omitempty"`
	Valence     float64                 `yaml:"valence,omitempty"`
}

type ruleFile struct {
	Rules []ExtractionRule `yaml:"rules"`
}

type compiledRule struct {
	ExtractionRule
	re *regexp.Regexp
}

// Candidate confidence bounds. Automatic extraction stays within 0.6-0.8,
// explicit "remember that" statements may go higher.
const (
	minAutomaticConfidence = 0.6
	maxAutomaticConfidence = 0.8
)

func (r ExtractionRule) compile() (*compiledRule, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("rule without a name")
	}
	if !r.Kind.Valid() {
		return nil, fmt.Errorf("rule %s: unknown kind %q", r.Name, r.Kind)
	}
	if !r.Category.Valid() {
		return nil, fmt.Errorf("rule %s: unknown category %q", r.Name, r.Category)
	}
	if r.Template == "" {
		return nil, fmt.Errorf("rule %s: template is required", r.Name)
	}
	if r.Method == "" {
		r.Method = models.MethodAutomatic
	}
	if r.Confidence == 0 {
		r.Confidence = 0.7
	}
	if r.Method == models.MethodAutomatic && (r.Confidence < minAutomaticConfidence || r.Confidence > maxAutomaticConfidence) {
		return nil, fmt.Errorf("rule %s: automatic confidence %.2f outside [%.1f, %.1f]", r.Name, r.Confidence, minAutomaticConfidence, maxAutomaticConfidence)
	}
	if r.Confidence <= 0 || r.Confidence > 1 {
		return nil, fmt.Errorf("rule %s: confidence %.2f outside (0, 1]", r.Name, r.Confidence)
	}
	if r.Valence < -1 || r.Valence > 1 {
		return nil, fmt.Errorf("rule %s: valence %.2f outside [-1, 1]", r.Name, r.Valence)
	}
	if r.Value == "" {
		r.Value = "${1}"
	}

	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Name, err)
	}
	return &compiledRule{ExtractionRule: r, re: re}, nil
}

// ExtractedCandidate is a (content, kind, namespace) tuple produced by a rule
type ExtractedCandidate struct {
	Content    string
	Value      string
	Kind       models.MemoryKind
	Namespace  models.Namespace
	Slot       string
	Confidence float64
	Method     models.ExtractionMethod
	Rule       string
	Valence    float64
	TurnID     string
	At         time.Time
}

// RuleRegistry is the ordered, hot-swappable list of extraction rules
type RuleRegistry struct {
	rules atomic.Pointer[[]*compiledRule]
}

// NewRuleRegistry compiles rules into a registry
func NewRuleRegistry(rules []ExtractionRule) (*RuleRegistry, error) {
	r := &RuleRegistry{}
	if err := r.Replace(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace swaps the rule list. On error the current rules stay in place.
func (r *RuleRegistry) Replace(rules []ExtractionRule) error {
	if len(rules) == 0 {
		return fmt.Errorf("no extraction rules given")
	}
	compiled := make([]*compiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if seen[rule.Name] {
			return fmt.Errorf("duplicate rule name %s", rule.Name)
		}
		seen[rule.Name] = true

		c, err := rule.compile()
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}
	r.rules.Store(&compiled)
	return nil
}

// Rules returns the current rules in order
func (r *RuleRegistry) Rules() []ExtractionRule {
	current := r.rules.Load()
	if current == nil {
		return nil
	}
	out := make([]ExtractionRule, len(*current))
	for i, c := range *current {
		out[i] = c.ExtractionRule
	}
	return out
}

var sentencePattern = regexp.MustCompile(`[^.!?\n]+[.!?]*`)

// Extract applies every rule, in order, to each sentence of the user's turns.
// Candidates with the same normalized content are reported once.
func (r *RuleRegistry) Extract(turns []models.Turn) []ExtractedCandidate {
	current := r.rules.Load()
	if current == nil {
		return nil
	}

	var candidates []ExtractedCandidate
	seen := make(map[string]bool)
	for _, turn := range turns {
		if turn.Role != models.RoleUser {
			continue
		}
		for _, sentence := range sentencePattern.FindAllString(turn.Content, -1) {
			sentence = strings.TrimSpace(sentence)
			if sentence == "" {
				continue
			}
			for _, rule := range *current {
				c, ok := rule.apply(sentence)
				if !ok {
					continue
				}
				hash := contentHash(c.Content)
				if seen[hash] {
					continue
				}
				seen[hash] = true
				c.TurnID = turn.ID
				c.At = turn.Timestamp
				candidates = append(candidates, c)
			}
		}
	}
	return candidates
}

func (r *compiledRule) apply(sentence string) (ExtractedCandidate, bool) {
	match := r.re.FindStringSubmatchIndex(sentence)
	if match == nil {
		return ExtractedCandidate{}, false
	}

	expand := func(tmpl string) string {
		return string(r.re.ExpandString(nil, tmpl, sentence, match))
	}

	value := cleanValue(expand(r.Value))
	if value == "" {
		return ExtractedCandidate{}, false
	}
	content := strings.TrimSpace(strings.ReplaceAll(expand(r.Template), expand(r.Value), value))
	if content == "" {
		return ExtractedCandidate{}, false
	}
	if !strings.HasSuffix(content, ".") {
		content += "."
	}

	topic := ""
	if r.Topic != "" {
		topic = strings.ToLower(cleanValue(expand(r.Topic)))
		if len([]rune(topic)) > 40 {
			topic = string([]rune(topic)[:40])
		}
	}

	return ExtractedCandidate{
		Content: content,
		Value:   value,
		Kind:    r.Kind,
		Namespace: models.Namespace{
			Category:    r.Category,
			Subcategory: r.Subcategory,
			Topic:       topic,
		},
		Slot:       strings.ToLower(expand(r.Slot)),
		Confidence: r.Confidence,
		Method:     r.Method,
		Rule:       r.Name,
		Valence:    estimateValence(sentence, r.Valence),
	}, true
}

var trailingFillers = []string{" a lot", " very much", " so much", " too", " as well", " though", " anyway"}

// cleanValue trims whitespace, trailing punctuation and filler from a captured value
func cleanValue(v string) string {
	v = strings.TrimSpace(v)
	for changed := true; changed; {
		changed = false
		v = strings.TrimRight(v, " .,!?;:")
		lower := strings.ToLower(v)
		for _, filler := range trailingFillers {
			if strings.HasSuffix(lower, filler) {
				v = v[:len(v)-len(filler)]
				changed = true
				break
			}
		}
	}
	return strings.TrimSpace(v)
}

var valenceLexicon = map[string]float64{
	"love": 0.4, "excited": 0.4, "happy": 0.3, "proud": 0.4, "enjoy": 0.2, "great": 0.2,
	"hate": -0.4, "afraid": -0.4, "scared": -0.4, "worried": -0.3, "stressed": -0.4,
	"anxious": -0.4, "frustrated": -0.4, "struggle": -0.2, "struggling": -0.2, "failed": -0.3,
}

// estimateValence adjusts a rule's base valence with emotional cue words.
// Exclamation marks strengthen whatever direction the sentence has.
func estimateValence(sentence string, base float64) float64 {
	v := base
	for _, word := range strings.Fields(normalizeContent(sentence)) {
		v += valenceLexicon[word]
	}
	if strings.Contains(sentence, "!") {
		v *= 1.25
	}
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// LoadExtractionRules reads a YAML rule file
func LoadExtractionRules(path string) ([]ExtractionRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read extraction rules: %w", err)
	}
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse extraction rules: %w", err)
	}
	return file.Rules, nil
}

// WatchExtractionRules reloads the registry whenever the rule file changes.
// Invalid files are logged and ignored. It returns when ctx is done.
func WatchExtractionRules(ctx context.Context, path string, registry *RuleRegistry) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rules watcher: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	// Watch the directory; editors often replace the file instead of writing it
	dir, filename := filepath.Dir(absPath), filepath.Base(absPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	log.Printf("👁️ [EXTRACTION] Watching %s for rule changes", path)

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filename {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
					reloadRules(absPath, registry)
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ [EXTRACTION] Rules watcher error: %v", err)
			}
		}
	}()
	return nil
}

func reloadRules(path string, registry *RuleRegistry) {
	rules, err := LoadExtractionRules(path)
	if err == nil {
		err = registry.Replace(rules)
	}
	if err != nil {
		log.Printf("❌ [EXTRACTION] Keeping previous rules, reload failed: %v", err)
		return
	}
	log.Printf("✅ [EXTRACTION] Reloaded %d extraction rules from %s", len(rules), path)
}

// DefaultExtractionRules are the built-in English rules
func DefaultExtractionRules() []ExtractionRule {
	return []ExtractionRule{
		{
			Name:       "explicit_remember",
			Pattern:    `(?i)^\s*(?:please\s+)?remember(?:\s+that)?\s+(.{3,200})$`,
			Template:   "The user asked to remember that ${1}",
			Kind:       models.KindFact,
			Category:   models.CategoryGeneral,
			Confidence: 0.9,
			Method:     models.MethodExplicit,
		},
		{
			Name:        "self_name",
			Pattern:     `(?i:my name is|call me|i am called)\s+(\p{Lu}[\p{L}'-]*(?:\s\p{Lu}[\p{L}'-]*)?)`,
			Template:    "The user's name is ${1}",
			Kind:        models.KindFact,
			Category:    models.CategoryPersonal,
			Subcategory: "identity",
			Slot:        SlotIdentityName,
			Confidence:  0.8,
		},
		{
			Name:        "occupation",
			Pattern:     `(?i)\bi(?:\s+am|'m)\s+an?\s+((?:[a-z]+\s+)?(?:student|teacher|engineer|developer|nurse|doctor|designer|programmer|scientist|writer|researcher|manager|accountant|lawyer))\b`,
			Template:    "The user's occupation is ${1}",
			Kind:        models.KindFact,
			Category:    models.CategoryWork,
			Subcategory: "occupation",
			Slot:        SlotIdentityOccupation,
			Confidence:  0.75,
		},
		{
			Name:        "works_as",
			Pattern:     `(?i)\bi\s+work\s+as\s+an?\s+([^.!?,;]{2,40})`,
			Template:    "The user's occupation is ${1}",
			Kind:        models.KindFact,
			Category:    models.CategoryWork,
			Subcategory: "occupation",
			Slot:        SlotIdentityOccupation,
			Confidence:  0.75,
		},
		{
			Name:        "location",
			Pattern:     `(?i:i live in|i'm from|i am from|i'm based in)\s+(\p{Lu}[\p{L}'-]*(?:\s\p{Lu}[\p{L}'-]*)*)`,
			Template:    "The user lives in ${1}",
			Kind:        models.KindFact,
			Category:    models.CategoryPersonal,
			Subcategory: "location",
			Slot:        SlotIdentityLocation,
			Confidence:  0.75,
		},
		{
			Name:        "primary_goal",
			Pattern:     `(?i)\bmy\s+(?:main\s+)?goal\s+is\s+to\s+([^.!?;]{2,80})`,
			Template:    "The user's goal is to ${1}",
			Kind:        models.KindGoal,
			Category:    models.CategoryEducation,
			Subcategory: "goals",
			Slot:        "goal.primary",
			Confidence:  0.8,
		},
		{
			Name:        "learning_goal",
			Pattern:     `(?i)\bi(?:\s+want|\s+would\s+like|'d\s+like|\s+hope|'m\s+trying|\s+am\s+trying|\s+need)\s+to\s+((?:learn|pass|understand|improve|master|get\s+better\s+at|prepare\s+for)\s+(?:my\s+|the\s+)?([^.!?,;]{2,60}))`,
			Template:    "The user wants to ${1}",
			Kind:        models.KindGoal,
			Category:    models.CategoryEducation,
			Subcategory: "goals",
			Topic:       "${2}",
			Confidence:  0.75,
			Valence:     0.2,
		},
		{
			Name:        "learning_style",
			Pattern:     `(?i)\b(?:i\s+learn\s+best|it\s+helps\s+me|i\s+understand\s+better)\s+(?:with|when|by|if|through)\s+([^.!?;]{2,80})`,
			Template:    "The user learns best with ${1}",
			Kind:        models.KindPreference,
			Category:    models.CategoryEducation,
			Subcategory: "learning_style",
			Confidence:  0.7,
		},
		{
			Name:        "likes",
			Pattern:     `(?i)\bi\s+(?:really\s+|absolutely\s+|totally\s+|just\s+)?(?:like|love|enjoy|prefer)\s+([^.!?,;]{2,60})`,
			Template:    "The user likes ${1}",
			Kind:        models.KindPreference,
			Category:    models.CategoryHobby,
			Subcategory: "likes",
			Topic:       "${1}",
			Confidence:  0.7,
			Valence:     0.3,
		},
		{
			Name:        "dislikes",
			Pattern:     `(?i)\bi\s+(?:really\s+)?(?:hate|dislike|can't\s+stand|don't\s+like|do\s+not\s+like)\s+([^.!?,;]{2,60})`,
			Template:    "The user dislikes ${1}",
			Kind:        models.KindPreference,
			Category:    models.CategoryGeneral,
			Subcategory: "dislikes",
			Topic:       "${1}",
			Confidence:  0.7,
			Valence:     -0.4,
		},
		{
			Name:        "skill",
			Pattern:     `(?i)\bi(?:\s+know\s+how\s+to|\s+am\s+good\s+at|'m\s+good\s+at|\s+am\s+proficient\s+in|\s+have\s+experience\s+with)\s+([^.!?,;]{2,60})`,
			Template:    "The user is good at ${1}",
			Kind:        models.KindSkill,
			Category:    models.CategoryEducation,
			Subcategory: "skills",
			Topic:       "${1}",
			Confidence:  0.7,
		},
		{
			Name:        "struggle",
			Pattern:     `(?i)\bi(?:\s+struggle|'m\s+struggling|\s+am\s+struggling|\s+have\s+trouble|\s+find\s+it\s+hard)\s+(?:with\s+)?([^.!?,;]{2,60})`,
			Template:    "The user struggles with ${1}",
			Kind:        models.KindExperience,
			Category:    models.CategoryEducation,
			Subcategory: "difficulties",
			Topic:       "${1}",
			Confidence:  0.65,
			Valence:     -0.3,
		},
		{
			Name:        "health_condition",
			Pattern:     `(?i)\bi(?:\s+have|\s+was\s+diagnosed\s+with|'ve\s+got)\s+(adhd|dyslexia|dyscalculia|asthma|diabetes|anxiety)\b`,
			Template:    "The user has ${1}",
			Kind:        models.KindFact,
			Category:    models.CategoryHealth,
			Subcategory: "conditions",
			Confidence:  0.7,
		},
		{
			Name:        "upcoming_event",
			Pattern:     `(?i)\bi\s+have\s+an?\s+((exam|test|quiz|interview|presentation)\s+(?:on|next|this|tomorrow|in)\b[^.!?,;]{0,40})`,
			Template:    "The user has a ${1}",
			Kind:        models.KindEvent,
			Category:    models.CategoryEducation,
			Subcategory: "schedule",
			Topic:       "${2}",
			Confidence:  0.7,
			Valence:     0.1,
		},
		{
			Name:        "relationship",
			Pattern:     `(?i:my\s+(sister|brother|mother|mom|father|dad|teacher|tutor|friend|son|daughter|wife|husband|partner)(?:'s\s+name)?\s+is)\s+(\p{Lu}\p{L}+)`,
			Template:    "The user's ${1} is ${2}",
			Value:       "${2}",
			Kind:        models.KindRelationship,
			Category:    models.CategoryPersonal,
			Subcategory: "relationships",
			Slot:        "relationship.${1}",
			Confidence:  0.7,
		},
	}
}

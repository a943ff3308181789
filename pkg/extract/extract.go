// Package extract derives entities, topics, semantic type, salience, and
// status hints from raw content. The extractor is rule-based with an
// optional LLM fallback for ambiguous content; extraction failure never
// fails a write — the caller stores the best-effort result with a
// needs-review marker.
package extract

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/llm"
	"github.com/tstockham96/engram/pkg/memory"
)

const (
	baselineSalience   = 0.5
	commitmentBoost    = 0.2
	knownPersonBoost   = 0.1
	defaultLLMTimeout  = 5 * time.Second
	maxEntitiesPerNote = 24
)

// commitmentMarkers signal an open obligation.
var commitmentMarkers = []string{
	"promised", "promise to", "committed", "commit to", "commitment",
	"decision", "decided", "will do", "need to", "must ", "todo",
	"deadline", "due by", "by friday", "by monday", "agreed to",
}

// fulfillmentMarkers signal an obligation was discharged.
var fulfillmentMarkers = []string{
	"done", "completed", "finished", "shipped", "resolved", "fulfilled",
	"delivered", "closed out",
}

// declarativePatterns promote content to semantic.
var declarativePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(is|are|was|were)\s+(a|an|the)\b`),
	regexp.MustCompile(`(?i)\b(works? at|work for|leads?|manages?|owns?|reports? to)\b`),
	regexp.MustCompile(`(?i)\b(means|refers to|is defined as|is called|stands for)\b`),
	regexp.MustCompile(`(?i)\b(lives? in|is located|is based)\b`),
	regexp.MustCompile(`(?i)\b(moved to|joined|left|became)\b`),
	regexp.MustCompile(`(?i)\b(uses?|prefers?|likes?|hates?)\b`),
}

// proceduralPatterns promote content to procedural.
var proceduralPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(run|install|open|click|execute|start|type|use)\b`),
	regexp.MustCompile(`(?i)\b(step \d|first,|then,|finally,)\b`),
	regexp.MustCompile(`(?i)\bhow to\b`),
	regexp.MustCompile(`(?i)\bto \w+, (run|use|open|call)\b`),
}

// quotedIdentifier matches backtick- or double-quoted tool/project tokens.
var quotedIdentifier = regexp.MustCompile("[`\"]([A-Za-z][\\w./-]{1,63})[`\"]")

// sentenceLeaders are capitalized only by position and never entities on
// their own.
var sentenceLeaders = map[string]bool{
	"the": true, "a": true, "an": true, "i": true, "we": true, "they": true,
	"he": true, "she": true, "it": true, "this": true, "that": true,
	"my": true, "our": true, "his": true, "her": true, "their": true,
	"in": true, "on": true, "at": true, "if": true, "when": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
	"january": true, "february": true, "march": true, "april": true,
	"may": true, "june": true, "july": true, "august": true,
	"september": true, "october": true, "november": true, "december": true,
}

// Request is one extraction call. Caller-supplied fields are unioned with
// or override the derived values.
type Request struct {
	Content string

	// Entities and Topics supplied by the caller; unioned with derived.
	Entities []string
	Topics   []string

	// Salience overrides the derived value when non-nil.
	Salience *float64

	// Type and Status override derivation when set.
	Type   memory.Type
	Status memory.Status

	// KnownPersons is the set of normalized person entities already in
	// the vault; declarative content about them raises salience.
	KnownPersons map[string]bool
}

// Result is a candidate record derived from raw content.
type Result struct {
	// Entities holds display-cased surface forms; normalization is the
	// store's concern.
	Entities []string
	Topics   []string
	Type     memory.Type
	Status   memory.Status
	Salience float64

	// NeedsReview is set when the LLM fallback errors or returns non-JSON.
	// Rule-only results are never flagged.
	NeedsReview bool
}

// Config holds extractor configuration.
type Config struct {
	// Dictionaries lists known tool/project tokens matched
	// case-insensitively as whole words.
	Dictionaries []string

	// TopicRules maps a topic tag to trigger keywords.
	TopicRules map[string][]string

	// LLM is the optional fallback for ambiguous content.
	LLM llm.Provider

	// LLMTimeout bounds each fallback call. Defaults to 5s.
	LLMTimeout time.Duration
}

// Extractor derives candidate records from raw content.
type Extractor struct {
	config Config
	logger *zap.Logger

	dictionary map[string]string
}

// defaultTopicRules cover the common operational vocabulary.
var defaultTopicRules = map[string][]string{
	"work":     {"meeting", "standup", "sprint", "deadline", "project", "release"},
	"people":   {"hired", "joined", "left", "manager", "teammate"},
	"decision": {"decided", "decision", "agreed", "chose"},
	"planning": {"plan", "roadmap", "milestone", "quarter"},
	"tooling":  {"deploy", "build", "install", "configure", "tool"},
}

// New creates an extractor.
func New(config Config, logger *zap.Logger) *Extractor {
	if config.LLMTimeout <= 0 {
		config.LLMTimeout = defaultLLMTimeout
	}
	if config.TopicRules == nil {
		config.TopicRules = defaultTopicRules
	}

	dict := make(map[string]string, len(config.Dictionaries))
	for _, term := range config.Dictionaries {
		dict[strings.ToLower(term)] = term
	}

	return &Extractor{
		config:     config,
		logger:     logger,
		dictionary: dict,
	}
}

// Extract produces the candidate record for content. It never returns an
// error: on total failure the result carries baseline values and
// NeedsReview.
func (e *Extractor) Extract(ctx context.Context, req Request) Result {
	content := strings.TrimSpace(req.Content)

	res := Result{
		Type:     memory.TypeEpisodic,
		Status:   memory.StatusActive,
		Salience: baselineSalience,
	}

	res.Entities = e.extractEntities(content)
	res.Entities = unionDisplay(res.Entities, req.Entities)

	res.Topics = e.extractTopics(content)
	res.Topics = unionDisplay(res.Topics, req.Topics)

	lower := strings.ToLower(content)
	declarative := matchesAny(content, declarativePatterns)

	switch {
	case req.Type != "":
		res.Type = req.Type
	case matchesAny(content, proceduralPatterns):
		res.Type = memory.TypeProcedural
	case declarative:
		res.Type = memory.TypeSemantic
	}

	committed := containsAny(lower, commitmentMarkers)
	fulfilled := containsAny(lower, fulfillmentMarkers)
	switch {
	case req.Status != "":
		res.Status = req.Status
	case fulfilled && committed:
		res.Status = memory.StatusFulfilled
	case committed:
		res.Status = memory.StatusPending
	}

	if committed {
		res.Salience += commitmentBoost
	}
	if declarative && mentionsKnownPerson(res.Entities, req.KnownPersons) {
		res.Salience += knownPersonBoost
	}
	if req.Salience != nil {
		res.Salience = *req.Salience
	}
	res.Salience = memory.Clamp01(res.Salience)

	// Ambiguous content with no signal at all gets one LLM attempt.
	if len(res.Entities) == 0 && len(res.Topics) == 0 && e.config.LLM != nil {
		e.llmFallback(ctx, content, &res)
	}

	return res
}

// extractEntities finds proper nouns via capitalization runs, quoted
// identifiers, and dictionary terms. Display case is preserved.
func (e *Extractor) extractEntities(content string) []string {
	var found []string

	words := strings.Fields(content)
	var run []string
	flush := func() {
		if len(run) > 0 {
			found = append(found, strings.Join(run, " "))
			run = nil
		}
	}
	for i, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed == "" {
			flush()
			continue
		}
		first, _ := firstRune(trimmed)
		capitalized := unicode.IsUpper(first)
		leader := i == 0 || endsSentence(words[i-1])
		if capitalized && !(leader && sentenceLeaders[strings.ToLower(trimmed)]) {
			run = append(run, trimmed)
		} else {
			flush()
		}
		if strings.ContainsAny(w, ".!?") {
			flush()
		}
	}
	flush()

	for _, match := range quotedIdentifier.FindAllStringSubmatch(content, -1) {
		found = append(found, match[1])
	}

	lower := strings.ToLower(content)
	for folded, display := range e.dictionary {
		if containsWord(lower, folded) {
			found = append(found, display)
		}
	}

	// Drop single-letter noise and dedup by normalized form.
	seen := make(map[string]bool, len(found))
	out := make([]string, 0, len(found))
	for _, f := range found {
		if len([]rune(f)) < 2 {
			continue
		}
		key := memory.NormalizeEntity(f)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
		if len(out) >= maxEntitiesPerNote {
			break
		}
	}
	return out
}

// extractTopics applies the keyword rules.
func (e *Extractor) extractTopics(content string) []string {
	lower := strings.ToLower(content)
	var topics []string
	for topic, keywords := range e.config.TopicRules {
		if containsAny(lower, keywords) {
			topics = append(topics, topic)
		}
	}
	return topics
}

// llmResult is the shape requested from the fallback model.
type llmResult struct {
	Entities []string `json:"entities"`
	Topics   []string `json:"topics"`
}

// llmFallback asks the LLM for entities and topics, bounded by the
// configured timeout, and degrades silently to the rule-based result.
func (e *Extractor) llmFallback(ctx context.Context, content string, res *Result) {
	prompt := "Extract named entities (people, places, orgs, projects, tools) and short topic tags from this note. " +
		`Respond as JSON: {"entities": [...], "topics": [...]}` + "\n\nNote: " + content

	out, err := e.config.LLM.Complete(ctx, prompt, llm.CompleteOptions{
		MaxTokens: 256,
		JSONMode:  true,
		TimeoutMs: int(e.config.LLMTimeout.Milliseconds()),
	})
	if err != nil {
		e.logger.Debug("extraction fallback failed", zap.Error(err))
		res.NeedsReview = true
		return
	}

	var parsed llmResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &parsed); err != nil {
		e.logger.Debug("extraction fallback returned non-JSON", zap.Error(err))
		res.NeedsReview = true
		return
	}

	res.Entities = unionDisplay(res.Entities, parsed.Entities)
	res.Topics = unionDisplay(res.Topics, parsed.Topics)
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func containsAny(lower string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// containsWord reports whether lower contains needle bounded by non-word
// characters.
func containsWord(lower, needle string) bool {
	idx := 0
	for {
		i := strings.Index(lower[idx:], needle)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(needle)
		beforeOK := start == 0 || !isWordByte(lower[start-1])
		afterOK := end == len(lower) || !isWordByte(lower[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func mentionsKnownPerson(entities []string, known map[string]bool) bool {
	if len(known) == 0 {
		return false
	}
	for _, e := range entities {
		if known[memory.NormalizeEntity(e)] {
			return true
		}
	}
	return false
}

func endsSentence(word string) bool {
	return strings.ContainsAny(word, ".!?:")
}

func firstRune(s string) (rune, int) {
	for _, r := range s {
		return r, 1
	}
	return 0, 0
}

// unionDisplay merges extra into base, deduplicating by normalized form
// while preserving the first-seen display case.
func unionDisplay(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, lists := range [][]string{base, extra} {
		for _, v := range lists {
			v = strings.TrimSpace(v)
			key := memory.NormalizeEntity(v)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

package consolidate

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tstockham96/engram/pkg/llm"
	"github.com/tstockham96/engram/pkg/memory"
)

// factSlots identify single-valued fact templates: two active memories
// filling the same slot for the same entity with different content are a
// contradiction, resolved by superseding the older with the newer.
var factSlots = []struct {
	name string
	re   *regexp.Regexp
}{
	{"employment", regexp.MustCompile(`(?i)\b(works? at|work for|moved to|joined|employed (?:by|at)|now at)\b`)},
	{"deadline", regexp.MustCompile(`(?i)\b(deadline is|due (?:on|by)|due date is|ship(?:s)? on)\b`)},
	{"location", regexp.MustCompile(`(?i)\b(lives? in|located in|based in|relocated to)\b`)},
	{"tooling", regexp.MustCompile(`(?i)\buses?\s+(?:framework\s+)?\b`)},
	{"role", regexp.MustCompile(`(?i)\b(is the|became|is now)\s+\w+\s*(lead|manager|owner|director)?\b`)},
}

const (
	contradictionBatch  = 200
	llmVerdictTimeoutMs = 4000
	maxLLMVerdicts      = 8
)

// resolveContradictions scans active memories for opposing fact pairs,
// records the contradicts edge, and resolves each pair by superseding the
// older fact within the same run.
func (c *Consolidator) resolveContradictions(ctx context.Context, deadline time.Time, res *Result) error {
	active, err := c.store.ByStatus(ctx, memory.StatusActive, contradictionBatch)
	if err != nil {
		return err
	}

	llmBudget := maxLLMVerdicts
	for i := 0; i < len(active); i++ {
		for j := i + 1; j < len(active); j++ {
			if overBudget(deadline) {
				res.TimedOut = true
				return nil
			}

			a, b := active[i], active[j]
			if a.Status != memory.StatusActive || b.Status != memory.StatusActive {
				continue
			}
			// Summaries restate their constituents; only atomic facts
			// can contradict.
			if a.Type == memory.TypeConsolidated || b.Type == memory.TypeConsolidated {
				continue
			}

			opposed := opposes(a, b)
			if !opposed && c.config.LLM != nil && llmBudget > 0 && ambiguousPair(a, b) {
				llmBudget--
				opposed = c.llmOpposes(ctx, a, b)
			}
			if !opposed {
				continue
			}

			res.Contradictions++
			if err := c.supersedePair(ctx, a, b); err != nil {
				return err
			}
			res.Superseded++
		}
	}

	return nil
}

// opposes is the rule-based opposition detector: same slot, same primary
// entity, different content.
func opposes(a, b *memory.Memory) bool {
	aEnt := memory.NormalizeEntitySet(a.Entities)
	bEnt := memory.NormalizeEntitySet(b.Entities)
	if len(aEnt) == 0 || len(bEnt) == 0 || aEnt[0] != bEnt[0] {
		return false
	}
	if normalizeContent(a.Content) == normalizeContent(b.Content) {
		return false
	}

	for _, slot := range factSlots {
		if slot.re.MatchString(a.Content) && slot.re.MatchString(b.Content) {
			return true
		}
	}

	return numericOpposition(a.Content, b.Content)
}

// numericOpposition catches "X is 5" vs "X is 7": identical skeletons with
// the numbers stripped, but different numbers.
var digits = regexp.MustCompile(`\d+(?:\.\d+)?`)

func numericOpposition(a, b string) bool {
	numsA := digits.FindAllString(a, -1)
	numsB := digits.FindAllString(b, -1)
	if len(numsA) == 0 || len(numsB) == 0 {
		return false
	}
	skelA := normalizeContent(digits.ReplaceAllString(a, "#"))
	skelB := normalizeContent(digits.ReplaceAllString(b, "#"))
	return skelA == skelB && strings.Join(numsA, ",") != strings.Join(numsB, ",")
}

func normalizeContent(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// ambiguousPair gates LLM verdicts to pairs that at least share their
// primary entity.
func ambiguousPair(a, b *memory.Memory) bool {
	aEnt := memory.NormalizeEntitySet(a.Entities)
	bEnt := memory.NormalizeEntitySet(b.Entities)
	return len(aEnt) > 0 && len(bEnt) > 0 && aEnt[0] == bEnt[0]
}

// llmOpposes asks the model for a negation verdict; any failure counts as
// no contradiction.
func (c *Consolidator) llmOpposes(ctx context.Context, a, b *memory.Memory) bool {
	prompt := "Do these two statements contradict each other (one negates or replaces the other)? Answer only yes or no.\n\n" +
		"A: " + a.Content + "\nB: " + b.Content

	out, err := c.config.LLM.Complete(ctx, prompt, llm.CompleteOptions{
		MaxTokens: 8,
		TimeoutMs: llmVerdictTimeoutMs,
	})
	if err != nil {
		c.logger.Debug("contradiction verdict failed", zap.Error(err))
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(strings.ToLower(out)), "yes")
}

// supersedePair records the contradicts pair and supersedes the older
// fact with the newer at the newer's valid_from.
func (c *Consolidator) supersedePair(ctx context.Context, a, b *memory.Memory) error {
	newer, older := a, b
	if older.ValidFrom.After(newer.ValidFrom) {
		newer, older = older, newer
	}

	now := time.Now().UTC()
	if err := c.store.Connect(ctx, memory.Edge{
		Src:       newer.ID,
		Dst:       older.ID,
		Kind:      memory.EdgeContradicts,
		Weight:    1.0,
		CreatedAt: now,
	}); err != nil {
		return err
	}

	if err := c.store.Supersede(ctx, older.ID, newer.ID, newer.ValidFrom); err != nil {
		return err
	}
	older.Status = memory.StatusSuperseded

	c.logger.Debug("contradiction resolved",
		zap.String("superseded", older.ID),
		zap.String("by", newer.ID),
	)

	return nil
}

// refineEntities merges aliases whose squashed surface forms collide
// ("BambooHR" / "Bamboo HR") into the better-established name.
func (c *Consolidator) refineEntities(ctx context.Context, deadline time.Time, res *Result) error {
	entities, err := c.store.Entities(ctx, 500)
	if err != nil {
		return err
	}

	bySquash := make(map[string]memory.Entity)
	for _, e := range entities {
		if overBudget(deadline) {
			res.TimedOut = true
			return nil
		}

		key := squash(e.Name)
		if key == "" {
			continue
		}
		canonical, ok := bySquash[key]
		if !ok {
			bySquash[key] = e
			continue
		}

		// Entities arrive most-referenced first, so the stored one is
		// canonical.
		if err := c.store.MergeEntities(ctx, e.Name, canonical.Name); err != nil {
			return err
		}
		res.EntitiesMerged++
		c.logger.Debug("entity alias merged",
			zap.String("alias", e.Name),
			zap.String("into", canonical.Name),
		)
	}

	return nil
}

// squash drops everything but letters and digits.
func squash(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

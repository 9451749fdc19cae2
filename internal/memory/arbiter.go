package memory

import (
	"context"
	"log"
	"strings"
	"time"
)

// Arbiter decides whether new content creates a memory, updates an existing
// one, or is skipped. It only consults the judge for ambiguous same-topic
// cases and fails open to create when the judge is unavailable: losing a
// memory is worse than storing a near-duplicate.
type Arbiter struct {
	judge          Judge
	dupThreshold   float64
	topicThreshold float64
	judgeTimeout   time.Duration
}

// NewArbiter wires an arbiter with the given judge and thresholds.
// dupThreshold marks near-certain duplicates, topicThreshold marks the
// same-topic band below it. judgeTimeout bounds every judge call.
func NewArbiter(judge Judge, dupThreshold, topicThreshold float64, judgeTimeout time.Duration) *Arbiter {
	if judgeTimeout <= 0 {
		judgeTimeout = 10 * time.Second
	}
	return &Arbiter{
		judge:          judge,
		dupThreshold:   dupThreshold,
		topicThreshold: topicThreshold,
		judgeTimeout:   judgeTimeout,
	}
}

// Decide arbitrates content against candidates ordered by descending
// similarity. It returns a Decision whose MemoryID is left empty; the
// caller fills it in after the store mutation.
func (a *Arbiter) Decide(ctx context.Context, content string, candidates []Candidate) Decision {
	if len(candidates) == 0 {
		return Decision{Kind: DecisionCreated}
	}

	top := candidates[0]
	if top.Similarity < a.topicThreshold {
		return Decision{Kind: DecisionCreated}
	}

	if top.Similarity >= a.dupThreshold &&
		strings.TrimSpace(content) == strings.TrimSpace(top.Memory.Content) {
		return Decision{
			Kind:        DecisionSkipped,
			MemoryID:    top.Memory.ID,
			CandidateID: top.Memory.ID,
			Similarity:  top.Similarity,
		}
	}

	judgeCtx, cancel := context.WithTimeout(ctx, a.judgeTimeout)
	defer cancel()
	verdict, err := a.judge.Review(judgeCtx, content, top.Memory.Content)
	if err != nil {
		log.Printf("judge unavailable, creating memory: %v", err)
		return Decision{
			Kind:        DecisionCreated,
			CandidateID: top.Memory.ID,
			Similarity:  top.Similarity,
		}
	}

	decision := Decision{
		CandidateID: top.Memory.ID,
		Similarity:  top.Similarity,
		Verdict:     verdict,
	}
	switch verdict {
	case VerdictEquivalent:
		decision.Kind = DecisionSkipped
		decision.MemoryID = top.Memory.ID
	case VerdictEvolved:
		decision.Kind = DecisionUpdated
	default:
		decision.Kind = DecisionCreated
	}
	return decision
}

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubJudge returns a fixed verdict or error.
type stubJudge struct {
	verdict Verdict
	err     error
	calls   int
}

func (s *stubJudge) Review(ctx context.Context, newContent, oldContent string) (Verdict, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.verdict, nil
}

func candidateFor(content string, similarity float64) Candidate {
	return Candidate{
		Memory:     &Memory{ID: "mem_candidate", Content: content, Status: StatusAlive},
		Similarity: similarity,
	}
}

func TestDecide_NoCandidates(t *testing.T) {
	judge := &stubJudge{}
	arbiter := NewArbiter(judge, 0.92, 0.85, time.Second)

	decision := arbiter.Decide(context.Background(), "new knowledge", nil)

	assert.Equal(t, DecisionCreated, decision.Kind)
	assert.Zero(t, judge.calls, "judge must not run without candidates")
}

func TestDecide_BelowTopicThreshold(t *testing.T) {
	judge := &stubJudge{}
	arbiter := NewArbiter(judge, 0.92, 0.85, time.Second)

	decision := arbiter.Decide(context.Background(), "new knowledge",
		[]Candidate{candidateFor("loosely related", 0.5)})

	assert.Equal(t, DecisionCreated, decision.Kind)
	assert.Empty(t, decision.CandidateID)
	assert.Zero(t, judge.calls)
}

func TestDecide_ExactDuplicateAboveDupThreshold(t *testing.T) {
	judge := &stubJudge{}
	arbiter := NewArbiter(judge, 0.92, 0.85, time.Second)

	decision := arbiter.Decide(context.Background(), "  same text  ",
		[]Candidate{candidateFor("same text", 0.99)})

	assert.Equal(t, DecisionSkipped, decision.Kind)
	assert.Equal(t, "mem_candidate", decision.MemoryID)
	assert.Zero(t, judge.calls, "exact duplicates skip the judge")
}

func TestDecide_JudgeVerdicts(t *testing.T) {
	tests := []struct {
		verdict Verdict
		want    DecisionKind
	}{
		{VerdictEquivalent, DecisionSkipped},
		{VerdictEvolved, DecisionUpdated},
		{VerdictUnrelated, DecisionCreated},
	}
	for _, tt := range tests {
		t.Run(string(tt.verdict), func(t *testing.T) {
			judge := &stubJudge{verdict: tt.verdict}
			arbiter := NewArbiter(judge, 0.92, 0.85, time.Second)

			decision := arbiter.Decide(context.Background(), "port is now 7002",
				[]Candidate{candidateFor("port is 7001", 0.88)})

			require.Equal(t, 1, judge.calls)
			assert.Equal(t, tt.want, decision.Kind)
			assert.Equal(t, "mem_candidate", decision.CandidateID)
			assert.Equal(t, tt.verdict, decision.Verdict)
		})
	}
}

func TestDecide_HighSimilarityDifferentTextGoesToJudge(t *testing.T) {
	judge := &stubJudge{verdict: VerdictEvolved}
	arbiter := NewArbiter(judge, 0.92, 0.85, time.Second)

	decision := arbiter.Decide(context.Background(), "port is now 7002",
		[]Candidate{candidateFor("port is 7001", 0.95)})

	assert.Equal(t, 1, judge.calls)
	assert.Equal(t, DecisionUpdated, decision.Kind)
}

func TestDecide_FailsOpenOnJudgeError(t *testing.T) {
	judge := &stubJudge{err: errors.New("judge offline")}
	arbiter := NewArbiter(judge, 0.92, 0.85, time.Second)

	decision := arbiter.Decide(context.Background(), "port is now 7002",
		[]Candidate{candidateFor("port is 7001", 0.88)})

	assert.Equal(t, DecisionCreated, decision.Kind, "judge failure must not lose the memory")
	assert.Equal(t, "mem_candidate", decision.CandidateID)
	assert.Empty(t, decision.Verdict)
}

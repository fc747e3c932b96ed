package scoring

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Aegis-Evaluator/internal/errors"
	"Aegis-Evaluator/internal/llm"
)

func TestLengthScorerThresholds(t *testing.T) {
	scorer, err := NewLengthScorer(LengthPolicy{MinLength: 10, LowConfidence: 40, HighConfidence: 90})
	require.NoError(t, err)

	cases := []struct {
		output string
		want   int
	}{
		{"short", 40},
		{"123456789", 40},
		{"1234567890", 90},
		{strings.Repeat("x", 50), 90},
		{"评估评估评估评估评估", 90},
		{"评估评估评估评估评", 40},
	}
	for _, tc := range cases {
		got, err := scorer.Score(context.Background(), Input{Output: tc.output})
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "output %q", tc.output)
	}
	assert.Equal(t, "length", scorer.Name())
}

func TestLengthScorerRejectsBadPolicy(t *testing.T) {
	_, err := NewLengthScorer(LengthPolicy{MinLength: 10, LowConfidence: -1, HighConfidence: 90})
	assert.Error(t, err)
	_, err = NewLengthScorer(LengthPolicy{MinLength: 10, LowConfidence: 40, HighConfidence: 101})
	assert.Error(t, err)
	_, err = NewLengthScorer(LengthPolicy{MinLength: -5})
	assert.Error(t, err)
}

type stubJudge struct {
	resp *llm.Response
	err  error
	last llm.Request
}

func (s *stubJudge) Judge(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	return s.resp, s.err
}

func TestJudgeScorer(t *testing.T) {
	judge := &stubJudge{resp: &llm.Response{Confidence: 77}}
	scorer := NewJudgeScorer("openai", judge)

	got, err := scorer.Score(context.Background(), Input{QuestID: 3, AgentID: 4, Output: "answer"})
	require.NoError(t, err)
	assert.Equal(t, 77, got)
	assert.Equal(t, uint64(3), judge.last.QuestID)
	assert.Equal(t, "answer", judge.last.Output)
}

func TestJudgeScorerOutOfRange(t *testing.T) {
	scorer := NewJudgeScorer("python_bridge", &stubJudge{resp: &llm.Response{Confidence: 140}})
	_, err := scorer.Score(context.Background(), Input{Output: "x"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeScoringFailure, xerrors.CodeOf(err))
	assert.False(t, xerrors.RetryableError(err))
}

func TestJudgeScorerFailures(t *testing.T) {
	scorer := NewJudgeScorer("openai", &stubJudge{err: errors.New("upstream down")})
	_, err := scorer.Score(context.Background(), Input{Output: "x"})
	assert.Equal(t, xerrors.CodeScoringFailure, xerrors.CodeOf(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = scorer.Score(ctx, Input{Output: "x"})
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))

	_, err = NewJudgeScorer("nil", &stubJudge{}).Score(context.Background(), Input{Output: "x"})
	assert.Equal(t, xerrors.CodeScoringFailure, xerrors.CodeOf(err))
}

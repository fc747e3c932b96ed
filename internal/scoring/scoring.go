// Package scoring turns an agent's output into a bounded confidence score.
package scoring

import (
	"context"
	"fmt"
	"unicode/utf8"

	xerrors "Aegis-Evaluator/internal/errors"
	"Aegis-Evaluator/internal/llm"
	"Aegis-Evaluator/pkg/proofs"
)

// Input 是评分函数的输入。
type Input struct {
	QuestID uint64
	AgentID uint64
	Output  string
}

// Scorer 为一次提交给出 [0,100] 的置信度。
type Scorer interface {
	Name() string
	Score(ctx context.Context, in Input) (int, error)
}

// LengthPolicy 描述基于长度的评分阈值。
type LengthPolicy struct {
	MinLength      int
	LowConfidence  int
	HighConfidence int
}

// LengthScorer 以输出字符数作为质量代理：短于 MinLength 得低分，否则得高分。
type LengthScorer struct {
	policy LengthPolicy
}

// NewLengthScorer 校验阈值并返回评分器。
func NewLengthScorer(policy LengthPolicy) (*LengthScorer, error) {
	if policy.MinLength < 0 {
		return nil, fmt.Errorf("min_output_length 不能为负数: %d", policy.MinLength)
	}
	for _, v := range []int{policy.LowConfidence, policy.HighConfidence} {
		if v < proofs.MinConfidence || v > proofs.MaxConfidence {
			return nil, fmt.Errorf("置信度常量 %d 超出 [0,100]", v)
		}
	}
	return &LengthScorer{policy: policy}, nil
}

func (s *LengthScorer) Name() string { return "length" }

// Score 按 rune 计数，多字节字符按一个字符计算。
func (s *LengthScorer) Score(_ context.Context, in Input) (int, error) {
	if utf8.RuneCountInString(in.Output) < s.policy.MinLength {
		return s.policy.LowConfidence, nil
	}
	return s.policy.HighConfidence, nil
}

// JudgeScorer 将评分委托给模型评审。
type JudgeScorer struct {
	name   string
	client llm.Client
}

// NewJudgeScorer 使用给定名称包装 llm.Client。
func NewJudgeScorer(name string, client llm.Client) *JudgeScorer {
	return &JudgeScorer{name: name, client: client}
}

func (s *JudgeScorer) Name() string { return s.name }

// Score 调用模型并确认返回值位于 [0,100]。
func (s *JudgeScorer) Score(ctx context.Context, in Input) (int, error) {
	resp, err := s.client.Judge(ctx, llm.Request{QuestID: in.QuestID, AgentID: in.AgentID, Output: in.Output})
	if err != nil {
		if ctx.Err() != nil {
			return 0, xerrors.Wrap(xerrors.CodeTimeout, err, "评分超时")
		}
		return 0, xerrors.Wrap(xerrors.CodeScoringFailure, err, "评分模型调用失败",
			xerrors.WithMetadata("scorer", s.name))
	}
	if resp == nil {
		return 0, xerrors.New(xerrors.CodeScoringFailure, "评分模型返回空结果")
	}
	if resp.Confidence < proofs.MinConfidence || resp.Confidence > proofs.MaxConfidence {
		return 0, xerrors.New(xerrors.CodeScoringFailure,
			fmt.Sprintf("评分 %d 超出 [0,100]", resp.Confidence),
			xerrors.WithMetadata("scorer", s.name),
			xerrors.WithRetryable(false))
	}
	return resp.Confidence, nil
}

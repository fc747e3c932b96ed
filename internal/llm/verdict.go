package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrNoVerdict 表示模型输出中没有可用的评分结果。
var ErrNoVerdict = errors.New("模型输出中未找到评分结果")

type verdict struct {
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
}

// ParseVerdict 解析 {"confidence": number, "rationale": string}。
// 允许外层包裹 Markdown 代码块，confidence 四舍五入为整数。
func ParseVerdict(raw string) (*Response, error) {
	body := stripCodeFence(strings.TrimSpace(raw))
	if body == "" {
		return nil, ErrNoVerdict
	}
	var v verdict
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoVerdict, err)
	}
	if v.Confidence == nil {
		return nil, fmt.Errorf("%w: 缺少 confidence 字段", ErrNoVerdict)
	}
	c := *v.Confidence
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return nil, fmt.Errorf("confidence 无效: %v", c)
	}
	return &Response{Confidence: int(math.Round(c)), Rationale: strings.TrimSpace(v.Rationale)}, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

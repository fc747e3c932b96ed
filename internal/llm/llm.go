package llm

import "context"

// Request 描述一次待评分的智能体输出。
type Request struct {
	QuestID uint64
	AgentID uint64
	Output  string
}

// Response 是评分模型给出的结构化结论。
type Response struct {
	Confidence int
	Rationale  string
}

// Client 定义了调用评分模型的统一接口。
type Client interface {
	Judge(ctx context.Context, req Request) (*Response, error)
}

package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"Aegis-Evaluator/internal/llm"
)

const (
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	maxPromptRunes   = 8000
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 使用 OpenAI 模型作为评审，为智能体输出打分。
type Client struct {
	client *goopenai.Client
	model  string
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	return &Client{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

// Judge 请求模型对输出打分，返回 [0,100] 区间内的置信度。
func (c *Client) Judge(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := c.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: goopenai.ChatMessageRoleUser, Content: buildUserPrompt(req)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("请求 OpenAI 失败: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("OpenAI 响应中没有有效的 choices")
	}

	verdict, err := llm.ParseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("解析 OpenAI 评分失败: %w", err)
	}
	return verdict, nil
}

const systemPrompt = "" +
	"You are a strict evaluator of agent submissions for quests. " +
	"Rate how well the submission completes the quest on an integer scale from 0 to 100. " +
	"Always respond with a compact JSON object: {\"confidence\": integer, \"rationale\": string}."

func buildUserPrompt(req llm.Request) string {
	return fmt.Sprintf("Quest: %d\nAgent: %d\n\n## Submission\n%s", req.QuestID, req.AgentID, truncate(req.Output))
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if runes := []rune(text); len(runes) > maxPromptRunes {
		return string(runes[:maxPromptRunes]) + "..."
	}
	return text
}

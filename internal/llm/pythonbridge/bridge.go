package pythonbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"Aegis-Evaluator/internal/llm"
)

// stderrLimit 限制错误信息中保留的 stderr 字节数。
const stderrLimit = 512

// judgeInput 是写入脚本 stdin 的请求体。
type judgeInput struct {
	QuestID     uint64 `json:"quest_id"`
	AgentID     uint64 `json:"agent_id"`
	AgentOutput string `json:"agent_output"`
	Timestamp   int64  `json:"timestamp"`
}

// Client 以子进程方式运行评分脚本。脚本从 stdin 读取一个 JSON 请求，
// 可以在 stdout 打印任意日志，最后一行 JSON 须为 {"confidence": number, "rationale": string}。
type Client struct {
	interpreter string
	script      string
	dir         string
	now         func() time.Time
}

// NewClient 创建评分脚本客户端，interpreter 为空时使用 python3。
func NewClient(interpreter, script, dir string) (*Client, error) {
	if strings.TrimSpace(script) == "" {
		return nil, errors.New("未指定 Python 脚本路径")
	}
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Client{interpreter: interpreter, script: script, dir: dir, now: time.Now}, nil
}

// Judge 执行一次脚本调用。ctx 取消时子进程随之终止。
func (c *Client) Judge(ctx context.Context, req llm.Request) (*llm.Response, error) {
	input, err := json.Marshal(judgeInput{
		QuestID:     req.QuestID,
		AgentID:     req.AgentID,
		AgentOutput: req.Output,
		Timestamp:   c.now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.interpreter, c.script)
	cmd.Dir = c.dir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("Python 脚本执行超时: %w", ctxErr)
		}
		return nil, fmt.Errorf("执行 Python 脚本失败: %w, stderr=%s", err, truncate(stderr.String(), stderrLimit))
	}

	return lastVerdict(stdout.Bytes())
}

// lastVerdict 自后向前寻找第一行可解析的评分结果，之前的行视为脚本日志。
func lastVerdict(stdout []byte) (*llm.Response, error) {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); strings.HasPrefix(line, "{") {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取 Python 输出失败: %w", err)
	}
	lastErr := llm.ErrNoVerdict
	for i := len(lines) - 1; i >= 0; i-- {
		resp, err := llm.ParseVerdict(lines[i])
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("解析 Python 输出失败: %w", lastErr)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ResolveScriptPath 将相对脚本路径解析到 baseDir 之下。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ProcessConfig 描述外部锚定程序。
type ProcessConfig struct {
	// Executable 为解释器或可执行文件，Script 非空时默认 node。
	Executable string
	Script     string
	WorkingDir string
}

// ProcessSink 通过外部进程提交锚定，参数顺序见 Summary.Args。
type ProcessSink struct {
	executable string
	script     string
	workingDir string
}

// NewProcessSink 校验配置并创建进程锚定器。
func NewProcessSink(cfg ProcessConfig) (*ProcessSink, error) {
	executable := strings.TrimSpace(cfg.Executable)
	script := strings.TrimSpace(cfg.Script)
	if executable == "" && script == "" {
		return nil, errors.New("未配置锚定程序")
	}
	if executable == "" {
		executable = "node"
	}
	return &ProcessSink{executable: executable, script: script, workingDir: cfg.WorkingDir}, nil
}

func (p *ProcessSink) Name() string { return "process" }

// processOutput 是锚定程序输出的 JSON 结构。
type processOutput struct {
	Success *bool  `json:"success"`
	TxID    string `json:"txid"`
	Error   any    `json:"error"`
	Reason  string `json:"reason"`
}

// Anchor 执行外部程序。非零退出码或 success=false 的输出视为失败，其余输出仅作信息记录。
func (p *ProcessSink) Anchor(ctx context.Context, s Summary) (*Result, error) {
	args := s.Args()
	if p.script != "" {
		args = append([]string{p.script}, args...)
	}
	command := exec.CommandContext(ctx, p.executable, args...)
	if p.workingDir != "" {
		command.Dir = p.workingDir
	}
	command.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, sinkFailure(p.Name(), ctxErr, "锚定程序超时")
		}
		return nil, sinkFailure(p.Name(), err,
			fmt.Sprintf("锚定程序执行失败: stderr=%s", truncateOutput(stderr.String())))
	}

	out, ok := lastJSONLine(stdout.String())
	if !ok {
		out, ok = lastJSONLine(stderr.String())
	}
	if !ok {
		return &Result{Detail: truncateOutput(stdout.String())}, nil
	}
	if out.Success != nil && !*out.Success {
		reason := strings.TrimSpace(strings.Join(nonEmpty(errorText(out.Error), out.Reason), ": "))
		if reason == "" {
			reason = "锚定程序报告失败"
		}
		return nil, sinkFailure(p.Name(), errors.New(reason), "锚定被拒绝")
	}
	return &Result{TxID: out.TxID, Detail: out.Reason}, nil
}

func lastJSONLine(text string) (processOutput, bool) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var out processOutput
		if err := json.Unmarshal([]byte(line), &out); err == nil {
			return out, true
		}
	}
	return processOutput{}, false
}

func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	default:
		raw, _ := json.Marshal(e)
		return string(raw)
	}
}

func nonEmpty(values ...string) []string {
	out := values[:0]
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

func truncateOutput(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 512 {
		return text[:512] + "..."
	}
	return text
}

package anchor

import (
	"context"
	"net/http"
	"strconv"

	xerrors "Aegis-Evaluator/internal/errors"
)

// Summary 为单次评估需要锚定的内容。
type Summary struct {
	EvaluationID string `json:"evaluation_id"`
	QuestID      uint64 `json:"quest_id"`
	AgentID      uint64 `json:"agent_id"`
	Confidence   int    `json:"confidence"`
	Success      bool   `json:"success"`
	MerkleRoot   string `json:"merkle_root"`
	FeaturesHash string `json:"features_hash"`
	LeafIndex    uint64 `json:"leaf_index"`
}

// Args 返回传给外部锚定程序的有序参数：quest id、agent id、置信度、
// 是否通过、Merkle 根与特征摘要。
func (s Summary) Args() []string {
	return []string{
		strconv.FormatUint(s.QuestID, 10),
		strconv.FormatUint(s.AgentID, 10),
		strconv.Itoa(s.Confidence),
		strconv.FormatBool(s.Success),
		s.MerkleRoot,
		s.FeaturesHash,
	}
}

// Result 为锚定成功后的附加信息。
type Result struct {
	TxID   string `json:"txid,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Sink 将摘要记录到外部系统。
type Sink interface {
	Name() string
	Anchor(ctx context.Context, s Summary) (*Result, error)
}

// 评估记录上保存的锚定状态。
const (
	StatusPending  = "pending"
	StatusAnchored = "anchored"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// StatusRecorder 持久化评估的锚定结果。
type StatusRecorder interface {
	RecordAnchor(ctx context.Context, evaluationID, status, txID, detail string) error
}

// CodeAnchorSinkFailure 表示锚定调用失败或超时。
const CodeAnchorSinkFailure xerrors.Code = "ANCHOR_SINK_FAILURE"

// ErrAnchorSinkFailure 标记任何失败或超时的锚定尝试。
var ErrAnchorSinkFailure = xerrors.New(CodeAnchorSinkFailure, "锚定失败")

func init() {
	xerrors.Register(CodeAnchorSinkFailure, xerrors.Attributes{
		Message:    "anchor sink failure",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusBadGateway,
	})
}

func sinkFailure(sink string, cause error, message string) error {
	return xerrors.Wrap(CodeAnchorSinkFailure, cause, message,
		xerrors.WithMetadata("sink", sink),
		xerrors.WithRetryable(false))
}

// NoopSink 接受所有摘要，不访问任何外部系统。
type NoopSink struct{}

func (NoopSink) Name() string { return "none" }

func (NoopSink) Anchor(context.Context, Summary) (*Result, error) {
	return &Result{Detail: "未启用锚定"}, nil
}

package storage

import (
	"context"
	"errors"

	xerrors "Aegis-Evaluator/internal/errors"
)

// EvaluationRecord 是一次已提交评估的落库结构。
type EvaluationRecord struct {
	ID            string `json:"id"`
	LeafIndex     uint64 `json:"leaf_index"`
	QuestID       uint64 `json:"quest_id"`
	AgentID       uint64 `json:"agent_id"`
	Confidence    int    `json:"confidence"`
	Success       bool   `json:"success"`
	FeaturesHash  string `json:"features_hash"`
	LeafHash      string `json:"leaf_hash"`
	MerkleRoot    string `json:"merkle_root"`
	TreeSize      uint64 `json:"tree_size"`
	HashAlgorithm string `json:"hash_algorithm"`
	AnchorStatus  string `json:"anchor_status"`
	AnchorTxID    string `json:"anchor_txid,omitempty"`
	AnchorDetail  string `json:"anchor_detail,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Repository 抽象评估记录的持久化接口。
type Repository interface {
	// Append 写入一条新记录，ID 重复时返回 CONFLICT。
	Append(ctx context.Context, record EvaluationRecord) error
	Get(ctx context.Context, id string) (*EvaluationRecord, error)
	// ListLeaves 按 leaf_index 升序返回全部记录，用于重建 Merkle 树。
	ListLeaves(ctx context.Context) ([]EvaluationRecord, error)
	// ListLatest 按写入顺序倒序返回最近的记录。
	ListLatest(ctx context.Context, limit int) ([]EvaluationRecord, error)
	RecordAnchor(ctx context.Context, id, status, txID, detail string) error
	Close() error
}

var (
	// ErrNotFound 表示评估记录不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "evaluation not found")
	// ErrDuplicate 表示评估 ID 已存在。
	ErrDuplicate = xerrors.New(xerrors.CodeConflict, "evaluation already exists")
	// ErrUnsupportedDriver 表示配置了未知的存储驱动。
	ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")
)

func storageFailure(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

const defaultListLimit = 20

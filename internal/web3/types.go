package web3

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot 汇总链的基础信息，用于健康检查。
type ChainSnapshot struct {
	ChainID     string
	BlockNumber string
	Notes       string
}

// EvaluationSubmission 为单次已提交评估的链上表示。
type EvaluationSubmission struct {
	QuestID      uint64
	AgentID      uint64
	Confidence   uint64
	Success      bool
	MerkleRoot   [32]byte
	FeaturesHash [32]byte
}

// SubmitOptions 控制提交交易的发送方式。
type SubmitOptions struct {
	Auth      *bind.TransactOpts
	Contract  common.Address
	WaitMined bool
}

// Client 定义所有链实现需要提供的通用接口，锚定层借此统一访问不同网络。
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	SubmitEvaluation(ctx context.Context, opts SubmitOptions, sub EvaluationSubmission) (common.Hash, error)
	Close()
}

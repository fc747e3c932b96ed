package anchor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Evaluator/internal/web3"
	"Aegis-Evaluator/pkg/proofs"
)

// EVMSink 将摘要提交到 EVM 链上的锚定合约。
type EVMSink struct {
	client web3.Client
	opts   web3.SubmitOptions
}

// NewEVMSink 将链客户端与单个合约的提交参数绑定。
func NewEVMSink(client web3.Client, opts web3.SubmitOptions) (*EVMSink, error) {
	if client == nil {
		return nil, errors.New("evm 锚定器缺少链客户端")
	}
	if opts.Auth == nil {
		return nil, errors.New("evm 锚定器缺少交易签名者")
	}
	if opts.Contract == (common.Address{}) {
		return nil, errors.New("evm 锚定器缺少合约地址")
	}
	return &EVMSink{client: client, opts: opts}, nil
}

func (e *EVMSink) Name() string { return "evm" }

func (e *EVMSink) Anchor(ctx context.Context, s Summary) (*Result, error) {
	root, err := proofs.ParseDigest(s.MerkleRoot)
	if err != nil {
		return nil, sinkFailure(e.Name(), err, "Merkle 根格式非法")
	}
	features, err := proofs.ParseDigest(s.FeaturesHash)
	if err != nil {
		return nil, sinkFailure(e.Name(), err, "特征摘要格式非法")
	}
	if s.Confidence < 0 {
		return nil, sinkFailure(e.Name(), fmt.Errorf("confidence %d", s.Confidence), "置信度不能为负数")
	}

	hash, err := e.client.SubmitEvaluation(ctx, e.opts, web3.EvaluationSubmission{
		QuestID:      s.QuestID,
		AgentID:      s.AgentID,
		Confidence:   uint64(s.Confidence),
		Success:      s.Success,
		MerkleRoot:   root,
		FeaturesHash: features,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, sinkFailure(e.Name(), ctx.Err(), "锚定交易超时")
		}
		return nil, sinkFailure(e.Name(), err, "锚定交易失败")
	}
	return &Result{TxID: hash.Hex()}, nil
}

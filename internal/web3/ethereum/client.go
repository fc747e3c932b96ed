package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"Aegis-Evaluator/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// AnchorABI is the minimal interface of the evaluation anchor contract.
const AnchorABI = `[{
	"type": "function",
	"name": "submitEvaluation",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "questId", "type": "uint256"},
		{"name": "agentId", "type": "uint256"},
		{"name": "confidence", "type": "uint256"},
		{"name": "success", "type": "bool"},
		{"name": "merkleRoot", "type": "bytes32"},
		{"name": "featuresHash", "type": "bytes32"}
	],
	"outputs": []
}]`

const submitMethod = "submitEvaluation"

var anchorABI = mustParseABI(AnchorABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid anchor ABI: %v", err))
	}
	return parsed
}

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	return &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
	}, nil
}

// Name returns the chain name the client was registered under.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.eth == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// SubmitEvaluation sends a submitEvaluation transaction to the anchor contract
// and returns its hash. With WaitMined set it blocks until the receipt is
// available and fails when the transaction reverted.
func (c *Client) SubmitEvaluation(ctx context.Context, opts web3.SubmitOptions, sub web3.EvaluationSubmission) (common.Hash, error) {
	if opts.Auth == nil {
		return common.Hash{}, errors.New("未提供交易签名器")
	}
	if opts.Contract == (common.Address{}) {
		return common.Hash{}, errors.New("未配置锚定合约地址")
	}
	c.mu.Lock()
	backend := c.eth
	c.mu.Unlock()
	if backend == nil {
		return common.Hash{}, errors.New("当前客户端不支持合约调用")
	}

	auth := *opts.Auth
	auth.Context = ctx

	contract := bind.NewBoundContract(opts.Contract, anchorABI, backend, backend, backend)
	tx, err := contract.Transact(&auth, submitMethod, submissionArgs(sub)...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("发送锚定交易失败: %w", err)
	}
	if !opts.WaitMined {
		return tx.Hash(), nil
	}

	receipt, err := bind.WaitMined(ctx, backend, tx)
	if err != nil {
		return tx.Hash(), fmt.Errorf("等待交易上链失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("锚定交易执行失败: %s", tx.Hash().Hex())
	}
	return tx.Hash(), nil
}

// PackSubmission returns the calldata of a submitEvaluation call.
func PackSubmission(sub web3.EvaluationSubmission) ([]byte, error) {
	return anchorABI.Pack(submitMethod, submissionArgs(sub)...)
}

func submissionArgs(sub web3.EvaluationSubmission) []any {
	return []any{
		new(big.Int).SetUint64(sub.QuestID),
		new(big.Int).SetUint64(sub.AgentID),
		new(big.Int).SetUint64(sub.Confidence),
		sub.Success,
		sub.MerkleRoot,
		sub.FeaturesHash,
	}
}

// NewTransactor builds a signer from a hex encoded secp256k1 private key.
func NewTransactor(hexKey string, chainID *big.Int, gasLimit uint64) (*bind.TransactOpts, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("未提供签名私钥")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("链 ID 必须为正数")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("创建交易签名器失败: %w", err)
	}
	auth.GasLimit = gasLimit
	return auth, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

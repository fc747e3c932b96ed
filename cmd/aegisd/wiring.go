package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"Aegis-Evaluator/internal/anchor"
	"Aegis-Evaluator/internal/config"
	"Aegis-Evaluator/internal/llm"
	"Aegis-Evaluator/internal/llm/openai"
	"Aegis-Evaluator/internal/llm/pythonbridge"
	"Aegis-Evaluator/internal/observability/alerting"
	"Aegis-Evaluator/internal/scoring"
	"Aegis-Evaluator/internal/storage"
	"Aegis-Evaluator/internal/storage/mysql"
	"Aegis-Evaluator/internal/storage/sqlite"
	"Aegis-Evaluator/internal/web3"
	"Aegis-Evaluator/internal/web3/ethereum"
	"Aegis-Evaluator/internal/web3/provider"
)

// openRepository 按驱动打开评估账本。
func openRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return storage.NewMemoryRepository(), nil
	case "file":
		return storage.NewFileRepository(cfg.Path)
	case "sqlite":
		return sqlite.Open(ctx, cfg.Path)
	case "mysql":
		return mysql.Open(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		})
	default:
		return nil, fmt.Errorf("%w: %s", storage.ErrUnsupportedDriver, cfg.Driver)
	}
}

// buildScorer 根据 provider 创建打分器。
func buildScorer(cfg *config.Config) (scoring.Scorer, error) {
	switch strings.ToLower(cfg.Scoring.Provider) {
	case "", "length":
		return scoring.NewLengthScorer(scoring.LengthPolicy{
			MinLength:      cfg.Evaluation.MinOutputLength,
			LowConfidence:  cfg.Evaluation.LowConfidence,
			HighConfidence: cfg.Evaluation.HighConfidence,
		})
	case "python_bridge", "openai":
		client, err := createLLMClient(cfg)
		if err != nil {
			return nil, err
		}
		return scoring.NewJudgeScorer(strings.ToLower(cfg.Scoring.Provider), client), nil
	default:
		return nil, fmt.Errorf("未知的打分 provider: %s", cfg.Scoring.Provider)
	}
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch strings.ToLower(cfg.Scoring.Provider) {
	case "python_bridge":
		py := cfg.Scoring.Python
		scriptPath := pythonbridge.ResolveScriptPath(py.WorkingDir, py.ScriptPath)
		return pythonbridge.NewClient(py.PythonExecutable, scriptPath, py.WorkingDir)
	case "openai":
		oa := cfg.Scoring.OpenAI
		apiKey := ""
		if oa.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(oa.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OpenAI provider 需要在环境变量 %s 中提供 API key", oa.APIKeyEnv)
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: oa.BaseURL,
			Model:   oa.Model,
			Timeout: oa.Timeout,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Scoring.Provider)
	}
}

// buildSink 创建锚定 sink。sink 为 none 时返回 nil，评估结果不会被投递。
func buildSink(ctx context.Context, cfg *config.Config) (anchor.Sink, func(), error) {
	noop := func() {}
	switch strings.ToLower(cfg.Anchor.Sink) {
	case "", "none":
		return nil, noop, nil
	case "process":
		sink, err := anchor.NewProcessSink(anchor.ProcessConfig{
			Executable: cfg.Anchor.Process.Executable,
			Script:     cfg.Anchor.Process.Script,
			WorkingDir: cfg.Anchor.Process.WorkingDir,
		})
		if err != nil {
			return nil, noop, err
		}
		return sink, noop, nil
	case "evm":
		registry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, noop, err
		}
		sink, err := newEVMSink(registry, cfg.Anchor.EVM)
		if err != nil {
			registry.Close()
			return nil, noop, err
		}
		return sink, registry.Close, nil
	default:
		return nil, noop, fmt.Errorf("未知的锚定 sink: %s", cfg.Anchor.Sink)
	}
}

func newEVMSink(registry *provider.Registry, cfg config.EVMConfig) (*anchor.EVMSink, error) {
	ep, err := registry.Resolve(cfg.Chain)
	if err != nil {
		return nil, err
	}
	chainID := cfg.ChainID
	if chainID == 0 {
		chainID = ep.Definition.ChainID
	}
	contract := strings.TrimSpace(cfg.ContractAddress)
	if contract == "" {
		contract = ep.Definition.AnchorContract
	}
	if !common.IsHexAddress(contract) {
		return nil, fmt.Errorf("链 %s 未配置有效的锚定合约地址: %q", ep.Name, contract)
	}
	key := strings.TrimSpace(os.Getenv(cfg.PrivateKeyEnv))
	if key == "" {
		return nil, fmt.Errorf("环境变量 %s 中未提供签名私钥", cfg.PrivateKeyEnv)
	}
	auth, err := ethereum.NewTransactor(key, big.NewInt(chainID), cfg.GasLimit)
	if err != nil {
		return nil, err
	}
	return anchor.NewEVMSink(ep.Client, web3.SubmitOptions{
		Auth:      auth,
		Contract:  common.HexToAddress(contract),
		WaitMined: cfg.WaitMined,
	})
}

// buildQueue 创建锚定摘要队列。
func buildQueue(ctx context.Context, cfg config.QueueConfig) (anchor.Queue, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return anchor.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return anchor.NewRedisQueue(ctx, anchor.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: cfg.Redis.BlockWait,
		})
	case "rabbitmq":
		return anchor.NewRabbitMQQueue(anchor.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, errors.New("未知的队列驱动: " + cfg.Driver)
	}
}

// buildAlerter 根据配置的 webhook 创建告警广播器，未配置任何渠道时返回 nil。
func buildAlerter(cfg config.AlertsConfig) *alerting.FanoutDispatcher {
	client := &http.Client{Timeout: cfg.Timeout}
	var notifiers []alerting.Notifier
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{WebhookURL: cfg.SlackWebhook, Client: client})
	}
	if cfg.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{WebhookURL: cfg.DingTalkWebhook, Client: client})
	}
	return alerting.NewFanout(notifiers...)
}

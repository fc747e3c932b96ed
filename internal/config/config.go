package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"Aegis-Evaluator/pkg/proofs"
)

// EnvPrefix 为环境变量覆盖的前缀，层级以双下划线分隔，
// 例如 AEGIS_EVALUATION__PASS_THRESHOLD=60。
const EnvPrefix = "AEGIS_"

// Config 描述了 Aegis 评估服务在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Evaluation EvaluationConfig `koanf:"evaluation"`
	Tree       TreeConfig       `koanf:"tree"`
	Scoring    ScoringConfig    `koanf:"scoring"`
	Storage    StorageConfig    `koanf:"storage"`
	Anchor     AnchorConfig     `koanf:"anchor"`
	Web3       Web3Config       `koanf:"web3"`
	Runtime    RuntimeConfig    `koanf:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址、限流与请求体大小。
type ServerConfig struct {
	Address           string          `koanf:"address"`
	ReadHeaderTimeout time.Duration   `koanf:"read_header_timeout"`
	MaxBodyBytes      int64           `koanf:"max_body_bytes"`
	RateLimit         RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig 为令牌桶参数，RPS 为 0 表示不限流。
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// MetricsConfig 为独立的 Prometheus 端口，留空时只在 API 端口暴露 /metrics。
type MetricsConfig struct {
	Address string `koanf:"address"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level       string      `koanf:"level"`
	Format      string      `koanf:"format"`
	OutputPaths []string    `koanf:"output_paths"`
	Audit       AuditConfig `koanf:"audit"`
}

// AuditConfig 控制审计日志文件及其轮转。
type AuditConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Path       string `koanf:"path"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// TelemetryConfig 控制链路追踪导出。
type TelemetryConfig struct {
	TraceExporter string `koanf:"trace_exporter"`
	ServiceName   string `koanf:"service_name"`
}

// EvaluationConfig 为打分阈值，全部在构造评估器时注入。
type EvaluationConfig struct {
	MinOutputLength int `koanf:"min_output_length"`
	LowConfidence   int `koanf:"low_confidence"`
	HighConfidence  int `koanf:"high_confidence"`
	PassThreshold   int `koanf:"pass_threshold"`
	MaxOutputBytes  int `koanf:"max_output_bytes"`
}

// TreeConfig 决定摘要算法、奇数节点策略、特征编码与建树模式，树的生命周期内不可更改。
type TreeConfig struct {
	HashAlgorithm string `koanf:"hash_algorithm"`
	OddPolicy     string `koanf:"odd_policy"`
	Encoding      string `koanf:"encoding"`
	Mode          string `koanf:"mode"`
}

// 建树模式。
const (
	TreeModeAccumulate = "accumulate"
	TreeModePerRequest = "per_request"
)

// ScoringConfig 选择打分器。
type ScoringConfig struct {
	Provider string             `koanf:"provider"`
	Timeout  time.Duration      `koanf:"timeout"`
	Python   PythonBridgeConfig `koanf:"python_bridge"`
	OpenAI   OpenAIConfig       `koanf:"openai"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成打分时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `koanf:"python_executable"`
	ScriptPath       string `koanf:"script_path"`
	WorkingDir       string `koanf:"working_dir"`
}

// OpenAIConfig 描述 OpenAI 兼容接口，密钥从 APIKeyEnv 指定的环境变量读取。
type OpenAIConfig struct {
	APIKeyEnv string        `koanf:"api_key_env"`
	BaseURL   string        `koanf:"base_url"`
	Model     string        `koanf:"model"`
	Timeout   time.Duration `koanf:"timeout"`
}

// StorageConfig 描述评估账本的存储后端。
type StorageConfig struct {
	Driver          string        `koanf:"driver"`
	DSN             string        `koanf:"dsn"`
	Path            string        `koanf:"path"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
}

// AnchorConfig 描述锚定 sink 与投递队列。
type AnchorConfig struct {
	Sink           string        `koanf:"sink"`
	Timeout        time.Duration `koanf:"timeout"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	Workers        int           `koanf:"workers"`
	Queue          QueueConfig   `koanf:"queue"`
	Process        ProcessConfig `koanf:"process"`
	EVM            EVMConfig     `koanf:"evm"`
	Alerts         AlertsConfig  `koanf:"alerts"`
}

// AlertsConfig 为锚定失败告警的 webhook，全部留空时不发送告警。
type AlertsConfig struct {
	SlackWebhook    string        `koanf:"slack_webhook"`
	DingTalkWebhook string        `koanf:"dingtalk_webhook"`
	Timeout         time.Duration `koanf:"timeout"`
}

// QueueConfig 选择锚定队列实现。
type QueueConfig struct {
	Driver   string         `koanf:"driver"`
	Size     int            `koanf:"size"`
	Redis    RedisConfig    `koanf:"redis"`
	RabbitMQ RabbitMQConfig `koanf:"rabbitmq"`
}

// RedisConfig 为 Redis 队列参数。
type RedisConfig struct {
	Address   string        `koanf:"address"`
	Password  string        `koanf:"password"`
	DB        int           `koanf:"db"`
	Queue     string        `koanf:"queue"`
	BlockWait time.Duration `koanf:"block_wait"`
}

// RabbitMQConfig 为 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `koanf:"url"`
	Queue      string `koanf:"queue"`
	Prefetch   int    `koanf:"prefetch"`
	Durable    bool   `koanf:"durable"`
	AutoDelete bool   `koanf:"auto_delete"`
}

// ProcessConfig 描述外部锚定脚本。
type ProcessConfig struct {
	Executable string `koanf:"executable"`
	Script     string `koanf:"script"`
	WorkingDir string `koanf:"working_dir"`
}

// EVMConfig 描述直接调用合约的锚定方式，私钥从 PrivateKeyEnv 指定的环境变量读取。
type EVMConfig struct {
	Chain           string `koanf:"chain"`
	ContractAddress string `koanf:"contract_address"`
	PrivateKeyEnv   string `koanf:"private_key_env"`
	ChainID         int64  `koanf:"chain_id"`
	GasLimit        uint64 `koanf:"gas_limit"`
	WaitMined       bool   `koanf:"wait_mined"`
}

// Web3Config 包含访问区块链节点所需的链定义文件与 RPC 地址。
type Web3Config struct {
	ChainConfig  string `koanf:"chain_config"`
	DefaultChain string `koanf:"default_chain"`
	RPCURL       string `koanf:"rpc_url"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `koanf:"data_dir"`
}

// setDefaults 写入内置默认值，配置文件与环境变量在其之上覆盖。
func setDefaults(k *koanf.Koanf) {
	k.Set("server.address", ":8080")
	k.Set("server.read_header_timeout", "5s")
	k.Set("server.max_body_bytes", 1 << 20)
	k.Set("server.rate_limit.rps", 0)
	k.Set("server.rate_limit.burst", 20)
	k.Set("log.level", "info")
	k.Set("log.format", "json")
	k.Set("log.output_paths", []string{"stdout"})
	k.Set("log.audit.max_size_mb", 100)
	k.Set("log.audit.max_backups", 7)
	k.Set("log.audit.max_age_days", 30)
	k.Set("telemetry.trace_exporter", "none")
	k.Set("telemetry.service_name", "aegis-evaluator")
	k.Set("evaluation.min_output_length", 10)
	k.Set("evaluation.low_confidence", 40)
	k.Set("evaluation.high_confidence", 90)
	k.Set("evaluation.pass_threshold", 50)
	k.Set("evaluation.max_output_bytes", 64 << 10)
	k.Set("tree.hash_algorithm", string(proofs.AlgorithmSHA256))
	k.Set("tree.odd_policy", string(proofs.OddPromote))
	k.Set("tree.encoding", string(proofs.EncodingDelimited))
	k.Set("tree.mode", TreeModeAccumulate)
	k.Set("scoring.provider", "length")
	k.Set("scoring.timeout", "30s")
	k.Set("scoring.python_bridge.python_executable", "python3")
	k.Set("scoring.openai.api_key_env", "OPENAI_API_KEY")
	k.Set("scoring.openai.model", "gpt-4o-mini")
	k.Set("storage.driver", "memory")
	k.Set("anchor.sink", "none")
	k.Set("anchor.timeout", "30s")
	k.Set("anchor.publish_timeout", "2s")
	k.Set("anchor.workers", 2)
	k.Set("anchor.queue.driver", "memory")
	k.Set("anchor.queue.size", 128)
	k.Set("anchor.queue.redis.queue", "aegis:anchors")
	k.Set("anchor.queue.redis.block_wait", "5s")
	k.Set("anchor.queue.rabbitmq.queue", "aegis.anchors")
	k.Set("anchor.queue.rabbitmq.prefetch", 4)
	k.Set("anchor.queue.rabbitmq.durable", true)
	k.Set("anchor.evm.private_key_env", "AEGIS_EVM_PRIVATE_KEY")
	k.Set("anchor.evm.gas_limit", 300000)
	k.Set("anchor.alerts.timeout", "10s")
}

// Load 依次叠加内置默认值、YAML 配置文件与 AEGIS_ 前缀的环境变量。
// path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	setDefaults(k)

	baseDir := "."
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("读取环境变量失败: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey 将 AEGIS_ANCHOR__QUEUE__DRIVER 转换为 anchor.queue.driver。
func envKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "__", ".")
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，并将相对路径解析到配置文件所在目录。
func (c *Config) applyDefaults(baseDir string) {
	c.Runtime.DataDir = resolvePath(baseDir, c.Runtime.DataDir, "data")

	if c.Scoring.Python.WorkingDir == "" {
		c.Scoring.Python.WorkingDir = baseDir
	} else {
		c.Scoring.Python.WorkingDir = resolvePath(baseDir, c.Scoring.Python.WorkingDir, "")
	}
	if c.Anchor.Process.WorkingDir == "" {
		c.Anchor.Process.WorkingDir = baseDir
	} else {
		c.Anchor.Process.WorkingDir = resolvePath(baseDir, c.Anchor.Process.WorkingDir, "")
	}
	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig, "")
	}

	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	} else if c.Log.Audit.Path != "" {
		c.Log.Audit.Path = resolvePath(baseDir, c.Log.Audit.Path, "")
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			c.Storage.Path = filepath.Join(c.Runtime.DataDir, "aegis.db")
		} else if c.Storage.Path != ":memory:" {
			c.Storage.Path = resolvePath(baseDir, c.Storage.Path, "")
		}
	case "file":
		if c.Storage.Path == "" {
			c.Storage.Path = c.Runtime.DataDir
		} else {
			c.Storage.Path = resolvePath(baseDir, c.Storage.Path, "")
		}
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查阈值范围与各类标识符。
func (c *Config) Validate() error {
	ev := c.Evaluation
	for name, v := range map[string]int{
		"evaluation.low_confidence":  ev.LowConfidence,
		"evaluation.high_confidence": ev.HighConfidence,
		"evaluation.pass_threshold":  ev.PassThreshold,
	} {
		if v < proofs.MinConfidence || v > proofs.MaxConfidence {
			return fmt.Errorf("%s 必须位于 [%d,%d]，当前为 %d", name, proofs.MinConfidence, proofs.MaxConfidence, v)
		}
	}
	if ev.MinOutputLength < 0 {
		return errors.New("evaluation.min_output_length 不能为负数")
	}
	if ev.MaxOutputBytes <= 0 {
		return errors.New("evaluation.max_output_bytes 必须大于 0")
	}

	if _, err := proofs.NewHasher(c.Tree.HashAlgorithm); err != nil {
		return fmt.Errorf("tree.hash_algorithm: %w", err)
	}
	if _, err := proofs.ParseOddPolicy(c.Tree.OddPolicy); err != nil {
		return fmt.Errorf("tree.odd_policy: %w", err)
	}
	if _, err := proofs.ParseEncoding(c.Tree.Encoding); err != nil {
		return fmt.Errorf("tree.encoding: %w", err)
	}
	if err := oneOf("tree.mode", c.Tree.Mode, TreeModeAccumulate, TreeModePerRequest); err != nil {
		return err
	}

	if err := oneOf("scoring.provider", c.Scoring.Provider, "length", "python_bridge", "openai"); err != nil {
		return err
	}
	if strings.EqualFold(c.Scoring.Provider, "python_bridge") && strings.TrimSpace(c.Scoring.Python.ScriptPath) == "" {
		return errors.New("scoring.python_bridge.script_path 不能为空")
	}

	if err := oneOf("storage.driver", c.Storage.Driver, "memory", "file", "sqlite", "mysql"); err != nil {
		return err
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("storage.dsn 不能为空")
	}

	if err := oneOf("anchor.sink", c.Anchor.Sink, "none", "process", "evm"); err != nil {
		return err
	}
	if err := oneOf("anchor.queue.driver", c.Anchor.Queue.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	switch strings.ToLower(c.Anchor.Sink) {
	case "process":
		if strings.TrimSpace(c.Anchor.Process.Executable) == "" && strings.TrimSpace(c.Anchor.Process.Script) == "" {
			return errors.New("anchor.process 需要 executable 或 script")
		}
	case "evm":
		if c.Web3.ChainConfig == "" && c.Web3.RPCURL == "" {
			return errors.New("anchor.sink=evm 需要 web3.chain_config 或 web3.rpc_url")
		}
	}
	if c.Anchor.Timeout <= 0 || c.Anchor.PublishTimeout <= 0 {
		return errors.New("anchor.timeout 与 anchor.publish_timeout 必须大于 0")
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s 不支持 %q，可选值: %s", field, value, strings.Join(allowed, ", "))
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"Treasury-Autopilot/internal/auth"
	"Treasury-Autopilot/internal/policy"
	"Treasury-Autopilot/pkg/logger"
)

// Config 描述了金库守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Policy       policy.Policy      `yaml:"policy"`
	Oracle       OracleConfig       `yaml:"oracle"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Web3         Web3Config         `yaml:"web3"`
	Queue        QueueConfig        `yaml:"queue"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	Auth         auth.Config        `yaml:"auth"`
	Logging      logger.Config      `yaml:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string `yaml:"address"`
	MetricsAddress  string `yaml:"metrics_address"`
	ShutdownSeconds int    `yaml:"shutdown_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	Mode                string `yaml:"mode"`
	Cadence             string `yaml:"cadence"`
	DataDir             string `yaml:"data_dir"`
	CycleTimeoutSeconds int    `yaml:"cycle_timeout_seconds"`
	SignerKey           string `yaml:"-"`
}

// CycleTimeout 返回单个周期的超时时间。
func (r RuntimeConfig) CycleTimeout() time.Duration {
	return time.Duration(r.CycleTimeoutSeconds) * time.Second
}

// OracleConfig 用于配置推理服务的调用方式。
type OracleConfig struct {
	Provider          string             `yaml:"provider"`
	BaseURL           string             `yaml:"base_url"`
	Model             string             `yaml:"model"`
	APIKey            string             `yaml:"-"`
	TimeoutSeconds    int                `yaml:"timeout_seconds"`
	RequestsPerSecond float64            `yaml:"requests_per_second"`
	Burst             int                `yaml:"burst"`
	Script            ScriptBridgeConfig `yaml:"script"`
}

// Timeout 返回单次推理调用的超时时间。
func (o OracleConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ScriptBridgeConfig 描述通过外部脚本完成推理时所需的信息。
type ScriptBridgeConfig struct {
	Executable string `yaml:"executable"`
	ScriptPath string `yaml:"script_path"`
	WorkingDir string `yaml:"working_dir"`
}

// OrchestratorConfig 控制决策编排。
type OrchestratorConfig struct {
	Planner             string `yaml:"planner"`
	TierATarget         string `yaml:"tier_a_target"`
	TierBTarget         string `yaml:"tier_b_target"`
	AnalysisPeriodDays  int    `yaml:"analysis_period_days"`
	ForecastHorizonDays int    `yaml:"forecast_horizon_days"`
}

// LedgerConfig 选择账本数据源。driver 为 static 时读取 YAML 快照，其余值走 SQL。
type LedgerConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Fixture string `yaml:"fixture"`
	Migrate bool   `yaml:"migrate"`
}

// Web3Config 包含访问区块链节点以及金库合约所需的参数。
type Web3Config struct {
	ChainConfig    string            `yaml:"chain_config"`
	DefaultChain   string            `yaml:"default_chain"`
	RPCURL         string            `yaml:"rpc_url"`
	TokenDecimals  int32             `yaml:"token_decimals"`
	GasLimit       uint64            `yaml:"gas_limit"`
	Targets        map[string]string `yaml:"targets"`
	WithdrawSource string            `yaml:"withdraw_source"`
}

// Enabled 判断是否配置了任何链。
func (w Web3Config) Enabled() bool {
	return strings.TrimSpace(w.ChainConfig) != "" || strings.TrimSpace(w.RPCURL) != ""
}

// QueueConfig 选择周期队列实现。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 是 Redis 连接参数，队列和告警历史共用。
type RedisConfig struct {
	Address          string `yaml:"address"`
	Password         string `yaml:"-"`
	DB               int    `yaml:"db"`
	Key              string `yaml:"key"`
	BlockWaitSeconds int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AlertingConfig 控制告警历史与通知渠道。
type AlertingConfig struct {
	History      string      `yaml:"history"`
	HistoryLimit int         `yaml:"history_limit"`
	Redis        RedisConfig `yaml:"redis"`
	WebhookURL   string      `yaml:"webhook_url"`
}

// KnowledgeConfig 指定知识库笔记文件。
type KnowledgeConfig struct {
	Source     string `yaml:"source"`
	MaxResults int    `yaml:"max_results"`
}

// envOverrides 收集来自环境变量的覆盖值。
type envOverrides struct {
	OracleAPIKey  string `env:"TREASURY_ORACLE_API_KEY"`
	SignerKey     string `env:"TREASURY_SIGNER_KEY"`
	LedgerDSN     string `env:"TREASURY_LEDGER_DSN"`
	Mode          string `env:"TREASURY_MODE"`
	RedisPassword string `env:"TREASURY_REDIS_PASSWORD"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg := Config{Policy: policy.DefaultPolicy()}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	if o.OracleAPIKey != "" {
		c.Oracle.APIKey = o.OracleAPIKey
	}
	if o.SignerKey != "" {
		c.Runtime.SignerKey = o.SignerKey
	}
	if o.LedgerDSN != "" {
		c.Ledger.DSN = o.LedgerDSN
	}
	if o.Mode != "" {
		c.Runtime.Mode = strings.ToLower(strings.TrimSpace(o.Mode))
	}
	if o.RedisPassword != "" {
		c.Queue.Redis.Password = o.RedisPassword
		c.Alerting.Redis.Password = o.RedisPassword
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownSeconds <= 0 {
		c.Server.ShutdownSeconds = 10
	}

	if c.Runtime.Mode == "" {
		c.Runtime.Mode = "normal"
	}
	if c.Runtime.Cadence == "" {
		c.Runtime.Cadence = "0 */6 * * *"
	}
	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
	if c.Runtime.CycleTimeoutSeconds <= 0 {
		c.Runtime.CycleTimeoutSeconds = 300
	}

	if c.Oracle.Provider == "" {
		c.Oracle.Provider = "openai"
	}
	if c.Oracle.TimeoutSeconds <= 0 {
		c.Oracle.TimeoutSeconds = 60
	}
	if c.Oracle.Script.Executable == "" {
		c.Oracle.Script.Executable = "python3"
	}
	if c.Oracle.Script.ScriptPath != "" {
		c.Oracle.Script.ScriptPath = resolve(baseDir, c.Oracle.Script.ScriptPath, "")
	}
	c.Oracle.Script.WorkingDir = resolve(baseDir, c.Oracle.Script.WorkingDir, ".")

	if c.Orchestrator.Planner == "" {
		c.Orchestrator.Planner = "static"
	}
	if c.Orchestrator.TierATarget == "" {
		c.Orchestrator.TierATarget = "SafeVault"
	}
	if c.Orchestrator.TierBTarget == "" {
		c.Orchestrator.TierBTarget = "Aave"
	}
	if c.Orchestrator.AnalysisPeriodDays <= 0 {
		c.Orchestrator.AnalysisPeriodDays = 90
	}
	if c.Orchestrator.ForecastHorizonDays <= 0 {
		c.Orchestrator.ForecastHorizonDays = 30
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "static"
	}
	if c.Ledger.Fixture != "" {
		c.Ledger.Fixture = resolve(baseDir, c.Ledger.Fixture, "")
	}
	if c.Ledger.Driver == "sqlite" && c.Ledger.DSN == "" {
		c.Ledger.DSN = filepath.Join(c.Runtime.DataDir, "ledger.db")
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig, "")
	}
	if c.Web3.TokenDecimals <= 0 {
		c.Web3.TokenDecimals = 6
	}
	if c.Web3.GasLimit == 0 {
		c.Web3.GasLimit = 300000
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 64
	}

	if c.Alerting.History == "" {
		c.Alerting.History = "memory"
	}
	if c.Alerting.HistoryLimit <= 0 {
		c.Alerting.HistoryLimit = 50
	}

	if c.Knowledge.Source != "" {
		c.Knowledge.Source = resolve(baseDir, c.Knowledge.Source, "")
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = auth.ModeDisabled
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	} else if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path, "")
	}
}

// resolve 将相对路径解析到配置文件所在目录，value 为空时使用 fallback。
func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

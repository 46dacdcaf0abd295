package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 zkpayd 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Queue        QueueConfig        `json:"queue"`
	Proof        ProofConfig        `json:"proof"`
	Verification VerificationConfig `json:"verification"`
	Web3         Web3Config         `json:"web3"`
	Settlement   SettlementConfig   `json:"settlement"`
	Guidance     GuidanceConfig     `json:"guidance"`
	Alerting     AlertingConfig     `json:"alerting"`
	Auth         AuthConfig         `json:"auth"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 WebSocket 与 HTTP 服务的监听参数。
type ServerConfig struct {
	Address             string   `json:"address"`
	WSPath              string   `json:"ws_path"`
	MetricsPath         string   `json:"metrics_path"`
	MaxMessageBytes     int64    `json:"max_message_bytes"`
	WriteTimeoutSeconds int      `json:"write_timeout_seconds"`
	OutboundBuffer      int      `json:"outbound_buffer"`
	AllowedOrigins      []string `json:"allowed_origins"`
	MessagesPerSecond   float64  `json:"messages_per_second"`
	MessageBurst        int      `json:"message_burst"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志，滚动参数同时作用于文件输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// StorageConfig 统一描述证明表与审计记录的存储后端。
type StorageConfig struct {
	ProofStore ProofStoreConfig `json:"proof_store"`
	Audit      AuditStoreConfig `json:"audit"`
}

// ProofStoreConfig 选择证明请求/结果表的实现，memory 或 mysql。
type ProofStoreConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// AuditStoreConfig 选择终态审计记录的落盘方式，file 或 mysql。
type AuditStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 描述证明生成任务队列。
type QueueConfig struct {
	Driver   string              `json:"driver"`
	Buffer   int                 `json:"buffer"`
	Redis    RedisQueueConfig    `json:"redis"`
	RabbitMQ RabbitMQQueueConfig `json:"rabbitmq"`
}

// RedisQueueConfig 描述 Redis list 队列。
type RedisQueueConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQQueueConfig 描述 RabbitMQ 队列。
type RabbitMQQueueConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// ProofConfig 控制证明生成工作池与各类后端引擎。
type ProofConfig struct {
	MaxStepSize          int                     `json:"max_step_size"`
	Workers              int                     `json:"workers"`
	EngineTimeoutSeconds int                     `json:"engine_timeout_seconds"`
	Engines              map[string]EngineConfig `json:"engines"`
}

// EngineConfig 描述单个后端类别的引擎实现。
type EngineConfig struct {
	Mode             string   `json:"mode"`
	Executable       string   `json:"executable"`
	Args             []string `json:"args"`
	WorkingDir       string   `json:"working_dir"`
	SimulatedDelayMs int      `json:"simulated_delay_ms"`
}

// VerificationConfig 控制链上验证协调器。
type VerificationConfig struct {
	Enabled               bool     `json:"enabled"`
	Workers               int      `json:"workers"`
	MaxAttempts           int      `json:"max_attempts"`
	InitialBackoffMs      int      `json:"initial_backoff_ms"`
	MaxBackoffMs          int      `json:"max_backoff_ms"`
	PollIntervalMs        int      `json:"poll_interval_ms"`
	ConfirmTimeoutSeconds int      `json:"confirm_timeout_seconds"`
	Targets               []string `json:"targets"`
}

// Web3Config 指向链配置表以及签名账户。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	SignerKeyEnv string `json:"signer_key_env"`
	GasLimit     uint64 `json:"gas_limit"`
}

// SettlementConfig 控制 USDC 结算触发器。
type SettlementConfig struct {
	Enabled                  bool          `json:"enabled"`
	MaxAttempts              int           `json:"max_attempts"`
	InitialBackoffMs         int           `json:"initial_backoff_ms"`
	MaxBackoffMs             int           `json:"max_backoff_ms"`
	DefaultAmount            string        `json:"default_amount"`
	SourceDomain             uint32        `json:"source_domain"`
	DefaultDestinationDomain uint32        `json:"default_destination_domain"`
	Dedup                    DedupConfig   `json:"dedup"`
	Gateway                  GatewayConfig `json:"gateway"`
}

// DedupConfig 选择结算去重方式，memory 或 redis。
type DedupConfig struct {
	Driver     string `json:"driver"`
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// GatewayConfig 描述支付网关，circle 或 simulated。
type GatewayConfig struct {
	Provider             string `json:"provider"`
	BaseURL              string `json:"base_url"`
	TimeoutSeconds       int    `json:"timeout_seconds"`
	SignerKeyEnv         string `json:"signer_key_env"`
	APIKeyEnv            string `json:"api_key_env"`
	SourceContract       string `json:"source_contract"`
	DestinationContract  string `json:"destination_contract"`
	SourceToken          string `json:"source_token"`
	DestinationToken     string `json:"destination_token"`
	DestinationRecipient string `json:"destination_recipient"`
	MaxFee               string `json:"max_fee"`
}

// GuidanceConfig 指向 info 事件使用的静态引导文案。
type GuidanceConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// AlertingConfig 配置告警通知。
type AlertingConfig struct {
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AuthConfig 控制 WebSocket 握手与查询接口的访问令牌校验。
type AuthConfig struct {
	Mode            string `json:"mode"`
	SecretEnv       string `json:"secret_env"`
	Issuer          string `json:"issuer"`
	TokenTTLSeconds int    `json:"token_ttl_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回一份全部使用内存实现与模拟后端的配置，便于本地演示。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.Verification.Enabled = true
	cfg.Settlement.Enabled = true
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.WSPath == "" {
		c.Server.WSPath = "/ws"
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = "/metrics"
	}
	if c.Server.MaxMessageBytes <= 0 {
		c.Server.MaxMessageBytes = 64 << 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 10
	}
	if c.Server.OutboundBuffer <= 0 {
		c.Server.OutboundBuffer = 64
	}
	if c.Server.MessagesPerSecond <= 0 {
		c.Server.MessagesPerSecond = 20
	}
	if c.Server.MessageBurst <= 0 {
		c.Server.MessageBurst = 40
	}

	if c.Storage.ProofStore.Driver == "" {
		c.Storage.ProofStore.Driver = "memory"
	}
	if c.Storage.Audit.Driver == "" {
		c.Storage.Audit.Driver = "file"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}

	if c.Proof.MaxStepSize <= 0 {
		c.Proof.MaxStepSize = 100
	}
	if c.Proof.Workers <= 0 {
		c.Proof.Workers = 4
	}
	if c.Proof.EngineTimeoutSeconds <= 0 {
		c.Proof.EngineTimeoutSeconds = 600
	}
	if c.Proof.Engines == nil {
		c.Proof.Engines = map[string]EngineConfig{}
	}
	for _, kind := range []string{"generic", "decision", "recursive"} {
		engine := c.Proof.Engines[kind]
		if engine.Mode == "" {
			engine.Mode = "simulated"
		}
		if engine.WorkingDir != "" && !filepath.IsAbs(engine.WorkingDir) {
			engine.WorkingDir = filepath.Join(baseDir, engine.WorkingDir)
		}
		c.Proof.Engines[kind] = engine
	}

	if c.Verification.Workers <= 0 {
		c.Verification.Workers = 4
	}
	if c.Verification.MaxAttempts <= 0 {
		c.Verification.MaxAttempts = 5
	}
	if c.Verification.InitialBackoffMs <= 0 {
		c.Verification.InitialBackoffMs = 500
	}
	if c.Verification.MaxBackoffMs <= 0 {
		c.Verification.MaxBackoffMs = 15000
	}
	if c.Verification.PollIntervalMs <= 0 {
		c.Verification.PollIntervalMs = 2000
	}
	if c.Verification.ConfirmTimeoutSeconds <= 0 {
		c.Verification.ConfirmTimeoutSeconds = 300
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.SignerKeyEnv == "" {
		c.Web3.SignerKeyEnv = "ZKPAY_SIGNER_KEY"
	}
	if c.Web3.GasLimit == 0 {
		c.Web3.GasLimit = 500000
	}

	if c.Settlement.MaxAttempts <= 0 {
		c.Settlement.MaxAttempts = 3
	}
	if c.Settlement.InitialBackoffMs <= 0 {
		c.Settlement.InitialBackoffMs = 1000
	}
	if c.Settlement.MaxBackoffMs <= 0 {
		c.Settlement.MaxBackoffMs = 10000
	}
	if c.Settlement.DefaultDestinationDomain == 0 {
		c.Settlement.DefaultDestinationDomain = 6
	}
	if c.Settlement.Dedup.Driver == "" {
		c.Settlement.Dedup.Driver = "memory"
	}
	if c.Settlement.Dedup.Prefix == "" {
		c.Settlement.Dedup.Prefix = "zkpay:settlement:"
	}
	if c.Settlement.Dedup.TTLSeconds <= 0 {
		c.Settlement.Dedup.TTLSeconds = 7 * 24 * 3600
	}
	if c.Settlement.Gateway.Provider == "" {
		c.Settlement.Gateway.Provider = "simulated"
	}
	if c.Settlement.Gateway.BaseURL == "" {
		c.Settlement.Gateway.BaseURL = "https://gateway-api-testnet.circle.com"
	}
	if c.Settlement.Gateway.TimeoutSeconds <= 0 {
		c.Settlement.Gateway.TimeoutSeconds = 30
	}
	if c.Settlement.Gateway.SignerKeyEnv == "" {
		c.Settlement.Gateway.SignerKeyEnv = c.Web3.SignerKeyEnv
	}
	if c.Settlement.Gateway.APIKeyEnv == "" {
		c.Settlement.Gateway.APIKeyEnv = "CIRCLE_API_KEY"
	}

	if c.Guidance.Source != "" && !filepath.IsAbs(c.Guidance.Source) {
		c.Guidance.Source = filepath.Join(baseDir, c.Guidance.Source)
	}
	if c.Guidance.MaxResults <= 0 {
		c.Guidance.MaxResults = 1
	}

	if c.Alerting.TimeoutSeconds <= 0 {
		c.Alerting.TimeoutSeconds = 5
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.SecretEnv == "" {
		c.Auth.SecretEnv = "ZKPAY_JWT_SECRET"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "zkpayd"
	}
	if c.Auth.TokenTTLSeconds <= 0 {
		c.Auth.TokenTTLSeconds = 24 * 3600
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// Validate 检查互相依赖的配置项是否一致。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.ProofStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.ProofStore.DSN) == "" {
			errs = append(errs, errors.New("storage.proof_store.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的证明存储驱动 %q", c.Storage.ProofStore.Driver))
	}
	switch c.Storage.Audit.Driver {
	case "file", "none":
	case "mysql":
		if strings.TrimSpace(c.Storage.Audit.DSN) == "" {
			errs = append(errs, errors.New("storage.audit.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的审计存储驱动 %q", c.Storage.Audit.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的队列驱动 %q", c.Queue.Driver))
	}
	for kind, engine := range c.Proof.Engines {
		switch engine.Mode {
		case "simulated":
		case "process":
			if engine.Executable == "" {
				errs = append(errs, fmt.Errorf("proof.engines.%s.executable 不能为空", kind))
			}
		default:
			errs = append(errs, fmt.Errorf("proof.engines.%s 使用了不支持的模式 %q", kind, engine.Mode))
		}
	}
	switch c.Settlement.Dedup.Driver {
	case "memory":
	case "redis":
		if c.Settlement.Dedup.Address == "" {
			errs = append(errs, errors.New("settlement.dedup.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的结算去重驱动 %q", c.Settlement.Dedup.Driver))
	}
	switch c.Auth.Mode {
	case "disabled", "jwt":
	default:
		errs = append(errs, fmt.Errorf("不支持的认证模式 %q", c.Auth.Mode))
	}
	switch c.Settlement.Gateway.Provider {
	case "simulated", "circle":
	default:
		errs = append(errs, fmt.Errorf("不支持的支付网关 %q", c.Settlement.Gateway.Provider))
	}
	return errors.Join(errs...)
}

// WriteTimeout 返回单帧写出的超时时间。
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// TokenTTL 返回访问令牌有效期。
func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLSeconds) * time.Second
}

// EngineTimeout 返回单次证明生成的超时时间。
func (p ProofConfig) EngineTimeout() time.Duration {
	return time.Duration(p.EngineTimeoutSeconds) * time.Second
}

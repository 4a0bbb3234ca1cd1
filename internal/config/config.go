package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config 描述了 x402d 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Jobs      JobsConfig      `json:"jobs"`
	Events    EventsConfig    `json:"events"`
	Escrow    EscrowConfig    `json:"escrow"`
	Agent     AgentConfig     `json:"agent"`
	Oracle    OracleConfig    `json:"oracle"`
	Router    RouterConfig    `json:"router"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Web3      Web3Config      `json:"web3"`
	Auth      AuthConfig      `json:"auth"`
	Alerting  AlertingConfig  `json:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	AddSource   bool        `json:"add_source"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// StorageConfig 统一描述托管、登记表和任务存储使用的后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
	Redis  RedisConfig `json:"redis"`
}

// MySQLConfig 是 MySQL 连接参数。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// RedisConfig 是 Redis 连接参数，任务队列、事件广播与 agent 状态共用。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// JobsConfig 控制运营任务层。
type JobsConfig struct {
	MaxRetries          int         `json:"max_retries"`
	Workers             int         `json:"workers"`
	RetryBackoffSeconds int         `json:"retry_backoff_seconds"`
	Queue               QueueConfig `json:"queue"`
}

// QueueConfig 选择任务队列驱动。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisQueue     `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisQueue 是 Redis 列表队列的参数。
type RedisQueue struct {
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 是 RabbitMQ 队列的参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// EventsConfig 选择事件发布方式：log 或 redis。
type EventsConfig struct {
	Driver        string `json:"driver"`
	ChannelPrefix string `json:"channel_prefix"`
}

// EscrowConfig 描述托管服务的身份。
type EscrowConfig struct {
	Treasury string `json:"treasury"`
	Custody  string `json:"custody"`
}

// AgentConfig 描述 DCA agent 与运营方身份。
type AgentConfig struct {
	Address     string           `json:"address"`
	Owner       string           `json:"owner"`
	Operator    string           `json:"operator"`
	StateDriver string           `json:"state_driver"`
	StatePrefix string           `json:"state_prefix"`
	Strategies  []StrategyConfig `json:"strategies"`
}

// StrategyConfig 是启动时写入 agent 的策略配置，时长单位为秒。
type StrategyConfig struct {
	ID                  string `json:"id"`
	TokenIn             string `json:"token_in"`
	TokenOut            string `json:"token_out"`
	PriceFeedID         string `json:"price_feed_id"`
	MinIntervalSeconds  int64  `json:"min_interval_seconds"`
	MaxStalenessSeconds int64  `json:"max_staleness_seconds"`
	MaxSlippageBps      uint32 `json:"max_slippage_bps"`
	Active              bool   `json:"active"`
}

// OracleConfig 是 Hermes 客户端与更新费用配置。
type OracleConfig struct {
	Endpoint          string  `json:"endpoint"`
	APIKey            string  `json:"api_key"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	FeePerUpdate      string  `json:"fee_per_update"`
}

// RouterConfig 是 1inch 客户端与模拟盘路由配置。
type RouterConfig struct {
	APIBase           string  `json:"api_base"`
	ChainID           uint64  `json:"chain_id"`
	APIKey            string  `json:"api_key"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Address           string  `json:"address"`
}

// SchedulerConfig 描述定投计划。
type SchedulerConfig struct {
	Enabled bool            `json:"enabled"`
	Entries []ScheduleEntry `json:"entries"`
}

// ScheduleEntry 是一条定投计划，Amount 为十进制整数字符串。
type ScheduleEntry struct {
	Name        string `json:"name"`
	Spec        string `json:"spec"`
	StrategyID  string `json:"strategy_id"`
	Amount      string `json:"amount"`
	SlippageBps uint32 `json:"slippage_bps"`
}

// Web3Config 包含访问区块链节点与已部署合约所需的信息。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	RPCURL       string `json:"rpc_url"`
	PrivateKey   string `json:"private_key"`
}

// AuthConfig 控制 API 身份认证。
type AuthConfig struct {
	Mode  string       `json:"mode"`
	JWT   JWTConfig    `json:"jwt"`
	Seeds []SeedConfig `json:"seeds"`
}

// JWTConfig 是本地签发令牌的参数。
type JWTConfig struct {
	Secret            string   `json:"secret"`
	Issuer            string   `json:"issuer"`
	Audience          []string `json:"audience"`
	AccessTTLSeconds  int64    `json:"access_ttl_seconds"`
	RefreshTTLSeconds int64    `json:"refresh_ttl_seconds"`
}

// SeedConfig 是启动时导入的运营账号。
type SeedConfig struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Address     string   `json:"address"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// AlertingConfig 配置终态失败任务的告警渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// RuntimeConfig 用于放置运行时的通用参数，模拟盘初始余额也在这里配置。
type RuntimeConfig struct {
	DataDir  string        `json:"data_dir"`
	Balances []BalanceSeed `json:"balances"`
}

// BalanceSeed 是模拟盘账本的初始余额。
type BalanceSeed struct {
	Holder string `json:"holder"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

// 环境变量覆盖项。
const (
	EnvConfigPath    = "X402_CONFIG"
	EnvMySQLDSN      = "X402_MYSQL_DSN"
	EnvRedisAddress  = "X402_REDIS_ADDR"
	EnvRedisPassword = "X402_REDIS_PASSWORD"
	EnvRabbitMQURL   = "X402_RABBITMQ_URL"
	EnvJWTSecret     = "X402_JWT_SECRET"
	EnvHermesAPIKey  = "X402_HERMES_API_KEY"
	EnvOneInchAPIKey = "X402_ONEINCH_API_KEY"
	EnvPrivateKey    = "X402_PRIVATE_KEY"
	EnvWebhookURL    = "X402_ALERT_WEBHOOK"
)

// DefaultPath 返回配置文件路径：优先 X402_CONFIG，否则 configs/x402.json。
func DefaultPath() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return filepath.Join("configs", "x402.json")
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

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 用非空环境变量覆盖敏感或随部署变化的字段。
func (c *Config) applyEnv(getenv func(string) string) {
	override := func(target *string, key string) {
		if value := strings.TrimSpace(getenv(key)); value != "" {
			*target = value
		}
	}
	override(&c.Storage.MySQL.DSN, EnvMySQLDSN)
	override(&c.Storage.Redis.Address, EnvRedisAddress)
	override(&c.Storage.Redis.Password, EnvRedisPassword)
	override(&c.Jobs.Queue.RabbitMQ.URL, EnvRabbitMQURL)
	override(&c.Auth.JWT.Secret, EnvJWTSecret)
	override(&c.Oracle.APIKey, EnvHermesAPIKey)
	override(&c.Router.APIKey, EnvOneInchAPIKey)
	override(&c.Web3.PrivateKey, EnvPrivateKey)
	override(&c.Alerting.WebhookURL, EnvWebhookURL)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Jobs.MaxRetries <= 0 {
		c.Jobs.MaxRetries = 3
	}
	if c.Jobs.Workers <= 0 {
		c.Jobs.Workers = 4
	}
	if c.Jobs.RetryBackoffSeconds <= 0 {
		c.Jobs.RetryBackoffSeconds = 5
	}
	if c.Jobs.Queue.Driver == "" {
		c.Jobs.Queue.Driver = "memory"
	}
	if c.Jobs.Queue.Size <= 0 {
		c.Jobs.Queue.Size = 1024
	}
	if c.Events.Driver == "" {
		c.Events.Driver = "log"
	}
	if c.Agent.StateDriver == "" {
		c.Agent.StateDriver = "memory"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Router.ChainID == 0 {
		c.Router.ChainID = 11155111
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")
	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig, "")
	}
	if c.Logging.Audit.Enabled {
		c.Logging.Audit.Path = resolve(c.Runtime.DataDir, c.Logging.Audit.Path, "audit.log")
	}
}

// Validate 检查驱动取值。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
		return errors.New("mysql 存储需要配置 dsn")
	}
	switch c.Jobs.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Jobs.Queue.Driver)
	}
	switch c.Events.Driver {
	case "log", "redis":
	default:
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}
	switch c.Agent.StateDriver {
	case "memory", "redis":
	default:
		return fmt.Errorf("未知的 agent 状态驱动: %s", c.Agent.StateDriver)
	}
	for _, entry := range c.Scheduler.Entries {
		if strings.TrimSpace(entry.Spec) == "" || strings.TrimSpace(entry.StrategyID) == "" {
			return fmt.Errorf("定投计划 %q 缺少 spec 或 strategy_id", entry.Name)
		}
	}
	return nil
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

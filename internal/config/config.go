package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"AgentIntent-Chain/pkg/logger"
)

// Config 描述了 intentd 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Policy   PolicyConfig   `json:"policy" yaml:"policy"`
	Relayer  RelayerConfig  `json:"relayer" yaml:"relayer"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	EventBus EventBusConfig `json:"event_bus" yaml:"event_bus"`
	Web3     Web3Config     `json:"web3" yaml:"web3"`
	Logging  logger.Config  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Alerting AlertingConfig `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address" yaml:"address"`
}

// EngineConfig 描述意图引擎的签名域与时间锁。
type EngineConfig struct {
	ProtocolName      string `json:"protocol_name" yaml:"protocol_name"`
	ProtocolVersion   string `json:"protocol_version" yaml:"protocol_version"`
	ChainID           int64  `json:"chain_id" yaml:"chain_id"`
	VerifyingContract string `json:"verifying_contract" yaml:"verifying_contract"`
	TimelockSeconds   int64  `json:"timelock_seconds" yaml:"timelock_seconds"`
	// SupportedDomains 为空时不限制源/目标域。
	SupportedDomains []uint64 `json:"supported_domains" yaml:"supported_domains"`
}

// PolicyConfig 描述策略引擎与熔断器参数。
type PolicyConfig struct {
	Admin           string `json:"admin" yaml:"admin"`
	CooldownSeconds int64  `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	WindowStore     string `json:"window_store" yaml:"window_store"`
}

// RelayerConfig 描述中继者目录的参数。
type RelayerConfig struct {
	MinStakeWei string `json:"min_stake_wei" yaml:"min_stake_wei"`
	// Workers 是中继处理器的消费协程数量，0 表示不启动内置中继者。
	Workers int    `json:"workers" yaml:"workers"`
	Address string `json:"address" yaml:"address"`
}

// MinStake 解析最小质押额。
func (r RelayerConfig) MinStake() (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(r.MinStakeWei), 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("非法的最小质押额: %q", r.MinStakeWei)
	}
	return value, nil
}

// StorageConfig 描述意图与审计记录的持久化方式。
type StorageConfig struct {
	Driver                 string `json:"driver" yaml:"driver"`
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds" yaml:"conn_max_idle_time_seconds"`
	ContentStore           string `json:"content_store" yaml:"content_store"`
}

// RedisConfig 为窗口存储、内容存储与事件队列共享的 Redis 连接参数。
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// EventBusConfig 描述事件投递通道。
type EventBusConfig struct {
	Driver           string         `json:"driver" yaml:"driver"`
	Queue            string         `json:"queue" yaml:"queue"`
	BufferSize       int            `json:"buffer_size" yaml:"buffer_size"`
	BlockWaitSeconds int            `json:"block_wait_seconds" yaml:"block_wait_seconds"`
	RabbitMQ         RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url" yaml:"url"`
	Prefetch   int    `json:"prefetch" yaml:"prefetch"`
	Durable    bool   `json:"durable" yaml:"durable"`
	AutoDelete bool   `json:"auto_delete" yaml:"auto_delete"`
}

// Web3Config 指向链定义文件，用于校验源/目标域。
type Web3Config struct {
	ChainConfig  string `json:"chain_config" yaml:"chain_config"`
	DefaultChain string `json:"default_chain" yaml:"default_chain"`
	RPCURL       string `json:"rpc_url" yaml:"rpc_url"`
	VerifyChains bool   `json:"verify_chains" yaml:"verify_chains"`
}

// MetricsConfig 控制独立的 /metrics 端口。
type MetricsConfig struct {
	Address string `json:"address" yaml:"address"`
}

// AlertingConfig 描述告警通知渠道。日志渠道始终启用。
type AlertingConfig struct {
	Webhooks []WebhookConfig `json:"webhooks" yaml:"webhooks"`
}

// WebhookConfig 描述一个 Webhook 通知目标，Kind 取值 webhook、slack 或 dingtalk。
type WebhookConfig struct {
	Kind string `json:"kind" yaml:"kind"`
	URL  string `json:"url" yaml:"url"`
}

// Load 负责解析指定路径的配置文件，按扩展名选择 YAML 或 JSON。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回仅包含默认值的配置，便于测试与本地运行。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Engine.ProtocolName == "" {
		c.Engine.ProtocolName = "AgentIntent"
	}
	if c.Engine.ProtocolVersion == "" {
		c.Engine.ProtocolVersion = "1"
	}
	if c.Engine.ChainID == 0 {
		c.Engine.ChainID = 1
	}
	if c.Engine.VerifyingContract == "" {
		c.Engine.VerifyingContract = "0x0000000000000000000000000000000000000000"
	}
	if c.Engine.TimelockSeconds <= 0 {
		c.Engine.TimelockSeconds = 60
	}

	if c.Policy.CooldownSeconds <= 0 {
		c.Policy.CooldownSeconds = 3600
	}
	if c.Policy.WindowStore == "" {
		c.Policy.WindowStore = "memory"
	}

	if strings.TrimSpace(c.Relayer.MinStakeWei) == "" {
		c.Relayer.MinStakeWei = "1000000000000000000"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.ContentStore == "" {
		c.Storage.ContentStore = "memory"
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "intentd"
	}

	if c.EventBus.Driver == "" {
		c.EventBus.Driver = "memory"
	}
	if c.EventBus.Queue == "" {
		c.EventBus.Queue = "intentd.events"
	}
	if c.EventBus.BufferSize <= 0 {
		c.EventBus.BufferSize = 1024
	}
	if c.EventBus.BlockWaitSeconds <= 0 {
		c.EventBus.BlockWaitSeconds = 5
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	if _, err := c.Relayer.MinStake(); err != nil {
		return err
	}
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.driver=mysql 需要配置 storage.dsn")
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	needsRedis := c.Policy.WindowStore == "redis" || c.Storage.ContentStore == "redis" || c.EventBus.Driver == "redis"
	if needsRedis && strings.TrimSpace(c.Redis.Address) == "" {
		return errors.New("启用了 Redis 组件但未配置 redis.address")
	}
	if c.EventBus.Driver == "rabbitmq" && strings.TrimSpace(c.EventBus.RabbitMQ.URL) == "" {
		return errors.New("event_bus.driver=rabbitmq 需要配置 event_bus.rabbitmq.url")
	}
	for i, hook := range c.Alerting.Webhooks {
		switch hook.Kind {
		case "webhook", "slack", "dingtalk":
		default:
			return fmt.Errorf("alerting.webhooks[%d] 的 kind 非法: %q", i, hook.Kind)
		}
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("alerting.webhooks[%d] 缺少 url", i)
		}
	}
	return nil
}

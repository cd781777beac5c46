package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// CredentialConfig 单组 API 凭证
// 多组凭证会被外层调用方轮换使用，以放大有效限流预算
type CredentialConfig struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`
}

// VenueConfig 单个交易所的接入配置
type VenueConfig struct {
	Name        string             `yaml:"name"`
	RestURL     string             `yaml:"rest_url"`
	WsURL       string             `yaml:"ws_url"`
	FeeRate     float64            `yaml:"fee_rate"`     // 吃单费率（小数，例如 0.02）
	MinNotional float64            `yaml:"min_notional"` // 最小下单金额（USDC）
	Credentials []CredentialConfig `yaml:"credentials"`
}

// QuoteCacheConfig 行情缓存配置
type QuoteCacheConfig struct {
	TTLMs                  int  `yaml:"ttl_ms"`                    // 快照有效期（毫秒），默认 500
	AllowStale             bool `yaml:"allow_stale"`               // 过期快照是否可降级使用
	EnablePush             bool `yaml:"enable_push"`               // 是否启用 WS 推送
	EnablePoll             bool `yaml:"enable_poll"`               // 是否启用 REST 轮询兜底
	PollConcurrency        int  `yaml:"poll_concurrency"`          // 轮询全局并发上限，默认 4
	PollCooldownMs         int  `yaml:"poll_cooldown_ms"`          // 同一市场两次轮询的最小间隔（毫秒），默认 1000
	SubscribeBatchSize     int  `yaml:"subscribe_batch_size"`      // 订阅批大小，默认 50
	SubscribeBatchPauseMs  int  `yaml:"subscribe_batch_pause_ms"`  // 批间停顿（毫秒），默认 200
	FetchTimeoutMs         int  `yaml:"fetch_timeout_ms"`          // 单次轮询超时（毫秒），默认 3000
}

// ReconnectConfig 推送通道重连配置
type ReconnectConfig struct {
	InitialDelayMs int `yaml:"initial_delay_ms"` // 初始延迟（毫秒），默认 2000
	MaxDelayMs     int `yaml:"max_delay_ms"`     // 最大延迟（毫秒），默认 30000
	MaxAttempts    int `yaml:"max_attempts"`     // 最大重连次数，默认 10
}

// PausePolicy PAUSED 后的恢复策略
type PausePolicy string

const (
	// PausePolicyResume 价格保护触发后用新价格重新挂单
	PausePolicyResume PausePolicy = "resume"
	// PausePolicyCancel 价格保护触发后直接走超时取消
	PausePolicyCancel PausePolicy = "cancel"
)

// ExecutorConfig 执行器配置
type ExecutorConfig struct {
	OrderTimeoutMs    int         `yaml:"order_timeout_ms"`    // 订单无成交超时（毫秒），默认 30000
	MaxHedgeRetries   int         `yaml:"max_hedge_retries"`   // 对冲最大重试次数，默认 3
	MinProfitBuffer   float64     `yaml:"min_profit_buffer"`   // 最小利润缓冲（小数），默认 0.01
	TaskExpiryMs      int         `yaml:"task_expiry_ms"`      // 任务总时长上限（毫秒），默认 600000
	PausePolicy       PausePolicy `yaml:"pause_policy"`        // 价格保护触发后的策略：resume / cancel
	MaxPauses         int         `yaml:"max_pauses"`          // resume 策略下允许的最大暂停次数，默认 3
	LossHedgeWaitMs   int         `yaml:"loss_hedge_wait_ms"`  // LOSS_HEDGE 等待价格回归的时长（毫秒），默认 15000
	WatchTimeoutMs    int         `yaml:"watch_timeout_ms"`    // 订单成交监听超时（毫秒），默认 60000
	GuardIntervalMs   int         `yaml:"guard_interval_ms"`   // 价格保护检查间隔（毫秒），默认 500
	ScanIntervalMs    int         `yaml:"scan_interval_ms"`    // 机会扫描间隔（毫秒），默认 2000
}

// PairConfig 一组跨所套利市场对
type PairConfig struct {
	EntryMarketID string  `yaml:"entry_market_id"` // 入场腿市场 ID（venue A）
	HedgeMarketID string  `yaml:"hedge_market_id"` // 对冲腿市场 ID（venue B）
	FeeRate       float64 `yaml:"fee_rate"`        // 该对的综合费率
	TickSize      float64 `yaml:"tick_size"`       // 最小价格单位
	Inverted      bool    `yaml:"inverted"`        // 两所 YES/NO 语义是否互为反向
	Quantity      float64 `yaml:"quantity"`        // 单次任务的目标数量，默认 100
	Strategy      string  `yaml:"strategy"`        // 入场策略 maker/taker，默认 maker
}

// StoreConfig 任务归档配置
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite 文件路径，默认 data/tasks.db
}

// Config 应用配置
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	LogFile    string           `yaml:"log_file"`
	DryRun     bool             `yaml:"dry_run"`
	EntryVenue VenueConfig      `yaml:"entry_venue"`
	HedgeVenue VenueConfig      `yaml:"hedge_venue"`
	QuoteCache QuoteCacheConfig `yaml:"quote_cache"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Pairs      []PairConfig     `yaml:"pairs"`
	Store      StoreConfig      `yaml:"store"`
}

// Load 从 YAML 文件加载配置并应用默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults 填充缺省值
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	qc := &c.QuoteCache
	if qc.TTLMs <= 0 {
		qc.TTLMs = 500
	}
	if qc.PollConcurrency <= 0 {
		qc.PollConcurrency = 4
	}
	if qc.PollCooldownMs <= 0 {
		qc.PollCooldownMs = 1000
	}
	if qc.SubscribeBatchSize <= 0 {
		qc.SubscribeBatchSize = 50
	}
	if qc.SubscribeBatchPauseMs <= 0 {
		qc.SubscribeBatchPauseMs = 200
	}
	if qc.FetchTimeoutMs <= 0 {
		qc.FetchTimeoutMs = 3000
	}

	rc := &c.Reconnect
	if rc.InitialDelayMs <= 0 {
		rc.InitialDelayMs = 2000
	}
	if rc.MaxDelayMs <= 0 {
		rc.MaxDelayMs = 30000
	}
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = 10
	}

	ec := &c.Executor
	if ec.OrderTimeoutMs <= 0 {
		ec.OrderTimeoutMs = 30000
	}
	if ec.MaxHedgeRetries <= 0 {
		ec.MaxHedgeRetries = 3
	}
	if ec.MinProfitBuffer <= 0 {
		ec.MinProfitBuffer = 0.01
	}
	if ec.TaskExpiryMs <= 0 {
		ec.TaskExpiryMs = 600000
	}
	if ec.PausePolicy == "" {
		ec.PausePolicy = PausePolicyResume
	}
	if ec.MaxPauses <= 0 {
		ec.MaxPauses = 3
	}
	if ec.LossHedgeWaitMs <= 0 {
		ec.LossHedgeWaitMs = 15000
	}
	if ec.WatchTimeoutMs <= 0 {
		ec.WatchTimeoutMs = 60000
	}
	if ec.GuardIntervalMs <= 0 {
		ec.GuardIntervalMs = 500
	}
	if ec.ScanIntervalMs <= 0 {
		ec.ScanIntervalMs = 2000
	}

	for i := range c.Pairs {
		if c.Pairs[i].Quantity <= 0 {
			c.Pairs[i].Quantity = 100
		}
		if c.Pairs[i].Strategy == "" {
			c.Pairs[i].Strategy = "maker"
		}
	}

	if c.Store.Path == "" {
		c.Store.Path = "data/tasks.db"
	}
}

// applyEnvOverrides 环境变量覆盖（主要用于凭证注入，避免写入配置文件）
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CROSSARB_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CROSSARB_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DryRun = b
		}
	}
	if k := os.Getenv("CROSSARB_ENTRY_API_KEY"); k != "" {
		c.EntryVenue.Credentials = append(c.EntryVenue.Credentials, CredentialConfig{
			APIKey:     k,
			APISecret:  os.Getenv("CROSSARB_ENTRY_API_SECRET"),
			Passphrase: os.Getenv("CROSSARB_ENTRY_PASSPHRASE"),
		})
	}
	if k := os.Getenv("CROSSARB_HEDGE_API_KEY"); k != "" {
		c.HedgeVenue.Credentials = append(c.HedgeVenue.Credentials, CredentialConfig{
			APIKey:     k,
			APISecret:  os.Getenv("CROSSARB_HEDGE_API_SECRET"),
			Passphrase: os.Getenv("CROSSARB_HEDGE_PASSPHRASE"),
		})
	}
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.EntryVenue.RestURL == "" {
			return fmt.Errorf("entry_venue.rest_url 不能为空")
		}
		if c.HedgeVenue.RestURL == "" {
			return fmt.Errorf("hedge_venue.rest_url 不能为空")
		}
	}
	if c.Executor.PausePolicy != PausePolicyResume && c.Executor.PausePolicy != PausePolicyCancel {
		return fmt.Errorf("executor.pause_policy 必须为 resume 或 cancel，当前为 %q", c.Executor.PausePolicy)
	}
	for i, p := range c.Pairs {
		if p.EntryMarketID == "" || p.HedgeMarketID == "" {
			return fmt.Errorf("pairs[%d]: entry_market_id 和 hedge_market_id 不能为空", i)
		}
		if p.TickSize <= 0 {
			return fmt.Errorf("pairs[%d]: tick_size 必须大于 0", i)
		}
		if p.Strategy != "maker" && p.Strategy != "taker" {
			return fmt.Errorf("pairs[%d]: strategy 必须为 maker 或 taker，当前为 %q", i, p.Strategy)
		}
	}
	return nil
}

// QuoteTTL 返回快照 TTL
func (c *QuoteCacheConfig) QuoteTTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// PollCooldown 返回同一市场的轮询冷却间隔
func (c *QuoteCacheConfig) PollCooldown() time.Duration {
	return time.Duration(c.PollCooldownMs) * time.Millisecond
}

// FetchTimeout 返回单次轮询超时
func (c *QuoteCacheConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMs) * time.Millisecond
}

// SubscribeBatchPause 返回订阅批间停顿
func (c *QuoteCacheConfig) SubscribeBatchPause() time.Duration {
	return time.Duration(c.SubscribeBatchPauseMs) * time.Millisecond
}

// OrderTimeout 返回订单无成交超时
func (c *ExecutorConfig) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutMs) * time.Millisecond
}

// TaskExpiry 返回任务总时长上限
func (c *ExecutorConfig) TaskExpiry() time.Duration {
	return time.Duration(c.TaskExpiryMs) * time.Millisecond
}

// LossHedgeWait 返回 LOSS_HEDGE 等待窗口
func (c *ExecutorConfig) LossHedgeWait() time.Duration {
	return time.Duration(c.LossHedgeWaitMs) * time.Millisecond
}

// WatchTimeout 返回成交监听超时
func (c *ExecutorConfig) WatchTimeout() time.Duration {
	return time.Duration(c.WatchTimeoutMs) * time.Millisecond
}

// GuardInterval 返回价格保护检查间隔
func (c *ExecutorConfig) GuardInterval() time.Duration {
	return time.Duration(c.GuardIntervalMs) * time.Millisecond
}

// ScanInterval 返回机会扫描间隔
func (c *ExecutorConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMs) * time.Millisecond
}

// InitialDelay 返回重连初始延迟
func (c *ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

// MaxDelay 返回重连最大延迟
func (c *ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

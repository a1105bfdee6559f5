package models

import "time"

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"`  // 是否使用测试网
	DBPath        string `json:"db_path"`     // Badger 数据目录 (机器人记录与运行快照)
	LedgerPath    string `json:"ledger_path"` // SQLite 账本文件路径
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	PaperInitialBalance float64 `json:"paper_initial_balance"` // 模拟账户初始资金, 默认 10000
	RetryAttempts       int     `json:"retry_attempts"`        // tick 连续失败后允许的重试次数, 0 表示失败即停止
	RetryInitialDelayMs int     `json:"retry_initial_delay_ms"` // 重试前的初始延迟毫秒数
	PriceMaxAgeSec      int     `json:"price_max_age_sec"`     // WebSocket 缓存价格的最大有效期(秒)
	MetricsAddr         string  `json:"metrics_addr,omitempty"` // Prometheus 监听地址, 为空则不启动

	Bots      []BotConfig `json:"bots"` // 启动时自动运行的策略
	LogConfig LogConfig   `json:"log"`

	BaseURL   string `json:"base_url"`    // REST API基础地址 (将由程序动态设置)
	WSBaseURL string `json:"ws_base_url"` // WebSocket基础地址 (将由程序动态设置)
}

// BotConfig 描述一个在启动时需要运行的策略
type BotConfig struct {
	UserID   string         `json:"user_id"`
	Strategy StrategyConfig `json:"strategy"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// RetryInitialDelay 返回重试初始延迟
func (c *Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMs) * time.Millisecond
}

// PriceMaxAge 返回缓存价格的最大有效期
func (c *Config) PriceMaxAge() time.Duration {
	return time.Duration(c.PriceMaxAgeSec) * time.Second
}

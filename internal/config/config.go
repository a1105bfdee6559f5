package config

import (
	"binance-strategy-bot-go/internal/models"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
)

const (
	defaultPaperBalance = 10000.0
	defaultLedgerPath   = "ledger.db"
	defaultDBPath       = "botdb"
	defaultPriceMaxAge  = 10
)

// Credentials 交易所API密钥, 从环境变量 BINANCE_API_KEY / BINANCE_SECRET_KEY 读取
type Credentials struct {
	APIKey    string `envconfig:"API_KEY"`
	SecretKey string `envconfig:"SECRET_KEY"`
}

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	applyDefaults(config)
	return config, nil
}

// applyDefaults 为缺失的配置项填充默认值
func applyDefaults(cfg *models.Config) {
	if cfg.PaperInitialBalance <= 0 {
		cfg.PaperInitialBalance = defaultPaperBalance
	}
	if cfg.LedgerPath == "" {
		cfg.LedgerPath = defaultLedgerPath
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultDBPath
	}
	if cfg.PriceMaxAgeSec <= 0 {
		cfg.PriceMaxAgeSec = defaultPriceMaxAge
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
}

// LoadCredentials 从环境变量中读取API密钥 (应在 godotenv.Load 之后调用)
func LoadCredentials() (*Credentials, error) {
	var creds Credentials
	if err := envconfig.Process("BINANCE", &creds); err != nil {
		return nil, fmt.Errorf("读取交易所密钥失败: %w", err)
	}
	return &creds, nil
}

// Complete 判断密钥是否完整
func (c *Credentials) Complete() bool {
	return c.APIKey != "" && c.SecretKey != ""
}

package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	GCash    GCashConfig    `mapstructure:"gcash"`
	Casino   CasinoConfig   `mapstructure:"casino"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	DepositStatus string `mapstructure:"deposit_status"`
}

// GCashConfig 入金网关（GCash 通道）配置
type GCashConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	APIKey           string `mapstructure:"api_key"`
	WebhookURL       string `mapstructure:"webhook_url"`
	RedirectURL      string `mapstructure:"redirect_url"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	IntentTTLMinutes int    `mapstructure:"intent_ttl_minutes"`
}

// CasinoConfig 出金侧（娱乐场账本）配置
//
// top_managers 是允许发起转账的总代账号白名单，按优先级排列；
// default_top_manager 用于未绑定总代的用户。
type CasinoConfig struct {
	BaseURL           string                 `mapstructure:"base_url"`
	Currency          string                 `mapstructure:"currency"`
	TimeoutSeconds    int                    `mapstructure:"timeout_seconds"`
	DefaultTopManager string                 `mapstructure:"default_top_manager"`
	TopManagers       []TopManagerCredential `mapstructure:"top_managers"`
}

type TopManagerCredential struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type BusinessConfig struct {
	MinDepositAmount     int64 `mapstructure:"min_deposit_amount"`
	MaxDepositAmount     int64 `mapstructure:"max_deposit_amount"`
	SweepIntervalSeconds int   `mapstructure:"sweep_interval_seconds"`
	SweepBatchSize       int   `mapstructure:"sweep_batch_size"`
	MaxRetryCount        int   `mapstructure:"max_retry_count"`
}

// IntentTTL 支付意向有效期
func (c *GCashConfig) IntentTTL() time.Duration {
	if c.IntentTTLMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.IntentTTLMinutes) * time.Minute
}

// Timeout 上游 HTTP 超时（默认 10s）
func (c *GCashConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c *CasinoConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}

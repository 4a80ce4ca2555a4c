package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Payments PaymentsConfig `mapstructure:"payments"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	Mode                  string `mapstructure:"mode"`
	DebugErrors           bool   `mapstructure:"debug_errors"` // 仅限开发环境：错误响应中附带底层错误
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	WorkerID              int64  `mapstructure:"worker_id"`
}

const (
	StoreDriverSQLite = "sqlite"
	StoreDriverMySQL  = "mysql"
	StoreDriverHosted = "hosted"
)

type StoreConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
	MySQL  MySQLConfig  `mapstructure:"mysql"`
	Hosted HostedConfig `mapstructure:"hosted"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
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

// HostedConfig 托管 Postgres（行级安全由请求方的 scoped token 决定）
type HostedConfig struct {
	DSN       string `mapstructure:"dsn"`
	MaxConns  int32  `mapstructure:"max_conns"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Role      string `mapstructure:"role"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransactionEvents string `mapstructure:"transaction_events"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	AdminRole string `mapstructure:"admin_role"`
}

const (
	StorageDriverLocal  = "local"
	StorageDriverRemote = "remote"
)

type StorageConfig struct {
	Driver        string              `mapstructure:"driver"`
	MaxImageBytes int64               `mapstructure:"max_image_bytes"`
	Local         LocalStorageConfig  `mapstructure:"local"`
	Remote        RemoteStorageConfig `mapstructure:"remote"`
}

type LocalStorageConfig struct {
	Dir        string `mapstructure:"dir"`
	PublicPath string `mapstructure:"public_path"`
}

type RemoteStorageConfig struct {
	URL    string `mapstructure:"url"`
	Bucket string `mapstructure:"bucket"`
	APIKey string `mapstructure:"api_key"`
}

type PaymentsConfig struct {
	CommissionRate  string       `mapstructure:"commission_rate"`
	DefaultCurrency string       `mapstructure:"default_currency"`
	MaxPrice        string       `mapstructure:"max_price"`
	TimeoutSeconds  int          `mapstructure:"timeout_seconds"`
	AppURL          string       `mapstructure:"app_url"`
	BrandName       string       `mapstructure:"brand_name"`
	Stripe          StripeConfig `mapstructure:"stripe"`
	PayPal          PayPalConfig `mapstructure:"paypal"`
}

type StripeConfig struct {
	SecretKey string `mapstructure:"secret_key"`
}

type PayPalConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Sandbox      bool   `mapstructure:"sandbox"`
	BaseURL      string `mapstructure:"base_url"`
}

// Stripe 收银台的 expires_at 必须在创建后 30 分钟到 24 小时之间，下限多留 1 分钟
const (
	MinCheckoutTimeout = 31 * time.Minute
	MaxCheckoutTimeout = 24 * time.Hour
)

// DefaultPriceCeiling 对应 decimal(12,2)
var DefaultPriceCeiling = decimal.RequireFromString("9999999999.99")

type BusinessConfig struct {
	CheckoutTimeoutMinutes int `mapstructure:"checkout_timeout_minutes"`
	MaxRetryCount          int `mapstructure:"max_retry_count"`
}

// Rate 返回平台佣金比例，两个支付渠道共用同一个配置值
func (p PaymentsConfig) Rate() decimal.Decimal {
	rate, err := decimal.NewFromString(p.CommissionRate)
	if err != nil {
		return decimal.Zero
	}
	return rate
}

// PriceCeiling 单个服务允许的最高标价，与 services.price 列的精度一致
func (p PaymentsConfig) PriceCeiling() decimal.Decimal {
	ceiling, err := decimal.NewFromString(p.MaxPrice)
	if err != nil || !ceiling.IsPositive() {
		return DefaultPriceCeiling
	}
	return ceiling
}

func (p PaymentsConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// CheckoutTimeout 收银台有效期，限制在 [MinCheckoutTimeout, MaxCheckoutTimeout]
func (b BusinessConfig) CheckoutTimeout() time.Duration {
	timeout := time.Duration(b.CheckoutTimeoutMinutes) * time.Minute
	if timeout < MinCheckoutTimeout {
		return MinCheckoutTimeout
	}
	if timeout > MaxCheckoutTimeout {
		return MaxCheckoutTimeout
	}
	return timeout
}

func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	// 空默认值也要注册，否则 AutomaticEnv 在 Unmarshal 时看不到这些 key
	for _, key := range []string{
		"auth.jwt_secret", "auth.issuer",
		"store.mysql.host", "store.mysql.user", "store.mysql.password", "store.mysql.database",
		"store.hosted.dsn", "store.hosted.jwt_secret",
		"redis.host", "redis.password",
		"storage.remote.url", "storage.remote.api_key",
		"payments.app_url", "payments.stripe.secret_key",
		"payments.paypal.client_id", "payments.paypal.client_secret", "payments.paypal.base_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("server.debug_errors", false)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("store.mysql.port", 3306)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.request_timeout_seconds", 15)
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("store.driver", StoreDriverSQLite)
	v.SetDefault("store.sqlite.path", "local.db")
	v.SetDefault("store.mysql.max_open_conns", 20)
	v.SetDefault("store.mysql.max_idle_conns", 5)
	v.SetDefault("store.hosted.max_conns", 8)
	v.SetDefault("store.hosted.role", "authenticated")
	v.SetDefault("kafka.topic.transaction_events", "marketplace.transactions")
	v.SetDefault("auth.admin_role", "admin")
	v.SetDefault("storage.driver", StorageDriverLocal)
	v.SetDefault("storage.max_image_bytes", 5<<20)
	v.SetDefault("storage.local.dir", "public/uploads/images")
	v.SetDefault("storage.local.public_path", "/uploads/images")
	v.SetDefault("storage.remote.bucket", "services")
	v.SetDefault("payments.commission_rate", "0.10")
	v.SetDefault("payments.default_currency", "EUR")
	v.SetDefault("payments.timeout_seconds", 10)
	v.SetDefault("payments.brand_name", "TeCambio")
	v.SetDefault("payments.paypal.sandbox", true)
	v.SetDefault("payments.max_price", DefaultPriceCeiling.String())
	v.SetDefault("business.checkout_timeout_minutes", 60)
	v.SetDefault("business.max_retry_count", 5)
}

// LoadConfig 加载配置文件
//
// 优先级：环境变量 > .env > config.yaml > 默认值
// 环境变量名由配置路径转换而来，例如 store.driver -> STORE_DRIVER
func LoadConfig(configPath string) (*Config, error) {
	// .env 不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverSQLite, StoreDriverMySQL:
	case StoreDriverHosted:
		if c.Store.Hosted.DSN == "" {
			return errors.New("store.hosted.dsn 不能为空")
		}
		if c.Store.Hosted.JWTSecret == "" {
			return errors.New("store.hosted.jwt_secret 不能为空")
		}
	default:
		return fmt.Errorf("未知的 store.driver: %q", c.Store.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret 不能为空")
	}

	switch c.Storage.Driver {
	case StorageDriverLocal, StorageDriverRemote:
	default:
		return fmt.Errorf("未知的 storage.driver: %q", c.Storage.Driver)
	}

	rate, err := decimal.NewFromString(c.Payments.CommissionRate)
	if err != nil {
		return fmt.Errorf("payments.commission_rate 格式错误: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("payments.commission_rate 必须在 [0,1) 之间: %s", rate)
	}
	if c.Payments.MaxPrice != "" {
		ceiling, err := decimal.NewFromString(c.Payments.MaxPrice)
		if err != nil || !ceiling.IsPositive() {
			return fmt.Errorf("payments.max_price 必须是正数: %q", c.Payments.MaxPrice)
		}
	}
	if len(c.Payments.DefaultCurrency) != 3 {
		return fmt.Errorf("payments.default_currency 格式错误: %q", c.Payments.DefaultCurrency)
	}
	return nil
}

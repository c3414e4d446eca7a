package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/newplayman/market-gateway/internal/cache"
	"github.com/newplayman/market-gateway/internal/exchange"
	"github.com/newplayman/market-gateway/internal/gateway"
	"github.com/newplayman/market-gateway/internal/health"
)

// Config 全局配置结构
type Config struct {
	Exchange    ExchangeConfig  `mapstructure:"exchange"`
	RateLimit   RateLimitConfig `mapstructure:"rate_limit"`
	Retry       RetryConfig     `mapstructure:"retry"`
	Stream      StreamConfig    `mapstructure:"stream"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Health      HealthConfig    `mapstructure:"health"`
	Gateway     GatewayConfig   `mapstructure:"gateway"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Journal     JournalConfig   `mapstructure:"journal"`
	Server      ServerConfig    `mapstructure:"server"`
	LogLevel    string          `mapstructure:"log_level"`    // 日志级别，可热更新
	MetricsPort int             `mapstructure:"metrics_port"` // Prometheus 端口（0=不启动）
}

// ExchangeConfig 交易所连接
type ExchangeConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	Environment    string        `mapstructure:"environment"` // sandbox | production
	RestURL        string        `mapstructure:"rest_url"`    // 为空时按环境取默认
	WSURL          string        `mapstructure:"ws_url"`
	RecvWindow     time.Duration `mapstructure:"recv_window"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Category       string        `mapstructure:"category"`
	AccountType    string        `mapstructure:"account_type"`
	SettleCoin     string        `mapstructure:"settle_coin"`
	MaxNotional    float64       `mapstructure:"max_notional"` // 实盘单笔名义价值上限
}

// RateLimitConfig 限速
type RateLimitConfig struct {
	MinInterval       time.Duration `mapstructure:"min_interval"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	LowWatermark      int           `mapstructure:"low_watermark"`
}

// RetryConfig 读请求重试
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// StreamConfig 行情推送
type StreamConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Symbols      []string      `mapstructure:"symbols"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
}

// CacheConfig 缓存，ttl 可热更新
type CacheConfig struct {
	StaleRetention time.Duration `mapstructure:"stale_retention"`
	TTL            TTLConfig     `mapstructure:"ttl"`
}

// TTLConfig 各查询缓存时长
type TTLConfig struct {
	Balance   time.Duration `mapstructure:"balance"`
	Market    time.Duration `mapstructure:"market"`
	Positions time.Duration `mapstructure:"positions"`
	Klines    time.Duration `mapstructure:"klines"`
	OrderBook time.Duration `mapstructure:"orderbook"`
}

// HealthConfig 健康检查
type HealthConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	RecoveryThreshold int           `mapstructure:"recovery_threshold"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
}

// GatewayConfig 查询行为
type GatewayConfig struct {
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
	RemoteTimeout     time.Duration `mapstructure:"remote_timeout"`
	StatsSymbol       string        `mapstructure:"stats_symbol"`
	VerifyCredentials bool          `mapstructure:"verify_credentials"`
}

// RedisConfig 共享缓存（可选）
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// JournalConfig 订单日志，path 为空则不记录
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig HTTP 接口
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Mode            string        `mapstructure:"mode"` // gin 模式: debug | release | test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

var (
	mu           sync.RWMutex
	globalConfig *Config
	vp           *viper.Viper
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.api_secret", "")
	v.SetDefault("exchange.environment", string(exchange.Sandbox))
	v.SetDefault("exchange.rest_url", "")
	v.SetDefault("exchange.ws_url", "")
	v.SetDefault("exchange.recv_window", "5s")
	v.SetDefault("exchange.request_timeout", "10s")
	v.SetDefault("exchange.category", "linear")
	v.SetDefault("exchange.account_type", "UNIFIED")
	v.SetDefault("exchange.settle_coin", "USDT")
	v.SetDefault("exchange.max_notional", 0)

	lim := exchange.DefaultLimiterConfig()
	v.SetDefault("rate_limit.min_interval", lim.MinInterval)
	v.SetDefault("rate_limit.requests_per_minute", lim.RequestsPerMinute)
	v.SetDefault("rate_limit.base_backoff", lim.BaseBackoff)
	v.SetDefault("rate_limit.max_backoff", lim.MaxBackoff)
	v.SetDefault("rate_limit.low_watermark", lim.LowWatermark)

	retry := exchange.DefaultRetryPolicy()
	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.base_delay", retry.BaseDelay)
	v.SetDefault("retry.max_delay", retry.MaxDelay)

	st := exchange.DefaultStreamConfig()
	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.symbols", []string{"BTCUSDT"})
	v.SetDefault("stream.base_delay", st.BaseDelay)
	v.SetDefault("stream.max_delay", st.MaxDelay)
	v.SetDefault("stream.max_attempts", st.MaxAttempts)
	v.SetDefault("stream.ping_interval", st.PingInterval)
	v.SetDefault("stream.pong_wait", st.PongWait)

	ttl := gateway.DefaultTTLConfig()
	v.SetDefault("cache.stale_retention", cache.DefaultStaleRetention)
	v.SetDefault("cache.ttl.balance", ttl.Balance)
	v.SetDefault("cache.ttl.market", ttl.Market)
	v.SetDefault("cache.ttl.positions", ttl.Positions)
	v.SetDefault("cache.ttl.klines", ttl.Klines)
	v.SetDefault("cache.ttl.orderbook", ttl.OrderBook)

	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.probe_timeout", "5s")
	v.SetDefault("health.failure_threshold", 1)
	v.SetDefault("health.recovery_threshold", 1)
	v.SetDefault("health.sync_interval", "10m")

	v.SetDefault("gateway.query_timeout", "10s")
	v.SetDefault("gateway.remote_timeout", "500ms")
	v.SetDefault("gateway.stats_symbol", "BTCUSDT")
	v.SetDefault("gateway.verify_credentials", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "gateway:")
	v.SetDefault("redis.dial_timeout", "2s")

	v.SetDefault("journal.path", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_port", 9090)
}

// LoadDotEnv 读取 .env（文件不存在不算错误），已有环境变量优先
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("读取 %s 失败: %w", p, err)
		}
	}
	return nil
}

// LoadConfig 加载配置文件；path 为空时只使用默认值和环境变量
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖：GATEWAY_CACHE_TTL_MARKET 之类
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 凭证用约定俗成的变量名
	_ = v.BindEnv("exchange.api_key", "EXCHANGE_API_KEY")
	_ = v.BindEnv("exchange.api_secret", "EXCHANGE_API_SECRET")
	_ = v.BindEnv("exchange.environment", "EXCHANGE_ENVIRONMENT")
	_ = v.BindEnv("metrics_port", "GATEWAY_METRICS_PORT")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	globalConfig = cfg
	vp = v
	mu.Unlock()

	log.Info().Str("path", path).Str("environment", cfg.Exchange.Environment).Msg("配置加载成功")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &cfg, nil
}

// GetConfig 获取当前配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// validateConfig 验证配置有效性，并做规范化
func validateConfig(cfg *Config) error {
	env, err := exchange.ParseEnvironment(cfg.Exchange.Environment)
	if err != nil {
		return err
	}
	cfg.Exchange.Environment = string(env)

	if strings.TrimSpace(cfg.Exchange.APIKey) == "" || strings.TrimSpace(cfg.Exchange.APISecret) == "" {
		return fmt.Errorf("api_key 和 api_secret 不能为空")
	}
	if cfg.Exchange.MaxNotional < 0 {
		return fmt.Errorf("exchange.max_notional 不能为负")
	}

	if cfg.RateLimit.MinInterval < 0 {
		return fmt.Errorf("rate_limit.min_interval 不能为负")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute 不能为负")
	}
	if cfg.RateLimit.MaxBackoff > 0 && cfg.RateLimit.MaxBackoff < cfg.RateLimit.BaseBackoff {
		return fmt.Errorf("rate_limit.max_backoff 必须 >= base_backoff")
	}

	if cfg.Retry.MaxAttempts < 1 || cfg.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts 必须在 1-10 之间")
	}

	if cfg.Cache.StaleRetention < 0 {
		return fmt.Errorf("cache.stale_retention 不能为负")
	}
	if err := cfg.Cache.TTL.validate(); err != nil {
		return err
	}

	if cfg.Health.Interval < time.Second {
		return fmt.Errorf("health.interval 必须 >= 1s")
	}

	if cfg.Gateway.QueryTimeout <= 0 {
		return fmt.Errorf("gateway.query_timeout 必须 > 0")
	}
	cfg.Gateway.StatsSymbol = strings.ToUpper(strings.TrimSpace(cfg.Gateway.StatsSymbol))

	syms := cfg.Stream.Symbols[:0]
	for _, s := range cfg.Stream.Symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			syms = append(syms, s)
		}
	}
	cfg.Stream.Symbols = syms

	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.enabled 时 redis.addr 不能为空")
	}
	if cfg.MetricsPort < 0 || cfg.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port 超出范围")
	}
	return nil
}

func (t TTLConfig) validate() error {
	for name, d := range map[string]time.Duration{
		"balance":   t.Balance,
		"market":    t.Market,
		"positions": t.Positions,
		"klines":    t.Klines,
		"orderbook": t.OrderBook,
	} {
		if d <= 0 {
			return fmt.Errorf("cache.ttl.%s 必须 > 0", name)
		}
	}
	return nil
}

// WatchConfig 监听配置文件变化并热重载，校验失败时保留旧配置
func WatchConfig(onChange func(*Config)) {
	mu.RLock()
	v := vp
	mu.RUnlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("检测到配置文件变化，正在重载...")

		newCfg, err := decode(v)
		if err != nil {
			log.Error().Err(err).Msg("新配置验证失败，保持旧配置")
			return
		}

		mu.Lock()
		globalConfig = newCfg
		mu.Unlock()
		log.Info().Msg("配置热重载成功")
		if onChange != nil {
			onChange(newCfg)
		}
	})
	v.WatchConfig()
}

// Credentials 交易所凭证
func (c *Config) Credentials() (exchange.Credentials, error) {
	env, err := exchange.ParseEnvironment(c.Exchange.Environment)
	if err != nil {
		return exchange.Credentials{}, err
	}
	return exchange.NewCredentials(c.Exchange.APIKey, c.Exchange.APISecret, env)
}

// Endpoints 按环境取默认地址，再用配置覆盖
func (c *Config) Endpoints() exchange.Endpoints {
	env, _ := exchange.ParseEnvironment(c.Exchange.Environment)
	return exchange.DefaultEndpoints(env).Override(c.Exchange.RestURL, c.Exchange.WSURL)
}

// ClientConfig REST 客户端配置
func (c *Config) ClientConfig() exchange.ClientConfig {
	return exchange.ClientConfig{
		BaseURL:        c.Endpoints().RestURL,
		RecvWindow:     c.Exchange.RecvWindow,
		RequestTimeout: c.Exchange.RequestTimeout,
		Category:       c.Exchange.Category,
		AccountType:    c.Exchange.AccountType,
		SettleCoin:     c.Exchange.SettleCoin,
		MaxNotional:    c.Exchange.MaxNotional,
		Retry: exchange.RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   c.Retry.BaseDelay,
			MaxDelay:    c.Retry.MaxDelay,
		},
	}
}

// LimiterConfig 限速配置
func (c *Config) LimiterConfig() exchange.LimiterConfig {
	return exchange.LimiterConfig{
		MinInterval:       c.RateLimit.MinInterval,
		RequestsPerMinute: c.RateLimit.RequestsPerMinute,
		BaseBackoff:       c.RateLimit.BaseBackoff,
		MaxBackoff:        c.RateLimit.MaxBackoff,
		LowWatermark:      c.RateLimit.LowWatermark,
	}
}

// StreamConfig 推送连接配置
func (c *Config) StreamConfig() exchange.StreamConfig {
	sc := exchange.DefaultStreamConfig()
	sc.URL = c.Endpoints().WSURL
	sc.BaseDelay = c.Stream.BaseDelay
	sc.MaxDelay = c.Stream.MaxDelay
	sc.MaxAttempts = c.Stream.MaxAttempts
	sc.PingInterval = c.Stream.PingInterval
	sc.PongWait = c.Stream.PongWait
	return sc
}

// TTL 网关缓存时长
func (c *Config) TTL() gateway.TTLConfig {
	return gateway.TTLConfig{
		Balance:   c.Cache.TTL.Balance,
		Market:    c.Cache.TTL.Market,
		Positions: c.Cache.TTL.Positions,
		Klines:    c.Cache.TTL.Klines,
		OrderBook: c.Cache.TTL.OrderBook,
	}
}

// GatewayConfig 网关配置
func (c *Config) GatewayConfig() gateway.Config {
	var symbols []string
	if c.Stream.Enabled {
		symbols = append(symbols, c.Stream.Symbols...)
	}
	return gateway.Config{
		QueryTimeout:      c.Gateway.QueryTimeout,
		RemoteTimeout:     c.Gateway.RemoteTimeout,
		TTL:               c.TTL(),
		Symbols:           symbols,
		StatsSymbol:       c.Gateway.StatsSymbol,
		VerifyCredentials: c.Gateway.VerifyCredentials,
		Health: health.Config{
			Interval:          c.Health.Interval,
			ProbeTimeout:      c.Health.ProbeTimeout,
			FailureThreshold:  c.Health.FailureThreshold,
			RecoveryThreshold: c.Health.RecoveryThreshold,
			SyncInterval:      c.Health.SyncInterval,
		},
	}
}

// CacheConfig 本地缓存配置
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{StaleRetention: c.Cache.StaleRetention}
}

// RedisConfig 共享缓存连接配置
func (c *Config) RedisConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Addr:        c.Redis.Addr,
		Password:    c.Redis.Password,
		DB:          c.Redis.DB,
		Prefix:      c.Redis.Prefix,
		DialTimeout: c.Redis.DialTimeout,
	}
}

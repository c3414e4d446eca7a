package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/newplayman/market-gateway/internal/exchange"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写配置失败: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
exchange:
  api_key: "test_key"
  api_secret: "test_secret"
  environment: "testnet"
  max_notional: 5000
rate_limit:
  requests_per_minute: 120
cache:
  stale_retention: 5m
  ttl:
    market: 10s
stream:
  symbols: ["btcusdt", " ethusdt ", ""]
log_level: "debug"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Exchange.Environment != string(exchange.Sandbox) {
		t.Errorf("environment = %q, want sandbox", cfg.Exchange.Environment)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 {
		t.Errorf("requests_per_minute = %d", cfg.RateLimit.RequestsPerMinute)
	}
	if cfg.Cache.StaleRetention != 5*time.Minute {
		t.Errorf("stale_retention = %v", cfg.Cache.StaleRetention)
	}
	if cfg.Cache.TTL.Market != 10*time.Second || cfg.Cache.TTL.Balance != 60*time.Second {
		t.Errorf("ttl = %+v", cfg.Cache.TTL)
	}
	if len(cfg.Stream.Symbols) != 2 || cfg.Stream.Symbols[1] != "ETHUSDT" {
		t.Errorf("symbols = %v", cfg.Stream.Symbols)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log_level = %q", cfg.LogLevel)
	}
	if GetConfig() != cfg {
		t.Errorf("GetConfig 应返回最近一次加载的配置")
	}

	cc := cfg.ClientConfig()
	if cc.BaseURL != exchange.SandboxRestURL || cc.MaxNotional != 5000 {
		t.Errorf("client config = %+v", cc)
	}
	if cc.Retry.MaxAttempts != exchange.DefaultRetryPolicy().MaxAttempts {
		t.Errorf("retry = %+v", cc.Retry)
	}
	if sc := cfg.StreamConfig(); sc.URL != exchange.SandboxWSURL {
		t.Errorf("stream url = %q", sc.URL)
	}
	gc := cfg.GatewayConfig()
	if len(gc.Symbols) != 2 || gc.TTL.Market != 10*time.Second || gc.Health.Interval != 30*time.Second {
		t.Errorf("gateway config = %+v", gc)
	}
	if _, err := cfg.Credentials(); err != nil {
		t.Errorf("Credentials: %v", err)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("EXCHANGE_API_KEY", "env_key")
	t.Setenv("EXCHANGE_API_SECRET", "env_secret")
	t.Setenv("EXCHANGE_ENVIRONMENT", "production")
	t.Setenv("GATEWAY_CACHE_TTL_ORDERBOOK", "2s")
	t.Setenv("GATEWAY_METRICS_PORT", "0")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Exchange.APIKey != "env_key" || cfg.Exchange.Environment != string(exchange.Production) {
		t.Errorf("exchange = %+v", cfg.Exchange)
	}
	if cfg.Cache.TTL.OrderBook != 2*time.Second {
		t.Errorf("orderbook ttl = %v", cfg.Cache.TTL.OrderBook)
	}
	if cfg.MetricsPort != 0 {
		t.Errorf("metrics_port = %d", cfg.MetricsPort)
	}
	if cfg.ClientConfig().BaseURL != exchange.ProductionRestURL {
		t.Errorf("production base url expected")
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing credentials": `
exchange:
  api_key: ""
`,
		"unknown environment": `
exchange:
  api_key: k
  api_secret: s
  environment: staging
`,
		"zero ttl": `
exchange:
  api_key: k
  api_secret: s
cache:
  ttl:
    balance: 0s
`,
		"bad retry": `
exchange:
  api_key: k
  api_secret: s
retry:
  max_attempts: 0
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("GW_DOTENV_PROBE=from-file\n"), 0o600); err != nil {
		t.Fatalf("写 .env 失败: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("GW_DOTENV_PROBE") })

	if err := LoadDotEnv(envFile, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("GW_DOTENV_PROBE"); got != "from-file" {
		t.Fatalf("GW_DOTENV_PROBE = %q", got)
	}
}

func TestWatchConfigReloadsTTL(t *testing.T) {
	path := writeConfig(t, `
exchange:
  api_key: k
  api_secret: s
cache:
  ttl:
    market: 30s
`)
	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	reloaded := make(chan *Config, 4)
	WatchConfig(func(c *Config) { reloaded <- c })

	// 无效内容不触发回调
	if err := os.WriteFile(path, []byte("exchange:\n  api_key: \"\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if err := os.WriteFile(path, []byte("exchange:\n  api_key: k\n  api_secret: s\ncache:\n  ttl:\n    market: 7s\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-reloaded:
			if c.Cache.TTL.Market == 7*time.Second {
				if GetConfig().Cache.TTL.Market != 7*time.Second {
					t.Fatalf("GetConfig not updated")
				}
				return
			}
		case <-deadline:
			t.Fatalf("config reload not observed")
		}
	}
}

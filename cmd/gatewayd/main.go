package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/market-gateway/internal/api"
	"github.com/newplayman/market-gateway/internal/cache"
	"github.com/newplayman/market-gateway/internal/config"
	"github.com/newplayman/market-gateway/internal/exchange"
	"github.com/newplayman/market-gateway/internal/gateway"
	"github.com/newplayman/market-gateway/internal/metrics"
	"github.com/newplayman/market-gateway/internal/store"
)

var (
	configFile = flag.String("config", "config.yaml", "配置文件路径（为空则只用环境变量）")
	envFile    = flag.String("env", ".env", ".env 文件路径")
	logLevel   = flag.String("log", "", "日志级别 (debug, info, warn, error)，为空时使用配置")
)

func main() {
	flag.Parse()

	setupLogger(*logLevel)
	log.Info().Msg("交易所数据网关启动中...")

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatal().Err(err).Msg("读取 .env 失败")
	}
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	if *logLevel == "" {
		setLevel(cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds, err := cfg.Credentials()
	if err != nil {
		log.Fatal().Err(err).Msg("交易所凭证无效")
	}
	limiter := exchange.NewLimiter(cfg.LimiterConfig())
	rest := exchange.NewRestClient(creds, cfg.ClientConfig(), limiter, exchange.NewDefaultHTTPClient())
	rest.SetObserver(func(ev exchange.RequestEvent) {
		kind := ""
		if ev.Err != nil {
			kind = exchange.KindOf(ev.Err).String()
		}
		metrics.RecordAPICall(ev.Endpoint, ev.Status, ev.Duration.Seconds(), kind)
	})
	log.Info().
		Str("environment", string(creds.Environment())).
		Str("rest", cfg.ClientConfig().BaseURL).
		Msg("交易所客户端已创建")

	deps := gateway.Deps{
		Exchange: rest,
		Cache:    cache.New(cfg.CacheConfig()),
	}

	if cfg.Stream.Enabled {
		deps.Stream = exchange.NewStreamManager(cfg.StreamConfig())
	}

	if cfg.Redis.Enabled {
		remote, err := cache.DialRedis(ctx, cfg.RedisConfig())
		if err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("共享缓存不可用，只使用本地缓存")
		} else {
			deps.Remote = remote
		}
	}

	if cfg.Journal.Path != "" {
		j, err := store.OpenJournal(cfg.Journal.Path)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Journal.Path).Msg("打开订单日志失败")
		}
		deps.Journal = j
	}

	if cfg.MetricsPort > 0 {
		if _, err := metrics.StartMetricsServer(cfg.MetricsPort); err != nil {
			log.Error().Err(err).Msg("启动监控服务器失败")
		}
	}

	gw, err := gateway.New(cfg.GatewayConfig(), deps)
	if err != nil {
		log.Fatal().Err(err).Msg("创建网关失败")
	}
	if err := gw.Init(ctx); err != nil {
		log.Fatal().Err(err).Msg("网关初始化失败")
	}

	config.WatchConfig(func(c *config.Config) {
		gw.SetTTL(c.TTL())
		reloadLevel(*logLevel, c.LogLevel)
	})

	gin.SetMode(cfg.Server.Mode)
	srv := api.NewServer(gw)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout) }()

	log.Info().Str("addr", cfg.Server.Addr).Msg("数据网关启动完成")

	srvDone := false
	select {
	case <-ctx.Done():
		log.Info().Msg("收到退出信号，正在关闭...")
	case err := <-srvErr:
		srvDone = true
		if err != nil {
			log.Error().Err(err).Msg("HTTP 服务异常退出")
		}
		stop()
	}

	// HTTP 服务先退出，再关闭网关
	if !srvDone {
		select {
		case <-srvErr:
		case <-time.After(cfg.Server.ShutdownTimeout):
		}
	}
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := gw.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("关闭网关出错")
	}

	log.Info().Msg("数据网关已关闭")
}

// setupLogger 设置日志
func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})
	setLevel(level)
}

// reloadLevel 配置热更新时的日志级别；命令行指定了级别时以命令行为准
func reloadLevel(flagLevel, cfgLevel string) {
	if flagLevel != "" {
		return
	}
	setLevel(cfgLevel)
}

func setLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

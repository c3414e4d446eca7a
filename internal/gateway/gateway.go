package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/market-gateway/internal/cache"
	"github.com/newplayman/market-gateway/internal/exchange"
	"github.com/newplayman/market-gateway/internal/health"
	"github.com/newplayman/market-gateway/internal/metrics"
	"github.com/newplayman/market-gateway/internal/store"
)

// Exchange 网关依赖的交易所能力，*exchange.RestClient 实现了它
type Exchange interface {
	GetServerTime(ctx context.Context) (exchange.ServerTime, error)
	SyncTime(ctx context.Context) (time.Duration, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (exchange.OrderBook, error)
	GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
	GetAccountBalance(ctx context.Context) (exchange.AccountBalance, error)
	GetPositions(ctx context.Context, symbol string) ([]exchange.Position, error)
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (exchange.OrderAck, error)
	Limiter() *exchange.Limiter
	Environment() exchange.Environment
}

// TTLConfig 各类查询的缓存时长
type TTLConfig struct {
	Balance   time.Duration
	Market    time.Duration
	Positions time.Duration
	Klines    time.Duration
	OrderBook time.Duration
}

// DefaultTTLConfig 默认缓存时长
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Balance:   60 * time.Second,
		Market:    30 * time.Second,
		Positions: 30 * time.Second,
		Klines:    30 * time.Second,
		OrderBook: 5 * time.Second,
	}
}

func (t *TTLConfig) normalize() {
	def := DefaultTTLConfig()
	if t.Balance <= 0 {
		t.Balance = def.Balance
	}
	if t.Market <= 0 {
		t.Market = def.Market
	}
	if t.Positions <= 0 {
		t.Positions = def.Positions
	}
	if t.Klines <= 0 {
		t.Klines = def.Klines
	}
	if t.OrderBook <= 0 {
		t.OrderBook = def.OrderBook
	}
}

// Config 网关配置
type Config struct {
	QueryTimeout      time.Duration // 单次实时查询的超时
	RemoteTimeout     time.Duration // 共享缓存读写超时
	TTL               TTLConfig
	Symbols           []string // 订阅行情推送的交易对
	StatsSymbol       string   // 交易统计里使用的行情
	VerifyCredentials bool     // Init 时用余额接口校验密钥
	Health            health.Config
}

func (c *Config) normalize() {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = 500 * time.Millisecond
	}
	c.TTL.normalize()
	if c.StatsSymbol == "" {
		c.StatsSymbol = "BTCUSDT"
	}
	c.StatsSymbol = strings.ToUpper(c.StatsSymbol)
	// 复制一份，不改调用方的切片
	syms := make([]string, len(c.Symbols))
	for i, s := range c.Symbols {
		syms[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	c.Symbols = syms
}

// Deps 外部依赖。Exchange 必填，其余可为空。
type Deps struct {
	Exchange Exchange
	Stream   *exchange.StreamManager
	Cache    *cache.Cache
	Remote   cache.Remote
	Journal  *store.Journal
	Now      func() time.Time
}

// Gateway 协作方唯一入口：缓存、降级、健康检查、订阅推送都挂在这里。
type Gateway struct {
	cfg     Config
	ex      Exchange
	stream  *exchange.StreamManager
	cache   *cache.Cache
	remote  cache.Remote
	journal *store.Journal
	monitor *health.Monitor
	synth   *Synthetic
	now     func() time.Time

	ttlMu sync.RWMutex
	ttl   TTLConfig

	tickMu  sync.Mutex
	tickers map[string]exchange.Ticker

	stateMu     sync.Mutex
	initialized bool
	closed      bool
}

// New 组装网关，不做任何网络调用
func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Exchange == nil {
		return nil, errors.New("gateway: exchange client is required")
	}
	cfg.normalize()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(cache.Config{StaleRetention: cache.DefaultStaleRetention, Now: deps.Now})
	}
	g := &Gateway{
		cfg:     cfg,
		ex:      deps.Exchange,
		stream:  deps.Stream,
		cache:   deps.Cache,
		remote:  deps.Remote,
		journal: deps.Journal,
		synth:   NewSynthetic(deps.Now),
		now:     deps.Now,
		ttl:     cfg.TTL,
		tickers: make(map[string]exchange.Ticker),
	}
	hd := health.Deps{Probe: deps.Exchange, Clock: deps.Exchange, Cache: deps.Cache}
	if lim := deps.Exchange.Limiter(); lim != nil {
		hd.Limiter = lim
	}
	g.monitor = health.NewMonitor(cfg.Health, hd, health.Hooks{
		OnUnhealthy: func(reason string) { log.Warn().Str("reason", reason).Msg("交易所不可达，读查询将降级") },
		OnRecovered: func(reason string) { log.Info().Str("reason", reason).Msg("交易所恢复") },
	})
	return g, nil
}

// Init 首次健康检查、可选的密钥校验、启动后台监控与订阅通道。
// 只有鉴权失败会返回错误。
func (g *Gateway) Init(ctx context.Context) error {
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if g.closed {
		return errors.New("gateway: already shut down")
	}
	if g.initialized {
		return nil
	}

	env := g.ex.Environment()
	log.Info().Str("environment", string(env)).Msg("初始化数据网关")

	if lim := g.ex.Limiter(); lim != nil {
		lim.OnChange(func(st exchange.RateLimitState) {
			metrics.UpdateLimiterMetrics(st.Exceeded, st.Backoff.Seconds(), st.Remaining)
		})
	}

	st := g.monitor.Check(ctx)
	if !st.Connected {
		log.Warn().Str("error", st.LastError).Msg("交易所暂不可达，以降级模式启动")
	}

	if g.cfg.VerifyCredentials {
		vctx, cancel := context.WithTimeout(ctx, g.cfg.QueryTimeout)
		bal, err := g.ex.GetAccountBalance(vctx)
		cancel()
		switch {
		case err == nil:
			g.cache.Put(cache.Key(queryBalance), bal, g.ttls().Balance)
		case exchange.KindOf(err) == exchange.KindAuth:
			return fmt.Errorf("gateway: credential check failed: %w", err)
		default:
			log.Warn().Err(err).Msg("密钥校验未完成，稍后由查询重试")
		}
	}

	g.monitor.Start(context.WithoutCancel(ctx))
	g.startStream()

	g.initialized = true
	log.Info().Strs("symbols", g.cfg.Symbols).Msg("数据网关已就绪")
	return nil
}

// Shutdown 停止健康检查和订阅通道并释放资源；返回前后台 goroutine 已退出。
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.stateMu.Lock()
	if g.closed {
		g.stateMu.Unlock()
		return nil
	}
	g.closed = true
	g.stateMu.Unlock()

	log.Info().Msg("关闭数据网关")
	g.monitor.Stop()

	var errs []error
	if g.stream != nil {
		done := make(chan error, 1)
		go func() { done <- g.stream.Close() }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("close stream: %w", ctx.Err()))
		}
	}
	if g.remote != nil {
		if err := g.remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote cache: %w", err))
		}
	}
	if g.journal != nil {
		if err := g.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SetTTL 热更新缓存时长
func (g *Gateway) SetTTL(t TTLConfig) {
	t.normalize()
	g.ttlMu.Lock()
	g.ttl = t
	g.ttlMu.Unlock()
	log.Info().
		Dur("balance", t.Balance).
		Dur("market", t.Market).
		Dur("positions", t.Positions).
		Dur("klines", t.Klines).
		Dur("orderbook", t.OrderBook).
		Msg("缓存时长已更新")
}

func (g *Gateway) ttls() TTLConfig {
	g.ttlMu.RLock()
	defer g.ttlMu.RUnlock()
	return g.ttl
}

// Environment 当前交易环境
func (g *Gateway) Environment() exchange.Environment { return g.ex.Environment() }

// Health 最近一次健康检查结果
func (g *Gateway) Health() health.ConnectionStatus { return g.monitor.Status() }

// StatusReport 网关运行状态
type StatusReport struct {
	Environment string                  `json:"environment"`
	Connection  health.ConnectionStatus `json:"connection_status"`
	CacheSize   int                     `json:"cache_size"`
	Cache       cache.Stats             `json:"cache"`
	LimiterMode string                  `json:"limiter_mode"`
	RateLimit   exchange.RateLimitState `json:"rate_limit"`
	Stream      string                  `json:"stream"`
	Topics      []string                `json:"topics"`
	Reconnects  int                     `json:"reconnects"`
	Timestamp   time.Time               `json:"timestamp"`
}

// Status 汇总环境、连接、缓存、限流、订阅状态
func (g *Gateway) Status() StatusReport {
	stats := g.cache.Stats()
	metrics.UpdateCacheEntries(stats.Entries)
	rep := StatusReport{
		Environment: string(g.ex.Environment()),
		Connection:  g.monitor.Status(),
		CacheSize:   stats.Entries,
		Cache:       stats,
		Stream:      exchange.StreamDisconnected.String(),
		Timestamp:   g.now(),
	}
	if lim := g.ex.Limiter(); lim != nil {
		rep.LimiterMode = lim.Mode().String()
		rep.RateLimit = lim.State()
	}
	if g.stream != nil {
		rep.Stream = g.stream.State().String()
		rep.Topics = g.stream.Topics()
		rep.Reconnects = g.stream.Reconnects()
	}
	return rep
}

package health

import (
	"context"
	"sync"
	"time"

	"github.com/newplayman/market-gateway/internal/exchange"
	"github.com/newplayman/market-gateway/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Prober 交易所连通性探测
type Prober interface {
	GetServerTime(ctx context.Context) (exchange.ServerTime, error)
}

// ClockSyncer 校准本地与交易所时钟
type ClockSyncer interface {
	SyncTime(ctx context.Context) (time.Duration, error)
}

// Refresher 限流器到期恢复
type Refresher interface {
	Refresh() exchange.LimiterMode
}

// Sweeper 清理过期缓存
type Sweeper interface {
	Sweep() int
}

// Deps 监控依赖，除 Probe 外均可为空
type Deps struct {
	Probe   Prober
	Clock   ClockSyncer
	Limiter Refresher
	Cache   Sweeper
}

// Hooks 连通性变化回调（均可为空）
type Hooks struct {
	OnUnhealthy func(reason string)
	OnRecovered func(reason string)
}

// Config 监控配置
type Config struct {
	Interval          time.Duration // 探测周期
	ProbeTimeout      time.Duration
	FailureThreshold  int           // 连续失败多少次判定断开
	RecoveryThreshold int           // 断开后连续成功多少次判定恢复
	SyncInterval      time.Duration // 时钟校准周期（0=只在首次成功时校准）
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 1
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 1
	}
	if c.SyncInterval < 0 {
		c.SyncInterval = 0
	}
}

// ConnectionStatus 对外报告的连接状态
type ConnectionStatus struct {
	Connected           bool          `json:"connected"`
	LastCheck           time.Time     `json:"last_check"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Latency             time.Duration `json:"latency"`
	ClockOffset         time.Duration `json:"clock_offset"`
	Stream              string        `json:"stream"`
	StreamError         string        `json:"stream_error,omitempty"`
}

// Monitor 周期性探测交易所，顺带恢复限流器、清理缓存、校准时钟。
type Monitor struct {
	cfg   Config
	deps  Deps
	hooks Hooks
	now   func() time.Time

	mu         sync.RWMutex
	status     ConnectionStatus
	recoveries int
	unhealthy  bool
	lastSync   time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor 创建监控
func NewMonitor(cfg Config, deps Deps, hooks Hooks) *Monitor {
	cfg.normalize()
	return &Monitor{
		cfg:    cfg,
		deps:   deps,
		hooks:  hooks,
		now:    time.Now,
		status: ConnectionStatus{Stream: exchange.StreamDisconnected.String()},
	}
}

// Start 启动后台探测
func (m *Monitor) Start(ctx context.Context) {
	if m.deps.Probe == nil {
		log.Warn().Msg("健康检查未启用：缺少探测目标")
		return
	}

	childCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(childCtx)
	}()
}

// Stop 停止探测并等待后台 goroutine 退出
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check 执行一次完整检查并返回最新状态
func (m *Monitor) Check(ctx context.Context) ConnectionStatus {
	if m.deps.Limiter != nil {
		if mode := m.deps.Limiter.Refresh(); mode == exchange.LimiterThrottled {
			log.Debug().Msg("限流仍未解除")
		}
	}

	latency, err := m.probe(ctx)
	m.record(err, latency)

	if err == nil && m.syncDue() {
		m.syncClock(ctx)
	}

	if m.deps.Cache != nil {
		if n := m.deps.Cache.Sweep(); n > 0 {
			log.Debug().Int("removed", n).Msg("清理过期缓存")
		}
	}

	st := m.Status()
	metrics.RecordHealth(st.Connected, st.ClockOffset.Seconds())
	return st
}

func (m *Monitor) probe(ctx context.Context) (time.Duration, error) {
	if m.deps.Probe == nil {
		return 0, nil
	}
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	start := m.now()
	_, err := m.deps.Probe.GetServerTime(pctx)
	return m.now().Sub(start), err
}

func (m *Monitor) record(err error, latency time.Duration) {
	var fire func(string)
	var reason string

	m.mu.Lock()
	m.status.LastCheck = m.now()
	m.status.Latency = latency
	if err != nil {
		m.status.ConsecutiveFailures++
		m.status.LastError = err.Error()
		m.recoveries = 0
		if m.status.ConsecutiveFailures >= m.cfg.FailureThreshold {
			m.status.Connected = false
			if !m.unhealthy {
				m.unhealthy = true
				fire, reason = m.hooks.OnUnhealthy, "exchange_unreachable"
			}
		}
	} else {
		m.status.ConsecutiveFailures = 0
		m.status.LastError = ""
		if m.unhealthy {
			m.recoveries++
			if m.recoveries >= m.cfg.RecoveryThreshold {
				m.unhealthy = false
				m.recoveries = 0
				m.status.Connected = true
				fire, reason = m.hooks.OnRecovered, "exchange_recovered"
			}
		} else {
			m.status.Connected = true
		}
	}
	failures := m.status.ConsecutiveFailures
	m.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Int("failures", failures).Msg("交易所探测失败")
	}
	if fire != nil {
		if reason == "exchange_recovered" {
			log.Info().Msg("交易所连通性恢复")
		} else {
			log.Error().Msg("交易所连续探测失败，标记为断开")
		}
		fire(reason)
	}
}

func (m *Monitor) syncDue() bool {
	if m.deps.Clock == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastSync.IsZero() {
		return true
	}
	return m.cfg.SyncInterval > 0 && m.now().Sub(m.lastSync) >= m.cfg.SyncInterval
}

func (m *Monitor) syncClock(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	offset, err := m.deps.Clock.SyncTime(sctx)
	if err != nil {
		log.Warn().Err(err).Msg("时钟校准失败")
		return
	}
	m.mu.Lock()
	m.lastSync = m.now()
	m.status.ClockOffset = offset
	m.mu.Unlock()
	log.Debug().Dur("offset", offset).Msg("时钟已校准")
}

// ReportStream 订阅通道状态变化时调用
func (m *Monitor) ReportStream(state exchange.StreamState, err error) {
	m.mu.Lock()
	m.status.Stream = state.String()
	if err != nil {
		m.status.StreamError = err.Error()
	} else if state == exchange.StreamConnected {
		m.status.StreamError = ""
	}
	m.mu.Unlock()
}

// Status 当前状态副本
func (m *Monitor) Status() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

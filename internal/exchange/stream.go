package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// StreamState 订阅通道状态
type StreamState int

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamReconnecting
	StreamTerminated // 重连次数耗尽，不再尝试
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamConnected:
		return "connected"
	case StreamReconnecting:
		return "reconnecting"
	case StreamTerminated:
		return "terminated"
	default:
		return "disconnected"
	}
}

// StreamConfig WebSocket 配置
type StreamConfig struct {
	URL              string
	BaseDelay        time.Duration // 重连基础延迟
	MaxDelay         time.Duration // 重连最大延迟
	MaxAttempts      int           // 连续失败次数上限（0=无限）
	PingInterval     time.Duration // 无流量多久后发送 ping
	PongWait         time.Duration // 等待 pong 的宽限期
	WriteWait        time.Duration // 写超时
	HandshakeTimeout time.Duration
	SubscribeBatch   int // 单条 subscribe 消息最多携带的 topic 数
}

// DefaultStreamConfig 默认配置
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		BaseDelay:        time.Second,
		MaxDelay:         60 * time.Second,
		MaxAttempts:      10,
		PingInterval:     20 * time.Second,
		PongWait:         10 * time.Second,
		WriteWait:        5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		SubscribeBatch:   10,
	}
}

func (c *StreamConfig) normalize() {
	def := DefaultStreamConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.SubscribeBatch <= 0 {
		c.SubscribeBatch = def.SubscribeBatch
	}
}

// StreamMessage 推送给回调的主题消息
type StreamMessage struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// Subscription 客户端侧订阅，断线重连后会重新发送
type Subscription struct {
	Topic    string
	Callback func(StreamMessage)
	Active   bool
}

// StreamHooks 生命周期回调（均可为空）
type StreamHooks struct {
	OnState     func(StreamState)
	OnFatal     func(error)
	OnReconnect func(attempt int)
	OnMessage   func(topic string, known bool)
}

type wsCommand struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

type wsInbound struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

// StreamManager 持久订阅通道：断线重连、自动重订阅、应用层心跳。
type StreamManager struct {
	cfg    StreamConfig
	dialer *websocket.Dialer

	mu    sync.RWMutex
	subs  map[string]*Subscription
	state StreamState
	conn  *websocket.Conn
	err   error
	hooks StreamHooks

	writeMu sync.Mutex

	lastRecv   atomic.Int64 // unix nano
	pingSentAt atomic.Int64 // 0 表示没有未应答的 ping
	reconnects atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	started   atomic.Bool
}

// NewStreamManager 创建订阅管理器（不会立即连接）
func NewStreamManager(cfg StreamConfig) *StreamManager {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamManager{
		cfg:    cfg,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.HandshakeTimeout},
		subs:   make(map[string]*Subscription),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// SetHooks 设置回调，需在 Start 之前调用
func (m *StreamManager) SetHooks(h StreamHooks) {
	m.mu.Lock()
	m.hooks = h
	m.mu.Unlock()
}

// Start 启动后台连接循环
func (m *StreamManager) Start() {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.run()
	})
}

// Close 停止心跳与读循环并关闭连接，返回前所有后台 goroutine 已退出。
func (m *StreamManager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.closeConn()
		if m.started.Load() {
			<-m.done
		}
		m.mu.Lock()
		if m.state != StreamTerminated {
			m.state = StreamDisconnected
		}
		m.mu.Unlock()
	})
	return nil
}

// Done 后台循环退出时关闭
func (m *StreamManager) Done() <-chan struct{} { return m.done }

// Err 重连耗尽后的致命错误
func (m *StreamManager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

// State 当前状态
func (m *StreamManager) State() StreamState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reconnects 累计重连次数
func (m *StreamManager) Reconnects() int { return int(m.reconnects.Load()) }

// Subscribe 注册主题回调；已连接时立即发送订阅。
// 发送失败时订阅仍然保留，下次连上会重新发送。
func (m *StreamManager) Subscribe(topic string, cb func(StreamMessage)) error {
	if topic == "" || cb == nil {
		return invalidArgument("subscribe", "topic and callback required")
	}
	m.mu.Lock()
	m.subs[topic] = &Subscription{Topic: topic, Callback: cb, Active: true}
	connected := m.state == StreamConnected
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.send(wsCommand{Op: "subscribe", Args: []string{topic}})
}

// Unsubscribe 移除订阅，幂等；已连接时通知交易所。
func (m *StreamManager) Unsubscribe(topic string) error {
	m.mu.Lock()
	_, ok := m.subs[topic]
	delete(m.subs, topic)
	connected := m.state == StreamConnected
	m.mu.Unlock()

	if !ok || !connected {
		return nil
	}
	return m.send(wsCommand{Op: "unsubscribe", Args: []string{topic}})
}

// Topics 当前活跃主题（已排序）
func (m *StreamManager) Topics() []string {
	m.mu.RLock()
	topics := make([]string, 0, len(m.subs))
	for t, s := range m.subs {
		if s.Active {
			topics = append(topics, t)
		}
	}
	m.mu.RUnlock()
	sort.Strings(topics)
	return topics
}

// run 主循环
func (m *StreamManager) run() {
	defer close(m.done)

	failures := 0
	m.setState(StreamConnecting)
	for {
		conn, err := m.dial()
		if err != nil {
			if m.ctx.Err() != nil {
				m.setState(StreamDisconnected)
				return
			}
			failures++
			log.Warn().Err(err).Int("attempt", failures).Msg("WS 连接失败")
			if m.cfg.MaxAttempts > 0 && failures >= m.cfg.MaxAttempts {
				m.fail(fmt.Errorf("stream gave up after %d attempts: %w", failures, err))
				return
			}
			m.setState(StreamReconnecting)
			if !m.wait(m.delay(failures - 1)) {
				m.setState(StreamDisconnected)
				return
			}
			continue
		}

		failures = 0
		m.attach(conn)
		if m.ctx.Err() != nil {
			_ = conn.Close()
		}
		if err := m.resubscribe(); err != nil {
			log.Warn().Err(err).Msg("WS 重新订阅失败")
			_ = conn.Close()
		}

		connDone := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.keepalive(conn, connDone)
		}()

		err = m.readLoop(conn)
		close(connDone)
		wg.Wait()
		m.detach(conn)

		if m.ctx.Err() != nil {
			m.setState(StreamDisconnected)
			return
		}

		n := int(m.reconnects.Add(1))
		log.Warn().Err(err).Int("reconnects", n).Msg("WS 断开，准备重连")
		m.setState(StreamReconnecting)
		m.mu.RLock()
		onReconnect := m.hooks.OnReconnect
		m.mu.RUnlock()
		if onReconnect != nil {
			onReconnect(n)
		}
		if !m.wait(m.delay(0)) {
			m.setState(StreamDisconnected)
			return
		}
	}
}

func (m *StreamManager) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: "ws dial", Err: err}
	}
	return conn, nil
}

// delay 计算重连延迟：BaseDelay * 2^attempt，封顶 MaxDelay
func (m *StreamManager) delay(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := m.cfg.BaseDelay * time.Duration(1<<uint(attempt))
	if d > m.cfg.MaxDelay || d <= 0 {
		d = m.cfg.MaxDelay
	}
	return d
}

func (m *StreamManager) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (m *StreamManager) attach(conn *websocket.Conn) {
	now := time.Now().UnixNano()
	m.lastRecv.Store(now)
	m.pingSentAt.Store(0)
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setState(StreamConnected)
	log.Info().Str("url", m.cfg.URL).Msg("WS 已连接")
}

func (m *StreamManager) detach(conn *websocket.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *StreamManager) closeConn() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *StreamManager) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.state = StreamTerminated
	hooks := m.hooks
	m.mu.Unlock()
	log.Error().Err(err).Msg("WS 重连次数耗尽，停止重连")
	if hooks.OnState != nil {
		hooks.OnState(StreamTerminated)
	}
	if hooks.OnFatal != nil {
		hooks.OnFatal(err)
	}
}

func (m *StreamManager) setState(s StreamState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	fn := m.hooks.OnState
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// resubscribe 连上后重放所有活跃订阅
func (m *StreamManager) resubscribe() error {
	topics := m.Topics()
	for start := 0; start < len(topics); start += m.cfg.SubscribeBatch {
		end := start + m.cfg.SubscribeBatch
		if end > len(topics) {
			end = len(topics)
		}
		if err := m.send(wsCommand{Op: "subscribe", Args: topics[start:end]}); err != nil {
			return err
		}
	}
	if len(topics) > 0 {
		log.Info().Strs("topics", topics).Msg("WS 已重新订阅")
	}
	return nil
}

var errNotConnected = errors.New("stream not connected")

func (m *StreamManager) send(cmd wsCommand) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return &Error{Kind: KindNetwork, Op: "ws " + cmd.Op, Err: errNotConnected}
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
	if err := conn.WriteJSON(cmd); err != nil {
		return &Error{Kind: KindNetwork, Op: "ws " + cmd.Op, Err: err}
	}
	return nil
}

// readLoop 单个读 goroutine，保证同一主题按到达顺序回调
func (m *StreamManager) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		m.lastRecv.Store(time.Now().UnixNano())
		m.dispatch(data)
	}
}

func (m *StreamManager) dispatch(data []byte) {
	var in wsInbound
	if err := json.Unmarshal(data, &in); err != nil {
		log.Debug().Err(err).Int("bytes", len(data)).Msg("WS 消息无法解析，丢弃")
		return
	}
	switch {
	case in.Op == "pong" || (in.Op == "ping" && in.RetMsg == "pong"):
		m.pingSentAt.Store(0)
		return
	case in.Op == "subscribe" || in.Op == "unsubscribe":
		if in.Success != nil && !*in.Success {
			log.Warn().Str("op", in.Op).Str("msg", in.RetMsg).Msg("WS 订阅请求被拒绝")
		}
		return
	case in.Topic == "":
		log.Debug().Str("op", in.Op).Msg("WS 无主题消息，忽略")
		return
	}

	m.mu.RLock()
	sub := m.subs[in.Topic]
	var cb func(StreamMessage)
	if sub != nil && sub.Active {
		cb = sub.Callback
	}
	onMessage := m.hooks.OnMessage
	m.mu.RUnlock()

	if onMessage != nil {
		onMessage(in.Topic, cb != nil)
	}
	if cb == nil {
		log.Debug().Str("topic", in.Topic).Msg("未订阅的主题，丢弃")
		return
	}
	m.invoke(cb, StreamMessage{Topic: in.Topic, Type: in.Type, TS: in.TS, Data: in.Data})
}

func (m *StreamManager) invoke(cb func(StreamMessage), msg StreamMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", msg.Topic).Msg("订阅回调 panic")
		}
	}()
	cb(msg)
}

// keepalive 无流量超过 PingInterval 时发送 ping；PongWait 内未收到 pong 则关闭连接触发重连。
func (m *StreamManager) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	check := m.cfg.PingInterval
	if m.cfg.PongWait < check {
		check = m.cfg.PongWait
	}
	ticker := time.NewTicker(check / 2)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-m.ctx.Done():
			return
		case now := <-ticker.C:
			if sent := m.pingSentAt.Load(); sent != 0 {
				if now.Sub(time.Unix(0, sent)) > m.cfg.PongWait {
					log.Warn().Dur("pong_wait", m.cfg.PongWait).Msg("WS 心跳超时，强制重连")
					_ = conn.Close()
					return
				}
				continue
			}
			idle := now.Sub(time.Unix(0, m.lastRecv.Load()))
			if idle < m.cfg.PingInterval {
				continue
			}
			m.pingSentAt.Store(now.UnixNano())
			if err := m.send(wsCommand{Op: "ping"}); err != nil {
				log.Warn().Err(err).Msg("WS 心跳发送失败")
				_ = conn.Close()
				return
			}
		}
	}
}

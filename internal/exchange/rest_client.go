package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// 限流相关响应头
const (
	HeaderLimitRemaining = "X-LIMIT-REMAINING"
	HeaderLimitReset     = "X-LIMIT-RESET-TIMESTAMP"
)

const maxResponseBody = 4 << 20

// ClientConfig REST 客户端配置
type ClientConfig struct {
	BaseURL        string        // 含 /v5 前缀
	RecvWindow     time.Duration // 签名有效窗口
	RequestTimeout time.Duration // 单次 HTTP 超时
	Category       string        // 产品类型，默认 linear
	AccountType    string        // 账户类型，默认 UNIFIED
	SettleCoin     string        // 未指定 symbol 查询持仓时使用
	MaxNotional    float64       // 实盘单笔名义价值上限（0=不限制）
	Retry          RetryPolicy
}

func (c *ClientConfig) normalize() {
	if c.RecvWindow <= 0 {
		c.RecvWindow = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.Category == "" {
		c.Category = "linear"
	}
	if c.AccountType == "" {
		c.AccountType = "UNIFIED"
	}
	if c.SettleCoin == "" {
		c.SettleCoin = "USDT"
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = DefaultRetryPolicy()
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// RequestEvent 每次 HTTP 尝试结束后上报（指标用）
type RequestEvent struct {
	Endpoint string
	Status   int
	Duration time.Duration
	Err      error
}

// RestClient 签名、限速、重试、错误分类都在这里完成。
type RestClient struct {
	cfg      ClientConfig
	creds    Credentials
	signer   *Signer
	limiter  *Limiter
	timeSync *TimeSync
	http     *http.Client

	observer func(RequestEvent)
}

// NewRestClient 创建客户端；limiter/httpClient 为 nil 时使用默认值。
func NewRestClient(creds Credentials, cfg ClientConfig, limiter *Limiter, httpClient *http.Client) *RestClient {
	cfg.normalize()
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultEndpoints(creds.Environment()).RestURL
	}
	if limiter == nil {
		limiter = NewLimiter(DefaultLimiterConfig())
	}
	if httpClient == nil {
		httpClient = NewDefaultHTTPClient()
	}
	return &RestClient{
		cfg:      cfg,
		creds:    creds,
		signer:   NewSigner(creds),
		limiter:  limiter,
		timeSync: NewTimeSync(),
		http:     httpClient,
	}
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}

// SetObserver 设置请求观察者
func (c *RestClient) SetObserver(fn func(RequestEvent)) { c.observer = fn }

func (c *RestClient) Limiter() *Limiter { return c.limiter }

func (c *RestClient) TimeSync() *TimeSync { return c.timeSync }

func (c *RestClient) Environment() Environment { return c.creds.Environment() }

func (c *RestClient) Config() ClientConfig { return c.cfg }

type request struct {
	method string
	path   string
	query  map[string]string
	body   map[string]any
	auth   bool
	retry  *RetryPolicy // 为空时用客户端默认策略
}

func (c *RestClient) do(ctx context.Context, req request, out any) error {
	op := req.method + " " + req.path
	policy := c.cfg.Retry
	if req.retry != nil {
		policy = *req.retry
	}
	return policy.Do(ctx, op, func(ctx context.Context) error {
		return c.once(ctx, req, op, out)
	})
}

func (c *RestClient) once(ctx context.Context, req request, op string, out any) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		if e, ok := err.(*Error); ok && e.Op == "acquire" {
			e.Op = op
		}
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := c.build(ctx, req)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		e := &Error{Kind: KindNetwork, Op: op, Err: err}
		c.observe(op, 0, start, e)
		return e
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		e := &Error{Kind: KindNetwork, Op: op, Status: resp.StatusCode, Msg: "read body", Err: err}
		c.observe(op, resp.StatusCode, start, e)
		return e
	}

	// 同一个响应最多触发一次退避
	signalled := c.observeQuota(resp.Header)
	err = decodeResponse(op, resp.StatusCode, raw, out)
	if KindOf(err) == KindRateLimited && !signalled {
		c.limiter.Signal(resetFromHeaders(resp.Header, time.Now()))
	}
	c.observe(op, resp.StatusCode, start, err)
	return err
}

func (c *RestClient) build(ctx context.Context, req request) (*http.Request, error) {
	endpoint := c.cfg.BaseURL + req.path
	var (
		payload []byte
		signed  SignedHeaders
	)
	if req.auth && c.creds.APIKey() == "" {
		return nil, &Error{Kind: KindAuth, Op: req.method + " " + req.path, Msg: "credentials not configured"}
	}
	ts := c.timeSync.NowMillis()
	rw := c.cfg.RecvWindow.Milliseconds()

	if req.method == http.MethodGet {
		query := CanonicalQuery(req.query)
		if query != "" {
			endpoint += "?" + query
		}
		if req.auth {
			signed = c.signer.SignPayload(ts, rw, query)
		}
	} else {
		var err error
		payload, err = json.Marshal(req.body)
		if err != nil {
			return nil, invalidArgument(req.method+" "+req.path, "encode body: %v", err)
		}
		if req.auth {
			signed = c.signer.SignPayload(ts, rw, string(payload))
		}
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, endpoint, body)
	if err != nil {
		return nil, invalidArgument(req.method+" "+req.path, "create request: %v", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.auth {
		signed.Apply(httpReq.Header)
	}
	return httpReq, nil
}

// decodeResponse 结构化 retCode 优先，其次 HTTP 状态码，非 JSON 响应才用文本兜底。
func decodeResponse(op string, status int, raw []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		kind := classifyBody(string(raw))
		if kind == KindUnknown {
			kind = classifyStatus(status)
		}
		if kind == KindUnknown {
			kind = KindMalformed
		}
		return &Error{Kind: kind, Op: op, Status: status, Msg: snippet(raw), Err: err}
	}
	if env.RetCode != 0 {
		return &Error{Kind: classifyRetCode(env.RetCode), Op: op, Status: status, Code: env.RetCode, Msg: env.RetMsg}
	}
	if status >= 300 {
		kind := classifyStatus(status)
		if kind == KindUnknown {
			kind = KindExchange
		}
		return &Error{Kind: kind, Op: op, Status: status, Msg: env.RetMsg}
	}
	if out == nil {
		return nil
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return &Error{Kind: KindMalformed, Op: op, Status: status, Msg: "missing result"}
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &Error{Kind: KindMalformed, Op: op, Status: status, Msg: "decode result", Err: err}
	}
	return nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func (c *RestClient) observeQuota(h http.Header) bool {
	v := h.Get(HeaderLimitRemaining)
	if v == "" {
		return false
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return false
	}
	var resetAt time.Time
	if ms, err := strconv.ParseInt(strings.TrimSpace(h.Get(HeaderLimitReset)), 10, 64); err == nil && ms > 0 {
		resetAt = time.UnixMilli(ms)
	}
	return c.limiter.Observe(remaining, resetAt)
}

// resetFromHeaders 解析恢复时间：优先 X-LIMIT-RESET-TIMESTAMP，其次 Retry-After。
func resetFromHeaders(h http.Header, now time.Time) time.Time {
	if ms, err := strconv.ParseInt(strings.TrimSpace(h.Get(HeaderLimitReset)), 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	retryAfter := strings.TrimSpace(h.Get("Retry-After"))
	if retryAfter == "" {
		return time.Time{}
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return now.Add(time.Duration(seconds) * time.Second)
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		return t
	}
	return time.Time{}
}

func (c *RestClient) observe(op string, status int, start time.Time, err error) {
	d := time.Since(start)
	if err != nil {
		log.Debug().Str("endpoint", op).Int("status", status).Dur("latency", d).Err(err).Msg("REST 请求失败")
	}
	if c.observer != nil {
		c.observer(RequestEvent{Endpoint: op, Status: status, Duration: d, Err: err})
	}
}

// GetServerTime 查询服务器时间（公共接口）
func (c *RestClient) GetServerTime(ctx context.Context) (ServerTime, error) {
	var raw serverTimeResp
	if err := c.do(ctx, request{method: http.MethodGet, path: "/market/time"}, &raw); err != nil {
		return ServerTime{}, err
	}
	millis := raw.TimeNano.Decimal().Div(decimal.NewFromInt(1_000_000)).IntPart()
	if millis <= 0 {
		millis = raw.TimeSecond.Int() * 1000
	}
	if millis <= 0 {
		return ServerTime{}, &Error{Kind: KindMalformed, Op: "GET /market/time", Msg: "server time missing"}
	}
	return ServerTime{Millis: millis, Time: time.UnixMilli(millis)}, nil
}

// SyncTime 校准签名时间戳
func (c *RestClient) SyncTime(ctx context.Context) (time.Duration, error) {
	sent := time.Now()
	st, err := c.GetServerTime(ctx)
	if err != nil {
		return 0, err
	}
	c.timeSync.Update(st.Millis, sent, time.Now())
	return c.timeSync.Offset(), nil
}

var intervalAliases = map[string]string{
	"1m": "1", "3m": "3", "5m": "5", "15m": "15", "30m": "30",
	"1h": "60", "2h": "120", "4h": "240", "6h": "360", "12h": "720",
	"1d": "D", "1w": "W", "1M": "M",
}

var validIntervals = map[string]time.Duration{
	"1": time.Minute, "3": 3 * time.Minute, "5": 5 * time.Minute, "15": 15 * time.Minute,
	"30": 30 * time.Minute, "60": time.Hour, "120": 2 * time.Hour, "240": 4 * time.Hour,
	"360": 6 * time.Hour, "720": 12 * time.Hour, "D": 24 * time.Hour, "W": 7 * 24 * time.Hour,
	"M": 30 * 24 * time.Hour,
}

// NormalizeInterval 接受 1h/4h/1d 这类别名，返回交易所使用的周期及其时长。
func NormalizeInterval(interval string) (string, time.Duration, error) {
	iv := strings.TrimSpace(interval)
	if alias, ok := intervalAliases[iv]; ok {
		iv = alias
	} else if alias, ok := intervalAliases[strings.ToLower(iv)]; ok {
		iv = alias
	}
	d, ok := validIntervals[iv]
	if !ok {
		return "", 0, invalidArgument("interval", "unsupported interval %q", interval)
	}
	return iv, d, nil
}

func requireSymbol(op, symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", invalidArgument(op, "symbol required")
	}
	return s, nil
}

// GetKlines 查询 K 线，返回按时间升序排列。
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	const op = "GET /market/kline"
	sym, err := requireSymbol(op, symbol)
	if err != nil {
		return nil, err
	}
	iv, _, err := NormalizeInterval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		return nil, invalidArgument(op, "limit must be <= 1000")
	}
	var raw klineResp
	err = c.do(ctx, request{
		method: http.MethodGet,
		path:   "/market/kline",
		query: map[string]string{
			"category": c.cfg.Category,
			"symbol":   sym,
			"interval": iv,
			"limit":    strconv.Itoa(limit),
		},
	}, &raw)
	if err != nil {
		return nil, err
	}
	out := make([]Kline, 0, len(raw.List))
	for _, row := range raw.List {
		if len(row) < 6 {
			continue
		}
		k := Kline{
			Start:  time.UnixMilli(row[0].Int()),
			Open:   row[1].Float(),
			High:   row[2].Float(),
			Low:    row[3].Float(),
			Close:  row[4].Float(),
			Volume: row[5].Float(),
		}
		if len(row) > 6 {
			k.Turnover = row[6].Float()
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

// GetOrderBook 查询订单簿
func (c *RestClient) GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	const op = "GET /market/orderbook"
	sym, err := requireSymbol(op, symbol)
	if err != nil {
		return OrderBook{}, err
	}
	if depth <= 0 {
		depth = 25
	}
	if depth > 500 {
		return OrderBook{}, invalidArgument(op, "depth must be <= 500")
	}
	var raw orderBookResp
	err = c.do(ctx, request{
		method: http.MethodGet,
		path:   "/market/orderbook",
		query: map[string]string{
			"category": c.cfg.Category,
			"symbol":   sym,
			"limit":    strconv.Itoa(depth),
		},
	}, &raw)
	if err != nil {
		return OrderBook{}, err
	}
	book := OrderBook{
		Symbol:   raw.Symbol,
		Bids:     levelsFrom(raw.Bids),
		Asks:     levelsFrom(raw.Asks),
		UpdateID: raw.UpdateID.Int(),
	}
	if book.Symbol == "" {
		book.Symbol = sym
	}
	if ts := raw.TS.Int(); ts > 0 {
		book.Timestamp = time.UnixMilli(ts)
	}
	return book, nil
}

// GetTicker 查询单个交易对 24h 行情
func (c *RestClient) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	const op = "GET /market/tickers"
	sym, err := requireSymbol(op, symbol)
	if err != nil {
		return Ticker{}, err
	}
	var raw tickerResp
	err = c.do(ctx, request{
		method: http.MethodGet,
		path:   "/market/tickers",
		query:  map[string]string{"category": c.cfg.Category, "symbol": sym},
	}, &raw)
	if err != nil {
		return Ticker{}, err
	}
	for _, t := range raw.List {
		if t.Symbol != sym && t.Symbol != "" {
			continue
		}
		return Ticker{
			Symbol:       sym,
			LastPrice:    t.LastPrice.Float(),
			Bid:          t.Bid1Price.Float(),
			Ask:          t.Ask1Price.Float(),
			Volume24h:    t.Volume24h.Float(),
			Turnover24h:  t.Turnover24h.Float(),
			High24h:      t.HighPrice24h.Float(),
			Low24h:       t.LowPrice24h.Float(),
			Change24hPct: t.Price24hPcnt.Decimal().Mul(decimal.NewFromInt(100)).InexactFloat64(),
		}, nil
	}
	return Ticker{}, &Error{Kind: KindMalformed, Op: op, Msg: fmt.Sprintf("ticker for %s not in response", sym)}
}

// GetAccountBalance 查询钱包余额（需签名）
func (c *RestClient) GetAccountBalance(ctx context.Context) (AccountBalance, error) {
	const op = "GET /account/wallet-balance"
	var raw walletResp
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/account/wallet-balance",
		query:  map[string]string{"accountType": c.cfg.AccountType},
		auth:   true,
	}, &raw)
	if err != nil {
		return AccountBalance{}, err
	}
	if len(raw.List) == 0 {
		return AccountBalance{}, &Error{Kind: KindMalformed, Op: op, Msg: "empty account list"}
	}
	acct := raw.List[0]
	out := AccountBalance{
		AccountType:        acct.AccountType,
		TotalEquity:        acct.TotalEquity.Float(),
		TotalWalletBalance: acct.TotalWalletBalance.Float(),
		TotalAvailable:     acct.TotalAvailableBalance.Float(),
		TotalUnrealisedPnl: acct.TotalPerpUPL.Float(),
		Coins:              make([]CoinBalance, 0, len(acct.Coin)),
	}
	for _, coin := range acct.Coin {
		out.Coins = append(out.Coins, CoinBalance{
			Coin:          coin.Coin,
			Equity:        coin.Equity.Float(),
			WalletBalance: coin.WalletBalance.Float(),
			Available:     coin.AvailableToWithdraw.Float(),
			UnrealisedPnl: coin.UnrealisedPnl.Float(),
			USDValue:      coin.USDValue.Float(),
		})
	}
	return out, nil
}

// GetPositions 查询持仓；symbol 为空时按结算币种查询全部。
func (c *RestClient) GetPositions(ctx context.Context, symbol string) ([]Position, error) {
	query := map[string]string{"category": c.cfg.Category}
	if s := strings.ToUpper(strings.TrimSpace(symbol)); s != "" {
		query["symbol"] = s
	} else {
		query["settleCoin"] = c.cfg.SettleCoin
	}
	var raw positionResp
	err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/position/list",
		query:  query,
		auth:   true,
	}, &raw)
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(raw.List))
	for _, p := range raw.List {
		out = append(out, Position{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Size:          p.Size.Float(),
			AvgPrice:      p.AvgPrice.Float(),
			MarkPrice:     p.MarkPrice.Float(),
			UnrealisedPnl: p.UnrealisedPnl.Float(),
			Leverage:      p.Leverage.Float(),
			PositionValue: p.PositionValue.Float(),
			LiqPrice:      p.LiqPrice.Float(),
		})
	}
	return out, nil
}

// 写操作可能已到达交易所，超时后不自动重发
var singleAttempt = RetryPolicy{MaxAttempts: 1}

// ValidateOrder 本地校验，不发起任何网络请求。
func (c *RestClient) ValidateOrder(req *OrderRequest) error {
	const op = "POST /order/create"
	sym, err := requireSymbol(op, req.Symbol)
	if err != nil {
		return err
	}
	req.Symbol = sym
	switch req.Side {
	case SideBuy, SideSell:
	default:
		return invalidArgument(op, "side must be Buy or Sell, got %q", req.Side)
	}
	switch req.Type {
	case OrderLimit, OrderMarket:
	case "":
		req.Type = OrderLimit
	default:
		return invalidArgument(op, "unsupported order type %q", req.Type)
	}
	if !finite(req.Qty) || !finite(req.Price) {
		return invalidArgument(op, "qty and price must be finite numbers")
	}
	if !(req.Qty > 0) {
		return invalidArgument(op, "qty must be > 0")
	}
	if req.Type == OrderLimit && !(req.Price > 0) {
		return invalidArgument(op, "limit order price must be > 0")
	}
	if req.Price < 0 {
		return invalidArgument(op, "price must not be negative")
	}
	if c.creds.IsProduction() && c.cfg.MaxNotional > 0 {
		if req.Price <= 0 {
			return invalidArgument(op, "reference price required for notional check on production")
		}
		notional := decimal.NewFromFloat(req.Qty).Mul(decimal.NewFromFloat(req.Price))
		limit := decimal.NewFromFloat(c.cfg.MaxNotional)
		if notional.GreaterThan(limit) {
			return invalidArgument(op, "order notional %s exceeds max %s", notional.String(), limit.String())
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// PlaceOrder 下单；仅转发并返回交易所受理结果。
func (c *RestClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := c.ValidateOrder(&req); err != nil {
		return OrderAck{}, err
	}
	if req.OrderLinkID == "" {
		req.OrderLinkID = uuid.NewString()
	}
	body := map[string]any{
		"category":    c.cfg.Category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(req.Type),
		"qty":         decimal.NewFromFloat(req.Qty).String(),
		"orderLinkId": req.OrderLinkID,
	}
	if req.Type == OrderLimit {
		body["price"] = decimal.NewFromFloat(req.Price).String()
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		body["timeInForce"] = tif
	} else if req.TimeInForce != "" {
		body["timeInForce"] = req.TimeInForce
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	var raw orderResp
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/order/create",
		body:   body,
		auth:   true,
		retry:  &singleAttempt,
	}, &raw)
	if err != nil {
		return OrderAck{}, err
	}
	if raw.OrderID == "" {
		return OrderAck{}, &Error{Kind: KindMalformed, Op: "POST /order/create", Msg: "empty orderId"}
	}
	ack := OrderAck{
		OrderID:     raw.OrderID,
		OrderLinkID: pick(raw.OrderLinkID, req.OrderLinkID),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Qty:         req.Qty,
		Price:       req.Price,
		AcceptedAt:  time.Now(),
	}
	log.Info().
		Str("symbol", ack.Symbol).
		Str("side", string(ack.Side)).
		Str("order_id", ack.OrderID).
		Str("order_link_id", ack.OrderLinkID).
		Msg("订单已提交")
	return ack, nil
}

// CancelOrder 撤单
func (c *RestClient) CancelOrder(ctx context.Context, symbol, orderID string) (OrderAck, error) {
	const op = "POST /order/cancel"
	sym, err := requireSymbol(op, symbol)
	if err != nil {
		return OrderAck{}, err
	}
	if strings.TrimSpace(orderID) == "" {
		return OrderAck{}, invalidArgument(op, "orderId required")
	}
	var raw orderResp
	err = c.do(ctx, request{
		method: http.MethodPost,
		path:   "/order/cancel",
		body: map[string]any{
			"category": c.cfg.Category,
			"symbol":   sym,
			"orderId":  orderID,
		},
		auth:  true,
		retry: &singleAttempt,
	}, &raw)
	if err != nil {
		return OrderAck{}, err
	}
	log.Info().Str("symbol", sym).Str("order_id", orderID).Msg("撤单成功")
	return OrderAck{
		OrderID:     pick(raw.OrderID, orderID),
		OrderLinkID: raw.OrderLinkID,
		Symbol:      sym,
		AcceptedAt:  time.Now(),
	}, nil
}

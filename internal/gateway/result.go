package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/newplayman/market-gateway/internal/exchange"
	"github.com/newplayman/market-gateway/internal/metrics"
)

// DataSource 数据来源
type DataSource string

const (
	SourceCache     DataSource = "cache"
	SourceLive      DataSource = "live"
	SourceStale     DataSource = "stale"
	SourceSynthetic DataSource = "synthetic"
)

// QueryResult 对外统一的查询结果。读查询永不返回 error，来源写在 DataSource 里。
type QueryResult[T any] struct {
	Success    bool       `json:"success"`
	Data       *T         `json:"data,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	DataSource DataSource `json:"data_source"`
	Warning    string     `json:"warning,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Degraded 数据不是实时或缓存的交易所数据
func (r QueryResult[T]) Degraded() bool {
	return r.DataSource == SourceStale || r.DataSource == SourceSynthetic
}

// MarketData 单交易对行情
type MarketData struct {
	Symbol       string    `json:"symbol"`
	Price        float64   `json:"price"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Spread       float64   `json:"spread"`
	Volume24h    float64   `json:"volume24h"`
	Turnover24h  float64   `json:"turnover24h"`
	High24h      float64   `json:"high24h"`
	Low24h       float64   `json:"low24h"`
	Change24hPct float64   `json:"change24hPct"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func newMarketData(t exchange.Ticker, at time.Time) MarketData {
	md := MarketData{
		Symbol:       t.Symbol,
		Price:        t.LastPrice,
		Bid:          t.Bid,
		Ask:          t.Ask,
		Volume24h:    t.Volume24h,
		Turnover24h:  t.Turnover24h,
		High24h:      t.High24h,
		Low24h:       t.Low24h,
		Change24hPct: t.Change24hPct,
		UpdatedAt:    at,
	}
	if t.Ask > 0 && t.Bid > 0 {
		md.Spread = roundPrice(t.Ask - t.Bid)
	}
	return md
}

// readQuery 一次读查询的描述
type readQuery[T any] struct {
	name  string
	key   string
	ttl   time.Duration
	live  func(ctx context.Context) (T, error)
	synth func() T
}

// surfaced 这些错误直接返回给调用方，不做降级替换
func surfaced(kind exchange.Kind) bool {
	return kind == exchange.KindAuth || kind == exchange.KindInvalidArgument
}

// query 缓存 -> 实时 -> 过期缓存 -> 占位数据
func query[T any](ctx context.Context, g *Gateway, rq readQuery[T]) (res QueryResult[T]) {
	start := g.now()
	defer func() {
		res.Timestamp = g.now()
		metrics.RecordQuery(rq.name, string(res.DataSource), res.Timestamp.Sub(start).Seconds())
	}()

	if v, ok := g.cache.Get(rq.key); ok {
		if data, ok := v.(T); ok {
			metrics.RecordCacheEvent("hit")
			return resultOf(data, SourceCache)
		}
	}
	metrics.RecordCacheEvent("miss")

	if data, ok := loadRemote[T](ctx, g, rq.key); ok {
		g.cache.Put(rq.key, data, rq.ttl)
		return resultOf(data, SourceCache)
	}

	qctx, cancel := context.WithTimeout(ctx, g.cfg.QueryTimeout)
	data, err := rq.live(qctx)
	cancel()
	if err == nil {
		g.cache.Put(rq.key, data, rq.ttl)
		storeRemote(ctx, g, rq.key, data, rq.ttl)
		return resultOf(data, SourceLive)
	}

	kind := exchange.KindOf(err)
	if surfaced(kind) {
		log.Error().Err(err).Str("query", rq.name).Str("kind", kind.String()).Msg("查询失败，不做降级")
		return QueryResult[T]{
			Success:    false,
			Error:      err.Error(),
			ErrorKind:  kind.String(),
			DataSource: SourceLive,
		}
	}
	log.Warn().Err(err).Str("query", rq.name).Str("kind", kind.String()).Msg("实时数据不可用，尝试降级")

	if v, age, ok := g.cache.GetStale(rq.key); ok {
		if data, ok := v.(T); ok {
			metrics.RecordCacheEvent("stale")
			r := resultOf(data, SourceStale)
			r.Warning = fmt.Sprintf("live data unavailable (%s); serving cached data from %s ago", kind, age.Round(time.Second))
			return r
		}
	}

	r := resultOf(rq.synth(), SourceSynthetic)
	r.Warning = fmt.Sprintf("live data unavailable (%s); serving synthetic placeholder data", kind)
	return r
}

func resultOf[T any](data T, src DataSource) QueryResult[T] {
	return QueryResult[T]{Success: true, Data: &data, DataSource: src}
}

func loadRemote[T any](ctx context.Context, g *Gateway, key string) (T, bool) {
	var data T
	if g.remote == nil {
		return data, false
	}
	rctx, cancel := context.WithTimeout(ctx, g.cfg.RemoteTimeout)
	defer cancel()
	found, err := g.remote.Load(rctx, key, &data)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("共享缓存读取失败")
		return data, false
	}
	return data, found
}

func storeRemote(ctx context.Context, g *Gateway, key string, v any, ttl time.Duration) {
	if g.remote == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, g.cfg.RemoteTimeout)
	defer cancel()
	if err := g.remote.Store(rctx, key, v, ttl); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("共享缓存写入失败")
	}
}

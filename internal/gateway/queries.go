package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/newplayman/market-gateway/internal/cache"
	"github.com/newplayman/market-gateway/internal/exchange"
	"github.com/newplayman/market-gateway/internal/health"
)

// 查询名，同时用作缓存键前缀和指标标签
const (
	queryBalance   = "balance"
	queryMarket    = "market"
	queryPositions = "positions"
	queryKlines    = "klines"
	queryOrderBook = "orderbook"
)

func rejected[T any](err error) QueryResult[T] {
	return QueryResult[T]{
		Success:    false,
		Error:      err.Error(),
		ErrorKind:  exchange.KindOf(err).String(),
		DataSource: SourceLive,
		Timestamp:  time.Now(),
	}
}

func normalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return "", &exchange.Error{Kind: exchange.KindInvalidArgument, Op: "query", Msg: "symbol required"}
	}
	return s, nil
}

// GetAccountBalance 账户余额
func (g *Gateway) GetAccountBalance(ctx context.Context) QueryResult[exchange.AccountBalance] {
	return query(ctx, g, readQuery[exchange.AccountBalance]{
		name:  queryBalance,
		key:   cache.Key(queryBalance),
		ttl:   g.ttls().Balance,
		live:  g.ex.GetAccountBalance,
		synth: g.synth.Balance,
	})
}

// GetMarketData 单交易对行情
func (g *Gateway) GetMarketData(ctx context.Context, symbol string) QueryResult[MarketData] {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return rejected[MarketData](err)
	}
	return query(ctx, g, readQuery[MarketData]{
		name: queryMarket,
		key:  cache.Key(queryMarket, sym),
		ttl:  g.ttls().Market,
		live: func(ctx context.Context) (MarketData, error) {
			t, err := g.ex.GetTicker(ctx, sym)
			if err != nil {
				return MarketData{}, err
			}
			return newMarketData(t, g.now()), nil
		},
		synth: func() MarketData { return g.synth.Market(sym) },
	})
}

// GetPositions 全部持仓
func (g *Gateway) GetPositions(ctx context.Context) QueryResult[[]exchange.Position] {
	return query(ctx, g, readQuery[[]exchange.Position]{
		name: queryPositions,
		key:  cache.Key(queryPositions),
		ttl:  g.ttls().Positions,
		live: func(ctx context.Context) ([]exchange.Position, error) {
			return g.ex.GetPositions(ctx, "")
		},
		synth: g.synth.Positions,
	})
}

// GetHistoricalData K 线，按时间升序
func (g *Gateway) GetHistoricalData(ctx context.Context, symbol, interval string, limit int) QueryResult[[]exchange.Kline] {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return rejected[[]exchange.Kline](err)
	}
	iv, step, err := exchange.NormalizeInterval(interval)
	if err != nil {
		return rejected[[]exchange.Kline](err)
	}
	if limit <= 0 {
		limit = 100
	}
	return query(ctx, g, readQuery[[]exchange.Kline]{
		name: queryKlines,
		key:  cache.Key(queryKlines, sym, iv, limit),
		ttl:  g.ttls().Klines,
		live: func(ctx context.Context) ([]exchange.Kline, error) {
			return g.ex.GetKlines(ctx, sym, iv, limit)
		},
		synth: func() []exchange.Kline { return g.synth.Klines(sym, iv, step, limit) },
	})
}

// GetOrderBook 订单簿
func (g *Gateway) GetOrderBook(ctx context.Context, symbol string, depth int) QueryResult[exchange.OrderBook] {
	sym, err := normalizeSymbol(symbol)
	if err != nil {
		return rejected[exchange.OrderBook](err)
	}
	if depth <= 0 {
		depth = 25
	}
	return query(ctx, g, readQuery[exchange.OrderBook]{
		name: queryOrderBook,
		key:  cache.Key(queryOrderBook, sym, depth),
		ttl:  g.ttls().OrderBook,
		live: func(ctx context.Context) (exchange.OrderBook, error) {
			return g.ex.GetOrderBook(ctx, sym, depth)
		},
		synth: func() exchange.OrderBook { return g.synth.OrderBook(sym, depth) },
	})
}

// TradingStats 账户、持仓、主行情的汇总
type TradingStats struct {
	Account     QueryResult[exchange.AccountBalance] `json:"account"`
	Positions   QueryResult[[]exchange.Position]     `json:"positions"`
	Market      QueryResult[MarketData]              `json:"market"`
	Environment string                               `json:"environment"`
	Connection  health.ConnectionStatus              `json:"api_status"`
	DataSource  DataSource                           `json:"data_source"`
	Timestamp   time.Time                            `json:"timestamp"`
}

// GetTradingStats 并发查询三项并汇总；DataSource 取三者中最不可信的来源
func (g *Gateway) GetTradingStats(ctx context.Context) TradingStats {
	var (
		wg sync.WaitGroup
		st TradingStats
	)
	wg.Add(3)
	go func() { defer wg.Done(); st.Account = g.GetAccountBalance(ctx) }()
	go func() { defer wg.Done(); st.Positions = g.GetPositions(ctx) }()
	go func() { defer wg.Done(); st.Market = g.GetMarketData(ctx, g.cfg.StatsSymbol) }()
	wg.Wait()

	st.Environment = string(g.ex.Environment())
	st.Connection = g.monitor.Status()
	st.DataSource = weakest(st.Account.DataSource, st.Positions.DataSource, st.Market.DataSource)
	st.Timestamp = g.now()
	return st
}

var sourceRank = map[DataSource]int{SourceLive: 0, SourceCache: 1, SourceStale: 2, SourceSynthetic: 3}

func weakest(sources ...DataSource) DataSource {
	out := SourceLive
	for _, s := range sources {
		if sourceRank[s] > sourceRank[out] {
			out = s
		}
	}
	return out
}

// MultiSymbolData 多交易对行情
type MultiSymbolData struct {
	Symbols     map[string]QueryResult[MarketData] `json:"symbols"`
	Environment string                             `json:"environment"`
	Timestamp   time.Time                          `json:"timestamp"`
}

// GetMultipleSymbols 逐个交易对查询行情，单个失败不影响其他
func (g *Gateway) GetMultipleSymbols(ctx context.Context, symbols []string) MultiSymbolData {
	out := MultiSymbolData{
		Symbols:     make(map[string]QueryResult[MarketData], len(symbols)),
		Environment: string(g.ex.Environment()),
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			r := g.GetMarketData(ctx, sym)
			mu.Lock()
			out.Symbols[sym] = r
			mu.Unlock()
		}(sym)
	}
	wg.Wait()
	out.Timestamp = g.now()
	return out
}

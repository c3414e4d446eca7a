package gateway

import (
	"hash/fnv"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/newplayman/market-gateway/internal/exchange"
)

// 降级数据使用的参考价
var syntheticPrices = map[string]float64{
	"BTCUSDT": 45000,
	"ETHUSDT": 2800,
	"ADAUSDT": 0.45,
	"DOTUSDT": 6.5,
	"SOLUSDT": 95,
}

const (
	syntheticDefaultPrice = 1000
	syntheticSpread       = 0.001 // 买卖各偏离 0.1%
	syntheticVolume       = 1000000
	syntheticEquity       = 10000
	syntheticAvailable    = 8500
	syntheticBookLevels   = 5
)

// Synthetic 交易所不可用时的确定性占位数据，看起来合理但不来自交易所。
type Synthetic struct {
	now func() time.Time
}

// NewSynthetic 创建占位数据生成器
func NewSynthetic(now func() time.Time) *Synthetic {
	if now == nil {
		now = time.Now
	}
	return &Synthetic{now: now}
}

// BasePrice 参考价
func (s *Synthetic) BasePrice(symbol string) float64 {
	if p, ok := syntheticPrices[strings.ToUpper(symbol)]; ok {
		return p
	}
	return syntheticDefaultPrice
}

func roundPrice(p float64) float64 {
	places := int32(2)
	if p < 10 {
		places = 6
	}
	return decimal.NewFromFloat(p).Round(places).InexactFloat64()
}

// Balance 占位余额
func (s *Synthetic) Balance() exchange.AccountBalance {
	return exchange.AccountBalance{
		AccountType:        "UNIFIED",
		TotalEquity:        syntheticEquity,
		TotalWalletBalance: syntheticEquity,
		TotalAvailable:     syntheticAvailable,
		Coins: []exchange.CoinBalance{{
			Coin:          "USDT",
			Equity:        syntheticEquity,
			WalletBalance: syntheticEquity,
			Available:     syntheticAvailable,
			USDValue:      syntheticEquity,
		}},
	}
}

// Market 占位行情
func (s *Synthetic) Market(symbol string) MarketData {
	sym := strings.ToUpper(symbol)
	p := s.BasePrice(sym)
	return newMarketData(exchange.Ticker{
		Symbol:    sym,
		LastPrice: p,
		Bid:       roundPrice(p * (1 - syntheticSpread)),
		Ask:       roundPrice(p * (1 + syntheticSpread)),
		Volume24h: syntheticVolume,
		High24h:   p,
		Low24h:    p,
	}, s.now())
}

// Positions 占位持仓：空
func (s *Synthetic) Positions() []exchange.Position {
	return []exchange.Position{}
}

// OrderBook 占位深度：每档 0.1%
func (s *Synthetic) OrderBook(symbol string, depth int) exchange.OrderBook {
	sym := strings.ToUpper(symbol)
	if depth <= 0 || depth > syntheticBookLevels {
		depth = syntheticBookLevels
	}
	p := s.BasePrice(sym)
	book := exchange.OrderBook{
		Symbol:    sym,
		Bids:      make([]exchange.PriceLevel, 0, depth),
		Asks:      make([]exchange.PriceLevel, 0, depth),
		Timestamp: s.now(),
	}
	for i := 1; i <= depth; i++ {
		step := syntheticSpread * float64(i)
		qty := float64(i)
		book.Bids = append(book.Bids, exchange.PriceLevel{Price: roundPrice(p * (1 - step)), Quantity: qty})
		book.Asks = append(book.Asks, exchange.PriceLevel{Price: roundPrice(p * (1 + step)), Quantity: qty})
	}
	return book
}

func syntheticSeed(symbol, interval string) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	h.Write([]byte{'|'})
	h.Write([]byte(interval))
	return int64(h.Sum64() & math.MaxInt64)
}

// Klines 以 fnv(symbol, interval) 为种子的随机游走，时间对齐到周期边界，按时间升序。
func (s *Synthetic) Klines(symbol, interval string, step time.Duration, limit int) []exchange.Kline {
	if limit <= 0 {
		limit = 200
	}
	if step <= 0 {
		step = time.Hour
	}
	sym := strings.ToUpper(symbol)
	rng := rand.New(rand.NewSource(syntheticSeed(sym, interval)))
	price := s.BasePrice(sym)
	end := s.now().Truncate(step)
	start := end.Add(-time.Duration(limit-1) * step)

	out := make([]exchange.Kline, 0, limit)
	for i := 0; i < limit; i++ {
		open := price
		price = price * math.Exp(rng.NormFloat64()*0.01)
		closeP := price
		high := math.Max(open, closeP) * (1 + rng.Float64()*0.005)
		low := math.Min(open, closeP) * (1 - rng.Float64()*0.005)
		vol := 100 + rng.Float64()*900
		out = append(out, exchange.Kline{
			Start:    start.Add(time.Duration(i) * step),
			Open:     roundPrice(open),
			High:     roundPrice(high),
			Low:      roundPrice(low),
			Close:    roundPrice(closeP),
			Volume:   decimal.NewFromFloat(vol).Round(3).InexactFloat64(),
			Turnover: roundPrice(vol * closeP),
		})
	}
	return out
}

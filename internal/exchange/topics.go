package exchange

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// TickerTopic 公共行情主题
func TickerTopic(symbol string) string { return "tickers." + strings.ToUpper(symbol) }

// OrderBookTopic 深度主题
func OrderBookTopic(depth int, symbol string) string {
	return fmt.Sprintf("orderbook.%d.%s", depth, strings.ToUpper(symbol))
}

// SymbolFromTopic 取主题最后一段作为交易对
func SymbolFromTopic(topic string) string {
	if i := strings.LastIndexByte(topic, '.'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// 推送的 tickers 数据；delta 消息只带变化字段，缺省字段保持为 nil
type tickerStreamData struct {
	Symbol       string  `json:"symbol"`
	LastPrice    *Number `json:"lastPrice"`
	Bid1Price    *Number `json:"bid1Price"`
	Ask1Price    *Number `json:"ask1Price"`
	Volume24h    *Number `json:"volume24h"`
	Turnover24h  *Number `json:"turnover24h"`
	HighPrice24h *Number `json:"highPrice24h"`
	LowPrice24h  *Number `json:"lowPrice24h"`
	Price24hPcnt *Number `json:"price24hPcnt"`
}

// ApplyTickerUpdate 把 snapshot/delta 推送合并到上一次的行情上
func ApplyTickerUpdate(prev Ticker, msg StreamMessage) (Ticker, error) {
	var d tickerStreamData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return prev, &Error{Kind: KindMalformed, Op: "stream " + msg.Topic, Err: err}
	}
	next := prev
	if msg.Type == "snapshot" {
		next = Ticker{}
	}
	next.Symbol = d.Symbol
	if next.Symbol == "" {
		next.Symbol = SymbolFromTopic(msg.Topic)
	}
	set := func(dst *float64, n *Number) {
		if n != nil {
			*dst = n.Float()
		}
	}
	set(&next.LastPrice, d.LastPrice)
	set(&next.Bid, d.Bid1Price)
	set(&next.Ask, d.Ask1Price)
	set(&next.Volume24h, d.Volume24h)
	set(&next.Turnover24h, d.Turnover24h)
	set(&next.High24h, d.HighPrice24h)
	set(&next.Low24h, d.LowPrice24h)
	if d.Price24hPcnt != nil {
		next.Change24hPct = d.Price24hPcnt.Decimal().Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return next, nil
}

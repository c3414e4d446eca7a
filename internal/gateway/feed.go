package gateway

import (
	"github.com/rs/zerolog/log"

	"github.com/newplayman/market-gateway/internal/cache"
	"github.com/newplayman/market-gateway/internal/exchange"
	"github.com/newplayman/market-gateway/internal/metrics"
)

// startStream 订阅配置的交易对行情，推送直接刷新行情缓存
func (g *Gateway) startStream() {
	if g.stream == nil {
		return
	}
	g.stream.SetHooks(exchange.StreamHooks{
		OnState: func(s exchange.StreamState) {
			metrics.RecordStreamState(int(s))
			g.monitor.ReportStream(s, nil)
		},
		OnFatal: func(err error) {
			log.Error().Err(err).Msg("行情推送已停止，行情查询改走 REST")
			g.monitor.ReportStream(exchange.StreamTerminated, err)
		},
		OnReconnect: func(int) { metrics.RecordStreamReconnect() },
		OnMessage:   metrics.RecordStreamMessage,
	})
	for _, sym := range g.cfg.Symbols {
		if sym == "" {
			continue
		}
		if err := g.stream.Subscribe(exchange.TickerTopic(sym), g.onTicker); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("订阅行情失败")
		}
	}
	g.stream.Start()
}

// onTicker 合并 snapshot/delta 后写入行情缓存
func (g *Gateway) onTicker(msg exchange.StreamMessage) {
	sym := exchange.SymbolFromTopic(msg.Topic)

	g.tickMu.Lock()
	next, err := exchange.ApplyTickerUpdate(g.tickers[sym], msg)
	if err == nil {
		g.tickers[sym] = next
	}
	g.tickMu.Unlock()

	if err != nil {
		log.Debug().Err(err).Str("topic", msg.Topic).Msg("行情推送解析失败")
		return
	}
	if next.LastPrice <= 0 {
		return
	}
	g.cache.Put(cache.Key(queryMarket, sym), newMarketData(next, g.now()), g.ttls().Market)
}

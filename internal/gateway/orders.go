package gateway

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/newplayman/market-gateway/internal/cache"
	"github.com/newplayman/market-gateway/internal/exchange"
	"github.com/newplayman/market-gateway/internal/metrics"
	"github.com/newplayman/market-gateway/internal/store"
)

// ErrNoJournal 未配置写操作日志
var ErrNoJournal = errors.New("gateway: order journal not configured")

// PlaceOrder 下单。错误原样返回，不重试也不降级；结果写入日志，成功后使余额与持仓缓存失效。
func (g *Gateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	ack, err := g.ex.PlaceOrder(ctx, req)
	metrics.RecordOrder(store.ActionPlace, err)

	rec := store.OrderRecord{
		Action: store.ActionPlace,
		Symbol: req.Symbol,
		Side:   string(req.Side),
		Type:   string(req.Type),
		Qty:    amount(req.Qty),
	}
	if req.Price > 0 {
		rec.Price = amount(req.Price)
	}
	if err == nil {
		rec.OrderID = ack.OrderID
		rec.OrderLinkID = ack.OrderLinkID
		if ack.Symbol != "" {
			rec.Symbol = ack.Symbol
		}
	} else {
		rec.OrderLinkID = req.OrderLinkID
	}
	g.journalWrite(ctx, rec, err)

	if err != nil {
		log.Error().Err(err).Str("symbol", req.Symbol).Str("side", string(req.Side)).Msg("下单失败")
		return ack, err
	}
	log.Info().
		Str("symbol", ack.Symbol).
		Str("order_id", ack.OrderID).
		Str("order_link_id", ack.OrderLinkID).
		Msg("下单已受理")
	g.invalidateAccount(ctx)
	return ack, nil
}

// CancelOrder 撤单，语义同 PlaceOrder
func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.OrderAck, error) {
	ack, err := g.ex.CancelOrder(ctx, symbol, orderID)
	metrics.RecordOrder(store.ActionCancel, err)

	g.journalWrite(ctx, store.OrderRecord{
		Action:  store.ActionCancel,
		Symbol:  symbol,
		OrderID: orderID,
	}, err)

	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Str("order_id", orderID).Msg("撤单失败")
		return ack, err
	}
	log.Info().Str("symbol", symbol).Str("order_id", orderID).Msg("撤单已受理")
	g.invalidateAccount(ctx)
	return ack, nil
}

// RecentOrders 最近的写操作记录，symbol 为空时返回全部
func (g *Gateway) RecentOrders(ctx context.Context, symbol string, limit int) ([]store.OrderRecord, error) {
	if g.journal == nil {
		return nil, ErrNoJournal
	}
	return g.journal.Recent(ctx, symbol, limit)
}

// amount 日志里的数量/价格；NaN、Inf 已被校验拒绝，这里记为空
func amount(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	return decimal.NewFromFloat(f).String()
}

func (g *Gateway) journalWrite(ctx context.Context, rec store.OrderRecord, err error) {
	if g.journal == nil {
		return
	}
	rec.Environment = string(g.ex.Environment())
	rec.Status = store.StatusAccepted
	if err != nil {
		rec.Status = store.StatusRejected
		rec.ErrorKind = exchange.KindOf(err).String()
		rec.Error = err.Error()
	}
	// 调用方 ctx 可能已超时，日志写入单独给一个短超时
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if _, jerr := g.journal.Record(jctx, rec); jerr != nil {
		log.Warn().Err(jerr).Str("action", rec.Action).Msg("写入订单日志失败")
	}
}

// invalidateAccount 写操作改变了余额和持仓
func (g *Gateway) invalidateAccount(ctx context.Context) {
	balKey := cache.Key(queryBalance)
	posKey := cache.Key(queryPositions)
	g.cache.Invalidate(balKey)
	g.cache.InvalidatePrefix(posKey)
	if g.remote == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.RemoteTimeout)
	defer cancel()
	if err := g.remote.Delete(rctx, balKey, posKey); err != nil {
		log.Debug().Err(err).Msg("共享缓存失效失败")
	}
}

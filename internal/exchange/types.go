package exchange

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Number 宽松数值：接受字符串或数字，空串/null/无法解析一律按 0 处理。
type Number decimal.Decimal

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(bytes.TrimSpace(b), `"`)
	if len(b) == 0 || string(b) == "null" {
		*n = Number(decimal.Zero)
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		*n = Number(decimal.Zero)
		return nil
	}
	*n = Number(d)
	return nil
}

func (n Number) Decimal() decimal.Decimal { return decimal.Decimal(n) }

func (n Number) Float() float64 {
	f, _ := decimal.Decimal(n).Float64()
	return f
}

func (n Number) Int() int64 { return decimal.Decimal(n).IntPart() }

// OrderSide 买卖方向
type OrderSide string

const (
	SideBuy  OrderSide = "Buy"
	SideSell OrderSide = "Sell"
)

// OrderType 订单类型
type OrderType string

const (
	OrderLimit  OrderType = "Limit"
	OrderMarket OrderType = "Market"
)

// ServerTime 交易所服务器时间
type ServerTime struct {
	Millis int64     `json:"millis"`
	Time   time.Time `json:"time"`
}

// Kline K 线
type Kline struct {
	Start    time.Time `json:"start"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
	Turnover float64   `json:"turnover"`
}

// PriceLevel 盘口档位
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// OrderBook 订单簿快照
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	UpdateID  int64        `json:"updateId"`
	Timestamp time.Time    `json:"timestamp"`
}

// Ticker 24h 行情
type Ticker struct {
	Symbol       string  `json:"symbol"`
	LastPrice    float64 `json:"lastPrice"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Volume24h    float64 `json:"volume24h"`
	Turnover24h  float64 `json:"turnover24h"`
	High24h      float64 `json:"high24h"`
	Low24h       float64 `json:"low24h"`
	Change24hPct float64 `json:"change24hPct"`
}

// CoinBalance 单币种余额
type CoinBalance struct {
	Coin          string  `json:"coin"`
	Equity        float64 `json:"equity"`
	WalletBalance float64 `json:"walletBalance"`
	Available     float64 `json:"available"`
	UnrealisedPnl float64 `json:"unrealisedPnl"`
	USDValue      float64 `json:"usdValue"`
}

// AccountBalance 账户余额
type AccountBalance struct {
	AccountType        string        `json:"accountType"`
	TotalEquity        float64       `json:"totalEquity"`
	TotalWalletBalance float64       `json:"totalWalletBalance"`
	TotalAvailable     float64       `json:"totalAvailable"`
	TotalUnrealisedPnl float64       `json:"totalUnrealisedPnl"`
	Coins              []CoinBalance `json:"coins"`
}

// Coin 按币种查找
func (b *AccountBalance) Coin(name string) (CoinBalance, bool) {
	for _, c := range b.Coins {
		if c.Coin == name {
			return c, true
		}
	}
	return CoinBalance{}, false
}

// Position 持仓
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	AvgPrice      float64 `json:"avgPrice"`
	MarkPrice     float64 `json:"markPrice"`
	UnrealisedPnl float64 `json:"unrealisedPnl"`
	Leverage      float64 `json:"leverage"`
	PositionValue float64 `json:"positionValue"`
	LiqPrice      float64 `json:"liqPrice"`
}

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol      string    `json:"symbol"`
	Side        OrderSide `json:"side"`
	Type        OrderType `json:"type"`
	Qty         float64   `json:"qty"`
	Price       float64   `json:"price,omitempty"`
	TimeInForce string    `json:"timeInForce,omitempty"`
	OrderLinkID string    `json:"orderLinkId,omitempty"`
	ReduceOnly  bool      `json:"reduceOnly,omitempty"`
}

// OrderAck 交易所受理结果（不代表成交）
type OrderAck struct {
	OrderID     string    `json:"orderId"`
	OrderLinkID string    `json:"orderLinkId"`
	Symbol      string    `json:"symbol"`
	Side        OrderSide `json:"side,omitempty"`
	Type        OrderType `json:"type,omitempty"`
	Qty         float64   `json:"qty,omitempty"`
	Price       float64   `json:"price,omitempty"`
	AcceptedAt  time.Time `json:"acceptedAt"`
}

// 以下为各端点的原始响应结构，只在解析边界使用。

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type serverTimeResp struct {
	TimeSecond Number `json:"timeSecond"`
	TimeNano   Number `json:"timeNano"`
}

type klineResp struct {
	Symbol string     `json:"symbol"`
	List   [][]Number `json:"list"`
}

type orderBookResp struct {
	Symbol   string     `json:"s"`
	Bids     [][]Number `json:"b"`
	Asks     [][]Number `json:"a"`
	TS       Number     `json:"ts"`
	UpdateID Number     `json:"u"`
}

type tickerResp struct {
	List []struct {
		Symbol       string `json:"symbol"`
		LastPrice    Number `json:"lastPrice"`
		Bid1Price    Number `json:"bid1Price"`
		Ask1Price    Number `json:"ask1Price"`
		Volume24h    Number `json:"volume24h"`
		Turnover24h  Number `json:"turnover24h"`
		HighPrice24h Number `json:"highPrice24h"`
		LowPrice24h  Number `json:"lowPrice24h"`
		Price24hPcnt Number `json:"price24hPcnt"`
	} `json:"list"`
}

type walletResp struct {
	List []struct {
		AccountType           string `json:"accountType"`
		TotalEquity           Number `json:"totalEquity"`
		TotalWalletBalance    Number `json:"totalWalletBalance"`
		TotalAvailableBalance Number `json:"totalAvailableBalance"`
		TotalPerpUPL          Number `json:"totalPerpUPL"`
		Coin                  []struct {
			Coin                string `json:"coin"`
			Equity              Number `json:"equity"`
			WalletBalance       Number `json:"walletBalance"`
			AvailableToWithdraw Number `json:"availableToWithdraw"`
			UnrealisedPnl       Number `json:"unrealisedPnl"`
			USDValue            Number `json:"usdValue"`
		} `json:"coin"`
	} `json:"list"`
}

type positionResp struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          Number `json:"size"`
		AvgPrice      Number `json:"avgPrice"`
		MarkPrice     Number `json:"markPrice"`
		UnrealisedPnl Number `json:"unrealisedPnl"`
		Leverage      Number `json:"leverage"`
		PositionValue Number `json:"positionValue"`
		LiqPrice      Number `json:"liqPrice"`
	} `json:"list"`
}

type orderResp struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

func levelsFrom(raw [][]Number) []PriceLevel {
	out := make([]PriceLevel, 0, len(raw))
	for _, lv := range raw {
		if len(lv) < 2 {
			continue
		}
		out = append(out, PriceLevel{Price: lv[0].Float(), Quantity: lv[1].Float()})
	}
	return out
}

package exchange

import (
	"encoding/json"
	"testing"
)

func TestTopicNames(t *testing.T) {
	if TickerTopic("btcusdt") != "tickers.BTCUSDT" {
		t.Fatalf("ticker topic %s", TickerTopic("btcusdt"))
	}
	if OrderBookTopic(50, "ETHUSDT") != "orderbook.50.ETHUSDT" {
		t.Fatalf("orderbook topic %s", OrderBookTopic(50, "ETHUSDT"))
	}
	if SymbolFromTopic("orderbook.50.ETHUSDT") != "ETHUSDT" || SymbolFromTopic("plain") != "plain" {
		t.Fatalf("symbol from topic")
	}
}

func TestApplyTickerUpdateMergesDelta(t *testing.T) {
	snap := StreamMessage{
		Topic: "tickers.BTCUSDT",
		Type:  "snapshot",
		Data:  json.RawMessage(`{"symbol":"BTCUSDT","lastPrice":"45000","bid1Price":"44999.5","ask1Price":"45000.5","volume24h":"1200","price24hPcnt":"0.01"}`),
	}
	tk, err := ApplyTickerUpdate(Ticker{}, snap)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if tk.LastPrice != 45000 || tk.Bid != 44999.5 || tk.Change24hPct != 1 {
		t.Fatalf("unexpected snapshot ticker %+v", tk)
	}

	delta := StreamMessage{Topic: "tickers.BTCUSDT", Type: "delta", Data: json.RawMessage(`{"lastPrice":"45100"}`)}
	tk, err = ApplyTickerUpdate(tk, delta)
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if tk.LastPrice != 45100 || tk.Bid != 44999.5 || tk.Volume24h != 1200 || tk.Symbol != "BTCUSDT" {
		t.Fatalf("delta should only change lastPrice: %+v", tk)
	}

	if _, err := ApplyTickerUpdate(tk, StreamMessage{Topic: "tickers.BTCUSDT", Data: json.RawMessage(`[1,2]`)}); KindOf(err) != KindMalformed {
		t.Fatalf("expected malformed, got %v", err)
	}
}

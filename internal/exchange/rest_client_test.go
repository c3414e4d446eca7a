package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestClient(t *testing.T, env Environment, maxNotional float64, h http.HandlerFunc) (*RestClient, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		h(w, r)
	}))
	t.Cleanup(ts.Close)

	cli := NewRestClient(
		mustCreds(t, "AK1", "SECRET", env),
		ClientConfig{
			BaseURL:        ts.URL,
			RequestTimeout: time.Second,
			MaxNotional:    maxNotional,
			Retry:          RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		},
		NewLimiter(LimiterConfig{LowWatermark: 5}),
		ts.Client(),
	)
	return cli, &calls
}

func TestGetAccountBalanceSignsAndParses(t *testing.T) {
	cli, calls := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/account/wallet-balance" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		ts, _ := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		rw, _ := strconv.ParseInt(r.Header.Get(HeaderRecvWindow), 10, 64)
		want := NewSigner(mustCreds(t, "AK1", "SECRET", Sandbox)).SignPayload(ts, rw, r.URL.RawQuery)
		if r.Header.Get(HeaderSign) != want.Sign || r.Header.Get(HeaderAPIKey) != "AK1" {
			t.Errorf("bad signature headers: %v", r.Header)
		}
		if rw != 5000 {
			t.Errorf("recv window = %d", rw)
		}
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{
			"accountType":"UNIFIED","totalEquity":"10500.5","totalWalletBalance":10000,
			"totalAvailableBalance":"","totalPerpUPL":"abc",
			"coin":[{"coin":"USDT","equity":"10500.5","walletBalance":"10000","availableToWithdraw":"","unrealisedPnl":"500.5"}]
		}]},"time":1700000000000}`)
	})

	bal, err := cli.GetAccountBalance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.TotalEquity != 10500.5 || bal.TotalWalletBalance != 10000 {
		t.Fatalf("unexpected totals %+v", bal)
	}
	if bal.TotalAvailable != 0 || bal.TotalUnrealisedPnl != 0 {
		t.Fatalf("empty/invalid numbers should default to zero: %+v", bal)
	}
	usdt, ok := bal.Coin("USDT")
	if !ok || usdt.Available != 0 || usdt.UnrealisedPnl != 500.5 {
		t.Fatalf("unexpected coin %+v", usdt)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestGetKlinesSortedAscending(t *testing.T) {
	cli, _ := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("interval") != "60" || q.Get("symbol") != "BTCUSDT" || q.Get("limit") != "3" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get(HeaderSign) != "" {
			t.Errorf("public endpoint should not be signed")
		}
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"symbol":"BTCUSDT","list":[
			["1700007200000","102","103","101","102.5","10","1000"],
			["1700003600000","101","","100","102","",""],
			["bad"],
			["1700000000000","100","101","99","101","12","1200"]
		]}}`)
	})

	ks, err := cli.GetKlines(context.Background(), "btcusdt", "1h", 3)
	if err != nil {
		t.Fatalf("klines: %v", err)
	}
	if len(ks) != 3 {
		t.Fatalf("expected 3 klines, got %d", len(ks))
	}
	if !ks[0].Start.Before(ks[1].Start) || !ks[1].Start.Before(ks[2].Start) {
		t.Fatalf("klines not ascending")
	}
	if ks[1].High != 0 || ks[1].Volume != 0 || ks[1].Close != 102 {
		t.Fatalf("unexpected middle kline %+v", ks[1])
	}
}

func TestGetKlinesRejectsBadInterval(t *testing.T) {
	cli, calls := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {})
	_, err := cli.GetKlines(context.Background(), "BTCUSDT", "7m", 10)
	if KindOf(err) != KindInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("validation must not reach network")
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		wantKind  Kind
		wantCalls int32
	}{
		{"ret code rate limit", 200, `{"retCode":10006,"retMsg":"Too many visits!"}`, KindRateLimited, 1},
		{"ret code auth", 200, `{"retCode":10003,"retMsg":"API key is invalid."}`, KindAuth, 1},
		{"recv window", 200, `{"retCode":10002,"retMsg":"invalid request, please check your server timestamp"}`, KindAuth, 1},
		{"business reject", 200, `{"retCode":110007,"retMsg":"insufficient balance"}`, KindExchange, 1},
		{"http 401", 401, `{"retCode":0,"retMsg":""}`, KindAuth, 1},
		{"server error retried", 502, `<html>bad gateway</html>`, KindNetwork, 3},
		{"cdn block", 403, `<html>Request blocked by CloudFront</html>`, KindRateLimited, 1},
		{"malformed retried", 200, `not json`, KindMalformed, 3},
		{"missing result", 200, `{"retCode":0,"retMsg":"OK"}`, KindMalformed, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cli, calls := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			})
			_, err := cli.GetServerTime(context.Background())
			if got := KindOf(err); got != tc.wantKind {
				t.Fatalf("kind = %v, want %v (err=%v)", got, tc.wantKind, err)
			}
			if calls.Load() != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", calls.Load(), tc.wantCalls)
			}
			if tc.wantKind == KindRateLimited && cli.Limiter().Mode() != LimiterThrottled {
				t.Fatalf("rate limit should throttle limiter")
			}
		})
	}
}

func TestErrorsIsByKind(t *testing.T) {
	err := error(&Error{Kind: KindAuth, Op: "GET /x", Code: 10003})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("errors.Is should match by kind")
	}
	if errors.Is(err, ErrNetwork) {
		t.Fatalf("errors.Is matched wrong kind")
	}
	if KindOf(context.DeadlineExceeded) != KindNetwork {
		t.Fatalf("deadline should map to network")
	}
}

func TestRequestTimeoutIsNetworkError(t *testing.T) {
	cli, _ := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
	})
	cli.cfg.RequestTimeout = 30 * time.Millisecond
	cli.cfg.Retry = RetryPolicy{MaxAttempts: 1}

	start := time.Now()
	_, err := cli.GetServerTime(context.Background())
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if time.Since(start) > 400*time.Millisecond {
		t.Fatalf("timeout not enforced")
	}
}

func TestQuotaHeaderThrottles(t *testing.T) {
	cli, _ := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderLimitRemaining, "2")
		w.Header().Set(HeaderLimitReset, strconv.FormatInt(time.Now().Add(time.Minute).UnixMilli(), 10))
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"timeSecond":"1700000000","timeNano":"1700000000123456789"}}`)
	})
	st, err := cli.GetServerTime(context.Background())
	if err != nil {
		t.Fatalf("server time: %v", err)
	}
	if st.Millis != 1700000000123 {
		t.Fatalf("millis = %d", st.Millis)
	}
	if cli.Limiter().Mode() != LimiterThrottled {
		t.Fatalf("low remaining quota should throttle")
	}
	if cli.Limiter().State().Remaining != 0 {
		t.Fatalf("remaining = %d", cli.Limiter().State().Remaining)
	}
}

func TestRateLimitedResponseSignalsOnce(t *testing.T) {
	cli, _ := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderLimitRemaining, "0")
		io.WriteString(w, `{"retCode":10006,"retMsg":"Too many visits!","result":{}}`)
	})
	before := cli.Limiter().State().Backoff
	_, err := cli.GetServerTime(context.Background())
	if KindOf(err) != KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if got := cli.Limiter().State().Backoff; got != 2*before {
		t.Fatalf("one rate-limited response moved backoff %v -> %v, want %v", before, got, 2*before)
	}
}

func TestRateLimitedResponseWithoutQuotaHeaderSignals(t *testing.T) {
	cli, _ := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":10006,"retMsg":"Too many visits!","result":{}}`)
	})
	before := cli.Limiter().State().Backoff
	if _, err := cli.GetServerTime(context.Background()); KindOf(err) != KindRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	st := cli.Limiter().State()
	if !st.Exceeded || st.Backoff != 2*before {
		t.Fatalf("unexpected limiter state %+v", st)
	}
}

func TestSyncTimeUpdatesOffset(t *testing.T) {
	server := time.Now().Add(3 * time.Second).UnixMilli()
	cli, _ := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"timeSecond":"`+strconv.FormatInt(server/1000, 10)+`","timeNano":"`+strconv.FormatInt(server*1_000_000, 10)+`"}}`)
	})
	off, err := cli.SyncTime(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if off < 2500*time.Millisecond || off > 3500*time.Millisecond {
		t.Fatalf("offset = %v", off)
	}
}

func TestPlaceOrderValidationNeverReachesNetwork(t *testing.T) {
	cli, calls := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {})
	bad := []OrderRequest{
		{Symbol: "BTCUSDT", Side: "Hold", Type: OrderLimit, Qty: 1, Price: 1},
		{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderLimit, Qty: 0, Price: 1},
		{Symbol: "BTCUSDT", Side: SideSell, Type: OrderLimit, Qty: 1, Price: 0},
		{Symbol: "", Side: SideSell, Type: OrderMarket, Qty: 1},
		{Symbol: "BTCUSDT", Side: SideSell, Type: "Stop", Qty: 1},
		{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderMarket, Qty: math.Inf(1)},
		{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderLimit, Qty: math.NaN(), Price: 1},
		{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderLimit, Qty: 1, Price: math.Inf(1)},
		{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderMarket, Qty: 1, Price: math.NaN()},
	}
	for i, req := range bad {
		if _, err := cli.PlaceOrder(context.Background(), req); KindOf(err) != KindInvalidArgument {
			t.Fatalf("case %d: expected invalid argument, got %v", i, err)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("validation failures made %d network calls", calls.Load())
	}
}

func TestPlaceOrderNotionalGuardOnProduction(t *testing.T) {
	cli, calls := newTestClient(t, Production, 1000, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"1"}}`)
	})
	_, err := cli.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderLimit, Qty: 1000, Price: 1000})
	if KindOf(err) != KindInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("guard must reject without network call, got %d calls", calls.Load())
	}

	if _, err := cli.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderLimit, Qty: 1, Price: 1000}); err != nil {
		t.Fatalf("order at the limit should pass: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestNotionalGuardRejectsNonFinitePrice(t *testing.T) {
	cli, calls := newTestClient(t, Production, 1000, func(w http.ResponseWriter, r *http.Request) {})
	for _, price := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		req := OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Type: OrderMarket, Qty: 1, Price: price}
		if err := cli.ValidateOrder(&req); KindOf(err) != KindInvalidArgument {
			t.Fatalf("price %v: expected invalid argument, got %v", price, err)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("validation made %d network calls", calls.Load())
	}
}

func TestPlaceOrderNotionalGuardSkippedOnSandbox(t *testing.T) {
	cli, calls := newTestClient(t, Sandbox, 1000, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"42"}}`)
	})
	ack, err := cli.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderLimit, Qty: 1000, Price: 1000})
	if err != nil {
		t.Fatalf("sandbox order: %v", err)
	}
	if ack.OrderID != "42" || calls.Load() != 1 {
		t.Fatalf("unexpected ack %+v calls=%d", ack, calls.Load())
	}
}

func TestPlaceOrderBodySigned(t *testing.T) {
	var body map[string]any
	cli, _ := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order/create" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		ts, _ := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
		want := NewSigner(mustCreds(t, "AK1", "SECRET", Sandbox)).SignPayload(ts, 5000, string(raw))
		if r.Header.Get(HeaderSign) != want.Sign {
			t.Errorf("post body signature mismatch")
		}
		_ = json.Unmarshal(raw, &body)
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"abc","orderLinkId":"`+body["orderLinkId"].(string)+`"}}`)
	})

	ack, err := cli.PlaceOrder(context.Background(), OrderRequest{Symbol: "ethusdt", Side: SideSell, Type: OrderLimit, Qty: 0.5, Price: 2800.25})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if body["qty"] != "0.5" || body["price"] != "2800.25" || body["symbol"] != "ETHUSDT" || body["timeInForce"] != "GTC" {
		t.Fatalf("unexpected body %v", body)
	}
	if _, err := uuid.Parse(ack.OrderLinkID); err != nil {
		t.Fatalf("orderLinkId should be a uuid: %q", ack.OrderLinkID)
	}
}

func TestPlaceOrderNotRetriedOnServerError(t *testing.T) {
	cli, calls := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := cli.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderMarket, Qty: 1})
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("writes must not be retried, got %d calls", calls.Load())
	}
}

func TestCancelOrder(t *testing.T) {
	cli, _ := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/order/cancel" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"77","orderLinkId":"x"}}`)
	})
	if _, err := cli.CancelOrder(context.Background(), "BTCUSDT", ""); KindOf(err) != KindInvalidArgument {
		t.Fatalf("empty order id should be invalid, got %v", err)
	}
	ack, err := cli.CancelOrder(context.Background(), "BTCUSDT", "77")
	if err != nil || ack.OrderID != "77" {
		t.Fatalf("cancel: %+v %v", ack, err)
	}
}

func TestGetOrderBookAndTicker(t *testing.T) {
	cli, _ := newTestClient(t, Sandbox, 0, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/market/orderbook":
			io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"s":"BTCUSDT","b":[["44999","1.5"]],"a":[["45001","2"],["45002"]],"ts":1700000000000,"u":9}}`)
		case "/market/tickers":
			io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT","lastPrice":"45000","bid1Price":"44999","ask1Price":"45001","volume24h":"1234","price24hPcnt":"0.0125"}]}}`)
		}
	})
	book, err := cli.GetOrderBook(context.Background(), "BTCUSDT", 0)
	if err != nil {
		t.Fatalf("orderbook: %v", err)
	}
	if len(book.Bids) != 1 || len(book.Asks) != 1 || book.Asks[0].Price != 45001 || book.UpdateID != 9 {
		t.Fatalf("unexpected book %+v", book)
	}
	tk, err := cli.GetTicker(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("ticker: %v", err)
	}
	if tk.LastPrice != 45000 || tk.Change24hPct != 1.25 {
		t.Fatalf("unexpected ticker %+v", tk)
	}
}

func TestNormalizeInterval(t *testing.T) {
	cases := map[string]string{"1h": "60", "60": "60", "1d": "D", "D": "D", "1M": "M", "15m": "15", "4H": "240"}
	for in, want := range cases {
		got, _, err := NormalizeInterval(in)
		if err != nil || got != want {
			t.Fatalf("NormalizeInterval(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

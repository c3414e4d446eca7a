package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/market-gateway/internal/config"
	"github.com/newplayman/market-gateway/internal/exchange"
	"github.com/newplayman/market-gateway/internal/gateway"
)

// 一次性检查：连通性、时钟偏移、凭证、各交易对行情，以及网关每个查询的数据来源。
func main() {
	cfgPath := flag.String("config", "config.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", ".env 文件路径")
	symbols := flag.String("symbols", "", "逗号分隔的交易对，为空时使用配置里的 stream.symbols")
	timeout := flag.Duration("timeout", 30*time.Second, "整体超时")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatal().Err(err).Msg("读取 .env 失败")
	}
	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	creds, err := cfg.Credentials()
	if err != nil {
		log.Fatal().Err(err).Msg("交易所凭证无效")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rest := exchange.NewRestClient(creds, cfg.ClientConfig(), exchange.NewLimiter(cfg.LimiterConfig()), exchange.NewDefaultHTTPClient())
	fmt.Printf("environment: %s\nrest:        %s\n", creds.Environment(), rest.Config().BaseURL)

	start := time.Now()
	st, err := rest.GetServerTime(ctx)
	if err != nil {
		fmt.Printf("server time: FAIL (%s) %v\n", exchange.KindOf(err), err)
	} else {
		fmt.Printf("server time: %s (rtt %s)\n", st.Time.Format(time.RFC3339Nano), time.Since(start).Round(time.Millisecond))
		if off, err := rest.SyncTime(ctx); err == nil {
			fmt.Printf("clock offset: %s\n", off)
		}
	}

	syms := cfg.Stream.Symbols
	if *symbols != "" {
		syms = strings.Split(*symbols, ",")
	}

	gw, err := gateway.New(cfg.GatewayConfig(), gateway.Deps{Exchange: rest})
	if err != nil {
		log.Fatal().Err(err).Msg("创建网关失败")
	}
	defer gw.Shutdown(context.Background())

	report := struct {
		Stats   gateway.TradingStats    `json:"stats"`
		Markets gateway.MultiSymbolData `json:"markets"`
		Status  gateway.StatusReport    `json:"status"`
	}{
		Stats:   gw.GetTradingStats(ctx),
		Markets: gw.GetMultipleSymbols(ctx, syms),
		Status:  gw.Status(),
	}

	if !report.Stats.Account.Success {
		fmt.Printf("credentials: FAIL (%s) %s\n", report.Stats.Account.ErrorKind, report.Stats.Account.Error)
	} else {
		fmt.Printf("credentials: ok (balance from %s)\n", report.Stats.Account.DataSource)
	}
	for sym, r := range report.Markets.Symbols {
		price := 0.0
		if r.Data != nil {
			price = r.Data.Price
		}
		fmt.Printf("%-10s %-10s %v\n", sym, r.DataSource, price)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		log.Fatal().Err(err).Msg("输出失败")
	}

	if report.Stats.Account.ErrorKind == exchange.KindAuth.String() {
		os.Exit(2)
	}
}

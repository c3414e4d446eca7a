package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/market-gateway/internal/exchange"
	"github.com/newplayman/market-gateway/internal/gateway"
	"github.com/newplayman/market-gateway/internal/health"
	"github.com/newplayman/market-gateway/internal/store"
)

// Service 对外暴露的网关能力，*gateway.Gateway 实现了它
type Service interface {
	GetAccountBalance(ctx context.Context) gateway.QueryResult[exchange.AccountBalance]
	GetMarketData(ctx context.Context, symbol string) gateway.QueryResult[gateway.MarketData]
	GetPositions(ctx context.Context) gateway.QueryResult[[]exchange.Position]
	GetHistoricalData(ctx context.Context, symbol, interval string, limit int) gateway.QueryResult[[]exchange.Kline]
	GetOrderBook(ctx context.Context, symbol string, depth int) gateway.QueryResult[exchange.OrderBook]
	GetTradingStats(ctx context.Context) gateway.TradingStats
	GetMultipleSymbols(ctx context.Context, symbols []string) gateway.MultiSymbolData
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (exchange.OrderAck, error)
	RecentOrders(ctx context.Context, symbol string, limit int) ([]store.OrderRecord, error)
	Status() gateway.StatusReport
	Health() health.ConnectionStatus
}

// Server 协作方使用的 HTTP 接口
type Server struct {
	Router *gin.Engine
	svc    Service
}

// NewServer 组装路由
func NewServer(svc Service) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(requestLogger())

	s := &Server{Router: r, svc: svc}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/healthz", s.healthz)

	v1 := s.Router.Group("/api/v1")
	{
		v1.GET("/balance", s.balance)
		v1.GET("/market/:symbol", s.market)
		v1.GET("/markets", s.markets)
		v1.GET("/positions", s.positions)
		v1.GET("/history/:symbol", s.history)
		v1.GET("/orderbook/:symbol", s.orderBook)
		v1.GET("/stats", s.stats)
		v1.GET("/status", s.status)

		v1.GET("/orders", s.recentOrders)
		v1.POST("/orders", s.placeOrder)
		v1.DELETE("/orders/:symbol/:id", s.cancelOrder)
	}
}

// ListenAndServe 启动 HTTP 服务，ctx 结束时优雅关闭
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP 接口已启动")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Warn()
		}
		ev.Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("HTTP 请求")
	}
}

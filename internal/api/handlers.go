package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/newplayman/market-gateway/internal/exchange"
	"github.com/newplayman/market-gateway/internal/gateway"
)

// readStatus 读接口：鉴权失败 401，参数错误 400，其余（含降级数据）200
func readStatus(success bool, kind string) int {
	if success {
		return http.StatusOK
	}
	switch kind {
	case exchange.KindAuth.String():
		return http.StatusUnauthorized
	case exchange.KindInvalidArgument.String():
		return http.StatusBadRequest
	}
	return http.StatusOK
}

// writeStatus 写接口的错误码
func writeStatus(err error) int {
	switch exchange.KindOf(err) {
	case exchange.KindInvalidArgument:
		return http.StatusBadRequest
	case exchange.KindAuth:
		return http.StatusUnauthorized
	case exchange.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func respond[T any](c *gin.Context, r gateway.QueryResult[T]) {
	c.JSON(readStatus(r.Success, r.ErrorKind), r)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success":    false,
		"error":      msg,
		"error_kind": exchange.KindInvalidArgument.String(),
	})
}

// intQuery 可选整数参数，缺省返回 def
func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (s *Server) healthz(c *gin.Context) {
	st := s.svc.Health()
	// 交易所不可达时网关仍可提供降级数据，所以总是 200
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"connected": st.Connected,
		"stream":    st.Stream,
	})
}

func (s *Server) balance(c *gin.Context) {
	respond(c, s.svc.GetAccountBalance(c.Request.Context()))
}

func (s *Server) market(c *gin.Context) {
	respond(c, s.svc.GetMarketData(c.Request.Context(), c.Param("symbol")))
}

func (s *Server) markets(c *gin.Context) {
	raw := c.Query("symbols")
	if strings.TrimSpace(raw) == "" {
		badRequest(c, "symbols is required")
		return
	}
	c.JSON(http.StatusOK, s.svc.GetMultipleSymbols(c.Request.Context(), strings.Split(raw, ",")))
}

func (s *Server) positions(c *gin.Context) {
	respond(c, s.svc.GetPositions(c.Request.Context()))
}

func (s *Server) history(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 100)
	if !ok {
		return
	}
	interval := c.DefaultQuery("interval", "60")
	respond(c, s.svc.GetHistoricalData(c.Request.Context(), c.Param("symbol"), interval, limit))
}

func (s *Server) orderBook(c *gin.Context) {
	depth, ok := intQuery(c, "depth", 25)
	if !ok {
		return
	}
	respond(c, s.svc.GetOrderBook(c.Request.Context(), c.Param("symbol"), depth))
}

func (s *Server) stats(c *gin.Context) {
	st := s.svc.GetTradingStats(c.Request.Context())
	code := http.StatusOK
	if st.Account.ErrorKind == exchange.KindAuth.String() {
		code = http.StatusUnauthorized
	}
	c.JSON(code, st)
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Status())
}

type orderBody struct {
	Symbol      string  `json:"symbol" binding:"required"`
	Side        string  `json:"side" binding:"required"`
	Type        string  `json:"type" binding:"required"`
	Qty         float64 `json:"qty" binding:"required,gt=0"`
	Price       float64 `json:"price"`
	TimeInForce string  `json:"time_in_force"`
	OrderLinkID string  `json:"order_link_id"`
	ReduceOnly  bool    `json:"reduce_only"`
}

func (s *Server) placeOrder(c *gin.Context) {
	var body orderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	ack, err := s.svc.PlaceOrder(c.Request.Context(), exchange.OrderRequest{
		Symbol:      body.Symbol,
		Side:        exchange.OrderSide(body.Side),
		Type:        exchange.OrderType(body.Type),
		Qty:         body.Qty,
		Price:       body.Price,
		TimeInForce: body.TimeInForce,
		OrderLinkID: body.OrderLinkID,
		ReduceOnly:  body.ReduceOnly,
	})
	writeResult(c, ack, err)
}

func (s *Server) cancelOrder(c *gin.Context) {
	ack, err := s.svc.CancelOrder(c.Request.Context(), c.Param("symbol"), c.Param("id"))
	writeResult(c, ack, err)
}

func writeResult(c *gin.Context, ack exchange.OrderAck, err error) {
	if err != nil {
		c.JSON(writeStatus(err), gin.H{
			"success":    false,
			"error":      err.Error(),
			"error_kind": exchange.KindOf(err).String(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": ack})
}

func (s *Server) recentOrders(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 50)
	if !ok {
		return
	}
	recs, err := s.svc.RecentOrders(c.Request.Context(), strings.ToUpper(c.Query("symbol")), limit)
	if errors.Is(err, gateway.ErrNoJournal) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": recs})
}

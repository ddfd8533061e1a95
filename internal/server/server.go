// Package server exposes order intake, queries and settlement operations over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/Aidin1998/tickerex/common/errors"
	"github.com/Aidin1998/tickerex/internal/identity"
	"github.com/Aidin1998/tickerex/internal/settlement"
	"github.com/Aidin1998/tickerex/internal/trading"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	ctxUserID = "userID"
	ctxToken  = "token"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// Outbox lists and re-queues settlement messages
type Outbox interface {
	List(ctx context.Context, status settlement.Status, key string, limit int) ([]*settlement.Message, error)
	Retry(ctx context.Context, id, key string) error
}

// Options configures the router
type Options struct {
	ServiceName    string
	AllowedOrigins []string
	// Operators may see and retry every user's settlement messages; everyone
	// else only their own
	Operators []string
}

// Server represents the HTTP server
type Server struct {
	logger   *zap.Logger
	trading  *trading.Service
	outbox   Outbox
	resolver identity.Resolver
	errors   *errors.UnifiedErrorHandler
	opts     Options
}

// NewServer creates a new HTTP server
func NewServer(logger *zap.Logger, tradingSvc *trading.Service, outbox Outbox, resolver identity.Resolver, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "tickers"
	}
	return &Server{
		logger:   logger.Named("http"),
		trading:  tradingSvc,
		outbox:   outbox,
		resolver: resolver,
		errors:   errors.NewUnifiedErrorHandler(mapBindError, mapDomainError),
		opts:     opts,
	}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware(s.opts.ServiceName))
	router.Use(s.cors())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// public market data
		v1.GET("/book", s.handleGetBook)
		v1.GET("/trades", s.handleGetTrades)
		v1.GET("/trades/:id", s.handleGetTrade)
		v1.GET("/symbols", s.handleGetSymbols)

		orders := v1.Group("/orders", s.authMiddleware())
		{
			orders.POST("", s.handlePlaceOrder)
			orders.GET("/:id", s.handleGetOrder)
			orders.DELETE("/:id", s.handleCancelOrder)
			orders.GET("/:id/trades", s.handleGetOrderTrades)
		}

		me := v1.Group("/me", s.authMiddleware())
		{
			me.GET("/orders", s.handleGetMyOrders)
			me.GET("/trades", s.handleGetMyTrades)
		}

		settlements := v1.Group("/settlements", s.authMiddleware())
		{
			settlements.GET("", s.handleListSettlements)
			settlements.POST("/:id/retry", s.handleRetrySettlement)
		}
	}

	return router
}

func (s *Server) cors() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(s.opts.AllowedOrigins) == 0 || (len(s.opts.AllowedOrigins) == 1 && s.opts.AllowedOrigins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.opts.AllowedOrigins
	}
	cfg.AddAllowHeaders("Authorization")
	return cors.New(cfg)
}

func (s *Server) writeError(c *gin.Context, err error) {
	pd := s.errors.ToProblem(err, c.Request.URL.Path)
	if pd.Status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", pd.Status),
			zap.Error(err))
	}
	s.errors.HandleError(c, pd)
}

// authMiddleware resolves the bearer credential to a user id
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := identity.BearerToken(c.GetHeader("Authorization"))
		if !ok {
			s.writeError(c, errors.NewUnauthorizedError("missing bearer token", c.Request.URL.Path))
			return
		}

		userID, err := s.resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			s.writeError(c, err)
			return
		}

		c.Set(ctxUserID, userID)
		c.Set(ctxToken, token)
		c.Next()
	}
}

func (s *Server) handlePlaceOrder(c *gin.Context) {
	var req trading.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, err)
		return
	}

	order, err := s.trading.PlaceOrder(c.Request.Context(), c.GetString(ctxToken), c.GetString(ctxUserID), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	order, err := s.trading.GetOrder(c.Request.Context(), c.GetString(ctxUserID), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	order, err := s.trading.CancelOrder(c.Request.Context(), c.GetString(ctxUserID), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleGetOrderTrades(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	trades, err := s.trading.OrderTrades(c.Request.Context(), c.GetString(ctxUserID), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) handleGetMyOrders(c *gin.Context) {
	limit, ok := s.queryLimit(c)
	if !ok {
		return
	}
	orders, err := s.trading.ListOrders(c.Request.Context(), c.GetString(ctxUserID), c.Query("symbol"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) handleGetMyTrades(c *gin.Context) {
	trades, err := s.trading.UserTrades(c.Request.Context(), c.GetString(ctxUserID), c.Query("symbol"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) handleGetBook(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		s.writeError(c, errors.NewValidationError("symbol is required", c.Request.URL.Path))
		return
	}
	depth := 0
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			s.writeError(c, errors.NewValidationError("depth must be a positive integer", c.Request.URL.Path))
			return
		}
		depth = n
	}
	book, err := s.trading.Book(c.Request.Context(), symbol, depth)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *Server) handleGetTrades(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		s.writeError(c, errors.NewValidationError("symbol is required", c.Request.URL.Path))
		return
	}
	limit, ok := s.queryLimit(c)
	if !ok {
		return
	}
	trades, err := s.trading.Trades(c.Request.Context(), symbol, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) handleGetSymbols(c *gin.Context) {
	symbols, err := s.trading.Symbols(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, symbols)
}

func (s *Server) handleGetTrade(c *gin.Context) {
	id, ok := s.pathID(c)
	if !ok {
		return
	}
	trade, err := s.trading.Trade(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

func (s *Server) handleListSettlements(c *gin.Context) {
	status := settlement.Status(c.DefaultQuery("status", string(settlement.StatusPending)))
	switch status {
	case settlement.StatusPending, settlement.StatusFailed, settlement.StatusDelivered:
	default:
		s.writeError(c, errors.NewValidationError("status must be pending, failed or delivered", c.Request.URL.Path))
		return
	}
	limit, ok := s.queryLimit(c)
	if !ok {
		return
	}
	msgs, err := s.outbox.List(c.Request.Context(), status, s.settlementScope(c), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleRetrySettlement(c *gin.Context) {
	id := c.Param("id")
	if err := s.outbox.Retry(c.Request.Context(), id, s.settlementScope(c)); err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Info("Settlement message re-queued",
		zap.String("id", id),
		zap.String("user_id", c.GetString(ctxUserID)))
	c.Status(http.StatusAccepted)
}

// settlementScope is the outbox key the caller is limited to, empty for operators
func (s *Server) settlementScope(c *gin.Context) string {
	userID := c.GetString(ctxUserID)
	for _, op := range s.opts.Operators {
		if op == userID {
			return ""
		}
	}
	return userID
}

func (s *Server) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.writeError(c, errors.NewValidationError("id must be a UUID", c.Request.URL.Path))
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxListLimit {
		s.writeError(c, errors.NewValidationError("limit must be between 1 and 1000", c.Request.URL.Path))
		return 0, false
	}
	return n, true
}

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/Aidin1998/tickerex/internal/config"
	"github.com/Aidin1998/tickerex/internal/identity"
	"github.com/Aidin1998/tickerex/internal/pubsub"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Gateway accepts websocket clients and gives each its own broker queue
type Gateway struct {
	broker   pubsub.Broker
	resolver identity.Resolver
	upgrader websocket.Upgrader
	validate *validator.Validate
	cfg      config.GatewayConfig
	logger   *zap.Logger
}

// New creates a gateway relaying from broker and authenticating with resolver
func New(broker pubsub.Broker, resolver identity.Resolver, cfg config.GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	return &Gateway{
		broker:   broker,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			// the feed carries no credentials; browsers on any origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validate: newValidator(),
		cfg:      cfg,
		logger:   logger.Named("gateway"),
	}
}

// Router returns the gateway's HTTP routes
func (g *Gateway) Router() *gin.Engine {
	r := gin.New()
	r.Use(ginzap.Ginzap(g.logger, time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(g.logger, true))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ws", g.serveWS)
	return r
}

func (g *Gateway) serveWS(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		g.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	// sessions outlive the request context handed to the handler
	ctx := context.WithoutCancel(c.Request.Context())
	queue, err := g.broker.NewQueue(ctx)
	if err != nil {
		g.logger.Error("Failed to create broker queue", zap.Error(err))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "broker unavailable"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn.SetReadLimit(g.cfg.MaxMessageSize)
	s := &Session{
		conn:         conn,
		queue:        queue,
		resolver:     g.resolver,
		validate:     g.validate,
		writeTimeout: g.cfg.WriteTimeout,
		pongWait:     g.cfg.PongWait,
		pingInterval: g.cfg.PingInterval,
		logger:       g.logger.With(zap.String("remote", c.Request.RemoteAddr)),
	}
	if err := s.Run(ctx); err != nil {
		s.logger.Debug("Session ended", zap.Error(err))
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Aidin1998/tickerex/internal/accounts"
	"github.com/Aidin1998/tickerex/internal/bootstrap"
	"github.com/Aidin1998/tickerex/internal/config"
	"github.com/Aidin1998/tickerex/internal/database"
	"github.com/Aidin1998/tickerex/internal/gateway"
	"github.com/Aidin1998/tickerex/internal/marketdata"
	"github.com/Aidin1998/tickerex/internal/messaging"
	"github.com/Aidin1998/tickerex/internal/server"
	"github.com/Aidin1998/tickerex/internal/settlement"
	"github.com/Aidin1998/tickerex/internal/trading"
	"github.com/Aidin1998/tickerex/internal/trading/engine"
	"github.com/Aidin1998/tickerex/internal/trading/ledger"
	"github.com/Aidin1998/tickerex/internal/trading/repository"
	"github.com/Aidin1998/tickerex/pkg/logger"
	"github.com/Aidin1998/tickerex/pkg/tracing"
	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(tracing.Config{Enabled: cfg.Tracing.Enabled, ServiceName: cfg.Tracing.ServiceName})
	if err != nil {
		zapLogger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	db, err := database.Open(cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open database", zap.Error(err))
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(db); err != nil {
			zapLogger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	broker, err := bootstrap.NewBroker(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create pub/sub broker", zap.Error(err))
	}
	defer broker.Close()

	producer := messaging.NewKafkaProducer(&messaging.KafkaConfig{
		Brokers:      cfg.Kafka.Brokers,
		ClientID:     cfg.Kafka.ClientID,
		WriteTimeout: cfg.Kafka.WriteTimeout,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: int(kafka.RequireAll),
		Compression:  "snappy",
	}, zapLogger)
	defer producer.Close()

	relay := settlement.NewRelay(db, producer, settlement.RelayConfig{
		PollInterval: cfg.Settlement.PollInterval,
		BatchSize:    cfg.Settlement.BatchSize,
		MaxAttempts:  cfg.Settlement.MaxAttempts,
		BaseBackoff:  cfg.Settlement.BaseBackoff,
		MaxBackoff:   cfg.Settlement.MaxBackoff,
	}, zapLogger)
	settle := settlement.NewPublisher(settlement.Topics{
		Credit: messaging.Topic(cfg.Kafka.CreditTopic),
		Closed: messaging.Topic(cfg.Kafka.ClosedTopic),
	}, cfg.Kafka.ClientID, zapLogger, relay.Kick)

	orders := repository.NewOrderRepository(db, zapLogger)
	tradeLedger := ledger.New(repository.NewTradeRepository(db, zapLogger), zapLogger)
	books := marketdata.NewPublisher(broker, orders, marketdata.Config{
		Depth:      cfg.Engine.BookDepth,
		Retries:    cfg.Engine.FanoutRetries,
		RetryDelay: cfg.Engine.FanoutRetryDelay,
	}, zapLogger)

	eng := engine.New(db, orders, tradeLedger, settle, books, engine.Config{QueueSize: cfg.Engine.WorkerQueueSize, IdleTimeout: cfg.Engine.WorkerIdle}, zapLogger)
	defer eng.Close()

	accountsClient := accounts.NewClient(cfg.Accounts.URL, cfg.Accounts.Timeout, zapLogger)
	resolver, err := bootstrap.NewResolver(cfg, accountsClient)
	if err != nil {
		zapLogger.Fatal("Failed to create identity resolver", zap.Error(err))
	}

	tradingSvc := trading.NewService(orders, tradeLedger, eng, books, accountsClient, trading.Config{
		MarketBuyBuffer: decimal.NewFromFloat(1 + cfg.Engine.MarketBuyBuffer),
		SubmitRetries:   3,
		BookDepth:       cfg.Engine.BookDepth,
	}, zapLogger)

	apiServer := server.NewServer(zapLogger, tradingSvc, relay, resolver, server.Options{
		ServiceName:    cfg.Tracing.ServiceName,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Operators:      cfg.Server.Operators,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(ctx)
	})
	g.Go(func() error {
		database.ReportPoolStats(ctx, db, cfg.Database.Driver, 30*time.Second)
		return nil
	})
	g.Go(func() error {
		srv := &http.Server{Addr: cfg.Server.Addr, Handler: apiServer.Router()}
		return bootstrap.Serve(ctx, srv, cfg.Server.ShutdownTimeout, zapLogger)
	})
	if cfg.Redis.Address == "" {
		// the in-process broker only reaches clients of this process
		g.Go(func() error {
			gw := gateway.New(broker, resolver, cfg.Gateway, zapLogger)
			srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: gw.Router()}
			return bootstrap.Serve(ctx, srv, cfg.Server.ShutdownTimeout, zapLogger)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		zapLogger.Error("Service stopped with error", zap.Error(err))
	}
	zapLogger.Info("Server exited properly")
}

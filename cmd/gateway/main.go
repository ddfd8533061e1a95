package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Aidin1998/tickerex/internal/accounts"
	"github.com/Aidin1998/tickerex/internal/bootstrap"
	"github.com/Aidin1998/tickerex/internal/config"
	"github.com/Aidin1998/tickerex/internal/gateway"
	"github.com/Aidin1998/tickerex/pkg/logger"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
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

	if cfg.Redis.Address == "" {
		zapLogger.Fatal("The standalone gateway requires redis.address")
	}
	broker, err := bootstrap.NewBroker(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to pub/sub broker", zap.Error(err))
	}
	defer broker.Close()

	resolver, err := bootstrap.NewResolver(cfg, accounts.NewClient(cfg.Accounts.URL, cfg.Accounts.Timeout, zapLogger))
	if err != nil {
		zapLogger.Fatal("Failed to create identity resolver", zap.Error(err))
	}

	gw := gateway.New(broker, resolver, cfg.Gateway, zapLogger)
	srv := &http.Server{Addr: cfg.Gateway.Addr, Handler: gw.Router()}
	if err := bootstrap.Serve(ctx, srv, cfg.Server.ShutdownTimeout, zapLogger); err != nil {
		zapLogger.Error("Gateway stopped with error", zap.Error(err))
	}
	zapLogger.Info("Gateway exited properly")
}

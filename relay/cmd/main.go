package main

import (
	"context"
	"net/http"

	"github.com/spf13/viper"

	"github.com/seedchat/seedchat/internal/config"
	"github.com/seedchat/seedchat/internal/httputil"
	"github.com/seedchat/seedchat/internal/log"
	"github.com/seedchat/seedchat/internal/otel"
	"github.com/seedchat/seedchat/internal/redis"
	"github.com/seedchat/seedchat/internal/workflow"
	"github.com/seedchat/seedchat/relay/retention"
	"github.com/seedchat/seedchat/relay/store"
	"github.com/seedchat/seedchat/relay/transport"

	"github.com/jonboulle/clockwork"
)

type Config struct {
	App   config.App      `mapstructure:"app"`
	Http  httputil.Config `mapstructure:"http"`
	Redis redis.Config    `mapstructure:"redis"`
	Otel  otel.Config     `mapstructure:"otel"`
}

func loadConfig() (*Config, error) {
	return config.Load(&Config{}, func(v *viper.Viper) {
		config.Setup(v, "app")
		redis.Setup(v, "redis")
		otel.Setup(v, "otel")
		httputil.Setup(v, "http")

		v.SetDefault("http.addr", "0.0.0.0:8090")
	})
}

func main() {
	config, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration", err)
	}

	logger, err := log.NewLogger(config.App.LogConfigFile)
	if err != nil {
		log.Fatal("Failed to create logger", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	otelShutdown, err := otel.Init(ctx, &config.Otel, logger)
	if err != nil {
		logger.Fatal("Failed to initialize OTEL provider", log.Error(err))
	}

	logger.Info("Starting relay...")

	redisClient := redis.NewClient(&config.Redis)
	if err := redis.Ping(redisClient); err != nil {
		logger.Fatal("Failed to connect to Redis", log.Error(err))
	}

	clock := clockwork.NewRealClock()
	forever := redis.NewForever(redisClient, 0, 0, logger.Module("Redis"))
	messageStore := store.NewMessageStore(redisClient, forever, clock, logger.Module("Store"))

	purger := retention.NewPurger(messageStore, clock, logger.Module("Retention"))
	purgeCtx, cancelPurge := context.WithCancel(ctx)
	purger.Start(purgeCtx)

	router := transport.NewRouter(
		store.WithRetention(messageStore, purger),
		logger.Module("Transport"),
	)
	server := httputil.NewServer(&config.Http, router.Handler())

	go func() {
		logger.Info("Starting relay API server", log.String("addr", config.Http.Addr))
		if err := server.Listen(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start relay API server", log.Error(err))
		}
	}()

	cleanup := func(ctx context.Context) {
		server.Shutdown(ctx)
		router.Shutdown()

		cancelPurge()
		purger.Stop()

		if err := redisClient.Close(); err != nil {
			logger.Error("Error closing Redis client", log.Error(err))
		}
		if err := otelShutdown(ctx); err != nil {
			logger.Error("Failed to shutdown OTEL", log.Error(err))
		}
	}
	workflow.WaitGracefulShutdown(ctx, logger.Module("CleanUp"), cleanup, config.App.ShutdownTimeout)
}

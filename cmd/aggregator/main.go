package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/goevery/snapshot-aggregator/internal/aggregator"
	"github.com/goevery/snapshot-aggregator/internal/auth"
	"github.com/goevery/snapshot-aggregator/internal/broadcaster"
	"github.com/goevery/snapshot-aggregator/internal/handler"
	"github.com/goevery/snapshot-aggregator/internal/persistence/mongodb"
	"github.com/goevery/snapshot-aggregator/internal/server"
	"github.com/goevery/snapshot-aggregator/internal/transport"
	"github.com/goevery/snapshot-aggregator/internal/transport/kafka"
	"github.com/goevery/snapshot-aggregator/internal/transport/redis"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

type App struct {
	logger     *zap.Logger
	settings   Settings
	aggregator *aggregator.Aggregator
	httpServer *http.Server
}

func NewApp(ctx context.Context, logger *zap.Logger, settings Settings) (*App, error) {
	client, err := mongodb.Connect(ctx, settings.MongoURL)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	engine := mongodb.NewPersistenceEngine(client, mongodb.Settings{
		URL:        settings.MongoURL,
		Database:   settings.DatabaseName,
		Collection: settings.CollectionName,
		Retention:  settings.snapshotRetention(),
	})

	err = engine.Setup(ctx)
	if err != nil {
		return nil, fmt.Errorf("create snapshot indexes: %w", err)
	}

	logger.Info("connected to mongodb",
		zap.String("database", settings.DatabaseName),
		zap.String("collection", settings.CollectionName))

	subscriber, err := newSubscriber(ctx, logger, settings)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics := aggregator.NewMetrics()
	err = metrics.Register(promRegistry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	registry := broadcaster.NewInMemoryRegistry(logger)

	config := aggregator.DefaultConfig()
	config.SnapshotInterval = settings.snapshotInterval()
	config.MaxSnapshotsPerRoom = settings.MaxSnapshotsPerRoom
	config.RoomIdleTimeout = settings.roomIdleTimeout()

	snapshotAggregator, err := aggregator.New(logger, config, engine, subscriber,
		aggregator.WithListener(registry),
		aggregator.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	app := &App{
		logger:     logger,
		settings:   settings,
		aggregator: snapshotAggregator,
	}

	if settings.EnableHTTP {
		app.httpServer = app.buildHttpServer(registry, promRegistry)
	}

	return app, nil
}

func newSubscriber(ctx context.Context, logger *zap.Logger, settings Settings) (transport.Subscriber, error) {
	switch settings.Transport {
	case "redis":
		subscriber, err := redis.NewSubscriber(ctx, logger, settings.RedisURL, settings.ChannelPattern)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}

		return subscriber, nil
	case "kafka":
		return kafka.NewSubscriber(logger, kafka.Settings{
			Brokers: settings.kafkaBrokers(),
			Topic:   settings.KafkaTopic,
			GroupId: settings.KafkaGroupId,
			Pattern: settings.ChannelPattern,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", settings.Transport)
	}
}

func (a *App) buildHttpServer(registry *broadcaster.InMemoryRegistry, promRegistry *prometheus.Registry) *http.Server {
	originChecker := server.NewOriginChecker(a.settings.allowedOrigins())
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       originChecker.Check,
		EnableCompression: true,
	}

	authenticator := auth.NewAuthenticator(a.settings.JWTSecret, a.settings.apiKeys())
	if !authenticator.Enabled() {
		a.logger.Warn("no API_KEYS or JWT_SECRET configured, recovery api is open")
	}

	roomIdValidator := handler.NewRoomIdValidator()

	heartbeatHandler := handler.NewHeartbeatHandler()
	authHandler := handler.NewAuthHandler(authenticator)
	watchHandler := handler.NewWatchHandler(roomIdValidator, registry)
	unwatchHandler := handler.NewUnwatchHandler(roomIdValidator, registry)
	restoreHandler := handler.NewRestoreHandler(roomIdValidator, a.aggregator)
	listHandler := handler.NewListHandler(roomIdValidator, a.aggregator)
	statsHandler := handler.NewStatsHandler(a.aggregator)

	rpcRouter := server.NewRouter(
		a.logger,
		heartbeatHandler,
		authHandler,
		watchHandler,
		unwatchHandler,
		restoreHandler,
		listHandler,
		statsHandler,
	)

	websocketServer := server.NewWebSocketServer(
		a.logger,
		websocketUpgrader,
		authenticator,
		registry,
		rpcRouter,
	)
	restServer := server.NewRESTServer(
		a.logger,
		authenticator,
		restoreHandler,
		listHandler,
		statsHandler,
		promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
	)

	router := mux.NewRouter().
		UseEncodedPath().
		PathPrefix(a.settings.BasePath).
		Subrouter()

	websocketServer.Register(router)
	restServer.Register(router)

	return &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", a.settings.Port),
		Handler: router,
	}
}

// run blocks until a signal arrives or the transport is lost.
func (a *App) run(ctx context.Context) error {
	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	if a.httpServer != nil {
		a.logger.Info("starting http server",
			zap.String("address", a.httpServer.Addr))

		go func() {
			err := a.httpServer.ListenAndServe()

			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Fatal("failed to start http server",
					zap.Error(err))
			}
		}()
	}

	a.logger.Info("snapshot aggregator started",
		zap.String("transport", a.settings.Transport),
		zap.String("channelPattern", a.settings.ChannelPattern),
		zap.Duration("snapshotInterval", a.settings.snapshotInterval()),
		zap.Int64("maxSnapshotsPerRoom", a.settings.MaxSnapshotsPerRoom))

	runErr := a.aggregator.Run(notifyCtx)

	a.shutdown()

	return runErr
}

func (a *App) shutdown() {
	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCtxCancel()

	if a.httpServer != nil {
		a.logger.Info("stopping http server")

		err := a.httpServer.Shutdown(shutdownCtx)
		if err != nil {
			a.logger.Error("http server shutdown failed",
				zap.Error(err))
		}
	}

	err := a.aggregator.Shutdown(shutdownCtx)
	if err != nil {
		a.logger.Error("aggregator shutdown failed",
			zap.Error(err))
	}
}

func main() {
	ctx := context.Background()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		panic(fmt.Errorf("failed to parse settings from environment: %w", err))
	}

	err = settings.validate()
	if err != nil {
		panic(fmt.Errorf("invalid settings: %w", err))
	}

	logger, err := buildZapLogger(settings.LogEncoding, settings.LogLevel)
	if err != nil {
		panic(fmt.Errorf("failed to build logger: %w", err))
	}
	defer logger.Sync()

	startCtx, startCtxCancel := context.WithTimeout(ctx, shutdownTimeout)
	app, err := NewApp(startCtx, logger, settings)
	startCtxCancel()
	if err != nil {
		logger.Fatal("failed to setup", zap.Error(err))
	}

	err = app.run(ctx)
	if err != nil {
		logger.Fatal("transport connection lost", zap.Error(err))
	}

	logger.Info("snapshot aggregator stopped")
}

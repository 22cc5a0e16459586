package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/touristwatch/internal/alert/dispatch"
	alertdomain "github.com/example/touristwatch/internal/alert/domain"
	alerthandler "github.com/example/touristwatch/internal/alert/handler"
	"github.com/example/touristwatch/internal/alert/repository"
	alertservice "github.com/example/touristwatch/internal/alert/service"
	"github.com/example/touristwatch/internal/config"
	"github.com/example/touristwatch/internal/dashboard/handler"
	"github.com/example/touristwatch/internal/dashboard/live"
	"github.com/example/touristwatch/internal/http/middleware"
	"github.com/example/touristwatch/internal/monitor"
	"github.com/example/touristwatch/internal/tourist/domain"
	"github.com/example/touristwatch/internal/tourist/ingest"
	"github.com/example/touristwatch/internal/tourist/metrics"
	"github.com/example/touristwatch/internal/tourist/relay"
	"github.com/example/touristwatch/internal/tourist/store"
	"github.com/example/touristwatch/pkg/events"
	"github.com/example/touristwatch/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, cfgErr := config.LoadFromEnv()
	service := cfg.Service
	if service == "" {
		service = "monitorservice"
	}
	logger := observability.SetupLogger(service)
	defer logger.Sync() //nolint:errcheck
	if cfgErr != nil {
		logger.Fatal("load config", zap.Error(cfgErr))
	}

	shutdown, err := observability.SetupTracer(ctx, service, nil)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background()) //nolint:errcheck
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	natsConn, closeNATS := connectNATS(logger, cfg.NATS)
	defer closeNATS()

	positions := buildStore(redisClient, cfg.Redis)
	clock := domain.SystemClock{}

	transport, relaySrv, err := buildTransport(cfg, natsConn, logger)
	if err != nil {
		logger.Fatal("feed transport", zap.Error(err))
	}

	controller := ingest.NewController(
		transport,
		positions,
		ingest.NewParser(cfg.Feed.DefaultSafetyScore, clock),
		clock,
		logger.Named("ingest"),
		ingest.Config{
			MaxRetries:        cfg.Feed.MaxRetries,
			RetryDelay:        cfg.Feed.RetryDelay,
			PositionMaxAge:    cfg.Feed.PositionMaxAge,
			PruneInterval:     cfg.Feed.PruneInterval,
			ResetOnDisconnect: cfg.Feed.ResetOnDisconnect,
		},
	)

	hub := live.NewHub(logger.Named("live"))
	publisher := events.NewPublisher(natsConn)
	monitorSvc := monitor.NewService(positions, metrics.NewCalculator(clock), controller, hub, publisher, logger.Named("monitor"))

	alertRepo := repository.NewMemoryRepository()
	notifier := alertdomain.NotifierFunc(func(a alertdomain.Alert) {
		hub.Broadcast(live.Message{Type: live.MessageTypeAlert, Data: a})
	})
	alertSvc := alertservice.New(alertRepo, positions, notifier, clock, logger.Named("alerts"))

	router := handler.NewHTTP(monitorSvc, handler.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		Limiter:        buildLimiter(redisClient, cfg),
		Alerts:         alerthandler.NewHTTP(alertSvc),
		Hub:            hub,
		Logger:         logger.Named("http"),
	}).Router()

	go func() {
		if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("live hub stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("ingest controller stopped", zap.Error(err))
		}
	}()

	if natsConn != nil {
		worker := dispatch.NewWorker(alertRepo, natsConn, clock, logger.Named("dispatch"), dispatch.WorkerConfig{
			PollInterval: cfg.Alerts.DispatchInterval,
			RetryMax:     cfg.Alerts.RetryMax,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("alert dispatcher stopped", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("alert dispatcher disabled, no nats connection")
	}

	var grpcSrv *grpc.Server
	if relaySrv != nil {
		grpcSrv = runRelay(logger, cfg.Relay.Addr, relaySrv)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("monitor service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	var metricsSrv *http.Server
	if cfg.HTTP.MetricsAddr != "" && cfg.HTTP.MetricsAddr != cfg.HTTP.Addr {
		metricsSrv = &http.Server{
			Addr:              cfg.HTTP.MetricsAddr,
			Handler:           observability.MetricsRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	if cfg.Feed.AutoConnect {
		controller.Connect()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
}

// connectNATS dials the configured broker or starts an embedded one. The
// returned func releases whatever was opened.
func connectNATS(logger *zap.Logger, cfg config.NATSConfig) (*nats.Conn, func()) {
	url := cfg.URL
	var broker *events.Broker
	if url == "" && cfg.Embedded {
		b, err := events.StartBroker("", cfg.EmbeddedPort)
		if err != nil {
			logger.Warn("embedded nats failed", zap.Error(err))
			return nil, func() {}
		}
		broker = b
		url = b.ClientURL()
		logger.Info("embedded nats started", zap.String("url", url))
	}
	if url == "" {
		return nil, func() {}
	}

	conn, err := nats.Connect(url, nats.Name("monitorservice"))
	if err != nil {
		logger.Warn("nats connection failed", zap.Error(err))
		if broker != nil {
			broker.Shutdown()
		}
		return nil, func() {}
	}
	return conn, func() {
		_ = conn.Drain()
		if broker != nil {
			broker.Shutdown()
		}
	}
}

func buildStore(redisClient *redis.Client, cfg config.RedisConfig) domain.PositionStore {
	if redisClient == nil {
		return store.NewMemoryStore()
	}
	return store.NewRedisStore(redisClient, cfg.Prefix)
}

// buildTransport also returns the relay server when the feed arrives over
// gRPC, so main can serve it.
func buildTransport(cfg config.Config, natsConn *nats.Conn, logger *zap.Logger) (ingest.Transport, *relay.Server, error) {
	switch cfg.Feed.Transport {
	case config.TransportNATS:
		if natsConn == nil {
			return nil, nil, errors.New("nats transport selected but no broker is reachable")
		}
		return ingest.NewNATSTransport(natsConn, cfg.Feed.Subject), nil, nil
	case config.TransportRelay:
		srv := relay.NewServer(logger.Named("relay"))
		return srv, srv, nil
	default:
		return ingest.NewSSETransport(cfg.Feed.URL, nil), nil, nil
	}
}

// buildLimiter charges authenticated operators by token subject and everyone
// else by address.
func buildLimiter(redisClient *redis.Client, cfg config.Config) handler.Limiter {
	limits := middleware.Limits{
		Query:   cfg.HTTP.ReadLimit,
		Control: cfg.HTTP.WriteLimit,
		Key:     middleware.OperatorKey(cfg.Auth.JWTSecret),
	}
	if redisClient != nil {
		return middleware.NewRedisRateLimiter(redisClient, limits)
	}
	return middleware.NewLocalRateLimiter(limits)
}

func runRelay(logger *zap.Logger, addr string, relaySrv *relay.Server) *grpc.Server {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("listen grpc", zap.Error(err))
	}
	srv := grpc.NewServer()
	relay.RegisterRelayServer(srv, relaySrv)
	go func() {
		logger.Info("relay grpc listening", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc serve", zap.Error(err))
		}
	}()
	return srv
}

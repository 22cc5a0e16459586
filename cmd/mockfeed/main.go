package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/example/touristwatch/internal/mockfeed"
	"github.com/example/touristwatch/internal/tourist/ingest"
	"github.com/example/touristwatch/internal/tourist/relay"
	"github.com/example/touristwatch/pkg/observability"
)

type appConfig struct {
	HTTPAddr    string
	Interval    time.Duration
	RelayTarget string
	NATSURL     string
	NATSSubject string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("mockfeed")
	defer logger.Sync() //nolint:errcheck

	cfg := loadConfig()

	var sinks []mockfeed.Sink
	if cfg.RelayTarget != "" {
		conn, err := grpc.Dial(cfg.RelayTarget, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			logger.Fatal("relay dial", zap.Error(err))
		}
		defer conn.Close()
		client := relay.NewClient(conn)
		push := func(ctx context.Context, batch []byte) error {
			_, err := client.Push(ctx, batch)
			return err
		}
		sinks = append(sinks, mockfeed.WithBreaker(push, mockfeed.BreakerConfig{Name: "relay"}, logger))
	}
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("mockfeed")); err == nil {
			defer conn.Drain()
			publish := func(_ context.Context, batch []byte) error {
				return conn.Publish(cfg.NATSSubject, batch)
			}
			sinks = append(sinks, mockfeed.WithBreaker(publish, mockfeed.BreakerConfig{Name: "nats"}, logger))
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	gen := mockfeed.NewGenerator(mockfeed.DemoTourists, nil, nil)
	feed := mockfeed.NewFeed(gen, cfg.Interval, logger.Named("feed"), sinks...)
	go func() {
		if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("mock feed stopped", zap.Error(err))
		}
	}()

	r := chi.NewRouter()
	r.Handle("/stream", feed)
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("mock feed listening", zap.String("addr", srv.Addr), zap.Int("sinks", len(sinks)))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:    getenv("MOCKFEED_ADDR", ":8090"),
		Interval:    time.Duration(parseIntEnv("MOCKFEED_INTERVAL_MS", 1000)) * time.Millisecond,
		RelayTarget: os.Getenv("RELAY_TARGET"),
		NATSURL:     os.Getenv("NATS_URL"),
		NATSSubject: getenv("NATS_SUBJECT", ingest.DefaultPositionsSubject),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

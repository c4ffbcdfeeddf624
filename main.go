package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/cors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/ecosort-vision/internal/auth"
	"github.com/example/ecosort-vision/internal/broadcast"
	"github.com/example/ecosort-vision/internal/config"
	"github.com/example/ecosort-vision/internal/detector"
	"github.com/example/ecosort-vision/internal/gocvengine"
	"github.com/example/ecosort-vision/internal/grpcclient"
	"github.com/example/ecosort-vision/internal/handlers"
	"github.com/example/ecosort-vision/internal/httpengine"
	"github.com/example/ecosort-vision/internal/logging"
	"github.com/example/ecosort-vision/internal/metrics"
	"github.com/example/ecosort-vision/internal/repository"
	"github.com/example/ecosort-vision/internal/stability"
	"github.com/example/ecosort-vision/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	for _, warning := range cfg.Warnings {
		logger.Warn("invalid configuration value, using default", zap.String("detail", warning))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	engine, loadErr := initEngine(ctx, cfg, logger)
	adapter := detector.NewAdapter(cfg.ModelPath, engine, loadErr)
	if err := adapter.LoadError(); err != nil {
		logger.Error("detection engine unavailable, predict will fail until restart", zap.Error(err), zap.String("backend", cfg.DetectorBackend))
	} else {
		logger.Info("detection engine ready", zap.String("backend", cfg.DetectorBackend), zap.String("model", cfg.ModelPath))
	}

	tracker := stability.NewTracker()
	m := metrics.New(tracker.Len)
	janitor := stability.NewJanitor(tracker, cfg.VoteTTL, cfg.VoteSweepInterval, logger, stability.WithEvictHook(m.ObserveEvictions))
	if err := janitor.Start(); err != nil {
		logger.Fatal("failed to start stream janitor", zap.Error(err))
	}

	hub := broadcast.NewHub(logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	opts := []usecase.Option{usecase.WithPublisher(hub), usecase.WithRecorder(m)}
	closers := []func() error{janitor.Stop, adapter.Close}

	if cfg.DatabaseDSN != "" {
		if db, err := initDatabase(ctx, cfg.DatabaseDSN, logger); err != nil {
			logger.Warn("prediction history disabled", zap.Error(err))
		} else {
			repo := repository.NewPredictionRepository(db, logger)
			if err := repo.AutoMigrate(ctx); err != nil {
				logger.Fatal("auto migrate failed", zap.Error(err))
			}
			opts = append(opts, usecase.WithHistory(repo))
			if sqlDB, err := db.DB(); err == nil {
				closers = append(closers, sqlDB.Close)
			}
		}
	}

	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient, err := initRedis(redisCtx, cfg.RedisAddr)
		redisCancel()
		if err != nil {
			logger.Warn("prediction cache disabled", zap.Error(err))
		} else {
			opts = append(opts, usecase.WithCache(usecase.NewRedisCache(redisClient)))
			closers = append(closers, redisClient.Close)
		}
	}

	uc := usecase.NewPredictionUseCase(adapter, tracker, usecase.Defaults{
		Confidence: cfg.DefaultConfidence,
		VoteWindow: cfg.VoteWindow,
		VoteMin:    cfg.VoteMin,
	}, logger, opts...)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: newHandler(cfg, uc, adapter, hub, m),
	}

	logger.Info("ecosort vision API listening", zap.String("addr", cfg.HTTPAddr))
	serveErr := serveHTTPServer(server, 15*time.Second, logger)
	stopHub()
	if err := multierr.Append(serveErr, closeAll(closers...)); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// newHandler builds the gin router and wraps it with CORS.
func newHandler(cfg *config.Config, uc *usecase.PredictionUseCase, adapter *detector.Adapter, hub *broadcast.Hub, m *metrics.Metrics) http.Handler {
	r := gin.Default()
	handlers.RegisterRoutes(r, uc, auth.Guard(cfg.JWTSecret, cfg.JWTAudience), handlers.Options{
		MaxBodyBytes: cfg.MaxBodyBytes,
		Model:        adapter,
		Streams:      hub,
		Metrics:      m.Handler(),
	})

	return cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
}

// initEngine attempts engine initialization once. The error is kept by the
// adapter and never retried.
func initEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (detector.Engine, error) {
	switch cfg.DetectorBackend {
	case config.BackendGRPC:
		engine, err := grpcclient.DialDetector(ctx, cfg.DetectorAddr, cfg.ModelPath, cfg.DetectorTimeout, logger)
		if err != nil {
			return nil, err
		}
		return engine, nil
	case config.BackendHTTP:
		engine := httpengine.New(cfg.DetectorURL, cfg.ModelPath, cfg.DetectorTimeout, logger)
		if err := engine.CheckHealth(ctx); err != nil {
			return nil, err
		}
		return engine, nil
	case config.BackendGoCV:
		return gocvengine.Load(cfg.ModelPath, cfg.ClassesPath, logger)
	default:
		return nil, fmt.Errorf("unknown detector backend %q", cfg.DetectorBackend)
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := repository.Open(dsn, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}

	zapLogger.Info("prediction history enabled")
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// closeAll runs every closer and combines their errors.
func closeAll(closers ...func() error) error {
	var err error
	for _, c := range closers {
		err = multierr.Append(err, c())
	}
	return err
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

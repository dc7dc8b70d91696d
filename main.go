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
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/tremor-api/internal/auth"
	"github.com/example/tremor-api/internal/config"
	"github.com/example/tremor-api/internal/decision"
	"github.com/example/tremor-api/internal/grpchealth"
	"github.com/example/tremor-api/internal/handlers"
	"github.com/example/tremor-api/internal/logging"
	"github.com/example/tremor-api/internal/model"
	"github.com/example/tremor-api/internal/preprocess"
	"github.com/example/tremor-api/internal/repository"
	"github.com/example/tremor-api/internal/storage"
	"github.com/example/tremor-api/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDatabase(db, logger)

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient, err := initRedis(redisCtx, cfg.RedisAddr)
		redisCancel()
		if err != nil {
			return err
		}
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient, "tremor:")
	} else {
		logger.Info("REDIS_ADDR not set, inference results will not be cached")
	}

	store, err := storage.NewStore(cfg.UploadsDir)
	if err != nil {
		return err
	}

	mode, err := preprocess.ParseMode(cfg.Model.Normalization)
	if err != nil {
		return err
	}
	resampler, err := preprocess.ParseResampler(cfg.Model.Resampler)
	if err != nil {
		return err
	}

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	healthServer := grpchealth.New(logger)
	session := model.NewSession(model.Options{
		Timeout:       cfg.Model.Timeout,
		QueueDepth:    cfg.Model.QueueDepth,
		OnStateChange: healthServer.SetModelState,
	}, logger)
	defer func() {
		if err := session.Close(); err != nil {
			logger.Warn("failed to close model session", zap.Error(err))
		}
	}()

	authService := auth.NewService(repository.NewUserRepository(db, logger), tokens, cfg.BcryptCost, logger)
	records := usecase.NewRecordUseCase(repository.NewRecordRepository(db, logger), store, logger)
	inference := usecase.NewInferenceUseCase(
		preprocess.New(mode, resampler),
		session,
		decision.NewPolicy(cfg.Model.Labels),
		cache,
		records,
		logger,
	)

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(handlers.Dependencies{
		Inference:  inference,
		Records:    records,
		Auth:       authService,
		Model:      session,
		UploadsDir: store.Root(),
		Logger:     logger,
	}, cfg.CORSAllowOrigins)

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	var grpcListener net.Listener
	if cfg.GRPCHealthEnabled() {
		grpcListener, err = net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			httpListener.Close()
			return fmt.Errorf("listen grpc health: %w", err)
		}
	} else {
		logger.Info("GRPC_HEALTH_ADDR is off, gRPC health disabled")
	}

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	var g errgroup.Group
	g.Go(func() error {
		loader := model.ONNXLoader(model.ONNXConfig{
			ModelPath:     cfg.Model.Path,
			SharedLibrary: cfg.Model.SharedLibrary,
			InputShape:    []int64{1, preprocess.Channels, preprocess.Height, preprocess.Width},
		})
		if err := session.Load(context.Background(), loader); err != nil {
			// A model that cannot load must take the whole process down.
			select {
			case stop <- syscall.SIGTERM:
			default:
			}
			return err
		}
		desc := session.Describe()
		logger.Info("model ready",
			zap.String("path", cfg.Model.Path),
			zap.String("input", desc.InputName),
			zap.Int64s("input_shape", desc.InputShape),
			zap.String("output", desc.PrimaryOutput()),
		)
		return nil
	})
	if grpcListener != nil {
		g.Go(func() error {
			logger.Info("gRPC health listening", zap.String("addr", grpcListener.Addr().String()))
			return healthServer.Serve(grpcListener)
		})
	}
	g.Go(func() error {
		defer healthServer.GracefulStop()
		logger.Info("tremor API listening", zap.String("addr", httpListener.Addr().String()))
		return serveHTTPServer(server, cfg.ShutdownTimeout, logger, httpListener, stop)
	})

	return g.Wait()
}

func initDatabase(ctx context.Context, cfg config.Config, logger *zap.Logger) (*gorm.DB, error) {
	level := gormlogger.Warn
	if cfg.LogLevel == "debug" {
		level = gormlogger.Info
	}
	db, err := repository.Open(ctx, cfg.DatabaseURL, level)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := repository.AutoMigrate(ctx, db); err != nil {
		closeDatabase(db, logger)
		return nil, fmt.Errorf("auto migrate failed: %w", err)
	}
	return db, nil
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("failed to close database", zap.Error(err))
	}
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, sigCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

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

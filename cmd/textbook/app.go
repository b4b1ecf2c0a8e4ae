package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/textbook/internal/db"
	"github.com/nkiryanov/textbook/internal/handlers"
	"github.com/nkiryanov/textbook/internal/handlers/middleware"
	"github.com/nkiryanov/textbook/internal/logger"
	"github.com/nkiryanov/textbook/internal/repository"
	"github.com/nkiryanov/textbook/internal/repository/memory"
	"github.com/nkiryanov/textbook/internal/repository/postgres"
	"github.com/nkiryanov/textbook/internal/service/auth"
	"github.com/nkiryanov/textbook/internal/service/auth/hasher"
	"github.com/nkiryanov/textbook/internal/service/auth/tokenmanager"
	"github.com/nkiryanov/textbook/internal/throttle"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	logger logger.Logger
	// Release connections, called in reverse order
	closers []func()
}

func NewServerApp(ctx context.Context, c *Config) (_ *ServerApp, err error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app := &ServerApp{ListenAddr: c.ListenAddr, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	storage, err := app.initStorage(ctx, c)
	if err != nil {
		return nil, err
	}

	h, err := hasher.New(c.HashScheme)
	if err != nil {
		return nil, err
	}

	tokenManager, err := tokenmanager.New(tokenmanager.Config{
		Keys: tokenmanager.Keys{
			Access:  []byte(c.AccessSecretKey),
			Refresh: []byte(c.RefreshSecretKey),
		},
		AccessTTL:  c.AccessTokenTTL,
		RefreshTTL: c.RefreshTokenTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}

	authCfg := auth.Config{
		Hasher:       h,
		StoreTimeout: c.StoreTimeout,
		Logger:       logger,
	}
	if c.RedisAddr != "" {
		t, err := app.initThrottle(ctx, c)
		if err != nil {
			return nil, err
		}
		authCfg.Throttle = t
	}

	authService, err := auth.NewService(authCfg, tokenManager, storage)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	trustedProxies, err := middleware.ParseTrustedProxies(c.TrustedProxies)
	if err != nil {
		return nil, err
	}

	app.Handler = handlers.NewRouter(
		authService,
		handlers.RouterConfig{
			AuthRateLimit:  middleware.RateLimitConfig{Requests: c.AuthRateLimit, Window: time.Minute},
			TrustedProxies: trustedProxies,
		},
		logger,
	)

	return app, nil
}

func (s *ServerApp) initStorage(ctx context.Context, c *Config) (repository.Storage, error) {
	if c.DatabaseDSN == "" {
		s.logger.Warn("Database is not configured, in-memory storage is used")
		return memory.NewStorage(), nil
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}
	s.closers = append(s.closers, pool.Close)

	return postgres.NewStorage(pool), nil
}

func (s *ServerApp) initThrottle(ctx context.Context, c *Config) (*throttle.LoginThrottle, error) {
	client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
	s.closers = append(s.closers, func() { _ = client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, c.StoreTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis is not reachable. Err: %w", err)
	}

	return throttle.New(client, throttle.Config{MaxAttempts: c.LoginMaxAttempts}), nil
}

// Run starts http server and closes gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		close(idleConnsClosed)
	}()

	// Listen and serve until context is cancelled; then close gracefully connections
	s.logger.Info("Starting server", "address", s.ListenAddr)
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	return err
}

func (s *ServerApp) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

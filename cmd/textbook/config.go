package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/textbook/internal/handlers/middleware"
	"github.com/nkiryanov/textbook/internal/logger"
	"github.com/nkiryanov/textbook/internal/service/auth/hasher"
)

const (
	defaultListenAddr       = "localhost:8000"
	defaultLoggingLevel     = logger.LevelInfo
	defaultEnvironment      = logger.EnvProduction
	defaultAccessTokenTTL   = 30 * time.Minute
	defaultRefreshTokenTTL  = 7 * 24 * time.Hour
	defaultHashScheme       = hasher.SchemeBcrypt
	defaultStoreTimeout     = 3 * time.Second
	defaultLoginMaxAttempts = 5
	defaultAuthRateLimit    = 20
)

type Config struct {
	// Default logging level
	LogLevel string `env:"LOG_LEVEL"`

	// Address on which the service will be run
	ListenAddr string `env:"RUN_ADDRESS"`

	// Database to connect to
	// In-memory storage is used if empty: everything is lost on restart
	DatabaseDSN string `env:"DATABASE_URI"`

	// Secret keys to sign access and refresh tokens. Must differ
	AccessSecretKey  string `env:"ACCESS_SECRET_KEY"`
	RefreshSecretKey string `env:"REFRESH_SECRET_KEY"`

	// Token lifetimes
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL"`

	// Hash scheme for passwords and refresh tokens: bcrypt or argon2id
	HashScheme string `env:"HASH_SCHEME"`

	// Max time single storage call may take
	StoreTimeout time.Duration `env:"STORE_TIMEOUT"`

	// Redis for login throttling. Throttling is off if empty
	RedisAddr        string `env:"REDIS_ADDR"`
	LoginMaxAttempts int    `env:"LOGIN_MAX_ATTEMPTS"`

	// Requests per minute a single IP may send to auth endpoints
	AuthRateLimit int `env:"AUTH_RATE_LIMIT"`

	// Reverse proxies (CIDR or address) allowed to set X-Forwarded-For and X-Real-IP
	// Forwarding headers are ignored if empty
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// Environment
	Environment string `env:"ENVIRONMENT"`
}

func NewConfig() *Config {
	return &Config{
		LogLevel:         defaultLoggingLevel,
		ListenAddr:       defaultListenAddr,
		Environment:      defaultEnvironment,
		AccessTokenTTL:   defaultAccessTokenTTL,
		RefreshTokenTTL:  defaultRefreshTokenTTL,
		HashScheme:       defaultHashScheme,
		StoreTimeout:     defaultStoreTimeout,
		LoginMaxAttempts: defaultLoginMaxAttempts,
		AuthRateLimit:    defaultAuthRateLimit,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(envMap)
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

// Override options with non empty variables
func (c *Config) LoadEnv(environ map[string]string) error {
	err := env.ParseWithOptions(c, env.Options{Environment: environ})
	if err != nil {
		return fmt.Errorf("can't parse environment. Err: %w", err)
	}
	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("textbook", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVar(&c.AccessSecretKey, "access-secret-key", c.AccessSecretKey, "Secret key to sign access tokens")
	fs.StringVar(&c.RefreshSecretKey, "refresh-secret-key", c.RefreshSecretKey, "Secret key to sign refresh tokens")
	fs.DurationVar(&c.AccessTokenTTL, "access-ttl", c.AccessTokenTTL, "Access token lifetime")
	fs.DurationVar(&c.RefreshTokenTTL, "refresh-ttl", c.RefreshTokenTTL, "Refresh token lifetime")
	fs.StringVar(&c.HashScheme, "hash-scheme", c.HashScheme, "Hash scheme (bcrypt, argon2id)")
	fs.DurationVar(&c.StoreTimeout, "store-timeout", c.StoreTimeout, "Storage call timeout")
	fs.StringVarP(&c.RedisAddr, "redis", "r", c.RedisAddr, "Redis address for login throttling")
	fs.IntVar(&c.LoginMaxAttempts, "login-max-attempts", c.LoginMaxAttempts, "Login attempts allowed per throttling window")
	fs.IntVar(&c.AuthRateLimit, "auth-rate-limit", c.AuthRateLimit, "Auth requests per minute per IP")
	fs.StringSliceVar(&c.TrustedProxies, "trusted-proxies", c.TrustedProxies, "Trusted reverse proxies (CIDR or address, comma separated)")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (development, production, testing)")

	return fs.Parse(args)
}

func (c *Config) Validate() error {
	var errs []error

	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.AccessSecretKey == "" || c.RefreshSecretKey == "" {
		errs = append(errs, errors.New("access and refresh secret keys are required"))
	}
	if c.AccessSecretKey != "" && c.AccessSecretKey == c.RefreshSecretKey {
		errs = append(errs, errors.New("access and refresh secret keys must differ"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("store timeout must be positive"))
	}
	if c.AuthRateLimit <= 0 {
		errs = append(errs, errors.New("auth rate limit must be positive"))
	}
	if _, err := middleware.ParseTrustedProxies(c.TrustedProxies); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

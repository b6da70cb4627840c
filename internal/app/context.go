package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"agentkyc/internal/config"
	"agentkyc/internal/db"
	"agentkyc/internal/engine"
	"agentkyc/internal/logging"
	"agentkyc/internal/mail"
	"agentkyc/internal/migrate"
	"agentkyc/internal/ratelimit"
	"agentkyc/internal/server"
)

// Runtime bundles everything a command needs: resolved config, logger, migrated database and
// the engine on top of it.
type Runtime struct {
	Workspace string
	Config    *config.Config
	Log       *zap.Logger
	DB        *sql.DB
	Engine    engine.Engine
	Redis     *redis.Client
}

// Open resolves config from the workspace file plus overrides in v, then opens and migrates
// the database. Callers must Close the runtime.
func Open(ctx context.Context, workspace string, v *viper.Viper) (*Runtime, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyOverrides(v); err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	driver := cfg.Database.Driver
	if driver == "" {
		driver = db.DriverSQLite
	}
	if driver == db.DriverSQLite {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Driver: driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn, driver); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt := &Runtime{
		Workspace: workspace,
		Config:    cfg,
		Log:       log,
		DB:        conn,
		Engine:    engine.New(conn, driver, cfg, NewMailer(cfg), log),
	}
	if cfg.RateLimit.RedisAddr != "" {
		rt.Redis = redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rt.Redis.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable; rate limiting fails open", zap.String("addr", cfg.RateLimit.RedisAddr), zap.Error(err))
		}
	}
	return rt, nil
}

// NewMailer returns a Postmark sender when a token is configured, else a disabled sender.
func NewMailer(cfg *config.Config) mail.Sender {
	if cfg == nil || cfg.Email.PostmarkToken == "" {
		return mail.Disabled{}
	}
	return mail.NewPostmark(cfg.Email.PostmarkToken, cfg.Email.From, cfg.Email.APIURL)
}

// Limiter returns the shared token bucket for POST /verify, or nil without Redis.
func (rt *Runtime) Limiter() *ratelimit.TokenBucket {
	if rt.Redis == nil {
		return nil
	}
	rl := rt.Config.RateLimit
	// idle buckets expire once they would have refilled completely
	ttl := 24 * time.Hour
	if rl.RefillPerSecond > 0 {
		ttl = time.Duration(float64(rl.Capacity)/rl.RefillPerSecond*float64(time.Second)) + time.Minute
	}
	return ratelimit.NewTokenBucket(rt.Redis, rl.Capacity, rl.RefillPerSecond, ttl)
}

// ServerConfig wires the HTTP layer to this runtime.
func (rt *Runtime) ServerConfig() server.Config {
	cfg := server.Config{
		Engine:   rt.Engine,
		BasePath: rt.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret:       rt.Config.Auth.JWTSecret,
			AdminToken:      rt.Config.Auth.AdminToken,
			AutomationToken: rt.Config.Auth.AutomationToken,
		},
		Log: rt.Log,
	}
	// a typed nil would defeat the nil check in server.New
	if limiter := rt.Limiter(); limiter != nil {
		cfg.Limiter = limiter
	}
	return cfg
}

func (rt *Runtime) Close() error {
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.DB != nil {
		errs = append(errs, rt.DB.Close())
	}
	_ = rt.Log.Sync()
	return errors.Join(errs...)
}

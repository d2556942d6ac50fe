package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

// session is what a command needs to talk to the engine.
type session struct {
	cfg    *Config
	logger *zap.Logger
	client *chatsync.Client
	repo   *chatsync.PebbleRepository
	engine *chatsync.Engine
}

func (s *session) Close() {
	if s.repo != nil {
		if err := s.repo.Close(); err != nil {
			s.logger.Warn("repository_close_failed", zap.Error(err))
		}
	}
	_ = s.logger.Sync()
}

// openSession builds the logger, HTTP client, Pebble repository and engine
// from the effective config.
func openSession(opts ...chatsync.EngineOption) (*session, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errors.New("no token. Run 'chatsync config set auth.token <token>' first")
	}
	userID, err := resolveUserID(cfg)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	dir, err := dataDir(cfg)
	if err != nil {
		return nil, err
	}
	repo, err := chatsync.OpenPebbleRepository(dir, chatsync.WithPebbleLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	var clientOpts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		clientOpts = append(clientOpts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	clientOpts = append(clientOpts, chatsync.WithClientLogger(logger))
	client := chatsync.NewClient(cfg.Auth.Token, clientOpts...)

	me := chatsync.User{ID: userID, Name: cfg.Auth.UserName}
	engineOpts := append([]chatsync.EngineOption{
		chatsync.WithAPI(client),
		chatsync.WithLogger(logger),
	}, opts...)
	engine := chatsync.NewEngine(me, repo, engineOpts...)

	return &session{cfg: cfg, logger: logger, client: client, repo: repo, engine: engine}, nil
}

// openRepository opens the local cache without network access.
func openRepository(cfg *Config) (*chatsync.PebbleRepository, error) {
	dir, err := dataDir(cfg)
	if err != nil {
		return nil, err
	}
	repo, err := chatsync.OpenPebbleRepository(dir)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return repo, nil
}

func dataDir(cfg *Config) (string, error) {
	if cfg.Default.DataDir != "" {
		return cfg.Default.DataDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// newLogger builds a production (JSON) or development (console) logger.
func newLogger(cfg *Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Default.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level := zapcore.WarnLevel
	if cfg.Default.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.Default.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Default.LogLevel, err)
		}
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// ============================================================================
// Token claims
// ============================================================================

// tokenClaims reads the claims of the token without verifying it; the
// server verifies, the CLI only needs the user id and expiry.
func tokenClaims(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

// resolveUserID prefers the configured user id, then the token's user_id or
// sub claim.
func resolveUserID(cfg *Config) (string, error) {
	if cfg.Auth.UserID != "" {
		return cfg.Auth.UserID, nil
	}
	claims, err := tokenClaims(cfg.Auth.Token)
	if err != nil {
		return "", fmt.Errorf("no user id configured and %w", err)
	}
	if id, ok := claims["user_id"].(string); ok && id != "" {
		return id, nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", errors.New("token has no user_id or sub claim; set auth.user_id")
}

func tokenExpiry(token string) (time.Time, bool) {
	claims, err := tokenClaims(token)
	if err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// maskKey shows the first 12 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

package main

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/kvstore"
)

// session bundles what a command needs to talk to the relay as the
// configured user.
type session struct {
	cfg     *Config
	log     *zap.Logger
	store   kvstore.Store
	channel *chatsync.ConnectionManager
	history *chatsync.HistoryClient
	engine  *chatsync.Engine
}

// requireConfig loads the config and checks that a user id is set.
func requireConfig() (*Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.UserID == "" {
		return nil, nil, fmt.Errorf("no user id: run 'chatsync init <user-id>' first")
	}
	log, err := newLogger(cfg.Default.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func serverURL(cfg *Config) string {
	return valueOrDefault(cfg.Default.ServerURL, defaultServerURL)
}

func historyClient(cfg *Config) *chatsync.HistoryClient {
	var opts []chatsync.ClientOption
	if cfg.Auth.Token != "" {
		opts = append(opts, chatsync.WithToken(cfg.Auth.Token))
	}
	return chatsync.NewHistoryClient(serverURL(cfg), opts...)
}

// openStore opens the configured cache backend. Relative or empty paths
// resolve inside the config directory.
func openStore(cfg *Config, log *zap.Logger) (kvstore.Store, error) {
	backend := valueOrDefault(cfg.Store.Backend, "sqlite")
	if backend == "memory" {
		return kvstore.NewMemory(), nil
	}

	path := cfg.Store.Path
	if path == "" || !filepath.IsAbs(path) {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		switch {
		case path != "":
			path = filepath.Join(dir, path)
		case backend == "pebble":
			path = filepath.Join(dir, "cache")
		default:
			path = filepath.Join(dir, "cache.db")
		}
	}

	switch backend {
	case "pebble":
		return kvstore.OpenPebble(path, log)
	case "sqlite":
		return kvstore.OpenSQLite(path, log)
	default:
		return nil, fmt.Errorf("unknown store backend %q (valid: memory, pebble, sqlite)", backend)
	}
}

// newSession wires a connection manager, history client, cache and engine.
// The engine is not started.
func newSession(cfg *Config, log *zap.Logger) (*session, error) {
	store, err := openStore(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	channel := chatsync.NewConnectionManager(serverURL(cfg), chatsync.RealtimeConfig{
		UserID:        cfg.Auth.UserID,
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
		Logger:        log.Named("realtime"),
	})
	history := historyClient(cfg)
	engine := chatsync.NewEngine(channel, history, store,
		chatsync.StaticIdentity{ID: cfg.Auth.UserID, DisplayName: cfg.Auth.DisplayName},
		chatsync.WithLogger(log.Named("engine")),
	)
	return &session{cfg: cfg, log: log, store: store, channel: channel, history: history, engine: engine}, nil
}

func (s *session) Close() {
	if err := s.engine.Close(); err != nil {
		s.log.Debug("engine_close", zap.Error(err))
	}
	if err := s.channel.Close(); err != nil {
		s.log.Debug("channel_close", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("store_close", zap.Error(err))
	}
	_ = s.log.Sync()
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

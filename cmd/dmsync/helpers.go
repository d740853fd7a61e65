package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lumen-lms/dmsync"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the diagnostic logger. Output goes to stderr so that
// command output on stdout stays scriptable.
func newLogger(level, format string) (*zap.Logger, error) {
	if format == "" {
		format = "console"
	}
	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(parseLevel(level)),
		Development: false,
		Encoding:    format,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return config.Build()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.WarnLevel
	}
}

// openStorage opens the cache backend selected in the config.
func openStorage(ctx context.Context, cfg ConfigCache) (dmsync.Storage, error) {
	loc, err := cacheLocation(cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "", "file":
		return dmsync.NewFileStorage(loc)
	case "sqlite":
		return dmsync.NewSQLiteStorage(loc)
	case "redis":
		return dmsync.NewRedisStorage(ctx, cfg.RedisURL)
	}
	return dmsync.NewMemoryStorage(), nil
}

// session bundles everything a command needs to talk to the server.
type session struct {
	userID  string
	log     *zap.Logger
	api     *dmsync.Client
	rt      *dmsync.RealtimeClient
	storage dmsync.Storage
	engine  *dmsync.Engine
}

type sessionOptions struct {
	autoReconnect bool
	notify        func(dmsync.EngineEvent)
}

// openSession loads the cache, wires the engine and merges the server's
// thread list. A failing thread list is logged, not fatal: the cache still
// works offline.
func openSession(ctx context.Context, cfg *Config, opts *sessionOptions) (*session, error) {
	if opts == nil {
		opts = &sessionOptions{}
	}
	if cfg.Default.Token == "" {
		return nil, errors.New("no token configured. Run 'dmsync init <token>' first")
	}
	userID := cfg.Default.UserID
	if userID == "" {
		if claims, err := parseTokenClaims(cfg.Default.Token); err == nil {
			userID = claims.UserID()
		}
	}
	if userID == "" {
		return nil, errors.New("no user ID configured. Run 'dmsync config set default.user_id <id>'")
	}

	level := cfg.Log.Level
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	log, err := newLogger(level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	storage, err := openStorage(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	store, err := dmsync.NewChatStore(ctx, storage, &dmsync.StoreConfig{
		Key:    dmsync.DefaultCacheKey + ":" + userID,
		Logger: log,
	})
	if err != nil {
		storage.Close()
		return nil, err
	}

	var clientOpts []dmsync.ClientOption
	if cfg.Default.BaseURL != "" {
		clientOpts = append(clientOpts, dmsync.WithBaseURL(cfg.Default.BaseURL))
	}
	api := dmsync.NewClient(cfg.Default.Token, clientOpts...)
	rt := api.Realtime(&dmsync.RealtimeConfig{
		AutoReconnect: opts.autoReconnect,
		Logger:        log,
	})
	dir := dmsync.NewPeerDirectory(api, &dmsync.DirectoryConfig{Logger: log})
	engine := dmsync.NewEngine(store, rt, dir, &dmsync.EngineConfig{
		UserID: userID,
		Logger: log,
		Notify: opts.notify,
	})
	engine.Start()

	if threads, err := api.ListThreads(ctx); err != nil {
		log.Warn("thread list unavailable, using cached chats", zap.Error(err))
	} else if err := engine.MergeThreads(ctx, threads); err != nil {
		log.Warn("merge thread list failed", zap.Error(err))
	}

	return &session{userID: userID, log: log, api: api, rt: rt, storage: storage, engine: engine}, nil
}

// Close disconnects and releases the cache.
func (s *session) Close() {
	s.engine.Stop()
	s.rt.Disconnect()
	if err := s.storage.Close(); err != nil {
		s.log.Warn("close cache failed", zap.Error(err))
	}
	s.log.Sync()
}

// findChat resolves a command-line argument to a chat, by ID first and then
// by title.
func (s *session) findChat(arg string) (dmsync.ChatSummary, error) {
	chats := s.engine.Chats()
	for _, c := range chats {
		if c.ID == arg {
			return c, nil
		}
	}
	for _, c := range chats {
		if strings.EqualFold(strings.TrimSpace(c.Title), strings.TrimSpace(arg)) {
			return c, nil
		}
	}
	return dmsync.ChatSummary{}, fmt.Errorf("no chat matches %q. Run 'dmsync chats' to list them", arg)
}

// messageStatus renders the delivery state of a message.
func messageStatus(m dmsync.ChatMessage) string {
	switch {
	case m.Failed:
		return "failed"
	case m.Pending:
		return "sending"
	case m.ReadAt != nil:
		return "read"
	case m.DeliveredAt != nil:
		return "delivered"
	}
	return "sent"
}

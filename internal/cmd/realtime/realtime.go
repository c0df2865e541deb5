// Package realtime parses realtime command flags and composes the session
// coordinator process.
package realtime

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	entrypoint "github.com/ralph0830/trpg/internal/platform/cmd"
	"github.com/ralph0830/trpg/internal/platform/logging"
	server "github.com/ralph0830/trpg/internal/services/realtime/app"
)

// Config holds realtime command configuration.
type Config struct {
	HTTPAddr          string        `env:"TRPG_HTTP_ADDR"           envDefault:":3001"`
	GRPCAddr          string        `env:"TRPG_GRPC_ADDR"           envDefault:":3002"`
	DBPath            string        `env:"TRPG_DB_PATH"             envDefault:"data/trpg.db"`
	HistoryLimit      int           `env:"TRPG_HISTORY_LIMIT"       envDefault:"20"`
	RetentionDays     int           `env:"TRPG_RETENTION_DAYS"      envDefault:"7"`
	RetentionInterval time.Duration `env:"TRPG_RETENTION_INTERVAL"  envDefault:"1h"`
	RedisAddr         string        `env:"TRPG_REDIS_ADDR"`
	RedisStreamPrefix string        `env:"TRPG_REDIS_STREAM_PREFIX" envDefault:"trpg:events:"`
	RedisStreamMaxLen int64         `env:"TRPG_REDIS_STREAM_MAXLEN" envDefault:"10000"`
	LogLevel          string        `env:"TRPG_LOG_LEVEL"           envDefault:"info"`
	LogFormat         string        `env:"TRPG_LOG_FORMAT"          envDefault:"console"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP and WebSocket listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "SQLite database path")
	fs.IntVar(&cfg.HistoryLimit, "history-limit", cfg.HistoryLimit, "events sent to a joining player")
	fs.IntVar(&cfg.RetentionDays, "retention-days", cfg.RetentionDays, "days to keep game events (0 keeps everything)")
	fs.DurationVar(&cfg.RetentionInterval, "retention-interval", cfg.RetentionInterval, "time between retention sweeps")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for the event feed (empty disables)")
	fs.StringVar(&cfg.RedisStreamPrefix, "redis-stream-prefix", cfg.RedisStreamPrefix, "Redis stream key prefix")
	fs.Int64Var(&cfg.RedisStreamMaxLen, "redis-stream-maxlen", cfg.RedisStreamMaxLen, "approximate entries kept per session stream (0 keeps everything)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: console or json")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.HistoryLimit < 1 {
		return Config{}, fmt.Errorf("history limit must be at least 1")
	}
	if cfg.RetentionDays < 0 {
		return Config{}, fmt.Errorf("retention days must not be negative")
	}
	if cfg.RedisStreamMaxLen < 0 {
		return Config{}, fmt.Errorf("redis stream max len must not be negative")
	}
	return cfg, nil
}

// serverConfig translates command configuration into the app's.
func (c Config) serverConfig() server.Config {
	return server.Config{
		HTTPAddr:          c.HTTPAddr,
		GRPCAddr:          c.GRPCAddr,
		DBPath:            c.DBPath,
		HistoryLimit:      c.HistoryLimit,
		RetentionMaxAge:   time.Duration(c.RetentionDays) * 24 * time.Hour,
		RetentionInterval: c.RetentionInterval,
		RedisAddr:         c.RedisAddr,
		RedisStreamPrefix: c.RedisStreamPrefix,
		RedisStreamMaxLen: c.RedisStreamMaxLen,
	}
}

// Run builds the realtime app and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	options := entrypoint.RunOptions{Logger: logger}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceRealtime, options, func(ctx context.Context) error {
		serverCfg := cfg.serverConfig()
		serverCfg.Logger = logger.With(zap.String("service", entrypoint.ServiceRealtime))
		if err := server.Run(ctx, serverCfg); err != nil {
			return fmt.Errorf("serve realtime: %w", err)
		}
		return nil
	})
}

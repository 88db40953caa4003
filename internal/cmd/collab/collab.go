// Package collab parses collaboration command flags and composes the server
// entrypoint.
package collab

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	entrypoint "github.com/louisbranch/codecollab/internal/platform/cmd"
	"github.com/louisbranch/codecollab/internal/platform/logging"
	server "github.com/louisbranch/codecollab/internal/services/collab/app"
	"github.com/louisbranch/codecollab/internal/services/collab/execution"
	"github.com/rs/zerolog"
)

// Config holds collaboration command configuration.
type Config struct {
	HTTPAddr string `env:"CODECOLLAB_HTTP_ADDR"  envDefault:":3001"`
	Env      string `env:"CODECOLLAB_ENV"        envDefault:"development"`
	LogLevel string `env:"CODECOLLAB_LOG_LEVEL"  envDefault:"info"`

	ExecutionTimeout        time.Duration `env:"CODECOLLAB_EXECUTION_TIMEOUT"          envDefault:"5s"`
	ExecutionMaxOutputBytes int           `env:"CODECOLLAB_EXECUTION_MAX_OUTPUT_BYTES" envDefault:"65536"`
	ExecutionConcurrency    int           `env:"CODECOLLAB_EXECUTION_CONCURRENCY"      envDefault:"8"`
	ExecutionQueueDepth     int           `env:"CODECOLLAB_EXECUTION_QUEUE_DEPTH"      envDefault:"4"`
	ExecutionMaxMemoryBytes int64         `env:"CODECOLLAB_EXECUTION_MAX_MEMORY_BYTES" envDefault:"134217728"`

	// MemoryLimitBytes is the process soft memory limit. Zero leaves the
	// runtime setting (GOMEMLIMIT) alone.
	MemoryLimitBytes int64 `env:"CODECOLLAB_MEMORY_LIMIT_BYTES" envDefault:"1073741824"`

	EmptyRoomTTL       time.Duration `env:"CODECOLLAB_EMPTY_ROOM_TTL"       envDefault:"10m"`
	ReapInterval       time.Duration `env:"CODECOLLAB_REAP_INTERVAL"        envDefault:"1m"`
	ChatHistoryLimit   int           `env:"CODECOLLAB_CHAT_HISTORY_LIMIT"   envDefault:"500"`
	OutputHistoryLimit int           `env:"CODECOLLAB_OUTPUT_HISTORY_LIMIT" envDefault:"100"`
	MaxFrameBytes      int           `env:"CODECOLLAB_MAX_FRAME_BYTES"      envDefault:"524288"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "collab HTTP listen address")
	fs.StringVar(&cfg.Env, "env", cfg.Env, "runtime environment (development or production)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.DurationVar(&cfg.ExecutionTimeout, "execution-timeout", cfg.ExecutionTimeout, "wall-clock limit per code execution")
	fs.IntVar(&cfg.ExecutionConcurrency, "execution-concurrency", cfg.ExecutionConcurrency, "concurrent code executions across rooms")
	fs.IntVar(&cfg.ExecutionQueueDepth, "execution-queue-depth", cfg.ExecutionQueueDepth, "executions that may wait per room")
	fs.Int64Var(&cfg.ExecutionMaxMemoryBytes, "execution-max-memory", cfg.ExecutionMaxMemoryBytes, "heap growth allowed per code execution in bytes; negative disables")
	fs.Int64Var(&cfg.MemoryLimitBytes, "memory-limit", cfg.MemoryLimitBytes, "process soft memory limit in bytes; 0 keeps GOMEMLIMIT")
	fs.DurationVar(&cfg.EmptyRoomTTL, "empty-room-ttl", cfg.EmptyRoomTTL, "how long empty rooms are kept; 0 removes them on last leave")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	if cfg.ExecutionQueueDepth < 0 {
		return Config{}, fmt.Errorf("execution queue depth must be >= 0, got %d", cfg.ExecutionQueueDepth)
	}
	if cfg.MemoryLimitBytes < 0 {
		return Config{}, fmt.Errorf("memory limit must be >= 0, got %d", cfg.MemoryLimitBytes)
	}
	if cfg.EmptyRoomTTL < 0 {
		return Config{}, fmt.Errorf("empty room ttl must be >= 0, got %s", cfg.EmptyRoomTTL)
	}
	return cfg, nil
}

// Run builds the collaboration server and serves it until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.New(logging.Options{
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		Out:     os.Stdout,
		Service: entrypoint.ServiceCollab,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if previous, applied := applyMemoryLimit(cfg.MemoryLimitBytes); applied {
		logger.Info().Int64("limit_bytes", cfg.MemoryLimitBytes).Int64("previous_bytes", previous).Msg("memory limit set")
	}

	options := entrypoint.RunOptions{Logger: logger}
	return entrypoint.RunWithTelemetryAndOptions(ctx, entrypoint.ServiceCollab, options, func(ctx context.Context) error {
		if err := server.Run(ctx, serverConfig(cfg, logger)); err != nil {
			return fmt.Errorf("serve collab: %w", err)
		}
		return nil
	})
}

func serverConfig(cfg Config, logger zerolog.Logger) server.Config {
	return server.Config{
		HTTPAddr: cfg.HTTPAddr,
		Logger:   logger,
		ExecutionLimits: execution.Limits{
			Timeout:        cfg.ExecutionTimeout,
			MaxOutputBytes: cfg.ExecutionMaxOutputBytes,
			MaxMemoryBytes: cfg.ExecutionMaxMemoryBytes,
		},
		ExecutionConcurrency: cfg.ExecutionConcurrency,
		ExecutionQueueDepth:  cfg.ExecutionQueueDepth,
		EmptyRoomTTL:         cfg.EmptyRoomTTL,
		ReapInterval:         cfg.ReapInterval,
		ChatHistoryLimit:     cfg.ChatHistoryLimit,
		OutputHistoryLimit:   cfg.OutputHistoryLimit,
		MaxFrameBytes:        cfg.MaxFrameBytes,
	}
}

// applyMemoryLimit sets the runtime soft memory limit and returns the one it
// replaced. A non-positive limit changes nothing.
func applyMemoryLimit(limit int64) (int64, bool) {
	if limit <= 0 {
		return 0, false
	}
	return debug.SetMemoryLimit(limit), true
}

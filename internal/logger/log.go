// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"logroller/internal/config"
)

// Init
//
// Called once at start; returns the configured logger, which also
// becomes the zerolog global and the sink of the stdlib log package.
//
//   - out == nil means stdout. The query CLI passes stderr so that
//     stdout carries only command output.
//   - LOG_PRETTY selects a console writer, otherwise JSON lines.
//   - every line carries service and instance.
//   - LOG_SAMPLE_N > 1 samples debug and info 1/N; warn and error are
//     never sampled.
func Init(cfg config.Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	level := ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	w := out
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	if cfg.LogSampleN > 1 {
		logger = logger.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: uint32(cfg.LogSampleN)},
			InfoSampler:  &zerolog.BasicSampler{N: uint32(cfg.LogSampleN)},
		})
	}

	zlog.Logger = logger

	stdlog.SetFlags(0)
	stdlog.SetOutput(logger)
	return logger
}

// ParseLevel falls back to info for unknown names.
func ParseLevel(s string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

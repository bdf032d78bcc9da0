package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options tune the log sink. Zero values fall back to the environment:
// LOG_LEVEL selects the minimum level and LOG_FILE enables a rotated file
// alongside stdout.
type Options struct {
	Level      slog.Leveler
	File       string
	MaxSizeMB  int
	MaxBackups int
	Output     io.Writer
}

func optionsFromEnv() Options {
	opts := Options{File: strings.TrimSpace(os.Getenv("LOG_FILE"))}
	if raw := strings.TrimSpace(os.Getenv("LOG_MAX_SIZE_MB")); raw != "" {
		if size, err := strconv.Atoi(raw); err == nil {
			opts.MaxSizeMB = size
		}
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(os.Getenv("LOG_LEVEL")))); err == nil {
		opts.Level = level
	}
	return opts
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger. All log lines include the service name and
// environment when provided.
func Setup(service, env string) *slog.Logger {
	return SetupWithOptions(service, env, optionsFromEnv())
}

// SetupWithOptions is Setup with explicit sink options.
func SetupWithOptions(service, env string, opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	if file := strings.TrimSpace(opts.File); file != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		backups := opts.MaxBackups
		if backups <= 0 {
			backups = 5
		}
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxSize,
			MaxBackups: backups,
			Compress:   true,
		})
	}
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			if IsSensitive(attr.Key) {
				return MaskField(attr.Key, attr.Value.String())
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	handlerWithAttrs := handler.WithAttrs(attrs)

	base := slog.New(handlerWithAttrs)
	slog.SetDefault(base)

	// Bridge the standard library logger so packages using log still emit JSON.
	stdBridge := slog.NewLogLogger(handlerWithAttrs, slog.LevelInfo)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

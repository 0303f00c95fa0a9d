package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schaermu/mirrord/internal/config"
	"github.com/schaermu/mirrord/internal/crash"
)

// nonEmptyHandler drops records without a message
type nonEmptyHandler struct {
	slog.Handler
}

func (h nonEmptyHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Message == "" {
		return nil
	}
	return h.Handler.Handle(ctx, r)
}

func (h nonEmptyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return nonEmptyHandler{h.Handler.WithAttrs(attrs)}
}

func (h nonEmptyHandler) WithGroup(name string) slog.Handler {
	return nonEmptyHandler{h.Handler.WithGroup(name)}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// redactor returns a ReplaceAttr func that masks secret in the message and
// in every attribute. Non-string values are flattened with fmt only when
// their rendering contains the secret.
func redactor(secret string) func([]string, slog.Attr) slog.Attr {
	if secret == "" {
		return nil
	}
	return func(_ []string, a slog.Attr) slog.Attr {
		switch a.Value.Kind() {
		case slog.KindString:
			return slog.String(a.Key, config.Redact(a.Value.String(), secret))
		case slog.KindAny:
			if err, ok := a.Value.Any().(error); ok {
				return slog.String(a.Key, config.Redact(err.Error(), secret))
			}
			if s := fmt.Sprint(a.Value.Any()); strings.Contains(s, secret) {
				return slog.String(a.Key, config.Redact(s, secret))
			}
		}
		return a
	}
}

// setupLogger builds the process logger writing to w
func setupLogger(w io.Writer, secret string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(logLevel),
		ReplaceAttr: redactor(secret),
	}

	var handler slog.Handler
	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(nonEmptyHandler{handler})
}

// openLogFile opens the log file tee'd with stdout: --log-file wins,
// otherwise a per-start file in cfg.LogDir. Returns nil when neither is set.
func openLogFile(cfg *config.Config, now time.Time) (*os.File, error) {
	path := logFile
	if path == "" {
		if cfg.LogDir == "" {
			return nil, nil
		}
		if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		path = filepath.Join(cfg.LogDir, crash.NameFormat(version, now))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// daemonLogger returns the configured logger and a func releasing its file
func daemonLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	f, err := openLogFile(cfg, time.Now())
	if err != nil {
		return nil, nil, err
	}
	if f == nil {
		return setupLogger(os.Stdout, cfg.Secret), func() {}, nil
	}

	logger := setupLogger(io.MultiWriter(os.Stdout, f), cfg.Secret)
	return logger, func() { _ = f.Close() }, nil
}

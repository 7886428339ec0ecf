// Package logging собирает slog логгер процесса: текст или JSON, уровень,
// при необходимости копия в файл с ротацией.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config параметры логгера.
type Config struct {
	// Level debug, info, warn, error
	Level  string
	Format string
	// File путь к файлу лога, пусто без файла
	File string
	// MaxSizeMB размер файла до ротации
	MaxSizeMB  int
	MaxBackups int
	// Output основной вывод, nil означает os.Stderr
	Output io.Writer
}

// DefaultConfig конфигурация по умолчанию.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     FormatText,
		MaxSizeMB:  100,
		MaxBackups: 1,
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	if c.Format != FormatText && c.Format != FormatJSON {
		return errors.Errorf("неизвестный формат лога %q", c.Format)
	}
	if c.File != "" && c.MaxSizeMB <= 0 {
		return errors.New("размер файла лога должен быть положительным")
	}
	return nil
}

// ParseLevel разбирает уровень без учета регистра.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, errors.Errorf("неизвестный уровень лога %q", s)
	}
	return level, nil
}

// New создает логгер. Возвращаемый io.Closer закрывает файл лога.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	level, _ := ParseLevel(cfg.Level)

	var out io.Writer = os.Stderr
	if cfg.Output != nil {
		out = cfg.Output
	}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		out = io.MultiWriter(out, file)
		closer = file
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type ctxKey struct{}

// With сохраняет логгер в контексте.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From логгер из контекста или slog.Default().
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

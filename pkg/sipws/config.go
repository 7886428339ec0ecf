// Package sipws реализует сигнальный транспорт telephony.UserAgent поверх
// sipgo: SIP через WebSocket, регистрация с digest авторизацией, исходящие
// INVITE сессии с медиа из rtcmedia.
package sipws

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultUserAgent      = "webcall"
	DefaultExpires        = 600 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultDTMFDuration   = 100 * time.Millisecond

	// refreshRatio доля выданного срока регистрации, после которой она обновляется
	refreshRatio = 0.9
)

// Config параметры user agent'а.
type Config struct {
	UserAgent string
	// Expires запрашиваемый срок регистрации
	Expires time.Duration
	// RequestTimeout время ожидания ответа на REGISTER, BYE, INFO
	RequestTimeout time.Duration
	// DTMFDuration длительность тона в INFO запросе
	DTMFDuration time.Duration
	// TLSConfig для wss:// адресов, nil означает системные настройки
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// DefaultConfig конфигурация по умолчанию.
func DefaultConfig() Config {
	return Config{
		UserAgent:      DefaultUserAgent,
		Expires:        DefaultExpires,
		RequestTimeout: DefaultRequestTimeout,
		DTMFDuration:   DefaultDTMFDuration,
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	if c.UserAgent == "" {
		return errors.New("не указан User-Agent")
	}
	if c.Expires < time.Second {
		return errors.Errorf("срок регистрации %s меньше секунды", c.Expires)
	}
	if c.RequestTimeout <= 0 {
		return errors.New("таймаут запроса должен быть положительным")
	}
	if c.DTMFDuration <= 0 {
		return errors.New("длительность DTMF должна быть положительной")
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Package loadtest нагрузочный прогон звонков: каждый звонок проходит весь
// путь от получения учетных данных до журнала диалога, звонки выполняются
// через очередь с ограничением параллельности, итог классифицируется по
// числу приветствий в журнале.
package loadtest

import (
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/webcall/pkg/sdpfilter"
	"github.com/arzzra/webcall/pkg/telephony"
)

const (
	DefaultCalls           = 10
	DefaultConcurrency     = 5
	DefaultDelayBeforeDrop = 5 * time.Second
	DefaultDelayAfterDrop  = 2 * time.Second
)

// Config параметры прогона.
type Config struct {
	ResellerToken string
	// Destination номер или SIP адрес, на который идут звонки
	Destination string

	Calls       int
	Concurrency int

	// DelayBeforeDrop сколько держать установленный звонок
	DelayBeforeDrop time.Duration
	// DelayAfterDrop пауза перед запросом журнала диалога, пока CVG его дописывает
	DelayAfterDrop time.Duration

	RegistrationTimeout time.Duration
	CallTimeout         time.Duration
	ICEGatheringTimeout time.Duration

	URIArguments []telephony.URIArgument
	ExtraHeaders []telephony.Header
	// Codecs оставляет в offer'е только перечисленные кодеки, пусто без фильтра
	Codecs []string
	// DrainAudio читать входящий звук до конца звонка
	DrainAudio bool

	Logger *slog.Logger
}

// DefaultConfig конфигурация по умолчанию без токена и адресата.
func DefaultConfig() Config {
	return Config{
		Calls:               DefaultCalls,
		Concurrency:         DefaultConcurrency,
		DelayBeforeDrop:     DefaultDelayBeforeDrop,
		DelayAfterDrop:      DefaultDelayAfterDrop,
		RegistrationTimeout: telephony.DefaultRegistrationTimeout,
		CallTimeout:         telephony.DefaultCallTimeout,
		ICEGatheringTimeout: telephony.DefaultICEGatheringTimeout,
		DrainAudio:          true,
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	if c.ResellerToken == "" {
		return errors.New("не указан токен реселлера")
	}
	if strings.TrimSpace(c.Destination) == "" {
		return errors.New("не указан адресат звонков")
	}
	if c.Calls <= 0 {
		return errors.Errorf("некорректное число звонков: %d", c.Calls)
	}
	if c.Concurrency <= 0 {
		return errors.Errorf("некорректная параллельность: %d", c.Concurrency)
	}
	if c.DelayBeforeDrop < 0 || c.DelayAfterDrop < 0 {
		return errors.New("задержки не могут быть отрицательными")
	}
	if c.RegistrationTimeout < 0 || c.CallTimeout < 0 || c.ICEGatheringTimeout < 0 {
		return errors.New("таймауты не могут быть отрицательными")
	}
	return c.callOptions().Validate()
}

func (c Config) callOptions() telephony.CallOptions {
	opts := telephony.DefaultCallOptions()
	if c.CallTimeout > 0 {
		opts.Timeout = c.CallTimeout
	}
	if c.ICEGatheringTimeout > 0 {
		opts.ICEGatheringTimeout = c.ICEGatheringTimeout
	}
	opts.ExtraHeaders = c.ExtraHeaders
	if len(c.Codecs) > 0 {
		opts.CodecFilter = sdpfilter.Only(c.Codecs...)
	}
	return opts
}


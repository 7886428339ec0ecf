package telephony

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCallEnded возвращают операции над уже завершенным звонком.
	ErrCallEnded = errors.New("звонок уже завершен")
	// ErrUnknownTone символ отсутствует в ToneMap.
	ErrUnknownTone = errors.New("неизвестный DTMF символ")
	// ErrNotRegistered звонок через незарегистрированное соединение.
	ErrNotRegistered = errors.New("соединение не зарегистрировано")
)

// RegistrationTimedOutError регистрация не завершилась за отведенное время.
type RegistrationTimedOutError struct {
	Address string
	Timeout time.Duration
}

func (e *RegistrationTimedOutError) Error() string {
	return fmt.Sprintf("регистрация %s не завершилась за %s", e.Address, e.Timeout)
}

// RegistrationError user agent сообщил об отключении или отказе до регистрации.
type RegistrationError struct {
	Reason UAEventType
	Cause  error
}

func (e *RegistrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("регистрация прервана (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("регистрация прервана (%s)", e.Reason)
}

func (e *RegistrationError) Unwrap() error { return e.Cause }

// CallCreationTimedOutError звонок не был установлен за отведенное время.
type CallCreationTimedOutError struct {
	Address string
	Timeout time.Duration
}

func (e *CallCreationTimedOutError) Error() string {
	return fmt.Sprintf("звонок через %s не установлен за %s", e.Address, e.Timeout)
}

// NegotiationFailedError сессия сообщила об ошибке до подтверждения.
type NegotiationFailedError struct {
	Cause error
}

func (e *NegotiationFailedError) Error() string {
	return fmt.Sprintf("согласование сессии не удалось: %v", e.Cause)
}

func (e *NegotiationFailedError) Unwrap() error { return e.Cause }

// AbortedError ожидание прервано внешней отменой. Reason исходная причина
// (context.Cause), а не общий "canceled".
type AbortedError struct {
	Reason error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("прервано: %v", e.Reason)
}

func (e *AbortedError) Unwrap() error { return e.Reason }

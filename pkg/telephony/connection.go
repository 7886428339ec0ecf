// Package telephony устанавливает исходящие звонки поверх сигнального
// транспорта (UserAgent) и медиа сессий (Session).
//
// Порядок работы: Register регистрирует user agent по одноразовым учетным
// данным, Connection.PlaceCall проводит одну попытку звонка через конечный
// автомат и возвращает Call. Сигнальный и медиа транспорт подставляются
// через интерфейсы, конкретные реализации находятся в пакетах sipws и rtcmedia.
package telephony

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultRegistrationTimeout время на регистрацию по умолчанию
	DefaultRegistrationTimeout = 10 * time.Second
)

// ConnectionState состояние регистрации.
type ConnectionState string

const (
	ConnectionUnregistered ConnectionState = "unregistered"
	ConnectionRegistering  ConnectionState = "registering"
	ConnectionRegistered   ConnectionState = "registered"
	ConnectionFailed       ConnectionState = "failed"
)

// RegisterOptions параметры регистрации.
type RegisterOptions struct {
	Timeout      time.Duration
	URIArguments []URIArgument
	Logger       *slog.Logger
	Observer     Observer
}

func (o RegisterOptions) withDefaults() RegisterOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultRegistrationTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Connection зарегистрированный user agent.
type Connection struct {
	ua       UserAgent
	details  AuthenticationDetails
	address  string
	log      *slog.Logger
	observer Observer

	mu          sync.Mutex
	state       ConnectionState
	waiters     []*sessionWaiter
	unsubscribe func()

	disconnectOnce sync.Once
}

type sessionWaiter struct {
	bind func(Session)
}

// Register создает user agent и дожидается регистрации.
//
// Побеждает первое из событий: регистрация, отключение/отказ, таймаут, отмена ctx.
// При любой ошибке user agent останавливается до возврата ошибки.
func Register(ctx context.Context, newUA UserAgentFactory, details AuthenticationDetails, opts RegisterOptions) (*Connection, error) {
	opts = opts.withDefaults()
	if err := details.Validate(); err != nil {
		return nil, errors.Wrap(err, "невалидные учетные данные")
	}

	address := AppendURIArguments(details.SIPAddress, opts.URIArguments)
	ua, err := newUA(UserAgentConfig{
		Sockets:  details.WebsocketURIs,
		URI:      address,
		Username: details.Username,
		Password: details.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "не удалось создать user agent")
	}

	c := &Connection{
		ua:       ua,
		details:  details,
		address:  address,
		log:      opts.Logger.With(slog.String("address", details.SIPAddress)),
		observer: opts.Observer,
		state:    ConnectionRegistering,
	}

	started := time.Now()
	conn, err := c.register(ctx, opts.Timeout)
	if c.observer != nil {
		c.observer.RegistrationSettled(err, time.Since(started))
	}
	return conn, err
}

func (c *Connection) register(ctx context.Context, timeout time.Duration) (*Connection, error) {
	events := make(chan UAEvent, 8)
	settled := make(chan struct{})

	stopWaiting := c.ua.OnEvent(func(ev UAEvent) {
		switch ev.Type {
		case UARegistered, UADisconnected, UAUnregistered, UARegistrationFailed:
			select {
			case events <- ev:
			case <-settled:
			}
		}
	})
	c.unsubscribe = c.ua.OnEvent(c.handleEvent)

	fail := func(err error) (*Connection, error) {
		close(settled)
		stopWaiting()
		c.unsubscribe()
		c.ua.Stop()
		c.setState(ConnectionFailed)
		c.log.Warn("Connection.Register failed", slog.String("error", err.Error()))
		return nil, err
	}

	c.log.Debug("Connection.Register", slog.Duration("timeout", timeout))
	if err := c.ua.Start(); err != nil {
		return fail(errors.Wrap(err, "не удалось запустить user agent"))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-events:
			if ev.Type != UARegistered {
				return fail(&RegistrationError{Reason: ev.Type, Cause: ev.Cause})
			}
			close(settled)
			stopWaiting()
			c.setState(ConnectionRegistered)
			c.log.Info("Connection registered")
			return c, nil
		case <-timer.C:
			return fail(&RegistrationTimedOutError{Address: c.details.SIPAddress, Timeout: timeout})
		case <-ctx.Done():
			return fail(&AbortedError{Reason: context.Cause(ctx)})
		}
	}
}

// handleEvent постоянный обработчик событий user agent'а.
func (c *Connection) handleEvent(ev UAEvent) {
	switch ev.Type {
	case UANewSession:
		c.routeSession(ev.Session)
	case UARegistered:
		c.setState(ConnectionRegistered)
	case UAUnregistered, UADisconnected:
		c.mu.Lock()
		if c.state == ConnectionRegistered {
			c.state = ConnectionUnregistered
		}
		c.mu.Unlock()
		c.log.Debug("Connection.handleEvent", slog.String("event", ev.Type.String()))
	case UARegistrationFailed:
		// обновление регистрации отклонено, новые звонки невозможны
		c.mu.Lock()
		lost := c.state == ConnectionRegistered
		if lost {
			c.state = ConnectionFailed
		}
		c.mu.Unlock()
		if lost {
			log := c.log
			if ev.Cause != nil {
				log = log.With(slog.String("error", ev.Cause.Error()))
			}
			log.Warn("Connection registration lost")
		}
	default:
		c.log.Debug("Connection.handleEvent", slog.String("event", ev.Type.String()))
	}
}

// routeSession отдает сессию первой ожидающей попытке звонка.
// Сессии, которых никто не ждет, завершаются.
func (c *Connection) routeSession(s Session) {
	c.mu.Lock()
	var w *sessionWaiter
	if len(c.waiters) > 0 {
		w = c.waiters[0]
		c.waiters = c.waiters[1:]
	}
	c.mu.Unlock()

	if w == nil {
		c.log.Warn("Connection.routeSession: unexpected session", slog.String("session", s.ID()))
		go func() { _ = s.Terminate() }()
		return
	}
	w.bind(s)
}

// awaitSession регистрирует ожидание следующей сессии. bind вызывается
// синхронно в потоке user agent'а. Возвращаемая функция снимает ожидание.
func (c *Connection) awaitSession(bind func(Session)) (cancel func()) {
	w := &sessionWaiter{bind: bind}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, other := range c.waiters {
			if other == w {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				return
			}
		}
	}
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State текущее состояние регистрации.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Address адрес регистрации вместе с URI аргументами.
func (c *Connection) Address() string {
	return c.address
}

// Details учетные данные соединения.
func (c *Connection) Details() AuthenticationDetails {
	return c.details
}

// Disconnect снимает регистрацию и освобождает все сессии. Повторный вызов ничего не делает.
func (c *Connection) Disconnect() {
	c.disconnectOnce.Do(func() {
		c.log.Debug("Connection.Disconnect")
		c.ua.Stop()
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.mu.Lock()
		if c.state != ConnectionFailed {
			c.state = ConnectionUnregistered
		}
		c.waiters = nil
		c.mu.Unlock()
	})
}

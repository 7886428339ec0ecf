package telephony

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/webcall/pkg/sdpfilter"
)

const (
	// DefaultCallTimeout время на установку звонка по умолчанию
	DefaultCallTimeout = 10 * time.Second
)

// CallOptions параметры попытки звонка.
type CallOptions struct {
	// Timeout общее время на установку звонка
	Timeout time.Duration
	// ICEGatheringTimeout пауза между ICE кандидатами, после которой
	// согласование продолжается с уже собранными. Должна быть меньше Timeout.
	ICEGatheringTimeout time.Duration
	ExtraHeaders        []Header
	// Input источник звука, nil для захвата по умолчанию
	Input *MediaStream
	// CodecFilter оставляет в локальном offer'е только кодеки, для которых вернул true
	CodecFilter func(codec string) bool
}

// DefaultCallOptions параметры по умолчанию.
func DefaultCallOptions() CallOptions {
	return CallOptions{
		Timeout:             DefaultCallTimeout,
		ICEGatheringTimeout: DefaultICEGatheringTimeout,
	}
}

func (o CallOptions) withDefaults() CallOptions {
	if o.Timeout == 0 {
		o.Timeout = DefaultCallTimeout
	}
	if o.ICEGatheringTimeout == 0 {
		o.ICEGatheringTimeout = DefaultICEGatheringTimeout
	}
	return o
}

// Validate проверяет параметры. ICEGatheringTimeout обязан быть меньше Timeout,
// иначе таймаут звонка всегда срабатывает раньше ускорения ICE.
func (o CallOptions) Validate() error {
	if o.Timeout <= 0 {
		return errors.Errorf("некорректный таймаут звонка: %s", o.Timeout)
	}
	if o.ICEGatheringTimeout <= 0 {
		return errors.Errorf("некорректный таймаут сбора ICE: %s", o.ICEGatheringTimeout)
	}
	if o.ICEGatheringTimeout >= o.Timeout {
		return errors.Errorf("таймаут сбора ICE (%s) должен быть меньше таймаута звонка (%s)",
			o.ICEGatheringTimeout, o.Timeout)
	}
	return nil
}

// attempt одна попытка звонка. Цикл run единственный владелец состояния
// автомата; события транспорта приходят через канал events.
type attempt struct {
	id     string
	conn   *Connection
	target string
	opts   CallOptions
	log    *slog.Logger
	fsm    *fsm.FSM

	events   chan SessionEvent
	done     chan struct{}
	deadline time.Time

	mu          sync.Mutex
	settled     bool
	session     Session
	unsubscribe func()
	ice         *iceSupervisor
	end         *endObserver

	confirmed      bool
	mediaConnected bool
}

// sessionBound внутренний маркер: сессия привязана к попытке.
const sessionBound SessionEventType = -1

// PlaceCall проводит одну попытку звонка на target.
//
// Возвращает Call после того, как сессия подтверждена и медиа соединение
// установлено. Ошибки: *CallCreationTimedOutError, *NegotiationFailedError,
// *AbortedError (отмена ctx). При таймауте и отмене все сессии user agent'а
// принудительно завершаются.
func (c *Connection) PlaceCall(ctx context.Context, target string, opts CallOptions) (*Call, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if c.State() != ConnectionRegistered {
		return nil, ErrNotRegistered
	}

	id := uuid.NewString()
	log := c.log.With(slog.String("attempt", id), slog.String("target", target))
	a := &attempt{
		id:     id,
		conn:   c,
		target: target,
		opts:   opts,
		log:    log,
		fsm:    newCallFSM(log),
		events: make(chan SessionEvent, 32),
		done:   make(chan struct{}),
	}

	started := time.Now()
	call, err := a.run(ctx)
	if c.observer != nil {
		c.observer.CallSettled(err, time.Since(started))
	}
	return call, err
}

func (a *attempt) run(ctx context.Context) (*Call, error) {
	a.deadline = time.Now().Add(a.opts.Timeout)
	timer := time.NewTimer(a.opts.Timeout)
	defer timer.Stop()
	defer close(a.done)

	stopWaiting := a.conn.awaitSession(a.bind)
	defer stopWaiting()

	a.setState(StateAwaitingSession)
	a.log.Debug("attempt.run: requesting session", slog.Duration("timeout", a.opts.Timeout))
	if err := a.conn.ua.Call(a.target, a.sessionOptions()); err != nil {
		return a.fail(&NegotiationFailedError{Cause: err})
	}

	for {
		select {
		case ev := <-a.events:
			if out := a.handle(ev); out != nil {
				return out.call, out.err
			}
		case <-timer.C:
			return a.abort(&CallCreationTimedOutError{Address: a.conn.details.SIPAddress, Timeout: a.opts.Timeout})
		case <-ctx.Done():
			return a.abort(&AbortedError{Reason: context.Cause(ctx)})
		}
	}
}

func (a *attempt) sessionOptions() SessionOptions {
	return SessionOptions{
		ExtraHeaders: a.opts.ExtraHeaders,
		ICEServers:   a.conn.details.ICEServers(),
		Input:        a.opts.Input,
		Audio:        true,
		Video:        false,
	}
}

// bind вызывается в потоке user agent'а при появлении сессии. Подписки и
// фильтр ставятся до того, как сессия начнет генерировать события.
func (a *attempt) bind(s Session) {
	a.mu.Lock()
	if a.settled {
		a.mu.Unlock()
		go func() { _ = s.Terminate() }()
		return
	}
	a.session = s
	a.end = watchEnd(s)
	if a.opts.CodecFilter != nil {
		include := a.opts.CodecFilter
		s.SetOfferFilter(func(description string) string {
			return sdpfilter.Filter(description, include)
		})
	}
	a.ice = superviseICE(s, a.opts.ICEGatheringTimeout, a.log)
	a.unsubscribe = s.OnEvent(a.post)
	a.mu.Unlock()

	a.post(SessionEvent{Type: sessionBound})
}

// post передает событие в цикл попытки. После завершения попытки события отбрасываются.
func (a *attempt) post(ev SessionEvent) {
	switch ev.Type {
	case SessionICECandidate, SessionICEGatheringComplete:
		return
	}
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

// outcome итог попытки.
type outcome struct {
	call *Call
	err  error
}

func settle(call *Call, err error) *outcome {
	return &outcome{call: call, err: err}
}

// handle обрабатывает событие сессии. nil означает, что попытка продолжается.
func (a *attempt) handle(ev SessionEvent) *outcome {
	switch ev.Type {
	case sessionBound:
		a.setState(StateNegotiating)
		a.log.Debug("attempt.handle: session bound", slog.String("session", a.session.ID()))
	case SessionConfirmed:
		a.confirmed = true
		a.log.Debug("attempt.handle: confirmed")
	case SessionConnectionState, SessionICEConnectionState:
		a.log.Debug("attempt.handle: "+ev.Type.String(), slog.String("state", ev.State))
		if ev.State == StateConnected {
			a.mediaConnected = true
		}
	case SessionFailed, SessionEnded:
		cause := ev.Cause
		if cause == nil {
			cause = errors.Errorf("сессия завершена (%s, %s)", ev.Type, ev.Originator)
		}
		// если дедлайн уже наступил, причиной считается он
		if !time.Now().Before(a.deadline) {
			return settle(a.abort(&CallCreationTimedOutError{Address: a.conn.details.SIPAddress, Timeout: a.opts.Timeout}))
		}
		return settle(a.fail(&NegotiationFailedError{Cause: cause}))
	}

	if a.confirmed && a.mediaConnected {
		return settle(a.succeed(), nil)
	}
	return nil
}

func (a *attempt) succeed() *Call {
	a.mu.Lock()
	a.settled = true
	s, end, ice, unsubscribe := a.session, a.end, a.ice, a.unsubscribe
	a.mu.Unlock()

	unsubscribe()
	ice.Stop()
	a.setState(StateConfirmed)

	media := &MediaStream{}
	for _, t := range s.ReceiverTracks() {
		if t.Kind() == MediaKindAudio {
			media.Tracks = append(media.Tracks, t)
		}
	}

	call := newCall(a.id, s, media, end, a.fsm, a.log, a.conn.observer)
	a.log.Info("Call established", slog.Int("audioTracks", len(media.Tracks)))
	return call
}

func (a *attempt) fail(err error) (*Call, error) {
	a.release()
	a.setState(StateFailed)
	a.log.Warn("Call failed", slog.String("error", err.Error()))
	return nil, err
}

func (a *attempt) abort(err error) (*Call, error) {
	a.conn.ua.TerminateSessions()
	a.release()
	a.setState(StateAborted)
	a.log.Warn("Call aborted", slog.String("error", err.Error()))
	return nil, err
}

// release снимает все подписки попытки.
func (a *attempt) release() {
	a.mu.Lock()
	a.settled = true
	end, ice, unsubscribe := a.end, a.ice, a.unsubscribe
	a.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if ice != nil {
		ice.Stop()
	}
	if end != nil {
		end.release()
	}
}

func (a *attempt) setState(dst CallState) {
	if err := transition(a.fsm, dst); err != nil {
		a.log.Debug("attempt.setState", slog.String("to", string(dst)), slog.String("error", err.Error()))
	}
}

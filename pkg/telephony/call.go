package telephony

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// DialogIDHeader заголовок ответа с идентификатором диалога CVG.
const DialogIDHeader = "X-CVG-DialogID"

// endObserver одноразовый наблюдатель завершения сессии. Подписывается при
// привязке сессии к попытке, поэтому завершение не теряется между
// подтверждением и созданием Call.
type endObserver struct {
	mu          sync.Mutex
	fired       bool
	event       SessionEvent
	then        func(SessionEvent)
	unsubscribe func()
}

func watchEnd(s Session) *endObserver {
	o := &endObserver{}
	unsubscribe := s.OnEvent(o.handle)

	o.mu.Lock()
	if o.fired {
		o.mu.Unlock()
		unsubscribe()
		return o
	}
	o.unsubscribe = unsubscribe
	o.mu.Unlock()
	return o
}

func (o *endObserver) handle(ev SessionEvent) {
	if ev.Type != SessionEnded && ev.Type != SessionFailed {
		return
	}
	o.mu.Lock()
	if o.fired {
		o.mu.Unlock()
		return
	}
	o.fired = true
	o.event = ev
	fn := o.then
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if fn != nil {
		fn(ev)
	}
}

// onEnd устанавливает обработчик завершения. Если сессия уже завершилась,
// обработчик вызывается сразу.
func (o *endObserver) onEnd(fn func(SessionEvent)) {
	o.mu.Lock()
	if o.fired {
		ev := o.event
		o.mu.Unlock()
		fn(ev)
		return
	}
	o.then = fn
	o.mu.Unlock()
}

// release снимает подписку без вызова обработчика.
func (o *endObserver) release() {
	o.mu.Lock()
	o.fired = true
	o.then = nil
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// Call установленный звонок.
type Call struct {
	id       string
	session  Session
	media    *MediaStream
	accept   []Header
	fsm      *fsm.FSM
	log      *slog.Logger
	observer Observer
	started  time.Time

	done chan struct{}

	mu    sync.Mutex
	ended bool
	err   error
}

func newCall(id string, s Session, media *MediaStream, end *endObserver, m *fsm.FSM, log *slog.Logger, observer Observer) *Call {
	c := &Call{
		id:       id,
		session:  s,
		media:    media,
		accept:   s.AcceptHeaders(),
		fsm:      m,
		log:      log,
		observer: observer,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	end.onEnd(c.finish)
	return c
}

// finish завершает звонок. Вызывается ровно один раз наблюдателем завершения.
func (c *Call) finish(ev SessionEvent) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	if ev.Type == SessionFailed {
		c.err = ev.Cause
		if c.err == nil {
			c.err = errors.Errorf("сессия завершилась ошибкой (%s)", ev.Originator)
		}
	}
	c.mu.Unlock()

	if err := transition(c.fsm, StateEnded); err != nil {
		c.log.Debug("Call.finish", slog.String("error", err.Error()))
	}
	duration := time.Since(c.started)
	c.log.Info("Call ended",
		slog.String("originator", string(ev.Originator)),
		slog.Duration("duration", duration))
	if c.observer != nil {
		c.observer.CallEnded(duration)
	}
	close(c.done)
}

// ID идентификатор попытки, создавшей звонок.
func (c *Call) ID() string {
	return c.id
}

// State текущее состояние автомата звонка.
func (c *Call) State() CallState {
	return CallState(c.fsm.Current())
}

// Media входящий звук.
func (c *Call) Media() *MediaStream {
	return c.media
}

// AcceptHeaders заголовки ответа, принявшего звонок.
func (c *Call) AcceptHeaders() []Header {
	return c.accept
}

// DialogID идентификатор диалога из заголовков ответа, пустая строка если его нет.
func (c *Call) DialogID() string {
	id, _ := HeaderValue(c.accept, DialogIDHeader)
	return id
}

// Done закрывается, когда звонок завершился по любой причине.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Err причина завершения. nil пока звонок идет и при штатном завершении любой стороной.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait ждет завершения звонка.
func (c *Call) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Call) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// SendTone отправляет один DTMF символ. После завершения звонка возвращает ErrCallEnded.
func (c *Call) SendTone(tone string) error {
	t, ok := LookupTone(tone)
	if !ok {
		return errors.Wrapf(ErrUnknownTone, "%q", tone)
	}
	if c.isEnded() {
		return ErrCallEnded
	}
	c.log.Debug("Call.SendTone", slog.String("tone", t.Symbol))
	if err := c.session.SendDTMF(t.Symbol); err != nil {
		return errors.Wrap(err, "не удалось отправить DTMF")
	}
	return nil
}

// SetMicrophoneMuted включает или выключает микрофон. Состояние сессии
// меняется только если отличается от запрошенного.
func (c *Call) SetMicrophoneMuted(muted bool) error {
	if c.isEnded() {
		return ErrCallEnded
	}
	if c.session.Muted() == muted {
		return nil
	}
	c.log.Debug("Call.SetMicrophoneMuted", slog.Bool("muted", muted))
	return c.session.SetMuted(muted)
}

// Drop завершает звонок. Done закрывается тем же путем, что и при завершении
// удаленной стороной. Для завершенного звонка ничего не делает.
func (c *Call) Drop() error {
	if c.isEnded() {
		return nil
	}
	c.log.Debug("Call.Drop")
	if err := c.session.Terminate(); err != nil {
		return errors.Wrap(err, "не удалось завершить сессию")
	}
	return nil
}

// MicrophoneMuted текущее состояние микрофона.
func (c *Call) MicrophoneMuted() bool {
	return c.session.Muted()
}

package telephony

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultICEGatheringTimeout пауза между кандидатами, после которой
	// согласование продолжается без ожидания конца сбора
	DefaultICEGatheringTimeout = 250 * time.Millisecond
)

// resettableTimer таймер с перезапуском. Срабатывает не более одного раза:
// после срабатывания или Stop перезапуск игнорируется.
type resettableTimer struct {
	d  time.Duration
	fn func()

	mu      sync.Mutex
	t       *time.Timer
	gen     uint64
	stopped bool
}

func newResettableTimer(d time.Duration, fn func()) *resettableTimer {
	return &resettableTimer{d: d, fn: fn}
}

// Reset запускает отсчет заново.
func (t *resettableTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.t = time.AfterFunc(t.d, func() { t.fire(gen) })
}

// Stop отменяет таймер навсегда.
func (t *resettableTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
}

func (t *resettableTimer) fire(gen uint64) {
	t.mu.Lock()
	// срабатывание от предыдущего Reset, который не успели остановить
	if t.stopped || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	t.fn()
}

// iceSupervisor ускоряет сбор ICE кандидатов: если новых кандидатов нет
// дольше timeout, вызывает продолжение из первого события кандидата.
// После первого "gathering complete" таймер отменяется и подписка снимается,
// так что продолжение не может быть вызвано после того, как сессия пошла дальше сама.
type iceSupervisor struct {
	log   *slog.Logger
	timer *resettableTimer

	mu          sync.Mutex
	ready       func()
	finished    bool
	unsubscribe func()
}

func superviseICE(s Session, timeout time.Duration, log *slog.Logger) *iceSupervisor {
	sv := &iceSupervisor{log: log}
	sv.timer = newResettableTimer(timeout, sv.expire)

	unsubscribe := s.OnEvent(sv.handle)

	sv.mu.Lock()
	finished := sv.finished
	if !finished {
		sv.unsubscribe = unsubscribe
	}
	sv.mu.Unlock()
	if finished {
		unsubscribe()
	}
	return sv
}

func (sv *iceSupervisor) handle(ev SessionEvent) {
	switch ev.Type {
	case SessionICECandidate:
		sv.mu.Lock()
		if sv.finished {
			sv.mu.Unlock()
			return
		}
		if sv.ready == nil {
			sv.ready = ev.Ready
		}
		sv.mu.Unlock()

		sv.log.Debug("iceSupervisor.candidate", slog.String("candidate", ev.Candidate))
		sv.timer.Reset()
	case SessionICEGatheringComplete:
		sv.log.Debug("iceSupervisor.gatheringComplete")
		sv.Stop()
	}
}

// expire вызывается таймером: кандидатов не было дольше timeout.
func (sv *iceSupervisor) expire() {
	sv.mu.Lock()
	if sv.finished {
		sv.mu.Unlock()
		return
	}
	ready := sv.ready
	sv.finished = true
	unsubscribe := sv.unsubscribe
	sv.unsubscribe = nil
	sv.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if ready != nil {
		sv.log.Debug("iceSupervisor.expire: proceeding with gathered candidates")
		ready()
	}
}

// Stop прекращает наблюдение без вызова продолжения.
func (sv *iceSupervisor) Stop() {
	sv.timer.Stop()

	sv.mu.Lock()
	sv.finished = true
	unsubscribe := sv.unsubscribe
	sv.unsubscribe = nil
	sv.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

package telephony

import (
	"sync"
	"time"
)

// fakeUA user agent для тестов. Обработчики вызываются вне блокировки,
// как это делает sipws.
type fakeUA struct {
	mu         sync.Mutex
	handlers   map[int]func(UAEvent)
	next       int
	config     UserAgentConfig
	started    int
	stopped    int
	terminated int
	sessions   []*fakeSession
	targets    []string
	options    []SessionOptions

	startErr error
	onStart  func(ua *fakeUA)
	onCall   func(ua *fakeUA, target string) error
}

func newFakeUA() *fakeUA {
	return &fakeUA{handlers: make(map[int]func(UAEvent))}
}

// registering user agent, который сразу сообщает об успешной регистрации.
func newRegisteringUA() *fakeUA {
	ua := newFakeUA()
	ua.onStart = func(ua *fakeUA) { ua.emit(UAEvent{Type: UARegistered}) }
	return ua
}

func (ua *fakeUA) factory() UserAgentFactory {
	return func(cfg UserAgentConfig) (UserAgent, error) {
		ua.mu.Lock()
		ua.config = cfg
		ua.mu.Unlock()
		return ua, nil
	}
}

func (ua *fakeUA) Start() error {
	ua.mu.Lock()
	ua.started++
	onStart := ua.onStart
	ua.mu.Unlock()
	if ua.startErr != nil {
		return ua.startErr
	}
	if onStart != nil {
		onStart(ua)
	}
	return nil
}

func (ua *fakeUA) Stop() {
	ua.mu.Lock()
	ua.stopped++
	sessions := append([]*fakeSession(nil), ua.sessions...)
	ua.mu.Unlock()

	for _, s := range sessions {
		s.end(OriginatorLocal, nil)
	}
	ua.emit(UAEvent{Type: UAUnregistered})
}

func (ua *fakeUA) OnEvent(handler func(UAEvent)) func() {
	ua.mu.Lock()
	id := ua.next
	ua.next++
	ua.handlers[id] = handler
	ua.mu.Unlock()
	return func() {
		ua.mu.Lock()
		delete(ua.handlers, id)
		ua.mu.Unlock()
	}
}

func (ua *fakeUA) emit(ev UAEvent) {
	ua.mu.Lock()
	handlers := make([]func(UAEvent), 0, len(ua.handlers))
	for _, h := range ua.handlers {
		handlers = append(handlers, h)
	}
	ua.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (ua *fakeUA) Call(target string, opts SessionOptions) error {
	ua.mu.Lock()
	ua.targets = append(ua.targets, target)
	ua.options = append(ua.options, opts)
	onCall := ua.onCall
	ua.mu.Unlock()
	if onCall != nil {
		return onCall(ua, target)
	}
	return nil
}

func (ua *fakeUA) TerminateSessions() {
	ua.mu.Lock()
	ua.terminated++
	sessions := append([]*fakeSession(nil), ua.sessions...)
	ua.mu.Unlock()
	for _, s := range sessions {
		s.end(OriginatorLocal, nil)
	}
}

// deliver создает сессию и синхронно отдает ее событием UANewSession.
func (ua *fakeUA) deliver(s *fakeSession) {
	ua.mu.Lock()
	ua.sessions = append(ua.sessions, s)
	ua.mu.Unlock()
	ua.emit(UAEvent{Type: UANewSession, Session: s})
}

func (ua *fakeUA) counters() (stopped, terminated int) {
	ua.mu.Lock()
	defer ua.mu.Unlock()
	return ua.stopped, ua.terminated
}

type fakeTrack struct {
	id   string
	kind MediaKind
}

func (t fakeTrack) ID() string      { return t.id }
func (t fakeTrack) Kind() MediaKind { return t.kind }

type fakeSession struct {
	id string

	mu        sync.Mutex
	handlers  map[int]func(SessionEvent)
	next      int
	filter    func(string) string
	tracks    []MediaTrack
	accept    []Header
	muted     bool
	muteCalls int
	tones     []string
	ended     bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{
		id:       id,
		handlers: make(map[int]func(SessionEvent)),
		tracks: []MediaTrack{
			fakeTrack{id: id + "-audio", kind: MediaKindAudio},
			fakeTrack{id: id + "-video", kind: MediaKindVideo},
		},
	}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) OnEvent(handler func(SessionEvent)) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.handlers[id] = handler
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

func (s *fakeSession) emit(ev SessionEvent) {
	s.mu.Lock()
	handlers := make([]func(SessionEvent), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (s *fakeSession) subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

func (s *fakeSession) SetOfferFilter(filter func(string) string) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

func (s *fakeSession) offerFilter() func(string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

func (s *fakeSession) ReceiverTracks() []MediaTrack { return s.tracks }

func (s *fakeSession) AcceptHeaders() []Header { return s.accept }

func (s *fakeSession) SendDTMF(tone string) error {
	s.mu.Lock()
	s.tones = append(s.tones, tone)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) sentTones() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tones...)
}

func (s *fakeSession) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *fakeSession) SetMuted(muted bool) error {
	s.mu.Lock()
	s.muted = muted
	s.muteCalls++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Terminate() error {
	s.end(OriginatorLocal, nil)
	return nil
}

// end завершает сессию один раз: повторные вызовы ничего не делают.
func (s *fakeSession) end(originator Originator, cause error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()
	s.emit(SessionEvent{Type: SessionEnded, Originator: originator, Cause: cause})
}

func (s *fakeSession) isEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// establish имитирует успешное согласование: подтверждение и готовность медиа.
func (s *fakeSession) establish() {
	s.emit(SessionEvent{Type: SessionConfirmed})
	s.emit(SessionEvent{Type: SessionICEConnectionState, State: StateConnected})
}

type fakeObserver struct {
	mu            sync.Mutex
	registrations []error
	calls         []error
	ended         int
}

func (o *fakeObserver) RegistrationSettled(err error, _ time.Duration) {
	o.mu.Lock()
	o.registrations = append(o.registrations, err)
	o.mu.Unlock()
}

func (o *fakeObserver) CallSettled(err error, _ time.Duration) {
	o.mu.Lock()
	o.calls = append(o.calls, err)
	o.mu.Unlock()
}

func (o *fakeObserver) CallEnded(time.Duration) {
	o.mu.Lock()
	o.ended++
	o.mu.Unlock()
}

func (o *fakeObserver) endedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ended
}

func testDetails() AuthenticationDetails {
	return AuthenticationDetails{
		Username:      "caller",
		Password:      "secret",
		SIPAddress:    "sip:caller@cvg.example.com",
		WebsocketURIs: []string{"wss://edge1.example.com/ws", "wss://edge2.example.com/ws"},
		StunURIs:      []string{"stun:stun.example.com:3478"},
		TurnURIs:      []string{"turn:turn.example.com:3478"},
	}
}

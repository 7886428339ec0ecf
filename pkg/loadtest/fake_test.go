package loadtest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/arzzra/webcall/pkg/cvg"
	"github.com/arzzra/webcall/pkg/telephony"
)

// fakeBackend выдает учетные данные и журналы диалогов из greetings.
type fakeBackend struct {
	authErr   error
	greetings map[string]int

	mu    sync.Mutex
	auths int
	asked []string
}

func (b *fakeBackend) Authenticate(ctx context.Context, _ string) (telephony.AuthenticationDetails, error) {
	b.mu.Lock()
	b.auths++
	b.mu.Unlock()
	if b.authErr != nil {
		return telephony.AuthenticationDetails{}, b.authErr
	}
	return telephony.AuthenticationDetails{
		Username:      "caller",
		Password:      "secret",
		SIPAddress:    "sip:caller@cvg.example.com",
		WebsocketURIs: []string{"wss://edge.example.com/ws"},
	}, ctx.Err()
}

func (b *fakeBackend) DialogData(_ context.Context, _, dialogID string) (*cvg.DialogData, error) {
	b.mu.Lock()
	b.asked = append(b.asked, dialogID)
	b.mu.Unlock()

	data := &cvg.DialogData{DialogID: dialogID}
	for i := 0; i < b.greetings[dialogID]; i++ {
		data.Data = append(data.Data, &cvg.SynthesisEntry{Base: cvg.Base{Kind: cvg.EntrySynthesis}})
	}
	data.Data = append(data.Data, &cvg.EndEntry{Base: cvg.Base{Kind: cvg.EntryEnd}})
	return data, nil
}

func (b *fakeBackend) DialogDataURL(_, dialogID string) string {
	return "https://cvg.example.com/dialog/" + dialogID
}

// fakeNetwork фабрика user agent'ов: каждый звонок получает новый UA,
// сессии нумеруются по порядку.
type fakeNetwork struct {
	noDialogID bool
	sessions   atomic.Int32
	agents     atomic.Int32

	mu    sync.Mutex
	calls []telephony.SessionOptions
}

func (n *fakeNetwork) placed() []telephony.SessionOptions {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]telephony.SessionOptions(nil), n.calls...)
}

func (n *fakeNetwork) factory() telephony.UserAgentFactory {
	return func(telephony.UserAgentConfig) (telephony.UserAgent, error) {
		n.agents.Add(1)
		return &fakeUA{net: n, handlers: make(map[int]func(telephony.UAEvent))}, nil
	}
}

type fakeUA struct {
	net *fakeNetwork

	mu       sync.Mutex
	handlers map[int]func(telephony.UAEvent)
	next     int
	sessions []*fakeSession
}

func (ua *fakeUA) Start() error {
	ua.emit(telephony.UAEvent{Type: telephony.UARegistered})
	return nil
}

func (ua *fakeUA) Stop() {
	ua.TerminateSessions()
	ua.emit(telephony.UAEvent{Type: telephony.UAUnregistered})
}

func (ua *fakeUA) OnEvent(handler func(telephony.UAEvent)) func() {
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

func (ua *fakeUA) emit(ev telephony.UAEvent) {
	ua.mu.Lock()
	handlers := make([]func(telephony.UAEvent), 0, len(ua.handlers))
	for _, h := range ua.handlers {
		handlers = append(handlers, h)
	}
	ua.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (ua *fakeUA) Call(_ string, opts telephony.SessionOptions) error {
	ua.net.mu.Lock()
	ua.net.calls = append(ua.net.calls, opts)
	ua.net.mu.Unlock()

	n := ua.net.sessions.Add(1)
	s := newFakeSession(fmt.Sprintf("dlg-%d", n))
	if ua.net.noDialogID {
		s.accept = nil
	}
	ua.mu.Lock()
	ua.sessions = append(ua.sessions, s)
	ua.mu.Unlock()

	ua.emit(telephony.UAEvent{Type: telephony.UANewSession, Session: s})
	go func() {
		s.emit(telephony.SessionEvent{Type: telephony.SessionConfirmed})
		s.emit(telephony.SessionEvent{Type: telephony.SessionICEConnectionState, State: telephony.StateConnected})
	}()
	return nil
}

func (ua *fakeUA) TerminateSessions() {
	ua.mu.Lock()
	sessions := append([]*fakeSession(nil), ua.sessions...)
	ua.mu.Unlock()
	for _, s := range sessions {
		_ = s.Terminate()
	}
}

type fakeSession struct {
	id     string
	accept []telephony.Header

	mu       sync.Mutex
	handlers map[int]func(telephony.SessionEvent)
	next     int
	ended    bool
	track    *fakeTrack
}

func newFakeSession(dialogID string) *fakeSession {
	return &fakeSession{
		id:       "session-" + dialogID,
		accept:   []telephony.Header{{Name: "X-Cvg-DialogId", Value: dialogID}},
		handlers: make(map[int]func(telephony.SessionEvent)),
	}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) OnEvent(handler func(telephony.SessionEvent)) func() {
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

func (s *fakeSession) emit(ev telephony.SessionEvent) {
	s.mu.Lock()
	handlers := make([]func(telephony.SessionEvent), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (s *fakeSession) SetOfferFilter(func(string) string) {}

func (s *fakeSession) ReceiverTracks() []telephony.MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		s.track = newFakeTrack(s.id+"-audio", 3)
	}
	return []telephony.MediaTrack{s.track}
}

func (s *fakeSession) AcceptHeaders() []telephony.Header { return s.accept }

func (s *fakeSession) SendDTMF(string) error { return nil }

func (s *fakeSession) Muted() bool { return false }

func (s *fakeSession) SetMuted(bool) error { return nil }

func (s *fakeSession) Terminate() error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	track := s.track
	s.mu.Unlock()

	// удаленная сторона досылает звук до BYE
	if track != nil {
		select {
		case <-track.drained:
		case <-time.After(time.Second):
		}
	}
	s.emit(telephony.SessionEvent{Type: telephony.SessionEnded, Originator: telephony.OriginatorLocal})
	return nil
}

// fakeTrack входящий трек, отдающий packets пакетов по 160 байт.
// drained закрывается, когда прочитан конец потока.
type fakeTrack struct {
	id      string
	packets int
	drained chan struct{}

	mu   sync.Mutex
	sent int
	eof  bool
}

func newFakeTrack(id string, packets int) *fakeTrack {
	return &fakeTrack{id: id, packets: packets, drained: make(chan struct{})}
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) Kind() telephony.MediaKind { return telephony.MediaKindAudio }

func (t *fakeTrack) ReadPacket() (*rtp.Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sent >= t.packets {
		if !t.eof {
			t.eof = true
			close(t.drained)
		}
		return nil, io.EOF
	}
	t.sent++
	return &rtp.Packet{
		Header:  rtp.Header{SequenceNumber: uint16(t.sent)},
		Payload: make([]byte, 160),
	}, nil
}

// fakeMetrics запоминает классификации.
type fakeMetrics struct {
	mu        sync.Mutex
	results   map[string]int
	calls     int
	tasks     int
	maxActive int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{results: make(map[string]int)}
}

func (m *fakeMetrics) RegistrationSettled(error, time.Duration) {}

func (m *fakeMetrics) CallSettled(error, time.Duration) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

func (m *fakeMetrics) CallEnded(time.Duration) {}

func (m *fakeMetrics) QueueChanged(_, active int) {
	m.mu.Lock()
	if active > m.maxActive {
		m.maxActive = active
	}
	m.mu.Unlock()
}

func (m *fakeMetrics) TaskSettled(error) {
	m.mu.Lock()
	m.tasks++
	m.mu.Unlock()
}

func (m *fakeMetrics) GreetingClassified(result string) {
	m.mu.Lock()
	m.results[result]++
	m.mu.Unlock()
}

func (m *fakeMetrics) snapshot() (results map[string]int, calls, tasks, maxActive int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results = make(map[string]int, len(m.results))
	for k, v := range m.results {
		results[k] = v
	}
	return results, m.calls, m.tasks, m.maxActive
}

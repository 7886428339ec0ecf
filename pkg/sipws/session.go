package sipws

import (
	"context"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/webcall/pkg/rtcmedia"
	"github.com/arzzra/webcall/pkg/telephony"
)

// dialogState идентификаторы и адреса INVITE диалога.
type dialogState struct {
	callID    string
	localTag  string
	remoteTag string

	local        sip.Uri
	target       sip.Uri
	contact      sip.Uri
	remoteTarget sip.Uri
	routes       []sip.Uri

	cseq uint32
}

func (d *dialogState) nextCSeq() uint32 {
	d.cseq++
	return d.cseq
}

// confirm запоминает тег, Contact и Record-Route из ответа 2xx.
func (d *dialogState) confirm(res *sip.Response) {
	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.remoteTag = tag
		}
	}
	d.remoteTarget = d.target
	if c := res.Contact(); c != nil {
		d.remoteTarget = c.Address
	}
	d.routes = d.routes[:0]
	for _, h := range res.GetHeaders("Record-Route") {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			d.routes = append(d.routes, rr.Address)
		}
	}
}

type sessionState int

const (
	// sessionCalling offer создан, кандидаты собираются
	sessionCalling sessionState = iota
	sessionInviting
	sessionConfirmed
	sessionEnded
)

// session исходящий звонок: INVITE диалог и peer connection.
// Реализует telephony.Session.
type session struct {
	id      string
	ua      *UA
	ep      *Endpoint
	headers []telephony.Header
	log     *slog.Logger
	peer    *rtcmedia.Peer

	events registry[telephony.SessionEvent]

	// inviteCtx отменяется при локальном завершении до ответа на INVITE
	inviteCtx    context.Context
	cancelInvite context.CancelFunc
	proceedOnce  sync.Once

	mu          sync.Mutex
	state       sessionState
	terminating bool
	dialog      dialogState
	filter      func(string) string
	accept      []telephony.Header
}

func newSession(u *UA, ep *Endpoint, target sip.Uri, headers []telephony.Header) *session {
	callID := uuid.NewString()
	s := &session{
		id:      callID,
		ua:      u,
		ep:      ep,
		headers: headers,
		log:     u.log.With(slog.String("callID", callID)),
		dialog: dialogState{
			callID:   callID,
			localTag: newTag(),
			local:    u.reg.aor,
			target:   target,
			contact:  u.reg.contact,
		},
	}
	s.inviteCtx, s.cancelInvite = context.WithCancel(context.Background())
	return s
}

func (s *session) ID() string { return s.id }

func (s *session) OnEvent(handler func(telephony.SessionEvent)) func() {
	return s.events.add(handler)
}

func (s *session) emit(ev telephony.SessionEvent) {
	s.events.emit(ev)
}

func (s *session) SetOfferFilter(filter func(sdp string) string) {
	s.mu.Lock()
	s.filter = filter
	s.mu.Unlock()
}

func (s *session) offerFilter() func(string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter
}

func (s *session) peerHandlers() rtcmedia.Handlers {
	return rtcmedia.Handlers{
		Candidate: func(candidate string) {
			s.emit(telephony.SessionEvent{Type: telephony.SessionICECandidate, Candidate: candidate, Ready: s.proceed})
		},
		GatheringComplete: func() {
			s.emit(telephony.SessionEvent{Type: telephony.SessionICEGatheringComplete})
			s.proceed()
		},
		ConnectionState: func(state string) {
			s.emit(telephony.SessionEvent{Type: telephony.SessionConnectionState, State: state})
		},
		ICEConnectionState: func(state string) {
			s.emit(telephony.SessionEvent{Type: telephony.SessionICEConnectionState, State: state})
		},
	}
}

// proceed отправляет INVITE с уже собранными кандидатами. Срабатывает один раз.
func (s *session) proceed() {
	s.proceedOnce.Do(func() {
		s.mu.Lock()
		if s.state != sessionCalling {
			s.mu.Unlock()
			return
		}
		s.state = sessionInviting
		s.mu.Unlock()
		go s.invite()
	})
}

func (s *session) invite() {
	ctx := s.inviteCtx
	body := s.peer.LocalDescription()

	var auth sip.Header
	for attempt := 0; ; attempt++ {
		s.mu.Lock()
		req := inviteRequest(&s.dialog, s.ep, body, s.headers, s.ua.cfg.UserAgent, auth)
		s.mu.Unlock()

		res, err := s.transact(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				s.end(telephony.SessionEnded, telephony.OriginatorLocal, nil)
				return
			}
			s.end(telephony.SessionFailed, telephony.OriginatorSystem, errors.Wrap(err, "INVITE не доставлен"))
			return
		}

		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			s.confirm(req, res)
			return
		case isAuthChallenge(res) && attempt == 0:
			s.log.Debug("session.invite: auth requested", slog.Int("status", int(res.StatusCode)))
			s.mu.Lock()
			target := s.dialog.target
			s.mu.Unlock()
			if auth, err = authorization(res, sip.INVITE, target.String(), s.ua.username, s.ua.password); err != nil {
				s.end(telephony.SessionFailed, telephony.OriginatorSystem, err)
				return
			}
		default:
			s.end(telephony.SessionFailed, telephony.OriginatorRemote, statusError(sip.INVITE, res))
			return
		}
	}
}

// transact ждет финальный ответ на INVITE. При отмене ctx отправляет CANCEL.
func (s *session) transact(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := s.ua.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				s.log.Debug("session.transact: provisional", slog.Int("status", int(res.StatusCode)))
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("транзакция INVITE завершилась без ответа")
		case <-ctx.Done():
			s.cancel(req, tx)
			return nil, ctx.Err()
		}
	}
}

// cancel отменяет INVITE. Если 2xx все же пришел, диалог подтверждается и
// сразу закрывается BYE.
func (s *session) cancel(invite *sip.Request, tx sip.ClientTransaction) {
	ctx, cancel := context.WithTimeout(context.Background(), s.ua.cfg.RequestTimeout)
	defer cancel()

	res, err := s.ua.client.Do(ctx, cancelRequest(invite, s.ep))
	if err != nil {
		s.log.Warn("session.cancel: CANCEL failed", slog.String("error", err.Error()))
		return
	}
	s.log.Debug("session.cancel", slog.Int("status", int(res.StatusCode)))

	for {
		select {
		case res := <-tx.Responses():
			if res.StatusCode < 200 {
				continue
			}
			if res.StatusCode < 300 {
				s.mu.Lock()
				s.dialog.confirm(res)
				s.mu.Unlock()
				s.ack(invite)
				if err := s.bye(); err != nil {
					s.log.Warn("session.cancel: BYE failed", slog.String("error", err.Error()))
				}
			}
			return
		case <-tx.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *session) confirm(invite *sip.Request, res *sip.Response) {
	s.mu.Lock()
	s.dialog.confirm(res)
	s.accept = headersOf(res)
	s.mu.Unlock()

	s.ack(invite)

	if err := s.peer.SetAnswer(string(res.Body())); err != nil {
		if byeErr := s.bye(); byeErr != nil {
			s.log.Warn("session.confirm: BYE failed", slog.String("error", byeErr.Error()))
		}
		s.end(telephony.SessionFailed, telephony.OriginatorSystem, err)
		return
	}

	s.mu.Lock()
	if s.state == sessionEnded {
		s.mu.Unlock()
		return
	}
	terminating := s.terminating
	s.state = sessionConfirmed
	s.mu.Unlock()

	if terminating {
		_ = s.bye()
		s.end(telephony.SessionEnded, telephony.OriginatorLocal, nil)
		return
	}
	s.log.Info("session confirmed")
	s.emit(telephony.SessionEvent{Type: telephony.SessionConfirmed})
}

// ack подтверждает 2xx. ACK не ждет ответа и уходит прямо в транспорт.
func (s *session) ack(invite *sip.Request) {
	s.mu.Lock()
	ack := ackRequest(invite, &s.dialog, s.ep)
	s.mu.Unlock()
	if err := s.ua.client.WriteRequest(ack); err != nil {
		s.log.Warn("session.ack", slog.String("error", err.Error()))
	}
}

// request отправляет запрос внутри диалога и проверяет финальный ответ.
func (s *session) request(req *sip.Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.ua.cfg.RequestTimeout)
	defer cancel()

	res, err := s.ua.client.Do(ctx, req)
	if err != nil {
		return errors.Wrapf(err, "ошибка отправки %s", req.Method)
	}
	if res.StatusCode >= 300 {
		return statusError(req.Method, res)
	}
	return nil
}

func (s *session) bye() error {
	s.mu.Lock()
	req := inDialogRequest(sip.BYE, &s.dialog, s.ep)
	s.mu.Unlock()
	return s.request(req)
}

// end переводит сессию в конечное состояние и сообщает об этом один раз.
func (s *session) end(t telephony.SessionEventType, originator telephony.Originator, cause error) {
	s.mu.Lock()
	if s.state == sessionEnded {
		s.mu.Unlock()
		return
	}
	s.state = sessionEnded
	s.mu.Unlock()

	s.cancelInvite()
	s.ua.forget(s)
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			s.log.Debug("session.end: peer close", slog.String("error", err.Error()))
		}
	}

	log := s.log.With(slog.String("event", t.String()), slog.String("originator", string(originator)))
	if cause != nil {
		log.Info("session ended", slog.String("cause", cause.Error()))
	} else {
		log.Info("session ended")
	}
	s.emit(telephony.SessionEvent{Type: t, Originator: originator, Cause: cause})
}

func (s *session) ReceiverTracks() []telephony.MediaTrack {
	return s.peer.ReceiverTracks()
}

func (s *session) AcceptHeaders() []telephony.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telephony.Header(nil), s.accept...)
}

// SendDTMF отправляет тон в INFO запросе application/dtmf-relay.
func (s *session) SendDTMF(tone string) error {
	if _, ok := telephony.LookupTone(tone); !ok {
		return errors.Wrapf(telephony.ErrUnknownTone, "%q", tone)
	}

	s.mu.Lock()
	if s.state != sessionConfirmed {
		s.mu.Unlock()
		return errors.New("сессия не подтверждена")
	}
	req := inDialogRequest(sip.INFO, &s.dialog, s.ep)
	s.mu.Unlock()

	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeDTMFRelay))
	req.SetBody([]byte(dtmfRelayBody(tone, s.ua.cfg.DTMFDuration)))
	s.log.Debug("session.SendDTMF", slog.String("tone", tone))
	return s.request(req)
}

func (s *session) Muted() bool {
	return s.peer.Muted()
}

func (s *session) SetMuted(muted bool) error {
	return s.peer.SetMuted(muted)
}

// Terminate завершает сессию: до отправки INVITE сразу, во время INVITE
// через CANCEL, после подтверждения через BYE.
func (s *session) Terminate() error {
	s.mu.Lock()
	state := s.state
	if state == sessionInviting {
		s.terminating = true
	}
	s.mu.Unlock()

	switch state {
	case sessionCalling:
		s.end(telephony.SessionEnded, telephony.OriginatorLocal, nil)
	case sessionInviting:
		s.cancelInvite()
	case sessionConfirmed:
		err := s.bye()
		s.end(telephony.SessionEnded, telephony.OriginatorLocal, nil)
		return err
	}
	return nil
}

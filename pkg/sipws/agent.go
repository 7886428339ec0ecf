package sipws

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/webcall/pkg/rtcmedia"
	"github.com/arzzra/webcall/pkg/telephony"
)

// connError сервер недоступен: запрос не доставлен или ответ не получен.
// Такие ошибки переключают user agent на следующий endpoint.
type connError struct {
	endpoint string
	err      error
}

func (e *connError) Error() string {
	return "сигнальный сервер " + e.endpoint + " недоступен: " + e.err.Error()
}

func (e *connError) Unwrap() error { return e.err }

// registration состояние регистрации, общее для всех REGISTER одного user agent'а.
type registration struct {
	aor       sip.Uri
	contact   sip.Uri
	callID    string
	tag       string
	cseq      uint32
	userAgent string
}

// UA user agent поверх sipgo. Реализует telephony.UserAgent.
type UA struct {
	cfg       Config
	engine    *rtcmedia.Engine
	endpoints endpoints
	username  string
	password  string
	log       *slog.Logger

	sipUA  *sipgo.UserAgent
	client *sipgo.Client
	server *sipgo.Server

	events registry[telephony.UAEvent]

	mu         sync.Mutex
	reg        registration
	active     *Endpoint
	registered bool
	started    bool
	sessions   map[string]*session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// NewFactory фабрика user agent'ов с общей конфигурацией и медиа движком.
func NewFactory(cfg Config, engine *rtcmedia.Engine) telephony.UserAgentFactory {
	return func(uc telephony.UserAgentConfig) (telephony.UserAgent, error) {
		return New(cfg, engine, uc)
	}
}

// New создает user agent. Подключение начинается в Start.
func New(cfg Config, engine *rtcmedia.Engine, uc telephony.UserAgentConfig) (*UA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "некорректная конфигурация sipws")
	}
	if engine == nil {
		return nil, errors.New("не задан медиа движок")
	}
	eps, err := parseEndpoints(uc.Sockets)
	if err != nil {
		return nil, err
	}

	var aor sip.Uri
	if err := sip.ParseUri(uc.URI, &aor); err != nil {
		return nil, errors.Wrapf(err, "некорректный адрес регистрации %q", uc.URI)
	}
	username := uc.Username
	if username == "" {
		username = aor.User
	}

	u := &UA{
		cfg:       cfg,
		engine:    engine,
		endpoints: eps,
		username:  username,
		password:  uc.Password,
		log:       cfg.logger().With(slog.String("aor", aor.User+"@"+aor.Host)),
		sessions:  make(map[string]*session),
		reg: registration{
			aor:       aor,
			contact:   contactURI(aor.User),
			callID:    uuid.NewString(),
			tag:       newTag(),
			userAgent: cfg.UserAgent,
		},
	}
	u.ctx, u.cancel = context.WithCancel(context.Background())

	opts := []sipgo.UserAgentOption{sipgo.WithUserAgent(cfg.UserAgent)}
	if cfg.TLSConfig != nil {
		opts = append(opts, sipgo.WithUserAgenTLSConfig(cfg.TLSConfig))
	}
	if u.sipUA, err = sipgo.NewUA(opts...); err != nil {
		return nil, errors.Wrap(err, "ошибка создания User Agent")
	}
	if u.client, err = sipgo.NewClient(u.sipUA, sipgo.WithClientHostname(u.reg.contact.Host)); err != nil {
		_ = u.sipUA.Close()
		return nil, errors.Wrap(err, "ошибка создания клиента")
	}
	if u.server, err = sipgo.NewServer(u.sipUA); err != nil {
		_ = u.client.Close()
		_ = u.sipUA.Close()
		return nil, errors.Wrap(err, "ошибка создания сервера")
	}
	u.setupHandlers()
	return u, nil
}

// setupHandlers обработчики запросов, приходящих по нашим websocket соединениям.
func (u *UA) setupHandlers() {
	u.server.OnBye(u.handleBye)
	u.server.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		res.AppendHeader(sip.NewHeader("Allow", allowMethods))
		_ = tx.Respond(res)
	})
	u.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		u.log.Debug("UA.OnInvite: incoming call rejected", slog.String("from", req.From().Address.String()))
		_ = tx.Respond(sip.NewResponseFromRequest(req, 486, "Busy Here", nil))
	})
}

func (u *UA) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	var callID string
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	s := u.session(callID)
	if s == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
	s.log.Debug("UA.handleBye")
	s.end(telephony.SessionEnded, telephony.OriginatorRemote, nil)
}

// OnEvent подписывает обработчик событий.
func (u *UA) OnEvent(handler func(telephony.UAEvent)) func() {
	return u.events.add(handler)
}

func (u *UA) emit(t telephony.UAEventType, cause error) {
	u.log.Debug("UA.emit", slog.String("event", t.String()))
	u.events.emit(telephony.UAEvent{Type: t, Cause: cause})
}

// Start начинает подключение и регистрацию.
func (u *UA) Start() error {
	u.mu.Lock()
	if u.started {
		u.mu.Unlock()
		return errors.New("user agent уже запущен")
	}
	if u.ctx.Err() != nil {
		u.mu.Unlock()
		return errors.New("user agent остановлен")
	}
	u.started = true
	u.mu.Unlock()

	u.emit(telephony.UAConnecting, nil)
	u.wg.Add(1)
	go u.run(u.ctx)
	return nil
}

// run регистрация и ее обновление до остановки.
func (u *UA) run(ctx context.Context) {
	defer u.wg.Done()

	ep, granted, err := u.connect(ctx)
	if err != nil {
		u.lost(ctx, err)
		return
	}

	for {
		timer := time.NewTimer(time.Duration(float64(granted) * refreshRatio))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if granted, err = u.register(ctx, ep, u.cfg.Expires); err != nil {
			u.lost(ctx, err)
			return
		}
		u.log.Debug("UA.run: registration refreshed", slog.Duration("expires", granted))
	}
}

// connect перебирает endpoint'ы, пока один из них не ответит на REGISTER.
func (u *UA) connect(ctx context.Context) (*Endpoint, time.Duration, error) {
	var lastErr error
	for _, ep := range u.endpoints.ordered() {
		log := u.log.With(slog.String("endpoint", ep.String()))
		granted, err := u.register(ctx, ep, u.cfg.Expires)

		var ce *connError
		if errors.As(err, &ce) {
			ep.RecordFailure()
			log.Warn("UA.connect: endpoint unavailable", slog.String("error", err.Error()))
			lastErr = err
			if ctx.Err() != nil {
				return nil, 0, err
			}
			continue
		}

		ep.RecordSuccess()
		u.mu.Lock()
		u.active = ep
		u.mu.Unlock()
		u.emit(telephony.UAConnected, nil)
		if err != nil {
			return nil, 0, err
		}

		u.mu.Lock()
		u.registered = true
		u.mu.Unlock()
		log.Info("UA registered", slog.Duration("expires", granted))
		u.emit(telephony.UARegistered, nil)
		return ep, granted, nil
	}
	return nil, 0, lastErr
}

// lost сообщает о потере регистрации, если user agent не останавливается.
func (u *UA) lost(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	u.mu.Lock()
	u.registered = false
	u.mu.Unlock()

	var ce *connError
	if errors.As(err, &ce) {
		u.emit(telephony.UADisconnected, err)
		return
	}
	u.log.Warn("UA registration failed", slog.String("error", err.Error()))
	u.events.emit(telephony.UAEvent{Type: telephony.UARegistrationFailed, Cause: err})
}

// register отправляет REGISTER, при запросе авторизации повторяет его один раз
// с digest ответом. Возвращает выданный срок регистрации.
func (u *UA) register(ctx context.Context, ep *Endpoint, expires time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, u.cfg.RequestTimeout)
	defer cancel()

	var auth sip.Header
	for attempt := 0; ; attempt++ {
		u.mu.Lock()
		req := registerRequest(&u.reg, ep, expires, auth)
		u.mu.Unlock()

		res, err := u.client.Do(ctx, req)
		if err != nil {
			return 0, &connError{endpoint: ep.String(), err: err}
		}
		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			return grantedExpires(res, expires), nil
		case isAuthChallenge(res) && attempt == 0:
			if auth, err = authorization(res, sip.REGISTER, req.Recipient.String(), u.username, u.password); err != nil {
				return 0, err
			}
		default:
			return 0, statusError(sip.REGISTER, res)
		}
	}
}

// Call создает исходящую сессию. Сессия отдается подписчикам событием
// UANewSession до создания offer'а, поэтому фильтр offer'а и подписки на
// события сессии успевают установиться.
func (u *UA) Call(target string, opts telephony.SessionOptions) error {
	u.mu.Lock()
	ep, registered := u.active, u.registered
	aor := u.reg.aor
	u.mu.Unlock()

	if !registered {
		return errors.New("user agent не зарегистрирован")
	}
	if opts.Video {
		return errors.New("видео не поддерживается")
	}
	uri, err := normalizeTarget(target, aor)
	if err != nil {
		return err
	}

	s := newSession(u, ep, uri, opts.ExtraHeaders)
	peer, err := u.engine.NewPeer(rtcmedia.PeerConfig{
		ICEServers: opts.ICEServers,
		Input:      opts.Input,
	}, s.peerHandlers())
	if err != nil {
		return errors.Wrap(err, "не удалось создать медиа сессию")
	}
	s.peer = peer
	u.track(s)

	s.log.Debug("UA.Call", slog.String("target", uri.String()))
	u.events.emit(telephony.UAEvent{Type: telephony.UANewSession, Session: s})

	if err := peer.CreateOffer(s.offerFilter()); err != nil {
		s.end(telephony.SessionFailed, telephony.OriginatorSystem, err)
		return err
	}
	return nil
}

func (u *UA) track(s *session) {
	u.mu.Lock()
	u.sessions[s.id] = s
	u.mu.Unlock()
}

func (u *UA) forget(s *session) {
	u.mu.Lock()
	if u.sessions[s.id] == s {
		delete(u.sessions, s.id)
	}
	u.mu.Unlock()
}

func (u *UA) session(callID string) *session {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessions[callID]
}

// TerminateSessions завершает все сессии.
func (u *UA) TerminateSessions() {
	u.mu.Lock()
	sessions := make([]*session, 0, len(u.sessions))
	for _, s := range u.sessions {
		sessions = append(sessions, s)
	}
	u.mu.Unlock()

	for _, s := range sessions {
		if err := s.Terminate(); err != nil {
			s.log.Debug("UA.TerminateSessions", slog.String("error", err.Error()))
		}
	}
}

// Stop завершает сессии, снимает регистрацию и закрывает соединения.
func (u *UA) Stop() {
	u.stopOnce.Do(func() {
		u.cancel()
		u.wg.Wait()
		u.TerminateSessions()

		u.mu.Lock()
		ep, registered, started := u.active, u.registered, u.started
		u.registered = false
		u.mu.Unlock()

		if registered {
			if _, err := u.register(context.Background(), ep, 0); err != nil {
				u.log.Warn("UA.Stop: unregister failed", slog.String("error", err.Error()))
			}
			u.emit(telephony.UAUnregistered, nil)
		}

		_ = u.client.Close()
		_ = u.sipUA.Close()
		if started {
			u.emit(telephony.UADisconnected, nil)
		}
	})
}

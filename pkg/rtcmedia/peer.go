package rtcmedia

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/arzzra/webcall/pkg/sdpfilter"
	"github.com/arzzra/webcall/pkg/telephony"
)

// Handlers обработчики событий peer connection. Вызываются из потоков pion.
type Handlers struct {
	// Candidate найден локальный ICE кандидат
	Candidate func(candidate string)
	// GatheringComplete сбор кандидатов завершен
	GatheringComplete  func()
	ConnectionState    func(state string)
	ICEConnectionState func(state string)
}

// PeerConfig параметры одного peer connection.
type PeerConfig struct {
	ICEServers []telephony.ICEServer
	// Input источник звука. nil означает тишину.
	Input *telephony.MediaStream
}

// Peer peer connection одного звонка.
type Peer struct {
	engine *Engine
	pc     *webrtc.PeerConnection
	log    *slog.Logger

	transceiver *webrtc.RTPTransceiver
	sender      *webrtc.RTPSender

	mu      sync.Mutex
	local   webrtc.TrackLocal
	silence *SilenceSource
	muted   bool
	closed  bool
}

func iceServers(servers []telephony.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, server)
	}
	return out
}

// NewPeer создает peer connection с одним исходящим аудио треком.
func (e *Engine) NewPeer(cfg PeerConfig, h Handlers) (*Peer, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg.ICEServers)})
	if err != nil {
		return nil, errors.Wrap(err, "не удалось создать peer connection")
	}

	p := &Peer{engine: e, pc: pc, log: e.log}
	if err := p.attachInput(cfg.Input); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug("Peer.OnICECandidate: gathering complete")
			if h.GatheringComplete != nil {
				h.GatheringComplete()
			}
			return
		}
		if h.Candidate != nil {
			h.Candidate(c.ToJSON().Candidate)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("Peer.OnConnectionStateChange", slog.String("state", state.String()))
		if h.ConnectionState != nil {
			h.ConnectionState(state.String())
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.log.Debug("Peer.OnICEConnectionStateChange", slog.String("state", state.String()))
		if h.ICEConnectionState != nil {
			h.ICEConnectionState(state.String())
		}
	})

	p.mu.Lock()
	if p.silence != nil {
		p.silence.Start()
	}
	p.mu.Unlock()
	return p, nil
}

func (p *Peer) attachInput(input *telephony.MediaStream) error {
	var local webrtc.TrackLocal
	var silence *SilenceSource

	if tracks := input.AudioTracks(); len(tracks) > 0 {
		lt, ok := tracks[0].(*LocalTrack)
		if !ok {
			return errors.Errorf("источник звука должен быть *rtcmedia.LocalTrack, получен %T", tracks[0])
		}
		local = lt.Track()
	} else {
		var err error
		silence, err = NewSilenceSource(p.engine.preferred(), uuid.NewString())
		if err != nil {
			return err
		}
		local = silence.Track()
	}

	transceiver, err := p.pc.AddTransceiverFromTrack(local, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return errors.Wrap(err, "не удалось добавить исходящий трек")
	}
	go drainRTCP(transceiver.Sender())

	p.transceiver = transceiver
	p.sender = transceiver.Sender()
	p.local = local
	p.silence = silence
	return nil
}

// drainRTCP читает RTCP отправителя, иначе interceptor'ы pion не работают.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// CreateOffer создает локальный offer, пропускает его через filter и
// фиксирует как локальное описание. После этого начинается сбор кандидатов.
//
// pion не принимает измененный текст offer'а, поэтому результат фильтра
// переводится в предпочтения кодеков трансивера и offer создается заново.
func (p *Peer) CreateOffer(filter func(string) string) error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return errors.Wrap(err, "не удалось создать offer")
	}
	if filter != nil {
		if filtered := filter(offer.SDP); filtered != offer.SDP {
			if offer, err = p.reoffer(filtered); err != nil {
				return err
			}
		}
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return errors.Wrap(err, "не удалось установить локальное описание")
	}
	return nil
}

func (p *Peer) reoffer(filtered string) (webrtc.SessionDescription, error) {
	codecs, err := sdpfilter.Describe(filtered)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "фильтр вернул некорректное описание")
	}
	prefs := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	for _, c := range codecs {
		if params, ok := p.engine.byPayloadType(c.PayloadType); ok {
			prefs = append(prefs, params)
		}
	}
	p.log.Debug("Peer.CreateOffer: codec preferences", slog.String("codecs", sdpfilter.Names(codecs)))
	if err := p.transceiver.SetCodecPreferences(prefs); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "не удалось установить предпочтения кодеков")
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "не удалось создать offer")
	}
	return offer, nil
}

// LocalDescription локальное описание вместе с уже собранными кандидатами.
func (p *Peer) LocalDescription() string {
	if d := p.pc.LocalDescription(); d != nil {
		return d.SDP
	}
	return ""
}

// SetAnswer применяет ответ удаленной стороны. Если исходящий звук это
// тишина, ее кодек подстраивается под согласованный до привязки трека.
func (p *Peer) SetAnswer(answer string) error {
	if err := p.matchSilence(answer); err != nil {
		p.log.Warn("Peer.SetAnswer: silence codec not adjusted", slog.String("error", err.Error()))
	}
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
	if err != nil {
		return errors.Wrap(err, "не удалось применить ответ")
	}
	return nil
}

func (p *Peer) matchSilence(answer string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silence == nil {
		return nil
	}

	codecs, err := sdpfilter.Describe(answer)
	if err != nil {
		return err
	}
	primary, ok := sdpfilter.Primary(codecs)
	if !ok {
		return errors.New("в ответе нет аудио кодека")
	}
	current := p.silence.Track().Codec()
	if strings.EqualFold(strings.TrimPrefix(current.MimeType, "audio/"), primary.Name) {
		return nil
	}
	capability, ok := p.engine.capability(primary.Name)
	if !ok {
		return errors.Errorf("кодек ответа %s не зарегистрирован", primary.Name)
	}

	silence, err := NewSilenceSource(capability, p.silence.Track().ID())
	if err != nil {
		return err
	}
	if !p.muted {
		if err := p.sender.ReplaceTrack(silence.Track()); err != nil {
			return errors.Wrap(err, "не удалось заменить трек")
		}
	}
	p.log.Debug("Peer.matchSilence", slog.String("codec", capability.MimeType))
	p.silence.Stop()
	p.silence = silence
	p.local = silence.Track()
	silence.Start()
	return nil
}

// SilenceCodec mime тип тишины, пустая строка если звук передан снаружи.
func (p *Peer) SilenceCodec() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.silence == nil {
		return ""
	}
	return p.silence.Track().Codec().MimeType
}

// ReceiverTracks входящие треки всех получателей.
func (p *Peer) ReceiverTracks() []telephony.MediaTrack {
	var tracks []telephony.MediaTrack
	for _, r := range p.pc.GetReceivers() {
		if t := r.Track(); t != nil {
			tracks = append(tracks, &RemoteTrack{track: t})
		}
	}
	return tracks
}

// Muted выключен ли исходящий звук.
func (p *Peer) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// SetMuted выключает исходящий звук, отвязывая трек от отправителя.
func (p *Peer) SetMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("peer connection закрыт")
	}
	if p.muted == muted {
		return nil
	}
	var track webrtc.TrackLocal
	if !muted {
		track = p.local
	}
	if err := p.sender.ReplaceTrack(track); err != nil {
		return errors.Wrap(err, "не удалось переключить микрофон")
	}
	p.muted = muted
	return nil
}

// Close закрывает соединение. Повторный вызов ничего не делает.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	silence := p.silence
	p.mu.Unlock()

	if silence != nil {
		silence.Stop()
	}
	return p.pc.Close()
}

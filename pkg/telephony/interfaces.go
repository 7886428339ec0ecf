package telephony

import "time"

// UAEventType событие user agent'а.
type UAEventType int

const (
	UAConnecting UAEventType = iota + 1
	UAConnected
	UADisconnected
	UARegistered
	UAUnregistered
	UARegistrationFailed
	// UANewSession создана исходящая сессия. Событие приходит синхронно внутри
	// потока user agent'а до начала сбора ICE кандидатов.
	UANewSession
)

func (t UAEventType) String() string {
	switch t {
	case UAConnecting:
		return "connecting"
	case UAConnected:
		return "connected"
	case UADisconnected:
		return "disconnected"
	case UARegistered:
		return "registered"
	case UAUnregistered:
		return "unregistered"
	case UARegistrationFailed:
		return "registrationFailed"
	case UANewSession:
		return "newSession"
	default:
		return "unknown"
	}
}

// UAEvent событие user agent'а. Session заполнена только для UANewSession.
type UAEvent struct {
	Type    UAEventType
	Session Session
	Cause   error
}

// UserAgentConfig параметры создания user agent'а.
type UserAgentConfig struct {
	// Sockets websocket URI сигнального сервера в порядке предпочтения
	Sockets []string
	// URI SIP адрес регистрации вместе с URI аргументами
	URI      string
	Username string
	Password string
}

// UserAgentFactory создает user agent. Реализация: sipws.NewFactory.
type UserAgentFactory func(cfg UserAgentConfig) (UserAgent, error)

// UserAgent сигнальный транспорт: подключение к серверу, регистрация,
// исходящие сессии.
type UserAgent interface {
	// Start начинает подключение и регистрацию. Результат приходит событиями.
	Start() error
	// Stop снимает регистрацию, завершает сессии и закрывает соединения.
	Stop()
	// OnEvent подписывает обработчик. Возвращаемая функция отписывает его.
	OnEvent(handler func(UAEvent)) (unsubscribe func())
	// Call отправляет запрос на исходящую сессию. Сама сессия приходит
	// событием UANewSession.
	Call(target string, opts SessionOptions) error
	// TerminateSessions принудительно завершает все сессии.
	TerminateSessions()
}

// SessionOptions параметры исходящей сессии.
type SessionOptions struct {
	ExtraHeaders []Header
	ICEServers   []ICEServer
	// Input источник звука. nil означает захват по умолчанию.
	Input *MediaStream
	Audio bool
	Video bool
}

// SessionEventType событие сессии.
type SessionEventType int

const (
	// SessionICECandidate найден ICE кандидат. Ready продолжает согласование
	// с уже собранными кандидатами, не дожидаясь конца сбора.
	SessionICECandidate SessionEventType = iota + 1
	SessionICEGatheringComplete
	SessionConfirmed
	SessionFailed
	SessionEnded
	SessionConnectionState
	SessionICEConnectionState
)

func (t SessionEventType) String() string {
	switch t {
	case SessionICECandidate:
		return "icecandidate"
	case SessionICEGatheringComplete:
		return "icegatheringcomplete"
	case SessionConfirmed:
		return "confirmed"
	case SessionFailed:
		return "failed"
	case SessionEnded:
		return "ended"
	case SessionConnectionState:
		return "connectionstatechange"
	case SessionICEConnectionState:
		return "iceconnectionstatechange"
	default:
		return "unknown"
	}
}

// Originator сторона, инициировавшая завершение сессии.
type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)

// StateConnected состояние соединения (и ICE), означающее готовность медиа.
const StateConnected = "connected"

// SessionEvent событие сессии.
type SessionEvent struct {
	Type       SessionEventType
	Candidate  string
	Ready      func()
	State      string
	Originator Originator
	Cause      error
}

// Session медиа сессия одного звонка.
type Session interface {
	ID() string
	OnEvent(handler func(SessionEvent)) (unsubscribe func())
	// SetOfferFilter устанавливает перезапись локального offer'а. Фильтр
	// применяется один раз, перед фиксацией локального описания.
	SetOfferFilter(filter func(sdp string) string)
	// ReceiverTracks входящие треки всех получателей.
	ReceiverTracks() []MediaTrack
	// AcceptHeaders заголовки ответа, принявшего звонок.
	AcceptHeaders() []Header
	SendDTMF(tone string) error
	Muted() bool
	SetMuted(muted bool) error
	Terminate() error
}

// MediaKind тип медиа трека.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// MediaTrack трек, входящий или исходящий. Конкретный тип определяет
// медиа реализация (rtcmedia).
type MediaTrack interface {
	ID() string
	Kind() MediaKind
}

// MediaStream набор треков.
type MediaStream struct {
	Tracks []MediaTrack
}

// AudioTracks только аудио треки.
func (s *MediaStream) AudioTracks() []MediaTrack {
	if s == nil {
		return nil
	}
	var out []MediaTrack
	for _, t := range s.Tracks {
		if t.Kind() == MediaKindAudio {
			out = append(out, t)
		}
	}
	return out
}

// Observer получает итоги регистраций и звонков (метрики).
type Observer interface {
	RegistrationSettled(err error, elapsed time.Duration)
	CallSettled(err error, elapsed time.Duration)
	CallEnded(duration time.Duration)
}

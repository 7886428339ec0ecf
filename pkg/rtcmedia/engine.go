// Package rtcmedia медиа часть звонка на pion/webrtc: peer connection с одним
// аудио трансивером, тишина вместо микрофона, чтение входящего звука.
package rtcmedia

import (
	"log/slog"
	"strings"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

const mimeTypeTelephoneEvent = "audio/telephone-event"

// codecTable кодеки, которые умеет регистрировать Engine.
var codecTable = map[string]webrtc.RTPCodecParameters{
	"opus": {
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	},
	"pcmu": {
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		PayloadType:        0,
	},
	"pcma": {
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMA, ClockRate: 8000},
		PayloadType:        8,
	},
}

var telephoneEvent = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{
		MimeType:    mimeTypeTelephoneEvent,
		ClockRate:   8000,
		SDPFmtpLine: "0-16",
	},
	PayloadType: 101,
}

// Config параметры медиа движка.
type Config struct {
	// Codecs аудио кодеки в порядке предпочтения: opus, PCMU, PCMA
	Codecs []string
	// ICEPortMin, ICEPortMax диапазон локальных UDP портов, 0 любой порт
	ICEPortMin uint16
	ICEPortMax uint16
	Logger     *slog.Logger
}

// DefaultConfig конфигурация по умолчанию.
func DefaultConfig() Config {
	return Config{
		Codecs: []string{"opus", "PCMU", "PCMA"},
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	if len(c.Codecs) == 0 {
		return errors.New("не указан ни один кодек")
	}
	for _, name := range c.Codecs {
		if _, ok := codecTable[strings.ToLower(name)]; !ok {
			return errors.Errorf("неподдерживаемый кодек %q", name)
		}
	}
	if (c.ICEPortMin == 0) != (c.ICEPortMax == 0) {
		return errors.New("диапазон портов ICE задается обеими границами")
	}
	if c.ICEPortMin > c.ICEPortMax {
		return errors.Errorf("некорректный диапазон портов ICE %d-%d", c.ICEPortMin, c.ICEPortMax)
	}
	return nil
}

// Engine фабрика peer connection с общим набором кодеков.
type Engine struct {
	api    *webrtc.API
	codecs []webrtc.RTPCodecParameters
	log    *slog.Logger
}

// NewEngine создает движок.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &webrtc.MediaEngine{}
	codecs := make([]webrtc.RTPCodecParameters, 0, len(cfg.Codecs))
	for _, name := range cfg.Codecs {
		codec := codecTable[strings.ToLower(name)]
		if err := m.RegisterCodec(codec, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, errors.Wrapf(err, "не удалось зарегистрировать кодек %s", name)
		}
		codecs = append(codecs, codec)
	}
	if err := m.RegisterCodec(telephoneEvent, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errors.Wrap(err, "не удалось зарегистрировать telephone-event")
	}

	s := webrtc.SettingEngine{}
	if cfg.ICEPortMin != 0 {
		if err := s.SetEphemeralUDPPortRange(cfg.ICEPortMin, cfg.ICEPortMax); err != nil {
			return nil, errors.Wrap(err, "некорректный диапазон портов")
		}
	}

	log.Debug("Engine.New", slog.Any("codecs", cfg.Codecs))
	return &Engine{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		codecs: codecs,
		log:    log,
	}, nil
}

// preferred первый кодек движка, используется для тишины до согласования.
func (e *Engine) preferred() webrtc.RTPCodecCapability {
	return e.codecs[0].RTPCodecCapability
}

// byPayloadType ищет зарегистрированный кодек по payload type offer'а.
func (e *Engine) byPayloadType(pt uint8) (webrtc.RTPCodecParameters, bool) {
	if pt == uint8(telephoneEvent.PayloadType) {
		return telephoneEvent, true
	}
	for _, c := range e.codecs {
		if uint8(c.PayloadType) == pt {
			return c, true
		}
	}
	return webrtc.RTPCodecParameters{}, false
}

// capability ищет зарегистрированный кодек по имени без учета регистра.
func (e *Engine) capability(name string) (webrtc.RTPCodecCapability, bool) {
	for _, c := range e.codecs {
		if strings.EqualFold(strings.TrimPrefix(c.MimeType, "audio/"), name) {
			return c.RTPCodecCapability, true
		}
	}
	return webrtc.RTPCodecCapability{}, false
}

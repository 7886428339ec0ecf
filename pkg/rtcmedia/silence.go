package rtcmedia

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

const packetInterval = 20 * time.Millisecond

// silenceFrame 20мс тишины для кодека и шаг timestamp.
type silenceFrame struct {
	payload []byte
	step    uint32
}

func silenceFor(mimeType string) (silenceFrame, error) {
	switch strings.ToLower(mimeType) {
	case strings.ToLower(webrtc.MimeTypeOpus):
		// пакет тишины CELT 20мс
		return silenceFrame{payload: []byte{0xf8, 0xff, 0xfe}, step: 960}, nil
	case strings.ToLower(webrtc.MimeTypePCMU):
		return silenceFrame{payload: repeat(0xff, 160), step: 160}, nil
	case strings.ToLower(webrtc.MimeTypePCMA):
		return silenceFrame{payload: repeat(0xd5, 160), step: 160}, nil
	default:
		return silenceFrame{}, errors.Errorf("нет тишины для кодека %s", mimeType)
	}
}

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

// SilenceSource исходящий трек с тишиной. Заменяет захват микрофона, когда
// источник звука не передан.
type SilenceSource struct {
	track *webrtc.TrackLocalStaticRTP
	frame silenceFrame

	seq       uint16
	timestamp uint32
	started   bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSilenceSource создает источник тишины для кодека.
func NewSilenceSource(codec webrtc.RTPCodecCapability, id string) (*SilenceSource, error) {
	frame, err := silenceFor(codec.MimeType)
	if err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticRTP(codec, id, "webcall")
	if err != nil {
		return nil, errors.Wrap(err, "не удалось создать трек")
	}
	return &SilenceSource{track: track, frame: frame}, nil
}

// Track трек для добавления в peer connection.
func (s *SilenceSource) Track() *webrtc.TrackLocalStaticRTP {
	return s.track
}

// next следующий пакет. Первый пакет потока с маркером.
func (s *SilenceSource) next() *rtp.Packet {
	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         !s.started,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
		},
		Payload: s.frame.payload,
	}
	s.started = true
	s.seq++
	s.timestamp += s.frame.step
	return p
}

// Start начинает отправку пакетов каждые 20мс. Пока трек не привязан к
// согласованному соединению, запись ничего не делает.
func (s *SilenceSource) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

func (s *SilenceSource) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(packetInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.track.WriteRTP(s.next()); err != nil {
				return
			}
		}
	}
}

// Stop останавливает отправку и ждет завершения.
func (s *SilenceSource) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

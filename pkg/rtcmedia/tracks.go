package rtcmedia

import (
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/arzzra/webcall/pkg/telephony"
)

func mediaKind(k webrtc.RTPCodecType) telephony.MediaKind {
	if k == webrtc.RTPCodecTypeVideo {
		return telephony.MediaKindVideo
	}
	return telephony.MediaKindAudio
}

// LocalTrack исходящий трек, который можно передать как источник звука звонка.
type LocalTrack struct {
	track webrtc.TrackLocal
}

// NewLocalTrack оборачивает pion трек.
func NewLocalTrack(track webrtc.TrackLocal) *LocalTrack {
	return &LocalTrack{track: track}
}

func (t *LocalTrack) ID() string { return t.track.ID() }

func (t *LocalTrack) Kind() telephony.MediaKind { return mediaKind(t.track.Kind()) }

// Track pion трек.
func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }

// RemoteTrack входящий трек звонка.
type RemoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *RemoteTrack) ID() string { return t.track.ID() }

func (t *RemoteTrack) Kind() telephony.MediaKind { return mediaKind(t.track.Kind()) }

// Codec согласованный кодек трека.
func (t *RemoteTrack) Codec() webrtc.RTPCodecParameters { return t.track.Codec() }

// ReadPacket читает следующий RTP пакет.
func (t *RemoteTrack) ReadPacket() (*rtp.Packet, error) {
	p, _, err := t.track.ReadRTP()
	return p, err
}

// SetReadDeadline прерывает ожидающее чтение.
func (t *RemoteTrack) SetReadDeadline(deadline time.Time) error {
	return t.track.SetReadDeadline(deadline)
}

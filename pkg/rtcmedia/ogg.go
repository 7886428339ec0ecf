package rtcmedia

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pkg/errors"

	"github.com/arzzra/webcall/pkg/telephony"
)

// granule позиция в Ogg Opus всегда считается на 48кГц
const opusGranuleRate = 48000

// OggChannels число каналов Ogg/Opus файла по заголовку.
func OggChannels(data []byte) (int, error) {
	_, header, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return 0, errors.Wrap(err, "не Ogg/Opus файл")
	}
	return int(header.Channels), nil
}

// OggSource исходящий трек, проигрывающий Ogg/Opus файл. Страницы файла
// отправляются как есть, кодек звонка должен быть opus.
type OggSource struct {
	data  []byte
	track *webrtc.TrackLocalStaticSample
}

// NewOggSource проверяет заголовок файла и создает трек.
func NewOggSource(data []byte, id string) (*OggSource, error) {
	if _, err := OggChannels(data); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(codecTable["opus"].RTPCodecCapability, id, "webcall")
	if err != nil {
		return nil, errors.Wrap(err, "не удалось создать трек")
	}
	return &OggSource{data: data, track: track}, nil
}

// Input источник звука для CallOptions.
func (s *OggSource) Input() *telephony.MediaStream {
	return &telephony.MediaStream{Tracks: []telephony.MediaTrack{NewLocalTrack(s.track)}}
}

// Play проигрывает файл в реальном времени и возвращает длительность
// отправленного звука. Отмена ctx прерывает проигрывание с ctx.Err().
func (s *OggSource) Play(ctx context.Context) (time.Duration, error) {
	reader, _, err := oggreader.NewWith(bytes.NewReader(s.data))
	if err != nil {
		return 0, errors.Wrap(err, "не Ogg/Opus файл")
	}

	var (
		played time.Duration
		last   uint64
	)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		page, header, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return played, nil
		}
		if err != nil {
			return played, errors.Wrap(err, "не удалось прочитать страницу Ogg")
		}
		// OpusTags и страницы без пакетов
		if header.GranulePosition == 0 {
			continue
		}

		duration := packetInterval
		if last > 0 && header.GranulePosition > last {
			duration = time.Duration(header.GranulePosition-last) * time.Second / opusGranuleRate
		}
		last = header.GranulePosition

		if err := s.track.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return played, errors.Wrap(err, "не удалось отправить звук")
		}
		played += duration

		timer.Reset(duration)
		select {
		case <-ctx.Done():
			return played, ctx.Err()
		case <-timer.C:
		}
	}
}

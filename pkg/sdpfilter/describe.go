package sdpfilter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// Codec аудио кодек, объявленный в описании.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    string
	Fmtp        string
}

func (c Codec) String() string {
	s := fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)
	if c.Channels != "" {
		s += "/" + c.Channels
	}
	return s
}

// Describe перечисляет аудио кодеки описания в порядке их объявления в m=audio.
func Describe(description string) ([]Codec, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(description)); err != nil {
		return nil, errors.Wrap(err, "не удалось разобрать SDP")
	}

	var codecs []Codec
	for _, md := range sd.MediaDescriptions {
		if !strings.EqualFold(md.MediaName.Media, "audio") {
			continue
		}
		for _, format := range md.MediaName.Formats {
			pt, err := strconv.ParseUint(format, 10, 8)
			if err != nil {
				return nil, errors.Wrapf(err, "некорректный payload type %q", format)
			}

			codec, err := sd.GetCodecForPayloadType(uint8(pt))
			if err != nil {
				name, ok := staticPayloadTypes[format]
				if !ok {
					continue
				}
				codec = sdp.Codec{PayloadType: uint8(pt), Name: name, ClockRate: 8000}
			}
			codecs = append(codecs, Codec{
				PayloadType: codec.PayloadType,
				Name:        codec.Name,
				ClockRate:   codec.ClockRate,
				Channels:    codec.EncodingParameters,
				Fmtp:        codec.Fmtp,
			})
		}
	}
	return codecs, nil
}

// Names имена кодеков через запятую, для логов.
func Names(codecs []Codec) string {
	names := make([]string, 0, len(codecs))
	for _, c := range codecs {
		names = append(names, c.Name)
	}
	return strings.Join(names, ",")
}

// Auxiliary сообщает, относится ли кодек к служебным (red, CN, telephone-event),
// которые фильтр сохраняет всегда.
func Auxiliary(name string) bool {
	_, ok := alwaysKeep[strings.ToLower(name)]
	return ok
}

// Primary первый неслужебный кодек описания, то есть кодек, которым пойдет звук.
func Primary(codecs []Codec) (Codec, bool) {
	for _, c := range codecs {
		if !Auxiliary(c.Name) {
			return c, true
		}
	}
	return Codec{}, false
}

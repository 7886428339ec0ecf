package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	ini "gopkg.in/ini.v1"

	"github.com/arzzra/webcall/pkg/cvg"
	"github.com/arzzra/webcall/pkg/loadtest"
	"github.com/arzzra/webcall/pkg/logging"
	"github.com/arzzra/webcall/pkg/rtcmedia"
	"github.com/arzzra/webcall/pkg/telephony"
)

// Settings конфигурация нагрузочного теста из ini файла.
type Settings struct {
	Environment string
	MetricsAddr string
	// AudioGap пауза вокруг файла в режиме проигрывания
	AudioGap time.Duration
	Run         loadtest.Config
	Media       rtcmedia.Config
	Log         logging.Config
}

// LoadSettings читает конфигурацию. Отсутствующие ключи получают значения по умолчанию.
func LoadSettings(cfg *ini.File) (*Settings, error) {
	s := &Settings{
		Run:   loadtest.DefaultConfig(),
		Media: rtcmedia.DefaultConfig(),
		Log:   logging.DefaultConfig(),
	}

	sec := cfg.Section("cvg")
	s.Environment = sec.Key("environment").MustString(cvg.DefaultEnvironment)
	s.Run.ResellerToken = sec.Key("reseller_token").String()

	sec = cfg.Section("loadtest")
	s.Run.Destination = sec.Key("destination").String()
	s.Run.Calls = sec.Key("calls").MustInt(loadtest.DefaultCalls)
	s.Run.Concurrency = sec.Key("concurrency").MustInt(loadtest.DefaultConcurrency)
	s.Run.DelayBeforeDrop = sec.Key("delay_before_drop").MustDuration(loadtest.DefaultDelayBeforeDrop)
	s.Run.DelayAfterDrop = sec.Key("delay_after_drop").MustDuration(loadtest.DefaultDelayAfterDrop)
	s.Run.RegistrationTimeout = sec.Key("registration_timeout").MustDuration(telephony.DefaultRegistrationTimeout)
	s.Run.CallTimeout = sec.Key("call_timeout").MustDuration(telephony.DefaultCallTimeout)
	s.Run.ICEGatheringTimeout = sec.Key("ice_gathering_timeout").MustDuration(telephony.DefaultICEGatheringTimeout)
	s.Run.DrainAudio = sec.Key("drain_audio").MustBool(true)
	for _, kv := range sec.Key("uri_arguments").Strings(",") {
		s.Run.URIArguments = append(s.Run.URIArguments, parseURIArgument(kv))
	}

	s.AudioGap = cfg.Section("playback").Key("audio_gap").MustDuration(loadtest.DefaultAudioGap)

	sec = cfg.Section("media")
	if codecs := sec.Key("codecs").Strings(","); len(codecs) > 0 {
		s.Media.Codecs = codecs
		s.Run.Codecs = codecs
	}
	s.Media.ICEPortMin = uint16(sec.Key("ice_port_min").MustInt(0))
	s.Media.ICEPortMax = uint16(sec.Key("ice_port_max").MustInt(0))

	sec = cfg.Section("log")
	s.Log.Level = sec.Key("level").MustString(s.Log.Level)
	s.Log.Format = sec.Key("format").MustString(s.Log.Format)
	s.Log.File = sec.Key("file").String()
	s.Log.MaxSizeMB = sec.Key("max_size_mb").MustInt(s.Log.MaxSizeMB)
	s.Log.MaxBackups = sec.Key("max_backups").MustInt(s.Log.MaxBackups)

	s.MetricsAddr = cfg.Section("metrics").Key("listen").String()

	if err := s.Log.Validate(); err != nil {
		return nil, errors.Wrap(err, "секция log")
	}
	if err := s.Media.Validate(); err != nil {
		return nil, errors.Wrap(err, "секция media")
	}
	return s, nil
}

// Playback параметры проигрывания файлов из общих настроек прогона.
func (s *Settings) Playback() loadtest.PlaybackConfig {
	cfg := loadtest.DefaultPlaybackConfig()
	cfg.ResellerToken = s.Run.ResellerToken
	cfg.Destination = s.Run.Destination
	cfg.Concurrency = s.Run.Concurrency
	cfg.AudioGap = s.AudioGap
	cfg.RegistrationTimeout = s.Run.RegistrationTimeout
	cfg.CallTimeout = s.Run.CallTimeout
	cfg.ICEGatheringTimeout = s.Run.ICEGatheringTimeout
	cfg.URIArguments = s.Run.URIArguments
	cfg.ExtraHeaders = s.Run.ExtraHeaders
	cfg.Logger = s.Run.Logger
	return cfg
}

// parseURIArgument разбирает "key=value" или "key".
func parseURIArgument(s string) telephony.URIArgument {
	key, value, _ := strings.Cut(strings.TrimSpace(s), "=")
	return telephony.URIArgument{Key: key, Value: value}
}

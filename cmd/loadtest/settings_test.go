package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ini "gopkg.in/ini.v1"

	"github.com/arzzra/webcall/pkg/cvg"
	"github.com/arzzra/webcall/pkg/loadtest"
	"github.com/arzzra/webcall/pkg/telephony"
)

func TestLoadSettings_Defaults(t *testing.T) {
	s, err := LoadSettings(ini.Empty())
	require.NoError(t, err)

	assert.Equal(t, cvg.DefaultEnvironment, s.Environment)
	assert.Equal(t, loadtest.DefaultCalls, s.Run.Calls)
	assert.Equal(t, loadtest.DefaultConcurrency, s.Run.Concurrency)
	assert.Equal(t, telephony.DefaultICEGatheringTimeout, s.Run.ICEGatheringTimeout)
	assert.Equal(t, []string{"opus", "PCMU", "PCMA"}, s.Media.Codecs)
	assert.Empty(t, s.Run.Codecs)
	assert.Empty(t, s.MetricsAddr)
	assert.Equal(t, loadtest.DefaultAudioGap, s.AudioGap)
}

func TestLoadSettings_File(t *testing.T) {
	file, err := ini.Load([]byte(`
[cvg]
environment = https://staging.example.com
reseller_token = secret

[loadtest]
destination = +4930123456
calls = 50
concurrency = 8
delay_before_drop = 12s
delay_after_drop = 500ms
uri_arguments = debug, reseller=acme

[playback]
audio_gap = 1500ms

[media]
codecs = PCMU, PCMA
ice_port_min = 10000
ice_port_max = 10100

[log]
level = debug
format = json

[metrics]
listen = :9100
`))
	require.NoError(t, err)

	s, err := LoadSettings(file)
	require.NoError(t, err)

	assert.Equal(t, "https://staging.example.com", s.Environment)
	assert.Equal(t, "secret", s.Run.ResellerToken)
	assert.Equal(t, "+4930123456", s.Run.Destination)
	assert.Equal(t, 50, s.Run.Calls)
	assert.Equal(t, 8, s.Run.Concurrency)
	assert.Equal(t, 12*time.Second, s.Run.DelayBeforeDrop)
	assert.Equal(t, 500*time.Millisecond, s.Run.DelayAfterDrop)
	assert.Equal(t, []telephony.URIArgument{{Key: "debug"}, {Key: "reseller", Value: "acme"}}, s.Run.URIArguments)
	assert.Equal(t, []string{"PCMU", "PCMA"}, s.Media.Codecs)
	assert.Equal(t, []string{"PCMU", "PCMA"}, s.Run.Codecs)
	assert.Equal(t, uint16(10000), s.Media.ICEPortMin)
	assert.Equal(t, uint16(10100), s.Media.ICEPortMax)
	assert.Equal(t, "debug", s.Log.Level)
	assert.Equal(t, "json", s.Log.Format)
	assert.Equal(t, ":9100", s.MetricsAddr)
	assert.NoError(t, s.Run.Validate())

	playback := s.Playback()
	assert.Equal(t, 1500*time.Millisecond, playback.AudioGap)
	assert.Equal(t, "secret", playback.ResellerToken)
	assert.Equal(t, "+4930123456", playback.Destination)
	assert.Equal(t, 8, playback.Concurrency)
	assert.Equal(t, s.Run.URIArguments, playback.URIArguments)
	assert.NoError(t, playback.Validate())
}

func TestLoadSettings_Invalid(t *testing.T) {
	file, err := ini.Load([]byte("[media]\ncodecs = speex\n"))
	require.NoError(t, err)
	_, err = LoadSettings(file)
	assert.Error(t, err)

	file, err = ini.Load([]byte("[log]\nformat = xml\n"))
	require.NoError(t, err)
	_, err = LoadSettings(file)
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"opus", "PCMU"}, splitList(" opus, ,PCMU "))
	assert.Nil(t, splitList(""))
}

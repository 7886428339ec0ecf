package telephony

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/webcall/pkg/sdpfilter"
)

func fastOptions() CallOptions {
	return CallOptions{Timeout: 500 * time.Millisecond, ICEGatheringTimeout: 50 * time.Millisecond}
}

// answeringUA отдает сессию и сразу устанавливает звонок.
func answeringUA(session *fakeSession) *fakeUA {
	ua := newRegisteringUA()
	ua.onCall = func(ua *fakeUA, _ string) error {
		ua.deliver(session)
		go session.establish()
		return nil
	}
	return ua
}

func placeCall(t *testing.T, observer Observer) (*fakeUA, *fakeSession, *Call) {
	t.Helper()
	s := newFakeSession("s1")
	s.accept = []Header{{Name: "X-CVG-DialogID", Value: "dlg-42"}}
	ua := answeringUA(s)
	conn := register(t, ua, observer)

	call, err := conn.PlaceCall(context.Background(), "sip:bot@cvg.example.com", fastOptions())
	require.NoError(t, err)
	return ua, s, call
}

func TestPlaceCall_Success(t *testing.T) {
	observer := &fakeObserver{}
	ua, _, call := placeCall(t, observer)

	assert.Equal(t, StateConfirmed, call.State())
	assert.Equal(t, "dlg-42", call.DialogID())
	assert.Equal(t, []Header{{Name: "X-CVG-DialogID", Value: "dlg-42"}}, call.AcceptHeaders())
	assert.NotEmpty(t, call.ID())

	require.Len(t, call.Media().Tracks, 1)
	assert.Equal(t, MediaKindAudio, call.Media().Tracks[0].Kind())

	require.Len(t, ua.targets, 1)
	assert.Equal(t, "sip:bot@cvg.example.com", ua.targets[0])
	opts := ua.options[0]
	assert.True(t, opts.Audio)
	assert.False(t, opts.Video)
	assert.Nil(t, opts.Input)
	assert.Len(t, opts.ICEServers, 2)

	require.Len(t, observer.calls, 1)
	assert.NoError(t, observer.calls[0])

	select {
	case <-call.Done():
		t.Fatal("звонок не должен быть завершен")
	default:
	}
}

func TestPlaceCall_PassesExtraHeadersAndInput(t *testing.T) {
	s := newFakeSession("s1")
	ua := answeringUA(s)
	conn := register(t, ua, nil)

	input := &MediaStream{Tracks: []MediaTrack{fakeTrack{id: "mic", kind: MediaKindAudio}}}
	opts := fastOptions()
	opts.ExtraHeaders = []Header{{Name: "X-Reseller", Value: "acme"}}
	opts.Input = input

	_, err := conn.PlaceCall(context.Background(), "bot", opts)
	require.NoError(t, err)

	assert.Equal(t, opts.ExtraHeaders, ua.options[0].ExtraHeaders)
	assert.Same(t, input, ua.options[0].Input)
}

func TestPlaceCall_NotRegistered(t *testing.T) {
	ua := newRegisteringUA()
	conn := register(t, ua, nil)
	conn.Disconnect()

	_, err := conn.PlaceCall(context.Background(), "bot", fastOptions())
	assert.ErrorIs(t, err, ErrNotRegistered)
	assert.Empty(t, ua.targets)
}

func TestCallOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    CallOptions
		wantErr bool
	}{
		{name: "по умолчанию", opts: DefaultCallOptions()},
		{name: "ICE меньше таймаута", opts: CallOptions{Timeout: time.Second, ICEGatheringTimeout: 999 * time.Millisecond}},
		{name: "ICE равен таймауту", opts: CallOptions{Timeout: time.Second, ICEGatheringTimeout: time.Second}, wantErr: true},
		{name: "ICE больше таймаута", opts: CallOptions{Timeout: time.Second, ICEGatheringTimeout: 2 * time.Second}, wantErr: true},
		{name: "отрицательный таймаут", opts: CallOptions{Timeout: -time.Second, ICEGatheringTimeout: time.Millisecond}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPlaceCall_InvalidOptionsRejectedBeforeCall(t *testing.T) {
	ua := newRegisteringUA()
	conn := register(t, ua, nil)

	_, err := conn.PlaceCall(context.Background(), "bot", CallOptions{Timeout: 100 * time.Millisecond, ICEGatheringTimeout: time.Second})
	require.Error(t, err)
	assert.Empty(t, ua.targets)
}

func TestPlaceCall_TimeoutWithoutSession(t *testing.T) {
	ua := newRegisteringUA()
	observer := &fakeObserver{}
	conn := register(t, ua, observer)

	opts := CallOptions{Timeout: 100 * time.Millisecond, ICEGatheringTimeout: 20 * time.Millisecond}
	_, err := conn.PlaceCall(context.Background(), "bot", opts)

	var timedOut *CallCreationTimedOutError
	require.True(t, errors.As(err, &timedOut))
	assert.Equal(t, testDetails().SIPAddress, timedOut.Address)
	assert.Equal(t, 100*time.Millisecond, timedOut.Timeout)

	_, terminated := ua.counters()
	assert.Equal(t, 1, terminated)
	require.Len(t, observer.calls, 1)
	assert.Error(t, observer.calls[0])
}

func TestPlaceCall_TimeoutTerminatesSession(t *testing.T) {
	s := newFakeSession("s1")
	ua := newRegisteringUA()
	ua.onCall = func(ua *fakeUA, _ string) error {
		ua.deliver(s)
		// подтверждение без готовности медиа
		go s.emit(SessionEvent{Type: SessionConfirmed})
		return nil
	}
	conn := register(t, ua, nil)

	opts := CallOptions{Timeout: 100 * time.Millisecond, ICEGatheringTimeout: 20 * time.Millisecond}
	_, err := conn.PlaceCall(context.Background(), "bot", opts)

	var timedOut *CallCreationTimedOutError
	require.True(t, errors.As(err, &timedOut))
	_, terminated := ua.counters()
	assert.Equal(t, 1, terminated)
	assert.True(t, s.isEnded())
	assert.Zero(t, s.subscribers(), "после таймаута подписки попытки сняты")
}

func TestPlaceCall_MediaWithoutConfirmationIsNotEnough(t *testing.T) {
	s := newFakeSession("s1")
	ua := newRegisteringUA()
	ua.onCall = func(ua *fakeUA, _ string) error {
		ua.deliver(s)
		go s.emit(SessionEvent{Type: SessionConnectionState, State: StateConnected})
		return nil
	}
	conn := register(t, ua, nil)

	_, err := conn.PlaceCall(context.Background(), "bot", CallOptions{Timeout: 100 * time.Millisecond, ICEGatheringTimeout: 20 * time.Millisecond})
	var timedOut *CallCreationTimedOutError
	assert.True(t, errors.As(err, &timedOut))
}

func TestPlaceCall_ConnectionStateAlsoCounts(t *testing.T) {
	s := newFakeSession("s1")
	ua := newRegisteringUA()
	ua.onCall = func(ua *fakeUA, _ string) error {
		ua.deliver(s)
		go func() {
			s.emit(SessionEvent{Type: SessionConnectionState, State: "connecting"})
			s.emit(SessionEvent{Type: SessionConnectionState, State: StateConnected})
			s.emit(SessionEvent{Type: SessionConfirmed})
		}()
		return nil
	}
	conn := register(t, ua, nil)

	call, err := conn.PlaceCall(context.Background(), "bot", fastOptions())
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, call.State())
}

func TestPlaceCall_Failed(t *testing.T) {
	cause := errors.New("486 Busy Here")
	s := newFakeSession("s1")
	ua := newRegisteringUA()
	ua.onCall = func(ua *fakeUA, _ string) error {
		ua.deliver(s)
		go s.emit(SessionEvent{Type: SessionFailed, Originator: OriginatorRemote, Cause: cause})
		return nil
	}
	conn := register(t, ua, nil)

	_, err := conn.PlaceCall(context.Background(), "bot", fastOptions())

	var failed *NegotiationFailedError
	require.True(t, errors.As(err, &failed))
	assert.ErrorIs(t, err, cause)
	_, terminated := ua.counters()
	assert.Zero(t, terminated, "при отказе сессии принудительное завершение не нужно")
}

func TestPlaceCall_EndedWhileNegotiating(t *testing.T) {
	s := newFakeSession("s1")
	ua := newRegisteringUA()
	ua.onCall = func(ua *fakeUA, _ string) error {
		ua.deliver(s)
		go s.end(OriginatorRemote, nil)
		return nil
	}
	conn := register(t, ua, nil)

	_, err := conn.PlaceCall(context.Background(), "bot", fastOptions())
	var failed *NegotiationFailedError
	assert.True(t, errors.As(err, &failed))
}

func TestPlaceCall_UserAgentCallError(t *testing.T) {
	cause := errors.New("нет соединения")
	ua := newRegisteringUA()
	ua.onCall = func(*fakeUA, string) error { return cause }
	conn := register(t, ua, nil)

	_, err := conn.PlaceCall(context.Background(), "bot", fastOptions())
	var failed *NegotiationFailedError
	require.True(t, errors.As(err, &failed))
	assert.ErrorIs(t, err, cause)
}

func TestPlaceCall_ContextCancelled(t *testing.T) {
	s := newFakeSession("s1")
	cause := errors.New("очередь отменена")
	ctx, cancel := context.WithCancelCause(context.Background())

	ua := newRegisteringUA()
	ua.onCall = func(ua *fakeUA, _ string) error {
		ua.deliver(s)
		go cancel(cause)
		return nil
	}
	conn := register(t, ua, nil)

	_, err := conn.PlaceCall(ctx, "bot", fastOptions())

	var aborted *AbortedError
	require.True(t, errors.As(err, &aborted))
	assert.Equal(t, cause, aborted.Reason)
	_, terminated := ua.counters()
	assert.Equal(t, 1, terminated)
	assert.True(t, s.isEnded())
}

func TestPlaceCall_LateSessionTerminated(t *testing.T) {
	ua := newRegisteringUA()
	conn := register(t, ua, nil)

	_, err := conn.PlaceCall(context.Background(), "bot", CallOptions{Timeout: 50 * time.Millisecond, ICEGatheringTimeout: 10 * time.Millisecond})
	require.Error(t, err)

	late := newFakeSession("late")
	ua.deliver(late)
	assert.Eventually(t, late.isEnded, time.Second, 5*time.Millisecond)
}

const chromeOffer = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111 9 0 8 13 110\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=rtpmap:9 G722/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:13 CN/8000\r\n" +
	"a=rtpmap:110 telephone-event/8000\r\n"

func TestPlaceCall_InstallsCodecFilter(t *testing.T) {
	s := newFakeSession("s1")
	ua := answeringUA(s)
	conn := register(t, ua, nil)

	opts := fastOptions()
	opts.CodecFilter = sdpfilter.Only("PCMA")
	_, err := conn.PlaceCall(context.Background(), "bot", opts)
	require.NoError(t, err)

	filter := s.offerFilter()
	require.NotNil(t, filter)
	out := filter(chromeOffer)
	assert.Contains(t, out, "m=audio 9 UDP/TLS/RTP/SAVPF 8 13 110\r\n")
	assert.Equal(t, strings.Count(chromeOffer, "\r\n"), strings.Count(out, "\r\n"))
}

func TestPlaceCall_WithoutCodecFilter(t *testing.T) {
	s := newFakeSession("s1")
	ua := answeringUA(s)
	conn := register(t, ua, nil)

	_, err := conn.PlaceCall(context.Background(), "bot", fastOptions())
	require.NoError(t, err)
	assert.Nil(t, s.offerFilter())
}

func waitDone(t *testing.T, call *Call) {
	t.Helper()
	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("звонок не завершился")
	}
}

func TestCall_CompletionOnDrop(t *testing.T) {
	observer := &fakeObserver{}
	_, s, call := placeCall(t, observer)

	require.NoError(t, call.Drop())
	waitDone(t, call)

	assert.NoError(t, call.Err())
	assert.Equal(t, StateEnded, call.State())
	assert.True(t, s.isEnded())

	// повторный Drop и повторные события завершения ничего не меняют
	require.NoError(t, call.Drop())
	s.emit(SessionEvent{Type: SessionEnded, Originator: OriginatorRemote})
	assert.Equal(t, 1, observer.endedCount())
}

func TestCall_CompletionOnRemoteEnd(t *testing.T) {
	observer := &fakeObserver{}
	_, s, call := placeCall(t, observer)

	s.end(OriginatorRemote, nil)
	waitDone(t, call)

	assert.NoError(t, call.Wait(context.Background()))
	assert.Equal(t, 1, observer.endedCount())
}

func TestCall_CompletionOnDisconnect(t *testing.T) {
	observer := &fakeObserver{}
	s := newFakeSession("s1")
	ua := answeringUA(s)
	conn, err := Register(context.Background(), ua.factory(), testDetails(), RegisterOptions{Observer: observer})
	require.NoError(t, err)

	call, err := conn.PlaceCall(context.Background(), "bot", fastOptions())
	require.NoError(t, err)

	conn.Disconnect()
	waitDone(t, call)
	assert.Equal(t, 1, observer.endedCount())
}

func TestCall_CompletionOnFailure(t *testing.T) {
	_, s, call := placeCall(t, nil)

	cause := errors.New("транспорт закрыт")
	s.emit(SessionEvent{Type: SessionFailed, Originator: OriginatorSystem, Cause: cause})
	waitDone(t, call)

	assert.ErrorIs(t, call.Err(), cause)
}

func TestCall_ConcurrentDrop(t *testing.T) {
	observer := &fakeObserver{}
	_, _, call := placeCall(t, observer)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = call.Drop()
		}()
	}
	wg.Wait()
	waitDone(t, call)
	assert.Equal(t, 1, observer.endedCount())
}

func TestCall_WaitHonoursContext(t *testing.T) {
	_, _, call := placeCall(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, call.Wait(ctx), context.DeadlineExceeded)
}

func TestCall_SendTone(t *testing.T) {
	_, s, call := placeCall(t, nil)

	require.NoError(t, call.SendTone("5"))
	require.NoError(t, call.SendTone("#"))
	require.NoError(t, call.SendTone("b"))
	assert.ErrorIs(t, call.SendTone("x"), ErrUnknownTone)
	assert.ErrorIs(t, call.SendTone("12"), ErrUnknownTone)
	assert.Equal(t, []string{"5", "#", "B"}, s.sentTones())

	require.NoError(t, call.Drop())
	waitDone(t, call)
	assert.ErrorIs(t, call.SendTone("1"), ErrCallEnded)
	assert.Len(t, s.sentTones(), 3)
}

func TestCall_SetMicrophoneMutedIdempotent(t *testing.T) {
	_, s, call := placeCall(t, nil)

	require.NoError(t, call.SetMicrophoneMuted(false))
	assert.Zero(t, s.muteCalls)

	require.NoError(t, call.SetMicrophoneMuted(true))
	require.NoError(t, call.SetMicrophoneMuted(true))
	assert.Equal(t, 1, s.muteCalls)
	assert.True(t, call.MicrophoneMuted())

	require.NoError(t, call.SetMicrophoneMuted(false))
	assert.Equal(t, 2, s.muteCalls)

	require.NoError(t, call.Drop())
	waitDone(t, call)
	assert.ErrorIs(t, call.SetMicrophoneMuted(true), ErrCallEnded)
}

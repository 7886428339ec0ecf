package loadtest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/webcall/pkg/rtcmedia"
	"github.com/arzzra/webcall/pkg/sdpfilter"
	"github.com/arzzra/webcall/pkg/telephony"
	"github.com/arzzra/webcall/pkg/workqueue"
)

const (
	// DefaultAudioGap пауза до начала файла и после его окончания
	DefaultAudioGap = 2 * time.Second

	// HeaderFilename и HeaderChannel сообщают боту, какой файл проигрывается
	HeaderFilename = "x-filename"
	HeaderChannel  = "x-channel"
)

// AudioFile Ogg/Opus файл для проигрывания в звонок.
type AudioFile struct {
	Name string
	// Hash sha1 содержимого в hex
	Hash string
	// Channel выбранный канал, передается заголовком x-channel
	Channel  int
	Channels int
	data     []byte
}

// LoadAudioFile читает файл с диска.
func LoadAudioFile(path string, channel int) (*AudioFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "не удалось прочитать %s", path)
	}
	return NewAudioFile(filepath.Base(path), data, channel)
}

// NewAudioFile проверяет содержимое и номер канала.
func NewAudioFile(name string, data []byte, channel int) (*AudioFile, error) {
	if channel < 0 {
		return nil, errors.Errorf("%s: отрицательный номер канала %d", name, channel)
	}
	channels, err := rtcmedia.OggChannels(data)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	if channel >= channels {
		return nil, errors.Errorf("%s: выбран канал %d, а в файле каналов %d", name, channel, channels)
	}
	sum := sha1.Sum(data)
	return &AudioFile{
		Name:     name,
		Hash:     hex.EncodeToString(sum[:]),
		Channel:  channel,
		Channels: channels,
		data:     data,
	}, nil
}

func (f *AudioFile) String() string {
	return fmt.Sprintf("%s (sha1 %s, канал %d из %d)", f.Name, f.Hash, f.Channel, f.Channels)
}

// ParseFileArg разбирает "path" или "path:channel".
func ParseFileArg(arg string) (path string, channel int, err error) {
	i := strings.LastIndexByte(arg, ':')
	if i < 0 {
		return arg, 0, nil
	}
	channel, err = strconv.Atoi(arg[i+1:])
	if err != nil {
		return "", 0, errors.Errorf("некорректный номер канала в %q", arg)
	}
	return arg[:i], channel, nil
}

// AudioSource источник звука звонка.
type AudioSource interface {
	Input() *telephony.MediaStream
	Play(ctx context.Context) (time.Duration, error)
}

// SourceFactory создает источник звука для файла.
type SourceFactory func(f *AudioFile) (AudioSource, error)

// OggSources проигрывает файлы через rtcmedia.OggSource.
func OggSources(f *AudioFile) (AudioSource, error) {
	src, err := rtcmedia.NewOggSource(f.data, "file-"+f.Hash[:8])
	if err != nil {
		return nil, err
	}
	return src, nil
}

// PlaybackConfig параметры проигрывания файлов.
type PlaybackConfig struct {
	ResellerToken string
	Destination   string
	Concurrency   int
	// AudioGap пауза после установки звонка и после окончания файла
	AudioGap time.Duration

	RegistrationTimeout time.Duration
	CallTimeout         time.Duration
	ICEGatheringTimeout time.Duration

	URIArguments []telephony.URIArgument
	ExtraHeaders []telephony.Header

	Logger *slog.Logger
}

// DefaultPlaybackConfig конфигурация по умолчанию без токена и адресата.
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		Concurrency:         DefaultConcurrency,
		AudioGap:            DefaultAudioGap,
		RegistrationTimeout: telephony.DefaultRegistrationTimeout,
		CallTimeout:         telephony.DefaultCallTimeout,
		ICEGatheringTimeout: telephony.DefaultICEGatheringTimeout,
	}
}

// Validate проверяет конфигурацию.
func (c PlaybackConfig) Validate() error {
	if c.ResellerToken == "" {
		return errors.New("не указан токен реселлера")
	}
	if strings.TrimSpace(c.Destination) == "" {
		return errors.New("не указан адресат звонков")
	}
	if c.Concurrency <= 0 {
		return errors.Errorf("некорректная параллельность: %d", c.Concurrency)
	}
	if c.AudioGap < 0 {
		return errors.New("пауза не может быть отрицательной")
	}
	if c.RegistrationTimeout < 0 {
		return errors.New("таймауты не могут быть отрицательными")
	}
	return c.callOptions(nil).Validate()
}

// callOptions звонок только с opus: страницы файла уходят без перекодирования.
func (c PlaybackConfig) callOptions(f *AudioFile) telephony.CallOptions {
	opts := telephony.DefaultCallOptions()
	if c.CallTimeout > 0 {
		opts.Timeout = c.CallTimeout
	}
	if c.ICEGatheringTimeout > 0 {
		opts.ICEGatheringTimeout = c.ICEGatheringTimeout
	}
	opts.ExtraHeaders = append([]telephony.Header(nil), c.ExtraHeaders...)
	if f != nil {
		opts.ExtraHeaders = append(opts.ExtraHeaders,
			telephony.Header{Name: HeaderFilename, Value: f.Name},
			telephony.Header{Name: HeaderChannel, Value: strconv.Itoa(f.Channel)})
	}
	opts.CodecFilter = sdpfilter.Only("opus")
	return opts
}

// PlaybackReport итог звонка с одним файлом.
type PlaybackReport struct {
	File     *AudioFile
	DialogID string
	Played   time.Duration
	Audio    rtcmedia.DrainStats
	Err      error
}

// PlaybackSummary итог проигрывания всех файлов.
type PlaybackSummary struct {
	Completed []PlaybackReport
	Failed    []PlaybackReport
	// Cancelled файлы, снятые с очереди до звонка
	Cancelled int
	Elapsed   time.Duration
}

// Player звонит с каждым файлом и проигрывает его адресату.
type Player struct {
	cfg       PlaybackConfig
	backend   Backend
	newUA     telephony.UserAgentFactory
	newSource SourceFactory
	metrics   workqueue.Observer
	log       *slog.Logger
}

// NewPlayer создает Player. metrics может быть nil.
func NewPlayer(cfg PlaybackConfig, backend Backend, newUA telephony.UserAgentFactory, newSource SourceFactory, metrics workqueue.Observer) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "некорректная конфигурация проигрывания")
	}
	if backend == nil || newUA == nil || newSource == nil {
		return nil, errors.New("не заданы backend, фабрика user agent'ов или источников звука")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Player{
		cfg:       cfg,
		backend:   backend,
		newUA:     newUA,
		newSource: newSource,
		metrics:   metrics,
		log:       log.With(slog.String("destination", cfg.Destination)),
	}, nil
}

// Run проигрывает файлы не более cfg.Concurrency звонков одновременно. Отмена
// ctx снимает с очереди еще не начатые файлы и обрывает текущие звонки.
func (p *Player) Run(ctx context.Context, files []*AudioFile) (PlaybackSummary, error) {
	started := time.Now()

	var qopts []workqueue.Option
	if p.metrics != nil {
		qopts = append(qopts, workqueue.WithObserver(p.metrics))
	}
	q := workqueue.New[PlaybackReport](p.cfg.Concurrency, qopts...)

	p.log.Info("Player.Run started", slog.Int("files", len(files)))
	futures := make([]*workqueue.Future[PlaybackReport], len(files))
	for i, f := range files {
		futures[i] = q.Submit(func(ctx context.Context) (PlaybackReport, error) {
			return p.play(ctx, f)
		})
	}

	stop := context.AfterFunc(ctx, func() {
		p.log.Warn("Player.Run cancelled")
		q.Cancel()
	})
	defer stop()

	<-q.AwaitEmpty()
	for _, f := range futures {
		<-f.Done()
	}

	var summary PlaybackSummary
	for i, f := range futures {
		report, err := f.Result()
		if errors.Is(err, workqueue.ErrCancelled) {
			summary.Cancelled++
			continue
		}
		report.File = files[i]
		report.Err = err
		if err != nil {
			p.log.Info("Call failed", slog.String("file", files[i].String()), slog.String("error", err.Error()))
			summary.Failed = append(summary.Failed, report)
			continue
		}
		p.log.Info("Call completed", slog.String("file", files[i].String()), slog.Duration("played", report.Played))
		summary.Completed = append(summary.Completed, report)
	}
	summary.Elapsed = time.Since(started)

	p.log.Info("Player.Run finished",
		slog.Int("completed", len(summary.Completed)),
		slog.Int("failed", len(summary.Failed)),
		slog.Int("cancelled", summary.Cancelled),
		slog.Duration("elapsed", summary.Elapsed))
	return summary, ctx.Err()
}

// play один звонок: пауза, файл, пауза, завершение. Звонок, завершенный
// адресатом раньше, тоже считается выполненным.
func (p *Player) play(ctx context.Context, f *AudioFile) (PlaybackReport, error) {
	report := PlaybackReport{File: f}
	log := p.log.With(slog.String("file", f.Name))

	src, err := p.newSource(f)
	if err != nil {
		return report, errors.Wrap(err, "не удалось подготовить файл")
	}
	details, err := p.backend.Authenticate(ctx, p.cfg.ResellerToken)
	if err != nil {
		return report, errors.Wrap(err, "не удалось получить учетные данные")
	}
	conn, err := telephony.Register(ctx, p.newUA, details, telephony.RegisterOptions{
		Timeout:      p.cfg.RegistrationTimeout,
		URIArguments: p.cfg.URIArguments,
		Logger:       log,
	})
	if err != nil {
		return report, errors.Wrap(err, "не удалось зарегистрироваться")
	}
	defer conn.Disconnect()

	opts := p.cfg.callOptions(f)
	opts.Input = src.Input()
	call, err := conn.PlaceCall(ctx, p.cfg.Destination, opts)
	if err != nil {
		return report, errors.Wrap(err, "не удалось установить звонок")
	}
	audio := drainAudio(call, log)
	report.DialogID = call.DialogID()

	// проигрывание прерывается и отменой ctx, и завершением звонка
	playCtx, stopPlay := context.WithCancel(ctx)
	defer stopPlay()
	go func() {
		select {
		case <-call.Done():
			stopPlay()
		case <-playCtx.Done():
		}
	}()

	playErr := sleep(playCtx, p.cfg.AudioGap)
	if playErr == nil {
		report.Played, playErr = src.Play(playCtx)
		log.Debug("Player.play finished file", slog.Duration("played", report.Played))
	}
	if playErr == nil {
		playErr = sleep(playCtx, p.cfg.AudioGap)
	}

	interrupted := playCtx.Err() != nil
	stopPlay()
	if err := call.Drop(); err != nil {
		log.Warn("Player.play drop failed", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		awaitEnd(call, opts.Timeout)
		return report, ctx.Err()
	}
	if playErr != nil && !interrupted {
		awaitEnd(call, opts.Timeout)
		return report, errors.Wrap(playErr, "не удалось проиграть файл")
	}
	if err := call.Wait(ctx); err != nil {
		return report, errors.Wrap(err, "звонок завершился с ошибкой")
	}
	report.Audio = audio()
	return report, nil
}

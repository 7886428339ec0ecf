package loadtest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/webcall/pkg/cvg"
	"github.com/arzzra/webcall/pkg/rtcmedia"
	"github.com/arzzra/webcall/pkg/telephony"
	"github.com/arzzra/webcall/pkg/workqueue"
)

// Result классификация одного звонка.
type Result string

const (
	ResultNoGreeting Result = "no_greeting"
	ResultSingle     Result = "single"
	ResultMultiple   Result = "multiple"
	ResultFailed     Result = "failed"
)

// ErrNoDialogID ответ на INVITE не содержит идентификатора диалога CVG.
var ErrNoDialogID = errors.New("в ответе нет идентификатора диалога")

// Classify классифицирует звонок по числу приветствий в журнале.
func Classify(greetings int) Result {
	switch {
	case greetings <= 0:
		return ResultNoGreeting
	case greetings == 1:
		return ResultSingle
	default:
		return ResultMultiple
	}
}

// Backend HTTP API CVG. Реализуется *cvg.Client.
type Backend interface {
	Authenticate(ctx context.Context, resellerToken string) (telephony.AuthenticationDetails, error)
	DialogData(ctx context.Context, resellerToken, dialogID string) (*cvg.DialogData, error)
	DialogDataURL(resellerToken, dialogID string) string
}

var _ Backend = (*cvg.Client)(nil)

// Metrics получатель метрик прогона. Реализуется *metrics.Collector.
type Metrics interface {
	telephony.Observer
	workqueue.Observer
	GreetingClassified(result string)
}

// Progress счетчики прогона на текущий момент.
type Progress struct {
	NoGreeting int
	Single     int
	Multiple   int
	Failed     int
	Completed  int
	// Remaining еще не начатые звонки
	Remaining  int
	InProgress int
}

// CallReport итог одного звонка.
type CallReport struct {
	Index     int
	Result    Result
	DialogID  string
	Greetings int
	Audio     rtcmedia.DrainStats
	Duration  time.Duration
	Err       error
}

// Summary итог прогона.
type Summary struct {
	Progress
	// Cancelled звонки, снятые с очереди до запуска
	Cancelled int
	Reports   []CallReport
	Elapsed   time.Duration
}

// Option настраивает Runner.
type Option func(*Runner)

// WithMetrics подключает метрики регистраций, звонков, очереди и классификации.
func WithMetrics(m Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithProgress вызывает fn при каждом изменении счетчиков. fn вызывается
// последовательно под внутренней блокировкой и не должен обращаться к Runner.
func WithProgress(fn func(Progress)) Option {
	return func(r *Runner) {
		r.onProgress = fn
	}
}

// Runner выполняет нагрузочный прогон.
type Runner struct {
	cfg        Config
	backend    Backend
	newUA      telephony.UserAgentFactory
	metrics    Metrics
	onProgress func(Progress)
	log        *slog.Logger

	mu       sync.Mutex
	progress Progress
}

// NewRunner создает Runner.
func NewRunner(cfg Config, backend Backend, newUA telephony.UserAgentFactory, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "некорректная конфигурация нагрузочного теста")
	}
	if backend == nil || newUA == nil {
		return nil, errors.New("не заданы backend или фабрика user agent'ов")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Runner{
		cfg:     cfg,
		backend: backend,
		newUA:   newUA,
		log:     log.With(slog.String("destination", cfg.Destination)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run выполняет cfg.Calls звонков не более cfg.Concurrency одновременно и
// ждет завершения всех. Отмена ctx снимает с очереди еще не начатые звонки
// и прерывает выполняющиеся; в этом случае вместе с итогом возвращается ctx.Err().
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	started := time.Now()
	r.mu.Lock()
	r.progress = Progress{Remaining: r.cfg.Calls}
	r.mu.Unlock()

	var qopts []workqueue.Option
	if r.metrics != nil {
		qopts = append(qopts, workqueue.WithObserver(r.metrics))
	}
	q := workqueue.New[CallReport](r.cfg.Concurrency, qopts...)

	r.log.Info("Runner.Run started",
		slog.Int("calls", r.cfg.Calls),
		slog.Int("concurrency", r.cfg.Concurrency))

	futures := make([]*workqueue.Future[CallReport], r.cfg.Calls)
	for i := range futures {
		index := i + 1
		futures[i] = q.Submit(func(ctx context.Context) (CallReport, error) {
			return r.task(ctx, index)
		})
	}

	stop := context.AfterFunc(ctx, func() {
		r.log.Warn("Runner.Run cancelled")
		q.Cancel()
	})
	defer stop()

	<-q.AwaitEmpty()
	// после Cancel очередь пуста сразу, а запущенные звонки еще завершаются
	for _, f := range futures {
		<-f.Done()
	}

	summary := Summary{Elapsed: time.Since(started)}
	for i, f := range futures {
		report, err := f.Result()
		if errors.Is(err, workqueue.ErrCancelled) {
			summary.Cancelled++
			continue
		}
		report.Index = i + 1
		report.Err = err
		summary.Reports = append(summary.Reports, report)
	}

	r.mu.Lock()
	summary.Progress = r.progress
	r.mu.Unlock()
	summary.Remaining = 0

	r.log.Info("Runner.Run finished",
		slog.Int("noGreeting", summary.NoGreeting),
		slog.Int("single", summary.Single),
		slog.Int("multiple", summary.Multiple),
		slog.Int("failed", summary.Failed),
		slog.Int("cancelled", summary.Cancelled),
		slog.Duration("elapsed", summary.Elapsed))
	return summary, ctx.Err()
}

// Progress текущие счетчики.
func (r *Runner) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

func (r *Runner) update(fn func(p *Progress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.progress)
	if r.onProgress != nil {
		r.onProgress(r.progress)
	}
}

func (r *Runner) task(ctx context.Context, index int) (CallReport, error) {
	r.update(func(p *Progress) {
		p.InProgress++
		p.Remaining--
	})

	started := time.Now()
	report, err := r.performCall(ctx, index)
	report.Duration = time.Since(started)
	if err != nil {
		report.Result = ResultFailed
	}
	log := r.log.With(slog.Int("call", index), slog.String("dialogID", report.DialogID))

	switch report.Result {
	case ResultNoGreeting:
		log.Error("No greeting received", slog.String("url", r.backend.DialogDataURL(r.cfg.ResellerToken, report.DialogID)))
	case ResultMultiple:
		log.Error("Multiple greetings received",
			slog.Int("greetings", report.Greetings),
			slog.String("url", r.backend.DialogDataURL(r.cfg.ResellerToken, report.DialogID)))
	case ResultFailed:
		log.Error("Call failed", slog.String("error", err.Error()))
	default:
		log.Debug("Call completed", slog.Duration("duration", report.Duration))
	}
	if r.metrics != nil {
		r.metrics.GreetingClassified(string(report.Result))
	}

	r.update(func(p *Progress) {
		p.InProgress--
		p.Completed++
		switch report.Result {
		case ResultNoGreeting:
			p.NoGreeting++
		case ResultSingle:
			p.Single++
		case ResultMultiple:
			p.Multiple++
		default:
			p.Failed++
		}
	})
	return report, err
}

// performCall один звонок: учетные данные, регистрация, звонок, удержание,
// завершение, журнал диалога.
func (r *Runner) performCall(ctx context.Context, index int) (CallReport, error) {
	report := CallReport{Index: index}
	log := r.log.With(slog.Int("call", index))

	details, err := r.backend.Authenticate(ctx, r.cfg.ResellerToken)
	if err != nil {
		return report, errors.Wrap(err, "не удалось получить учетные данные")
	}

	var observer telephony.Observer
	if r.metrics != nil {
		observer = r.metrics
	}
	conn, err := telephony.Register(ctx, r.newUA, details, telephony.RegisterOptions{
		Timeout:      r.cfg.RegistrationTimeout,
		URIArguments: r.cfg.URIArguments,
		Logger:       log,
		Observer:     observer,
	})
	if err != nil {
		return report, errors.Wrap(err, "не удалось зарегистрироваться")
	}
	defer conn.Disconnect()

	call, err := conn.PlaceCall(ctx, r.cfg.Destination, r.cfg.callOptions())
	if err != nil {
		return report, errors.Wrap(err, "не удалось установить звонок")
	}
	audio := r.drain(call)

	report.DialogID = call.DialogID()
	if report.DialogID == "" {
		_ = call.Drop()
		awaitEnd(call, r.cfg.callOptions().Timeout)
		return report, ErrNoDialogID
	}

	holdErr := sleep(ctx, r.cfg.DelayBeforeDrop)
	if err := call.Drop(); err != nil {
		log.Warn("Runner.performCall drop failed", slog.String("error", err.Error()))
	}
	if holdErr != nil {
		awaitEnd(call, r.cfg.callOptions().Timeout)
		return report, holdErr
	}
	if err := call.Wait(ctx); err != nil {
		return report, errors.Wrap(err, "звонок завершился с ошибкой")
	}
	report.Audio = audio()
	conn.Disconnect()

	if err := sleep(ctx, r.cfg.DelayAfterDrop); err != nil {
		return report, err
	}
	data, err := r.backend.DialogData(ctx, r.cfg.ResellerToken, report.DialogID)
	if err != nil {
		return report, errors.Wrap(err, "не удалось получить журнал диалога")
	}
	report.Greetings = data.Greetings()
	report.Result = Classify(report.Greetings)
	return report, nil
}

func (r *Runner) drain(call *telephony.Call) func() rtcmedia.DrainStats {
	if !r.cfg.DrainAudio {
		return func() rtcmedia.DrainStats { return rtcmedia.DrainStats{} }
	}
	return drainAudio(call, r.log)
}

// drainAudio читает входящий звук до завершения звонка. Возвращаемая функция
// ждет окончания чтения и суммирует статистику по трекам.
func drainAudio(call *telephony.Call, log *slog.Logger) func() rtcmedia.DrainStats {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-call.Done()
		cancel()
	}()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total rtcmedia.DrainStats
	)
	for _, t := range call.Media().Tracks {
		src, ok := t.(rtcmedia.PacketSource)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := rtcmedia.Drain(ctx, src)
			if err != nil {
				log.Debug("drainAudio", slog.String("track", t.ID()), slog.String("error", err.Error()))
			}
			mu.Lock()
			total.Packets += stats.Packets
			total.Bytes += stats.Bytes
			total.Lost += stats.Lost
			mu.Unlock()
		}()
	}

	return func() rtcmedia.DrainStats {
		wg.Wait()
		mu.Lock()
		defer mu.Unlock()
		return total
	}
}

// awaitEnd ждет завершения звонка не дольше limit. Оставшуюся сессию
// завершит Disconnect.
func awaitEnd(call *telephony.Call, limit time.Duration) {
	t := time.NewTimer(limit)
	defer t.Stop()
	select {
	case <-call.Done():
	case <-t.C:
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

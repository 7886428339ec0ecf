package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ini "gopkg.in/ini.v1"

	"github.com/arzzra/webcall/pkg/cvg"
	"github.com/arzzra/webcall/pkg/loadtest"
	"github.com/arzzra/webcall/pkg/logging"
	"github.com/arzzra/webcall/pkg/metrics"
	"github.com/arzzra/webcall/pkg/rtcmedia"
	"github.com/arzzra/webcall/pkg/sipws"
	"github.com/arzzra/webcall/pkg/telephony"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to ini file")
		environment = flag.String("env", cvg.DefaultEnvironment, "CVG environment URL")
		token       = flag.String("token", "", "Reseller token")
		destination = flag.String("to", "", "Call destination")
		calls       = flag.Int("calls", loadtest.DefaultCalls, "Number of calls")
		concurrency = flag.Int("concurrency", loadtest.DefaultConcurrency, "Max parallel calls")
		before      = flag.Duration("delay-before-drop", loadtest.DefaultDelayBeforeDrop, "Hold time of an established call")
		after       = flag.Duration("delay-after-drop", loadtest.DefaultDelayAfterDrop, "Pause before fetching dialog data")
		gap         = flag.Duration("audio-gap", loadtest.DefaultAudioGap, "Playback mode: pause before and after the file")
		codecs      = flag.String("codecs", "", "Comma separated audio codecs, e.g. opus,PCMU")
		metricsAddr = flag.String("metrics", "", "Listen address for /metrics, empty to disable")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		logFormat   = flag.String("log-format", logging.FormatText, "Log format: text, json")
		logFile     = flag.String("log-file", "", "Also write log to this file")
		debug       = flag.Bool("debug", false, "Dump SIP messages")
	)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [file.ogg[:channel] ...]\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "With Ogg/Opus files every file is played into its own call instead of the greeting run.")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
	}

	file := ini.Empty()
	if *configPath != "" {
		var err error
		if file, err = ini.Load(*configPath); err != nil {
			log.Fatalf("Ошибка чтения конфигурации %s: %v", *configPath, err)
		}
	}
	settings, err := LoadSettings(file)
	if err != nil {
		log.Fatalf("Ошибка конфигурации: %v", err)
	}

	// флаги, заданные явно, перекрывают файл
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "env":
			settings.Environment = *environment
		case "token":
			settings.Run.ResellerToken = *token
		case "to":
			settings.Run.Destination = *destination
		case "calls":
			settings.Run.Calls = *calls
		case "concurrency":
			settings.Run.Concurrency = *concurrency
		case "delay-before-drop":
			settings.Run.DelayBeforeDrop = *before
		case "delay-after-drop":
			settings.Run.DelayAfterDrop = *after
		case "audio-gap":
			settings.AudioGap = *gap
		case "codecs":
			list := splitList(*codecs)
			settings.Media.Codecs = list
			settings.Run.Codecs = list
		case "metrics":
			settings.MetricsAddr = *metricsAddr
		case "log-level":
			settings.Log.Level = *logLevel
		case "log-format":
			settings.Log.Format = *logFormat
		case "log-file":
			settings.Log.File = *logFile
		}
	})

	if err := run(settings, flag.Args()); err != nil {
		log.Fatalf("Нагрузочный тест завершился с ошибкой: %v", err)
	}
}

func run(s *Settings, files []string) error {
	logger, closer, err := logging.New(s.Log)
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	client, err := cvg.NewClient(cvg.Config{Environment: s.Environment, Timeout: 30 * time.Second, Logger: logger})
	if err != nil {
		return err
	}
	s.Media.Logger = logger
	if len(files) > 0 {
		// файлы уходят в звонок без перекодирования
		s.Media.Codecs = []string{"opus"}
	}
	engine, err := rtcmedia.NewEngine(s.Media)
	if err != nil {
		return err
	}
	sipCfg := sipws.DefaultConfig()
	sipCfg.UserAgent = "webcall-loadtest"
	sipCfg.Logger = logger

	collector := metrics.New(metrics.DefaultConfig())
	if s.MetricsAddr != "" {
		srv := &http.Server{Addr: s.MetricsAddr, Handler: metricsMux()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
		logger.Info("Metrics server started", slog.String("addr", s.MetricsAddr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.Run.Logger = logger
	if len(files) > 0 {
		return playFiles(ctx, s, files, client, sipws.NewFactory(sipCfg, engine), collector)
	}
	runner, err := loadtest.NewRunner(s.Run, client, sipws.NewFactory(sipCfg, engine),
		loadtest.WithMetrics(collector),
		loadtest.WithProgress(printProgress))
	if err != nil {
		return err
	}

	summary, err := runner.Run(ctx)
	printSummary(summary)
	if errors.Is(err, context.Canceled) {
		fmt.Println("Прогон прерван")
		return nil
	}
	return err
}

// playFiles проигрывает каждый файл в отдельный звонок.
func playFiles(ctx context.Context, s *Settings, args []string, backend loadtest.Backend, newUA telephony.UserAgentFactory, collector *metrics.Collector) error {
	files := make([]*loadtest.AudioFile, 0, len(args))
	for _, arg := range args {
		path, channel, err := loadtest.ParseFileArg(arg)
		if err != nil {
			return err
		}
		f, err := loadtest.LoadAudioFile(path, channel)
		if err != nil {
			return err
		}
		files = append(files, f)
	}

	player, err := loadtest.NewPlayer(s.Playback(), backend, newUA, loadtest.OggSources, collector)
	if err != nil {
		return err
	}
	summary, err := player.Run(ctx, files)
	printPlayback(summary)
	if errors.Is(err, context.Canceled) {
		fmt.Println("Прогон прерван")
		return nil
	}
	return err
}

func printPlayback(s loadtest.PlaybackSummary) {
	for _, r := range s.Completed {
		fmt.Printf("OK     %s\n", r.File)
	}
	for _, r := range s.Failed {
		fmt.Printf("ОШИБКА %s: %v\n", r.File, r.Err)
	}
	total := len(s.Completed) + len(s.Failed)
	switch {
	case len(s.Failed) == 0:
		fmt.Printf("Все %d звонков выполнены успешно\n", len(s.Completed))
	case len(s.Completed) == 0:
		fmt.Printf("Все %d звонков завершились ошибкой\n", len(s.Failed))
	default:
		fmt.Printf("Выполнено %d звонков, из них с ошибкой %d\n", total, len(s.Failed))
	}
	if s.Cancelled > 0 {
		fmt.Printf("Отменено: %d\n", s.Cancelled)
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func printProgress(p loadtest.Progress) {
	fmt.Printf("\rбез приветствия: %d | одно: %d | несколько: %d | ошибки: %d | завершено: %d | осталось: %d | в работе: %d",
		p.NoGreeting, p.Single, p.Multiple, p.Failed, p.Completed, p.Remaining, p.InProgress)
}

func printSummary(s loadtest.Summary) {
	fmt.Println()
	fmt.Println("=== ИТОГ ===")
	fmt.Printf("Без приветствия:      %d\n", s.NoGreeting)
	fmt.Printf("Одно приветствие:     %d\n", s.Single)
	fmt.Printf("Несколько приветствий: %d\n", s.Multiple)
	fmt.Printf("Ошибки:               %d\n", s.Failed)
	if s.Cancelled > 0 {
		fmt.Printf("Отменено:             %d\n", s.Cancelled)
	}
	fmt.Printf("Время:                %s\n", s.Elapsed.Round(time.Millisecond))

	var packets, lost int
	for _, r := range s.Reports {
		packets += r.Audio.Packets
		lost += r.Audio.Lost
	}
	if packets > 0 {
		fmt.Printf("RTP пакетов получено: %d, потеряно: %d\n", packets, lost)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

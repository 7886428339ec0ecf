package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"

	"github.com/arzzra/webcall/pkg/cvg"
	"github.com/arzzra/webcall/pkg/logging"
	"github.com/arzzra/webcall/pkg/rtcmedia"
	"github.com/arzzra/webcall/pkg/sdpfilter"
	"github.com/arzzra/webcall/pkg/sipws"
	"github.com/arzzra/webcall/pkg/telephony"
)

// listFlag повторяемый строковый флаг.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// parseCodecs список кодеков из "-codecs", пустые элементы пропускаются.
func parseCodecs(v string) []string {
	var out []string
	for _, c := range strings.Split(v, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

type options struct {
	environment string
	token       string
	destination string
	headers     listFlag
	uriArgs     listFlag
	codecs      string
	timeout     time.Duration
	iceTimeout  time.Duration
	log         logging.Config
}

func main() {
	opts := options{log: logging.DefaultConfig()}
	flag.StringVar(&opts.environment, "env", cvg.DefaultEnvironment, "CVG environment URL")
	flag.StringVar(&opts.token, "token", "", "Reseller token")
	flag.StringVar(&opts.destination, "to", "", "Call destination")
	flag.Var(&opts.headers, "header", "Extra INVITE header \"Name: Value\", repeatable")
	flag.Var(&opts.uriArgs, "uri-arg", "Argument appended to SIP address, key or key=value, repeatable")
	flag.StringVar(&opts.codecs, "codecs", "", "Comma separated audio codecs to offer")
	flag.DurationVar(&opts.timeout, "timeout", telephony.DefaultCallTimeout, "Call setup timeout")
	flag.DurationVar(&opts.iceTimeout, "ice-timeout", telephony.DefaultICEGatheringTimeout, "ICE gathering timeout")
	flag.StringVar(&opts.log.Level, "log-level", opts.log.Level, "Log level: debug, info, warn, error")
	flag.StringVar(&opts.log.Format, "log-format", opts.log.Format, "Log format: text, json")
	flag.StringVar(&opts.log.File, "log-file", "", "Also write log to this file")
	debug := flag.Bool("debug", false, "Dump SIP messages")
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
	}
	if opts.token == "" || opts.destination == "" {
		fmt.Println("Нужны -token и -to")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(opts, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("Ошибка: %v", err)
	}
}

func run(opts options, in io.Reader, out io.Writer) error {
	logger, closer, err := logging.New(opts.log)
	if err != nil {
		return err
	}
	defer closer.Close()

	headers, err := parseHeaders(opts.headers)
	if err != nil {
		return err
	}
	var uriArgs []telephony.URIArgument
	for _, a := range opts.uriArgs {
		key, value, _ := strings.Cut(a, "=")
		uriArgs = append(uriArgs, telephony.URIArgument{Key: key, Value: value})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := cvg.NewClient(cvg.Config{Environment: opts.environment, Timeout: 30 * time.Second, Logger: logger})
	if err != nil {
		return err
	}
	details, err := client.Authenticate(ctx, opts.token)
	if err != nil {
		return err
	}

	mediaCfg := rtcmedia.DefaultConfig()
	mediaCfg.Logger = logger
	callOpts := telephony.CallOptions{
		Timeout:             opts.timeout,
		ICEGatheringTimeout: opts.iceTimeout,
		ExtraHeaders:        headers,
	}
	if allowed := parseCodecs(opts.codecs); len(allowed) > 0 {
		mediaCfg.Codecs = allowed
		callOpts.CodecFilter = sdpfilter.Only(allowed...)
	}
	engine, err := rtcmedia.NewEngine(mediaCfg)
	if err != nil {
		return err
	}
	sipCfg := sipws.DefaultConfig()
	sipCfg.Logger = logger

	conn, err := telephony.Register(ctx, sipws.NewFactory(sipCfg, engine), details, telephony.RegisterOptions{
		URIArguments: uriArgs,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer conn.Disconnect()
	fmt.Fprintf(out, "Зарегистрирован как %s\n", conn.Address())

	call, err := conn.PlaceCall(ctx, opts.destination, callOpts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Звонок установлен, диалог %s\n", call.DialogID())
	if id := call.DialogID(); id != "" {
		fmt.Fprintf(out, "Журнал диалога: %s\n", client.DialogDataURL(opts.token, id))
	}
	fmt.Fprintln(out, "Команды: 0-9 * # A-D тоны, mute, unmute, drop")

	go audioStats(call, logger)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-call.Done():
			if err := call.Err(); err != nil {
				fmt.Fprintf(out, "Звонок завершен с ошибкой: %v\n", err)
				return nil
			}
			fmt.Fprintln(out, "Звонок завершен")
			return nil
		case <-ctx.Done():
			hangup(call)
			return nil
		case line, ok := <-lines:
			if !ok {
				hangup(call)
				return nil
			}
			if err := command(call, line, out); err != nil {
				fmt.Fprintf(out, "Ошибка: %v\n", err)
			}
		}
	}
}

// hangup завершает звонок и недолго ждет BYE. Остальное сделает Disconnect.
func hangup(call *telephony.Call) {
	_ = call.Drop()
	select {
	case <-call.Done():
	case <-time.After(5 * time.Second):
	}
}

// command выполняет строку ввода. Все символы строки, не являющейся
// командой, отправляются тонами по порядку.
func command(call *telephony.Call, line string, out io.Writer) error {
	switch cmd := strings.ToLower(strings.TrimSpace(line)); cmd {
	case "":
		return nil
	case "mute", "unmute":
		if err := call.SetMicrophoneMuted(cmd == "mute"); err != nil {
			return err
		}
		fmt.Fprintf(out, "Микрофон выключен: %t\n", call.MicrophoneMuted())
		return nil
	case "drop", "hangup":
		return call.Drop()
	}

	for _, r := range strings.TrimSpace(line) {
		if r == ' ' {
			continue
		}
		if err := call.SendTone(strings.ToUpper(string(r))); err != nil {
			return err
		}
	}
	return nil
}

func parseHeaders(raw []string) ([]telephony.Header, error) {
	headers := make([]telephony.Header, 0, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, errors.Errorf("заголовок должен быть вида \"Name: Value\": %q", h)
		}
		headers = append(headers, telephony.Header{Name: strings.TrimSpace(name), Value: strings.TrimSpace(value)})
	}
	return headers, nil
}

// audioStats читает входящий звук до конца звонка и пишет статистику.
func audioStats(call *telephony.Call, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-call.Done()
		cancel()
	}()
	for _, t := range call.Media().Tracks {
		src, ok := t.(rtcmedia.PacketSource)
		if !ok {
			continue
		}
		stats, err := rtcmedia.Drain(ctx, src)
		if err != nil {
			logger.Warn("Remote audio read failed", slog.String("track", t.ID()), slog.String("error", err.Error()))
			continue
		}
		logger.Info("Remote audio finished",
			slog.String("track", t.ID()),
			slog.Int("packets", stats.Packets),
			slog.Int("lost", stats.Lost))
	}
}

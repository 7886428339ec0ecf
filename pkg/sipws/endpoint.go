package sipws

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/pkg/errors"
)

// Transport тип websocket транспорта.
type Transport string

const (
	TransportWS  Transport = "WS"
	TransportWSS Transport = "WSS"
)

// maxFailures после стольких неудач подряд endpoint считается нездоровым
const maxFailures = 3

// Endpoint сигнальный сервер, к которому подключается user agent.
type Endpoint struct {
	Host      string
	Port      int
	Path      string
	Transport Transport

	lastUsed atomic.Int64
	failures atomic.Uint32
}

// ParseEndpoint разбирает адрес вида ws://host[:port][/path] или wss://...
func ParseEndpoint(raw string) (*Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "некорректный адрес сокета %q", raw)
	}

	e := &Endpoint{Host: u.Hostname(), Path: u.Path}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		e.Transport, e.Port = TransportWS, 80
	case "wss":
		e.Transport, e.Port = TransportWSS, 443
	default:
		return nil, errors.Errorf("неподдерживаемая схема %q в адресе %q", u.Scheme, raw)
	}
	if p := u.Port(); p != "" {
		if e.Port, err = strconv.Atoi(p); err != nil {
			return nil, errors.Wrapf(err, "некорректный порт в адресе %q", raw)
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate проверяет корректность endpoint'а.
func (e *Endpoint) Validate() error {
	if e.Host == "" {
		return errors.New("хост endpoint'а не может быть пустым")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return errors.Errorf("некорректный порт %d для endpoint'а %s", e.Port, e.Host)
	}
	if e.Transport != TransportWS && e.Transport != TransportWSS {
		return errors.Errorf("неподдерживаемый транспорт %q", e.Transport)
	}
	return nil
}

// Address адрес назначения запросов host:port.
func (e *Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BuildURI создает SIP URI сервера. Для WSS схема sips.
func (e *Endpoint) BuildURI(user string) sip.Uri {
	scheme := "sip"
	if e.Transport == TransportWSS {
		scheme = "sips"
	}
	return sip.Uri{
		Scheme: scheme,
		User:   user,
		Host:   e.Host,
		Port:   e.Port,
	}
}

// IsHealthy нет ли подряд maxFailures неудач.
func (e *Endpoint) IsHealthy() bool {
	return e.failures.Load() < maxFailures
}

// RecordSuccess записывает успешное использование endpoint'а.
func (e *Endpoint) RecordSuccess() {
	e.lastUsed.Store(time.Now().UnixNano())
	e.failures.Store(0)
}

// RecordFailure записывает неудачную попытку.
func (e *Endpoint) RecordFailure() {
	e.failures.Add(1)
}

// LastUsed время последнего успешного использования.
func (e *Endpoint) LastUsed() time.Time {
	if ns := e.lastUsed.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (e *Endpoint) String() string {
	return fmt.Sprintf("%s://%s%s", strings.ToLower(string(e.Transport)), e.Address(), e.Path)
}

// endpoints упорядоченный список серверов для failover.
type endpoints []*Endpoint

func parseEndpoints(sockets []string) (endpoints, error) {
	if len(sockets) == 0 {
		return nil, errors.New("не указан ни один адрес сокета")
	}
	out := make(endpoints, 0, len(sockets))
	for _, raw := range sockets {
		e, err := ParseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ordered порядок перебора: сначала здоровые в исходном порядке, затем остальные.
func (es endpoints) ordered() []*Endpoint {
	out := make([]*Endpoint, 0, len(es))
	for _, e := range es {
		if e.IsHealthy() {
			out = append(out, e)
		}
	}
	for _, e := range es {
		if !e.IsHealthy() {
			out = append(out, e)
		}
	}
	return out
}

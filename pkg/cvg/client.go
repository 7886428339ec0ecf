// Package cvg HTTP клиент сервиса Cognitive Voice Gateway: выдача одноразовых
// WebRTC учетных данных и чтение журнала диалога.
package cvg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/arzzra/webcall/pkg/telephony"
)

const (
	// DefaultEnvironment адрес рабочего окружения CVG
	DefaultEnvironment = "https://cognitivevoice.io"

	authenticatePath = "/v1/call/webrtc/authenticate"
	dialogPath       = "/v1/dialog"
)

// StatusError сервис ответил неуспешным HTTP статусом.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("cvg %s: неуспешный статус %d", e.Op, e.StatusCode)
}

// Config параметры клиента.
type Config struct {
	// Environment базовый URL окружения, по умолчанию DefaultEnvironment
	Environment string
	// Timeout ограничение на один HTTP запрос
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DefaultConfig конфигурация по умолчанию.
func DefaultConfig() Config {
	return Config{
		Environment: DefaultEnvironment,
		Timeout:     30 * time.Second,
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	u, err := url.Parse(c.Environment)
	if err != nil {
		return errors.Wrap(err, "некорректный адрес окружения")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("адрес окружения должен быть http(s): %q", c.Environment)
	}
	if u.Host == "" {
		return errors.Errorf("в адресе окружения нет хоста: %q", c.Environment)
	}
	if c.Timeout < 0 {
		return errors.New("таймаут не может быть отрицательным")
	}
	return nil
}

// Client клиент CVG API.
type Client struct {
	base string
	http *http.Client
	log  *slog.Logger
}

// NewClient создает клиент.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Environment == "" {
		cfg.Environment = DefaultEnvironment
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		base: strings.TrimRight(cfg.Environment, "/"),
		http: hc,
		log:  log,
	}, nil
}

// Environment базовый URL окружения.
func (c *Client) Environment() string {
	return c.base
}

type authenticateRequest struct {
	ResellerToken string `json:"resellerToken"`
}

// Authenticate получает одноразовые учетные данные для одного звонка.
// Данные нельзя переиспользовать: после первого успешного звонка сервис их аннулирует.
func (c *Client) Authenticate(ctx context.Context, resellerToken string) (telephony.AuthenticationDetails, error) {
	var details telephony.AuthenticationDetails

	body, err := json.Marshal(authenticateRequest{ResellerToken: resellerToken})
	if err != nil {
		return details, errors.Wrap(err, "не удалось сериализовать запрос")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+authenticatePath, bytes.NewReader(body))
	if err != nil {
		return details, errors.Wrap(err, "не удалось создать запрос")
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Debug("Client.Authenticate", slog.String("url", req.URL.String()))
	if err := c.do(req, "authenticate", &details); err != nil {
		return details, err
	}
	return details, nil
}

// DialogDataURL адрес журнала диалога.
func (c *Client) DialogDataURL(resellerToken, dialogID string) string {
	return c.base + dialogPath + "/" + url.PathEscape(resellerToken) + "/" + url.PathEscape(dialogID)
}

// DialogData читает журнал диалога.
func (c *Client) DialogData(ctx context.Context, resellerToken, dialogID string) (*DialogData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DialogDataURL(resellerToken, dialogID), nil)
	if err != nil {
		return nil, errors.Wrap(err, "не удалось создать запрос")
	}

	c.log.Debug("Client.DialogData", slog.String("dialogID", dialogID))
	data := &DialogData{}
	if err := c.do(req, "dialog", data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) do(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "cvg %s: запрос не выполнен", op)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		c.log.Warn("cvg request failed", slog.String("op", op), slog.Int("status", resp.StatusCode))
		return &StatusError{Op: op, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "cvg %s: не удалось разобрать ответ", op)
	}
	return nil
}

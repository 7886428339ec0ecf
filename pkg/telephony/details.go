package telephony

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// AuthenticationDetails одноразовые учетные данные для регистрации и одного звонка.
// Сервис, выдавший их, аннулирует данные после первого успешного звонка,
// поэтому повторно использовать их нельзя.
type AuthenticationDetails struct {
	Username      string   `json:"username"`
	Password      string   `json:"password"`
	SIPAddress    string   `json:"sipAddress"`
	WebsocketURIs []string `json:"websocketUris"`
	StunURIs      []string `json:"stunUris"`
	TurnURIs      []string `json:"turnUris"`
}

// Validate проверяет, что данных достаточно для регистрации.
func (d AuthenticationDetails) Validate() error {
	if d.Username == "" {
		return errors.New("не указан username")
	}
	if d.SIPAddress == "" {
		return errors.New("не указан sipAddress")
	}
	if len(d.WebsocketURIs) == 0 {
		return errors.New("не указан ни один websocket URI")
	}
	return nil
}

// ICEServers собирает список ICE серверов: STUN без учетных данных,
// TURN с username/password из тех же учетных данных.
func (d AuthenticationDetails) ICEServers() []ICEServer {
	var servers []ICEServer
	if len(d.StunURIs) > 0 {
		servers = append(servers, ICEServer{URLs: append([]string(nil), d.StunURIs...)})
	}
	if len(d.TurnURIs) > 0 {
		servers = append(servers, ICEServer{
			URLs:       append([]string(nil), d.TurnURIs...),
			Username:   d.Username,
			Credential: d.Password,
		})
	}
	return servers
}

// ICEServer STUN или TURN сервер.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Header SIP заголовок. Порядок и повторы сохраняются.
type Header struct {
	Name  string
	Value string
}

// HeaderValue возвращает значение первого заголовка с именем name без учета регистра.
func HeaderValue(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// URIArgument параметр, дописываемый к SIP адресу как ";key" или ";key=value".
type URIArgument struct {
	Key   string
	Value string
}

// AppendURIArguments дописывает аргументы к адресу. Ключ и значение
// кодируются процентным кодированием, пустое значение дает ";key".
func AppendURIArguments(address string, args []URIArgument) string {
	if len(args) == 0 {
		return address
	}
	var b strings.Builder
	b.WriteString(address)
	for _, arg := range args {
		b.WriteByte(';')
		b.WriteString(escapeURIComponent(arg.Key))
		if arg.Value != "" {
			b.WriteByte('=')
			b.WriteString(escapeURIComponent(arg.Value))
		}
	}
	return b.String()
}

// escapeURIComponent кодирует все, кроме букв, цифр и "-_.~".
func escapeURIComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

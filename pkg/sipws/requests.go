package sipws

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/pkg/errors"

	"github.com/arzzra/webcall/pkg/telephony"
)

const (
	contentTypeSDP       = "application/sdp"
	contentTypeDTMFRelay = "application/dtmf-relay"

	allowMethods = "INVITE, ACK, CANCEL, BYE, INFO, OPTIONS"

	statusUnauthorized      = 401
	statusProxyAuthRequired = 407
)

// StatusError финальный ответ сервера с кодом ошибки.
type StatusError struct {
	Method     string
	StatusCode int
	Reason     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s отклонен: %d %s", e.Method, e.StatusCode, e.Reason)
}

func statusError(method sip.RequestMethod, res *sip.Response) *StatusError {
	return &StatusError{Method: method.String(), StatusCode: int(res.StatusCode), Reason: res.Reason}
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// normalizeTarget приводит адрес звонка к SIP URI. Номер или имя без домена
// дополняются хостом регистратора.
func normalizeTarget(target string, registrar sip.Uri) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return sip.Uri{}, errors.New("пустой адрес звонка")
	}

	lower := strings.ToLower(target)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		if !strings.Contains(target, "@") {
			target += "@" + registrar.Host
		}
		target = "sip:" + target
	}

	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return sip.Uri{}, errors.Wrapf(err, "некорректный адрес звонка %q", target)
	}
	if uri.Host == "" {
		return sip.Uri{}, errors.Errorf("в адресе звонка %q нет хоста", target)
	}
	return uri, nil
}

// contactURI адрес клиента за websocket: хост недостижим напрямую, запросы
// приходят обратно по тому же соединению.
func contactURI(user string) sip.Uri {
	return sip.Uri{
		Scheme:    "sip",
		User:      user,
		Host:      newTag() + ".invalid",
		UriParams: sip.HeaderParams{"transport": "ws"},
	}
}

// authorization считает ответ на digest запрос из 401 или 407.
func authorization(res *sip.Response, method sip.RequestMethod, uri, username, password string) (sip.Header, error) {
	challengeName, replyName := "WWW-Authenticate", "Authorization"
	if res.StatusCode == statusProxyAuthRequired {
		challengeName, replyName = "Proxy-Authenticate", "Proxy-Authorization"
	}
	if username == "" || password == "" {
		return nil, errors.New("сервер требует авторизацию, но учетные данные не заданы")
	}

	h := res.GetHeader(challengeName)
	if h == nil {
		return nil, errors.Errorf("в ответе %d нет заголовка %s", res.StatusCode, challengeName)
	}
	challenge, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, errors.Wrapf(err, "некорректный запрос авторизации %q", h.Value())
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   method.String(),
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "не удалось посчитать digest")
	}
	return sip.NewHeader(replyName, cred.String()), nil
}

func isAuthChallenge(res *sip.Response) bool {
	return res.StatusCode == statusUnauthorized || res.StatusCode == statusProxyAuthRequired
}

// registerRequest REGISTER с заданным сроком. Call-ID и теги общие для всех
// обновлений одной регистрации.
func registerRequest(reg *registration, ep *Endpoint, expires time.Duration, auth sip.Header) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, ep.BuildURI(""))
	req.AppendHeader(&sip.FromHeader{Address: reg.aor, Params: sip.HeaderParams{"tag": reg.tag}})
	req.AppendHeader(&sip.ToHeader{Address: reg.aor, Params: sip.HeaderParams{}})
	callID := sip.CallIDHeader(reg.callID)
	req.AppendHeader(&callID)
	reg.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: reg.cseq, MethodName: sip.REGISTER})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&sip.ContactHeader{
		Address: reg.contact,
		Params:  sip.HeaderParams{"expires": strconv.Itoa(int(expires / time.Second))},
	})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))
	req.AppendHeader(sip.NewHeader("Allow", allowMethods))
	req.AppendHeader(sip.NewHeader("User-Agent", reg.userAgent))
	if auth != nil {
		req.AppendHeader(auth)
	}
	route(req, ep)
	return req
}

// grantedExpires срок из ответа на REGISTER: параметр expires нашего
// Contact, затем заголовок Expires, иначе запрошенный.
func grantedExpires(res *sip.Response, requested time.Duration) time.Duration {
	if c := res.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return requested
}

// inviteRequest начальный INVITE сессии.
func inviteRequest(d *dialogState, ep *Endpoint, body string, extra []telephony.Header, userAgent string, auth sip.Header) *sip.Request {
	req := sip.NewRequest(sip.INVITE, d.target)
	req.AppendHeader(&sip.FromHeader{Address: d.local, Params: sip.HeaderParams{"tag": d.localTag}})
	req.AppendHeader(&sip.ToHeader{Address: d.target, Params: sip.HeaderParams{}})
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.nextCSeq(), MethodName: sip.INVITE})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	req.AppendHeader(&sip.ContactHeader{Address: d.contact})
	req.AppendHeader(sip.NewHeader("Allow", allowMethods))
	req.AppendHeader(sip.NewHeader("User-Agent", userAgent))
	for _, h := range extra {
		req.AppendHeader(sip.NewHeader(h.Name, h.Value))
	}
	if auth != nil {
		req.AppendHeader(auth)
	}
	req.AppendHeader(sip.NewHeader("Content-Type", contentTypeSDP))
	req.SetBody([]byte(body))
	route(req, ep)
	return req
}

// cancelRequest CANCEL для отправленного INVITE: тот же Via, From, To,
// Call-ID и номер CSeq.
func cancelRequest(invite *sip.Request, ep *Endpoint) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	if via := invite.Via(); via != nil {
		req.AppendHeader(via.Clone())
	}
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	if h := invite.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}
	route(req, ep)
	return req
}

// inDialogRequest запрос внутри подтвержденного диалога (BYE, INFO).
// Request-URI берется из Contact ответа, To с тегом удаленной стороны,
// Route из Record-Route в обратном порядке.
func inDialogRequest(method sip.RequestMethod, d *dialogState, ep *Endpoint) *sip.Request {
	req := sip.NewRequest(method, d.remoteTarget)
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	for i := len(d.routes) - 1; i >= 0; i-- {
		req.AppendHeader(&sip.RouteHeader{Address: d.routes[i]})
	}
	req.AppendHeader(&sip.FromHeader{Address: d.local, Params: sip.HeaderParams{"tag": d.localTag}})
	req.AppendHeader(&sip.ToHeader{Address: d.target, Params: sip.HeaderParams{"tag": d.remoteTag}})
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.nextCSeq(), MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: d.contact})
	route(req, ep)
	return req
}

// ackRequest ACK на 2xx. Это отдельная транзакция: Via добавит клиент с новой
// веткой, номер CSeq и учетные данные берутся из INVITE, адресация как у
// запросов внутри диалога.
func ackRequest(invite *sip.Request, d *dialogState, ep *Endpoint) *sip.Request {
	req := sip.NewRequest(sip.ACK, d.remoteTarget)
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	for i := len(d.routes) - 1; i >= 0; i-- {
		req.AppendHeader(&sip.RouteHeader{Address: d.routes[i]})
	}
	req.AppendHeader(&sip.FromHeader{Address: d.local, Params: sip.HeaderParams{"tag": d.localTag}})
	req.AppendHeader(&sip.ToHeader{Address: d.target, Params: sip.HeaderParams{"tag": d.remoteTag}})
	callID := sip.CallIDHeader(d.callID)
	req.AppendHeader(&callID)
	var seq uint32
	if h := invite.CSeq(); h != nil {
		seq = h.SeqNo
	}
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.ACK})
	for _, name := range []string{"Authorization", "Proxy-Authorization"} {
		if h := invite.GetHeader(name); h != nil {
			req.AppendHeader(sip.HeaderClone(h))
		}
	}
	req.AppendHeader(&sip.ContactHeader{Address: d.contact})
	route(req, ep)
	return req
}

// dtmfRelayBody тело INFO запроса с тоном.
func dtmfRelayBody(tone string, duration time.Duration) string {
	return fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", tone, duration.Milliseconds())
}

// route направляет запрос в websocket соединение endpoint'а независимо от
// Request-URI.
func route(req *sip.Request, ep *Endpoint) {
	req.SetTransport(string(ep.Transport))
	req.SetDestination(ep.Address())
}

// headersOf копия заголовков ответа.
func headersOf(res *sip.Response) []telephony.Header {
	hs := res.Headers()
	out := make([]telephony.Header, 0, len(hs))
	for _, h := range hs {
		out = append(out, telephony.Header{Name: h.Name(), Value: h.Value()})
	}
	return out
}

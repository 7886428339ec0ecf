package telephony

import (
	"context"
	"log/slog"
	"strings"

	"github.com/looplab/fsm"
)

// CallState состояние попытки звонка.
type CallState string

func (s CallState) String() string {
	return string(s)
}

const (
	// StateIdle попытка создана, запрос сессии еще не отправлен
	StateIdle CallState = "idle"
	// StateAwaitingSession запрос отправлен, ждем объект сессии от user agent'а
	StateAwaitingSession CallState = "awaiting-session"
	// StateNegotiating сессия есть, параллельно ждем подтверждения и готовности медиа
	StateNegotiating CallState = "negotiating"
	// StateConfirmed звонок установлен
	StateConfirmed CallState = "confirmed"
	// StateEnded звонок завершен
	StateEnded CallState = "ended"
	// StateFailed сессия сообщила об ошибке до подтверждения
	StateFailed CallState = "failed"
	// StateAborted таймаут или внешняя отмена
	StateAborted CallState = "aborted"
)

func formEventName(src, dst CallState) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

/*
Конечный автомат попытки звонка:

	[idle] → [awaiting-session] → [negotiating] → [confirmed] → [ended]
	[awaiting-session] → [failed]
	[negotiating]      → [failed]
	[idle | awaiting-session | negotiating] → [aborted]

В negotiating одновременно ждем два сигнала: подтверждение сессии и
connected от медиа (состояние соединения или ICE). Переход в confirmed
только когда пришли оба.

События именуются formEventName(src, dst): "idle_to_awaiting-session" и т.д.
*/
func newCallFSM(log *slog.Logger) *fsm.FSM {
	pre := []string{string(StateIdle), string(StateAwaitingSession), string(StateNegotiating)}
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: formEventName(StateIdle, StateAwaitingSession), Src: []string{string(StateIdle)}, Dst: string(StateAwaitingSession)},
			{Name: formEventName(StateAwaitingSession, StateNegotiating), Src: []string{string(StateAwaitingSession)}, Dst: string(StateNegotiating)},
			{Name: formEventName(StateNegotiating, StateConfirmed), Src: []string{string(StateNegotiating)}, Dst: string(StateConfirmed)},
			{Name: formEventName(StateConfirmed, StateEnded), Src: []string{string(StateConfirmed)}, Dst: string(StateEnded)},
			{Name: formEventName(StateAwaitingSession, StateFailed), Src: []string{string(StateAwaitingSession)}, Dst: string(StateFailed)},
			{Name: formEventName(StateNegotiating, StateFailed), Src: []string{string(StateNegotiating)}, Dst: string(StateFailed)},
			{Name: string(StateAborted), Src: pre, Dst: string(StateAborted)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				log.Debug("Call state changed", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
}

// transition переводит автомат в dst из текущего состояния.
func transition(m *fsm.FSM, dst CallState) error {
	if dst == StateAborted {
		return m.Event(context.Background(), string(StateAborted))
	}
	return m.Event(context.Background(), formEventName(CallState(m.Current()), dst))
}

package cvg

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EntryType тип записи журнала диалога.
type EntryType string

const (
	EntryStart         EntryType = "Start"
	EntrySynthesis     EntryType = "Synthesis"
	EntryTone          EntryType = "Tone"
	EntryTranscription EntryType = "Transcription"
	EntryEnd           EntryType = "End"
)

// Entry запись журнала диалога. Конкретные типы: *StartEntry, *SynthesisEntry,
// *ToneEntry, *TranscriptionEntry, *EndEntry и *UnknownEntry для всех остальных.
type Entry interface {
	Type() EntryType
	Time() time.Time
}

// Base общие поля всех записей. Timestamp в миллисекундах unix времени.
type Base struct {
	Kind      EntryType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

func (b Base) Type() EntryType { return b.Kind }

func (b Base) Time() time.Time { return time.UnixMilli(b.Timestamp) }

type StartEntry struct {
	Base
	CustomSIPHeaders map[string][]string `json:"customSipHeaders"`
}

type SynthesisEntry struct {
	Base
	Text      string `json:"text"`
	PlainText string `json:"plainText"`
	Vendor    string `json:"vendor"`
	Language  string `json:"language"`
}

type ToneEntry struct {
	Base
	Tone             string `json:"tone"`
	TriggeredBargeIn bool   `json:"triggeredBargeIn"`
}

type TranscriptionEntry struct {
	Base
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	Vendor           string  `json:"vendor"`
	Language         string  `json:"language"`
	TriggeredBargeIn bool    `json:"triggeredBargeIn"`
}

type EndEntry struct {
	Base
	Reason string `json:"reason"`
}

// UnknownEntry запись неизвестного типа. Raw исходный JSON.
type UnknownEntry struct {
	Base
	Raw json.RawMessage `json:"-"`
}

// Entries список записей с разбором по полю type.
type Entries []Entry

func (e *Entries) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Entries, 0, len(raw))
	for i, item := range raw {
		entry, err := decodeEntry(item)
		if err != nil {
			return errors.Wrapf(err, "запись %d", i)
		}
		out = append(out, entry)
	}
	*e = out
	return nil
}

func decodeEntry(data json.RawMessage) (Entry, error) {
	var base Base
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	var entry Entry
	switch base.Kind {
	case EntryStart:
		entry = &StartEntry{}
	case EntrySynthesis:
		entry = &SynthesisEntry{}
	case EntryTone:
		entry = &ToneEntry{}
	case EntryTranscription:
		entry = &TranscriptionEntry{}
	case EntryEnd:
		entry = &EndEntry{}
	default:
		return &UnknownEntry{Base: base, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, errors.Wrapf(err, "запись типа %s", base.Kind)
	}
	return entry, nil
}

// DialogData журнал диалога.
type DialogData struct {
	DialogID string  `json:"dialogId"`
	CallID   string  `json:"callId,omitempty"`
	Data     Entries `json:"data"`
}

// CountEntries считает записи типа T.
func CountEntries[T Entry](entries []Entry) int {
	n := 0
	for _, e := range entries {
		if _, ok := e.(T); ok {
			n++
		}
	}
	return n
}

// Greetings число синтезированных реплик в журнале.
func (d *DialogData) Greetings() int {
	return CountEntries[*SynthesisEntry](d.Data)
}

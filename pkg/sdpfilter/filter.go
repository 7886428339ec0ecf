// Package sdpfilter переписывает список аудио кодеков в SDP описании.
//
// Фильтр работает построчно и не пересобирает описание целиком: каждая строка,
// которую фильтр не меняет, возвращается байт в байт вместе со своим
// окончанием строки. Переписанное описание снова уходит в согласование, и любая
// испорченная строка приводит к обрыву вызова.
package sdpfilter

import (
	"strings"
)

// Predicate решает, оставлять ли кодек с указанным именем (например "opus", "PCMU").
type Predicate func(codec string) bool

// alwaysKeep кодеки, которые сохраняются независимо от предиката.
var alwaysKeep = map[string]struct{}{
	"red":             {},
	"cn":              {},
	"telephone-event": {},
}

// staticPayloadTypes имена статических payload type из RFC 3551 для случаев,
// когда в описании нет a=rtpmap.
var staticPayloadTypes = map[string]string{
	"0":  "PCMU",
	"3":  "GSM",
	"4":  "G723",
	"8":  "PCMA",
	"9":  "G722",
	"13": "CN",
	"18": "G729",
}

// Filter возвращает описание, в котором строка m=audio содержит только
// payload type, чей кодек проходит include, плюс red, CN и telephone-event.
// Payload type без известного имени кодека сохраняются. Если после фильтрации
// не осталось ни одного идентификатора, секция не меняется.
// При include == nil описание возвращается без изменений.
func Filter(description string, include Predicate) string {
	if include == nil {
		return description
	}

	lines := splitLines(description)
	sections := groupSections(lines)

	changed := false
	for _, sec := range sections {
		if sec.media == nil || !strings.EqualFold(sec.media.media.media, "audio") {
			continue
		}
		if rewriteSection(sec, include) {
			changed = true
		}
	}
	if !changed {
		return description
	}

	var b strings.Builder
	b.Grow(len(description))
	for _, l := range lines {
		b.WriteString(l.raw)
		b.WriteString(l.term)
	}
	return b.String()
}

// Only возвращает предикат, пропускающий перечисленные кодеки без учета регистра.
func Only(codecs ...string) Predicate {
	allowed := make(map[string]struct{}, len(codecs))
	for _, c := range codecs {
		allowed[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return func(codec string) bool {
		_, ok := allowed[strings.ToLower(codec)]
		return ok
	}
}

type section struct {
	media *line
	lines []*line
}

func groupSections(lines []*line) []*section {
	sections := []*section{{}}
	for _, l := range lines {
		if l.kind == lineMedia {
			sections = append(sections, &section{media: l})
			continue
		}
		cur := sections[len(sections)-1]
		cur.lines = append(cur.lines, l)
	}
	return sections
}

// rewriteSection меняет список форматов m= строки секции. Возвращает true,
// если строка изменилась.
func rewriteSection(sec *section, include Predicate) bool {
	codecs := make(map[string]string)
	for _, l := range sec.lines {
		if l.kind != lineAttribute || !strings.EqualFold(l.attr.name, "rtpmap") || !l.attr.hasValue {
			continue
		}
		pt, name, ok := parseRTPMap(l.attr.value)
		if ok {
			codecs[pt] = name
		}
	}

	m := sec.media.media
	kept := make([]string, 0, len(m.formats))
	for _, pt := range m.formats {
		name, ok := codecs[pt]
		if !ok {
			name, ok = staticPayloadTypes[pt]
		}
		if !ok {
			kept = append(kept, pt)
			continue
		}
		if _, always := alwaysKeep[strings.ToLower(name)]; always || include(name) {
			kept = append(kept, pt)
		}
	}

	if len(kept) == len(m.formats) || len(kept) == 0 {
		return false
	}

	sec.media.raw = m.format(kept)
	return true
}

// parseRTPMap разбирает значение "<pt> <encoding>/<clock>[/<channels>]".
func parseRTPMap(value string) (pt, name string, ok bool) {
	pt, rest, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found || pt == "" {
		return "", "", false
	}
	name, _, _ = strings.Cut(strings.TrimSpace(rest), "/")
	if name == "" {
		return "", "", false
	}
	return pt, name, true
}

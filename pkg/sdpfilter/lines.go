package sdpfilter

import "strings"

type lineKind int

const (
	lineOpaque lineKind = iota
	lineMedia
	lineAttribute
)

// line одна строка описания. raw без окончания строки, term само окончание
// ("\r\n", "\n" или пусто для последней строки).
type line struct {
	kind  lineKind
	raw   string
	term  string
	media mediaLine
	attr  attribute
}

// mediaLine разобранная строка m=<media> <port> <proto> <fmt> ...
type mediaLine struct {
	media   string
	port    string
	proto   string
	formats []string
}

func (m mediaLine) format(formats []string) string {
	var b strings.Builder
	b.WriteString("m=")
	b.WriteString(m.media)
	b.WriteByte(' ')
	b.WriteString(m.port)
	b.WriteByte(' ')
	b.WriteString(m.proto)
	for _, f := range formats {
		b.WriteByte(' ')
		b.WriteString(f)
	}
	return b.String()
}

// attribute разобранная строка a=<name>[:<value>]. Разделитель первый ':'.
type attribute struct {
	name     string
	value    string
	hasValue bool
}

func splitLines(description string) []*line {
	if description == "" {
		return nil
	}
	parts := strings.SplitAfter(description, "\n")
	lines := make([]*line, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		raw, term := p, ""
		if strings.HasSuffix(raw, "\n") {
			raw, term = raw[:len(raw)-1], "\n"
			if strings.HasSuffix(raw, "\r") {
				raw, term = raw[:len(raw)-1], "\r\n"
			}
		}
		lines = append(lines, parseLine(raw, term))
	}
	return lines
}

func parseLine(raw, term string) *line {
	l := &line{kind: lineOpaque, raw: raw, term: term}

	switch {
	case strings.HasPrefix(raw, "m="):
		fields := strings.Fields(raw[2:])
		if len(fields) < 3 {
			return l
		}
		l.kind = lineMedia
		l.media = mediaLine{
			media:   fields[0],
			port:    fields[1],
			proto:   fields[2],
			formats: fields[3:],
		}
	case strings.HasPrefix(raw, "a="):
		l.kind = lineAttribute
		name, value, found := strings.Cut(raw[2:], ":")
		l.attr = attribute{name: name, value: value, hasValue: found}
	}
	return l
}

package sse

import (
	"bufio"
	"bytes"
	"io"
)

// maxLineBytes bounds a single stream line; payloads beyond this indicate a
// broken or hostile peer rather than a legitimate event.
const maxLineBytes = 1 << 20

// Event is one parsed text/event-stream block. Comment lines are surfaced
// as their own events with Comment set, because proxies and gateways use
// them as keep-alive signals and the carrier counts them as activity.
type Event struct {
	Name    string
	Data    []byte
	ID      string
	Comment bool
}

// parser incrementally decodes a text/event-stream body. Next blocks on the
// underlying reader, so cancelling the request context is the way to
// interrupt it.
type parser struct {
	scanner *bufio.Scanner

	name string
	id   string
	data [][]byte
}

func newParser(r io.Reader) *parser {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 16*1024), maxLineBytes)
	return &parser{scanner: scanner}
}

// Next returns the next event block or comment line. It returns io.EOF when
// the stream ends cleanly; a partially accumulated block at EOF is dropped,
// matching EventSource semantics.
func (p *parser) Next() (Event, error) {
	for p.scanner.Scan() {
		line := p.scanner.Bytes()

		switch {
		case len(line) == 0:
			if event, ok := p.flush(); ok {
				return event, nil
			}
		case line[0] == ':':
			return Event{Comment: true}, nil
		default:
			p.consume(line)
		}
	}

	if err := p.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (p *parser) consume(line []byte) {
	field, value := splitField(line)

	switch string(field) {
	case "event":
		p.name = string(value)
	case "data":
		// The scanner reuses its buffer between lines.
		p.data = append(p.data, append([]byte(nil), value...))
	case "id":
		p.id = string(value)
	default:
		// "retry" and unknown fields are ignored; reconnect pacing is owned
		// by the retry policy, not the server.
	}
}

func (p *parser) flush() (Event, bool) {
	name, id, data := p.name, p.id, p.data
	p.name, p.id, p.data = "", "", nil

	if name == "" && len(data) == 0 {
		// An id-only or empty block sets no event.
		return Event{}, false
	}
	if name == "" {
		name = "message"
	}
	return Event{
		Name: name,
		Data: bytes.Join(data, []byte("\n")),
		ID:   id,
	}, true
}

// splitField separates "field: value", stripping at most one space after
// the colon.
func splitField(line []byte) (field, value []byte) {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return line, nil
	}
	field, value = line[:i], line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return field, value
}

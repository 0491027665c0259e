package upstream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

const maxLineSize = 1 << 20

// Event is one server-sent event as received from the AI service.
type Event struct {
	ID    string
	Event string
	Data  string
}

// Payload is the JSON body the AI service puts in each data field.
type Payload struct {
	Token *string `json:"token,omitempty"`
	Done  bool    `json:"done,omitempty"`
	Error string  `json:"error,omitempty"`
}

// Payload decodes the data field. ok is false when it is not a JSON object.
func (e Event) Payload() (p Payload, ok bool) {
	if strings.TrimSpace(e.Data) == "" {
		return Payload{}, false
	}
	if err := json.Unmarshal([]byte(e.Data), &p); err != nil {
		return Payload{}, false
	}
	return p, true
}

// Token returns the token carried by the event, if any.
func (e Event) Token() (string, bool) {
	p, ok := e.Payload()
	if !ok || p.Token == nil {
		return "", false
	}
	return *p.Token, true
}

// Encode renders the event in wire form, terminated by a blank line.
func (e Event) Encode() []byte {
	var b strings.Builder
	if e.ID != "" {
		b.WriteString("id: ")
		b.WriteString(e.ID)
		b.WriteByte('\n')
	}
	if e.Event != "" {
		b.WriteString("event: ")
		b.WriteString(e.Event)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(e.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// Reader splits an event stream into events.
type Reader struct {
	scanner *bufio.Scanner
	err     error
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Reader{scanner: scanner}
}

// Next returns the next event, or io.EOF once the stream ends. Comment lines
// are skipped; a trailing event without its blank line is still returned.
func (r *Reader) Next() (Event, error) {
	if r.err != nil {
		return Event{}, r.err
	}
	var (
		ev      Event
		data    []string
		hasData bool
	)
	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")
		if line == "" {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev = Event{}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
			hasData = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		r.err = err
	} else {
		r.err = io.EOF
	}
	if hasData {
		ev.Data = strings.Join(data, "\n")
		return ev, nil
	}
	return Event{}, r.err
}

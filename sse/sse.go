// Package sse implements the server-sent-event wire framing used on both
// sides of Headstart: writing events to viewer connections and decoding the
// upstream agent service's event stream.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Event is one framed event: an optional id token, an event name, and the
// raw data payload (joined from one or more data lines).
type Event struct {
	ID   string
	Name string
	Data string
}

// Write serializes an event as an id line (if set), an event line, one data
// line per payload line, and a terminating blank line. Splitting the payload
// on newlines keeps embedded newlines from corrupting the framing.
func Write(w io.Writer, ev Event) error {
	var b strings.Builder
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(&b, "event: %s\n", ev.Name)
	lines := strings.Split(ev.Data, "\n")
	if len(lines) == 0 {
		lines = []string{""}
	}
	for _, line := range lines {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// Decoder reads a stream of SSE blocks from r. It tolerates CRLF or LF line
// endings, skips comment lines (leading ':') and blank keep-alive blocks, and
// joins multi-line data fields with newlines.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for event decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next complete event. It returns io.EOF when the stream
// ends cleanly with no partial event pending.
func (d *Decoder) Next() (Event, error) {
	var (
		ev        Event
		dataLines []string
		sawField  bool
	)
	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				return Event{}, err
			}
			// Stream closed mid-block. A non-empty partial line still counts
			// as a final field line before the pending event is returned.
			if rest := strings.TrimRight(line, "\r\n"); rest != "" {
				if !strings.HasPrefix(rest, ":") {
					field, value := splitField(rest)
					switch field {
					case "id":
						ev.ID = value
						sawField = true
					case "event":
						ev.Name = value
						sawField = true
					case "data":
						dataLines = append(dataLines, value)
						sawField = true
					}
				}
			}
			if sawField {
				ev.Data = strings.Join(dataLines, "\n")
				return ev, nil
			}
			return Event{}, io.EOF
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !sawField {
				// Keep-alive block, keep reading.
				continue
			}
			ev.Data = strings.Join(dataLines, "\n")
			return ev, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitField(line)
		switch field {
		case "id":
			ev.ID = value
			sawField = true
		case "event":
			ev.Name = value
			sawField = true
		case "data":
			dataLines = append(dataLines, value)
			sawField = true
		default:
			// Unknown fields are ignored per the SSE spec.
		}
	}
}

func splitField(line string) (field, value string) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	// A single leading space after the colon is framing, not payload.
	value = strings.TrimPrefix(value, " ")
	return field, value
}

package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Encoder frames events onto a transport as newline-delimited JSON, one
// event per line.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps a writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one framed event.
func (e *Encoder) Encode(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Decoder reads newline-framed events from a transport, independent of how
// the bytes arrive.
type Decoder struct {
	scanner *bufio.Scanner
}

// MaxFrameSize bounds a single event frame.
const MaxFrameSize = 1 << 20

// NewDecoder wraps a reader.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	return &Decoder{scanner: sc}
}

// Decode returns the next event, or io.EOF when the transport ends. Blank
// lines (SSE keep-alives and the like) are skipped.
func (d *Decoder) Decode() (Event, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return Event{}, fmt.Errorf("decode event frame: %w", err)
		}
		return ev, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

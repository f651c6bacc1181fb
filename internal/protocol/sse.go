package protocol

import (
	"bufio"
	"bytes"
	"io"
)

// sseEvent is one server-sent event as received from the provider.
type sseEvent struct {
	Event string
	Data  []byte
}

// sseReader incrementally parses a text/event-stream body.
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseReader{scanner: sc}
}

// Next returns the next event, or io.EOF at end of stream.
func (r *sseReader) Next() (sseEvent, error) {
	var ev sseEvent
	got := false
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			if got {
				return ev, nil
			}
			continue
		}
		switch {
		case bytes.HasPrefix(line, []byte("data:")):
			got = true
			data := bytes.TrimPrefix(line, []byte("data:"))
			data = bytes.TrimPrefix(data, []byte(" "))
			if len(ev.Data) > 0 {
				ev.Data = append(ev.Data, '\n')
			}
			ev.Data = append(ev.Data, data...)
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Event = string(bytes.TrimSpace(bytes.TrimPrefix(line, []byte("event:"))))
		}
		// Comment lines and other fields are ignored.
	}
	if got {
		return ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return sseEvent{}, err
	}
	return sseEvent{}, io.EOF
}

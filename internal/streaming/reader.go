// Package streaming provides SSE (Server-Sent Events) utilities: an event reader for
// upstream bodies, a flushing writer for clients, and a tee that forks one upstream
// stream into independent consumers.
package streaming

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultBufferSize is the initial read buffer size.
	DefaultBufferSize = 4096

	// MaxLineSize bounds a single SSE line. Reasoning and tool-call payloads can be large.
	MaxLineSize = 4 << 20

	// SSEDataPrefix is the prefix for SSE data lines.
	SSEDataPrefix = "data: "

	// SSEDone is the marker for stream completion.
	SSEDone = "[DONE]"
)

// ErrLineTooLong is returned when a line exceeds MaxLineSize.
var ErrLineTooLong = errors.New("sse line exceeds maximum size")

// Event is one SSE event. Multiple data lines are joined with "\n".
type Event struct {
	Name string
	Data []byte
}

// Done reports whether the event is the [DONE] terminator.
func (e Event) Done() bool {
	return bytes.Equal(bytes.TrimSpace(e.Data), []byte(SSEDone))
}

// Reader decodes SSE events from an upstream body.
type Reader struct {
	r       *bufio.Reader
	maxLine int
}

// NewReader creates a Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, DefaultBufferSize), maxLine: MaxLineSize}
}

// Next returns the next event. It returns io.EOF after the last complete event. A
// trailing event without a blank-line terminator is still returned.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    [][]byte
		hasData bool
	)

	for {
		line, err := r.readLine()
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			if errors.Is(err, io.EOF) && (hasData || ev.Name != "") {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			return Event{}, err
		}

		if len(line) == 0 {
			if hasData || ev.Name != "" {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			continue
		}

		switch {
		case line[0] == ':':
			// comment / keep-alive
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			v := line[len("data:"):]
			if len(v) > 0 && v[0] == ' ' {
				v = v[1:]
			}
			data = append(data, append([]byte(nil), v...))
			hasData = true
		default:
			// id:, retry: and unknown fields are not needed downstream.
		}

		if errors.Is(err, io.EOF) {
			if hasData || ev.Name != "" {
				ev.Data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			return Event{}, io.EOF
		}
	}
}

// readLine returns one line without its terminator.
func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > r.maxLine {
			return nil, fmt.Errorf("%w (%d bytes)", ErrLineTooLong, len(buf))
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		buf = bytes.TrimRight(buf, "\r\n")
		return buf, err
	}
}

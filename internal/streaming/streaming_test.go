package streaming

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, r *Reader) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}

func TestReader_Next(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Event
	}{
		{
			name:  "data only",
			input: "data: {\"id\":\"1\"}\n\n",
			want:  []Event{{Data: []byte(`{"id":"1"}`)}},
		},
		{
			name:  "named events with crlf",
			input: "event: response.created\r\ndata: {}\r\n\r\nevent: response.completed\r\ndata: {\"a\":1}\r\n\r\n",
			want: []Event{
				{Name: "response.created", Data: []byte(`{}`)},
				{Name: "response.completed", Data: []byte(`{"a":1}`)},
			},
		},
		{
			name:  "comments and blank lines skipped",
			input: ": ping\n\n\n\ndata: x\n\n",
			want:  []Event{{Data: []byte("x")}},
		},
		{
			name:  "multi-line data joined",
			input: "data: a\ndata: b\n\n",
			want:  []Event{{Data: []byte("a\nb")}},
		},
		{
			name:  "unterminated trailing event",
			input: "data: tail",
			want:  []Event{{Data: []byte("tail")}},
		},
		{
			name:  "no space after colon",
			input: "data:[DONE]\n\n",
			want:  []Event{{Data: []byte("[DONE]")}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := readAll(t, NewReader(strings.NewReader(tt.input)))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReader_AllowsLargeLines(t *testing.T) {
	large := bytes.Repeat([]byte("a"), 256*1024)
	stream := append([]byte("data: "), large...)
	stream = append(stream, []byte("\n\ndata: [DONE]\n\n")...)

	events := readAll(t, NewReader(bytes.NewReader(stream)))
	require.Len(t, events, 2)
	assert.Len(t, events[0].Data, len(large))
	assert.True(t, events[1].Done())
}

func TestReader_RejectsOversizedLine(t *testing.T) {
	r := NewReader(bytes.NewReader(bytes.Repeat([]byte("a"), MaxLineSize+10)))
	_, err := r.Next()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	w.Start(http.StatusOK)
	require.NoError(t, w.WriteData([]byte(`{"a":1}`)))
	require.NoError(t, w.WriteEvent("error", []byte(`{"error":{}}`)))
	require.NoError(t, w.WriteDone())

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "data: {\"a\":1}\n\nevent: error\ndata: {\"error\":{}}\n\ndata: [DONE]\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

type nonFlusher struct{ http.ResponseWriter }

func TestNewWriter_RequiresFlusher(t *testing.T) {
	_, err := NewWriter(nonFlusher{httptest.NewRecorder()})
	assert.Error(t, err)
}

type trackingCloser struct {
	io.Reader
	mu     sync.Mutex
	closed bool
}

func (c *trackingCloser) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *trackingCloser) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestTee_BothBranchesSeeEverything(t *testing.T) {
	payload := strings.Repeat("data: chunk\n\n", 10000)
	src := &trackingCloser{Reader: strings.NewReader(payload)}
	a, b := Tee(src)

	var wg sync.WaitGroup
	var gotA, gotB []byte
	wg.Add(2)
	go func() { defer wg.Done(); gotA, _ = io.ReadAll(a) }()
	go func() { defer wg.Done(); gotB, _ = io.ReadAll(b) }()
	wg.Wait()

	assert.Equal(t, payload, string(gotA))
	assert.Equal(t, payload, string(gotB))
	assert.Eventually(t, src.isClosed, time.Second, 10*time.Millisecond)
}

func TestTee_ClosedBranchDoesNotBlockOther(t *testing.T) {
	payload := strings.Repeat("x", 1<<20)
	src := &trackingCloser{Reader: strings.NewReader(payload)}
	client, accounting := Tee(src)

	// The client goes away immediately.
	require.NoError(t, client.Close())
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	got, err := io.ReadAll(accounting)
	require.NoError(t, err)
	assert.Len(t, got, len(payload))
}

type failingReader struct{ sent bool }

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.sent {
		f.sent = true
		return copy(p, "partial"), nil
	}
	return 0, io.ErrUnexpectedEOF
}

func TestTee_PropagatesUpstreamError(t *testing.T) {
	a, b := Tee(io.NopCloser(&failingReader{}))

	got, err := io.ReadAll(a)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "partial", string(got))

	got, err = io.ReadAll(b)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, "partial", string(got))
}

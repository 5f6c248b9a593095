package transform

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// DonePayload terminates a chat completion stream.
var DonePayload = []byte("[DONE]")

// StreamTranscoder turns Response API stream events into chat.completion.chunk
// payloads. It holds per-response state and must be Reset (or recreated) between
// responses. It is not safe for concurrent use.
type StreamTranscoder struct {
	now func() time.Time

	id      string
	model   string
	created int64

	sentRole bool
	finished bool

	// isInReasoning is true while a <think> bracket is open.
	isInReasoning bool
	// reasoningEmitted holds reasoning item ids whose text already went out as deltas.
	reasoningEmitted map[string]struct{}

	toolIndex map[string]int
	toolArgs  map[string]bool
}

// NewStreamTranscoder creates a transcoder.
func NewStreamTranscoder() *StreamTranscoder {
	t := &StreamTranscoder{now: time.Now}
	t.Reset()
	return t
}

// Reset clears all per-response state.
func (t *StreamTranscoder) Reset() {
	t.id = ""
	t.model = ""
	t.created = 0
	t.sentRole = false
	t.finished = false
	t.isInReasoning = false
	t.reasoningEmitted = make(map[string]struct{})
	t.toolIndex = make(map[string]int)
	t.toolArgs = make(map[string]bool)
}

// Finished reports whether a terminal event was seen.
func (t *StreamTranscoder) Finished() bool {
	return t.finished
}

// Transcode converts one upstream event. eventType may be empty, in which case the
// payload's "type" field is used. It returns zero or more payloads to send as
// "data:" frames.
func (t *StreamTranscoder) Transcode(eventType string, data []byte) [][]byte {
	if t.finished || len(data) == 0 || !gjson.ValidBytes(data) {
		return nil
	}
	ev := gjson.ParseBytes(data)
	if eventType == "" {
		eventType = ev.Get("type").String()
	}

	var out [][]byte
	switch eventType {
	case "response.created", "response.in_progress":
		t.captureMeta(ev.Get("response"))
		if !t.sentRole {
			t.sentRole = true
			out = append(out, t.chunk(Delta{Role: "assistant"}, nil, nil))
		}

	case "response.output_text.delta":
		delta := ev.Get("delta").String()
		if delta == "" {
			break
		}
		out = t.appendContent(out, t.closeReasoning()+delta)

	case "response.reasoning_summary_text.delta":
		delta := ev.Get("delta").String()
		if delta == "" {
			break
		}
		t.reasoningEmitted[ev.Get("item_id").String()] = struct{}{}
		out = t.appendContent(out, t.openReasoning()+delta)

	case "response.reasoning_summary_text.done":
		out = t.reasoningDone(out, ev.Get("item_id").String(), ev.Get("text").String())

	case "response.reasoning_summary_part.done":
		out = t.reasoningDone(out, ev.Get("item_id").String(), ev.Get("part.text").String())

	case "response.output_item.added":
		item := ev.Get("item")
		if item.Get("type").String() != "function_call" {
			break
		}
		if closing := t.closeReasoning(); closing != "" {
			out = t.appendContent(out, closing)
		}
		itemID := item.Get("id").String()
		idx := len(t.toolIndex)
		t.toolIndex[itemID] = idx
		out = append(out, t.chunk(Delta{ToolCalls: []ToolCall{{
			Index: intPtr(idx),
			ID:    item.Get("call_id").String(),
			Type:  "function",
			Function: ToolCallFunction{
				Name:      item.Get("name").String(),
				Arguments: "",
			},
		}}}, nil, nil))

	case "response.function_call_arguments.delta":
		itemID := ev.Get("item_id").String()
		idx, ok := t.toolIndex[itemID]
		if !ok {
			break
		}
		t.toolArgs[itemID] = true
		out = append(out, t.chunk(Delta{ToolCalls: []ToolCall{{
			Index:    intPtr(idx),
			Function: ToolCallFunction{Arguments: ev.Get("delta").String()},
		}}}, nil, nil))

	case "response.output_item.done":
		item := ev.Get("item")
		itemID := item.Get("id").String()
		idx, ok := t.toolIndex[itemID]
		if item.Get("type").String() != "function_call" || !ok || t.toolArgs[itemID] {
			break
		}
		t.toolArgs[itemID] = true
		out = append(out, t.chunk(Delta{ToolCalls: []ToolCall{{
			Index:    intPtr(idx),
			Function: ToolCallFunction{Arguments: item.Get("arguments").String()},
		}}}, nil, nil))

	case "response.completed", "response.incomplete":
		resp := ev.Get("response")
		t.captureMeta(resp)
		if closing := t.closeReasoning(); closing != "" {
			out = t.appendContent(out, closing)
		}
		reason := finishReason(resp, len(t.toolIndex) > 0)
		out = append(out, t.chunk(Delta{}, &reason, convertUsage(resp.Get("usage"))))
		out = append(out, DonePayload)
		t.finished = true

	case "response.failed", "error":
		errObj := ev.Get("response.error")
		if !errObj.Exists() {
			errObj = ev
		}
		if closing := t.closeReasoning(); closing != "" {
			out = t.appendContent(out, closing)
		}
		out = append(out, ErrorPayload(
			firstNonEmpty(errObj.Get("message").String(), "upstream stream failed"),
			"upstream_error",
			errObj.Get("code").Value(),
		))
		out = append(out, DonePayload)
		t.finished = true
	}
	return out
}

// Finish is called when the upstream ends. It closes an open reasoning bracket so the
// client sees well-formed content.
func (t *StreamTranscoder) Finish() [][]byte {
	if t.finished {
		return nil
	}
	if closing := t.closeReasoning(); closing != "" {
		return t.appendContent(nil, closing)
	}
	return nil
}

func (t *StreamTranscoder) reasoningDone(out [][]byte, itemID, text string) [][]byte {
	if _, seen := t.reasoningEmitted[itemID]; seen || text == "" {
		return out
	}
	t.reasoningEmitted[itemID] = struct{}{}
	return t.appendContent(out, t.openReasoning()+text)
}

func (t *StreamTranscoder) openReasoning() string {
	if t.isInReasoning {
		return ""
	}
	t.isInReasoning = true
	return ThinkOpen
}

func (t *StreamTranscoder) closeReasoning() string {
	if !t.isInReasoning {
		return ""
	}
	t.isInReasoning = false
	return ThinkClose
}

func (t *StreamTranscoder) appendContent(out [][]byte, content string) [][]byte {
	if !t.sentRole {
		t.sentRole = true
		return append(out, t.chunk(Delta{Role: "assistant", Content: content}, nil, nil))
	}
	return append(out, t.chunk(Delta{Content: content}, nil, nil))
}

func (t *StreamTranscoder) captureMeta(resp gjson.Result) {
	if !resp.Exists() {
		return
	}
	if t.id == "" {
		t.id = RewriteID(resp.Get("id").String())
	}
	if t.model == "" {
		t.model = resp.Get("model").String()
	}
	if t.created == 0 {
		t.created = resp.Get("created_at").Int()
	}
}

func (t *StreamTranscoder) chunk(delta Delta, finish *string, usage *Usage) []byte {
	if t.created == 0 {
		t.created = t.now().Unix()
	}
	c := Chunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
		Usage:   usage,
	}
	data, _ := json.Marshal(c)
	return data
}

// ErrorPayload encodes an OpenAI-style error envelope.
func ErrorPayload(message, errType string, code any) []byte {
	data, _ := json.Marshal(ErrorEnvelope{Error: ErrorBody{Message: message, Type: errType, Code: code}})
	return data
}

func intPtr(v int) *int { return &v }

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

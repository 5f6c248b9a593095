package transform

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestRewriteID(t *testing.T) {
	tests := map[string]string{
		"resp_abc":     "chatcmpl-abc",
		"msg_123":      "chatcmpl-123",
		"rs_x":         "chatcmpl-x",
		"chatcmpl-abc": "chatcmpl-abc",
		"other":        "other",
		"":             "",
	}
	for in, want := range tests {
		assert.Equal(t, want, RewriteID(in), in)
	}
}

func TestValidateChatRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"model":"gpt","messages":[{"role":"user","content":"hi"}]}`, true},
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, false},
		{"missing messages", `{"model":"gpt"}`, false},
		{"empty messages", `{"model":"gpt","messages":[]}`, false},
		{"message without role", `{"model":"gpt","messages":[{"content":"hi"}]}`, false},
		{"message not object", `{"model":"gpt","messages":["hi"]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChatRequest(decode(t, tt.body))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			}
		})
	}
	assert.ErrorIs(t, ValidateChatRequest(nil), ErrInvalidRequest)
}

func TestChatToResponsesRequest(t *testing.T) {
	body := decode(t, `{
		"model": "gpt-5",
		"stream": true,
		"temperature": 0.2,
		"max_tokens": 256,
		"reasoning_effort": "high",
		"stream_options": {"include_usage": true},
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": [
				{"type": "text", "text": "what is this"},
				{"type": "image_url", "image_url": {"url": "https://x/img.png", "detail": "low"}}
			]},
			{"role": "assistant", "content": "", "tool_calls": [
				{"id": "call_1", "type": "function", "function": {"name": "lookup", "arguments": "{\"q\":1}"}}
			]},
			{"role": "tool", "tool_call_id": "call_1", "content": "result"},
			{"role": "assistant", "content": "done"}
		],
		"tools": [{"type": "function", "function": {"name": "lookup", "description": "d", "parameters": {"type": "object"}}}],
		"tool_choice": {"type": "function", "function": {"name": "lookup"}},
		"response_format": {"type": "json_schema", "json_schema": {"name": "out", "schema": {"type": "object"}, "strict": true}}
	}`)

	out, err := ChatToResponsesRequest(body)
	require.NoError(t, err)

	raw, err := json.Marshal(out)
	require.NoError(t, err)
	r := gjson.ParseBytes(raw)

	assert.Equal(t, "gpt-5", r.Get("model").String())
	assert.True(t, r.Get("stream").Bool())
	assert.Equal(t, int64(256), r.Get("max_output_tokens").Int())
	assert.False(t, r.Get("max_tokens").Exists())
	assert.False(t, r.Get("messages").Exists())
	assert.False(t, r.Get("stream_options").Exists())
	assert.Equal(t, "high", r.Get("reasoning.effort").String())

	input := r.Get("input").Array()
	require.Len(t, input, 5)

	assert.Equal(t, "developer", input[0].Get("role").String())
	assert.Equal(t, "input_text", input[0].Get("content.0.type").String())
	assert.Equal(t, "be brief", input[0].Get("content.0.text").String())

	assert.Equal(t, "user", input[1].Get("role").String())
	assert.Equal(t, "input_image", input[1].Get("content.1.type").String())
	assert.Equal(t, "https://x/img.png", input[1].Get("content.1.image_url").String())
	assert.Equal(t, "low", input[1].Get("content.1.detail").String())

	assert.Equal(t, "function_call", input[2].Get("type").String())
	assert.Equal(t, "call_1", input[2].Get("call_id").String())
	assert.Equal(t, `{"q":1}`, input[2].Get("arguments").String())

	assert.Equal(t, "function_call_output", input[3].Get("type").String())
	assert.Equal(t, "result", input[3].Get("output").String())

	assert.Equal(t, "output_text", input[4].Get("content.0.type").String())

	assert.Equal(t, "lookup", r.Get("tools.0.name").String())
	assert.Equal(t, "object", r.Get("tools.0.parameters.type").String())
	assert.Equal(t, "function", r.Get("tool_choice.type").String())
	assert.Equal(t, "lookup", r.Get("tool_choice.name").String())
	assert.False(t, r.Get("tool_choice.function").Exists())
	assert.Equal(t, "json_schema", r.Get("text.format.type").String())
	assert.Equal(t, "out", r.Get("text.format.name").String())
}

func TestChatToResponsesRequest_Invalid(t *testing.T) {
	_, err := ChatToResponsesRequest(decode(t, `{"model":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestResponsesToChatCompletion(t *testing.T) {
	body := []byte(`{
		"id": "resp_123",
		"object": "response",
		"created_at": 1700000000,
		"model": "gpt-5",
		"status": "completed",
		"output": [
			{"type": "reasoning", "id": "rs_1", "summary": [{"type": "summary_text", "text": "thinking"}]},
			{"type": "message", "id": "msg_1", "role": "assistant", "content": [{"type": "output_text", "text": "hello"}]}
		],
		"usage": {"input_tokens": 10, "output_tokens": 5, "total_tokens": 15,
			"input_tokens_details": {"cached_tokens": 4},
			"output_tokens_details": {"reasoning_tokens": 2}}
	}`)

	out, err := ResponsesToChatCompletion(body)
	require.NoError(t, err)
	r := gjson.ParseBytes(out)

	assert.Equal(t, "chatcmpl-123", r.Get("id").String())
	assert.Equal(t, "chat.completion", r.Get("object").String())
	assert.Equal(t, int64(1700000000), r.Get("created").Int())
	assert.Equal(t, "<think>thinking</think>hello", r.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", r.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(10), r.Get("usage.prompt_tokens").Int())
	assert.Equal(t, int64(5), r.Get("usage.completion_tokens").Int())
	assert.Equal(t, int64(4), r.Get("usage.prompt_tokens_details.cached_tokens").Int())
	assert.Equal(t, int64(2), r.Get("usage.completion_tokens_details.reasoning_tokens").Int())
}

func TestResponsesToChatCompletion_ToolCallsAndIncomplete(t *testing.T) {
	out, err := ResponsesToChatCompletion([]byte(`{
		"id": "resp_t", "status": "completed",
		"output": [{"type": "function_call", "id": "fc_1", "call_id": "call_9", "name": "f", "arguments": "{}"}]
	}`))
	require.NoError(t, err)
	r := gjson.ParseBytes(out)
	assert.Equal(t, "tool_calls", r.Get("choices.0.finish_reason").String())
	assert.Equal(t, "call_9", r.Get("choices.0.message.tool_calls.0.id").String())
	assert.Equal(t, "f", r.Get("choices.0.message.tool_calls.0.function.name").String())
	assert.True(t, r.Get("choices.0.message.content").Type == gjson.Null)

	out, err = ResponsesToChatCompletion([]byte(`{"id":"resp_i","status":"incomplete","incomplete_details":{"reason":"max_output_tokens"},"output":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "length", gjson.GetBytes(out, "choices.0.finish_reason").String())

	_, err = ResponsesToChatCompletion([]byte("not json"))
	assert.Error(t, err)
}

// recordedStream is a Response API stream with reasoning, text and usage.
var recordedStream = []struct{ event, data string }{
	{"response.created", `{"type":"response.created","response":{"id":"resp_abc","model":"gpt-5","created_at":1700000000}}`},
	{"response.in_progress", `{"type":"response.in_progress","response":{"id":"resp_abc"}}`},
	{"response.reasoning_summary_text.delta", `{"type":"response.reasoning_summary_text.delta","item_id":"rs_1","delta":"Let me "}`},
	{"response.reasoning_summary_text.delta", `{"type":"response.reasoning_summary_text.delta","item_id":"rs_1","delta":"think."}`},
	{"response.reasoning_summary_text.done", `{"type":"response.reasoning_summary_text.done","item_id":"rs_1","text":"Let me think."}`},
	{"response.reasoning_summary_part.done", `{"type":"response.reasoning_summary_part.done","item_id":"rs_1","part":{"type":"summary_text","text":"Let me think."}}`},
	{"response.output_text.delta", `{"type":"response.output_text.delta","item_id":"msg_1","delta":"Hello"}`},
	{"response.output_text.delta", `{"type":"response.output_text.delta","item_id":"msg_1","delta":" world"}`},
	{"response.completed", `{"type":"response.completed","response":{"id":"resp_abc","status":"completed","usage":{"input_tokens":3,"output_tokens":7,"total_tokens":10}}}`},
}

func runStream(tr *StreamTranscoder) []byte {
	var buf bytes.Buffer
	for _, ev := range recordedStream {
		for _, payload := range tr.Transcode(ev.event, []byte(ev.data)) {
			buf.WriteString("data: ")
			buf.Write(payload)
			buf.WriteString("\n\n")
		}
	}
	for _, payload := range tr.Finish() {
		buf.Write(payload)
	}
	return buf.Bytes()
}

func contents(t *testing.T, out []byte) []string {
	t.Helper()
	var got []string
	for _, frame := range strings.Split(strings.TrimSpace(string(out)), "\n\n") {
		data := strings.TrimPrefix(frame, "data: ")
		if data == "[DONE]" {
			got = append(got, data)
			continue
		}
		got = append(got, gjson.Get(data, "choices.0.delta.content").String())
	}
	return got
}

func TestStreamTranscoder_Idempotent(t *testing.T) {
	first := runStream(NewStreamTranscoder())
	second := runStream(NewStreamTranscoder())
	assert.Equal(t, first, second)

	reused := NewStreamTranscoder()
	runStream(reused)
	reused.Reset()
	assert.Equal(t, first, runStream(reused), "Reset must clear all cross-event state")
}

func TestStreamTranscoder_ReasoningBracket(t *testing.T) {
	out := runStream(NewStreamTranscoder())

	assert.Equal(t, []string{
		"",                 // role chunk
		"<think>Let me ",   // bracket opens on first reasoning delta
		"think.",           // done events are suppressed after deltas
		"</think>Hello",    // bracket closes on first text delta
		" world",
		"", // finish chunk
		"[DONE]",
	}, contents(t, out))

	frames := strings.Split(strings.TrimSpace(string(out)), "\n\n")
	first := strings.TrimPrefix(frames[0], "data: ")
	assert.Equal(t, "chatcmpl-abc", gjson.Get(first, "id").String())
	assert.Equal(t, "assistant", gjson.Get(first, "choices.0.delta.role").String())
	assert.Equal(t, int64(1700000000), gjson.Get(first, "created").Int())

	final := strings.TrimPrefix(frames[len(frames)-2], "data: ")
	assert.Equal(t, "stop", gjson.Get(final, "choices.0.finish_reason").String())
	assert.Equal(t, int64(10), gjson.Get(final, "usage.total_tokens").Int())
}

func TestStreamTranscoder_DoneWithoutDeltas(t *testing.T) {
	tr := NewStreamTranscoder()
	tr.Transcode("", []byte(`{"type":"response.created","response":{"id":"resp_1","created_at":1}}`))

	out := tr.Transcode("", []byte(`{"type":"response.reasoning_summary_text.done","item_id":"rs_9","text":"summary"}`))
	require.Len(t, out, 1)
	assert.Equal(t, "<think>summary", gjson.GetBytes(out[0], "choices.0.delta.content").String())

	// The part.done for the same item is a duplicate.
	assert.Empty(t, tr.Transcode("", []byte(`{"type":"response.reasoning_summary_part.done","item_id":"rs_9","part":{"text":"summary"}}`)))

	// Upstream ends without completion: the bracket still closes.
	out = tr.Finish()
	require.Len(t, out, 1)
	assert.Equal(t, "</think>", gjson.GetBytes(out[0], "choices.0.delta.content").String())
	assert.False(t, tr.Finished())
}

func TestStreamTranscoder_ToolCalls(t *testing.T) {
	tr := NewStreamTranscoder()
	tr.Transcode("", []byte(`{"type":"response.created","response":{"id":"resp_1","created_at":1}}`))

	out := tr.Transcode("", []byte(`{"type":"response.output_item.added","item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"lookup"}}`))
	require.Len(t, out, 1)
	assert.Equal(t, "call_1", gjson.GetBytes(out[0], "choices.0.delta.tool_calls.0.id").String())
	assert.Equal(t, int64(0), gjson.GetBytes(out[0], "choices.0.delta.tool_calls.0.index").Int())

	out = tr.Transcode("", []byte(`{"type":"response.function_call_arguments.delta","item_id":"fc_1","delta":"{\"q\""}`))
	require.Len(t, out, 1)
	assert.Equal(t, `{"q"`, gjson.GetBytes(out[0], "choices.0.delta.tool_calls.0.function.arguments").String())

	// Arguments already streamed: the done item adds nothing.
	assert.Empty(t, tr.Transcode("", []byte(`{"type":"response.output_item.done","item":{"type":"function_call","id":"fc_1","arguments":"{\"q\":1}"}}`)))

	out = tr.Transcode("", []byte(`{"type":"response.completed","response":{"status":"completed"}}`))
	require.Len(t, out, 2)
	assert.Equal(t, "tool_calls", gjson.GetBytes(out[0], "choices.0.finish_reason").String())
	assert.Equal(t, DonePayload, out[1])
	assert.True(t, tr.Finished())
	assert.Empty(t, tr.Transcode("", []byte(`{"type":"response.output_text.delta","delta":"late"}`)))
}

func TestStreamTranscoder_Failed(t *testing.T) {
	tr := NewStreamTranscoder()
	tr.Transcode("", []byte(`{"type":"response.created","response":{"id":"resp_1","created_at":1}}`))
	tr.Transcode("", []byte(`{"type":"response.reasoning_summary_text.delta","item_id":"rs","delta":"x"}`))

	out := tr.Transcode("response.failed", []byte(`{"type":"response.failed","response":{"error":{"code":"server_error","message":"boom"}}}`))
	require.Len(t, out, 3)
	assert.Equal(t, "</think>", gjson.GetBytes(out[0], "choices.0.delta.content").String())
	assert.Equal(t, "boom", gjson.GetBytes(out[1], "error.message").String())
	assert.Equal(t, "server_error", gjson.GetBytes(out[1], "error.code").String())
	assert.Equal(t, DonePayload, out[2])
}

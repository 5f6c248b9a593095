package dispatch

import (
	"github.com/tidwall/gjson"

	"github.com/blueberrycongee/relaymux/internal/pricing"
	"github.com/blueberrycongee/relaymux/internal/streaming"
)

// mergeUsage copies the counters present in u into dst. It understands native usage
// blocks (input_tokens, cache_creation_input_tokens, cache_read_input_tokens), Response
// API blocks (input_tokens_details.cached_tokens) and chat completion blocks
// (prompt_tokens, completion_tokens). Cached tokens reported inside the input count
// are moved out of InputTokens so they are not billed twice.
func mergeUsage(dst *pricing.Usage, u gjson.Result) bool {
	if !u.IsObject() {
		return false
	}
	found := false
	set := func(field *int, paths ...string) {
		for _, p := range paths {
			if v := u.Get(p); v.Exists() && v.Type == gjson.Number {
				*field = int(v.Int())
				found = true
				return
			}
		}
	}

	set(&dst.InputTokens, "input_tokens", "prompt_tokens")
	set(&dst.OutputTokens, "output_tokens", "completion_tokens")
	set(&dst.CacheCreationTokens, "cache_creation_input_tokens")
	set(&dst.CacheReadTokens, "cache_read_input_tokens")

	if cached := firstInt(u, "input_tokens_details.cached_tokens", "prompt_tokens_details.cached_tokens"); cached > 0 {
		dst.CacheReadTokens = cached
		dst.InputTokens -= cached
		if dst.InputTokens < 0 {
			dst.InputTokens = 0
		}
	}
	return found
}

func firstInt(u gjson.Result, paths ...string) int {
	for _, p := range paths {
		if v := u.Get(p); v.Exists() {
			return int(v.Int())
		}
	}
	return 0
}

// ParseUsage reads usage from a buffered response body: a top-level usage block, or
// response.usage for wrapped Response API payloads.
func ParseUsage(body []byte) (pricing.Usage, bool) {
	var u pricing.Usage
	if !gjson.ValidBytes(body) {
		return u, false
	}
	root := gjson.ParseBytes(body)
	if mergeUsage(&u, root.Get("usage")) {
		return u, true
	}
	return u, mergeUsage(&u, root.Get("response.usage"))
}

// streamAccumulator follows an SSE stream and collects usage from its usage-bearing
// events. It also tracks whether the stream ended in an error.
type streamAccumulator struct {
	usage    pricing.Usage
	hasUsage bool
	terminal bool
	failed   bool
	failure  string
}

func (a *streamAccumulator) observe(ev streaming.Event) {
	if ev.Done() {
		a.terminal = true
		return
	}
	if len(ev.Data) == 0 || !gjson.ValidBytes(ev.Data) {
		return
	}
	data := gjson.ParseBytes(ev.Data)
	typ := ev.Name
	if typ == "" {
		typ = data.Get("type").String()
	}

	switch typ {
	case "message_start":
		a.merge(data.Get("message.usage"))
	case "message_delta":
		a.merge(data.Get("usage"))
	case "message_stop":
		a.terminal = true
	case "response.completed", "response.incomplete":
		a.merge(data.Get("response.usage"))
		a.terminal = true
	case "response.failed":
		a.merge(data.Get("response.usage"))
		a.fail(data.Get("response.error.message").String())
	case "error":
		a.fail(firstNonEmpty(data.Get("error.message").String(), data.Get("message").String()))
	default:
		// Chat completion chunks carry usage on the final chunk when requested.
		a.merge(data.Get("usage"))
	}
}

func (a *streamAccumulator) merge(u gjson.Result) {
	if mergeUsage(&a.usage, u) {
		a.hasUsage = true
	}
}

func (a *streamAccumulator) fail(msg string) {
	a.failed = true
	if msg == "" {
		msg = "upstream stream reported an error"
	}
	if a.failure == "" {
		a.failure = msg
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

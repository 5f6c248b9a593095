package transform

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// Reasoning is bracketed inside the assistant content.
const (
	ThinkOpen  = "<think>"
	ThinkClose = "</think>"
)

var idPrefixes = []string{"resp_", "msg_", "rs_"}

// RewriteID maps Response API ids (resp_, msg_, rs_) to chatcmpl- ids. Other ids are
// returned unchanged.
func RewriteID(id string) string {
	for _, prefix := range idPrefixes {
		if strings.HasPrefix(id, prefix) {
			return "chatcmpl-" + id[len(prefix):]
		}
	}
	return id
}

// ResponsesToChatCompletion converts a buffered Response API body into a chat.completion
// body.
func ResponsesToChatCompletion(body []byte) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("response body is not valid JSON")
	}
	resp := gjson.ParseBytes(body)
	if !resp.IsObject() {
		return nil, fmt.Errorf("response body is not a JSON object")
	}

	var (
		reasoning strings.Builder
		text      strings.Builder
		calls     []ToolCall
	)
	resp.Get("output").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "reasoning":
			item.Get("summary").ForEach(func(_, part gjson.Result) bool {
				reasoning.WriteString(part.Get("text").String())
				return true
			})
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				switch part.Get("type").String() {
				case "output_text":
					text.WriteString(part.Get("text").String())
				case "refusal":
					text.WriteString(part.Get("refusal").String())
				}
				return true
			})
		case "function_call":
			calls = append(calls, ToolCall{
				ID:   item.Get("call_id").String(),
				Type: "function",
				Function: ToolCallFunction{
					Name:      item.Get("name").String(),
					Arguments: item.Get("arguments").String(),
				},
			})
		}
		return true
	})

	var content strings.Builder
	if reasoning.Len() > 0 {
		content.WriteString(ThinkOpen)
		content.WriteString(reasoning.String())
		content.WriteString(ThinkClose)
	}
	content.WriteString(text.String())

	msg := Message{Role: "assistant", ToolCalls: calls}
	if content.Len() > 0 || len(calls) == 0 {
		s := content.String()
		msg.Content = &s
	}

	out := ChatCompletion{
		ID:      RewriteID(resp.Get("id").String()),
		Object:  "chat.completion",
		Created: resp.Get("created_at").Int(),
		Model:   resp.Get("model").String(),
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: finishReason(resp, len(calls) > 0),
		}},
		Usage: convertUsage(resp.Get("usage")),
	}
	return json.Marshal(out)
}

func finishReason(resp gjson.Result, hasToolCalls bool) string {
	if resp.Get("status").String() == "incomplete" {
		switch resp.Get("incomplete_details.reason").String() {
		case "content_filter":
			return "content_filter"
		default:
			return "length"
		}
	}
	if hasToolCalls {
		return "tool_calls"
	}
	return "stop"
}

func convertUsage(u gjson.Result) *Usage {
	if !u.Exists() || !u.IsObject() {
		return nil
	}
	usage := &Usage{
		PromptTokens:     int(u.Get("input_tokens").Int()),
		CompletionTokens: int(u.Get("output_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	if cached := u.Get("input_tokens_details.cached_tokens"); cached.Exists() {
		usage.PromptTokensDetails = &PromptTokensDetails{CachedTokens: int(cached.Int())}
	}
	if r := u.Get("output_tokens_details.reasoning_tokens"); r.Exists() {
		usage.CompletionTokensDetails = &CompletionTokensDetails{ReasoningTokens: int(r.Int())}
	}
	return usage
}

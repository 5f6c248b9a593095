package transform

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ErrInvalidRequest marks a chat request that cannot be translated.
var ErrInvalidRequest = errors.New("invalid chat completion request")

// passthroughFields are copied verbatim from a chat request to a Response API request.
var passthroughFields = []string{
	"model", "stream", "temperature", "top_p", "user", "metadata",
	"parallel_tool_calls", "store", "service_tier", "prompt_cache_key",
}

// ValidateChatRequest checks the fields translation depends on.
func ValidateChatRequest(body map[string]any) error {
	if body == nil {
		return fmt.Errorf("%w: body must be a JSON object", ErrInvalidRequest)
	}
	if m, _ := body["model"].(string); strings.TrimSpace(m) == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) == 0 {
		return fmt.Errorf("%w: messages must be a non-empty array", ErrInvalidRequest)
	}
	for i, raw := range msgs {
		msg, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: messages[%d] must be an object", ErrInvalidRequest, i)
		}
		if role, _ := msg["role"].(string); role == "" {
			return fmt.Errorf("%w: messages[%d].role is required", ErrInvalidRequest, i)
		}
	}
	return nil
}

// ChatToResponsesRequest maps a chat completion request onto a Response API request.
// System messages become developer messages, content becomes typed items, and tool
// calls and tool results become function_call items.
func ChatToResponsesRequest(body map[string]any) (map[string]any, error) {
	if err := ValidateChatRequest(body); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(body))
	for _, k := range passthroughFields {
		if v, ok := body[k]; ok {
			out[k] = v
		}
	}

	input := make([]any, 0, len(body["messages"].([]any)))
	for _, raw := range body["messages"].([]any) {
		input = append(input, convertMessage(raw.(map[string]any))...)
	}
	out["input"] = input

	if v, ok := firstOf(body, "max_completion_tokens", "max_tokens"); ok {
		out["max_output_tokens"] = v
	}
	if effort, ok := body["reasoning_effort"].(string); ok && effort != "" {
		out["reasoning"] = map[string]any{"effort": effort, "summary": "auto"}
	}
	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		out["tools"] = convertTools(tools)
	}
	if tc, ok := body["tool_choice"]; ok {
		out["tool_choice"] = convertToolChoice(tc)
	}
	if rf, ok := body["response_format"].(map[string]any); ok {
		if format := convertResponseFormat(rf); format != nil {
			out["text"] = map[string]any{"format": format}
		}
	}
	return out, nil
}

// MarshalResponsesRequest is ChatToResponsesRequest followed by JSON encoding.
func MarshalResponsesRequest(body map[string]any) ([]byte, error) {
	req, err := ChatToResponsesRequest(body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(req)
}

func firstOf(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func convertMessage(msg map[string]any) []any {
	role, _ := msg["role"].(string)

	switch role {
	case "tool":
		callID, _ := msg["tool_call_id"].(string)
		return []any{map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  flattenText(msg["content"]),
		}}
	case "system":
		role = "developer"
	}

	var items []any
	if content := convertContent(role, msg["content"]); len(content) > 0 {
		items = append(items, map[string]any{
			"type":    "message",
			"role":    role,
			"content": content,
		})
	}

	if role == "assistant" {
		calls, _ := msg["tool_calls"].([]any)
		for _, raw := range calls {
			call, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := call["function"].(map[string]any)
			id, _ := call["id"].(string)
			name, _ := fn["name"].(string)
			args, _ := fn["arguments"].(string)
			items = append(items, map[string]any{
				"type":      "function_call",
				"call_id":   id,
				"name":      name,
				"arguments": args,
			})
		}
	}
	return items
}

func textType(role string) string {
	if role == "assistant" {
		return "output_text"
	}
	return "input_text"
}

func convertContent(role string, content any) []any {
	switch c := content.(type) {
	case string:
		if c == "" {
			return nil
		}
		return []any{map[string]any{"type": textType(role), "text": c}}
	case []any:
		out := make([]any, 0, len(c))
		for _, raw := range c {
			part, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			switch part["type"] {
			case "text", "input_text", "output_text":
				text, _ := part["text"].(string)
				out = append(out, map[string]any{"type": textType(role), "text": text})
			case "image_url":
				item := map[string]any{"type": "input_image"}
				switch iu := part["image_url"].(type) {
				case string:
					item["image_url"] = iu
				case map[string]any:
					item["image_url"] = iu["url"]
					if d, ok := iu["detail"]; ok {
						item["detail"] = d
					}
				}
				out = append(out, item)
			case "input_audio":
				out = append(out, map[string]any{"type": "input_audio", "input_audio": part["input_audio"]})
			case "file":
				item := map[string]any{"type": "input_file"}
				if f, ok := part["file"].(map[string]any); ok {
					for k, v := range f {
						item[k] = v
					}
				}
				out = append(out, item)
			}
		}
		return out
	default:
		return nil
	}
}

// flattenText returns string content, or the concatenated text parts.
func flattenText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, raw := range c {
			if part, ok := raw.(map[string]any); ok {
				if text, ok := part["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

func convertTools(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, raw := range tools {
		tool, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		fn, ok := tool["function"].(map[string]any)
		if tool["type"] != "function" || !ok {
			// Built-in tools (web_search, file_search, ...) already use Response API shape.
			out = append(out, tool)
			continue
		}
		item := map[string]any{"type": "function", "name": fn["name"]}
		for _, k := range []string{"description", "parameters", "strict"} {
			if v, ok := fn[k]; ok {
				item[k] = v
			}
		}
		out = append(out, item)
	}
	return out
}

func convertToolChoice(tc any) any {
	m, ok := tc.(map[string]any)
	if !ok {
		return tc
	}
	if fn, ok := m["function"].(map[string]any); ok {
		return map[string]any{"type": "function", "name": fn["name"]}
	}
	return m
}

func convertResponseFormat(rf map[string]any) map[string]any {
	switch rf["type"] {
	case "json_schema":
		schema, _ := rf["json_schema"].(map[string]any)
		format := map[string]any{"type": "json_schema"}
		for _, k := range []string{"name", "schema", "strict", "description"} {
			if v, ok := schema[k]; ok {
				format[k] = v
			}
		}
		return format
	case "json_object":
		return map[string]any{"type": "json_object"}
	case "text":
		return map[string]any{"type": "text"}
	default:
		return nil
	}
}

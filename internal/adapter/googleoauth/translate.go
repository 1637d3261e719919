package googleoauth

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/majorcontext/relay/internal/usage"
)

// toGeminiRequest renders an OpenAI-dialect chat body into the Gemini
// request shape: contents with role/parts, systemInstruction, tools as
// functionDeclarations, and generationConfig.
func toGeminiRequest(body []byte) ([]byte, error) {
	out := []byte(`{}`)
	var systemParts []string
	contentIdx := 0

	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		role := msg.Get("role").String()
		switch role {
		case "system", "developer":
			systemParts = append(systemParts, contentText(msg.Get("content")))

		case "user":
			out, _ = sjson.SetBytes(out, path("contents", contentIdx, "role"), "user")
			out = setUserParts(out, contentIdx, msg.Get("content"))
			contentIdx++

		case "assistant":
			out, _ = sjson.SetBytes(out, path("contents", contentIdx, "role"), "model")
			partIdx := 0
			if text := contentText(msg.Get("content")); text != "" {
				out, _ = sjson.SetBytes(out, partPath(contentIdx, partIdx, "text"), text)
				partIdx++
			}
			for _, tc := range msg.Get("tool_calls").Array() {
				fn := tc.Get("function")
				out, _ = sjson.SetBytes(out, partPath(contentIdx, partIdx, "functionCall.name"), fn.Get("name").String())
				out, _ = sjson.SetRawBytes(out, partPath(contentIdx, partIdx, "functionCall.args"), rawOrEmpty(fn.Get("arguments").String()))
				partIdx++
			}
			contentIdx++

		case "tool":
			out, _ = sjson.SetBytes(out, path("contents", contentIdx, "role"), "user")
			name := msg.Get("name").String()
			if name == "" {
				name = msg.Get("tool_call_id").String()
			}
			out, _ = sjson.SetBytes(out, partPath(contentIdx, 0, "functionResponse.name"), name)
			out, _ = sjson.SetBytes(out, partPath(contentIdx, 0, "functionResponse.response.result"), contentText(msg.Get("content")))
			contentIdx++
		}
	}

	if len(systemParts) > 0 {
		out, _ = sjson.SetBytes(out, "systemInstruction.parts.0.text", strings.Join(systemParts, "\n\n"))
	}

	out = setGenerationConfig(out, body)
	out = setTools(out, body)
	return out, nil
}

func path(parts ...any) string {
	segs := make([]string, len(parts))
	for i, p := range parts {
		segs[i] = fmt.Sprint(p)
	}
	return strings.Join(segs, ".")
}

func partPath(content, part int, field string) string {
	return fmt.Sprintf("contents.%d.parts.%d.%s", content, part, field)
}

func rawOrEmpty(s string) []byte {
	if s == "" || !gjson.Valid(s) {
		return []byte(`{}`)
	}
	return []byte(s)
}

// contentText flattens a string-or-parts content field into plain text.
func contentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	for _, part := range content.Array() {
		if part.Get("type").String() == "text" {
			b.WriteString(part.Get("text").String())
		}
	}
	return b.String()
}

// setUserParts maps user content parts, including data-URL images, to
// Gemini parts.
func setUserParts(out []byte, contentIdx int, content gjson.Result) []byte {
	if content.Type == gjson.String {
		out, _ = sjson.SetBytes(out, partPath(contentIdx, 0, "text"), content.String())
		return out
	}
	partIdx := 0
	for _, part := range content.Array() {
		switch part.Get("type").String() {
		case "text":
			out, _ = sjson.SetBytes(out, partPath(contentIdx, partIdx, "text"), part.Get("text").String())
			partIdx++
		case "image_url":
			url := part.Get("image_url.url").String()
			mime, data, ok := splitDataURL(url)
			if !ok {
				continue
			}
			out, _ = sjson.SetBytes(out, partPath(contentIdx, partIdx, "inlineData.mimeType"), mime)
			out, _ = sjson.SetBytes(out, partPath(contentIdx, partIdx, "inlineData.data"), data)
			partIdx++
		}
	}
	return out
}

func splitDataURL(url string) (mime, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return "", "", false
	}
	return rest[:semi], rest[semi+len(";base64,"):], true
}

func setGenerationConfig(out, body []byte) []byte {
	if v := gjson.GetBytes(body, "temperature"); v.Exists() {
		out, _ = sjson.SetBytes(out, "generationConfig.temperature", v.Float())
	}
	if v := gjson.GetBytes(body, "top_p"); v.Exists() {
		out, _ = sjson.SetBytes(out, "generationConfig.topP", v.Float())
	}
	if v := gjson.GetBytes(body, "max_tokens"); v.Exists() {
		out, _ = sjson.SetBytes(out, "generationConfig.maxOutputTokens", v.Int())
	}
	if v := gjson.GetBytes(body, "stop"); v.Exists() {
		if v.IsArray() {
			var stops []string
			for _, s := range v.Array() {
				stops = append(stops, s.String())
			}
			out, _ = sjson.SetBytes(out, "generationConfig.stopSequences", stops)
		} else {
			out, _ = sjson.SetBytes(out, "generationConfig.stopSequences", []string{v.String()})
		}
	}
	if v := gjson.GetBytes(body, "reasoning_effort"); v.Exists() {
		budget := map[string]int{"low": 1024, "medium": 8192, "high": 24576}[v.String()]
		if budget > 0 {
			out, _ = sjson.SetBytes(out, "generationConfig.thinkingConfig.thinkingBudget", budget)
			out, _ = sjson.SetBytes(out, "generationConfig.thinkingConfig.includeThoughts", true)
		}
	}
	return out
}

func setTools(out, body []byte) []byte {
	tools := gjson.GetBytes(body, "tools")
	if !tools.Exists() {
		return out
	}
	declIdx := 0
	for _, tool := range tools.Array() {
		if tool.Get("type").String() != "function" {
			continue
		}
		fn := tool.Get("function")
		base := fmt.Sprintf("tools.0.functionDeclarations.%d", declIdx)
		out, _ = sjson.SetBytes(out, base+".name", fn.Get("name").String())
		if d := fn.Get("description"); d.Exists() {
			out, _ = sjson.SetBytes(out, base+".description", d.String())
		}
		if p := fn.Get("parameters"); p.Exists() {
			out, _ = sjson.SetRawBytes(out, base+".parameters", []byte(p.Raw))
		}
		declIdx++
	}

	choice := gjson.GetBytes(body, "tool_choice")
	switch {
	case choice.String() == "required":
		out, _ = sjson.SetBytes(out, "toolConfig.functionCallingConfig.mode", "ANY")
	case choice.String() == "none":
		out, _ = sjson.SetBytes(out, "toolConfig.functionCallingConfig.mode", "NONE")
	case choice.IsObject():
		out, _ = sjson.SetBytes(out, "toolConfig.functionCallingConfig.mode", "ANY")
		out, _ = sjson.SetBytes(out, "toolConfig.functionCallingConfig.allowedFunctionNames",
			[]string{choice.Get("function.name").String()})
	}
	return out
}

// fromGeminiResponse renders a Gemini generateContent response into the
// OpenAI chat completion shape.
func fromGeminiResponse(model string, body []byte) ([]byte, usage.TokenUsage) {
	// Cloud Code wraps the payload under "response".
	if inner := gjson.GetBytes(body, "response"); inner.Exists() {
		body = []byte(inner.Raw)
	}

	out := []byte(`{"object":"chat.completion"}`)
	out, _ = sjson.SetBytes(out, "id", "chatcmpl-"+uuid.NewString())
	out, _ = sjson.SetBytes(out, "model", model)
	out, _ = sjson.SetBytes(out, "choices.0.index", 0)
	out, _ = sjson.SetBytes(out, "choices.0.message.role", "assistant")

	var text, thinking strings.Builder
	toolIdx := 0
	cand := gjson.GetBytes(body, "candidates.0")
	for _, part := range cand.Get("content.parts").Array() {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			base := fmt.Sprintf("choices.0.message.tool_calls.%d", toolIdx)
			out, _ = sjson.SetBytes(out, base+".id", "call_"+uuid.NewString()[:8])
			out, _ = sjson.SetBytes(out, base+".type", "function")
			out, _ = sjson.SetBytes(out, base+".function.name", fc.Get("name").String())
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			out, _ = sjson.SetBytes(out, base+".function.arguments", args)
			toolIdx++
		case part.Get("thought").Bool():
			thinking.WriteString(part.Get("text").String())
		default:
			text.WriteString(part.Get("text").String())
		}
	}
	out, _ = sjson.SetBytes(out, "choices.0.message.content", text.String())
	if thinking.Len() > 0 {
		out, _ = sjson.SetBytes(out, "choices.0.message.reasoning_content", thinking.String())
	}

	finish := mapFinishReason(cand.Get("finishReason").String(), toolIdx > 0)
	out, _ = sjson.SetBytes(out, "choices.0.finish_reason", finish)

	u := parseGeminiUsage(body)
	out, _ = sjson.SetBytes(out, "usage.prompt_tokens", u.PromptTokens)
	out, _ = sjson.SetBytes(out, "usage.completion_tokens", u.CompletionTokens)
	out, _ = sjson.SetBytes(out, "usage.total_tokens", u.TotalTokens)
	return out, u
}

func mapFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return "content_filter"
	default:
		return "stop"
	}
}

func parseGeminiUsage(body []byte) usage.TokenUsage {
	meta := gjson.GetBytes(body, "usageMetadata")
	if !meta.Exists() {
		return usage.TokenUsage{}
	}
	return usage.TokenUsage{
		PromptTokens:     int(meta.Get("promptTokenCount").Int()),
		CompletionTokens: int(meta.Get("candidatesTokenCount").Int()),
		ThinkingTokens:   int(meta.Get("thoughtsTokenCount").Int()),
		CacheReadTokens:  int(meta.Get("cachedContentTokenCount").Int()),
		TotalTokens:      int(meta.Get("totalTokenCount").Int()),
	}
}

// fromGeminiChunk converts one streaming chunk into an OpenAI delta chunk.
// Returns nil when the chunk carries nothing to forward.
func fromGeminiChunk(model string, data []byte) []byte {
	if inner := gjson.GetBytes(data, "response"); inner.Exists() {
		data = []byte(inner.Raw)
	}
	cand := gjson.GetBytes(data, "candidates.0")
	meta := gjson.GetBytes(data, "usageMetadata")
	if !cand.Exists() && !meta.Exists() {
		return nil
	}

	out := []byte(`{"object":"chat.completion.chunk"}`)
	out, _ = sjson.SetBytes(out, "model", model)
	out, _ = sjson.SetBytes(out, "choices.0.index", 0)

	var text, thinking strings.Builder
	toolIdx := 0
	for _, part := range cand.Get("content.parts").Array() {
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			base := fmt.Sprintf("choices.0.delta.tool_calls.%d", toolIdx)
			out, _ = sjson.SetBytes(out, base+".index", toolIdx)
			out, _ = sjson.SetBytes(out, base+".id", "call_"+uuid.NewString()[:8])
			out, _ = sjson.SetBytes(out, base+".type", "function")
			out, _ = sjson.SetBytes(out, base+".function.name", fc.Get("name").String())
			args := fc.Get("args").Raw
			if args == "" {
				args = "{}"
			}
			out, _ = sjson.SetBytes(out, base+".function.arguments", args)
			toolIdx++
		case part.Get("thought").Bool():
			thinking.WriteString(part.Get("text").String())
		default:
			text.WriteString(part.Get("text").String())
		}
	}

	if text.Len() > 0 {
		out, _ = sjson.SetBytes(out, "choices.0.delta.content", text.String())
	}
	if thinking.Len() > 0 {
		out, _ = sjson.SetBytes(out, "choices.0.delta.reasoning_content", thinking.String())
	}
	if reason := cand.Get("finishReason").String(); reason != "" {
		out, _ = sjson.SetBytes(out, "choices.0.finish_reason", mapFinishReason(reason, toolIdx > 0))
	}
	if meta.Exists() {
		u := parseGeminiUsage(data)
		out, _ = sjson.SetBytes(out, "usage.prompt_tokens", u.PromptTokens)
		out, _ = sjson.SetBytes(out, "usage.completion_tokens", u.CompletionTokens)
		out, _ = sjson.SetBytes(out, "usage.total_tokens", u.TotalTokens)
	}
	return out
}

// Package translate converts between the Anthropic messages dialect and
// the OpenAI chat dialect. Requests arrive in Anthropic form and leave in
// OpenAI form; responses travel the other way. Streaming is handled by the
// event state machine in stream.go.
package translate

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/majorcontext/relay/internal/usage"
)

// ToOpenAIRequest renders an Anthropic messages request body into the
// OpenAI chat shape.
func ToOpenAIRequest(body []byte) ([]byte, error) {
	out := []byte(`{}`)
	if v := gjson.GetBytes(body, "model"); v.Exists() {
		out, _ = sjson.SetBytes(out, "model", v.String())
	}

	msgIdx := 0
	if sys := systemText(gjson.GetBytes(body, "system")); sys != "" {
		out, _ = sjson.SetBytes(out, msgPath(msgIdx, "role"), "system")
		out, _ = sjson.SetBytes(out, msgPath(msgIdx, "content"), sys)
		msgIdx++
	}

	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		var err error
		out, msgIdx, err = appendMessage(out, msgIdx, msg)
		if err != nil {
			return nil, err
		}
	}

	out = setSampling(out, body)
	out = setOpenAITools(out, body)
	return out, nil
}

// appendMessage expands one Anthropic message. tool_result blocks become
// standalone OpenAI tool-role messages, so one input message can produce
// several output messages.
func appendMessage(out []byte, idx int, msg gjson.Result) ([]byte, int, error) {
	role := msg.Get("role").String()
	content := msg.Get("content")

	if content.Type == gjson.String {
		out, _ = sjson.SetBytes(out, msgPath(idx, "role"), role)
		out, _ = sjson.SetBytes(out, msgPath(idx, "content"), content.String())
		return out, idx + 1, nil
	}

	var text strings.Builder
	var images []gjson.Result
	var toolCalls []gjson.Result
	var toolResults []gjson.Result
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			text.WriteString(block.Get("text").String())
		case "image":
			images = append(images, block)
		case "tool_use":
			toolCalls = append(toolCalls, block)
		case "tool_result":
			toolResults = append(toolResults, block)
		case "thinking":
			// Assistant thinking from a prior turn; upstreams reject
			// echoed reasoning, so it is dropped on the way out.
		default:
			return nil, idx, fmt.Errorf("unsupported content block type %q", block.Get("type").String())
		}
	}

	// tool_result blocks map to tool-role messages and must precede the
	// rest of the turn, mirroring how the calls preceded them.
	for _, tr := range toolResults {
		out, _ = sjson.SetBytes(out, msgPath(idx, "role"), "tool")
		out, _ = sjson.SetBytes(out, msgPath(idx, "tool_call_id"), tr.Get("tool_use_id").String())
		out, _ = sjson.SetBytes(out, msgPath(idx, "content"), blockResultText(tr))
		idx++
	}

	if text.Len() == 0 && len(images) == 0 && len(toolCalls) == 0 {
		return out, idx, nil
	}

	out, _ = sjson.SetBytes(out, msgPath(idx, "role"), role)
	switch {
	case len(images) > 0:
		partIdx := 0
		if text.Len() > 0 {
			out, _ = sjson.SetBytes(out, msgPath(idx, fmt.Sprintf("content.%d.type", partIdx)), "text")
			out, _ = sjson.SetBytes(out, msgPath(idx, fmt.Sprintf("content.%d.text", partIdx)), text.String())
			partIdx++
		}
		for _, img := range images {
			src := img.Get("source")
			url := fmt.Sprintf("data:%s;base64,%s", src.Get("media_type").String(), src.Get("data").String())
			out, _ = sjson.SetBytes(out, msgPath(idx, fmt.Sprintf("content.%d.type", partIdx)), "image_url")
			out, _ = sjson.SetBytes(out, msgPath(idx, fmt.Sprintf("content.%d.image_url.url", partIdx)), url)
			partIdx++
		}
	default:
		out, _ = sjson.SetBytes(out, msgPath(idx, "content"), text.String())
	}

	for i, tu := range toolCalls {
		base := msgPath(idx, fmt.Sprintf("tool_calls.%d", i))
		out, _ = sjson.SetBytes(out, base+".id", tu.Get("id").String())
		out, _ = sjson.SetBytes(out, base+".type", "function")
		out, _ = sjson.SetBytes(out, base+".function.name", tu.Get("name").String())
		input := tu.Get("input").Raw
		if input == "" {
			input = "{}"
		}
		out, _ = sjson.SetBytes(out, base+".function.arguments", input)
	}
	return out, idx + 1, nil
}

func msgPath(idx int, field string) string {
	return fmt.Sprintf("messages.%d.%s", idx, field)
}

// systemText flattens the Anthropic system field, which is a string or an
// array of text blocks.
func systemText(sys gjson.Result) string {
	if sys.Type == gjson.String {
		return sys.String()
	}
	var b strings.Builder
	for _, block := range sys.Array() {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
	}
	return b.String()
}

// blockResultText flattens a tool_result content field, which may be a
// string or an array of text blocks.
func blockResultText(tr gjson.Result) string {
	content := tr.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	for _, block := range content.Array() {
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
	}
	return b.String()
}

func setSampling(out, body []byte) []byte {
	if v := gjson.GetBytes(body, "max_tokens"); v.Exists() {
		out, _ = sjson.SetBytes(out, "max_tokens", v.Int())
	}
	if v := gjson.GetBytes(body, "temperature"); v.Exists() {
		out, _ = sjson.SetBytes(out, "temperature", v.Float())
	}
	if v := gjson.GetBytes(body, "top_p"); v.Exists() {
		out, _ = sjson.SetBytes(out, "top_p", v.Float())
	}
	if v := gjson.GetBytes(body, "stop_sequences"); v.Exists() {
		var stops []string
		for _, s := range v.Array() {
			stops = append(stops, s.String())
		}
		out, _ = sjson.SetBytes(out, "stop", stops)
	}
	if v := gjson.GetBytes(body, "stream"); v.Exists() {
		out, _ = sjson.SetBytes(out, "stream", v.Bool())
	}
	if v := gjson.GetBytes(body, "metadata.user_id"); v.Exists() {
		out, _ = sjson.SetBytes(out, "user", v.String())
	}
	if gjson.GetBytes(body, "thinking.type").String() == "enabled" {
		out, _ = sjson.SetBytes(out, "reasoning_effort",
			effortForBudget(gjson.GetBytes(body, "thinking.budget_tokens").Int()))
	}
	return out
}

// effortForBudget buckets an Anthropic thinking budget into the coarse
// OpenAI effort hint.
func effortForBudget(budget int64) string {
	switch {
	case budget > 0 && budget <= 2048:
		return "low"
	case budget > 8192:
		return "high"
	default:
		return "medium"
	}
}

func setOpenAITools(out, body []byte) []byte {
	tools := gjson.GetBytes(body, "tools")
	for i, tool := range tools.Array() {
		base := fmt.Sprintf("tools.%d", i)
		out, _ = sjson.SetBytes(out, base+".type", "function")
		out, _ = sjson.SetBytes(out, base+".function.name", tool.Get("name").String())
		if d := tool.Get("description"); d.Exists() {
			out, _ = sjson.SetBytes(out, base+".function.description", d.String())
		}
		if p := tool.Get("input_schema"); p.Exists() {
			out, _ = sjson.SetRawBytes(out, base+".function.parameters", []byte(p.Raw))
		}
	}

	choice := gjson.GetBytes(body, "tool_choice")
	switch choice.Get("type").String() {
	case "auto":
		out, _ = sjson.SetBytes(out, "tool_choice", "auto")
	case "any":
		out, _ = sjson.SetBytes(out, "tool_choice", "required")
	case "none":
		out, _ = sjson.SetBytes(out, "tool_choice", "none")
	case "tool":
		out, _ = sjson.SetBytes(out, "tool_choice.type", "function")
		out, _ = sjson.SetBytes(out, "tool_choice.function.name", choice.Get("name").String())
	}
	return out
}

// FromOpenAIResponse renders an OpenAI chat completion into the Anthropic
// message shape.
func FromOpenAIResponse(body []byte) ([]byte, usage.TokenUsage) {
	out := []byte(`{"type":"message","role":"assistant"}`)
	out, _ = sjson.SetBytes(out, "id", "msg_"+uuid.NewString())
	out, _ = sjson.SetBytes(out, "model", gjson.GetBytes(body, "model").String())

	msg := gjson.GetBytes(body, "choices.0.message")
	blockIdx := 0
	if thinking := msg.Get("reasoning_content").String(); thinking != "" {
		out, _ = sjson.SetBytes(out, blockPath(blockIdx, "type"), "thinking")
		out, _ = sjson.SetBytes(out, blockPath(blockIdx, "thinking"), thinking)
		blockIdx++
	}
	if text := msg.Get("content").String(); text != "" {
		out, _ = sjson.SetBytes(out, blockPath(blockIdx, "type"), "text")
		out, _ = sjson.SetBytes(out, blockPath(blockIdx, "text"), text)
		blockIdx++
	}
	for _, tc := range msg.Get("tool_calls").Array() {
		out, _ = sjson.SetBytes(out, blockPath(blockIdx, "type"), "tool_use")
		out, _ = sjson.SetBytes(out, blockPath(blockIdx, "id"), tc.Get("id").String())
		out, _ = sjson.SetBytes(out, blockPath(blockIdx, "name"), tc.Get("function.name").String())
		args := tc.Get("function.arguments").String()
		if args == "" || !gjson.Valid(args) {
			args = "{}"
		}
		out, _ = sjson.SetRawBytes(out, blockPath(blockIdx, "input"), []byte(args))
		blockIdx++
	}
	if blockIdx == 0 {
		out, _ = sjson.SetRawBytes(out, "content", []byte(`[]`))
	}

	out, _ = sjson.SetBytes(out, "stop_reason",
		mapStopReason(gjson.GetBytes(body, "choices.0.finish_reason").String()))
	out, _ = sjson.SetRawBytes(out, "stop_sequence", []byte(`null`))

	u := openAIUsage(gjson.GetBytes(body, "usage"))
	out, _ = sjson.SetBytes(out, "usage.input_tokens", u.PromptTokens)
	out, _ = sjson.SetBytes(out, "usage.output_tokens", u.CompletionTokens)
	if u.CacheReadTokens > 0 {
		out, _ = sjson.SetBytes(out, "usage.cache_read_input_tokens", u.CacheReadTokens)
	}
	return out, u
}

func blockPath(idx int, field string) string {
	return fmt.Sprintf("content.%d.%s", idx, field)
}

func mapStopReason(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

func openAIUsage(u gjson.Result) usage.TokenUsage {
	return usage.TokenUsage{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		ThinkingTokens:   int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
		CacheReadTokens:  int(u.Get("prompt_tokens_details.cached_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
}

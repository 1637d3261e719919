package translate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func collect(t *testing.T, s *Stream, chunks ...string) []Event {
	t.Helper()
	var events []Event
	for _, c := range chunks {
		ev, err := s.Next([]byte(c))
		require.NoError(t, err)
		events = append(events, ev...)
	}
	return append(events, s.Finish()...)
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestStream_TextSequence(t *testing.T) {
	s := NewStream("gpt-4o")
	events := collect(t, s,
		`{"choices":[{"delta":{"content":"hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`,
	)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(events))

	start := gjson.ParseBytes(events[0].Data)
	assert.Equal(t, "message", start.Get("message.type").String())
	assert.Equal(t, "assistant", start.Get("message.role").String())
	assert.Equal(t, "gpt-4o", start.Get("message.model").String())

	assert.Equal(t, "text", gjson.GetBytes(events[1].Data, "content_block.type").String())
	assert.Equal(t, "hel", gjson.GetBytes(events[2].Data, "delta.text").String())
	assert.Equal(t, "lo", gjson.GetBytes(events[3].Data, "delta.text").String())

	md := gjson.ParseBytes(events[5].Data)
	assert.Equal(t, "end_turn", md.Get("delta.stop_reason").String())
	assert.EqualValues(t, 2, md.Get("usage.output_tokens").Int())
}

func TestStream_ThinkingThenText(t *testing.T) {
	s := NewStream("m")
	events := collect(t, s,
		`{"choices":[{"delta":{"reasoning_content":"hmm"}}]}`,
		`{"choices":[{"delta":{"content":"done"}}]}`,
	)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // thinking
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(events))

	assert.Equal(t, "thinking", gjson.GetBytes(events[1].Data, "content_block.type").String())
	assert.EqualValues(t, 0, gjson.GetBytes(events[1].Data, "index").Int())
	assert.Equal(t, "hmm", gjson.GetBytes(events[2].Data, "delta.thinking").String())
	assert.Equal(t, "text", gjson.GetBytes(events[4].Data, "content_block.type").String())
	assert.EqualValues(t, 1, gjson.GetBytes(events[4].Data, "index").Int())
}

func TestStream_ToolArgumentAggregation(t *testing.T) {
	s := NewStream("m")
	events := collect(t, s,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"f","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"x\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"1}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	)

	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(events))

	start := gjson.ParseBytes(events[1].Data)
	assert.Equal(t, "tool_use", start.Get("content_block.type").String())
	assert.Equal(t, "call_1", start.Get("content_block.id").String())
	assert.Equal(t, "f", start.Get("content_block.name").String())

	frag := gjson.GetBytes(events[2].Data, "delta.partial_json").String() +
		gjson.GetBytes(events[3].Data, "delta.partial_json").String()
	assert.Equal(t, `{"x":1}`, frag)

	assert.Equal(t, "tool_use",
		gjson.GetBytes(events[5].Data, "delta.stop_reason").String())
}

func TestStream_TextThenTool_BlockIndices(t *testing.T) {
	s := NewStream("m")
	events := collect(t, s,
		`{"choices":[{"delta":{"content":"calling"}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"f"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{}"}}]}}]}`,
	)

	var starts []gjson.Result
	for _, e := range events {
		if e.Type == "content_block_start" {
			starts = append(starts, gjson.ParseBytes(e.Data))
		}
	}
	require.Len(t, starts, 2)
	assert.EqualValues(t, 0, starts[0].Get("index").Int())
	assert.Equal(t, "text", starts[0].Get("content_block.type").String())
	assert.EqualValues(t, 1, starts[1].Get("index").Int())
	assert.Equal(t, "tool_use", starts[1].Get("content_block.type").String())
}

func TestStream_ArgumentsBeforeOpenFails(t *testing.T) {
	s := NewStream("m")
	_, err := s.Next([]byte(
		`{"choices":[{"delta":{"tool_calls":[{"index":3,"function":{"arguments":"{"}}]}}]}`))
	assert.Error(t, err)
}

func TestStream_FinishWithoutChunks(t *testing.T) {
	s := NewStream("m")
	events := s.Finish()
	assert.Equal(t, []string{"message_start", "message_delta", "message_stop"}, eventTypes(events))
	assert.Equal(t, "end_turn", gjson.GetBytes(events[1].Data, "delta.stop_reason").String())
}

package translate

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Event is one Anthropic SSE event: the event name plus its JSON payload.
type Event struct {
	Type string
	Data []byte
}

const (
	blockNone = iota
	blockThinking
	blockText
	blockTool
)

// Stream converts a sequence of OpenAI delta chunks into the Anthropic
// event sequence message_start, repeated content blocks, message_delta,
// message_stop. Feed chunks with Next and call Finish after the last one.
type Stream struct {
	model     string
	messageID string

	started    bool
	blockIdx   int
	blockKind  int
	toolBlocks map[int]int // openai tool_call index -> anthropic block index

	inputTokens  int
	outputTokens int
	stopReason   string
}

// NewStream starts a fresh event sequence for one response.
func NewStream(model string) *Stream {
	return &Stream{
		model:      model,
		messageID:  "msg_" + uuid.NewString(),
		blockIdx:   -1,
		toolBlocks: make(map[int]int),
	}
}

// Next folds one OpenAI chunk into zero or more Anthropic events.
func (s *Stream) Next(chunk []byte) ([]Event, error) {
	var events []Event
	if !s.started {
		s.started = true
		events = append(events, s.messageStart())
	}

	delta := gjson.GetBytes(chunk, "choices.0.delta")

	if thinking := delta.Get("reasoning_content").String(); thinking != "" {
		events = s.ensureBlock(events, blockThinking, nil)
		events = append(events, s.blockDelta("thinking_delta", "thinking", thinking))
	}
	if text := delta.Get("content").String(); text != "" {
		events = s.ensureBlock(events, blockText, nil)
		events = append(events, s.blockDelta("text_delta", "text", text))
	}
	for _, tc := range delta.Get("tool_calls").Array() {
		tcIdx := int(tc.Get("index").Int())
		if name := tc.Get("function.name").String(); name != "" {
			// A named entry opens a new tool_use block.
			events = s.ensureBlock(events, blockTool, func(start []byte) []byte {
				id := tc.Get("id").String()
				if id == "" {
					id = "toolu_" + uuid.NewString()[:8]
				}
				start, _ = sjson.SetBytes(start, "content_block.id", id)
				start, _ = sjson.SetBytes(start, "content_block.name", name)
				return start
			})
			s.toolBlocks[tcIdx] = s.blockIdx
		}
		if args := tc.Get("function.arguments").String(); args != "" {
			blockIdx, ok := s.toolBlocks[tcIdx]
			if !ok {
				return nil, fmt.Errorf("tool arguments for unopened call index %d", tcIdx)
			}
			events = append(events, s.blockDeltaAt(blockIdx, "input_json_delta", "partial_json", args))
		}
	}

	if reason := gjson.GetBytes(chunk, "choices.0.finish_reason").String(); reason != "" {
		s.stopReason = mapStopReason(reason)
	}
	if u := gjson.GetBytes(chunk, "usage"); u.Exists() {
		if n := int(u.Get("prompt_tokens").Int()); n > 0 {
			s.inputTokens = n
		}
		if n := int(u.Get("completion_tokens").Int()); n > 0 {
			s.outputTokens = n
		}
	}
	return events, nil
}

// Finish closes the open block and terminates the sequence. Safe to call
// once after the final chunk, even when no chunk ever arrived.
func (s *Stream) Finish() []Event {
	var events []Event
	if !s.started {
		s.started = true
		events = append(events, s.messageStart())
	}
	events = s.closeBlock(events)

	if s.stopReason == "" {
		s.stopReason = "end_turn"
	}
	md := []byte(`{"type":"message_delta"}`)
	md, _ = sjson.SetBytes(md, "delta.stop_reason", s.stopReason)
	md, _ = sjson.SetRawBytes(md, "delta.stop_sequence", []byte(`null`))
	md, _ = sjson.SetBytes(md, "usage.output_tokens", s.outputTokens)
	events = append(events, Event{Type: "message_delta", Data: md})
	events = append(events, Event{Type: "message_stop", Data: []byte(`{"type":"message_stop"}`)})
	return events
}

func (s *Stream) messageStart() Event {
	data := []byte(`{"type":"message_start"}`)
	data, _ = sjson.SetBytes(data, "message.id", s.messageID)
	data, _ = sjson.SetBytes(data, "message.type", "message")
	data, _ = sjson.SetBytes(data, "message.role", "assistant")
	data, _ = sjson.SetBytes(data, "message.model", s.model)
	data, _ = sjson.SetRawBytes(data, "message.content", []byte(`[]`))
	data, _ = sjson.SetRawBytes(data, "message.stop_reason", []byte(`null`))
	data, _ = sjson.SetBytes(data, "message.usage.input_tokens", s.inputTokens)
	data, _ = sjson.SetBytes(data, "message.usage.output_tokens", 0)
	return Event{Type: "message_start", Data: data}
}

// ensureBlock opens a block of the wanted kind, closing the previous one
// first. Tool blocks always open fresh; text and thinking blocks continue
// while the kind matches.
func (s *Stream) ensureBlock(events []Event, kind int, decorate func([]byte) []byte) []Event {
	if s.blockKind == kind && kind != blockTool {
		return events
	}
	events = s.closeBlock(events)
	s.blockIdx++
	s.blockKind = kind

	start := []byte(`{"type":"content_block_start"}`)
	start, _ = sjson.SetBytes(start, "index", s.blockIdx)
	switch kind {
	case blockThinking:
		start, _ = sjson.SetBytes(start, "content_block.type", "thinking")
		start, _ = sjson.SetBytes(start, "content_block.thinking", "")
	case blockText:
		start, _ = sjson.SetBytes(start, "content_block.type", "text")
		start, _ = sjson.SetBytes(start, "content_block.text", "")
	case blockTool:
		start, _ = sjson.SetBytes(start, "content_block.type", "tool_use")
		start, _ = sjson.SetRawBytes(start, "content_block.input", []byte(`{}`))
	}
	if decorate != nil {
		start = decorate(start)
	}
	return append(events, Event{Type: "content_block_start", Data: start})
}

func (s *Stream) closeBlock(events []Event) []Event {
	if s.blockKind == blockNone {
		return events
	}
	stop := []byte(`{"type":"content_block_stop"}`)
	stop, _ = sjson.SetBytes(stop, "index", s.blockIdx)
	s.blockKind = blockNone
	return append(events, Event{Type: "content_block_stop", Data: stop})
}

func (s *Stream) blockDelta(deltaType, field, value string) Event {
	return s.blockDeltaAt(s.blockIdx, deltaType, field, value)
}

func (s *Stream) blockDeltaAt(idx int, deltaType, field, value string) Event {
	data := []byte(`{"type":"content_block_delta"}`)
	data, _ = sjson.SetBytes(data, "index", idx)
	data, _ = sjson.SetBytes(data, "delta.type", deltaType)
	data, _ = sjson.SetBytes(data, "delta."+field, value)
	return Event{Type: "content_block_delta", Data: data}
}

package translate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StreamEvent is one named SSE event carrying a JSON payload.
type StreamEvent struct {
	Name string
	Data []byte
}

// Frame renders the event in SSE wire form.
func (e StreamEvent) Frame() []byte {
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, e.Data))
}

// IsError reports whether this is a terminal error event.
func (e StreamEvent) IsError() bool {
	return e.Name == "error"
}

// IsTerminal reports whether no further events follow this one.
func (e StreamEvent) IsTerminal() bool {
	return e.Name == "message_stop" || e.Name == "error"
}

func event(name string, payload any) StreamEvent {
	data, _ := json.Marshal(payload)
	return StreamEvent{Name: name, Data: data}
}

// PingEvent is the keep-alive event interleaved into Anthropic streams.
func PingEvent() StreamEvent {
	return StreamEvent{Name: "ping", Data: []byte(`{"type":"ping"}`)}
}

// ErrorEvent wraps an Anthropic error envelope as a stream event.
func ErrorEvent(envelope []byte) StreamEvent {
	return StreamEvent{Name: "error", Data: envelope}
}

type messageStartPayload struct {
	Type    string             `json:"type"`
	Message streamMessageShell `json:"message"`
}

type streamMessageShell struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

type blockStartPayload struct {
	Type         string    `json:"type"`
	Index        int       `json:"index"`
	ContentBlock blockOpen `json:"content_block"`
}

type blockOpen struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type blockDeltaPayload struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta blockDelta `json:"delta"`
}

type blockDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type blockStopPayload struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaPayload struct {
	Type  string           `json:"type"`
	Delta messageDeltaBody `json:"delta"`
	Usage deltaUsage       `json:"usage"`
}

type messageDeltaBody struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type deltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

const (
	blockNone = iota
	blockTextOpen
	blockToolOpen
)

// StreamTranslator converts chat.completion.chunk deltas into the Anthropic
// streaming event sequence. Feed each decoded chunk to Next and call Finish
// when the upstream stream ends; both return events in emission order.
//
// Tool-call blocks are opened lazily: content_block_start is withheld until
// the call id and function name have arrived, with any argument fragments
// seen before that point buffered and flushed as the first input_json_delta.
type StreamTranslator struct {
	model         string
	inputEstimate int

	started    bool
	openState  int
	blockIndex int

	curToolIdx  int
	toolID      string
	toolName    string
	toolStarted bool
	pendingArgs strings.Builder

	output strings.Builder
	usage  *ChatUsage
	finish string
}

// NewStreamTranslator returns a translator that reports model as the message
// model and falls back to inputEstimate when the upstream never reports
// usage.
func NewStreamTranslator(model string, inputEstimate int) *StreamTranslator {
	return &StreamTranslator{model: model, inputEstimate: inputEstimate, curToolIdx: -1}
}

// Next consumes one upstream chunk and returns the Anthropic events it
// produces, which may be none.
func (t *StreamTranslator) Next(chunk ChatStreamChunk) []StreamEvent {
	var out []StreamEvent
	if !t.started {
		t.started = true
		out = append(out, t.messageStart(), PingEvent())
	}
	if chunk.Usage != nil {
		t.usage = chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return out
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		t.finish = choice.FinishReason
	}
	if choice.Delta.Content != "" {
		out = append(out, t.textDelta(choice.Delta.Content)...)
	}
	for _, tc := range choice.Delta.ToolCalls {
		out = append(out, t.toolDelta(tc)...)
	}
	return out
}

// Finish closes any open block and returns the terminal message_delta and
// message_stop events. If no chunk ever arrived the message framing is still
// emitted so the client sees a complete, empty message.
func (t *StreamTranslator) Finish() []StreamEvent {
	var out []StreamEvent
	if !t.started {
		t.started = true
		out = append(out, t.messageStart(), PingEvent())
	}
	out = append(out, t.closeBlock()...)
	outputTokens := 0
	if t.usage != nil {
		outputTokens = t.usage.CompletionTokens
	} else {
		outputTokens = CountTokens(t.output.String())
	}
	out = append(out, event("message_delta", messageDeltaPayload{
		Type: "message_delta",
		Delta: messageDeltaBody{
			StopReason: StopReasonFromFinish(t.finish),
		},
		Usage: deltaUsage{OutputTokens: outputTokens},
	}))
	out = append(out, event("message_stop", map[string]string{"type": "message_stop"}))
	return out
}

func (t *StreamTranslator) messageStart() StreamEvent {
	return event("message_start", messageStartPayload{
		Type: "message_start",
		Message: streamMessageShell{
			ID:      NewMessageID(),
			Type:    "message",
			Role:    "assistant",
			Model:   t.model,
			Content: []ContentBlock{},
			Usage:   Usage{InputTokens: t.inputEstimate},
		},
	})
}

func (t *StreamTranslator) textDelta(text string) []StreamEvent {
	var out []StreamEvent
	if t.openState != blockTextOpen {
		out = append(out, t.closeBlock()...)
		out = append(out, event("content_block_start", blockStartPayload{
			Type:         "content_block_start",
			Index:        t.blockIndex,
			ContentBlock: blockOpen{Type: BlockText},
		}))
		t.openState = blockTextOpen
	}
	t.output.WriteString(text)
	out = append(out, event("content_block_delta", blockDeltaPayload{
		Type:  "content_block_delta",
		Index: t.blockIndex,
		Delta: blockDelta{Type: "text_delta", Text: text},
	}))
	return out
}

func (t *StreamTranslator) toolDelta(tc ChatDeltaToolCall) []StreamEvent {
	var out []StreamEvent
	if t.openState != blockToolOpen || tc.Index != t.curToolIdx {
		out = append(out, t.closeBlock()...)
		t.openState = blockToolOpen
		t.curToolIdx = tc.Index
	}
	if tc.ID != "" {
		t.toolID = tc.ID
	}
	if tc.Function.Name != "" {
		t.toolName = tc.Function.Name
	}
	if !t.toolStarted && t.toolID != "" && t.toolName != "" {
		t.toolStarted = true
		id := t.toolID
		if !strings.HasPrefix(id, "toolu_") {
			id = NewToolUseID()
		}
		out = append(out, event("content_block_start", blockStartPayload{
			Type:  "content_block_start",
			Index: t.blockIndex,
			ContentBlock: blockOpen{
				Type:  BlockToolUse,
				ID:    id,
				Name:  t.toolName,
				Input: json.RawMessage("{}"),
			},
		}))
		if t.pendingArgs.Len() > 0 {
			out = append(out, t.argsDelta(t.pendingArgs.String()))
			t.pendingArgs.Reset()
		}
	}
	if tc.Function.Arguments != "" {
		if !t.toolStarted {
			t.pendingArgs.WriteString(tc.Function.Arguments)
		} else {
			out = append(out, t.argsDelta(tc.Function.Arguments))
		}
	}
	return out
}

func (t *StreamTranslator) argsDelta(fragment string) StreamEvent {
	t.output.WriteString(fragment)
	return event("content_block_delta", blockDeltaPayload{
		Type:  "content_block_delta",
		Index: t.blockIndex,
		Delta: blockDelta{Type: "input_json_delta", PartialJSON: fragment},
	})
}

// closeBlock emits content_block_stop for the open block, if any, and
// advances the index. An unstarted tool block (id or name never arrived)
// produces nothing.
func (t *StreamTranslator) closeBlock() []StreamEvent {
	if t.openState == blockNone {
		return nil
	}
	skipped := t.openState == blockToolOpen && !t.toolStarted
	t.openState = blockNone
	t.toolStarted = false
	t.toolID = ""
	t.toolName = ""
	t.pendingArgs.Reset()
	if skipped {
		return nil
	}
	ev := event("content_block_stop", blockStopPayload{
		Type:  "content_block_stop",
		Index: t.blockIndex,
	})
	t.blockIndex++
	return []StreamEvent{ev}
}

package translate

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func chunkText(text string) ChatStreamChunk {
	return ChatStreamChunk{Choices: []ChatChunkChoice{{Delta: ChatDelta{Content: text}}}}
}

func collect(t *StreamTranslator, chunks ...ChatStreamChunk) []StreamEvent {
	var events []StreamEvent
	for _, c := range chunks {
		events = append(events, t.Next(c)...)
	}
	return append(events, t.Finish()...)
}

func names(events []StreamEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Name
	}
	return out
}

func TestStreamTranslator_TextSequence(t *testing.T) {
	tr := NewStreamTranslator("claude-sonnet-4", 7)
	events := collect(tr,
		ChatStreamChunk{Choices: []ChatChunkChoice{{Delta: ChatDelta{Role: "assistant"}}}},
		chunkText("Hel"),
		chunkText("lo"),
		ChatStreamChunk{Choices: []ChatChunkChoice{{FinishReason: FinishStop}}},
		ChatStreamChunk{Usage: &ChatUsage{PromptTokens: 9, CompletionTokens: 2}},
	)

	want := []string{
		"message_start", "ping",
		"content_block_start", "content_block_delta", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}
	got := names(events)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event order:\n got %v\nwant %v", got, want)
	}

	start := gjson.ParseBytes(events[0].Data)
	if start.Get("message.model").String() != "claude-sonnet-4" {
		t.Errorf("message_start model = %s", events[0].Data)
	}
	if start.Get("message.usage.input_tokens").Int() != 7 {
		t.Errorf("message_start input estimate = %s", events[0].Data)
	}
	if got := gjson.GetBytes(events[3].Data, "delta.text").String(); got != "Hel" {
		t.Errorf("first delta = %q", got)
	}

	md := gjson.ParseBytes(events[6].Data)
	if md.Get("delta.stop_reason").String() != StopEndTurn {
		t.Errorf("message_delta = %s", events[6].Data)
	}
	if md.Get("usage.output_tokens").Int() != 2 {
		t.Errorf("usage should come from the upstream report: %s", events[6].Data)
	}
}

func TestStreamTranslator_ToolCallDeferredStart(t *testing.T) {
	tr := NewStreamTranslator("m", 0)
	// Arguments arrive before the call id: the start event must wait and the
	// early fragment must flush first.
	events := collect(tr,
		ChatStreamChunk{Choices: []ChatChunkChoice{{Delta: ChatDelta{ToolCalls: []ChatDeltaToolCall{
			{Index: 0, Function: ChatDeltaFunction{Arguments: `{"ci`}},
		}}}}},
		ChatStreamChunk{Choices: []ChatChunkChoice{{Delta: ChatDelta{ToolCalls: []ChatDeltaToolCall{
			{Index: 0, ID: "call_1", Function: ChatDeltaFunction{Name: "get_weather", Arguments: `ty":`}},
		}}}}},
		ChatStreamChunk{Choices: []ChatChunkChoice{{Delta: ChatDelta{ToolCalls: []ChatDeltaToolCall{
			{Index: 0, Function: ChatDeltaFunction{Arguments: `"Oslo"}`}},
		}}}}},
		ChatStreamChunk{Choices: []ChatChunkChoice{{FinishReason: FinishToolCalls}}},
	)

	want := []string{
		"message_start", "ping",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}
	if got := names(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event order:\n got %v\nwant %v", got, want)
	}

	start := gjson.ParseBytes(events[2].Data)
	if start.Get("content_block.name").String() != "get_weather" {
		t.Errorf("block start = %s", events[2].Data)
	}
	if id := start.Get("content_block.id").String(); !strings.HasPrefix(id, "toolu_") {
		t.Errorf("tool id = %q", id)
	}

	// Concatenated partial_json fragments must reassemble into valid JSON.
	var args strings.Builder
	for _, e := range events {
		if e.Name == "content_block_delta" {
			args.WriteString(gjson.GetBytes(e.Data, "delta.partial_json").String())
		}
	}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(args.String()), &parsed); err != nil {
		t.Fatalf("reassembled args %q: %v", args.String(), err)
	}
	if parsed["city"] != "Oslo" {
		t.Errorf("args = %v", parsed)
	}

	if got := gjson.GetBytes(events[7].Data, "delta.stop_reason").String(); got != StopToolUse {
		t.Errorf("stop_reason = %q", got)
	}
}

func TestStreamTranslator_TextThenTool(t *testing.T) {
	tr := NewStreamTranslator("m", 0)
	events := collect(tr,
		chunkText("Let me check."),
		ChatStreamChunk{Choices: []ChatChunkChoice{{Delta: ChatDelta{ToolCalls: []ChatDeltaToolCall{
			{Index: 0, ID: "call_1", Function: ChatDeltaFunction{Name: "calc", Arguments: `{}`}},
		}}}}},
	)

	want := []string{
		"message_start", "ping",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}
	if got := names(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event order:\n got %v\nwant %v", got, want)
	}
	// Block indexes must advance.
	if idx := gjson.GetBytes(events[5].Data, "index").Int(); idx != 1 {
		t.Errorf("tool block index = %d, want 1", idx)
	}
}

func TestStreamTranslator_EmptyStream(t *testing.T) {
	tr := NewStreamTranslator("m", 3)
	events := tr.Finish()
	want := []string{"message_start", "ping", "message_delta", "message_stop"}
	if got := names(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestStreamTranslator_UsageEstimateFallback(t *testing.T) {
	tr := NewStreamTranslator("m", 0)
	events := collect(tr, chunkText("some streamed output text with several words"))
	last := events[len(events)-2] // message_delta
	if last.Name != "message_delta" {
		t.Fatalf("unexpected tail: %v", names(events))
	}
	if gjson.GetBytes(last.Data, "usage.output_tokens").Int() == 0 {
		t.Errorf("output_tokens should be estimated: %s", last.Data)
	}
}

func TestStreamEvent_Frame(t *testing.T) {
	f := string(StreamEvent{Name: "ping", Data: []byte(`{"type":"ping"}`)}.Frame())
	if f != "event: ping\ndata: {\"type\":\"ping\"}\n\n" {
		t.Errorf("frame = %q", f)
	}
	if !(StreamEvent{Name: "error"}).IsTerminal() || !(StreamEvent{Name: "message_stop"}).IsTerminal() {
		t.Error("terminal detection")
	}
	if (StreamEvent{Name: "content_block_delta"}).IsTerminal() {
		t.Error("delta is not terminal")
	}
}

package translate

import (
	"encoding/json"
	"strings"
	"testing"
)

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestParseMessagesRequest(t *testing.T) {
	req, err := ParseMessagesRequest([]byte(`{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"system": "be terse",
		"messages": [{"role": "user", "content": "hi"}]
	}`))
	if err != nil {
		t.Fatalf("ParseMessagesRequest: %v", err)
	}
	if req.Model != "claude-sonnet-4" || req.MaxTokens != 1024 {
		t.Errorf("parsed %q max_tokens=%d", req.Model, req.MaxTokens)
	}
	if req.System.Joined() != "be terse" {
		t.Errorf("system = %q", req.System.Joined())
	}
	if !req.Messages[0].Content.IsText || req.Messages[0].Content.Text != "hi" {
		t.Errorf("content = %+v", req.Messages[0].Content)
	}
}

func TestParseMessagesRequest_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"missing model": `{"messages":[{"role":"user","content":"x"}]}`,
		"no messages":   `{"model":"m","messages":[]}`,
		"bad role":      `{"model":"m","messages":[{"role":"system","content":"x"}]}`,
	}
	for name, body := range cases {
		if _, err := ParseMessagesRequest([]byte(body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseMessagesRequest_BlockSystem(t *testing.T) {
	req, err := ParseMessagesRequest([]byte(`{
		"model": "m",
		"system": [{"type":"text","text":"one"},{"type":"text","text":"two"}],
		"messages": [{"role":"user","content":"x"}]
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.System.Joined() != "one\ntwo" {
		t.Errorf("system = %q", req.System.Joined())
	}
}

func TestRequestToOpenAI_Basics(t *testing.T) {
	req := &MessagesRequest{
		Model:         "claude-sonnet-4",
		MaxTokens:     512,
		Temperature:   floatPtr(0.5),
		TopP:          floatPtr(0.9),
		TopK:          intPtr(40),
		StopSequences: []string{"END"},
		System:        SystemPrompt{IsText: true, Text: "be terse"},
		Metadata:      &Metadata{UserID: "u-1"},
		Messages: []Message{
			{Role: "user", Content: TextContent("hello")},
		},
	}
	out := RequestToOpenAI(req, "gpt-4o")

	if out.Model != "gpt-4o" {
		t.Errorf("Model = %q", out.Model)
	}
	if out.MaxTokens != 512 || *out.Temperature != 0.5 || *out.TopP != 0.9 {
		t.Errorf("sampling params not carried: %+v", out)
	}
	if len(out.Stop) != 1 || out.Stop[0] != "END" {
		t.Errorf("Stop = %v", out.Stop)
	}
	if out.User != "u-1" {
		t.Errorf("User = %q", out.User)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("got %d messages, want system + user", len(out.Messages))
	}
	if out.Messages[0].Role != "system" || out.Messages[0].Content.Text != "be terse" {
		t.Errorf("system message = %+v", out.Messages[0])
	}
	if out.Messages[1].Role != "user" || out.Messages[1].Content.Text != "hello" {
		t.Errorf("user message = %+v", out.Messages[1])
	}
	// top_k has no chat-completions equivalent.
	if b, _ := json.Marshal(out); strings.Contains(string(b), "top_k") {
		t.Errorf("top_k leaked into wire form: %s", b)
	}
}

func TestRequestToOpenAI_StreamRequestsUsage(t *testing.T) {
	out := RequestToOpenAI(&MessagesRequest{
		Model:    "m",
		Stream:   true,
		Messages: []Message{{Role: "user", Content: TextContent("x")}},
	}, "m")
	if !out.Stream || out.StreamOptions == nil || !out.StreamOptions.IncludeUsage {
		t.Errorf("stream_options.include_usage not set: %+v", out)
	}
}

func TestRequestToOpenAI_ToolFlow(t *testing.T) {
	req := &MessagesRequest{
		Model: "m",
		Tools: []Tool{{
			Name:        "get_weather",
			Description: "look up weather",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		}},
		ToolChoice: &ToolChoice{Type: "any"},
		Messages: []Message{
			{Role: "user", Content: TextContent("weather in Oslo?")},
			{Role: "assistant", Content: BlockContent(
				ContentBlock{Type: BlockText, Text: "Checking."},
				ContentBlock{Type: BlockToolUse, ID: "toolu_abc", Name: "get_weather", Input: json.RawMessage(`{"city":"Oslo"}`)},
			)},
			{Role: "user", Content: BlockContent(
				ContentBlock{Type: BlockToolResult, ToolUseID: "toolu_abc", Content: json.RawMessage(`"12C, rain"`)},
			)},
		},
	}
	out := RequestToOpenAI(req, "m")

	if len(out.Tools) != 1 || out.Tools[0].Function.Name != "get_weather" {
		t.Fatalf("tools = %+v", out.Tools)
	}
	if out.ToolChoice == nil || out.ToolChoice.Mode != "required" {
		t.Errorf("tool_choice any should map to required, got %+v", out.ToolChoice)
	}
	if len(out.Messages) != 3 {
		t.Fatalf("got %d messages: %+v", len(out.Messages), out.Messages)
	}
	asst := out.Messages[1]
	if asst.Role != "assistant" || asst.Content.Text != "Checking." {
		t.Errorf("assistant = %+v", asst)
	}
	if len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "toolu_abc" ||
		asst.ToolCalls[0].Function.Arguments != `{"city":"Oslo"}` {
		t.Errorf("tool_calls = %+v", asst.ToolCalls)
	}
	tool := out.Messages[2]
	if tool.Role != "tool" || tool.ToolCallID != "toolu_abc" || tool.Content.Text != "12C, rain" {
		t.Errorf("tool message = %+v", tool)
	}
}

func TestRequestToOpenAI_ToolChoiceMapping(t *testing.T) {
	tests := []struct {
		in   *ToolChoice
		mode string
		fn   string
	}{
		{&ToolChoice{Type: "auto"}, "auto", ""},
		{&ToolChoice{Type: "any"}, "required", ""},
		{&ToolChoice{Type: "none"}, "none", ""},
		{&ToolChoice{Type: "tool", Name: "calc"}, "", "calc"},
	}
	for _, tt := range tests {
		got := toolChoiceToChat(tt.in)
		if got.Mode != tt.mode || got.Function != tt.fn {
			t.Errorf("%+v -> %+v", tt.in, got)
		}
	}
	if toolChoiceToChat(nil) != nil {
		t.Error("nil tool_choice should stay nil")
	}
}

func TestRequestToOpenAI_Images(t *testing.T) {
	req := &MessagesRequest{
		Model: "m",
		Messages: []Message{{Role: "user", Content: BlockContent(
			ContentBlock{Type: BlockText, Text: "what is this?"},
			ContentBlock{Type: BlockImage, Source: &ImageSource{
				Type: "base64", MediaType: "image/png", Data: "aGVsbG8=",
			}},
		)}},
	}
	out := RequestToOpenAI(req, "m")
	parts := out.Messages[0].Content.Parts
	if len(parts) != 2 {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[1].Type != "image_url" || parts[1].ImageURL.URL != "data:image/png;base64,aGVsbG8=" {
		t.Errorf("image part = %+v", parts[1])
	}
}

func TestRequestRoundTrip(t *testing.T) {
	orig := &MessagesRequest{
		Model:       "claude-sonnet-4",
		MaxTokens:   256,
		Temperature: floatPtr(0.7),
		Stream:      true,
		System:      SystemPrompt{IsText: true, Text: "sys"},
		Tools: []Tool{{
			Name:        "calc",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		ToolChoice: &ToolChoice{Type: "tool", Name: "calc"},
		Messages: []Message{
			{Role: "user", Content: TextContent("2+2?")},
			{Role: "assistant", Content: BlockContent(
				ContentBlock{Type: BlockToolUse, ID: "toolu_1", Name: "calc", Input: json.RawMessage(`{"expr":"2+2"}`)},
			)},
			{Role: "user", Content: BlockContent(
				ContentBlock{Type: BlockToolResult, ToolUseID: "toolu_1", Content: json.RawMessage(`"4"`)},
			)},
			{Role: "user", Content: TextContent("thanks")},
		},
	}
	back := RequestFromOpenAI(RequestToOpenAI(orig, "upstream-model"))

	if back.System.Joined() != "sys" {
		t.Errorf("system = %q", back.System.Joined())
	}
	if back.MaxTokens != 256 || *back.Temperature != 0.7 || !back.Stream {
		t.Errorf("params lost: %+v", back)
	}
	if back.ToolChoice == nil || back.ToolChoice.Type != "tool" || back.ToolChoice.Name != "calc" {
		t.Errorf("tool_choice = %+v", back.ToolChoice)
	}
	if len(back.Messages) != 4 {
		t.Fatalf("got %d messages: %+v", len(back.Messages), back.Messages)
	}
	if back.Messages[0].Content.JoinedText() != "2+2?" {
		t.Errorf("turn 0 = %+v", back.Messages[0])
	}
	tu := back.Messages[1].Content.Blocks[0]
	if tu.Type != BlockToolUse || tu.ID != "toolu_1" || tu.Name != "calc" || string(tu.Input) != `{"expr":"2+2"}` {
		t.Errorf("tool_use = %+v", tu)
	}
	tr := back.Messages[2].Content.Blocks[0]
	if tr.Type != BlockToolResult || tr.ToolUseID != "toolu_1" {
		t.Errorf("tool_result = %+v", tr)
	}
	if back.Messages[3].Content.JoinedText() != "thanks" {
		t.Errorf("turn 3 = %+v", back.Messages[3])
	}
}

func TestParseToolArguments(t *testing.T) {
	if got := parseToolArguments(`{"a":1}`); string(got) != `{"a":1}` {
		t.Errorf("valid object: %s", got)
	}
	if got := parseToolArguments(""); string(got) != "{}" {
		t.Errorf("empty: %s", got)
	}
	got := parseToolArguments(`{"a": truncated`)
	var wrapped map[string]string
	if err := json.Unmarshal(got, &wrapped); err != nil {
		t.Fatalf("wrapper not valid JSON: %s", got)
	}
	if wrapped["error_parsing_arguments"] != `{"a": truncated` {
		t.Errorf("wrapped = %v", wrapped)
	}
}

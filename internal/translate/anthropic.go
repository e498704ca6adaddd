// Package translate converts between the Anthropic Messages wire format and
// the OpenAI chat-completions wire format, in both directions, for requests,
// responses and streaming deltas.
//
// The package owns its wire structs instead of reusing SDK types: the proxy
// must round-trip fields verbatim (unknown content blocks, raw tool input
// JSON) and emit raw SSE frames, neither of which the SDK response types
// preserve. Streaming conversion is a small state machine (StreamTranslator)
// that turns chat.completion.chunk objects into the Anthropic named-event
// sequence.
package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Content block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Anthropic stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
)

// MessagesRequest is the Anthropic POST /v1/messages body.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

// Message is one conversation turn. Content is a bare string or a list of
// typed blocks on the wire; both forms decode into MessageContent.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent holds either a plain string or structured content blocks.
// Exactly one of Text/Blocks is meaningful; IsText distinguishes an empty
// string from an empty block list when re-encoding.
type MessageContent struct {
	IsText bool
	Text   string
	Blocks []ContentBlock
}

// TextContent wraps a plain string as message content.
func TextContent(s string) MessageContent {
	return MessageContent{IsText: true, Text: s}
}

// BlockContent wraps content blocks as message content.
func BlockContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

// JoinedText returns all text content joined with newlines, ignoring
// non-text blocks.
func (c MessageContent) JoinedText() string {
	if c.IsText {
		return c.Text
	}
	var buf bytes.Buffer
	for _, b := range c.Blocks {
		if b.Type != BlockText || b.Text == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte('\n')
		}
		buf.WriteString(b.Text)
	}
	return buf.String()
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		c.IsText = true
		return json.Unmarshal(data, &c.Text)
	}
	c.IsText = false
	return json.Unmarshal(data, &c.Blocks)
}

// ContentBlock is one typed block inside a message. The field set is the
// union over all block types; unused fields stay at their zero value and are
// omitted on re-encode.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is the payload of an image block (base64 form only).
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ToolResultText flattens a tool_result content payload to plain text. The
// wire allows a bare string or a list of text blocks.
func (b ContentBlock) ToolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		return MessageContent{Blocks: blocks}.JoinedText()
	}
	return string(b.Content)
}

// SystemPrompt is the top-level system field: a bare string or a list of
// text blocks on the wire.
type SystemPrompt struct {
	IsText bool
	Text   string
	Blocks []ContentBlock
}

// IsZero reports whether no system prompt was supplied.
func (s SystemPrompt) IsZero() bool {
	return !s.IsText && s.Blocks == nil
}

// Joined returns the system text, joining block form with newlines.
func (s SystemPrompt) Joined() string {
	if s.IsText {
		return s.Text
	}
	return MessageContent{Blocks: s.Blocks}.JoinedText()
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.IsText {
		return json.Marshal(s.Text)
	}
	return json.Marshal(s.Blocks)
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		s.IsText = true
		return json.Unmarshal(data, &s.Text)
	}
	s.IsText = false
	return json.Unmarshal(data, &s.Blocks)
}

// Tool is one Anthropic tool definition with a JSON-schema input.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice selects how the model may use tools.
// Type is one of: auto, any, tool, none.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Metadata carries client-supplied request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// MessagesResponse is the Anthropic non-streaming response body.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage is the Anthropic token accounting block.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ParseMessagesRequest decodes and minimally validates an inbound
// /v1/messages body.
func ParseMessagesRequest(body []byte) (*MessagesRequest, error) {
	var req MessagesRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("field 'model' is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("field 'messages' must not be empty")
	}
	for i, m := range req.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	return &req, nil
}

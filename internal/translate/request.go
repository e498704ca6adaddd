package translate

import (
	"encoding/json"
	"strings"
)

// RequestToOpenAI converts an Anthropic Messages request into a
// chat-completions request targeting the given upstream model.
//
// Structural mapping: the system prompt becomes the leading system message,
// tool_result blocks become tool-role messages, assistant tool_use blocks
// become tool_calls, and base64 images become data: URLs. top_k has no
// chat-completions equivalent and is dropped.
func RequestToOpenAI(req *MessagesRequest, model string) *ChatRequest {
	out := &ChatRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.Stream {
		out.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}
	if !req.System.IsZero() {
		out.Messages = append(out.Messages, ChatMessage{
			Role:    "system",
			Content: ChatContent{Text: req.System.Joined()},
		})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			out.Messages = append(out.Messages, assistantToChat(m))
		default:
			out.Messages = append(out.Messages, userToChat(m)...)
		}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ChatTool{
			Type: "function",
			Function: ChatFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	out.ToolChoice = toolChoiceToChat(req.ToolChoice)
	return out
}

func toolChoiceToChat(tc *ToolChoice) *ChatToolChoice {
	if tc == nil {
		return nil
	}
	switch tc.Type {
	case "any":
		return &ChatToolChoice{Mode: "required"}
	case "tool":
		return &ChatToolChoice{Function: tc.Name}
	case "none":
		return &ChatToolChoice{Mode: "none"}
	default:
		return &ChatToolChoice{Mode: "auto"}
	}
}

// userToChat expands one user turn. tool_result blocks map to individual
// tool-role messages emitted first; remaining text and image blocks collapse
// into a single user message.
func userToChat(m Message) []ChatMessage {
	if m.Content.IsText {
		return []ChatMessage{{Role: "user", Content: ChatContent{Text: m.Content.Text}}}
	}
	var out []ChatMessage
	var parts []ChatContentPart
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case BlockToolResult:
			out = append(out, ChatMessage{
				Role:       "tool",
				ToolCallID: b.ToolUseID,
				Content:    ChatContent{Text: b.ToolResultText()},
			})
		case BlockText:
			parts = append(parts, ChatContentPart{Type: "text", Text: b.Text})
		case BlockImage:
			if b.Source == nil {
				continue
			}
			url := b.Source.URL
			if b.Source.Type == "base64" {
				url = "data:" + b.Source.MediaType + ";base64," + b.Source.Data
			}
			parts = append(parts, ChatContentPart{
				Type:     "image_url",
				ImageURL: &ChatImageURL{URL: url},
			})
		}
	}
	if len(parts) == 1 && parts[0].Type == "text" {
		out = append(out, ChatMessage{Role: "user", Content: ChatContent{Text: parts[0].Text}})
	} else if len(parts) > 0 {
		out = append(out, ChatMessage{Role: "user", Content: ChatContent{Parts: parts}})
	}
	return out
}

func assistantToChat(m Message) ChatMessage {
	out := ChatMessage{Role: "assistant"}
	if m.Content.IsText {
		out.Content = ChatContent{Text: m.Content.Text}
		return out
	}
	var text strings.Builder
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case BlockText:
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(b.Text)
		case BlockToolUse:
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, ChatToolCall{
				ID:   b.ID,
				Type: "function",
				Function: ChatCallFunction{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}
	if text.Len() == 0 && len(out.ToolCalls) > 0 {
		out.Content = ChatContent{Null: true}
	} else {
		out.Content = ChatContent{Text: text.String()}
	}
	return out
}

// RequestFromOpenAI converts a chat-completions request into the Anthropic
// Messages shape. It is the inverse of RequestToOpenAI: system messages
// join into the system prompt, tool-role messages fold back into user-turn
// tool_result blocks, and tool_calls become tool_use blocks.
func RequestFromOpenAI(req *ChatRequest) *MessagesRequest {
	out := &MessagesRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if req.User != "" {
		out.Metadata = &Metadata{UserID: req.User}
	}
	var system []string
	var pendingResults []ContentBlock
	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		out.Messages = append(out.Messages, Message{
			Role:    "user",
			Content: BlockContent(pendingResults...),
		})
		pendingResults = nil
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content.Text)
		case "tool":
			pendingResults = append(pendingResults, ContentBlock{
				Type:      BlockToolResult,
				ToolUseID: m.ToolCallID,
				Content:   json.RawMessage(mustJSONString(m.Content.Text)),
			})
		case "assistant":
			flushResults()
			out.Messages = append(out.Messages, chatAssistantToMessage(m))
		default:
			flushResults()
			out.Messages = append(out.Messages, chatUserToMessage(m))
		}
	}
	flushResults()
	if len(system) > 0 {
		out.System = SystemPrompt{IsText: true, Text: strings.Join(system, "\n")}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	out.ToolChoice = toolChoiceFromChat(req.ToolChoice)
	return out
}

func toolChoiceFromChat(tc *ChatToolChoice) *ToolChoice {
	if tc == nil {
		return nil
	}
	if tc.Function != "" {
		return &ToolChoice{Type: "tool", Name: tc.Function}
	}
	switch tc.Mode {
	case "required":
		return &ToolChoice{Type: "any"}
	case "none":
		return &ToolChoice{Type: "none"}
	default:
		return &ToolChoice{Type: "auto"}
	}
}

func chatUserToMessage(m ChatMessage) Message {
	if m.Content.Parts == nil {
		return Message{Role: "user", Content: TextContent(m.Content.Text)}
	}
	var blocks []ContentBlock
	for _, p := range m.Content.Parts {
		switch p.Type {
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			blocks = append(blocks, ContentBlock{
				Type:   BlockImage,
				Source: imageSourceFromURL(p.ImageURL.URL),
			})
		default:
			blocks = append(blocks, ContentBlock{Type: BlockText, Text: p.Text})
		}
	}
	return Message{Role: "user", Content: BlockContent(blocks...)}
}

func chatAssistantToMessage(m ChatMessage) Message {
	var blocks []ContentBlock
	if !m.Content.Null && m.Content.Text != "" {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: m.Content.Text})
	}
	for _, tc := range m.ToolCalls {
		id := tc.ID
		if id == "" {
			id = NewToolUseID()
		}
		blocks = append(blocks, ContentBlock{
			Type:  BlockToolUse,
			ID:    id,
			Name:  tc.Function.Name,
			Input: parseToolArguments(tc.Function.Arguments),
		})
	}
	if len(blocks) == 1 && blocks[0].Type == BlockText {
		return Message{Role: "assistant", Content: TextContent(blocks[0].Text)}
	}
	return Message{Role: "assistant", Content: BlockContent(blocks...)}
}

// parseToolArguments validates the arguments string as a JSON object. A
// payload that does not parse is preserved under error_parsing_arguments so
// the client still sees what the model produced.
func parseToolArguments(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(trimmed)) && trimmed[0] == '{' {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"error_parsing_arguments": args})
	return wrapped
}

// imageSourceFromURL recovers an Anthropic image source from an image URL,
// unpacking data: URLs back into base64 form.
func imageSourceFromURL(url string) *ImageSource {
	const prefix = "data:"
	if strings.HasPrefix(url, prefix) {
		if idx := strings.Index(url, ";base64,"); idx > len(prefix) {
			return &ImageSource{
				Type:      "base64",
				MediaType: url[len(prefix):idx],
				Data:      url[idx+len(";base64,"):],
			}
		}
	}
	return &ImageSource{Type: "url", URL: url}
}

func mustJSONString(s string) []byte {
	b, _ := json.Marshal(s)
	return b
}

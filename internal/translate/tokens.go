package translate

import (
	"bytes"
	"encoding/json"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// CountTokens returns a token estimate for text using the cl100k_base
// encoding. When the tokenizer cannot be initialized it falls back to a
// rune-count heuristic (roughly four characters per token).
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		n := utf8.RuneCountInString(text)/4 + 1
		return n
	}
	return len(encoder.Encode(text, nil, nil))
}

// EstimateInputTokens approximates the prompt size of a request by counting
// tokens over the system prompt, message content, tool definitions and tool
// payloads. It is an estimate for upstreams that do not report usage, not
// the provider's exact accounting.
func EstimateInputTokens(req *MessagesRequest) int {
	total := 0
	if !req.System.IsZero() {
		total += CountTokens(req.System.Joined())
	}
	for _, m := range req.Messages {
		// Per-message framing overhead.
		total += 4
		if m.Content.IsText {
			total += CountTokens(m.Content.Text)
			continue
		}
		for _, b := range m.Content.Blocks {
			switch b.Type {
			case BlockText:
				total += CountTokens(b.Text)
			case BlockToolUse:
				total += CountTokens(b.Name)
				total += CountTokens(string(b.Input))
			case BlockToolResult:
				total += CountTokens(b.ToolResultText())
			}
		}
	}
	for _, t := range req.Tools {
		total += CountTokens(t.Name)
		total += CountTokens(t.Description)
		total += CountTokens(compactJSON(t.InputSchema))
	}
	return total
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

package translate

import (
	"encoding/json"
)

// StopReasonFromFinish maps an OpenAI finish_reason onto the Anthropic
// stop_reason vocabulary. Unknown values map to end_turn.
func StopReasonFromFinish(reason string) string {
	switch reason {
	case FinishLength:
		return StopMaxTokens
	case FinishToolCalls, FinishFunctionCall:
		return StopToolUse
	case FinishContentFilter:
		return StopStopSequence
	default:
		return StopEndTurn
	}
}

// ResponseFromOpenAI converts a chat-completions response into an Anthropic
// Messages response. model is the model name the client asked for, which is
// echoed back regardless of what the upstream reports. inputEstimate is used
// when the upstream omits usage; output tokens are then estimated from the
// produced text.
func ResponseFromOpenAI(resp *ChatResponse, model string, inputEstimate int) *MessagesResponse {
	out := &MessagesResponse{
		ID:    NewMessageID(),
		Type:  "message",
		Role:  "assistant",
		Model: model,
	}
	var finish string
	var text string
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		finish = choice.FinishReason
		if !choice.Message.Content.Null {
			text = choice.Message.Content.Text
			if choice.Message.Content.Parts != nil {
				for _, p := range choice.Message.Content.Parts {
					if p.Type == "text" {
						text += p.Text
					}
				}
			}
		}
		if text != "" {
			out.Content = append(out.Content, ContentBlock{Type: BlockText, Text: text})
		}
		for _, tc := range choice.Message.ToolCalls {
			out.Content = append(out.Content, ContentBlock{
				Type:  BlockToolUse,
				ID:    NewToolUseID(),
				Name:  tc.Function.Name,
				Input: parseToolArguments(tc.Function.Arguments),
			})
		}
		if finish == "" && len(choice.Message.ToolCalls) > 0 {
			finish = FinishToolCalls
		}
	}
	if out.Content == nil {
		out.Content = []ContentBlock{}
	}
	out.StopReason = StopReasonFromFinish(finish)
	if resp.Usage != nil {
		out.Usage = Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	} else {
		out.Usage = Usage{
			InputTokens:  inputEstimate,
			OutputTokens: CountTokens(text),
		}
	}
	return out
}

// MarshalResponse encodes an Anthropic response for the client.
func MarshalResponse(resp *MessagesResponse) []byte {
	body, _ := json.Marshal(resp)
	return body
}

package translate

import (
	"crypto/rand"
	"encoding/hex"
)

func randomHex(n int) string {
	buf := make([]byte, n/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is
		// broken; nothing sensible to do but panic.
		panic("translate: entropy source unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// NewMessageID returns a synthetic Anthropic message id ("msg_" + 32 hex).
func NewMessageID() string {
	return "msg_" + randomHex(32)
}

// NewToolUseID returns a synthetic tool_use id ("toolu_" + 24 hex).
func NewToolUseID() string {
	return "toolu_" + randomHex(24)
}
